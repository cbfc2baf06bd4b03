package metrics

type Counter interface {
	Inc()
}

// LabeledCounter counts occurrences per label value.
type LabeledCounter interface {
	Inc(label string)
}

type Adder interface {
	Add(float64)
}

type Gauge interface {
	Set(float64)
}

type Metrics struct {
	OrdersPlaced   Counter
	OrdersRejected Counter
	Remediations   Counter
	RoundsFilled   Counter
	RoundsEmpty    Counter
	RoundsAborted  LabeledCounter
	RunsFinished   LabeledCounter
	BaseFilled     Adder
	USDTReleased   Adder
	Remaining      Gauge
	SpreadPremium  Gauge
	Threshold      Gauge
}

type noopCounter struct{}

func (noopCounter) Inc() {}

type noopLabeled struct{}

func (noopLabeled) Inc(string) {}

type noopFloat struct{}

func (noopFloat) Add(float64) {}

func (noopFloat) Set(float64) {}

func NewNoop() *Metrics {
	n := noopCounter{}
	l := noopLabeled{}
	f := noopFloat{}
	return &Metrics{
		OrdersPlaced:   n,
		OrdersRejected: n,
		Remediations:   n,
		RoundsFilled:   n,
		RoundsEmpty:    n,
		RoundsAborted:  l,
		RunsFinished:   l,
		BaseFilled:     f,
		USDTReleased:   f,
		Remaining:      f,
		SpreadPremium:  f,
		Threshold:      f,
	}
}
