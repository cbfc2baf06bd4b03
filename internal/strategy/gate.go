package strategy

type Signal int

const (
	SignalWait Signal = iota
	SignalConfirming
	SignalReady
)

func (s Signal) String() string {
	switch s {
	case SignalConfirming:
		return "confirming"
	case SignalReady:
		return "ready"
	default:
		return "wait"
	}
}

// SpreadGate debounces the premium condition: it reports ready only after
// the swap ask has cleared the spot bid by the threshold on enough
// consecutive observations.
type SpreadGate struct {
	threshold     float64
	confirmations int
	counter       int
}

func NewSpreadGate(threshold float64, confirmations int) *SpreadGate {
	if confirmations < 1 {
		confirmations = 1
	}
	return &SpreadGate{threshold: threshold, confirmations: confirmations}
}

// Premium is the relative markup of the swap ask over the spot bid.
func Premium(spotBid, swapAsk float64) float64 {
	if spotBid <= 0 {
		return 0
	}
	return (swapAsk - spotBid) / spotBid
}

func (g *SpreadGate) Observe(spotBid, swapAsk float64) Signal {
	if spotBid <= 0 || swapAsk <= 0 || !(swapAsk > spotBid*(1+g.threshold)) {
		g.counter = 0
		return SignalWait
	}
	g.counter++
	if g.counter >= g.confirmations {
		return SignalReady
	}
	return SignalConfirming
}

func (g *SpreadGate) Reset() {
	g.counter = 0
}

func (g *SpreadGate) Counter() int {
	return g.counter
}

func (g *SpreadGate) Threshold() float64 {
	return g.threshold
}

func (g *SpreadGate) SetThreshold(threshold float64) {
	g.threshold = threshold
}
