package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const promNamespace = "okx_carry_unwind"

type promCounter struct {
	counter prometheus.Counter
}

func (p promCounter) Inc() {
	p.counter.Inc()
}

type promLabeled struct {
	vec *prometheus.CounterVec
}

func (p promLabeled) Inc(label string) {
	p.vec.WithLabelValues(label).Inc()
}

type Prometheus struct {
	Metrics *Metrics

	registry       *prometheus.Registry
	ordersPlaced   prometheus.Counter
	ordersRejected prometheus.Counter
	remediations   prometheus.Counter
	roundsFilled   prometheus.Counter
	roundsEmpty    prometheus.Counter
	roundsAborted  *prometheus.CounterVec
	runsFinished   *prometheus.CounterVec
	baseFilled     prometheus.Counter
	usdtReleased   prometheus.Counter
	remaining      prometheus.Gauge
	spreadPremium  prometheus.Gauge
	threshold      prometheus.Gauge
}

func NewPrometheus() *Prometheus {
	registry := prometheus.NewRegistry()
	counter := func(name, help string) prometheus.Counter {
		return prometheus.NewCounter(prometheus.CounterOpts{Namespace: promNamespace, Name: name, Help: help})
	}
	gauge := func(name, help string) prometheus.Gauge {
		return prometheus.NewGauge(prometheus.GaugeOpts{Namespace: promNamespace, Name: name, Help: help})
	}
	p := &Prometheus{
		registry:       registry,
		ordersPlaced:   counter("orders_placed_total", "Total number of orders accepted by the venue."),
		ordersRejected: counter("orders_rejected_total", "Total number of orders rejected at submission."),
		remediations:   counter("remediations_total", "Total number of market orders sent to rebalance a canceled leg."),
		roundsFilled:   counter("rounds_filled_total", "Total number of rounds where both legs filled."),
		roundsEmpty:    counter("rounds_empty_total", "Total number of rounds where both legs were canceled."),
		roundsAborted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: promNamespace,
			Name:      "rounds_aborted_total",
			Help:      "Total number of aborted rounds by reason.",
		}, []string{"reason"}),
		runsFinished: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: promNamespace,
			Name:      "runs_finished_total",
			Help:      "Total number of unwind runs by terminal status.",
		}, []string{"status"}),
		baseFilled:    counter("base_filled_total", "Base currency sold on the spot leg."),
		usdtReleased:  counter("usdt_released_total", "USDT released by unwinding."),
		remaining:     gauge("remaining_size", "Base size left to unwind."),
		spreadPremium: gauge("spread_premium", "Last observed swap ask premium over spot bid."),
		threshold:     gauge("spread_threshold", "Current spread threshold."),
	}
	registry.MustRegister(
		p.ordersPlaced, p.ordersRejected, p.remediations, p.roundsFilled, p.roundsEmpty,
		p.roundsAborted, p.runsFinished, p.baseFilled, p.usdtReleased,
		p.remaining, p.spreadPremium, p.threshold,
	)

	p.Metrics = &Metrics{
		OrdersPlaced:   promCounter{p.ordersPlaced},
		OrdersRejected: promCounter{p.ordersRejected},
		Remediations:   promCounter{p.remediations},
		RoundsFilled:   promCounter{p.roundsFilled},
		RoundsEmpty:    promCounter{p.roundsEmpty},
		RoundsAborted:  promLabeled{p.roundsAborted},
		RunsFinished:   promLabeled{p.runsFinished},
		BaseFilled:     p.baseFilled,
		USDTReleased:   p.usdtReleased,
		Remaining:      p.remaining,
		SpreadPremium:  p.spreadPremium,
		Threshold:      p.threshold,
	}
	return p
}

func (p *Prometheus) Handler() http.Handler {
	return promhttp.HandlerFor(p.registry, promhttp.HandlerOpts{})
}
