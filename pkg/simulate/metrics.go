package simulate

import (
	"errors"

	"github.com/prometheus/client_golang/prometheus"
)

type metrics struct {
	total    *prometheus.CounterVec
	inFlight prometheus.Gauge
}

// newMetrics creates the scheduler's collectors and registers them on reg
// when it is not nil. Collectors already registered by an earlier scheduler
// are reused.
func newMetrics(reg prometheus.Registerer) *metrics {
	m := &metrics{
		total: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "chronopoint",
			Name:      "simulations_total",
			Help:      "Finished simulation jobs by status.",
		}, []string{"status"}),
		inFlight: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "chronopoint",
			Name:      "simulations_in_flight",
			Help:      "Simulation jobs currently running.",
		}),
	}
	if reg == nil {
		return m
	}
	m.total = register(reg, m.total)
	m.inFlight = register(reg, m.inFlight)
	return m
}

func register[C prometheus.Collector](reg prometheus.Registerer, c C) C {
	if err := reg.Register(c); err != nil {
		var are prometheus.AlreadyRegisteredError
		if errors.As(err, &are) {
			if existing, ok := are.ExistingCollector.(C); ok {
				return existing
			}
		}
	}
	return c
}
