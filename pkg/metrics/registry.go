package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
)

// Registers hides the concrete Prometheus registry so tests and callers depend on an interface.
type Registers interface {
	prometheus.Registerer
	Register(collector prometheus.Collector) error
}

type promRegistry struct {
	registry *prometheus.Registry
}

func NewPromRegistry(registry *prometheus.Registry) Registers {
	return &promRegistry{registry: registry}
}

// MustRegister panics on the first collector that fails to register.
func (p *promRegistry) MustRegister(collectors ...prometheus.Collector) {
	for _, c := range collectors {
		if err := p.registry.Register(c); err != nil {
			panic(err)
		}
	}
}

func (p *promRegistry) Unregister(collector prometheus.Collector) bool {
	return p.registry.Unregister(collector)
}

func (p *promRegistry) Register(collector prometheus.Collector) error {
	return p.registry.Register(collector)
}

// InitRegistry builds the process registry, optionally with the process and Go runtime
// collectors, and the collection metrics registered on it.
func InitRegistry(withProcess bool) (*prometheus.Registry, *CollectorMetrics) {
	reg := prometheus.NewRegistry()
	if withProcess {
		reg.MustRegister(
			collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
			collectors.NewGoCollector(),
		)
	}
	return reg, NewCollectorMetrics(NewMetricFactory(NewPromRegistry(reg)))
}
