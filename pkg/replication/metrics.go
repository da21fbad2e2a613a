package replication

import (
	"errors"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics holds the replication collectors. A nil *Metrics is valid and
// records nothing.
type Metrics struct {
	docs     *prometheus.CounterVec
	failures *prometheus.CounterVec
	active   prometheus.Gauge
}

// NewMetrics builds the collectors and registers them on reg when reg is
// not nil. Collectors already registered on reg, typically by another
// repository of the same deployment, are adopted and shared.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		docs: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "tagmesh",
			Subsystem: "replication",
			Name:      "documents_total",
			Help:      "Documents written to a target by replication.",
		}, []string{"direction"}),
		failures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "tagmesh",
			Subsystem: "replication",
			Name:      "failures_total",
			Help:      "Replication runs that ended in an error.",
		}, []string{"direction"}),
		active: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "tagmesh",
			Subsystem: "replication",
			Name:      "live_syncs",
			Help:      "Continuous syncs currently running.",
		}),
	}
	if reg != nil {
		m.docs = register(reg, m.docs)
		m.failures = register(reg, m.failures)
		m.active = register(reg, m.active)
	}
	return m
}

// register registers c, or returns the collector registered before it.
// Any other registration error is a programming error and panics, as
// MustRegister would.
func register[C prometheus.Collector](reg prometheus.Registerer, c C) C {
	err := reg.Register(c)
	if err == nil {
		return c
	}
	var are prometheus.AlreadyRegisteredError
	if errors.As(err, &are) {
		if existing, ok := are.ExistingCollector.(C); ok {
			return existing
		}
	}
	panic(err)
}

func directionLabel(d Direction) string {
	if d == "" {
		return "oneshot"
	}
	return string(d)
}

func (m *Metrics) observeDocs(d Direction, n int) {
	if m == nil || n == 0 {
		return
	}
	m.docs.WithLabelValues(directionLabel(d)).Add(float64(n))
}

func (m *Metrics) observeFailure(d Direction) {
	if m == nil {
		return
	}
	m.failures.WithLabelValues(directionLabel(d)).Inc()
}

func (m *Metrics) syncStarted() {
	if m == nil {
		return
	}
	m.active.Inc()
}

func (m *Metrics) syncStopped() {
	if m == nil {
		return
	}
	m.active.Dec()
}
