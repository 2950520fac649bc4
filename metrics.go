package swarmcache

import (
	"errors"

	"github.com/prometheus/client_golang/prometheus"
)

type metrics struct {
	sessions        *prometheus.GaugeVec
	events          *prometheus.CounterVec
	operations      *prometheus.CounterVec
	resolverSeconds *prometheus.HistogramVec
	sessionReuses   prometheus.Counter
	completions     prometheus.Counter
	persisted       prometheus.Counter
}

// Registers c with reg, or returns the equivalent collector already registered there.
func register[C prometheus.Collector](reg prometheus.Registerer, c C) C {
	err := reg.Register(c)
	var are prometheus.AlreadyRegisteredError
	if errors.As(err, &are) {
		return are.ExistingCollector.(C)
	}
	if err != nil {
		panic(err)
	}
	return c
}

func newMetrics(reg prometheus.Registerer) *metrics {
	if reg == nil {
		reg = prometheus.NewRegistry()
	}
	return &metrics{
		sessions: register(reg, prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "swarmcache",
			Name:      "sessions",
			Help:      "Active transfer sessions by lifecycle state.",
		}, []string{"state"})),
		events: register(reg, prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "swarmcache",
			Name:      "session_events_total",
			Help:      "Session lifecycle events observed, by kind.",
		}, []string{"kind"})),
		operations: register(reg, prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "swarmcache",
			Name:      "operations_total",
			Help:      "Publish and retrieve operations by result.",
		}, []string{"op", "result"})),
		resolverSeconds: register(reg, prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "swarmcache",
			Name:      "resolver_seconds",
			Help:      "Name resolver call latency.",
			Buckets:   prometheus.ExponentialBuckets(0.001, 4, 10),
		}, []string{"op"})),
		sessionReuses: register(reg, prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "swarmcache",
			Name:      "session_reuses_total",
			Help:      "Publish or retrieve calls that joined an existing session for the same content.",
		})),
		completions: register(reg, prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "swarmcache",
			Name:      "completions_total",
			Help:      "Sessions that reached seeding for the first time.",
		})),
		persisted: register(reg, prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "swarmcache",
			Name:      "resume_records_persisted_total",
			Help:      "Fast resume records written after sessions reached seeding.",
		})),
	}
}

func (m *metrics) operation(op string, err error) {
	result := "ok"
	switch {
	case err == nil:
	case errors.Is(err, ErrNotFound):
		result = "not_found"
	case IsDependencyError(err):
		result = "dependency_error"
	default:
		result = "error"
	}
	m.operations.WithLabelValues(op, result).Inc()
}
