package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Ledger collects per-operation counters for the balance engine and the
// withdrawal workflow. A nil *Ledger records nothing.
type Ledger struct {
	operations *prometheus.CounterVec
	duration   *prometheus.HistogramVec
	events     *prometheus.CounterVec
	dropped    prometheus.Counter
	streams    prometheus.Gauge
}

func NewLedger(reg prometheus.Registerer) *Ledger {
	m := &Ledger{
		operations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "ledger",
			Name:      "operations_total",
			Help:      "Ledger mutations by operation and result.",
		}, []string{"operation", "result"}),
		duration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "ledger",
			Name:      "operation_duration_seconds",
			Help:      "Time spent in a ledger mutation, lock wait included.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"operation"}),
		events: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "ledger",
			Name:      "side_effects_total",
			Help:      "Post-commit notifications and event deliveries by channel and result.",
		}, []string{"channel", "result"}),
		dropped: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "ledger",
			Name:      "events_dropped_total",
			Help:      "Live events dropped because a subscriber buffer was full.",
		}),
		streams: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "ledger",
			Name:      "event_subscribers",
			Help:      "Open live event connections.",
		}),
	}
	if reg != nil {
		reg.MustRegister(m.operations, m.duration, m.events, m.dropped, m.streams)
	}
	return m
}

func (m *Ledger) ObserveOperation(operation, result string, started time.Time) {
	if m == nil {
		return
	}
	m.operations.WithLabelValues(operation, result).Inc()
	m.duration.WithLabelValues(operation).Observe(time.Since(started).Seconds())
}

func (m *Ledger) ObserveSideEffect(channel string, err error) {
	if m == nil {
		return
	}
	result := "ok"
	if err != nil {
		result = "failed"
	}
	m.events.WithLabelValues(channel, result).Inc()
}

func (m *Ledger) ObserveDroppedEvent() {
	if m == nil {
		return
	}
	m.dropped.Inc()
}

func (m *Ledger) SubscriberDelta(n int) {
	if m == nil {
		return
	}
	m.streams.Add(float64(n))
}
