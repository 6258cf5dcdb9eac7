package observability

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"

	"streamchain/core/events"
)

type EventMetrics struct {
	events     *prometheus.CounterVec
	value      *prometheus.CounterVec
	depletions prometheus.Counter
	operations *prometheus.CounterVec
}

var (
	eventMetricsOnce sync.Once
	eventRegistry    *EventMetrics
)

// Events returns the metrics registry tracking stream events and settlement
// volume. It doubles as an events.Emitter so it can sit in the engine's
// fan-out.
func Events() *EventMetrics {
	eventMetricsOnce.Do(func() {
		eventRegistry = &EventMetrics{
			events: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "streams",
				Name:      "events_total",
				Help:      "Count of committed stream events by type.",
			}, []string{"type"}),
			value: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "streams",
				Name:      "value_moved_total",
				Help:      "Base units moved by stream settlement segmented by kind (deposit, payout, refund).",
			}, []string{"kind"}),
			depletions: prometheus.NewCounter(prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "streams",
				Name:      "depletions_total",
				Help:      "Count of streams completed because escrow ran out.",
			}),
			operations: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "streams",
				Name:      "operations_total",
				Help:      "Stream engine operations segmented by operation and outcome kind.",
			}, []string{"op", "outcome"}),
		}
		prometheus.MustRegister(
			eventRegistry.events,
			eventRegistry.value,
			eventRegistry.depletions,
			eventRegistry.operations,
		)
	})
	return eventRegistry
}

func (m *EventMetrics) add(kind string, amount uint64) {
	if amount == 0 {
		return
	}
	m.value.WithLabelValues(kind).Add(float64(amount))
}

// Emit implements events.Emitter.
func (m *EventMetrics) Emit(evt events.Event) {
	if m == nil || evt == nil {
		return
	}
	m.events.WithLabelValues(evt.EventType()).Inc()
	switch e := evt.(type) {
	case events.StreamCreated:
		m.add("deposit", e.EscrowAmount)
	case events.EscrowToppedUp:
		m.add("deposit", e.Amount)
	case events.StreamTicked:
		m.add("payout", e.Amount)
	case events.StreamTerminated:
		m.add("payout", e.FinalPayment)
		m.add("refund", e.Refunded)
		if e.Reason == "escrow depleted" {
			m.depletions.Inc()
		}
	case events.StreamCancelled:
		m.add("refund", e.Refunded)
	case events.StreamResolved:
		if e.Outcome == "release" {
			m.add("payout", e.Amount)
		} else {
			m.add("refund", e.Amount)
		}
	}
}

// RecordOperation counts an engine operation by its outcome kind ("ok" or an
// error classification).
func (m *EventMetrics) RecordOperation(op, outcome string) {
	if m == nil {
		return
	}
	if outcome == "" {
		outcome = "ok"
	}
	m.operations.WithLabelValues(op, outcome).Inc()
}
