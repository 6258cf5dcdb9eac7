package observability

import (
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// KeeperMetrics wraps collectors tracking the tick keeper's health.
type KeeperMetrics struct {
	ticks        *prometheus.CounterVec
	tickLatency  prometheus.Histogram
	pauseEngaged prometheus.Gauge
	lastSweep    prometheus.Gauge
	backlog      prometheus.Gauge
}

var (
	keeperMetricsOnce sync.Once
	keeperRegistry    *KeeperMetrics
)

// Keeper exposes the metrics registry for keeperd.
func Keeper() *KeeperMetrics {
	keeperMetricsOnce.Do(func() {
		keeperRegistry = &KeeperMetrics{
			ticks: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "keeper",
				Name:      "ticks_total",
				Help:      "Tick attempts segmented by outcome.",
			}, []string{"outcome"}),
			tickLatency: prometheus.NewHistogram(prometheus.HistogramOpts{
				Namespace: namespace,
				Subsystem: "keeper",
				Name:      "tick_latency_seconds",
				Help:      "Round-trip latency of tick requests.",
				Buckets:   prometheus.DefBuckets,
			}),
			pauseEngaged: prometheus.NewGauge(prometheus.GaugeOpts{
				Namespace: namespace,
				Subsystem: "keeper",
				Name:      "pause_engaged",
				Help:      "Indicates whether the keeper pause guard is active (1) or not (0).",
			}),
			lastSweep: prometheus.NewGauge(prometheus.GaugeOpts{
				Namespace: namespace,
				Subsystem: "keeper",
				Name:      "last_sweep_timestamp_seconds",
				Help:      "Unix time of the last completed sweep over active streams.",
			}),
			backlog: prometheus.NewGauge(prometheus.GaugeOpts{
				Namespace: namespace,
				Subsystem: "keeper",
				Name:      "active_streams",
				Help:      "Active streams discovered during the last sweep.",
			}),
		}
		prometheus.MustRegister(
			keeperRegistry.ticks,
			keeperRegistry.tickLatency,
			keeperRegistry.pauseEngaged,
			keeperRegistry.lastSweep,
			keeperRegistry.backlog,
		)
	})
	return keeperRegistry
}

// RecordTick counts a tick attempt and its latency.
func (m *KeeperMetrics) RecordTick(outcome string, d time.Duration) {
	if m == nil {
		return
	}
	m.ticks.WithLabelValues(outcome).Inc()
	if d > 0 {
		m.tickLatency.Observe(d.Seconds())
	}
}

// SetPaused toggles the pause gauge.
func (m *KeeperMetrics) SetPaused(paused bool) {
	if m == nil {
		return
	}
	if paused {
		m.pauseEngaged.Set(1)
		return
	}
	m.pauseEngaged.Set(0)
}

// RecordSweep stores the sweep time and number of streams discovered.
func (m *KeeperMetrics) RecordSweep(at time.Time, active int) {
	if m == nil {
		return
	}
	m.lastSweep.Set(float64(at.Unix()))
	m.backlog.Set(float64(active))
}
