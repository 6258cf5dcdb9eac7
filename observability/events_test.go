package observability

import (
	"net/http"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	dto "github.com/prometheus/client_model/go"
	"github.com/stretchr/testify/require"

	"streamchain/core/events"
)

func TestEventMetricsTrackValueMoved(t *testing.T) {
	m := Events()
	beforeDeposit := testutil.ToFloat64(m.value.WithLabelValues("deposit"))
	beforePayout := testutil.ToFloat64(m.value.WithLabelValues("payout"))
	beforeRefund := testutil.ToFloat64(m.value.WithLabelValues("refund"))
	beforeDepletions := testutil.ToFloat64(m.depletions)

	m.Emit(events.StreamCreated{EscrowAmount: 1_000})
	m.Emit(events.StreamTicked{Amount: 500})
	m.Emit(events.StreamTerminated{Reason: "escrow depleted", FinalPayment: 500})
	m.Emit(events.StreamCancelled{Refunded: 250})

	require.Equal(t, beforeDeposit+1_000, testutil.ToFloat64(m.value.WithLabelValues("deposit")))
	require.Equal(t, beforePayout+1_000, testutil.ToFloat64(m.value.WithLabelValues("payout")))
	require.Equal(t, beforeRefund+250, testutil.ToFloat64(m.value.WithLabelValues("refund")))
	require.Equal(t, beforeDepletions+1, testutil.ToFloat64(m.depletions))
}

func latencySamples(t *testing.T, m *APIMetrics, route string) (uint64, float64) {
	t.Helper()
	var metric dto.Metric
	require.NoError(t, m.latency.WithLabelValues(route, http.MethodPost).(prometheus.Metric).Write(&metric))
	return metric.GetHistogram().GetSampleCount(), metric.GetHistogram().GetSampleSum()
}

func TestAPIMetricsObserve(t *testing.T) {
	m := API()
	route := "/v1/streams/{id}/tick"
	before := testutil.ToFloat64(m.errors.WithLabelValues(route, "425"))
	count, sum := latencySamples(t, m, route)
	m.Observe(route, http.MethodPost, http.StatusTooEarly, 5*time.Millisecond)
	require.Equal(t, before+1, testutil.ToFloat64(m.errors.WithLabelValues(route, "425")))

	afterCount, afterSum := latencySamples(t, m, route)
	require.Equal(t, count+1, afterCount)
	require.InDelta(t, sum+0.005, afterSum, 1e-9)
}

func TestKeeperMetricsPause(t *testing.T) {
	m := Keeper()
	m.SetPaused(true)
	require.Equal(t, float64(1), testutil.ToFloat64(m.pauseEngaged))
	m.SetPaused(false)
	require.Equal(t, float64(0), testutil.ToFloat64(m.pauseEngaged))
}
