package observability

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/require"
)

func TestSettlementSingleton(t *testing.T) {
	first := Settlement()
	second := Settlement()
	require.Same(t, first, second)
}

func TestObserveCountsRequests(t *testing.T) {
	m := Settlement()
	before := testutil.ToFloat64(m.requests.WithLabelValues("settlement_getTrade", "ok"))
	m.Observe("settlement_getTrade", "ok", 5*time.Millisecond)
	m.Observe("settlement_getTrade", "ok", 7*time.Millisecond)
	after := testutil.ToFloat64(m.requests.WithLabelValues("settlement_getTrade", "ok"))
	require.Equal(t, before+2, after)
}

func TestObserveNormalisesEmptyMethod(t *testing.T) {
	m := Settlement()
	before := testutil.ToFloat64(m.requests.WithLabelValues("unknown", "error"))
	m.Observe("  ", "error", time.Millisecond)
	after := testutil.ToFloat64(m.requests.WithLabelValues("unknown", "error"))
	require.Equal(t, before+1, after)
}

func TestSetCustody(t *testing.T) {
	m := Settlement()
	m.SetCustody(12345)
	require.Equal(t, float64(12345), testutil.ToFloat64(m.custody))
}

func TestNilReceiverIsSafe(t *testing.T) {
	var m *SettlementMetrics
	m.Observe("settlement_getTrade", "ok", time.Millisecond)
	m.SetCustody(1)
}
