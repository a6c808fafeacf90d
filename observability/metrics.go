package observability

import (
	"strings"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// SettlementMetrics records RPC activity against the settlement engine and
// the value currently held in custody.
type SettlementMetrics struct {
	requests *prometheus.CounterVec
	latency  *prometheus.HistogramVec
	custody  prometheus.Gauge
}

var (
	settlementOnce sync.Once
	settlementReg  *SettlementMetrics
)

// Settlement returns the lazily-initialised settlement metrics registry.
func Settlement() *SettlementMetrics {
	settlementOnce.Do(func() {
		settlementReg = &SettlementMetrics{
			requests: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "gridsettle",
				Subsystem: "settlement",
				Name:      "requests_total",
				Help:      "Total settlement RPC requests segmented by method and outcome.",
			}, []string{"method", "outcome"}),
			latency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
				Namespace: "gridsettle",
				Subsystem: "settlement",
				Name:      "request_seconds",
				Help:      "Settlement RPC handler latency in seconds.",
				Buckets:   prometheus.DefBuckets,
			}, []string{"method"}),
			custody: prometheus.NewGauge(prometheus.GaugeOpts{
				Namespace: "gridsettle",
				Subsystem: "settlement",
				Name:      "custody_total",
				Help:      "Value currently held across all open escrows, in base currency units.",
			}),
		}
		prometheus.MustRegister(settlementReg.requests, settlementReg.latency, settlementReg.custody)
	})
	return settlementReg
}

// Observe records one handled request.
func (m *SettlementMetrics) Observe(method, outcome string, elapsed time.Duration) {
	if m == nil {
		return
	}
	method = strings.TrimSpace(method)
	if method == "" {
		method = "unknown"
	}
	m.requests.WithLabelValues(method, outcome).Inc()
	m.latency.WithLabelValues(method).Observe(elapsed.Seconds())
}

// SetCustody updates the custody gauge. Values beyond float64 precision are
// reported approximately; the gauge is operational telemetry, not the ledger.
func (m *SettlementMetrics) SetCustody(total float64) {
	if m == nil {
		return
	}
	m.custody.Set(total)
}
