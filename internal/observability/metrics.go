package observability

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

// Outcomes recorded for market operations. Rejected operations failed a
// precondition; invariant outcomes indicate an accounting defect.
const (
	OutcomeOK        = "ok"
	OutcomeRejected  = "rejected"
	OutcomeInvariant = "invariant"
)

type marketMetrics struct {
	operations *prometheus.CounterVec
	invariants *prometheus.CounterVec
}

type relayMetrics struct {
	tip prometheus.Gauge
}

var (
	marketMetricsOnce sync.Once
	marketRegistry    *marketMetrics

	relayMetricsOnce sync.Once
	relayRegistry    *relayMetrics
)

// MarketMetrics returns the lazily-initialised market metrics registry.
func MarketMetrics() *marketMetrics {
	marketMetricsOnce.Do(func() {
		marketRegistry = &marketMetrics{
			operations: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "spvswap",
				Subsystem: "market",
				Name:      "operations_total",
				Help:      "Market operations segmented by operation and outcome.",
			}, []string{"op", "outcome"}),
			invariants: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "spvswap",
				Subsystem: "market",
				Name:      "invariant_violations_total",
				Help:      "Operations aborted because an accounting invariant did not hold. Any increase is a bug.",
			}, []string{"op"}),
		}
		prometheus.MustRegister(marketRegistry.operations, marketRegistry.invariants)
	})
	return marketRegistry
}

// Observe records the outcome of one market operation.
func (m *marketMetrics) Observe(op, outcome string) {
	if m == nil {
		return
	}
	if op == "" {
		op = "unknown"
	}
	m.operations.WithLabelValues(op, outcome).Inc()
	if outcome == OutcomeInvariant {
		m.invariants.WithLabelValues(op).Inc()
	}
}

// RelayMetrics returns the lazily-initialised relay metrics registry.
func RelayMetrics() *relayMetrics {
	relayMetricsOnce.Do(func() {
		relayRegistry = &relayMetrics{
			tip: prometheus.NewGauge(prometheus.GaugeOpts{
				Namespace: "spvswap",
				Subsystem: "relay",
				Name:      "tip_height",
				Help:      "Height of the best header chain known to the proof relay.",
			}),
		}
		prometheus.MustRegister(relayRegistry.tip)
	})
	return relayRegistry
}

// SetTip records the relay's best height.
func (m *relayMetrics) SetTip(height int32) {
	if m == nil {
		return
	}
	m.tip.Set(float64(height))
}
