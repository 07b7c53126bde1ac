package observability

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

// RiskMetrics captures counters for the collateral risk and liquidation
// pipeline.
type RiskMetrics struct {
	liquidations      *prometheus.CounterVec
	auctionsCreated   *prometheus.CounterVec
	auctionsDealt     *prometheus.CounterVec
	auctionsCancelled *prometheus.CounterVec
	poolsSettled      prometheus.Counter
	surplusDropped    prometheus.Counter
	saturations       *prometheus.CounterVec
}

var (
	riskMetricsOnce sync.Once
	riskRegistry    *RiskMetrics
)

// Risk returns the lazily-initialised metrics registry used to record
// liquidation, auction and treasury activity.
func Risk() *RiskMetrics {
	riskMetricsOnce.Do(func() {
		riskRegistry = &RiskMetrics{
			liquidations: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "stbl",
				Subsystem: "cdp",
				Name:      "liquidations_total",
				Help:      "Total liquidated positions segmented by collateral currency.",
			}, []string{"currency"}),
			auctionsCreated: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "stbl",
				Subsystem: "auction",
				Name:      "created_total",
				Help:      "Total auctions opened segmented by kind.",
			}, []string{"kind"}),
			auctionsDealt: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "stbl",
				Subsystem: "auction",
				Name:      "dealt_total",
				Help:      "Total auctions settled segmented by kind.",
			}, []string{"kind"}),
			auctionsCancelled: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "stbl",
				Subsystem: "auction",
				Name:      "cancelled_total",
				Help:      "Total auctions cancelled before settlement segmented by kind.",
			}, []string{"kind"}),
			poolsSettled: prometheus.NewCounter(prometheus.CounterOpts{
				Namespace: "stbl",
				Subsystem: "treasury",
				Name:      "pools_settled_total",
				Help:      "Count of block-boundary surplus/debit pool offsets.",
			}),
			surplusDropped: prometheus.NewCounter(prometheus.CounterOpts{
				Namespace: "stbl",
				Subsystem: "treasury",
				Name:      "surplus_dropped_total",
				Help:      "Count of surplus credits discarded because the treasury balance overflowed.",
			}),
			saturations: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "stbl",
				Subsystem: "math",
				Name:      "saturations_total",
				Help:      "Count of arithmetic operations clamped at the balance ceiling.",
			}, []string{"operation"}),
		}
		prometheus.MustRegister(
			riskRegistry.liquidations,
			riskRegistry.auctionsCreated,
			riskRegistry.auctionsDealt,
			riskRegistry.auctionsCancelled,
			riskRegistry.poolsSettled,
			riskRegistry.surplusDropped,
			riskRegistry.saturations,
		)
	})
	return riskRegistry
}

// RecordLiquidation increments the liquidation counter for a collateral.
func (m *RiskMetrics) RecordLiquidation(currency string) {
	if m == nil {
		return
	}
	if currency == "" {
		currency = "unknown"
	}
	m.liquidations.WithLabelValues(currency).Inc()
}

// RecordAuctionCreated increments the opened-auction counter for a kind.
func (m *RiskMetrics) RecordAuctionCreated(kind string) {
	if m == nil {
		return
	}
	m.auctionsCreated.WithLabelValues(kind).Inc()
}

// RecordAuctionDealt increments the settled-auction counter for a kind.
func (m *RiskMetrics) RecordAuctionDealt(kind string) {
	if m == nil {
		return
	}
	m.auctionsDealt.WithLabelValues(kind).Inc()
}

// RecordAuctionCancelled increments the cancelled-auction counter for a kind.
func (m *RiskMetrics) RecordAuctionCancelled(kind string) {
	if m == nil {
		return
	}
	m.auctionsCancelled.WithLabelValues(kind).Inc()
}

// RecordPoolsSettled increments the pool-offset counter.
func (m *RiskMetrics) RecordPoolsSettled() {
	if m == nil {
		return
	}
	m.poolsSettled.Inc()
}

// RecordSurplusDropped increments the dropped-surplus counter.
func (m *RiskMetrics) RecordSurplusDropped() {
	if m == nil {
		return
	}
	m.surplusDropped.Inc()
}

// RecordSaturation increments the clamp counter for the named operation.
func (m *RiskMetrics) RecordSaturation(operation string) {
	if m == nil {
		return
	}
	if operation == "" {
		operation = "unspecified"
	}
	m.saturations.WithLabelValues(operation).Inc()
}
