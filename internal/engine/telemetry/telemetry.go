// Package telemetry defines the engine's Prometheus metric surface:
// counters and histograms for fills, rejections, liquidations, funding
// payments and kill-switch trips.
//
// Scope, per the ambient-stack requirement: these are in-process
// registries only. Nothing in this package starts an HTTP listener or
// wires a `/metrics` handler — scraping transport is an external-interface
// concern this engine doesn't serve, the same way `github.com/prometheus/
// client_golang` appears across the example pack (e.g. the trading-bot
// execution service's package-level `prometheus.NewCounterVec` +
// `prometheus.MustRegister` idiom) purely to instrument in-process
// behavior for a scraper that lives outside the process.
package telemetry

import "github.com/prometheus/client_golang/prometheus"

// Metrics bundles every gauge/counter/histogram the engine updates. It
// owns its own prometheus.Registry rather than registering into the
// global default registry, so multiple engine instances (e.g. under
// test) never collide on metric registration.
type Metrics struct {
	Registry *prometheus.Registry

	Fills             *prometheus.CounterVec
	Rejections        *prometheus.CounterVec
	FillLatency       prometheus.Histogram
	Liquidations      *prometheus.CounterVec
	LiquidationSlippageBps prometheus.Histogram
	FundingPayments   *prometheus.CounterVec
	FundingRate       *prometheus.GaugeVec
	KillSwitchTrips   prometheus.Counter
	InsuranceFundBalance prometheus.Gauge
	OpenInterest      *prometheus.GaugeVec
}

// New creates a Metrics bundle and registers every collector into its own
// registry.
func New() *Metrics {
	m := &Metrics{
		Registry: prometheus.NewRegistry(),

		Fills: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "engine_fills_total",
			Help: "Total number of matched fills, labeled by market and side.",
		}, []string{"market", "side"}),

		Rejections: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "engine_order_rejections_total",
			Help: "Total number of rejected order submissions, labeled by market and side.",
		}, []string{"market", "side"}),

		FillLatency: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "engine_fill_latency_seconds",
			Help:    "Latency from order submit event to its last resulting fill.",
			Buckets: prometheus.DefBuckets,
		}),

		Liquidations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "engine_liquidations_total",
			Help: "Total number of liquidation executions, labeled by market and full/partial.",
		}, []string{"market", "kind"}),

		LiquidationSlippageBps: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "engine_liquidation_slippage_bps",
			Help:    "Observed slippage of liquidation fills against mark price, in basis points.",
			Buckets: []float64{0, 5, 10, 25, 50, 100, 250, 500},
		}),

		FundingPayments: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "engine_funding_payments_total",
			Help: "Total number of funding payments applied, labeled by market.",
		}, []string{"market"}),

		FundingRate: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "engine_funding_rate",
			Help: "Most recently computed funding rate, labeled by market.",
		}, []string{"market"}),

		KillSwitchTrips: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "engine_kill_switch_trips_total",
			Help: "Total number of times the kill switch has tripped.",
		}),

		InsuranceFundBalance: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "engine_insurance_fund_balance",
			Help: "Current insurance fund balance.",
		}),

		OpenInterest: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "engine_open_interest",
			Help: "Current absolute open interest, labeled by market.",
		}, []string{"market"}),
	}

	m.Registry.MustRegister(
		m.Fills, m.Rejections, m.FillLatency,
		m.Liquidations, m.LiquidationSlippageBps,
		m.FundingPayments, m.FundingRate,
		m.KillSwitchTrips, m.InsuranceFundBalance, m.OpenInterest,
	)
	return m
}
