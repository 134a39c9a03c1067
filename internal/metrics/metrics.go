// Package metrics exposes the pipeline's Prometheus instrumentation.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Scanner health.
var (
	CycleDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "aethelgard_scanner_cycle_seconds",
		Help:    "Wall time of one full scanner cycle",
		Buckets: []float64{0.1, 0.25, 0.5, 1, 2.5, 5, 10, 20},
	})

	HeartbeatAge = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "aethelgard_scanner_heartbeat_age_seconds",
		Help: "Seconds since the scanner last completed a cycle",
	})

	CyclesCoalesced = promauto.NewCounter(prometheus.CounterOpts{
		Name: "aethelgard_scanner_cycles_coalesced_total",
		Help: "Ticks skipped because the previous cycle was still running",
	})

	StaleSymbols = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "aethelgard_scanner_stale_symbols",
		Help: "Symbols currently marked STALE after repeated fetch failures",
	})
)

// Signal pipeline.
var (
	SignalsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "aethelgard_signals_total",
		Help: "Signals by final admission status",
	}, []string{"status"})

	OrdersTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "aethelgard_orders_total",
		Help: "Broker order attempts by result",
	}, []string{"result"})
)

// Positions and risk.
var (
	PositionsOpen = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "aethelgard_positions_open",
		Help: "Open positions under supervision",
	})

	PositionModifications = promauto.NewCounter(prometheus.CounterOpts{
		Name: "aethelgard_position_modifications_total",
		Help: "Accepted stop or target modifications",
	})

	ClosuresTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "aethelgard_trade_closures_total",
		Help: "Processed trade closures by outcome",
	}, []string{"outcome"})

	LockdownActive = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "aethelgard_risk_lockdown_active",
		Help: "1 while the risk lockdown is engaged",
	})

	TunerRuns = promauto.NewCounter(prometheus.CounterOpts{
		Name: "aethelgard_tuner_runs_total",
		Help: "Edge tuner invocations",
	})
)

// Cross-checks.
var (
	CoherenceEvents = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "aethelgard_coherence_events_total",
		Help: "Coherence events by incoherence kind",
	}, []string{"kind"})
)
