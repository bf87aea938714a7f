package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	RoundsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "klear",
		Subsystem: "matcher",
		Name:      "rounds_total",
		Help:      "Matching rounds by market and result.",
	}, []string{"market", "result"})

	RoundDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "klear",
		Subsystem: "matcher",
		Name:      "round_duration_seconds",
		Help:      "Duration of committed matching rounds.",
		Buckets:   prometheus.ExponentialBuckets(0.001, 2, 14),
	}, []string{"market"})

	TradesCreated = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "klear",
		Subsystem: "matcher",
		Name:      "trades_created_total",
		Help:      "Trades written to the ledger.",
	}, []string{"market"})

	GuardStalls = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "klear",
		Subsystem: "matcher",
		Name:      "guard_stalls_total",
		Help:      "Rounds in which the price guard rejected a crossing book.",
	}, []string{"market"})

	CyclesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "klear",
		Subsystem: "scheduler",
		Name:      "cycles_total",
		Help:      "Scheduler cycles by outcome.",
	}, []string{"outcome"})

	TradesSettled = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "klear",
		Subsystem: "settlement",
		Name:      "trades_settled_total",
		Help:      "Trades whose wallet legs were committed.",
	})

	TradesFlagged = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "klear",
		Subsystem: "settlement",
		Name:      "trades_flagged_total",
		Help:      "Trades that could not be settled, by error class.",
	}, []string{"class"})

	Checkpoint = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "klear",
		Subsystem: "settlement",
		Name:      "checkpoint_trade_id",
		Help:      "Last trade id known to be fully settled.",
	})

	SideEffectFailures = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "klear",
		Name:      "side_effect_failures_total",
		Help:      "Best-effort post-commit work that failed.",
	}, []string{"component"})
)
