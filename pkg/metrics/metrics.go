package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

// OrdersSubmitted counts accepted order submissions by side (buy/sell/convert)
var OrdersSubmitted = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Name: "ledgerex_orders_submitted_total",
		Help: "Total number of orders accepted by the engine",
	},
	[]string{"side"},
)

// OrdersRejected counts rejected submissions by error kind
var OrdersRejected = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Name: "ledgerex_orders_rejected_total",
		Help: "Total number of order submissions rejected",
	},
	[]string{"reason"},
)

// OrdersTerminal counts lifecycle completions by terminal status
var OrdersTerminal = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Name: "ledgerex_orders_terminal_total",
		Help: "Total number of orders reaching a terminal status",
	},
	[]string{"status"},
)

// SettlementLatency records latency distribution for atomic settlements
var SettlementLatency = prometheus.NewHistogram(
	prometheus.HistogramOpts{
		Name:    "ledgerex_settlement_latency_seconds",
		Help:    "Latency in seconds to settle a completed order",
		Buckets: prometheus.DefBuckets,
	},
)

// JournalAppends counts journal entries written by reason
var JournalAppends = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Name: "ledgerex_journal_appends_total",
		Help: "Total number of journal entries appended",
	},
	[]string{"reason"},
)

// Database connection pool metrics
var (
	DBOpenConns = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "ledgerex_db_open_connections",
			Help: "Number of open connections in the DB pool",
		},
		[]string{"db"},
	)

	DBIdleConns = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "ledgerex_db_idle_connections",
			Help: "Number of idle connections in the DB pool",
		},
		[]string{"db"},
	)

	DBInUseConns = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "ledgerex_db_in_use_connections",
			Help: "Number of in-use connections in the DB pool",
		},
		[]string{"db"},
	)
)

func init() {
	prometheus.MustRegister(OrdersSubmitted, OrdersRejected, OrdersTerminal)
	prometheus.MustRegister(SettlementLatency, JournalAppends)
	prometheus.MustRegister(DBOpenConns, DBIdleConns, DBInUseConns)
}
