package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

// LedgerOperations counts engine operations by type and outcome.
var LedgerOperations = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Name: "registry_ledger_operations_total",
		Help: "Ledger operations processed, by type and outcome",
	},
	[]string{"op", "outcome"},
)

// LedgerLatency records how long each operation's transaction took.
var LedgerLatency = prometheus.NewHistogramVec(
	prometheus.HistogramOpts{
		Name:    "registry_ledger_operation_seconds",
		Help:    "Latency of ledger operations including commit",
		Buckets: prometheus.DefBuckets,
	},
	[]string{"op"},
)

// Outbox relay metrics
var (
	OutboxPublished = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "registry_outbox_published_total",
			Help: "Outbox events delivered to the transport",
		},
		[]string{"topic"},
	)

	OutboxFailures = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "registry_outbox_failures_total",
			Help: "Failed outbox delivery attempts",
		},
		[]string{"topic"},
	)

	OutboxPending = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "registry_outbox_pending",
			Help: "Outbox events not yet published, counted after each relay flush",
		},
	)
)

// ReconcileImbalances counts wallets found out of balance by reconciliation.
var ReconcileImbalances = prometheus.NewCounter(
	prometheus.CounterOpts{
		Name: "registry_reconcile_imbalances_total",
		Help: "Wallets whose balance did not match their credits",
	},
)

// Database connection pool metrics
var (
	DBOpenConns = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "registry_db_open_connections",
			Help: "Number of open connections in the DB pool",
		},
	)

	DBInUseConns = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "registry_db_in_use_connections",
			Help: "Number of in-use connections in the DB pool",
		},
	)
)

func init() {
	prometheus.MustRegister(LedgerOperations, LedgerLatency)
	prometheus.MustRegister(OutboxPublished, OutboxFailures, OutboxPending)
	prometheus.MustRegister(ReconcileImbalances)
	prometheus.MustRegister(DBOpenConns, DBInUseConns)
}

// Outcome labels an operation result for LedgerOperations.
func Outcome(err error) string {
	if err != nil {
		return "error"
	}
	return "ok"
}
