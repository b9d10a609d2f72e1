package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

// LedgerMutations counts committed ledger mutations by direction (credit/debit)
var LedgerMutations = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Name: "p2pex_ledger_mutations_total",
		Help: "Total number of committed ledger mutations",
	},
	[]string{"direction"},
)

// LedgerRejections counts debits refused by the conditional balance check
var LedgerRejections = prometheus.NewCounter(
	prometheus.CounterOpts{
		Name: "p2pex_ledger_insufficient_funds_total",
		Help: "Total number of debits rejected for insufficient funds",
	},
)

// Reconciliation outcomes
var (
	DepositsProcessed = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "p2pex_deposits_processed_total",
			Help: "Deposit attempts by terminal outcome",
		},
		[]string{"outcome"},
	)

	WithdrawalsProcessed = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "p2pex_withdrawals_processed_total",
			Help: "Withdrawal requests by state reached",
		},
		[]string{"status"},
	)

	ConfirmationAttempts = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "p2pex_confirmation_attempts_total",
			Help: "Counted confirmation polling attempts by result",
		},
		[]string{"result"},
	)

	InFlightConfirmations = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "p2pex_confirmations_in_flight",
			Help: "Number of supervised confirmation tasks currently running",
		},
	)
)

// Marketplace sweep metrics
var (
	SweptTransactions = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "p2pex_sweep_rejected_transactions_total",
			Help: "Pending transactions rejected after expiry",
		},
	)

	SweptOffers = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "p2pex_sweep_closed_offers_total",
			Help: "Stopped offers closed after their last pending transaction resolved",
		},
	)
)

// HTTP metrics
var (
	HTTPRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "p2pex_http_requests_total",
			Help: "HTTP requests by route, method and status",
		},
		[]string{"path", "method", "status"},
	)

	HTTPRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "p2pex_http_request_duration_seconds",
			Help:    "HTTP request latency by route and method",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"path", "method"},
	)

	RateLimited = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "p2pex_http_rate_limited_total",
			Help: "Requests refused by the per-account rate limit",
		},
		[]string{"scope"},
	)
)

func init() {
	prometheus.MustRegister(LedgerMutations, LedgerRejections)
	prometheus.MustRegister(DepositsProcessed, WithdrawalsProcessed, ConfirmationAttempts, InFlightConfirmations)
	prometheus.MustRegister(SweptTransactions, SweptOffers)
	prometheus.MustRegister(HTTPRequestsTotal, HTTPRequestDuration, RateLimited)
}
