package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	OrdersCreated = promauto.NewCounter(prometheus.CounterOpts{
		Name: "tradehub_orders_created_total",
		Help: "Orders created by makers.",
	})

	OrdersTaken = promauto.NewCounter(prometheus.CounterOpts{
		Name: "tradehub_orders_taken_total",
		Help: "Taker bonds locked, finalizing a trade contract.",
	})

	OrdersExpired = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "tradehub_orders_expired_total",
		Help: "Orders expired, labelled by reason.",
	}, []string{"reason"})

	TradesSuccessful = promauto.NewCounter(prometheus.CounterOpts{
		Name: "tradehub_trades_successful_total",
		Help: "Trades that reached payout success.",
	})

	DisputesOpened = promauto.NewCounter(prometheus.CounterOpts{
		Name: "tradehub_disputes_opened_total",
		Help: "Disputes opened by users or expiry.",
	})

	PayoutAttempts = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "tradehub_payout_attempts_total",
		Help: "Buyer payout attempts, labelled by result.",
	}, []string{"result"})

	PaymentsInFlight = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "tradehub_payments_in_flight",
		Help: "Outbound payments currently in flight.",
	})

	OnchainPayoutsBroadcast = promauto.NewCounter(prometheus.CounterOpts{
		Name: "tradehub_onchain_payouts_broadcast_total",
		Help: "On-chain payouts broadcast to the mempool.",
	})
)

// Handler serves the default prometheus registry.
func Handler() http.Handler {
	return promhttp.Handler()
}
