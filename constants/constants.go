package constants

import "time"

// shared constants used by multiple packages

const (
	LN_BACKEND_TYPE_LND = "LND"
	LN_BACKEND_TYPE_CLN = "CLN"

	ESCROW_MODE_LIGHTNING = "lightning"
	ESCROW_MODE_TAPROOT   = "taproot"
)

const (
	ORDER_TYPE_BUY  = "BUY"
	ORDER_TYPE_SELL = "SELL"
)

// notification event names published through the event publisher.
// Delivery is an external concern, subscribers decide what to do.
const (
	EVENT_ORDER_PUBLISHED          = "order_published"
	EVENT_ORDER_TAKEN              = "order_taken"
	EVENT_ORDER_EXPIRED            = "order_expired"
	EVENT_ORDER_CANCELLED          = "order_cancelled"
	EVENT_COLLABORATIVE_CANCELLED  = "collaborative_cancelled"
	EVENT_FIAT_EXCHANGE_STARTED    = "fiat_exchange_started"
	EVENT_FIAT_SENT_CONFIRMED      = "fiat_sent_confirmed"
	EVENT_DISPUTE_OPENED           = "dispute_opened"
	EVENT_DISPUTE_RESOLVED         = "dispute_resolved"
	EVENT_TRADE_SUCCESSFUL         = "trade_successful"
	EVENT_LIGHTNING_FAILED         = "lightning_failed"
	EVENT_PAYOUT_IN_FLIGHT         = "payout_in_flight"
	EVENT_HOLD_INVOICE_ACCEPTED    = "escrow_hold_invoice_accepted"
	EVENT_HOLD_INVOICE_CANCELED    = "escrow_hold_invoice_canceled"
	EVENT_ONCHAIN_PAYOUT_BROADCAST = "onchain_payout_broadcast"
)

// dispute statement length bounds, characters
const (
	DISPUTE_STATEMENT_MIN_LENGTH = 100
	DISPUTE_STATEMENT_MAX_LENGTH = 5000
)

// bond and order size hard bounds the coordinator enforces regardless
// of per-order configuration
const (
	MIN_BOND_SIZE_PERCENT = 2.0
	MAX_BOND_SIZE_PERCENT = 15.0

	// a range order max must be at least 1.5x its min and at most 15x
	MIN_RANGE_RATIO = 1.5
	MAX_RANGE_RATIO = 15.0
)

// hold invoice timing
const (
	// block time assumed when converting durations into CLTV windows
	BLOCK_TIME = 10 * time.Minute
	// safety margin multiplier applied to every CLTV window
	ESCROW_CLTV_SAFETY_FACTOR = 1.5
	// invoice expiry is padded over the status deadline by this factor
	// so the node never expires an invoice the engine still considers live
	INVOICE_EXPIRY_PADDING = 1.5
)

// payout retry
const (
	MAX_ROUTING_ATTEMPTS = 3
	// in-flight payments with no update for this long are re-tracked
	STUCK_PAYMENT_WINDOW = 20 * time.Minute
)

// taproot script tree relative timelocks, blocks
const (
	TAPROOT_RESCUE_CSV_BLOCKS     = 2048
	TAPROOT_PROTECTION_CSV_BLOCKS = 12228
)

// on-chain payout dust floor after fees, satoshis
const ONCHAIN_DUST_LIMIT = 546
