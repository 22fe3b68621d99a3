package db

import (
	"time"

	"gorm.io/datatypes"
)

// OrderStatus is the order lifecycle state. Orders are mutated only
// through state machine transitions, never by writing Status directly.
type OrderStatus int

const (
	OrderStatusWaitingMakerBond OrderStatus = iota
	OrderStatusPublic
	OrderStatusPaused
	OrderStatusWaitingTakerBond
	OrderStatusCancelled
	OrderStatusExpired
	OrderStatusWaitingBothBuyerInvoiceAndEscrow
	OrderStatusWaitingSellerEscrow
	OrderStatusWaitingBuyerInvoice
	OrderStatusChat
	OrderStatusFiatSent
	OrderStatusDispute
	OrderStatusCollaborativeCancel
	OrderStatusPaying
	OrderStatusSuccess
	OrderStatusFailed
	OrderStatusWaitingDisputeResolution
	OrderStatusMakerLostDispute
	OrderStatusTakerLostDispute
)

func (s OrderStatus) String() string {
	switch s {
	case OrderStatusWaitingMakerBond:
		return "waiting_maker_bond"
	case OrderStatusPublic:
		return "public"
	case OrderStatusPaused:
		return "paused"
	case OrderStatusWaitingTakerBond:
		return "waiting_taker_bond"
	case OrderStatusCancelled:
		return "cancelled"
	case OrderStatusExpired:
		return "expired"
	case OrderStatusWaitingBothBuyerInvoiceAndEscrow:
		return "waiting_buyer_invoice_and_escrow"
	case OrderStatusWaitingSellerEscrow:
		return "waiting_seller_escrow"
	case OrderStatusWaitingBuyerInvoice:
		return "waiting_buyer_invoice"
	case OrderStatusChat:
		return "chat"
	case OrderStatusFiatSent:
		return "fiat_sent"
	case OrderStatusDispute:
		return "dispute"
	case OrderStatusCollaborativeCancel:
		return "collaborative_cancel"
	case OrderStatusPaying:
		return "paying_buyer"
	case OrderStatusSuccess:
		return "success"
	case OrderStatusFailed:
		return "failed_routing"
	case OrderStatusWaitingDisputeResolution:
		return "waiting_dispute_resolution"
	case OrderStatusMakerLostDispute:
		return "maker_lost_dispute"
	case OrderStatusTakerLostDispute:
		return "taker_lost_dispute"
	}
	return "unknown"
}

// IsTerminal reports whether no further transition can leave s.
func (s OrderStatus) IsTerminal() bool {
	switch s {
	case OrderStatusCancelled, OrderStatusExpired, OrderStatusCollaborativeCancel,
		OrderStatusSuccess, OrderStatusFailed,
		OrderStatusMakerLostDispute, OrderStatusTakerLostDispute:
		return true
	}
	return false
}

// ExpiryReason records why an order expired, set together with
// OrderStatusExpired.
type ExpiryReason int

const (
	ExpiryReasonNone ExpiryReason = iota
	ExpiryReasonNotTaken
	ExpiryReasonMakerBondNotLocked
	ExpiryReasonEscrowNotLocked
	ExpiryReasonInvoiceNotSubmitted
	ExpiryReasonNeitherEscrowNorInvoice
)

func (r ExpiryReason) String() string {
	switch r {
	case ExpiryReasonNotTaken:
		return "not taken"
	case ExpiryReasonMakerBondNotLocked:
		return "maker bond not locked"
	case ExpiryReasonEscrowNotLocked:
		return "escrow not locked"
	case ExpiryReasonInvoiceNotSubmitted:
		return "invoice not submitted"
	case ExpiryReasonNeitherEscrowNorInvoice:
		return "neither escrow locked nor invoice submitted"
	}
	return ""
}

type LNPaymentType int

const (
	LNPaymentTypeNorm LNPaymentType = iota
	LNPaymentTypeHold
)

type LNPaymentConcept int

const (
	LNPaymentConceptMakerBond LNPaymentConcept = iota
	LNPaymentConceptTakerBond
	LNPaymentConceptTradeEscrow
	LNPaymentConceptPayBuyer
	LNPaymentConceptWithdrawReward
)

func (c LNPaymentConcept) String() string {
	switch c {
	case LNPaymentConceptMakerBond:
		return "maker_bond"
	case LNPaymentConceptTakerBond:
		return "taker_bond"
	case LNPaymentConceptTradeEscrow:
		return "trade_escrow"
	case LNPaymentConceptPayBuyer:
		return "payment_to_buyer"
	case LNPaymentConceptWithdrawReward:
		return "withdraw_rewards"
	}
	return "unknown"
}

type LNPaymentStatus int

const (
	LNPaymentStatusInvoiceGenerated LNPaymentStatus = iota
	LNPaymentStatusLocked
	LNPaymentStatusSettled
	LNPaymentStatusReturned
	LNPaymentStatusCancelled
	LNPaymentStatusExpired
	LNPaymentStatusValid
	LNPaymentStatusInFlight
	LNPaymentStatusSucceeded
	LNPaymentStatusFailedRouting
)

func (s LNPaymentStatus) String() string {
	switch s {
	case LNPaymentStatusInvoiceGenerated:
		return "generated"
	case LNPaymentStatusLocked:
		return "locked"
	case LNPaymentStatusSettled:
		return "settled"
	case LNPaymentStatusReturned:
		return "returned"
	case LNPaymentStatusCancelled:
		return "cancelled"
	case LNPaymentStatusExpired:
		return "expired"
	case LNPaymentStatusValid:
		return "valid"
	case LNPaymentStatusInFlight:
		return "in_flight"
	case LNPaymentStatusSucceeded:
		return "succeeded"
	case LNPaymentStatusFailedRouting:
		return "failed_routing"
	}
	return "unknown"
}

// PaymentFailureReason is the shared failure taxonomy both node
// backends map their own error vocabularies into.
type PaymentFailureReason int

const (
	PaymentFailureReasonNotYetFailed PaymentFailureReason = iota
	PaymentFailureReasonTimeout
	PaymentFailureReasonNoRoute
	PaymentFailureReasonNonRecoverable
	PaymentFailureReasonIncorrectDetails
	PaymentFailureReasonInsufficientBalance
	PaymentFailureReasonRouteTooExpensive
	PaymentFailureReasonInvoiceExpired
)

func (r PaymentFailureReason) String() string {
	switch r {
	case PaymentFailureReasonNotYetFailed:
		return "payment isn't failed (yet)"
	case PaymentFailureReasonTimeout:
		return "payment attempt timed out"
	case PaymentFailureReasonNoRoute:
		return "no route to destination"
	case PaymentFailureReasonNonRecoverable:
		return "permanent failure at destination"
	case PaymentFailureReasonIncorrectDetails:
		return "incorrect payment details"
	case PaymentFailureReasonInsufficientBalance:
		return "insufficient outgoing balance"
	case PaymentFailureReasonRouteTooExpensive:
		return "route too expensive"
	case PaymentFailureReasonInvoiceExpired:
		return "invoice expired"
	}
	return "unknown"
}

type OnchainPaymentStatus int

const (
	OnchainPaymentStatusCreated OnchainPaymentStatus = iota
	OnchainPaymentStatusValid
	OnchainPaymentStatusQueued
	OnchainPaymentStatusInMempool
	OnchainPaymentStatusConfirmed
	OnchainPaymentStatusCancelled
)

func (s OnchainPaymentStatus) String() string {
	switch s {
	case OnchainPaymentStatusCreated:
		return "created"
	case OnchainPaymentStatusValid:
		return "valid"
	case OnchainPaymentStatusQueued:
		return "queued"
	case OnchainPaymentStatusInMempool:
		return "in_mempool"
	case OnchainPaymentStatusConfirmed:
		return "confirmed"
	case OnchainPaymentStatusCancelled:
		return "cancelled"
	}
	return "unknown"
}

type TaprootPaymentConcept int

const (
	TaprootPaymentConceptMakerBond TaprootPaymentConcept = iota
	TaprootPaymentConceptTakerBond
	TaprootPaymentConceptTradeEscrow
	TaprootPaymentConceptPayout
)

type TaprootPaymentStatus int

const (
	TaprootPaymentStatusCreated TaprootPaymentStatus = iota
	TaprootPaymentStatusFunded
	TaprootPaymentStatusConfirmed
	TaprootPaymentStatusSpent
	TaprootPaymentStatusCancelled
	TaprootPaymentStatusDisputed
)

// Robot is the pseudonymous trade participant. Identity bootstrapping
// happens outside this engine; only the token and reward balance live
// here.
type Robot struct {
	ID             uint
	Token          string `gorm:"unique;not null"`
	PublicKey      string
	EarnedRewards  int64
	ClaimedRewards int64
	TotalContracts int
	// set when the robot is kicked from a pre-commitment for timing out
	PenaltyExpiresAt *time.Time
	CreatedAt        time.Time
	UpdatedAt        time.Time
}

// Order is the trade. Escrow instruments reference the order from
// their side (OrderID plus concept); at most one instrument exists per
// (order, concept) pair.
type Order struct {
	ID        uint
	Reference string `gorm:"unique;not null"` // uuid shared with the takers

	Type          string // BUY or SELL, from the maker's perspective
	Currency      string `gorm:"not null"`
	Amount        float64
	HasRange      bool
	MinAmount     float64
	MaxAmount     float64
	PaymentMethod string

	// price is either an explicit satoshi amount or a premium over the
	// exchange rate, never both
	IsExplicit bool
	Satoshis   int64
	Premium    float64

	// lightning or taproot, fixed at creation
	EscrowMode string `gorm:"not null"`

	BondSizePercent float64
	// fee split snapshotted at creation so mid-trade config changes
	// cannot reprice an in-flight trade
	MakerFeePercent float64
	TakerFeePercent float64

	PublicDurationSeconds int64
	EscrowDurationSeconds int64

	Status       OrderStatus
	ExpiryReason ExpiryReason
	ExpiresAt    time.Time

	// satoshi value frozen when the taker bond locks
	LastSatoshis     int64
	LastSatoshisTime *time.Time

	MakerID uint `gorm:"not null"`
	Maker   Robot
	TakerID *uint
	Taker   *Robot

	MakerAskedCancel bool
	TakerAskedCancel bool

	IsDisputed      bool
	MakerStatement  string
	TakerStatement  string
	DisputeWinnerID *uint

	IsFiatSent bool

	// sats accrued to the coordinator from slashing remainders and fees
	Proceeds int64

	ContractFinalizedAt *time.Time
	LastPriceRefreshAt  *time.Time
	CreatedAt           time.Time
	UpdatedAt           time.Time
}

// TakeOrder is a candidate taker's pre-commitment, created before
// their bond is locked. Range orders may hold many at once; all are
// deleted when one taker's bond locks or their own expiry passes.
type TakeOrder struct {
	ID        uint
	OrderID   uint  `gorm:"not null"`
	Order     Order `gorm:"constraint:OnDelete:CASCADE;"`
	TakerID   uint  `gorm:"not null"`
	Taker     Robot
	Amount    float64
	ExpiresAt time.Time
	CreatedAt time.Time
}

// LNPayment is a Lightning escrow instrument: a hold invoice acting as
// bond or trade escrow, or an outbound payout.
type LNPayment struct {
	ID      uint
	OrderID *uint
	Order   *Order `gorm:"constraint:OnDelete:SET NULL;"`

	Type          LNPaymentType
	Concept       LNPaymentConcept
	Status        LNPaymentStatus
	FailureReason PaymentFailureReason

	RoutingAttempts int
	LastRoutingTime *time.Time
	InFlight        bool

	PaymentHash      string `gorm:"unique;not null"`
	Preimage         *string
	Invoice          string
	Description      string
	NumSatoshis      int64
	FeeSatoshis      float64
	RoutingBudgetPPM int64
	CltvExpiryBlocks uint32
	// block height deadline before which an accepted HTLC must be
	// settled or cancelled
	SettleDeadline *uint32

	SenderID   *uint
	ReceiverID *uint

	ExpiresAt *time.Time
	CreatedAt time.Time
	UpdatedAt time.Time
	Metadata  datatypes.JSON
}

// OnchainPayment is an on-chain payout for buyers who submit an
// address instead of an invoice.
type OnchainPayment struct {
	ID      uint
	OrderID *uint
	Order   *Order `gorm:"constraint:OnDelete:SET NULL;"`

	Status  OnchainPaymentStatus
	Address string

	NumSatoshis  int64
	SentSatoshis int64

	// mining fee chosen by the user, bounded by the engine
	MiningFeeRate float64
	MiningFeeSats int64
	// swap fee charged by the coordinator for moving off Lightning
	SwapFeeRate float64
	SwapFeeSats int64

	Txid          string
	BroadcastedAt *time.Time
	CreatedAt     time.Time
	UpdatedAt     time.Time
}

// TaprootPayment is an on-chain escrow instrument: a MuSig2 keypath
// plus MAST script tree output, or a pre-signed bond transaction.
type TaprootPayment struct {
	ID      uint
	OrderID *uint
	Order   *Order `gorm:"constraint:OnDelete:SET NULL;"`

	Concept TaprootPaymentConcept
	Status  TaprootPaymentStatus

	NumSatoshis int64

	Descriptor string
	Address    string
	// 32-byte x-only MuSig2 aggregate, hex
	InternalKey string
	// 33-byte compressed trader keys, hex
	MakerPubkey string
	TakerPubkey string

	// 66-byte MuSig2 public nonces, hex
	MakerNonce string
	TakerNonce string
	// 32-byte partial signatures, hex
	MakerPartialSig string
	TakerPartialSig string

	FundingTxid string
	FundingVout uint32

	// where a cooperative spend pays out; refunds need one per party
	MakerPayoutAddress string
	TakerPayoutAddress string
	IsRefund           bool

	// payout PSBT under construction, base64, and the digest the
	// parties sign over it
	PSBT         string
	SpendSighash string
	// pre-signed bond transaction, held and broadcast only on default
	BondTxHex string

	DisputeWinnerID *uint

	ConfirmedAt *time.Time
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

// HasBothNonces reports whether both parties delivered public nonces.
func (tp *TaprootPayment) HasBothNonces() bool {
	return tp.MakerNonce != "" && tp.TakerNonce != ""
}

// HasBothPartialSigs reports whether the payout can be aggregated.
func (tp *TaprootPayment) HasBothPartialSigs() bool {
	return tp.MakerPartialSig != "" && tp.TakerPartialSig != ""
}

// OrderLogEntry is one line of the append-only per-order audit log,
// the only persisted narrative of what happened to an order.
type OrderLogEntry struct {
	ID        uint
	OrderID   uint  `gorm:"not null;index"`
	Order     Order `gorm:"constraint:OnDelete:CASCADE;"`
	Level     string
	Message   string
	CreatedAt time.Time
}

// RuntimeConfig is the gorm-backed key/value store behind the Config
// interface.
type RuntimeConfig struct {
	ID        uint
	Key       string `gorm:"unique;not null"`
	Value     string
	CreatedAt time.Time
	UpdatedAt time.Time
}
