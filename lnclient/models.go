package lnclient

import (
	"context"
	"time"

	"github.com/p2psats/tradehub/db"
)

// DEFAULT_INVOICE_EXPIRY is used when a caller does not bound the
// invoice lifetime, seconds.
const DEFAULT_INVOICE_EXPIRY = 86400

type NodeInfo struct {
	Alias       string
	Pubkey      string
	Network     string
	BlockHeight uint32
}

type HoldInvoiceRequest struct {
	AmountSats  int64
	Description string
	// seconds until the node lets the invoice expire
	ExpirySeconds int64
	// blocks the accepted HTLC stays locked before force-expiry
	CltvExpiryBlocks uint32
	// 32-byte hex hash of a preimage the coordinator keeps to itself
	PaymentHash string
}

type HoldInvoice struct {
	Invoice          string
	PaymentHash      string
	CreatedAt        time.Time
	ExpiresAt        time.Time
	CltvExpiryBlocks uint32
}

type PayRequest struct {
	Invoice        string
	AmountSats     int64
	FeeLimitSats   int64
	TimeoutSeconds int32
}

// PayResult is the terminal (or in-flight) outcome of an outbound
// payment, with node-specific failure codes already mapped into the
// shared taxonomy.
type PayResult struct {
	Status        db.LNPaymentStatus
	FailureReason db.PaymentFailureReason
	Preimage      string
	FeeMsat       int64
}

type HopHint struct {
	NodeId                    string
	FeeBaseMsat               int64
	FeeProportionalMillionths int64
	CltvExpiryDelta           uint32
}

type RouteHint struct {
	Hops []HopHint
}

type DecodedInvoice struct {
	PaymentHash     string
	Description     string
	AmountMsat      int64
	CreatedAt       time.Time
	ExpirySeconds   int64
	DestinationPubkey string
	RouteHints      []RouteHint
}

type OnchainRequest struct {
	Address     string
	AmountSats  int64
	SatPerVbyte float64
}

type Balances struct {
	OnchainConfirmedSats int64
	OnchainTotalSats     int64
	ChannelLocalMsat     int64
	ChannelRemoteMsat    int64
	MaxSendableMsat      int64
}

// LNClient is the node capability contract both Lightning backends
// implement. Hold invoices are the collateral primitive: issued, then
// locked by the sender (HTLC accepted), then either settled by the
// coordinator or cancelled back to the sender. Adapters publish an
// event when a hold invoice is accepted so the order engine can react
// without polling.
type LNClient interface {
	GetInfo(ctx context.Context) (*NodeInfo, error)

	MakeHoldInvoice(ctx context.Context, req *HoldInvoiceRequest) (*HoldInvoice, error)
	SettleHoldInvoice(ctx context.Context, preimage string) error
	CancelHoldInvoice(ctx context.Context, paymentHash string) error
	// returns the invoice status and, for accepted HTLCs, the earliest
	// expiry height among its HTLCs
	LookupInvoiceStatus(ctx context.Context, paymentHash string) (db.LNPaymentStatus, *uint32, error)

	DecodeInvoice(ctx context.Context, bolt11 string) (*DecodedInvoice, error)
	// blocks until the payment reaches a terminal state or the request
	// timeout elapses; an elapsed timeout reports an in-flight result
	SendPayment(ctx context.Context, req *PayRequest) (*PayResult, error)
	// re-attaches to a payment already in flight; never re-sends
	TrackPayment(ctx context.Context, paymentHash string) (*PayResult, error)

	PayOnchain(ctx context.Context, req *OnchainRequest) (txid string, err error)
	// publishes a raw transaction through the node's bitcoin backend
	BroadcastTransaction(ctx context.Context, txHex string) (txid string, err error)
	// confirmations of a wallet-visible transaction, 0 while in mempool
	GetTransactionConfirmations(ctx context.Context, txid string) (uint32, error)
	EstimateOnchainFee(ctx context.Context, targetConf int32) (satPerVbyte float64, err error)
	GetBalances(ctx context.Context) (*Balances, error)

	Shutdown() error
}
