package tests

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/p2psats/tradehub/constants"
	"github.com/p2psats/tradehub/db"
	"github.com/p2psats/tradehub/events"
	"github.com/p2psats/tradehub/lnclient"
	"github.com/p2psats/tradehub/orders"
)

func CreateRobot(t *testing.T, ts *TestService) *db.Robot {
	robot := &db.Robot{Token: uuid.NewString()}
	require.NoError(t, ts.DB.Create(robot).Error)
	return robot
}

// ExpectHoldInvoices lets the mock node issue any number of hold
// invoices during a flow.
func (ts *TestService) ExpectHoldInvoices() {
	ts.LNClient.On("MakeHoldInvoice", mock.Anything, mock.Anything).
		Return(&lnclient.HoldInvoice{
			Invoice:   "lnbcrt1invoice",
			ExpiresAt: time.Now().Add(time.Hour),
		}, nil).Maybe()
}

// LockHoldInvoice simulates the node adapter reporting an accepted
// HTLC for the given payment hash.
func (ts *TestService) LockHoldInvoice(ctx context.Context, paymentHash string) {
	ts.EventPublisher.PublishSync(ctx, &events.Event{
		Event: constants.EVENT_HOLD_INVOICE_ACCEPTED,
		Properties: map[string]interface{}{
			"payment_hash":    paymentHash,
			"settle_deadline": uint32(800000),
		},
	})
}

func (ts *TestService) FindPayment(t *testing.T, orderId uint, concept db.LNPaymentConcept) *db.LNPayment {
	var payment db.LNPayment
	result := ts.DB.Order("id desc").Limit(1).Find(&payment, "order_id = ? AND concept = ?", orderId, concept)
	require.NoError(t, result.Error)
	require.NotZero(t, result.RowsAffected, "order %d has no %s payment", orderId, concept)
	return &payment
}

func (ts *TestService) ReloadOrder(t *testing.T, orderId uint) *db.Order {
	var order db.Order
	require.NoError(t, ts.DB.First(&order, orderId).Error)
	return &order
}

// PublishOrder creates a 100 USD sell order for the maker and locks
// the maker bond. At the fixture's pinned rate the contract freezes at
// 100000 sats later on.
func (ts *TestService) PublishOrder(t *testing.T, ctx context.Context, maker *db.Robot, orderType string) *db.Order {
	resp, err := ts.Orders.CreateOrder(ctx, &orders.CreateOrderRequest{
		MakerID:  maker.ID,
		Type:     orderType,
		Currency: "USD",
		Amount:   100,
	})
	require.NoError(t, err)

	bond := ts.FindPayment(t, resp.Order.ID, db.LNPaymentConceptMakerBond)
	ts.LockHoldInvoice(ctx, bond.PaymentHash)

	order := ts.ReloadOrder(t, resp.Order.ID)
	require.Equal(t, db.OrderStatusPublic, order.Status)
	return order
}

// TakeAndLockBond takes the order and locks the taker bond, driving
// the contract to finalization.
func (ts *TestService) TakeAndLockBond(t *testing.T, ctx context.Context, order *db.Order, taker *db.Robot) *db.Order {
	_, err := ts.Orders.TakeOrder(ctx, order.ID, taker.ID, 0)
	require.NoError(t, err)

	bond := ts.FindPayment(t, order.ID, db.LNPaymentConceptTakerBond)
	ts.LockHoldInvoice(ctx, bond.PaymentHash)

	contracted := ts.ReloadOrder(t, order.ID)
	require.Equal(t, db.OrderStatusWaitingBothBuyerInvoiceAndEscrow, contracted.Status)
	return contracted
}

// StartFiatExchange submits the buyer's payout invoice and locks the
// trade escrow, driving the order into the chat phase.
func (ts *TestService) StartFiatExchange(t *testing.T, ctx context.Context, order *db.Order, buyerId uint, payoutSats int64) *db.Order {
	ts.ExpectPayoutInvoiceDecode(payoutSats)
	err := ts.Orders.SubmitPayoutInvoice(ctx, order.ID, buyerId, "lnbcrt1payout")
	require.NoError(t, err)

	escrow := ts.FindPayment(t, order.ID, db.LNPaymentConceptTradeEscrow)
	ts.LockHoldInvoice(ctx, escrow.PaymentHash)

	chatting := ts.ReloadOrder(t, order.ID)
	require.Equal(t, db.OrderStatusChat, chatting.Status)
	return chatting
}

// ExpectPayoutInvoiceDecode makes the mock node decode any invoice
// into a well-formed payout invoice of the given amount.
func (ts *TestService) ExpectPayoutInvoiceDecode(payoutSats int64) {
	ts.LNClient.On("DecodeInvoice", mock.Anything, mock.Anything).
		Return(&lnclient.DecodedInvoice{
			PaymentHash:   uuid.NewString(),
			AmountMsat:    payoutSats * 1000,
			CreatedAt:     time.Now(),
			ExpirySeconds: 30 * 24 * 3600,
		}, nil).Once()
}
