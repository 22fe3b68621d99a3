package orders_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/p2psats/tradehub/constants"
	"github.com/p2psats/tradehub/db"
	"github.com/p2psats/tradehub/orders"
	"github.com/p2psats/tradehub/tests"
)

func TestTakerBondLocked_FreezesContract(t *testing.T) {
	svc := tests.CreateTestService(t)
	ctx := context.Background()
	maker := tests.CreateRobot(t, svc)
	taker := tests.CreateRobot(t, svc)
	svc.ExpectHoldInvoices()

	order := svc.PublishOrder(t, ctx, maker, constants.ORDER_TYPE_SELL)
	contracted := svc.TakeAndLockBond(t, ctx, order, taker)

	assert.Equal(t, int64(100000), contracted.LastSatoshis)
	require.NotNil(t, contracted.TakerID)
	assert.Equal(t, taker.ID, *contracted.TakerID)
	assert.NotNil(t, contracted.ContractFinalizedAt)

	// pre-commitments are gone once the contract is final
	var remaining int64
	svc.DB.Model(&db.TakeOrder{}).Where("order_id = ?", order.ID).Count(&remaining)
	assert.Zero(t, remaining)

	// escrow invoice covers the trade plus the seller's fee share:
	// the seller is the maker here, 0.025% of 100000 sats
	escrow := svc.FindPayment(t, order.ID, db.LNPaymentConceptTradeEscrow)
	assert.Equal(t, int64(100025), escrow.NumSatoshis)
	assert.Equal(t, db.LNPaymentStatusInvoiceGenerated, escrow.Status)
}

func TestRangeOrder_FirstLockedBondWins(t *testing.T) {
	svc := tests.CreateTestService(t)
	ctx := context.Background()
	maker := tests.CreateRobot(t, svc)
	first := tests.CreateRobot(t, svc)
	second := tests.CreateRobot(t, svc)
	svc.ExpectHoldInvoices()
	// the losing candidate's bond invoice is voided
	svc.LNClient.On("CancelHoldInvoice", mock.Anything, mock.Anything).Return(nil)

	resp, err := svc.Orders.CreateOrder(ctx, &orders.CreateOrderRequest{
		MakerID: maker.ID, Type: constants.ORDER_TYPE_SELL, Currency: "USD",
		HasRange: true, MinAmount: 100, MaxAmount: 300,
	})
	require.NoError(t, err)
	makerBond := svc.FindPayment(t, resp.Order.ID, db.LNPaymentConceptMakerBond)
	svc.LockHoldInvoice(ctx, makerBond.PaymentHash)

	_, err = svc.Orders.TakeOrder(ctx, resp.Order.ID, first.ID, 150)
	require.NoError(t, err)
	_, err = svc.Orders.TakeOrder(ctx, resp.Order.ID, second.ID, 250)
	require.NoError(t, err)

	var secondBond db.LNPayment
	result := svc.DB.Limit(1).Find(&secondBond,
		"order_id = ? AND concept = ? AND sender_id = ?",
		resp.Order.ID, db.LNPaymentConceptTakerBond, second.ID)
	require.NoError(t, result.Error)
	require.NotZero(t, result.RowsAffected)
	svc.LockHoldInvoice(ctx, secondBond.PaymentHash)

	order := svc.ReloadOrder(t, resp.Order.ID)
	assert.Equal(t, db.OrderStatusWaitingBothBuyerInvoiceAndEscrow, order.Status)
	require.NotNil(t, order.TakerID)
	assert.Equal(t, second.ID, *order.TakerID)
	assert.Equal(t, int64(250000), order.LastSatoshis)
	assert.Equal(t, float64(250), order.Amount)

	var firstBond db.LNPayment
	result = svc.DB.Limit(1).Find(&firstBond,
		"order_id = ? AND concept = ? AND sender_id = ?",
		resp.Order.ID, db.LNPaymentConceptTakerBond, first.ID)
	require.NoError(t, result.Error)
	require.NotZero(t, result.RowsAffected)
	assert.Equal(t, db.LNPaymentStatusCancelled, firstBond.Status)
}

func TestLateMakerBondIsReturned(t *testing.T) {
	svc := tests.CreateTestService(t)
	ctx := context.Background()
	maker := tests.CreateRobot(t, svc)
	svc.ExpectHoldInvoices()
	svc.LNClient.On("CancelHoldInvoice", mock.Anything, mock.Anything).Return(nil)

	resp, err := svc.Orders.CreateOrder(ctx, &orders.CreateOrderRequest{
		MakerID: maker.ID, Type: constants.ORDER_TYPE_SELL, Currency: "USD", Amount: 100,
	})
	require.NoError(t, err)
	require.NoError(t, svc.Orders.CancelOrder(ctx, resp.Order.ID, maker.ID))

	// the bond HTLC arrives after the order died; it must be released
	bond := svc.FindPayment(t, resp.Order.ID, db.LNPaymentConceptMakerBond)
	require.NoError(t, svc.DB.Model(bond).Update("status", db.LNPaymentStatusInvoiceGenerated).Error)
	svc.LockHoldInvoice(ctx, bond.PaymentHash)

	assert.Equal(t, db.OrderStatusCancelled, svc.ReloadOrder(t, resp.Order.ID).Status)
	refreshed := svc.FindPayment(t, resp.Order.ID, db.LNPaymentConceptMakerBond)
	assert.Equal(t, db.LNPaymentStatusReturned, refreshed.Status)
}

func TestConfirmFiatFlow(t *testing.T) {
	svc := tests.CreateTestService(t)
	ctx := context.Background()
	maker := tests.CreateRobot(t, svc)
	taker := tests.CreateRobot(t, svc)
	svc.ExpectHoldInvoices()

	// maker sells, so the taker is the buyer
	order := svc.PublishOrder(t, ctx, maker, constants.ORDER_TYPE_SELL)
	contracted := svc.TakeAndLockBond(t, ctx, order, taker)
	chatting := svc.StartFiatExchange(t, ctx, contracted, taker.ID, 99725)

	// only the buyer may claim fiat is on its way
	err := svc.Orders.ConfirmFiatSent(ctx, chatting.ID, maker.ID)
	require.Error(t, err)
	require.NoError(t, svc.Orders.ConfirmFiatSent(ctx, chatting.ID, taker.ID))
	assert.Equal(t, db.OrderStatusFiatSent, svc.ReloadOrder(t, order.ID).Status)

	// the seller's release settles the escrow with a node read-back
	// and returns both bonds
	svc.LNClient.On("SettleHoldInvoice", mock.Anything, mock.Anything).Return(nil).Once()
	escrow := svc.FindPayment(t, order.ID, db.LNPaymentConceptTradeEscrow)
	svc.LNClient.On("LookupInvoiceStatus", mock.Anything, escrow.PaymentHash).
		Return(db.LNPaymentStatusSettled, (*uint32)(nil), nil).Once()
	svc.LNClient.On("CancelHoldInvoice", mock.Anything, mock.Anything).Return(nil).Twice()

	err = svc.Orders.ConfirmFiatReceived(ctx, order.ID, taker.ID)
	require.Error(t, err, "the buyer cannot release the escrow")

	require.NoError(t, svc.Orders.ConfirmFiatReceived(ctx, order.ID, maker.ID))
	assert.Equal(t, db.OrderStatusPaying, svc.ReloadOrder(t, order.ID).Status)

	for _, concept := range []db.LNPaymentConcept{db.LNPaymentConceptMakerBond, db.LNPaymentConceptTakerBond} {
		bond := svc.FindPayment(t, order.ID, concept)
		assert.Equal(t, db.LNPaymentStatusReturned, bond.Status)
	}
	settled := svc.FindPayment(t, order.ID, db.LNPaymentConceptTradeEscrow)
	assert.Equal(t, db.LNPaymentStatusSettled, settled.Status)

	payout := svc.FindPayment(t, order.ID, db.LNPaymentConceptPayBuyer)
	assert.Equal(t, db.LNPaymentStatusValid, payout.Status)
	assert.Equal(t, int64(99725), payout.NumSatoshis)
}

func TestConfirmFiatReceived_RequiresFiatSent(t *testing.T) {
	svc := tests.CreateTestService(t)
	ctx := context.Background()
	maker := tests.CreateRobot(t, svc)
	taker := tests.CreateRobot(t, svc)
	svc.ExpectHoldInvoices()

	order := svc.PublishOrder(t, ctx, maker, constants.ORDER_TYPE_SELL)
	contracted := svc.TakeAndLockBond(t, ctx, order, taker)
	svc.StartFiatExchange(t, ctx, contracted, taker.ID, 99725)

	err := svc.Orders.ConfirmFiatReceived(ctx, order.ID, maker.ID)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "fiat sent")
}
