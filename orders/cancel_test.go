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

func TestCancelBeforeBondIsFree(t *testing.T) {
	svc := tests.CreateTestService(t)
	ctx := context.Background()
	maker := tests.CreateRobot(t, svc)
	svc.ExpectHoldInvoices()
	svc.LNClient.On("CancelHoldInvoice", mock.Anything, mock.Anything).Return(nil)

	resp, err := svc.Orders.CreateOrder(ctx, &orders.CreateOrderRequest{
		MakerID: maker.ID, Type: constants.ORDER_TYPE_SELL, Currency: "USD", Amount: 100,
	})
	require.NoError(t, err)

	other := tests.CreateRobot(t, svc)
	require.Error(t, svc.Orders.CancelOrder(ctx, resp.Order.ID, other.ID))

	require.NoError(t, svc.Orders.CancelOrder(ctx, resp.Order.ID, maker.ID))
	assert.Equal(t, db.OrderStatusCancelled, svc.ReloadOrder(t, resp.Order.ID).Status)

	bond := svc.FindPayment(t, resp.Order.ID, db.LNPaymentConceptMakerBond)
	assert.Equal(t, db.LNPaymentStatusCancelled, bond.Status)
	assert.Zero(t, svc.ReloadOrder(t, resp.Order.ID).Proceeds, "a free cancel takes nothing")
}

func TestCancelPublicOrderReturnsBond(t *testing.T) {
	svc := tests.CreateTestService(t)
	ctx := context.Background()
	maker := tests.CreateRobot(t, svc)
	svc.ExpectHoldInvoices()
	svc.LNClient.On("CancelHoldInvoice", mock.Anything, mock.Anything).Return(nil)

	order := svc.PublishOrder(t, ctx, maker, constants.ORDER_TYPE_SELL)
	require.NoError(t, svc.Orders.CancelOrder(ctx, order.ID, maker.ID))

	assert.Equal(t, db.OrderStatusCancelled, svc.ReloadOrder(t, order.ID).Status)
	bond := svc.FindPayment(t, order.ID, db.LNPaymentConceptMakerBond)
	assert.Equal(t, db.LNPaymentStatusReturned, bond.Status)
}

func TestTakerWithdrawsPreCommitment(t *testing.T) {
	svc := tests.CreateTestService(t)
	ctx := context.Background()
	maker := tests.CreateRobot(t, svc)
	taker := tests.CreateRobot(t, svc)
	svc.ExpectHoldInvoices()
	svc.LNClient.On("CancelHoldInvoice", mock.Anything, mock.Anything).Return(nil)

	order := svc.PublishOrder(t, ctx, maker, constants.ORDER_TYPE_SELL)
	_, err := svc.Orders.TakeOrder(ctx, order.ID, taker.ID, 0)
	require.NoError(t, err)
	assert.Equal(t, db.OrderStatusWaitingTakerBond, svc.ReloadOrder(t, order.ID).Status)

	require.NoError(t, svc.Orders.CancelOrder(ctx, order.ID, taker.ID))

	// no penalty for backing out before the bond locks, the order
	// simply returns to the book
	assert.Equal(t, db.OrderStatusPublic, svc.ReloadOrder(t, order.ID).Status)
	var remaining int64
	svc.DB.Model(&db.TakeOrder{}).Where("order_id = ?", order.ID).Count(&remaining)
	assert.Zero(t, remaining)
	var robot db.Robot
	require.NoError(t, svc.DB.First(&robot, taker.ID).Error)
	assert.Nil(t, robot.PenaltyExpiresAt)
}

func TestTakerCancelAfterBondsSlashesAndRepublishes(t *testing.T) {
	svc := tests.CreateTestService(t)
	ctx := context.Background()
	maker := tests.CreateRobot(t, svc)
	taker := tests.CreateRobot(t, svc)
	svc.ExpectHoldInvoices()
	svc.LNClient.On("SettleHoldInvoice", mock.Anything, mock.Anything).Return(nil)
	svc.LNClient.On("CancelHoldInvoice", mock.Anything, mock.Anything).Return(nil)

	order := svc.PublishOrder(t, ctx, maker, constants.ORDER_TYPE_SELL)
	svc.TakeAndLockBond(t, ctx, order, taker)

	require.NoError(t, svc.Orders.CancelOrder(ctx, order.ID, taker.ID))

	republished := svc.ReloadOrder(t, order.ID)
	assert.Equal(t, db.OrderStatusPublic, republished.Status)
	assert.Nil(t, republished.TakerID)
	assert.Zero(t, republished.LastSatoshis)

	takerBond := svc.FindPayment(t, order.ID, db.LNPaymentConceptTakerBond)
	assert.Equal(t, db.LNPaymentStatusSettled, takerBond.Status)
	makerBond := svc.FindPayment(t, order.ID, db.LNPaymentConceptMakerBond)
	assert.Equal(t, db.LNPaymentStatusLocked, makerBond.Status, "the maker stays committed")

	// half of the 3000 sat bond rewards the maker, half accrues
	var robot db.Robot
	require.NoError(t, svc.DB.First(&robot, maker.ID).Error)
	assert.Equal(t, int64(1500), robot.EarnedRewards)
	assert.Equal(t, int64(1500), republished.Proceeds)
}

func TestMakerCancelAfterBondsSlashesAndDies(t *testing.T) {
	svc := tests.CreateTestService(t)
	ctx := context.Background()
	maker := tests.CreateRobot(t, svc)
	taker := tests.CreateRobot(t, svc)
	svc.ExpectHoldInvoices()
	svc.LNClient.On("SettleHoldInvoice", mock.Anything, mock.Anything).Return(nil)
	svc.LNClient.On("CancelHoldInvoice", mock.Anything, mock.Anything).Return(nil)

	order := svc.PublishOrder(t, ctx, maker, constants.ORDER_TYPE_SELL)
	svc.TakeAndLockBond(t, ctx, order, taker)

	require.NoError(t, svc.Orders.CancelOrder(ctx, order.ID, maker.ID))

	cancelled := svc.ReloadOrder(t, order.ID)
	assert.Equal(t, db.OrderStatusCancelled, cancelled.Status)

	makerBond := svc.FindPayment(t, order.ID, db.LNPaymentConceptMakerBond)
	assert.Equal(t, db.LNPaymentStatusSettled, makerBond.Status)
	takerBond := svc.FindPayment(t, order.ID, db.LNPaymentConceptTakerBond)
	assert.Equal(t, db.LNPaymentStatusReturned, takerBond.Status)

	var robot db.Robot
	require.NoError(t, svc.DB.First(&robot, taker.ID).Error)
	assert.Equal(t, int64(1500), robot.EarnedRewards)
}

func TestCollaborativeCancelNeedsBothParties(t *testing.T) {
	svc := tests.CreateTestService(t)
	ctx := context.Background()
	maker := tests.CreateRobot(t, svc)
	taker := tests.CreateRobot(t, svc)
	svc.ExpectHoldInvoices()
	svc.LNClient.On("CancelHoldInvoice", mock.Anything, mock.Anything).Return(nil)

	order := svc.PublishOrder(t, ctx, maker, constants.ORDER_TYPE_SELL)
	contracted := svc.TakeAndLockBond(t, ctx, order, taker)
	svc.StartFiatExchange(t, ctx, contracted, taker.ID, 99725)

	require.NoError(t, svc.Orders.CancelOrder(ctx, order.ID, maker.ID))
	flagged := svc.ReloadOrder(t, order.ID)
	assert.Equal(t, db.OrderStatusChat, flagged.Status, "one request only raises a flag")
	assert.True(t, flagged.MakerAskedCancel)

	// asking twice does not count as agreement
	require.Error(t, svc.Orders.CancelOrder(ctx, order.ID, maker.ID))

	require.NoError(t, svc.Orders.CancelOrder(ctx, order.ID, taker.ID))
	done := svc.ReloadOrder(t, order.ID)
	assert.Equal(t, db.OrderStatusCollaborativeCancel, done.Status)

	// everything goes back: escrow to the seller, bonds to both
	escrow := svc.FindPayment(t, order.ID, db.LNPaymentConceptTradeEscrow)
	assert.Equal(t, db.LNPaymentStatusReturned, escrow.Status)
	for _, concept := range []db.LNPaymentConcept{db.LNPaymentConceptMakerBond, db.LNPaymentConceptTakerBond} {
		bond := svc.FindPayment(t, order.ID, concept)
		assert.Equal(t, db.LNPaymentStatusReturned, bond.Status)
	}
	assert.Zero(t, done.Proceeds)
}
