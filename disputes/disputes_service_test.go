package disputes_test

import (
	"context"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/p2psats/tradehub/constants"
	"github.com/p2psats/tradehub/db"
	"github.com/p2psats/tradehub/tests"
)

// chatRecord stubs chat activity: the set of robots who ever wrote.
type chatRecord map[uint]bool

func (c chatRecord) HasWritten(ctx context.Context, orderId uint, robotId uint) (bool, error) {
	return c[robotId], nil
}

func fiatExchangeOrder(t *testing.T, svc *tests.TestService, ctx context.Context) (*db.Order, *db.Robot, *db.Robot) {
	maker := tests.CreateRobot(t, svc)
	taker := tests.CreateRobot(t, svc)
	svc.ExpectHoldInvoices()
	order := svc.PublishOrder(t, ctx, maker, constants.ORDER_TYPE_SELL)
	contracted := svc.TakeAndLockBond(t, ctx, order, taker)
	chatting := svc.StartFiatExchange(t, ctx, contracted, taker.ID, 99725)
	return chatting, maker, taker
}

func TestAutoResolution_AbsentPartyLoses(t *testing.T) {
	svc := tests.CreateTestService(t)
	ctx := context.Background()
	order, maker, taker := fiatExchangeOrder(t, svc, ctx)
	svc.Disputes.SetChatActivity(chatRecord{maker.ID: true})
	svc.LNClient.On("SettleHoldInvoice", mock.Anything, mock.Anything).Return(nil)
	svc.LNClient.On("CancelHoldInvoice", mock.Anything, mock.Anything).Return(nil)

	require.NoError(t, svc.Disputes.OpenDisputeFromExpiry(ctx, order.ID))

	resolved := svc.ReloadOrder(t, order.ID)
	assert.Equal(t, db.OrderStatusTakerLostDispute, resolved.Status)
	require.NotNil(t, resolved.DisputeWinnerID)
	assert.Equal(t, maker.ID, *resolved.DisputeWinnerID)

	takerBond := svc.FindPayment(t, order.ID, db.LNPaymentConceptTakerBond)
	assert.Equal(t, db.LNPaymentStatusSettled, takerBond.Status)
	makerBond := svc.FindPayment(t, order.ID, db.LNPaymentConceptMakerBond)
	assert.Equal(t, db.LNPaymentStatusReturned, makerBond.Status)
	escrow := svc.FindPayment(t, order.ID, db.LNPaymentConceptTradeEscrow)
	assert.Equal(t, db.LNPaymentStatusReturned, escrow.Status, "escrow back to the seller")

	var winner db.Robot
	require.NoError(t, svc.DB.First(&winner, maker.ID).Error)
	assert.Equal(t, int64(1500), winner.EarnedRewards)

	var loser db.Robot
	require.NoError(t, svc.DB.First(&loser, taker.ID).Error)
	assert.Zero(t, loser.EarnedRewards)
}

func TestAutoResolution_BothSilentForfeitsBoth(t *testing.T) {
	svc := tests.CreateTestService(t)
	ctx := context.Background()
	order, _, _ := fiatExchangeOrder(t, svc, ctx)
	svc.Disputes.SetChatActivity(chatRecord{})
	svc.LNClient.On("SettleHoldInvoice", mock.Anything, mock.Anything).Return(nil)
	svc.LNClient.On("CancelHoldInvoice", mock.Anything, mock.Anything).Return(nil)

	require.NoError(t, svc.Disputes.OpenDisputeFromExpiry(ctx, order.ID))

	expired := svc.ReloadOrder(t, order.ID)
	assert.Equal(t, db.OrderStatusExpired, expired.Status)
	assert.Equal(t, int64(6000), expired.Proceeds)

	for _, concept := range []db.LNPaymentConcept{db.LNPaymentConceptMakerBond, db.LNPaymentConceptTakerBond} {
		bond := svc.FindPayment(t, order.ID, concept)
		assert.Equal(t, db.LNPaymentStatusSettled, bond.Status)
	}
	escrow := svc.FindPayment(t, order.ID, db.LNPaymentConceptTradeEscrow)
	assert.Equal(t, db.LNPaymentStatusReturned, escrow.Status)
}

func TestAutoResolution_BothEngagedGoesManual(t *testing.T) {
	svc := tests.CreateTestService(t)
	ctx := context.Background()
	order, maker, taker := fiatExchangeOrder(t, svc, ctx)
	svc.Disputes.SetChatActivity(chatRecord{maker.ID: true, taker.ID: true})
	svc.LNClient.On("SettleHoldInvoice", mock.Anything, mock.Anything).Return(nil)

	require.NoError(t, svc.Disputes.OpenDisputeFromExpiry(ctx, order.ID))

	disputed := svc.ReloadOrder(t, order.ID)
	assert.Equal(t, db.OrderStatusDispute, disputed.Status)
	assert.True(t, disputed.IsDisputed)

	// every instrument is settled up front so a long dispute never
	// sits on HTLC locks
	for _, concept := range []db.LNPaymentConcept{
		db.LNPaymentConceptMakerBond, db.LNPaymentConceptTakerBond, db.LNPaymentConceptTradeEscrow,
	} {
		payment := svc.FindPayment(t, order.ID, concept)
		assert.Equal(t, db.LNPaymentStatusSettled, payment.Status)
	}
}

func TestFiatSentDisputeNeverAutoResolves(t *testing.T) {
	svc := tests.CreateTestService(t)
	ctx := context.Background()
	order, _, taker := fiatExchangeOrder(t, svc, ctx)
	require.NoError(t, svc.Orders.ConfirmFiatSent(ctx, order.ID, taker.ID))
	svc.Disputes.SetChatActivity(chatRecord{})
	svc.LNClient.On("SettleHoldInvoice", mock.Anything, mock.Anything).Return(nil)

	// money may have moved, a human decides even though nobody wrote
	require.NoError(t, svc.Disputes.OpenDisputeFromExpiry(ctx, order.ID))
	assert.Equal(t, db.OrderStatusDispute, svc.ReloadOrder(t, order.ID).Status)
}

func TestSubmitStatements(t *testing.T) {
	svc := tests.CreateTestService(t)
	ctx := context.Background()
	order, maker, taker := fiatExchangeOrder(t, svc, ctx)
	svc.LNClient.On("SettleHoldInvoice", mock.Anything, mock.Anything).Return(nil)
	require.NoError(t, svc.Disputes.OpenDispute(ctx, order.ID, maker.ID))

	statement := strings.Repeat("the fiat never arrived and here is my evidence ", 5)

	require.Error(t, svc.Disputes.SubmitStatement(ctx, order.ID, maker.ID, "too short"))
	require.Error(t, svc.Disputes.SubmitStatement(ctx, order.ID, maker.ID, strings.Repeat("x", 6000)))

	outsider := tests.CreateRobot(t, svc)
	require.Error(t, svc.Disputes.SubmitStatement(ctx, order.ID, outsider.ID, statement))

	require.NoError(t, svc.Disputes.SubmitStatement(ctx, order.ID, maker.ID, statement))
	assert.Equal(t, db.OrderStatusDispute, svc.ReloadOrder(t, order.ID).Status)

	require.NoError(t, svc.Disputes.SubmitStatement(ctx, order.ID, taker.ID, statement))
	assert.Equal(t, db.OrderStatusWaitingDisputeResolution, svc.ReloadOrder(t, order.ID).Status)
}

func TestCloseStatementWindow(t *testing.T) {
	svc := tests.CreateTestService(t)
	ctx := context.Background()
	order, maker, _ := fiatExchangeOrder(t, svc, ctx)
	svc.LNClient.On("SettleHoldInvoice", mock.Anything, mock.Anything).Return(nil)
	require.NoError(t, svc.Disputes.OpenDispute(ctx, order.ID, maker.ID))

	require.NoError(t, svc.Disputes.CloseStatementWindow(ctx, order.ID))
	assert.Equal(t, db.OrderStatusWaitingDisputeResolution, svc.ReloadOrder(t, order.ID).Status)
}

func TestResolveDispute_CreditsTheWinner(t *testing.T) {
	svc := tests.CreateTestService(t)
	ctx := context.Background()
	order, maker, taker := fiatExchangeOrder(t, svc, ctx)
	svc.LNClient.On("SettleHoldInvoice", mock.Anything, mock.Anything).Return(nil)
	require.NoError(t, svc.Disputes.OpenDispute(ctx, order.ID, taker.ID))

	outsider := tests.CreateRobot(t, svc)
	require.Error(t, svc.Disputes.ResolveDispute(ctx, order.ID, outsider.ID))

	// the taker bought: their credit is the trade after their 0.175%
	// fee plus their own bond plus the maker's slashed bond
	require.NoError(t, svc.Disputes.ResolveDispute(ctx, order.ID, taker.ID))

	resolved := svc.ReloadOrder(t, order.ID)
	assert.Equal(t, db.OrderStatusMakerLostDispute, resolved.Status)
	require.NotNil(t, resolved.DisputeWinnerID)
	assert.Equal(t, taker.ID, *resolved.DisputeWinnerID)

	var winner db.Robot
	require.NoError(t, svc.DB.First(&winner, taker.ID).Error)
	assert.Equal(t, int64(99825+3000+3000), winner.EarnedRewards)

	// the escrow was settled at 100025 sats; what the winner is not
	// owed stays with the coordinator
	assert.Equal(t, int64(100025-99825), resolved.Proceeds)

	var loser db.Robot
	require.NoError(t, svc.DB.First(&loser, maker.ID).Error)
	assert.Zero(t, loser.EarnedRewards)
}
