package reconciler_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/p2psats/tradehub/db"
	"github.com/p2psats/tradehub/lnclient"
	"github.com/p2psats/tradehub/tests"
)

// payingOrder plants a contracted SELL order already past fiat
// exchange, so the taker is the buyer owed 99725 sats.
func payingOrder(t *testing.T, svc *tests.TestService, maker *db.Robot, taker *db.Robot, status db.OrderStatus) *db.Order {
	order := &db.Order{
		Reference:       uuid.NewString(),
		Type:            "SELL",
		Currency:        "USD",
		EscrowMode:      "lightning",
		Status:          status,
		MakerID:         maker.ID,
		TakerID:         &taker.ID,
		LastSatoshis:    100_000,
		MakerFeePercent: 0.025,
		TakerFeePercent: 0.175,
	}
	require.NoError(t, svc.DB.Create(order).Error)
	return order
}

func queuedPayout(t *testing.T, svc *tests.TestService, orderId uint, buyerId uint) *db.LNPayment {
	payment := &db.LNPayment{
		OrderID:          &orderId,
		Type:             db.LNPaymentTypeNorm,
		Concept:          db.LNPaymentConceptPayBuyer,
		Status:           db.LNPaymentStatusValid,
		PaymentHash:      uuid.NewString(),
		Invoice:          "lnbcrt1buyerpayout",
		NumSatoshis:      99725,
		RoutingBudgetPPM: 1003,
		ReceiverID:       &buyerId,
	}
	require.NoError(t, svc.DB.Create(payment).Error)
	return payment
}

func reloadPayment(t *testing.T, svc *tests.TestService, id uint) *db.LNPayment {
	var payment db.LNPayment
	require.NoError(t, svc.DB.First(&payment, id).Error)
	return &payment
}

func TestSendQueuedPayouts_PaysTheBuyer(t *testing.T) {
	svc := tests.CreateTestService(t)
	ctx := context.Background()
	maker := tests.CreateRobot(t, svc)
	taker := tests.CreateRobot(t, svc)
	order := payingOrder(t, svc, maker, taker, db.OrderStatusPaying)
	payment := queuedPayout(t, svc, order.ID, taker.ID)

	preimage := uuid.NewString()
	svc.LNClient.On("SendPayment", mock.Anything, mock.MatchedBy(func(req *lnclient.PayRequest) bool {
		return req.Invoice == payment.Invoice && req.AmountSats == 99725 && req.FeeLimitSats == 100
	})).Return(&lnclient.PayResult{
		Status:   db.LNPaymentStatusSucceeded,
		Preimage: preimage,
		FeeMsat:  21_500,
	}, nil).Once()

	require.NoError(t, svc.Reconciler.SendQueuedPayouts(ctx))

	sent := reloadPayment(t, svc, payment.ID)
	assert.Equal(t, db.LNPaymentStatusSucceeded, sent.Status)
	assert.False(t, sent.InFlight)
	assert.Equal(t, 1, sent.RoutingAttempts)
	require.NotNil(t, sent.Preimage)
	assert.Equal(t, preimage, *sent.Preimage)
	assert.Equal(t, 21.5, sent.FeeSatoshis)
	assert.NotNil(t, sent.LastRoutingTime)

	assert.Equal(t, db.OrderStatusSuccess, svc.ReloadOrder(t, order.ID).Status)
}

func TestSendQueuedPayouts_SkipsOrdersNotPaying(t *testing.T) {
	svc := tests.CreateTestService(t)
	ctx := context.Background()
	maker := tests.CreateRobot(t, svc)
	taker := tests.CreateRobot(t, svc)
	order := payingOrder(t, svc, maker, taker, db.OrderStatusChat)
	payment := queuedPayout(t, svc, order.ID, taker.ID)

	require.NoError(t, svc.Reconciler.SendQueuedPayouts(ctx))

	assert.Equal(t, db.LNPaymentStatusValid, reloadPayment(t, svc, payment.ID).Status)
}

func TestSendQueuedPayouts_RequeuesOnRoutingFailure(t *testing.T) {
	svc := tests.CreateTestService(t)
	ctx := context.Background()
	maker := tests.CreateRobot(t, svc)
	taker := tests.CreateRobot(t, svc)
	order := payingOrder(t, svc, maker, taker, db.OrderStatusPaying)
	payment := queuedPayout(t, svc, order.ID, taker.ID)

	svc.LNClient.On("SendPayment", mock.Anything, mock.Anything).Return(&lnclient.PayResult{
		Status:        db.LNPaymentStatusFailedRouting,
		FailureReason: db.PaymentFailureReasonNoRoute,
	}, nil).Once()

	require.NoError(t, svc.Reconciler.SendQueuedPayouts(ctx))

	requeued := reloadPayment(t, svc, payment.ID)
	assert.Equal(t, db.LNPaymentStatusValid, requeued.Status)
	assert.False(t, requeued.InFlight)
	assert.Equal(t, 1, requeued.RoutingAttempts)
	assert.Equal(t, db.PaymentFailureReasonNoRoute, requeued.FailureReason)

	assert.Equal(t, db.OrderStatusPaying, svc.ReloadOrder(t, order.ID).Status)
}

func TestSendQueuedPayouts_FailsTheOrderAtTheAttemptCap(t *testing.T) {
	svc := tests.CreateTestService(t)
	ctx := context.Background()
	maker := tests.CreateRobot(t, svc)
	taker := tests.CreateRobot(t, svc)
	order := payingOrder(t, svc, maker, taker, db.OrderStatusPaying)
	payment := queuedPayout(t, svc, order.ID, taker.ID)

	svc.LNClient.On("SendPayment", mock.Anything, mock.Anything).Return(&lnclient.PayResult{
		Status:        db.LNPaymentStatusFailedRouting,
		FailureReason: db.PaymentFailureReasonNoRoute,
	}, nil).Times(3)

	for i := 0; i < 3; i++ {
		require.NoError(t, svc.Reconciler.SendQueuedPayouts(ctx))
	}

	expired := reloadPayment(t, svc, payment.ID)
	assert.Equal(t, db.LNPaymentStatusExpired, expired.Status)
	assert.Zero(t, expired.RoutingAttempts)
	assert.Equal(t, db.OrderStatusFailed, svc.ReloadOrder(t, order.ID).Status)

	// the sender must not pick up the expired payment again
	require.NoError(t, svc.Reconciler.SendQueuedPayouts(ctx))

	// the buyer recovers by submitting a fresh invoice
	svc.ExpectPayoutInvoiceDecode(99725)
	require.NoError(t, svc.Orders.SubmitPayoutInvoice(ctx, order.ID, taker.ID, "lnbcrt1retry"))
	assert.Equal(t, db.OrderStatusPaying, svc.ReloadOrder(t, order.ID).Status)

	fresh := svc.FindPayment(t, order.ID, db.LNPaymentConceptPayBuyer)
	assert.Equal(t, db.LNPaymentStatusValid, fresh.Status)
	assert.NotEqual(t, payment.ID, fresh.ID)
}

func TestSendQueuedPayouts_NodeErrorCountsAsAttempt(t *testing.T) {
	svc := tests.CreateTestService(t)
	ctx := context.Background()
	maker := tests.CreateRobot(t, svc)
	taker := tests.CreateRobot(t, svc)
	order := payingOrder(t, svc, maker, taker, db.OrderStatusPaying)
	payment := queuedPayout(t, svc, order.ID, taker.ID)

	svc.LNClient.On("SendPayment", mock.Anything, mock.Anything).
		Return((*lnclient.PayResult)(nil), errors.New("connection refused")).Once()

	require.NoError(t, svc.Reconciler.SendQueuedPayouts(ctx))

	requeued := reloadPayment(t, svc, payment.ID)
	assert.Equal(t, db.LNPaymentStatusValid, requeued.Status)
	assert.Equal(t, 1, requeued.RoutingAttempts)
}

func TestSendQueuedPayouts_InFlightWaitsForTheTracker(t *testing.T) {
	svc := tests.CreateTestService(t)
	ctx := context.Background()
	maker := tests.CreateRobot(t, svc)
	taker := tests.CreateRobot(t, svc)
	order := payingOrder(t, svc, maker, taker, db.OrderStatusPaying)
	payment := queuedPayout(t, svc, order.ID, taker.ID)

	svc.LNClient.On("SendPayment", mock.Anything, mock.Anything).Return(&lnclient.PayResult{
		Status: db.LNPaymentStatusInFlight,
	}, nil).Once()

	require.NoError(t, svc.Reconciler.SendQueuedPayouts(ctx))

	stuck := reloadPayment(t, svc, payment.ID)
	assert.Equal(t, db.LNPaymentStatusInFlight, stuck.Status)
	assert.Equal(t, db.OrderStatusPaying, svc.ReloadOrder(t, order.ID).Status)

	// a second sweep must not re-send while the payment is in flight
	require.NoError(t, svc.Reconciler.SendQueuedPayouts(ctx))
}

func TestTrackStuckPayments_ResolvesAnOldInFlightPayout(t *testing.T) {
	svc := tests.CreateTestService(t)
	ctx := context.Background()
	maker := tests.CreateRobot(t, svc)
	taker := tests.CreateRobot(t, svc)
	order := payingOrder(t, svc, maker, taker, db.OrderStatusPaying)
	payment := queuedPayout(t, svc, order.ID, taker.ID)

	stale := time.Now().Add(-30 * time.Minute)
	require.NoError(t, svc.DB.Model(payment).Updates(map[string]interface{}{
		"status":            db.LNPaymentStatusInFlight,
		"in_flight":         true,
		"routing_attempts":  1,
		"last_routing_time": &stale,
	}).Error)

	preimage := uuid.NewString()
	svc.LNClient.On("TrackPayment", mock.Anything, payment.PaymentHash).Return(&lnclient.PayResult{
		Status:   db.LNPaymentStatusSucceeded,
		Preimage: preimage,
		FeeMsat:  9000,
	}, nil).Once()

	require.NoError(t, svc.Reconciler.TrackStuckPayments(ctx))

	resolved := reloadPayment(t, svc, payment.ID)
	assert.Equal(t, db.LNPaymentStatusSucceeded, resolved.Status)
	require.NotNil(t, resolved.Preimage)
	assert.Equal(t, preimage, *resolved.Preimage)
	assert.Equal(t, db.OrderStatusSuccess, svc.ReloadOrder(t, order.ID).Status)
}

func TestTrackStuckPayments_LeavesRecentPaymentsAlone(t *testing.T) {
	svc := tests.CreateTestService(t)
	ctx := context.Background()
	maker := tests.CreateRobot(t, svc)
	taker := tests.CreateRobot(t, svc)
	order := payingOrder(t, svc, maker, taker, db.OrderStatusPaying)
	payment := queuedPayout(t, svc, order.ID, taker.ID)

	now := time.Now()
	require.NoError(t, svc.DB.Model(payment).Updates(map[string]interface{}{
		"status":            db.LNPaymentStatusInFlight,
		"in_flight":         true,
		"last_routing_time": &now,
	}).Error)

	require.NoError(t, svc.Reconciler.TrackStuckPayments(ctx))

	assert.Equal(t, db.LNPaymentStatusInFlight, reloadPayment(t, svc, payment.ID).Status)
}

func TestTrackStuckPayments_TransitionErrorKeepsWaiting(t *testing.T) {
	svc := tests.CreateTestService(t)
	ctx := context.Background()
	maker := tests.CreateRobot(t, svc)
	taker := tests.CreateRobot(t, svc)
	order := payingOrder(t, svc, maker, taker, db.OrderStatusPaying)
	payment := queuedPayout(t, svc, order.ID, taker.ID)

	stale := time.Now().Add(-30 * time.Minute)
	require.NoError(t, svc.DB.Model(payment).Updates(map[string]interface{}{
		"status":            db.LNPaymentStatusInFlight,
		"in_flight":         true,
		"last_routing_time": &stale,
	}).Error)

	svc.LNClient.On("TrackPayment", mock.Anything, payment.PaymentHash).
		Return((*lnclient.PayResult)(nil), errors.New("payment is in transition")).Once()

	require.NoError(t, svc.Reconciler.TrackStuckPayments(ctx))

	waiting := reloadPayment(t, svc, payment.ID)
	assert.Equal(t, db.LNPaymentStatusInFlight, waiting.Status)
	assert.True(t, waiting.InFlight)
}

func TestSendQueuedOnchainPayouts_WaitsForSettledEscrow(t *testing.T) {
	svc := tests.CreateTestService(t)
	ctx := context.Background()
	maker := tests.CreateRobot(t, svc)
	taker := tests.CreateRobot(t, svc)
	order := payingOrder(t, svc, maker, taker, db.OrderStatusPaying)

	payout := &db.OnchainPayment{
		OrderID:       &order.ID,
		Status:        db.OnchainPaymentStatusQueued,
		Address:       "bcrt1qpayout",
		NumSatoshis:   97417,
		MiningFeeRate: 10,
		MiningFeeSats: 1410,
		SwapFeeSats:   998,
	}
	require.NoError(t, svc.DB.Create(payout).Error)

	require.NoError(t, svc.Reconciler.SendQueuedOnchainPayouts(ctx))

	var frozen db.OnchainPayment
	require.NoError(t, svc.DB.First(&frozen, payout.ID).Error)
	assert.Equal(t, db.OnchainPaymentStatusQueued, frozen.Status)
}

func TestSendQueuedOnchainPayouts_RefusesToOverdrawEscrow(t *testing.T) {
	svc := tests.CreateTestService(t)
	ctx := context.Background()
	maker := tests.CreateRobot(t, svc)
	taker := tests.CreateRobot(t, svc)
	order := payingOrder(t, svc, maker, taker, db.OrderStatusPaying)

	escrow := &db.LNPayment{
		OrderID:     &order.ID,
		Type:        db.LNPaymentTypeHold,
		Concept:     db.LNPaymentConceptTradeEscrow,
		Status:      db.LNPaymentStatusSettled,
		PaymentHash: uuid.NewString(),
		NumSatoshis: 50_000,
		SenderID:    &maker.ID,
	}
	require.NoError(t, svc.DB.Create(escrow).Error)

	payout := &db.OnchainPayment{
		OrderID:       &order.ID,
		Status:        db.OnchainPaymentStatusQueued,
		Address:       "bcrt1qpayout",
		NumSatoshis:   97417,
		MiningFeeRate: 10,
		MiningFeeSats: 1410,
		SwapFeeSats:   998,
	}
	require.NoError(t, svc.DB.Create(payout).Error)

	require.NoError(t, svc.Reconciler.SendQueuedOnchainPayouts(ctx))

	var frozen db.OnchainPayment
	require.NoError(t, svc.DB.First(&frozen, payout.ID).Error)
	assert.Equal(t, db.OnchainPaymentStatusQueued, frozen.Status)
	assert.Empty(t, frozen.Txid)
}

func TestWatchMempoolPayouts_ConfirmsAndClosesTheOrder(t *testing.T) {
	svc := tests.CreateTestService(t)
	ctx := context.Background()
	maker := tests.CreateRobot(t, svc)
	taker := tests.CreateRobot(t, svc)
	order := payingOrder(t, svc, maker, taker, db.OrderStatusPaying)

	payout := &db.OnchainPayment{
		OrderID:       &order.ID,
		Status:        db.OnchainPaymentStatusInMempool,
		Address:       "bcrt1qpayout",
		NumSatoshis:   97417,
		SentSatoshis:  97417,
		MiningFeeRate: 10,
		Txid:          "f0e1d2c3b4a5",
	}
	require.NoError(t, svc.DB.Create(payout).Error)

	svc.LNClient.On("GetTransactionConfirmations", mock.Anything, payout.Txid).
		Return(uint32(0), nil).Once()
	require.NoError(t, svc.Reconciler.WatchMempoolPayouts(ctx))

	var pending db.OnchainPayment
	require.NoError(t, svc.DB.First(&pending, payout.ID).Error)
	assert.Equal(t, db.OnchainPaymentStatusInMempool, pending.Status)
	assert.Equal(t, db.OrderStatusPaying, svc.ReloadOrder(t, order.ID).Status)

	svc.LNClient.On("GetTransactionConfirmations", mock.Anything, payout.Txid).
		Return(uint32(2), nil).Once()
	require.NoError(t, svc.Reconciler.WatchMempoolPayouts(ctx))

	var confirmed db.OnchainPayment
	require.NoError(t, svc.DB.First(&confirmed, payout.ID).Error)
	assert.Equal(t, db.OnchainPaymentStatusConfirmed, confirmed.Status)
	assert.Equal(t, db.OrderStatusSuccess, svc.ReloadOrder(t, order.ID).Status)
}

func TestExpireOrders_SweepsPastDeadlineOrders(t *testing.T) {
	svc := tests.CreateTestService(t)
	ctx := context.Background()
	maker := tests.CreateRobot(t, svc)
	other := tests.CreateRobot(t, svc)
	svc.ExpectHoldInvoices()

	expiring := svc.PublishOrder(t, ctx, maker, "SELL")
	live := svc.PublishOrder(t, ctx, other, "BUY")

	require.NoError(t, svc.DB.Model(&db.Order{}).
		Where("id = ?", expiring.ID).
		Update("expires_at", time.Now().Add(-time.Minute)).Error)

	svc.LNClient.On("CancelHoldInvoice", mock.Anything, mock.Anything).Return(nil).Once()
	require.NoError(t, svc.Reconciler.ExpireOrders(ctx))

	swept := svc.ReloadOrder(t, expiring.ID)
	assert.Equal(t, db.OrderStatusExpired, swept.Status)
	assert.Equal(t, db.ExpiryReasonNotTaken, swept.ExpiryReason)
	assert.Equal(t, db.LNPaymentStatusReturned,
		svc.FindPayment(t, expiring.ID, db.LNPaymentConceptMakerBond).Status)

	assert.Equal(t, db.OrderStatusPublic, svc.ReloadOrder(t, live.ID).Status)
}
