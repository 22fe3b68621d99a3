package reconciler

import (
	"context"
	"crypto/rand"
	"fmt"
	"math/big"
	"strings"
	"time"

	"gorm.io/gorm"

	"github.com/p2psats/tradehub/config"
	"github.com/p2psats/tradehub/constants"
	"github.com/p2psats/tradehub/db"
	"github.com/p2psats/tradehub/events"
	"github.com/p2psats/tradehub/lnclient"
	"github.com/p2psats/tradehub/logger"
	"github.com/p2psats/tradehub/metrics"
	"github.com/p2psats/tradehub/orders"
)

// loop intervals
const (
	payoutInterval        = 10 * time.Second
	stuckInterval         = time.Minute
	onchainInterval       = 30 * time.Second
	expiryInterval        = 30 * time.Second
	confirmationsInterval = time.Minute
)

// TaprootConfirmer is the escrow adapter's confirmation scan, injected
// so the reconciler does not depend on the adapter itself.
type TaprootConfirmer interface {
	CheckConfirmations(ctx context.Context) error
}

type reconcilerService struct {
	db             *gorm.DB
	cfg            config.Config
	eventPublisher events.EventPublisher
	lnClient       lnclient.LNClient
	orders         orders.OrdersService

	taprootConfirmer TaprootConfirmer
}

// ReconcilerService runs the background loops that drive outbound
// payouts, expirations, and on-chain confirmations. Every transition
// it makes is mirrored into the owning order.
type ReconcilerService interface {
	Start(ctx context.Context)

	SendQueuedPayouts(ctx context.Context) error
	TrackStuckPayments(ctx context.Context) error
	SendQueuedOnchainPayouts(ctx context.Context) error
	WatchMempoolPayouts(ctx context.Context) error
	ExpireOrders(ctx context.Context) error
}

func NewReconcilerService(gormDB *gorm.DB, cfg config.Config, eventPublisher events.EventPublisher, lnClient lnclient.LNClient, ordersService orders.OrdersService) *reconcilerService {
	return &reconcilerService{
		db:             gormDB,
		cfg:            cfg,
		eventPublisher: eventPublisher,
		lnClient:       lnClient,
		orders:         ordersService,
	}
}

func (svc *reconcilerService) SetTaprootConfirmer(taprootConfirmer TaprootConfirmer) {
	svc.taprootConfirmer = taprootConfirmer
}

// Start launches the reconciliation loops. They stop when the context
// is cancelled; individual cycle failures are logged and the loop
// keeps running.
func (svc *reconcilerService) Start(ctx context.Context) {
	go svc.runLoop(ctx, payoutInterval, "payout sender", svc.SendQueuedPayouts)
	go svc.runLoop(ctx, stuckInterval, "stuck payment tracker", svc.TrackStuckPayments)
	go svc.runLoop(ctx, onchainInterval, "onchain payout sender", svc.SendQueuedOnchainPayouts)
	go svc.runLoop(ctx, onchainInterval, "mempool watcher", svc.WatchMempoolPayouts)
	go svc.runLoop(ctx, expiryInterval, "order expiry", svc.ExpireOrders)
	if svc.taprootConfirmer != nil {
		go svc.runLoop(ctx, confirmationsInterval, "taproot confirmations", svc.taprootConfirmer.CheckConfirmations)
	}
}

func (svc *reconcilerService) runLoop(ctx context.Context, interval time.Duration, name string, fn func(ctx context.Context) error) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := fn(ctx); err != nil {
				logger.Logger.Error().Err(err).Str("loop", name).Msg("Reconciler cycle failed")
			}
		}
	}
}

// SendQueuedPayouts pushes every valid buyer payout of a paying order
// through the node, retrying up to the attempt cap. An elapsed send
// timeout leaves the payment in flight for the stuck tracker, it is
// never re-sent here.
func (svc *reconcilerService) SendQueuedPayouts(ctx context.Context) error {
	var payments []db.LNPayment
	err := svc.db.
		Joins("JOIN orders ON orders.id = ln_payments.order_id").
		Where("ln_payments.concept = ? AND ln_payments.status = ? AND orders.status = ?",
			db.LNPaymentConceptPayBuyer, db.LNPaymentStatusValid, db.OrderStatusPaying).
		Find(&payments).Error
	if err != nil {
		return err
	}

	for i := range payments {
		svc.sendPayout(ctx, &payments[i])
	}
	return nil
}

func (svc *reconcilerService) sendPayout(ctx context.Context, payment *db.LNPayment) {
	env := svc.cfg.GetEnv()

	feeLimitSats := payment.NumSatoshis * payment.RoutingBudgetPPM / 1_000_000
	if feeLimitSats < env.MinFlatRoutingFeeLimit {
		feeLimitSats = env.MinFlatRoutingFeeLimit
	}

	now := time.Now()
	err := svc.db.Model(payment).Updates(map[string]interface{}{
		"status":            db.LNPaymentStatusInFlight,
		"in_flight":         true,
		"routing_attempts":  gorm.Expr("routing_attempts + 1"),
		"last_routing_time": &now,
	}).Error
	if err != nil {
		logger.Logger.Error().Err(err).Uint("payment_id", payment.ID).Msg("Failed to mark payout in flight")
		return
	}
	payment.RoutingAttempts++
	metrics.PaymentsInFlight.Inc()
	defer metrics.PaymentsInFlight.Dec()

	result, err := svc.lnClient.SendPayment(ctx, &lnclient.PayRequest{
		Invoice:        payment.Invoice,
		AmountSats:     payment.NumSatoshis,
		FeeLimitSats:   feeLimitSats,
		TimeoutSeconds: int32(env.PaymentTimeoutSeconds),
	})
	if err != nil {
		logger.Logger.Error().Err(err).Uint("payment_id", payment.ID).Msg("Payout send errored")
		svc.handlePayoutFailure(ctx, payment, db.PaymentFailureReasonNotYetFailed)
		return
	}
	svc.applyPayResult(ctx, payment, result)
}

// TrackStuckPayments re-attaches to in-flight payments with no update
// for the stuck window. Tracking never re-sends, so a payment that is
// still moving through the network cannot be paid twice.
func (svc *reconcilerService) TrackStuckPayments(ctx context.Context) error {
	cutoff := time.Now().Add(-constants.STUCK_PAYMENT_WINDOW)
	var payments []db.LNPayment
	err := svc.db.
		Where("concept = ? AND status = ? AND last_routing_time < ?",
			db.LNPaymentConceptPayBuyer, db.LNPaymentStatusInFlight, cutoff).
		Find(&payments).Error
	if err != nil {
		return err
	}

	for i := range payments {
		payment := &payments[i]
		result, err := svc.lnClient.TrackPayment(ctx, payment.PaymentHash)
		if err != nil {
			if isTransitionError(err) {
				continue
			}
			logger.Logger.Error().Err(err).Uint("payment_id", payment.ID).Msg("Failed to track stuck payment")
			continue
		}
		now := time.Now()
		svc.db.Model(payment).Update("last_routing_time", &now)
		svc.applyPayResult(ctx, payment, result)
	}
	return nil
}

// node error strings that mean the payment is still settling, not
// failed
func isTransitionError(err error) bool {
	msg := err.Error()
	return strings.Contains(msg, "payment is in transition") ||
		strings.Contains(msg, "invoice is already paid") ||
		strings.Contains(msg, "invoice expired")
}

func (svc *reconcilerService) applyPayResult(ctx context.Context, payment *db.LNPayment, result *lnclient.PayResult) {
	switch result.Status {
	case db.LNPaymentStatusSucceeded:
		svc.handlePayoutSuccess(ctx, payment, result)
	case db.LNPaymentStatusFailedRouting:
		metrics.PayoutAttempts.WithLabelValues("failed").Inc()
		svc.handlePayoutFailure(ctx, payment, result.FailureReason)
	case db.LNPaymentStatusInFlight:
		// still moving, the stuck tracker will find it
		logger.Logger.Info().Uint("payment_id", payment.ID).Msg("Payout still in flight")
	}
}

func (svc *reconcilerService) handlePayoutSuccess(ctx context.Context, payment *db.LNPayment, result *lnclient.PayResult) {
	err := svc.db.Model(payment).Updates(map[string]interface{}{
		"status":       db.LNPaymentStatusSucceeded,
		"in_flight":    false,
		"preimage":     &result.Preimage,
		"fee_satoshis": float64(result.FeeMsat) / 1000,
	}).Error
	if err != nil {
		logger.Logger.Error().Err(err).Uint("payment_id", payment.ID).Msg("Failed to mark payout succeeded")
		return
	}
	metrics.PayoutAttempts.WithLabelValues("succeeded").Inc()

	if payment.OrderID != nil {
		svc.markOrderSuccess(ctx, *payment.OrderID)
	}
}

// handlePayoutFailure returns the payment to the queue until the
// attempt cap; past it the payment expires and the order fails, so the
// buyer can submit fresh payout details.
func (svc *reconcilerService) handlePayoutFailure(ctx context.Context, payment *db.LNPayment, reason db.PaymentFailureReason) {
	if payment.RoutingAttempts < constants.MAX_ROUTING_ATTEMPTS {
		err := svc.db.Model(payment).Updates(map[string]interface{}{
			"status":         db.LNPaymentStatusValid,
			"in_flight":      false,
			"failure_reason": reason,
		}).Error
		if err != nil {
			logger.Logger.Error().Err(err).Uint("payment_id", payment.ID).Msg("Failed to requeue payout")
		}
		return
	}

	err := svc.db.Model(payment).Updates(map[string]interface{}{
		"status":           db.LNPaymentStatusExpired,
		"in_flight":        false,
		"failure_reason":   reason,
		"routing_attempts": 0,
	}).Error
	if err != nil {
		logger.Logger.Error().Err(err).Uint("payment_id", payment.ID).Msg("Failed to expire payout")
		return
	}

	if payment.OrderID == nil {
		return
	}
	order, err := svc.getOrder(*payment.OrderID)
	if err != nil || order.Status != db.OrderStatusPaying {
		return
	}
	if err := svc.db.Model(order).Update("status", db.OrderStatusFailed).Error; err != nil {
		logger.Logger.Error().Err(err).Uint("order_id", order.ID).Msg("Failed to mark order failed")
		return
	}
	order.Status = db.OrderStatusFailed

	svc.orderLog(order.ID, "error",
		fmt.Sprintf("Payout failed %d times, submit new payout details", constants.MAX_ROUTING_ATTEMPTS))
	svc.publishEvent(constants.EVENT_LIGHTNING_FAILED, order)
}

// SendQueuedOnchainPayouts broadcasts queued on-chain payouts. The
// send only happens once the trade escrow is settled and covers the
// payout, and only after a randomized pause following the status flip
// so the write and the broadcast never race.
func (svc *reconcilerService) SendQueuedOnchainPayouts(ctx context.Context) error {
	var payouts []db.OnchainPayment
	err := svc.db.
		Joins("JOIN orders ON orders.id = onchain_payments.order_id").
		Where("onchain_payments.status = ? AND orders.status = ?",
			db.OnchainPaymentStatusQueued, db.OrderStatusPaying).
		Find(&payouts).Error
	if err != nil {
		return err
	}

	for i := range payouts {
		svc.sendOnchainPayout(ctx, &payouts[i])
	}
	return nil
}

func (svc *reconcilerService) sendOnchainPayout(ctx context.Context, payout *db.OnchainPayment) {
	var escrow db.LNPayment
	result := svc.db.Limit(1).Find(&escrow,
		"order_id = ? AND concept = ? AND status = ?",
		payout.OrderID, db.LNPaymentConceptTradeEscrow, db.LNPaymentStatusSettled)
	if result.Error != nil || result.RowsAffected == 0 {
		logger.Logger.Warn().Uint("payout_id", payout.ID).Msg("Onchain payout waiting for settled escrow")
		return
	}
	if escrow.NumSatoshis < payout.NumSatoshis+payout.MiningFeeSats+payout.SwapFeeSats {
		logger.Logger.Error().
			Uint("payout_id", payout.ID).
			Int64("escrow_sats", escrow.NumSatoshis).
			Msg("Onchain payout exceeds settled escrow, refusing to send")
		return
	}

	if err := svc.db.Model(payout).Update("status", db.OnchainPaymentStatusInMempool).Error; err != nil {
		logger.Logger.Error().Err(err).Uint("payout_id", payout.ID).Msg("Failed to flip onchain payout status")
		return
	}
	randomPause()

	txid, err := svc.lnClient.PayOnchain(ctx, &lnclient.OnchainRequest{
		Address:     payout.Address,
		AmountSats:  payout.NumSatoshis,
		SatPerVbyte: payout.MiningFeeRate,
	})
	if err != nil {
		logger.Logger.Error().Err(err).Uint("payout_id", payout.ID).Msg("Onchain payout send failed")
		svc.db.Model(payout).Update("status", db.OnchainPaymentStatusQueued)
		return
	}

	now := time.Now()
	err = svc.db.Model(payout).Updates(map[string]interface{}{
		"txid":           txid,
		"sent_satoshis":  payout.NumSatoshis,
		"broadcasted_at": &now,
	}).Error
	if err != nil {
		logger.Logger.Error().Err(err).Uint("payout_id", payout.ID).Msg("Failed to record onchain payout txid")
		return
	}

	if payout.OrderID != nil {
		svc.orderLog(*payout.OrderID, "info", fmt.Sprintf("On-chain payout %s broadcast", txid))
		if order, err := svc.getOrder(*payout.OrderID); err == nil {
			svc.publishEvent(constants.EVENT_ONCHAIN_PAYOUT_BROADCAST, order)
		}
	}
	metrics.OnchainPayoutsBroadcast.Inc()
}

// randomPause sleeps 3 to 8 seconds, cryptographically sourced, to put
// a non-deterministic gap between the status write and the broadcast.
func randomPause() {
	jitter, err := rand.Int(rand.Reader, big.NewInt(5000))
	if err != nil {
		jitter = big.NewInt(2500)
	}
	time.Sleep(3*time.Second + time.Duration(jitter.Int64())*time.Millisecond)
}

// WatchMempoolPayouts confirms broadcast on-chain payouts and closes
// their orders.
func (svc *reconcilerService) WatchMempoolPayouts(ctx context.Context) error {
	var payouts []db.OnchainPayment
	err := svc.db.
		Where("status = ? AND txid != ''", db.OnchainPaymentStatusInMempool).
		Find(&payouts).Error
	if err != nil {
		return err
	}

	for i := range payouts {
		payout := &payouts[i]
		confirmations, err := svc.lnClient.GetTransactionConfirmations(ctx, payout.Txid)
		if err != nil {
			logger.Logger.Error().Err(err).Str("txid", payout.Txid).Msg("Failed to look up payout confirmations")
			continue
		}
		if confirmations < 1 {
			continue
		}

		if err := svc.db.Model(payout).Update("status", db.OnchainPaymentStatusConfirmed).Error; err != nil {
			logger.Logger.Error().Err(err).Uint("payout_id", payout.ID).Msg("Failed to mark onchain payout confirmed")
			continue
		}
		if payout.OrderID != nil {
			svc.markOrderSuccess(ctx, *payout.OrderID)
		}
	}
	return nil
}

// ExpireOrders walks every live order past its deadline through the
// expiry table, and drops timed-out taker pre-commitments.
func (svc *reconcilerService) ExpireOrders(ctx context.Context) error {
	var orderRows []db.Order
	err := svc.db.
		Where("status NOT IN ? AND expires_at < ?", terminalStatuses(), time.Now()).
		Find(&orderRows).Error
	if err != nil {
		return err
	}

	for i := range orderRows {
		if err := svc.orders.OrderExpires(ctx, orderRows[i].ID); err != nil {
			logger.Logger.Error().Err(err).Uint("order_id", orderRows[i].ID).Msg("Failed to expire order")
		}
	}
	return svc.orders.ExpireTakeOrders(ctx)
}

func terminalStatuses() []db.OrderStatus {
	return []db.OrderStatus{
		db.OrderStatusCancelled,
		db.OrderStatusExpired,
		db.OrderStatusCollaborativeCancel,
		db.OrderStatusSuccess,
		db.OrderStatusMakerLostDispute,
		db.OrderStatusTakerLostDispute,
	}
}

func (svc *reconcilerService) markOrderSuccess(ctx context.Context, orderId uint) {
	order, err := svc.getOrder(orderId)
	if err != nil || order.Status != db.OrderStatusPaying {
		return
	}
	if err := svc.db.Model(order).Update("status", db.OrderStatusSuccess).Error; err != nil {
		logger.Logger.Error().Err(err).Uint("order_id", order.ID).Msg("Failed to mark order successful")
		return
	}
	order.Status = db.OrderStatusSuccess

	svc.orderLog(order.ID, "info", "Buyer paid out, trade successful")
	svc.publishEvent(constants.EVENT_TRADE_SUCCESSFUL, order)
	metrics.TradesSuccessful.Inc()
}

func (svc *reconcilerService) getOrder(orderId uint) (*db.Order, error) {
	var order db.Order
	result := svc.db.Limit(1).Find(&order, "id = ?", orderId)
	if result.Error != nil {
		return nil, result.Error
	}
	if result.RowsAffected == 0 {
		return nil, fmt.Errorf("order %d not found", orderId)
	}
	return &order, nil
}

func (svc *reconcilerService) orderLog(orderId uint, level string, message string) {
	entry := db.OrderLogEntry{OrderID: orderId, Level: level, Message: message}
	if err := svc.db.Create(&entry).Error; err != nil {
		logger.Logger.Error().Err(err).Uint("order_id", orderId).Msg("Failed to append order log entry")
	}
}

func (svc *reconcilerService) publishEvent(event string, order *db.Order) {
	svc.eventPublisher.Publish(&events.Event{
		Event: event,
		Properties: map[string]interface{}{
			"order_id":  order.ID,
			"reference": order.Reference,
			"status":    order.Status.String(),
		},
	})
}
