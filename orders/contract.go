package orders

import (
	"context"
	"fmt"
	"math"
	"time"

	"gorm.io/gorm"

	"github.com/p2psats/tradehub/constants"
	"github.com/p2psats/tradehub/db"
	"github.com/p2psats/tradehub/events"
	"github.com/p2psats/tradehub/logger"
	"github.com/p2psats/tradehub/metrics"
	"github.com/p2psats/tradehub/traderr"
)

// ConsumeEvent reacts to hold invoice lifecycle events from the node
// adapter: a locked bond or escrow drives the order forward.
func (svc *ordersService) ConsumeEvent(ctx context.Context, event *events.Event, globalProperties map[string]interface{}) {
	switch event.Event {
	case constants.EVENT_HOLD_INVOICE_ACCEPTED:
		props, ok := event.Properties.(map[string]interface{})
		if !ok {
			return
		}
		paymentHash, _ := props["payment_hash"].(string)
		settleDeadline, _ := props["settle_deadline"].(uint32)
		svc.holdInvoiceLocked(ctx, paymentHash, settleDeadline)
	case constants.EVENT_HOLD_INVOICE_CANCELED:
		props, ok := event.Properties.(map[string]interface{})
		if !ok {
			return
		}
		paymentHash, _ := props["payment_hash"].(string)
		svc.holdInvoiceCanceled(ctx, paymentHash)
	}
}

func (svc *ordersService) holdInvoiceLocked(ctx context.Context, paymentHash string, settleDeadline uint32) {
	payment, err := svc.findPaymentByHash(paymentHash)
	if err != nil {
		logger.Logger.Error().Err(err).Str("payment_hash", paymentHash).Msg("Accepted hold invoice has no payment row")
		return
	}
	if payment.Status == db.LNPaymentStatusLocked {
		return
	}
	if payment.Status != db.LNPaymentStatusInvoiceGenerated {
		logger.Logger.Warn().
			Str("payment_hash", paymentHash).
			Str("status", payment.Status.String()).
			Msg("Hold invoice accepted in unexpected status")
		return
	}

	err = svc.db.Model(payment).Updates(map[string]interface{}{
		"status":          db.LNPaymentStatusLocked,
		"settle_deadline": settleDeadline,
	}).Error
	if err != nil {
		logger.Logger.Error().Err(err).Str("payment_hash", paymentHash).Msg("Failed to mark hold invoice locked")
		return
	}
	payment.Status = db.LNPaymentStatusLocked

	switch payment.Concept {
	case db.LNPaymentConceptMakerBond:
		svc.makerBondLocked(ctx, payment)
	case db.LNPaymentConceptTakerBond:
		svc.takerBondLocked(ctx, payment)
	case db.LNPaymentConceptTradeEscrow:
		svc.escrowLocked(ctx, payment)
	}
}

func (svc *ordersService) holdInvoiceCanceled(ctx context.Context, paymentHash string) {
	payment, err := svc.findPaymentByHash(paymentHash)
	if err != nil {
		return
	}
	switch payment.Status {
	case db.LNPaymentStatusInvoiceGenerated, db.LNPaymentStatusLocked:
		svc.db.Model(payment).Update("status", db.LNPaymentStatusCancelled)
	}
}

// makerBondLocked publishes the order.
func (svc *ordersService) makerBondLocked(ctx context.Context, payment *db.LNPayment) {
	order, err := svc.GetOrder(ctx, *payment.OrderID)
	if err != nil {
		return
	}
	if order.Status != db.OrderStatusWaitingMakerBond {
		// the bond arrived after the order moved on, release it
		logger.Logger.Warn().Uint("order_id", order.ID).Str("status", order.Status.String()).Msg("Maker bond locked late, returning")
		if err := svc.bonds.ReturnBond(ctx, svc.lnClient, payment.ID); err != nil {
			logger.Logger.Error().Err(err).Uint("payment_id", payment.ID).Msg("Failed to return late maker bond")
		}
		return
	}

	err = svc.db.Model(order).Updates(map[string]interface{}{
		"status":     db.OrderStatusPublic,
		"expires_at": time.Now().Add(expiryWindow(svc.cfg.GetEnv(), order, db.OrderStatusPublic)),
	}).Error
	if err != nil {
		logger.Logger.Error().Err(err).Uint("order_id", order.ID).Msg("Failed to publish order")
		return
	}
	order.Status = db.OrderStatusPublic

	svc.orderLog(order.ID, "info", "Maker bond locked, order published")
	svc.publishEvent(constants.EVENT_ORDER_PUBLISHED, order)
}

// takerBondLocked finalizes the contract: the winning taker is fixed,
// the price is frozen, every other candidate is kicked, and the trade
// escrow invoice is issued to the seller.
func (svc *ordersService) takerBondLocked(ctx context.Context, payment *db.LNPayment) {
	order, err := svc.GetOrder(ctx, *payment.OrderID)
	if err != nil {
		return
	}
	if payment.SenderID == nil {
		return
	}
	if order.Status != db.OrderStatusWaitingTakerBond {
		logger.Logger.Warn().Uint("order_id", order.ID).Str("status", order.Status.String()).Msg("Taker bond locked late, returning")
		if err := svc.bonds.ReturnBond(ctx, svc.lnClient, payment.ID); err != nil {
			logger.Logger.Error().Err(err).Uint("payment_id", payment.ID).Msg("Failed to return late taker bond")
		}
		return
	}

	var takeOrder db.TakeOrder
	result := svc.db.Limit(1).Find(&takeOrder, "order_id = ? AND taker_id = ?", order.ID, *payment.SenderID)
	if result.Error != nil || result.RowsAffected == 0 {
		logger.Logger.Error().Uint("order_id", order.ID).Uint("taker_id", *payment.SenderID).Msg("Locked taker bond has no pre-commitment")
		return
	}

	// freeze the price now; this satoshi value is the contract
	lastSatoshis, err := svc.resolveSatoshis(ctx, order, takeOrder.Amount)
	if err != nil {
		logger.Logger.Error().Err(err).Uint("order_id", order.ID).Msg("Failed to freeze contract price")
		return
	}

	// every losing candidate's bond invoice is voided
	var kicked []db.LNPayment
	svc.db.Find(&kicked,
		"order_id = ? AND concept = ? AND sender_id != ? AND status = ?",
		order.ID, db.LNPaymentConceptTakerBond, *payment.SenderID, db.LNPaymentStatusInvoiceGenerated)

	now := time.Now()
	err = svc.db.Transaction(func(tx *gorm.DB) error {
		err := tx.Model(order).Updates(map[string]interface{}{
			"taker_id":              *payment.SenderID,
			"amount":                takeOrder.Amount,
			"last_satoshis":         lastSatoshis,
			"last_satoshis_time":    &now,
			"contract_finalized_at": &now,
			"status":                db.OrderStatusWaitingBothBuyerInvoiceAndEscrow,
			"expires_at":            now.Add(expiryWindow(svc.cfg.GetEnv(), order, db.OrderStatusWaitingBothBuyerInvoiceAndEscrow)),
		}).Error
		if err != nil {
			return err
		}
		return tx.Delete(&db.TakeOrder{}, "order_id = ?", order.ID).Error
	})
	if err != nil {
		logger.Logger.Error().Err(err).Uint("order_id", order.ID).Msg("Failed to finalize contract")
		return
	}
	order.Status = db.OrderStatusWaitingBothBuyerInvoiceAndEscrow
	order.TakerID = payment.SenderID
	order.LastSatoshis = lastSatoshis

	for _, k := range kicked {
		if err := svc.bonds.CancelBond(ctx, svc.lnClient, k.ID); err != nil {
			logger.Logger.Error().Err(err).Uint("payment_id", k.ID).Msg("Failed to void kicked candidate bond invoice")
		}
	}

	if _, err := svc.makeEscrowHoldInvoice(ctx, order); err != nil {
		logger.Logger.Error().Err(err).Uint("order_id", order.ID).Msg("Failed to create trade escrow invoice")
	}

	svc.orderLog(order.ID, "info",
		fmt.Sprintf("Taker bond locked, contract finalized at %d sats", lastSatoshis))
	svc.publishEvent(constants.EVENT_ORDER_TAKEN, order)
	metrics.OrdersTaken.Inc()
}

// makeEscrowHoldInvoice issues the trade escrow invoice the seller
// locks: the frozen trade amount plus the seller's fee share.
func (svc *ordersService) makeEscrowHoldInvoice(ctx context.Context, order *db.Order) (*db.LNPayment, error) {
	escrowSats := int64(math.Round(float64(order.LastSatoshis) * (1 + svc.feePercent(order, svc.sellerId(order))/100)))
	return svc.makeBondHoldInvoice(ctx, order, db.LNPaymentConceptTradeEscrow, svc.sellerId(order), escrowSats, order.EscrowDurationSeconds)
}

// escrowLocked moves the order forward once the seller's collateral is
// accepted.
func (svc *ordersService) escrowLocked(ctx context.Context, payment *db.LNPayment) {
	order, err := svc.GetOrder(ctx, *payment.OrderID)
	if err != nil {
		return
	}

	switch order.Status {
	case db.OrderStatusWaitingBothBuyerInvoiceAndEscrow:
		err = svc.db.Model(order).Update("status", db.OrderStatusWaitingBuyerInvoice).Error
		if err == nil {
			order.Status = db.OrderStatusWaitingBuyerInvoice
			svc.orderLog(order.ID, "info", "Trade escrow locked, waiting for buyer payout details")
		}
	case db.OrderStatusWaitingSellerEscrow:
		svc.startFiatExchange(ctx, order, "Trade escrow locked")
	default:
		logger.Logger.Warn().
			Uint("order_id", order.ID).
			Str("status", order.Status.String()).
			Msg("Trade escrow locked in unexpected status")
	}
}

// startFiatExchange opens the chat phase.
func (svc *ordersService) startFiatExchange(ctx context.Context, order *db.Order, cause string) {
	err := svc.db.Model(order).Updates(map[string]interface{}{
		"status":     db.OrderStatusChat,
		"expires_at": time.Now().Add(expiryWindow(svc.cfg.GetEnv(), order, db.OrderStatusChat)),
	}).Error
	if err != nil {
		logger.Logger.Error().Err(err).Uint("order_id", order.ID).Msg("Failed to start fiat exchange")
		return
	}
	order.Status = db.OrderStatusChat
	svc.orderLog(order.ID, "info", cause+", fiat exchange started")
	svc.publishEvent(constants.EVENT_FIAT_EXCHANGE_STARTED, order)
}

// ConfirmFiatSent is the buyer's claim that fiat is on its way.
func (svc *ordersService) ConfirmFiatSent(ctx context.Context, orderId uint, robotId uint) error {
	order, err := svc.GetOrder(ctx, orderId)
	if err != nil {
		return err
	}
	if robotId != svc.buyerId(order) {
		return traderr.NewBadRequestError("only the buyer can confirm fiat sent")
	}
	if order.Status != db.OrderStatusChat {
		return traderr.NewBadRequestError("fiat sent can only be confirmed during the fiat exchange")
	}

	err = svc.db.Model(order).Updates(map[string]interface{}{
		"is_fiat_sent": true,
		"status":       db.OrderStatusFiatSent,
	}).Error
	if err != nil {
		return err
	}
	order.Status = db.OrderStatusFiatSent

	svc.orderLog(order.ID, "info", "Buyer confirmed fiat sent")
	svc.publishEvent(constants.EVENT_FIAT_SENT_CONFIRMED, order)
	return nil
}

// ConfirmFiatReceived is the seller's release: the escrow is settled
// (with a read-back check against the node before anything else
// moves), both bonds are returned, and the payout is queued.
func (svc *ordersService) ConfirmFiatReceived(ctx context.Context, orderId uint, robotId uint) error {
	order, err := svc.GetOrder(ctx, orderId)
	if err != nil {
		return err
	}
	if robotId != svc.sellerId(order) {
		return traderr.NewBadRequestError("only the seller can confirm fiat received")
	}
	if order.Status != db.OrderStatusFiatSent {
		return traderr.NewBadRequestError("fiat received requires the buyer to have confirmed fiat sent")
	}

	if order.EscrowMode == constants.ESCROW_MODE_TAPROOT {
		return svc.confirmFiatReceivedTaproot(ctx, order)
	}

	escrow, err := svc.findPayment(order.ID, db.LNPaymentConceptTradeEscrow)
	if err != nil {
		return err
	}
	if escrow.Status != db.LNPaymentStatusSettled {
		if escrow.Status != db.LNPaymentStatusLocked {
			return fmt.Errorf("trade escrow is in status %s, cannot settle", escrow.Status)
		}
		if escrow.Preimage == nil {
			return fmt.Errorf("trade escrow %d has no preimage", escrow.ID)
		}
		if err := svc.lnClient.SettleHoldInvoice(ctx, *escrow.Preimage); err != nil {
			return err
		}
		// never pay the buyer on the strength of our own settle call;
		// read the invoice back from the node
		status, _, err := svc.lnClient.LookupInvoiceStatus(ctx, escrow.PaymentHash)
		if err != nil {
			return err
		}
		if status != db.LNPaymentStatusSettled {
			return fmt.Errorf("trade escrow settle did not stick, node reports %s", status)
		}
		if err := svc.db.Model(escrow).Update("status", db.LNPaymentStatusSettled).Error; err != nil {
			return err
		}
	}

	for _, concept := range []db.LNPaymentConcept{db.LNPaymentConceptMakerBond, db.LNPaymentConceptTakerBond} {
		bond, err := svc.findLockedBond(order.ID, concept)
		if err != nil {
			return err
		}
		if err := svc.bonds.ReturnBond(ctx, svc.lnClient, bond.ID); err != nil {
			return err
		}
	}

	if err := svc.queuePayout(ctx, order); err != nil {
		return err
	}

	if err := svc.db.Model(order).Update("status", db.OrderStatusPaying).Error; err != nil {
		return err
	}
	order.Status = db.OrderStatusPaying

	svc.orderLog(order.ID, "info", "Seller confirmed fiat received, escrow settled, paying buyer")
	svc.publishEvent(constants.EVENT_PAYOUT_IN_FLIGHT, order)
	return nil
}

// confirmFiatReceivedTaproot releases an on-chain trade: both held
// bond transactions are discarded and the cooperative keyspend payout
// ceremony starts. The escrow output itself only moves once both
// parties sign.
func (svc *ordersService) confirmFiatReceivedTaproot(ctx context.Context, order *db.Order) error {
	settler, err := svc.requireTaprootSettler()
	if err != nil {
		return err
	}

	for _, concept := range []db.LNPaymentConcept{db.LNPaymentConceptMakerBond, db.LNPaymentConceptTakerBond} {
		if err := svc.returnPartyBond(ctx, order, concept); err != nil {
			return err
		}
	}
	if err := settler.QueuePayout(ctx, order.ID); err != nil {
		return err
	}

	if err := svc.db.Model(order).Update("status", db.OrderStatusPaying).Error; err != nil {
		return err
	}
	order.Status = db.OrderStatusPaying

	svc.orderLog(order.ID, "info", "Seller confirmed fiat received, bond transactions discarded, keyspend payout started")
	svc.publishEvent(constants.EVENT_PAYOUT_IN_FLIGHT, order)
	return nil
}

// queuePayout ensures the buyer's submitted payout instrument is
// ready for the reconciler. Lightning payouts need no flip, the
// reconciler sends Valid payouts of Paying orders; on-chain payouts
// move to Queued.
func (svc *ordersService) queuePayout(ctx context.Context, order *db.Order) error {
	if _, err := svc.findPayment(order.ID, db.LNPaymentConceptPayBuyer); err == nil {
		return nil
	}

	var onchain db.OnchainPayment
	result := svc.db.Limit(1).Find(&onchain, "order_id = ? AND status = ?", order.ID, db.OnchainPaymentStatusValid)
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		return fmt.Errorf("order %d has no payout instrument", order.ID)
	}
	return svc.db.Model(&onchain).Update("status", db.OnchainPaymentStatusQueued).Error
}

func (svc *ordersService) buyerId(order *db.Order) uint {
	if order.Type == constants.ORDER_TYPE_BUY {
		return order.MakerID
	}
	if order.TakerID != nil {
		return *order.TakerID
	}
	return 0
}

func (svc *ordersService) sellerId(order *db.Order) uint {
	if order.Type == constants.ORDER_TYPE_SELL {
		return order.MakerID
	}
	if order.TakerID != nil {
		return *order.TakerID
	}
	return 0
}

func (svc *ordersService) feePercent(order *db.Order, robotId uint) float64 {
	if robotId == order.MakerID {
		return order.MakerFeePercent
	}
	return order.TakerFeePercent
}

// findLockedBond finds the surviving bond of a concept, skipping the
// voided invoices of kicked range-order candidates.
func (svc *ordersService) findLockedBond(orderId uint, concept db.LNPaymentConcept) (*db.LNPayment, error) {
	var payment db.LNPayment
	result := svc.db.Limit(1).Find(&payment,
		"order_id = ? AND concept = ? AND status IN ?",
		orderId, concept,
		[]db.LNPaymentStatus{db.LNPaymentStatusLocked, db.LNPaymentStatusReturned, db.LNPaymentStatusSettled})
	if result.Error != nil {
		return nil, result.Error
	}
	if result.RowsAffected == 0 {
		return nil, fmt.Errorf("order %d has no locked %s", orderId, concept)
	}
	return &payment, nil
}

func (svc *ordersService) findPayment(orderId uint, concept db.LNPaymentConcept) (*db.LNPayment, error) {
	var payment db.LNPayment
	result := svc.db.Order("id desc").Limit(1).Find(&payment, "order_id = ? AND concept = ?", orderId, concept)
	if result.Error != nil {
		return nil, result.Error
	}
	if result.RowsAffected == 0 {
		return nil, fmt.Errorf("order %d has no %s payment", orderId, concept)
	}
	return &payment, nil
}

func (svc *ordersService) findPaymentByHash(paymentHash string) (*db.LNPayment, error) {
	var payment db.LNPayment
	result := svc.db.Limit(1).Find(&payment, "payment_hash = ?", paymentHash)
	if result.Error != nil {
		return nil, result.Error
	}
	if result.RowsAffected == 0 {
		return nil, fmt.Errorf("no payment with hash %s", paymentHash)
	}
	return &payment, nil
}
