package orders

import (
	"context"
	"time"

	"gorm.io/gorm"

	"github.com/p2psats/tradehub/config"
	"github.com/p2psats/tradehub/constants"
	"github.com/p2psats/tradehub/db"
	"github.com/p2psats/tradehub/logger"
	"github.com/p2psats/tradehub/metrics"
	"github.com/p2psats/tradehub/traderr"
)

// expiryWindow is the per-status deadline table. Statuses with no
// window of their own (terminal ones, dispute resolution) return 0.
func expiryWindow(env *config.AppConfig, order *db.Order, status db.OrderStatus) time.Duration {
	seconds := int64(0)
	switch status {
	case db.OrderStatusWaitingMakerBond:
		seconds = env.MakerBondExpirySeconds
	case db.OrderStatusPublic, db.OrderStatusPaused, db.OrderStatusWaitingTakerBond:
		seconds = order.PublicDurationSeconds
		if seconds == 0 {
			seconds = env.PublicOrderDurationSeconds
		}
	case db.OrderStatusWaitingBothBuyerInvoiceAndEscrow, db.OrderStatusWaitingSellerEscrow, db.OrderStatusWaitingBuyerInvoice:
		seconds = order.EscrowDurationSeconds
		if seconds == 0 {
			seconds = env.EscrowWaitSeconds
		}
	case db.OrderStatusChat, db.OrderStatusFiatSent:
		seconds = env.FiatExchangeBaseSeconds
	case db.OrderStatusDispute:
		seconds = env.DisputeStatementSeconds
	}
	return time.Duration(seconds) * time.Second
}

// OrderExpires applies the expiry policy to an order whose deadline
// has passed. Which side loses collateral depends on which side's
// inaction stalled the trade.
func (svc *ordersService) OrderExpires(ctx context.Context, orderId uint) error {
	order, err := svc.GetOrder(ctx, orderId)
	if err != nil {
		return err
	}
	if order.Status.IsTerminal() || time.Now().Before(order.ExpiresAt) {
		return nil
	}

	switch order.Status {
	case db.OrderStatusWaitingMakerBond:
		svc.voidPendingBond(ctx, order, db.LNPaymentConceptMakerBond, order.MakerID)
		return svc.expire(order, db.ExpiryReasonMakerBondNotLocked)

	case db.OrderStatusPublic, db.OrderStatusPaused, db.OrderStatusWaitingTakerBond:
		if err := svc.returnPartyBond(ctx, order, db.LNPaymentConceptMakerBond); err != nil {
			return err
		}
		if err := svc.kickPendingTakers(ctx, order, true); err != nil {
			return err
		}
		return svc.expire(order, db.ExpiryReasonNotTaken)

	case db.OrderStatusWaitingBothBuyerInvoiceAndEscrow:
		// neither side acted; both bonds are settled outright and the
		// whole amount accrues to proceeds
		var settledSats int64
		for _, concept := range []db.LNPaymentConcept{db.LNPaymentConceptMakerBond, db.LNPaymentConceptTakerBond} {
			sats, err := svc.settlePartyBondOutright(ctx, order, concept)
			if err != nil {
				return err
			}
			settledSats += sats
		}
		err := svc.db.Model(order).
			Update("proceeds", gorm.Expr("proceeds + ?", settledSats)).Error
		if err != nil {
			return err
		}
		svc.voidEscrowInvoice(ctx, order)
		return svc.expire(order, db.ExpiryReasonNeitherEscrowNorInvoice)

	case db.OrderStatusWaitingSellerEscrow:
		if err := svc.slashInactiveParty(ctx, order, svc.sellerId(order)); err != nil {
			return err
		}
		svc.voidEscrowInvoice(ctx, order)
		return svc.expire(order, db.ExpiryReasonEscrowNotLocked)

	case db.OrderStatusWaitingBuyerInvoice:
		if err := svc.slashInactiveParty(ctx, order, svc.buyerId(order)); err != nil {
			return err
		}
		if err := svc.releaseEscrow(ctx, order); err != nil {
			return err
		}
		return svc.expire(order, db.ExpiryReasonInvoiceNotSubmitted)

	case db.OrderStatusChat, db.OrderStatusFiatSent:
		if svc.disputeOpener == nil {
			return nil
		}
		return svc.disputeOpener.OpenDisputeFromExpiry(ctx, order.ID)

	case db.OrderStatusDispute:
		if svc.disputeOpener == nil {
			return nil
		}
		return svc.disputeOpener.CloseStatementWindow(ctx, order.ID)
	}
	return nil
}

// slashInactiveParty settles the inactive party's bond with reward to
// the waiting counterparty and returns that counterparty's own bond.
func (svc *ordersService) slashInactiveParty(ctx context.Context, order *db.Order, inactiveRobotId uint) error {
	var slashedConcept, stakedConcept db.LNPaymentConcept
	var rewardedRobotId uint
	if inactiveRobotId == order.MakerID {
		slashedConcept, stakedConcept = db.LNPaymentConceptMakerBond, db.LNPaymentConceptTakerBond
		rewardedRobotId = *order.TakerID
	} else {
		slashedConcept, stakedConcept = db.LNPaymentConceptTakerBond, db.LNPaymentConceptMakerBond
		rewardedRobotId = order.MakerID
	}

	if err := svc.slashPartyBond(ctx, order, slashedConcept, stakedConcept, rewardedRobotId); err != nil {
		return err
	}
	return svc.returnPartyBond(ctx, order, stakedConcept)
}

func (svc *ordersService) voidEscrowInvoice(ctx context.Context, order *db.Order) {
	var escrow db.LNPayment
	result := svc.db.Limit(1).Find(&escrow,
		"order_id = ? AND concept = ? AND status = ?",
		order.ID, db.LNPaymentConceptTradeEscrow, db.LNPaymentStatusInvoiceGenerated)
	if result.Error != nil || result.RowsAffected == 0 {
		return
	}
	if err := svc.bonds.CancelBond(ctx, svc.lnClient, escrow.ID); err != nil {
		logger.Logger.Error().Err(err).Uint("payment_id", escrow.ID).Msg("Failed to void escrow invoice on expiry")
	}
}

func (svc *ordersService) expire(order *db.Order, reason db.ExpiryReason) error {
	err := svc.db.Model(order).Updates(map[string]interface{}{
		"status":        db.OrderStatusExpired,
		"expiry_reason": reason,
	}).Error
	if err != nil {
		return err
	}
	order.Status = db.OrderStatusExpired
	order.ExpiryReason = reason

	svc.orderLog(order.ID, "info", "Order expired: "+reason.String())
	svc.publishEvent(constants.EVENT_ORDER_EXPIRED, order)
	metrics.OrdersExpired.WithLabelValues(reason.String()).Inc()
	return nil
}

// expireIfPast lazily applies expiry on the request path.
func (svc *ordersService) expireIfPast(ctx context.Context, order *db.Order) error {
	if order.Status.IsTerminal() || time.Now().Before(order.ExpiresAt) {
		return nil
	}
	if err := svc.OrderExpires(ctx, order.ID); err != nil {
		return err
	}
	refreshed, err := svc.GetOrder(ctx, order.ID)
	if err != nil {
		return err
	}
	*order = *refreshed
	if order.Status.IsTerminal() {
		return traderr.NewBadRequestError("this order has expired")
	}
	return nil
}

// ExpireTakeOrders sweeps pre-commitments whose own deadline passed:
// the taker is stamped with a timeout penalty, their bond invoice is
// voided, and an order left with no candidates returns to the book.
func (svc *ordersService) ExpireTakeOrders(ctx context.Context) error {
	var expired []db.TakeOrder
	if err := svc.db.Find(&expired, "expires_at < ?", time.Now()).Error; err != nil {
		return err
	}

	env := svc.cfg.GetEnv()
	penaltyUntil := time.Now().Add(time.Duration(env.TakerBondExpirySeconds) * time.Second)

	for _, takeOrder := range expired {
		var bondInvoice db.LNPayment
		result := svc.db.Limit(1).Find(&bondInvoice,
			"order_id = ? AND concept = ? AND sender_id = ? AND status = ?",
			takeOrder.OrderID, db.LNPaymentConceptTakerBond, takeOrder.TakerID, db.LNPaymentStatusInvoiceGenerated)
		if result.Error == nil && result.RowsAffected > 0 {
			if err := svc.bonds.CancelBond(ctx, svc.lnClient, bondInvoice.ID); err != nil {
				logger.Logger.Error().Err(err).Uint("payment_id", bondInvoice.ID).Msg("Failed to void expired taker bond invoice")
			}
		}

		err := svc.db.Transaction(func(tx *gorm.DB) error {
			if err := tx.Model(&db.Robot{}).Where("id = ?", takeOrder.TakerID).
				Update("penalty_expires_at", &penaltyUntil).Error; err != nil {
				return err
			}
			if err := tx.Delete(&db.TakeOrder{}, "id = ?", takeOrder.ID).Error; err != nil {
				return err
			}
			var remaining int64
			tx.Model(&db.TakeOrder{}).Where("order_id = ?", takeOrder.OrderID).Count(&remaining)
			if remaining == 0 {
				return tx.Model(&db.Order{}).
					Where("id = ? AND status = ?", takeOrder.OrderID, db.OrderStatusWaitingTakerBond).
					Update("status", db.OrderStatusPublic).Error
			}
			return nil
		})
		if err != nil {
			logger.Logger.Error().Err(err).Uint("take_order_id", takeOrder.ID).Msg("Failed to expire take order")
			continue
		}
		svc.orderLog(takeOrder.OrderID, "info", "A taker pre-commitment timed out, taker penalized")
	}
	return nil
}
