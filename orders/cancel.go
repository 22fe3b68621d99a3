package orders

import (
	"context"
	"time"

	"gorm.io/gorm"

	"github.com/p2psats/tradehub/constants"
	"github.com/p2psats/tradehub/db"
	"github.com/p2psats/tradehub/logger"
	"github.com/p2psats/tradehub/traderr"
)

// CancelOrder applies the cancellation policy:
//
//  1. before the maker bond locks, the maker cancels for free
//  2. a public or paused order is cancelled by the maker, bond returned
//  3. a pre-committed taker backs out before their bond locks, their
//     invoice is voided and the order returns to the book
//  4. after both bonds lock but before the escrow does, the cancelling
//     party's bond is slashed and the counterparty rewarded; a taker
//     cancel republishes the order, a maker cancel voids it
//  5. once the escrow is locked, cancellation is collaborative: both
//     parties must ask before anything is returned
func (svc *ordersService) CancelOrder(ctx context.Context, orderId uint, robotId uint) error {
	order, err := svc.GetOrder(ctx, orderId)
	if err != nil {
		return err
	}
	isMaker := order.MakerID == robotId
	isTaker := order.TakerID != nil && *order.TakerID == robotId

	switch order.Status {
	case db.OrderStatusWaitingMakerBond:
		if !isMaker {
			return traderr.NewBadRequestError("only the maker can cancel this order")
		}
		return svc.cancelBeforeBond(ctx, order)

	case db.OrderStatusPublic, db.OrderStatusPaused:
		if !isMaker {
			return traderr.NewBadRequestError("only the maker can cancel this order")
		}
		return svc.cancelPublicOrder(ctx, order)

	case db.OrderStatusWaitingTakerBond:
		// a candidate taker withdrawing their pre-commitment
		return svc.cancelTakeOrder(ctx, order, robotId)

	case db.OrderStatusWaitingBothBuyerInvoiceAndEscrow, db.OrderStatusWaitingSellerEscrow, db.OrderStatusWaitingBuyerInvoice:
		if !isMaker && !isTaker {
			return traderr.NewBadRequestError("you are not part of this order")
		}
		return svc.cancelAfterBonds(ctx, order, robotId)

	case db.OrderStatusChat, db.OrderStatusFiatSent:
		if !isMaker && !isTaker {
			return traderr.NewBadRequestError("you are not part of this order")
		}
		return svc.collaborativeCancel(ctx, order, robotId)

	default:
		return traderr.NewBadRequestError("this order cannot be cancelled in its current status")
	}
}

func (svc *ordersService) cancelBeforeBond(ctx context.Context, order *db.Order) error {
	svc.voidPendingBond(ctx, order, db.LNPaymentConceptMakerBond, order.MakerID)
	return svc.markCancelled(order, "Maker cancelled before locking the bond")
}

func (svc *ordersService) cancelPublicOrder(ctx context.Context, order *db.Order) error {
	if err := svc.returnPartyBond(ctx, order, db.LNPaymentConceptMakerBond); err != nil {
		return err
	}
	if err := svc.kickPendingTakers(ctx, order, false); err != nil {
		return err
	}
	return svc.markCancelled(order, "Maker cancelled the public order, bond returned")
}

func (svc *ordersService) cancelTakeOrder(ctx context.Context, order *db.Order, robotId uint) error {
	var takeOrder db.TakeOrder
	result := svc.db.Limit(1).Find(&takeOrder, "order_id = ? AND taker_id = ?", order.ID, robotId)
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		return traderr.NewBadRequestError("you have no pending take on this order")
	}

	svc.voidPendingBond(ctx, order, db.LNPaymentConceptTakerBond, robotId)

	return svc.db.Transaction(func(tx *gorm.DB) error {
		if err := tx.Delete(&takeOrder).Error; err != nil {
			return err
		}
		var remaining int64
		tx.Model(&db.TakeOrder{}).Where("order_id = ?", order.ID).Count(&remaining)
		if remaining == 0 {
			if err := tx.Model(order).Update("status", db.OrderStatusPublic).Error; err != nil {
				return err
			}
		}
		svc.orderLog(order.ID, "info", "A pre-committed taker withdrew")
		return nil
	})
}

// cancelAfterBonds slashes the cancelling party's bond and rewards the
// counterparty. A taker cancel puts the order back on the book.
func (svc *ordersService) cancelAfterBonds(ctx context.Context, order *db.Order, robotId uint) error {
	cancellingIsMaker := order.MakerID == robotId
	var slashedConcept, stakedConcept db.LNPaymentConcept
	var rewardedRobotId uint
	if cancellingIsMaker {
		slashedConcept, stakedConcept = db.LNPaymentConceptMakerBond, db.LNPaymentConceptTakerBond
		rewardedRobotId = *order.TakerID
	} else {
		slashedConcept, stakedConcept = db.LNPaymentConceptTakerBond, db.LNPaymentConceptMakerBond
		rewardedRobotId = order.MakerID
	}

	if err := svc.slashPartyBond(ctx, order, slashedConcept, stakedConcept, rewardedRobotId); err != nil {
		return err
	}

	// a pending escrow invoice is voided either way
	if escrow, err := svc.findPayment(order.ID, db.LNPaymentConceptTradeEscrow); err == nil {
		if err := svc.bonds.CancelBond(ctx, svc.lnClient, escrow.ID); err != nil {
			logger.Logger.Error().Err(err).Uint("payment_id", escrow.ID).Msg("Failed to void escrow invoice on cancel")
		}
	}

	if cancellingIsMaker {
		// the counterparty's bond is returned and the order dies
		if err := svc.returnPartyBond(ctx, order, stakedConcept); err != nil {
			return err
		}
		return svc.markCancelled(order, "Maker cancelled after bonds locked, maker bond slashed")
	}

	// taker cancelled: the maker's bond stays locked and the order is
	// republished under a fresh public window
	err = svc.db.Model(order).Updates(map[string]interface{}{
		"status":             db.OrderStatusPublic,
		"taker_id":           nil,
		"last_satoshis":      0,
		"last_satoshis_time": nil,
		"is_fiat_sent":       false,
		"expires_at":         time.Now().Add(expiryWindow(svc.cfg.GetEnv(), order, db.OrderStatusPublic)),
	}).Error
	if err != nil {
		return err
	}
	svc.orderLog(order.ID, "info", "Taker cancelled after bonds locked, taker bond slashed, order republished")
	svc.publishEvent(constants.EVENT_ORDER_PUBLISHED, order)
	return nil
}

// collaborativeCancel requires both parties to ask. The first request
// raises a flag; the second returns everything.
func (svc *ordersService) collaborativeCancel(ctx context.Context, order *db.Order, robotId uint) error {
	isMaker := order.MakerID == robotId

	if (isMaker && order.MakerAskedCancel) || (!isMaker && order.TakerAskedCancel) {
		return traderr.NewBadRequestError("you already asked to cancel collaboratively")
	}

	column := "taker_asked_cancel"
	counterpartyAsked := order.MakerAskedCancel
	if isMaker {
		column = "maker_asked_cancel"
		counterpartyAsked = order.TakerAskedCancel
	}
	if err := svc.db.Model(order).Update(column, true).Error; err != nil {
		return err
	}

	if !counterpartyAsked {
		svc.orderLog(order.ID, "info", "One party asked for a collaborative cancel")
		return nil
	}

	// both agreed: escrow back to the seller, bonds back to both
	if err := svc.releaseEscrow(ctx, order); err != nil {
		return err
	}
	for _, concept := range []db.LNPaymentConcept{db.LNPaymentConceptMakerBond, db.LNPaymentConceptTakerBond} {
		if err := svc.returnPartyBond(ctx, order, concept); err != nil {
			return err
		}
	}

	if err := svc.db.Model(order).Update("status", db.OrderStatusCollaborativeCancel).Error; err != nil {
		return err
	}
	order.Status = db.OrderStatusCollaborativeCancel
	svc.orderLog(order.ID, "info", "Both parties agreed, trade cancelled collaboratively")
	svc.publishEvent(constants.EVENT_COLLABORATIVE_CANCELLED, order)
	return nil
}

func (svc *ordersService) markCancelled(order *db.Order, message string) error {
	if err := svc.db.Model(order).Update("status", db.OrderStatusCancelled).Error; err != nil {
		return err
	}
	order.Status = db.OrderStatusCancelled
	svc.orderLog(order.ID, "info", message)
	svc.publishEvent(constants.EVENT_ORDER_CANCELLED, order)
	return nil
}

// kickPendingTakers deletes every pre-commitment, optionally stamping
// the takers with a timeout penalty, and voids their bond invoices.
func (svc *ordersService) kickPendingTakers(ctx context.Context, order *db.Order, withPenalty bool) error {
	var takeOrders []db.TakeOrder
	if err := svc.db.Find(&takeOrders, "order_id = ?", order.ID).Error; err != nil {
		return err
	}
	if len(takeOrders) == 0 {
		return nil
	}

	env := svc.cfg.GetEnv()
	penaltyUntil := time.Now().Add(time.Duration(env.TakerBondExpirySeconds) * time.Second)

	for _, takeOrder := range takeOrders {
		svc.voidPendingBond(ctx, order, db.LNPaymentConceptTakerBond, takeOrder.TakerID)
		if withPenalty {
			svc.db.Model(&db.Robot{}).Where("id = ?", takeOrder.TakerID).
				Update("penalty_expires_at", &penaltyUntil)
		}
	}
	return svc.db.Delete(&db.TakeOrder{}, "order_id = ?", order.ID).Error
}
