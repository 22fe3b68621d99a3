package orders

import (
	"context"
	"fmt"
	"math"
	"time"

	"gorm.io/gorm"

	"github.com/p2psats/tradehub/constants"
	"github.com/p2psats/tradehub/db"
	"github.com/p2psats/tradehub/logger"
	"github.com/p2psats/tradehub/metrics"
	"github.com/p2psats/tradehub/traderr"
)

// TaprootSettler is the escrow adapter seen from the state machine:
// everything it needs on the on-chain track without importing it.
// Bonds here are pre-signed transactions paying the coordinator, held
// and broadcast only when the sender cheats.
type TaprootSettler interface {
	// broadcasts the party's pre-signed bond transaction
	BroadcastBondTx(ctx context.Context, orderId uint, robotId uint) (sats int64, err error)
	// discards a held bond transaction, the on-chain "return"
	DiscardBondTx(ctx context.Context, orderId uint, robotId uint) error
	// starts the cooperative keyspend paying the buyer
	QueuePayout(ctx context.Context, orderId uint) error
	// starts the cooperative keyspend refunding the funding parties
	QueueRefund(ctx context.Context, orderId uint) error
}

func (svc *ordersService) SetTaprootSettler(taprootSettler TaprootSettler) {
	svc.taprootSettler = taprootSettler
}

func (svc *ordersService) requireTaprootSettler() (TaprootSettler, error) {
	if svc.taprootSettler == nil {
		return nil, traderr.NewBadRequestError("on-chain escrow is not available")
	}
	return svc.taprootSettler, nil
}

// MakerBondTxLocked publishes a taproot order once the maker's
// pre-signed bond transaction validated. The on-chain mirror of a
// maker bond HTLC being accepted.
func (svc *ordersService) MakerBondTxLocked(ctx context.Context, orderId uint) error {
	order, err := svc.GetOrder(ctx, orderId)
	if err != nil {
		return err
	}
	if order.EscrowMode != constants.ESCROW_MODE_TAPROOT {
		return traderr.NewBadRequestError("not a taproot order")
	}
	if order.Status != db.OrderStatusWaitingMakerBond {
		return traderr.NewBadRequestError(
			fmt.Sprintf("cannot publish an order in status %s", order.Status.String()))
	}

	err = svc.db.Model(order).Updates(map[string]interface{}{
		"status":     db.OrderStatusPublic,
		"expires_at": time.Now().Add(expiryWindow(svc.cfg.GetEnv(), order, db.OrderStatusPublic)),
	}).Error
	if err != nil {
		return err
	}
	order.Status = db.OrderStatusPublic

	svc.orderLog(order.ID, "info", "Maker bond transaction held, order published")
	svc.publishEvent(constants.EVENT_ORDER_PUBLISHED, order)
	return nil
}

// TakerBondTxLocked finalizes a taproot contract: price frozen, losing
// candidates dropped, and the trade moves on to escrow funding. There
// is no escrow invoice on this track, the parties co-fund a PSBT.
func (svc *ordersService) TakerBondTxLocked(ctx context.Context, orderId uint, takerId uint) error {
	order, err := svc.GetOrder(ctx, orderId)
	if err != nil {
		return err
	}
	if order.EscrowMode != constants.ESCROW_MODE_TAPROOT {
		return traderr.NewBadRequestError("not a taproot order")
	}
	if order.Status != db.OrderStatusWaitingTakerBond {
		return traderr.NewBadRequestError(
			fmt.Sprintf("cannot finalize a contract in status %s", order.Status.String()))
	}

	var takeOrder db.TakeOrder
	result := svc.db.Limit(1).Find(&takeOrder, "order_id = ? AND taker_id = ?", order.ID, takerId)
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		return traderr.NewBadRequestError("no pending take for this taker")
	}

	lastSatoshis, err := svc.resolveSatoshis(ctx, order, takeOrder.Amount)
	if err != nil {
		return err
	}

	now := time.Now()
	err = svc.db.Transaction(func(tx *gorm.DB) error {
		err := tx.Model(order).Updates(map[string]interface{}{
			"taker_id":              takerId,
			"amount":                takeOrder.Amount,
			"last_satoshis":         lastSatoshis,
			"last_satoshis_time":    &now,
			"contract_finalized_at": &now,
			"status":                db.OrderStatusWaitingSellerEscrow,
			"expires_at":            now.Add(expiryWindow(svc.cfg.GetEnv(), order, db.OrderStatusWaitingSellerEscrow)),
		}).Error
		if err != nil {
			return err
		}
		return tx.Delete(&db.TakeOrder{}, "order_id = ?", order.ID).Error
	})
	if err != nil {
		return err
	}
	order.Status = db.OrderStatusWaitingSellerEscrow
	order.TakerID = &takerId
	order.LastSatoshis = lastSatoshis

	svc.orderLog(order.ID, "info",
		fmt.Sprintf("Taker bond transaction held, contract finalized at %d sats, waiting for escrow funding", lastSatoshis))
	svc.publishEvent(constants.EVENT_ORDER_TAKEN, order)
	metrics.OrdersTaken.Inc()
	return nil
}

// EscrowFundingConfirmed moves a taproot order into the fiat exchange
// once the funding transaction has a confirmation.
func (svc *ordersService) EscrowFundingConfirmed(ctx context.Context, orderId uint) error {
	order, err := svc.GetOrder(ctx, orderId)
	if err != nil {
		return err
	}
	if order.Status != db.OrderStatusWaitingSellerEscrow {
		return nil
	}
	svc.startFiatExchange(ctx, order, "Escrow funding confirmed")
	return nil
}

// RequiredBondSats prices the bond a party must stake right now. For
// the maker that is the bond over the largest possible trade; for a
// taker candidate it is the bond over their pre-committed amount.
func (svc *ordersService) RequiredBondSats(ctx context.Context, orderId uint, robotId uint) (int64, error) {
	order, err := svc.GetOrder(ctx, orderId)
	if err != nil {
		return 0, err
	}
	if robotId == order.MakerID {
		return svc.bondSatoshis(ctx, order, svc.maxTradeAmount(order))
	}

	var takeOrder db.TakeOrder
	result := svc.db.Limit(1).Find(&takeOrder, "order_id = ? AND taker_id = ?", order.ID, robotId)
	if result.Error != nil {
		return 0, result.Error
	}
	if result.RowsAffected == 0 {
		return 0, traderr.NewBadRequestError("no pending take for this robot")
	}
	return svc.bondSatoshis(ctx, order, takeOrder.Amount)
}

// TaprootPayoutConfirmed closes a taproot trade once the cooperative
// payout transaction confirmed.
func (svc *ordersService) TaprootPayoutConfirmed(ctx context.Context, orderId uint) error {
	order, err := svc.GetOrder(ctx, orderId)
	if err != nil {
		return err
	}
	if order.Status != db.OrderStatusPaying {
		return nil
	}
	if err := svc.db.Model(order).Update("status", db.OrderStatusSuccess).Error; err != nil {
		return err
	}
	order.Status = db.OrderStatusSuccess

	svc.orderLog(order.ID, "info", "Payout transaction confirmed, trade successful")
	svc.publishEvent(constants.EVENT_TRADE_SUCCESSFUL, order)
	metrics.TradesSuccessful.Inc()
	return nil
}

// TaprootDisputeResolved settles the instruments of a resolved
// on-chain dispute: the loser's held bond transaction is broadcast
// with the reward split credited to the winner, the winner's bond is
// discarded, and the order closes against the loser.
func (svc *ordersService) TaprootDisputeResolved(ctx context.Context, orderId uint, winnerRobotId uint) error {
	order, err := svc.GetOrder(ctx, orderId)
	if err != nil {
		return err
	}
	if order.Status != db.OrderStatusDispute && order.Status != db.OrderStatusWaitingDisputeResolution {
		return traderr.NewBadRequestError("this order is not under dispute")
	}

	winnerConcept, loserConcept := db.LNPaymentConceptMakerBond, db.LNPaymentConceptTakerBond
	finalStatus := db.OrderStatusTakerLostDispute
	if winnerRobotId != order.MakerID {
		winnerConcept, loserConcept = loserConcept, winnerConcept
		finalStatus = db.OrderStatusMakerLostDispute
	}

	if err := svc.slashPartyBond(ctx, order, loserConcept, winnerConcept, winnerRobotId); err != nil {
		return err
	}
	if err := svc.returnPartyBond(ctx, order, winnerConcept); err != nil {
		logger.Logger.Error().Err(err).Uint("order_id", order.ID).Msg("Failed to discard the dispute winner's bond transaction")
	}

	err = svc.db.Model(order).Updates(map[string]interface{}{
		"status":            finalStatus,
		"dispute_winner_id": &winnerRobotId,
	}).Error
	if err != nil {
		return err
	}
	order.Status = finalStatus

	svc.orderLog(order.ID, "warn", fmt.Sprintf("Dispute resolved in favor of robot %d", winnerRobotId))
	svc.publishEvent(constants.EVENT_DISPUTE_RESOLVED, order)
	return nil
}

// conceptRobotId maps a bond concept onto the party that posted it.
func (svc *ordersService) conceptRobotId(order *db.Order, concept db.LNPaymentConcept) uint {
	if concept == db.LNPaymentConceptMakerBond {
		return order.MakerID
	}
	if order.TakerID != nil {
		return *order.TakerID
	}
	return 0
}

// returnPartyBond releases a party's bond whichever shape it has:
// cancelling the hold invoice HTLC, or discarding the held bond
// transaction.
func (svc *ordersService) returnPartyBond(ctx context.Context, order *db.Order, concept db.LNPaymentConcept) error {
	if order.EscrowMode == constants.ESCROW_MODE_TAPROOT {
		settler, err := svc.requireTaprootSettler()
		if err != nil {
			return err
		}
		return settler.DiscardBondTx(ctx, order.ID, svc.conceptRobotId(order, concept))
	}
	bond, err := svc.findLockedBond(order.ID, concept)
	if err != nil {
		return err
	}
	return svc.bonds.ReturnBond(ctx, svc.lnClient, bond.ID)
}

// slashPartyBond forfeits one party's bond and rewards the
// counterparty. On the Lightning track the ledger handles the split;
// on the taproot track the pre-signed bond transaction is broadcast
// and the reward is credited from its value.
func (svc *ordersService) slashPartyBond(ctx context.Context, order *db.Order, slashedConcept db.LNPaymentConcept, stakedConcept db.LNPaymentConcept, rewardedRobotId uint) error {
	if order.EscrowMode == constants.ESCROW_MODE_TAPROOT {
		settler, err := svc.requireTaprootSettler()
		if err != nil {
			return err
		}
		sats, err := settler.BroadcastBondTx(ctx, order.ID, svc.conceptRobotId(order, slashedConcept))
		if err != nil {
			return err
		}
		reward := int64(math.Round(float64(sats) * svc.cfg.GetEnv().SlashedBondRewardSplit))
		return svc.db.Transaction(func(tx *gorm.DB) error {
			err := tx.Model(&db.Robot{}).Where("id = ?", rewardedRobotId).
				Update("earned_rewards", gorm.Expr("earned_rewards + ?", reward)).Error
			if err != nil {
				return err
			}
			return tx.Model(order).
				Update("proceeds", gorm.Expr("proceeds + ?", sats-reward)).Error
		})
	}

	slashed, err := svc.findLockedBond(order.ID, slashedConcept)
	if err != nil {
		return err
	}
	staked, err := svc.findLockedBond(order.ID, stakedConcept)
	if err != nil {
		return err
	}
	return svc.bonds.SlashAndReward(ctx, svc.lnClient, order.ID, slashed.ID, staked.ID, rewardedRobotId)
}

// settlePartyBondOutright forfeits a bond with no reward to anyone,
// the whole value accruing to proceeds. Used when both sides stalled.
func (svc *ordersService) settlePartyBondOutright(ctx context.Context, order *db.Order, concept db.LNPaymentConcept) (int64, error) {
	if order.EscrowMode == constants.ESCROW_MODE_TAPROOT {
		settler, err := svc.requireTaprootSettler()
		if err != nil {
			return 0, err
		}
		return settler.BroadcastBondTx(ctx, order.ID, svc.conceptRobotId(order, concept))
	}
	bond, err := svc.findLockedBond(order.ID, concept)
	if err != nil {
		return 0, err
	}
	if err := svc.bonds.SettleBond(ctx, svc.lnClient, bond.ID); err != nil {
		return 0, err
	}
	return bond.NumSatoshis, nil
}

// voidPendingBond drops a bond that was issued but never locked: a
// generated invoice, or a bond transaction never validated. Failures
// are logged, not returned, the instrument expires on its own.
func (svc *ordersService) voidPendingBond(ctx context.Context, order *db.Order, concept db.LNPaymentConcept, senderId uint) {
	if order.EscrowMode == constants.ESCROW_MODE_TAPROOT {
		if svc.taprootSettler == nil {
			return
		}
		if err := svc.taprootSettler.DiscardBondTx(ctx, order.ID, senderId); err != nil {
			logger.Logger.Debug().Err(err).Uint("order_id", order.ID).Msg("No held bond transaction to discard")
		}
		return
	}
	var bondInvoice db.LNPayment
	result := svc.db.Limit(1).Find(&bondInvoice,
		"order_id = ? AND concept = ? AND sender_id = ? AND status = ?",
		order.ID, concept, senderId, db.LNPaymentStatusInvoiceGenerated)
	if result.Error != nil || result.RowsAffected == 0 {
		return
	}
	if err := svc.bonds.CancelBond(ctx, svc.lnClient, bondInvoice.ID); err != nil {
		logger.Logger.Error().Err(err).Uint("payment_id", bondInvoice.ID).Msg("Failed to void bond invoice")
	}
}

// releaseEscrow hands the escrow back to its funders: cancelling the
// hold invoice, or queueing a cooperative keyspend refund.
func (svc *ordersService) releaseEscrow(ctx context.Context, order *db.Order) error {
	if order.EscrowMode == constants.ESCROW_MODE_TAPROOT {
		settler, err := svc.requireTaprootSettler()
		if err != nil {
			return err
		}
		return settler.QueueRefund(ctx, order.ID)
	}
	escrow, err := svc.findLockedBond(order.ID, db.LNPaymentConceptTradeEscrow)
	if err != nil {
		return err
	}
	if escrow.Status != db.LNPaymentStatusLocked {
		return nil
	}
	if err := svc.lnClient.CancelHoldInvoice(ctx, escrow.PaymentHash); err != nil {
		return err
	}
	return svc.db.Model(escrow).Update("status", db.LNPaymentStatusReturned).Error
}
