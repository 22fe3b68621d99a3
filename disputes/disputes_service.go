package disputes

import (
	"context"
	"fmt"
	"math"
	"time"

	"gorm.io/gorm"

	"github.com/p2psats/tradehub/bonds"
	"github.com/p2psats/tradehub/config"
	"github.com/p2psats/tradehub/constants"
	"github.com/p2psats/tradehub/db"
	"github.com/p2psats/tradehub/events"
	"github.com/p2psats/tradehub/lnclient"
	"github.com/p2psats/tradehub/logger"
	"github.com/p2psats/tradehub/metrics"
	"github.com/p2psats/tradehub/traderr"
)

type disputesService struct {
	db             *gorm.DB
	cfg            config.Config
	eventPublisher events.EventPublisher
	lnClient       lnclient.LNClient
	bonds          bonds.BondsService

	chatActivity    ChatActivity
	taprootResolver TaprootResolver
}

// ChatActivity answers whether a party ever wrote in the trade chat.
// Chat delivery itself lives outside the engine, so this is injected.
type ChatActivity interface {
	HasWritten(ctx context.Context, orderId uint, robotId uint) (bool, error)
}

// TaprootResolver hands a decided on-chain dispute over to the escrow
// adapter, which builds the script-path spend through the winner's
// dispute leaf. The spend cannot complete without the winner's
// signature, so the order stays open until that arrives.
type TaprootResolver interface {
	BeginDisputePayout(ctx context.Context, orderId uint, winnerRobotId uint) error
}

// DisputesService decides automatic versus manual dispute outcomes and
// drives the corresponding escrow operations.
type DisputesService interface {
	SetChatActivity(chatActivity ChatActivity)

	OpenDispute(ctx context.Context, orderId uint, robotId uint) error
	OpenDisputeFromExpiry(ctx context.Context, orderId uint) error
	CloseStatementWindow(ctx context.Context, orderId uint) error
	SubmitStatement(ctx context.Context, orderId uint, robotId uint, statement string) error
	ResolveDispute(ctx context.Context, orderId uint, winnerRobotId uint) error
}

func NewDisputesService(gormDB *gorm.DB, cfg config.Config, eventPublisher events.EventPublisher, lnClient lnclient.LNClient, bondsService bonds.BondsService) *disputesService {
	return &disputesService{
		db:             gormDB,
		cfg:            cfg,
		eventPublisher: eventPublisher,
		lnClient:       lnClient,
		bonds:          bondsService,
	}
}

func (svc *disputesService) SetChatActivity(chatActivity ChatActivity) {
	svc.chatActivity = chatActivity
}

func (svc *disputesService) SetTaprootResolver(taprootResolver TaprootResolver) {
	svc.taprootResolver = taprootResolver
}

// OpenDispute is a party actively raising a dispute. Active disputes
// never auto-resolve: both statements are collected for a human.
func (svc *disputesService) OpenDispute(ctx context.Context, orderId uint, robotId uint) error {
	order, err := svc.getOrder(orderId)
	if err != nil {
		return err
	}
	if order.Status != db.OrderStatusChat && order.Status != db.OrderStatusFiatSent {
		return traderr.NewBadRequestError(
			fmt.Sprintf("cannot open a dispute on an order in status %s", order.Status.String()))
	}
	if robotId != order.MakerID && (order.TakerID == nil || robotId != *order.TakerID) {
		return traderr.NewBadRequestError("you are not a party to this order")
	}
	return svc.openManualDispute(ctx, order, "A party opened a dispute")
}

// OpenDisputeFromExpiry handles a fiat exchange that timed out. When
// fiat was never marked sent the chat record can settle the matter
// without a human: a party who never engaged loses their bond.
func (svc *disputesService) OpenDisputeFromExpiry(ctx context.Context, orderId uint) error {
	order, err := svc.getOrder(orderId)
	if err != nil {
		return err
	}
	if order.Status != db.OrderStatusChat && order.Status != db.OrderStatusFiatSent {
		return nil
	}

	if !order.IsFiatSent && svc.chatActivity != nil {
		resolved, err := svc.tryAutoResolution(ctx, order)
		if err != nil {
			logger.Logger.Error().Err(err).Uint("order_id", order.ID).Msg("Automatic dispute resolution failed, falling back to manual")
		} else if resolved {
			return nil
		}
	}
	return svc.openManualDispute(ctx, order, "Fiat exchange timed out")
}

// tryAutoResolution applies the absent-party rule. Returns false when
// both parties engaged and a human has to decide.
func (svc *disputesService) tryAutoResolution(ctx context.Context, order *db.Order) (bool, error) {
	makerWrote, err := svc.chatActivity.HasWritten(ctx, order.ID, order.MakerID)
	if err != nil {
		return false, err
	}
	takerWrote, err := svc.chatActivity.HasWritten(ctx, order.ID, *order.TakerID)
	if err != nil {
		return false, err
	}

	switch {
	case makerWrote && takerWrote:
		return false, nil

	case !makerWrote && !takerWrote:
		// both walked away: escrow back to the seller, both bonds
		// forfeited to proceeds
		var settledSats int64
		for _, concept := range []db.LNPaymentConcept{db.LNPaymentConceptMakerBond, db.LNPaymentConceptTakerBond} {
			bond, err := svc.findLockedBond(order.ID, concept)
			if err != nil {
				return false, err
			}
			if err := svc.bonds.SettleBond(ctx, svc.lnClient, bond.ID); err != nil {
				return false, err
			}
			settledSats += bond.NumSatoshis
		}
		if err := svc.returnEscrow(ctx, order); err != nil {
			return false, err
		}
		err := svc.db.Model(order).Updates(map[string]interface{}{
			"status":   db.OrderStatusExpired,
			"proceeds": gorm.Expr("proceeds + ?", settledSats),
		}).Error
		if err != nil {
			return false, err
		}
		svc.orderLog(order.ID, "info", "Dispute auto-resolved: neither party engaged, both bonds forfeited")
		svc.publishEvent(constants.EVENT_DISPUTE_RESOLVED, order)
		return true, nil

	default:
		// exactly one party never engaged, they lose
		loserId := order.MakerID
		if makerWrote {
			loserId = *order.TakerID
		}
		if err := svc.resolveAgainstAbsentParty(ctx, order, loserId); err != nil {
			return false, err
		}
		return true, nil
	}
}

func (svc *disputesService) resolveAgainstAbsentParty(ctx context.Context, order *db.Order, loserId uint) error {
	winnerId, loserConcept, winnerConcept := svc.sides(order, loserId)

	loserBond, err := svc.findLockedBond(order.ID, loserConcept)
	if err != nil {
		return err
	}
	winnerBond, err := svc.findLockedBond(order.ID, winnerConcept)
	if err != nil {
		return err
	}
	if err := svc.bonds.SlashAndReward(ctx, svc.lnClient, order.ID, loserBond.ID, winnerBond.ID, winnerId); err != nil {
		return err
	}
	if err := svc.bonds.ReturnBond(ctx, svc.lnClient, winnerBond.ID); err != nil {
		return err
	}
	if err := svc.returnEscrow(ctx, order); err != nil {
		return err
	}

	status := db.OrderStatusMakerLostDispute
	if loserId != order.MakerID {
		status = db.OrderStatusTakerLostDispute
	}
	err = svc.db.Model(order).Updates(map[string]interface{}{
		"status":            status,
		"dispute_winner_id": winnerId,
	}).Error
	if err != nil {
		return err
	}
	svc.orderLog(order.ID, "info", "Dispute auto-resolved: one party never engaged and lost their bond")
	svc.publishEvent(constants.EVENT_DISPUTE_RESOLVED, order)
	return nil
}

// openManualDispute moves the order into statement collection. On the
// Lightning path every instrument is settled up front: disputes can be
// long-running and must not sit on HTLC locks.
func (svc *disputesService) openManualDispute(ctx context.Context, order *db.Order, cause string) error {
	if order.EscrowMode == constants.ESCROW_MODE_LIGHTNING {
		for _, concept := range []db.LNPaymentConcept{
			db.LNPaymentConceptMakerBond,
			db.LNPaymentConceptTakerBond,
			db.LNPaymentConceptTradeEscrow,
		} {
			payment, err := svc.findLockedBond(order.ID, concept)
			if err != nil {
				return err
			}
			if err := svc.bonds.SettleBond(ctx, svc.lnClient, payment.ID); err != nil {
				return err
			}
		}
	}

	env := svc.cfg.GetEnv()
	err := svc.db.Model(order).Updates(map[string]interface{}{
		"status":      db.OrderStatusDispute,
		"is_disputed": true,
		"expires_at":  time.Now().Add(time.Duration(env.DisputeStatementSeconds) * time.Second),
	}).Error
	if err != nil {
		return err
	}
	order.Status = db.OrderStatusDispute
	order.IsDisputed = true

	svc.orderLog(order.ID, "warn", cause+", dispute opened")
	svc.publishEvent(constants.EVENT_DISPUTE_OPENED, order)
	metrics.DisputesOpened.Inc()
	return nil
}

// SubmitStatement records one party's account of the trade. Once both
// are in, the order waits for a human resolution.
func (svc *disputesService) SubmitStatement(ctx context.Context, orderId uint, robotId uint, statement string) error {
	order, err := svc.getOrder(orderId)
	if err != nil {
		return err
	}
	if order.Status != db.OrderStatusDispute {
		return traderr.NewBadRequestError("this order is not collecting dispute statements")
	}
	if len(statement) < constants.DISPUTE_STATEMENT_MIN_LENGTH {
		return traderr.NewBadStatementError(
			fmt.Sprintf("statement must be at least %d characters", constants.DISPUTE_STATEMENT_MIN_LENGTH))
	}
	if len(statement) > constants.DISPUTE_STATEMENT_MAX_LENGTH {
		return traderr.NewBadStatementError(
			fmt.Sprintf("statement must be at most %d characters", constants.DISPUTE_STATEMENT_MAX_LENGTH))
	}

	var column string
	switch {
	case robotId == order.MakerID:
		column = "maker_statement"
		order.MakerStatement = statement
	case order.TakerID != nil && robotId == *order.TakerID:
		column = "taker_statement"
		order.TakerStatement = statement
	default:
		return traderr.NewBadRequestError("you are not a party to this order")
	}
	if err := svc.db.Model(order).Update(column, statement).Error; err != nil {
		return err
	}
	svc.orderLog(order.ID, "info", "A dispute statement was received")

	if order.MakerStatement != "" && order.TakerStatement != "" {
		err := svc.db.Model(order).Update("status", db.OrderStatusWaitingDisputeResolution).Error
		if err != nil {
			return err
		}
		svc.orderLog(order.ID, "info", "Both statements received, dispute awaits resolution")
	}
	return nil
}

// CloseStatementWindow ends statement collection at its deadline. The
// dispute moves on with whatever was submitted.
func (svc *disputesService) CloseStatementWindow(ctx context.Context, orderId uint) error {
	order, err := svc.getOrder(orderId)
	if err != nil {
		return err
	}
	if order.Status != db.OrderStatusDispute {
		return nil
	}
	err = svc.db.Model(order).Update("status", db.OrderStatusWaitingDisputeResolution).Error
	if err != nil {
		return err
	}
	svc.orderLog(order.ID, "warn", "Statement window closed, dispute awaits resolution")
	return nil
}

// ResolveDispute is the admin decision. Lightning instruments were
// settled when the dispute opened, so the winner is made whole with a
// balance credit: the trade value after their fee, their own bond, and
// the loser's bond. Taproot orders instead start a script-path spend
// and close only once the winner co-signs it.
func (svc *disputesService) ResolveDispute(ctx context.Context, orderId uint, winnerRobotId uint) error {
	order, err := svc.getOrder(orderId)
	if err != nil {
		return err
	}
	if order.Status != db.OrderStatusDispute && order.Status != db.OrderStatusWaitingDisputeResolution {
		return traderr.NewBadRequestError(
			fmt.Sprintf("cannot resolve an order in status %s", order.Status.String()))
	}
	if winnerRobotId != order.MakerID && (order.TakerID == nil || winnerRobotId != *order.TakerID) {
		return traderr.NewBadRequestError("the winner must be a party to this order")
	}

	if order.EscrowMode == constants.ESCROW_MODE_TAPROOT {
		if svc.taprootResolver == nil {
			return traderr.NewBadRequestError("on-chain dispute resolution is not available")
		}
		if err := svc.db.Model(order).Update("dispute_winner_id", winnerRobotId).Error; err != nil {
			return err
		}
		svc.orderLog(order.ID, "info", "Dispute decided, awaiting the winner's signature on the payout")
		return svc.taprootResolver.BeginDisputePayout(ctx, order.ID, winnerRobotId)
	}

	loserId, loserConcept, winnerConcept := svc.loserOf(order, winnerRobotId)

	winnerBond, err := svc.findSettledBond(order.ID, winnerConcept)
	if err != nil {
		return err
	}
	loserBond, err := svc.findSettledBond(order.ID, loserConcept)
	if err != nil {
		return err
	}
	escrow, err := svc.findSettledBond(order.ID, db.LNPaymentConceptTradeEscrow)
	if err != nil {
		return err
	}

	winnerFee := order.TakerFeePercent
	if winnerRobotId == order.MakerID {
		winnerFee = order.MakerFeePercent
	}
	tradePayout := int64(math.Round(float64(order.LastSatoshis) * (1 - winnerFee/100)))
	credit := tradePayout + winnerBond.NumSatoshis + loserBond.NumSatoshis
	proceeds := escrow.NumSatoshis - tradePayout

	status := db.OrderStatusMakerLostDispute
	if loserId != order.MakerID {
		status = db.OrderStatusTakerLostDispute
	}

	err = svc.db.Transaction(func(tx *gorm.DB) error {
		err := tx.Model(&db.Robot{}).Where("id = ?", winnerRobotId).
			Update("earned_rewards", gorm.Expr("earned_rewards + ?", credit)).Error
		if err != nil {
			return err
		}
		return tx.Model(order).Updates(map[string]interface{}{
			"status":            status,
			"dispute_winner_id": winnerRobotId,
			"proceeds":          gorm.Expr("proceeds + ?", proceeds),
		}).Error
	})
	if err != nil {
		return err
	}

	svc.orderLog(order.ID, "info",
		fmt.Sprintf("Dispute resolved, winner credited %d sats", credit))
	svc.publishEvent(constants.EVENT_DISPUTE_RESOLVED, order)
	return nil
}

func (svc *disputesService) sides(order *db.Order, loserId uint) (winnerId uint, loserConcept db.LNPaymentConcept, winnerConcept db.LNPaymentConcept) {
	if loserId == order.MakerID {
		return *order.TakerID, db.LNPaymentConceptMakerBond, db.LNPaymentConceptTakerBond
	}
	return order.MakerID, db.LNPaymentConceptTakerBond, db.LNPaymentConceptMakerBond
}

func (svc *disputesService) loserOf(order *db.Order, winnerId uint) (loserId uint, loserConcept db.LNPaymentConcept, winnerConcept db.LNPaymentConcept) {
	if winnerId == order.MakerID {
		return *order.TakerID, db.LNPaymentConceptTakerBond, db.LNPaymentConceptMakerBond
	}
	return order.MakerID, db.LNPaymentConceptMakerBond, db.LNPaymentConceptTakerBond
}

// returnEscrow cancels a still-locked escrow hold back to the seller.
func (svc *disputesService) returnEscrow(ctx context.Context, order *db.Order) error {
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

func (svc *disputesService) getOrder(orderId uint) (*db.Order, error) {
	var order db.Order
	result := svc.db.Limit(1).Find(&order, "id = ?", orderId)
	if result.Error != nil {
		return nil, result.Error
	}
	if result.RowsAffected == 0 {
		return nil, traderr.NewBadRequestError("order not found")
	}
	return &order, nil
}

func (svc *disputesService) findLockedBond(orderId uint, concept db.LNPaymentConcept) (*db.LNPayment, error) {
	var payment db.LNPayment
	result := svc.db.Order("id desc").Limit(1).Find(&payment,
		"order_id = ? AND concept = ? AND status IN ?",
		orderId, concept, []db.LNPaymentStatus{db.LNPaymentStatusLocked, db.LNPaymentStatusReturned, db.LNPaymentStatusSettled})
	if result.Error != nil {
		return nil, result.Error
	}
	if result.RowsAffected == 0 {
		return nil, fmt.Errorf("order %d has no %s", orderId, concept.String())
	}
	return &payment, nil
}

func (svc *disputesService) findSettledBond(orderId uint, concept db.LNPaymentConcept) (*db.LNPayment, error) {
	payment, err := svc.findLockedBond(orderId, concept)
	if err != nil {
		return nil, err
	}
	if payment.Status != db.LNPaymentStatusSettled {
		return nil, fmt.Errorf("order %d %s is %s, expected settled", orderId, concept.String(), payment.Status.String())
	}
	return payment, nil
}

func (svc *disputesService) orderLog(orderId uint, level string, message string) {
	entry := db.OrderLogEntry{OrderID: orderId, Level: level, Message: message}
	if err := svc.db.Create(&entry).Error; err != nil {
		logger.Logger.Error().Err(err).Uint("order_id", orderId).Msg("Failed to append order log entry")
	}
}

func (svc *disputesService) publishEvent(event string, order *db.Order) {
	svc.eventPublisher.Publish(&events.Event{
		Event: event,
		Properties: map[string]interface{}{
			"order_id":  order.ID,
			"reference": order.Reference,
			"status":    order.Status.String(),
		},
	})
}
