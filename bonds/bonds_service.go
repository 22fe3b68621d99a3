package bonds

import (
	"context"
	"fmt"
	"math"
	"strconv"

	"gorm.io/gorm"

	"github.com/p2psats/tradehub/config"
	"github.com/p2psats/tradehub/db"
	"github.com/p2psats/tradehub/lnclient"
	"github.com/p2psats/tradehub/logger"
	"github.com/p2psats/tradehub/traderr"
)

type bondsService struct {
	db  *gorm.DB
	cfg config.Config
}

// BondsService moves fidelity bonds through their terminal states.
// Bonds are hold invoices: locked when the trader's HTLC is accepted,
// then either cancelled back (returned) on good behavior or settled
// (slashed) on default. All mutations are status guarded and
// idempotent; a repeated call on an already-terminal bond is a no-op.
type BondsService interface {
	SettleBond(ctx context.Context, lnClient lnclient.LNClient, paymentId uint) error
	ReturnBond(ctx context.Context, lnClient lnclient.LNClient, paymentId uint) error
	CancelBond(ctx context.Context, lnClient lnclient.LNClient, paymentId uint) error
	SlashAndReward(ctx context.Context, lnClient lnclient.LNClient, orderId uint, slashedBondId uint, stakedBondId uint, rewardedRobotId uint) error
	WithdrawRewards(ctx context.Context, lnClient lnclient.LNClient, robotId uint, invoice string) (*db.LNPayment, error)
}

func NewBondsService(gormDB *gorm.DB, cfg config.Config) *bondsService {
	return &bondsService{
		db:  gormDB,
		cfg: cfg,
	}
}

// SettleBond slashes a locked bond by settling its hold invoice. The
// collateral becomes coordinator-held funds; distribution is the
// caller's concern (SlashAndReward).
func (svc *bondsService) SettleBond(ctx context.Context, lnClient lnclient.LNClient, paymentId uint) error {
	payment, err := svc.loadBond(paymentId)
	if err != nil {
		return err
	}
	if payment.Status == db.LNPaymentStatusSettled {
		return nil
	}
	if payment.Status != db.LNPaymentStatusLocked {
		return fmt.Errorf("cannot settle %s bond in status %s", payment.Concept, payment.Status)
	}
	if payment.Preimage == nil {
		return fmt.Errorf("bond %d has no preimage", payment.ID)
	}

	if err := lnClient.SettleHoldInvoice(ctx, *payment.Preimage); err != nil {
		logger.Logger.Error().Err(err).
			Str("payment_hash", payment.PaymentHash).
			Msg("Failed to settle bond hold invoice")
		return err
	}

	return svc.db.Model(payment).Update("status", db.LNPaymentStatusSettled).Error
}

// ReturnBond cancels the hold invoice of a locked bond, releasing the
// trader's HTLC untouched.
func (svc *bondsService) ReturnBond(ctx context.Context, lnClient lnclient.LNClient, paymentId uint) error {
	payment, err := svc.loadBond(paymentId)
	if err != nil {
		return err
	}
	if payment.Status == db.LNPaymentStatusReturned {
		return nil
	}
	if payment.Status != db.LNPaymentStatusLocked {
		return fmt.Errorf("cannot return %s bond in status %s", payment.Concept, payment.Status)
	}

	if err := lnClient.CancelHoldInvoice(ctx, payment.PaymentHash); err != nil {
		logger.Logger.Error().Err(err).
			Str("payment_hash", payment.PaymentHash).
			Msg("Failed to cancel bond hold invoice")
		return err
	}

	return svc.db.Model(payment).Update("status", db.LNPaymentStatusReturned).Error
}

// CancelBond voids a bond invoice that was issued but never locked.
func (svc *bondsService) CancelBond(ctx context.Context, lnClient lnclient.LNClient, paymentId uint) error {
	payment, err := svc.loadBond(paymentId)
	if err != nil {
		return err
	}
	if payment.Status == db.LNPaymentStatusCancelled || payment.Status == db.LNPaymentStatusExpired {
		return nil
	}
	if payment.Status != db.LNPaymentStatusInvoiceGenerated {
		return fmt.Errorf("cannot cancel %s bond in status %s", payment.Concept, payment.Status)
	}

	if err := lnClient.CancelHoldInvoice(ctx, payment.PaymentHash); err != nil {
		logger.Logger.Error().Err(err).
			Str("payment_hash", payment.PaymentHash).
			Msg("Failed to cancel unlocked bond invoice")
		return err
	}

	return svc.db.Model(payment).Update("status", db.LNPaymentStatusCancelled).Error
}

// SlashAndReward settles the misbehaving party's bond and splits it:
// a config-controlled fraction of the amount (capped at the
// counterparty's own stake) is credited to the waiting counterparty as
// earned rewards, any excess of the slashed amount over that stake
// goes back to the slashed party, and the remainder accrues to the
// order's coordinator proceeds. Invoked only from "one side failed to
// act" expiry and cancellation paths, never from the happy path.
func (svc *bondsService) SlashAndReward(ctx context.Context, lnClient lnclient.LNClient, orderId uint, slashedBondId uint, stakedBondId uint, rewardedRobotId uint) error {
	if err := svc.SettleBond(ctx, lnClient, slashedBondId); err != nil {
		return err
	}

	slashed, err := svc.loadBond(slashedBondId)
	if err != nil {
		return err
	}
	staked, err := svc.loadBond(stakedBondId)
	if err != nil {
		return err
	}

	// bonds on range orders can be asymmetric; the counterparty's
	// reward is based on at most what they themselves had at stake
	slashedSats := slashed.NumSatoshis
	base := slashedSats
	if staked.NumSatoshis < base {
		base = staked.NumSatoshis
	}
	rewardSats := int64(math.Round(float64(base) * svc.rewardFraction()))
	excessSats := slashedSats - base
	proceedsSats := slashedSats - rewardSats - excessSats

	return svc.db.Transaction(func(tx *gorm.DB) error {
		err := tx.Model(&db.Robot{}).Where("id = ?", rewardedRobotId).
			Update("earned_rewards", gorm.Expr("earned_rewards + ?", rewardSats)).Error
		if err != nil {
			return err
		}
		if excessSats > 0 && slashed.SenderID != nil {
			err = tx.Model(&db.Robot{}).Where("id = ?", *slashed.SenderID).
				Update("earned_rewards", gorm.Expr("earned_rewards + ?", excessSats)).Error
			if err != nil {
				return err
			}
		}
		err = tx.Model(&db.Order{}).Where("id = ?", orderId).
			Update("proceeds", gorm.Expr("proceeds + ?", proceedsSats)).Error
		if err != nil {
			return err
		}

		logger.Logger.Info().
			Uint("order_id", orderId).
			Int64("slashed_sats", slashedSats).
			Int64("reward_sats", rewardSats).
			Int64("excess_sats", excessSats).
			Int64("proceeds_sats", proceedsSats).
			Msg("Slashed bond distributed")
		return nil
	})
}

// WithdrawRewards pays out a robot's unclaimed slashing rewards to a
// submitted invoice. The invoice must be for exactly the unclaimed
// balance. Payment is attempted synchronously with a short timeout; a
// still-in-flight result is left for the reconciler to re-track.
func (svc *bondsService) WithdrawRewards(ctx context.Context, lnClient lnclient.LNClient, robotId uint, invoice string) (*db.LNPayment, error) {
	var robot db.Robot
	result := svc.db.Limit(1).Find(&robot, "id = ?", robotId)
	if result.Error != nil {
		return nil, result.Error
	}
	if result.RowsAffected == 0 {
		return nil, traderr.NewBadRequestError("robot not found")
	}

	availableSats := robot.EarnedRewards - robot.ClaimedRewards
	if availableSats <= 0 {
		return nil, traderr.NewBadRequestError("you have no rewards to withdraw")
	}

	decoded, err := lnClient.DecodeInvoice(ctx, invoice)
	if err != nil {
		return nil, traderr.NewBadInvoiceError("does not look like a valid lightning invoice")
	}
	if decoded.AmountMsat/1000 != availableSats {
		return nil, traderr.NewBadInvoiceError(
			"the invoice must be for " + strconv.FormatInt(availableSats, 10) + " sats")
	}

	env := svc.cfg.GetEnv()
	payment := &db.LNPayment{
		Type:             db.LNPaymentTypeNorm,
		Concept:          db.LNPaymentConceptWithdrawReward,
		Status:           db.LNPaymentStatusInFlight,
		PaymentHash:      decoded.PaymentHash,
		Invoice:          invoice,
		NumSatoshis:      availableSats,
		RoutingBudgetPPM: int64(env.ProportionalRoutingFeeLimit * 1_000_000),
		ReceiverID:       &robot.ID,
		InFlight:         true,
	}
	if err := svc.db.Create(payment).Error; err != nil {
		return nil, err
	}

	feeLimitSats := int64(float64(availableSats) * env.ProportionalRoutingFeeLimit)
	if feeLimitSats < env.MinFlatRoutingFeeLimit {
		feeLimitSats = env.MinFlatRoutingFeeLimit
	}
	payResult, err := lnClient.SendPayment(ctx, &lnclient.PayRequest{
		Invoice:        invoice,
		AmountSats:     availableSats,
		FeeLimitSats:   feeLimitSats,
		TimeoutSeconds: int32(env.RewardsTimeoutSeconds),
	})
	if err != nil {
		svc.db.Model(payment).Updates(map[string]interface{}{
			"status":    db.LNPaymentStatusFailedRouting,
			"in_flight": false,
		})
		return nil, err
	}

	switch payResult.Status {
	case db.LNPaymentStatusSucceeded:
		err = svc.db.Transaction(func(tx *gorm.DB) error {
			err := tx.Model(payment).Updates(map[string]interface{}{
				"status":       db.LNPaymentStatusSucceeded,
				"preimage":     payResult.Preimage,
				"fee_satoshis": float64(payResult.FeeMsat) / 1000,
				"in_flight":    false,
			}).Error
			if err != nil {
				return err
			}
			return tx.Model(&db.Robot{}).Where("id = ?", robot.ID).
				Update("claimed_rewards", gorm.Expr("claimed_rewards + ?", availableSats)).Error
		})
		if err != nil {
			return nil, err
		}
	case db.LNPaymentStatusInFlight:
		// the reconciler's stuck tracker picks it up
		logger.Logger.Warn().
			Str("payment_hash", payment.PaymentHash).
			Msg("Rewards withdrawal still in flight after timeout")
	default:
		svc.db.Model(payment).Updates(map[string]interface{}{
			"status":         db.LNPaymentStatusFailedRouting,
			"failure_reason": payResult.FailureReason,
			"in_flight":      false,
		})
		return nil, traderr.NewBadInvoiceError("rewards payment failed: " + payResult.FailureReason.String())
	}

	payment.Status = payResult.Status
	return payment, nil
}

func (svc *bondsService) loadBond(paymentId uint) (*db.LNPayment, error) {
	var payment db.LNPayment
	result := svc.db.Limit(1).Find(&payment, "id = ?", paymentId)
	if result.Error != nil {
		return nil, result.Error
	}
	if result.RowsAffected == 0 {
		return nil, fmt.Errorf("payment %d not found", paymentId)
	}
	return &payment, nil
}

func (svc *bondsService) rewardFraction() float64 {
	return svc.cfg.GetEnv().SlashedBondRewardSplit
}
