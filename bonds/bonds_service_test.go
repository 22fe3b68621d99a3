package bonds_test

import (
	"context"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/p2psats/tradehub/db"
	"github.com/p2psats/tradehub/lnclient"
	"github.com/p2psats/tradehub/tests"
)

func createBond(t *testing.T, svc *tests.TestService, orderId uint, concept db.LNPaymentConcept, senderId uint, sats int64, status db.LNPaymentStatus) *db.LNPayment {
	preimage := uuid.NewString()
	payment := &db.LNPayment{
		OrderID:     &orderId,
		Type:        db.LNPaymentTypeHold,
		Concept:     concept,
		Status:      status,
		PaymentHash: uuid.NewString(),
		Preimage:    &preimage,
		NumSatoshis: sats,
		SenderID:    &senderId,
	}
	require.NoError(t, svc.DB.Create(payment).Error)
	return payment
}

func createBondOrder(t *testing.T, svc *tests.TestService, maker *db.Robot, taker *db.Robot) *db.Order {
	order := &db.Order{
		Reference:  uuid.NewString(),
		Type:       "SELL",
		Currency:   "USD",
		EscrowMode: "lightning",
		Status:     db.OrderStatusWaitingBothBuyerInvoiceAndEscrow,
		MakerID:    maker.ID,
		TakerID:    &taker.ID,
	}
	require.NoError(t, svc.DB.Create(order).Error)
	return order
}

func TestSettleBond(t *testing.T) {
	svc := tests.CreateTestService(t)
	ctx := context.Background()
	maker := tests.CreateRobot(t, svc)
	taker := tests.CreateRobot(t, svc)
	order := createBondOrder(t, svc, maker, taker)
	bond := createBond(t, svc, order.ID, db.LNPaymentConceptMakerBond, maker.ID, 3000, db.LNPaymentStatusLocked)

	svc.LNClient.On("SettleHoldInvoice", mock.Anything, *bond.Preimage).Return(nil).Once()
	require.NoError(t, svc.Bonds.SettleBond(ctx, svc.LNClient, bond.ID))

	var refreshed db.LNPayment
	require.NoError(t, svc.DB.First(&refreshed, bond.ID).Error)
	assert.Equal(t, db.LNPaymentStatusSettled, refreshed.Status)

	// settling twice is a no-op, the node is not called again
	require.NoError(t, svc.Bonds.SettleBond(ctx, svc.LNClient, bond.ID))
}

func TestSettleBond_RequiresLocked(t *testing.T) {
	svc := tests.CreateTestService(t)
	ctx := context.Background()
	maker := tests.CreateRobot(t, svc)
	taker := tests.CreateRobot(t, svc)
	order := createBondOrder(t, svc, maker, taker)
	bond := createBond(t, svc, order.ID, db.LNPaymentConceptMakerBond, maker.ID, 3000, db.LNPaymentStatusInvoiceGenerated)

	err := svc.Bonds.SettleBond(ctx, svc.LNClient, bond.ID)
	require.Error(t, err, "an unlocked bond has nothing to settle")
}

func TestReturnBond(t *testing.T) {
	svc := tests.CreateTestService(t)
	ctx := context.Background()
	maker := tests.CreateRobot(t, svc)
	taker := tests.CreateRobot(t, svc)
	order := createBondOrder(t, svc, maker, taker)
	bond := createBond(t, svc, order.ID, db.LNPaymentConceptTakerBond, taker.ID, 3000, db.LNPaymentStatusLocked)

	svc.LNClient.On("CancelHoldInvoice", mock.Anything, bond.PaymentHash).Return(nil).Once()
	require.NoError(t, svc.Bonds.ReturnBond(ctx, svc.LNClient, bond.ID))
	require.NoError(t, svc.Bonds.ReturnBond(ctx, svc.LNClient, bond.ID), "idempotent")

	var refreshed db.LNPayment
	require.NoError(t, svc.DB.First(&refreshed, bond.ID).Error)
	assert.Equal(t, db.LNPaymentStatusReturned, refreshed.Status)

	// a returned bond cannot be settled afterwards
	require.Error(t, svc.Bonds.SettleBond(ctx, svc.LNClient, bond.ID))
}

func TestSlashAndReward_SplitsEvenBonds(t *testing.T) {
	svc := tests.CreateTestService(t)
	ctx := context.Background()
	maker := tests.CreateRobot(t, svc)
	taker := tests.CreateRobot(t, svc)
	order := createBondOrder(t, svc, maker, taker)
	slashed := createBond(t, svc, order.ID, db.LNPaymentConceptMakerBond, maker.ID, 3000, db.LNPaymentStatusLocked)
	staked := createBond(t, svc, order.ID, db.LNPaymentConceptTakerBond, taker.ID, 3000, db.LNPaymentStatusLocked)

	svc.LNClient.On("SettleHoldInvoice", mock.Anything, mock.Anything).Return(nil).Once()
	require.NoError(t, svc.Bonds.SlashAndReward(ctx, svc.LNClient, order.ID, slashed.ID, staked.ID, taker.ID))

	var robot db.Robot
	require.NoError(t, svc.DB.First(&robot, taker.ID).Error)
	assert.Equal(t, int64(1500), robot.EarnedRewards)

	var refreshed db.Order
	require.NoError(t, svc.DB.First(&refreshed, order.ID).Error)
	assert.Equal(t, int64(1500), refreshed.Proceeds)
}

func TestSlashAndReward_AsymmetricBondsCapTheReward(t *testing.T) {
	svc := tests.CreateTestService(t)
	ctx := context.Background()
	maker := tests.CreateRobot(t, svc)
	taker := tests.CreateRobot(t, svc)
	order := createBondOrder(t, svc, maker, taker)

	// a range-order maker bonded over the max, the taker over their
	// smaller pre-commitment
	slashed := createBond(t, svc, order.ID, db.LNPaymentConceptMakerBond, maker.ID, 9000, db.LNPaymentStatusLocked)
	staked := createBond(t, svc, order.ID, db.LNPaymentConceptTakerBond, taker.ID, 3000, db.LNPaymentStatusLocked)

	svc.LNClient.On("SettleHoldInvoice", mock.Anything, mock.Anything).Return(nil).Once()
	require.NoError(t, svc.Bonds.SlashAndReward(ctx, svc.LNClient, order.ID, slashed.ID, staked.ID, taker.ID))

	// reward is half of the taker's own 3000 sat stake; the 6000 sats
	// the maker over-bonded go back to the maker; the rest accrues
	var makerRobot, takerRobot db.Robot
	require.NoError(t, svc.DB.First(&makerRobot, maker.ID).Error)
	require.NoError(t, svc.DB.First(&takerRobot, taker.ID).Error)
	assert.Equal(t, int64(1500), takerRobot.EarnedRewards)
	assert.Equal(t, int64(6000), makerRobot.EarnedRewards)

	var refreshed db.Order
	require.NoError(t, svc.DB.First(&refreshed, order.ID).Error)
	assert.Equal(t, int64(1500), refreshed.Proceeds)

	// nothing minted, nothing burned
	total := takerRobot.EarnedRewards + makerRobot.EarnedRewards + refreshed.Proceeds
	assert.Equal(t, slashed.NumSatoshis, total)
}

func TestWithdrawRewards(t *testing.T) {
	svc := tests.CreateTestService(t)
	ctx := context.Background()
	robot := tests.CreateRobot(t, svc)
	require.NoError(t, svc.DB.Model(robot).Update("earned_rewards", 5000).Error)

	// invoice must match the unclaimed balance exactly
	svc.LNClient.On("DecodeInvoice", mock.Anything, mock.Anything).
		Return(&lnclient.DecodedInvoice{PaymentHash: uuid.NewString(), AmountMsat: 4000 * 1000}, nil).Once()
	_, err := svc.Bonds.WithdrawRewards(ctx, svc.LNClient, robot.ID, "lnbcrt1wrong")
	require.Error(t, err)

	svc.LNClient.On("DecodeInvoice", mock.Anything, mock.Anything).
		Return(&lnclient.DecodedInvoice{PaymentHash: uuid.NewString(), AmountMsat: 5000 * 1000}, nil).Once()
	svc.LNClient.On("SendPayment", mock.Anything, mock.Anything).
		Return(&lnclient.PayResult{Status: db.LNPaymentStatusSucceeded, Preimage: "00", FeeMsat: 1000}, nil).Once()

	payment, err := svc.Bonds.WithdrawRewards(ctx, svc.LNClient, robot.ID, "lnbcrt1rewards")
	require.NoError(t, err)
	assert.Equal(t, db.LNPaymentStatusSucceeded, payment.Status)

	var refreshed db.Robot
	require.NoError(t, svc.DB.First(&refreshed, robot.ID).Error)
	assert.Equal(t, int64(5000), refreshed.ClaimedRewards)

	// the balance is spent now
	_, err = svc.Bonds.WithdrawRewards(ctx, svc.LNClient, robot.ID, "lnbcrt1again")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "no rewards")
}
