package orders_test

import (
	"context"
	"testing"
	"time"

	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/chaincfg"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/p2psats/tradehub/constants"
	"github.com/p2psats/tradehub/db"
	"github.com/p2psats/tradehub/lnclient"
	"github.com/p2psats/tradehub/orders"
	"github.com/p2psats/tradehub/tests"
	"github.com/p2psats/tradehub/traderr"
)

func regtestAddress(t *testing.T) string {
	addr, err := btcutil.NewAddressWitnessPubKeyHash(make([]byte, 20), &chaincfg.RegressionNetParams)
	require.NoError(t, err)
	return addr.EncodeAddress()
}

func contractedSellOrder(t *testing.T, svc *tests.TestService, ctx context.Context) (*db.Order, *db.Robot, *db.Robot) {
	maker := tests.CreateRobot(t, svc)
	taker := tests.CreateRobot(t, svc)
	svc.ExpectHoldInvoices()
	order := svc.PublishOrder(t, ctx, maker, constants.ORDER_TYPE_SELL)
	contracted := svc.TakeAndLockBond(t, ctx, order, taker)
	return contracted, maker, taker
}

func TestSubmitPayoutInvoice_OnlyBuyer(t *testing.T) {
	svc := tests.CreateTestService(t)
	ctx := context.Background()
	order, maker, _ := contractedSellOrder(t, svc, ctx)

	err := svc.Orders.SubmitPayoutInvoice(ctx, order.ID, maker.ID, "lnbcrt1payout")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "only the buyer")
}

func TestSubmitPayoutInvoice_WrongAmount(t *testing.T) {
	svc := tests.CreateTestService(t)
	ctx := context.Background()
	order, _, taker := contractedSellOrder(t, svc, ctx)

	// amount after the buyer fee and routing budget must be 99725
	svc.ExpectPayoutInvoiceDecode(99725 + 1)
	err := svc.Orders.SubmitPayoutInvoice(ctx, order.ID, taker.ID, "lnbcrt1payout")
	require.Error(t, err)
	assert.True(t, traderr.IsBadInvoice(err))
	assert.Contains(t, err.Error(), "99725")
}

func TestSubmitPayoutInvoice_ExpiresTooSoon(t *testing.T) {
	svc := tests.CreateTestService(t)
	ctx := context.Background()
	order, _, taker := contractedSellOrder(t, svc, ctx)

	svc.LNClient.On("DecodeInvoice", mock.Anything, mock.Anything).
		Return(&lnclient.DecodedInvoice{
			PaymentHash:   "cafe",
			AmountMsat:    99725 * 1000,
			CreatedAt:     time.Now(),
			ExpirySeconds: 60,
		}, nil).Once()

	err := svc.Orders.SubmitPayoutInvoice(ctx, order.ID, taker.ID, "lnbcrt1payout")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "expires before")
}

func TestSubmitPayoutInvoice_RouteHintsOverBudget(t *testing.T) {
	svc := tests.CreateTestService(t)
	ctx := context.Background()
	order, _, taker := contractedSellOrder(t, svc, ctx)

	svc.LNClient.On("DecodeInvoice", mock.Anything, mock.Anything).
		Return(&lnclient.DecodedInvoice{
			PaymentHash:   "cafe",
			AmountMsat:    99725 * 1000,
			CreatedAt:     time.Now(),
			ExpirySeconds: 30 * 24 * 3600,
			RouteHints: []lnclient.RouteHint{{Hops: []lnclient.HopHint{{
				NodeId:                    "02deadbeef",
				FeeBaseMsat:               500000,
				FeeProportionalMillionths: 10000,
			}}}},
		}, nil).Once()

	err := svc.Orders.SubmitPayoutInvoice(ctx, order.ID, taker.ID, "lnbcrt1payout")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "route hints")
}

func TestSubmitPayoutInvoice_OnlyOnce(t *testing.T) {
	svc := tests.CreateTestService(t)
	ctx := context.Background()
	order, _, taker := contractedSellOrder(t, svc, ctx)

	svc.ExpectPayoutInvoiceDecode(99725)
	require.NoError(t, svc.Orders.SubmitPayoutInvoice(ctx, order.ID, taker.ID, "lnbcrt1payout"))

	svc.ExpectPayoutInvoiceDecode(99725)
	err := svc.Orders.SubmitPayoutInvoice(ctx, order.ID, taker.ID, "lnbcrt1other")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "already submitted")
}

func TestSubmitPayoutAddress(t *testing.T) {
	svc := tests.CreateTestService(t)
	ctx := context.Background()
	order, _, taker := contractedSellOrder(t, svc, ctx)

	// swap fee depends on the wallet's on-chain share; an all-onchain
	// wallet charges the minimum 1%
	svc.LNClient.On("GetBalances", mock.Anything).Return(&lnclient.Balances{
		OnchainConfirmedSats: 10_000_000,
		OnchainTotalSats:     10_000_000,
	}, nil)

	err := svc.Orders.SubmitPayoutAddress(ctx, order.ID, taker.ID, "not-an-address", 5)
	require.Error(t, err)

	err = svc.Orders.SubmitPayoutAddress(ctx, order.ID, taker.ID, regtestAddress(t), 1000)
	require.Error(t, err, "mining fee rate outside the configured bounds")

	require.NoError(t, svc.Orders.SubmitPayoutAddress(ctx, order.ID, taker.ID, regtestAddress(t), 10))

	var onchain db.OnchainPayment
	result := svc.DB.Limit(1).Find(&onchain, "order_id = ?", order.ID)
	require.NoError(t, result.Error)
	require.NotZero(t, result.RowsAffected)

	// 100000 sats minus the 0.175% buyer fee is 99825; 1% swap fee
	// (998 sats) and 141 vbytes at 10 sat/vb (1410 sats) come off
	assert.Equal(t, db.OnchainPaymentStatusValid, onchain.Status)
	assert.Equal(t, int64(998), onchain.SwapFeeSats)
	assert.Equal(t, int64(1410), onchain.MiningFeeSats)
	assert.Equal(t, int64(99825-998-1410), onchain.NumSatoshis)

	assert.Equal(t, db.OrderStatusWaitingSellerEscrow, svc.ReloadOrder(t, order.ID).Status)
}

func TestSubmitPayoutAddress_BelowSwapMinimum(t *testing.T) {
	svc := tests.CreateTestService(t)
	ctx := context.Background()
	maker := tests.CreateRobot(t, svc)
	taker := tests.CreateRobot(t, svc)
	svc.ExpectHoldInvoices()

	// 50 USD freezes at 50000 sats, under the 100000 sat swap floor
	resp, err := svc.Orders.CreateOrder(ctx, &orders.CreateOrderRequest{
		MakerID: maker.ID, Type: constants.ORDER_TYPE_SELL, Currency: "USD", Amount: 50,
	})
	require.NoError(t, err)
	bond := svc.FindPayment(t, resp.Order.ID, db.LNPaymentConceptMakerBond)
	svc.LockHoldInvoice(ctx, bond.PaymentHash)
	order := svc.TakeAndLockBond(t, ctx, svc.ReloadOrder(t, resp.Order.ID), taker)

	err = svc.Orders.SubmitPayoutAddress(ctx, order.ID, taker.ID, regtestAddress(t), 10)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "submit an invoice instead")
}
