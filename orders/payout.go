package orders

import (
	"context"
	"fmt"
	"math"
	"time"

	"github.com/btcsuite/btcd/btcutil"

	"github.com/p2psats/tradehub/constants"
	"github.com/p2psats/tradehub/db"
	"github.com/p2psats/tradehub/lnclient"
	"github.com/p2psats/tradehub/taproot"
	"github.com/p2psats/tradehub/traderr"
)

// estimated weight of a payout transaction, for translating a fee
// rate into sats
const payoutTxVbytes = 141

// SubmitPayoutInvoice registers the buyer's Lightning payout invoice.
// The invoice must be for exactly the trade amount minus the buyer's
// fee share and routing budget, and must outlive the escrow window.
func (svc *ordersService) SubmitPayoutInvoice(ctx context.Context, orderId uint, robotId uint, invoice string) error {
	order, err := svc.GetOrder(ctx, orderId)
	if err != nil {
		return err
	}
	if err := svc.checkPayoutSubmission(order, robotId); err != nil {
		return err
	}

	payoutSats, budgetSats, budgetPPM := svc.payoutAmount(order)

	decoded, err := svc.lnClient.DecodeInvoice(ctx, invoice)
	if err != nil {
		return traderr.NewBadInvoiceError("does not look like a valid lightning invoice")
	}
	if decoded.AmountMsat/1000 != payoutSats {
		return traderr.NewBadInvoiceError(
			fmt.Sprintf("the invoice must be for exactly %d sats", payoutSats))
	}
	if decoded.CreatedAt.Add(time.Duration(decoded.ExpirySeconds) * time.Second).Before(order.ExpiresAt) {
		return traderr.NewBadInvoiceError("the invoice expires before the trade escrow window ends")
	}
	if err := checkRouteHintBudget(decoded, payoutSats, budgetSats); err != nil {
		return err
	}

	buyer := robotId
	payment := &db.LNPayment{
		OrderID:          &order.ID,
		Type:             db.LNPaymentTypeNorm,
		Concept:          db.LNPaymentConceptPayBuyer,
		Status:           db.LNPaymentStatusValid,
		PaymentHash:      decoded.PaymentHash,
		Invoice:          invoice,
		NumSatoshis:      payoutSats,
		RoutingBudgetPPM: budgetPPM,
		ReceiverID:       &buyer,
	}
	if err := svc.db.Create(payment).Error; err != nil {
		return err
	}

	svc.orderLog(order.ID, "info", fmt.Sprintf("Buyer submitted a payout invoice for %d sats", payoutSats))
	return svc.advanceAfterPayoutSubmission(ctx, order)
}

// SubmitPayoutAddress registers an on-chain payout address instead of
// an invoice, charging the swap fee and the user-chosen mining fee.
func (svc *ordersService) SubmitPayoutAddress(ctx context.Context, orderId uint, robotId uint, address string, miningFeeRate float64) error {
	order, err := svc.GetOrder(ctx, orderId)
	if err != nil {
		return err
	}
	if err := svc.checkPayoutSubmission(order, robotId); err != nil {
		return err
	}

	env := svc.cfg.GetEnv()
	network := svc.cfg.GetNetwork()
	if _, err := btcutil.DecodeAddress(address, taproot.ChainParams(network)); err != nil {
		return traderr.NewBadAddressError("does not look like a valid address for this network")
	}
	if miningFeeRate < env.MinimumMiningFee || miningFeeRate > env.MaximumMiningFee {
		return traderr.NewBadAddressError(
			fmt.Sprintf("mining fee rate must be between %g and %g sats/vbyte", env.MinimumMiningFee, env.MaximumMiningFee))
	}

	preliminarySats := int64(math.Round(float64(order.LastSatoshis) * (1 - svc.feePercent(order, robotId)/100)))
	if preliminarySats < env.MinSwapAmountSats {
		return traderr.NewBadAddressError(
			fmt.Sprintf("on-chain payouts require at least %d sats, submit an invoice instead", env.MinSwapAmountSats))
	}

	swapFeeRate, err := svc.swapFeeRate(ctx)
	if err != nil {
		return err
	}
	swapFeeSats := int64(math.Round(float64(preliminarySats) * swapFeeRate / 100))
	miningFeeSats := int64(math.Round(miningFeeRate * payoutTxVbytes))
	payoutSats := preliminarySats - swapFeeSats - miningFeeSats
	if payoutSats <= constants.ONCHAIN_DUST_LIMIT {
		return traderr.NewBadAddressError("the payout after fees would be dust")
	}

	onchain := &db.OnchainPayment{
		OrderID:       &order.ID,
		Status:        db.OnchainPaymentStatusValid,
		Address:       address,
		NumSatoshis:   payoutSats,
		MiningFeeRate: miningFeeRate,
		MiningFeeSats: miningFeeSats,
		SwapFeeRate:   swapFeeRate,
		SwapFeeSats:   swapFeeSats,
	}
	if err := svc.db.Create(onchain).Error; err != nil {
		return err
	}

	svc.orderLog(order.ID, "info",
		fmt.Sprintf("Buyer submitted a payout address, %d sats after %d sats swap fee and %d sats mining fee",
			payoutSats, swapFeeSats, miningFeeSats))
	return svc.advanceAfterPayoutSubmission(ctx, order)
}

func (svc *ordersService) checkPayoutSubmission(order *db.Order, robotId uint) error {
	if robotId != svc.buyerId(order) {
		return traderr.NewBadRequestError("only the buyer submits payout details")
	}
	switch order.Status {
	case db.OrderStatusWaitingBothBuyerInvoiceAndEscrow, db.OrderStatusWaitingBuyerInvoice:
	case db.OrderStatusFailed:
		// a failed routing payout may be replaced with a fresh invoice
	default:
		return traderr.NewBadRequestError("payout details cannot be submitted in the current order status")
	}

	var existing db.LNPayment
	result := svc.db.Limit(1).Find(&existing,
		"order_id = ? AND concept = ? AND status IN ?",
		order.ID, db.LNPaymentConceptPayBuyer,
		[]db.LNPaymentStatus{db.LNPaymentStatusValid, db.LNPaymentStatusInFlight, db.LNPaymentStatusSucceeded})
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected > 0 {
		return traderr.NewBadRequestError("payout details were already submitted")
	}
	return nil
}

// advanceAfterPayoutSubmission moves the order depending on whether
// the escrow is already locked.
func (svc *ordersService) advanceAfterPayoutSubmission(ctx context.Context, order *db.Order) error {
	switch order.Status {
	case db.OrderStatusWaitingBothBuyerInvoiceAndEscrow:
		if err := svc.db.Model(order).Update("status", db.OrderStatusWaitingSellerEscrow).Error; err != nil {
			return err
		}
		order.Status = db.OrderStatusWaitingSellerEscrow
	case db.OrderStatusWaitingBuyerInvoice:
		svc.startFiatExchange(ctx, order, "Buyer payout details submitted")
	case db.OrderStatusFailed:
		// retrying a failed payout
		if err := svc.db.Model(order).Update("status", db.OrderStatusPaying).Error; err != nil {
			return err
		}
		order.Status = db.OrderStatusPaying
	}
	return nil
}

// payoutAmount computes the Lightning payout: trade amount minus the
// buyer's fee share minus the reserved routing budget.
func (svc *ordersService) payoutAmount(order *db.Order) (payoutSats int64, budgetSats int64, budgetPPM int64) {
	env := svc.cfg.GetEnv()
	buyerFee := svc.feePercent(order, svc.buyerId(order))
	afterFeeSats := int64(math.Round(float64(order.LastSatoshis) * (1 - buyerFee/100)))

	budgetSats = int64(math.Round(float64(afterFeeSats) * env.ProportionalRoutingFeeLimit))
	if budgetSats < env.MinFlatRoutingFeeLimit {
		budgetSats = env.MinFlatRoutingFeeLimit
	}
	payoutSats = afterFeeSats - budgetSats
	budgetPPM = int64(math.Round(float64(budgetSats) * 1_000_000 / float64(payoutSats)))
	return payoutSats, budgetSats, budgetPPM
}

// swapFeeRate moves between the configured bounds as the on-chain
// share of the coordinator wallet shrinks: plenty of on-chain funds
// means cheap swaps.
func (svc *ordersService) swapFeeRate(ctx context.Context) (float64, error) {
	env := svc.cfg.GetEnv()
	balances, err := svc.lnClient.GetBalances(ctx)
	if err != nil {
		return 0, err
	}

	totalSats := balances.OnchainTotalSats + balances.ChannelLocalMsat/1000
	if totalSats <= 0 {
		return env.MaxSwapFeePercent, nil
	}
	onchainShare := float64(balances.OnchainConfirmedSats) / float64(totalSats)
	if onchainShare > 1 {
		onchainShare = 1
	}

	switch env.SwapFeeCurve {
	case "exponential":
		return env.MinSwapFeePercent + (env.MaxSwapFeePercent-env.MinSwapFeePercent)*math.Pow(1-onchainShare, 2), nil
	default: // linear
		return env.MaxSwapFeePercent - (env.MaxSwapFeePercent-env.MinSwapFeePercent)*onchainShare, nil
	}
}

// checkRouteHintBudget rejects invoices whose route hints alone eat
// the routing budget.
func checkRouteHintBudget(decoded *lnclient.DecodedInvoice, payoutSats int64, budgetSats int64) error {
	for _, hint := range decoded.RouteHints {
		var hintFeeSats int64
		for _, hop := range hint.Hops {
			hintFeeSats += hop.FeeBaseMsat/1000 + payoutSats*hop.FeeProportionalMillionths/1_000_000
		}
		if hintFeeSats > budgetSats {
			return traderr.NewBadInvoiceError("the invoice route hints exceed the routing budget")
		}
	}
	return nil
}
