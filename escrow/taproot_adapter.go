package escrow

import (
	"context"
	"encoding/hex"
	"fmt"
	"math"
	"time"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/btcec/v2/schnorr"
	"github.com/btcsuite/btcd/btcutil"
	"gorm.io/gorm"

	"github.com/p2psats/tradehub/config"
	"github.com/p2psats/tradehub/constants"
	"github.com/p2psats/tradehub/db"
	"github.com/p2psats/tradehub/events"
	"github.com/p2psats/tradehub/lnclient"
	"github.com/p2psats/tradehub/logger"
	"github.com/p2psats/tradehub/metrics"
	"github.com/p2psats/tradehub/orders"
	"github.com/p2psats/tradehub/taproot"
	"github.com/p2psats/tradehub/traderr"
)

// estimated weights for translating a fee rate into sats
const (
	fundingTxVbytes = 220
	keyspendVbytes  = 155
	leafSpendVbytes = 220
)

type taprootEscrowAdapter struct {
	db             *gorm.DB
	cfg            config.Config
	eventPublisher events.EventPublisher
	lnClient       lnclient.LNClient
	orders         orders.OrdersService

	coordinatorKey *btcec.PrivateKey
}

// SpendCeremony is what a trader needs to co-sign the pending escrow
// spend: the transaction under construction and the digest to sign.
// Script and ControlBlock are only set for dispute leaf spends.
type SpendCeremony struct {
	Psbt         string `json:"psbt"`
	Sighash      string `json:"sighash"`
	Leaf         string `json:"leaf,omitempty"`
	Script       string `json:"script,omitempty"`
	ControlBlock string `json:"control_block,omitempty"`
}

// TaprootEscrowAdapter drives the on-chain escrow track: held bond
// transactions, the co-funded escrow output, and the MuSig2 keyspend
// and dispute leaf spend ceremonies. It is both the settler the order
// state machine delegates to and the resolver disputes hand decided
// cases to.
type TaprootEscrowAdapter interface {
	orders.TaprootSettler

	SubmitBondTx(ctx context.Context, orderId uint, robotId uint, bondTxHex string) error
	SubmitEscrowKey(ctx context.Context, orderId uint, robotId uint, pubkeyHex string) error
	BuildFundingPsbt(ctx context.Context, orderId uint, makerUTXOs []taproot.UTXO, takerUTXOs []taproot.UTXO, makerChangeAddress string, takerChangeAddress string) (*taproot.EscrowLockingPsbt, error)
	SubmitSignedFundingPsbt(ctx context.Context, orderId uint, robotId uint, signedPsbt string) error

	SubmitSpendAddress(ctx context.Context, orderId uint, robotId uint, address string) (*SpendCeremony, error)
	SubmitPayoutNonce(ctx context.Context, orderId uint, robotId uint, nonceHex string) error
	SubmitPartialSignature(ctx context.Context, orderId uint, robotId uint, partialSigHex string) error
	SubmitDisputeSignature(ctx context.Context, orderId uint, robotId uint, signatureHex string) error

	BeginDisputePayout(ctx context.Context, orderId uint, winnerRobotId uint) error
	CheckConfirmations(ctx context.Context) error
}

func NewTaprootEscrowAdapter(gormDB *gorm.DB, cfg config.Config, eventPublisher events.EventPublisher, lnClient lnclient.LNClient, ordersService orders.OrdersService) (*taprootEscrowAdapter, error) {
	env := cfg.GetEnv()
	keyBytes, err := hex.DecodeString(env.CoordinatorPrivateKey)
	if err != nil || len(keyBytes) != 32 {
		return nil, fmt.Errorf("COORDINATOR_PRIVATE_KEY must be 32 bytes of hex")
	}
	coordinatorKey, _ := btcec.PrivKeyFromBytes(keyBytes)

	return &taprootEscrowAdapter{
		db:             gormDB,
		cfg:            cfg,
		eventPublisher: eventPublisher,
		lnClient:       lnClient,
		orders:         ordersService,
		coordinatorKey: coordinatorKey,
	}, nil
}

// SubmitBondTx validates a party's pre-signed bond transaction against
// the bond they owe and holds it. The transaction is never broadcast
// unless the party cheats; holding it is the on-chain counterpart of a
// locked hold invoice, so the order transitions straight away.
func (svc *taprootEscrowAdapter) SubmitBondTx(ctx context.Context, orderId uint, robotId uint, bondTxHex string) error {
	order, err := svc.getTaprootOrder(orderId)
	if err != nil {
		return err
	}
	env := svc.cfg.GetEnv()

	requiredSats, err := svc.orders.RequiredBondSats(ctx, orderId, robotId)
	if err != nil {
		return err
	}
	sats, err := taproot.ValidateBondTx(bondTxHex, requiredSats, env.CoordinatorBondAddress, svc.cfg.GetNetwork())
	if err != nil {
		return traderr.NewBadRequestError(fmt.Sprintf("invalid bond transaction: %s", err.Error()))
	}

	concept := db.TaprootPaymentConceptTakerBond
	if robotId == order.MakerID {
		concept = db.TaprootPaymentConceptMakerBond
	}

	var existing db.TaprootPayment
	result := svc.db.Limit(1).Find(&existing,
		"order_id = ? AND concept = ? AND status = ?", order.ID, concept, db.TaprootPaymentStatusFunded)
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected > 0 {
		return traderr.NewBadRequestError("a bond transaction is already held for this order")
	}

	payment := &db.TaprootPayment{
		OrderID:     &order.ID,
		Concept:     concept,
		Status:      db.TaprootPaymentStatusFunded,
		NumSatoshis: sats,
		BondTxHex:   bondTxHex,
	}
	if err := svc.db.Create(payment).Error; err != nil {
		return err
	}

	if concept == db.TaprootPaymentConceptMakerBond {
		err = svc.orders.MakerBondTxLocked(ctx, order.ID)
	} else {
		err = svc.orders.TakerBondTxLocked(ctx, order.ID, robotId)
	}
	if err != nil {
		// losing range-order candidates land here, drop the held tx
		svc.db.Model(payment).Update("status", db.TaprootPaymentStatusCancelled)
		return err
	}
	return nil
}

// BroadcastBondTx publishes a held bond transaction, forfeiting the
// bond. No-op if it was already broadcast.
func (svc *taprootEscrowAdapter) BroadcastBondTx(ctx context.Context, orderId uint, robotId uint) (int64, error) {
	order, err := svc.getTaprootOrder(orderId)
	if err != nil {
		return 0, err
	}
	bond, err := svc.findHeldBond(order, robotId,
		[]db.TaprootPaymentStatus{db.TaprootPaymentStatusFunded, db.TaprootPaymentStatusSpent})
	if err != nil {
		return 0, err
	}
	if bond.Status == db.TaprootPaymentStatusSpent {
		return bond.NumSatoshis, nil
	}

	txid, err := svc.lnClient.BroadcastTransaction(ctx, bond.BondTxHex)
	if err != nil {
		return 0, err
	}
	err = svc.db.Model(bond).Updates(map[string]interface{}{
		"status":       db.TaprootPaymentStatusSpent,
		"funding_txid": txid,
	}).Error
	if err != nil {
		return 0, err
	}

	svc.orderLog(order.ID, "warn", fmt.Sprintf("Bond transaction of robot %d broadcast, %d sats forfeited", robotId, bond.NumSatoshis))
	return bond.NumSatoshis, nil
}

// DiscardBondTx releases a held bond transaction without broadcasting
// it. The sender can spend the inputs again once discarded.
func (svc *taprootEscrowAdapter) DiscardBondTx(ctx context.Context, orderId uint, robotId uint) error {
	order, err := svc.getTaprootOrder(orderId)
	if err != nil {
		return err
	}
	bond, err := svc.findHeldBond(order, robotId, []db.TaprootPaymentStatus{db.TaprootPaymentStatusFunded})
	if err != nil {
		return err
	}
	if err := svc.db.Model(bond).Update("status", db.TaprootPaymentStatusCancelled).Error; err != nil {
		return err
	}
	svc.orderLog(order.ID, "info", fmt.Sprintf("Bond transaction of robot %d discarded", robotId))
	return nil
}

// SubmitEscrowKey registers one trader's compressed public key for the
// escrow output. Once both keys are in, the 2-of-2 MuSig2 aggregate
// and the MAST tree are fixed and the escrow address is derived.
func (svc *taprootEscrowAdapter) SubmitEscrowKey(ctx context.Context, orderId uint, robotId uint, pubkeyHex string) error {
	order, err := svc.getTaprootOrder(orderId)
	if err != nil {
		return err
	}
	if order.Status != db.OrderStatusWaitingSellerEscrow {
		return traderr.NewBadRequestError("escrow keys can only be submitted while the escrow is being funded")
	}
	if err := svc.requireParty(order, robotId); err != nil {
		return err
	}

	keyBytes, err := hex.DecodeString(pubkeyHex)
	if err != nil || len(keyBytes) != 33 {
		return traderr.NewBadRequestError("expected a 33-byte compressed public key in hex")
	}
	if _, err := btcec.ParsePubKey(keyBytes); err != nil {
		return traderr.NewBadRequestError("not a valid secp256k1 public key")
	}

	escrow, err := svc.findOrCreateEscrow(order)
	if err != nil {
		return err
	}

	column := "taker_pubkey"
	if robotId == order.MakerID {
		column = "maker_pubkey"
	}
	if err := svc.db.Model(escrow).Update(column, pubkeyHex).Error; err != nil {
		return err
	}
	if robotId == order.MakerID {
		escrow.MakerPubkey = pubkeyHex
	} else {
		escrow.TakerPubkey = pubkeyHex
	}

	if escrow.MakerPubkey == "" || escrow.TakerPubkey == "" {
		return nil
	}

	builder, err := svc.builderForEscrow(escrow)
	if err != nil {
		return err
	}
	address, err := builder.Address(svc.cfg.GetNetwork())
	if err != nil {
		return err
	}
	err = svc.db.Model(escrow).Updates(map[string]interface{}{
		"internal_key": hex.EncodeToString(builder.InternalKey),
		"address":      address,
		"descriptor":   builder.Descriptor(),
		"num_satoshis": order.LastSatoshis,
	}).Error
	if err != nil {
		return err
	}

	svc.orderLog(order.ID, "info", fmt.Sprintf("Escrow output derived at %s, waiting for funding", address))
	return nil
}

// BuildFundingPsbt assembles the unsigned escrow locking transaction
// from both traders' inputs. Each party signs only their own inputs on
// their own device and submits the signed copy back.
func (svc *taprootEscrowAdapter) BuildFundingPsbt(ctx context.Context, orderId uint, makerUTXOs []taproot.UTXO, takerUTXOs []taproot.UTXO, makerChangeAddress string, takerChangeAddress string) (*taproot.EscrowLockingPsbt, error) {
	order, err := svc.getTaprootOrder(orderId)
	if err != nil {
		return nil, err
	}
	if order.Status != db.OrderStatusWaitingSellerEscrow {
		return nil, traderr.NewBadRequestError("the escrow is not being funded")
	}
	escrow, err := svc.findEscrow(order.ID)
	if err != nil {
		return nil, err
	}
	if escrow.Address == "" {
		return nil, traderr.NewBadRequestError("both escrow keys must be submitted first")
	}

	env := svc.cfg.GetEnv()
	builder, err := svc.builderForEscrow(escrow)
	if err != nil {
		return nil, err
	}

	coordinatorFeeSats := int64(math.Round(float64(order.LastSatoshis) * (order.MakerFeePercent + order.TakerFeePercent) / 100))
	miningFeeSats, err := svc.miningFee(ctx, fundingTxVbytes)
	if err != nil {
		return nil, err
	}

	locking, err := builder.BuildEscrowLockingPsbt(
		svc.cfg.GetNetwork(), makerUTXOs, takerUTXOs,
		escrow.NumSatoshis, coordinatorFeeSats, env.CoordinatorFeeAddress,
		makerChangeAddress, takerChangeAddress, miningFeeSats)
	if err != nil {
		return nil, traderr.NewBadRequestError(err.Error())
	}

	err = svc.db.Model(escrow).Updates(map[string]interface{}{
		"psbt":         locking.Psbt,
		"funding_vout": locking.EscrowOutputIndex,
	}).Error
	if err != nil {
		return nil, err
	}

	svc.orderLog(order.ID, "info",
		fmt.Sprintf("Escrow funding transaction built, %d sats to escrow plus %d sats coordinator fee", escrow.NumSatoshis, coordinatorFeeSats))
	return locking, nil
}

// SubmitSignedFundingPsbt merges one trader's signed copy into the
// funding packet. When the merge finalizes the transaction is
// broadcast; until then the escrow waits for the other signer.
func (svc *taprootEscrowAdapter) SubmitSignedFundingPsbt(ctx context.Context, orderId uint, robotId uint, signedPsbt string) error {
	order, err := svc.getTaprootOrder(orderId)
	if err != nil {
		return err
	}
	if err := svc.requireParty(order, robotId); err != nil {
		return err
	}
	escrow, err := svc.findEscrow(order.ID)
	if err != nil {
		return err
	}
	if escrow.Status != db.TaprootPaymentStatusCreated || escrow.PSBT == "" {
		return traderr.NewBadRequestError("there is no funding transaction awaiting signatures")
	}

	combined, err := taproot.CombineSignedEscrowPsbts(escrow.PSBT, signedPsbt)
	if err != nil {
		return traderr.NewBadRequestError(err.Error())
	}
	if err := svc.db.Model(escrow).Update("psbt", combined).Error; err != nil {
		return err
	}

	txHex, err := taproot.ExtractFinalTx(combined)
	if err != nil {
		// still missing the counterparty's signatures
		logger.Logger.Debug().Err(err).Uint("order_id", order.ID).Msg("Funding psbt not final yet")
		return nil
	}

	txid, err := svc.lnClient.BroadcastTransaction(ctx, txHex)
	if err != nil {
		return err
	}
	err = svc.db.Model(escrow).Updates(map[string]interface{}{
		"status":       db.TaprootPaymentStatusFunded,
		"funding_txid": txid,
	}).Error
	if err != nil {
		return err
	}

	svc.orderLog(order.ID, "info", fmt.Sprintf("Escrow funding transaction %s broadcast", txid))
	return nil
}

// QueuePayout opens the cooperative keyspend ceremony paying the
// buyer. Idempotent while a spend is already pending.
func (svc *taprootEscrowAdapter) QueuePayout(ctx context.Context, orderId uint) error {
	return svc.queueSpend(ctx, orderId, false)
}

// QueueRefund opens the cooperative keyspend ceremony returning the
// funding halves to both traders.
func (svc *taprootEscrowAdapter) QueueRefund(ctx context.Context, orderId uint) error {
	return svc.queueSpend(ctx, orderId, true)
}

func (svc *taprootEscrowAdapter) queueSpend(ctx context.Context, orderId uint, isRefund bool) error {
	order, err := svc.getTaprootOrder(orderId)
	if err != nil {
		return err
	}
	escrow, err := svc.findEscrow(order.ID)
	if err != nil {
		return err
	}

	// an escrow that never got funded has nothing to spend
	if escrow.Status == db.TaprootPaymentStatusCreated {
		return svc.db.Model(escrow).Update("status", db.TaprootPaymentStatusCancelled).Error
	}
	if escrow.Status != db.TaprootPaymentStatusFunded && escrow.Status != db.TaprootPaymentStatusConfirmed {
		return traderr.NewBadRequestError("the escrow is not spendable")
	}

	var pending db.TaprootPayment
	result := svc.db.Limit(1).Find(&pending,
		"order_id = ? AND concept = ? AND status IN ?",
		order.ID, db.TaprootPaymentConceptPayout,
		[]db.TaprootPaymentStatus{db.TaprootPaymentStatusCreated, db.TaprootPaymentStatusFunded, db.TaprootPaymentStatusConfirmed, db.TaprootPaymentStatusDisputed})
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected > 0 {
		return nil
	}

	spend := &db.TaprootPayment{
		OrderID:     &order.ID,
		Concept:     db.TaprootPaymentConceptPayout,
		Status:      db.TaprootPaymentStatusCreated,
		NumSatoshis: escrow.NumSatoshis,
		IsRefund:    isRefund,
	}
	if err := svc.db.Create(spend).Error; err != nil {
		return err
	}

	if isRefund {
		svc.orderLog(order.ID, "info", "Cooperative refund started, waiting for both payout addresses")
	} else {
		svc.orderLog(order.ID, "info", "Cooperative payout started, waiting for the buyer's address")
	}
	return nil
}

// SubmitSpendAddress registers where a pending escrow spend should
// pay. A payout needs the buyer's address, a refund one address per
// party, a dispute spend the winner's. The transaction is built as
// soon as every required address is in, and the signing material comes
// back to the submitter.
func (svc *taprootEscrowAdapter) SubmitSpendAddress(ctx context.Context, orderId uint, robotId uint, address string) (*SpendCeremony, error) {
	order, err := svc.getTaprootOrder(orderId)
	if err != nil {
		return nil, err
	}
	if err := svc.requireParty(order, robotId); err != nil {
		return nil, err
	}
	network := svc.cfg.GetNetwork()
	if _, err := btcutil.DecodeAddress(address, taproot.ChainParams(network)); err != nil {
		return nil, traderr.NewBadAddressError("does not look like a valid address for this network")
	}

	spend, err := svc.findPendingSpend(order.ID)
	if err != nil {
		return nil, err
	}

	if spend.Status == db.TaprootPaymentStatusDisputed {
		if spend.DisputeWinnerID == nil || *spend.DisputeWinnerID != robotId {
			return nil, traderr.NewBadRequestError("only the dispute winner submits the payout address")
		}
		return svc.buildDisputeSpend(ctx, order, spend, address)
	}

	if !spend.IsRefund && robotId != svc.buyerId(order) {
		return nil, traderr.NewBadRequestError("only the buyer submits the payout address")
	}

	column := "taker_payout_address"
	if robotId == order.MakerID {
		column = "maker_payout_address"
	}
	if err := svc.db.Model(spend).Update(column, address).Error; err != nil {
		return nil, err
	}
	if robotId == order.MakerID {
		spend.MakerPayoutAddress = address
	} else {
		spend.TakerPayoutAddress = address
	}

	if spend.IsRefund && (spend.MakerPayoutAddress == "" || spend.TakerPayoutAddress == "") {
		return nil, nil
	}
	return svc.buildKeyspend(ctx, order, spend)
}

// buildKeyspend assembles the MuSig2 keypath spend. A refund returns
// the funding halves to each party; a payout sends both halves to the
// buyer's address.
func (svc *taprootEscrowAdapter) buildKeyspend(ctx context.Context, order *db.Order, spend *db.TaprootPayment) (*SpendCeremony, error) {
	escrow, err := svc.findEscrow(order.ID)
	if err != nil {
		return nil, err
	}
	builder, err := svc.builderForEscrow(escrow)
	if err != nil {
		return nil, err
	}
	miningFeeSats, err := svc.miningFee(ctx, keyspendVbytes)
	if err != nil {
		return nil, err
	}

	makerAddress, takerAddress := spend.MakerPayoutAddress, spend.TakerPayoutAddress
	if !spend.IsRefund {
		buyerAddress := spend.TakerPayoutAddress
		if svc.buyerId(order) == order.MakerID {
			buyerAddress = spend.MakerPayoutAddress
		}
		makerAddress, takerAddress = buyerAddress, buyerAddress
	}

	makerHalf := escrow.NumSatoshis / 2
	payout, err := builder.BuildKeyspendPayout(
		svc.cfg.GetNetwork(), escrow.FundingTxid, escrow.FundingVout, escrow.NumSatoshis,
		makerAddress, makerHalf,
		takerAddress, escrow.NumSatoshis-makerHalf,
		miningFeeSats)
	if err != nil {
		return nil, traderr.NewBadRequestError(err.Error())
	}

	sighashHex := hex.EncodeToString(payout.Sighash)
	err = svc.db.Model(spend).Updates(map[string]interface{}{
		"psbt":          payout.Psbt,
		"spend_sighash": sighashHex,
	}).Error
	if err != nil {
		return nil, err
	}

	svc.orderLog(order.ID, "info", "Keyspend transaction built, waiting for nonces and partial signatures")
	return &SpendCeremony{Psbt: payout.Psbt, Sighash: sighashHex}, nil
}

// SubmitPayoutNonce stores one trader's MuSig2 public nonce for the
// pending keyspend.
func (svc *taprootEscrowAdapter) SubmitPayoutNonce(ctx context.Context, orderId uint, robotId uint, nonceHex string) error {
	order, err := svc.getTaprootOrder(orderId)
	if err != nil {
		return err
	}
	if err := svc.requireParty(order, robotId); err != nil {
		return err
	}
	nonce, err := hex.DecodeString(nonceHex)
	if err != nil || len(nonce) != 66 {
		return traderr.NewBadRequestError("expected a 66-byte MuSig2 public nonce in hex")
	}

	spend, err := svc.findPendingSpend(order.ID)
	if err != nil {
		return err
	}
	if spend.Status != db.TaprootPaymentStatusCreated || spend.PSBT == "" {
		return traderr.NewBadRequestError("there is no keyspend awaiting nonces")
	}

	column := "taker_nonce"
	if robotId == order.MakerID {
		column = "maker_nonce"
	}
	return svc.db.Model(spend).Update(column, nonceHex).Error
}

// SubmitPartialSignature stores one trader's partial signature. With
// both partials in, the adapter aggregates them into the final Schnorr
// signature and broadcasts the spend. The coordinator cannot produce
// this signature alone.
func (svc *taprootEscrowAdapter) SubmitPartialSignature(ctx context.Context, orderId uint, robotId uint, partialSigHex string) error {
	order, err := svc.getTaprootOrder(orderId)
	if err != nil {
		return err
	}
	if err := svc.requireParty(order, robotId); err != nil {
		return err
	}
	sig, err := hex.DecodeString(partialSigHex)
	if err != nil || len(sig) != 32 {
		return traderr.NewBadRequestError("expected a 32-byte partial signature in hex")
	}

	spend, err := svc.findPendingSpend(order.ID)
	if err != nil {
		return err
	}
	if !spend.HasBothNonces() {
		return traderr.NewBadRequestError("both nonces must be submitted before partial signatures")
	}

	column := "taker_partial_sig"
	if robotId == order.MakerID {
		column = "maker_partial_sig"
	}
	if err := svc.db.Model(spend).Update(column, partialSigHex).Error; err != nil {
		return err
	}
	if robotId == order.MakerID {
		spend.MakerPartialSig = partialSigHex
	} else {
		spend.TakerPartialSig = partialSigHex
	}
	if !spend.HasBothPartialSigs() {
		return nil
	}

	aggNonce, err := taproot.AggregateNonces(spend.MakerNonce, spend.TakerNonce)
	if err != nil {
		return traderr.NewBadRequestError(err.Error())
	}
	signature, err := taproot.AggregatePartialSignatures(spend.MakerPartialSig, spend.TakerPartialSig, aggNonce)
	if err != nil {
		return traderr.NewBadRequestError(err.Error())
	}
	txHex, err := taproot.FinalizeKeyspendPayout(spend.PSBT, signature)
	if err != nil {
		return traderr.NewBadRequestError(err.Error())
	}

	txid, err := svc.lnClient.BroadcastTransaction(ctx, txHex)
	if err != nil {
		return err
	}
	err = svc.db.Model(spend).Updates(map[string]interface{}{
		"status":       db.TaprootPaymentStatusFunded,
		"funding_txid": txid,
	}).Error
	if err != nil {
		return err
	}

	if spend.IsRefund {
		svc.orderLog(order.ID, "info", fmt.Sprintf("Refund transaction %s broadcast", txid))
	} else {
		svc.orderLog(order.ID, "info", fmt.Sprintf("Payout transaction %s broadcast", txid))
	}
	svc.publishEvent(constants.EVENT_ONCHAIN_PAYOUT_BROADCAST, order)
	metrics.OnchainPayoutsBroadcast.Inc()
	return nil
}

// BeginDisputePayout marks the escrow contested and opens a spend that
// can only complete through the winner's dispute leaf. Any pending
// cooperative spend is dropped.
func (svc *taprootEscrowAdapter) BeginDisputePayout(ctx context.Context, orderId uint, winnerRobotId uint) error {
	order, err := svc.getTaprootOrder(orderId)
	if err != nil {
		return err
	}
	escrow, err := svc.findEscrow(order.ID)
	if err != nil {
		return err
	}
	if escrow.Status != db.TaprootPaymentStatusFunded && escrow.Status != db.TaprootPaymentStatusConfirmed {
		return traderr.NewBadRequestError("the escrow is not spendable")
	}

	return svc.db.Transaction(func(tx *gorm.DB) error {
		err := tx.Model(&db.TaprootPayment{}).
			Where("order_id = ? AND concept = ? AND status = ?",
				order.ID, db.TaprootPaymentConceptPayout, db.TaprootPaymentStatusCreated).
			Update("status", db.TaprootPaymentStatusCancelled).Error
		if err != nil {
			return err
		}

		spend := &db.TaprootPayment{
			OrderID:         &order.ID,
			Concept:         db.TaprootPaymentConceptPayout,
			Status:          db.TaprootPaymentStatusDisputed,
			NumSatoshis:     escrow.NumSatoshis,
			DisputeWinnerID: &winnerRobotId,
		}
		if err := tx.Create(spend).Error; err != nil {
			return err
		}

		svc.orderLog(order.ID, "warn", "Dispute payout started, waiting for the winner's address and signature")
		return nil
	})
}

func (svc *taprootEscrowAdapter) buildDisputeSpend(ctx context.Context, order *db.Order, spend *db.TaprootPayment, winnerAddress string) (*SpendCeremony, error) {
	escrow, err := svc.findEscrow(order.ID)
	if err != nil {
		return nil, err
	}
	builder, err := svc.builderForEscrow(escrow)
	if err != nil {
		return nil, err
	}
	miningFeeSats, err := svc.miningFee(ctx, leafSpendVbytes)
	if err != nil {
		return nil, err
	}

	leaf := taproot.LeafDisputeTaker
	column := "taker_payout_address"
	if *spend.DisputeWinnerID == order.MakerID {
		leaf = taproot.LeafDisputeMaker
		column = "maker_payout_address"
	}

	scriptSpend, err := builder.BuildScriptPathSpend(
		svc.cfg.GetNetwork(), leaf, escrow.FundingTxid, escrow.FundingVout, escrow.NumSatoshis,
		winnerAddress, escrow.NumSatoshis, miningFeeSats)
	if err != nil {
		return nil, traderr.NewBadRequestError(err.Error())
	}

	sighashHex := hex.EncodeToString(scriptSpend.Sighash)
	err = svc.db.Model(spend).Updates(map[string]interface{}{
		"psbt":          scriptSpend.Psbt,
		"spend_sighash": sighashHex,
		column:          winnerAddress,
	}).Error
	if err != nil {
		return nil, err
	}

	svc.orderLog(order.ID, "info", "Dispute spend built through the winner's leaf, waiting for their signature")
	return &SpendCeremony{
		Psbt:         scriptSpend.Psbt,
		Sighash:      sighashHex,
		Leaf:         scriptSpend.Leaf,
		Script:       scriptSpend.Script,
		ControlBlock: scriptSpend.ControlBlock,
	}, nil
}

// SubmitDisputeSignature completes a dispute leaf spend: the winner's
// signature is combined with the coordinator's co-signature, the
// transaction broadcast, and the order settled against the loser.
func (svc *taprootEscrowAdapter) SubmitDisputeSignature(ctx context.Context, orderId uint, robotId uint, signatureHex string) error {
	order, err := svc.getTaprootOrder(orderId)
	if err != nil {
		return err
	}
	winnerSig, err := hex.DecodeString(signatureHex)
	if err != nil || (len(winnerSig) != 64 && len(winnerSig) != 65) {
		return traderr.NewBadRequestError("expected a 64-byte schnorr signature in hex")
	}

	spend, err := svc.findPendingSpend(order.ID)
	if err != nil {
		return err
	}
	if spend.Status != db.TaprootPaymentStatusDisputed || spend.PSBT == "" {
		return traderr.NewBadRequestError("there is no dispute spend awaiting a signature")
	}
	if spend.DisputeWinnerID == nil || *spend.DisputeWinnerID != robotId {
		return traderr.NewBadRequestError("only the dispute winner signs the payout")
	}

	escrow, err := svc.findEscrow(order.ID)
	if err != nil {
		return err
	}
	builder, err := svc.builderForEscrow(escrow)
	if err != nil {
		return err
	}

	leaf := taproot.LeafDisputeTaker
	if *spend.DisputeWinnerID == order.MakerID {
		leaf = taproot.LeafDisputeMaker
	}
	leafScript, err := builder.LeafScript(leaf)
	if err != nil {
		return err
	}
	controlBlock, err := builder.ControlBlock(leaf)
	if err != nil {
		return err
	}

	sighash, err := hex.DecodeString(spend.SpendSighash)
	if err != nil {
		return fmt.Errorf("corrupt stored sighash: %w", err)
	}
	coordinatorSig, err := schnorr.Sign(svc.coordinatorKey, sighash)
	if err != nil {
		return fmt.Errorf("failed to co-sign dispute spend: %w", err)
	}

	txHex, err := taproot.FinalizeScriptPathSpend(
		spend.PSBT, winnerSig, coordinatorSig.Serialize(),
		hex.EncodeToString(leafScript), hex.EncodeToString(controlBlock))
	if err != nil {
		return traderr.NewBadRequestError(err.Error())
	}
	txid, err := svc.lnClient.BroadcastTransaction(ctx, txHex)
	if err != nil {
		return err
	}

	err = svc.db.Model(spend).Updates(map[string]interface{}{
		"status":       db.TaprootPaymentStatusFunded,
		"funding_txid": txid,
	}).Error
	if err != nil {
		return err
	}
	if err := svc.db.Model(escrow).Update("status", db.TaprootPaymentStatusSpent).Error; err != nil {
		return err
	}

	svc.orderLog(order.ID, "warn", fmt.Sprintf("Dispute spend %s broadcast", txid))
	return svc.orders.TaprootDisputeResolved(ctx, order.ID, robotId)
}

// CheckConfirmations scans broadcast taproot transactions and advances
// their owners when they confirm. Per-row failures are logged and the
// scan continues.
func (svc *taprootEscrowAdapter) CheckConfirmations(ctx context.Context) error {
	var payments []db.TaprootPayment
	err := svc.db.Where("status = ? AND funding_txid != ''", db.TaprootPaymentStatusFunded).
		Where("concept IN ?", []db.TaprootPaymentConcept{db.TaprootPaymentConceptTradeEscrow, db.TaprootPaymentConceptPayout}).
		Find(&payments).Error
	if err != nil {
		return err
	}

	for i := range payments {
		payment := &payments[i]
		confirmations, err := svc.lnClient.GetTransactionConfirmations(ctx, payment.FundingTxid)
		if err != nil {
			logger.Logger.Error().Err(err).
				Uint("payment_id", payment.ID).
				Str("txid", payment.FundingTxid).
				Msg("Failed to look up transaction confirmations")
			continue
		}
		if confirmations < 1 {
			continue
		}

		now := time.Now()
		err = svc.db.Model(payment).Updates(map[string]interface{}{
			"status":       db.TaprootPaymentStatusConfirmed,
			"confirmed_at": &now,
		}).Error
		if err != nil {
			logger.Logger.Error().Err(err).Uint("payment_id", payment.ID).Msg("Failed to mark payment confirmed")
			continue
		}

		if payment.OrderID == nil {
			continue
		}
		switch {
		case payment.Concept == db.TaprootPaymentConceptTradeEscrow:
			err = svc.orders.EscrowFundingConfirmed(ctx, *payment.OrderID)
		case !payment.IsRefund && payment.DisputeWinnerID == nil:
			err = svc.orders.TaprootPayoutConfirmed(ctx, *payment.OrderID)
		}
		if err != nil {
			logger.Logger.Error().Err(err).Uint("order_id", *payment.OrderID).Msg("Failed to advance order after confirmation")
		}
	}
	return nil
}

func (svc *taprootEscrowAdapter) getTaprootOrder(orderId uint) (*db.Order, error) {
	var order db.Order
	result := svc.db.Limit(1).Find(&order, "id = ?", orderId)
	if result.Error != nil {
		return nil, result.Error
	}
	if result.RowsAffected == 0 {
		return nil, traderr.NewBadRequestError("order not found")
	}
	if order.EscrowMode != constants.ESCROW_MODE_TAPROOT {
		return nil, traderr.NewBadRequestError("not a taproot order")
	}
	return &order, nil
}

func (svc *taprootEscrowAdapter) requireParty(order *db.Order, robotId uint) error {
	if robotId != order.MakerID && (order.TakerID == nil || robotId != *order.TakerID) {
		return traderr.NewBadRequestError("you are not a party to this order")
	}
	return nil
}

func (svc *taprootEscrowAdapter) buyerId(order *db.Order) uint {
	if order.Type == constants.ORDER_TYPE_BUY {
		return order.MakerID
	}
	if order.TakerID != nil {
		return *order.TakerID
	}
	return 0
}

func (svc *taprootEscrowAdapter) findHeldBond(order *db.Order, robotId uint, statuses []db.TaprootPaymentStatus) (*db.TaprootPayment, error) {
	concept := db.TaprootPaymentConceptTakerBond
	if robotId == order.MakerID {
		concept = db.TaprootPaymentConceptMakerBond
	}
	var bond db.TaprootPayment
	result := svc.db.Order("id desc").Limit(1).Find(&bond,
		"order_id = ? AND concept = ? AND status IN ?", order.ID, concept, statuses)
	if result.Error != nil {
		return nil, result.Error
	}
	if result.RowsAffected == 0 {
		return nil, fmt.Errorf("order %d has no held bond transaction for robot %d", order.ID, robotId)
	}
	return &bond, nil
}

func (svc *taprootEscrowAdapter) findEscrow(orderId uint) (*db.TaprootPayment, error) {
	var escrow db.TaprootPayment
	result := svc.db.Order("id desc").Limit(1).Find(&escrow,
		"order_id = ? AND concept = ?", orderId, db.TaprootPaymentConceptTradeEscrow)
	if result.Error != nil {
		return nil, result.Error
	}
	if result.RowsAffected == 0 {
		return nil, traderr.NewBadRequestError("this order has no escrow output")
	}
	return &escrow, nil
}

func (svc *taprootEscrowAdapter) findOrCreateEscrow(order *db.Order) (*db.TaprootPayment, error) {
	var escrow db.TaprootPayment
	result := svc.db.Order("id desc").Limit(1).Find(&escrow,
		"order_id = ? AND concept = ?", order.ID, db.TaprootPaymentConceptTradeEscrow)
	if result.Error != nil {
		return nil, result.Error
	}
	if result.RowsAffected > 0 {
		return &escrow, nil
	}
	escrow = db.TaprootPayment{
		OrderID: &order.ID,
		Concept: db.TaprootPaymentConceptTradeEscrow,
		Status:  db.TaprootPaymentStatusCreated,
	}
	if err := svc.db.Create(&escrow).Error; err != nil {
		return nil, err
	}
	return &escrow, nil
}

func (svc *taprootEscrowAdapter) findPendingSpend(orderId uint) (*db.TaprootPayment, error) {
	var spend db.TaprootPayment
	result := svc.db.Order("id desc").Limit(1).Find(&spend,
		"order_id = ? AND concept = ? AND status IN ?",
		orderId, db.TaprootPaymentConceptPayout,
		[]db.TaprootPaymentStatus{db.TaprootPaymentStatusCreated, db.TaprootPaymentStatusDisputed})
	if result.Error != nil {
		return nil, result.Error
	}
	if result.RowsAffected == 0 {
		return nil, traderr.NewBadRequestError("this order has no pending escrow spend")
	}
	return &spend, nil
}

// builderForEscrow reconstructs the deterministic escrow builder from
// the stored trader keys and the coordinator key.
func (svc *taprootEscrowAdapter) builderForEscrow(escrow *db.TaprootPayment) (*taproot.EscrowBuilder, error) {
	if escrow.MakerPubkey == "" || escrow.TakerPubkey == "" {
		return nil, traderr.NewBadRequestError("both escrow keys must be submitted first")
	}
	makerKey, err := hex.DecodeString(escrow.MakerPubkey)
	if err != nil || len(makerKey) != 33 {
		return nil, fmt.Errorf("corrupt stored maker pubkey")
	}
	takerKey, err := hex.DecodeString(escrow.TakerPubkey)
	if err != nil || len(takerKey) != 33 {
		return nil, fmt.Errorf("corrupt stored taker pubkey")
	}
	coordinatorKey := schnorr.SerializePubKey(svc.coordinatorKey.PubKey())
	return taproot.NewEscrowBuilder(makerKey[1:], takerKey[1:], coordinatorKey, escrow.MakerPubkey, escrow.TakerPubkey)
}

func (svc *taprootEscrowAdapter) miningFee(ctx context.Context, txVbytes int64) (int64, error) {
	satPerVbyte, err := svc.lnClient.EstimateOnchainFee(ctx, 2)
	if err != nil {
		return 0, err
	}
	return int64(math.Round(satPerVbyte * float64(txVbytes))), nil
}

func (svc *taprootEscrowAdapter) orderLog(orderId uint, level string, message string) {
	entry := db.OrderLogEntry{OrderID: orderId, Level: level, Message: message}
	if err := svc.db.Create(&entry).Error; err != nil {
		logger.Logger.Error().Err(err).Uint("order_id", orderId).Msg("Failed to append order log entry")
	}
}

func (svc *taprootEscrowAdapter) publishEvent(event string, order *db.Order) {
	svc.eventPublisher.Publish(&events.Event{
		Event: event,
		Properties: map[string]interface{}{
			"order_id":  order.ID,
			"reference": order.Reference,
			"status":    order.Status.String(),
		},
	})
}
