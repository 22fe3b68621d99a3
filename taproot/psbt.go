package taproot

import (
	"bytes"
	"encoding/hex"
	"fmt"
	"strings"

	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/btcutil/psbt"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/txscript"
	"github.com/btcsuite/btcd/wire"

	"github.com/p2psats/tradehub/constants"
)

// UTXO is an unspent output a trader contributes to the escrow
// locking transaction.
type UTXO struct {
	Txid       string `json:"txid"`
	Vout       uint32 `json:"vout"`
	AmountSats int64  `json:"amount_sats"`
}

// EscrowLockingPsbt is the unsigned escrow funding transaction sent to
// both traders for signing. Each trader signs only their own inputs.
type EscrowLockingPsbt struct {
	Psbt              string `json:"psbt"`
	EscrowAddress     string `json:"escrow_address"`
	Descriptor        string `json:"descriptor"`
	EscrowOutputIndex uint32 `json:"escrow_output_index"`
}

// KeyspendPayout is the unsigned MuSig2 keypath payout transaction
// together with its BIP-341 sighash, the message both traders
// partially sign.
type KeyspendPayout struct {
	Psbt    string `json:"psbt"`
	Sighash []byte `json:"sighash"`
}

// ScriptPathSpend carries everything a dispute winner needs to co-sign
// a script-path spend of the escrow UTXO.
type ScriptPathSpend struct {
	Psbt         string `json:"psbt"`
	Script       string `json:"script"`
	ControlBlock string `json:"control_block"`
	Leaf         string `json:"leaf"`
	Sighash      []byte `json:"sighash"`
}

// BuildEscrowLockingPsbt assembles the unsigned transaction that
// collects inputs from both traders, locks the escrow amount under the
// taproot output, pays the coordinator fee, and returns change above
// the dust limit to each party. The escrow output is always index 0.
func (b *EscrowBuilder) BuildEscrowLockingPsbt(
	network string,
	makerUTXOs []UTXO,
	takerUTXOs []UTXO,
	escrowAmountSats int64,
	coordinatorFeeSats int64,
	coordinatorAddress string,
	makerChangeAddress string,
	takerChangeAddress string,
	miningFeeSats int64,
) (*EscrowLockingPsbt, error) {
	escrowAddress, err := b.Address(network)
	if err != nil {
		return nil, err
	}
	escrowScript, err := payToAddressScript(escrowAddress, network)
	if err != nil {
		return nil, err
	}

	var makerInputTotal, takerInputTotal int64
	for _, u := range makerUTXOs {
		makerInputTotal += u.AmountSats
	}
	for _, u := range takerUTXOs {
		takerInputTotal += u.AmountSats
	}

	// Each party funds half the escrow plus their share of the fees.
	perPartyFee := miningFeeSats / 2
	perPartyCoordinatorFee := coordinatorFeeSats / 2
	makerContribution := escrowAmountSats/2 + perPartyFee + perPartyCoordinatorFee
	takerContribution := escrowAmountSats - escrowAmountSats/2 + perPartyFee + perPartyCoordinatorFee

	makerChange := makerInputTotal - makerContribution
	takerChange := takerInputTotal - takerContribution
	if makerChange < 0 {
		return nil, fmt.Errorf("maker inputs %d sats do not cover contribution %d sats", makerInputTotal, makerContribution)
	}
	if takerChange < 0 {
		return nil, fmt.Errorf("taker inputs %d sats do not cover contribution %d sats", takerInputTotal, takerContribution)
	}

	outPoints := []*wire.OutPoint{}
	for _, u := range append(append([]UTXO{}, makerUTXOs...), takerUTXOs...) {
		txid, err := chainhash.NewHashFromStr(u.Txid)
		if err != nil {
			return nil, fmt.Errorf("invalid utxo txid %s: %w", u.Txid, err)
		}
		outPoints = append(outPoints, wire.NewOutPoint(txid, u.Vout))
	}

	outputs := []*wire.TxOut{
		wire.NewTxOut(escrowAmountSats, escrowScript),
	}
	if coordinatorFeeSats > 0 {
		coordinatorScript, err := payToAddressScript(coordinatorAddress, network)
		if err != nil {
			return nil, err
		}
		outputs = append(outputs, wire.NewTxOut(coordinatorFeeSats, coordinatorScript))
	}
	if makerChange > constants.ONCHAIN_DUST_LIMIT {
		makerChangeScript, err := payToAddressScript(makerChangeAddress, network)
		if err != nil {
			return nil, err
		}
		outputs = append(outputs, wire.NewTxOut(makerChange, makerChangeScript))
	}
	if takerChange > constants.ONCHAIN_DUST_LIMIT {
		takerChangeScript, err := payToAddressScript(takerChangeAddress, network)
		if err != nil {
			return nil, err
		}
		outputs = append(outputs, wire.NewTxOut(takerChange, takerChangeScript))
	}

	sequences := make([]uint32, len(outPoints))
	for i := range sequences {
		sequences[i] = wire.MaxTxInSequenceNum
	}
	packet, err := psbt.New(outPoints, outputs, 2, 0, sequences)
	if err != nil {
		return nil, fmt.Errorf("failed to build escrow locking psbt: %w", err)
	}
	encoded, err := packet.B64Encode()
	if err != nil {
		return nil, fmt.Errorf("failed to encode escrow locking psbt: %w", err)
	}

	return &EscrowLockingPsbt{
		Psbt:              encoded,
		EscrowAddress:     escrowAddress,
		Descriptor:        b.Descriptor(),
		EscrowOutputIndex: 0,
	}, nil
}

// CombineSignedEscrowPsbts merges the signature data from the two
// traders' partially-signed copies of the locking transaction. Both
// copies must share the same unsigned transaction; the merge only
// moves witness material, never outputs or amounts.
func CombineSignedEscrowPsbts(makerPsbt string, takerPsbt string) (string, error) {
	maker, err := psbt.NewFromRawBytes(strings.NewReader(makerPsbt), true)
	if err != nil {
		return "", fmt.Errorf("invalid maker psbt: %w", err)
	}
	taker, err := psbt.NewFromRawBytes(strings.NewReader(takerPsbt), true)
	if err != nil {
		return "", fmt.Errorf("invalid taker psbt: %w", err)
	}

	if maker.UnsignedTx.TxHash() != taker.UnsignedTx.TxHash() {
		return "", fmt.Errorf("psbt unsigned transactions differ, refusing to combine")
	}

	for i := range maker.Inputs {
		if inputHasSignature(&maker.Inputs[i]) {
			continue
		}
		if i < len(taker.Inputs) && inputHasSignature(&taker.Inputs[i]) {
			maker.Inputs[i] = taker.Inputs[i]
		}
	}

	return maker.B64Encode()
}

// ExtractFinalTx finalizes a fully-signed packet and returns the raw
// broadcast-ready transaction hex.
func ExtractFinalTx(signedPsbt string) (string, error) {
	packet, err := psbt.NewFromRawBytes(strings.NewReader(signedPsbt), true)
	if err != nil {
		return "", fmt.Errorf("invalid psbt: %w", err)
	}
	if err := psbt.MaybeFinalizeAll(packet); err != nil {
		return "", fmt.Errorf("failed to finalize psbt: %w", err)
	}
	tx, err := psbt.Extract(packet)
	if err != nil {
		return "", fmt.Errorf("failed to extract transaction: %w", err)
	}
	return serializeTx(tx)
}

// BuildKeyspendPayout assembles the unsigned payout transaction
// spending the escrow UTXO via the MuSig2 keypath, with one output per
// trader, and computes the BIP-341 SIGHASH_DEFAULT digest over it.
func (b *EscrowBuilder) BuildKeyspendPayout(
	network string,
	escrowTxid string,
	escrowVout uint32,
	escrowAmountSats int64,
	makerAddress string,
	makerAmountSats int64,
	takerAddress string,
	takerAmountSats int64,
	miningFeeSats int64,
) (*KeyspendPayout, error) {
	perPartyFee := miningFeeSats / 2

	makerScript, err := payToAddressScript(makerAddress, network)
	if err != nil {
		return nil, err
	}
	takerScript, err := payToAddressScript(takerAddress, network)
	if err != nil {
		return nil, err
	}

	tx, escrowScript, err := b.buildEscrowSpendTx(network, escrowTxid, escrowVout, []*wire.TxOut{
		wire.NewTxOut(makerAmountSats-perPartyFee, makerScript),
		wire.NewTxOut(takerAmountSats-perPartyFee, takerScript),
	})
	if err != nil {
		return nil, err
	}

	prevOutFetcher := txscript.NewCannedPrevOutputFetcher(escrowScript, escrowAmountSats)
	sigHashes := txscript.NewTxSigHashes(tx, prevOutFetcher)
	sighash, err := txscript.CalcTaprootSignatureHash(sigHashes, txscript.SigHashDefault, tx, 0, prevOutFetcher)
	if err != nil {
		return nil, fmt.Errorf("failed to compute keyspend sighash: %w", err)
	}

	encoded, err := encodeSpendPsbt(tx, escrowScript, escrowAmountSats)
	if err != nil {
		return nil, err
	}
	return &KeyspendPayout{Psbt: encoded, Sighash: sighash}, nil
}

// FinalizeKeyspendPayout inserts the aggregated Schnorr signature as
// the sole witness element of the payout transaction and returns the
// broadcast-ready hex. 64 bytes for SIGHASH_DEFAULT, 65 with an
// explicit sighash type appended.
func FinalizeKeyspendPayout(payoutPsbt string, schnorrSignature []byte) (string, error) {
	if len(schnorrSignature) != 64 && len(schnorrSignature) != 65 {
		return "", fmt.Errorf("invalid schnorr signature length: %d, expected 64 or 65", len(schnorrSignature))
	}
	packet, err := psbt.NewFromRawBytes(strings.NewReader(payoutPsbt), true)
	if err != nil {
		return "", fmt.Errorf("invalid payout psbt: %w", err)
	}

	tx := packet.UnsignedTx.Copy()
	if len(tx.TxIn) != 1 {
		return "", fmt.Errorf("payout transaction must have exactly 1 input, got %d", len(tx.TxIn))
	}
	tx.TxIn[0].Witness = wire.TxWitness{schnorrSignature}
	return serializeTx(tx)
}

// BuildScriptPathSpend assembles the dispute resolution transaction
// spending the escrow UTXO via one of the dispute leaves, paying the
// winning trader. Returns the leaf script and control block the winner
// and coordinator sign against, and the tapscript sighash.
func (b *EscrowBuilder) BuildScriptPathSpend(
	network string,
	leaf string,
	escrowTxid string,
	escrowVout uint32,
	escrowAmountSats int64,
	winnerAddress string,
	winnerAmountSats int64,
	miningFeeSats int64,
) (*ScriptPathSpend, error) {
	leafScript, err := b.LeafScript(leaf)
	if err != nil {
		return nil, err
	}
	controlBlock, err := b.ControlBlock(leaf)
	if err != nil {
		return nil, err
	}

	winnerScript, err := payToAddressScript(winnerAddress, network)
	if err != nil {
		return nil, err
	}
	tx, escrowScript, err := b.buildEscrowSpendTx(network, escrowTxid, escrowVout, []*wire.TxOut{
		wire.NewTxOut(winnerAmountSats-miningFeeSats, winnerScript),
	})
	if err != nil {
		return nil, err
	}

	prevOutFetcher := txscript.NewCannedPrevOutputFetcher(escrowScript, escrowAmountSats)
	sigHashes := txscript.NewTxSigHashes(tx, prevOutFetcher)
	sighash, err := txscript.CalcTapscriptSignaturehash(
		sigHashes, txscript.SigHashDefault, tx, 0, prevOutFetcher, txscript.NewBaseTapLeaf(leafScript))
	if err != nil {
		return nil, fmt.Errorf("failed to compute tapscript sighash: %w", err)
	}

	encoded, err := encodeSpendPsbt(tx, escrowScript, escrowAmountSats)
	if err != nil {
		return nil, err
	}
	return &ScriptPathSpend{
		Psbt:         encoded,
		Script:       hex.EncodeToString(leafScript),
		ControlBlock: hex.EncodeToString(controlBlock),
		Leaf:         leaf,
		Sighash:      sighash,
	}, nil
}

// FinalizeScriptPathSpend assembles the witness for a script-path
// spend: [winner_sig, coordinator_sig, script, control_block]. The
// verifier pops the last pubkey's signature first, so signatures are
// pushed in reverse script order.
func FinalizeScriptPathSpend(spendPsbt string, winnerSignature, coordinatorSignature []byte, leafScriptHex, controlBlockHex string) (string, error) {
	leafScript, err := hex.DecodeString(leafScriptHex)
	if err != nil {
		return "", fmt.Errorf("invalid leaf script hex: %w", err)
	}
	controlBlock, err := hex.DecodeString(controlBlockHex)
	if err != nil {
		return "", fmt.Errorf("invalid control block hex: %w", err)
	}
	packet, err := psbt.NewFromRawBytes(strings.NewReader(spendPsbt), true)
	if err != nil {
		return "", fmt.Errorf("invalid spend psbt: %w", err)
	}

	tx := packet.UnsignedTx.Copy()
	if len(tx.TxIn) != 1 {
		return "", fmt.Errorf("spend transaction must have exactly 1 input, got %d", len(tx.TxIn))
	}
	tx.TxIn[0].Witness = wire.TxWitness{coordinatorSignature, winnerSignature, leafScript, controlBlock}
	return serializeTx(tx)
}

func (b *EscrowBuilder) buildEscrowSpendTx(network string, escrowTxid string, escrowVout uint32, outputs []*wire.TxOut) (*wire.MsgTx, []byte, error) {
	escrowAddress, err := b.Address(network)
	if err != nil {
		return nil, nil, err
	}
	escrowScript, err := payToAddressScript(escrowAddress, network)
	if err != nil {
		return nil, nil, err
	}

	txid, err := chainhash.NewHashFromStr(escrowTxid)
	if err != nil {
		return nil, nil, fmt.Errorf("invalid escrow txid %s: %w", escrowTxid, err)
	}

	tx := wire.NewMsgTx(2)
	tx.AddTxIn(wire.NewTxIn(wire.NewOutPoint(txid, escrowVout), nil, nil))
	for _, out := range outputs {
		if out.Value <= constants.ONCHAIN_DUST_LIMIT {
			return nil, nil, fmt.Errorf("output of %d sats is below the dust limit", out.Value)
		}
		tx.AddTxOut(out)
	}
	return tx, escrowScript, nil
}

func encodeSpendPsbt(tx *wire.MsgTx, escrowScript []byte, escrowAmountSats int64) (string, error) {
	outPoints := make([]*wire.OutPoint, len(tx.TxIn))
	sequences := make([]uint32, len(tx.TxIn))
	for i, in := range tx.TxIn {
		outPoints[i] = &in.PreviousOutPoint
		sequences[i] = in.Sequence
	}
	packet, err := psbt.New(outPoints, tx.TxOut, tx.Version, tx.LockTime, sequences)
	if err != nil {
		return "", fmt.Errorf("failed to build psbt: %w", err)
	}
	packet.Inputs[0].WitnessUtxo = wire.NewTxOut(escrowAmountSats, escrowScript)
	packet.Inputs[0].SighashType = txscript.SigHashDefault
	return packet.B64Encode()
}

func inputHasSignature(in *psbt.PInput) bool {
	return len(in.FinalScriptWitness) > 0 ||
		len(in.TaprootKeySpendSig) > 0 ||
		len(in.TaprootScriptSpendSig) > 0 ||
		len(in.PartialSigs) > 0
}

func payToAddressScript(address string, network string) ([]byte, error) {
	addr, err := btcutil.DecodeAddress(address, ChainParams(network))
	if err != nil {
		return nil, fmt.Errorf("invalid address %s: %w", address, err)
	}
	script, err := txscript.PayToAddrScript(addr)
	if err != nil {
		return nil, fmt.Errorf("failed to build script for %s: %w", address, err)
	}
	return script, nil
}

func serializeTx(tx *wire.MsgTx) (string, error) {
	var buf bytes.Buffer
	if err := tx.Serialize(&buf); err != nil {
		return "", fmt.Errorf("failed to serialize transaction: %w", err)
	}
	return hex.EncodeToString(buf.Bytes()), nil
}
