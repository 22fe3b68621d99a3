package taproot

import (
	"bytes"
	"encoding/hex"
	"math/big"
	"strings"
	"testing"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/btcutil/psbt"
	"github.com/btcsuite/btcd/chaincfg"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/wire"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const generatorCompressedHex = "0279be667ef9dcbbac55a06295ce870b07029bfcdb2dce28d959f2815b16f81798"

func newTestPubkey(t *testing.T) *btcec.PublicKey {
	priv, err := btcec.NewPrivateKey()
	require.NoError(t, err)
	return priv.PubKey()
}

func newTestEscrowBuilder(t *testing.T) *EscrowBuilder {
	maker := newTestPubkey(t)
	taker := newTestPubkey(t)
	coordinator := newTestPubkey(t)
	builder, err := NewEscrowBuilder(
		maker.SerializeCompressed()[1:],
		taker.SerializeCompressed()[1:],
		coordinator.SerializeCompressed()[1:],
		hex.EncodeToString(maker.SerializeCompressed()),
		hex.EncodeToString(taker.SerializeCompressed()),
	)
	require.NoError(t, err)
	return builder
}

func newTestTaprootAddress(t *testing.T) string {
	pub := newTestPubkey(t)
	addr, err := btcutil.NewAddressTaproot(pub.SerializeCompressed()[1:], &chaincfg.RegressionNetParams)
	require.NoError(t, err)
	return addr.EncodeAddress()
}

func TestTapBranchHashIsOrderInvariant(t *testing.T) {
	left := TapLeafHash([]byte{0x51})
	right := TapLeafHash([]byte{0x52})

	assert.Equal(t, TapBranchHash(left, right), TapBranchHash(right, left))
	assert.NotEqual(t, TapBranchHash(left, right), TapBranchHash(left, left))
	assert.Len(t, TapBranchHash(left, right), 32)
}

func TestTapLeafHashDistinguishesScripts(t *testing.T) {
	assert.Len(t, TapLeafHash([]byte{0x51}), 32)
	assert.NotEqual(t, TapLeafHash([]byte{0x51}), TapLeafHash([]byte{0x52}))

	// script long enough to exercise the multi-byte compact size
	long := bytes.Repeat([]byte{0x51}, 300)
	assert.Len(t, TapLeafHash(long), 32)
}

func TestAggregatePubkeysIsCommutative(t *testing.T) {
	pk1 := hex.EncodeToString(newTestPubkey(t).SerializeCompressed())
	pk2 := hex.EncodeToString(newTestPubkey(t).SerializeCompressed())

	agg1, err := AggregatePubkeys(pk1, pk2)
	require.NoError(t, err)
	agg2, err := AggregatePubkeys(pk2, pk1)
	require.NoError(t, err)

	assert.Equal(t, agg1, agg2)
	assert.Len(t, agg1, 32)

	// a different key set must aggregate to a different key
	pk3 := hex.EncodeToString(newTestPubkey(t).SerializeCompressed())
	agg3, err := AggregatePubkeys(pk1, pk3)
	require.NoError(t, err)
	assert.NotEqual(t, agg1, agg3)
}

func TestAggregatePubkeysRejectsBadInput(t *testing.T) {
	pk := hex.EncodeToString(newTestPubkey(t).SerializeCompressed())

	_, err := AggregatePubkeys(pk, "zz")
	assert.Error(t, err)
	_, err = AggregatePubkeys(pk, "0102")
	assert.Error(t, err)
}

func TestAggregateNoncesIsCommutative(t *testing.T) {
	nonce := func() string {
		a := newTestPubkey(t).SerializeCompressed()
		b := newTestPubkey(t).SerializeCompressed()
		return hex.EncodeToString(append(a, b...))
	}
	n1 := nonce()
	n2 := nonce()

	agg1, err := AggregateNonces(n1, n2)
	require.NoError(t, err)
	agg2, err := AggregateNonces(n2, n1)
	require.NoError(t, err)

	assert.Equal(t, agg1, agg2)
	assert.Len(t, agg1, 66)
}

func TestAggregateNoncesRejectsWrongLength(t *testing.T) {
	n := hex.EncodeToString(append(newTestPubkey(t).SerializeCompressed(), newTestPubkey(t).SerializeCompressed()...))

	_, err := AggregateNonces(n, "0102")
	assert.Error(t, err)
	assert.Contains(t, err.Error(), "invalid nonce length")
}

func TestAggregatePartialSignatures(t *testing.T) {
	g, err := hex.DecodeString(generatorCompressedHex)
	require.NoError(t, err)
	aggNonce := append(append([]byte{}, g...), g...)

	scalarHex := func(v *big.Int) string {
		b := make([]byte, 32)
		v.FillBytes(b)
		return hex.EncodeToString(b)
	}

	sig, err := AggregatePartialSignatures(scalarHex(big.NewInt(1)), scalarHex(big.NewInt(2)), aggNonce)
	require.NoError(t, err)
	require.Len(t, sig, 64)

	// R_x is the x coordinate of the first nonce point
	assert.Equal(t, generatorCompressedHex[2:], hex.EncodeToString(sig[:32]))
	assert.Equal(t, scalarHex(big.NewInt(3)), hex.EncodeToString(sig[32:]))

	// scalar sum wraps modulo the curve order
	nMinusOne := new(big.Int).Sub(btcec.S256().N, big.NewInt(1))
	sig, err = AggregatePartialSignatures(scalarHex(nMinusOne), scalarHex(big.NewInt(2)), aggNonce)
	require.NoError(t, err)
	assert.Equal(t, scalarHex(big.NewInt(1)), hex.EncodeToString(sig[32:]))
}

func TestEscrowBuilderIsDeterministic(t *testing.T) {
	maker := newTestPubkey(t)
	taker := newTestPubkey(t)
	coordinator := newTestPubkey(t)

	build := func() *EscrowBuilder {
		builder, err := NewEscrowBuilder(
			maker.SerializeCompressed()[1:],
			taker.SerializeCompressed()[1:],
			coordinator.SerializeCompressed()[1:],
			hex.EncodeToString(maker.SerializeCompressed()),
			hex.EncodeToString(taker.SerializeCompressed()),
		)
		require.NoError(t, err)
		return builder
	}

	b1 := build()
	b2 := build()

	root1, err := b1.TapTreeRoot()
	require.NoError(t, err)
	root2, err := b2.TapTreeRoot()
	require.NoError(t, err)
	assert.Equal(t, root1, root2)

	addr1, err := b1.Address("regtest")
	require.NoError(t, err)
	addr2, err := b2.Address("regtest")
	require.NoError(t, err)
	assert.Equal(t, addr1, addr2)

	// swapping in another taker changes the whole commitment
	other := newTestEscrowBuilder(t)
	otherRoot, err := other.TapTreeRoot()
	require.NoError(t, err)
	assert.NotEqual(t, root1, otherRoot)
}

func TestEscrowAddressNetworkPrefixes(t *testing.T) {
	builder := newTestEscrowBuilder(t)

	regtest, err := builder.Address("regtest")
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(regtest, "bcrt1p"))

	testnet, err := builder.Address("testnet")
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(testnet, "tb1p"))
}

func TestEscrowDescriptor(t *testing.T) {
	builder := newTestEscrowBuilder(t)

	descriptor := builder.Descriptor()
	assert.True(t, strings.HasPrefix(descriptor, "tr("))
	assert.Contains(t, descriptor, hex.EncodeToString(builder.InternalKey))
	assert.Contains(t, descriptor, hex.EncodeToString(builder.MakerPubkey))
	assert.Contains(t, descriptor, hex.EncodeToString(builder.TakerPubkey))
	assert.Contains(t, descriptor, hex.EncodeToString(builder.CoordinatorPubkey))
	assert.Contains(t, descriptor, "after(12228)")
	assert.Contains(t, descriptor, "after(2048)")
}

func TestControlBlock(t *testing.T) {
	builder := newTestEscrowBuilder(t)

	for _, leaf := range []string{LeafDisputeMaker, LeafDisputeTaker, LeafProtection, LeafRescue} {
		controlBlock, err := builder.ControlBlock(leaf)
		require.NoError(t, err)
		// 1 control byte + 32-byte internal key + two 32-byte proof nodes
		assert.Len(t, controlBlock, 97)
		assert.Equal(t, byte(TapscriptLeafVersion), controlBlock[0]&0xfe)
		assert.Equal(t, builder.InternalKey, controlBlock[1:33])
	}

	_, err := builder.ControlBlock("nonsense")
	assert.Error(t, err)
}

func TestBuildEscrowLockingPsbt(t *testing.T) {
	builder := newTestEscrowBuilder(t)
	txid := strings.Repeat("ab", 32)

	result, err := builder.BuildEscrowLockingPsbt(
		"regtest",
		[]UTXO{{Txid: txid, Vout: 0, AmountSats: 60000}},
		[]UTXO{{Txid: txid, Vout: 1, AmountSats: 56000}},
		100000, 1000,
		newTestTaprootAddress(t),
		newTestTaprootAddress(t),
		newTestTaprootAddress(t),
		10000,
	)
	require.NoError(t, err)
	assert.Equal(t, uint32(0), result.EscrowOutputIndex)
	assert.Equal(t, builder.Descriptor(), result.Descriptor)

	packet, err := psbt.NewFromRawBytes(strings.NewReader(result.Psbt), true)
	require.NoError(t, err)
	require.Len(t, packet.UnsignedTx.TxIn, 2)
	// escrow, coordinator fee, maker change; taker change of 500 sats is dust
	require.Len(t, packet.UnsignedTx.TxOut, 3)
	assert.Equal(t, int64(100000), packet.UnsignedTx.TxOut[0].Value)
	assert.Equal(t, int64(1000), packet.UnsignedTx.TxOut[1].Value)
	assert.Equal(t, int64(4500), packet.UnsignedTx.TxOut[2].Value)
}

func TestBuildEscrowLockingPsbtRejectsUnderfundedInputs(t *testing.T) {
	builder := newTestEscrowBuilder(t)
	txid := strings.Repeat("ab", 32)

	_, err := builder.BuildEscrowLockingPsbt(
		"regtest",
		[]UTXO{{Txid: txid, Vout: 0, AmountSats: 1000}},
		[]UTXO{{Txid: txid, Vout: 1, AmountSats: 56000}},
		100000, 1000,
		newTestTaprootAddress(t),
		newTestTaprootAddress(t),
		newTestTaprootAddress(t),
		10000,
	)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "do not cover")
}

func TestCombineSignedEscrowPsbts(t *testing.T) {
	builder := newTestEscrowBuilder(t)
	txid := strings.Repeat("cd", 32)

	result, err := builder.BuildEscrowLockingPsbt(
		"regtest",
		[]UTXO{{Txid: txid, Vout: 0, AmountSats: 70000}},
		[]UTXO{{Txid: txid, Vout: 1, AmountSats: 70000}},
		100000, 1000,
		newTestTaprootAddress(t),
		newTestTaprootAddress(t),
		newTestTaprootAddress(t),
		10000,
	)
	require.NoError(t, err)

	signInput := func(inputIndex int) string {
		packet, err := psbt.NewFromRawBytes(strings.NewReader(result.Psbt), true)
		require.NoError(t, err)
		packet.Inputs[inputIndex].TaprootKeySpendSig = bytes.Repeat([]byte{0x01}, 64)
		encoded, err := packet.B64Encode()
		require.NoError(t, err)
		return encoded
	}

	combined, err := CombineSignedEscrowPsbts(signInput(0), signInput(1))
	require.NoError(t, err)

	packet, err := psbt.NewFromRawBytes(strings.NewReader(combined), true)
	require.NoError(t, err)
	assert.NotEmpty(t, packet.Inputs[0].TaprootKeySpendSig)
	assert.NotEmpty(t, packet.Inputs[1].TaprootKeySpendSig)
}

func TestKeyspendPayout(t *testing.T) {
	builder := newTestEscrowBuilder(t)
	escrowTxid := strings.Repeat("ef", 32)
	makerAddress := newTestTaprootAddress(t)
	takerAddress := newTestTaprootAddress(t)

	payout, err := builder.BuildKeyspendPayout(
		"regtest", escrowTxid, 0, 100000,
		makerAddress, 50000,
		takerAddress, 50000,
		1000,
	)
	require.NoError(t, err)
	assert.Len(t, payout.Sighash, 32)

	// the sighash commits to the exact transaction, so rebuilding gives
	// the same message for the traders to sign
	again, err := builder.BuildKeyspendPayout(
		"regtest", escrowTxid, 0, 100000,
		makerAddress, 50000,
		takerAddress, 50000,
		1000,
	)
	require.NoError(t, err)
	assert.Equal(t, payout.Sighash, again.Sighash)

	packet, err := psbt.NewFromRawBytes(strings.NewReader(payout.Psbt), true)
	require.NoError(t, err)
	require.Len(t, packet.UnsignedTx.TxOut, 2)
	assert.Equal(t, int64(49500), packet.UnsignedTx.TxOut[0].Value)
	assert.Equal(t, int64(49500), packet.UnsignedTx.TxOut[1].Value)
	require.NotNil(t, packet.Inputs[0].WitnessUtxo)
	assert.Equal(t, int64(100000), packet.Inputs[0].WitnessUtxo.Value)
}

func TestFinalizeKeyspendPayout(t *testing.T) {
	builder := newTestEscrowBuilder(t)

	payout, err := builder.BuildKeyspendPayout(
		"regtest", strings.Repeat("ef", 32), 0, 100000,
		newTestTaprootAddress(t), 50000,
		newTestTaprootAddress(t), 50000,
		1000,
	)
	require.NoError(t, err)

	_, err = FinalizeKeyspendPayout(payout.Psbt, []byte{0x01})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "signature length")

	txHex, err := FinalizeKeyspendPayout(payout.Psbt, bytes.Repeat([]byte{0x02}, 64))
	require.NoError(t, err)

	raw, err := hex.DecodeString(txHex)
	require.NoError(t, err)
	tx := wire.NewMsgTx(2)
	require.NoError(t, tx.Deserialize(bytes.NewReader(raw)))
	require.Len(t, tx.TxIn, 1)
	require.Len(t, tx.TxIn[0].Witness, 1)
	assert.Len(t, tx.TxIn[0].Witness[0], 64)
}

func TestBuildScriptPathSpend(t *testing.T) {
	builder := newTestEscrowBuilder(t)

	spend, err := builder.BuildScriptPathSpend(
		"regtest", LeafDisputeMaker, strings.Repeat("12", 32), 0, 100000,
		newTestTaprootAddress(t), 100000, 1000,
	)
	require.NoError(t, err)
	assert.Equal(t, LeafDisputeMaker, spend.Leaf)
	assert.Len(t, spend.Sighash, 32)
	assert.NotEmpty(t, spend.Script)
	// control byte + internal key + 2 proof nodes, hex encoded
	assert.Len(t, spend.ControlBlock, 194)

	_, err = builder.BuildScriptPathSpend(
		"regtest", "nonsense", strings.Repeat("12", 32), 0, 100000,
		newTestTaprootAddress(t), 100000, 1000,
	)
	assert.Error(t, err)
}

func TestFinalizeScriptPathSpend(t *testing.T) {
	builder := newTestEscrowBuilder(t)

	spend, err := builder.BuildScriptPathSpend(
		"regtest", LeafDisputeTaker, strings.Repeat("34", 32), 0, 100000,
		newTestTaprootAddress(t), 100000, 1000,
	)
	require.NoError(t, err)

	txHex, err := FinalizeScriptPathSpend(
		spend.Psbt,
		bytes.Repeat([]byte{0x03}, 64),
		bytes.Repeat([]byte{0x04}, 64),
		spend.Script,
		spend.ControlBlock,
	)
	require.NoError(t, err)

	raw, err := hex.DecodeString(txHex)
	require.NoError(t, err)
	tx := wire.NewMsgTx(2)
	require.NoError(t, tx.Deserialize(bytes.NewReader(raw)))
	require.Len(t, tx.TxIn, 1)
	assert.Len(t, tx.TxIn[0].Witness, 4)
}

func TestValidateBondTx(t *testing.T) {
	coordinatorAddress := newTestTaprootAddress(t)
	coordinatorScript, err := payToAddressScript(coordinatorAddress, "regtest")
	require.NoError(t, err)

	buildBond := func(amountSats int64, signed bool) string {
		tx := wire.NewMsgTx(2)
		txIn := wire.NewTxIn(wire.NewOutPoint(&chainhash.Hash{0x01}, 0), nil, nil)
		if signed {
			txIn.Witness = wire.TxWitness{bytes.Repeat([]byte{0x05}, 64)}
		}
		tx.AddTxIn(txIn)
		tx.AddTxOut(wire.NewTxOut(amountSats, coordinatorScript))

		var buf bytes.Buffer
		require.NoError(t, tx.Serialize(&buf))
		return hex.EncodeToString(buf.Bytes())
	}

	bondedSats, err := ValidateBondTx(buildBond(5000, true), 5000, coordinatorAddress, "regtest")
	require.NoError(t, err)
	assert.Equal(t, int64(5000), bondedSats)

	_, err = ValidateBondTx(buildBond(5000, false), 5000, coordinatorAddress, "regtest")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "not signed")

	_, err = ValidateBondTx(buildBond(4000, true), 5000, coordinatorAddress, "regtest")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "less than required")

	_, err = ValidateBondTx(buildBond(5000, true), 5000, newTestTaprootAddress(t), "regtest")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "no output paying")

	_, err = ValidateBondTx("zz", 5000, coordinatorAddress, "regtest")
	require.Error(t, err)
}
