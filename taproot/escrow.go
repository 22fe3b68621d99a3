package taproot

import (
	"fmt"
	"math/big"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/chaincfg"
	"github.com/btcsuite/btcd/txscript"

	"github.com/p2psats/tradehub/constants"
)

// MAST leaves of the escrow output.
const (
	LeafDisputeMaker = "dispute_maker"
	LeafDisputeTaker = "dispute_taker"
	LeafProtection   = "protection"
	LeafRescue       = "rescue"
)

// Relative timelocks, in blocks, for the unilateral recovery leaves.
const (
	RescueTimelockBlocks     = constants.TAPROOT_RESCUE_CSV_BLOCKS
	ProtectionTimelockBlocks = constants.TAPROOT_PROTECTION_CSV_BLOCKS
)

// EscrowBuilder constructs the taproot escrow output: a MuSig2
// aggregate of the two traders' keys as the internal key (the keypath
// happy path), committed to a 4-leaf MAST tree:
//
//	root = Branch(Branch(dispute_maker, dispute_taker), Branch(protection, rescue))
//
// The coordinator key appears only in the two dispute leaves, so the
// coordinator can never spend without a dispute winner's co-signature.
// The protection and rescue leaves let the traders recover funds after
// their timelocks without the coordinator at all.
type EscrowBuilder struct {
	MakerPubkey       []byte // 32-byte x-only
	TakerPubkey       []byte // 32-byte x-only
	CoordinatorPubkey []byte // 32-byte x-only
	InternalKey       []byte // 32-byte x-only MuSig2 aggregate
}

func NewEscrowBuilder(makerPubkey, takerPubkey, coordinatorPubkey []byte, makerMusigPubkeyHex, takerMusigPubkeyHex string) (*EscrowBuilder, error) {
	if len(makerPubkey) != 32 || len(takerPubkey) != 32 || len(coordinatorPubkey) != 32 {
		return nil, fmt.Errorf("expected 32-byte x-only pubkeys, got %d, %d, %d", len(makerPubkey), len(takerPubkey), len(coordinatorPubkey))
	}
	internalKey, err := AggregatePubkeys(makerMusigPubkeyHex, takerMusigPubkeyHex)
	if err != nil {
		return nil, fmt.Errorf("failed to aggregate musig pubkeys: %w", err)
	}
	return &EscrowBuilder{
		MakerPubkey:       makerPubkey,
		TakerPubkey:       takerPubkey,
		CoordinatorPubkey: coordinatorPubkey,
		InternalKey:       internalKey,
	}, nil
}

// LeafScript returns the tapscript for one of the 4 MAST leaves.
func (b *EscrowBuilder) LeafScript(leaf string) ([]byte, error) {
	switch leaf {
	case LeafDisputeMaker:
		return build2of2Script(b.MakerPubkey, b.CoordinatorPubkey)
	case LeafDisputeTaker:
		return build2of2Script(b.TakerPubkey, b.CoordinatorPubkey)
	case LeafProtection:
		return buildSingleTimelockScript(b.MakerPubkey, ProtectionTimelockBlocks)
	case LeafRescue:
		return build2of2TimelockScript(b.MakerPubkey, b.TakerPubkey, RescueTimelockBlocks)
	default:
		return nil, fmt.Errorf("unknown leaf: %s", leaf)
	}
}

// TapTreeRoot computes the Merkle root of the MAST tree.
func (b *EscrowBuilder) TapTreeRoot() ([]byte, error) {
	hashes, err := b.leafHashes()
	if err != nil {
		return nil, err
	}
	branchAB := TapBranchHash(hashes[LeafDisputeMaker], hashes[LeafDisputeTaker])
	branchCD := TapBranchHash(hashes[LeafProtection], hashes[LeafRescue])
	return TapBranchHash(branchAB, branchCD), nil
}

// Tweak computes the taproot tweak scalar
// t = tagged_hash("TapTweak", internal_key || root).
func (b *EscrowBuilder) Tweak() ([]byte, error) {
	root, err := b.TapTreeRoot()
	if err != nil {
		return nil, err
	}
	return TaggedHash(tagTapTweak, append(append([]byte{}, b.InternalKey...), root...)), nil
}

// OutputKey computes the x-only taproot output key Q = P + t*G.
func (b *EscrowBuilder) OutputKey() ([]byte, error) {
	x, y, err := b.outputKeyPoint()
	if err != nil {
		return nil, err
	}
	return compressPoint(x, y)[1:], nil
}

// Address derives the bech32m P2TR address for the escrow output.
func (b *EscrowBuilder) Address(network string) (string, error) {
	outputKey, err := b.OutputKey()
	if err != nil {
		return "", err
	}
	addr, err := btcutil.NewAddressTaproot(outputKey, ChainParams(network))
	if err != nil {
		return "", fmt.Errorf("failed to encode taproot address: %w", err)
	}
	return addr.EncodeAddress(), nil
}

// Descriptor returns the human-readable output descriptor, stored
// alongside the escrow row for audit purposes.
func (b *EscrowBuilder) Descriptor() string {
	ik := fmt.Sprintf("%x", b.InternalKey)
	mk := fmt.Sprintf("%x", b.MakerPubkey)
	tk := fmt.Sprintf("%x", b.TakerPubkey)
	ck := fmt.Sprintf("%x", b.CoordinatorPubkey)
	return fmt.Sprintf(
		"tr(%s,{{and_v(v:pk(%s),pk(%s)),and_v(v:pk(%s),pk(%s))},{and_v(v:pk(%s),after(%d)),and_v(and_v(v:pk(%s),v:pk(%s)),after(%d))}})",
		ik, mk, ck, tk, ck, mk, ProtectionTimelockBlocks, mk, tk, RescueTimelockBlocks,
	)
}

// ControlBlock builds the BIP-341 control block for a script-path
// spend of the given leaf:
// (leaf_version | parity) || internal_key || sibling || uncle.
func (b *EscrowBuilder) ControlBlock(leaf string) ([]byte, error) {
	hashes, err := b.leafHashes()
	if err != nil {
		return nil, err
	}

	var sibling, uncle []byte
	switch leaf {
	case LeafDisputeMaker:
		sibling = hashes[LeafDisputeTaker]
		uncle = TapBranchHash(hashes[LeafProtection], hashes[LeafRescue])
	case LeafDisputeTaker:
		sibling = hashes[LeafDisputeMaker]
		uncle = TapBranchHash(hashes[LeafProtection], hashes[LeafRescue])
	case LeafProtection:
		sibling = hashes[LeafRescue]
		uncle = TapBranchHash(hashes[LeafDisputeMaker], hashes[LeafDisputeTaker])
	case LeafRescue:
		sibling = hashes[LeafProtection]
		uncle = TapBranchHash(hashes[LeafDisputeMaker], hashes[LeafDisputeTaker])
	default:
		return nil, fmt.Errorf("unknown leaf: %s", leaf)
	}

	x, y, err := b.outputKeyPoint()
	if err != nil {
		return nil, err
	}
	parity := compressPoint(x, y)[0] & 0x01

	controlBlock := make([]byte, 0, 1+32+len(sibling)+len(uncle))
	controlBlock = append(controlBlock, TapscriptLeafVersion|parity)
	controlBlock = append(controlBlock, b.InternalKey...)
	controlBlock = append(controlBlock, sibling...)
	controlBlock = append(controlBlock, uncle...)
	return controlBlock, nil
}

func (b *EscrowBuilder) leafHashes() (map[string][]byte, error) {
	hashes := map[string][]byte{}
	for _, leaf := range []string{LeafDisputeMaker, LeafDisputeTaker, LeafProtection, LeafRescue} {
		script, err := b.LeafScript(leaf)
		if err != nil {
			return nil, err
		}
		hashes[leaf] = TapLeafHash(script)
	}
	return hashes, nil
}

func (b *EscrowBuilder) outputKeyPoint() (*big.Int, *big.Int, error) {
	tweak, err := b.Tweak()
	if err != nil {
		return nil, nil, err
	}

	// Lift the internal key assuming even y, then Q = P + t*G.
	internalPk, err := btcec.ParsePubKey(append([]byte{0x02}, b.InternalKey...))
	if err != nil {
		return nil, nil, fmt.Errorf("invalid internal key: %w", err)
	}
	p := internalPk.ToECDSA()

	curve := btcec.S256()
	tx, ty := curve.ScalarBaseMult(tweak)
	x, y := curve.Add(p.X, p.Y, tx, ty)
	return x, y, nil
}

// <pk1> CHECKSIGVERIFY <pk2> CHECKSIG
func build2of2Script(pubkey1, pubkey2 []byte) ([]byte, error) {
	return txscript.NewScriptBuilder().
		AddData(pubkey1).
		AddOp(txscript.OP_CHECKSIGVERIFY).
		AddData(pubkey2).
		AddOp(txscript.OP_CHECKSIG).
		Script()
}

// <pk1> CHECKSIGVERIFY <pk2> CHECKSIGVERIFY <timelock> CSV DROP
func build2of2TimelockScript(pubkey1, pubkey2 []byte, timelockBlocks int64) ([]byte, error) {
	return txscript.NewScriptBuilder().
		AddData(pubkey1).
		AddOp(txscript.OP_CHECKSIGVERIFY).
		AddData(pubkey2).
		AddOp(txscript.OP_CHECKSIGVERIFY).
		AddInt64(timelockBlocks).
		AddOp(txscript.OP_CHECKSEQUENCEVERIFY).
		AddOp(txscript.OP_DROP).
		Script()
}

// <pk> CHECKSIGVERIFY <timelock> CSV DROP
func buildSingleTimelockScript(pubkey []byte, timelockBlocks int64) ([]byte, error) {
	return txscript.NewScriptBuilder().
		AddData(pubkey).
		AddOp(txscript.OP_CHECKSIGVERIFY).
		AddInt64(timelockBlocks).
		AddOp(txscript.OP_CHECKSEQUENCEVERIFY).
		AddOp(txscript.OP_DROP).
		Script()
}

// ChainParams maps a network name to btcd chain parameters.
func ChainParams(network string) *chaincfg.Params {
	switch network {
	case "mainnet", "bitcoin":
		return &chaincfg.MainNetParams
	case "testnet", "testnet3":
		return &chaincfg.TestNet3Params
	case "signet":
		return &chaincfg.SigNetParams
	default:
		return &chaincfg.RegressionNetParams
	}
}
