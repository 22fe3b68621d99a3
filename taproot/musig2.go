package taproot

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"math/big"

	"github.com/btcsuite/btcd/btcec/v2"
)

// MuSig2 key and signature aggregation (BIP-327 KeyAgg scheme).
//
// Only public material moves through these functions. Traders hold
// their secret keys and nonces on their own devices and submit public
// nonces and partial signatures. Aggregation alone cannot produce a
// signature without both parties cooperating.

// AggregatePubkeys combines two compressed public keys into the
// 32-byte x-only MuSig2 aggregate used as the taproot internal key.
//
// Keys are sorted lexicographically, L = SHA256(pk1 || pk2), every key
// gets coefficient tagged_hash("KeyAgg coefficient", L || pk), and the
// aggregate is the coefficient-weighted point sum.
func AggregatePubkeys(pubkey1Hex string, pubkey2Hex string) ([]byte, error) {
	pk1, err := hex.DecodeString(pubkey1Hex)
	if err != nil {
		return nil, fmt.Errorf("invalid pubkey hex: %w", err)
	}
	pk2, err := hex.DecodeString(pubkey2Hex)
	if err != nil {
		return nil, fmt.Errorf("invalid pubkey hex: %w", err)
	}
	if len(pk1) != 33 || len(pk2) != 33 {
		return nil, fmt.Errorf("expected 33-byte compressed pubkeys, got %d and %d", len(pk1), len(pk2))
	}

	keys := [][]byte{pk1, pk2}
	if bytes.Compare(keys[0], keys[1]) > 0 {
		keys[0], keys[1] = keys[1], keys[0]
	}

	h := sha256.New()
	h.Write(keys[0])
	h.Write(keys[1])
	listHash := h.Sum(nil)

	curve := btcec.S256()
	var aggX, aggY *big.Int
	for _, pk := range keys {
		coeff := TaggedHash(tagKeyAggCoefficient, append(append([]byte{}, listHash...), pk...))
		parsed, err := btcec.ParsePubKey(pk)
		if err != nil {
			return nil, fmt.Errorf("invalid pubkey %x: %w", pk, err)
		}
		point := parsed.ToECDSA()
		x, y := curve.ScalarMult(point.X, point.Y, coeff)
		if aggX == nil {
			aggX, aggY = x, y
		} else {
			aggX, aggY = curve.Add(aggX, aggY, x, y)
		}
	}

	// x-only: drop the parity prefix
	return compressPoint(aggX, aggY)[1:], nil
}

// AggregateNonces adds two 66-byte MuSig2 public nonces component-wise.
// Each nonce is two 33-byte compressed points R1 || R2, aggregated by
// elliptic-curve point addition.
func AggregateNonces(nonce1Hex string, nonce2Hex string) ([]byte, error) {
	n1, err := hex.DecodeString(nonce1Hex)
	if err != nil {
		return nil, fmt.Errorf("invalid nonce hex: %w", err)
	}
	n2, err := hex.DecodeString(nonce2Hex)
	if err != nil {
		return nil, fmt.Errorf("invalid nonce hex: %w", err)
	}
	if len(n1) != 66 || len(n2) != 66 {
		return nil, fmt.Errorf("invalid nonce length: expected 66 bytes each, got %d and %d", len(n1), len(n2))
	}

	aggR1, err := addCompressedPoints(n1[:33], n2[:33])
	if err != nil {
		return nil, err
	}
	aggR2, err := addCompressedPoints(n1[33:], n2[33:])
	if err != nil {
		return nil, err
	}
	return append(aggR1, aggR2...), nil
}

// AggregatePartialSignatures combines two 32-byte partial signatures
// and the aggregated nonce into a final 64-byte Schnorr signature
// R_x || (s1 + s2 mod n).
func AggregatePartialSignatures(sig1Hex string, sig2Hex string, aggNonce []byte) ([]byte, error) {
	s1Bytes, err := hex.DecodeString(sig1Hex)
	if err != nil {
		return nil, fmt.Errorf("invalid partial signature hex: %w", err)
	}
	s2Bytes, err := hex.DecodeString(sig2Hex)
	if err != nil {
		return nil, fmt.Errorf("invalid partial signature hex: %w", err)
	}
	if len(s1Bytes) != 32 || len(s2Bytes) != 32 {
		return nil, fmt.Errorf("expected 32-byte partial signatures, got %d and %d", len(s1Bytes), len(s2Bytes))
	}
	if len(aggNonce) != 66 {
		return nil, fmt.Errorf("invalid aggregated nonce length: expected 66 bytes, got %d", len(aggNonce))
	}

	s1 := new(big.Int).SetBytes(s1Bytes)
	s2 := new(big.Int).SetBytes(s2Bytes)
	s := new(big.Int).Add(s1, s2)
	s.Mod(s, btcec.S256().N)

	// R is the x-coordinate of the first aggregated nonce point.
	r1, err := btcec.ParsePubKey(aggNonce[:33])
	if err != nil {
		return nil, fmt.Errorf("invalid aggregated nonce point: %w", err)
	}

	sig := make([]byte, 64)
	copy(sig[:32], r1.SerializeCompressed()[1:])
	s.FillBytes(sig[32:])
	return sig, nil
}

func addCompressedPoints(a, b []byte) ([]byte, error) {
	pa, err := btcec.ParsePubKey(a)
	if err != nil {
		return nil, fmt.Errorf("invalid nonce point %x: %w", a, err)
	}
	pb, err := btcec.ParsePubKey(b)
	if err != nil {
		return nil, fmt.Errorf("invalid nonce point %x: %w", b, err)
	}
	ea, eb := pa.ToECDSA(), pb.ToECDSA()
	x, y := btcec.S256().Add(ea.X, ea.Y, eb.X, eb.Y)
	return compressPoint(x, y), nil
}

func compressPoint(x, y *big.Int) []byte {
	out := make([]byte, 33)
	if y.Bit(0) == 1 {
		out[0] = 0x03
	} else {
		out[0] = 0x02
	}
	x.FillBytes(out[1:])
	return out
}
