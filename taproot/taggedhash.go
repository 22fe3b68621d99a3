package taproot

import (
	"crypto/sha256"
	"encoding/binary"
)

// Tapscript leaf version (BIP-342).
const TapscriptLeafVersion = 0xC0

const (
	tagTapLeaf   = "TapLeaf"
	tagTapBranch = "TapBranch"
	tagTapTweak  = "TapTweak"
	tagKeyAggCoefficient = "KeyAgg coefficient"
)

// TaggedHash computes the BIP-340 tagged hash
// SHA256(SHA256(tag) || SHA256(tag) || msg).
func TaggedHash(tag string, msg []byte) []byte {
	tagHash := sha256.Sum256([]byte(tag))
	h := sha256.New()
	h.Write(tagHash[:])
	h.Write(tagHash[:])
	h.Write(msg)
	return h.Sum(nil)
}

// TapLeafHash computes the BIP-341 leaf hash of a tapscript:
// tagged_hash("TapLeaf", leaf_version || compact_size(script) || script).
func TapLeafHash(script []byte) []byte {
	msg := make([]byte, 0, 1+9+len(script))
	msg = append(msg, TapscriptLeafVersion)
	msg = appendCompactSize(msg, uint64(len(script)))
	msg = append(msg, script...)
	return TaggedHash(tagTapLeaf, msg)
}

// TapBranchHash combines two child hashes into a branch hash. Children
// are sorted lexicographically so the commitment is canonical.
func TapBranchHash(left, right []byte) []byte {
	if string(left) > string(right) {
		left, right = right, left
	}
	msg := make([]byte, 0, len(left)+len(right))
	msg = append(msg, left...)
	msg = append(msg, right...)
	return TaggedHash(tagTapBranch, msg)
}

func appendCompactSize(b []byte, n uint64) []byte {
	switch {
	case n < 0xFD:
		return append(b, byte(n))
	case n <= 0xFFFF:
		b = append(b, 0xFD)
		return binary.LittleEndian.AppendUint16(b, uint16(n))
	case n <= 0xFFFFFFFF:
		b = append(b, 0xFE)
		return binary.LittleEndian.AppendUint32(b, uint32(n))
	default:
		b = append(b, 0xFF)
		return binary.LittleEndian.AppendUint64(b, n)
	}
}
