package taproot

import (
	"bytes"
	"encoding/hex"
	"fmt"

	"github.com/btcsuite/btcd/wire"
)

// ValidateBondTx checks a trader's submitted bond transaction. Bonds
// are fully-signed transactions paying a coordinator-held address,
// stored but never broadcast unless the trader cheats. Returns the
// amount bonded to the coordinator address.
//
// Checks: the hex parses, the transaction has inputs, it carries
// witness data (is signed), and it pays at least the required amount
// to the coordinator bond address.
func ValidateBondTx(bondTxHex string, requiredAmountSats int64, coordinatorBondAddress string, network string) (int64, error) {
	raw, err := hex.DecodeString(bondTxHex)
	if err != nil {
		return 0, fmt.Errorf("invalid transaction hex: %w", err)
	}
	tx := wire.NewMsgTx(2)
	if err := tx.Deserialize(bytes.NewReader(raw)); err != nil {
		return 0, fmt.Errorf("invalid transaction: %w", err)
	}

	if len(tx.TxIn) == 0 {
		return 0, fmt.Errorf("bond transaction has no inputs")
	}

	signed := false
	for _, in := range tx.TxIn {
		if len(in.Witness) > 0 {
			signed = true
			break
		}
	}
	if !signed {
		return 0, fmt.Errorf("bond transaction is not signed (no witness data)")
	}

	expectedScript, err := payToAddressScript(coordinatorBondAddress, network)
	if err != nil {
		return 0, err
	}
	var bondedSats int64
	for _, out := range tx.TxOut {
		if bytes.Equal(out.PkScript, expectedScript) {
			bondedSats += out.Value
		}
	}

	if bondedSats == 0 {
		return 0, fmt.Errorf("bond transaction has no output paying coordinator address %s", coordinatorBondAddress)
	}
	if bondedSats < requiredAmountSats {
		return 0, fmt.Errorf("bond amount %d sats is less than required %d sats", bondedSats, requiredAmountSats)
	}
	return bondedSats, nil
}
