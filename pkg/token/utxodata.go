package token

import (
	"fmt"

	"github.com/chronik-go/chronik/pkg/codec"
)

func encodeAssignment(amount Amount, isMintBaton bool) []byte {
	w := codec.NewWriter(17)
	if isMintBaton {
		w.PutByte(1)
	} else {
		w.PutByte(0)
	}
	codec.PutUint128(w, amount.Lo, amount.Hi)
	return w.Bytes()
}

// EncodeUtxoAssignment encodes the token assignment a colored output
// carries into the UtxoData payload stored for a token_id_utxo entry (§3's
// "for token groups: the token assignment on that output"). The member the
// entry is filed under is the token id itself, so only the amount/
// mint-baton distinction needs to travel in the value.
func EncodeUtxoAssignment(o *TokenOutput) []byte {
	return encodeAssignment(o.Amount, o.IsMintBaton)
}

// EncodeDbTokenAssignment mirrors EncodeUtxoAssignment for a stored DbToken
// slot, used by the driver to restore a spent token UTXO's entry on a
// block disconnect without re-coloring the tx.
func EncodeDbTokenAssignment(slot DbToken) []byte {
	return encodeAssignment(slot.Amount, slot.Flag == TokenMintBaton)
}

// DecodeUtxoAssignment reverses EncodeUtxoAssignment, used by the query
// layer to render a UTXO's token amount/mint-baton flag without re-coloring
// the tx.
func DecodeUtxoAssignment(buf []byte) (amount Amount, isMintBaton bool, err error) {
	r := codec.NewReader(buf)
	flag, err := r.ReadByte()
	if err != nil {
		return Amount{}, false, codec.WrapCorrupt("token: utxo assignment flag", err)
	}
	lo, hi, err := codec.ReadUint128(r)
	if err != nil {
		return Amount{}, false, codec.WrapCorrupt("token: utxo assignment amount", err)
	}
	if !r.Done() {
		return Amount{}, false, fmt.Errorf("token: utxo assignment: %w: trailing bytes", codec.ErrCorruptDbEntry)
	}
	return Amount{Lo: lo, Hi: hi}, flag != 0, nil
}
