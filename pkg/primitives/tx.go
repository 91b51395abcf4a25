package primitives

// OutPoint identifies a transaction output by its creating tx's id and
// index. Lives in primitives (rather than pkg/types) because Tx needs it
// and primitives must not import anything above it in the package graph.
type OutPoint struct {
	TxId   Hash256
	OutIdx uint32
}

// Coin is the output being spent by a TxIn, known once the input has been
// joined against the tx that created it. Coinbase inputs carry no coin.
type Coin struct {
	Sats   int64
	Script Script
}

// TxIn is one transaction input (§3).
type TxIn struct {
	PrevOut  OutPoint
	Script   Script
	Sequence uint32
	Coin     *Coin // nil for a coinbase input
}

// TxOut is one transaction output.
type TxOut struct {
	Sats   int64
	Script Script
}

// Tx is a fully parsed transaction (§3): txid = double_sha256 of its
// serialized bytes, stored little-endian and displayed big-endian via
// Hash256.String().
type Tx struct {
	Txid     Hash256
	Version  int32
	Inputs   []TxIn
	Outputs  []TxOut
	LockTime uint32
}

// IsCoinbaseInput reports whether in is a coinbase sentinel: an all-zero
// prev txid and max-value out index.
func IsCoinbaseInput(in TxIn) bool {
	return in.PrevOut.TxId == Hash256{} && in.PrevOut.OutIdx == ^uint32(0)
}
