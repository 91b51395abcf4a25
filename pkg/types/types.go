// Package types holds the small set of core value types shared across every
// indexing package, so that txnum/group/grouphistory/grouputxo/token/mempool
// don't need to import each other just to agree on what a TxNum or an
// Outpoint is.
package types

import "github.com/chronik-go/chronik/pkg/primitives"

// TxNum is the dense, monotone 64-bit sequence number assigned to every
// confirmed transaction in mined order (§3, §4.4).
type TxNum uint64

// InvalidTxNum is used as a sentinel for "not yet assigned" / "not found".
const InvalidTxNum TxNum = ^TxNum(0)

// Outpoint identifies a UTXO by the TxNum of its creating transaction and its
// output index within that transaction.
type Outpoint struct {
	TxNum  TxNum
	OutIdx uint32
}

// TxOutpoint is an Outpoint expressed against a txid rather than a TxNum,
// used for the mempool mirror and for inputs still unresolved to a TxNum.
// It is the same shape as primitives.OutPoint (defined there so that Tx can
// reference it without primitives depending on this package); aliased here
// so domain packages can spell it the way the spec does.
type TxOutpoint = primitives.OutPoint

// Height is a block height; genesis is height 0.
type Height uint32

// InvalidHeight marks "no block", e.g. an empty chain's tip.
const InvalidHeight Height = ^Height(0)
