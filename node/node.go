// Package node defines the contract the indexer core consumes from the
// full node (§1 Non-goals, §6 "Node event contract"). The node itself —
// block/tx source, P2P networking, consensus validation — is out of
// scope; this package is only the narrow boundary the driver calls
// through and is called back on.
package node

import (
	"github.com/chronik-go/chronik/pkg/primitives"
	"github.com/chronik-go/chronik/pkg/types"
)

// BlockHeader is the per-block metadata the node hands the driver on
// connect/disconnect (§3's BlockSummary, minus the fields the driver
// derives itself: height is supplied by the node since it authoritatively
// tracks the active chain).
type BlockHeader struct {
	Hash      primitives.Hash256
	PrevHash  primitives.Hash256
	Height    types.Height
	NBits     uint32
	Timestamp int64
	FileNum   uint32
	DataPos   uint32
}

// RawTx is one transaction as delivered by the node alongside a connected
// block: the parsed tx plus its position in the node's block/undo files,
// needed later for a lazy §4.1 load_tx call.
type RawTx struct {
	Tx         primitives.Tx
	IsCoinbase bool
	DataPos    uint64
	UndoPos    uint64
}

// MempoolRemoveReason classifies why the node is dropping a mempool tx
// (§6's mempool_remove contract).
type MempoolRemoveReason int

const (
	Evicted MempoolRemoveReason = iota
	Confirmed
	Reorged
)

// Client is the synchronous RPC surface the driver calls back into the
// node for historical tx retrieval (§4.1, §6): load_tx(file_num, data_pos,
// undo_pos) -> Tx. Used whenever an input's coin isn't available from the
// block currently being indexed.
type Client interface {
	LoadTx(fileNum uint32, dataPos, undoPos uint64) (*primitives.Tx, error)
}

// EventSink is the set of events the node pushes into the driver (§6).
// A concrete transport (ZMQ, a local RPC loop, a test harness) adapts node
// notifications into calls against this interface; the driver only
// implements it, never calls it directly on itself.
type EventSink interface {
	Connect(header BlockHeader, txs []RawTx) error
	Disconnect(header BlockHeader) error
	Finalize(height types.Height) error
	MempoolAdd(tx primitives.Tx, timeFirstSeen int64) error
	MempoolRemove(txid primitives.Hash256, reason MempoolRemoveReason) error
}
