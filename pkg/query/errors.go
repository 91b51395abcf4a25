package query

import "errors"

// ErrRequestPageSizeTooBig is returned when a caller's page_size exceeds
// consts.MaxHistoryPageSize (§7).
var ErrRequestPageSizeTooBig = errors.New("query: requested page size too big")

// ErrRequestPageSizeTooSmall is returned when a caller's page_size is below
// consts.MinHistoryPageSize.
var ErrRequestPageSizeTooSmall = errors.New("query: requested page size too small")

// ErrScriptHashIndexDisabled is returned by every scripthash endpoint when
// the deployment hasn't opted into the scripthash_history/scripthash_utxo
// column families (§4.11).
var ErrScriptHashIndexDisabled = errors.New("query: scripthash index is disabled")

// ErrMissingMempoolTx, ErrMissingDbTx and ErrMissingDbTxBlock are the
// 500-class consistency errors of §7: a TxNum or txid the indexer itself
// produced can no longer be resolved, meaning a single-writer invariant was
// broken elsewhere.
var (
	ErrMissingMempoolTx  = errors.New("query: indexer inconsistency: mempool tx missing")
	ErrMissingDbTx       = errors.New("query: indexer inconsistency: db tx missing")
	ErrMissingDbTxBlock  = errors.New("query: indexer inconsistency: db tx's block missing")
)

// ErrUnknownGroup is returned when a caller names a group this Service
// wasn't configured with (e.g. scripthash/lokad/token/plugin typo).
var ErrUnknownGroup = errors.New("query: unknown group")

// ErrTxNotFound is returned by Tx/RawTx when neither the mempool nor the db
// has ever heard of the requested txid.
var ErrTxNotFound = errors.New("query: tx not found")

// ErrBlockNotFound is returned by Tip/BlockByHeight/BlockByHash/BlockTxs/
// BlockTxsByHash.
var ErrBlockNotFound = errors.New("query: block not found")
