// Package consts contains all tunable constants in one place.
package consts

import "time"

// =============================================================================
// Group history - paging
// =============================================================================

const (
	// DefaultHistoryPageSize is how many TxNums are packed into one history
	// page row before a new page is started.
	DefaultHistoryPageSize = 1000

	// MinHistoryPageSize is the smallest page size a query caller may request.
	MinHistoryPageSize = 1

	// MaxHistoryPageSize is the largest page size a query caller may request.
	MaxHistoryPageSize = 200
)

// =============================================================================
// TxNumCache - conveyor belt of recent TxNum lookups
// =============================================================================

const (
	// TxNumCacheNumBuckets is the number of hash-map buckets in the ring.
	TxNumCacheNumBuckets = 4

	// TxNumCacheBucketCapacity bounds how many entries accumulate in the
	// front bucket before it's rotated out.
	TxNumCacheBucketCapacity = 2_000_000
)

// =============================================================================
// Mempool
// =============================================================================

const (
	// MempoolMaxTrackedTxs is a soft ceiling used only for metrics; the node
	// is the authority on mempool admission, this is not an enforced cap.
	MempoolMaxTrackedTxs = 1_000_000
)

// =============================================================================
// Token validation
// =============================================================================

const (
	// MaxTxInputs bounds the number of spent-token entries a single section
	// can reference; matches the ALP architectural ceiling (§4.8).
	MaxTxInputs = 0x10000
)

// =============================================================================
// Merkle helper
// =============================================================================

const (
	// MerkleCacheInitialHeight preallocates this many interior-hash levels.
	MerkleCacheInitialHeight = 32
)

// =============================================================================
// Schema upgrades - long running loop polling for shutdown
// =============================================================================

const (
	// UpgradeShutdownPollRows is how many rows the upgrade loop processes
	// between calls to the caller-supplied shutdown predicate.
	UpgradeShutdownPollRows = 5_000

	// UpgradeProgressLogInterval is how often progress is logged.
	UpgradeProgressLogInterval = 3 * time.Second

	// UpgradeCommitBatchRows bounds how many rewritten rows accumulate in
	// one write batch before it's committed, so a long upgrade run is
	// resumable from the last commit rather than an all-or-nothing replay.
	UpgradeCommitBatchRows = 500
)

// =============================================================================
// Driver - commit batching
// =============================================================================

const (
	// FinalityWatermarkKey is the single key that tracks the last finalized
	// height; a cheap write compared to per-block index maintenance.
	FinalityWatermarkKey = "finality_height"
)
