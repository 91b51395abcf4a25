// Package merkle implements the cached block-hash merkle tree described in
// §4.13: BlockMerkleTree caches previously computed interior hashes so that
// merkle_root_and_branch for a later, higher block reuses work done for
// lower ones, giving O(log N) branch computation after warmup.
package merkle

import (
	"github.com/chronik-go/chronik/pkg/primitives"
)

func isOdd(n int) bool { return n%2 == 1 }

// calcBranchLen returns ceil(log2(numBlocks)) without floating point: the
// number of levels in the merkle tree minus one. Panics on numBlocks == 0,
// matching the original's assert (a caller bug, not a runtime condition).
func calcBranchLen(numBlocks int) int {
	if numBlocks <= 0 {
		panic("merkle: numBlocks must be > 0")
	}
	n := uint64(numBlocks - 1)
	bits := 0
	for n > 0 {
		bits++
		n >>= 1
	}
	return bits
}

func hashConcatenated(h1, h2 primitives.Hash256) primitives.Hash256 {
	var buf [64]byte
	copy(buf[:32], h1.Bytes())
	copy(buf[32:], h2.Bytes())
	return primitives.Sha256D(buf[:])
}

// Tree computes merkle roots and branches for block hashes, caching
// interior hashes level by level (§4.13).
type Tree struct {
	levels [][]primitives.Hash256
}

// New returns an empty merkle tree cache.
func New() *Tree {
	return &Tree{}
}

func (t *Tree) hashOneLevel(hashes []primitives.Hash256, cacheLevel int, ignoreLastCachedHash bool) []primitives.Hash256 {
	if isOdd(len(hashes)) {
		panic("merkle: hashOneLevel given an odd number of hashes")
	}
	numToReuse := len(hashes)/2 - boolToInt(ignoreLastCachedHash)

	var out []primitives.Hash256
	switch {
	case cacheLevel < len(t.levels) && numToReuse <= len(t.levels[cacheLevel]):
		out = append(out, t.levels[cacheLevel][:numToReuse]...)
	case cacheLevel < len(t.levels):
		out = append(out, t.levels[cacheLevel]...)
	}

	for i := 2 * len(out); i < len(hashes); i += 2 {
		out = append(out, hashConcatenated(hashes[i], hashes[i+1]))
	}
	return out
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

// MerkleRootAndBranch returns the merkle root for hashes and the branch of
// sibling hashes (deepest pairing first) proving hashes[index] is part of
// the tree. Odd levels duplicate the last hash (Bitcoin rule) but the
// duplicate is never cached.
func (t *Tree) MerkleRootAndBranch(hashes []primitives.Hash256, index int) (primitives.Hash256, []primitives.Hash256) {
	if index > len(hashes) {
		panic("merkle: index out of range")
	}
	branchLen := calcBranchLen(len(hashes))
	branch := make([]primitives.Hash256, 0, branchLen)

	working := append([]primitives.Hash256(nil), hashes...)
	doCacheLastHash := true

	for i := 0; i < branchLen; i++ {
		if isOdd(len(working)) {
			working = append(working, working[len(working)-1])
			doCacheLastHash = false
		}

		branch = append(branch, working[index^1])
		index >>= 1

		working = t.hashOneLevel(working, i, !doCacheLastHash)

		numToCache := len(working)
		if !doCacheLastHash {
			numToCache--
		}

		if i < len(t.levels) {
			t.levels[i] = append([]primitives.Hash256(nil), working[:numToCache]...)
		} else if numToCache > 0 {
			t.levels = append(t.levels, append([]primitives.Hash256(nil), working[:numToCache]...))
		}
	}

	if len(working) != 1 {
		panic("merkle: expected exactly one hash at the root")
	}
	return working[0], branch
}

// InvalidateBlock prunes cached hashes affected by height or any higher
// block, truncating every level to the prefix still valid.
func (t *Tree) InvalidateBlock(height int) {
	lastValidIndex := height / 2
	for i := range t.levels {
		if lastValidIndex < len(t.levels[i]) {
			t.levels[i] = t.levels[i][:lastValidIndex]
		}
		lastValidIndex /= 2
	}
}
