package merkle

import (
	"bytes"
	"encoding/binary"
	"testing"

	"github.com/chronik-go/chronik/pkg/primitives"
)

func testHash(i int) primitives.Hash256 {
	var buf [8]byte
	binary.LittleEndian.PutUint64(buf[:], uint64(i))
	return primitives.Sha256D(buf[:])
}

// referenceRoot computes the merkle root from scratch, with no caching, to
// check the incrementally-cached Tree against a naive implementation.
func referenceRoot(hashes []primitives.Hash256) primitives.Hash256 {
	level := append([]primitives.Hash256(nil), hashes...)
	for len(level) > 1 {
		if isOdd(len(level)) {
			level = append(level, level[len(level)-1])
		}
		next := make([]primitives.Hash256, len(level)/2)
		for i := range next {
			next[i] = hashConcatenated(level[2*i], level[2*i+1])
		}
		level = next
	}
	return level[0]
}

func TestCalcBranchLen(t *testing.T) {
	cases := []struct {
		n    int
		want int
	}{
		{1, 0},
		{2, 1},
		{3, 2},
		{4, 2},
		{5, 3},
		{8, 3},
		{9, 4},
		{16, 4},
		{17, 5},
	}
	for _, c := range cases {
		if got := calcBranchLen(c.n); got != c.want {
			t.Errorf("calcBranchLen(%d) = %d, want %d", c.n, got, c.want)
		}
	}
}

func TestCalcBranchLenZeroPanics(t *testing.T) {
	defer func() {
		if recover() == nil {
			t.Fatal("expected panic for calcBranchLen(0)")
		}
	}()
	calcBranchLen(0)
}

// TestRootsIncremental rebuilds the tree one block at a time, the way the
// indexer appends blocks during sync, and checks every prefix's root
// against a from-scratch computation.
func TestRootsIncremental(t *testing.T) {
	const numBlocks = 37
	hashes := make([]primitives.Hash256, numBlocks)
	for i := range hashes {
		hashes[i] = testHash(i)
	}

	tree := New()
	for n := 1; n <= numBlocks; n++ {
		prefix := hashes[:n]
		got, _ := tree.MerkleRootAndBranch(prefix, n-1)
		want := referenceRoot(prefix)
		if got != want {
			t.Fatalf("prefix len %d: root mismatch\n got  %s\n want %s", n, got.String(), want.String())
		}
	}
}

// TestBranchProvesMembership checks that replaying a branch against a leaf
// reproduces the cached root, for every index at several prefix lengths.
func TestBranchProvesMembership(t *testing.T) {
	for _, n := range []int{1, 2, 3, 5, 16, 17} {
		hashes := make([]primitives.Hash256, n)
		for i := range hashes {
			hashes[i] = testHash(1000 + i)
		}
		tree := New()
		for idx := 0; idx < n; idx++ {
			root, branch := tree.MerkleRootAndBranch(hashes, idx)
			if got := computeRootFromBranch(hashes[idx], idx, branch); got != root {
				t.Errorf("n=%d idx=%d: branch does not reproduce root", n, idx)
			}
		}
	}
}

func computeRootFromBranch(leaf primitives.Hash256, index int, branch []primitives.Hash256) primitives.Hash256 {
	h := leaf
	for _, sibling := range branch {
		if isOdd(index) {
			h = hashConcatenated(sibling, h)
		} else {
			h = hashConcatenated(h, sibling)
		}
		index >>= 1
	}
	return h
}

// TestCacheLevelsShrinkOnInvalidate checks that InvalidateBlock truncates
// cached levels and that the root recomputed afterward still matches a
// from-scratch computation over the surviving prefix.
func TestCacheLevelsShrinkOnInvalidate(t *testing.T) {
	const numBlocks = 16
	hashes := make([]primitives.Hash256, numBlocks)
	for i := range hashes {
		hashes[i] = testHash(2000 + i)
	}

	tree := New()
	for n := 1; n <= numBlocks; n++ {
		tree.MerkleRootAndBranch(hashes[:n], n-1)
	}

	tree.InvalidateBlock(9)
	prefix := hashes[:9]
	got, _ := tree.MerkleRootAndBranch(prefix, len(prefix)-1)
	want := referenceRoot(prefix)
	if got != want {
		t.Fatalf("after invalidate(9): root mismatch\n got  %s\n want %s", got.String(), want.String())
	}

	// Re-extending past the invalidated point must still produce correct
	// roots: nothing above the truncation point should have been left
	// stale in the cache.
	for n := 10; n <= numBlocks; n++ {
		p := hashes[:n]
		got, _ := tree.MerkleRootAndBranch(p, n-1)
		want := referenceRoot(p)
		if got != want {
			t.Fatalf("re-extend to %d after invalidate: root mismatch\n got  %s\n want %s", n, got.String(), want.String())
		}
	}
}

func TestHashConcatenatedOrderMatters(t *testing.T) {
	a, b := testHash(1), testHash(2)
	if hashConcatenated(a, b) == hashConcatenated(b, a) {
		t.Fatal("hashConcatenated must not be symmetric")
	}
	if !bytes.Equal(hashConcatenated(a, b).Bytes(), hashConcatenated(a, b).Bytes()) {
		t.Fatal("hashConcatenated must be deterministic")
	}
}
