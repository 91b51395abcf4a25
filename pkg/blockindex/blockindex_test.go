package blockindex_test

import (
	"testing"

	"github.com/chronik-go/chronik/pkg/blockindex"
	"github.com/chronik-go/chronik/pkg/kvstore"
	"github.com/chronik-go/chronik/pkg/primitives"
	"github.com/chronik-go/chronik/pkg/types"
)

func openTestDB(t *testing.T) *kvstore.DB {
	t.Helper()
	db, err := kvstore.Open(t.TempDir(), kvstore.Options{CFs: []kvstore.CF{{Name: "block"}}})
	if err != nil {
		t.Fatalf("kvstore.Open: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	return db
}

func hashOf(b byte) primitives.Hash256 {
	var h primitives.Hash256
	h[0] = b
	return h
}

func TestInsertByHeightReconstructsPrevHash(t *testing.T) {
	db := openTestDB(t)
	cf := db.CF("block")
	w := blockindex.NewWriter(db, cf)
	r := blockindex.NewReader(db, cf)

	batch := db.NewBatch()
	summaries := []blockindex.Summary{
		{Hash: hashOf(1), FirstTxNum: 0, NumTxs: 1},
		{Hash: hashOf(2), FirstTxNum: 1, NumTxs: 2},
		{Hash: hashOf(3), FirstTxNum: 3, NumTxs: 3},
	}
	for h, s := range summaries {
		if err := w.Insert(batch, types.Height(h), s); err != nil {
			t.Fatalf("Insert(%d): %v", h, err)
		}
	}
	if err := batch.Commit(); err != nil {
		t.Fatalf("Commit: %v", err)
	}

	block, err := r.ByHeight(2)
	if err != nil {
		t.Fatalf("ByHeight(2): %v", err)
	}
	if block.PrevHash != hashOf(2) {
		t.Errorf("PrevHash = %v, want hash(2)", block.PrevHash)
	}

	genesis, err := r.ByHeight(0)
	if err != nil {
		t.Fatalf("ByHeight(0): %v", err)
	}
	var zero primitives.Hash256
	if genesis.PrevHash != zero {
		t.Errorf("genesis PrevHash = %v, want zero", genesis.PrevHash)
	}

	tip, err := r.Tip()
	if err != nil {
		t.Fatalf("Tip: %v", err)
	}
	if tip.Height != 2 {
		t.Errorf("Tip height = %d, want 2", tip.Height)
	}
}

func TestHeightForTxNum(t *testing.T) {
	db := openTestDB(t)
	cf := db.CF("block")
	w := blockindex.NewWriter(db, cf)
	r := blockindex.NewReader(db, cf)

	batch := db.NewBatch()
	summaries := []blockindex.Summary{
		{Hash: hashOf(1), FirstTxNum: 0, NumTxs: 1},  // txnum 0
		{Hash: hashOf(2), FirstTxNum: 1, NumTxs: 2},  // txnums 1-2
		{Hash: hashOf(3), FirstTxNum: 3, NumTxs: 5},  // txnums 3-7
	}
	for h, s := range summaries {
		if err := w.Insert(batch, types.Height(h), s); err != nil {
			t.Fatal(err)
		}
	}
	if err := batch.Commit(); err != nil {
		t.Fatal(err)
	}

	cases := []struct {
		txNum      types.TxNum
		wantHeight types.Height
	}{
		{0, 0},
		{1, 1},
		{2, 1},
		{3, 2},
		{7, 2},
	}
	for _, c := range cases {
		h, err := r.HeightForTxNum(c.txNum)
		if err != nil {
			t.Fatalf("HeightForTxNum(%d): %v", c.txNum, err)
		}
		if h != c.wantHeight {
			t.Errorf("HeightForTxNum(%d) = %d, want %d", c.txNum, h, c.wantHeight)
		}
	}
}

func TestDeleteByHeight(t *testing.T) {
	db := openTestDB(t)
	cf := db.CF("block")
	w := blockindex.NewWriter(db, cf)
	r := blockindex.NewReader(db, cf)

	batch := db.NewBatch()
	w.Insert(batch, 0, blockindex.Summary{Hash: hashOf(1)})
	w.Insert(batch, 1, blockindex.Summary{Hash: hashOf(2)})
	if err := batch.Commit(); err != nil {
		t.Fatal(err)
	}

	batch2 := db.NewBatch()
	if err := w.DeleteByHeight(batch2, 1); err != nil {
		t.Fatal(err)
	}
	if err := batch2.Commit(); err != nil {
		t.Fatal(err)
	}

	h, err := r.Height()
	if err != nil {
		t.Fatal(err)
	}
	if h != 0 {
		t.Errorf("Height after delete = %d, want 0", h)
	}
}
