package txnum_test

import (
	"errors"
	"testing"

	"github.com/chronik-go/chronik/pkg/kvstore"
	"github.com/chronik-go/chronik/pkg/primitives"
	"github.com/chronik-go/chronik/pkg/txnum"
	"github.com/chronik-go/chronik/pkg/types"
)

func newWriter(t *testing.T) (*kvstore.DB, *txnum.Writer) {
	t.Helper()
	db, err := kvstore.Open(t.TempDir(), kvstore.Options{CFs: []kvstore.CF{
		{Name: "tx"},
		{Name: "txid_lookup", Merge: txnum.MergeOperator()},
	}})
	if err != nil {
		t.Fatalf("kvstore.Open: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	w := txnum.NewWriter(db, db.CF("tx"), db.CF("txid_lookup"))
	return db, w
}

func txidOf(b byte) primitives.Hash256 {
	var h primitives.Hash256
	h[0] = b
	return h
}

func blockTx(txid primitives.Hash256, isCoinbase bool, inputs ...primitives.TxIn) txnum.BlockTx {
	return txnum.BlockTx{Tx: primitives.Tx{Txid: txid, Inputs: inputs}, IsCoinbase: isCoinbase}
}

func input(prevTxid primitives.Hash256, outIdx uint32) primitives.TxIn {
	return primitives.TxIn{PrevOut: primitives.OutPoint{TxId: prevTxid, OutIdx: outIdx}}
}

func TestInsertThenLookupResolvesTxid(t *testing.T) {
	db, w := newWriter(t)
	batch := db.NewBatch()
	txs := []txnum.BlockTx{blockTx(txidOf(1), true), blockTx(txidOf(2), false, input(txidOf(1), 0))}
	if err := w.Insert(batch, 0, txs); err != nil {
		t.Fatalf("Insert: %v", err)
	}
	if err := batch.Commit(); err != nil {
		t.Fatalf("Commit: %v", err)
	}

	n, found, err := w.Lookup(txidOf(2))
	if err != nil || !found || n != 1 {
		t.Fatalf("Lookup(txidOf(2)) = (%d, %v, %v), want (1, true, nil)", n, found, err)
	}

	next, err := w.NextTxNum()
	if err != nil || next != 2 {
		t.Fatalf("NextTxNum = (%d, %v), want (2, nil)", next, err)
	}
}

func TestDeleteRangeRemovesPrimaryAndLookup(t *testing.T) {
	db, w := newWriter(t)
	batch := db.NewBatch()
	txs := []txnum.BlockTx{blockTx(txidOf(1), true), blockTx(txidOf(2), false, input(txidOf(1), 0))}
	if err := w.Insert(batch, 0, txs); err != nil {
		t.Fatalf("Insert: %v", err)
	}
	if err := batch.Commit(); err != nil {
		t.Fatalf("Commit: %v", err)
	}

	batch = db.NewBatch()
	if err := w.DeleteRange(batch, 0, []primitives.Hash256{txidOf(1), txidOf(2)}); err != nil {
		t.Fatalf("DeleteRange: %v", err)
	}
	if err := batch.Commit(); err != nil {
		t.Fatalf("Commit: %v", err)
	}

	if _, found, err := w.Lookup(txidOf(1)); err != nil || found {
		t.Fatalf("Lookup after DeleteRange = (_, %v, %v), want (false, nil)", found, err)
	}
	next, err := w.NextTxNum()
	if err != nil || next != 0 {
		t.Fatalf("NextTxNum after DeleteRange = (%d, %v), want (0, nil)", next, err)
	}
}

func TestPrepareIndexedTxsResolvesIntraBlockInputs(t *testing.T) {
	_, w := newWriter(t)
	cache := txnum.NewCache(2, 4)
	txs := []txnum.BlockTx{
		blockTx(txidOf(1), true),
		blockTx(txidOf(2), false, input(txidOf(1), 0)),
	}
	indexed, err := w.PrepareIndexedTxs(0, txs, cache, txnum.Add)
	if err != nil {
		t.Fatalf("PrepareIndexedTxs: %v", err)
	}
	if len(indexed) != 2 || indexed[1].InputNums[0] != 0 {
		t.Fatalf("indexed[1].InputNums = %v, want [0] resolved intra-block", indexed[1].InputNums)
	}
}

func TestPrepareIndexedTxsResolvesViaCacheThenReverseLookup(t *testing.T) {
	db, w := newWriter(t)
	cache := txnum.NewCache(2, 4)

	batch := db.NewBatch()
	prior := []txnum.BlockTx{blockTx(txidOf(1), true)}
	if err := w.Insert(batch, 0, prior); err != nil {
		t.Fatalf("Insert: %v", err)
	}
	if err := batch.Commit(); err != nil {
		t.Fatalf("Commit: %v", err)
	}

	// Resolve once via reverse lookup, which should populate the cache.
	next := []txnum.BlockTx{blockTx(txidOf(2), false, input(txidOf(1), 0))}
	indexed, err := w.PrepareIndexedTxs(1, next, cache, txnum.Add)
	if err != nil {
		t.Fatalf("PrepareIndexedTxs (reverse-lookup path): %v", err)
	}
	if indexed[0].InputNums[0] != 0 {
		t.Fatalf("InputNums[0] = %d, want 0", indexed[0].InputNums[0])
	}
	if _, ok := cache.Get(txidOf(1)); !ok {
		t.Fatalf("expected txidOf(1) to be cached after a reverse-lookup resolve")
	}

	// A second block spending the same coin should now hit the cache without
	// needing another reverse-lookup round trip.
	more := []txnum.BlockTx{blockTx(txidOf(3), false, input(txidOf(1), 0))}
	indexed, err = w.PrepareIndexedTxs(2, more, cache, txnum.Add)
	if err != nil {
		t.Fatalf("PrepareIndexedTxs (cache path): %v", err)
	}
	if indexed[0].InputNums[0] != 0 {
		t.Fatalf("InputNums[0] via cache = %d, want 0", indexed[0].InputNums[0])
	}
}

func TestPrepareIndexedTxsRejectsUnknownInput(t *testing.T) {
	_, w := newWriter(t)
	cache := txnum.NewCache(2, 4)
	txs := []txnum.BlockTx{blockTx(txidOf(9), false, input(txidOf(0xff), 0))}
	_, err := w.PrepareIndexedTxs(0, txs, cache, txnum.Add)
	var unknown *txnum.ErrUnknownInputSpent
	if !errors.As(err, &unknown) {
		t.Fatalf("expected ErrUnknownInputSpent, got %v", err)
	}
}

func TestPrepareIndexedTxsRemoveModeClearsCache(t *testing.T) {
	_, w := newWriter(t)
	cache := txnum.NewCache(2, 4)
	cache.Insert(txidOf(1), 0)

	txs := []txnum.BlockTx{blockTx(txidOf(2), true)}
	if _, err := w.PrepareIndexedTxs(1, txs, cache, txnum.Remove); err != nil {
		t.Fatalf("PrepareIndexedTxs: %v", err)
	}
	if _, ok := cache.Get(txidOf(1)); ok {
		t.Fatalf("expected cache to be cleared after a Remove-mode call")
	}
}

func TestCacheRotatesOldestBucketOnOverflow(t *testing.T) {
	cache := txnum.NewCache(2, 1)
	cache.Insert(txidOf(1), 10)
	cache.Insert(txidOf(2), 20) // front bucket (capacity 1) is full, rotates

	if _, ok := cache.Get(txidOf(1)); !ok {
		t.Fatalf("expected txidOf(1) to still be resolvable from the rear bucket")
	}
	if n, ok := cache.Get(txidOf(2)); !ok || n != 20 {
		t.Fatalf("Get(txidOf(2)) = (%d, %v), want (20, true)", n, ok)
	}

	cache.Insert(txidOf(3), 30) // rotates again, evicting txidOf(1)
	if _, ok := cache.Get(txidOf(1)); ok {
		t.Fatalf("expected txidOf(1) to be evicted after a second rotation")
	}
}
