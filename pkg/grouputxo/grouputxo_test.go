package grouputxo_test

import (
	"bytes"
	"testing"

	"github.com/chronik-go/chronik/pkg/grouputxo"
	"github.com/chronik-go/chronik/pkg/kvstore"
	"github.com/chronik-go/chronik/pkg/types"
)

func newIndex(t *testing.T) (*kvstore.DB, *grouputxo.Index) {
	t.Helper()
	db, err := kvstore.Open(t.TempDir(), kvstore.Options{CFs: []kvstore.CF{{Name: "utxo", Merge: grouputxo.MergeOperator()}}})
	if err != nil {
		t.Fatalf("kvstore.Open: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	return db, grouputxo.New(db, db.CF("utxo"))
}

func outpoint(txNum uint64, outIdx uint32) types.Outpoint {
	return types.Outpoint{TxNum: types.TxNum(txNum), OutIdx: outIdx}
}

// TestS1CoinbaseOnly mirrors spec.md §8 scenario S1: UTXO(10) = {outpoint=(0,0)}.
func TestS1CoinbaseOnly(t *testing.T) {
	db, idx := newIndex(t)
	member := []byte("value=10")

	batch := db.NewBatch()
	if err := idx.Insert(batch, member, []grouputxo.UtxoEntry{{Outpoint: outpoint(0, 0), Data: []byte{0x0a}}}); err != nil {
		t.Fatalf("Insert: %v", err)
	}
	if err := batch.Commit(); err != nil {
		t.Fatalf("Commit: %v", err)
	}

	got, err := idx.Get(member)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if len(got) != 1 || got[0].Outpoint != outpoint(0, 0) || !bytes.Equal(got[0].Data, []byte{0x0a}) {
		t.Fatalf("Get = %+v, want single entry (0,0)/0x0a", got)
	}
}

func TestInsertKeepsSortedOrderAcrossOutOfOrderInserts(t *testing.T) {
	db, idx := newIndex(t)
	member := []byte("m")

	batch := db.NewBatch()
	entries := []grouputxo.UtxoEntry{
		{Outpoint: outpoint(5, 0)},
		{Outpoint: outpoint(1, 2)},
		{Outpoint: outpoint(3, 0)},
		{Outpoint: outpoint(1, 0)},
	}
	if err := idx.Insert(batch, member, entries); err != nil {
		t.Fatalf("Insert: %v", err)
	}
	if err := batch.Commit(); err != nil {
		t.Fatalf("Commit: %v", err)
	}

	got, err := idx.Get(member)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	want := []types.Outpoint{outpoint(1, 0), outpoint(1, 2), outpoint(3, 0), outpoint(5, 0)}
	if len(got) != len(want) {
		t.Fatalf("len = %d, want %d", len(got), len(want))
	}
	for i, w := range want {
		if got[i].Outpoint != w {
			t.Fatalf("entry %d = %+v, want %+v", i, got[i].Outpoint, w)
		}
	}
}

func TestInsertRejectsDuplicateOutpoint(t *testing.T) {
	db, idx := newIndex(t)
	member := []byte("m")

	batch := db.NewBatch()
	if err := idx.Insert(batch, member, []grouputxo.UtxoEntry{{Outpoint: outpoint(1, 0)}}); err != nil {
		t.Fatalf("Insert: %v", err)
	}
	if err := batch.Commit(); err != nil {
		t.Fatalf("Commit: %v", err)
	}

	batch = db.NewBatch()
	defer batch.Close()
	if err := idx.Insert(batch, member, []grouputxo.UtxoEntry{{Outpoint: outpoint(1, 0)}}); err == nil {
		t.Fatalf("expected error inserting duplicate outpoint")
	}
}

func TestDeleteRejectsAbsentOutpoint(t *testing.T) {
	db, idx := newIndex(t)
	batch := db.NewBatch()
	defer batch.Close()
	if err := idx.Delete(batch, []byte("m"), []types.Outpoint{outpoint(9, 9)}); err == nil {
		t.Fatalf("expected error deleting absent outpoint")
	}
}

// TestUtxoClosure mirrors spec.md §8 property 3: inserting then spending an
// outpoint leaves the member's UTXO set empty (and the empty value is
// tombstoned by the caller's compaction-filter substitute, not asserted
// here since that's pkg/kvstore/gc.go's concern).
func TestUtxoClosure(t *testing.T) {
	db, idx := newIndex(t)
	member := []byte("m")

	batch := db.NewBatch()
	if err := idx.Insert(batch, member, []grouputxo.UtxoEntry{
		{Outpoint: outpoint(1, 0)},
		{Outpoint: outpoint(2, 0)},
	}); err != nil {
		t.Fatalf("Insert: %v", err)
	}
	if err := batch.Commit(); err != nil {
		t.Fatalf("Commit: %v", err)
	}

	batch = db.NewBatch()
	if err := idx.Delete(batch, member, []types.Outpoint{outpoint(1, 0)}); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	if err := batch.Commit(); err != nil {
		t.Fatalf("Commit: %v", err)
	}

	got, err := idx.Get(member)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if len(got) != 1 || got[0].Outpoint != outpoint(2, 0) {
		t.Fatalf("Get after partial spend = %+v, want only (2,0)", got)
	}

	batch = db.NewBatch()
	if err := idx.Delete(batch, member, []types.Outpoint{outpoint(2, 0)}); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	if err := batch.Commit(); err != nil {
		t.Fatalf("Commit: %v", err)
	}
	got, err = idx.Get(member)
	if err != nil || len(got) != 0 {
		t.Fatalf("Get after full spend = %+v, err %v, want empty", got, err)
	}
}

func TestDeleteMemberBypassesMergeOperands(t *testing.T) {
	db, idx := newIndex(t)
	member := []byte("m")

	batch := db.NewBatch()
	if err := idx.Insert(batch, member, []grouputxo.UtxoEntry{{Outpoint: outpoint(1, 0)}}); err != nil {
		t.Fatalf("Insert: %v", err)
	}
	if err := batch.Commit(); err != nil {
		t.Fatalf("Commit: %v", err)
	}

	batch = db.NewBatch()
	if err := idx.DeleteMember(batch, member); err != nil {
		t.Fatalf("DeleteMember: %v", err)
	}
	if err := batch.Commit(); err != nil {
		t.Fatalf("Commit: %v", err)
	}

	got, err := idx.Get(member)
	if err != nil || len(got) != 0 {
		t.Fatalf("Get after DeleteMember = %+v, err %v, want empty", got, err)
	}
}
