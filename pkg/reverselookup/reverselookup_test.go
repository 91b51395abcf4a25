package reverselookup_test

import (
	"encoding/binary"
	"errors"
	"testing"

	"github.com/chronik-go/chronik/pkg/kvstore"
	"github.com/chronik-go/chronik/pkg/reverselookup"
)

// uint64Codec treats the test's serial type as a plain big-endian uint64,
// mirroring how pkg/txnum encodes TxNum for its txid reverse lookup.
var uint64Codec = reverselookup.SerialCodec[uint64]{
	Size: 8,
	Encode: func(s uint64) []byte {
		b := make([]byte, 8)
		binary.BigEndian.PutUint64(b, s)
		return b
	},
	Decode: func(b []byte) uint64 { return binary.BigEndian.Uint64(b) },
}

func less(a, b uint64) bool { return a < b }

func openIndex(t *testing.T, primary map[uint64][]byte) (*kvstore.DB, *reverselookup.Index[uint64]) {
	t.Helper()
	merge := reverselookup.MergeOperator(uint64Codec, less)
	db, err := kvstore.Open(t.TempDir(), kvstore.Options{CFs: []kvstore.CF{{Name: "rl", Merge: merge}}})
	if err != nil {
		t.Fatalf("kvstore.Open: %v", err)
	}
	t.Cleanup(func() { db.Close() })

	lookup := func(serial uint64) ([]byte, bool, error) {
		key, ok := primary[serial]
		return key, ok, nil
	}
	idx := reverselookup.New(db, db.CF("rl"), uint64Codec, lookup)
	return db, idx
}

func key32(b byte) []byte {
	k := make([]byte, 32)
	k[0] = b
	return k
}

func TestInsertThenGetResolves(t *testing.T) {
	primary := map[uint64][]byte{1: key32(0xaa), 2: key32(0xbb)}
	db, idx := openIndex(t, primary)

	batch := db.NewBatch()
	if err := idx.InsertPairs(batch, []reverselookup.Pair[uint64]{
		{Serial: 1, Key: key32(0xaa)},
		{Serial: 2, Key: key32(0xbb)},
	}); err != nil {
		t.Fatalf("InsertPairs: %v", err)
	}
	if err := batch.Commit(); err != nil {
		t.Fatalf("Commit: %v", err)
	}

	serial, found, err := idx.Get(key32(0xaa))
	if err != nil || !found || serial != 1 {
		t.Fatalf("Get(0xaa) = (%d, %v, %v), want (1, true, nil)", serial, found, err)
	}
	serial, found, err = idx.Get(key32(0xbb))
	if err != nil || !found || serial != 2 {
		t.Fatalf("Get(0xbb) = (%d, %v, %v), want (2, true, nil)", serial, found, err)
	}
	_, found, err = idx.Get(key32(0xcc))
	if err != nil || found {
		t.Fatalf("Get(absent) = (_, %v, %v), want (false, nil)", found, err)
	}
}

func TestInsertPairsRejectsDuplicateSerial(t *testing.T) {
	primary := map[uint64][]byte{1: key32(0xaa)}
	db, idx := openIndex(t, primary)

	batch := db.NewBatch()
	if err := idx.InsertPairs(batch, []reverselookup.Pair[uint64]{{Serial: 1, Key: key32(0xaa)}}); err != nil {
		t.Fatalf("first InsertPairs: %v", err)
	}
	if err := batch.Commit(); err != nil {
		t.Fatalf("Commit: %v", err)
	}

	batch = db.NewBatch()
	defer batch.Close()
	err := idx.InsertPairs(batch, []reverselookup.Pair[uint64]{{Serial: 1, Key: key32(0xaa)}})
	if !errors.Is(err, reverselookup.ErrDuplicateSerial) {
		t.Fatalf("expected ErrDuplicateSerial, got %v", err)
	}
}

func TestDeletePairsRejectsMissingSerial(t *testing.T) {
	db, idx := openIndex(t, map[uint64][]byte{})

	batch := db.NewBatch()
	defer batch.Close()
	err := idx.DeletePairs(batch, []reverselookup.Pair[uint64]{{Serial: 99, Key: key32(0x01)}})
	if !errors.Is(err, reverselookup.ErrNotInColumn) {
		t.Fatalf("expected ErrNotInColumn, got %v", err)
	}
}

func TestInsertThenDeleteRemovesCollisionEntry(t *testing.T) {
	primary := map[uint64][]byte{1: key32(0xaa)}
	primary[2] = key32(0xac) // differs from 0xaa in its first byte, so a different CheapHash
	db, idx := openIndex(t, primary)

	batch := db.NewBatch()
	if err := idx.InsertPairs(batch, []reverselookup.Pair[uint64]{{Serial: 1, Key: key32(0xaa)}}); err != nil {
		t.Fatalf("InsertPairs: %v", err)
	}
	if err := batch.Commit(); err != nil {
		t.Fatalf("Commit: %v", err)
	}

	batch = db.NewBatch()
	if err := idx.DeletePairs(batch, []reverselookup.Pair[uint64]{{Serial: 1, Key: key32(0xaa)}}); err != nil {
		t.Fatalf("DeletePairs: %v", err)
	}
	if err := batch.Commit(); err != nil {
		t.Fatalf("Commit: %v", err)
	}

	_, found, err := idx.Get(key32(0xaa))
	if err != nil || found {
		t.Fatalf("Get after delete = (_, %v, %v), want (false, nil)", found, err)
	}
}

func TestGetResolvesCollisionByFullKeyComparison(t *testing.T) {
	// Both keys share the same CheapHash prefix (first 8 bytes all zero
	// except a single differentiating byte past the hash window), so Get
	// must walk the collision list and compare full 32-byte keys, not just
	// trust the first candidate.
	keyA := key32(0x00)
	keyA[31] = 0x01
	keyB := key32(0x00)
	keyB[31] = 0x02

	primary := map[uint64][]byte{1: keyA, 2: keyB}
	db, idx := openIndex(t, primary)

	batch := db.NewBatch()
	if err := idx.InsertPairs(batch, []reverselookup.Pair[uint64]{
		{Serial: 1, Key: keyA},
		{Serial: 2, Key: keyB},
	}); err != nil {
		t.Fatalf("InsertPairs: %v", err)
	}
	if err := batch.Commit(); err != nil {
		t.Fatalf("Commit: %v", err)
	}

	serial, found, err := idx.Get(keyB)
	if err != nil || !found || serial != 2 {
		t.Fatalf("Get(keyB) = (%d, %v, %v), want (2, true, nil)", serial, found, err)
	}
}
