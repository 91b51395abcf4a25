// Package kvstore is the KV store façade (§4.1): a thin wrapper around
// pebble, a single physical keyspace, that presents column families,
// per-CF merge operators, multi-get, atomic write batches, and
// forward/reverse prefix iteration.
//
// Pebble has no native notion of column families (unlike RocksDB, which the
// original indexer targets); the teacher's own storage layer
// (evm-ingestion/storage/pebble.go, indexers/pcx/db/pebble.go) already
// emulates per-chain namespaces with a string key prefix ("p-utxo:",
// "c-utxo:", ...). This package generalizes that same idiom into a typed CF
// registry: each CF gets a dense one-byte ID prepended to every key, which
// both namespaces the keyspace and lets a single pebble.Merger dispatch to
// the right CF's merge function by reading that leading byte.
package kvstore

import (
	"fmt"

	"github.com/cockroachdb/pebble/v2"
)

// MergeFunc implements RocksDB-style full-merge semantics: a pure function
// of the existing value (nil if absent) and the operands applied in the
// order they were queued (§4.1). It returns the merged value; an empty,
// non-nil slice signals "logically deleted, write a tombstone" to the
// garbage collector in gc.go (pebble has no compaction-filter hook to do
// this automatically, see DESIGN.md).
type MergeFunc func(existing []byte, operands [][]byte) ([]byte, error)

// CF describes one column family.
type CF struct {
	Name  string
	id    byte
	Merge MergeFunc
}

// DB is the opened store, holding the CF registry alongside the pebble
// handle.
type DB struct {
	pdb *pebble.DB
	cfs map[string]*CF
}

// Options configures Open.
type Options struct {
	// CFs is the full list of column families this DB instance will use.
	// Order determines the dense CF id assigned to each, so it must be
	// stable across process restarts.
	CFs []CF
}

// Open opens (or creates) a pebble database at path with the given CF
// registry wired into a dispatching merge operator.
func Open(path string, opts Options) (*DB, error) {
	if len(opts.CFs) > 255 {
		return nil, fmt.Errorf("kvstore: too many column families (%d), 255 max", len(opts.CFs))
	}
	db := &DB{cfs: make(map[string]*CF, len(opts.CFs))}
	registry := make([]*CF, len(opts.CFs))
	for i := range opts.CFs {
		cf := opts.CFs[i]
		cf.id = byte(i)
		registry[i] = &cf
		db.cfs[cf.Name] = &cf
	}

	pebbleOpts := &pebble.Options{
		Merger: &pebble.Merger{
			Name: "chronik.dispatch",
			Merge: func(key, value []byte) (pebble.ValueMerger, error) {
				if len(key) == 0 {
					return nil, fmt.Errorf("kvstore: merge on empty key")
				}
				cf := registry[key[0]]
				if cf == nil || cf.Merge == nil {
					return nil, fmt.Errorf("kvstore: no merge operator for cf id %d", key[0])
				}
				return &dispatchMerger{fn: cf.Merge, operands: [][]byte{value}}, nil
			},
		},
	}

	pdb, err := pebble.Open(path, pebbleOpts)
	if err != nil {
		return nil, &StorageError{Op: "open", Err: err}
	}
	db.pdb = pdb
	return db, nil
}

func (db *DB) Close() error {
	if err := db.pdb.Close(); err != nil {
		return &StorageError{Op: "close", Err: err}
	}
	return nil
}

// CF looks up a registered column family by name, panicking on an unknown
// name since CF registration is a startup-time programming invariant, not a
// runtime condition callers recover from.
func (db *DB) CF(name string) *CF {
	cf, ok := db.cfs[name]
	if !ok {
		panic(fmt.Sprintf("kvstore: unknown column family %q", name))
	}
	return cf
}

func (cf *CF) key(k []byte) []byte {
	out := make([]byte, 0, len(k)+1)
	out = append(out, cf.id)
	out = append(out, k...)
	return out
}

// Get fetches a single value. It returns (nil, nil) if the key is absent.
func (db *DB) Get(cf *CF, key []byte) ([]byte, error) {
	v, closer, err := db.pdb.Get(cf.key(key))
	if err == pebble.ErrNotFound {
		return nil, nil
	}
	if err != nil {
		return nil, &StorageError{Op: "get", Err: err}
	}
	out := append([]byte(nil), v...)
	closer.Close()
	return out, nil
}

// MultiGet fetches many keys from one CF in one call. Missing keys yield a
// nil entry at the same index, never an error.
func (db *DB) MultiGet(cf *CF, keys [][]byte) ([][]byte, error) {
	out := make([][]byte, len(keys))
	for i, k := range keys {
		v, err := db.Get(cf, k)
		if err != nil {
			return nil, err
		}
		out[i] = v
	}
	return out, nil
}

// EstimateNumKeys gives an approximate row count for cf, for operational
// dashboards; it is not used by any correctness-sensitive code path.
func (db *DB) EstimateNumKeys(cf *CF) (uint64, error) {
	lo := []byte{cf.id}
	hi := []byte{cf.id + 1}
	n, err := db.pdb.EstimateDiskUsage(lo, hi)
	if err != nil {
		return 0, &StorageError{Op: "estimate_num_keys", Err: err}
	}
	// EstimateDiskUsage reports bytes, not keys; callers only use this as a
	// coarse operational signal, so a byte count is surfaced directly rather
	// than inventing a fake per-key average.
	return n, nil
}
