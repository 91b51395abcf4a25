package kvstore

import "github.com/cockroachdb/pebble/v2"

// Batch accumulates Put/Delete/Merge operations across any number of column
// families for one atomic commit (§4.1: "all batch operations are atomic on
// commit").
type Batch struct {
	db  *DB
	pb  *pebble.Batch
}

// NewBatch starts a fresh write batch. Indexed so Batch.Get can read back a
// key staged earlier in the same batch (read-your-own-writes within one
// block's commit) instead of only ever seeing the underlying DB snapshot.
func (db *DB) NewBatch() *Batch {
	return &Batch{db: db, pb: db.pdb.NewIndexedBatch()}
}

func (b *Batch) Put(cf *CF, key, value []byte) error {
	if err := b.pb.Set(cf.key(key), value, nil); err != nil {
		return &StorageError{Op: "batch_put", Err: err}
	}
	return nil
}

func (b *Batch) Delete(cf *CF, key []byte) error {
	if err := b.pb.Delete(cf.key(key), nil); err != nil {
		return &StorageError{Op: "batch_delete", Err: err}
	}
	return nil
}

// Merge queues a merge operand against cf's dispatching operator.
func (b *Batch) Merge(cf *CF, key, operand []byte) error {
	if err := b.pb.Merge(cf.key(key), operand, nil); err != nil {
		return &StorageError{Op: "batch_merge", Err: err}
	}
	return nil
}

// DeleteRange deletes every key in [start, end) within cf. Whole-CF wipes
// (grouputxo.Index.Wipe ahead of a full reindex, §4.7) use DeleteCF instead.
func (b *Batch) DeleteRange(cf *CF, start, end []byte) error {
	if err := b.pb.DeleteRange(cf.key(start), cf.key(end), nil); err != nil {
		return &StorageError{Op: "batch_delete_range", Err: err}
	}
	return nil
}

// DeleteCF drops every key belonging to cf, regardless of key width, by
// bounding the range with the next CF's id rather than a fixed-width
// high-key sentinel.
func (b *Batch) DeleteCF(cf *CF) error {
	if err := b.pb.DeleteRange([]byte{cf.id}, []byte{cf.id + 1}, nil); err != nil {
		return &StorageError{Op: "batch_delete_cf", Err: err}
	}
	return nil
}

// Get reads back a value staged in this batch, falling back to the
// underlying DB if the batch hasn't touched the key. Used by writers that
// need read-your-own-writes within a single block's batch (e.g. grouphistory
// pages, grouputxo lists and reverselookup collision lists).
func (b *Batch) Get(cf *CF, key []byte) ([]byte, error) {
	v, closer, err := b.pb.Get(cf.key(key))
	if err == pebble.ErrNotFound {
		return b.db.Get(cf, key)
	}
	if err != nil {
		return nil, &StorageError{Op: "batch_get", Err: err}
	}
	out := append([]byte(nil), v...)
	closer.Close()
	return out, nil
}

// Commit applies every queued operation atomically.
func (b *Batch) Commit() error {
	if err := b.db.pdb.Apply(b.pb, pebble.Sync); err != nil {
		return &StorageError{Op: "commit", Err: err}
	}
	return nil
}

// Close releases the batch without committing, used on an aborted write
// path (§7: "write-path errors abort the batch").
func (b *Batch) Close() error {
	return b.pb.Close()
}
