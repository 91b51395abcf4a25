package kvstore

import "github.com/cockroachdb/pebble/v2"

// Iterator scopes a pebble iterator to one CF, stripping the leading CF-id
// byte from keys it returns.
type Iterator struct {
	cf   *CF
	iter *pebble.Iterator
}

func (db *DB) newIter(cf *CF, lower, upper []byte) (*Iterator, error) {
	lo := cf.key(lower)
	var hi []byte
	if upper == nil {
		hi = []byte{cf.id + 1}
	} else {
		hi = cf.key(upper)
	}
	it, err := db.pdb.NewIter(&pebble.IterOptions{LowerBound: lo, UpperBound: hi})
	if err != nil {
		return nil, &StorageError{Op: "new_iter", Err: err}
	}
	return &Iterator{cf: cf, iter: it}, nil
}

// Forward returns an iterator over [from, end-of-cf), positioned before the
// first key; call Next to advance. from == nil starts at the CF's first key.
func (db *DB) Forward(cf *CF, from []byte) (*Iterator, error) {
	return db.newIter(cf, from, nil)
}

// ForwardRange returns an iterator over [from, to) within cf.
func (db *DB) ForwardRange(cf *CF, from, to []byte) (*Iterator, error) {
	return db.newIter(cf, from, to)
}

// FullIterator returns an iterator over the entirety of cf, used by schema
// upgrades (§4.14) scanning every row.
func (db *DB) FullIterator(cf *CF) (*Iterator, error) {
	return db.newIter(cf, nil, nil)
}

func (it *Iterator) Next() bool  { return it.iter.Next() }
func (it *Iterator) Prev() bool  { return it.iter.Prev() }
func (it *Iterator) First() bool { return it.iter.First() }
func (it *Iterator) Last() bool  { return it.iter.Last() }
func (it *Iterator) Valid() bool { return it.iter.Valid() }
func (it *Iterator) Close() error {
	if err := it.iter.Close(); err != nil {
		return &StorageError{Op: "close_iter", Err: err}
	}
	return nil
}

// Key returns the current key with the CF-id byte stripped.
func (it *Iterator) Key() []byte {
	k := it.iter.Key()
	return k[1:]
}

func (it *Iterator) Value() []byte {
	v, _ := it.iter.ValueAndErr()
	return v
}

// SeekGE positions the iterator at the first key >= key within the CF.
func (it *Iterator) SeekGE(key []byte) bool {
	return it.iter.SeekGE(it.cf.key(key))
}

// SeekLT positions the iterator at the last key < key within the CF, used
// for reverse iteration from a starting point (e.g. "last page before N").
func (it *Iterator) SeekLT(key []byte) bool {
	return it.iter.SeekLT(it.cf.key(key))
}
