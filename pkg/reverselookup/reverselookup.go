// Package reverselookup implements the generic building block described in
// §4.3: for a primary column Serial -> Data (where Data embeds a 32-byte
// key), maintain an auxiliary column CheapHash(key) -> ordered list[Serial].
// It backs txid->TxNum, block-hash->height, and (optionally) script-hash
// ->script.
package reverselookup

import (
	"errors"
	"sort"

	"github.com/chronik-go/chronik/pkg/codec"
	"github.com/chronik-go/chronik/pkg/kvstore"
)

// ErrDuplicateSerial is returned by InsertPairs when the serial is already
// present in the key's collision list — a single-writer contract violation.
var ErrDuplicateSerial = errors.New("reverselookup: duplicate serial")

// ErrNotInColumn is returned by DeletePairs when the serial is absent from
// the key's collision list.
var ErrNotInColumn = errors.New("reverselookup: serial not in column")

// SerialCodec encodes/decodes the Serial type (TxNum, Height, ...) to/from
// the fixed-width bytes stored in a collision list.
type SerialCodec[S comparable] struct {
	Size   int
	Encode func(S) []byte
	Decode func([]byte) S
}

// PrimaryLookup fetches the 32-byte key embedded in the primary row for
// serial, reporting found=false if no such row exists.
type PrimaryLookup[S comparable] func(serial S) (key []byte, found bool, err error)

// Pair is one (serial, key) to insert or delete.
type Pair[S comparable] struct {
	Serial S
	Key    []byte // 32 bytes
}

// Index is one reverse-lookup specialization.
type Index[S comparable] struct {
	db       *kvstore.DB
	cf       *kvstore.CF
	codec    SerialCodec[S]
	hashSize int
	primary  PrimaryLookup[S]
}

// CheapHashSize is the default collision-list key width (§4.3: "4-8 bytes").
const CheapHashSize = 8

// CheapHash takes the first n bytes of a cryptographic key; since key is
// already uniformly distributed (it's a hash), no further hashing is
// required.
func CheapHash(key []byte, n int) []byte {
	if n > len(key) {
		n = len(key)
	}
	out := make([]byte, n)
	copy(out, key[:n])
	return out
}

// New constructs an Index backed by cf, whose merge operator must be wired
// to MergeOperator(codec) when the DB is opened.
func New[S comparable](db *kvstore.DB, cf *kvstore.CF, c SerialCodec[S], primary PrimaryLookup[S]) *Index[S] {
	return &Index[S]{db: db, cf: cf, codec: c, hashSize: CheapHashSize, primary: primary}
}

// MergeOperator builds the CF merge function for a given serial codec. It
// combines insert/delete operands (one-byte tag + encoded serial) into a
// sorted, deduplicated list. Called once at DB-open time per §4.1's
// per-CF merge operator requirement.
func MergeOperator[S comparable](c SerialCodec[S], less func(a, b S) bool) kvstore.MergeFunc {
	return func(existing []byte, operands [][]byte) ([]byte, error) {
		list := decodeList(existing, c)
		for _, op := range operands {
			if len(op) < 1 {
				continue
			}
			tag, payload := op[0], op[1:]
			if len(payload) != c.Size {
				continue
			}
			s := c.Decode(payload)
			switch tag {
			case tagInsert:
				list = insertSorted(list, s, less)
			case tagDelete:
				list = deleteSorted(list, s, less)
			}
		}
		return encodeList(list, c), nil
	}
}

const (
	tagInsert = 'I'
	tagDelete = 'D'
)

func insertSorted[S comparable](list []S, s S, less func(a, b S) bool) []S {
	i := sort.Search(len(list), func(i int) bool { return !less(list[i], s) })
	if i < len(list) && list[i] == s {
		return list // idempotent: eager check in InsertPairs already rejected true duplicates
	}
	list = append(list, s)
	copy(list[i+1:], list[i:])
	list[i] = s
	return list
}

func deleteSorted[S comparable](list []S, s S, less func(a, b S) bool) []S {
	i := sort.Search(len(list), func(i int) bool { return !less(list[i], s) })
	if i >= len(list) || list[i] != s {
		return list
	}
	return append(list[:i], list[i+1:]...)
}

func encodeList[S comparable](list []S, c SerialCodec[S]) []byte {
	w := codec.NewWriter(len(list)*c.Size + 4)
	w.PutVarint(uint64(len(list)))
	for _, s := range list {
		w.PutRaw(c.Encode(s))
	}
	return w.Bytes()
}

func decodeList[S comparable](buf []byte, c SerialCodec[S]) []S {
	if len(buf) == 0 {
		return nil
	}
	r := codec.NewReader(buf)
	n, err := r.ReadVarint()
	if err != nil {
		return nil
	}
	list := make([]S, 0, n)
	for i := uint64(0); i < n; i++ {
		b, err := r.ReadRaw(c.Size)
		if err != nil {
			break
		}
		list = append(list, c.Decode(b))
	}
	return list
}

// Get fetches the (serial, found) pair for key, resolving collisions by
// loading each candidate's primary row.
func (idx *Index[S]) Get(key []byte) (serial S, found bool, err error) {
	hash := CheapHash(key, idx.hashSize)
	raw, err := idx.db.Get(idx.cf, hash)
	if err != nil {
		return serial, false, err
	}
	if raw == nil {
		return serial, false, nil
	}
	for _, candidate := range decodeList(raw, idx.codec) {
		candKey, ok, err := idx.primary(candidate)
		if err != nil {
			return serial, false, err
		}
		if ok && bytesEqual(candKey, key) {
			return candidate, true, nil
		}
	}
	return serial, false, nil
}

// InsertPairs appends serial into each key's collision list, eagerly
// rejecting a duplicate serial so the caller (the single writer) learns of
// a contract violation synchronously rather than on a later, deferred
// compaction (see DESIGN.md for why this departs from a pure merge-operator
// implementation).
func (idx *Index[S]) InsertPairs(batch *kvstore.Batch, pairs []Pair[S]) error {
	for _, p := range pairs {
		hash := CheapHash(p.Key, idx.hashSize)
		raw, err := batch.Get(idx.cf, hash)
		if err != nil {
			return err
		}
		for _, s := range decodeList(raw, idx.codec) {
			if s == p.Serial {
				return ErrDuplicateSerial
			}
		}
		operand := append([]byte{tagInsert}, idx.codec.Encode(p.Serial)...)
		if err := batch.Merge(idx.cf, hash, operand); err != nil {
			return err
		}
	}
	return nil
}

// DeletePairs removes serial from each key's collision list, failing with
// ErrNotInColumn if the serial isn't present.
func (idx *Index[S]) DeletePairs(batch *kvstore.Batch, pairs []Pair[S]) error {
	for _, p := range pairs {
		hash := CheapHash(p.Key, idx.hashSize)
		raw, err := batch.Get(idx.cf, hash)
		if err != nil {
			return err
		}
		found := false
		for _, s := range decodeList(raw, idx.codec) {
			if s == p.Serial {
				found = true
				break
			}
		}
		if !found {
			return ErrNotInColumn
		}
		operand := append([]byte{tagDelete}, idx.codec.Encode(p.Serial)...)
		if err := batch.Merge(idx.cf, hash, operand); err != nil {
			return err
		}
	}
	return nil
}

func bytesEqual(a, b []byte) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}
