// Package blockindex implements the height -> block-summary primary column
// described in §4.5. prev_hash is never stored redundantly: it is
// reconstructed on read from the previous height's row.
package blockindex

import (
	"errors"
	"fmt"
	"sort"

	"github.com/chronik-go/chronik/pkg/codec"
	"github.com/chronik-go/chronik/pkg/kvstore"
	"github.com/chronik-go/chronik/pkg/primitives"
	"github.com/chronik-go/chronik/pkg/types"
)

// ErrNotFound is returned by ByHeight/Tip when no block exists at all, or no
// row exists for the requested height.
var ErrNotFound = errors.New("blockindex: not found")

// Summary is a BlockSummary minus height (the key it's stored under) and
// minus prev_hash (reconstructed from the preceding row on read).
type Summary struct {
	Hash       primitives.Hash256
	Timestamp  int64
	NumTxs     uint32
	FirstTxNum types.TxNum
	NBits      uint32
	FileNum    uint32
	DataPos    uint32
}

// Block is a Summary with its height and reconstructed prev_hash attached,
// the shape handed back to readers.
type Block struct {
	Height   types.Height
	PrevHash primitives.Hash256 // zero value at genesis
	Summary
}

func encode(s Summary) []byte {
	w := codec.NewWriter(48)
	w.PutRaw(s.Hash.Bytes())
	w.PutUint64(uint64(s.Timestamp))
	w.PutUint32(s.NumTxs)
	w.PutUint64(uint64(s.FirstTxNum))
	w.PutUint32(s.NBits)
	w.PutUint32(s.FileNum)
	w.PutUint32(s.DataPos)
	return w.Bytes()
}

func decode(buf []byte) (Summary, error) {
	r := codec.NewReader(buf)
	hashBytes, err := r.ReadRaw(32)
	if err != nil {
		return Summary{}, codec.WrapCorrupt("blockindex: hash", err)
	}
	ts, err := r.ReadUint64()
	if err != nil {
		return Summary{}, codec.WrapCorrupt("blockindex: timestamp", err)
	}
	numTxs, err := r.ReadUint32()
	if err != nil {
		return Summary{}, codec.WrapCorrupt("blockindex: num_txs", err)
	}
	firstTxNum, err := r.ReadUint64()
	if err != nil {
		return Summary{}, codec.WrapCorrupt("blockindex: first_tx_num", err)
	}
	nBits, err := r.ReadUint32()
	if err != nil {
		return Summary{}, codec.WrapCorrupt("blockindex: n_bits", err)
	}
	fileNum, err := r.ReadUint32()
	if err != nil {
		return Summary{}, codec.WrapCorrupt("blockindex: file_num", err)
	}
	dataPos, err := r.ReadUint32()
	if err != nil {
		return Summary{}, codec.WrapCorrupt("blockindex: data_pos", err)
	}
	if !r.Done() {
		return Summary{}, fmt.Errorf("blockindex: %w: trailing bytes", codec.ErrCorruptDbEntry)
	}
	var hash primitives.Hash256
	hash, err = primitives.Hash256FromBytes(hashBytes)
	if err != nil {
		return Summary{}, codec.WrapCorrupt("blockindex: hash", err)
	}
	return Summary{
		Hash: hash, Timestamp: int64(ts), NumTxs: numTxs, FirstTxNum: types.TxNum(firstTxNum),
		NBits: nBits, FileNum: fileNum, DataPos: dataPos,
	}, nil
}

// Writer writes and deletes block-index rows within a caller-supplied batch.
type Writer struct {
	db *kvstore.DB
	cf *kvstore.CF
}

func NewWriter(db *kvstore.DB, cf *kvstore.CF) *Writer { return &Writer{db: db, cf: cf} }

// Insert writes be4(height) -> encoded(summary). prev_hash is not part of
// the stored row; callers are expected to have already validated it against
// the previous tip before calling Insert.
func (w *Writer) Insert(batch *kvstore.Batch, height types.Height, s Summary) error {
	return batch.Put(w.cf, codec.BE4(uint32(height)), encode(s))
}

// DeleteByHeight removes the row at height, used during a disconnect.
func (w *Writer) DeleteByHeight(batch *kvstore.Batch, height types.Height) error {
	return batch.Delete(w.cf, codec.BE4(uint32(height)))
}

// Reader serves height() / tip() / by_height(h) reads.
type Reader struct {
	db *kvstore.DB
	cf *kvstore.CF
}

func NewReader(db *kvstore.DB, cf *kvstore.CF) *Reader { return &Reader{db: db, cf: cf} }

// Height returns the largest height present, or InvalidHeight if the index
// is empty.
func (r *Reader) Height() (types.Height, error) {
	it, err := r.db.FullIterator(r.cf)
	if err != nil {
		return types.InvalidHeight, err
	}
	defer it.Close()
	if !it.Last() {
		return types.InvalidHeight, nil
	}
	return types.Height(codec.DecodeBE4(it.Key())), nil
}

// Tip returns the block at the current tip height.
func (r *Reader) Tip() (Block, error) {
	h, err := r.Height()
	if err != nil {
		return Block{}, err
	}
	if h == types.InvalidHeight {
		return Block{}, ErrNotFound
	}
	return r.ByHeight(h)
}

// ByHeight fetches the block at height, reconstructing prev_hash from the
// preceding row (zero hash at height 0).
func (r *Reader) ByHeight(height types.Height) (Block, error) {
	raw, err := r.db.Get(r.cf, codec.BE4(uint32(height)))
	if err != nil {
		return Block{}, err
	}
	if raw == nil {
		return Block{}, ErrNotFound
	}
	s, err := decode(raw)
	if err != nil {
		return Block{}, err
	}
	block := Block{Height: height, Summary: s}
	if height > 0 {
		prevRaw, err := r.db.Get(r.cf, codec.BE4(uint32(height-1)))
		if err != nil {
			return Block{}, err
		}
		if prevRaw != nil {
			prev, err := decode(prevRaw)
			if err != nil {
				return Block{}, err
			}
			block.PrevHash = prev.Hash
		}
	}
	return block, nil
}

// HeightForTxNum returns the height of the block containing txNum, found by
// binary search over first_tx_num (monotonically increasing with height).
// Used by schema upgrades and the query layer to resolve a TxNum back to
// the block it was confirmed in without keeping a separate reverse index.
func (r *Reader) HeightForTxNum(txNum types.TxNum) (types.Height, error) {
	tip, err := r.Height()
	if err != nil {
		return types.InvalidHeight, err
	}
	if tip == types.InvalidHeight {
		return types.InvalidHeight, ErrNotFound
	}

	var searchErr error
	n := int(tip) + 1
	i := sort.Search(n, func(h int) bool {
		if searchErr != nil {
			return true
		}
		b, err := r.ByHeight(types.Height(h))
		if err != nil {
			searchErr = err
			return true
		}
		return b.FirstTxNum > txNum
	})
	if searchErr != nil {
		return types.InvalidHeight, searchErr
	}
	if i == 0 {
		return types.InvalidHeight, ErrNotFound
	}
	return types.Height(i - 1), nil
}
