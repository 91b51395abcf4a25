package blockindex

import (
	"github.com/chronik-go/chronik/pkg/codec"
	"github.com/chronik-go/chronik/pkg/kvstore"
	"github.com/chronik-go/chronik/pkg/primitives"
	"github.com/chronik-go/chronik/pkg/reverselookup"
	"github.com/chronik-go/chronik/pkg/types"
)

var heightCodec = reverselookup.SerialCodec[types.Height]{
	Size:   4,
	Encode: func(h types.Height) []byte { return codec.BE4(uint32(h)) },
	Decode: func(b []byte) types.Height { return types.Height(codec.DecodeBE4(b)) },
}

// HashMergeOperator is wired to the blk_by_hash CF at DB-open time (§6),
// the same merge-dispatch shape txnum.MergeOperator uses for tx_by_hash.
func HashMergeOperator() kvstore.MergeFunc {
	return reverselookup.MergeOperator(heightCodec, func(a, b types.Height) bool { return a < b })
}

// HashIndex resolves a block hash back to its height, the reverse direction
// of Reader.ByHeight, grounded on the same reverselookup building block
// txnum uses for txid->TxNum (§4.3, §6's blk_by_hash CF).
type HashIndex struct {
	db     *kvstore.DB
	lookup *reverselookup.Index[types.Height]
	reader *Reader
}

// NewHashIndex builds a HashIndex backed by cf; reader resolves a candidate
// height's stored hash to settle reverselookup collisions.
func NewHashIndex(db *kvstore.DB, cf *kvstore.CF, reader *Reader) *HashIndex {
	hi := &HashIndex{db: db, reader: reader}
	hi.lookup = reverselookup.New(db, cf, heightCodec, hi.loadHash)
	return hi
}

func (hi *HashIndex) loadHash(height types.Height) ([]byte, bool, error) {
	block, err := hi.reader.ByHeight(height)
	if err != nil {
		if err == ErrNotFound {
			return nil, false, nil
		}
		return nil, false, err
	}
	return block.Hash.Bytes(), true, nil
}

// Insert records height's hash, called alongside Writer.Insert for the same
// block.
func (hi *HashIndex) Insert(batch *kvstore.Batch, height types.Height, hash primitives.Hash256) error {
	return hi.lookup.InsertPairs(batch, []reverselookup.Pair[types.Height]{{Serial: height, Key: hash.Bytes()}})
}

// Delete removes height's hash, called alongside Writer.DeleteByHeight.
func (hi *HashIndex) Delete(batch *kvstore.Batch, height types.Height, hash primitives.Hash256) error {
	return hi.lookup.DeletePairs(batch, []reverselookup.Pair[types.Height]{{Serial: height, Key: hash.Bytes()}})
}

// Get resolves hash to its height, found=false if unknown.
func (hi *HashIndex) Get(hash primitives.Hash256) (types.Height, bool, error) {
	return hi.lookup.Get(hash.Bytes())
}
