// Package txnum assigns the dense, monotone TxNum sequence (§4.4) and
// resolves a block's inputs back to the TxNums of the coins they spend.
package txnum

import (
	"fmt"
	"sort"

	"github.com/chronik-go/chronik/pkg/codec"
	"github.com/chronik-go/chronik/pkg/kvstore"
	"github.com/chronik-go/chronik/pkg/primitives"
	"github.com/chronik-go/chronik/pkg/reverselookup"
	"github.com/chronik-go/chronik/pkg/types"
)

// Entry is the primary TxNum -> ... row (§3's Tx entity projected to what
// the indexer needs to resolve spends and serve lazy loads).
type Entry struct {
	Txid         primitives.Hash256
	DataPos      uint64
	UndoPos      uint64
	TimeFirstSeen int64
	IsCoinbase   bool
}

func encodeEntry(e Entry) []byte {
	w := codec.NewWriter(64)
	w.PutRaw(e.Txid.Bytes())
	w.PutUint64(e.DataPos)
	w.PutUint64(e.UndoPos)
	w.PutUint64(uint64(e.TimeFirstSeen))
	if e.IsCoinbase {
		w.PutByte(1)
	} else {
		w.PutByte(0)
	}
	return w.Bytes()
}

func decodeEntry(buf []byte) (Entry, error) {
	r := codec.NewReader(buf)
	txidBytes, err := r.ReadRaw(32)
	if err != nil {
		return Entry{}, codec.WrapCorrupt("txnum: txid", err)
	}
	dataPos, err := r.ReadUint64()
	if err != nil {
		return Entry{}, codec.WrapCorrupt("txnum: data_pos", err)
	}
	undoPos, err := r.ReadUint64()
	if err != nil {
		return Entry{}, codec.WrapCorrupt("txnum: undo_pos", err)
	}
	tfs, err := r.ReadUint64()
	if err != nil {
		return Entry{}, codec.WrapCorrupt("txnum: time_first_seen", err)
	}
	cb, err := r.ReadByte()
	if err != nil {
		return Entry{}, codec.WrapCorrupt("txnum: is_coinbase", err)
	}
	if !r.Done() {
		return Entry{}, fmt.Errorf("txnum: %w: trailing bytes", codec.ErrCorruptDbEntry)
	}
	txid, err := primitives.Hash256FromBytes(txidBytes)
	if err != nil {
		return Entry{}, codec.WrapCorrupt("txnum: txid", err)
	}
	return Entry{Txid: txid, DataPos: dataPos, UndoPos: undoPos, TimeFirstSeen: int64(tfs), IsCoinbase: cb != 0}, nil
}

var serialCodec = reverselookup.SerialCodec[types.TxNum]{
	Size:   8,
	Encode: func(n types.TxNum) []byte { return codec.BE8(uint64(n)) },
	Decode: func(b []byte) types.TxNum { return types.TxNum(codec.DecodeBE8(b)) },
}

// MergeOperator is wired to the reverse-lookup CF backing txid->TxNum at
// DB-open time.
func MergeOperator() kvstore.MergeFunc {
	return reverselookup.MergeOperator(serialCodec, func(a, b types.TxNum) bool { return a < b })
}

// BlockTx is the minimal per-tx input the writer needs: the parsed tx and
// whether it's the block's coinbase.
type BlockTx struct {
	Tx         primitives.Tx
	IsCoinbase bool
	DataPos    uint64
	UndoPos    uint64
	FirstSeen  int64
}

// Writer assigns TxNums and writes the primary + reverse-lookup rows.
type Writer struct {
	db       *kvstore.DB
	primCF   *kvstore.CF
	lookup   *reverselookup.Index[types.TxNum]
}

func NewWriter(db *kvstore.DB, primCF, lookupCF *kvstore.CF) *Writer {
	w := &Writer{db: db, primCF: primCF}
	w.lookup = reverselookup.New(db, lookupCF, serialCodec, w.loadTxid)
	return w
}

func (w *Writer) loadTxid(serial types.TxNum) ([]byte, bool, error) {
	raw, err := w.db.Get(w.primCF, codec.BE8(uint64(serial)))
	if err != nil {
		return nil, false, err
	}
	if raw == nil {
		return nil, false, nil
	}
	e, err := decodeEntry(raw)
	if err != nil {
		return nil, false, err
	}
	return e.Txid.Bytes(), true, nil
}

// Entry fetches the primary TxNum -> ... row directly, used by the driver
// to resolve a historical input's data_pos/undo_pos for a lazy node load
// (§4.10/§6's load_tx contract).
func (w *Writer) Entry(txNum types.TxNum) (Entry, bool, error) {
	raw, err := w.db.Get(w.primCF, codec.BE8(uint64(txNum)))
	if err != nil {
		return Entry{}, false, err
	}
	if raw == nil {
		return Entry{}, false, nil
	}
	e, err := decodeEntry(raw)
	if err != nil {
		return Entry{}, false, err
	}
	return e, true, nil
}

// Lookup resolves a confirmed tx's TxNum by txid via the reverse-lookup CF
// directly, for callers (mempool coin joins) that need a single txid
// resolved outside of a PrepareIndexedTxs batch.
func (w *Writer) Lookup(txid primitives.Hash256) (types.TxNum, bool, error) {
	return w.lookup.Get(txid.Bytes())
}

// NextTxNum returns the first unassigned TxNum (the primary CF's largest key
// + 1, or 0 if empty).
func (w *Writer) NextTxNum() (types.TxNum, error) {
	it, err := w.db.FullIterator(w.primCF)
	if err != nil {
		return 0, err
	}
	defer it.Close()
	if !it.Last() {
		return 0, nil
	}
	return types.TxNum(codec.DecodeBE8(it.Key()) + 1), nil
}

// Insert assigns the contiguous range [firstTxNum, firstTxNum+len(txs)) to
// txs in order, writing both the primary rows and the txid reverse lookup.
func (w *Writer) Insert(batch *kvstore.Batch, firstTxNum types.TxNum, txs []BlockTx) error {
	for i, tx := range txs {
		n := firstTxNum + types.TxNum(i)
		e := Entry{Txid: tx.Tx.Txid, DataPos: tx.DataPos, UndoPos: tx.UndoPos, TimeFirstSeen: tx.FirstSeen, IsCoinbase: tx.IsCoinbase}
		if err := batch.Put(w.primCF, codec.BE8(uint64(n)), encodeEntry(e)); err != nil {
			return err
		}
	}
	pairs := make([]reverselookup.Pair[types.TxNum], len(txs))
	for i, tx := range txs {
		pairs[i] = reverselookup.Pair[types.TxNum]{Serial: firstTxNum + types.TxNum(i), Key: tx.Tx.Txid.Bytes()}
	}
	return w.lookup.InsertPairs(batch, pairs)
}

// DeleteRange removes the primary rows and reverse-lookup entries for
// [firstTxNum, firstTxNum+count), used on disconnect.
func (w *Writer) DeleteRange(batch *kvstore.Batch, firstTxNum types.TxNum, txids []primitives.Hash256) error {
	for i, txid := range txids {
		n := firstTxNum + types.TxNum(i)
		if err := batch.Delete(w.primCF, codec.BE8(uint64(n))); err != nil {
			return err
		}
		if err := w.lookup.DeletePairs(batch, []reverselookup.Pair[types.TxNum]{{Serial: n, Key: txid.Bytes()}}); err != nil {
			return err
		}
	}
	return nil
}

// ErrUnknownInputSpent is returned by PrepareIndexedTxs when an input can't
// be resolved to a TxNum by any of the intra-block map, the cache, or the
// reverse lookup.
type ErrUnknownInputSpent struct {
	Outpoint types.TxOutpoint
}

func (e *ErrUnknownInputSpent) Error() string {
	return fmt.Sprintf("txnum: unknown input spent: %s:%d", e.Outpoint.TxId.String(), e.Outpoint.OutIdx)
}

// IndexTx is one block tx resolved against TxNum space: its assigned TxNum
// and the TxNums of the coins each of its inputs spends.
type IndexTx struct {
	Tx         primitives.Tx
	TxNum      types.TxNum
	IsCoinbase bool
	InputNums  []types.TxNum
}

// Cache is the TxNumCache "conveyor belt" of §4.4: a fixed-size ring of
// hash-map buckets. Inserts fill the front bucket; when full, the rear
// bucket is emptied, rotated to front, and reused. Lookups scan front to
// rear. During initial sync, a block's inputs overwhelmingly reference
// recent txs, so this gives an O(1), ~100%-hit-rate substitute for a DB
// multi-get per input.
type Cache struct {
	buckets  []map[primitives.Hash256]types.TxNum
	capacity int
}

// NewCache builds a ring of numBuckets buckets, each holding up to
// bucketCapacity entries before rotation.
func NewCache(numBuckets, bucketCapacity int) *Cache {
	c := &Cache{buckets: make([]map[primitives.Hash256]types.TxNum, numBuckets), capacity: bucketCapacity}
	for i := range c.buckets {
		c.buckets[i] = make(map[primitives.Hash256]types.TxNum, bucketCapacity)
	}
	return c
}

// Get scans buckets front to rear for txid.
func (c *Cache) Get(txid primitives.Hash256) (types.TxNum, bool) {
	for _, b := range c.buckets {
		if n, ok := b[txid]; ok {
			return n, true
		}
	}
	return 0, false
}

// Insert adds txid->n into the front bucket, rotating the ring if it's full.
func (c *Cache) Insert(txid primitives.Hash256, n types.TxNum) {
	front := c.buckets[0]
	if len(front) >= c.capacity {
		c.rotate()
		front = c.buckets[0]
	}
	front[txid] = n
}

func (c *Cache) rotate() {
	last := len(c.buckets) - 1
	rear := c.buckets[last]
	for k := range rear {
		delete(rear, k)
	}
	copy(c.buckets[1:], c.buckets[:last])
	c.buckets[0] = rear
}

// Clear empties every bucket, called on reorg (disconnect).
func (c *Cache) Clear() {
	for _, b := range c.buckets {
		for k := range b {
			delete(b, k)
		}
	}
}

// UpdateMode selects whether PrepareIndexedTxs is being called for a
// connect (Add, assigning fresh TxNums) or a disconnect/reorg (Remove,
// reusing already-assigned TxNums); both share input-resolution logic.
type UpdateMode int

const (
	Add UpdateMode = iota
	Remove
)

// PrepareIndexedTxs implements §4.4's algorithm: seed an intra-block map,
// resolve each input via intra-block -> cache -> reverse-lookup multi-get,
// and assemble IndexTx values with InputNums in original order.
func (w *Writer) PrepareIndexedTxs(firstTxNum types.TxNum, txs []BlockTx, cache *Cache, mode UpdateMode) ([]IndexTx, error) {
	intraBlock := make(map[primitives.Hash256]types.TxNum, len(txs))
	for i, tx := range txs {
		intraBlock[tx.Tx.Txid] = firstTxNum + types.TxNum(i)
	}

	result := make([]IndexTx, len(txs))
	// unresolved maps outpoint -> list of (txIdx, inputIdx) slots awaiting it.
	type slot struct{ txIdx, inputIdx int }
	unresolved := make(map[primitives.Hash256][]slot)

	for ti, btx := range txs {
		result[ti] = IndexTx{Tx: btx.Tx, TxNum: firstTxNum + types.TxNum(ti), IsCoinbase: btx.IsCoinbase, InputNums: make([]types.TxNum, len(btx.Tx.Inputs))}
		if btx.IsCoinbase {
			continue
		}
		for ii, in := range btx.Tx.Inputs {
			prevTxid := in.PrevOut.TxId
			if n, ok := intraBlock[prevTxid]; ok {
				result[ti].InputNums[ii] = n
				continue
			}
			if n, ok := cache.Get(prevTxid); ok {
				result[ti].InputNums[ii] = n
				continue
			}
			unresolved[prevTxid] = append(unresolved[prevTxid], slot{ti, ii})
		}
	}

	if len(unresolved) > 0 {
		keys := make([]primitives.Hash256, 0, len(unresolved))
		for k := range unresolved {
			keys = append(keys, k)
		}
		sort.Slice(keys, func(i, j int) bool { return keys[i].String() < keys[j].String() })
		for _, txid := range keys {
			n, found, err := w.lookup.Get(txid.Bytes())
			if err != nil {
				return nil, err
			}
			if !found {
				slots := unresolved[txid]
				idx := slots[0]
				return nil, &ErrUnknownInputSpent{Outpoint: types.TxOutpoint{TxId: txid, OutIdx: uint32(txs[idx.txIdx].Tx.Inputs[idx.inputIdx].PrevOut.OutIdx)}}
			}
			for _, s := range unresolved[txid] {
				result[s.txIdx].InputNums[s.inputIdx] = n
			}
			if mode == Add {
				cache.Insert(txid, n)
			}
		}
	}
	if mode == Remove {
		cache.Clear()
	}
	return result, nil
}
