// Package grouputxo implements the per-member UTXO set index described in
// §4.7: merge-operand inserts/deletes on a sorted list of UtxoEntry, with
// an empty resulting list left for the tombstone sweeper to reclaim.
package grouputxo

import (
	"fmt"
	"sort"

	"github.com/chronik-go/chronik/pkg/codec"
	"github.com/chronik-go/chronik/pkg/kvstore"
	"github.com/chronik-go/chronik/pkg/types"
)

const (
	tagInsert = 'I'
	tagDelete = 'D'
)

// UtxoEntry is one UTXO attached to a group member: its outpoint and the
// group's UtxoData projection (§3).
type UtxoEntry struct {
	Outpoint types.Outpoint
	Data     []byte
}

func encodeOutpoint(o types.Outpoint) []byte {
	w := codec.NewWriter(12)
	w.PutUint64(uint64(o.TxNum))
	w.PutUint32(o.OutIdx)
	return w.Bytes()
}

func decodeOutpoint(buf []byte) (types.Outpoint, []byte, error) {
	r := codec.NewReader(buf)
	txNum, err := r.ReadUint64()
	if err != nil {
		return types.Outpoint{}, nil, codec.WrapCorrupt("grouputxo: tx_num", err)
	}
	outIdx, err := r.ReadUint32()
	if err != nil {
		return types.Outpoint{}, nil, codec.WrapCorrupt("grouputxo: out_idx", err)
	}
	return types.Outpoint{TxNum: types.TxNum(txNum), OutIdx: outIdx}, buf[12:], nil
}

func encodeEntry(e UtxoEntry) []byte {
	w := codec.NewWriter(12 + 4 + len(e.Data))
	w.PutUint64(uint64(e.Outpoint.TxNum))
	w.PutUint32(e.Outpoint.OutIdx)
	w.PutBytes(e.Data)
	return w.Bytes()
}

func less(a, b types.Outpoint) bool {
	if a.TxNum != b.TxNum {
		return a.TxNum < b.TxNum
	}
	return a.OutIdx < b.OutIdx
}

func encodeList(list []UtxoEntry) []byte {
	w := codec.NewWriter(32 * len(list))
	w.PutVarint(uint64(len(list)))
	for _, e := range list {
		w.PutUint64(uint64(e.Outpoint.TxNum))
		w.PutUint32(e.Outpoint.OutIdx)
		w.PutBytes(e.Data)
	}
	return w.Bytes()
}

func decodeList(buf []byte) ([]UtxoEntry, error) {
	if len(buf) == 0 {
		return nil, nil
	}
	r := codec.NewReader(buf)
	count, err := r.ReadVarint()
	if err != nil {
		return nil, codec.WrapCorrupt("grouputxo: count", err)
	}
	list := make([]UtxoEntry, 0, count)
	for i := uint64(0); i < count; i++ {
		txNum, err := r.ReadUint64()
		if err != nil {
			return nil, codec.WrapCorrupt("grouputxo: tx_num", err)
		}
		outIdx, err := r.ReadUint32()
		if err != nil {
			return nil, codec.WrapCorrupt("grouputxo: out_idx", err)
		}
		data, err := r.ReadBytes()
		if err != nil {
			return nil, codec.WrapCorrupt("grouputxo: data", err)
		}
		list = append(list, UtxoEntry{Outpoint: types.Outpoint{TxNum: types.TxNum(txNum), OutIdx: outIdx}, Data: append([]byte(nil), data...)})
	}
	if !r.Done() {
		return nil, fmt.Errorf("grouputxo: %w: trailing bytes", codec.ErrCorruptDbEntry)
	}
	return list, nil
}

// MergeOperator is the CF-level full-merge function for a group-UTXO CF
// (§4.7): applies each I/D operand in order against the sorted list,
// rejecting duplicate inserts / missing deletes is the writer's job (see
// reverselookup's identical eager-check rationale in DESIGN.md) — the
// merge itself stays tolerant so replay during compaction is idempotent.
func MergeOperator() kvstore.MergeFunc {
	return func(existing []byte, operands [][]byte) ([]byte, error) {
		list, err := decodeList(existing)
		if err != nil {
			return nil, err
		}
		for _, op := range operands {
			if len(op) < 1 {
				continue
			}
			switch op[0] {
			case tagInsert:
				entry, err := decodeMergeEntry(op[1:])
				if err != nil {
					return nil, err
				}
				list = insertSorted(list, entry)
			case tagDelete:
				outpoint, _, err := decodeOutpoint(op[1:])
				if err != nil {
					return nil, err
				}
				list = deleteSorted(list, outpoint)
			}
		}
		if len(list) == 0 {
			return []byte{}, nil
		}
		return encodeList(list), nil
	}
}

func decodeMergeEntry(buf []byte) (UtxoEntry, error) {
	r := codec.NewReader(buf)
	txNum, err := r.ReadUint64()
	if err != nil {
		return UtxoEntry{}, codec.WrapCorrupt("grouputxo: merge tx_num", err)
	}
	outIdx, err := r.ReadUint32()
	if err != nil {
		return UtxoEntry{}, codec.WrapCorrupt("grouputxo: merge out_idx", err)
	}
	data, err := r.ReadBytes()
	if err != nil {
		return UtxoEntry{}, codec.WrapCorrupt("grouputxo: merge data", err)
	}
	return UtxoEntry{Outpoint: types.Outpoint{TxNum: types.TxNum(txNum), OutIdx: outIdx}, Data: append([]byte(nil), data...)}, nil
}

func insertSorted(list []UtxoEntry, e UtxoEntry) []UtxoEntry {
	i := sort.Search(len(list), func(i int) bool { return !less(list[i].Outpoint, e.Outpoint) })
	if i < len(list) && list[i].Outpoint == e.Outpoint {
		return list // already present: tolerated at merge time, rejected eagerly by the writer
	}
	list = append(list, UtxoEntry{})
	copy(list[i+1:], list[i:])
	list[i] = e
	return list
}

func deleteSorted(list []UtxoEntry, o types.Outpoint) []UtxoEntry {
	i := sort.Search(len(list), func(i int) bool { return !less(list[i].Outpoint, o) })
	if i >= len(list) || list[i].Outpoint != o {
		return list
	}
	return append(list[:i], list[i+1:]...)
}

// Index is the read/write surface over one group's UTXO CF.
type Index struct {
	db *kvstore.DB
	cf *kvstore.CF
}

func New(db *kvstore.DB, cf *kvstore.CF) *Index { return &Index{db: db, cf: cf} }

// Get returns the full sorted UTXO set for member.
func (idx *Index) Get(member []byte) ([]UtxoEntry, error) {
	raw, err := idx.db.Get(idx.cf, member)
	if err != nil {
		return nil, err
	}
	return decodeList(raw)
}

func (idx *Index) get(batch *kvstore.Batch, member []byte) ([]UtxoEntry, error) {
	raw, err := batch.Get(idx.cf, member)
	if err != nil {
		return nil, err
	}
	return decodeList(raw)
}

// Insert queues an I operand for each entry, eagerly rejecting a duplicate
// outpoint so the driver learns of a contract violation synchronously.
func (idx *Index) Insert(batch *kvstore.Batch, member []byte, entries []UtxoEntry) error {
	for _, e := range entries {
		list, err := idx.get(batch, member)
		if err != nil {
			return err
		}
		i := sort.Search(len(list), func(i int) bool { return !less(list[i].Outpoint, e.Outpoint) })
		if i < len(list) && list[i].Outpoint == e.Outpoint {
			return fmt.Errorf("grouputxo: outpoint already exists: %+v", e.Outpoint)
		}
		if err := batch.Merge(idx.cf, member, append([]byte{tagInsert}, encodeEntry(e)...)); err != nil {
			return err
		}
	}
	return nil
}

// Delete queues a D operand for each outpoint, eagerly rejecting an absent
// outpoint.
func (idx *Index) Delete(batch *kvstore.Batch, member []byte, outpoints []types.Outpoint) error {
	for _, o := range outpoints {
		list, err := idx.get(batch, member)
		if err != nil {
			return err
		}
		i := sort.Search(len(list), func(i int) bool { return !less(list[i].Outpoint, o) })
		if i >= len(list) || list[i].Outpoint != o {
			return fmt.Errorf("grouputxo: outpoint absent: %+v", o)
		}
		if err := batch.Merge(idx.cf, member, append([]byte{tagDelete}, encodeOutpoint(o)...)); err != nil {
			return err
		}
	}
	return nil
}

// Wipe drops the entire CF range, used ahead of a full reindex (§4.7).
func (idx *Index) Wipe(batch *kvstore.Batch) error {
	return batch.DeleteCF(idx.cf)
}

// DeleteMember removes member's row outright, bypassing the per-outpoint
// merge-operand path. Used by schema upgrades (§4.14) that relocate a
// member's entire UTXO set to a different key rather than retiring
// individual outpoints.
func (idx *Index) DeleteMember(batch *kvstore.Batch, member []byte) error {
	return batch.Delete(idx.cf, member)
}
