// Package grouphistory implements the paginated per-member tx history index
// described in §4.6: a logical map (member, page_num) -> [TxNum], with a
// sibling num_txs counter per member.
package grouphistory

import (
	"errors"
	"fmt"

	"github.com/chronik-go/chronik/pkg/codec"
	"github.com/chronik-go/chronik/pkg/kvstore"
	"github.com/chronik-go/chronik/pkg/types"
)

// ErrInconsistent is returned by Delete when draining a member's tail would
// take its tx count below zero — a driver-contract violation.
var ErrInconsistent = errors.New("grouphistory: inconsistent delete")

func encodeTxNums(nums []types.TxNum) []byte {
	w := codec.NewWriter(len(nums)*8 + 4)
	w.PutVarint(uint64(len(nums)))
	for _, n := range nums {
		w.PutUint64(uint64(n))
	}
	return w.Bytes()
}

func decodeTxNums(buf []byte) ([]types.TxNum, error) {
	if len(buf) == 0 {
		return nil, nil
	}
	r := codec.NewReader(buf)
	count, err := r.ReadVarint()
	if err != nil {
		return nil, codec.WrapCorrupt("grouphistory: count", err)
	}
	nums := make([]types.TxNum, 0, count)
	for i := uint64(0); i < count; i++ {
		n, err := r.ReadUint64()
		if err != nil {
			return nil, codec.WrapCorrupt("grouphistory: tx_num", err)
		}
		nums = append(nums, types.TxNum(n))
	}
	if !r.Done() {
		return nil, fmt.Errorf("grouphistory: %w: trailing bytes", codec.ErrCorruptDbEntry)
	}
	return nums, nil
}

// Index reads and writes one group's history CFs: a page CF keyed by
// member||be4(page_num), and a counter CF keyed by member.
type Index struct {
	db       *kvstore.DB
	pageCF   *kvstore.CF
	countCF  *kvstore.CF
	pageSize uint32
}

func New(db *kvstore.DB, pageCF, countCF *kvstore.CF, pageSize uint32) *Index {
	return &Index{db: db, pageCF: pageCF, countCF: countCF, pageSize: pageSize}
}

// MemberTxs is one member's new TxNums to insert (or existing TxNums to
// remove) for a block, already sorted ascending by the caller.
type MemberTxs struct {
	Member []byte
	TxNums []types.TxNum
}

func (idx *Index) lastPageNum(member []byte) (uint32, error) {
	raw, err := idx.db.Get(idx.countCF, member)
	if err != nil {
		return 0, err
	}
	numTxs := uint64(0)
	if raw != nil {
		numTxs = codec.DecodeBE8(raw)
	}
	if numTxs == 0 {
		return 0, nil
	}
	return uint32((numTxs - 1) / uint64(idx.pageSize)), nil
}

func (idx *Index) numTxs(member []byte) (uint64, error) {
	raw, err := idx.db.Get(idx.countCF, member)
	if err != nil {
		return 0, err
	}
	if raw == nil {
		return 0, nil
	}
	return codec.DecodeBE8(raw), nil
}

// Insert appends each member's new_tx_nums into its tail page, spilling
// into new pages once page_size is reached, per §4.6.
func (idx *Index) Insert(batch *kvstore.Batch, members []MemberTxs) error {
	for _, m := range members {
		if len(m.TxNums) == 0 {
			continue
		}
		numTxs, err := idx.numTxs(m.Member)
		if err != nil {
			return err
		}
		pageNum, err := idx.lastPageNum(m.Member)
		if err != nil {
			return err
		}
		pageKey := codec.GroupHistoryKey(m.Member, pageNum)
		raw, err := batch.Get(idx.pageCF, pageKey)
		if err != nil {
			return err
		}
		page, err := decodeTxNums(raw)
		if err != nil {
			return err
		}

		remaining := m.TxNums
		for len(remaining) > 0 {
			space := int(idx.pageSize) - len(page)
			if space <= 0 {
				pageNum++
				page = nil
				space = int(idx.pageSize)
				pageKey = codec.GroupHistoryKey(m.Member, pageNum)
			}
			take := space
			if take > len(remaining) {
				take = len(remaining)
			}
			page = append(page, remaining[:take]...)
			remaining = remaining[take:]
			if err := batch.Put(idx.pageCF, pageKey, encodeTxNums(page)); err != nil {
				return err
			}
		}
		numTxs += uint64(len(m.TxNums))
		if err := batch.Put(idx.countCF, m.Member, codec.BE8(numTxs)); err != nil {
			return err
		}
	}
	return nil
}

// Delete drains each member's tail page, deleting pages that go empty, the
// mirror of Insert (used on disconnect). Fails with ErrInconsistent if a
// member's counter would go negative.
func (idx *Index) Delete(batch *kvstore.Batch, members []MemberTxs) error {
	for _, m := range members {
		if len(m.TxNums) == 0 {
			continue
		}
		numTxs, err := idx.numTxs(m.Member)
		if err != nil {
			return err
		}
		if uint64(len(m.TxNums)) > numTxs {
			return ErrInconsistent
		}
		pageNum, err := idx.lastPageNum(m.Member)
		if err != nil {
			return err
		}
		toDrain := len(m.TxNums)
		for toDrain > 0 {
			pageKey := codec.GroupHistoryKey(m.Member, pageNum)
			raw, err := batch.Get(idx.pageCF, pageKey)
			if err != nil {
				return err
			}
			page, err := decodeTxNums(raw)
			if err != nil {
				return err
			}
			if len(page) == 0 {
				return ErrInconsistent
			}
			drain := toDrain
			if drain > len(page) {
				drain = len(page)
			}
			page = page[:len(page)-drain]
			toDrain -= drain
			if len(page) == 0 {
				if err := batch.Delete(idx.pageCF, pageKey); err != nil {
					return err
				}
				if pageNum == 0 {
					break
				}
				pageNum--
			} else {
				if err := batch.Put(idx.pageCF, pageKey, encodeTxNums(page)); err != nil {
					return err
				}
			}
		}
		numTxs -= uint64(len(m.TxNums))
		if numTxs == 0 {
			if err := batch.Delete(idx.countCF, m.Member); err != nil {
				return err
			}
		} else {
			if err := batch.Put(idx.countCF, m.Member, codec.BE8(numTxs)); err != nil {
				return err
			}
		}
	}
	return nil
}

// PageTxs returns the TxNums on a member's page, or nil with found=false if
// the page doesn't exist.
func (idx *Index) PageTxs(member []byte, pageNum uint32) ([]types.TxNum, bool, error) {
	raw, err := idx.db.Get(idx.pageCF, codec.GroupHistoryKey(member, pageNum))
	if err != nil {
		return nil, false, err
	}
	if raw == nil {
		return nil, false, nil
	}
	nums, err := decodeTxNums(raw)
	if err != nil {
		return nil, false, err
	}
	return nums, true, nil
}

// WipeMember deletes every page and the counter row for member outright,
// bypassing the drain-the-tail Delete semantics. Used by schema upgrades
// (§4.14) that relocate a member's entire history to a different key
// (e.g. a script's compressed member changing under the P2PK compression
// fix) rather than removing individual TxNums.
func (idx *Index) WipeMember(batch *kvstore.Batch, member []byte) error {
	numPages, _, err := idx.MemberNumPagesAndTxs(member)
	if err != nil {
		return err
	}
	for p := uint32(0); p < uint32(numPages); p++ {
		if err := batch.Delete(idx.pageCF, codec.GroupHistoryKey(member, p)); err != nil {
			return err
		}
	}
	return batch.Delete(idx.countCF, member)
}

// MemberNumPagesAndTxs combines the counter with the last page's length to
// report (num_pages, num_txs) for a member.
func (idx *Index) MemberNumPagesAndTxs(member []byte) (numPages, numTxs uint64, err error) {
	numTxs, err = idx.numTxs(member)
	if err != nil {
		return 0, 0, err
	}
	if numTxs == 0 {
		return 0, 0, nil
	}
	numPages = (numTxs-1)/uint64(idx.pageSize) + 1
	return numPages, numTxs, nil
}
