package query

import (
	"sort"

	"github.com/chronik-go/chronik/pkg/primitives"
	"github.com/chronik-go/chronik/pkg/types"
)

// ConfirmedTxs walks a member's durable history pages in forward (block)
// order, unaffected by anything still in the mempool (§4.11).
func (s *Service) ConfirmedTxs(groupName string, member []byte, pageNum uint32, pageSize uint32) (HistoryPage, error) {
	e, err := s.entry(groupName)
	if err != nil {
		return HistoryPage{}, err
	}
	if _, err := clampPageSize(pageSize); err != nil {
		return HistoryPage{}, err
	}
	numPages, numTxs, err := e.history.MemberNumPagesAndTxs(member)
	if err != nil {
		return HistoryPage{}, err
	}
	nums, _, err := e.history.PageTxs(member, pageNum)
	if err != nil {
		return HistoryPage{}, err
	}
	txs, err := s.enrichTxNums(nums)
	if err != nil {
		return HistoryPage{}, err
	}
	return HistoryPage{NumPages: numPages, NumTxs: numTxs, Txs: txs}, nil
}

// pageSlice returns the 0-indexed slice [start,end) of a reverse-ordered
// list of listLen entries for pageNum/pageSize, clamped to listLen.
func pageSlice(listLen int, pageNum, pageSize uint32) (start, end int) {
	start = int(pageNum) * int(pageSize)
	if start > listLen {
		start = listLen
	}
	end = start + int(pageSize)
	if end > listLen {
		end = listLen
	}
	return start, end
}

// dbTxNumsReversed walks a member's durable history pages backward,
// collecting the global-reverse-order window [from,to) of TxNums. Reading
// each page back-to-front, newest page first, already yields descending
// TxNum order, which is itself monotone with block height and with a tx's
// position within its block — so no further sort is needed to satisfy the
// (-height, -time_first_seen) ordering RevHistory promises (§9).
func dbTxNumsReversed(e *groupEntry, member []byte, numPages uint64, from, to int) ([]types.TxNum, error) {
	var collected []types.TxNum
	idx := 0
	for p := int64(numPages) - 1; p >= 0 && idx < to; p-- {
		page, ok, err := e.history.PageTxs(member, uint32(p))
		if err != nil {
			return nil, err
		}
		if !ok {
			continue
		}
		for i := len(page) - 1; i >= 0 && idx < to; i-- {
			if idx >= from {
				collected = append(collected, page[i])
			}
			idx++
		}
	}
	return collected, nil
}

// RevHistory returns a member's history reverse-chronologically: the
// mempool's unconfirmed txs first (newest first), then the durable pages
// from newest to oldest block (§4.11, §9).
func (s *Service) RevHistory(groupName string, member []byte, pageNum uint32, pageSize uint32) (HistoryPage, error) {
	e, err := s.entry(groupName)
	if err != nil {
		return HistoryPage{}, err
	}
	size, err := clampPageSize(pageSize)
	if err != nil {
		return HistoryPage{}, err
	}

	mempoolEntries := s.mempool.GroupHistory(groupName, member)
	sort.Slice(mempoolEntries, func(i, j int) bool {
		if mempoolEntries[i].TimeFirstSeen != mempoolEntries[j].TimeFirstSeen {
			return mempoolEntries[i].TimeFirstSeen > mempoolEntries[j].TimeFirstSeen
		}
		return mempoolEntries[i].Txid.String() > mempoolEntries[j].Txid.String()
	})

	numPages, dbNumTxs, err := e.history.MemberNumPagesAndTxs(member)
	if err != nil {
		return HistoryPage{}, err
	}
	totalTxs := dbNumTxs + uint64(len(mempoolEntries))
	if totalTxs == 0 {
		return HistoryPage{}, nil
	}
	totalPages := (totalTxs-1)/uint64(size) + 1

	start, end := pageSlice(int(totalTxs), pageNum, size)
	if start >= end {
		return HistoryPage{NumPages: totalPages, NumTxs: totalTxs}, nil
	}

	var txs []TxDto
	mpLen := len(mempoolEntries)
	if start < mpLen {
		sliceEnd := end
		if sliceEnd > mpLen {
			sliceEnd = mpLen
		}
		txids := make([]primitives.Hash256, 0, sliceEnd-start)
		for _, me := range mempoolEntries[start:sliceEnd] {
			txids = append(txids, me.Txid)
		}
		dtos, err := s.enrichMempoolTxids(txids)
		if err != nil {
			return HistoryPage{}, err
		}
		txs = append(txs, dtos...)
	}
	if end <= mpLen {
		return HistoryPage{NumPages: totalPages, NumTxs: totalTxs, Txs: txs}, nil
	}

	dbStart := start - mpLen
	if dbStart < 0 {
		dbStart = 0
	}
	dbEnd := end - mpLen

	nums, err := dbTxNumsReversed(e, member, numPages, dbStart, dbEnd)
	if err != nil {
		return HistoryPage{}, err
	}
	dbDtos, err := s.enrichTxNums(nums)
	if err != nil {
		return HistoryPage{}, err
	}
	txs = append(txs, dbDtos...)

	return HistoryPage{NumPages: totalPages, NumTxs: totalTxs, Txs: txs}, nil
}

// UnconfirmedTxs returns a member's entire mempool history in chronological
// order on a single page (§4.11: "mempool size is bounded, so this is
// always a single page").
func (s *Service) UnconfirmedTxs(groupName string, member []byte) (HistoryPage, error) {
	if _, err := s.entry(groupName); err != nil {
		return HistoryPage{}, err
	}
	entries := s.mempool.UnconfirmedTxs(groupName, member)
	txids := make([]primitives.Hash256, len(entries))
	for i, e := range entries {
		txids[i] = e.Txid
	}
	txs, err := s.enrichMempoolTxids(txids)
	if err != nil {
		return HistoryPage{}, err
	}
	numPages := uint64(0)
	if len(txs) > 0 {
		numPages = 1
	}
	return HistoryPage{NumPages: numPages, NumTxs: uint64(len(txs)), Txs: txs}, nil
}

// ConfirmedTxsByScriptHash and RevHistoryByScriptHash/UnconfirmedTxsByScriptHash
// scope the generic group methods to the scripthash group, gated on the
// index being enabled (§4.11).
func (s *Service) ConfirmedTxsByScriptHash(scriptHash primitives.Hash256, pageNum, pageSize uint32) (HistoryPage, error) {
	if err := s.requireScriptHashIndex(); err != nil {
		return HistoryPage{}, err
	}
	return s.ConfirmedTxs("scripthash", scriptHash.Bytes(), pageNum, pageSize)
}

func (s *Service) RevHistoryByScriptHash(scriptHash primitives.Hash256, pageNum, pageSize uint32) (HistoryPage, error) {
	if err := s.requireScriptHashIndex(); err != nil {
		return HistoryPage{}, err
	}
	return s.RevHistory("scripthash", scriptHash.Bytes(), pageNum, pageSize)
}

func (s *Service) UnconfirmedTxsByScriptHash(scriptHash primitives.Hash256) (HistoryPage, error) {
	if err := s.requireScriptHashIndex(); err != nil {
		return HistoryPage{}, err
	}
	return s.UnconfirmedTxs("scripthash", scriptHash.Bytes())
}
