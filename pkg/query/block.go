package query

import (
	"github.com/chronik-go/chronik/pkg/blockindex"
	"github.com/chronik-go/chronik/pkg/primitives"
	"github.com/chronik-go/chronik/pkg/types"
)

// Tip resolves the current chain tip's summary.
func (s *Service) Tip() (BlockDto, error) {
	b, err := s.blockReader.Tip()
	if err != nil {
		if err == blockindex.ErrNotFound {
			return BlockDto{}, ErrBlockNotFound
		}
		return BlockDto{}, err
	}
	return blockDtoFrom(b), nil
}

// BlockByHeight resolves a confirmed block's summary by height.
func (s *Service) BlockByHeight(height types.Height) (BlockDto, error) {
	b, err := s.blockReader.ByHeight(height)
	if err != nil {
		if err == blockindex.ErrNotFound {
			return BlockDto{}, ErrBlockNotFound
		}
		return BlockDto{}, err
	}
	return blockDtoFrom(b), nil
}

// BlockByHash resolves a confirmed block's summary by hash, via the
// reverse hash->height index (§6's blk_by_hash CF).
func (s *Service) BlockByHash(hash primitives.Hash256) (BlockDto, error) {
	height, ok, err := s.blockHash.Get(hash)
	if err != nil {
		return BlockDto{}, err
	}
	if !ok {
		return BlockDto{}, ErrBlockNotFound
	}
	return s.BlockByHeight(height)
}

// BlockTxs returns every confirmed tx in the block at height, enriched the
// same way a single Tx lookup is, in on-chain order.
func (s *Service) BlockTxs(height types.Height) (HistoryPage, error) {
	block, err := s.blockReader.ByHeight(height)
	if err != nil {
		if err == blockindex.ErrNotFound {
			return HistoryPage{}, ErrBlockNotFound
		}
		return HistoryPage{}, err
	}
	nums := make([]types.TxNum, block.NumTxs)
	for i := uint32(0); i < block.NumTxs; i++ {
		nums[i] = block.FirstTxNum + types.TxNum(i)
	}
	txs, err := s.enrichTxNums(nums)
	if err != nil {
		return HistoryPage{}, err
	}
	return HistoryPage{NumPages: 1, NumTxs: uint64(block.NumTxs), Txs: txs}, nil
}

// BlockTxsByHash is BlockTxs resolved by block hash.
func (s *Service) BlockTxsByHash(hash primitives.Hash256) (HistoryPage, error) {
	height, ok, err := s.blockHash.Get(hash)
	if err != nil {
		return HistoryPage{}, err
	}
	if !ok {
		return HistoryPage{}, ErrBlockNotFound
	}
	return s.BlockTxs(height)
}
