package query

import (
	"context"
	"fmt"

	"golang.org/x/sync/errgroup"

	"github.com/chronik-go/chronik/pkg/mempool"
	"github.com/chronik-go/chronik/pkg/primitives"
	"github.com/chronik-go/chronik/pkg/token"
	"github.com/chronik-go/chronik/pkg/txnum"
	"github.com/chronik-go/chronik/pkg/types"
)

func tokenVariantFromDbToken(dbTx *token.DbTokenTx, slot token.DbToken, metaFor func(types.TxNum) (token.TokenMeta, bool, error)) (*TokenVariantDto, error) {
	if slot.Flag == token.NoToken {
		return nil, nil
	}
	tn, ok := dbTx.TokenTxNumForSlot(slot)
	if !ok {
		return nil, nil
	}
	meta, ok, err := metaFor(tn)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, nil
	}
	return &TokenVariantDto{TokenId: meta.TokenId, TokenType: meta.Type, Amount: slot.Amount, IsMintBaton: slot.Flag == token.TokenMintBaton}, nil
}

func tokenVariantFromOutput(o *token.TokenOutput) *TokenVariantDto {
	if o == nil {
		return nil
	}
	return &TokenVariantDto{TokenId: o.Meta.TokenId, TokenType: o.Meta.Type, Amount: o.Amount, IsMintBaton: o.IsMintBaton}
}

// spentByDto looks up whether outpoint is currently spent within the
// mempool mirror. Confirmed spends carry no equivalent index (§9: tracking
// a generic spent-by for every confirmed output would duplicate the
// group-utxo indexes' own absence-means-spent encoding at no query
// benefit), so a confirmed output whose spender is itself confirmed is
// reported with SpentBy == nil.
func (s *Service) spentByDto(outpoint primitives.OutPoint) *SpentByDto {
	entry, ok := s.mempool.SpentBy(outpoint)
	if !ok {
		return nil
	}
	return &SpentByDto{Txid: entry.SpendingTxid, InputIdx: entry.InputIdx}
}

// buildConfirmedTxDto enriches the confirmed tx assigned txNum: its body via
// node.LoadTx, its block summary, and its stored DbTokenTx slots. Plugin
// enrichment is left nil (see DESIGN.md: no outpoint-keyed plugin index
// exists to resolve it without rerunning a Runner, which is out of this
// package's scope).
func (s *Service) buildConfirmedTxDto(txNum types.TxNum) (TxDto, error) {
	entry, ok, err := s.txReader.Entry(txNum)
	if err != nil {
		return TxDto{}, err
	}
	if !ok {
		return TxDto{}, ErrMissingDbTx
	}
	height, err := s.blockReader.HeightForTxNum(txNum)
	if err != nil {
		return TxDto{}, fmt.Errorf("%w: %v", ErrMissingDbTxBlock, err)
	}
	block, err := s.blockReader.ByHeight(height)
	if err != nil {
		return TxDto{}, fmt.Errorf("%w: %v", ErrMissingDbTxBlock, err)
	}
	tx, err := s.node.LoadTx(block.FileNum, entry.DataPos, entry.UndoPos)
	if err != nil {
		return TxDto{}, err
	}

	dbTx, hasTokens, err := s.tokenStore.DbTokenTx(txNum)
	if err != nil {
		return TxDto{}, err
	}
	metaFor := s.tokenStore.TokenMeta

	dto := TxDto{
		Txid: tx.Txid, Version: tx.Version, LockTime: tx.LockTime,
		IsCoinbase: entry.IsCoinbase, TimeFirstSeen: entry.TimeFirstSeen,
	}
	blk := blockDtoFrom(block)
	dto.Block = &blk

	dto.Inputs = make([]InputDto, len(tx.Inputs))
	for i, in := range tx.Inputs {
		idto := InputDto{PrevOut: in.PrevOut}
		if in.Coin != nil {
			idto.Sats = in.Coin.Sats
			idto.Script = in.Coin.Script
		}
		if hasTokens && i < len(dbTx.Inputs) {
			tv, err := tokenVariantFromDbToken(dbTx, dbTx.Inputs[i], metaFor)
			if err != nil {
				return TxDto{}, err
			}
			idto.Token = tv
		}
		dto.Inputs[i] = idto
	}

	dto.Outputs = make([]OutputDto, len(tx.Outputs))
	for i, out := range tx.Outputs {
		odto := OutputDto{Sats: out.Sats, Script: out.Script}
		odto.SpentBy = s.spentByDto(primitives.OutPoint{TxId: tx.Txid, OutIdx: uint32(i)})
		if hasTokens && i < len(dbTx.Outputs) {
			tv, err := tokenVariantFromDbToken(dbTx, dbTx.Outputs[i], metaFor)
			if err != nil {
				return TxDto{}, err
			}
			odto.Token = tv
		}
		dto.Outputs[i] = odto
	}
	return dto, nil
}

// buildMempoolTxDto enriches a still-unconfirmed tx. Coins for inputs are
// whatever the driver resolved at MempoolAdd time (parent mempool output or
// durable UTXO), cached on the mempool.Tx record itself.
func (s *Service) buildMempoolTxDto(mtx *mempool.Tx) TxDto {
	tokenTx, _ := s.mempool.Token(mtx.Tx.Txid)

	dto := TxDto{
		Txid: mtx.Tx.Txid, Version: mtx.Tx.Version, LockTime: mtx.Tx.LockTime,
		IsCoinbase: false, TimeFirstSeen: mtx.TimeFirstSeen, Block: nil,
	}
	dto.Inputs = make([]InputDto, len(mtx.Tx.Inputs))
	for i, in := range mtx.Tx.Inputs {
		idto := InputDto{PrevOut: in.PrevOut}
		if in.Coin != nil {
			idto.Sats = in.Coin.Sats
			idto.Script = in.Coin.Script
		}
		dto.Inputs[i] = idto
	}
	dto.Outputs = make([]OutputDto, len(mtx.Tx.Outputs))
	for i, out := range mtx.Tx.Outputs {
		odto := OutputDto{Sats: out.Sats, Script: out.Script}
		odto.SpentBy = s.spentByDto(primitives.OutPoint{TxId: mtx.Tx.Txid, OutIdx: uint32(i)})
		if tokenTx != nil && i < len(tokenTx.Outputs) {
			odto.Token = tokenVariantFromOutput(tokenTx.Outputs[i])
		}
		dto.Outputs[i] = odto
	}
	return dto
}

// Tx resolves a single txid, preferring the mempool mirror (§4.9's "check
// the mempool before the DB" convention the driver itself follows for
// coins).
func (s *Service) Tx(txid primitives.Hash256) (TxDto, error) {
	if mtx, ok := s.mempool.Tx(txid); ok {
		return s.buildMempoolTxDto(mtx), nil
	}
	txNum, ok, err := s.txReader.Lookup(txid)
	if err != nil {
		return TxDto{}, err
	}
	if !ok {
		return TxDto{}, ErrTxNotFound
	}
	return s.buildConfirmedTxDto(txNum)
}

// RawTx returns the raw, unenriched tx body for txid, preferring the
// mempool mirror.
func (s *Service) RawTx(txid primitives.Hash256) (primitives.Tx, error) {
	if mtx, ok := s.mempool.Tx(txid); ok {
		return mtx.Tx, nil
	}
	txNum, ok, err := s.txReader.Lookup(txid)
	if err != nil {
		return primitives.Tx{}, err
	}
	if !ok {
		return primitives.Tx{}, ErrTxNotFound
	}
	entry, ok, err := s.txReader.Entry(txNum)
	if err != nil {
		return primitives.Tx{}, err
	}
	if !ok {
		return primitives.Tx{}, ErrMissingDbTx
	}
	height, err := s.blockReader.HeightForTxNum(txNum)
	if err != nil {
		return primitives.Tx{}, fmt.Errorf("%w: %v", ErrMissingDbTxBlock, err)
	}
	block, err := s.blockReader.ByHeight(height)
	if err != nil {
		return primitives.Tx{}, fmt.Errorf("%w: %v", ErrMissingDbTxBlock, err)
	}
	tx, err := s.node.LoadTx(block.FileNum, entry.DataPos, entry.UndoPos)
	if err != nil {
		return primitives.Tx{}, err
	}
	return *tx, nil
}

// ValidateTx runs the token coloring/verification pipeline against raw
// without committing anything durable, the way MempoolAdd does internally
// but discarding the result (§4.11's validate-tx endpoint: "run coloring
// and verification without committing").
func (s *Service) ValidateTx(tx primitives.Tx, inputNums []types.TxNum) (*token.TokenTx, error) {
	itx := txnum.IndexTx{Tx: tx, TxNum: types.InvalidTxNum, IsCoinbase: false, InputNums: inputNums}
	return s.tokenStore.VerifyMempoolTx(itx)
}

// enrichTxNums fans out buildConfirmedTxDto across nums concurrently via
// errgroup, preserving nums' original order in the result (§B of the
// module's dependency plan: golang.org/x/sync/errgroup powers exactly this
// fan-out, the one place the query layer does concurrent per-tx I/O).
func (s *Service) enrichTxNums(nums []types.TxNum) ([]TxDto, error) {
	out := make([]TxDto, len(nums))
	g, _ := errgroup.WithContext(context.Background())
	for i, n := range nums {
		i, n := i, n
		g.Go(func() error {
			dto, err := s.buildConfirmedTxDto(n)
			if err != nil {
				return err
			}
			out[i] = dto
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return out, nil
}

// enrichMempoolTxids is enrichTxNums' mempool counterpart.
func (s *Service) enrichMempoolTxids(txids []primitives.Hash256) ([]TxDto, error) {
	out := make([]TxDto, len(txids))
	for i, txid := range txids {
		mtx, ok := s.mempool.Tx(txid)
		if !ok {
			return nil, ErrMissingMempoolTx
		}
		out[i] = s.buildMempoolTxDto(mtx)
	}
	return out, nil
}
