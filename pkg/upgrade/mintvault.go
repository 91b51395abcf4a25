package upgrade

import (
	"fmt"

	"go.uber.org/zap"

	"github.com/chronik-go/chronik/consts"
	"github.com/chronik-go/chronik/node"
	"github.com/chronik-go/chronik/pkg/blockindex"
	"github.com/chronik-go/chronik/pkg/group"
	"github.com/chronik-go/chronik/pkg/grouphistory"
	"github.com/chronik-go/chronik/pkg/grouputxo"
	"github.com/chronik-go/chronik/pkg/kvstore"
	"github.com/chronik-go/chronik/pkg/token"
	"github.com/chronik-go/chronik/pkg/txnum"
	"github.com/chronik-go/chronik/pkg/types"
)

// MintVaultReindexConfig bundles the already-open handles the mint-vault
// reindex needs: the same component set the driver itself was built with,
// since this upgrade re-runs the driver's own token-indexing path rather
// than a bespoke one.
type MintVaultReindexConfig struct {
	DB          *kvstore.DB
	Node        node.Client
	BlockReader *blockindex.Reader
	TxWriter    *txnum.Writer
	TokenStore  *token.Store

	// LokadHistory is the already-wired grouphistory.Index over the LOKAD
	// group's own CFs (same instance the driver uses), so this upgrade
	// reads pages with the same page size the live index was built with.
	LokadHistory *grouphistory.Index
	TokenHistory *grouphistory.Index
	TokenUtxo    *grouputxo.Index

	Logger   *zap.Logger
	Shutdown ShutdownRequested
}

// MintVaultReindex implements §4.14 item 1: SLP mint-vault GENESIS/MINT txs
// indexed before this indexer understood the mint-vault token type were
// colored as UnknownSlp and never entered token_meta. This walks every tx
// ever tagged under the SLP LOKAD id, picks out the ones still missing a
// token_meta row, and re-runs them through the token store so mint-vault
// coloring and the token_id_history/token_id_utxo projections backfill.
//
// Idempotent: a tx already present in token_meta is skipped, so re-running
// this after a partial or interrupted pass only touches what's left.
// Resumable: batches commit every consts.UpgradeCommitBatchRows candidates.
func MintVaultReindex(cfg MintVaultReindexConfig) (Progress, error) {
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	lokadMember := []byte(token.SlpLokadId[:])

	// The lokad group's own history (not the token group's) carries every
	// SLP-tagged tx; walk its pages directly rather than through the
	// TokenIdGroup handles, which only exist for already-colored txs.
	pages, err := lokadHistoryPages(cfg.LokadHistory, lokadMember)
	if err != nil {
		return Progress{}, fmt.Errorf("upgrade: mint-vault reindex: scanning lokad history: %w", err)
	}

	var progress Progress
	batch := cfg.DB.NewBatch()
	pending := 0
	commit := func() error {
		if pending == 0 {
			return nil
		}
		if err := batch.Commit(); err != nil {
			return err
		}
		batch = cfg.DB.NewBatch()
		pending = 0
		return nil
	}

	for _, txNum := range pages {
		progress.RowsScanned++
		if shouldStop(cfg.Shutdown, progress.RowsScanned, consts.UpgradeShutdownPollRows) {
			logger.Info("mint-vault reindex: shutdown requested, stopping", zap.Int("scanned", progress.RowsScanned))
			break
		}

		if _, ok, err := cfg.TokenStore.TokenMeta(txNum); err != nil {
			return progress, err
		} else if ok {
			continue
		}

		rewritten, err := reindexOneTx(cfg, batch, txNum)
		if err != nil {
			return progress, fmt.Errorf("upgrade: mint-vault reindex: tx_num %d: %w", txNum, err)
		}
		if rewritten {
			progress.RowsRewritten++
			pending++
		}

		if pending >= consts.UpgradeCommitBatchRows {
			if err := commit(); err != nil {
				return progress, err
			}
		}
	}
	if err := commit(); err != nil {
		return progress, err
	}

	logger.Info("mint-vault reindex complete",
		zap.Int("scanned", progress.RowsScanned), zap.Int("rewritten", progress.RowsRewritten))
	return progress, nil
}

// lokadHistoryPages reads every TxNum ever filed under the SLP LOKAD member,
// in ascending (mined) order.
func lokadHistoryPages(hist *grouphistory.Index, member []byte) ([]types.TxNum, error) {
	_, numTxs, err := hist.MemberNumPagesAndTxs(member)
	if err != nil {
		return nil, err
	}
	if numTxs == 0 {
		return nil, nil
	}
	var out []types.TxNum
	for p := uint32(0); ; p++ {
		page, found, err := hist.PageTxs(member, p)
		if err != nil {
			return nil, err
		}
		if !found {
			break
		}
		out = append(out, page...)
	}
	return out, nil
}

// reindexOneTx loads txNum's transaction, resolves its inputs back to
// TxNums, and runs it through the token store's normal verification path —
// the same call the driver makes for a live block, just aimed at one
// historical tx. Reports whether the tx actually produced a DbTokenTx (a
// plain non-token tx under the LOKAD id, e.g. a malformed OP_RETURN, leaves
// nothing to backfill).
func reindexOneTx(cfg MintVaultReindexConfig, batch *kvstore.Batch, txNum types.TxNum) (bool, error) {
	entry, ok, err := cfg.TxWriter.Entry(txNum)
	if err != nil {
		return false, err
	}
	if !ok {
		return false, fmt.Errorf("no primary entry")
	}
	height, err := cfg.BlockReader.HeightForTxNum(txNum)
	if err != nil {
		return false, err
	}
	block, err := cfg.BlockReader.ByHeight(height)
	if err != nil {
		return false, err
	}
	tx, err := cfg.Node.LoadTx(block.FileNum, entry.DataPos, entry.UndoPos)
	if err != nil {
		return false, err
	}

	inputNums := make([]types.TxNum, len(tx.Inputs))
	if !entry.IsCoinbase {
		for i, in := range tx.Inputs {
			n, ok, err := cfg.TxWriter.Lookup(in.PrevOut.TxId)
			if err != nil {
				return false, err
			}
			if !ok {
				return false, fmt.Errorf("unresolved input %d (%s)", i, in.PrevOut.TxId.String())
			}
			inputNums[i] = n
		}
	}

	itx := txnum.IndexTx{Tx: *tx, TxNum: txNum, IsCoinbase: entry.IsCoinbase, InputNums: inputNums}
	processed, err := cfg.TokenStore.Insert(batch, []txnum.IndexTx{itx})
	if err != nil {
		return false, err
	}
	if !processed.DidValidation {
		return false, nil
	}
	dbTx, ok := processed.DbTokenTxs[txNum]
	if !ok {
		return false, nil
	}

	return true, backfillTokenGroupDeltas(cfg, batch, itx, dbTx)
}

// backfillTokenGroupDeltas mirrors the driver's unexported addTokenGroupDeltas
// for exactly one tx, folding its DbTokenTx into the token-id group's
// history and UTXO indexes. Spent-side deltas are skipped: a mint-vault
// GENESIS/MINT tx being reindexed here has no prior token_id_utxo entry
// to retire (it was never colored before), so only the created side applies.
func backfillTokenGroupDeltas(cfg MintVaultReindexConfig, batch *kvstore.Batch, itx txnum.IndexTx, dbTx *token.DbTokenTx) error {
	touched := make(map[types.TxNum]bool)
	for _, tn := range dbTx.TokenTxNums {
		if touched[tn] {
			continue
		}
		touched[tn] = true
		meta, ok, err := cfg.TokenStore.TokenMeta(tn)
		if err != nil {
			return err
		}
		if !ok {
			continue
		}
		member := []byte(group.TokenIdMember(meta.TokenId))
		if err := cfg.TokenHistory.Insert(batch, []grouphistory.MemberTxs{{Member: member, TxNums: []types.TxNum{itx.TxNum}}}); err != nil {
			return err
		}
	}

	for oi, slot := range dbTx.Outputs {
		tn, ok := dbTx.TokenTxNumForSlot(slot)
		if !ok {
			continue
		}
		meta, ok, err := cfg.TokenStore.TokenMeta(tn)
		if err != nil {
			return err
		}
		if !ok {
			continue
		}
		member := []byte(group.TokenIdMember(meta.TokenId))
		entry := grouputxo.UtxoEntry{
			Outpoint: types.Outpoint{TxNum: itx.TxNum, OutIdx: uint32(oi)},
			Data:     token.EncodeDbTokenAssignment(slot),
		}
		if err := cfg.TokenUtxo.Insert(batch, member, []grouputxo.UtxoEntry{entry}); err != nil {
			return err
		}
	}
	return nil
}
