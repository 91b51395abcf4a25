package upgrade

import (
	"bytes"
	"fmt"

	"go.uber.org/zap"

	"github.com/chronik-go/chronik/consts"
	"github.com/chronik-go/chronik/node"
	"github.com/chronik-go/chronik/pkg/blockindex"
	"github.com/chronik-go/chronik/pkg/codec"
	"github.com/chronik-go/chronik/pkg/grouphistory"
	"github.com/chronik-go/chronik/pkg/grouputxo"
	"github.com/chronik-go/chronik/pkg/kvstore"
	"github.com/chronik-go/chronik/pkg/primitives"
	"github.com/chronik-go/chronik/pkg/txnum"
	"github.com/chronik-go/chronik/pkg/types"
)

// P2PKCompressionConfig bundles the script group's own CF handles: the
// upgrade rewrites script_utxo/script_history rows directly rather than
// going through group.Group, since the member key itself is changing.
type P2PKCompressionConfig struct {
	DB          *kvstore.DB
	Node        node.Client
	BlockReader *blockindex.Reader
	TxWriter    *txnum.Writer

	ScriptCountCF *kvstore.CF

	ScriptUtxo    *grouputxo.Index
	ScriptHistory *grouphistory.Index

	Logger   *zap.Logger
	Shutdown ShutdownRequested
}

// FixP2PKCompression implements §4.14 item 2: an earlier release of
// Script.Compress tagged any 33/65-byte pubkey push as compressed/
// uncompressed P2PK using whatever byte happened to sit at pk[0], instead
// of checking it was actually 0x02/0x03 (or 0x04). Since group.ScriptMember
// is the compressed form, those scripts are filed under a corrupted member
// key that the fixed Compress (pkg/primitives/compress.go) would never
// produce today. Corrupted members are found by failing Decompress; a
// 33-byte key whose leading byte is 0x06..0x26 decodes without error as a
// short generic script and is not found. For each member found this recovers the real output
// script from the node for each of its UTXOs, and re-files the member's
// entire script_utxo/script_history rows under the canonical key.
//
// Idempotent: a member that already decompresses cleanly under the fixed
// scheme is left alone. Aborts with ErrAmbiguousP2PKUpgrade rather than
// guessing if a corrupted member's UTXOs don't all agree on one canonical
// script, or if the canonical key the fix would move them to is already
// occupied by unrelated data.
func FixP2PKCompression(cfg P2PKCompressionConfig) (Progress, error) {
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	members, err := corruptedMembers(cfg.DB, cfg.ScriptCountCF)
	if err != nil {
		return Progress{}, fmt.Errorf("upgrade: p2pk compression fix: scanning members: %w", err)
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

	for _, oldMember := range members {
		progress.RowsScanned++
		if shouldStop(cfg.Shutdown, progress.RowsScanned, consts.UpgradeShutdownPollRows) {
			logger.Info("p2pk compression fix: shutdown requested, stopping", zap.Int("scanned", progress.RowsScanned))
			break
		}

		rewritten, err := migrateMember(cfg, batch, oldMember)
		if err != nil {
			return progress, fmt.Errorf("upgrade: p2pk compression fix: member %x: %w", oldMember, err)
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

	logger.Info("p2pk compression fix complete",
		zap.Int("scanned", progress.RowsScanned), zap.Int("rewritten", progress.RowsRewritten))
	return progress, nil
}

// corruptedMembers walks the script group's count CF (one row per member,
// independent of how many pages/UTXOs it owns) and returns every member
// that fails to decompress under the current, fixed scheme — the signature
// a legacy-buggy Compress call leaves behind, since no canonically-written
// row can ever fail Decompress.
func corruptedMembers(db *kvstore.DB, countCF *kvstore.CF) ([][]byte, error) {
	it, err := db.FullIterator(countCF)
	if err != nil {
		return nil, err
	}
	defer it.Close()

	var out [][]byte
	for ok := it.First(); ok; ok = it.Next() {
		member := append([]byte(nil), it.Key()...)
		if _, err := primitives.Decompress(member); err != nil {
			out = append(out, member)
		}
	}
	return out, nil
}

// resolveScript recovers the raw output script behind a UTXO entry by
// loading its creating tx from the node, the same lookup the driver uses
// for historical coin resolution (loadHistoricalTx).
func resolveScript(cfg P2PKCompressionConfig, entry grouputxo.UtxoEntry) (primitives.Script, error) {
	txEntry, ok, err := cfg.TxWriter.Entry(entry.Outpoint.TxNum)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, fmt.Errorf("no primary entry for tx_num %d", entry.Outpoint.TxNum)
	}
	height, err := cfg.BlockReader.HeightForTxNum(entry.Outpoint.TxNum)
	if err != nil {
		return nil, err
	}
	block, err := cfg.BlockReader.ByHeight(height)
	if err != nil {
		return nil, err
	}
	tx, err := cfg.Node.LoadTx(block.FileNum, txEntry.DataPos, txEntry.UndoPos)
	if err != nil {
		return nil, err
	}
	if int(entry.Outpoint.OutIdx) >= len(tx.Outputs) {
		return nil, fmt.Errorf("out_idx %d out of range for tx %s", entry.Outpoint.OutIdx, txEntry.Txid.String())
	}
	return tx.Outputs[entry.Outpoint.OutIdx].Script, nil
}

// reencodeUtxoData swaps the compressed-script tail of a script_utxo entry's
// Data for newCompressed, keeping the sats value intact (§6's {sats,
// script} encoding — see group.ScriptGroup.OutputUtxoData).
func reencodeUtxoData(data, newCompressed []byte) ([]byte, error) {
	r := codec.NewReader(data)
	sats, err := r.ReadUint64()
	if err != nil {
		return nil, codec.WrapCorrupt("upgrade: utxo sats", err)
	}
	w := codec.NewWriter(16 + len(newCompressed))
	w.PutUint64(sats)
	w.PutBytes(newCompressed)
	return w.Bytes(), nil
}

// migrateMember relocates one corrupted member's script_utxo and
// script_history rows to the canonical member key its real output script
// compresses to, or returns *ErrAmbiguousP2PKUpgrade if that can't be done
// safely.
func migrateMember(cfg P2PKCompressionConfig, batch *kvstore.Batch, oldMember []byte) (bool, error) {
	entries, err := cfg.ScriptUtxo.Get(oldMember)
	if err != nil {
		return false, err
	}

	var newMember []byte
	type resolved struct {
		entry      grouputxo.UtxoEntry
		compressed []byte
	}
	resolvedEntries := make([]resolved, 0, len(entries))
	for _, e := range entries {
		script, err := resolveScript(cfg, e)
		if err != nil {
			return false, err
		}
		compressed := script.Compress()
		if newMember == nil {
			newMember = compressed
		} else if !bytes.Equal(newMember, compressed) {
			return false, &ErrAmbiguousP2PKUpgrade{Member: oldMember}
		}
		resolvedEntries = append(resolvedEntries, resolved{entry: e, compressed: compressed})
	}

	// A corrupted member with no live UTXOs left (all spent) still needs
	// its history re-keyed; without a UTXO to resolve against, there's no
	// way to recover the canonical script, so leave it for an operator.
	if newMember == nil {
		numPages, numTxs, err := cfg.ScriptHistory.MemberNumPagesAndTxs(oldMember)
		if err != nil {
			return false, err
		}
		if numTxs > 0 || numPages > 0 {
			return false, &ErrAmbiguousP2PKUpgrade{Member: oldMember}
		}
		return false, nil
	}

	if existing, err := cfg.ScriptUtxo.Get(newMember); err != nil {
		return false, err
	} else if len(existing) > 0 {
		return false, &ErrAmbiguousP2PKUpgrade{Member: oldMember}
	}

	migrated := make([]grouputxo.UtxoEntry, 0, len(resolvedEntries))
	for _, r := range resolvedEntries {
		newData, err := reencodeUtxoData(r.entry.Data, r.compressed)
		if err != nil {
			return false, err
		}
		migrated = append(migrated, grouputxo.UtxoEntry{Outpoint: r.entry.Outpoint, Data: newData})
	}
	if len(migrated) > 0 {
		if err := cfg.ScriptUtxo.Insert(batch, newMember, migrated); err != nil {
			return false, err
		}
	}
	if err := cfg.ScriptUtxo.DeleteMember(batch, oldMember); err != nil {
		return false, err
	}

	if err := migrateHistoryMember(cfg, batch, oldMember, newMember); err != nil {
		return false, err
	}
	return true, nil
}

// migrateHistoryMember re-keys a member's grouphistory rows from oldMember
// to newMember, preserving TxNum order. Aborts ambiguous if newMember
// already carries history that didn't come from this migration.
func migrateHistoryMember(cfg P2PKCompressionConfig, batch *kvstore.Batch, oldMember, newMember []byte) error {
	_, oldNumTxs, err := cfg.ScriptHistory.MemberNumPagesAndTxs(oldMember)
	if err != nil {
		return err
	}
	if oldNumTxs == 0 {
		return nil
	}

	if _, existingTxs, err := cfg.ScriptHistory.MemberNumPagesAndTxs(newMember); err != nil {
		return err
	} else if existingTxs > 0 {
		return &ErrAmbiguousP2PKUpgrade{Member: oldMember}
	}

	var allTxNums []types.TxNum
	for p := uint32(0); ; p++ {
		page, found, err := cfg.ScriptHistory.PageTxs(oldMember, p)
		if err != nil {
			return err
		}
		if !found {
			break
		}
		allTxNums = append(allTxNums, page...)
	}

	if err := cfg.ScriptHistory.Insert(batch, []grouphistory.MemberTxs{{Member: newMember, TxNums: allTxNums}}); err != nil {
		return err
	}
	return cfg.ScriptHistory.WipeMember(batch, oldMember)
}
