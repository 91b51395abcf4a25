package upgrade_test

import (
	"errors"
	"testing"

	"github.com/chronik-go/chronik/pkg/blockindex"
	"github.com/chronik-go/chronik/pkg/codec"
	"github.com/chronik-go/chronik/pkg/group"
	"github.com/chronik-go/chronik/pkg/grouphistory"
	"github.com/chronik-go/chronik/pkg/grouputxo"
	"github.com/chronik-go/chronik/pkg/kvstore"
	"github.com/chronik-go/chronik/pkg/primitives"
	"github.com/chronik-go/chronik/pkg/token"
	"github.com/chronik-go/chronik/pkg/txnum"
	"github.com/chronik-go/chronik/pkg/types"
	"github.com/chronik-go/chronik/pkg/upgrade"
)

// fakeNode hands back one fixed tx regardless of the file position asked
// for, enough to exercise the upgrade's node.Client calls in isolation.
type fakeNode struct {
	tx *primitives.Tx
}

func (n *fakeNode) LoadTx(fileNum uint32, dataPos, undoPos uint64) (*primitives.Tx, error) {
	return n.tx, nil
}

func openUpgradeTestDB(t *testing.T) *kvstore.DB {
	t.Helper()
	db, err := kvstore.Open(t.TempDir(), kvstore.Options{CFs: []kvstore.CF{
		{Name: "block"},
		{Name: "tx_primary"},
		{Name: "tx_lookup", Merge: txnum.MergeOperator()},
		{Name: "script_utxo", Merge: grouputxo.MergeOperator()},
		{Name: "script_history"},
		{Name: "script_history_count"},
		{Name: "lokad_history"},
		{Name: "lokad_history_count"},
		{Name: "token_id_history"},
		{Name: "token_id_history_count"},
		{Name: "token_id_utxo", Merge: grouputxo.MergeOperator()},
		{Name: "token_genesis"},
		{Name: "token_meta"},
		{Name: "token_tx"},
	}})
	if err != nil {
		t.Fatalf("kvstore.Open: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	return db
}

func encodeScriptUtxoData(sats int64, compressed []byte) []byte {
	w := codec.NewWriter(16 + len(compressed))
	w.PutUint64(uint64(sats))
	w.PutBytes(compressed)
	return w.Bytes()
}

func TestFixP2PKCompressionMigratesCorruptedMember(t *testing.T) {
	db := openUpgradeTestDB(t)

	blockCF := db.CF("block")
	blockWriter := blockindex.NewWriter(db, blockCF)
	blockReader := blockindex.NewReader(db, blockCF)
	txWriter := txnum.NewWriter(db, db.CF("tx_primary"), db.CF("tx_lookup"))
	scriptUtxo := grouputxo.New(db, db.CF("script_utxo"))
	scriptHistory := grouphistory.New(db, db.CF("script_history"), db.CF("script_history_count"), 1000)

	hash := primitives.Hash160{1, 2, 3}
	realScript := primitives.P2PKHScript(hash)
	newMember := group.ScriptMember(realScript)

	creatingTx := &primitives.Tx{
		Txid:    primitives.Hash256{9},
		Outputs: []primitives.TxOut{{Sats: 1000, Script: realScript}},
	}

	batch := db.NewBatch()
	if err := blockWriter.Insert(batch, 0, blockindex.Summary{Hash: primitives.Hash256{1}, FirstTxNum: 0, NumTxs: 1}); err != nil {
		t.Fatalf("block insert: %v", err)
	}
	if err := txWriter.Insert(batch, 0, []txnum.BlockTx{{Tx: *creatingTx, IsCoinbase: true}}); err != nil {
		t.Fatalf("tx insert: %v", err)
	}

	// A member key no canonical Compress call could ever produce: a varint
	// tag (0xfd) whose declared length (0) is below the generic encoding's
	// minimum of 6, so Decompress always errors on it.
	oldMember := []byte{0xfd, 0x00, 0x00, 0xaa, 0xbb}
	if _, err := primitives.Decompress(oldMember); err == nil {
		t.Fatalf("test fixture oldMember unexpectedly decompresses")
	}

	entry := grouputxo.UtxoEntry{
		Outpoint: types.Outpoint{TxNum: 0, OutIdx: 0},
		Data:     encodeScriptUtxoData(1000, oldMember),
	}
	if err := scriptUtxo.Insert(batch, oldMember, []grouputxo.UtxoEntry{entry}); err != nil {
		t.Fatalf("utxo insert: %v", err)
	}
	if err := scriptHistory.Insert(batch, []grouphistory.MemberTxs{{Member: oldMember, TxNums: []types.TxNum{0}}}); err != nil {
		t.Fatalf("history insert: %v", err)
	}
	if err := batch.Commit(); err != nil {
		t.Fatalf("commit: %v", err)
	}

	cfg := upgrade.P2PKCompressionConfig{
		DB:            db,
		Node:          &fakeNode{tx: creatingTx},
		BlockReader:   blockReader,
		TxWriter:      txWriter,
		ScriptCountCF: db.CF("script_history_count"),
		ScriptUtxo:    scriptUtxo,
		ScriptHistory: scriptHistory,
	}

	progress, err := upgrade.FixP2PKCompression(cfg)
	if err != nil {
		t.Fatalf("FixP2PKCompression: %v", err)
	}
	if progress.RowsRewritten != 1 {
		t.Fatalf("RowsRewritten = %d, want 1", progress.RowsRewritten)
	}

	oldList, err := scriptUtxo.Get(oldMember)
	if err != nil {
		t.Fatalf("Get(oldMember): %v", err)
	}
	if len(oldList) != 0 {
		t.Errorf("old member still has %d utxo entries, want 0", len(oldList))
	}

	newList, err := scriptUtxo.Get(newMember)
	if err != nil {
		t.Fatalf("Get(newMember): %v", err)
	}
	if len(newList) != 1 {
		t.Fatalf("new member has %d utxo entries, want 1", len(newList))
	}
	if newList[0].Outpoint != entry.Outpoint {
		t.Errorf("new entry outpoint = %+v, want %+v", newList[0].Outpoint, entry.Outpoint)
	}

	_, oldNumTxs, err := scriptHistory.MemberNumPagesAndTxs(oldMember)
	if err != nil {
		t.Fatalf("MemberNumPagesAndTxs(oldMember): %v", err)
	}
	if oldNumTxs != 0 {
		t.Errorf("old member history num_txs = %d, want 0", oldNumTxs)
	}
	_, newNumTxs, err := scriptHistory.MemberNumPagesAndTxs(newMember)
	if err != nil {
		t.Fatalf("MemberNumPagesAndTxs(newMember): %v", err)
	}
	if newNumTxs != 1 {
		t.Errorf("new member history num_txs = %d, want 1", newNumTxs)
	}

	// Re-running is a no-op: the migrated row now decompresses cleanly.
	progress2, err := upgrade.FixP2PKCompression(cfg)
	if err != nil {
		t.Fatalf("second FixP2PKCompression: %v", err)
	}
	if progress2.RowsRewritten != 0 {
		t.Errorf("second run RowsRewritten = %d, want 0 (idempotent)", progress2.RowsRewritten)
	}
}

func TestFixP2PKCompressionAmbiguousOnDisagreement(t *testing.T) {
	db := openUpgradeTestDB(t)

	blockCF := db.CF("block")
	blockWriter := blockindex.NewWriter(db, blockCF)
	blockReader := blockindex.NewReader(db, blockCF)
	txWriter := txnum.NewWriter(db, db.CF("tx_primary"), db.CF("tx_lookup"))
	scriptUtxo := grouputxo.New(db, db.CF("script_utxo"))
	scriptHistory := grouphistory.New(db, db.CF("script_history"), db.CF("script_history_count"), 1000)

	scriptA := primitives.P2PKHScript(primitives.Hash160{1})
	scriptB := primitives.P2PKHScript(primitives.Hash160{2})

	txA := &primitives.Tx{Txid: primitives.Hash256{10}, Outputs: []primitives.TxOut{{Sats: 1, Script: scriptA}}}
	txB := &primitives.Tx{Txid: primitives.Hash256{11}, Outputs: []primitives.TxOut{{Sats: 1, Script: scriptB}}}

	batch := db.NewBatch()
	if err := blockWriter.Insert(batch, 0, blockindex.Summary{Hash: primitives.Hash256{1}, FirstTxNum: 0, NumTxs: 2}); err != nil {
		t.Fatalf("block insert: %v", err)
	}
	if err := txWriter.Insert(batch, 0, []txnum.BlockTx{
		{Tx: *txA, IsCoinbase: true, DataPos: 100},
		{Tx: *txB, IsCoinbase: true, DataPos: 200},
	}); err != nil {
		t.Fatalf("tx insert: %v", err)
	}

	oldMember := []byte{0xfd, 0x00, 0x00, 0xcc}
	entries := []grouputxo.UtxoEntry{
		{Outpoint: types.Outpoint{TxNum: 0, OutIdx: 0}, Data: encodeScriptUtxoData(1, oldMember)},
		{Outpoint: types.Outpoint{TxNum: 1, OutIdx: 0}, Data: encodeScriptUtxoData(1, oldMember)},
	}
	if err := scriptUtxo.Insert(batch, oldMember, entries); err != nil {
		t.Fatalf("utxo insert: %v", err)
	}
	if err := scriptHistory.Insert(batch, []grouphistory.MemberTxs{{Member: oldMember, TxNums: []types.TxNum{0, 1}}}); err != nil {
		t.Fatalf("history insert: %v", err)
	}
	if err := batch.Commit(); err != nil {
		t.Fatalf("commit: %v", err)
	}

	// A node fake that returns txA for every lookup would hide the
	// disagreement, so route by the data_pos each entry was written with,
	// the same signal the real node uses.
	router := &routingNode{byDataPos: map[uint64]*primitives.Tx{100: txA, 200: txB}}

	cfg := upgrade.P2PKCompressionConfig{
		DB:            db,
		Node:          router,
		BlockReader:   blockReader,
		TxWriter:      txWriter,
		ScriptCountCF: db.CF("script_history_count"),
		ScriptUtxo:    scriptUtxo,
		ScriptHistory: scriptHistory,
	}

	_, err := upgrade.FixP2PKCompression(cfg)
	var ambiguous *upgrade.ErrAmbiguousP2PKUpgrade
	if !errors.As(err, &ambiguous) {
		t.Fatalf("FixP2PKCompression error = %v, want *ErrAmbiguousP2PKUpgrade", err)
	}
}

func TestMintVaultReindexNoCandidatesIsNoop(t *testing.T) {
	db := openUpgradeTestDB(t)

	blockCF := db.CF("block")
	blockReader := blockindex.NewReader(db, blockCF)
	txWriter := txnum.NewWriter(db, db.CF("tx_primary"), db.CF("tx_lookup"))
	tokenStore := token.NewStore(db, db.CF("token_genesis"), db.CF("token_meta"), db.CF("token_tx"))
	lokadHistory := grouphistory.New(db, db.CF("lokad_history"), db.CF("lokad_history_count"), 1000)
	tokenHistory := grouphistory.New(db, db.CF("token_id_history"), db.CF("token_id_history_count"), 1000)
	tokenUtxo := grouputxo.New(db, db.CF("token_id_utxo"))

	cfg := upgrade.MintVaultReindexConfig{
		DB:           db,
		Node:         &fakeNode{},
		BlockReader:  blockReader,
		TxWriter:     txWriter,
		TokenStore:   tokenStore,
		LokadHistory: lokadHistory,
		TokenHistory: tokenHistory,
		TokenUtxo:    tokenUtxo,
	}

	progress, err := upgrade.MintVaultReindex(cfg)
	if err != nil {
		t.Fatalf("MintVaultReindex: %v", err)
	}
	if progress.RowsScanned != 0 || progress.RowsRewritten != 0 {
		t.Errorf("progress = %+v, want zero", progress)
	}
}

// routingNode resolves LoadTx by the data_pos each fixture tx was written
// with, so the two outpoints in the ambiguity test each resolve to their
// own distinct creating tx.
type routingNode struct {
	byDataPos map[uint64]*primitives.Tx
}

func (n *routingNode) LoadTx(fileNum uint32, dataPos, undoPos uint64) (*primitives.Tx, error) {
	tx, ok := n.byDataPos[dataPos]
	if !ok {
		return nil, errors.New("routingNode: no tx at data_pos")
	}
	return tx, nil
}
