// Package driver implements the single-writer indexer core described in
// §4.10: one thread owns every mutation (block connect/disconnect/finalize,
// mempool add/remove), joining the node's raw transactions against prior
// chain state and fanning the result out across the block index, the
// TxNum assignment, the token validator, every group's history/UTXO
// indexes, the mempool mirror, and the subscription bus.
package driver

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/chronik-go/chronik/consts"
	"github.com/chronik-go/chronik/node"
	"github.com/chronik-go/chronik/pkg/blockindex"
	"github.com/chronik-go/chronik/pkg/codec"
	"github.com/chronik-go/chronik/pkg/group"
	"github.com/chronik-go/chronik/pkg/grouphistory"
	"github.com/chronik-go/chronik/pkg/grouputxo"
	"github.com/chronik-go/chronik/pkg/kvstore"
	"github.com/chronik-go/chronik/pkg/mempool"
	"github.com/chronik-go/chronik/pkg/merkle"
	"github.com/chronik-go/chronik/pkg/metrics"
	"github.com/chronik-go/chronik/pkg/plugin"
	"github.com/chronik-go/chronik/pkg/primitives"
	"github.com/chronik-go/chronik/pkg/subs"
	"github.com/chronik-go/chronik/pkg/token"
	"github.com/chronik-go/chronik/pkg/txnum"
	"github.com/chronik-go/chronik/pkg/types"
)

// ErrUnknownTxNum is returned when a historical coin can't be resolved
// because its TxNum has no primary row — an indexer consistency violation
// (the tx was assigned a TxNum but never written, or was already deleted).
var ErrUnknownTxNum = errors.New("driver: unknown tx num")

// groupEntry pairs one Group with the Index wrappers over its own history
// and UTXO column families.
type groupEntry struct {
	g       group.Group
	history *grouphistory.Index
	utxo    *grouputxo.Index
}

// Driver is the indexer core. One instance owns the write path end to end;
// every exported method takes the single write lock, matching §5's
// "single-writer" scheduling model.
type Driver struct {
	db   *kvstore.DB
	node node.Client

	blockWriter    *blockindex.Writer
	blockReader    *blockindex.Reader
	blockHashIndex *blockindex.HashIndex
	txWriter       *txnum.Writer
	metaCF         *kvstore.CF

	genericGroups []group.Group
	entries       map[string]*groupEntry

	tokenGroup *group.TokenIdGroup
	tokenStore *token.Store

	pluginGroup   *plugin.Group
	pluginRunners map[plugin.Idx]plugin.Runner

	mempool    *mempool.Mempool
	subs       *subs.Bus
	txNumCache *txnum.Cache
	merkle     *merkle.Tree

	logger *zap.Logger

	mu sync.Mutex
}

// Config collects every already-constructed component New wires together.
// Assembling these (opening the DB, registering CFs, building each Group)
// is cmd/chronikd's job; Driver only consumes the result.
type Config struct {
	DB             *kvstore.DB
	Node           node.Client
	BlockWriter    *blockindex.Writer
	BlockReader    *blockindex.Reader
	BlockHashIndex *blockindex.HashIndex
	TxWriter       *txnum.Writer
	MetaCF         *kvstore.CF

	// GenericGroups are the groups whose membership is computable from a
	// tx and its spent coins alone (script, script-hash, LOKAD). Each
	// needs a grouphistory.Index/grouputxo.Index built over its own CFs.
	GenericGroups []group.Group
	HistoryPageSize uint32

	TokenGroup *group.TokenIdGroup
	TokenStore *token.Store

	// PluginGroup and PluginRunners are both nil/empty when no plugins are
	// configured (§1 Non-goals: plugin code itself is out of scope, only
	// the contract is wired here).
	PluginGroup   *plugin.Group
	PluginRunners map[plugin.Idx]plugin.Runner

	Mempool    *mempool.Mempool
	Subs       *subs.Bus
	TxNumCache *txnum.Cache
	Merkle     *merkle.Tree

	// Logger receives structured progress/error logging for block
	// connect/disconnect and mempool churn. A nil Logger falls back to
	// zap.NewNop(), matching the teacher's CompactorLogger injection
	// pattern of tolerating an absent logger rather than requiring one.
	Logger *zap.Logger
}

// New builds a Driver over cfg, constructing the grouphistory/grouputxo
// indexes for every indexed group (generic, token, and plugin alike).
func New(cfg Config) *Driver {
	d := &Driver{
		db:            cfg.DB,
		node:          cfg.Node,
		blockWriter:    cfg.BlockWriter,
		blockReader:    cfg.BlockReader,
		blockHashIndex: cfg.BlockHashIndex,
		txWriter:      cfg.TxWriter,
		metaCF:        cfg.MetaCF,
		genericGroups: cfg.GenericGroups,
		entries:       make(map[string]*groupEntry),
		tokenGroup:    cfg.TokenGroup,
		tokenStore:    cfg.TokenStore,
		pluginGroup:   cfg.PluginGroup,
		pluginRunners: cfg.PluginRunners,
		mempool:       cfg.Mempool,
		subs:          cfg.Subs,
		txNumCache:    cfg.TxNumCache,
		merkle:        cfg.Merkle,
		logger:        cfg.Logger,
	}
	if d.logger == nil {
		d.logger = zap.NewNop()
	}

	register := func(g group.Group) {
		d.entries[g.Name()] = &groupEntry{
			g:       g,
			history: grouphistory.New(cfg.DB, g.HistoryCF(cfg.DB), g.CountCF(cfg.DB), cfg.HistoryPageSize),
			utxo:    grouputxo.New(cfg.DB, g.UtxoCF(cfg.DB)),
		}
	}
	for _, g := range cfg.GenericGroups {
		register(g)
	}
	register(cfg.TokenGroup)
	if cfg.PluginGroup != nil {
		register(cfg.PluginGroup)
	}
	return d
}

var _ node.EventSink = (*Driver)(nil)

// groupDeltas accumulates the per-group history touches and UTXO
// create/spend entries a batch of IndexTx produces, independent of whether
// the batch is being applied (connect) or unwound (disconnect) — see
// applyDeltas.
type groupDeltas struct {
	history     map[string]map[string][]types.TxNum
	utxoCreated map[string]map[string][]grouputxo.UtxoEntry
	utxoSpent   map[string]map[string][]grouputxo.UtxoEntry
}

func newGroupDeltas() *groupDeltas {
	return &groupDeltas{
		history:     make(map[string]map[string][]types.TxNum),
		utxoCreated: make(map[string]map[string][]grouputxo.UtxoEntry),
		utxoSpent:   make(map[string]map[string][]grouputxo.UtxoEntry),
	}
}

func (gd *groupDeltas) touchHistory(groupName, member string, txNum types.TxNum) {
	if gd.history[groupName] == nil {
		gd.history[groupName] = make(map[string][]types.TxNum)
	}
	gd.history[groupName][member] = append(gd.history[groupName][member], txNum)
}

func (gd *groupDeltas) addCreated(groupName, member string, e grouputxo.UtxoEntry) {
	if gd.utxoCreated[groupName] == nil {
		gd.utxoCreated[groupName] = make(map[string][]grouputxo.UtxoEntry)
	}
	gd.utxoCreated[groupName][member] = append(gd.utxoCreated[groupName][member], e)
}

func (gd *groupDeltas) addSpent(groupName, member string, e grouputxo.UtxoEntry) {
	if gd.utxoSpent[groupName] == nil {
		gd.utxoSpent[groupName] = make(map[string][]grouputxo.UtxoEntry)
	}
	gd.utxoSpent[groupName][member] = append(gd.utxoSpent[groupName][member], e)
}

// coinUtxoData re-derives the UtxoData a spent coin's output carried when it
// was created, by replaying it through the same group projection a creating
// output would have used. Works for any group whose OutputUtxoData depends
// only on tx.Outputs[outIdx] (true of every generic group), which lets a
// disconnect restore an exact match for what connect originally wrote.
func coinUtxoData(g group.Group, coin *primitives.Coin) []byte {
	if coin == nil {
		return nil
	}
	fakeTx := &primitives.Tx{Outputs: []primitives.TxOut{{Sats: coin.Sats, Script: coin.Script}}}
	return g.OutputUtxoData(fakeTx, 0).Encode()
}

// addGenericGroupDeltas folds one IndexTx's membership under g into gd.
func addGenericGroupDeltas(gd *groupDeltas, g group.Group, itx *txnum.IndexTx) {
	seen := make(map[string]bool)
	touch := func(member group.Member) {
		k := string(member)
		if seen[k] {
			return
		}
		seen[k] = true
		gd.touchHistory(g.Name(), k, itx.TxNum)
	}

	if !itx.IsCoinbase {
		for ii := range itx.Tx.Inputs {
			in := &itx.Tx.Inputs[ii]
			for _, item := range g.InputMembers(&itx.Tx, ii, in.Coin) {
				touch(item.Member)
				outpoint := types.Outpoint{TxNum: itx.InputNums[ii], OutIdx: in.PrevOut.OutIdx}
				gd.addSpent(g.Name(), string(item.Member), grouputxo.UtxoEntry{
					Outpoint: outpoint,
					Data:     coinUtxoData(g, in.Coin),
				})
			}
		}
	}

	for oi := range itx.Tx.Outputs {
		for _, item := range g.OutputMembers(&itx.Tx, oi) {
			touch(item.Member)
			outpoint := types.Outpoint{TxNum: itx.TxNum, OutIdx: uint32(oi)}
			gd.addCreated(g.Name(), string(item.Member), grouputxo.UtxoEntry{
				Outpoint: outpoint,
				Data:     g.OutputUtxoData(&itx.Tx, oi).Encode(),
			})
		}
	}
}

// addTokenGroupDeltas folds the token-id group's membership for a batch of
// IndexTx into gd. It works entirely off stored DbTokenTx shape (never off
// the verifier's ValidTx/ColoredTx types), which lets the exact same logic
// serve both a connect (dbTxFor reads the batch just verified) and a
// disconnect (dbTxFor re-reads what's still durably stored, since deltas
// are computed before the store rows are deleted) — see TokenIdGroup's
// doc comment on why the driver, not the Group interface, owns this.
func addTokenGroupDeltas(
	gd *groupDeltas,
	name string,
	indexTxs []txnum.IndexTx,
	dbTxFor func(types.TxNum) (*token.DbTokenTx, bool, error),
	metaFor func(types.TxNum) (token.TokenMeta, bool, error),
) error {
	for _, itx := range indexTxs {
		dbTx, ok, err := dbTxFor(itx.TxNum)
		if err != nil {
			return err
		}
		if !ok {
			continue
		}

		seenMeta := make(map[types.TxNum]bool)
		for _, tn := range dbTx.TokenTxNums {
			if seenMeta[tn] {
				continue
			}
			seenMeta[tn] = true
			meta, ok, err := metaFor(tn)
			if err != nil {
				return err
			}
			if !ok {
				continue
			}
			gd.touchHistory(name, string(group.TokenIdMember(meta.TokenId)), itx.TxNum)
		}

		for oi, slot := range dbTx.Outputs {
			if slot.Flag == token.NoToken {
				continue
			}
			tn, ok := dbTx.TokenTxNumForSlot(slot)
			if !ok {
				continue
			}
			meta, ok, err := metaFor(tn)
			if err != nil {
				return err
			}
			if !ok {
				continue
			}
			outpoint := types.Outpoint{TxNum: itx.TxNum, OutIdx: uint32(oi)}
			gd.addCreated(name, string(group.TokenIdMember(meta.TokenId)), grouputxo.UtxoEntry{
				Outpoint: outpoint,
				Data:     token.EncodeDbTokenAssignment(slot),
			})
		}

		if itx.IsCoinbase {
			continue
		}
		for ii, slot := range dbTx.Inputs {
			if slot.Flag == token.NoToken {
				continue
			}
			tn, ok := dbTx.TokenTxNumForSlot(slot)
			if !ok {
				continue
			}
			meta, ok, err := metaFor(tn)
			if err != nil {
				return err
			}
			if !ok {
				continue
			}
			outpoint := types.Outpoint{TxNum: itx.InputNums[ii], OutIdx: itx.Tx.Inputs[ii].PrevOut.OutIdx}
			gd.addSpent(name, string(group.TokenIdMember(meta.TokenId)), grouputxo.UtxoEntry{
				Outpoint: outpoint,
				Data:     token.EncodeDbTokenAssignment(slot),
			})
		}
	}
	return nil
}

// addPluginGroupDeltas folds one batch's worth of plugin-declared output
// entries into gd. There is no utxoSpent side: the driver does not look up
// which plugin UTXO an input consumed, so plugin_utxo entries are added here
// and never retired by a later spend.
func addPluginGroupDeltas(gd *groupDeltas, pg *plugin.Group, indexTxs []txnum.IndexTx, outputs map[types.TxNum]map[plugin.Idx][]plugin.OutputEntry) {
	if pg == nil || outputs == nil {
		return
	}
	name := pg.Name()
	for _, itx := range indexTxs {
		byIdx, ok := outputs[itx.TxNum]
		if !ok {
			continue
		}
		seen := make(map[string]bool)
		for idx, entries := range byIdx {
			for oi := range itx.Tx.Outputs {
				if oi >= len(entries) {
					continue
				}
				entry := entries[oi]
				if len(entry.Groups) == 0 {
					continue
				}
				for _, item := range pg.MembersForOutput(idx, oi, entry) {
					k := string(item.Member)
					if !seen[k] {
						seen[k] = true
						gd.touchHistory(name, k, itx.TxNum)
					}
					outpoint := types.Outpoint{TxNum: itx.TxNum, OutIdx: uint32(oi)}
					gd.addCreated(name, k, grouputxo.UtxoEntry{
						Outpoint: outpoint,
						Data:     plugin.UtxoDataFor(entry).Encode(),
					})
				}
			}
		}
	}
}

// applyDeltas writes gd into batch. insert=true is a connect (created
// entries are inserted, spent entries are deleted); insert=false is a
// disconnect, where the meaning of each side flips: this block's own
// created outputs never existed, and its spent coins are restored.
func (d *Driver) applyDeltas(batch *kvstore.Batch, gd *groupDeltas, insert bool) error {
	for name, byMember := range gd.history {
		e, ok := d.entries[name]
		if !ok {
			continue
		}
		list := make([]grouphistory.MemberTxs, 0, len(byMember))
		for member, nums := range byMember {
			list = append(list, grouphistory.MemberTxs{Member: []byte(member), TxNums: nums})
		}
		if insert {
			if err := e.history.Insert(batch, list); err != nil {
				return err
			}
		} else {
			if err := e.history.Delete(batch, list); err != nil {
				return err
			}
		}
	}

	for name, byMember := range gd.utxoCreated {
		e, ok := d.entries[name]
		if !ok {
			continue
		}
		for member, entries := range byMember {
			if len(entries) == 0 {
				continue
			}
			if insert {
				if err := e.utxo.Insert(batch, []byte(member), entries); err != nil {
					return err
				}
			} else if err := e.utxo.Delete(batch, []byte(member), outpointsOf(entries)); err != nil {
				return err
			}
		}
	}

	for name, byMember := range gd.utxoSpent {
		e, ok := d.entries[name]
		if !ok {
			continue
		}
		for member, entries := range byMember {
			if len(entries) == 0 {
				continue
			}
			if insert {
				if err := e.utxo.Delete(batch, []byte(member), outpointsOf(entries)); err != nil {
					return err
				}
			} else if err := e.utxo.Insert(batch, []byte(member), entries); err != nil {
				return err
			}
		}
	}
	return nil
}

func outpointsOf(entries []grouputxo.UtxoEntry) []types.Outpoint {
	out := make([]types.Outpoint, len(entries))
	for i, e := range entries {
		out[i] = e.Outpoint
	}
	return out
}

// buildDeltas runs every indexed group's delta computation over one batch
// of IndexTx, shared verbatim between Connect and Disconnect.
func (d *Driver) buildDeltas(
	indexTxs []txnum.IndexTx,
	dbTxFor func(types.TxNum) (*token.DbTokenTx, bool, error),
	metaFor func(types.TxNum) (token.TokenMeta, bool, error),
	pluginOutputs map[types.TxNum]map[plugin.Idx][]plugin.OutputEntry,
) (*groupDeltas, error) {
	gd := newGroupDeltas()
	for i := range indexTxs {
		for _, g := range d.genericGroups {
			addGenericGroupDeltas(gd, g, &indexTxs[i])
		}
	}
	if err := addTokenGroupDeltas(gd, d.tokenGroup.Name(), indexTxs, dbTxFor, metaFor); err != nil {
		return nil, err
	}
	addPluginGroupDeltas(gd, d.pluginGroup, indexTxs, pluginOutputs)
	return gd, nil
}

// runPlugins invokes every configured plugin's Runner against every tx in
// the batch, blind to whether this is a connect or a disconnect replay. Each
// Run receives one SpentOutput per input, all with Found=false (prior plugin
// outputs are not looked up), so a Runner that is a pure function of the tx
// reproduces the same result either way.
func (d *Driver) runPlugins(indexTxs []txnum.IndexTx) (map[types.TxNum]map[plugin.Idx][]plugin.OutputEntry, error) {
	if d.pluginGroup == nil || len(d.pluginRunners) == 0 {
		return nil, nil
	}
	result := make(map[types.TxNum]map[plugin.Idx][]plugin.OutputEntry, len(indexTxs))
	for _, itx := range indexTxs {
		spent := make([]plugin.SpentOutput, len(itx.Tx.Inputs))
		for idx, runner := range d.pluginRunners {
			entries, err := runner.Run(&itx.Tx, spent)
			if err != nil {
				return nil, fmt.Errorf("driver: plugin %d: %w", idx, err)
			}
			if len(entries) == 0 {
				continue
			}
			if result[itx.TxNum] == nil {
				result[itx.TxNum] = make(map[plugin.Idx][]plugin.OutputEntry)
			}
			result[itx.TxNum][idx] = entries
		}
	}
	return result, nil
}

// resolveCoins fills in itx.Tx.Inputs[i].Coin for every non-coinbase input
// across indexTxs, resolving same-block spends directly from the batch and
// older spends via the block index + txnum primary row + a node load_tx
// call (§4.1, §6).
func (d *Driver) resolveCoins(indexTxs []txnum.IndexTx, firstTxNum types.TxNum) error {
	loaded := make(map[types.TxNum]*primitives.Tx)
	for ti := range indexTxs {
		itx := &indexTxs[ti]
		if itx.IsCoinbase {
			continue
		}
		for ii := range itx.Tx.Inputs {
			in := &itx.Tx.Inputs[ii]
			n := itx.InputNums[ii]

			var srcTx *primitives.Tx
			if n >= firstTxNum {
				idx := int(n - firstTxNum)
				if idx < len(indexTxs) {
					srcTx = &indexTxs[idx].Tx
				}
			}
			if srcTx == nil {
				tx, ok := loaded[n]
				if !ok {
					t, err := d.loadHistoricalTx(n)
					if err != nil {
						return err
					}
					tx, loaded[n] = t, t
				}
				srcTx = tx
			}

			outIdx := int(in.PrevOut.OutIdx)
			if outIdx >= len(srcTx.Outputs) {
				return fmt.Errorf("driver: out_idx %d out of range for tx %s", outIdx, srcTx.Txid.String())
			}
			out := srcTx.Outputs[outIdx]
			in.Coin = &primitives.Coin{Sats: out.Sats, Script: out.Script}
		}
	}
	return nil
}

// loadHistoricalTx resolves a TxNum to its full tx body via the block it was
// confirmed in and the node's load_tx RPC (§4.1/§6), for an input whose coin
// isn't available from the block currently being indexed.
func (d *Driver) loadHistoricalTx(txNum types.TxNum) (*primitives.Tx, error) {
	entry, ok, err := d.txWriter.Entry(txNum)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, fmt.Errorf("%w: %d", ErrUnknownTxNum, txNum)
	}
	height, err := d.blockReader.HeightForTxNum(txNum)
	if err != nil {
		return nil, err
	}
	block, err := d.blockReader.ByHeight(height)
	if err != nil {
		return nil, err
	}
	return d.node.LoadTx(block.FileNum, entry.DataPos, entry.UndoPos)
}

// Connect implements §4.10's block-connect pipeline: assign TxNums, resolve
// coins, run token validation, compute every group's deltas, and commit it
// all in one batch before updating in-memory state and publishing events.
func (d *Driver) Connect(header node.BlockHeader, rawTxs []node.RawTx) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	firstTxNum, err := d.txWriter.NextTxNum()
	if err != nil {
		return err
	}

	blockTxs := make([]txnum.BlockTx, len(rawTxs))
	for i, rt := range rawTxs {
		blockTxs[i] = txnum.BlockTx{Tx: rt.Tx, IsCoinbase: rt.IsCoinbase, DataPos: rt.DataPos, UndoPos: rt.UndoPos, FirstSeen: header.Timestamp}
	}

	indexTxs, err := d.txWriter.PrepareIndexedTxs(firstTxNum, blockTxs, d.txNumCache, txnum.Add)
	if err != nil {
		return err
	}
	if err := d.resolveCoins(indexTxs, firstTxNum); err != nil {
		return err
	}

	batch := d.db.NewBatch()
	committed := false
	defer func() {
		if !committed {
			batch.Close()
		}
	}()

	summary := blockindex.Summary{
		Hash: header.Hash, Timestamp: header.Timestamp, NumTxs: uint32(len(rawTxs)),
		FirstTxNum: firstTxNum, NBits: header.NBits, FileNum: header.FileNum, DataPos: header.DataPos,
	}
	if err := d.blockWriter.Insert(batch, header.Height, summary); err != nil {
		return err
	}
	if d.blockHashIndex != nil {
		if err := d.blockHashIndex.Insert(batch, header.Height, header.Hash); err != nil {
			return err
		}
	}
	if err := d.txWriter.Insert(batch, firstTxNum, blockTxs); err != nil {
		return err
	}

	processed, err := d.tokenStore.Insert(batch, indexTxs)
	if err != nil {
		return err
	}

	pluginOutputs, err := d.runPlugins(indexTxs)
	if err != nil {
		return err
	}

	newMetas := make(map[types.TxNum]token.TokenMeta, len(processed.NewTokens))
	for _, nt := range processed.NewTokens {
		newMetas[nt.TxNum] = nt.Meta
	}
	metaCache := make(map[types.TxNum]token.TokenMeta)
	metaFor := func(txNum types.TxNum) (token.TokenMeta, bool, error) {
		if m, ok := newMetas[txNum]; ok {
			return m, true, nil
		}
		if m, ok := metaCache[txNum]; ok {
			return m, true, nil
		}
		m, ok, err := d.tokenStore.TokenMeta(txNum)
		if err != nil {
			return token.TokenMeta{}, false, err
		}
		if ok {
			metaCache[txNum] = m
		}
		return m, ok, nil
	}
	dbTxFor := func(txNum types.TxNum) (*token.DbTokenTx, bool, error) {
		t, ok := processed.DbTokenTxs[txNum]
		return t, ok, nil
	}

	gd, err := d.buildDeltas(indexTxs, dbTxFor, metaFor, pluginOutputs)
	if err != nil {
		return err
	}
	if err := d.applyDeltas(batch, gd, true); err != nil {
		return err
	}

	start := time.Now()
	if err := batch.Commit(); err != nil {
		return err
	}
	committed = true
	metrics.BatchCommitSeconds.Observe(time.Since(start).Seconds())

	for i := range indexTxs {
		d.mempool.RemoveMined(&indexTxs[i].Tx)
	}

	metrics.BlocksConnectedTotal.Inc()
	metrics.TipHeight.Set(float64(header.Height))
	metrics.MempoolSize.Set(float64(d.mempool.Size()))

	d.publishBlock(subs.BlockConnected, header.Height, header.Hash)
	d.publishTxTouches(subs.TxConfirmed, gd, indexTxs)

	d.logger.Info("block connected",
		zap.Uint64("height", uint64(header.Height)),
		zap.Stringer("hash", header.Hash),
		zap.Int("num_txs", len(rawTxs)),
	)
	return nil
}

// Disconnect implements §4.10's reorg-unwind pipeline: rebuild the block's
// IndexTxs from durable storage, reverse every write Connect made for it,
// and invalidate the TxNum cache / merkle cache entries it had seeded.
func (d *Driver) Disconnect(header node.BlockHeader) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	block, err := d.blockReader.ByHeight(header.Height)
	if err != nil {
		return err
	}

	blockTxs := make([]txnum.BlockTx, block.NumTxs)
	txids := make([]primitives.Hash256, block.NumTxs)
	for i := uint32(0); i < block.NumTxs; i++ {
		n := block.FirstTxNum + types.TxNum(i)
		entry, ok, err := d.txWriter.Entry(n)
		if !ok || err != nil {
			if err != nil {
				return err
			}
			return fmt.Errorf("%w: %d", ErrUnknownTxNum, n)
		}
		tx, err := d.node.LoadTx(block.FileNum, entry.DataPos, entry.UndoPos)
		if err != nil {
			return err
		}
		blockTxs[i] = txnum.BlockTx{Tx: *tx, IsCoinbase: entry.IsCoinbase, DataPos: entry.DataPos, UndoPos: entry.UndoPos, FirstSeen: entry.TimeFirstSeen}
		txids[i] = entry.Txid
	}

	indexTxs, err := d.txWriter.PrepareIndexedTxs(block.FirstTxNum, blockTxs, d.txNumCache, txnum.Remove)
	if err != nil {
		return err
	}
	if err := d.resolveCoins(indexTxs, block.FirstTxNum); err != nil {
		return err
	}

	pluginOutputs, err := d.runPlugins(indexTxs)
	if err != nil {
		return err
	}
	dbTxFor := func(txNum types.TxNum) (*token.DbTokenTx, bool, error) { return d.tokenStore.DbTokenTx(txNum) }
	gd, err := d.buildDeltas(indexTxs, dbTxFor, d.tokenStore.TokenMeta, pluginOutputs)
	if err != nil {
		return err
	}

	batch := d.db.NewBatch()
	committed := false
	defer func() {
		if !committed {
			batch.Close()
		}
	}()

	if err := d.applyDeltas(batch, gd, false); err != nil {
		return err
	}
	if err := d.tokenStore.Delete(batch, indexTxs); err != nil {
		return err
	}
	if err := d.txWriter.DeleteRange(batch, block.FirstTxNum, txids); err != nil {
		return err
	}
	if d.blockHashIndex != nil {
		if err := d.blockHashIndex.Delete(batch, header.Height, block.Hash); err != nil {
			return err
		}
	}
	if err := d.blockWriter.DeleteByHeight(batch, header.Height); err != nil {
		return err
	}
	if err := batch.Commit(); err != nil {
		return err
	}
	committed = true

	d.merkle.InvalidateBlock(int(header.Height))

	metrics.BlocksDisconnectedTotal.Inc()
	metrics.TipHeight.Set(float64(header.Height) - 1)

	d.publishBlock(subs.BlockDisconnected, header.Height, header.Hash)

	d.logger.Warn("block disconnected",
		zap.Uint64("height", uint64(header.Height)),
		zap.Stringer("hash", header.Hash),
	)
	return nil
}

// Finalize implements §4.10's finality watermark update: a single durable
// key, cheap compared to per-block bookkeeping, plus a block-stream event.
func (d *Driver) Finalize(height types.Height) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	batch := d.db.NewBatch()
	committed := false
	defer func() {
		if !committed {
			batch.Close()
		}
	}()
	if err := batch.Put(d.metaCF, []byte(consts.FinalityWatermarkKey), codec.BE4(uint32(height))); err != nil {
		return err
	}
	if err := batch.Commit(); err != nil {
		return err
	}
	committed = true

	block, err := d.blockReader.ByHeight(height)
	if err != nil {
		return err
	}
	d.publishBlock(subs.BlockFinalized, height, block.Hash)
	return nil
}

// FinalityHeight returns the last height written by Finalize, or
// types.InvalidHeight if none has been recorded yet.
func (d *Driver) FinalityHeight() (types.Height, error) {
	raw, err := d.db.Get(d.metaCF, []byte(consts.FinalityWatermarkKey))
	if err != nil {
		return types.InvalidHeight, err
	}
	if raw == nil {
		return types.InvalidHeight, nil
	}
	return types.Height(codec.DecodeBE4(raw)), nil
}

// MempoolAdd implements §4.9's insert path: join each input's coin from
// either a mempool parent or the durable UTXO set, run token verification,
// and mirror the result into the mempool.
func (d *Driver) MempoolAdd(tx primitives.Tx, timeFirstSeen int64) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	coins, inputNums, err := d.joinMempoolCoins(&tx)
	if err != nil {
		return err
	}
	for i := range tx.Inputs {
		tx.Inputs[i].Coin = coins[i]
	}

	itx := txnum.IndexTx{Tx: tx, TxNum: types.InvalidTxNum, IsCoinbase: false, InputNums: inputNums}

	tokenTx, err := d.tokenStore.VerifyMempoolTx(itx)
	if err != nil {
		d.logger.Debug("mempool tx rejected by token verification", zap.Stringer("txid", tx.Txid), zap.Error(err))
		return err
	}
	if err := d.mempool.Insert(&tx, timeFirstSeen, coins, tokenTx); err != nil {
		return err
	}

	metrics.MempoolSize.Set(float64(d.mempool.Size()))
	for _, g := range d.genericGroups {
		for _, member := range touchedMembers(g, &tx, coins) {
			d.subs.PublishTx(subs.TxAddedToMempool, g.Name(), []byte(member), tx.Txid)
		}
	}
	return nil
}

// MempoolRemove implements §4.9's eviction path (confirmation is handled by
// Connect via RemoveMined). Reorged is treated the same as Evicted: the
// node re-submits a reorged tx as a fresh mempool_add if it's still valid.
func (d *Driver) MempoolRemove(txid primitives.Hash256, reason node.MempoolRemoveReason) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if reason == node.Confirmed {
		return nil
	}

	mtx, ok := d.mempool.Tx(txid)
	if !ok {
		return nil
	}
	coins, _, err := d.joinMempoolCoins(&mtx.Tx)
	if err != nil {
		return err
	}
	if err := d.mempool.RemoveEvicted(&mtx.Tx, coins); err != nil {
		return err
	}

	metrics.MempoolSize.Set(float64(d.mempool.Size()))
	for _, g := range d.genericGroups {
		for _, member := range touchedMembers(g, &mtx.Tx, coins) {
			d.subs.PublishTx(subs.TxRemovedFromMempool, g.Name(), []byte(member), txid)
		}
	}
	return nil
}

// joinMempoolCoins resolves each of tx's inputs to a Coin, preferring a
// still-unconfirmed parent in the mempool mirror and falling back to the
// durable group-agnostic coin lookup otherwise (§4.9). It also returns each
// input's confirmed TxNum where one exists (types.InvalidTxNum for an
// unconfirmed mempool parent), for token.Store.VerifyMempoolTx's spent-coin
// join — never a zero-valued placeholder, which would alias real TxNum 0.
func (d *Driver) joinMempoolCoins(tx *primitives.Tx) ([]*primitives.Coin, []types.TxNum, error) {
	coins := make([]*primitives.Coin, len(tx.Inputs))
	inputNums := make([]types.TxNum, len(tx.Inputs))
	for i, in := range tx.Inputs {
		if parent, ok := d.mempool.Tx(in.PrevOut.TxId); ok {
			outIdx := int(in.PrevOut.OutIdx)
			if outIdx >= len(parent.Tx.Outputs) {
				return nil, nil, fmt.Errorf("driver: out_idx %d out of range for mempool parent %s", outIdx, in.PrevOut.TxId.String())
			}
			out := parent.Tx.Outputs[outIdx]
			coins[i] = &primitives.Coin{Sats: out.Sats, Script: out.Script}
			inputNums[i] = types.InvalidTxNum
			continue
		}

		n, found := d.txNumCache.Get(in.PrevOut.TxId)
		if !found {
			txNum, ok, err := d.txWriter.Lookup(in.PrevOut.TxId)
			if err != nil {
				return nil, nil, err
			}
			if !ok {
				return nil, nil, fmt.Errorf("%w: %s", ErrUnknownTxNum, in.PrevOut.TxId.String())
			}
			n = txNum
		}
		srcTx, err := d.loadHistoricalTx(n)
		if err != nil {
			return nil, nil, err
		}
		outIdx := int(in.PrevOut.OutIdx)
		if outIdx >= len(srcTx.Outputs) {
			return nil, nil, fmt.Errorf("driver: out_idx %d out of range for tx %s", outIdx, srcTx.Txid.String())
		}
		out := srcTx.Outputs[outIdx]
		coins[i] = &primitives.Coin{Sats: out.Sats, Script: out.Script}
		inputNums[i] = n
	}
	return coins, inputNums, nil
}

func touchedMembers(g group.Group, tx *primitives.Tx, coins []*primitives.Coin) []string {
	seen := make(map[string]bool)
	var out []string
	add := func(items []group.Item) {
		for _, it := range items {
			k := string(it.Member)
			if !seen[k] {
				seen[k] = true
				out = append(out, k)
			}
		}
	}
	for i := range tx.Inputs {
		var coin *primitives.Coin
		if i < len(coins) {
			coin = coins[i]
		}
		add(g.InputMembers(tx, i, coin))
	}
	for i := range tx.Outputs {
		add(g.OutputMembers(tx, i))
	}
	return out
}

func (d *Driver) publishBlock(eventType subs.EventType, height types.Height, hash primitives.Hash256) {
	d.subs.PublishBlock(eventType, subs.BlockSummary{Height: height, Hash: hash})
}

func (d *Driver) publishTxTouches(eventType subs.EventType, gd *groupDeltas, indexTxs []txnum.IndexTx) {
	txidByNum := make(map[types.TxNum]primitives.Hash256, len(indexTxs))
	for _, itx := range indexTxs {
		txidByNum[itx.TxNum] = itx.Tx.Txid
	}
	for groupName, byMember := range gd.history {
		for member, nums := range byMember {
			for _, n := range nums {
				d.subs.PublishTx(eventType, groupName, []byte(member), txidByNum[n])
			}
		}
	}
}
