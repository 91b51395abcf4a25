// Command chronikd wires the indexer core together: the pebble-backed KV
// store with its full column-family registry, the block/tx/group indexes,
// the token validator, the mempool mirror, the subscription bus, the
// driver, and the read-only query service, then exposes the Prometheus
// /metrics endpoint the way the teacher's evm-ingestion/main.go does.
//
// The node event source itself (block/tx delivery, P2P, consensus) is out
// of scope (spec §1 Non-goals); chronikd builds a Driver that satisfies
// node.EventSink and is ready to be driven by whatever adapter a
// deployment wires in, plus the two offline schema-upgrade entry points
// from pkg/upgrade, runnable via the -upgrade-mint-vault and
// -upgrade-p2pk-compression flags ahead of normal startup.
package main

import (
	"errors"
	"flag"
	"fmt"
	"log"

	"go.uber.org/zap"

	"github.com/chronik-go/chronik/consts"
	"github.com/chronik-go/chronik/internal/config"
	"github.com/chronik-go/chronik/node"
	"github.com/chronik-go/chronik/pkg/blockindex"
	"github.com/chronik-go/chronik/pkg/driver"
	"github.com/chronik-go/chronik/pkg/group"
	"github.com/chronik-go/chronik/pkg/grouphistory"
	"github.com/chronik-go/chronik/pkg/grouputxo"
	"github.com/chronik-go/chronik/pkg/kvstore"
	"github.com/chronik-go/chronik/pkg/mempool"
	"github.com/chronik-go/chronik/pkg/merkle"
	"github.com/chronik-go/chronik/pkg/metrics"
	"github.com/chronik-go/chronik/pkg/plugin"
	"github.com/chronik-go/chronik/pkg/primitives"
	"github.com/chronik-go/chronik/pkg/query"
	"github.com/chronik-go/chronik/pkg/subs"
	"github.com/chronik-go/chronik/pkg/token"
	"github.com/chronik-go/chronik/pkg/txnum"
	"github.com/chronik-go/chronik/pkg/upgrade"
)

// unconfiguredNode is the default node.Client: a deployment that actually
// ingests a chain must supply its own adapter over the node's block/undo
// files, the boundary spec §1 places out of scope. Kept here rather than
// left nil so a Driver/Service is always a valid, non-panicking value.
type unconfiguredNode struct{}

func (unconfiguredNode) LoadTx(fileNum uint32, dataPos, undoPos uint64) (*primitives.Tx, error) {
	return nil, errors.New("node: no node.Client adapter configured for this deployment")
}

func main() {
	var (
		runMintVaultUpgrade bool
		runP2PKUpgrade      bool
	)
	flag.BoolVar(&runMintVaultUpgrade, "upgrade-mint-vault", false, "reindex SLP mint-vault txs indexed before mint-vault support existed, then exit")
	flag.BoolVar(&runP2PKUpgrade, "upgrade-p2pk-compression", false, "fix legacy P2PK script compression, then exit")
	flag.Parse()

	cfg := config.Load()

	logger, err := zap.NewProduction()
	if err != nil {
		log.Fatalf("chronikd: building logger: %v", err)
	}
	defer logger.Sync()

	db, err := kvstore.Open(cfg.DBPath, kvstore.Options{CFs: cfRegistry()})
	if err != nil {
		log.Fatalf("chronikd: opening store at %s: %v", cfg.DBPath, err)
	}
	defer db.Close()
	logger.Info("store opened", zap.String("path", cfg.DBPath))

	nodeClient := node.Client(unconfiguredNode{})

	blockWriter := blockindex.NewWriter(db, db.CF("blk"))
	blockReader := blockindex.NewReader(db, db.CF("blk"))
	blockHashIndex := blockindex.NewHashIndex(db, db.CF("blk_by_hash"), blockReader)

	txWriter := txnum.NewWriter(db, db.CF("tx"), db.CF("tx_by_hash"))
	txNumCache := txnum.NewCache(cfg.TxNumCacheBuckets, consts.TxNumCacheBucketCapacity)

	scriptGroup := group.NewScriptGroup()
	lokadGroup := group.NewLokadGroup()
	genericGroups := []group.Group{scriptGroup, lokadGroup}
	if cfg.ScriptHashIndexEnabled {
		genericGroups = append(genericGroups, group.NewScriptHashGroup())
	}

	tokenGroup := group.NewTokenIdGroup()
	tokenStore := token.NewStore(db, db.CF("token_genesis_info"), db.CF("token_meta"), db.CF("token_tx"))

	pluginNames, err := plugin.LoadNameMap(cfg.PluginConfigPath)
	if err != nil {
		log.Fatalf("chronikd: loading plugin config: %v", err)
	}
	var pluginGroup *plugin.Group
	var pluginRunners map[plugin.Idx]plugin.Runner
	if cfg.PluginConfigPath != "" {
		pluginGroup = plugin.NewGroup()
		pluginRunners = make(map[plugin.Idx]plugin.Runner)
	}

	mempoolGroups := append(append([]group.Group{}, genericGroups...), tokenGroup)
	if pluginGroup != nil {
		mempoolGroups = append(mempoolGroups, pluginGroup)
	}
	mp := mempool.New(mempoolGroups)
	bus := subs.New()
	merkleTree := merkle.New()

	drv := driver.New(driver.Config{
		DB:              db,
		Node:            nodeClient,
		BlockWriter:     blockWriter,
		BlockReader:     blockReader,
		BlockHashIndex:  blockHashIndex,
		TxWriter:        txWriter,
		MetaCF:          db.CF("meta"),
		GenericGroups:   genericGroups,
		HistoryPageSize: cfg.HistoryPageSize,
		TokenGroup:      tokenGroup,
		TokenStore:      tokenStore,
		PluginGroup:     pluginGroup,
		PluginRunners:   pluginRunners,
		Mempool:         mp,
		Subs:            bus,
		TxNumCache:      txNumCache,
		Merkle:          merkleTree,
		Logger:          logger,
	})
	_ = drv // satisfies node.EventSink; driven by whatever transport adapter a deployment wires in (spec §1 Non-goals)

	if runMintVaultUpgrade || runP2PKUpgrade {
		runUpgrades(db, nodeClient, blockReader, txWriter, tokenStore, scriptGroup, lokadGroup, logger, runMintVaultUpgrade, runP2PKUpgrade)
		return
	}

	svc := query.New(query.Config{
		DB:                     db,
		Node:                   nodeClient,
		BlockReader:            blockReader,
		BlockHash:              blockHashIndex,
		TxReader:               txWriter,
		TokenStore:             tokenStore,
		Mempool:                mp,
		Merkle:                 merkleTree,
		PluginNames:            pluginNames,
		GenericGroups:          genericGroups,
		TokenGroup:             tokenGroup,
		PluginGroup:            pluginGroup,
		HistoryPageSize:        cfg.HistoryPageSize,
		ScriptHashIndexEnabled: cfg.ScriptHashIndexEnabled,
	})
	_ = svc // the HTTP/RPC surface over Service is this same out-of-scope transport boundary (spec §1)

	metrics.InitZero()
	metrics.StartServer(cfg.MetricsListenAddr)
	logger.Info("chronikd up", zap.String("metrics_addr", cfg.MetricsListenAddr))

	select {}
}

// runUpgrades drives the two §4.14 offline schema fixups to completion and
// exits; chronikd is never driven to perform these as part of a normal
// startup since they rewrite historical rows outside the single-writer
// driver's own lock.
func runUpgrades(
	db *kvstore.DB,
	nodeClient node.Client,
	blockReader *blockindex.Reader,
	txWriter *txnum.Writer,
	tokenStore *token.Store,
	scriptGroup *group.ScriptGroup,
	lokadGroup *group.LokadGroup,
	logger *zap.Logger,
	runMintVault, runP2PK bool,
) {
	noShutdown := func() bool { return false }

	if runMintVault {
		lokadHistory := grouphistory.New(db, lokadGroup.HistoryCF(db), lokadGroup.CountCF(db), consts.DefaultHistoryPageSize)
		tokenHistory := grouphistory.New(db, db.CF("token_id_history"), db.CF("token_id_history_count"), consts.DefaultHistoryPageSize)
		tokenUtxo := grouputxo.New(db, db.CF("token_id_utxo"))

		progress, err := upgrade.MintVaultReindex(upgrade.MintVaultReindexConfig{
			DB:           db,
			Node:         nodeClient,
			BlockReader:  blockReader,
			TxWriter:     txWriter,
			TokenStore:   tokenStore,
			LokadHistory: lokadHistory,
			TokenHistory: tokenHistory,
			TokenUtxo:    tokenUtxo,
			Logger:       logger,
			Shutdown:     noShutdown,
		})
		if err != nil {
			log.Fatalf("chronikd: mint-vault upgrade: %v", err)
		}
		fmt.Printf("mint-vault reindex: scanned %d, rewrote %d\n", progress.RowsScanned, progress.RowsRewritten)
	}

	if runP2PK {
		scriptUtxo := grouputxo.New(db, scriptGroup.UtxoCF(db))
		scriptHistory := grouphistory.New(db, scriptGroup.HistoryCF(db), scriptGroup.CountCF(db), consts.DefaultHistoryPageSize)

		progress, err := upgrade.FixP2PKCompression(upgrade.P2PKCompressionConfig{
			DB:            db,
			Node:          nodeClient,
			BlockReader:   blockReader,
			TxWriter:      txWriter,
			ScriptCountCF: scriptGroup.CountCF(db),
			ScriptUtxo:    scriptUtxo,
			ScriptHistory: scriptHistory,
			Logger:        logger,
			Shutdown:      noShutdown,
		})
		if err != nil {
			log.Fatalf("chronikd: p2pk compression upgrade: %v", err)
		}
		fmt.Printf("p2pk compression fix: scanned %d, rewrote %d\n", progress.RowsScanned, progress.RowsRewritten)
	}
}

// cfRegistry lists every column family named in spec §6, each with the
// merge operator its owning index requires (nil for plain Put/Delete CFs).
// Order is append-only across releases: kvstore.Open assigns dense ids by
// position, so reordering this slice would relabel every existing row.
func cfRegistry() []kvstore.CF {
	return []kvstore.CF{
		{Name: "meta"},
		{Name: "blk"},
		{Name: "blk_by_hash", Merge: blockindex.HashMergeOperator()},
		{Name: "tx"},
		{Name: "tx_by_hash", Merge: txnum.MergeOperator()},

		{Name: "script_history"},
		{Name: "script_history_count"},
		{Name: "script_utxo", Merge: grouputxo.MergeOperator()},

		{Name: "scripthash_history"},
		{Name: "scripthash_history_count"},
		{Name: "scripthash_utxo", Merge: grouputxo.MergeOperator()},

		{Name: "lokad_history"},
		{Name: "lokad_history_count"},
		{Name: "lokad_utxo", Merge: grouputxo.MergeOperator()},

		{Name: "token_id_history"},
		{Name: "token_id_history_count"},
		{Name: "token_id_utxo", Merge: grouputxo.MergeOperator()},
		{Name: "token_meta"},
		{Name: "token_genesis_info"},
		{Name: "token_tx"},

		{Name: "plugin_history"},
		{Name: "plugin_history_count"},
		{Name: "plugin_utxo", Merge: grouputxo.MergeOperator()},
	}
}
