// Package query implements the read-only surface of §4.11: paginated
// confirmed/reverse/unconfirmed history, UTXO listing merged with the
// mempool overlay, and enriched tx/block lookups. Every method is safe to
// call concurrently with the driver's write path (§5: "reads never block
// writes except for the mempool read lock, held briefly").
package query

import (
	"github.com/chronik-go/chronik/consts"
	"github.com/chronik-go/chronik/node"
	"github.com/chronik-go/chronik/pkg/blockindex"
	"github.com/chronik-go/chronik/pkg/group"
	"github.com/chronik-go/chronik/pkg/grouphistory"
	"github.com/chronik-go/chronik/pkg/grouputxo"
	"github.com/chronik-go/chronik/pkg/kvstore"
	"github.com/chronik-go/chronik/pkg/mempool"
	"github.com/chronik-go/chronik/pkg/merkle"
	"github.com/chronik-go/chronik/pkg/plugin"
	"github.com/chronik-go/chronik/pkg/token"
	"github.com/chronik-go/chronik/pkg/txnum"
)

// groupEntry mirrors the driver's own groupEntry: a Group paired with
// read/write wrappers over its history and UTXO column families. The query
// layer keeps its own copy rather than reaching into the driver's, since
// both are cheap, stateless views over the same CFs and a query.Service
// should be constructible without a live Driver (e.g. from a read replica).
type groupEntry struct {
	g       group.Group
	history *grouphistory.Index
	utxo    *grouputxo.Index
}

// Service answers every read-only request of §4.11/§6's query surface.
type Service struct {
	db          *kvstore.DB
	node        node.Client
	blockReader *blockindex.Reader
	blockHash   *blockindex.HashIndex
	txReader    *txnum.Writer
	tokenStore  *token.Store
	mempool     *mempool.Mempool
	merkle      *merkle.Tree
	pluginNames *plugin.NameMap

	entries     map[string]*groupEntry
	tokenGroup  *group.TokenIdGroup
	pluginGroup *plugin.Group

	historyPageSize        uint32
	scriptHashIndexEnabled bool
}

// Config collects every already-constructed component New wires together,
// mirroring driver.Config's shape.
type Config struct {
	DB          *kvstore.DB
	Node        node.Client
	BlockReader *blockindex.Reader
	BlockHash   *blockindex.HashIndex
	TxReader    *txnum.Writer
	TokenStore  *token.Store
	Mempool     *mempool.Mempool
	Merkle      *merkle.Tree
	PluginNames *plugin.NameMap

	// GenericGroups are the non-token, non-plugin groups in play (script,
	// scripthash, lokad) — same set the driver was configured with.
	GenericGroups []group.Group
	TokenGroup    *group.TokenIdGroup
	PluginGroup   *plugin.Group

	HistoryPageSize        uint32
	ScriptHashIndexEnabled bool
}

// New builds a Service over cfg.
func New(cfg Config) *Service {
	s := &Service{
		db:                     cfg.DB,
		node:                   cfg.Node,
		blockReader:            cfg.BlockReader,
		blockHash:              cfg.BlockHash,
		txReader:               cfg.TxReader,
		tokenStore:             cfg.TokenStore,
		mempool:                cfg.Mempool,
		merkle:                 cfg.Merkle,
		pluginNames:            cfg.PluginNames,
		entries:                make(map[string]*groupEntry),
		tokenGroup:             cfg.TokenGroup,
		pluginGroup:            cfg.PluginGroup,
		historyPageSize:        cfg.HistoryPageSize,
		scriptHashIndexEnabled: cfg.ScriptHashIndexEnabled,
	}
	register := func(g group.Group) {
		s.entries[g.Name()] = &groupEntry{
			g:       g,
			history: grouphistory.New(cfg.DB, g.HistoryCF(cfg.DB), g.CountCF(cfg.DB), cfg.HistoryPageSize),
			utxo:    grouputxo.New(cfg.DB, g.UtxoCF(cfg.DB)),
		}
	}
	for _, g := range cfg.GenericGroups {
		register(g)
	}
	if cfg.TokenGroup != nil {
		register(cfg.TokenGroup)
	}
	if cfg.PluginGroup != nil {
		register(cfg.PluginGroup)
	}
	return s
}

func (s *Service) entry(groupName string) (*groupEntry, error) {
	e, ok := s.entries[groupName]
	if !ok {
		return nil, ErrUnknownGroup
	}
	return e, nil
}

// clampPageSize validates a caller-supplied page size against
// [MinHistoryPageSize, MaxHistoryPageSize] (§4.11, §7, §8 property 7). A
// zero page size is treated as "use the default", matching the same
// convention consts.DefaultHistoryPageSize serves for storage itself.
func clampPageSize(pageSize uint32) (uint32, error) {
	if pageSize == 0 {
		return consts.DefaultHistoryPageSize, nil
	}
	if pageSize < consts.MinHistoryPageSize {
		return 0, ErrRequestPageSizeTooSmall
	}
	if pageSize > consts.MaxHistoryPageSize {
		return 0, ErrRequestPageSizeTooBig
	}
	return pageSize, nil
}

// requireScriptHashIndex gates every scripthash endpoint on the deployment
// having opted into that group's CFs (§4.11).
func (s *Service) requireScriptHashIndex() error {
	if !s.scriptHashIndexEnabled {
		return ErrScriptHashIndexDisabled
	}
	return nil
}
