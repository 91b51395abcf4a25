// Package plugin implements the third-party plugin contract from §4.9: a
// plugin colors and indexes a tx's outputs under its own groups, the same
// way the token and LOKAD id groups do, without the history/utxo indexes
// needing to know a plugin exists. Plugin code itself is out of scope
// (§1 Non-goals) — this package defines the load-time name map, the
// Run contract a plugin implementation satisfies, and the group projection
// the driver uses to index a plugin's declared outputs.
package plugin

import (
	"bufio"
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/chronik-go/chronik/pkg/codec"
	"github.com/chronik-go/chronik/pkg/group"
	"github.com/chronik-go/chronik/pkg/kvstore"
	"github.com/chronik-go/chronik/pkg/primitives"
)

// Idx is the dense, load-time-assigned identifier a plugin is known by
// internally; stable only within one process's config, never persisted
// across a config change for a different plugin set.
type Idx uint32

// NameMap is the immutable plugin_idx<->name mapping assigned once at
// startup (§4.9: "the mapping is fixed for the lifetime of the process").
type NameMap struct {
	names []string
	byIdx map[Idx]string
	byName map[string]Idx
}

// LoadNameMap reads a plugin config file, one "idx=name" pair per line
// (blank lines and lines starting with # ignored), the way the teacher's
// config.Load reads KEY=VALUE env files. Returns an empty map if path is
// empty, meaning no plugins are configured.
func LoadNameMap(path string) (*NameMap, error) {
	nm := &NameMap{byIdx: make(map[Idx]string), byName: make(map[string]Idx)}
	if path == "" {
		return nm, nil
	}

	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("plugin: opening config %q: %w", path, err)
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		parts := strings.SplitN(line, "=", 2)
		if len(parts) != 2 {
			return nil, fmt.Errorf("plugin: malformed config line %q", line)
		}
		idxNum, err := strconv.ParseUint(strings.TrimSpace(parts[0]), 10, 32)
		if err != nil {
			return nil, fmt.Errorf("plugin: bad idx in %q: %w", line, err)
		}
		idx := Idx(idxNum)
		name := strings.TrimSpace(parts[1])
		if name == "" {
			return nil, fmt.Errorf("plugin: empty name for idx %d", idx)
		}
		if _, exists := nm.byIdx[idx]; exists {
			return nil, fmt.Errorf("plugin: duplicate idx %d", idx)
		}
		if _, exists := nm.byName[name]; exists {
			return nil, fmt.Errorf("plugin: duplicate name %q", name)
		}
		nm.byIdx[idx] = name
		nm.byName[name] = idx
		nm.names = append(nm.names, name)
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("plugin: reading config %q: %w", path, err)
	}
	return nm, nil
}

// NameFor resolves an idx to its configured name, ok=false if unknown.
func (nm *NameMap) NameFor(idx Idx) (string, bool) {
	name, ok := nm.byIdx[idx]
	return name, ok
}

// IdxFor resolves a configured name back to its idx, ok=false if unknown.
func (nm *NameMap) IdxFor(name string) (Idx, bool) {
	idx, ok := nm.byName[name]
	return idx, ok
}

// Names returns every configured plugin name, in load order.
func (nm *NameMap) Names() []string { return append([]string(nil), nm.names...) }

// OutputEntry is what a plugin returns for one of a tx's outputs: the set
// of groups it files that output under, plus an opaque per-output payload.
// A nil/empty Groups means the plugin has nothing to say about that
// output.
type OutputEntry struct {
	Groups [][]byte
	Data   []byte
}

// SpentOutput is the per-input slot of a Run call: the plugin's own prior
// entry for the spent coin and whether one was found. The driver currently
// passes every slot with Found=false and an empty Entry.
type SpentOutput struct {
	Entry OutputEntry
	Found bool
}

// Runner is the contract a plugin implementation satisfies. The driver calls
// Run once per tx for every configured runner, with no LOKAD-id filtering;
// spentPluginOutputs has one entry per tx input, each with Found=false, since
// the driver does not look up what a plugin previously recorded for a spent
// coin.
type Runner interface {
	Run(tx *primitives.Tx, spentPluginOutputs []SpentOutput) ([]OutputEntry, error)
}

// encodeOutputEntry serializes an OutputEntry for storage as plugin-group
// UtxoData, the same length-prefixed shape codec.Writer uses elsewhere.
func encodeOutputEntry(e OutputEntry) []byte {
	w := codec.NewWriter(len(e.Data) + 16)
	w.PutVarint(uint64(len(e.Groups)))
	for _, g := range e.Groups {
		w.PutBytes(g)
	}
	w.PutBytes(e.Data)
	return w.Bytes()
}

func decodeOutputEntry(b []byte) (OutputEntry, error) {
	r := codec.NewReader(b)
	numGroups, err := r.ReadVarint()
	if err != nil {
		return OutputEntry{}, codec.WrapCorrupt("plugin output entry: num groups", err)
	}
	groups := make([][]byte, 0, numGroups)
	for i := uint64(0); i < numGroups; i++ {
		g, err := r.ReadBytes()
		if err != nil {
			return OutputEntry{}, codec.WrapCorrupt("plugin output entry: group bytes", err)
		}
		groups = append(groups, append([]byte(nil), g...))
	}
	data, err := r.ReadBytes()
	if err != nil {
		return OutputEntry{}, codec.WrapCorrupt("plugin output entry: data bytes", err)
	}
	if !r.Done() {
		return OutputEntry{}, codec.WrapCorrupt("plugin output entry: trailing bytes", codec.ErrCorruptDbEntry)
	}
	return OutputEntry{Groups: groups, Data: append([]byte(nil), data...)}, nil
}

// DecodeOutputEntry exposes decodeOutputEntry for the query layer, which
// must render a plugin's recorded output entries back to callers.
func DecodeOutputEntry(b []byte) (OutputEntry, error) { return decodeOutputEntry(b) }

// pluginGroupData is a group.UtxoData wrapping an already-encoded
// OutputEntry, mirroring group.RawUtxoData.
type pluginGroupData []byte

func (d pluginGroupData) Encode() []byte { return d }

// Group projects plugin-declared groups into the same plugin_history /
// plugin_utxo column families for every plugin, the member key being
// idx(4 bytes BE) || group bytes (§6), so two plugins never collide on
// the same raw group name.
type Group struct {
	historyCFName, countCFName, utxoCFName string
}

func NewGroup() *Group {
	return &Group{historyCFName: "plugin_history", countCFName: "plugin_history_count", utxoCFName: "plugin_utxo"}
}

func (g *Group) Name() string                                  { return "plugin" }
func (g *Group) HistoryCF(db *kvstore.DB) *kvstore.CF           { return db.CF(g.historyCFName) }
func (g *Group) CountCF(db *kvstore.DB) *kvstore.CF             { return db.CF(g.countCFName) }
func (g *Group) UtxoCF(db *kvstore.DB) *kvstore.CF              { return db.CF(g.utxoCFName) }
func (g *Group) OutputMembers(tx *primitives.Tx, outIdx int) []group.Item { return nil }
func (g *Group) InputMembers(tx *primitives.Tx, inIdx int, coin *primitives.Coin) []group.Item {
	return nil
}
func (g *Group) OutputUtxoData(tx *primitives.Tx, outIdx int) group.UtxoData {
	return group.RawUtxoData(nil)
}

// Member builds the plugin-group member key for idx, scoped within the
// plugin's own groupName.
func Member(idx Idx, groupName []byte) group.Member {
	key := make([]byte, 4+len(groupName))
	key[0] = byte(idx >> 24)
	key[1] = byte(idx >> 16)
	key[2] = byte(idx >> 8)
	key[3] = byte(idx)
	copy(key[4:], groupName)
	return group.Member(key)
}

// MembersForOutput builds the group.Items the driver indexes an output
// under, given what Run returned for it.
func (g *Group) MembersForOutput(idx Idx, outIdx int, entry OutputEntry) []group.Item {
	items := make([]group.Item, 0, len(entry.Groups))
	for _, gname := range entry.Groups {
		items = append(items, group.Item{Member: Member(idx, gname), Idx: outIdx})
	}
	return items
}

// UtxoDataFor encodes entry as the UtxoData stored for one of a plugin's
// output UTXOs.
func UtxoDataFor(entry OutputEntry) group.UtxoData {
	return pluginGroupData(encodeOutputEntry(entry))
}
