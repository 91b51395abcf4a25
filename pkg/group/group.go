// Package group implements the polymorphic Group capability from §3: a way
// to project a tx's outputs (or, joined against spent coins, its inputs)
// into (member, idx) pairs plus an associated UtxoData payload, without the
// history/UTXO indexes needing to know which grouping scheme is in play.
package group

import (
	"github.com/chronik-go/chronik/pkg/codec"
	"github.com/chronik-go/chronik/pkg/kvstore"
	"github.com/chronik-go/chronik/pkg/primitives"
)

// Member is the opaque grouping key (a script, a script-hash, a token id,
// a LOKAD id, a plugin group name), stored as raw bytes.
type Member []byte

// Item is one (member, idx) produced by enumerating a tx's outputs or
// inputs under a Group.
type Item struct {
	Member Member
	Idx    int
}

// UtxoData is the group-defined per-UTXO payload attached to a GroupUtxoEntry
// (§3). For script/script-hash groups this is {sats, script}; for token
// groups, the token assignment; for plugin groups, empty.
type UtxoData interface {
	Encode() []byte
}

// RawUtxoData is an already-encoded UtxoData payload, used by groups (like
// the plugin group) with nothing to project.
type RawUtxoData []byte

func (d RawUtxoData) Encode() []byte { return d }

// Group is the capability contract every grouping scheme implements.
type Group interface {
	// Name identifies the group for CF naming (e.g. "script", "token").
	Name() string
	// HistoryCF and UtxoCF are the column families this group's
	// GroupHistory / GroupUtxo indexes are keyed under. CountCF holds the
	// per-member num_txs counter grouphistory.Index keeps alongside the
	// page CF.
	HistoryCF(db *kvstore.DB) *kvstore.CF
	CountCF(db *kvstore.DB) *kvstore.CF
	UtxoCF(db *kvstore.DB) *kvstore.CF
	// OutputMembers enumerates the members an output belongs to. Never
	// depends on chain state beyond the tx itself.
	OutputMembers(tx *primitives.Tx, outIdx int) []Item
	// InputMembers enumerates the members an input belongs to, given the
	// coin it spends (requires joining against the coin's output script).
	InputMembers(tx *primitives.Tx, inIdx int, coin *primitives.Coin) []Item
	// OutputUtxoData projects the UtxoData to store for an output's UTXO
	// entry.
	OutputUtxoData(tx *primitives.Tx, outIdx int) UtxoData
}

// ScriptGroup groups by the raw output script (§3's "output script"
// variant): one member per distinct script, UtxoData carries {sats, script}.
type ScriptGroup struct {
	historyCFName, countCFName, utxoCFName string
}

func NewScriptGroup() *ScriptGroup {
	return &ScriptGroup{historyCFName: "script_history", countCFName: "script_history_count", utxoCFName: "script_utxo"}
}

func (g *ScriptGroup) Name() string { return "script" }
func (g *ScriptGroup) HistoryCF(db *kvstore.DB) *kvstore.CF { return db.CF(g.historyCFName) }
func (g *ScriptGroup) CountCF(db *kvstore.DB) *kvstore.CF   { return db.CF(g.countCFName) }
func (g *ScriptGroup) UtxoCF(db *kvstore.DB) *kvstore.CF    { return db.CF(g.utxoCFName) }

// ScriptMember builds the member key a script is indexed under: the
// compressed on-disk script form (§6), not the raw script bytes, so the
// common P2PKH/P2SH/P2PK cases collapse to a fixed-width key and the
// schema-upgrade routines can find and rewrite them by compressed prefix.
func ScriptMember(script primitives.Script) Member { return Member(script.Compress()) }

func (g *ScriptGroup) OutputMembers(tx *primitives.Tx, outIdx int) []Item {
	return []Item{{Member: ScriptMember(tx.Outputs[outIdx].Script), Idx: outIdx}}
}

func (g *ScriptGroup) InputMembers(tx *primitives.Tx, inIdx int, coin *primitives.Coin) []Item {
	if coin == nil {
		return nil
	}
	return []Item{{Member: ScriptMember(coin.Script), Idx: inIdx}}
}

func (g *ScriptGroup) OutputUtxoData(tx *primitives.Tx, outIdx int) UtxoData {
	out := tx.Outputs[outIdx]
	compressed := out.Script.Compress()
	w := codec.NewWriter(16 + len(compressed))
	w.PutUint64(uint64(out.Sats))
	w.PutBytes(compressed)
	return RawUtxoData(w.Bytes())
}

// ScriptHashGroup groups by SHA-256(script) (§3's "script-hash" variant),
// the grouping behind lookup-by-script-hash in the query layer (§4.11).
type ScriptHashGroup struct {
	historyCFName, countCFName, utxoCFName string
}

func NewScriptHashGroup() *ScriptHashGroup {
	return &ScriptHashGroup{historyCFName: "scripthash_history", countCFName: "scripthash_history_count", utxoCFName: "scripthash_utxo"}
}

func (g *ScriptHashGroup) Name() string { return "scripthash" }
func (g *ScriptHashGroup) HistoryCF(db *kvstore.DB) *kvstore.CF { return db.CF(g.historyCFName) }
func (g *ScriptHashGroup) CountCF(db *kvstore.DB) *kvstore.CF   { return db.CF(g.countCFName) }
func (g *ScriptHashGroup) UtxoCF(db *kvstore.DB) *kvstore.CF    { return db.CF(g.utxoCFName) }

func scriptHashMember(script primitives.Script) Member {
	h := primitives.Sha256(script)
	return Member(h.Bytes())
}

func (g *ScriptHashGroup) OutputMembers(tx *primitives.Tx, outIdx int) []Item {
	return []Item{{Member: scriptHashMember(tx.Outputs[outIdx].Script), Idx: outIdx}}
}

func (g *ScriptHashGroup) InputMembers(tx *primitives.Tx, inIdx int, coin *primitives.Coin) []Item {
	if coin == nil {
		return nil
	}
	return []Item{{Member: scriptHashMember(coin.Script), Idx: inIdx}}
}

func (g *ScriptHashGroup) OutputUtxoData(tx *primitives.Tx, outIdx int) UtxoData {
	out := tx.Outputs[outIdx]
	compressed := out.Script.Compress()
	w := codec.NewWriter(16 + len(compressed))
	w.PutUint64(uint64(out.Sats))
	w.PutBytes(compressed)
	return RawUtxoData(w.Bytes())
}

// LokadGroup groups by the 4-byte LOKAD id prefix of an OP_RETURN pushdata
// (§3's "LOKAD id" variant) — the mechanism plugins and protocol indexers
// (SLP/ALP included) use to recognize their own txs cheaply.
type LokadGroup struct {
	historyCFName, countCFName, utxoCFName string
}

func NewLokadGroup() *LokadGroup {
	return &LokadGroup{historyCFName: "lokad_history", countCFName: "lokad_history_count", utxoCFName: "lokad_utxo"}
}

func (g *LokadGroup) Name() string { return "lokad" }
func (g *LokadGroup) HistoryCF(db *kvstore.DB) *kvstore.CF { return db.CF(g.historyCFName) }
func (g *LokadGroup) CountCF(db *kvstore.DB) *kvstore.CF   { return db.CF(g.countCFName) }
func (g *LokadGroup) UtxoCF(db *kvstore.DB) *kvstore.CF    { return db.CF(g.utxoCFName) }

// LokadIds extracts the 4-byte LOKAD prefix of one output script's first
// OP_RETURN pushdata, so it returns at most one id. Returns nil if the script
// is not an OP_RETURN or its first push is shorter than 4 bytes.
func LokadIds(script primitives.Script) [][4]byte {
	if !script.IsOpReturn() {
		return nil
	}
	pushes, err := script[1:].Pushes()
	if err != nil || len(pushes) == 0 {
		return nil
	}
	first := pushes[0].Data
	if len(first) < 4 {
		return nil
	}
	var id [4]byte
	copy(id[:], first[:4])
	return [][4]byte{id}
}

func (g *LokadGroup) OutputMembers(tx *primitives.Tx, outIdx int) []Item {
	var items []Item
	for _, id := range LokadIds(tx.Outputs[outIdx].Script) {
		items = append(items, Item{Member: Member(id[:]), Idx: outIdx})
	}
	return items
}

func (g *LokadGroup) InputMembers(tx *primitives.Tx, inIdx int, coin *primitives.Coin) []Item {
	return nil // LOKAD grouping is output-only: it identifies protocol txs by their OP_RETURN
}

func (g *LokadGroup) OutputUtxoData(tx *primitives.Tx, outIdx int) UtxoData {
	return RawUtxoData(nil)
}

// TokenIdGroup groups UTXOs by the token id (genesis txid) coloring them;
// wired up once coloring (pkg/token) has run, so OutputMembers here is a
// placeholder and the driver builds the token members itself from the
// token store's results.
type TokenIdGroup struct {
	historyCFName, countCFName, utxoCFName string
}

func NewTokenIdGroup() *TokenIdGroup {
	return &TokenIdGroup{historyCFName: "token_id_history", countCFName: "token_id_history_count", utxoCFName: "token_id_utxo"}
}

func (g *TokenIdGroup) Name() string { return "token" }
func (g *TokenIdGroup) HistoryCF(db *kvstore.DB) *kvstore.CF { return db.CF(g.historyCFName) }
func (g *TokenIdGroup) CountCF(db *kvstore.DB) *kvstore.CF   { return db.CF(g.countCFName) }
func (g *TokenIdGroup) UtxoCF(db *kvstore.DB) *kvstore.CF    { return db.CF(g.utxoCFName) }

// TokenIdMember builds the member key for a token id.
func TokenIdMember(tokenId primitives.Hash256) Member { return Member(tokenId.Bytes()) }

// OutputMembers for the token group cannot be computed from the tx alone
// (coloring requires running the token validator first); during indexing
// the driver keys token deltas with TokenIdMember instead of this method.
func (g *TokenIdGroup) OutputMembers(tx *primitives.Tx, outIdx int) []Item { return nil }
func (g *TokenIdGroup) InputMembers(tx *primitives.Tx, inIdx int, coin *primitives.Coin) []Item {
	return nil
}
func (g *TokenIdGroup) OutputUtxoData(tx *primitives.Tx, outIdx int) UtxoData { return RawUtxoData(nil) }

// MembersForColoredOutput builds the token-group Item (member and output
// index) for an output colored with tokenId. The assignment argument is not
// used; the returned Item carries no UtxoData.
func (g *TokenIdGroup) MembersForColoredOutput(tokenId primitives.Hash256, outIdx int, assignment []byte) Item {
	return Item{Member: TokenIdMember(tokenId), Idx: outIdx}
}
