// Package mempool implements the in-memory mirror described in §4.9: a
// parallel set of group-history/group-utxo/spent-by/token structures that
// track unconfirmed transactions, kept consistent with the durable index
// across adds, evictions, and confirmations. Every mutation is expected to
// run under the indexer driver's single write lock; Mempool adds its own
// RwLock on top so queries can run concurrently with reads already in
// flight (§5 "Scheduling model").
package mempool

import (
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/chronik-go/chronik/pkg/group"
	"github.com/chronik-go/chronik/pkg/primitives"
	"github.com/chronik-go/chronik/pkg/token"
)

// ErrDuplicateUtxo is returned when an insert would add a UTXO entry that
// already exists for that member.
var ErrDuplicateUtxo = errors.New("mempool: duplicate utxo")

// ErrUtxoDoesntExist is returned by Insert and RemoveEvicted when a UTXO
// they expected to remove is missing; RemoveMined discards it instead.
var ErrUtxoDoesntExist = errors.New("mempool: utxo doesn't exist")

// ErrUtxoAlreadyUnspent is returned by RemoveEvicted when restoring an
// input's UTXO finds it already present (a double un-spend).
var ErrUtxoAlreadyUnspent = errors.New("mempool: utxo already unspent")

// ErrDuplicateSpentByEntry is returned when Insert would record a second
// spender for an outpoint already spent in the mempool.
var ErrDuplicateSpentByEntry = errors.New("mempool: duplicate spent-by entry")

// ErrMismatchedSpentByEntry is returned when removing a spent-by entry
// finds one recorded, but pointing at a different spender.
var ErrMismatchedSpentByEntry = errors.New("mempool: mismatched spent-by entry")

// ErrMissingSpentByEntry is returned when removing a spent-by entry finds
// none recorded at all.
var ErrMissingSpentByEntry = errors.New("mempool: missing spent-by entry")

// Tx is the mempool's view of one unconfirmed transaction (§3's MempoolTx).
type Tx struct {
	Tx            primitives.Tx
	TimeFirstSeen int64
}

// HistoryEntry is one (time_first_seen, txid) pair in a group member's
// mempool history set.
type HistoryEntry struct {
	TimeFirstSeen int64
	Txid          primitives.Hash256
}

// SpentByEntry records who, within the mempool, spends a given outpoint
// (§3's SpentByEntry, restricted to mempool-visible spends).
type SpentByEntry struct {
	SpendingTxid primitives.Hash256
	InputIdx     uint32
}

type memberKey string

func keyOf(m group.Member) memberKey { return memberKey(m) }

// Mempool is the concurrency-safe in-memory mirror. One instance serves the
// whole indexer; its groups must be the same set (and in the same order)
// the driver uses for the durable group-history/group-utxo indexes, so a
// query can fall back transparently between the two.
type Mempool struct {
	mu      sync.RWMutex
	groups  []group.Group
	txs     map[primitives.Hash256]*Tx
	history map[string]map[memberKey][]HistoryEntry // group name -> member -> entries
	utxos   map[string]map[memberKey][]primitives.OutPoint
	spentBy map[primitives.OutPoint]SpentByEntry
	tokens  map[primitives.Hash256]*token.TokenTx
}

// New builds an empty mempool mirror over the given set of groups.
func New(groups []group.Group) *Mempool {
	m := &Mempool{
		groups:  groups,
		txs:     make(map[primitives.Hash256]*Tx),
		history: make(map[string]map[memberKey][]HistoryEntry, len(groups)),
		utxos:   make(map[string]map[memberKey][]primitives.OutPoint, len(groups)),
		spentBy: make(map[primitives.OutPoint]SpentByEntry),
		tokens:  make(map[primitives.Hash256]*token.TokenTx),
	}
	for _, g := range groups {
		m.history[g.Name()] = make(map[memberKey][]HistoryEntry)
		m.utxos[g.Name()] = make(map[memberKey][]primitives.OutPoint)
	}
	return m
}

// Size returns the number of unconfirmed transactions held.
func (m *Mempool) Size() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.txs)
}

// Tx returns the mempool's record for txid, if present.
func (m *Mempool) Tx(txid primitives.Hash256) (*Tx, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	t, ok := m.txs[txid]
	return t, ok
}

// Token returns the cached token-verification result for txid, if the tx
// colored at all.
func (m *Mempool) Token(txid primitives.Hash256) (*token.TokenTx, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	t, ok := m.tokens[txid]
	return t, ok
}

// SpentBy returns who, if anyone, spends outpoint within the mempool.
func (m *Mempool) SpentBy(outpoint primitives.OutPoint) (SpentByEntry, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	e, ok := m.spentBy[outpoint]
	return e, ok
}

// GroupUtxos returns the UTXO outpoints a member currently holds in the
// mempool, per groupName.
func (m *Mempool) GroupUtxos(groupName string, member group.Member) []primitives.OutPoint {
	m.mu.RLock()
	defer m.mu.RUnlock()
	list := m.utxos[groupName][keyOf(member)]
	out := make([]primitives.OutPoint, len(list))
	copy(out, list)
	return out
}

// GroupHistory returns every (time_first_seen, txid) entry recorded for a
// member, per groupName, in no particular order — callers needing
// chronological order should use UnconfirmedTxs or sort themselves.
func (m *Mempool) GroupHistory(groupName string, member group.Member) []HistoryEntry {
	m.mu.RLock()
	defer m.mu.RUnlock()
	list := m.history[groupName][keyOf(member)]
	out := make([]HistoryEntry, len(list))
	copy(out, list)
	return out
}

// UnconfirmedTxs returns a member's mempool history in ascending
// chronological order, txid as the tiebreak (§4.11: mempool size is
// bounded, so this is always a single page).
func (m *Mempool) UnconfirmedTxs(groupName string, member group.Member) []HistoryEntry {
	entries := m.GroupHistory(groupName, member)
	sort.Slice(entries, func(i, j int) bool {
		if entries[i].TimeFirstSeen != entries[j].TimeFirstSeen {
			return entries[i].TimeFirstSeen < entries[j].TimeFirstSeen
		}
		return entries[i].Txid.String() < entries[j].Txid.String()
	})
	return entries
}

// touchedMembers computes, per group, the deduplicated set of members a tx
// touches via its inputs (joined against coins) and outputs.
func (m *Mempool) touchedMembers(tx *primitives.Tx, coins []*primitives.Coin) map[string][]group.Member {
	touched := make(map[string][]group.Member, len(m.groups))
	for _, g := range m.groups {
		seen := make(map[memberKey]bool)
		var members []group.Member
		add := func(items []group.Item) {
			for _, it := range items {
				k := keyOf(it.Member)
				if seen[k] {
					continue
				}
				seen[k] = true
				members = append(members, it.Member)
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
		touched[g.Name()] = members
	}
	return touched
}

// Insert implements §4.9's insert algorithm: add output UTXOs, drop UTXOs
// consumed from other mempool txs, record spent-by entries, push history,
// and cache the already-computed token-verification result.
//
// coins must be parallel to tx.Inputs, joined by the caller against either
// the durable UTXO set or another mempool tx's outputs; tokenTx may be nil
// if the tx didn't color at all.
func (m *Mempool) Insert(tx *primitives.Tx, timeFirstSeen int64, coins []*primitives.Coin, tokenTx *token.TokenTx) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	for i, in := range tx.Inputs {
		if _, exists := m.spentBy[in.PrevOut]; exists {
			return fmt.Errorf("%w: %s:%d", ErrDuplicateSpentByEntry, in.PrevOut.TxId.String(), in.PrevOut.OutIdx)
		}
		m.spentBy[in.PrevOut] = SpentByEntry{SpendingTxid: tx.Txid, InputIdx: uint32(i)}

		if _, isMempoolParent := m.txs[in.PrevOut.TxId]; !isMempoolParent {
			continue
		}
		for _, g := range m.groups {
			var coin *primitives.Coin
			if i < len(coins) {
				coin = coins[i]
			}
			for _, item := range g.InputMembers(tx, i, coin) {
				if err := m.removeUtxo(g.Name(), item.Member, in.PrevOut); err != nil {
					return err
				}
			}
		}
	}

	for _, g := range m.groups {
		for outIdx := range tx.Outputs {
			for _, item := range g.OutputMembers(tx, outIdx) {
				outpoint := primitives.OutPoint{TxId: tx.Txid, OutIdx: uint32(outIdx)}
				if err := m.insertUtxo(g.Name(), item.Member, outpoint); err != nil {
					return err
				}
			}
		}
	}

	for groupName, members := range m.touchedMembers(tx, coins) {
		for _, member := range members {
			k := keyOf(member)
			m.history[groupName][k] = append(m.history[groupName][k], HistoryEntry{TimeFirstSeen: timeFirstSeen, Txid: tx.Txid})
		}
	}

	m.txs[tx.Txid] = &Tx{Tx: *tx, TimeFirstSeen: timeFirstSeen}
	if tokenTx != nil {
		m.tokens[tx.Txid] = tokenTx
	}
	return nil
}

// RemoveEvicted implements §4.9's eviction removal: restores UTXOs this tx
// had consumed from other mempool txs, removes this tx's own output UTXOs,
// and clears its spent-by and history footprint. Assumes no dependent
// mempool tx remains, per the node's eviction contract.
func (m *Mempool) RemoveEvicted(tx *primitives.Tx, coins []*primitives.Coin) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	for i, in := range tx.Inputs {
		entry, ok := m.spentBy[in.PrevOut]
		if !ok {
			return fmt.Errorf("%w: %s:%d", ErrMissingSpentByEntry, in.PrevOut.TxId.String(), in.PrevOut.OutIdx)
		}
		if entry.SpendingTxid != tx.Txid || entry.InputIdx != uint32(i) {
			return fmt.Errorf("%w: %s:%d", ErrMismatchedSpentByEntry, in.PrevOut.TxId.String(), in.PrevOut.OutIdx)
		}
		delete(m.spentBy, in.PrevOut)

		if _, isMempoolParent := m.txs[in.PrevOut.TxId]; !isMempoolParent {
			continue
		}
		for _, g := range m.groups {
			var coin *primitives.Coin
			if i < len(coins) {
				coin = coins[i]
			}
			for _, item := range g.InputMembers(tx, i, coin) {
				if err := m.restoreUtxo(g.Name(), item.Member, in.PrevOut); err != nil {
					return err
				}
			}
		}
	}

	for _, g := range m.groups {
		for outIdx := range tx.Outputs {
			for _, item := range g.OutputMembers(tx, outIdx) {
				outpoint := primitives.OutPoint{TxId: tx.Txid, OutIdx: uint32(outIdx)}
				if err := m.removeUtxo(g.Name(), item.Member, outpoint); err != nil {
					return err
				}
			}
		}
	}

	m.removeHistory(tx, coins)
	delete(m.tokens, tx.Txid)
	delete(m.txs, tx.Txid)
	return nil
}

// RemoveMined implements §4.9's confirmation removal: output UTXOs may
// already be gone (consumed by another confirmed or mempool tx), so a
// missing remove is silently discarded. Inputs are never re-added — they
// are confirmed spends now, not mempool ones.
func (m *Mempool) RemoveMined(tx *primitives.Tx) {
	m.mu.Lock()
	defer m.mu.Unlock()

	for i, in := range tx.Inputs {
		if entry, ok := m.spentBy[in.PrevOut]; ok && entry.SpendingTxid == tx.Txid && entry.InputIdx == uint32(i) {
			delete(m.spentBy, in.PrevOut)
		}
	}

	for _, g := range m.groups {
		for outIdx := range tx.Outputs {
			for _, item := range g.OutputMembers(tx, outIdx) {
				outpoint := primitives.OutPoint{TxId: tx.Txid, OutIdx: uint32(outIdx)}
				_ = m.removeUtxo(g.Name(), item.Member, outpoint) // best-effort: already consumed is not an error here
			}
		}
	}

	m.removeHistory(tx, nil)
	delete(m.tokens, tx.Txid)
	delete(m.txs, tx.Txid)
}

func (m *Mempool) removeHistory(tx *primitives.Tx, coins []*primitives.Coin) {
	for groupName, members := range m.touchedMembers(tx, coins) {
		for _, member := range members {
			k := keyOf(member)
			list := m.history[groupName][k]
			for i, e := range list {
				if e.Txid == tx.Txid {
					m.history[groupName][k] = append(list[:i], list[i+1:]...)
					break
				}
			}
		}
	}
}

func (m *Mempool) insertUtxo(groupName string, member group.Member, outpoint primitives.OutPoint) error {
	k := keyOf(member)
	list := m.utxos[groupName][k]
	for _, o := range list {
		if o == outpoint {
			return fmt.Errorf("%w: %s:%d", ErrDuplicateUtxo, outpoint.TxId.String(), outpoint.OutIdx)
		}
	}
	m.utxos[groupName][k] = append(list, outpoint)
	return nil
}

func (m *Mempool) removeUtxo(groupName string, member group.Member, outpoint primitives.OutPoint) error {
	k := keyOf(member)
	list := m.utxos[groupName][k]
	for i, o := range list {
		if o == outpoint {
			m.utxos[groupName][k] = append(list[:i], list[i+1:]...)
			return nil
		}
	}
	return fmt.Errorf("%w: %s:%d", ErrUtxoDoesntExist, outpoint.TxId.String(), outpoint.OutIdx)
}

func (m *Mempool) restoreUtxo(groupName string, member group.Member, outpoint primitives.OutPoint) error {
	k := keyOf(member)
	list := m.utxos[groupName][k]
	for _, o := range list {
		if o == outpoint {
			return fmt.Errorf("%w: %s:%d", ErrUtxoAlreadyUnspent, outpoint.TxId.String(), outpoint.OutIdx)
		}
	}
	m.utxos[groupName][k] = append(list, outpoint)
	return nil
}
