package mempool_test

import (
	"testing"

	"github.com/chronik-go/chronik/pkg/group"
	"github.com/chronik-go/chronik/pkg/mempool"
	"github.com/chronik-go/chronik/pkg/primitives"
)

func newMempool() *mempool.Mempool {
	return mempool.New([]group.Group{group.NewScriptGroup()})
}

func txidOf(b byte) primitives.Hash256 {
	var h primitives.Hash256
	h[0] = b
	return h
}

func p2pkhScript(seed byte) primitives.Script {
	s := make(primitives.Script, 25)
	s[0], s[1], s[2] = 0x76, 0xa9, 0x14
	for i := 0; i < 20; i++ {
		s[3+i] = seed
	}
	s[23], s[24] = 0x88, 0xac
	return s
}

// TestInsertCoinbaseTracksOutputUtxoAndHistory mirrors §8's S1 coinbase-only
// shape, but against the mempool mirror rather than the durable indexes.
func TestInsertCoinbaseTracksOutputUtxoAndHistory(t *testing.T) {
	m := newMempool()
	tx := &primitives.Tx{
		Txid:    txidOf(1),
		Outputs: []primitives.TxOut{{Sats: 5000, Script: p2pkhScript(0xaa)}},
	}
	if err := m.Insert(tx, 100, nil, nil); err != nil {
		t.Fatalf("Insert: %v", err)
	}

	member := group.ScriptMember(p2pkhScript(0xaa))
	utxos := m.GroupUtxos("script", member)
	if len(utxos) != 1 || utxos[0].TxId != tx.Txid {
		t.Fatalf("GroupUtxos = %+v, want one UTXO from txid %s", utxos, tx.Txid.String())
	}
	history := m.GroupHistory("script", member)
	if len(history) != 1 || history[0].Txid != tx.Txid {
		t.Fatalf("GroupHistory = %+v", history)
	}
	if m.Size() != 1 {
		t.Fatalf("Size = %d, want 1", m.Size())
	}
}

// TestInsertSpendingMempoolParentRemovesItsUtxo exercises the mempool-chain
// path: a child tx spending an unconfirmed parent's output must remove that
// output from the mempool UTXO set and record a spent-by entry.
func TestInsertSpendingMempoolParentRemovesItsUtxo(t *testing.T) {
	m := newMempool()
	parentScript := p2pkhScript(0xaa)
	parent := &primitives.Tx{
		Txid:    txidOf(1),
		Outputs: []primitives.TxOut{{Sats: 5000, Script: parentScript}},
	}
	if err := m.Insert(parent, 100, nil, nil); err != nil {
		t.Fatalf("Insert(parent): %v", err)
	}

	parentOutpoint := primitives.OutPoint{TxId: parent.Txid, OutIdx: 0}
	child := &primitives.Tx{
		Txid:    txidOf(2),
		Inputs:  []primitives.TxIn{{PrevOut: parentOutpoint}},
		Outputs: []primitives.TxOut{{Sats: 4900, Script: p2pkhScript(0xbb)}},
	}
	coins := []*primitives.Coin{{Sats: 5000, Script: parentScript}}
	if err := m.Insert(child, 101, coins, nil); err != nil {
		t.Fatalf("Insert(child): %v", err)
	}

	member := group.ScriptMember(parentScript)
	if utxos := m.GroupUtxos("script", member); len(utxos) != 0 {
		t.Fatalf("parent's output should be spent in the mempool, got %+v", utxos)
	}
	entry, found := m.SpentBy(parentOutpoint)
	if !found || entry.SpendingTxid != child.Txid {
		t.Fatalf("SpentBy(parentOutpoint) = (%+v, %v), want child as spender", entry, found)
	}
}

func TestInsertRejectsDoubleSpendOfSameOutpoint(t *testing.T) {
	m := newMempool()
	outpoint := primitives.OutPoint{TxId: txidOf(1), OutIdx: 0}
	first := &primitives.Tx{Txid: txidOf(2), Inputs: []primitives.TxIn{{PrevOut: outpoint}}}
	second := &primitives.Tx{Txid: txidOf(3), Inputs: []primitives.TxIn{{PrevOut: outpoint}}}

	if err := m.Insert(first, 100, nil, nil); err != nil {
		t.Fatalf("Insert(first): %v", err)
	}
	if err := m.Insert(second, 101, nil, nil); err == nil {
		t.Fatalf("expected ErrDuplicateSpentByEntry inserting a second spender of the same outpoint")
	}
}

// TestRemoveEvictedUndoesInsert mirrors §4.9: evicting a mempool tx restores
// any UTXOs it had consumed from other mempool txs and erases its own
// footprint entirely.
func TestRemoveEvictedUndoesInsert(t *testing.T) {
	m := newMempool()
	parentScript := p2pkhScript(0xaa)
	parent := &primitives.Tx{Txid: txidOf(1), Outputs: []primitives.TxOut{{Sats: 5000, Script: parentScript}}}
	if err := m.Insert(parent, 100, nil, nil); err != nil {
		t.Fatalf("Insert(parent): %v", err)
	}
	parentOutpoint := primitives.OutPoint{TxId: parent.Txid, OutIdx: 0}
	child := &primitives.Tx{Txid: txidOf(2), Inputs: []primitives.TxIn{{PrevOut: parentOutpoint}}}
	coins := []*primitives.Coin{{Sats: 5000, Script: parentScript}}
	if err := m.Insert(child, 101, coins, nil); err != nil {
		t.Fatalf("Insert(child): %v", err)
	}

	if err := m.RemoveEvicted(child, coins); err != nil {
		t.Fatalf("RemoveEvicted: %v", err)
	}

	member := group.ScriptMember(parentScript)
	utxos := m.GroupUtxos("script", member)
	if len(utxos) != 1 || utxos[0] != parentOutpoint {
		t.Fatalf("parent's UTXO should be restored after eviction, got %+v", utxos)
	}
	if _, found := m.SpentBy(parentOutpoint); found {
		t.Fatalf("spent-by entry should be cleared after eviction")
	}
	if _, found := m.Tx(child.Txid); found {
		t.Fatalf("evicted tx should no longer be tracked")
	}
}

// TestRemoveMinedToleratesAlreadyConsumedOutput mirrors §8 S6: confirming a
// tx whose output UTXO was already removed (here by a mempool child spending
// it) must not error, and its inputs are never re-added to the mempool.
func TestRemoveMinedToleratesAlreadyConsumedOutput(t *testing.T) {
	m := newMempool()
	tx := &primitives.Tx{
		Txid:    txidOf(1),
		Inputs:  []primitives.TxIn{{PrevOut: primitives.OutPoint{TxId: txidOf(9), OutIdx: 0}}},
		Outputs: []primitives.TxOut{{Sats: 1000, Script: p2pkhScript(0xaa)}},
	}
	if err := m.Insert(tx, 100, []*primitives.Coin{{Sats: 2000, Script: p2pkhScript(0xcc)}}, nil); err != nil {
		t.Fatalf("Insert: %v", err)
	}
	child := &primitives.Tx{
		Txid:   txidOf(2),
		Inputs: []primitives.TxIn{{PrevOut: primitives.OutPoint{TxId: tx.Txid, OutIdx: 0}}},
	}
	if err := m.Insert(child, 101, []*primitives.Coin{{Sats: 1000, Script: p2pkhScript(0xaa)}}, nil); err != nil {
		t.Fatalf("Insert(child): %v", err)
	}

	m.RemoveMined(tx) // must not panic even though removeUtxo may fail internally; it's swallowed
	if _, found := m.Tx(tx.Txid); found {
		t.Fatalf("mined tx should no longer be tracked")
	}
	if _, found := m.SpentBy(tx.Inputs[0].PrevOut); found {
		t.Fatalf("spent-by entry should be cleared on confirmation")
	}
}

func TestUnconfirmedTxsOrdersByTimeThenTxid(t *testing.T) {
	m := newMempool()
	script := p2pkhScript(0xaa)
	later := &primitives.Tx{Txid: txidOf(2), Outputs: []primitives.TxOut{{Sats: 1, Script: script}}}
	earlier := &primitives.Tx{Txid: txidOf(1), Outputs: []primitives.TxOut{{Sats: 1, Script: script}}}
	if err := m.Insert(later, 200, nil, nil); err != nil {
		t.Fatalf("Insert(later): %v", err)
	}
	if err := m.Insert(earlier, 100, nil, nil); err != nil {
		t.Fatalf("Insert(earlier): %v", err)
	}

	entries := m.UnconfirmedTxs("script", group.ScriptMember(script))
	if len(entries) != 2 || entries[0].Txid != earlier.Txid || entries[1].Txid != later.Txid {
		t.Fatalf("UnconfirmedTxs = %+v, want earlier-first chronological order", entries)
	}
}
