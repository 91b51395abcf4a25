// Package subs implements the subscription bus from §4.12: best-effort
// publish/subscribe keyed by (group, member), letting a subscriber re-query
// rather than carrying full state over the wire.
package subs

import (
	"sync"

	"github.com/google/uuid"

	"github.com/chronik-go/chronik/pkg/primitives"
	"github.com/chronik-go/chronik/pkg/types"
)

// EventType tags what happened; a subscriber re-queries based on the tag
// rather than trusting the event payload as the full truth.
type EventType int

const (
	BlockConnected EventType = iota
	BlockDisconnected
	BlockFinalized
	TxAddedToMempool
	TxRemovedFromMempool
	TxConfirmed
)

// BlockSummary is the minimum needed to let a block subscriber re-query.
type BlockSummary struct {
	Height types.Height
	Hash   primitives.Hash256
}

// Event is published to every subscriber of a (group, member) pair.
type Event struct {
	Type  EventType
	Block *BlockSummary
	Txid  primitives.Hash256
}

// eventBufferSize bounds how far a slow subscriber can fall behind before
// Publish starts dropping events for it; broadcast is explicitly
// best-effort (§4.12), so a full channel never blocks the publisher.
const eventBufferSize = 64

// BlocksGroup (with blocksMember) is the fixed key block events are published under —
// there is exactly one block-event stream, unlike tx/member-scoped groups.
const BlocksGroup = "blocks"

var blocksMember = []byte("blocks")

type subscription struct {
	id uuid.UUID
	ch chan Event
}

// Subscription is a live handle returned by Subscribe. Call Unsubscribe (or
// just stop reading, then call it) to release it; nothing else drains the
// channel on your behalf.
type Subscription struct {
	id        uuid.UUID
	groupName string
	member    string
	events    chan Event
	bus       *Bus
}

// Events returns the channel this subscription's events arrive on.
func (s *Subscription) Events() <-chan Event { return s.events }

// Unsubscribe removes this subscription from the bus; safe to call more
// than once.
func (s *Subscription) Unsubscribe() {
	s.bus.unsubscribe(s.groupName, s.member, s.id)
}

// Bus is the process-wide subscription registry. One instance is shared by
// the driver (publisher) and every query-layer caller (subscriber).
type Bus struct {
	mu   sync.RWMutex
	subs map[string]map[string][]*subscription // groupName -> member -> subs
}

func New() *Bus {
	return &Bus{subs: make(map[string]map[string][]*subscription)}
}

func memberKey(member []byte) string { return string(member) }

// Subscribe registers a new subscription for (groupName, member).
func (b *Bus) Subscribe(groupName string, member []byte) *Subscription {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.subs[groupName] == nil {
		b.subs[groupName] = make(map[string][]*subscription)
	}
	k := memberKey(member)
	sub := &subscription{id: uuid.New(), ch: make(chan Event, eventBufferSize)}
	b.subs[groupName][k] = append(b.subs[groupName][k], sub)
	return &Subscription{id: sub.id, groupName: groupName, member: k, events: sub.ch, bus: b}
}

// SubscribeBlocks registers a subscription to the block-event stream.
func (b *Bus) SubscribeBlocks() *Subscription {
	return b.Subscribe(BlocksGroup, blocksMember)
}

func (b *Bus) unsubscribe(groupName, member string, id uuid.UUID) {
	b.mu.Lock()
	defer b.mu.Unlock()
	list := b.subs[groupName][member]
	for i, s := range list {
		if s.id == id {
			close(s.ch)
			b.subs[groupName][member] = append(list[:i], list[i+1:]...)
			return
		}
	}
}

// Publish broadcasts event to every live subscriber of (groupName, member),
// dropping it for any subscriber whose buffer is full (§4.12: "subscribers
// that fall behind may miss messages").
func (b *Bus) Publish(groupName string, member []byte, event Event) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	for _, sub := range b.subs[groupName][memberKey(member)] {
		select {
		case sub.ch <- event:
		default:
		}
	}
}

// PublishBlock broadcasts a block-lifecycle event to the block stream.
func (b *Bus) PublishBlock(eventType EventType, summary BlockSummary) {
	b.Publish(BlocksGroup, blocksMember, Event{Type: eventType, Block: &summary})
}

// PublishTx broadcasts a tx-lifecycle event to every group member the tx
// touches; callers pass the already-computed (groupName, member) pairs
// (usually the same set Mempool.Insert/driver indexing just touched).
func (b *Bus) PublishTx(eventType EventType, groupName string, member []byte, txid primitives.Hash256) {
	b.Publish(groupName, member, Event{Type: eventType, Txid: txid})
}
