// Package events implements the multicast fan-out the engine hangs off
// the control connection: every decoded domain event is delivered to all
// subscribers, in subscription order, in the order events arrived.
package events

import (
	"sync"

	"github.com/wavelet-im/wavelet/protocol"
)

// Handler consumes one domain event. Handlers run on the publisher's
// goroutine; slow work belongs on the subscriber's side of a channel.
type Handler func(protocol.Event)

// Broadcaster multicasts domain events to its current subscribers.
// Publish is driven by a single goroutine (the transport read loop), so
// subscribers observe every event in wire arrival order.
type Broadcaster struct {
	mu     sync.Mutex
	nextID uint64
	subs   []*Subscription
}

// Subscription is one registered handler. Cancel detaches it; events
// already dispatched are unaffected.
type Subscription struct {
	id uint64
	b  *Broadcaster
	fn Handler
}

func NewBroadcaster() *Broadcaster {
	return &Broadcaster{}
}

// Subscribe registers a handler for every subsequent event.
func (b *Broadcaster) Subscribe(fn Handler) *Subscription {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.nextID++
	sub := &Subscription{id: b.nextID, b: b, fn: fn}
	b.subs = append(b.subs, sub)
	return sub
}

// Publish delivers ev to every current subscriber in subscription order.
func (b *Broadcaster) Publish(ev protocol.Event) {
	b.mu.Lock()
	subs := make([]*Subscription, len(b.subs))
	copy(subs, b.subs)
	b.mu.Unlock()

	for _, sub := range subs {
		sub.fn(ev)
	}
}

// Cancel removes the subscription. Safe to call more than once.
func (s *Subscription) Cancel() {
	if s == nil || s.b == nil {
		return
	}
	b := s.b
	b.mu.Lock()
	defer b.mu.Unlock()
	for i, sub := range b.subs {
		if sub.id == s.id {
			b.subs = append(b.subs[:i], b.subs[i+1:]...)
			break
		}
	}
	s.b = nil
}

// SubscribeCall registers a handler for events scoped to one call.
func (b *Broadcaster) SubscribeCall(callID protocol.ID, fn func(protocol.CallEvent)) *Subscription {
	return b.Subscribe(func(ev protocol.Event) {
		if ce, ok := ev.(protocol.CallEvent); ok && ce.Call() == callID {
			fn(ce)
		}
	})
}

// SubscribeRoom registers a handler for events scoped to one room.
func (b *Broadcaster) SubscribeRoom(roomID protocol.ID, fn func(protocol.RoomEvent)) *Subscription {
	return b.Subscribe(func(ev protocol.Event) {
		if re, ok := ev.(protocol.RoomEvent); ok && re.Room() == roomID {
			fn(re)
		}
	})
}
