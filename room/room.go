// Package room maintains the client-side state machine of one
// conversation: cached participants, per-participant read marks, and
// the messaging operations legal for the room's variant.
package room

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/wavelet-im/wavelet/events"
	"github.com/wavelet-im/wavelet/protocol"
)

// ErrDirectRoom rejects group-only operations on a two-party room.
var ErrDirectRoom = errors.New("room: operation not available on a direct room")

// API is the slice of the REST plane rooms need.
type API interface {
	GetRoomUsers(ctx context.Context, id protocol.ID) ([]protocol.ID, error)
	GetRoomHistoryLast(ctx context.Context, id protocol.ID, count int, filter *protocol.HistoryFilter) (protocol.Paginated, error)
	GetRoomHistoryPage(ctx context.Context, id protocol.ID, offset, limit int, filter *protocol.HistoryFilter) (protocol.Paginated, error)
	JoinRoom(ctx context.Context, id protocol.ID) error
	LeaveRoom(ctx context.Context, id protocol.ID) error
	InviteToRoom(ctx context.Context, roomID, userID protocol.ID) error
}

// Transport is the slice of the signaling transport rooms need: asked
// sends for messages, fire-and-forget for indicators.
type Transport interface {
	Send(cmd protocol.Command) error
	Ask(ctx context.Context, cmd protocol.Command) (protocol.ChatReceived, error)
}

// Room is one room entity. Marks are monotonically non-decreasing per
// participant; the local user's mark is additionally written
// optimistically before the server confirms it.
type Room struct {
	id      protocol.ID
	kind    protocol.Kind
	name    string
	created protocol.Timestamp
	self    protocol.ID

	api       API
	transport Transport
	bus       *events.Broadcaster
	log       zerolog.Logger

	mu    sync.Mutex
	users map[protocol.ID]struct{}
	marks map[protocol.ID]protocol.Timestamp

	sub *events.Subscription
}

// New wires a room entity around its wire representation. self is the
// local user.
func New(wire protocol.Room, self protocol.ID, api API, transport Transport,
	bus *events.Broadcaster, log zerolog.Logger) *Room {

	r := &Room{
		id:        wire.ID,
		kind:      wire.Kind(),
		name:      wire.Name,
		created:   wire.Created,
		self:      self,
		api:       api,
		transport: transport,
		bus:       bus,
		log: log.With().
			Str("component", "room").
			Str("room_id", wire.ID).
			Logger(),
		users: make(map[protocol.ID]struct{}),
		marks: make(map[protocol.ID]protocol.Timestamp),
	}
	for _, user := range wire.Users {
		r.users[user] = struct{}{}
	}
	for user, mark := range wire.Marks {
		r.marks[user] = mark
	}
	r.sub = bus.SubscribeRoom(r.id, r.handleEvent)
	return r
}

func (r *Room) ID() protocol.ID             { return r.id }
func (r *Room) Kind() protocol.Kind         { return r.kind }
func (r *Room) Name() string                { return r.name }
func (r *Room) Created() protocol.Timestamp { return r.created }

func (r *Room) IsDirect() bool   { return r.kind == protocol.KindDirect }
func (r *Room) IsBusiness() bool { return r.kind == protocol.KindBusiness }

// Users returns the cached participant list.
func (r *Room) Users() []protocol.ID {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]protocol.ID, 0, len(r.users))
	for user := range r.users {
		out = append(out, user)
	}
	return out
}

// Mark returns user's high-water read timestamp, zero when unknown.
func (r *Room) Mark(user protocol.ID) protocol.Timestamp {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.marks[user]
}

// Detach stops this room's event-derived state maintenance.
func (r *Room) Detach() {
	r.sub.Cancel()
}

func (r *Room) handleEvent(ev protocol.RoomEvent) {
	switch e := ev.(type) {
	case protocol.RoomJoined:
		if r.kind == protocol.KindDirect {
			return
		}
		r.mu.Lock()
		r.users[e.AuthorID] = struct{}{}
		r.mu.Unlock()
	case protocol.RoomLeft:
		if r.kind == protocol.KindDirect {
			return
		}
		r.mu.Lock()
		delete(r.users, e.AuthorID)
		r.mu.Unlock()
	case protocol.RoomMarkSent:
		r.advanceMark(e.AuthorID, e.Timestamp)
	}
}

// advanceMark moves user's mark forward, never backwards.
func (r *Room) advanceMark(user protocol.ID, timestamp protocol.Timestamp) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if timestamp > r.marks[user] {
		r.marks[user] = timestamp
	}
}

// Messaging.

// Send posts a plain message and waits for the server's archived copy.
func (r *Room) Send(ctx context.Context, body string, msgContext protocol.Context) (protocol.ChatReceived, error) {
	return r.transport.Ask(ctx, protocol.SendMessage{
		RoomID:  r.id,
		Body:    body,
		Context: msgContext,
	})
}

// SendCustom posts an application-defined message under subtag.
func (r *Room) SendCustom(ctx context.Context, body, subtag string, msgContext protocol.Context) (protocol.ChatReceived, error) {
	return r.transport.Ask(ctx, protocol.SendCustomMessage{
		RoomID:  r.id,
		Body:    body,
		Subtag:  subtag,
		Context: msgContext,
	})
}

// IndicateTyping tells the other participants this user is composing.
func (r *Room) IndicateTyping(preview string) error {
	return r.transport.Send(protocol.SendTyping{RoomID: r.id, Body: preview})
}

// SetMark advances this user's read mark to timestamp. The local mark
// is written optimistically before the server confirms via a mark event.
func (r *Room) SetMark(timestamp protocol.Timestamp) error {
	r.advanceMark(r.self, timestamp)
	return r.transport.Send(protocol.SendMark{RoomID: r.id, Timestamp: timestamp})
}

// SetDelivered confirms delivery of one message to this device.
func (r *Room) SetDelivered(messageID protocol.ID) error {
	return r.transport.Send(protocol.ConfirmMessageDelivery{
		RoomID:    r.id,
		MessageID: messageID,
		Timestamp: time.Now().UnixMilli(),
	})
}

// History.

// GetLatestMessages fetches the newest count events.
func (r *Room) GetLatestMessages(ctx context.Context, count int, filter *protocol.HistoryFilter) (protocol.Paginated, error) {
	return r.api.GetRoomHistoryLast(ctx, r.id, count, filter)
}

// GetMessages fetches one history page starting at offset.
func (r *Room) GetMessages(ctx context.Context, offset, limit int, filter *protocol.HistoryFilter) (protocol.Paginated, error) {
	return r.api.GetRoomHistoryPage(ctx, r.id, offset, limit, filter)
}

// GetUsers fetches the authoritative participant list.
func (r *Room) GetUsers(ctx context.Context) ([]protocol.ID, error) {
	return r.api.GetRoomUsers(ctx, r.id)
}

// Membership. Direct rooms are fixed to their two parties.

func (r *Room) Join(ctx context.Context) error {
	if r.IsDirect() {
		return ErrDirectRoom
	}
	return r.api.JoinRoom(ctx, r.id)
}

func (r *Room) Leave(ctx context.Context) error {
	if r.IsDirect() {
		return ErrDirectRoom
	}
	return r.api.LeaveRoom(ctx, r.id)
}

func (r *Room) Invite(ctx context.Context, user protocol.ID) error {
	if r.IsDirect() {
		return ErrDirectRoom
	}
	return r.api.InviteToRoom(ctx, r.id, user)
}

// Event streams. Each helper is a tag filter over this room's scoped
// stream; cancel the returned subscription to stop notifications.

func (r *Room) OnMessage(fn func(protocol.RoomMessageSent)) *events.Subscription {
	return r.bus.SubscribeRoom(r.id, func(ev protocol.RoomEvent) {
		if e, ok := ev.(protocol.RoomMessageSent); ok {
			fn(e)
		}
	})
}

// OnCustomMessage filters custom messages to one subtag.
func (r *Room) OnCustomMessage(subtag string, fn func(protocol.RoomCustomMessageSent)) *events.Subscription {
	return r.bus.SubscribeRoom(r.id, func(ev protocol.RoomEvent) {
		if e, ok := ev.(protocol.RoomCustomMessageSent); ok && e.Subtag == subtag {
			fn(e)
		}
	})
}

func (r *Room) OnTyping(fn func(protocol.RoomTypingSent)) *events.Subscription {
	return r.bus.SubscribeRoom(r.id, func(ev protocol.RoomEvent) {
		if e, ok := ev.(protocol.RoomTypingSent); ok {
			fn(e)
		}
	})
}

func (r *Room) OnMarked(fn func(protocol.RoomMarkSent)) *events.Subscription {
	return r.bus.SubscribeRoom(r.id, func(ev protocol.RoomEvent) {
		if e, ok := ev.(protocol.RoomMarkSent); ok {
			fn(e)
		}
	})
}

func (r *Room) OnJoined(fn func(protocol.RoomJoined)) *events.Subscription {
	return r.bus.SubscribeRoom(r.id, func(ev protocol.RoomEvent) {
		if e, ok := ev.(protocol.RoomJoined); ok {
			fn(e)
		}
	})
}

func (r *Room) OnLeft(fn func(protocol.RoomLeft)) *events.Subscription {
	return r.bus.SubscribeRoom(r.id, func(ev protocol.RoomEvent) {
		if e, ok := ev.(protocol.RoomLeft); ok {
			fn(e)
		}
	})
}

func (r *Room) OnInvited(fn func(protocol.RoomInvited)) *events.Subscription {
	return r.bus.SubscribeRoom(r.id, func(ev protocol.RoomEvent) {
		if e, ok := ev.(protocol.RoomInvited); ok {
			fn(e)
		}
	})
}

func (r *Room) OnMessageDelivered(fn func(protocol.RoomMessageDelivered)) *events.Subscription {
	return r.bus.SubscribeRoom(r.id, func(ev protocol.RoomEvent) {
		if e, ok := ev.(protocol.RoomMessageDelivered); ok {
			fn(e)
		}
	})
}

func (r *Room) OnMessageUpdated(fn func(protocol.RoomMessageUpdated)) *events.Subscription {
	return r.bus.SubscribeRoom(r.id, func(ev protocol.RoomEvent) {
		if e, ok := ev.(protocol.RoomMessageUpdated); ok {
			fn(e)
		}
	})
}

// String renders the room for logs.
func (r *Room) String() string {
	return fmt.Sprintf("%s room %s", r.kind, r.id)
}
