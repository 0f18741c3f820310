// Package call maintains the client-side state machine of one call:
// the cached participant list derived from the event stream, the media
// pool lifecycle, and the operations legal for the call's variant.
package call

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/wavelet-im/wavelet/events"
	"github.com/wavelet-im/wavelet/protocol"
	"github.com/wavelet-im/wavelet/rtc"
)

// ErrDirectCall rejects group-only operations on a two-party call.
var ErrDirectCall = errors.New("call: operation not available on a direct call")

// API is the slice of the REST plane calls need.
type API interface {
	GetCallUsers(ctx context.Context, id protocol.ID) ([]protocol.ID, error)
	GetCallHistory(ctx context.Context, id protocol.ID) ([]protocol.Event, error)
	AnswerCall(ctx context.Context, id protocol.ID) error
	RejectCall(ctx context.Context, id protocol.ID, reason protocol.EndReason) error
	JoinCall(ctx context.Context, id protocol.ID) error
	PullCall(ctx context.Context, id protocol.ID) error
	LeaveCall(ctx context.Context, id protocol.ID, reason protocol.EndReason) error
	InviteToCall(ctx context.Context, callID, userID protocol.ID) error
}

// Pool is the per-call media registry, normally *rtc.Pool.
type Pool interface {
	Connect(peerID protocol.ID) error
	DestroyConnection(peerID protocol.ID)
	DestroyAllConnections()
	AddTrack(track rtc.Track)
	RemoveTrack(track rtc.Track)
	ReplaceTrackByKind(track rtc.Track)
	Broadcast(msg string)
	Send(peerID protocol.ID, msg string) error
}

// Commander sends fire-and-forget wire commands, normally the signaling
// transport.
type Commander interface {
	Send(cmd protocol.Command) error
}

// Call is one call entity. Participant state is event-derived; media
// connections live in the pool and are torn down exactly once when the
// call ends, this user leaves, or another device takes the call over.
type Call struct {
	id       protocol.ID
	kind     protocol.Kind
	created  protocol.Timestamp
	creator  protocol.ID
	invitees []protocol.ID
	self     protocol.ID

	api       API
	pool      Pool
	commander Commander
	bus       *events.Broadcaster
	log       zerolog.Logger

	mu    sync.Mutex
	users map[protocol.ID]struct{}
	ended protocol.Timestamp

	teardown sync.Once
	sub      *events.Subscription
}

// New wires a call entity around its wire representation. self is the
// local user. If self created the call, the cached participant list
// starts empty and an asynchronous dial-out fetches the authoritative
// list and proactively connects to every pre-existing participant, so
// later joiners never have to dial earlier ones themselves.
func New(wire protocol.Call, self protocol.ID, api API, pool Pool, commander Commander,
	bus *events.Broadcaster, log zerolog.Logger) *Call {

	c := &Call{
		id:        wire.ID,
		kind:      wire.Kind(),
		created:   wire.Created,
		creator:   wire.Creator,
		invitees:  append([]protocol.ID(nil), wire.Invitees...),
		self:      self,
		api:       api,
		pool:      pool,
		commander: commander,
		bus:       bus,
		log: log.With().
			Str("component", "call").
			Str("call_id", wire.ID).
			Logger(),
		users: make(map[protocol.ID]struct{}),
		ended: wire.Ended,
	}
	if self != wire.Creator {
		for _, user := range wire.Users {
			c.users[user] = struct{}{}
		}
	}
	c.sub = bus.SubscribeCall(c.id, c.handleEvent)

	if self == wire.Creator {
		go c.dialOut()
	}
	return c
}

func (c *Call) ID() protocol.ID           { return c.id }
func (c *Call) Kind() protocol.Kind       { return c.kind }
func (c *Call) Created() protocol.Timestamp { return c.created }
func (c *Call) Creator() protocol.ID      { return c.creator }
func (c *Call) Invitees() []protocol.ID   { return append([]protocol.ID(nil), c.invitees...) }

func (c *Call) IsDirect() bool   { return c.kind == protocol.KindDirect }
func (c *Call) IsBusiness() bool { return c.kind == protocol.KindBusiness }

// Users returns the cached participant list.
func (c *Call) Users() []protocol.ID {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]protocol.ID, 0, len(c.users))
	for user := range c.users {
		out = append(out, user)
	}
	return out
}

// Ended returns the end timestamp, zero while the call is live.
func (c *Call) Ended() protocol.Timestamp {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.ended
}

// dialOut resolves the authoritative participant list and connects to
// every participant that existed before this call object did. Users
// already known from events received in the meantime are skipped; so is
// the local user.
func (c *Call) dialOut() {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	fetched, err := c.api.GetCallUsers(ctx, c.id)
	if err != nil {
		c.log.Error().Err(err).Msg("Fetching call users failed, skipping dial-out")
		return
	}

	c.mu.Lock()
	dial := make([]protocol.ID, 0, len(fetched))
	for _, user := range fetched {
		if user == c.self {
			continue
		}
		if _, known := c.users[user]; known {
			continue
		}
		c.users[user] = struct{}{}
		dial = append(dial, user)
	}
	c.mu.Unlock()

	for _, user := range dial {
		c.log.Debug().Str("peer_id", user).Msg("Dialing pre-existing participant")
		if err := c.pool.Connect(user); err != nil {
			c.log.Error().Err(err).Str("peer_id", user).Msg("Dial-out connect failed")
		}
	}
}

func (c *Call) handleEvent(ev protocol.CallEvent) {
	switch e := ev.(type) {
	case protocol.CallJoined:
		c.handleJoined(e.AuthorID)
	case protocol.CallLeft:
		c.handleLeft(e.AuthorID)
	case protocol.CallEnded:
		c.mu.Lock()
		c.ended = e.Timestamp
		c.mu.Unlock()
		c.teardownPool("call ended")
	case protocol.CallHandledOnDevice:
		if e.AuthorID == c.self {
			c.teardownPool("call handled on another device")
		}
	}
}

func (c *Call) handleJoined(user protocol.ID) {
	if user == c.self {
		return
	}
	c.mu.Lock()
	_, known := c.users[user]
	c.users[user] = struct{}{}
	c.mu.Unlock()
	if known {
		return
	}
	c.log.Debug().Str("peer_id", user).Msg("Participant joined, connecting")
	if err := c.pool.Connect(user); err != nil {
		c.log.Error().Err(err).Str("peer_id", user).Msg("Connecting to joined participant failed")
	}
}

func (c *Call) handleLeft(user protocol.ID) {
	if user == c.self {
		c.teardownPool("local user left")
		return
	}
	c.mu.Lock()
	delete(c.users, user)
	c.mu.Unlock()
	c.pool.DestroyConnection(user)
}

// teardownPool destroys every peer connection exactly once, no matter
// how many terminal events arrive.
func (c *Call) teardownPool(cause string) {
	c.teardown.Do(func() {
		c.log.Info().Str("cause", cause).Msg("Destroying all call connections")
		c.pool.DestroyAllConnections()
		c.sub.Cancel()
	})
}

// Operations.

// Answer accepts an incoming call on this device.
func (c *Call) Answer(ctx context.Context) error {
	return c.api.AnswerCall(ctx, c.id)
}

// Reject declines an incoming call.
func (c *Call) Reject(ctx context.Context, reason protocol.EndReason) error {
	return c.api.RejectCall(ctx, c.id, reason)
}

// Join enters a group call. Direct calls are fixed to their two parties.
func (c *Call) Join(ctx context.Context) error {
	if c.IsDirect() {
		return ErrDirectCall
	}
	return c.api.JoinCall(ctx, c.id)
}

// Pull takes over a call in progress on another of this user's devices.
func (c *Call) Pull(ctx context.Context) error {
	return c.api.PullCall(ctx, c.id)
}

// Leave exits the call and releases every media connection.
func (c *Call) Leave(ctx context.Context, reason protocol.EndReason) error {
	err := c.api.LeaveCall(ctx, c.id, reason)
	c.teardownPool("leave")
	return err
}

// Invite adds a user to a group call.
func (c *Call) Invite(ctx context.Context, user protocol.ID) error {
	if c.IsDirect() {
		return ErrDirectCall
	}
	return c.api.InviteToCall(ctx, c.id, user)
}

// History returns the call's archived events.
func (c *Call) History(ctx context.Context) ([]protocol.Event, error) {
	return c.api.GetCallHistory(ctx, c.id)
}

// Media surface, delegated to the pool.

func (c *Call) AddTrack(track rtc.Track)    { c.pool.AddTrack(track) }
func (c *Call) RemoveTrack(track rtc.Track) { c.pool.RemoveTrack(track) }

// ReplaceTrackByKind swaps the outbound track of the same kind on every
// peer, e.g. camera to screen share.
func (c *Call) ReplaceTrackByKind(track rtc.Track) { c.pool.ReplaceTrackByKind(track) }

// Broadcast sends msg to every peer over the data channels.
func (c *Call) Broadcast(msg string) { c.pool.Broadcast(msg) }

// SendTo sends msg to a single peer.
func (c *Call) SendTo(peer protocol.ID, msg string) error { return c.pool.Send(peer, msg) }

// ToggleAudio announces the local audio stream state to the other
// participants.
func (c *Call) ToggleAudio(enabled bool) error {
	return c.commander.Send(protocol.AudioStreamToggle{
		CallID:    c.id,
		Enabled:   enabled,
		Timestamp: time.Now().UnixMilli(),
	})
}

// ToggleVideo announces the local video stream state. content describes
// what the stream carries, e.g. "camera" or "screen".
func (c *Call) ToggleVideo(enabled bool, content string) error {
	return c.commander.Send(protocol.VideoStreamToggle{
		CallID:    c.id,
		Enabled:   enabled,
		Content:   content,
		Timestamp: time.Now().UnixMilli(),
	})
}

// Event streams. Each helper is a tag filter over this call's scoped
// stream; cancel the returned subscription to stop notifications.

func (c *Call) OnJoined(fn func(protocol.CallJoined)) *events.Subscription {
	return c.bus.SubscribeCall(c.id, func(ev protocol.CallEvent) {
		if e, ok := ev.(protocol.CallJoined); ok {
			fn(e)
		}
	})
}

func (c *Call) OnLeft(fn func(protocol.CallLeft)) *events.Subscription {
	return c.bus.SubscribeCall(c.id, func(ev protocol.CallEvent) {
		if e, ok := ev.(protocol.CallLeft); ok {
			fn(e)
		}
	})
}

func (c *Call) OnInvited(fn func(protocol.CallInvited)) *events.Subscription {
	return c.bus.SubscribeCall(c.id, func(ev protocol.CallEvent) {
		if e, ok := ev.(protocol.CallInvited); ok {
			fn(e)
		}
	})
}

func (c *Call) OnAnswered(fn func(protocol.CallAnswered)) *events.Subscription {
	return c.bus.SubscribeCall(c.id, func(ev protocol.CallEvent) {
		if e, ok := ev.(protocol.CallAnswered); ok {
			fn(e)
		}
	})
}

func (c *Call) OnRejected(fn func(protocol.CallRejected)) *events.Subscription {
	return c.bus.SubscribeCall(c.id, func(ev protocol.CallEvent) {
		if e, ok := ev.(protocol.CallRejected); ok {
			fn(e)
		}
	})
}

func (c *Call) OnEnded(fn func(protocol.CallEnded)) *events.Subscription {
	return c.bus.SubscribeCall(c.id, func(ev protocol.CallEvent) {
		if e, ok := ev.(protocol.CallEnded); ok {
			fn(e)
		}
	})
}

func (c *Call) OnActiveDevice(fn func(protocol.CallHandledOnDevice)) *events.Subscription {
	return c.bus.SubscribeCall(c.id, func(ev protocol.CallEvent) {
		if e, ok := ev.(protocol.CallHandledOnDevice); ok {
			fn(e)
		}
	})
}

func (c *Call) OnAudioToggled(fn func(protocol.AudioStreamToggled)) *events.Subscription {
	return c.bus.SubscribeCall(c.id, func(ev protocol.CallEvent) {
		if e, ok := ev.(protocol.AudioStreamToggled); ok {
			fn(e)
		}
	})
}

func (c *Call) OnVideoToggled(fn func(protocol.VideoStreamToggled)) *events.Subscription {
	return c.bus.SubscribeCall(c.id, func(ev protocol.CallEvent) {
		if e, ok := ev.(protocol.VideoStreamToggled); ok {
			fn(e)
		}
	})
}

// String renders the call for logs.
func (c *Call) String() string {
	return fmt.Sprintf("%s call %s", c.kind, c.id)
}
