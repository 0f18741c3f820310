// Package wavelet is the client engine for the Wavelet realtime
// platform: a supervised signaling connection, call and room state
// machines driven by the server's event stream, and per-call
// peer-to-peer media pools.
package wavelet

import (
	"context"
	"fmt"
	"sync"

	"github.com/rs/zerolog"

	"github.com/wavelet-im/wavelet/call"
	"github.com/wavelet-im/wavelet/events"
	"github.com/wavelet-im/wavelet/protocol"
	"github.com/wavelet-im/wavelet/rest"
	"github.com/wavelet-im/wavelet/room"
	"github.com/wavelet-im/wavelet/rtc"
	"github.com/wavelet-im/wavelet/signaling"
)

// Session is the single entry point to the engine. It owns the
// transport, the event fan-out, the REST client, the media engine and
// the device-id memory; calls and rooms are created through it and
// share its event stream.
type Session struct {
	self    protocol.ID
	cfg     Config
	log     zerolog.Logger
	bus     *events.Broadcaster
	devices *deviceMemory

	transport *signaling.Transport
	api       *rest.Client
	engine    rtc.Engine

	errSub *events.Subscription
	errs   chan error
}

// NewSession builds a session for the given user. The connection is not
// opened until Connect.
func NewSession(self protocol.ID, cfg Config, log zerolog.Logger) (*Session, error) {
	if err := cfg.validate(); err != nil {
		return nil, err
	}

	bus := events.NewBroadcaster()
	devices := &deviceMemory{}

	dialer, err := signaling.NewWebsocketDialer(cfg.SignalingURL, cfg.APIKey)
	if err != nil {
		return nil, err
	}
	transport := signaling.NewTransport(dialer, bus, devices, signaling.Options{
		AskTimeout:             cfg.AskTimeout,
		HeartbeatMultiplier:    cfg.HeartbeatMultiplier,
		FallbackReconnectDelay: cfg.FallbackReconnectDelay,
	}, log)

	api, err := rest.NewClient(cfg.RESTURL, cfg.APIKey, devices, log)
	if err != nil {
		return nil, err
	}

	s := &Session{
		self:      self,
		cfg:       cfg,
		log:       log.With().Str("component", "session").Str("user_id", self).Logger(),
		bus:       bus,
		devices:   devices,
		transport: transport,
		api:       api,
		engine:    rtc.NewPionEngine(cfg.ICEServers),
		errs:      make(chan error, 16),
	}
	s.errSub = bus.Subscribe(s.watchErrors)
	return s, nil
}

// Connect opens the control connection. A device id remembered from an
// earlier Hello makes this a session resume.
func (s *Session) Connect(ctx context.Context) error {
	return s.transport.Connect(ctx)
}

// Disconnect closes the control connection without clearing session
// state; a later Connect resumes the same device session.
func (s *Session) Disconnect() {
	s.transport.Disconnect()
}

// Close ends the session for good: the connection is closed and the
// remembered device id is dropped, so the next Connect starts a fresh
// device session.
func (s *Session) Close() {
	s.transport.Disconnect()
	s.errSub.Cancel()
	s.devices.SetDeviceID("")
}

// Events exposes the raw domain event stream.
func (s *Session) Events() *events.Broadcaster {
	return s.bus
}

// Errors delivers server-pushed errors and events this client does not
// understand. The channel is buffered; when nobody drains it, oldest
// errors are dropped.
func (s *Session) Errors() <-chan error {
	return s.errs
}

// ServerUnreachable signals heartbeat silence longer than the declared
// window.
func (s *Session) ServerUnreachable() <-chan struct{} {
	return s.transport.ServerUnreachable()
}

// DeviceID returns the server-assigned device id, or "" before the
// first Hello.
func (s *Session) DeviceID() protocol.ID {
	return s.devices.DeviceID()
}

// API exposes the REST collaborator for operations the engine does not
// wrap, e.g. push-notification registration.
func (s *Session) API() *rest.Client {
	return s.api
}

// Calls.

// CreateCall opens a group call with the given participants. media
// callbacks receive this call's remote tracks, peer messages and
// connection-state changes.
func (s *Session) CreateCall(ctx context.Context, users []protocol.ID, metadata protocol.Metadata, media rtc.PoolCallbacks) (*call.Call, error) {
	wire, err := s.api.CreateCall(ctx, users, metadata)
	if err != nil {
		return nil, fmt.Errorf("wavelet: creating call: %w", err)
	}
	return s.attachCall(wire, media), nil
}

// CreateDirectCall opens a two-party call with peer.
func (s *Session) CreateDirectCall(ctx context.Context, peer protocol.ID, timeoutSeconds int, metadata protocol.Metadata, media rtc.PoolCallbacks) (*call.Call, error) {
	wire, err := s.api.CreateDirectCall(ctx, peer, timeoutSeconds, metadata)
	if err != nil {
		return nil, fmt.Errorf("wavelet: creating direct call: %w", err)
	}
	return s.attachCall(wire, media), nil
}

// GetCall fetches an existing call and attaches the local state machine
// to it, e.g. to answer an incoming invitation.
func (s *Session) GetCall(ctx context.Context, id protocol.ID, media rtc.PoolCallbacks) (*call.Call, error) {
	wire, err := s.api.GetCall(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("wavelet: fetching call %s: %w", id, err)
	}
	return s.attachCall(wire, media), nil
}

func (s *Session) attachCall(wire protocol.Call, media rtc.PoolCallbacks) *call.Call {
	pool := rtc.NewPool(wire.ID, s.engine, wireSignaler{s.transport}, s.bus, media, s.log)
	return call.New(wire, s.self, s.api, pool, s.transport, s.bus, s.log)
}

// Rooms.

func (s *Session) CreateRoom(ctx context.Context, name string) (*room.Room, error) {
	wire, err := s.api.CreateRoom(ctx, name)
	if err != nil {
		return nil, fmt.Errorf("wavelet: creating room: %w", err)
	}
	return s.attachRoom(wire), nil
}

func (s *Session) CreateDirectRoom(ctx context.Context, peer protocol.ID, roomContext protocol.Context) (*room.Room, error) {
	wire, err := s.api.CreateDirectRoom(ctx, peer, roomContext)
	if err != nil {
		return nil, fmt.Errorf("wavelet: creating direct room: %w", err)
	}
	return s.attachRoom(wire), nil
}

func (s *Session) GetRoom(ctx context.Context, id protocol.ID) (*room.Room, error) {
	wire, err := s.api.GetRoom(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("wavelet: fetching room %s: %w", id, err)
	}
	return s.attachRoom(wire), nil
}

// Roster returns the rooms with unread activity, each attached to this
// session's event stream.
func (s *Session) Roster(ctx context.Context) ([]*room.Room, error) {
	wires, err := s.api.GetRoster(ctx)
	if err != nil {
		return nil, fmt.Errorf("wavelet: fetching roster: %w", err)
	}
	rooms := make([]*room.Room, 0, len(wires))
	for _, wire := range wires {
		rooms = append(rooms, s.attachRoom(wire))
	}
	return rooms, nil
}

func (s *Session) attachRoom(wire protocol.Room) *room.Room {
	return room.New(wire, s.self, s.api, s.transport, s.bus, s.log)
}

// watchErrors converts server-pushed errors and unrecognized events
// into the error stream. Errors answering an asked command already
// resolve that ask and are not duplicated here.
func (s *Session) watchErrors(ev protocol.Event) {
	var err error
	switch e := ev.(type) {
	case protocol.ServerError:
		if e.Ref != "" {
			return
		}
		err = fmt.Errorf("wavelet: server error: %s", e.Reason)
	case protocol.Unknown:
		err = fmt.Errorf("wavelet: unhandled event tag %q", e.WireTag)
	default:
		return
	}

	select {
	case s.errs <- err:
	default:
		s.log.Warn().Err(err).Msg("Error stream full, dropping")
	}
}

// wireSignaler carries negotiation payloads over the control connection.
type wireSignaler struct {
	t *signaling.Transport
}

func (w wireSignaler) SendDescription(callID, peerID protocol.ID, sdp protocol.SessionDescription) error {
	return w.t.Send(protocol.SendDescription{CallID: callID, Peer: peerID, SDP: sdp})
}

func (w wireSignaler) SendCandidate(callID, peerID protocol.ID, candidate protocol.ICECandidate) error {
	return w.t.Send(protocol.SendCandidate{CallID: callID, Peer: peerID, Candidate: candidate})
}

// deviceMemory is the session-scoped device-id store injected into the
// transport and the REST client. It exists per session, never globally.
type deviceMemory struct {
	mu sync.Mutex
	id protocol.ID
}

func (m *deviceMemory) DeviceID() protocol.ID {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.id
}

func (m *deviceMemory) SetDeviceID(id protocol.ID) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.id = id
}
