// Package signaling owns the persistent control connection to the
// Wavelet server: the wire codec, command/acknowledgement correlation,
// heartbeat supervision and the reconnection policy.
package signaling

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/wavelet-im/wavelet/events"
	"github.com/wavelet-im/wavelet/protocol"
)

var (
	// ErrNotConnected is returned by Send and Ask while no control
	// connection is established.
	ErrNotConnected = errors.New("signaling: not connected")
	// ErrAskTimeout is returned by Ask when no acknowledgement with the
	// command's ref arrived within the configured window.
	ErrAskTimeout = errors.New("signaling: ask timed out")
	// ErrDisconnected rejects asks still pending when the connection
	// goes away.
	ErrDisconnected = errors.New("signaling: disconnected")
)

// DeviceStore remembers the server-assigned device id for the lifetime
// of a session. It is owned by the orchestrator and injected here so the
// transport carries no global state.
type DeviceStore interface {
	DeviceID() protocol.ID
	SetDeviceID(protocol.ID)
}

// Options tune transport supervision.
type Options struct {
	// AskTimeout bounds the wait for a command acknowledgement.
	AskTimeout time.Duration
	// HeartbeatMultiplier scales the server-declared heartbeat timeout
	// into the silence window after which the server counts as
	// unreachable.
	HeartbeatMultiplier float64
	// FallbackReconnectDelay is used until a Hello has declared the
	// server's preferred delay.
	FallbackReconnectDelay time.Duration
}

// Transport multiplexes the control connection: outbound commands are
// fire-and-forget (Send) or correlated (Ask); inbound frames are decoded
// and broadcast to every subscriber in arrival order.
type Transport struct {
	dialer  Dialer
	bus     *events.Broadcaster
	devices DeviceStore
	opts    Options
	log     zerolog.Logger

	writeMu sync.Mutex

	mu             sync.Mutex
	conn           Conn
	generation     uint64
	closed         bool
	pending        map[protocol.Ref]chan askResult
	reconnectDelay time.Duration
	reconnectTimer *time.Timer
	heartbeat      *time.Timer
	heartbeatWin   time.Duration
	unreachableC   chan struct{}
}

type askResult struct {
	ack protocol.ChatReceived
	err error
}

func NewTransport(dialer Dialer, bus *events.Broadcaster, devices DeviceStore, opts Options, log zerolog.Logger) *Transport {
	return &Transport{
		dialer:         dialer,
		bus:            bus,
		devices:        devices,
		opts:           opts,
		log:            log.With().Str("component", "signaling").Logger(),
		pending:        make(map[protocol.Ref]chan askResult),
		reconnectDelay: opts.FallbackReconnectDelay,
		unreachableC:   make(chan struct{}, 1),
	}
}

// Events exposes the broadcast stream of decoded domain events.
func (t *Transport) Events() *events.Broadcaster {
	return t.bus
}

// ServerUnreachable signals heartbeat silence longer than the declared
// window. It fires at most once per silence window and forces nothing;
// reacting to it is the caller's decision.
func (t *Transport) ServerUnreachable() <-chan struct{} {
	return t.unreachableC
}

// Connect establishes the control connection. A previous connection is
// torn down first, so calling Connect on a connected transport is safe.
func (t *Transport) Connect(ctx context.Context) error {
	t.mu.Lock()
	t.closed = false
	t.teardownLocked(ErrDisconnected)
	deviceID := t.devices.DeviceID()
	t.mu.Unlock()

	conn, err := t.dialer.Dial(ctx, deviceID)
	if err != nil {
		return err
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		conn.Close()
		return ErrDisconnected
	}
	t.installLocked(conn)
	return nil
}

// Disconnect closes the connection, stops heartbeat supervision and
// cancels any scheduled reconnect. It does not trigger reconnection.
func (t *Transport) Disconnect() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.closed = true
	t.teardownLocked(ErrDisconnected)
}

// Send encodes and transmits a command without awaiting acknowledgement.
func (t *Transport) Send(cmd protocol.Command) error {
	return t.write(cmd, "")
}

// Ask transmits a command with a fresh correlation ref and blocks until
// the matching acknowledgement arrives, the server rejects it, the
// configured timeout elapses, ctx is done, or the connection tears down.
// Exactly one of these resolves the command; later events carrying the
// same ref are ignored.
func (t *Transport) Ask(ctx context.Context, cmd protocol.Command) (protocol.ChatReceived, error) {
	ref := uuid.NewString()
	ch := make(chan askResult, 1)

	t.mu.Lock()
	if t.conn == nil || t.closed {
		t.mu.Unlock()
		return protocol.ChatReceived{}, ErrNotConnected
	}
	t.pending[ref] = ch
	t.mu.Unlock()

	if err := t.write(cmd, ref); err != nil {
		t.take(ref)
		return protocol.ChatReceived{}, err
	}

	timer := time.NewTimer(t.opts.AskTimeout)
	defer timer.Stop()

	select {
	case res := <-ch:
		return res.ack, res.err
	case <-timer.C:
		if late, ok := t.settleAbandoned(ref, ch); ok {
			return late.ack, late.err
		}
		return protocol.ChatReceived{}, ErrAskTimeout
	case <-ctx.Done():
		if late, ok := t.settleAbandoned(ref, ch); ok {
			return late.ack, late.err
		}
		return protocol.ChatReceived{}, ctx.Err()
	}
}

// settleAbandoned removes the pending entry and returns a resolution
// that won the race against the timeout, if any.
func (t *Transport) settleAbandoned(ref protocol.Ref, ch chan askResult) (askResult, bool) {
	t.take(ref)
	select {
	case res := <-ch:
		return res, true
	default:
		return askResult{}, false
	}
}

// take removes and returns the pending channel for ref. The channel is
// removed from the table exactly once, which is what guarantees single
// resolution.
func (t *Transport) take(ref protocol.Ref) (chan askResult, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	ch, ok := t.pending[ref]
	if ok {
		delete(t.pending, ref)
	}
	return ch, ok
}

func (t *Transport) write(cmd protocol.Command, ref protocol.Ref) error {
	t.mu.Lock()
	conn := t.conn
	t.mu.Unlock()
	if conn == nil {
		return ErrNotConnected
	}

	data, err := protocol.EncodeCommand(cmd, ref)
	if err != nil {
		return err
	}

	t.writeMu.Lock()
	defer t.writeMu.Unlock()
	return conn.WriteMessage(data)
}

// installLocked adopts a fresh connection and starts its read loop.
func (t *Transport) installLocked(conn Conn) {
	t.generation++
	t.conn = conn
	go t.readLoop(conn, t.generation)
}

// teardownLocked closes the current connection, clears supervision
// timers and rejects every pending ask.
func (t *Transport) teardownLocked(reason error) {
	if t.reconnectTimer != nil {
		t.reconnectTimer.Stop()
		t.reconnectTimer = nil
	}
	if t.heartbeat != nil {
		t.heartbeat.Stop()
		t.heartbeat = nil
	}
	if t.conn != nil {
		t.conn.Close()
		t.conn = nil
		t.generation++
	}
	for ref, ch := range t.pending {
		delete(t.pending, ref)
		ch <- askResult{err: reason}
	}
}

func (t *Transport) readLoop(conn Conn, generation uint64) {
	for {
		data, err := conn.ReadMessage()
		if err != nil {
			t.handleConnLost(generation, err)
			return
		}
		ev, err := protocol.DecodeEvent(data)
		if err != nil {
			t.log.Warn().Err(err).Msg("Dropping undecodable frame")
			continue
		}
		t.handleEvent(ev)
	}
}

// handleEvent applies transport-reserved side effects, resolves pending
// asks, and forwards the event to subscribers.
func (t *Transport) handleEvent(ev protocol.Event) {
	switch e := ev.(type) {
	case protocol.Hello:
		t.handleHello(e)
	case protocol.OutputHeartbeat:
		t.handleHeartbeat(e)
	case protocol.ChatReceived:
		if e.Ref != "" {
			if ch, ok := t.take(e.Ref); ok {
				ch <- askResult{ack: e}
			}
		}
	case protocol.ServerError:
		if e.Ref != "" {
			if ch, ok := t.take(e.Ref); ok {
				ch <- askResult{err: &CommandError{Reason: e.Reason}}
			}
		}
	}
	t.bus.Publish(ev)
}

func (t *Transport) handleHello(hello protocol.Hello) {
	t.log.Info().Str("device_id", hello.DeviceID).Msg("Session established")
	t.devices.SetDeviceID(hello.DeviceID)

	t.mu.Lock()
	defer t.mu.Unlock()
	if hello.ReconnectDelay > 0 {
		t.reconnectDelay = time.Duration(hello.ReconnectDelay) * time.Millisecond
	}
	t.heartbeatWin = time.Duration(float64(hello.HeartbeatTimeout)*t.opts.HeartbeatMultiplier) * time.Millisecond
	if t.heartbeat != nil {
		t.heartbeat.Stop()
	}
	t.heartbeat = time.AfterFunc(t.heartbeatWin, t.serverUnreachable)
}

func (t *Transport) handleHeartbeat(hb protocol.OutputHeartbeat) {
	if err := t.Send(protocol.InputHeartbeat{Timestamp: hb.Timestamp}); err != nil {
		t.log.Warn().Err(err).Msg("Heartbeat echo failed")
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.heartbeat != nil {
		// Bump, not restart: pushing the deadline out by one window is
		// all liveness detection needs.
		t.heartbeat.Reset(t.heartbeatWin)
	}
}

func (t *Transport) serverUnreachable() {
	t.log.Warn().Msg("Server unreachable: heartbeat silence exceeded window")
	t.mu.Lock()
	t.heartbeat = nil
	t.mu.Unlock()
	select {
	case t.unreachableC <- struct{}{}:
	default:
	}
}

// handleConnLost runs when a read loop dies. Unless the loss was caused
// by an explicit Disconnect (or superseded by a newer connection), a
// reconnect attempt is scheduled after the server-declared delay.
func (t *Transport) handleConnLost(generation uint64, cause error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.generation != generation || t.closed {
		return
	}
	t.log.Warn().Err(cause).Dur("retry_in", t.reconnectDelay).Msg("Connection lost")
	t.teardownLocked(ErrDisconnected)
	t.scheduleReconnectLocked()
}

func (t *Transport) scheduleReconnectLocked() {
	t.reconnectTimer = time.AfterFunc(t.reconnectDelay, t.reconnect)
}

func (t *Transport) reconnect() {
	t.mu.Lock()
	if t.closed || t.conn != nil {
		t.mu.Unlock()
		return
	}
	deviceID := t.devices.DeviceID()
	t.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	conn, err := t.dialer.Dial(ctx, deviceID)

	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		if conn != nil {
			conn.Close()
		}
		return
	}
	if err != nil {
		t.log.Warn().Err(err).Dur("retry_in", t.reconnectDelay).Msg("Reconnect failed")
		t.scheduleReconnectLocked()
		return
	}
	t.installLocked(conn)
}

// CommandError is a server rejection of an asked command.
type CommandError struct {
	Reason string
}

func (e *CommandError) Error() string {
	return "signaling: command rejected: " + e.Reason
}
