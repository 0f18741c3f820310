package signaling

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/wavelet-im/wavelet/events"
	"github.com/wavelet-im/wavelet/protocol"
)

type fakeConn struct {
	in    chan []byte
	wrote chan []byte

	mu      sync.Mutex
	written [][]byte

	closed chan struct{}
	once   sync.Once
}

func newFakeConn() *fakeConn {
	return &fakeConn{
		in:     make(chan []byte, 16),
		wrote:  make(chan []byte, 16),
		closed: make(chan struct{}),
	}
}

func (c *fakeConn) ReadMessage() ([]byte, error) {
	select {
	case data := <-c.in:
		return data, nil
	case <-c.closed:
		return nil, errors.New("connection closed")
	}
}

func (c *fakeConn) WriteMessage(data []byte) error {
	select {
	case <-c.closed:
		return errors.New("connection closed")
	default:
	}
	c.mu.Lock()
	c.written = append(c.written, data)
	c.mu.Unlock()
	select {
	case c.wrote <- data:
	default:
	}
	return nil
}

func (c *fakeConn) Close() error {
	c.once.Do(func() { close(c.closed) })
	return nil
}

// deliver feeds one encoded event into the read loop.
func (c *fakeConn) deliver(t *testing.T, ev protocol.Event) {
	t.Helper()
	data, err := protocol.EncodeEvent(ev)
	if err != nil {
		t.Fatalf("encode %s: %v", ev.Tag(), err)
	}
	c.in <- data
}

type dialRecord struct {
	at       time.Time
	deviceID protocol.ID
}

type fakeDialer struct {
	mu    sync.Mutex
	conns []*fakeConn
	dials []dialRecord
	dialC chan dialRecord
}

func newFakeDialer(conns ...*fakeConn) *fakeDialer {
	return &fakeDialer{conns: conns, dialC: make(chan dialRecord, 16)}
}

func (d *fakeDialer) Dial(_ context.Context, deviceID protocol.ID) (Conn, error) {
	rec := dialRecord{at: time.Now(), deviceID: deviceID}
	d.mu.Lock()
	d.dials = append(d.dials, rec)
	var conn *fakeConn
	if len(d.conns) > 0 {
		conn = d.conns[0]
		d.conns = d.conns[1:]
	}
	d.mu.Unlock()
	d.dialC <- rec
	if conn == nil {
		return nil, errors.New("dial refused")
	}
	return conn, nil
}

func (d *fakeDialer) push(conn *fakeConn) {
	d.mu.Lock()
	d.conns = append(d.conns, conn)
	d.mu.Unlock()
}

func (d *fakeDialer) dialCount() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.dials)
}

type memStore struct {
	mu sync.Mutex
	id protocol.ID
}

func (m *memStore) DeviceID() protocol.ID {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.id
}

func (m *memStore) SetDeviceID(id protocol.ID) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.id = id
}

func testOptions() Options {
	return Options{
		AskTimeout:             200 * time.Millisecond,
		HeartbeatMultiplier:    2,
		FallbackReconnectDelay: 10 * time.Millisecond,
	}
}

func newTestTransport(t *testing.T, opts Options, conns ...*fakeConn) (*Transport, *fakeDialer, *events.Broadcaster) {
	t.Helper()
	dialer := newFakeDialer(conns...)
	bus := events.NewBroadcaster()
	tr := NewTransport(dialer, bus, &memStore{}, opts, zerolog.Nop())
	t.Cleanup(tr.Disconnect)
	return tr, dialer, bus
}

// refOf extracts the correlation ref from a written command frame.
func refOf(t *testing.T, frame []byte) protocol.Ref {
	t.Helper()
	var head struct {
		Ref protocol.Ref `json:"ref"`
	}
	if err := json.Unmarshal(frame, &head); err != nil {
		t.Fatalf("unmarshal frame: %v", err)
	}
	if head.Ref == "" {
		t.Fatal("asked command frame carries no ref")
	}
	return head.Ref
}

func TestAskResolvedByMatchingAck(t *testing.T) {
	conn := newFakeConn()
	tr, _, _ := newTestTransport(t, testOptions(), conn)
	if err := tr.Connect(context.Background()); err != nil {
		t.Fatalf("connect: %v", err)
	}

	type outcome struct {
		ack protocol.ChatReceived
		err error
	}
	done := make(chan outcome, 1)
	go func() {
		ack, err := tr.Ask(context.Background(), protocol.SendMessage{RoomID: "room-1", Body: "hi"})
		done <- outcome{ack, err}
	}()

	ref := refOf(t, <-conn.wrote)
	conn.deliver(t, protocol.ChatReceived{EventID: "ev-1", Ref: ref})

	res := <-done
	if res.err != nil {
		t.Fatalf("ask: %v", res.err)
	}
	if res.ack.EventID != "ev-1" {
		t.Errorf("ack event id = %q", res.ack.EventID)
	}
}

func TestAskResolvesExactlyOnce(t *testing.T) {
	conn := newFakeConn()
	tr, _, bus := newTestTransport(t, testOptions(), conn)
	if err := tr.Connect(context.Background()); err != nil {
		t.Fatalf("connect: %v", err)
	}

	broadcast := make(chan protocol.Event, 4)
	bus.Subscribe(func(ev protocol.Event) {
		if _, ok := ev.(protocol.ChatReceived); ok {
			broadcast <- ev
		}
	})

	done := make(chan error, 1)
	go func() {
		_, err := tr.Ask(context.Background(), protocol.SendMessage{RoomID: "room-1", Body: "hi"})
		done <- err
	}()

	ref := refOf(t, <-conn.wrote)
	conn.deliver(t, protocol.ChatReceived{EventID: "ev-1", Ref: ref})
	if err := <-done; err != nil {
		t.Fatalf("ask: %v", err)
	}

	// A second ack with the consumed ref must not resolve anything, but
	// it is still broadcast like any other event.
	conn.deliver(t, protocol.ChatReceived{EventID: "ev-dup", Ref: ref})
	for i := 0; i < 2; i++ {
		select {
		case <-broadcast:
		case <-time.After(time.Second):
			t.Fatal("duplicate ack was not broadcast")
		}
	}
}

func TestAskTimesOut(t *testing.T) {
	opts := testOptions()
	opts.AskTimeout = 30 * time.Millisecond
	conn := newFakeConn()
	tr, _, _ := newTestTransport(t, opts, conn)
	if err := tr.Connect(context.Background()); err != nil {
		t.Fatalf("connect: %v", err)
	}

	_, err := tr.Ask(context.Background(), protocol.SendMessage{RoomID: "room-1"})
	if !errors.Is(err, ErrAskTimeout) {
		t.Fatalf("err = %v, want ErrAskTimeout", err)
	}
}

func TestAskRejectedByServerError(t *testing.T) {
	conn := newFakeConn()
	tr, _, _ := newTestTransport(t, testOptions(), conn)
	if err := tr.Connect(context.Background()); err != nil {
		t.Fatalf("connect: %v", err)
	}

	done := make(chan error, 1)
	go func() {
		_, err := tr.Ask(context.Background(), protocol.SendMessage{RoomID: "room-1"})
		done <- err
	}()

	ref := refOf(t, <-conn.wrote)
	conn.deliver(t, protocol.ServerError{Reason: "room is read-only", Ref: ref})

	err := <-done
	var cmdErr *CommandError
	if !errors.As(err, &cmdErr) {
		t.Fatalf("err = %v, want *CommandError", err)
	}
	if cmdErr.Reason != "room is read-only" {
		t.Errorf("reason = %q", cmdErr.Reason)
	}
}

func TestSendAndAskWhileDisconnected(t *testing.T) {
	tr, _, _ := newTestTransport(t, testOptions())

	if err := tr.Send(protocol.InputHeartbeat{}); !errors.Is(err, ErrNotConnected) {
		t.Errorf("send err = %v, want ErrNotConnected", err)
	}
	if _, err := tr.Ask(context.Background(), protocol.SendMessage{}); !errors.Is(err, ErrNotConnected) {
		t.Errorf("ask err = %v, want ErrNotConnected", err)
	}
}

func TestDisconnectRejectsPendingAsks(t *testing.T) {
	conn := newFakeConn()
	tr, _, _ := newTestTransport(t, testOptions(), conn)
	if err := tr.Connect(context.Background()); err != nil {
		t.Fatalf("connect: %v", err)
	}

	done := make(chan error, 1)
	go func() {
		_, err := tr.Ask(context.Background(), protocol.SendMessage{RoomID: "room-1"})
		done <- err
	}()
	<-conn.wrote

	tr.Disconnect()
	if err := <-done; !errors.Is(err, ErrDisconnected) {
		t.Fatalf("err = %v, want ErrDisconnected", err)
	}
}

func TestHeartbeatEchoedAndSupervised(t *testing.T) {
	conn := newFakeConn()
	tr, _, _ := newTestTransport(t, testOptions(), conn)
	if err := tr.Connect(context.Background()); err != nil {
		t.Fatalf("connect: %v", err)
	}

	// Window is 20ms x 2 = 40ms of allowed silence.
	conn.deliver(t, protocol.Hello{DeviceID: "dev-1", HeartbeatTimeout: 20, ReconnectDelay: 1000})

	// Regular heartbeats keep the server alive well past the window.
	deadline := time.Now().Add(150 * time.Millisecond)
	for time.Now().Before(deadline) {
		conn.deliver(t, protocol.OutputHeartbeat{Timestamp: time.Now().UnixMilli()})
		select {
		case <-tr.ServerUnreachable():
			t.Fatal("serverUnreachable fired despite regular heartbeats")
		case <-time.After(15 * time.Millisecond):
		}
	}

	// Every heartbeat must have been echoed back.
	echo := <-conn.wrote
	var head struct {
		Tag string `json:"tag"`
	}
	if err := json.Unmarshal(echo, &head); err != nil {
		t.Fatalf("unmarshal echo: %v", err)
	}
	if head.Tag != protocol.TagInputHeartbeat {
		t.Errorf("echo tag = %q, want %q", head.Tag, protocol.TagInputHeartbeat)
	}

	// Silence now. The signal must fire exactly once.
	select {
	case <-tr.ServerUnreachable():
	case <-time.After(time.Second):
		t.Fatal("serverUnreachable never fired after silence")
	}
	select {
	case <-tr.ServerUnreachable():
		t.Fatal("serverUnreachable fired twice for one silence window")
	case <-time.After(100 * time.Millisecond):
	}
}

func TestReconnectHonorsServerDelayAndDeviceID(t *testing.T) {
	conn1, conn2 := newFakeConn(), newFakeConn()
	tr, dialer, _ := newTestTransport(t, testOptions(), conn1, conn2)
	if err := tr.Connect(context.Background()); err != nil {
		t.Fatalf("connect: %v", err)
	}
	first := <-dialer.dialC
	if first.deviceID != "" {
		t.Errorf("initial dial carried device id %q", first.deviceID)
	}

	conn1.deliver(t, protocol.Hello{DeviceID: "dev-1", HeartbeatTimeout: 60000, ReconnectDelay: 80})
	// Let the hello side effects land before dropping the connection.
	time.Sleep(20 * time.Millisecond)

	lost := time.Now()
	conn1.Close()

	var second dialRecord
	select {
	case second = <-dialer.dialC:
	case <-time.After(time.Second):
		t.Fatal("no reconnect attempt")
	}
	if elapsed := second.at.Sub(lost); elapsed < 80*time.Millisecond {
		t.Errorf("reconnect after %v, want at least 80ms", elapsed)
	}
	if second.deviceID != "dev-1" {
		t.Errorf("reconnect dial carried device id %q, want dev-1", second.deviceID)
	}
}

func TestReconnectRetriesAfterFailedAttempt(t *testing.T) {
	conn1 := newFakeConn()
	tr, dialer, _ := newTestTransport(t, testOptions(), conn1)
	if err := tr.Connect(context.Background()); err != nil {
		t.Fatalf("connect: %v", err)
	}
	<-dialer.dialC

	conn1.Close()

	// First attempt finds no connection and must reschedule.
	select {
	case <-dialer.dialC:
	case <-time.After(time.Second):
		t.Fatal("no reconnect attempt")
	}
	conn2 := newFakeConn()
	dialer.push(conn2)
	select {
	case <-dialer.dialC:
	case <-time.After(time.Second):
		t.Fatal("failed reconnect was not retried")
	}
}

func TestDisconnectStopsReconnection(t *testing.T) {
	conn := newFakeConn()
	tr, dialer, _ := newTestTransport(t, testOptions(), conn)
	if err := tr.Connect(context.Background()); err != nil {
		t.Fatalf("connect: %v", err)
	}
	<-dialer.dialC

	tr.Disconnect()
	time.Sleep(50 * time.Millisecond)

	if n := dialer.dialCount(); n != 1 {
		t.Errorf("dial count = %d after explicit disconnect, want 1", n)
	}
}

func TestHelloUpdatesDeviceStoreBeforeBroadcast(t *testing.T) {
	conn := newFakeConn()
	dialer := newFakeDialer(conn)
	bus := events.NewBroadcaster()
	store := &memStore{}
	tr := NewTransport(dialer, bus, store, testOptions(), zerolog.Nop())
	t.Cleanup(tr.Disconnect)

	seen := make(chan protocol.ID, 1)
	bus.Subscribe(func(ev protocol.Event) {
		if _, ok := ev.(protocol.Hello); ok {
			seen <- store.DeviceID()
		}
	})

	if err := tr.Connect(context.Background()); err != nil {
		t.Fatalf("connect: %v", err)
	}
	conn.deliver(t, protocol.Hello{DeviceID: "dev-9", HeartbeatTimeout: 60000})

	select {
	case id := <-seen:
		if id != "dev-9" {
			t.Errorf("device id at broadcast time = %q, want dev-9", id)
		}
	case <-time.After(time.Second):
		t.Fatal("hello never broadcast")
	}
}
