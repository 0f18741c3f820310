package room

import (
	"context"
	"sync"
	"testing"

	"github.com/rs/zerolog"

	"github.com/wavelet-im/wavelet/events"
	"github.com/wavelet-im/wavelet/protocol"
)

type fakeAPI struct {
	mu      sync.Mutex
	joined  []protocol.ID
	left    []protocol.ID
	invited []protocol.ID

	lastPage protocol.Paginated
	lastReq  struct {
		count, offset, limit int
		filter               *protocol.HistoryFilter
	}
}

func (a *fakeAPI) GetRoomUsers(_ context.Context, _ protocol.ID) ([]protocol.ID, error) {
	return nil, nil
}

func (a *fakeAPI) GetRoomHistoryLast(_ context.Context, _ protocol.ID, count int, filter *protocol.HistoryFilter) (protocol.Paginated, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.lastReq.count = count
	a.lastReq.filter = filter
	return a.lastPage, nil
}

func (a *fakeAPI) GetRoomHistoryPage(_ context.Context, _ protocol.ID, offset, limit int, filter *protocol.HistoryFilter) (protocol.Paginated, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.lastReq.offset = offset
	a.lastReq.limit = limit
	a.lastReq.filter = filter
	return a.lastPage, nil
}

func (a *fakeAPI) JoinRoom(_ context.Context, id protocol.ID) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.joined = append(a.joined, id)
	return nil
}

func (a *fakeAPI) LeaveRoom(_ context.Context, id protocol.ID) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.left = append(a.left, id)
	return nil
}

func (a *fakeAPI) InviteToRoom(_ context.Context, _ protocol.ID, userID protocol.ID) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.invited = append(a.invited, userID)
	return nil
}

type fakeTransport struct {
	mu    sync.Mutex
	sent  []protocol.Command
	asked []protocol.Command
	ack   protocol.ChatReceived
}

func (t *fakeTransport) Send(cmd protocol.Command) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.sent = append(t.sent, cmd)
	return nil
}

func (t *fakeTransport) Ask(_ context.Context, cmd protocol.Command) (protocol.ChatReceived, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.asked = append(t.asked, cmd)
	return t.ack, nil
}

func groupWire() protocol.Room {
	return protocol.Room{
		ID:      "room-1",
		Name:    "engineering",
		Created: 1000,
		Users:   []protocol.ID{"alice"},
	}
}

func newTestRoom(wire protocol.Room, self protocol.ID) (*Room, *fakeAPI, *fakeTransport, *events.Broadcaster) {
	api := &fakeAPI{}
	transport := &fakeTransport{}
	bus := events.NewBroadcaster()
	r := New(wire, self, api, transport, bus, zerolog.Nop())
	return r, api, transport, bus
}

func TestParticipantMaintenance(t *testing.T) {
	r, _, _, bus := newTestRoom(groupWire(), "alice")

	joined := protocol.RoomJoined{RoomScope: protocol.RoomScope{RoomID: "room-1", AuthorID: "bob"}}
	bus.Publish(joined)
	bus.Publish(joined)

	users := r.Users()
	bobs := 0
	for _, u := range users {
		if u == "bob" {
			bobs++
		}
	}
	if bobs != 1 {
		t.Fatalf("bob cached %d times, want 1", bobs)
	}

	bus.Publish(protocol.RoomLeft{
		RoomScope: protocol.RoomScope{RoomID: "room-1", AuthorID: "alice"},
		Reason:    protocol.EndHangup,
	})

	users = r.Users()
	if len(users) != 1 || users[0] != "bob" {
		t.Fatalf("users = %v, want only bob", users)
	}
}

func TestMarksAdvanceMonotonically(t *testing.T) {
	r, _, _, bus := newTestRoom(groupWire(), "alice")

	bus.Publish(protocol.RoomMarkSent{RoomScope: protocol.RoomScope{RoomID: "room-1", AuthorID: "bob", Timestamp: 500}})
	if got := r.Mark("bob"); got != 500 {
		t.Fatalf("mark = %d, want 500", got)
	}

	// A stale mark event must not move the high-water mark backwards.
	bus.Publish(protocol.RoomMarkSent{RoomScope: protocol.RoomScope{RoomID: "room-1", AuthorID: "bob", Timestamp: 300}})
	if got := r.Mark("bob"); got != 500 {
		t.Errorf("mark regressed to %d", got)
	}

	bus.Publish(protocol.RoomMarkSent{RoomScope: protocol.RoomScope{RoomID: "room-1", AuthorID: "bob", Timestamp: 900}})
	if got := r.Mark("bob"); got != 900 {
		t.Errorf("mark = %d, want 900", got)
	}
}

func TestSetMarkIsOptimistic(t *testing.T) {
	r, _, transport, _ := newTestRoom(groupWire(), "alice")

	if err := r.SetMark(1234); err != nil {
		t.Fatalf("set mark: %v", err)
	}

	// Local read position is visible before any server confirmation.
	if got := r.Mark("alice"); got != 1234 {
		t.Errorf("local mark = %d, want 1234", got)
	}
	transport.mu.Lock()
	defer transport.mu.Unlock()
	if len(transport.sent) != 1 {
		t.Fatalf("sent %d commands, want 1", len(transport.sent))
	}
	mark, ok := transport.sent[0].(protocol.SendMark)
	if !ok || mark.RoomID != "room-1" || mark.Timestamp != 1234 {
		t.Errorf("sent = %+v", transport.sent[0])
	}
}

func TestSendGoesThroughAsk(t *testing.T) {
	r, _, transport, _ := newTestRoom(groupWire(), "alice")
	transport.ack = protocol.ChatReceived{EventID: "ev-1"}

	ack, err := r.Send(context.Background(), "hello", protocol.Context{"k": "v"})
	if err != nil {
		t.Fatalf("send: %v", err)
	}
	if ack.EventID != "ev-1" {
		t.Errorf("ack = %+v", ack)
	}

	transport.mu.Lock()
	defer transport.mu.Unlock()
	msg, ok := transport.asked[0].(protocol.SendMessage)
	if !ok || msg.RoomID != "room-1" || msg.Body != "hello" {
		t.Errorf("asked = %+v", transport.asked[0])
	}
}

func TestSendCustomCarriesSubtag(t *testing.T) {
	r, _, transport, _ := newTestRoom(groupWire(), "alice")

	if _, err := r.SendCustom(context.Background(), "{}", "poll", nil); err != nil {
		t.Fatalf("send custom: %v", err)
	}

	transport.mu.Lock()
	defer transport.mu.Unlock()
	msg, ok := transport.asked[0].(protocol.SendCustomMessage)
	if !ok || msg.Subtag != "poll" {
		t.Errorf("asked = %+v", transport.asked[0])
	}
}

func TestTypingAndDeliveryAreFireAndForget(t *testing.T) {
	r, _, transport, _ := newTestRoom(groupWire(), "alice")

	if err := r.IndicateTyping("he"); err != nil {
		t.Fatalf("typing: %v", err)
	}
	if err := r.SetDelivered("msg-1"); err != nil {
		t.Fatalf("delivered: %v", err)
	}

	transport.mu.Lock()
	defer transport.mu.Unlock()
	if len(transport.asked) != 0 {
		t.Errorf("indicators went through ask: %v", transport.asked)
	}
	if len(transport.sent) != 2 {
		t.Fatalf("sent %d commands, want 2", len(transport.sent))
	}
	if _, ok := transport.sent[0].(protocol.SendTyping); !ok {
		t.Errorf("first command = %+v", transport.sent[0])
	}
	delivery, ok := transport.sent[1].(protocol.ConfirmMessageDelivery)
	if !ok || delivery.MessageID != "msg-1" {
		t.Errorf("second command = %+v", transport.sent[1])
	}
}

func TestDirectRoomRefusesGroupOperations(t *testing.T) {
	wire := protocol.Room{ID: "room-d", Users: []protocol.ID{"alice", "bob"}, Direct: true}
	r, _, _, _ := newTestRoom(wire, "alice")

	ctx := context.Background()
	if err := r.Join(ctx); err != ErrDirectRoom {
		t.Errorf("join err = %v, want ErrDirectRoom", err)
	}
	if err := r.Leave(ctx); err != ErrDirectRoom {
		t.Errorf("leave err = %v, want ErrDirectRoom", err)
	}
	if err := r.Invite(ctx, "chad"); err != ErrDirectRoom {
		t.Errorf("invite err = %v, want ErrDirectRoom", err)
	}
}

func TestBusinessRoomHasGroupSurface(t *testing.T) {
	wire := protocol.Room{ID: "room-b", OrgID: "org-1", Users: []protocol.ID{"alice"}}
	r, api, _, _ := newTestRoom(wire, "alice")

	if !r.IsBusiness() {
		t.Fatal("room with org id should be business")
	}
	if err := r.Invite(context.Background(), "bob"); err != nil {
		t.Fatalf("invite: %v", err)
	}
	if len(api.invited) != 1 || api.invited[0] != "bob" {
		t.Errorf("invited = %v", api.invited)
	}
}

func TestHistoryDelegatesToAPI(t *testing.T) {
	r, api, _, _ := newTestRoom(groupWire(), "alice")
	api.lastPage = protocol.Paginated{Offset: 40, Limit: 20}

	filter := &protocol.HistoryFilter{Tags: []string{protocol.TagRoomMessageSent}}
	page, err := r.GetMessages(context.Background(), 40, 20, filter)
	if err != nil {
		t.Fatalf("get messages: %v", err)
	}
	if page.Offset != 40 || page.Limit != 20 {
		t.Errorf("page = %+v", page)
	}
	if api.lastReq.offset != 40 || api.lastReq.limit != 20 || api.lastReq.filter != filter {
		t.Errorf("request = %+v", api.lastReq)
	}

	if _, err := r.GetLatestMessages(context.Background(), 25, nil); err != nil {
		t.Fatalf("latest: %v", err)
	}
	if api.lastReq.count != 25 {
		t.Errorf("count = %d, want 25", api.lastReq.count)
	}
}

func TestCustomMessageStreamFiltersSubtag(t *testing.T) {
	r, _, _, bus := newTestRoom(groupWire(), "alice")

	var got []string
	r.OnCustomMessage("poll", func(e protocol.RoomCustomMessageSent) {
		got = append(got, e.Message)
	})

	scope := protocol.RoomScope{RoomID: "room-1", AuthorID: "bob"}
	bus.Publish(protocol.RoomCustomMessageSent{RoomScope: scope, Subtag: "poll", Message: "q1"})
	bus.Publish(protocol.RoomCustomMessageSent{RoomScope: scope, Subtag: "reaction", Message: "x"})
	bus.Publish(protocol.RoomCustomMessageSent{RoomScope: protocol.RoomScope{RoomID: "room-2", AuthorID: "bob"}, Subtag: "poll", Message: "other"})

	if len(got) != 1 || got[0] != "q1" {
		t.Fatalf("received %v, want only q1", got)
	}
}
