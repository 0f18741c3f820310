package rest

import (
	"context"
	"net/url"
	"strconv"

	"github.com/wavelet-im/wavelet/protocol"
)

// Calls.

// CreateCall opens a group call with the given initial participants.
func (c *Client) CreateCall(ctx context.Context, users []protocol.ID, metadata protocol.Metadata) (protocol.Call, error) {
	body := struct {
		Users    []protocol.ID     `json:"users"`
		Metadata protocol.Metadata `json:"metadata,omitempty"`
	}{Users: users, Metadata: metadata}
	var call protocol.Call
	err := c.post(ctx, "calls", body, &call)
	return call, err
}

// CreateDirectCall opens a two-party call with peer. timeoutSeconds, if
// positive, bounds how long the invitation stays pending server-side.
func (c *Client) CreateDirectCall(ctx context.Context, peer protocol.ID, timeoutSeconds int, metadata protocol.Metadata) (protocol.Call, error) {
	body := struct {
		Peer     protocol.ID       `json:"peer"`
		Timeout  int               `json:"timeout,omitempty"`
		Metadata protocol.Metadata `json:"metadata,omitempty"`
	}{Peer: peer, Timeout: timeoutSeconds, Metadata: metadata}
	var call protocol.Call
	err := c.post(ctx, "calls", body, &call)
	return call, err
}

func (c *Client) GetCall(ctx context.Context, id protocol.ID) (protocol.Call, error) {
	var call protocol.Call
	err := c.get(ctx, "calls/"+id, nil, &call)
	return call, err
}

func (c *Client) GetCalls(ctx context.Context) ([]protocol.Call, error) {
	var calls []protocol.Call
	err := c.get(ctx, "calls", nil, &calls)
	return calls, err
}

func (c *Client) GetActiveCalls(ctx context.Context) ([]protocol.Call, error) {
	var calls []protocol.Call
	err := c.get(ctx, "calls/active", nil, &calls)
	return calls, err
}

func (c *Client) GetCallsWithPendingInvitations(ctx context.Context) ([]protocol.Call, error) {
	var calls []protocol.Call
	err := c.get(ctx, "calls/pending-invitation", nil, &calls)
	return calls, err
}

// GetCallUsers returns the authoritative current participant list.
func (c *Client) GetCallUsers(ctx context.Context, id protocol.ID) ([]protocol.ID, error) {
	var users []protocol.ID
	err := c.get(ctx, "calls/"+id+"/users", nil, &users)
	return users, err
}

func (c *Client) GetCallHistory(ctx context.Context, id protocol.ID) ([]protocol.Event, error) {
	page, err := c.getPaginated(ctx, "calls/"+id+"/history", nil)
	if err != nil {
		return nil, err
	}
	return page.Items, nil
}

func (c *Client) AnswerCall(ctx context.Context, id protocol.ID) error {
	return c.post(ctx, "calls/"+id+"/answer", nil, nil)
}

func (c *Client) RejectCall(ctx context.Context, id protocol.ID, reason protocol.EndReason) error {
	body := struct {
		Reason protocol.EndReason `json:"reason"`
	}{Reason: reason}
	return c.post(ctx, "calls/"+id+"/reject", body, nil)
}

func (c *Client) JoinCall(ctx context.Context, id protocol.ID) error {
	return c.post(ctx, "calls/"+id+"/join", nil, nil)
}

// PullCall moves an in-progress call from another of this user's devices
// onto the current one.
func (c *Client) PullCall(ctx context.Context, id protocol.ID) error {
	return c.post(ctx, "calls/"+id+"/pull", nil, nil)
}

func (c *Client) LeaveCall(ctx context.Context, id protocol.ID, reason protocol.EndReason) error {
	body := struct {
		Reason protocol.EndReason `json:"reason"`
	}{Reason: reason}
	return c.post(ctx, "calls/"+id+"/leave", body, nil)
}

func (c *Client) InviteToCall(ctx context.Context, callID, userID protocol.ID) error {
	return c.post(ctx, "calls/"+callID+"/invite/"+userID, nil, nil)
}

// Rooms.

func (c *Client) CreateRoom(ctx context.Context, name string) (protocol.Room, error) {
	body := struct {
		Name string `json:"name"`
	}{Name: name}
	var room protocol.Room
	err := c.post(ctx, "rooms", body, &room)
	return room, err
}

func (c *Client) CreateDirectRoom(ctx context.Context, peer protocol.ID, roomContext protocol.Context) (protocol.Room, error) {
	body := struct {
		Peer    protocol.ID      `json:"peer"`
		Context protocol.Context `json:"context,omitempty"`
	}{Peer: peer, Context: roomContext}
	var room protocol.Room
	err := c.post(ctx, "rooms", body, &room)
	return room, err
}

func (c *Client) GetRoom(ctx context.Context, id protocol.ID) (protocol.Room, error) {
	var room protocol.Room
	err := c.get(ctx, "rooms/"+id, nil, &room)
	return room, err
}

func (c *Client) GetRooms(ctx context.Context) ([]protocol.Room, error) {
	var rooms []protocol.Room
	err := c.get(ctx, "rooms", nil, &rooms)
	return rooms, err
}

// GetRoster returns the rooms with unread activity for this user.
func (c *Client) GetRoster(ctx context.Context) ([]protocol.Room, error) {
	var rooms []protocol.Room
	err := c.get(ctx, "rooms/unread", nil, &rooms)
	return rooms, err
}

func (c *Client) GetRoomUsers(ctx context.Context, id protocol.ID) ([]protocol.ID, error) {
	var users []protocol.ID
	err := c.get(ctx, "rooms/"+id+"/users", nil, &users)
	return users, err
}

// GetRoomHistoryLast fetches the newest count events, optionally
// filtered by tag and custom-message subtag.
func (c *Client) GetRoomHistoryLast(ctx context.Context, id protocol.ID, count int, filter *protocol.HistoryFilter) (protocol.Paginated, error) {
	query := url.Values{}
	query.Set("count", strconv.Itoa(count))
	applyFilter(query, filter)
	return c.getPaginated(ctx, "rooms/"+id+"/history/last", query)
}

// GetRoomHistoryPage fetches one page of events starting at offset.
func (c *Client) GetRoomHistoryPage(ctx context.Context, id protocol.ID, offset, limit int, filter *protocol.HistoryFilter) (protocol.Paginated, error) {
	query := url.Values{}
	query.Set("offset", strconv.Itoa(offset))
	query.Set("limit", strconv.Itoa(limit))
	applyFilter(query, filter)
	return c.getPaginated(ctx, "rooms/"+id+"/history/page", query)
}

func (c *Client) JoinRoom(ctx context.Context, id protocol.ID) error {
	return c.post(ctx, "rooms/"+id+"/join", nil, nil)
}

func (c *Client) LeaveRoom(ctx context.Context, id protocol.ID) error {
	return c.post(ctx, "rooms/"+id+"/leave", nil, nil)
}

func (c *Client) InviteToRoom(ctx context.Context, roomID, userID protocol.ID) error {
	return c.post(ctx, "rooms/"+roomID+"/invite/"+userID, nil, nil)
}

// Push notifications.

func (c *Client) RegisterPushDevice(ctx context.Context, pushID protocol.ID) error {
	body := struct {
		PushID protocol.ID `json:"pushId"`
	}{PushID: pushID}
	return c.post(ctx, "push/register", body, nil)
}

func (c *Client) UnregisterPushDevice(ctx context.Context, pushID protocol.ID) error {
	return c.delete(ctx, "push/unregister/"+pushID)
}

func applyFilter(query url.Values, filter *protocol.HistoryFilter) {
	if filter == nil {
		return
	}
	for _, tag := range filter.Tags {
		query.Add("filter.tag", tag)
	}
	for _, subtag := range filter.Subtags {
		query.Add("filter.subtag", subtag)
	}
}
