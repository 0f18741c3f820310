package protocol

import "encoding/json"

// Event is one server-pushed domain event. The set of variants is
// closed: every wire tag decodes to exactly one struct in this package,
// and tags the decoder does not recognize come back as Unknown so the
// caller can surface them instead of dropping them.
type Event interface {
	Tag() string
	domainEvent()
}

// RoomEvent is implemented by every event scoped to a single room.
type RoomEvent interface {
	Event
	Room() ID
	Author() ID
}

// CallEvent is implemented by every event scoped to a single call.
type CallEvent interface {
	Event
	Call() ID
}

// Event tags, as they appear on the wire.
const (
	TagHello           = "hello"
	TagOutputHeartbeat = "output_heartbeat"

	TagRoomCreated           = "room_created"
	TagRoomInvited           = "room_invited"
	TagRoomJoined            = "room_joined"
	TagRoomLeft              = "room_left"
	TagRoomMessageSent       = "room_message_sent"
	TagRoomCustomMessageSent = "room_custom_message_sent"
	TagRoomTypingSent        = "room_typing_sent"
	TagRoomMarkSent          = "room_mark_sent"
	TagRoomMessageDelivered  = "room_message_delivered"
	TagRoomMessageUpdated    = "room_message_updated"

	TagCallCreated         = "call_created"
	TagCallInvited         = "call_invited"
	TagCallAnswered        = "call_answered"
	TagCallJoined          = "call_joined"
	TagCallLeft            = "call_left"
	TagCallRejected        = "call_rejected"
	TagCallEnded           = "call_ended"
	TagCallHandledOnDevice = "call_handled_on_device"
	TagDeviceOnline        = "device_online"
	TagDeviceOffline       = "device_offline"
	TagAudioStreamToggled  = "audio_stream_toggled"
	TagVideoStreamToggled  = "video_stream_toggled"

	TagDescriptionSent = "rtc_description_sent"
	TagCandidateSent   = "rtc_candidate_sent"

	TagChatReceived = "chat_received"
	TagError        = "error"
)

// Server events.

// Hello opens every control-connection session. Besides greeting, it
// assigns the device id and declares the heartbeat and reconnection
// timings the client must honor.
type Hello struct {
	DeviceID         ID        `json:"deviceId"`
	Timestamp        Timestamp `json:"timestamp"`
	HeartbeatTimeout int64     `json:"heartbeatTimeout"`
	ReconnectDelay   int64     `json:"reconnectDelayMs"`
}

func (Hello) Tag() string  { return TagHello }
func (Hello) domainEvent() {}

// OutputHeartbeat is the server's periodic liveness probe. The client
// echoes it with an InputHeartbeat command.
type OutputHeartbeat struct {
	Timestamp Timestamp `json:"timestamp"`
}

func (OutputHeartbeat) Tag() string  { return TagOutputHeartbeat }
func (OutputHeartbeat) domainEvent() {}

// Room events. All carry the owning room id, the acting user and the
// server timestamp.

type RoomScope struct {
	RoomID    ID        `json:"roomId"`
	AuthorID  ID        `json:"authorId"`
	Timestamp Timestamp `json:"timestamp"`
}

func (s RoomScope) Room() ID     { return s.RoomID }
func (s RoomScope) Author() ID   { return s.AuthorID }
func (RoomScope) domainEvent()   {}

type RoomCreated struct {
	RoomScope
}

func (RoomCreated) Tag() string { return TagRoomCreated }

type RoomInvited struct {
	RoomScope
	Invitee ID `json:"invitee"`
}

func (RoomInvited) Tag() string { return TagRoomInvited }

type RoomJoined struct {
	RoomScope
}

func (RoomJoined) Tag() string { return TagRoomJoined }

type RoomLeft struct {
	RoomScope
	Reason EndReason `json:"endReason"`
}

func (RoomLeft) Tag() string { return TagRoomLeft }

type RoomMessageSent struct {
	RoomScope
	Message   string  `json:"message"`
	MessageID ID      `json:"messageId"`
	Context   Context `json:"context,omitempty"`
}

func (RoomMessageSent) Tag() string { return TagRoomMessageSent }

type RoomCustomMessageSent struct {
	RoomScope
	Subtag    string  `json:"subtag"`
	Message   string  `json:"message"`
	MessageID ID      `json:"messageId"`
	Context   Context `json:"context,omitempty"`
}

func (RoomCustomMessageSent) Tag() string { return TagRoomCustomMessageSent }

type RoomTypingSent struct {
	RoomScope
}

func (RoomTypingSent) Tag() string { return TagRoomTypingSent }

// RoomMarkSent advances the author's high-water mark to Timestamp.
type RoomMarkSent struct {
	RoomScope
}

func (RoomMarkSent) Tag() string { return TagRoomMarkSent }

type RoomMessageDelivered struct {
	RoomScope
	MessageID ID `json:"messageId"`
}

func (RoomMessageDelivered) Tag() string { return TagRoomMessageDelivered }

type RoomMessageUpdated struct {
	RoomScope
	MessageID ID     `json:"messageId"`
	Message   string `json:"message"`
}

func (RoomMessageUpdated) Tag() string { return TagRoomMessageUpdated }

// Call events.

type CallScope struct {
	CallID    ID        `json:"callId"`
	Timestamp Timestamp `json:"timestamp"`
}

func (s CallScope) Call() ID   { return s.CallID }
func (CallScope) domainEvent() {}

type CallCreated struct {
	CallScope
	AuthorID ID `json:"authorId"`
}

func (CallCreated) Tag() string { return TagCallCreated }

type CallInvited struct {
	CallScope
	AuthorID ID       `json:"authorId"`
	Invitee  ID       `json:"invitee"`
	Metadata Metadata `json:"metadata,omitempty"`
}

func (CallInvited) Tag() string { return TagCallInvited }

type CallAnswered struct {
	CallScope
	AuthorID ID `json:"authorId"`
}

func (CallAnswered) Tag() string { return TagCallAnswered }

type CallJoined struct {
	CallScope
	AuthorID ID `json:"authorId"`
}

func (CallJoined) Tag() string { return TagCallJoined }

type CallLeft struct {
	CallScope
	AuthorID ID        `json:"authorId"`
	Reason   EndReason `json:"reason"`
}

func (CallLeft) Tag() string { return TagCallLeft }

type CallRejected struct {
	CallScope
	AuthorID ID        `json:"authorId"`
	Reason   EndReason `json:"reason"`
}

func (CallRejected) Tag() string { return TagCallRejected }

type CallEnded struct {
	CallScope
	Reason EndReason `json:"reason"`
}

func (CallEnded) Tag() string { return TagCallEnded }

// CallHandledOnDevice reports that another device of this user took the
// call; the local side must release its peer connections.
type CallHandledOnDevice struct {
	CallScope
	AuthorID ID `json:"authorId"`
	Device   ID `json:"device"`
}

func (CallHandledOnDevice) Tag() string { return TagCallHandledOnDevice }

type DeviceOnline struct {
	CallScope
	UserID   ID `json:"userId"`
	DeviceID ID `json:"deviceId"`
}

func (DeviceOnline) Tag() string { return TagDeviceOnline }

type DeviceOffline struct {
	CallScope
	UserID   ID `json:"userId"`
	DeviceID ID `json:"deviceId"`
}

func (DeviceOffline) Tag() string { return TagDeviceOffline }

type AudioStreamToggled struct {
	CallScope
	UserID  ID   `json:"userId"`
	Enabled bool `json:"enabled"`
}

func (AudioStreamToggled) Tag() string { return TagAudioStreamToggled }

type VideoStreamToggled struct {
	CallScope
	UserID  ID     `json:"userId"`
	Enabled bool   `json:"enabled"`
	Content string `json:"content,omitempty"`
}

func (VideoStreamToggled) Tag() string { return TagVideoStreamToggled }

// Signaling events. Sender names the remote peer the payload originates
// from; the pool routes on it.

type DescriptionSent struct {
	CallID ID                 `json:"callId"`
	Sender ID                 `json:"sender"`
	SDP    SessionDescription `json:"sdp"`
}

func (DescriptionSent) Tag() string  { return TagDescriptionSent }
func (DescriptionSent) domainEvent() {}
func (e DescriptionSent) Call() ID   { return e.CallID }

type CandidateSent struct {
	CallID    ID           `json:"callId"`
	Sender    ID           `json:"sender"`
	Candidate ICECandidate `json:"candidate"`
}

func (CandidateSent) Tag() string  { return TagCandidateSent }
func (CandidateSent) domainEvent() {}
func (e CandidateSent) Call() ID   { return e.CallID }

// Chat events.

// NormalizedMessage is the archived form of a sent message, echoed back
// inside ChatReceived.
type NormalizedMessage struct {
	ID        ID              `json:"id"`
	AuthorID  ID              `json:"authorId"`
	ChannelID ID              `json:"channelId"`
	Tag       string          `json:"tag"`
	Data      json.RawMessage `json:"data,omitempty"`
	Timestamp Timestamp       `json:"timestamp"`
}

// ChatReceived acknowledges a SendMessage or SendCustomMessage command;
// Ref carries the correlation id the command was sent with.
type ChatReceived struct {
	EventID ID                `json:"eventId"`
	Message NormalizedMessage `json:"message"`
	Ref     Ref               `json:"ref,omitempty"`
}

func (ChatReceived) Tag() string  { return TagChatReceived }
func (ChatReceived) domainEvent() {}

// ServerError is a structured failure pushed by the server. When it
// answers an asked command it carries that command's ref.
type ServerError struct {
	Reason string `json:"reason"`
	Ref    Ref    `json:"ref,omitempty"`
}

func (ServerError) Tag() string  { return TagError }
func (ServerError) domainEvent() {}

// Unknown preserves an event whose tag this client does not recognize.
type Unknown struct {
	WireTag string
	Raw     json.RawMessage
}

func (e Unknown) Tag() string { return e.WireTag }
func (Unknown) domainEvent()  {}
