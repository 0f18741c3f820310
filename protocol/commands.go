package protocol

// Command is one client→server message. Commands sent through the ask
// flow additionally carry a ref, injected by the codec so command values
// themselves stay immutable.
type Command interface {
	Tag() string
	domainCommand()
}

// Command tags.
const (
	TagSendMessage            = "room_send_message"
	TagSendCustomMessage      = "room_send_custom_message"
	TagSendTyping             = "room_send_typing"
	TagSendMark               = "room_send_mark"
	TagConfirmMessageDelivery = "room_confirm_message_delivery"

	TagSendDescription = "rtc_send_description"
	TagSendCandidate   = "rtc_send_candidate"

	TagAudioStreamToggle = "audio_stream_toggle"
	TagVideoStreamToggle = "video_stream_toggle"

	TagInputHeartbeat = "input_heartbeat"
)

// Room commands.

type SendMessage struct {
	RoomID  ID      `json:"roomId"`
	Body    string  `json:"body"`
	Context Context `json:"context"`
}

func (SendMessage) Tag() string    { return TagSendMessage }
func (SendMessage) domainCommand() {}

type SendCustomMessage struct {
	RoomID  ID      `json:"roomId"`
	Body    string  `json:"body"`
	Subtag  string  `json:"subtag"`
	Context Context `json:"context"`
}

func (SendCustomMessage) Tag() string    { return TagSendCustomMessage }
func (SendCustomMessage) domainCommand() {}

type SendTyping struct {
	RoomID ID     `json:"roomId"`
	Body   string `json:"body,omitempty"`
}

func (SendTyping) Tag() string    { return TagSendTyping }
func (SendTyping) domainCommand() {}

type SendMark struct {
	RoomID    ID        `json:"roomId"`
	Timestamp Timestamp `json:"timestamp"`
}

func (SendMark) Tag() string    { return TagSendMark }
func (SendMark) domainCommand() {}

type ConfirmMessageDelivery struct {
	RoomID    ID        `json:"roomId"`
	MessageID ID        `json:"eventId"`
	Timestamp Timestamp `json:"timestamp"`
}

func (ConfirmMessageDelivery) Tag() string    { return TagConfirmMessageDelivery }
func (ConfirmMessageDelivery) domainCommand() {}

// Signaling commands. Peer names the remote participant the payload is
// addressed to.

type SendDescription struct {
	CallID ID                 `json:"callId"`
	Peer   ID                 `json:"peer"`
	SDP    SessionDescription `json:"sdp"`
}

func (SendDescription) Tag() string    { return TagSendDescription }
func (SendDescription) domainCommand() {}

type SendCandidate struct {
	CallID    ID           `json:"callId"`
	Peer      ID           `json:"peer"`
	Candidate ICECandidate `json:"iceCandidate"`
}

func (SendCandidate) Tag() string    { return TagSendCandidate }
func (SendCandidate) domainCommand() {}

// Call commands.

type AudioStreamToggle struct {
	CallID    ID        `json:"callId"`
	Enabled   bool      `json:"enabled"`
	Timestamp Timestamp `json:"timestamp"`
}

func (AudioStreamToggle) Tag() string    { return TagAudioStreamToggle }
func (AudioStreamToggle) domainCommand() {}

type VideoStreamToggle struct {
	CallID    ID        `json:"callId"`
	Enabled   bool      `json:"enabled"`
	Timestamp Timestamp `json:"timestamp"`
	Content   string    `json:"content,omitempty"`
}

func (VideoStreamToggle) Tag() string    { return TagVideoStreamToggle }
func (VideoStreamToggle) domainCommand() {}

// Server commands.

type InputHeartbeat struct {
	Timestamp Timestamp `json:"timestamp"`
}

func (InputHeartbeat) Tag() string    { return TagInputHeartbeat }
func (InputHeartbeat) domainCommand() {}
