// Package protocol defines the Wavelet wire protocol: the tagged domain
// events pushed by the server, the commands sent by the client, and the
// JSON codec between them.
package protocol

// ID identifies a user, device, call, room or message.
type ID = string

// Ref correlates a command with the event acknowledging it.
type Ref = string

// Timestamp is a server-side wall clock value in milliseconds.
type Timestamp = int64

// Context is an opaque application payload attached to messages.
type Context map[string]any

// Metadata is an opaque application payload attached to call invitations.
type Metadata map[string]any

// Kind discriminates the call and room variants.
type Kind int

const (
	KindDirect Kind = iota
	KindGroup
	KindBusiness
)

func (k Kind) String() string {
	switch k {
	case KindDirect:
		return "direct"
	case KindGroup:
		return "group"
	case KindBusiness:
		return "business"
	default:
		return "unknown"
	}
}

// Call is the wire representation of a call entity.
type Call struct {
	ID       ID        `json:"id"`
	Created  Timestamp `json:"created"`
	Ended    Timestamp `json:"ended,omitempty"`
	Creator  ID        `json:"creator"`
	Users    []ID      `json:"users"`
	Invitees []ID      `json:"invitees,omitempty"`
	Direct   bool      `json:"direct"`
	OrgID    ID        `json:"orgId,omitempty"`
}

// Kind derives the call variant: an explicit direct flag wins, an
// organization id makes it a business call, anything else is a group call.
func (c Call) Kind() Kind {
	return kindOf(c.Direct, c.OrgID)
}

func (c Call) IsDirect() bool   { return c.Kind() == KindDirect }
func (c Call) IsBusiness() bool { return c.Kind() == KindBusiness }

// Room is the wire representation of a room entity.
type Room struct {
	ID      ID               `json:"id"`
	Name    string           `json:"name"`
	Created Timestamp        `json:"created"`
	Users   []ID             `json:"users"`
	Direct  bool             `json:"direct"`
	OrgID   ID               `json:"orgId,omitempty"`
	Marks   map[ID]Timestamp `json:"marks,omitempty"`
}

// Kind derives the room variant under the same rules as Call.Kind.
func (r Room) Kind() Kind {
	return kindOf(r.Direct, r.OrgID)
}

func (r Room) IsDirect() bool   { return r.Kind() == KindDirect }
func (r Room) IsBusiness() bool { return r.Kind() == KindBusiness }

func kindOf(direct bool, orgID ID) Kind {
	if direct {
		return KindDirect
	}
	if orgID != "" {
		return KindBusiness
	}
	return KindGroup
}

// SessionDescription is an SDP offer or answer exchanged during
// negotiation. The layout matches the W3C RTCSessionDescriptionInit
// dictionary so browser peers interoperate without translation.
type SessionDescription struct {
	Type string `json:"type"`
	SDP  string `json:"sdp"`
}

const (
	SDPOffer  = "offer"
	SDPAnswer = "answer"
)

// ICECandidate is one discovered network path, in RTCIceCandidateInit
// layout.
type ICECandidate struct {
	Candidate        string `json:"candidate"`
	SDPMid           string `json:"sdpMid,omitempty"`
	SDPMLineIndex    uint16 `json:"sdpMLineIndex,omitempty"`
	UsernameFragment string `json:"usernameFragment,omitempty"`
}

// EndReason explains why a participant left or a call ended.
type EndReason string

const (
	EndTerminated        EndReason = "terminated"
	EndTimeout           EndReason = "timeout"
	EndEnded             EndReason = "ended"
	EndHangup            EndReason = "hangup"
	EndConnectionDropped EndReason = "connection_dropped"
	EndDisconnected      EndReason = "disconnected"
	EndCallRejected      EndReason = "rejected"
	EndBusy              EndReason = "busy"
)

// HistoryFilter narrows room history queries to the given event tags
// and custom-message subtags.
type HistoryFilter struct {
	Tags    []string
	Subtags []string
}

// Paginated is one page of room history together with the paging window
// the server actually used.
type Paginated struct {
	Items  []Event
	Offset int
	Limit  int
}
