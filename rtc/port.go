// Package rtc negotiates peer-to-peer media connections for a call: one
// facade per remote participant, pooled per call, driven by the
// signaling event stream.
package rtc

import (
	"errors"

	"github.com/wavelet-im/wavelet/protocol"
)

var (
	// ErrUnknownPeer is reported when a signaling payload names a peer
	// the pool has no connection for and none may be created.
	ErrUnknownPeer = errors.New("rtc: unknown peer")
	// ErrNoSender is returned by ReplaceTrackByKind when no outbound
	// track of the requested kind exists.
	ErrNoSender = errors.New("rtc: no sender for track kind")
)

// Track is one media track, local or remote. Kind is "audio" or
// "video".
type Track interface {
	ID() string
	Kind() string
}

// ICEState mirrors the underlying primitive's ICE connection states.
type ICEState string

const (
	ICENew          ICEState = "new"
	ICEChecking     ICEState = "checking"
	ICEConnected    ICEState = "connected"
	ICECompleted    ICEState = "completed"
	ICEFailed       ICEState = "failed"
	ICEDisconnected ICEState = "disconnected"
	ICEClosed       ICEState = "closed"
)

// ConnectionStatus is the coarse per-peer state surfaced to callers.
type ConnectionStatus int

const (
	StatusConnected ConnectionStatus = iota
	StatusDisconnected
	StatusFailed
)

func (s ConnectionStatus) String() string {
	switch s {
	case StatusConnected:
		return "connected"
	case StatusDisconnected:
		return "disconnected"
	case StatusFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// DataChannelState mirrors the reliable channel's lifecycle.
type DataChannelState int

const (
	ChannelConnecting DataChannelState = iota
	ChannelOpen
	ChannelClosing
	ChannelClosed
)

// DataChannel is the reliable ordered peer-to-peer message channel
// negotiated alongside the media connection.
type DataChannel interface {
	Send(msg string) error
	ReadyState() DataChannelState
	OnOpen(func())
	OnMessage(func(msg string))
}

// Sender is one outbound track attachment.
type Sender interface {
	Track() Track
	ReplaceTrack(Track) error
}

// PeerConnection is the media-negotiation primitive behind a facade.
// The production implementation wraps pion's RTCPeerConnection; tests
// substitute an in-memory double. Callback registration must happen
// before negotiation starts.
type PeerConnection interface {
	CreateOffer() (protocol.SessionDescription, error)
	CreateAnswer() (protocol.SessionDescription, error)
	SetLocalDescription(protocol.SessionDescription) error
	SetRemoteDescription(protocol.SessionDescription) error
	AddICECandidate(protocol.ICECandidate) error

	AddTrack(Track) error
	RemoveTrack(Track) error
	Senders() []Sender

	// CreateDataChannel opens the pre-negotiated reliable channel both
	// sides attach to under the same label.
	CreateDataChannel(label string) (DataChannel, error)

	OnICECandidate(func(protocol.ICECandidate))
	OnTrack(func(Track))
	OnICEConnectionStateChange(func(ICEState))

	Close() error
}

// Engine creates peer connections. It is the injection point for the
// media-transport primitive.
type Engine interface {
	NewPeerConnection() (PeerConnection, error)
}

// Signaler carries negotiation payloads back to the remote peer over
// the control connection.
type Signaler interface {
	SendDescription(callID, peerID protocol.ID, sdp protocol.SessionDescription) error
	SendCandidate(callID, peerID protocol.ID, candidate protocol.ICECandidate) error
}
