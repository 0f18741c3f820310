package rtc

import (
	"errors"
	"fmt"

	"github.com/pion/webrtc/v4"

	"github.com/wavelet-im/wavelet/protocol"
)

// PionEngine creates peer connections backed by pion/webrtc.
type PionEngine struct {
	config webrtc.Configuration
}

// NewPionEngine builds the production media engine. iceServers are STUN
// or TURN URLs handed to every peer connection.
func NewPionEngine(iceServers []string) *PionEngine {
	config := webrtc.Configuration{}
	if len(iceServers) > 0 {
		config.ICEServers = []webrtc.ICEServer{{URLs: iceServers}}
	}
	return &PionEngine{config: config}
}

func (e *PionEngine) NewPeerConnection() (PeerConnection, error) {
	pc, err := webrtc.NewPeerConnection(e.config)
	if err != nil {
		return nil, fmt.Errorf("rtc: pion peer connection: %w", err)
	}
	return &pionConn{pc: pc, senders: make(map[string]*webrtc.RTPSender)}, nil
}

// NewLocalTrack adapts a pion local track for use with AddTrack and
// ReplaceTrackByKind.
func NewLocalTrack(track webrtc.TrackLocal) Track {
	return pionLocalTrack{track: track}
}

type pionLocalTrack struct {
	track webrtc.TrackLocal
}

func (t pionLocalTrack) ID() string   { return t.track.ID() }
func (t pionLocalTrack) Kind() string { return t.track.Kind().String() }

type pionRemoteTrack struct {
	track *webrtc.TrackRemote
}

func (t pionRemoteTrack) ID() string   { return t.track.ID() }
func (t pionRemoteTrack) Kind() string { return t.track.Kind().String() }

// Remote returns the underlying pion track for media consumption.
func (t pionRemoteTrack) Remote() *webrtc.TrackRemote { return t.track }

type pionConn struct {
	pc *webrtc.PeerConnection
	// senders tracks which RTPSender carries which local track id, so
	// RemoveTrack can resolve a Track back to its attachment.
	senders map[string]*webrtc.RTPSender
}

func (c *pionConn) CreateOffer() (protocol.SessionDescription, error) {
	offer, err := c.pc.CreateOffer(nil)
	if err != nil {
		return protocol.SessionDescription{}, err
	}
	return fromPionSDP(offer), nil
}

func (c *pionConn) CreateAnswer() (protocol.SessionDescription, error) {
	answer, err := c.pc.CreateAnswer(nil)
	if err != nil {
		return protocol.SessionDescription{}, err
	}
	return fromPionSDP(answer), nil
}

func (c *pionConn) SetLocalDescription(sdp protocol.SessionDescription) error {
	return c.pc.SetLocalDescription(toPionSDP(sdp))
}

func (c *pionConn) SetRemoteDescription(sdp protocol.SessionDescription) error {
	return c.pc.SetRemoteDescription(toPionSDP(sdp))
}

func (c *pionConn) AddICECandidate(candidate protocol.ICECandidate) error {
	return c.pc.AddICECandidate(toPionCandidate(candidate))
}

func (c *pionConn) AddTrack(track Track) error {
	local, ok := track.(pionLocalTrack)
	if !ok {
		return errors.New("rtc: track was not created with NewLocalTrack")
	}
	sender, err := c.pc.AddTrack(local.track)
	if err != nil {
		return err
	}
	c.senders[track.ID()] = sender
	return nil
}

func (c *pionConn) RemoveTrack(track Track) error {
	sender, ok := c.senders[track.ID()]
	if !ok {
		return nil
	}
	delete(c.senders, track.ID())
	return c.pc.RemoveTrack(sender)
}

func (c *pionConn) Senders() []Sender {
	pionSenders := c.pc.GetSenders()
	out := make([]Sender, 0, len(pionSenders))
	for _, s := range pionSenders {
		out = append(out, pionSender{sender: s})
	}
	return out
}

func (c *pionConn) CreateDataChannel(label string) (DataChannel, error) {
	// Pre-negotiated with a fixed id: both ends attach to the same
	// channel without in-band negotiation.
	negotiated := true
	var id uint16 = 1
	channel, err := c.pc.CreateDataChannel(label, &webrtc.DataChannelInit{
		Negotiated: &negotiated,
		ID:         &id,
	})
	if err != nil {
		return nil, err
	}
	return &pionDataChannel{channel: channel}, nil
}

func (c *pionConn) OnICECandidate(fn func(protocol.ICECandidate)) {
	c.pc.OnICECandidate(func(candidate *webrtc.ICECandidate) {
		// nil marks the end of gathering.
		if candidate == nil {
			return
		}
		fn(fromPionCandidate(candidate.ToJSON()))
	})
}

func (c *pionConn) OnTrack(fn func(Track)) {
	c.pc.OnTrack(func(track *webrtc.TrackRemote, _ *webrtc.RTPReceiver) {
		fn(pionRemoteTrack{track: track})
	})
}

func (c *pionConn) OnICEConnectionStateChange(fn func(ICEState)) {
	c.pc.OnICEConnectionStateChange(func(state webrtc.ICEConnectionState) {
		fn(ICEState(state.String()))
	})
}

func (c *pionConn) Close() error {
	return c.pc.Close()
}

type pionSender struct {
	sender *webrtc.RTPSender
}

func (s pionSender) Track() Track {
	track := s.sender.Track()
	if track == nil {
		return nil
	}
	return pionLocalTrack{track: track}
}

func (s pionSender) ReplaceTrack(track Track) error {
	local, ok := track.(pionLocalTrack)
	if !ok {
		return errors.New("rtc: track was not created with NewLocalTrack")
	}
	return s.sender.ReplaceTrack(local.track)
}

type pionDataChannel struct {
	channel *webrtc.DataChannel
}

func (d *pionDataChannel) Send(msg string) error {
	return d.channel.SendText(msg)
}

func (d *pionDataChannel) ReadyState() DataChannelState {
	switch d.channel.ReadyState() {
	case webrtc.DataChannelStateConnecting:
		return ChannelConnecting
	case webrtc.DataChannelStateOpen:
		return ChannelOpen
	case webrtc.DataChannelStateClosing:
		return ChannelClosing
	default:
		return ChannelClosed
	}
}

func (d *pionDataChannel) OnOpen(fn func()) {
	d.channel.OnOpen(fn)
}

func (d *pionDataChannel) OnMessage(fn func(string)) {
	d.channel.OnMessage(func(msg webrtc.DataChannelMessage) {
		fn(string(msg.Data))
	})
}

func toPionSDP(sdp protocol.SessionDescription) webrtc.SessionDescription {
	return webrtc.SessionDescription{
		Type: webrtc.NewSDPType(sdp.Type),
		SDP:  sdp.SDP,
	}
}

func fromPionSDP(sdp webrtc.SessionDescription) protocol.SessionDescription {
	return protocol.SessionDescription{
		Type: sdp.Type.String(),
		SDP:  sdp.SDP,
	}
}

func toPionCandidate(candidate protocol.ICECandidate) webrtc.ICECandidateInit {
	init := webrtc.ICECandidateInit{Candidate: candidate.Candidate}
	if candidate.SDPMid != "" {
		mid := candidate.SDPMid
		init.SDPMid = &mid
	}
	if candidate.SDPMLineIndex != 0 {
		index := candidate.SDPMLineIndex
		init.SDPMLineIndex = &index
	}
	if candidate.UsernameFragment != "" {
		frag := candidate.UsernameFragment
		init.UsernameFragment = &frag
	}
	return init
}

func fromPionCandidate(init webrtc.ICECandidateInit) protocol.ICECandidate {
	candidate := protocol.ICECandidate{Candidate: init.Candidate}
	if init.SDPMid != nil {
		candidate.SDPMid = *init.SDPMid
	}
	if init.SDPMLineIndex != nil {
		candidate.SDPMLineIndex = *init.SDPMLineIndex
	}
	if init.UsernameFragment != nil {
		candidate.UsernameFragment = *init.UsernameFragment
	}
	return candidate
}
