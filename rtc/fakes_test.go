package rtc

import (
	"sync"

	"github.com/wavelet-im/wavelet/protocol"
)

type fakeTrack struct {
	id   string
	kind string
}

func (t fakeTrack) ID() string   { return t.id }
func (t fakeTrack) Kind() string { return t.kind }

type fakeChannel struct {
	mu    sync.Mutex
	state DataChannelState
	sent  []string

	onOpen    func()
	onMessage func(string)
}

func (c *fakeChannel) Send(msg string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.sent = append(c.sent, msg)
	return nil
}

func (c *fakeChannel) ReadyState() DataChannelState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

func (c *fakeChannel) OnOpen(fn func())           { c.onOpen = fn }
func (c *fakeChannel) OnMessage(fn func(string))  { c.onMessage = fn }

// open flips the channel state and fires the open callback, like a
// completed SCTP handshake would.
func (c *fakeChannel) open() {
	c.mu.Lock()
	c.state = ChannelOpen
	c.mu.Unlock()
	if c.onOpen != nil {
		c.onOpen()
	}
}

func (c *fakeChannel) messages() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]string(nil), c.sent...)
}

type fakeSender struct {
	track    Track
	replaced []Track
}

func (s *fakeSender) Track() Track { return s.track }

func (s *fakeSender) ReplaceTrack(track Track) error {
	s.replaced = append(s.replaced, track)
	s.track = track
	return nil
}

type fakePC struct {
	mu sync.Mutex

	localDescs  []protocol.SessionDescription
	remoteDescs []protocol.SessionDescription
	candidates  []protocol.ICECandidate
	tracks      []Track
	removed     []Track
	senderList  []*fakeSender
	channel     *fakeChannel
	channelName string
	closes      int

	offerErr  error
	answerErr error
	remoteErr error

	onICECandidate func(protocol.ICECandidate)
	onTrack        func(Track)
	onICEState     func(ICEState)
}

func newFakePC() *fakePC {
	return &fakePC{channel: &fakeChannel{state: ChannelConnecting}}
}

func (pc *fakePC) CreateOffer() (protocol.SessionDescription, error) {
	if pc.offerErr != nil {
		return protocol.SessionDescription{}, pc.offerErr
	}
	return protocol.SessionDescription{Type: protocol.SDPOffer, SDP: "local-offer"}, nil
}

func (pc *fakePC) CreateAnswer() (protocol.SessionDescription, error) {
	if pc.answerErr != nil {
		return protocol.SessionDescription{}, pc.answerErr
	}
	return protocol.SessionDescription{Type: protocol.SDPAnswer, SDP: "local-answer"}, nil
}

func (pc *fakePC) SetLocalDescription(sdp protocol.SessionDescription) error {
	pc.mu.Lock()
	defer pc.mu.Unlock()
	pc.localDescs = append(pc.localDescs, sdp)
	return nil
}

func (pc *fakePC) SetRemoteDescription(sdp protocol.SessionDescription) error {
	if pc.remoteErr != nil {
		return pc.remoteErr
	}
	pc.mu.Lock()
	defer pc.mu.Unlock()
	pc.remoteDescs = append(pc.remoteDescs, sdp)
	return nil
}

func (pc *fakePC) AddICECandidate(candidate protocol.ICECandidate) error {
	pc.mu.Lock()
	defer pc.mu.Unlock()
	pc.candidates = append(pc.candidates, candidate)
	return nil
}

func (pc *fakePC) AddTrack(track Track) error {
	pc.mu.Lock()
	defer pc.mu.Unlock()
	pc.tracks = append(pc.tracks, track)
	pc.senderList = append(pc.senderList, &fakeSender{track: track})
	return nil
}

func (pc *fakePC) RemoveTrack(track Track) error {
	pc.mu.Lock()
	defer pc.mu.Unlock()
	pc.removed = append(pc.removed, track)
	return nil
}

func (pc *fakePC) Senders() []Sender {
	pc.mu.Lock()
	defer pc.mu.Unlock()
	out := make([]Sender, 0, len(pc.senderList))
	for _, s := range pc.senderList {
		out = append(out, s)
	}
	return out
}

func (pc *fakePC) CreateDataChannel(label string) (DataChannel, error) {
	pc.mu.Lock()
	defer pc.mu.Unlock()
	pc.channelName = label
	return pc.channel, nil
}

func (pc *fakePC) OnICECandidate(fn func(protocol.ICECandidate))    { pc.onICECandidate = fn }
func (pc *fakePC) OnTrack(fn func(Track))                           { pc.onTrack = fn }
func (pc *fakePC) OnICEConnectionStateChange(fn func(ICEState))     { pc.onICEState = fn }

func (pc *fakePC) Close() error {
	pc.mu.Lock()
	defer pc.mu.Unlock()
	pc.closes++
	return nil
}

func (pc *fakePC) appliedCandidates() []protocol.ICECandidate {
	pc.mu.Lock()
	defer pc.mu.Unlock()
	return append([]protocol.ICECandidate(nil), pc.candidates...)
}

func (pc *fakePC) addedTracks() []Track {
	pc.mu.Lock()
	defer pc.mu.Unlock()
	return append([]Track(nil), pc.tracks...)
}

type fakeEngine struct {
	mu      sync.Mutex
	created []*fakePC
	err     error
}

func (e *fakeEngine) NewPeerConnection() (PeerConnection, error) {
	if e.err != nil {
		return nil, e.err
	}
	pc := newFakePC()
	e.mu.Lock()
	e.created = append(e.created, pc)
	e.mu.Unlock()
	return pc, nil
}

func (e *fakeEngine) connections() []*fakePC {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]*fakePC(nil), e.created...)
}

type sentDescription struct {
	callID protocol.ID
	peerID protocol.ID
	sdp    protocol.SessionDescription
}

type sentCandidate struct {
	callID    protocol.ID
	peerID    protocol.ID
	candidate protocol.ICECandidate
}

type fakeSignaler struct {
	mu           sync.Mutex
	descriptions []sentDescription
	candidates   []sentCandidate
}

func (s *fakeSignaler) SendDescription(callID, peerID protocol.ID, sdp protocol.SessionDescription) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.descriptions = append(s.descriptions, sentDescription{callID, peerID, sdp})
	return nil
}

func (s *fakeSignaler) SendCandidate(callID, peerID protocol.ID, candidate protocol.ICECandidate) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.candidates = append(s.candidates, sentCandidate{callID, peerID, candidate})
	return nil
}

func (s *fakeSignaler) sentDescriptions() []sentDescription {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]sentDescription(nil), s.descriptions...)
}
