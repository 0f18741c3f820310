package rtc

import (
	"fmt"
	"sync"

	"github.com/rs/zerolog"

	"github.com/wavelet-im/wavelet/protocol"
)

// FacadeCallbacks deliver a peer's streams to its owner. Any callback
// may be nil.
type FacadeCallbacks struct {
	OnRemoteTrack  func(Track)
	OnStatusChange func(ConnectionStatus)
	OnMessage      func(string)
}

// Facade wraps one peer connection: it owns the offer/answer exchange,
// this peer's candidate queue and its data channel, and reports remote
// tracks, inbound messages and connection-state changes.
//
// A negotiation failure is surfaced to the caller of the failing
// operation (and as StatusFailed); it never touches other peers.
type Facade struct {
	callID protocol.ID
	peerID protocol.ID

	pc        PeerConnection
	signaler  Signaler
	callbacks FacadeCallbacks
	log       zerolog.Logger

	mu           sync.Mutex
	remoteSet    bool
	queue        *CandidateQueue
	channel      DataChannel
	messageQueue []string
	closed       bool
}

// NewFacade wires a facade around a freshly created peer connection and
// attaches the initial outbound tracks.
func NewFacade(callID, peerID protocol.ID, pc PeerConnection, signaler Signaler,
	callbacks FacadeCallbacks, initialTracks []Track, log zerolog.Logger) *Facade {

	f := &Facade{
		callID:    callID,
		peerID:    peerID,
		pc:        pc,
		signaler:  signaler,
		callbacks: callbacks,
		log: log.With().
			Str("component", "rtc_facade").
			Str("call_id", callID).
			Str("peer_id", peerID).
			Logger(),
		queue: NewCandidateQueue(peerID, log),
	}
	f.log.Info().Msg("Creating peer connection")

	pc.OnICECandidate(f.handleLocalCandidate)
	pc.OnTrack(f.handleRemoteTrack)
	pc.OnICEConnectionStateChange(f.handleICEState)

	for _, track := range initialTracks {
		f.AddTrack(track)
	}
	return f
}

// Offer creates a local session description, applies it and sends it to
// the peer. It returns once the description has been handed to the
// signaling channel.
func (f *Facade) Offer() error {
	f.log.Debug().Msg("Creating offer")
	f.ensureDataChannel()

	offer, err := f.pc.CreateOffer()
	if err != nil {
		f.failed("create offer", err)
		return fmt.Errorf("rtc: creating offer for %s: %w", f.peerID, err)
	}
	if err := f.pc.SetLocalDescription(offer); err != nil {
		f.failed("set local description", err)
		return fmt.Errorf("rtc: setting local offer for %s: %w", f.peerID, err)
	}
	if err := f.signaler.SendDescription(f.callID, f.peerID, offer); err != nil {
		f.failed("send offer", err)
		return fmt.Errorf("rtc: sending offer to %s: %w", f.peerID, err)
	}
	return nil
}

// HandleRemoteOffer applies the peer's offer, then generates, applies
// and sends the answer.
func (f *Facade) HandleRemoteOffer(sdp protocol.SessionDescription) error {
	f.log.Debug().Msg("Received remote offer")
	if err := f.setRemoteDescription(sdp); err != nil {
		f.failed("set remote offer", err)
		return fmt.Errorf("rtc: applying offer from %s: %w", f.peerID, err)
	}

	f.ensureDataChannel()
	answer, err := f.pc.CreateAnswer()
	if err != nil {
		f.failed("create answer", err)
		return fmt.Errorf("rtc: creating answer for %s: %w", f.peerID, err)
	}
	if err := f.pc.SetLocalDescription(answer); err != nil {
		f.failed("set local answer", err)
		return fmt.Errorf("rtc: setting local answer for %s: %w", f.peerID, err)
	}
	if err := f.signaler.SendDescription(f.callID, f.peerID, answer); err != nil {
		f.failed("send answer", err)
		return fmt.Errorf("rtc: sending answer to %s: %w", f.peerID, err)
	}
	return nil
}

// HandleRemoteAnswer applies the peer's answer to our earlier offer.
func (f *Facade) HandleRemoteAnswer(sdp protocol.SessionDescription) error {
	f.log.Debug().Msg("Received remote answer")
	if err := f.setRemoteDescription(sdp); err != nil {
		f.failed("set remote answer", err)
		return fmt.Errorf("rtc: applying answer from %s: %w", f.peerID, err)
	}
	return nil
}

// AddCandidate applies the candidate now if a remote description is in
// place, and buffers it otherwise. Buffered candidates are applied, in
// arrival order, the moment a remote description is set.
func (f *Facade) AddCandidate(candidate protocol.ICECandidate) error {
	f.mu.Lock()
	if !f.remoteSet {
		f.queue.Add(candidate)
		f.mu.Unlock()
		return nil
	}
	f.mu.Unlock()

	if err := f.pc.AddICECandidate(candidate); err != nil {
		f.log.Error().Err(err).Msg("Could not add candidate")
		return fmt.Errorf("rtc: adding candidate from %s: %w", f.peerID, err)
	}
	return nil
}

// AddTrack attaches an outbound track. Failure to attach one track must
// not break the connection, so errors are logged and swallowed here.
func (f *Facade) AddTrack(track Track) {
	f.log.Debug().Str("kind", track.Kind()).Msg("Adding media track")
	if err := f.pc.AddTrack(track); err != nil {
		f.log.Error().Err(err).Str("kind", track.Kind()).Msg("Adding media track failed")
	}
}

// RemoveTrack detaches an outbound track; unknown tracks are a no-op.
func (f *Facade) RemoveTrack(track Track) {
	f.log.Debug().Str("kind", track.Kind()).Str("track_id", track.ID()).Msg("Removing media track")
	if err := f.pc.RemoveTrack(track); err != nil {
		f.log.Error().Err(err).Msg("Removing media track failed")
	}
}

// ReplaceTrackByKind swaps the outbound track of the same kind without
// renegotiating, e.g. switching camera to screen capture.
func (f *Facade) ReplaceTrackByKind(track Track) error {
	for _, sender := range f.pc.Senders() {
		current := sender.Track()
		if current != nil && current.Kind() == track.Kind() {
			f.log.Debug().Str("track_id", track.ID()).Msg("Replacing sender track")
			return sender.ReplaceTrack(track)
		}
	}
	return ErrNoSender
}

// Send transmits over the peer's reliable ordered channel, queuing the
// message if the channel is not open yet and flushing once it opens.
func (f *Facade) Send(msg string) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.channel == nil || f.channel.ReadyState() == ChannelConnecting {
		f.log.Debug().Msg("Data channel not open, queuing message")
		f.messageQueue = append(f.messageQueue, msg)
		return
	}
	if f.channel.ReadyState() != ChannelOpen {
		f.log.Error().Msg("Data channel closed, dropping message")
		return
	}
	if err := f.channel.Send(msg); err != nil {
		f.log.Error().Err(err).Msg("Data channel send failed")
	}
}

// Disconnect tears the peer connection down. Safe to call repeatedly.
func (f *Facade) Disconnect() {
	f.mu.Lock()
	if f.closed {
		f.mu.Unlock()
		return
	}
	f.closed = true
	f.mu.Unlock()

	f.log.Info().Msg("Disconnecting peer")
	if err := f.pc.Close(); err != nil {
		f.log.Warn().Err(err).Msg("Closing peer connection")
	}
}

func (f *Facade) setRemoteDescription(sdp protocol.SessionDescription) error {
	if err := f.pc.SetRemoteDescription(sdp); err != nil {
		return err
	}
	f.drainCandidates()
	return nil
}

// drainCandidates marks the remote description as applied and flushes
// the queue in order, exactly once per buffered candidate.
func (f *Facade) drainCandidates() {
	f.mu.Lock()
	f.remoteSet = true
	drained := f.queue.Drain()
	f.mu.Unlock()

	for _, candidate := range drained {
		if err := f.pc.AddICECandidate(candidate); err != nil {
			f.log.Error().Err(err).Msg("Could not add buffered candidate")
		}
	}
}

// ensureDataChannel creates the channel lazily; both sides use the call
// id as the label of the single pre-negotiated channel.
func (f *Facade) ensureDataChannel() {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.channel != nil {
		return
	}
	channel, err := f.pc.CreateDataChannel(f.callID)
	if err != nil {
		f.log.Warn().Err(err).Msg("Data channel unavailable, peer messages disabled")
		return
	}
	f.channel = channel
	channel.OnOpen(f.flushMessageQueue)
	channel.OnMessage(func(msg string) {
		if f.callbacks.OnMessage != nil {
			f.callbacks.OnMessage(msg)
		}
	})
}

func (f *Facade) flushMessageQueue() {
	f.mu.Lock()
	queued := f.messageQueue
	f.messageQueue = nil
	channel := f.channel
	f.mu.Unlock()

	f.log.Debug().Int("count", len(queued)).Msg("Data channel open, flushing queue")
	for _, msg := range queued {
		if err := channel.Send(msg); err != nil {
			f.log.Error().Err(err).Msg("Flushing queued message failed")
		}
	}
}

func (f *Facade) handleLocalCandidate(candidate protocol.ICECandidate) {
	f.log.Debug().Msg("Gathered local candidate")
	if err := f.signaler.SendCandidate(f.callID, f.peerID, candidate); err != nil {
		f.log.Error().Err(err).Msg("Could not send candidate")
	}
}

func (f *Facade) handleRemoteTrack(track Track) {
	f.log.Info().Str("track_id", track.ID()).Str("kind", track.Kind()).Msg("Received remote track")
	if f.callbacks.OnRemoteTrack != nil {
		f.callbacks.OnRemoteTrack(track)
	}
}

func (f *Facade) handleICEState(state ICEState) {
	f.log.Debug().Str("state", string(state)).Msg("ICE connection state change")
	if f.callbacks.OnStatusChange == nil {
		return
	}
	switch state {
	case ICEConnected, ICECompleted:
		f.callbacks.OnStatusChange(StatusConnected)
	case ICEFailed:
		f.callbacks.OnStatusChange(StatusFailed)
	case ICEDisconnected, ICEClosed:
		f.callbacks.OnStatusChange(StatusDisconnected)
	}
}

func (f *Facade) failed(op string, err error) {
	f.log.Error().Err(err).Str("op", op).Msg("Negotiation failed")
	if f.callbacks.OnStatusChange != nil {
		f.callbacks.OnStatusChange(StatusFailed)
	}
}
