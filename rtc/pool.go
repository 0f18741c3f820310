package rtc

import (
	"fmt"
	"sync"

	"github.com/rs/zerolog"

	"github.com/wavelet-im/wavelet/events"
	"github.com/wavelet-im/wavelet/protocol"
)

// PoolCallbacks deliver per-peer streams to the pool's owner. Any
// callback may be nil.
type PoolCallbacks struct {
	OnRemoteTrack  func(peer protocol.ID, track Track)
	OnStatusChange func(peer protocol.ID, status ConnectionStatus)
	OnMessage      func(peer protocol.ID, msg string)
	// OnError receives isolated signaling failures (bad description
	// type, candidate for an impossible peer, negotiation errors from
	// inbound routing). They never abort the pool.
	OnError func(err error)
}

// Pool is the per-call registry of peer facades. It fans media mutations
// out to every facade, remembers tracks for facades created later, and
// routes inbound signaling events to the right peer, creating one lazily
// on first contact.
type Pool struct {
	callID    protocol.ID
	engine    Engine
	signaler  Signaler
	callbacks PoolCallbacks
	log       zerolog.Logger
	baseLog   zerolog.Logger

	mu     sync.Mutex
	peers  map[protocol.ID]*Facade
	tracks []Track
	sub    *events.Subscription
}

// NewPool builds the registry for one call and subscribes it to the
// call-scoped signaling events on bus.
func NewPool(callID protocol.ID, engine Engine, signaler Signaler, bus *events.Broadcaster,
	callbacks PoolCallbacks, log zerolog.Logger) *Pool {

	p := &Pool{
		callID:    callID,
		engine:    engine,
		signaler:  signaler,
		callbacks: callbacks,
		baseLog:   log,
		log: log.With().
			Str("component", "rtc_pool").
			Str("call_id", callID).
			Logger(),
		peers: make(map[protocol.ID]*Facade),
	}
	p.sub = bus.SubscribeCall(callID, p.handleSignalingEvent)
	return p
}

// Connect opens (or reuses) the connection to peerID and sends an offer.
// Calling it again for a known peer reuses the facade instead of
// renegotiating from scratch.
func (p *Pool) Connect(peerID protocol.ID) error {
	facade, created, err := p.ensurePeer(peerID)
	if err != nil {
		return err
	}
	if !created {
		p.log.Debug().Str("peer_id", peerID).Msg("Peer already connected, reusing facade")
		return nil
	}
	return facade.Offer()
}

// AddTrack attaches the track to every current facade and remembers it
// for facades created afterwards.
func (p *Pool) AddTrack(track Track) {
	p.mu.Lock()
	p.tracks = append(p.tracks, track)
	facades := p.snapshotLocked()
	p.mu.Unlock()

	for _, f := range facades {
		f.AddTrack(track)
	}
}

// RemoveTrack detaches the track everywhere and forgets it.
func (p *Pool) RemoveTrack(track Track) {
	p.mu.Lock()
	kept := p.tracks[:0]
	for _, t := range p.tracks {
		if t != track {
			kept = append(kept, t)
		}
	}
	p.tracks = kept
	facades := p.snapshotLocked()
	p.mu.Unlock()

	for _, f := range facades {
		f.RemoveTrack(track)
	}
}

// ReplaceTrackByKind swaps the same-kind outbound track on every facade.
func (p *Pool) ReplaceTrackByKind(track Track) {
	p.mu.Lock()
	facades := p.snapshotLocked()
	p.mu.Unlock()

	for id, f := range facades {
		if err := f.ReplaceTrackByKind(track); err != nil {
			p.log.Warn().Err(err).Str("peer_id", id).Msg("Replacing track failed")
		}
	}
}

// Broadcast sends msg over every peer's data channel.
func (p *Pool) Broadcast(msg string) {
	p.mu.Lock()
	facades := p.snapshotLocked()
	p.mu.Unlock()

	for _, f := range facades {
		f.Send(msg)
	}
}

// Send transmits msg to a single peer.
func (p *Pool) Send(peerID protocol.ID, msg string) error {
	p.mu.Lock()
	facade, ok := p.peers[peerID]
	p.mu.Unlock()
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownPeer, peerID)
	}
	facade.Send(msg)
	return nil
}

// DestroyConnection disconnects and removes one peer.
func (p *Pool) DestroyConnection(peerID protocol.ID) {
	p.mu.Lock()
	facade, ok := p.peers[peerID]
	delete(p.peers, peerID)
	p.mu.Unlock()
	if ok {
		facade.Disconnect()
	}
}

// DestroyAllConnections tears down every peer and detaches the pool from
// the event stream. It is the single teardown entry point used when a
// call ends.
func (p *Pool) DestroyAllConnections() {
	p.sub.Cancel()

	p.mu.Lock()
	facades := p.snapshotLocked()
	p.peers = make(map[protocol.ID]*Facade)
	p.mu.Unlock()

	for _, f := range facades {
		f.Disconnect()
	}
}

func (p *Pool) snapshotLocked() map[protocol.ID]*Facade {
	out := make(map[protocol.ID]*Facade, len(p.peers))
	for id, f := range p.peers {
		out[id] = f
	}
	return out
}

// ensurePeer returns the facade for peerID, creating one (with the
// remembered tracks attached) when absent.
func (p *Pool) ensurePeer(peerID protocol.ID) (*Facade, bool, error) {
	p.mu.Lock()
	if facade, ok := p.peers[peerID]; ok {
		p.mu.Unlock()
		return facade, false, nil
	}
	tracks := make([]Track, len(p.tracks))
	copy(tracks, p.tracks)
	p.mu.Unlock()

	pc, err := p.engine.NewPeerConnection()
	if err != nil {
		return nil, false, fmt.Errorf("rtc: creating peer connection for %s: %w", peerID, err)
	}

	callbacks := FacadeCallbacks{}
	if p.callbacks.OnRemoteTrack != nil {
		callbacks.OnRemoteTrack = func(t Track) { p.callbacks.OnRemoteTrack(peerID, t) }
	}
	if p.callbacks.OnStatusChange != nil {
		callbacks.OnStatusChange = func(s ConnectionStatus) { p.callbacks.OnStatusChange(peerID, s) }
	}
	if p.callbacks.OnMessage != nil {
		callbacks.OnMessage = func(msg string) { p.callbacks.OnMessage(peerID, msg) }
	}

	facade := NewFacade(p.callID, peerID, pc, p.signaler, callbacks, tracks, p.baseLog)

	p.mu.Lock()
	// A racing creation for the same peer keeps the first facade.
	if existing, ok := p.peers[peerID]; ok {
		p.mu.Unlock()
		facade.Disconnect()
		return existing, false, nil
	}
	p.peers[peerID] = facade
	p.mu.Unlock()
	return facade, true, nil
}

// handleSignalingEvent routes one call-scoped event. Descriptions typed
// "offer" may create a facade lazily; "answer" requires one; any other
// type is a signaling error for that exchange.
func (p *Pool) handleSignalingEvent(ev protocol.CallEvent) {
	switch e := ev.(type) {
	case protocol.DescriptionSent:
		p.handleDescription(e)
	case protocol.CandidateSent:
		p.handleCandidate(e)
	}
}

func (p *Pool) handleDescription(e protocol.DescriptionSent) {
	switch e.SDP.Type {
	case protocol.SDPOffer:
		facade, _, err := p.ensurePeer(e.Sender)
		if err != nil {
			p.reportError(err)
			return
		}
		if err := facade.HandleRemoteOffer(e.SDP); err != nil {
			p.reportError(err)
		}
	case protocol.SDPAnswer:
		p.mu.Lock()
		facade, ok := p.peers[e.Sender]
		p.mu.Unlock()
		if !ok {
			p.reportError(fmt.Errorf("rtc: answer from %s without an offered connection", e.Sender))
			return
		}
		if err := facade.HandleRemoteAnswer(e.SDP); err != nil {
			p.reportError(err)
		}
	default:
		p.reportError(fmt.Errorf("rtc: invalid description type %q from %s", e.SDP.Type, e.Sender))
	}
}

func (p *Pool) handleCandidate(e protocol.CandidateSent) {
	facade, _, err := p.ensurePeer(e.Sender)
	if err != nil {
		p.reportError(err)
		return
	}
	if err := facade.AddCandidate(e.Candidate); err != nil {
		p.reportError(err)
	}
}

func (p *Pool) reportError(err error) {
	p.log.Error().Err(err).Msg("Signaling error")
	if p.callbacks.OnError != nil {
		p.callbacks.OnError(err)
	}
}
