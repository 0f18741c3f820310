package rtc

import (
	"github.com/rs/zerolog"

	"github.com/wavelet-im/wavelet/protocol"
)

// CandidateQueue buffers remote ICE candidates that arrived before the
// remote description they belong to. It is owned by exactly one peer's
// facade and is not safe for concurrent use on its own.
type CandidateQueue struct {
	candidates []protocol.ICECandidate
	log        zerolog.Logger
}

func NewCandidateQueue(peerID protocol.ID, log zerolog.Logger) *CandidateQueue {
	return &CandidateQueue{log: log.With().Str("peer_id", peerID).Logger()}
}

// Add appends a candidate behind every earlier one.
func (q *CandidateQueue) Add(candidate protocol.ICECandidate) {
	q.log.Debug().Msg("Buffering candidate until remote description is set")
	q.candidates = append(q.candidates, candidate)
}

// Drain empties the queue and returns the buffered candidates in the
// order they were added. Each candidate is returned exactly once.
func (q *CandidateQueue) Drain() []protocol.ICECandidate {
	drained := q.candidates
	q.candidates = nil
	q.log.Debug().Int("count", len(drained)).Msg("Draining candidate queue")
	return drained
}
