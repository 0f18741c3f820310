package wavelet

import (
	"errors"
	"time"
)

// Config carries everything a Session needs to reach the Wavelet
// platform. Zero values are rejected at construction; start from
// DefaultConfig and fill in the endpoints and key.
type Config struct {
	// SignalingURL is the websocket base, e.g. wss://api.wavelet.im/ws.
	SignalingURL string
	// RESTURL is the REST plane base, e.g. https://api.wavelet.im/api.
	RESTURL string
	// APIKey authenticates this session on both planes.
	APIKey string

	// AskTimeout bounds the wait for a command acknowledgement.
	AskTimeout time.Duration
	// HeartbeatMultiplier scales the server-declared heartbeat interval
	// into the silence window after which the server counts as
	// unreachable.
	HeartbeatMultiplier float64
	// FallbackReconnectDelay applies until the server declares its
	// preferred reconnect delay in the session hello.
	FallbackReconnectDelay time.Duration

	// ICEServers are STUN or TURN URLs used for media negotiation.
	ICEServers []string
}

// DefaultConfig returns the supervision and media defaults. Endpoints
// and the API key must still be provided.
func DefaultConfig() Config {
	return Config{
		AskTimeout:             5 * time.Second,
		HeartbeatMultiplier:    2,
		FallbackReconnectDelay: 2 * time.Second,
		ICEServers:             []string{"stun:stun.l.google.com:19302"},
	}
}

func (c Config) validate() error {
	switch {
	case c.SignalingURL == "":
		return errors.New("wavelet: config: SignalingURL is required")
	case c.RESTURL == "":
		return errors.New("wavelet: config: RESTURL is required")
	case c.APIKey == "":
		return errors.New("wavelet: config: APIKey is required")
	case c.AskTimeout <= 0:
		return errors.New("wavelet: config: AskTimeout must be positive")
	case c.HeartbeatMultiplier < 1:
		return errors.New("wavelet: config: HeartbeatMultiplier must be at least 1")
	case c.FallbackReconnectDelay <= 0:
		return errors.New("wavelet: config: FallbackReconnectDelay must be positive")
	}
	return nil
}
