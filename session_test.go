package wavelet

import (
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/wavelet-im/wavelet/protocol"
)

func testConfig() Config {
	cfg := DefaultConfig()
	cfg.SignalingURL = "wss://example.test/ws"
	cfg.RESTURL = "https://example.test/api"
	cfg.APIKey = "key-1"
	return cfg
}

func TestConfigValidation(t *testing.T) {
	cases := []struct {
		name   string
		mutate func(*Config)
	}{
		{"missing signaling url", func(c *Config) { c.SignalingURL = "" }},
		{"missing rest url", func(c *Config) { c.RESTURL = "" }},
		{"missing api key", func(c *Config) { c.APIKey = "" }},
		{"zero ask timeout", func(c *Config) { c.AskTimeout = 0 }},
		{"multiplier below one", func(c *Config) { c.HeartbeatMultiplier = 0.5 }},
		{"zero fallback delay", func(c *Config) { c.FallbackReconnectDelay = 0 }},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			cfg := testConfig()
			tc.mutate(&cfg)
			if _, err := NewSession("alice", cfg, zerolog.Nop()); err == nil {
				t.Error("expected config error")
			}
		})
	}

	if _, err := NewSession("alice", testConfig(), zerolog.Nop()); err != nil {
		t.Errorf("valid config rejected: %v", err)
	}
}

func TestUnknownEventsSurfaceOnErrorStream(t *testing.T) {
	s, err := NewSession("alice", testConfig(), zerolog.Nop())
	if err != nil {
		t.Fatalf("new session: %v", err)
	}
	defer s.Close()

	s.Events().Publish(protocol.Unknown{WireTag: "future_thing"})
	s.Events().Publish(protocol.ServerError{Reason: "broken"})
	// An error answering an ask already resolved that ask; the stream
	// must not duplicate it.
	s.Events().Publish(protocol.ServerError{Reason: "asked", Ref: "ref-1"})

	for i := 0; i < 2; i++ {
		select {
		case <-s.Errors():
		case <-time.After(time.Second):
			t.Fatalf("error %d never surfaced", i)
		}
	}
	select {
	case err := <-s.Errors():
		t.Fatalf("unexpected extra error: %v", err)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestCloseClearsDeviceMemory(t *testing.T) {
	s, err := NewSession("alice", testConfig(), zerolog.Nop())
	if err != nil {
		t.Fatalf("new session: %v", err)
	}

	s.devices.SetDeviceID("dev-1")
	if s.DeviceID() != "dev-1" {
		t.Fatalf("device id = %q", s.DeviceID())
	}

	s.Close()
	if s.DeviceID() != "" {
		t.Error("device id survived Close")
	}
}
