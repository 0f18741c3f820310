package signaling

import (
	"context"
	"fmt"
	"net/url"

	"github.com/gorilla/websocket"

	"github.com/wavelet-im/wavelet/protocol"
)

// Conn is one established control connection carrying wire frames.
type Conn interface {
	ReadMessage() ([]byte, error)
	WriteMessage(data []byte) error
	Close() error
}

// Dialer opens control connections. deviceID is empty on the very first
// connect; once the server has assigned one, reconnects present it so
// the session resumes instead of starting over.
type Dialer interface {
	Dial(ctx context.Context, deviceID protocol.ID) (Conn, error)
}

// WebsocketDialer dials the signaling server over a gorilla websocket.
type WebsocketDialer struct {
	baseURL string
	apiKey  protocol.ID
}

// NewWebsocketDialer builds a dialer for the given signaling base URL
// (ws:// or wss://, without trailing slash) and API key.
func NewWebsocketDialer(baseURL string, apiKey protocol.ID) (*WebsocketDialer, error) {
	u, err := url.Parse(baseURL)
	if err != nil {
		return nil, fmt.Errorf("signaling: invalid base URL %q: %w", baseURL, err)
	}
	if u.Scheme != "ws" && u.Scheme != "wss" {
		return nil, fmt.Errorf("signaling: base URL %q must use ws or wss scheme", baseURL)
	}
	return &WebsocketDialer{baseURL: baseURL, apiKey: apiKey}, nil
}

func (d *WebsocketDialer) Dial(ctx context.Context, deviceID protocol.ID) (Conn, error) {
	addr := fmt.Sprintf("%s/%s", d.baseURL, d.apiKey)
	if deviceID != "" {
		addr = fmt.Sprintf("%s/%s/reconnect/%s", d.baseURL, d.apiKey, deviceID)
	}
	c, _, err := websocket.DefaultDialer.DialContext(ctx, addr, nil)
	if err != nil {
		return nil, fmt.Errorf("signaling: dialing %s: %w", addr, err)
	}
	return &wsConn{conn: c}, nil
}

type wsConn struct {
	conn *websocket.Conn
}

func (c *wsConn) ReadMessage() ([]byte, error) {
	_, data, err := c.conn.ReadMessage()
	return data, err
}

func (c *wsConn) WriteMessage(data []byte) error {
	return c.conn.WriteMessage(websocket.TextMessage, data)
}

func (c *wsConn) Close() error {
	return c.conn.Close()
}
