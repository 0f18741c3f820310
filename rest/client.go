// Package rest talks to the Wavelet REST plane: entity CRUD, paginated
// history and push-notification registration. It is a thin stateless
// collaborator of the realtime engine.
package rest

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/wavelet-im/wavelet/protocol"
)

// DeviceSource yields the server-assigned device id, or "" before any
// signaling session has been established.
type DeviceSource interface {
	DeviceID() protocol.ID
}

// APIError is a non-success response. Reason holds the server's
// structured reason when the body carried one, or the raw body text.
type APIError struct {
	Status int
	Reason string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("rest: server returned %d: %s", e.Status, e.Reason)
}

// Client issues authenticated JSON requests against the REST plane.
type Client struct {
	base    *url.URL
	apiKey  protocol.ID
	devices DeviceSource
	http    *http.Client
	log     zerolog.Logger
}

// NewClient builds a client for baseURL (http or https, no trailing
// slash). devices may be nil when no signaling session exists.
func NewClient(baseURL string, apiKey protocol.ID, devices DeviceSource, log zerolog.Logger) (*Client, error) {
	base, err := url.Parse(baseURL)
	if err != nil {
		return nil, fmt.Errorf("rest: invalid base URL %q: %w", baseURL, err)
	}
	if base.Scheme != "http" && base.Scheme != "https" {
		return nil, fmt.Errorf("rest: base URL %q must use http or https scheme", baseURL)
	}
	return &Client{
		base:    base,
		apiKey:  apiKey,
		devices: devices,
		http:    &http.Client{Timeout: 30 * time.Second},
		log:     log.With().Str("component", "rest").Logger(),
	}, nil
}

func (c *Client) get(ctx context.Context, path string, query url.Values, out any) error {
	return c.do(ctx, http.MethodGet, path, query, nil, out)
}

func (c *Client) post(ctx context.Context, path string, body, out any) error {
	return c.do(ctx, http.MethodPost, path, nil, body, out)
}

func (c *Client) delete(ctx context.Context, path string) error {
	return c.do(ctx, http.MethodDelete, path, nil, nil, nil)
}

func (c *Client) do(ctx context.Context, method, path string, query url.Values, body, out any) error {
	data, err := c.roundTrip(ctx, method, path, query, body)
	if err != nil {
		return err
	}
	if out == nil || len(data) == 0 {
		return nil
	}
	if err := json.Unmarshal(data, out); err != nil {
		return fmt.Errorf("rest: decoding %s %s response: %w", method, path, err)
	}
	return nil
}

// getPaginated fetches one history page. The item list is the response
// body; the page position comes back in the X-Paging-Offset and
// X-Paging-Limit headers. A list response that cannot be parsed as a
// list is unusable, so parse failures here are hard errors with no raw
// fallback.
func (c *Client) getPaginated(ctx context.Context, path string, query url.Values) (protocol.Paginated, error) {
	resp, err := c.send(ctx, http.MethodGet, path, query, nil)
	if err != nil {
		return protocol.Paginated{}, err
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return protocol.Paginated{}, fmt.Errorf("rest: reading %s response: %w", path, err)
	}
	if err := c.checkStatus(resp, data); err != nil {
		return protocol.Paginated{}, err
	}

	offset, err := strconv.Atoi(resp.Header.Get("X-Paging-Offset"))
	if err != nil {
		return protocol.Paginated{}, fmt.Errorf("rest: %s: unparsable X-Paging-Offset %q", path, resp.Header.Get("X-Paging-Offset"))
	}
	limit, err := strconv.Atoi(resp.Header.Get("X-Paging-Limit"))
	if err != nil {
		return protocol.Paginated{}, fmt.Errorf("rest: %s: unparsable X-Paging-Limit %q", path, resp.Header.Get("X-Paging-Limit"))
	}

	var raw []json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return protocol.Paginated{}, fmt.Errorf("rest: %s: response is not a list: %w", path, err)
	}
	items := make([]protocol.Event, 0, len(raw))
	for _, frame := range raw {
		ev, err := protocol.DecodeEvent(frame)
		if err != nil {
			return protocol.Paginated{}, fmt.Errorf("rest: %s: undecodable history item: %w", path, err)
		}
		items = append(items, ev)
	}
	return protocol.Paginated{Items: items, Offset: offset, Limit: limit}, nil
}

func (c *Client) roundTrip(ctx context.Context, method, path string, query url.Values, body any) ([]byte, error) {
	resp, err := c.send(ctx, method, path, query, body)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("rest: reading %s %s response: %w", method, path, err)
	}
	if err := c.checkStatus(resp, data); err != nil {
		return nil, err
	}
	return data, nil
}

func (c *Client) send(ctx context.Context, method, path string, query url.Values, body any) (*http.Response, error) {
	target := *c.base
	target.Path = strings.TrimSuffix(c.base.Path, "/") + "/" + path
	if query != nil {
		target.RawQuery = query.Encode()
	}

	var payload io.Reader
	if body != nil {
		encoded, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("rest: encoding %s %s body: %w", method, path, err)
		}
		payload = bytes.NewReader(encoded)
	}

	req, err := http.NewRequestWithContext(ctx, method, target.String(), payload)
	if err != nil {
		return nil, fmt.Errorf("rest: building %s %s: %w", method, path, err)
	}
	req.Header.Set("X-Api-Key", c.apiKey)
	if c.devices != nil {
		if deviceID := c.devices.DeviceID(); deviceID != "" {
			req.Header.Set("X-Device-Id", deviceID)
		}
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	c.log.Debug().Str("method", method).Str("path", path).Msg("Request")
	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("rest: %s %s: %w", method, path, err)
	}
	return resp, nil
}

// checkStatus turns a non-2xx response into an APIError, preferring the
// structured reason and falling back to the raw body text.
func (c *Client) checkStatus(resp *http.Response, body []byte) error {
	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return nil
	}
	reason := struct {
		Reason string `json:"reason"`
	}{}
	if err := json.Unmarshal(body, &reason); err != nil || reason.Reason == "" {
		reason.Reason = string(body)
	}
	return &APIError{Status: resp.StatusCode, Reason: reason.Reason}
}
