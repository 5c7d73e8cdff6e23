// Package ari is the client for the Asterisk REST Interface: authenticated
// HTTP requests against /ari plus the event WebSocket that feeds the call
// orchestrator. The WebSocket URL is derived from the HTTP URL by protocol
// swap and carries the Basic-auth credentials as an api_key query parameter,
// which is how ARI authenticates upgrade requests.
//
// A dropped event socket reconnects with exponential backoff (1 s doubling,
// capped at 30 s) until shutdown. In-flight calls are not re-attached after a
// reconnect; their records are cleaned up by later hangup/left-bridge events
// or the shutdown sweep.
package ari

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/coder/websocket"
)

const (
	defaultHTTPTimeout       = 10 * time.Second
	initialReconnectDelay    = time.Second
	maxReconnectDelay        = 30 * time.Second
)

// RequestError is returned for non-2xx ARI responses.
type RequestError struct {
	Status int
	Body   string
}

func (e *RequestError) Error() string {
	return fmt.Sprintf("ari request failed: %d - %s", e.Status, e.Body)
}

// EventHandler consumes events from the ARI WebSocket. Events are delivered
// sequentially from a single goroutine, so handlers may mutate call state
// without further locking.
type EventHandler func(Event)

// Client talks to one Asterisk instance. Create with New, register a handler
// with SetHandler, then Connect.
type Client struct {
	baseURL  string
	app      string
	username string
	password string
	httpc    *http.Client

	mu           sync.Mutex
	conn         *websocket.Conn
	handler      EventHandler
	shuttingDown bool
}

// Option configures a Client.
type Option func(*Client)

// WithHTTPClient overrides the HTTP client used for REST requests.
func WithHTTPClient(c *http.Client) Option {
	return func(cl *Client) { cl.httpc = c }
}

// New creates an ARI client for the Asterisk HTTP interface at baseURL
// (e.g. http://pbx:8088) and the given stasis application.
func New(baseURL, app, username, password string, opts ...Option) *Client {
	c := &Client{
		baseURL:  strings.TrimRight(baseURL, "/"),
		app:      app,
		username: username,
		password: password,
		httpc:    &http.Client{Timeout: defaultHTTPTimeout},
	}
	for _, o := range opts {
		o(c)
	}
	return c
}

// SetHandler registers the event handler. Must be called before Connect.
func (c *Client) SetHandler(h EventHandler) {
	c.mu.Lock()
	c.handler = h
	c.mu.Unlock()
}

// Connect dials the event WebSocket and starts the read loop. The read loop
// reconnects on unexpected closure until Disconnect is called.
func (c *Client) Connect(ctx context.Context) error {
	c.mu.Lock()
	c.shuttingDown = false
	c.mu.Unlock()

	if err := c.dial(ctx); err != nil {
		return err
	}
	slog.Info("connected to asterisk ari", "url", c.baseURL, "app", c.app)
	return nil
}

// Disconnect marks the client as shutting down and closes the socket.
func (c *Client) Disconnect() {
	c.mu.Lock()
	c.shuttingDown = true
	conn := c.conn
	c.conn = nil
	c.mu.Unlock()

	if conn != nil {
		conn.Close(websocket.StatusNormalClosure, "shutdown")
	}
}

// wsURL derives the event socket URL from the HTTP base URL.
func (c *Client) wsURL() string {
	ws := strings.Replace(c.baseURL, "http", "ws", 1)
	q := url.Values{}
	q.Set("app", c.app)
	q.Set("api_key", c.username+":"+c.password)
	return ws + "/ari/events?" + q.Encode()
}

func (c *Client) dial(ctx context.Context) error {
	conn, _, err := websocket.Dial(ctx, c.wsURL(), nil)
	if err != nil {
		return fmt.Errorf("ari: dial events: %w", err)
	}
	// Transcription events can pile up behind slow consumers; don't let the
	// library cap frame size at its small default.
	conn.SetReadLimit(1 << 20)

	c.mu.Lock()
	c.conn = conn
	c.mu.Unlock()

	go c.readLoop(ctx, conn)
	return nil
}

func (c *Client) readLoop(ctx context.Context, conn *websocket.Conn) {
	for {
		_, data, err := conn.Read(ctx)
		if err != nil {
			break
		}
		var ev Event
		if err := json.Unmarshal(data, &ev); err != nil {
			slog.Warn("failed to decode ari event", "err", err)
			continue
		}
		c.mu.Lock()
		handler := c.handler
		c.mu.Unlock()
		if handler != nil {
			handler(ev)
		}
	}

	c.mu.Lock()
	shuttingDown := c.shuttingDown
	c.mu.Unlock()
	if shuttingDown || ctx.Err() != nil {
		return
	}
	slog.Info("unexpected ari websocket disconnection, reconnecting")
	c.reconnect(ctx)
}

// reconnect retries the WebSocket with exponential backoff until it succeeds
// or the client shuts down.
func (c *Client) reconnect(ctx context.Context) {
	delay := initialReconnectDelay
	for {
		c.mu.Lock()
		shuttingDown := c.shuttingDown
		c.mu.Unlock()
		if shuttingDown || ctx.Err() != nil {
			return
		}

		slog.Info("attempting ari reconnect", "delay", delay)
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return
		}

		if err := c.dial(ctx); err != nil {
			slog.Error("ari reconnect failed", "err", err)
			delay *= 2
			if delay > maxReconnectDelay {
				delay = maxReconnectDelay
			}
			continue
		}
		slog.Info("reconnected to asterisk ari")
		return
	}
}

// request performs one authenticated ARI REST call and decodes the JSON
// response into out (when out is non-nil and the response has a body).
func (c *Client) request(ctx context.Context, method, endpoint string, params url.Values, out any) error {
	u := c.baseURL + "/ari" + endpoint
	if len(params) > 0 {
		u += "?" + params.Encode()
	}

	req, err := http.NewRequestWithContext(ctx, method, u, nil)
	if err != nil {
		return fmt.Errorf("ari: build request: %w", err)
	}
	req.SetBasicAuth(c.username, c.password)

	resp, err := c.httpc.Do(req)
	if err != nil {
		return fmt.Errorf("ari: %s %s: %w", method, endpoint, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		slog.Error("ari request failed", "method", method, "endpoint", endpoint,
			"status", resp.StatusCode)
		return &RequestError{Status: resp.StatusCode, Body: string(body)}
	}
	if resp.StatusCode == http.StatusNoContent || out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("ari: decode %s response: %w", endpoint, err)
	}
	return nil
}

// CreateSnoop creates a snoop channel spying on one direction of channelID.
// The snoop subscribes to all events so its stasis lifecycle is visible.
func (c *Client) CreateSnoop(ctx context.Context, channelID, direction, snoopID string) (*Channel, error) {
	params := url.Values{}
	params.Set("spy", direction)
	params.Set("app", c.app)
	params.Set("subscribeAll", "yes")
	params.Set("snoopId", snoopID)

	var ch Channel
	if err := c.request(ctx, http.MethodPost, "/channels/"+channelID+"/snoop", params, &ch); err != nil {
		return nil, err
	}
	return &ch, nil
}

// CreateExternalMedia creates a channel that streams call audio as RTP to
// externalHost ("host:port") in the given format (slin16 here).
func (c *Client) CreateExternalMedia(ctx context.Context, externalHost, format, channelID string) (*Channel, error) {
	params := url.Values{}
	params.Set("app", c.app)
	params.Set("external_host", externalHost)
	params.Set("format", format)
	params.Set("channelId", channelID)

	var ch Channel
	if err := c.request(ctx, http.MethodPost, "/channels/externalMedia", params, &ch); err != nil {
		return nil, err
	}
	return &ch, nil
}

// CreateBridge creates a mixing bridge with the given id.
func (c *Client) CreateBridge(ctx context.Context, bridgeID string) (*Bridge, error) {
	params := url.Values{}
	params.Set("type", "mixing")
	params.Set("bridgeId", bridgeID)

	var b Bridge
	if err := c.request(ctx, http.MethodPost, "/bridges", params, &b); err != nil {
		return nil, err
	}
	return &b, nil
}

// AddChannelToBridge joins channelID into bridgeID.
func (c *Client) AddChannelToBridge(ctx context.Context, bridgeID, channelID string) error {
	params := url.Values{}
	params.Set("channel", channelID)
	return c.request(ctx, http.MethodPost, "/bridges/"+bridgeID+"/addChannel", params, nil)
}

// DeleteBridge removes the bridge.
func (c *Client) DeleteBridge(ctx context.Context, bridgeID string) error {
	return c.request(ctx, http.MethodDelete, "/bridges/"+bridgeID, nil, nil)
}

// DeleteChannel hangs up and removes the channel.
func (c *Client) DeleteChannel(ctx context.Context, channelID string) error {
	return c.request(ctx, http.MethodDelete, "/channels/"+channelID, nil, nil)
}

// ContinueChannel returns the channel to the dialplan.
func (c *Client) ContinueChannel(ctx context.Context, channelID string) error {
	return c.request(ctx, http.MethodPost, "/channels/"+channelID+"/continue", url.Values{}, nil)
}

// GetChannelVariable reads one channel variable. A missing variable is not
// an error; it returns the empty string.
func (c *Client) GetChannelVariable(ctx context.Context, channelID, name string) (string, error) {
	params := url.Values{}
	params.Set("variable", name)

	var out struct {
		Value string `json:"value"`
	}
	err := c.request(ctx, http.MethodGet, "/channels/"+channelID+"/variable", params, &out)
	if err != nil {
		var re *RequestError
		if errors.As(err, &re) && re.Status == http.StatusNotFound {
			return "", nil
		}
		return "", err
	}
	return out.Value, nil
}
