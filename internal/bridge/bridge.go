// Package bridge maintains the persistent websocket session to the
// external tool peer. All tool listing and invocation flows through a
// single socket; concurrent requests are multiplexed by request id.
// When the session is down, invocations fail fast with
// ErrBridgeDisconnected so the dispatcher can degrade rather than
// queue work against a dead peer.
package bridge

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"github.com/corvid-labs/huginn/internal/events"
	"github.com/corvid-labs/huginn/internal/llm"
)

// ErrBridgeDisconnected is returned by Invoke and ListTools while no
// session is established. Callers treat it as "tools unavailable",
// not as a reason to retry inline.
var ErrBridgeDisconnected = errors.New("tool bridge disconnected")

// Reconnect backoff bounds.
const (
	initialBackoff = time.Second
	maxBackoff     = 60 * time.Second
)

// Client manages the websocket session to the tool peer.
type Client struct {
	url           string
	token         string
	invokeTimeout time.Duration

	conn   *websocket.Conn
	connMu sync.Mutex

	connected atomic.Bool
	msgID     atomic.Int64

	// sessionDone yields the read loop's exit error, one per session.
	sessionDone chan error
	sessionMu   sync.Mutex

	// Response channels keyed by request id.
	pending   map[int64]chan frame
	pendingMu sync.Mutex

	// Tool list refreshed on each (re)connect.
	tools   []llm.ToolDescriptor
	toolsMu sync.RWMutex

	bus    *events.Bus
	logger *slog.Logger
}

// Wire frames. The peer speaks a small request/response protocol over
// the socket; every request carries an id the response echoes back.
type frame struct {
	ID     int64           `json:"id,omitempty"`
	Type   string          `json:"type"`
	Method string          `json:"method,omitempty"`
	Params json.RawMessage `json:"params,omitempty"`
	Result json.RawMessage `json:"result,omitempty"`
	Error  *frameError     `json:"error,omitempty"`
}

type frameError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// New creates a bridge client. It does not connect until Run or
// Connect is called.
func New(wsURL, token string, invokeTimeout time.Duration, bus *events.Bus, logger *slog.Logger) *Client {
	if logger == nil {
		logger = slog.Default()
	}
	if invokeTimeout <= 0 {
		invokeTimeout = 60 * time.Second
	}
	return &Client{
		url:           wsURL,
		token:         token,
		invokeTimeout: invokeTimeout,
		pending:       make(map[int64]chan frame),
		bus:           bus,
		logger:        logger.With("component", "bridge"),
	}
}

// Connected reports whether a session is currently established.
func (c *Client) Connected() bool {
	return c.connected.Load()
}

// Tools returns the descriptors from the most recent (re)connect.
// Empty while disconnected.
func (c *Client) Tools() []llm.ToolDescriptor {
	if !c.connected.Load() {
		return nil
	}
	c.toolsMu.RLock()
	defer c.toolsMu.RUnlock()
	return append([]llm.ToolDescriptor(nil), c.tools...)
}

// Run maintains the session until ctx is canceled: connect, serve,
// and on loss reconnect with capped exponential backoff. The backoff
// resets after every successful connect.
func (c *Client) Run(ctx context.Context) {
	backoff := initialBackoff
	for {
		if err := c.Connect(ctx); err != nil {
			if ctx.Err() != nil {
				return
			}
			c.logger.Warn("bridge connect failed", "error", err, "retry_in", backoff)
		} else {
			backoff = initialBackoff

			c.sessionMu.Lock()
			done := c.sessionDone
			c.sessionMu.Unlock()

			select {
			case <-ctx.Done():
				c.Close()
				<-done
				return
			case err := <-done:
				c.logger.Warn("bridge session lost", "error", err, "retry_in", backoff)
			}
		}

		select {
		case <-ctx.Done():
			return
		case <-time.After(backoff):
		}
		backoff = min(backoff*2, maxBackoff)
	}
}

// Connect establishes the websocket session, authenticates, starts the
// read loop, and refreshes the tool list. Run calls this in its loop;
// tests drive it directly.
func (c *Client) Connect(ctx context.Context) error {
	u, err := url.Parse(c.url)
	if err != nil {
		return fmt.Errorf("parse bridge URL: %w", err)
	}
	switch u.Scheme {
	case "https":
		u.Scheme = "wss"
	case "http":
		u.Scheme = "ws"
	}

	c.logger.Info("connecting to tool peer", "url", u.String())

	dialer := websocket.Dialer{
		ReadBufferSize:  256 * 1024,
		WriteBufferSize: 64 * 1024,
	}
	conn, _, err := dialer.DialContext(ctx, u.String(), nil)
	if err != nil {
		return fmt.Errorf("dial websocket: %w", err)
	}
	conn.SetReadLimit(16 * 1024 * 1024)

	// Hello exchange: peer greets, we authenticate, peer confirms.
	var hello frame
	if err := conn.ReadJSON(&hello); err != nil {
		conn.Close()
		return fmt.Errorf("read hello: %w", err)
	}
	if hello.Type != "hello" {
		conn.Close()
		return fmt.Errorf("expected hello, got %s", hello.Type)
	}

	auth := map[string]string{"type": "auth", "token": c.token}
	if err := conn.WriteJSON(auth); err != nil {
		conn.Close()
		return fmt.Errorf("send auth: %w", err)
	}

	var ready frame
	if err := conn.ReadJSON(&ready); err != nil {
		conn.Close()
		return fmt.Errorf("read auth response: %w", err)
	}
	if ready.Type != "ready" {
		conn.Close()
		return fmt.Errorf("authentication failed: %s", ready.Type)
	}

	c.connMu.Lock()
	c.conn = conn
	c.connMu.Unlock()
	c.connected.Store(true)

	done := make(chan error, 1)
	c.sessionMu.Lock()
	c.sessionDone = done
	c.sessionMu.Unlock()

	go func() {
		err := c.readLoop()
		c.markDisconnected(err)
		done <- err
	}()

	// The tool list is ephemeral session state: whatever the peer
	// offers right now replaces everything remembered from before.
	if err := c.refreshTools(ctx); err != nil {
		c.Close()
		return fmt.Errorf("refresh tools: %w", err)
	}

	c.logger.Info("tool peer session established", "tools", len(c.Tools()))
	c.bus.Publish(events.Event{
		Timestamp: time.Now(),
		Source:    events.SourceBridge,
		Kind:      events.KindBridgeConnected,
		Data:      map[string]any{"tools": len(c.Tools())},
	})
	return nil
}

// Close tears down the current connection. The read loop notices and
// exits on its own.
func (c *Client) Close() error {
	c.connMu.Lock()
	defer c.connMu.Unlock()
	c.connected.Store(false)
	if c.conn != nil {
		err := c.conn.Close()
		c.conn = nil
		return err
	}
	return nil
}

// markDisconnected flips state and fails all in-flight requests.
func (c *Client) markDisconnected(cause error) {
	wasConnected := c.connected.Swap(false)

	c.connMu.Lock()
	if c.conn != nil {
		c.conn.Close()
		c.conn = nil
	}
	c.connMu.Unlock()

	// In-flight requests will never get a response; unblock them now.
	c.pendingMu.Lock()
	for id, ch := range c.pending {
		close(ch)
		delete(c.pending, id)
	}
	c.pendingMu.Unlock()

	if !wasConnected {
		return
	}
	errMsg := ""
	if cause != nil {
		errMsg = cause.Error()
	}
	c.bus.Publish(events.Event{
		Timestamp: time.Now(),
		Source:    events.SourceBridge,
		Kind:      events.KindBridgeLost,
		Data:      map[string]any{"error": errMsg},
	})
}

// ListTools asks the peer for its current tool descriptors.
func (c *Client) ListTools(ctx context.Context) ([]llm.ToolDescriptor, error) {
	result, err := c.sendAndWait(ctx, "list_tools", nil)
	if err != nil {
		return nil, err
	}

	var tools []llm.ToolDescriptor
	if err := json.Unmarshal(result, &tools); err != nil {
		return nil, fmt.Errorf("unmarshal tools: %w", err)
	}
	return tools, nil
}

// refreshTools replaces the cached tool list.
func (c *Client) refreshTools(ctx context.Context) error {
	tools, err := c.ListTools(ctx)
	if err != nil {
		return err
	}
	c.toolsMu.Lock()
	c.tools = tools
	c.toolsMu.Unlock()
	return nil
}

// invokeParams is the payload for an invoke request.
type invokeParams struct {
	Name      string         `json:"name"`
	Arguments map[string]any `json:"arguments"`
}

// invokeResult is the payload of an invoke response.
type invokeResult struct {
	Output  string `json:"output"`
	IsError bool   `json:"is_error,omitempty"`
}

// Invoke executes one tool on the peer and returns its output. A
// tool-level failure comes back as (output, nil) with the error text
// as output, so the model sees it; transport-level failure is a real
// error. Fails fast with ErrBridgeDisconnected when no session is up.
func (c *Client) Invoke(ctx context.Context, name string, args map[string]any) (string, error) {
	params, err := json.Marshal(invokeParams{Name: name, Arguments: args})
	if err != nil {
		return "", fmt.Errorf("marshal arguments: %w", err)
	}

	invokeCtx, cancel := context.WithTimeout(ctx, c.invokeTimeout)
	defer cancel()

	result, err := c.sendAndWait(invokeCtx, "invoke", params)
	if err != nil {
		return "", err
	}

	var res invokeResult
	if err := json.Unmarshal(result, &res); err != nil {
		return "", fmt.Errorf("unmarshal invoke result: %w", err)
	}
	if res.IsError {
		return "tool error: " + res.Output, nil
	}
	return res.Output, nil
}

// sendAndWait sends a request frame and blocks for its correlated
// response.
func (c *Client) sendAndWait(ctx context.Context, method string, params json.RawMessage) (json.RawMessage, error) {
	if !c.connected.Load() {
		return nil, ErrBridgeDisconnected
	}

	id := c.msgID.Add(1)
	respCh := make(chan frame, 1)
	c.pendingMu.Lock()
	c.pending[id] = respCh
	c.pendingMu.Unlock()

	defer func() {
		c.pendingMu.Lock()
		delete(c.pending, id)
		c.pendingMu.Unlock()
	}()

	req := frame{ID: id, Type: "request", Method: method, Params: params}

	c.connMu.Lock()
	conn := c.conn
	var writeErr error
	if conn == nil {
		writeErr = ErrBridgeDisconnected
	} else {
		writeErr = conn.WriteJSON(req)
	}
	c.connMu.Unlock()
	if writeErr != nil {
		if errors.Is(writeErr, ErrBridgeDisconnected) {
			return nil, writeErr
		}
		return nil, fmt.Errorf("send %s: %w", method, writeErr)
	}

	select {
	case resp, ok := <-respCh:
		if !ok {
			// Channel closed by markDisconnected.
			return nil, ErrBridgeDisconnected
		}
		if resp.Error != nil {
			return nil, fmt.Errorf("%s: %s", resp.Error.Code, resp.Error.Message)
		}
		return resp.Result, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// readLoop continuously reads frames from the socket and routes
// responses to their waiting requests.
func (c *Client) readLoop() error {
	for {
		c.connMu.Lock()
		conn := c.conn
		c.connMu.Unlock()
		if conn == nil {
			return ErrBridgeDisconnected
		}

		var f frame
		if err := conn.ReadJSON(&f); err != nil {
			if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				c.logger.Info("tool peer closed the session")
			}
			return err
		}
		c.dispatch(f)
	}
}

// dispatch routes one inbound frame.
func (c *Client) dispatch(f frame) {
	switch f.Type {
	case "response":
		c.pendingMu.Lock()
		if ch, ok := c.pending[f.ID]; ok {
			ch <- f
		}
		c.pendingMu.Unlock()
	case "ping":
		// Keepalive, ignore. The websocket layer answers control pings.
	default:
		c.logger.Debug("unhandled frame type", "type", f.Type)
	}
}
