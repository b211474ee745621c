package channel

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/corvid-labs/huginn/internal/dispatch"
	"github.com/corvid-labs/huginn/internal/events"
)

// Gateway connects to the chat gateway over a websocket and relays
// room messages. Each room maps to one conversation.
type Gateway struct {
	url    string
	token  string
	sub    Submitter
	bus    *events.Bus
	logger *slog.Logger

	conn   *websocket.Conn
	connMu sync.Mutex
}

// gatewayFrame is the gateway's wire format, both directions.
type gatewayFrame struct {
	Type   string `json:"type"`
	Room   string `json:"room,omitempty"`
	Sender string `json:"sender,omitempty"`
	Text   string `json:"text,omitempty"`
	TS     int64  `json:"ts,omitempty"`
}

// NewGateway creates the chat gateway connector.
func NewGateway(wsURL, token string, sub Submitter, bus *events.Bus, logger *slog.Logger) *Gateway {
	if logger == nil {
		logger = slog.Default()
	}
	return &Gateway{
		url:    wsURL,
		token:  token,
		sub:    sub,
		bus:    bus,
		logger: logger.With("component", "gateway"),
	}
}

func (g *Gateway) Name() string { return PlatformGateway }

// Run maintains the gateway connection until ctx is canceled,
// reconnecting with capped backoff.
func (g *Gateway) Run(ctx context.Context) error {
	backoff := time.Second
	for {
		err := g.session(ctx)
		if ctx.Err() != nil {
			return ctx.Err()
		}
		g.logger.Warn("gateway session ended", "error", err, "retry_in", backoff)

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(backoff):
		}
		backoff = min(backoff*2, 60*time.Second)
	}
}

// session runs one connection lifetime.
func (g *Gateway) session(ctx context.Context) error {
	u, err := url.Parse(g.url)
	if err != nil {
		return fmt.Errorf("parse gateway URL: %w", err)
	}
	switch u.Scheme {
	case "https":
		u.Scheme = "wss"
	case "http":
		u.Scheme = "ws"
	}

	header := http.Header{}
	if g.token != "" {
		header.Set("Authorization", "Bearer "+g.token)
	}

	dialer := websocket.Dialer{}
	conn, _, err := dialer.DialContext(ctx, u.String(), header)
	if err != nil {
		return fmt.Errorf("dial gateway: %w", err)
	}
	g.connMu.Lock()
	g.conn = conn
	g.connMu.Unlock()
	defer func() {
		g.connMu.Lock()
		g.conn = nil
		g.connMu.Unlock()
		conn.Close()
	}()

	g.logger.Info("gateway connected", "url", u.String())

	// Drop the connection promptly on shutdown.
	stop := context.AfterFunc(ctx, func() { conn.Close() })
	defer stop()

	for {
		var f gatewayFrame
		if err := conn.ReadJSON(&f); err != nil {
			return fmt.Errorf("read frame: %w", err)
		}
		if f.Type != "message" || f.Text == "" {
			continue
		}
		// Turns can be slow; keep the read loop free so one busy room
		// does not stall the others. The dispatcher serializes turns
		// per conversation.
		go g.handle(ctx, f)
	}
}

// handle runs one message through the dispatcher and sends the reply.
func (g *Gateway) handle(ctx context.Context, f gatewayFrame) {
	evt := dispatch.InboundEvent{
		Platform:        PlatformGateway,
		ConversationKey: fmt.Sprintf("%s:%s", PlatformGateway, f.Room),
		Sender:          f.Sender,
		Content:         f.Text,
		ReceivedAt:      time.Unix(f.TS, 0),
	}
	g.publishReceived(evt)

	reply, err := g.sub.Submit(ctx, evt)
	if err != nil {
		g.logger.Error("turn failed", "room", f.Room, "error", err)
	}
	if reply == nil {
		return
	}

	out := gatewayFrame{Type: "message", Room: f.Room, Text: reply.Content}
	g.connMu.Lock()
	conn := g.conn
	var sendErr error
	if conn != nil {
		sendErr = conn.WriteJSON(out)
	}
	g.connMu.Unlock()
	if sendErr != nil {
		g.logger.Error("reply delivery failed", "room", f.Room, "error", sendErr)
	}
	g.publishDelivered(evt.ConversationKey, sendErr == nil)
}

func (g *Gateway) publishReceived(evt dispatch.InboundEvent) {
	g.bus.Publish(events.Event{
		Timestamp: time.Now(),
		Source:    events.SourceChannel,
		Kind:      events.KindEventReceived,
		Data: map[string]any{
			"platform":         PlatformGateway,
			"conversation_key": evt.ConversationKey,
			"content_len":      len(evt.Content),
		},
	})
}

func (g *Gateway) publishDelivered(key string, ok bool) {
	g.bus.Publish(events.Event{
		Timestamp: time.Now(),
		Source:    events.SourceChannel,
		Kind:      events.KindReplyDelivered,
		Data: map[string]any{
			"platform":         PlatformGateway,
			"conversation_key": key,
			"ok":               ok,
		},
	})
}
