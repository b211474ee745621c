package channel

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/corvid-labs/huginn/internal/dispatch"
	"github.com/corvid-labs/huginn/internal/events"
	"github.com/corvid-labs/huginn/internal/httpkit"
)

// Courier connects to the bot messaging service with HTTP long-polls.
// Each chat maps to one conversation. The service holds the poll open
// for up to pollWait and returns updates newer than the offset.
type Courier struct {
	baseURL  string
	token    string
	pollWait time.Duration
	sub      Submitter
	bus      *events.Bus
	logger   *slog.Logger
	client   *http.Client

	offset int64
}

// courierUpdate is one inbound message from the service.
type courierUpdate struct {
	UpdateID int64  `json:"update_id"`
	ChatID   string `json:"chat_id"`
	Sender   string `json:"sender"`
	Text     string `json:"text"`
	Date     int64  `json:"date"`
}

// NewCourier creates the bot messaging connector.
func NewCourier(baseURL, token string, pollWait time.Duration, sub Submitter, bus *events.Bus, logger *slog.Logger) *Courier {
	if logger == nil {
		logger = slog.Default()
	}
	if pollWait <= 0 {
		pollWait = 30 * time.Second
	}
	return &Courier{
		baseURL:  baseURL,
		token:    token,
		pollWait: pollWait,
		sub:      sub,
		bus:      bus,
		logger:   logger.With("component", "courier"),
		// No client-level timeout: the long-poll holds the request
		// open. Per-request ctx deadlines bound each poll instead.
		client: httpkit.NewClient(httpkit.WithTimeout(0)),
	}
}

func (c *Courier) Name() string { return PlatformCourier }

// Run polls for updates until ctx is canceled.
func (c *Courier) Run(ctx context.Context) error {
	c.logger.Info("courier polling started", "base_url", c.baseURL)
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		updates, err := c.poll(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			c.logger.Warn("poll failed", "error", err)
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(5 * time.Second):
			}
			continue
		}

		for _, u := range updates {
			// Handle off the poll loop so one slow chat does not stall
			// the others. Advancing the offset acks receipt either way.
			go c.handle(ctx, u)
			if u.UpdateID >= c.offset {
				c.offset = u.UpdateID + 1
			}
		}
	}
}

// poll performs one long-poll request.
func (c *Courier) poll(ctx context.Context) ([]courierUpdate, error) {
	pollCtx, cancel := context.WithTimeout(ctx, c.pollWait+15*time.Second)
	defer cancel()

	u := fmt.Sprintf("%s/updates?offset=%d&timeout=%d", c.baseURL, c.offset, int(c.pollWait.Seconds()))
	req, err := http.NewRequestWithContext(pollCtx, "GET", u, nil)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("poll: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		errBody := httpkit.ReadErrorBody(resp.Body, 512)
		return nil, fmt.Errorf("poll status %d: %s", resp.StatusCode, errBody)
	}

	var out struct {
		Updates []courierUpdate `json:"updates"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, fmt.Errorf("decode updates: %w", err)
	}
	return out.Updates, nil
}

// handle runs one update through the dispatcher and sends the reply.
func (c *Courier) handle(ctx context.Context, u courierUpdate) {
	if u.Text == "" {
		return
	}
	evt := dispatch.InboundEvent{
		Platform:        PlatformCourier,
		ConversationKey: fmt.Sprintf("%s:%s", PlatformCourier, u.ChatID),
		Sender:          u.Sender,
		Content:         u.Text,
		ReceivedAt:      time.Unix(u.Date, 0),
	}
	c.bus.Publish(events.Event{
		Timestamp: time.Now(),
		Source:    events.SourceChannel,
		Kind:      events.KindEventReceived,
		Data: map[string]any{
			"platform":         PlatformCourier,
			"conversation_key": evt.ConversationKey,
			"content_len":      len(evt.Content),
		},
	})

	reply, err := c.sub.Submit(ctx, evt)
	if err != nil {
		c.logger.Error("turn failed", "chat_id", u.ChatID, "error", err)
	}
	if reply == nil {
		return
	}

	sendErr := c.send(ctx, u.ChatID, reply.Content)
	if sendErr != nil {
		c.logger.Error("reply delivery failed", "chat_id", u.ChatID, "error", sendErr)
	}
	c.bus.Publish(events.Event{
		Timestamp: time.Now(),
		Source:    events.SourceChannel,
		Kind:      events.KindReplyDelivered,
		Data: map[string]any{
			"platform":         PlatformCourier,
			"conversation_key": evt.ConversationKey,
			"ok":               sendErr == nil,
		},
	})
}

// send posts a message to a chat.
func (c *Courier) send(ctx context.Context, chatID, text string) error {
	body, err := json.Marshal(map[string]string{"chat_id": chatID, "text": text})
	if err != nil {
		return fmt.Errorf("marshal message: %w", err)
	}

	sendCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()

	req, err := http.NewRequestWithContext(sendCtx, "POST", c.baseURL+"/send", bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return fmt.Errorf("send: %w", err)
	}
	defer httpkit.DrainAndClose(resp.Body, 4096)

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("send status %d", resp.StatusCode)
	}
	return nil
}
