package channel

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/corvid-labs/huginn/internal/dispatch"
	"github.com/corvid-labs/huginn/internal/events"
	"github.com/corvid-labs/huginn/internal/httpkit"
)

// Feed polls the social feed for mentions of the configured handle and
// replies in-thread. Each thread maps to one conversation.
type Feed struct {
	baseURL  string
	token    string
	handle   string
	interval time.Duration
	sub      Submitter
	bus      *events.Bus
	logger   *slog.Logger
	client   *http.Client

	sinceID string
}

// feedMention is one inbound mention from the feed API.
type feedMention struct {
	ID        string `json:"id"`
	ThreadID  string `json:"thread_id"`
	Author    string `json:"author"`
	Text      string `json:"text"`
	CreatedAt int64  `json:"created_at"`
}

// NewFeed creates the social feed connector.
func NewFeed(baseURL, token, handle string, interval time.Duration, sub Submitter, bus *events.Bus, logger *slog.Logger) *Feed {
	if logger == nil {
		logger = slog.Default()
	}
	if interval <= 0 {
		interval = time.Minute
	}
	return &Feed{
		baseURL:  baseURL,
		token:    token,
		handle:   handle,
		interval: interval,
		sub:      sub,
		bus:      bus,
		logger:   logger.With("component", "feed"),
		client:   httpkit.NewClient(httpkit.WithTimeout(30 * time.Second)),
	}
}

func (f *Feed) Name() string { return PlatformFeed }

// Run polls for mentions at the configured interval until ctx is
// canceled.
func (f *Feed) Run(ctx context.Context) error {
	f.logger.Info("feed polling started", "base_url", f.baseURL, "handle", f.handle, "interval", f.interval)
	ticker := time.NewTicker(f.interval)
	defer ticker.Stop()

	for {
		mentions, err := f.poll(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			f.logger.Warn("mention poll failed", "error", err)
		}
		for _, m := range mentions {
			// Off the poll loop; one slow thread must not stall the rest.
			go f.process(ctx, m)
			f.sinceID = m.ID
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

// poll fetches mentions newer than the last seen id.
func (f *Feed) poll(ctx context.Context) ([]feedMention, error) {
	u := f.baseURL + "/mentions"
	if f.sinceID != "" {
		u += "?since_id=" + f.sinceID
	}
	req, err := http.NewRequestWithContext(ctx, "GET", u, nil)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	if f.token != "" {
		req.Header.Set("Authorization", "Bearer "+f.token)
	}

	resp, err := f.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("fetch mentions: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		errBody := httpkit.ReadErrorBody(resp.Body, 512)
		return nil, fmt.Errorf("mentions status %d: %s", resp.StatusCode, errBody)
	}

	var out struct {
		Mentions []feedMention `json:"mentions"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, fmt.Errorf("decode mentions: %w", err)
	}
	return out.Mentions, nil
}

// process runs one mention through the dispatcher and posts the reply.
func (f *Feed) process(ctx context.Context, m feedMention) {
	text := stripHandle(m.Text, f.handle)
	if text == "" {
		return
	}
	evt := dispatch.InboundEvent{
		Platform:        PlatformFeed,
		ConversationKey: fmt.Sprintf("%s:%s", PlatformFeed, m.ThreadID),
		Sender:          m.Author,
		Content:         text,
		ReceivedAt:      time.Unix(m.CreatedAt, 0),
	}
	f.bus.Publish(events.Event{
		Timestamp: time.Now(),
		Source:    events.SourceChannel,
		Kind:      events.KindEventReceived,
		Data: map[string]any{
			"platform":         PlatformFeed,
			"conversation_key": evt.ConversationKey,
			"content_len":      len(evt.Content),
		},
	})

	reply, err := f.sub.Submit(ctx, evt)
	if err != nil {
		f.logger.Error("turn failed", "thread_id", m.ThreadID, "error", err)
	}
	if reply == nil {
		return
	}

	sendErr := f.post(ctx, m.ThreadID, reply.Content)
	if sendErr != nil {
		f.logger.Error("reply delivery failed", "thread_id", m.ThreadID, "error", sendErr)
	}
	f.bus.Publish(events.Event{
		Timestamp: time.Now(),
		Source:    events.SourceChannel,
		Kind:      events.KindReplyDelivered,
		Data: map[string]any{
			"platform":         PlatformFeed,
			"conversation_key": evt.ConversationKey,
			"ok":               sendErr == nil,
		},
	})
}

// post publishes a reply into a thread.
func (f *Feed) post(ctx context.Context, threadID, text string) error {
	body, err := json.Marshal(map[string]string{"thread_id": threadID, "text": text})
	if err != nil {
		return fmt.Errorf("marshal reply: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, "POST", f.baseURL+"/reply", bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if f.token != "" {
		req.Header.Set("Authorization", "Bearer "+f.token)
	}

	resp, err := f.client.Do(req)
	if err != nil {
		return fmt.Errorf("post reply: %w", err)
	}
	defer httpkit.DrainAndClose(resp.Body, 4096)

	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusCreated {
		return fmt.Errorf("reply status %d", resp.StatusCode)
	}
	return nil
}

// stripHandle removes the bot's @handle from a mention so the model
// sees only the request text.
func stripHandle(text, handle string) string {
	if handle == "" {
		return strings.TrimSpace(text)
	}
	cleaned := strings.ReplaceAll(text, "@"+handle, "")
	return strings.TrimSpace(cleaned)
}
