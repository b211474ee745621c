// Package dispatch turns normalized inbound events into replies. It is
// the only place that runs the reasoning loop: persist the user turn,
// gather memory, call the reasoning engine, execute requested tools
// over the bridge, and persist everything before the reply leaves.
// Turns for one conversation are strictly serialized; distinct
// conversations proceed in parallel.
package dispatch

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync/atomic"
	"time"

	"github.com/corvid-labs/huginn/internal/bridge"
	"github.com/corvid-labs/huginn/internal/events"
	"github.com/corvid-labs/huginn/internal/llm"
	"github.com/corvid-labs/huginn/internal/retriever"
	"github.com/corvid-labs/huginn/internal/store"
)

// InboundEvent is the platform-neutral shape every channel connector
// produces. The dispatcher never branches on Platform; it only stores
// it and scopes the conversation key with it.
type InboundEvent struct {
	Platform        string    `json:"platform"`
	ConversationKey string    `json:"conversation_key"`
	Sender          string    `json:"sender"`
	Content         string    `json:"content"`
	Attachments     []string  `json:"attachments,omitempty"`
	ReceivedAt      time.Time `json:"received_at"`
}

// OutboundReply is what a connector delivers back to its platform.
type OutboundReply struct {
	ConversationKey string `json:"conversation_key"`
	Content         string `json:"content"`
	// InReplyTo is the stored id of the user message this answers.
	InReplyTo string `json:"in_reply_to,omitempty"`
}

// Store is the slice of the conversation store the dispatcher uses.
type Store interface {
	GetOrCreate(ctx context.Context, key, platform string) (*store.Conversation, error)
	Append(ctx context.Context, m store.Message) (*store.Message, error)
	Recent(ctx context.Context, conversationID string, limit int) ([]store.Message, error)
	SetStatus(ctx context.Context, conversationID, status string) error
}

// MemorySource supplies relevant memory for a turn. Implementations
// must degrade to empty results rather than fail.
type MemorySource interface {
	Query(ctx context.Context, text string, k int) []retriever.Result
}

// ToolRunner executes tools on behalf of the model.
type ToolRunner interface {
	Tools() []llm.ToolDescriptor
	Invoke(ctx context.Context, name string, args map[string]any) (string, error)
}

// Config tunes the dispatcher.
type Config struct {
	Model         string
	SystemPrompt  string
	MaxIterations int
	HistoryLimit  int
	MemoryTopK    int
	CallTimeout   time.Duration
	RetryAttempts int
	LockTTL       time.Duration
}

const defaultSystemPrompt = "You are Huginn, a helpful assistant reachable " +
	"across chat, messaging, social, and code-hosting platforms. Be concise. " +
	"Use the available tools when they help answer the question."

// apologyUnavailable is sent when the reasoning engine cannot be
// reached at all.
const apologyUnavailable = "Sorry, I can't think straight right now. " +
	"Please try again in a moment."

// apologyLoopExceeded is sent when the model keeps requesting tools
// without converging on an answer.
const apologyLoopExceeded = "Sorry, I couldn't finish working through that. " +
	"Could you rephrase or narrow it down?"

// apologyNotSaved is sent when a turn cannot be recorded durably.
// Delivery does not require a store write, so the user still hears
// back even when the database is broken.
const apologyNotSaved = "Sorry, something went wrong on my end saving our " +
	"conversation. Please try again in a moment."

// Dispatcher runs turns.
type Dispatcher struct {
	store     Store
	memory    MemorySource
	engine    llm.Client
	tools     ToolRunner
	cfg       Config
	bus       *events.Bus
	logger    *slog.Logger
	locks     *keyedLocks
	turnClock func() time.Time

	turnsTotal      atomic.Int64
	turnsFailed     atomic.Int64
	inferenceCalls  atomic.Int64
	toolInvocations atomic.Int64
}

// New creates a dispatcher. memory and tools may be nil; turns then
// run without retrieval or tool support.
func New(st Store, memory MemorySource, engine llm.Client, tools ToolRunner, cfg Config, bus *events.Bus, logger *slog.Logger) *Dispatcher {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.MaxIterations <= 0 {
		cfg.MaxIterations = 8
	}
	if cfg.HistoryLimit <= 0 {
		cfg.HistoryLimit = 40
	}
	if cfg.MemoryTopK <= 0 {
		cfg.MemoryTopK = 5
	}
	if cfg.CallTimeout <= 0 {
		cfg.CallTimeout = 2 * time.Minute
	}
	if cfg.RetryAttempts <= 0 {
		cfg.RetryAttempts = 3
	}
	if cfg.SystemPrompt == "" {
		cfg.SystemPrompt = defaultSystemPrompt
	}
	return &Dispatcher{
		store:     st,
		memory:    memory,
		engine:    engine,
		tools:     tools,
		cfg:       cfg,
		bus:       bus,
		logger:    logger.With("component", "dispatch"),
		locks:     newKeyedLocks(cfg.LockTTL),
		turnClock: time.Now,
	}
}

// Submit processes one inbound event to completion and returns the
// reply to deliver. Calls for the same conversation key block until
// earlier turns finish; calls for different keys run concurrently.
//
// A non-nil reply may accompany a non-nil error: the apologetic
// fallback replies carry a TurnError describing why the real answer
// never materialized.
func (d *Dispatcher) Submit(ctx context.Context, evt InboundEvent) (*OutboundReply, error) {
	unlock := d.locks.acquire(evt.ConversationKey)
	defer unlock()

	d.turnsTotal.Add(1)
	started := d.turnClock()

	// Watchdog: a turn may never outlive the worst case of a full
	// tool loop. Tool time rides on the same budget.
	turnCtx, cancel := context.WithTimeout(ctx, time.Duration(d.cfg.MaxIterations)*d.cfg.CallTimeout)
	defer cancel()

	conv, err := d.store.GetOrCreate(turnCtx, evt.ConversationKey, evt.Platform)
	if err != nil {
		d.turnsFailed.Add(1)
		return &OutboundReply{ConversationKey: evt.ConversationKey, Content: apologyNotSaved},
			turnErr(FailStoreWrite, fmt.Errorf("get conversation: %w", err))
	}

	d.bus.Publish(events.Event{
		Timestamp: started,
		Source:    events.SourceDispatch,
		Kind:      events.KindTurnStart,
		Data:      map[string]any{"conversation_id": conv.ID, "platform": evt.Platform},
	})

	userMsg, err := d.store.Append(turnCtx, store.Message{
		ConversationID: conv.ID,
		Role:           store.RoleUser,
		Content:        evt.Content,
	})
	if err != nil {
		// Nothing durable happened; the caller may redeliver the event.
		d.turnsFailed.Add(1)
		return &OutboundReply{ConversationKey: conv.Key, Content: apologyNotSaved},
			turnErr(FailStoreWrite, fmt.Errorf("append user message: %w", err))
	}

	reply, err := d.runLoop(turnCtx, conv, evt, userMsg)
	if err != nil && reply == nil {
		// Store failures inside the loop still owe the user a reply.
		reply = &OutboundReply{
			ConversationKey: conv.Key,
			Content:         apologyNotSaved,
			InReplyTo:       userMsg.ID,
		}
	}

	outcome := "ok"
	if err != nil {
		d.turnsFailed.Add(1)
		outcome = "failed"
		var te *TurnError
		if errors.As(err, &te) {
			outcome = string(te.Kind)
		}
	}
	d.bus.Publish(events.Event{
		Timestamp: d.turnClock(),
		Source:    events.SourceDispatch,
		Kind:      events.KindTurnComplete,
		Data: map[string]any{
			"conversation_id": conv.ID,
			"elapsed_ms":      d.turnClock().Sub(started).Milliseconds(),
			"outcome":         outcome,
		},
	})
	return reply, err
}

// runLoop drives the bounded reasoning/tool loop for one turn.
func (d *Dispatcher) runLoop(ctx context.Context, conv *store.Conversation, evt InboundEvent, userMsg *store.Message) (*OutboundReply, error) {
	for iter := 1; iter <= d.cfg.MaxIterations; iter++ {
		messages, err := d.buildMessages(ctx, conv.ID, evt.Content)
		if err != nil {
			return nil, err
		}

		completion, err := d.completeWithRetry(ctx, conv.ID, iter, messages)
		if err != nil {
			return d.apologize(ctx, conv, userMsg, apologyUnavailable, err)
		}

		if completion.Kind == llm.KindFinalAnswer {
			final, err := d.store.Append(ctx, store.Message{
				ConversationID: conv.ID,
				Role:           store.RoleAssistant,
				Content:        completion.Text,
			})
			if err != nil {
				return nil, turnErr(FailStoreWrite, fmt.Errorf("append reply: %w", err))
			}
			return &OutboundReply{
				ConversationKey: conv.Key,
				Content:         final.Content,
				InReplyTo:       userMsg.ID,
			}, nil
		}

		if err := d.executeToolCalls(ctx, conv, completion); err != nil {
			return nil, err
		}
	}

	cause := turnErr(FailToolLoopExceeded,
		fmt.Errorf("no final answer after %d iterations", d.cfg.MaxIterations))
	return d.apologize(ctx, conv, userMsg, apologyLoopExceeded, cause)
}

// executeToolCalls persists the model's tool requests, runs them, and
// persists the results. A dead bridge or a failing tool becomes result
// text the model sees on the next iteration; only store failures abort
// the turn.
func (d *Dispatcher) executeToolCalls(ctx context.Context, conv *store.Conversation, completion *llm.Completion) error {
	if err := d.store.SetStatus(ctx, conv.ID, store.StatusAwaitingTool); err != nil {
		d.logger.Warn("set awaiting_tool failed", "conversation_id", conv.ID, "error", err)
	}
	defer func() {
		if err := d.store.SetStatus(ctx, conv.ID, store.StatusActive); err != nil {
			d.logger.Warn("restore active status failed", "conversation_id", conv.ID, "error", err)
		}
	}()

	for i, tc := range completion.ToolCalls {
		argsJSON, _ := json.Marshal(tc.Arguments)
		content := ""
		if i == 0 {
			content = completion.Text
		}
		if _, err := d.store.Append(ctx, store.Message{
			ConversationID: conv.ID,
			Role:           store.RoleAssistant,
			Content:        content,
			ToolName:       tc.Name,
			ToolArgs:       string(argsJSON),
			ToolCallID:     tc.ID,
		}); err != nil {
			return turnErr(FailStoreWrite, fmt.Errorf("append tool request: %w", err))
		}

		output := d.invokeTool(ctx, conv.ID, tc)

		if _, err := d.store.Append(ctx, store.Message{
			ConversationID: conv.ID,
			Role:           store.RoleTool,
			Content:        output,
			ToolName:       tc.Name,
			ToolCallID:     tc.ID,
		}); err != nil {
			return turnErr(FailStoreWrite, fmt.Errorf("append tool result: %w", err))
		}
	}
	return nil
}

// invokeTool runs one tool call. Failures become result text: the
// model handles "that didn't work" far better than a dropped turn.
func (d *Dispatcher) invokeTool(ctx context.Context, conversationID string, tc llm.ToolCall) string {
	d.toolInvocations.Add(1)
	d.bus.Publish(events.Event{
		Timestamp: d.turnClock(),
		Source:    events.SourceDispatch,
		Kind:      events.KindToolInvoke,
		Data:      map[string]any{"conversation_id": conversationID, "tool": tc.Name},
	})

	started := d.turnClock()
	var output string
	var err error
	if d.tools == nil {
		err = bridge.ErrBridgeDisconnected
	} else {
		output, err = d.tools.Invoke(ctx, tc.Name, tc.Arguments)
	}
	if err != nil {
		switch {
		case errors.Is(err, bridge.ErrBridgeDisconnected):
			output = "tool unavailable: the tool service is not connected"
		case errors.Is(err, context.DeadlineExceeded):
			output = "tool failed: timed out"
		default:
			output = "tool failed: " + err.Error()
		}
		d.logger.Warn("tool invocation failed",
			"conversation_id", conversationID, "tool", tc.Name, "error", err)
	}

	d.bus.Publish(events.Event{
		Timestamp: d.turnClock(),
		Source:    events.SourceDispatch,
		Kind:      events.KindToolDone,
		Data: map[string]any{
			"conversation_id": conversationID,
			"tool":            tc.Name,
			"ok":              err == nil,
			"duration_ms":     d.turnClock().Sub(started).Milliseconds(),
		},
	})
	return output
}

// completeWithRetry calls the reasoning engine, retrying transient
// failures with exponential backoff. Permanent failures and exhausted
// retries surface as classified TurnErrors.
func (d *Dispatcher) completeWithRetry(ctx context.Context, conversationID string, iter int, messages []llm.Message) (*llm.Completion, error) {
	var tools []llm.ToolDescriptor
	if d.tools != nil {
		tools = d.tools.Tools()
	}

	backoff := 500 * time.Millisecond
	var lastErr error
	for attempt := 1; attempt <= d.cfg.RetryAttempts; attempt++ {
		d.inferenceCalls.Add(1)
		d.bus.Publish(events.Event{
			Timestamp: d.turnClock(),
			Source:    events.SourceDispatch,
			Kind:      events.KindInferenceCall,
			Data:      map[string]any{"conversation_id": conversationID, "iter": iter, "model": d.cfg.Model},
		})

		callCtx, cancel := context.WithTimeout(ctx, d.cfg.CallTimeout)
		completion, err := d.engine.Complete(callCtx, d.cfg.Model, messages, tools)
		cancel()
		if err == nil {
			d.bus.Publish(events.Event{
				Timestamp: d.turnClock(),
				Source:    events.SourceDispatch,
				Kind:      events.KindInferenceDone,
				Data: map[string]any{
					"conversation_id": conversationID,
					"iter":            iter,
					"model":           completion.Model,
					"kind":            string(completion.Kind),
				},
			})
			return completion, nil
		}

		if !llm.IsTransient(err) {
			if ctx.Err() != nil {
				return nil, turnErr(FailTransientNetwork, fmt.Errorf("turn deadline: %w", ctx.Err()))
			}
			// A deadline while the turn is still live is the per-call
			// timeout firing: the engine was slow, not the request bad.
			// Only the turn's own cancellation stops the retry.
			if !errors.Is(err, context.DeadlineExceeded) {
				return nil, turnErr(FailPermanentRequest, err)
			}
		}

		lastErr = err
		d.logger.Warn("transient inference failure",
			"conversation_id", conversationID,
			"attempt", attempt,
			"max_attempts", d.cfg.RetryAttempts,
			"error", err,
		)
		if attempt == d.cfg.RetryAttempts {
			break
		}
		select {
		case <-ctx.Done():
			return nil, turnErr(FailTransientNetwork, fmt.Errorf("turn deadline: %w", ctx.Err()))
		case <-time.After(backoff):
		}
		backoff *= 2
	}

	return nil, turnErr(FailTransientNetwork,
		fmt.Errorf("inference failed after %d attempts: %w", d.cfg.RetryAttempts, lastErr))
}

// apologize persists and returns a fallback reply. The classified
// cause rides along as the error so callers can still see what broke.
func (d *Dispatcher) apologize(ctx context.Context, conv *store.Conversation, userMsg *store.Message, text string, cause error) (*OutboundReply, error) {
	if _, err := d.store.Append(ctx, store.Message{
		ConversationID: conv.ID,
		Role:           store.RoleAssistant,
		Content:        text,
	}); err != nil {
		d.logger.Error("apologetic reply not persisted", "conversation_id", conv.ID, "error", err)
	}
	return &OutboundReply{
		ConversationKey: conv.Key,
		Content:         text,
		InReplyTo:       userMsg.ID,
	}, cause
}

// buildMessages assembles the engine input: system prompt, retrieved
// memory, then recent history.
func (d *Dispatcher) buildMessages(ctx context.Context, conversationID, queryText string) ([]llm.Message, error) {
	messages := []llm.Message{{Role: "system", Content: d.cfg.SystemPrompt}}

	if d.memory != nil {
		if results := d.memory.Query(ctx, queryText, d.cfg.MemoryTopK); len(results) > 0 {
			var b strings.Builder
			b.WriteString("Relevant memory from earlier conversations and documents:\n")
			for _, r := range results {
				b.WriteString("- ")
				b.WriteString(r.Entry.Content)
				b.WriteString("\n")
			}
			messages = append(messages, llm.Message{Role: "system", Content: b.String()})
		}
	}

	history, err := d.store.Recent(ctx, conversationID, d.cfg.HistoryLimit)
	if err != nil {
		return nil, turnErr(FailStoreWrite, fmt.Errorf("load history: %w", err))
	}
	for _, m := range history {
		messages = append(messages, storedToLLM(m))
	}
	return messages, nil
}

// storedToLLM converts a stored message to engine input.
func storedToLLM(m store.Message) llm.Message {
	out := llm.Message{Role: m.Role, Content: m.Content}
	switch m.Role {
	case store.RoleAssistant:
		if m.ToolName != "" {
			args := map[string]any{}
			if m.ToolArgs != "" {
				_ = json.Unmarshal([]byte(m.ToolArgs), &args)
			}
			out.ToolCalls = []llm.ToolCall{{
				ID:        m.ToolCallID,
				Name:      m.ToolName,
				Arguments: args,
			}}
		}
	case store.RoleTool:
		out.ToolCallID = m.ToolCallID
	}
	return out
}

// LockCount reports how many conversation locks are tracked.
func (d *Dispatcher) LockCount() int { return d.locks.size() }

// EvictIdleLocks removes locks idle past the TTL.
func (d *Dispatcher) EvictIdleLocks() { d.locks.evictIdle() }

// Stats returns dispatcher counters for telemetry.
func (d *Dispatcher) Stats() map[string]any {
	return map[string]any{
		"turns_total":      d.turnsTotal.Load(),
		"turns_failed":     d.turnsFailed.Load(),
		"inference_calls":  d.inferenceCalls.Load(),
		"tool_invocations": d.toolInvocations.Load(),
		"tracked_locks":    d.locks.size(),
	}
}
