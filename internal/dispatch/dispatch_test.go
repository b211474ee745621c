package dispatch

import (
	"context"
	"database/sql"
	"errors"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	_ "modernc.org/sqlite"

	"github.com/corvid-labs/huginn/internal/bridge"
	"github.com/corvid-labs/huginn/internal/llm"
	"github.com/corvid-labs/huginn/internal/retriever"
	"github.com/corvid-labs/huginn/internal/store"
)

func newTestStore(t *testing.T) *store.Store {
	t.Helper()
	db, err := sql.Open("sqlite", filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatalf("open database: %v", err)
	}
	db.SetMaxOpenConns(1)
	s, err := store.NewFromDB(db, nil)
	if err != nil {
		t.Fatalf("NewFromDB: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

// scriptedEngine returns queued completions/errors in order and records
// the messages it was given.
type scriptedEngine struct {
	mu      sync.Mutex
	script  []func() (*llm.Completion, error)
	calls   int
	inputs  [][]llm.Message
	delay   time.Duration
	inUse   atomic.Int32
	maxUse  atomic.Int32
}

func (e *scriptedEngine) Complete(_ context.Context, model string, messages []llm.Message, _ []llm.ToolDescriptor) (*llm.Completion, error) {
	n := e.inUse.Add(1)
	if m := e.maxUse.Load(); n > m {
		e.maxUse.CompareAndSwap(m, n)
	}
	if e.delay > 0 {
		time.Sleep(e.delay)
	}
	e.inUse.Add(-1)

	e.mu.Lock()
	defer e.mu.Unlock()
	e.inputs = append(e.inputs, append([]llm.Message(nil), messages...))
	idx := e.calls
	e.calls++
	if idx < len(e.script) {
		return e.script[idx]()
	}
	// Default: echo a final answer.
	return &llm.Completion{Kind: llm.KindFinalAnswer, Text: "done", Model: model}, nil
}

func (e *scriptedEngine) Ping(context.Context) error { return nil }

func (e *scriptedEngine) callCount() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.calls
}

func final(text string) func() (*llm.Completion, error) {
	return func() (*llm.Completion, error) {
		return &llm.Completion{Kind: llm.KindFinalAnswer, Text: text, Model: "test"}, nil
	}
}

func toolCall(name string, args map[string]any) func() (*llm.Completion, error) {
	return func() (*llm.Completion, error) {
		return &llm.Completion{
			Kind:      llm.KindToolCall,
			ToolCalls: []llm.ToolCall{{ID: "tu_1", Name: name, Arguments: args}},
			Model:     "test",
		}, nil
	}
}

func fail(err error) func() (*llm.Completion, error) {
	return func() (*llm.Completion, error) { return nil, err }
}

// stubTools runs tools from a map; missing tools report an error.
type stubTools struct {
	outputs map[string]string
	err     error
	mu      sync.Mutex
	invoked []string
}

func (s *stubTools) Tools() []llm.ToolDescriptor {
	descs := make([]llm.ToolDescriptor, 0, len(s.outputs))
	for name := range s.outputs {
		descs = append(descs, llm.ToolDescriptor{Name: name})
	}
	return descs
}

func (s *stubTools) Invoke(_ context.Context, name string, _ map[string]any) (string, error) {
	s.mu.Lock()
	s.invoked = append(s.invoked, name)
	s.mu.Unlock()
	if s.err != nil {
		return "", s.err
	}
	return s.outputs[name], nil
}

type stubMemory struct {
	results []retriever.Result
}

func (s *stubMemory) Query(context.Context, string, int) []retriever.Result {
	return s.results
}

func newDispatcher(t *testing.T, engine llm.Client, tools ToolRunner, memory MemorySource, cfg Config) (*Dispatcher, *store.Store) {
	t.Helper()
	st := newTestStore(t)
	if cfg.CallTimeout == 0 {
		cfg.CallTimeout = 5 * time.Second
	}
	return New(st, memory, engine, tools, cfg, nil, nil), st
}

func event(key, content string) InboundEvent {
	return InboundEvent{
		Platform:        "gateway",
		ConversationKey: key,
		Sender:          "alice",
		Content:         content,
		ReceivedAt:      time.Now(),
	}
}

func TestSubmitFinalAnswer(t *testing.T) {
	engine := &scriptedEngine{script: []func() (*llm.Completion, error){final("hello alice")}}
	d, st := newDispatcher(t, engine, nil, nil, Config{})

	reply, err := d.Submit(context.Background(), event("gateway:room-1", "hi"))
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}
	if reply.Content != "hello alice" {
		t.Errorf("reply content = %q, want %q", reply.Content, "hello alice")
	}
	if reply.ConversationKey != "gateway:room-1" {
		t.Errorf("reply key = %q, want gateway:room-1", reply.ConversationKey)
	}

	conv, _ := st.GetOrCreate(context.Background(), "gateway:room-1", "gateway")
	msgs, _ := st.Recent(context.Background(), conv.ID, 0)
	if len(msgs) != 2 {
		t.Fatalf("stored %d messages, want 2", len(msgs))
	}
	if msgs[0].Role != store.RoleUser || msgs[0].Content != "hi" {
		t.Errorf("first message = %s %q, want user hi", msgs[0].Role, msgs[0].Content)
	}
	if msgs[1].Role != store.RoleAssistant || msgs[1].Content != "hello alice" {
		t.Errorf("second message = %s %q, want assistant reply", msgs[1].Role, msgs[1].Content)
	}
	if reply.InReplyTo != msgs[0].ID {
		t.Errorf("InReplyTo = %q, want user message id %q", reply.InReplyTo, msgs[0].ID)
	}
}

func TestSubmitToolLoop(t *testing.T) {
	engine := &scriptedEngine{script: []func() (*llm.Completion, error){
		toolCall("get_weather", map[string]any{"city": "Oslo"}),
		final("It is cold in Oslo."),
	}}
	tools := &stubTools{outputs: map[string]string{"get_weather": "-5C, snowing"}}
	d, st := newDispatcher(t, engine, tools, nil, Config{})

	reply, err := d.Submit(context.Background(), event("gateway:room-2", "weather in oslo?"))
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}
	if reply.Content != "It is cold in Oslo." {
		t.Errorf("reply = %q", reply.Content)
	}
	if len(tools.invoked) != 1 || tools.invoked[0] != "get_weather" {
		t.Errorf("invoked tools = %v, want [get_weather]", tools.invoked)
	}

	conv, _ := st.GetOrCreate(context.Background(), "gateway:room-2", "gateway")
	msgs, _ := st.Recent(context.Background(), conv.ID, 0)
	wantRoles := []string{store.RoleUser, store.RoleAssistant, store.RoleTool, store.RoleAssistant}
	if len(msgs) != len(wantRoles) {
		t.Fatalf("stored %d messages, want %d", len(msgs), len(wantRoles))
	}
	for i, want := range wantRoles {
		if msgs[i].Role != want {
			t.Errorf("message %d role = %s, want %s", i, msgs[i].Role, want)
		}
	}
	if msgs[1].ToolName != "get_weather" || msgs[1].ToolCallID != "tu_1" {
		t.Errorf("tool request message = %+v", msgs[1])
	}
	if msgs[2].Content != "-5C, snowing" {
		t.Errorf("tool result content = %q", msgs[2].Content)
	}

	// The second inference must see the tool result.
	engine.mu.Lock()
	secondInput := engine.inputs[1]
	engine.mu.Unlock()
	found := false
	for _, m := range secondInput {
		if m.Role == "tool" && m.Content == "-5C, snowing" && m.ToolCallID == "tu_1" {
			found = true
		}
	}
	if !found {
		t.Error("second inference input missing the tool result")
	}

	if conv2, _ := st.Get(context.Background(), conv.ID); conv2.Status != store.StatusActive {
		t.Errorf("conversation status = %q, want active after turn", conv2.Status)
	}
}

func TestSubmitToolLoopExceeded(t *testing.T) {
	// Engine that always wants a tool.
	engine := &scriptedEngine{}
	for range 10 {
		engine.script = append(engine.script, toolCall("spin", nil))
	}
	tools := &stubTools{outputs: map[string]string{"spin": "ok"}}
	d, _ := newDispatcher(t, engine, tools, nil, Config{MaxIterations: 3})

	reply, err := d.Submit(context.Background(), event("gateway:room-3", "loop forever"))
	var te *TurnError
	if !errors.As(err, &te) || te.Kind != FailToolLoopExceeded {
		t.Fatalf("error = %v, want TurnError(tool_loop_exceeded)", err)
	}
	if reply == nil || reply.Content != apologyLoopExceeded {
		t.Errorf("reply = %+v, want apologetic fallback", reply)
	}
	if got := engine.callCount(); got != 3 {
		t.Errorf("inference calls = %d, want exactly the iteration cap 3", got)
	}
}

func TestSubmitRetriesTransientThenSucceeds(t *testing.T) {
	transient := &llm.ProviderError{Provider: "test", Status: 503, Err: errors.New("down")}
	engine := &scriptedEngine{script: []func() (*llm.Completion, error){
		fail(transient),
		fail(transient),
		final("recovered"),
	}}
	d, _ := newDispatcher(t, engine, nil, nil, Config{RetryAttempts: 3})

	reply, err := d.Submit(context.Background(), event("gateway:room-4", "hi"))
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}
	if reply.Content != "recovered" {
		t.Errorf("reply = %q, want recovered", reply.Content)
	}
	if got := engine.callCount(); got != 3 {
		t.Errorf("inference calls = %d, want 3", got)
	}
}

func TestSubmitTransientExhausted(t *testing.T) {
	transient := &llm.ProviderError{Provider: "test", Status: 529, Err: errors.New("overloaded")}
	engine := &scriptedEngine{script: []func() (*llm.Completion, error){
		fail(transient), fail(transient), fail(transient),
	}}
	d, st := newDispatcher(t, engine, nil, nil, Config{RetryAttempts: 3})

	reply, err := d.Submit(context.Background(), event("gateway:room-5", "hi"))
	var te *TurnError
	if !errors.As(err, &te) || te.Kind != FailTransientNetwork {
		t.Fatalf("error = %v, want TurnError(transient_network)", err)
	}
	if reply == nil || reply.Content != apologyUnavailable {
		t.Errorf("reply = %+v, want apologetic fallback", reply)
	}

	// The apology is durable too.
	conv, _ := st.GetOrCreate(context.Background(), "gateway:room-5", "gateway")
	msgs, _ := st.Recent(context.Background(), conv.ID, 0)
	if len(msgs) != 2 || msgs[1].Content != apologyUnavailable {
		t.Errorf("stored messages = %+v, want user + apology", msgs)
	}
}

func TestSubmitRetriesCallTimeout(t *testing.T) {
	// The per-call timeout surfaces as a deadline error; it must be
	// retried like any other transient failure.
	engine := &scriptedEngine{script: []func() (*llm.Completion, error){
		fail(context.DeadlineExceeded),
		fail(context.DeadlineExceeded),
		final("slow but here"),
	}}
	d, _ := newDispatcher(t, engine, nil, nil, Config{RetryAttempts: 3})

	reply, err := d.Submit(context.Background(), event("gateway:room-slow", "hi"))
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}
	if reply.Content != "slow but here" {
		t.Errorf("reply = %q, want slow but here", reply.Content)
	}
	if got := engine.callCount(); got != 3 {
		t.Errorf("inference calls = %d, want 3", got)
	}
}

func TestSubmitCallTimeoutExhaustedIsTransient(t *testing.T) {
	engine := &scriptedEngine{script: []func() (*llm.Completion, error){
		fail(context.DeadlineExceeded),
		fail(context.DeadlineExceeded),
		fail(context.DeadlineExceeded),
	}}
	d, _ := newDispatcher(t, engine, nil, nil, Config{RetryAttempts: 3})

	reply, err := d.Submit(context.Background(), event("gateway:room-stuck", "hi"))
	var te *TurnError
	if !errors.As(err, &te) || te.Kind != FailTransientNetwork {
		t.Fatalf("error = %v, want TurnError(transient_network)", err)
	}
	if reply == nil || reply.Content != apologyUnavailable {
		t.Errorf("reply = %+v, want apologetic fallback", reply)
	}
	if got := engine.callCount(); got != 3 {
		t.Errorf("inference calls = %d, want all 3 attempts", got)
	}
}

func TestSubmitPermanentFailsWithoutRetry(t *testing.T) {
	permanent := &llm.ProviderError{Provider: "test", Status: 400, Err: errors.New("bad request")}
	engine := &scriptedEngine{script: []func() (*llm.Completion, error){fail(permanent)}}
	d, _ := newDispatcher(t, engine, nil, nil, Config{RetryAttempts: 3})

	reply, err := d.Submit(context.Background(), event("gateway:room-6", "hi"))
	var te *TurnError
	if !errors.As(err, &te) || te.Kind != FailPermanentRequest {
		t.Fatalf("error = %v, want TurnError(permanent_request)", err)
	}
	if reply == nil {
		t.Fatal("want apologetic reply, got nil")
	}
	if got := engine.callCount(); got != 1 {
		t.Errorf("inference calls = %d, want 1 (no retry on permanent)", got)
	}
}

// brokenAppendStore delegates to a real store but fails appends past a
// threshold.
type brokenAppendStore struct {
	Store
	allow int
	seen  int
	err   error
}

func (s *brokenAppendStore) Append(ctx context.Context, m store.Message) (*store.Message, error) {
	s.seen++
	if s.seen > s.allow {
		return nil, s.err
	}
	return s.Store.Append(ctx, m)
}

func TestSubmitUserAppendFailureStillReplies(t *testing.T) {
	engine := &scriptedEngine{}
	broken := &brokenAppendStore{Store: newTestStore(t), err: errors.New("disk full")}
	d := New(broken, nil, engine, nil, Config{CallTimeout: 5 * time.Second}, nil, nil)

	reply, err := d.Submit(context.Background(), event("gateway:room-disk", "hi"))
	var te *TurnError
	if !errors.As(err, &te) || te.Kind != FailStoreWrite {
		t.Fatalf("error = %v, want TurnError(store_write_failure)", err)
	}
	if reply == nil || reply.Content != apologyNotSaved {
		t.Fatalf("reply = %+v, want apologetic fallback", reply)
	}
	if reply.ConversationKey != "gateway:room-disk" {
		t.Errorf("reply key = %q, want gateway:room-disk", reply.ConversationKey)
	}
	if got := engine.callCount(); got != 0 {
		t.Errorf("inference calls = %d, want 0 (user message never persisted)", got)
	}
}

func TestSubmitReplyAppendFailureStillReplies(t *testing.T) {
	engine := &scriptedEngine{script: []func() (*llm.Completion, error){final("the real answer")}}
	broken := &brokenAppendStore{Store: newTestStore(t), allow: 1, err: errors.New("disk full")}
	d := New(broken, nil, engine, nil, Config{CallTimeout: 5 * time.Second}, nil, nil)

	reply, err := d.Submit(context.Background(), event("gateway:room-disk2", "hi"))
	var te *TurnError
	if !errors.As(err, &te) || te.Kind != FailStoreWrite {
		t.Fatalf("error = %v, want TurnError(store_write_failure)", err)
	}
	if reply == nil || reply.Content != apologyNotSaved {
		t.Fatalf("reply = %+v, want apologetic fallback", reply)
	}
	if reply.InReplyTo == "" {
		t.Error("reply missing InReplyTo for the persisted user message")
	}
}

func TestSubmitBridgeDisconnectedDegrades(t *testing.T) {
	engine := &scriptedEngine{script: []func() (*llm.Completion, error){
		toolCall("get_weather", nil),
		final("I can't check the weather right now."),
	}}
	tools := &stubTools{outputs: map[string]string{}, err: bridge.ErrBridgeDisconnected}
	d, st := newDispatcher(t, engine, tools, nil, Config{})

	reply, err := d.Submit(context.Background(), event("gateway:room-7", "weather?"))
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}
	if reply.Content != "I can't check the weather right now." {
		t.Errorf("reply = %q", reply.Content)
	}

	conv, _ := st.GetOrCreate(context.Background(), "gateway:room-7", "gateway")
	msgs, _ := st.Recent(context.Background(), conv.ID, 0)
	var toolResult *store.Message
	for i := range msgs {
		if msgs[i].Role == store.RoleTool {
			toolResult = &msgs[i]
		}
	}
	if toolResult == nil {
		t.Fatal("no tool result stored")
	}
	if !strings.Contains(toolResult.Content, "tool unavailable") {
		t.Errorf("tool result = %q, want unavailable notice", toolResult.Content)
	}
}

func TestSubmitInjectsMemory(t *testing.T) {
	engine := &scriptedEngine{script: []func() (*llm.Completion, error){final("ok")}}
	memory := &stubMemory{results: []retriever.Result{
		{Entry: store.MemoryEntry{Content: "Alice prefers metric units."}, Score: 0.9},
	}}
	d, _ := newDispatcher(t, engine, nil, memory, Config{})

	if _, err := d.Submit(context.Background(), event("gateway:room-8", "hi")); err != nil {
		t.Fatalf("Submit: %v", err)
	}

	engine.mu.Lock()
	input := engine.inputs[0]
	engine.mu.Unlock()
	found := false
	for _, m := range input {
		if m.Role == "system" && strings.Contains(m.Content, "Alice prefers metric units.") {
			found = true
		}
	}
	if !found {
		t.Error("inference input missing retrieved memory")
	}
}

func TestSubmitSerializesPerConversation(t *testing.T) {
	engine := &scriptedEngine{delay: 30 * time.Millisecond}
	d, st := newDispatcher(t, engine, nil, nil, Config{})

	var wg sync.WaitGroup
	for range 4 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := d.Submit(context.Background(), event("gateway:serial", "msg")); err != nil {
				t.Errorf("Submit: %v", err)
			}
		}()
	}
	wg.Wait()

	if got := engine.maxUse.Load(); got != 1 {
		t.Errorf("max concurrent inferences for one conversation = %d, want 1", got)
	}

	// All eight messages landed with unique seqs.
	conv, _ := st.GetOrCreate(context.Background(), "gateway:serial", "gateway")
	msgs, _ := st.Recent(context.Background(), conv.ID, 0)
	if len(msgs) != 8 {
		t.Errorf("stored %d messages, want 8", len(msgs))
	}
}

func TestSubmitDistinctConversationsRunConcurrently(t *testing.T) {
	engine := &scriptedEngine{delay: 50 * time.Millisecond}
	d, _ := newDispatcher(t, engine, nil, nil, Config{})

	var wg sync.WaitGroup
	for i := range 3 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			key := "gateway:parallel-" + string(rune('a'+i))
			if _, err := d.Submit(context.Background(), event(key, "msg")); err != nil {
				t.Errorf("Submit: %v", err)
			}
		}()
	}
	wg.Wait()

	if got := engine.maxUse.Load(); got < 2 {
		t.Errorf("max concurrent inferences across conversations = %d, want >= 2", got)
	}
}

func TestStats(t *testing.T) {
	engine := &scriptedEngine{script: []func() (*llm.Completion, error){final("ok")}}
	d, _ := newDispatcher(t, engine, nil, nil, Config{})

	if _, err := d.Submit(context.Background(), event("gateway:stats", "hi")); err != nil {
		t.Fatalf("Submit: %v", err)
	}

	stats := d.Stats()
	if got := stats["turns_total"].(int64); got != 1 {
		t.Errorf("turns_total = %d, want 1", got)
	}
	if got := stats["inference_calls"].(int64); got != 1 {
		t.Errorf("inference_calls = %d, want 1", got)
	}
	if got := stats["turns_failed"].(int64); got != 0 {
		t.Errorf("turns_failed = %d, want 0", got)
	}
}
