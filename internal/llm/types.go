// Package llm provides reasoning engine adapters. Every provider is
// normalized to the same Completion shape: either a final answer for
// the user or a batch of tool calls to execute.
package llm

// Message represents a chat message sent to the reasoning engine.
type Message struct {
	Role       string     `json:"role"`
	Content    string     `json:"content"`
	ToolCalls  []ToolCall `json:"tool_calls,omitempty"`
	ToolCallID string     `json:"tool_call_id,omitempty"` // For tool responses
}

// ToolCall is a single tool invocation requested by the model.
type ToolCall struct {
	ID        string         `json:"id"`
	Name      string         `json:"name"`
	Arguments map[string]any `json:"arguments"`
}

// ToolDescriptor describes an available tool to the model. InputSchema
// is a JSON Schema object.
type ToolDescriptor struct {
	Name        string         `json:"name"`
	Description string         `json:"description,omitempty"`
	InputSchema map[string]any `json:"input_schema"`
}

// CompletionKind discriminates the two completion outcomes.
type CompletionKind string

const (
	// KindFinalAnswer means the model produced text for the user.
	KindFinalAnswer CompletionKind = "final_answer"
	// KindToolCall means the model wants one or more tools executed
	// before it can answer.
	KindToolCall CompletionKind = "tool_call"
)

// Completion is the normalized result of one inference call.
// Kind tells the caller which fields are meaningful: Text for
// KindFinalAnswer, ToolCalls for KindToolCall. A tool-call completion
// may still carry Text (model commentary preceding the calls).
type Completion struct {
	Kind         CompletionKind `json:"kind"`
	Text         string         `json:"text,omitempty"`
	ToolCalls    []ToolCall     `json:"tool_calls,omitempty"`
	Model        string         `json:"model"`
	InputTokens  int            `json:"input_tokens,omitempty"`
	OutputTokens int            `json:"output_tokens,omitempty"`
}
