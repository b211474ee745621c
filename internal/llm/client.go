package llm

import "context"

// Client is the interface that all reasoning engine providers implement.
type Client interface {
	// Complete sends one inference request and returns the normalized
	// completion. The ctx deadline bounds the call.
	Complete(ctx context.Context, model string, messages []Message, tools []ToolDescriptor) (*Completion, error)

	// Ping checks if the provider is reachable.
	Ping(ctx context.Context) error
}
