package store

import "time"

// Conversation statuses.
const (
	StatusActive       = "active"
	StatusAwaitingTool = "awaiting_tool"
	StatusClosed       = "closed"
)

// Message roles.
const (
	RoleUser      = "user"
	RoleAssistant = "assistant"
	RoleTool      = "tool"
)

// Conversation is a durable thread of messages identified by a
// platform-scoped key (e.g. "gateway:room-42").
type Conversation struct {
	ID        string    `json:"id"`
	Key       string    `json:"key"`
	Platform  string    `json:"platform"`
	Status    string    `json:"status"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Message is one entry in a conversation's append-only history.
// Seq is allocated by the store and defines the canonical ordering.
type Message struct {
	ID             string    `json:"id"`
	ConversationID string    `json:"conversation_id"`
	Seq            int64     `json:"seq"`
	Role           string    `json:"role"`
	Content        string    `json:"content"`
	ToolName       string    `json:"tool_name,omitempty"`
	ToolArgs       string    `json:"tool_args,omitempty"`
	ToolCallID     string    `json:"tool_call_id,omitempty"`
	CreatedAt      time.Time `json:"created_at"`
}

// MemoryEntry is an embedding-backed unit of recall. Conversational
// memory carries the originating MessageID; ingested knowledge leaves
// it empty and describes its origin in Source.
type MemoryEntry struct {
	ID        string    `json:"id"`
	MessageID string    `json:"message_id,omitempty"`
	Source    string    `json:"source"`
	Content   string    `json:"content"`
	Embedding []float32 `json:"-"`
	CreatedAt time.Time `json:"created_at"`
}
