// Package conversation holds the per-conversation message history and the
// store that owns it. A conversation's history is a single mutable cell:
// last writer wins, and callers serialize turns per conversation ID through
// Acquire.
package conversation

import (
	"time"
)

// Role identifies the author of a message.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleTool      Role = "tool"
)

// Status is the terminal status of a turn.
type Status string

const (
	StatusInputRequired Status = "input_required"
	StatusCompleted     Status = "completed"
	StatusError         Status = "error"
)

// StructuredResponse is the terminal artifact of a turn. Status
// input_required and error both mean no further autonomous progress is
// possible; they are tagged differently for the caller's UI.
type StructuredResponse struct {
	Status  Status `json:"status"`
	Message string `json:"message"`
}

// Terminal reports whether the response completes the task from the
// caller's perspective.
func (r StructuredResponse) Terminal() bool {
	return r.Status == StatusCompleted
}

// ToolCall is an assistant-requested tool invocation as recorded in history.
type ToolCall struct {
	ID        string         `json:"id"`
	Name      string         `json:"name"`
	Arguments map[string]any `json:"arguments"`
}

// Message is a single entry in a conversation's history.
type Message struct {
	Role       Role           `json:"role"`
	Content    string         `json:"content"`
	ToolCalls  []ToolCall     `json:"tool_calls,omitempty"`
	ToolCallID string         `json:"tool_call_id,omitempty"`
	Timestamp  time.Time      `json:"timestamp"`
	Metadata   map[string]any `json:"metadata,omitempty"`
}

// Turn is the evolving state of one conversation: its ordered message
// history plus the last structured response recorded for it. History is
// append-only within a turn.
type Turn struct {
	ConversationID string              `json:"conversation_id"`
	Messages       []Message           `json:"messages"`
	LastResponse   *StructuredResponse `json:"last_response,omitempty"`
	UpdatedAt      time.Time           `json:"updated_at"`
}

// Clone returns a deep copy so callers never alias store-owned state.
func (t Turn) Clone() Turn {
	out := t
	out.Messages = make([]Message, len(t.Messages))
	copy(out.Messages, t.Messages)
	if t.LastResponse != nil {
		resp := *t.LastResponse
		out.LastResponse = &resp
	}
	return out
}
