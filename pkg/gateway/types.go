package gateway

import (
	"github.com/amira/toolbridge/pkg/conversation"
)

// TurnRequest asks the bridge to run one turn. An empty conversation ID
// starts a new conversation.
type TurnRequest struct {
	ConversationID string `json:"conversation_id,omitempty"`
	Message        string `json:"message"`
	AgentID        string `json:"agent_id,omitempty"`
}

// TurnReply is the synchronous answer for HTTP callers: the structured
// response plus the conversation ID to continue with.
type TurnReply struct {
	ConversationID string              `json:"conversation_id"`
	Status         conversation.Status `json:"status"`
	Message        string              `json:"message"`
}

// HistoryReply lists a conversation's messages.
type HistoryReply struct {
	ConversationID string                 `json:"conversation_id"`
	Messages       []conversation.Message `json:"messages"`
}

// ErrorReply is the JSON error envelope.
type ErrorReply struct {
	Error string `json:"error"`
}
