// Package stream carries caller-visible progress for a running turn.
// Consumers may lose intermediate events under backpressure, but every
// turn delivers exactly one final event and it is always the last one.
package stream

import (
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/amira/toolbridge/internal/observability"
	"github.com/amira/toolbridge/pkg/conversation"
)

// DefaultBuffer is the event channel capacity.
const DefaultBuffer = 16

// FallbackFinalMessage is shown when a turn dies without producing a
// response. Internal error details never reach the caller.
const FallbackFinalMessage = "Something went wrong while handling your request. Please try again."

// Event is one progress update. Final events carry the structured
// response; non-final events carry display text only.
type Event struct {
	ConversationID string                           `json:"conversation_id"`
	Content        string                           `json:"content,omitempty"`
	Final          bool                             `json:"final"`
	Response       *conversation.StructuredResponse `json:"response,omitempty"`
	Timestamp      time.Time                        `json:"timestamp"`
}

// Publisher emits events for one turn. It enforces the final-event
// contract: exactly one final event, nothing after it.
type Publisher struct {
	conversationID string
	ch             chan Event
	logger         zerolog.Logger

	mu        sync.Mutex
	finalSent bool
	closed    bool
}

// NewPublisher creates a publisher for one turn. buffer <= 0 uses
// DefaultBuffer.
func NewPublisher(conversationID string, buffer int, logger zerolog.Logger) *Publisher {
	if buffer <= 0 {
		buffer = DefaultBuffer
	}
	return &Publisher{
		conversationID: conversationID,
		ch:             make(chan Event, buffer),
		logger:         logger,
	}
}

// Events is the consumer side. The channel closes after the final event.
func (p *Publisher) Events() <-chan Event {
	return p.ch
}

// Progress emits a non-final update. Dropped if the buffer is full or the
// final event was already sent.
func (p *Publisher) Progress(content string) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.finalSent || p.closed {
		p.logger.Debug().
			Str("conversation_id", p.conversationID).
			Msg("Dropping progress event after final")
		return
	}

	ev := Event{
		ConversationID: p.conversationID,
		Content:        content,
		Timestamp:      time.Now(),
	}

	select {
	case p.ch <- ev:
		observability.RecordStreamEvent(false)
	default:
		p.logger.Warn().
			Str("conversation_id", p.conversationID).
			Msg("Dropping progress event, consumer too slow")
	}
}

// Final emits the terminal event and closes the stream. Only the first
// call has any effect.
func (p *Publisher) Final(resp conversation.StructuredResponse) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.finalLocked(resp)
}

func (p *Publisher) finalLocked(resp conversation.StructuredResponse) {
	if p.finalSent || p.closed {
		return
	}
	p.finalSent = true

	ev := Event{
		ConversationID: p.conversationID,
		Content:        resp.Message,
		Final:          true,
		Response:       &resp,
		Timestamp:      time.Now(),
	}

	// The final event must land even under backpressure: make room by
	// shedding the oldest buffered progress event.
	for {
		select {
		case p.ch <- ev:
			observability.RecordStreamEvent(true)
			p.closed = true
			close(p.ch)
			return
		default:
			select {
			case <-p.ch:
			default:
			}
		}
	}
}

// Close ends the stream. If no final event was sent, a generic error
// final is emitted first so consumers always see a terminal event.
func (p *Publisher) Close() {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.finalLocked(conversation.StructuredResponse{
		Status:  conversation.StatusError,
		Message: FallbackFinalMessage,
	})
}
