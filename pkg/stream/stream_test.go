package stream

import (
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/amira/toolbridge/pkg/conversation"
)

func collect(p *Publisher) []Event {
	var events []Event
	for ev := range p.Events() {
		events = append(events, ev)
	}
	return events
}

func TestProgressThenFinalOrdering(t *testing.T) {
	p := NewPublisher("conv-1", 0, zerolog.Nop())

	p.Progress("Looking up the exchange rates...")
	p.Final(conversation.StructuredResponse{
		Status:  conversation.StatusCompleted,
		Message: "1 USD = 0.92 EUR",
	})

	events := collect(p)
	require.Len(t, events, 2)

	assert.False(t, events[0].Final)
	assert.Equal(t, "Looking up the exchange rates...", events[0].Content)

	last := events[len(events)-1]
	assert.True(t, last.Final)
	require.NotNil(t, last.Response)
	assert.Equal(t, conversation.StatusCompleted, last.Response.Status)
	assert.Equal(t, "1 USD = 0.92 EUR", last.Response.Message)
}

func TestExactlyOneFinal(t *testing.T) {
	p := NewPublisher("conv-1", 0, zerolog.Nop())

	p.Final(conversation.StructuredResponse{Status: conversation.StatusCompleted, Message: "first"})
	p.Final(conversation.StructuredResponse{Status: conversation.StatusError, Message: "second"})
	p.Close()

	events := collect(p)
	require.Len(t, events, 1)
	assert.True(t, events[0].Final)
	assert.Equal(t, "first", events[0].Response.Message)
}

func TestCloseWithoutFinalEmitsGenericError(t *testing.T) {
	p := NewPublisher("conv-1", 0, zerolog.Nop())

	p.Progress("Processing the PDF split request...")
	p.Close()

	events := collect(p)
	require.Len(t, events, 2)

	last := events[len(events)-1]
	require.True(t, last.Final)
	assert.Equal(t, conversation.StatusError, last.Response.Status)
	assert.Equal(t, FallbackFinalMessage, last.Response.Message)
}

func TestProgressAfterFinalIsDropped(t *testing.T) {
	p := NewPublisher("conv-1", 0, zerolog.Nop())

	p.Final(conversation.StructuredResponse{Status: conversation.StatusCompleted, Message: "done"})
	p.Progress("too late")

	events := collect(p)
	require.Len(t, events, 1)
	assert.True(t, events[0].Final)
}

func TestFinalLandsUnderBackpressure(t *testing.T) {
	p := NewPublisher("conv-1", 2, zerolog.Nop())

	// Nobody is reading; fill the buffer past capacity
	for i := 0; i < 5; i++ {
		p.Progress("update")
	}
	p.Final(conversation.StructuredResponse{Status: conversation.StatusCompleted, Message: "done"})

	events := collect(p)
	require.NotEmpty(t, events)

	last := events[len(events)-1]
	assert.True(t, last.Final)
	assert.Equal(t, "done", last.Response.Message)

	for _, ev := range events[:len(events)-1] {
		assert.False(t, ev.Final)
	}
}

func TestDoubleCloseIsSafe(t *testing.T) {
	p := NewPublisher("conv-1", 0, zerolog.Nop())
	p.Close()
	p.Close()

	events := collect(p)
	require.Len(t, events, 1)
	assert.True(t, events[0].Final)
}
