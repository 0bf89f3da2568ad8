package reasoner

import (
	"context"
	"errors"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/amira/toolbridge/pkg/conversation"
	"github.com/amira/toolbridge/pkg/registry"
)

// scriptedProvider replays canned replies, one per call.
type scriptedProvider struct {
	replies []*Reply
	errs    []error
	calls   int
	lastReq Request
}

func (p *scriptedProvider) Provider() string { return "scripted" }

func (p *scriptedProvider) Call(_ context.Context, req Request) (*Reply, error) {
	p.lastReq = req
	i := p.calls
	p.calls++
	if i < len(p.errs) && p.errs[i] != nil {
		return nil, p.errs[i]
	}
	if i < len(p.replies) {
		return p.replies[i], nil
	}
	return &Reply{}, nil
}

func newTestReasoner(p Provider) *Reasoner {
	return New(p, Config{Model: "gpt-4o-mini"}, zerolog.Nop())
}

func TestStepReturnsInvocationsInModelOrder(t *testing.T) {
	p := &scriptedProvider{replies: []*Reply{{
		ToolCalls: []conversation.ToolCall{
			{ID: "call-1", Name: "exchange_rate", Arguments: map[string]any{"currency_from": "USD"}},
			{ID: "call-2", Name: "transform_units", Arguments: map[string]any{"value": 90.0}},
		},
	}}}

	result, err := newTestReasoner(p).Step(context.Background(), nil, nil)
	require.NoError(t, err)

	require.Nil(t, result.Response)
	require.Len(t, result.Invocations, 2)
	assert.Equal(t, "exchange_rate", result.Invocations[0].Name)
	assert.Equal(t, "transform_units", result.Invocations[1].Name)
}

func TestStepRespondCallEndsTurn(t *testing.T) {
	p := &scriptedProvider{replies: []*Reply{{
		ToolCalls: []conversation.ToolCall{{
			ID:   "call-1",
			Name: "respond",
			Arguments: map[string]any{
				"status":  "completed",
				"message": "1 USD = 0.92 EUR",
			},
		}},
	}}}

	result, err := newTestReasoner(p).Step(context.Background(), nil, nil)
	require.NoError(t, err)

	require.NotNil(t, result.Response)
	assert.Empty(t, result.Invocations)
	assert.Equal(t, conversation.StatusCompleted, result.Response.Status)
	assert.Equal(t, "1 USD = 0.92 EUR", result.Response.Message)
}

func TestStepRespondWinsOverBundledCalls(t *testing.T) {
	p := &scriptedProvider{replies: []*Reply{{
		ToolCalls: []conversation.ToolCall{
			{ID: "call-1", Name: "exchange_rate", Arguments: map[string]any{}},
			{ID: "call-2", Name: "respond", Arguments: map[string]any{
				"status":  "input_required",
				"message": "Which currency should I convert to?",
			}},
		},
	}}}

	result, err := newTestReasoner(p).Step(context.Background(), nil, nil)
	require.NoError(t, err)

	require.NotNil(t, result.Response)
	assert.Equal(t, conversation.StatusInputRequired, result.Response.Status)
	assert.Empty(t, result.Invocations)
}

func TestStepRejectsMalformedRespond(t *testing.T) {
	p := &scriptedProvider{replies: []*Reply{{
		ToolCalls: []conversation.ToolCall{{
			ID:        "call-1",
			Name:      "respond",
			Arguments: map[string]any{"status": "happy", "message": "hi"},
		}},
	}}}

	_, err := newTestReasoner(p).Step(context.Background(), nil, nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "happy")
}

func TestStepPlainTextBecomesCompletedResponse(t *testing.T) {
	p := &scriptedProvider{replies: []*Reply{{Content: "Hello there"}}}

	result, err := newTestReasoner(p).Step(context.Background(), nil, nil)
	require.NoError(t, err)

	require.NotNil(t, result.Response)
	assert.Equal(t, conversation.StatusCompleted, result.Response.Status)
	assert.Equal(t, "Hello there", result.Response.Message)
}

func TestStepAlwaysOffersRespondTool(t *testing.T) {
	p := &scriptedProvider{replies: []*Reply{{Content: "ok"}}}
	tools := []registry.Descriptor{{Name: "exchange_rate", Transport: registry.TransportLocal}}

	_, err := newTestReasoner(p).Step(context.Background(), nil, tools)
	require.NoError(t, err)

	names := make([]string, 0, len(p.lastReq.Tools))
	for _, d := range p.lastReq.Tools {
		names = append(names, d.Name)
	}
	assert.Equal(t, []string{"exchange_rate", "respond"}, names)
}

func TestStepRetriesRetryableErrors(t *testing.T) {
	p := &scriptedProvider{
		errs:    []error{errors.New("429 rate limit exceeded"), nil},
		replies: []*Reply{nil, {Content: "recovered"}},
	}

	result, err := newTestReasoner(p).Step(context.Background(), nil, nil)
	require.NoError(t, err)
	assert.Equal(t, 2, p.calls)
	assert.Equal(t, "recovered", result.Response.Message)
}

func TestStepDoesNotRetryPermanentErrors(t *testing.T) {
	p := &scriptedProvider{errs: []error{errors.New("401 invalid api key")}}

	_, err := newTestReasoner(p).Step(context.Background(), nil, nil)
	require.Error(t, err)
	assert.Equal(t, 1, p.calls)
}

func TestNewProviderRejectsUnknownName(t *testing.T) {
	_, err := NewProvider("mystery", "key")
	require.Error(t, err)

	p, err := NewProvider("openai", "key")
	require.NoError(t, err)
	assert.Equal(t, "openai", p.Provider())

	p, err = NewProvider("anthropic", "key")
	require.NoError(t, err)
	assert.Equal(t, "anthropic", p.Provider())
}
