// Package reasoner asks a language model what to do next in a turn: either
// dispatch tool invocations or finish with a structured response.
package reasoner

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/amira/toolbridge/pkg/conversation"
	"github.com/amira/toolbridge/pkg/registry"
)

// The model must call the synthetic registry.TerminalToolName tool to end a
// turn. Forcing termination through a tool call keeps the final answer
// machine readable instead of free text.
var respondDescriptor = registry.Descriptor{
	Name:        registry.TerminalToolName,
	Description: "Deliver the final answer for this turn. Call this exactly once, when no more tools are needed.",
	InputSchema: json.RawMessage(`{
		"type": "object",
		"properties": {
			"status": {
				"type": "string",
				"enum": ["input_required", "completed", "error"],
				"description": "completed when the request was fulfilled, input_required when the user must supply more information, error when the request cannot be fulfilled"
			},
			"message": {
				"type": "string",
				"description": "The message to show the user"
			}
		},
		"required": ["status", "message"]
	}`),
}

// Request is one model call.
type Request struct {
	Model        string
	Messages     []conversation.Message
	Tools        []registry.Descriptor
	Temperature  float64
	MaxTokens    int
	SystemPrompt string
}

// TokenUsage tracks token consumption per call.
type TokenUsage struct {
	InputTokens  int `json:"input_tokens"`
	OutputTokens int `json:"output_tokens"`
}

// Reply is the raw model output before interpretation.
type Reply struct {
	Content   string
	ToolCalls []conversation.ToolCall
	Usage     *TokenUsage
}

// Provider abstracts one model API.
type Provider interface {
	Call(ctx context.Context, request Request) (*Reply, error)
	Provider() string
}

// NewProvider builds a provider by name.
func NewProvider(name, apiKey string) (Provider, error) {
	switch name {
	case "openai":
		return NewOpenAIProvider(apiKey), nil
	case "anthropic":
		return NewAnthropicProvider(apiKey), nil
	default:
		return nil, fmt.Errorf("unsupported reasoner provider: %s", name)
	}
}

// StepResult is one reasoning decision. Exactly one of Invocations and
// Response is set.
type StepResult struct {
	// Invocations are the tool calls to dispatch, in the model's order.
	Invocations []conversation.ToolCall
	// Response ends the turn.
	Response *conversation.StructuredResponse
	// Usage from the underlying call, when the provider reports it.
	Usage *TokenUsage
}

// Config tunes the reasoner.
type Config struct {
	Model        string
	Temperature  float64
	MaxTokens    int
	SystemPrompt string
	MaxRetries   int
}

// Reasoner wraps a provider with the respond-tool convention and retries.
type Reasoner struct {
	provider Provider
	cfg      Config
	logger   zerolog.Logger
}

// New creates a reasoner.
func New(provider Provider, cfg Config, logger zerolog.Logger) *Reasoner {
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = 3
	}
	if cfg.MaxTokens <= 0 {
		cfg.MaxTokens = 4096
	}
	return &Reasoner{provider: provider, cfg: cfg, logger: logger}
}

// Step asks the model for the next move given the turn so far. The respond
// tool is always offered alongside the registered tools; a respond call, or
// a reply with no tool calls at all, ends the turn.
func (r *Reasoner) Step(ctx context.Context, msgs []conversation.Message, tools []registry.Descriptor) (*StepResult, error) {
	request := Request{
		Model:        r.cfg.Model,
		Messages:     msgs,
		Tools:        append(append([]registry.Descriptor{}, tools...), respondDescriptor),
		Temperature:  r.cfg.Temperature,
		MaxTokens:    r.cfg.MaxTokens,
		SystemPrompt: r.cfg.SystemPrompt,
	}

	reply, err := r.callWithRetry(ctx, request)
	if err != nil {
		return nil, err
	}

	// A respond call ends the turn even if the model bundled other calls
	// with it.
	for _, tc := range reply.ToolCalls {
		if tc.Name != registry.TerminalToolName {
			continue
		}
		resp, err := parseResponse(tc.Arguments)
		if err != nil {
			return nil, fmt.Errorf("malformed respond call: %w", err)
		}
		return &StepResult{Response: resp, Usage: reply.Usage}, nil
	}

	if len(reply.ToolCalls) > 0 {
		return &StepResult{Invocations: reply.ToolCalls, Usage: reply.Usage}, nil
	}

	// Models occasionally answer in plain text despite the convention.
	// Treat that as a completed response rather than failing the turn.
	return &StepResult{
		Response: &conversation.StructuredResponse{
			Status:  conversation.StatusCompleted,
			Message: reply.Content,
		},
		Usage: reply.Usage,
	}, nil
}

func (r *Reasoner) callWithRetry(ctx context.Context, request Request) (*Reply, error) {
	var lastErr error
	for attempt := 0; attempt < r.cfg.MaxRetries; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(time.Duration(attempt) * time.Second):
			}
			r.logger.Warn().
				Int("attempt", attempt+1).
				Str("provider", r.provider.Provider()).
				Err(lastErr).
				Msg("Retrying model call")
		}

		reply, err := r.provider.Call(ctx, request)
		if err == nil {
			return reply, nil
		}
		lastErr = err

		if !isRetryable(err) {
			break
		}
	}
	return nil, lastErr
}

func isRetryable(err error) bool {
	if err == nil {
		return false
	}
	msg := err.Error()
	for _, marker := range []string{"429", "rate limit", "500", "502", "503", "504", "ECONNRESET", "ETIMEDOUT"} {
		if strings.Contains(msg, marker) {
			return true
		}
	}
	return false
}

func parseResponse(args map[string]any) (*conversation.StructuredResponse, error) {
	status, _ := args["status"].(string)
	message, _ := args["message"].(string)

	switch conversation.Status(status) {
	case conversation.StatusInputRequired, conversation.StatusCompleted, conversation.StatusError:
	default:
		return nil, fmt.Errorf("invalid status %q", status)
	}

	return &conversation.StructuredResponse{
		Status:  conversation.Status(status),
		Message: message,
	}, nil
}
