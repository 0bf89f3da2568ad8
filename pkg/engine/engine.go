// Package engine drives a turn: it alternates between asking the reasoner
// what to do and dispatching the tool invocations it asks for, until the
// reasoner produces a structured response or the cycle budget runs out.
package engine

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"github.com/amira/toolbridge/internal/observability"
	"github.com/amira/toolbridge/internal/tracing"
	"github.com/amira/toolbridge/pkg/conversation"
	"github.com/amira/toolbridge/pkg/reasoner"
	"github.com/amira/toolbridge/pkg/registry"
	"github.com/amira/toolbridge/pkg/stream"
	"github.com/amira/toolbridge/pkg/transport"
)

// DefaultMaxCycles bounds reasoning-dispatch alternations per turn.
const DefaultMaxCycles = 10

// ErrTurnBudgetExceeded means the reasoner never produced a response
// within the cycle budget.
var ErrTurnBudgetExceeded = errors.New("turn cycle budget exceeded")

// ErrTurnAborted means the caller's context was cancelled mid-turn.
var ErrTurnAborted = errors.New("turn aborted")

// Stepper decides the next move for a turn. *reasoner.Reasoner implements
// it; tests substitute scripted deciders.
type Stepper interface {
	Step(ctx context.Context, msgs []conversation.Message, tools []registry.Descriptor) (*reasoner.StepResult, error)
}

// TurnParams describes one turn request.
type TurnParams struct {
	ConversationID string
	Prompt         string
	AgentID        string
	MaxCycles      int
}

// TurnResult is the outcome of a completed turn.
type TurnResult struct {
	ConversationID string
	Response       conversation.StructuredResponse
	Cycles         int
	Dispatched     []conversation.ToolCall
}

// Config wires an engine.
type Config struct {
	Store    *conversation.Store
	Archive  *conversation.Archive
	Registry *registry.Registry
	Stepper  Stepper
	Adapters map[registry.TransportKind]transport.Adapter
	Logger   zerolog.Logger
}

// Engine executes turns.
type Engine struct {
	store    *conversation.Store
	archive  *conversation.Archive
	registry *registry.Registry
	stepper  Stepper
	adapters map[registry.TransportKind]transport.Adapter
	logger   zerolog.Logger
}

// New validates the wiring and creates an engine. Archive may be nil for
// memory-only operation.
func New(cfg Config) (*Engine, error) {
	observability.EnsureRegistered()

	if cfg.Store == nil {
		return nil, fmt.Errorf("conversation store is required")
	}
	if cfg.Registry == nil {
		return nil, fmt.Errorf("tool registry is required")
	}
	if cfg.Stepper == nil {
		return nil, fmt.Errorf("reasoner is required")
	}
	if len(cfg.Adapters) == 0 {
		return nil, fmt.Errorf("at least one transport adapter is required")
	}

	return &Engine{
		store:    cfg.Store,
		archive:  cfg.Archive,
		registry: cfg.Registry,
		stepper:  cfg.Stepper,
		adapters: cfg.Adapters,
		logger:   cfg.Logger,
	}, nil
}

// Run executes one turn. Concurrent turns for the same conversation are
// serialized; distinct conversations proceed independently. The publisher
// always receives a final event: the reasoner's response on success, a
// generic error otherwise.
func (e *Engine) Run(ctx context.Context, params TurnParams, pub *stream.Publisher) (TurnResult, error) {
	if err := conversation.ValidateConversationID(params.ConversationID); err != nil {
		pub.Close()
		return TurnResult{}, err
	}

	ctx = tracing.NewTurnContext(ctx, params.ConversationID)
	if params.AgentID != "" {
		ctx = tracing.WithAgentID(ctx, params.AgentID)
	}
	ctx, span := tracing.StartSpan(
		ctx,
		"toolbridge.engine",
		"engine.run_turn",
		attribute.String("conversation_id", params.ConversationID),
	)
	defer span.End()

	logger := tracing.LoggerFromContext(ctx, e.logger).With().
		Str("conversation_id", params.ConversationID).
		Logger()

	// Whatever happens below, the stream ends with exactly one final event.
	defer pub.Close()

	release := e.store.Acquire(params.ConversationID)
	defer release()

	start := time.Now()
	result, err := e.runLocked(ctx, params, pub, logger)

	status := "ok"
	if err != nil {
		status = "error"
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	observability.RecordTurn(params.AgentID, status, result.Cycles, time.Since(start))
	observability.SetActiveConversations(len(e.store.List()))

	return result, err
}

func (e *Engine) runLocked(ctx context.Context, params TurnParams, pub *stream.Publisher, logger zerolog.Logger) (TurnResult, error) {
	msgs, err := e.loadHistory(params.ConversationID)
	if err != nil {
		return TurnResult{}, fmt.Errorf("failed to load conversation: %w", err)
	}

	userMsg := conversation.Message{
		Role:      conversation.RoleUser,
		Content:   params.Prompt,
		Timestamp: time.Now(),
	}
	if err := e.persist(params.ConversationID, userMsg, logger); err != nil {
		return TurnResult{}, err
	}
	msgs = append(msgs, userMsg)

	maxCycles := params.MaxCycles
	if maxCycles <= 0 {
		maxCycles = DefaultMaxCycles
	}

	result := TurnResult{ConversationID: params.ConversationID}
	descriptors := e.registry.Descriptors()

	for cycle := 0; cycle < maxCycles; cycle++ {
		result.Cycles = cycle + 1

		select {
		case <-ctx.Done():
			logger.Warn().Int("cycle", cycle).Msg("Turn cancelled during reasoning")
			e.recordFault(params.ConversationID)
			return result, ErrTurnAborted
		default:
		}

		step, err := e.stepper.Step(ctx, msgs, descriptors)
		if err != nil {
			logger.Error().Err(err).Int("cycle", cycle).Msg("Reasoning step failed")
			e.recordFault(params.ConversationID)
			return result, fmt.Errorf("reasoning step failed: %w", err)
		}

		if step.Response != nil {
			return e.finish(params.ConversationID, *step.Response, result, pub, logger)
		}

		assistantMsg := conversation.Message{
			Role:      conversation.RoleAssistant,
			ToolCalls: step.Invocations,
			Timestamp: time.Now(),
		}
		if err := e.persist(params.ConversationID, assistantMsg, logger); err != nil {
			e.recordFault(params.ConversationID)
			return result, err
		}
		msgs = append(msgs, assistantMsg)

		// Dispatch sequentially in the order the reasoner produced.
		for _, call := range step.Invocations {
			select {
			case <-ctx.Done():
				logger.Warn().Str("tool", call.Name).Msg("Turn cancelled during dispatch")
				e.recordFault(params.ConversationID)
				return result, ErrTurnAborted
			default:
			}

			toolMsg := e.dispatch(ctx, call, pub, logger)

			// A cancel that lands mid-invocation discards the result.
			if ctx.Err() != nil {
				logger.Warn().Str("tool", call.Name).Msg("Turn cancelled mid-invocation, discarding result")
				e.recordFault(params.ConversationID)
				return result, ErrTurnAborted
			}

			if err := e.persist(params.ConversationID, toolMsg, logger); err != nil {
				e.recordFault(params.ConversationID)
				return result, err
			}
			msgs = append(msgs, toolMsg)
			result.Dispatched = append(result.Dispatched, call)
		}
	}

	logger.Warn().Int("max_cycles", maxCycles).Msg("Turn budget exhausted")
	e.recordFault(params.ConversationID)
	return result, ErrTurnBudgetExceeded
}

// dispatch runs one invocation and folds the outcome into a tool message.
// Failures never abort the turn; the reasoner sees them as tool output and
// decides what to do next.
func (e *Engine) dispatch(ctx context.Context, call conversation.ToolCall, pub *stream.Publisher, logger zerolog.Logger) conversation.Message {
	toolMsg := conversation.Message{
		Role:       conversation.RoleTool,
		ToolCallID: call.ID,
		Timestamp:  time.Now(),
	}

	entry, err := e.registry.Resolve(call.Name)
	if err != nil {
		logger.Warn().Str("tool", call.Name).Msg("Reasoner requested unknown tool")
		observability.RecordDispatch("none", call.Name, "unknown_tool", 0)
		toolMsg.Content = fmt.Sprintf("Tool %s failed: %v", call.Name, err)
		return toolMsg
	}

	pub.Progress(progressLabel(entry.Descriptor))

	if err := e.registry.ValidateArguments(call.Name, call.Arguments); err != nil {
		logger.Warn().Str("tool", call.Name).Err(err).Msg("Invalid tool arguments")
		observability.RecordDispatch(string(entry.Descriptor.Transport), call.Name, "invalid_arguments", 0)
		toolMsg.Content = fmt.Sprintf("Tool %s failed: %v", call.Name, err)
		return toolMsg
	}

	adapter, ok := e.adapters[entry.Descriptor.Transport]
	if !ok {
		logger.Error().
			Str("tool", call.Name).
			Str("transport", string(entry.Descriptor.Transport)).
			Msg("No adapter for transport")
		observability.RecordDispatch(string(entry.Descriptor.Transport), call.Name, "no_adapter", 0)
		toolMsg.Content = fmt.Sprintf("Tool %s failed: no adapter for transport %s", call.Name, entry.Descriptor.Transport)
		return toolMsg
	}

	inv := transport.Invocation{
		ID:        uuid.NewString(),
		Tool:      call.Name,
		Arguments: call.Arguments,
	}

	start := time.Now()
	res := adapter.Invoke(ctx, inv)
	duration := time.Since(start)

	if res.Failed() {
		logger.Warn().
			Str("tool", call.Name).
			Str("invocation_id", inv.ID).
			Str("failure_kind", string(res.Failure.Kind)).
			Str("failure", res.Failure.Message).
			Msg("Tool invocation failed")
		observability.RecordDispatch(string(entry.Descriptor.Transport), call.Name, string(res.Failure.Kind), duration)
		toolMsg.Content = fmt.Sprintf("Tool %s failed: %s", call.Name, res.Failure.Message)
		return toolMsg
	}

	logger.Info().
		Str("tool", call.Name).
		Str("invocation_id", inv.ID).
		Dur("duration", duration).
		Msg("Tool invocation succeeded")
	observability.RecordDispatch(string(entry.Descriptor.Transport), call.Name, "ok", duration)

	toolMsg.Content = renderPayload(res.Payload)
	return toolMsg
}

func (e *Engine) finish(conversationID string, resp conversation.StructuredResponse, result TurnResult, pub *stream.Publisher, logger zerolog.Logger) (TurnResult, error) {
	assistantMsg := conversation.Message{
		Role:      conversation.RoleAssistant,
		Content:   resp.Message,
		Timestamp: time.Now(),
		Metadata:  map[string]any{"status": string(resp.Status)},
	}
	if err := e.persist(conversationID, assistantMsg, logger); err != nil {
		e.recordFault(conversationID)
		return result, err
	}

	if err := e.store.SetLastResponse(conversationID, resp); err != nil {
		logger.Error().Err(err).Msg("Failed to record turn response")
	}

	result.Response = resp
	pub.Final(resp)

	logger.Info().
		Str("status", string(resp.Status)).
		Int("cycles", result.Cycles).
		Msg("Turn finished")

	return result, nil
}

// recordFault stores a generic error response for a turn that died without
// one. The stream's fallback final mirrors it; internal errors stay out of
// both.
func (e *Engine) recordFault(conversationID string) {
	_ = e.store.SetLastResponse(conversationID, conversation.StructuredResponse{
		Status:  conversation.StatusError,
		Message: stream.FallbackFinalMessage,
	})
}

func (e *Engine) loadHistory(conversationID string) ([]conversation.Message, error) {
	if turn, ok := e.store.Get(conversationID); ok {
		return turn.Messages, nil
	}

	// First contact in this process: fall back to the archive.
	if e.archive == nil {
		return nil, nil
	}

	start := time.Now()
	msgs, err := e.archive.Load(conversationID)
	if err != nil {
		return nil, err
	}
	observability.RecordStoreLoad(time.Since(start))

	if len(msgs) > 0 {
		if err := e.store.CreateOrReplace(conversationID, conversation.Turn{Messages: msgs}); err != nil {
			return nil, err
		}
	}
	return msgs, nil
}

func (e *Engine) persist(conversationID string, msg conversation.Message, logger zerolog.Logger) error {
	if err := e.store.Append(conversationID, msg); err != nil {
		return fmt.Errorf("failed to store message: %w", err)
	}

	if e.archive == nil {
		return nil
	}

	start := time.Now()
	if err := e.archive.AppendMessage(conversationID, msg); err != nil {
		// The in-memory turn is intact; losing one archive line is
		// recoverable, aborting the turn is not.
		logger.Error().Err(err).Msg("Failed to archive message")
		return nil
	}
	observability.RecordStoreSave(time.Since(start))
	return nil
}

func progressLabel(desc registry.Descriptor) string {
	if desc.ProgressLabel != "" {
		return desc.ProgressLabel
	}
	return fmt.Sprintf("Running %s...", desc.Name)
}

func renderPayload(payload map[string]any) string {
	if len(payload) == 0 {
		return "{}"
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Sprintf("%v", payload)
	}
	return string(data)
}
