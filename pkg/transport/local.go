package transport

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// Handler is an in-process tool implementation.
type Handler func(ctx context.Context, args map[string]any) (map[string]any, error)

// LocalAdapter dispatches invocations to handlers in the same process.
// A panicking or erroring handler becomes an implementation failure; it
// never takes the adapter down.
type LocalAdapter struct {
	mu       sync.RWMutex
	handlers map[string]Handler
	timeout  time.Duration
	logger   zerolog.Logger
}

// NewLocalAdapter creates an adapter with no handlers bound yet.
func NewLocalAdapter(timeout time.Duration, logger zerolog.Logger) *LocalAdapter {
	if timeout <= 0 {
		timeout = DefaultInvokeTimeout
	}
	return &LocalAdapter{
		handlers: make(map[string]Handler),
		timeout:  timeout,
		logger:   logger,
	}
}

// Bind attaches a handler to a tool name.
func (a *LocalAdapter) Bind(tool string, handler Handler) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.handlers[tool] = handler
}

type localOutcome struct {
	payload map[string]any
	err     error
}

// Invoke runs the handler bound to the invocation's tool, bounded by the
// adapter timeout and the caller's context.
func (a *LocalAdapter) Invoke(ctx context.Context, inv Invocation) Result {
	a.mu.RLock()
	handler, ok := a.handlers[inv.Tool]
	a.mu.RUnlock()

	if !ok {
		return failed(inv, TransportFailure("no local handler bound for tool %s", inv.Tool))
	}

	ctx, cancel := context.WithTimeout(ctx, a.timeout)
	defer cancel()

	outcome := make(chan localOutcome, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				outcome <- localOutcome{err: fmt.Errorf("tool panicked: %v", r)}
			}
		}()
		payload, err := handler(ctx, inv.Arguments)
		outcome <- localOutcome{payload: payload, err: err}
	}()

	select {
	case out := <-outcome:
		if out.err != nil {
			a.logger.Warn().
				Str("tool", inv.Tool).
				Str("invocation_id", inv.ID).
				Err(out.err).
				Msg("Local tool failed")
			return failed(inv, ImplementationFailure("%s", out.err.Error()))
		}
		return success(inv, out.payload)
	case <-ctx.Done():
		a.logger.Warn().
			Str("tool", inv.Tool).
			Str("invocation_id", inv.ID).
			Msg("Local tool timed out")
		return failed(inv, TransportFailure("tool %s did not finish: %v", inv.Tool, ctx.Err()))
	}
}

// Close is a no-op; local handlers hold no external resources.
func (a *LocalAdapter) Close() error {
	return nil
}
