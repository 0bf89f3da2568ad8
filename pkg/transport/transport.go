// Package transport carries tool invocations to their implementations.
// Adapters share one contract: an invocation goes in, a result comes out,
// and failures are classified so the caller can tell a broken channel from
// a tool that ran and failed.
package transport

import (
	"context"
	"fmt"
	"time"
)

// DefaultInvokeTimeout bounds a single invocation when the context carries
// no earlier deadline.
const DefaultInvokeTimeout = 30 * time.Second

// FailureKind classifies how an invocation failed.
type FailureKind string

const (
	// FailureTransport: the channel to the tool broke or timed out. The
	// tool may or may not have run.
	FailureTransport FailureKind = "transport"
	// FailureImplementation: the tool ran and reported an error.
	FailureImplementation FailureKind = "implementation"
	// FailureHandshake: the adapter never reached a usable state and
	// stays unusable until restarted.
	FailureHandshake FailureKind = "handshake"
)

// Failure describes a failed invocation. It implements error so adapters
// and callers can pass it through error plumbing.
type Failure struct {
	Kind    FailureKind `json:"kind"`
	Message string      `json:"message"`
}

func (f *Failure) Error() string {
	return fmt.Sprintf("%s failure: %s", f.Kind, f.Message)
}

// TransportFailure builds a channel-level failure.
func TransportFailure(format string, args ...any) *Failure {
	return &Failure{Kind: FailureTransport, Message: fmt.Sprintf(format, args...)}
}

// ImplementationFailure builds a tool-reported failure.
func ImplementationFailure(format string, args ...any) *Failure {
	return &Failure{Kind: FailureImplementation, Message: fmt.Sprintf(format, args...)}
}

// HandshakeFailure builds a failure for an adapter that could not be
// brought up.
func HandshakeFailure(format string, args ...any) *Failure {
	return &Failure{Kind: FailureHandshake, Message: fmt.Sprintf(format, args...)}
}

// Invocation is one request to run a tool.
type Invocation struct {
	ID        string         `json:"invocation_id"`
	Tool      string         `json:"tool"`
	Arguments map[string]any `json:"arguments"`
}

// Result is the outcome of one invocation. Exactly one of Payload and
// Failure is meaningful.
type Result struct {
	InvocationID string         `json:"invocation_id"`
	Payload      map[string]any `json:"payload,omitempty"`
	Failure      *Failure       `json:"failure,omitempty"`
}

// Failed reports whether the invocation produced a failure.
func (r Result) Failed() bool {
	return r.Failure != nil
}

func success(inv Invocation, payload map[string]any) Result {
	return Result{InvocationID: inv.ID, Payload: payload}
}

func failed(inv Invocation, f *Failure) Result {
	return Result{InvocationID: inv.ID, Failure: f}
}

// Adapter delivers invocations over one channel kind. Invoke never
// returns a Go error: every outcome, including adapter breakage, is
// expressed as a Result so the caller can fold it into the conversation.
type Adapter interface {
	Invoke(ctx context.Context, inv Invocation) Result
	Close() error
}
