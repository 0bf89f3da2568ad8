// Package registry maps tool names to their declared schemas and, for
// in-process tools, their implementations. The tool set is finalized at
// startup; registration is not expected to race with resolution.
package registry

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/rs/zerolog"
	"github.com/xeipuuv/gojsonschema"
)

// TransportKind selects how invocations of a tool reach its implementation.
type TransportKind string

const (
	TransportLocal TransportKind = "local"
	TransportStdio TransportKind = "stdio"
	TransportHTTP  TransportKind = "http"
)

// TerminalToolName is the synthetic tool the reasoning step calls to end a
// turn with a structured response. The name is reserved: a real tool
// registered under it would be shadowed, its calls swallowed as turn
// terminations.
const TerminalToolName = "respond"

// Implementation is the callable behind an in-process tool. Structured
// failures are returned as errors; the local adapter converts anything the
// implementation raises into a failure outcome.
type Implementation func(ctx context.Context, args map[string]any) (map[string]any, error)

// Descriptor declares a tool: its name, schemas and transport. Immutable
// after registration.
type Descriptor struct {
	Name          string          `json:"name"`
	Description   string          `json:"description"`
	InputSchema   json.RawMessage `json:"input_schema"`
	OutputSchema  json.RawMessage `json:"output_schema,omitempty"`
	Transport     TransportKind   `json:"transport"`
	ProgressLabel string          `json:"progress_label,omitempty"` // caller-visible dispatch text
}

// Entry pairs a descriptor with its implementation. Implementation is nil
// for tools reached over stdio or HTTP.
type Entry struct {
	Descriptor     Descriptor
	Implementation Implementation
}

// DuplicateToolError reports a name collision at registration time.
type DuplicateToolError struct {
	Name string
}

func (e *DuplicateToolError) Error() string {
	return fmt.Sprintf("tool already registered: %s", e.Name)
}

// UnknownToolError reports a lookup for a name never registered.
type UnknownToolError struct {
	Name string
}

func (e *UnknownToolError) Error() string {
	return fmt.Sprintf("tool not found: %s", e.Name)
}

// Registry holds the process's tool catalog.
type Registry struct {
	mu      sync.RWMutex
	entries map[string]*Entry
	order   []string
	schemas map[string]*gojsonschema.Schema
	logger  zerolog.Logger
}

// New creates an empty registry.
func New(logger zerolog.Logger) *Registry {
	return &Registry{
		entries: make(map[string]*Entry),
		schemas: make(map[string]*gojsonschema.Schema),
		logger:  logger,
	}
}

// Register adds a tool. The input schema is compiled once here so argument
// validation at dispatch time is a pure lookup.
func (r *Registry) Register(desc Descriptor, impl Implementation) error {
	if desc.Name == "" {
		return fmt.Errorf("tool name cannot be empty")
	}
	if desc.Name == TerminalToolName {
		return fmt.Errorf("tool name %q is reserved for turn termination", TerminalToolName)
	}
	if desc.Transport == "" {
		return fmt.Errorf("tool %s: transport kind cannot be empty", desc.Name)
	}
	if desc.Transport == TransportLocal && impl == nil {
		return fmt.Errorf("tool %s: local transport requires an implementation", desc.Name)
	}

	var schema *gojsonschema.Schema
	if len(desc.InputSchema) > 0 {
		var err error
		schema, err = gojsonschema.NewSchema(gojsonschema.NewBytesLoader(desc.InputSchema))
		if err != nil {
			return fmt.Errorf("tool %s: invalid input schema: %w", desc.Name, err)
		}
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.entries[desc.Name]; exists {
		return &DuplicateToolError{Name: desc.Name}
	}

	r.entries[desc.Name] = &Entry{Descriptor: desc, Implementation: impl}
	r.order = append(r.order, desc.Name)
	if schema != nil {
		r.schemas[desc.Name] = schema
	}

	r.logger.Info().
		Str("tool", desc.Name).
		Str("transport", string(desc.Transport)).
		Msg("Tool registered")

	return nil
}

// Resolve returns the entry for a name.
func (r *Registry) Resolve(name string) (*Entry, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	entry, ok := r.entries[name]
	if !ok {
		return nil, &UnknownToolError{Name: name}
	}
	return entry, nil
}

// Descriptors returns all descriptors in registration order, for
// advertising to the reasoning step.
func (r *Registry) Descriptors() []Descriptor {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]Descriptor, 0, len(r.order))
	for _, name := range r.order {
		out = append(out, r.entries[name].Descriptor)
	}
	return out
}

// Names returns the registered tool names in registration order.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]string, len(r.order))
	copy(out, r.order)
	return out
}

// NamesByTransport returns the names of tools dispatched through the given
// transport kind.
func (r *Registry) NamesByTransport(kind TransportKind) []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var out []string
	for _, name := range r.order {
		if r.entries[name].Descriptor.Transport == kind {
			out = append(out, name)
		}
	}
	return out
}

// ValidateArguments checks args against the tool's compiled input schema.
func (r *Registry) ValidateArguments(name string, args map[string]any) error {
	r.mu.RLock()
	schema := r.schemas[name]
	_, known := r.entries[name]
	r.mu.RUnlock()

	if !known {
		return &UnknownToolError{Name: name}
	}
	if schema == nil {
		return nil
	}

	result, err := schema.Validate(gojsonschema.NewGoLoader(args))
	if err != nil {
		return err
	}

	if !result.Valid() {
		var errs []string
		for _, e := range result.Errors() {
			errs = append(errs, e.String())
		}
		return fmt.Errorf("argument validation failed: %v", errs)
	}

	return nil
}

// Len returns the number of registered tools.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.entries)
}
