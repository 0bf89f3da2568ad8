package transport

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os/exec"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// JSON-RPC messages exchanged with the child, one per line.
type rpcRequest struct {
	JSONRPC string `json:"jsonrpc"`
	Method  string `json:"method"`
	Params  any    `json:"params,omitempty"`
	ID      any    `json:"id,omitempty"`
}

type rpcResponse struct {
	JSONRPC string          `json:"jsonrpc"`
	Result  json.RawMessage `json:"result,omitempty"`
	Error   *rpcError       `json:"error,omitempty"`
	ID      any             `json:"id"`
}

type rpcError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
	Data    any    `json:"data,omitempty"`
}

// StdioConfig describes one child-process endpoint.
type StdioConfig struct {
	Name          string
	Command       string
	Args          []string
	Timeout       time.Duration
	RequiredTools []string
}

// StdioAdapter talks to a long-lived child process over newline-delimited
// JSON-RPC on its stdin/stdout. The child is started on first use and the
// handshake verifies it advertises every required tool. Requests are
// serialized: one in flight at a time. A timeout or child exit marks the
// adapter broken; it stays broken until Restart.
type StdioAdapter struct {
	cfg    StdioConfig
	logger zerolog.Logger

	mu      sync.Mutex
	started bool
	broken  bool
	process *exec.Cmd
	stdin   io.WriteCloser

	nextID    int
	pending   map[int]chan *rpcResponse
	pendingMu sync.Mutex
}

// NewStdioAdapter creates the adapter without starting the child.
func NewStdioAdapter(cfg StdioConfig, logger zerolog.Logger) *StdioAdapter {
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultInvokeTimeout
	}
	return &StdioAdapter{
		cfg:     cfg,
		logger:  logger,
		pending: make(map[int]chan *rpcResponse),
	}
}

// Invoke sends tools/call for the invocation. The adapter lock is held for
// the whole exchange so the child only ever sees one request at a time.
func (a *StdioAdapter) Invoke(ctx context.Context, inv Invocation) Result {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.broken {
		return failed(inv, HandshakeFailure("endpoint %s is unusable until restarted", a.cfg.Name))
	}

	if err := a.ensureStartedLocked(ctx); err != nil {
		a.broken = true
		a.logger.Error().Str("endpoint", a.cfg.Name).Err(err).Msg("Child endpoint failed to start")
		return failed(inv, HandshakeFailure("endpoint %s: %v", a.cfg.Name, err))
	}

	resp, err := a.call(ctx, "tools/call", map[string]any{
		"name":      inv.Tool,
		"arguments": inv.Arguments,
	})
	if err != nil {
		a.broken = true
		a.logger.Error().
			Str("endpoint", a.cfg.Name).
			Str("tool", inv.Tool).
			Err(err).
			Msg("Child endpoint request failed, marking broken")
		return failed(inv, TransportFailure("endpoint %s: %v", a.cfg.Name, err))
	}

	if resp.Error != nil {
		// The child answered; the tool itself failed.
		return failed(inv, ImplementationFailure("%s (code %d)", resp.Error.Message, resp.Error.Code))
	}

	var payload map[string]any
	if len(resp.Result) > 0 {
		if err := json.Unmarshal(resp.Result, &payload); err != nil {
			a.broken = true
			return failed(inv, TransportFailure("endpoint %s returned malformed result: %v", a.cfg.Name, err))
		}
	}

	if isErr, ok := payload["isError"].(bool); ok && isErr {
		return failed(inv, ImplementationFailure("%s", flattenContent(payload)))
	}

	return success(inv, payload)
}

// Restart kills any existing child and clears the broken flag so the next
// invocation starts fresh.
func (a *StdioAdapter) Restart() {
	a.mu.Lock()
	defer a.mu.Unlock()

	a.killLocked()
	a.broken = false
	a.logger.Info().Str("endpoint", a.cfg.Name).Msg("Child endpoint reset")
}

// Close kills the child if running.
func (a *StdioAdapter) Close() error {
	a.mu.Lock()
	defer a.mu.Unlock()

	a.killLocked()
	return nil
}

func (a *StdioAdapter) killLocked() {
	if a.process != nil && a.process.Process != nil {
		_ = a.process.Process.Kill()
		_ = a.process.Wait()
	}
	a.process = nil
	a.stdin = nil
	a.started = false
	a.failPending(fmt.Errorf("endpoint %s closed", a.cfg.Name))
}

// ensureStartedLocked spawns the child and runs the handshake. Caller
// holds a.mu.
func (a *StdioAdapter) ensureStartedLocked(ctx context.Context) error {
	if a.started {
		return nil
	}

	cmd := exec.Command(a.cfg.Command, a.cfg.Args...)
	stdin, err := cmd.StdinPipe()
	if err != nil {
		return fmt.Errorf("stdin pipe: %w", err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return fmt.Errorf("stdout pipe: %w", err)
	}
	if err := cmd.Start(); err != nil {
		return fmt.Errorf("spawn %s: %w", a.cfg.Command, err)
	}

	a.process = cmd
	a.attach(stdin, stdout)

	if err := a.handshake(ctx); err != nil {
		a.killLocked()
		return err
	}

	a.logger.Info().
		Str("endpoint", a.cfg.Name).
		Str("command", a.cfg.Command).
		Msg("Child endpoint started")

	return nil
}

// attach wires the pipes and starts the response listener. Split out from
// spawning so the protocol can be exercised over in-memory pipes.
func (a *StdioAdapter) attach(stdin io.WriteCloser, stdout io.Reader) {
	a.stdin = stdin
	a.started = true
	go a.listen(stdout)
}

func (a *StdioAdapter) listen(stdout io.Reader) {
	scanner := bufio.NewScanner(stdout)
	scanner.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)

	for scanner.Scan() {
		var resp rpcResponse
		if err := json.Unmarshal(scanner.Bytes(), &resp); err != nil {
			a.logger.Warn().
				Str("endpoint", a.cfg.Name).
				Err(err).
				Msg("Discarding unparseable line from child")
			continue
		}

		id, ok := resp.ID.(float64)
		if !ok {
			continue
		}

		a.pendingMu.Lock()
		ch, exists := a.pending[int(id)]
		if exists {
			delete(a.pending, int(id))
			ch <- &resp
		}
		a.pendingMu.Unlock()
	}

	// Child stdout closed: the process is gone.
	a.failPending(fmt.Errorf("endpoint %s exited", a.cfg.Name))
}

func (a *StdioAdapter) failPending(err error) {
	a.pendingMu.Lock()
	defer a.pendingMu.Unlock()

	for id, ch := range a.pending {
		delete(a.pending, id)
		ch <- &rpcResponse{Error: &rpcError{Code: -1, Message: err.Error()}}
	}
}

// handshake runs initialize then tools/list and checks the child
// advertises every required tool.
func (a *StdioAdapter) handshake(ctx context.Context) error {
	initResp, err := a.call(ctx, "initialize", map[string]any{
		"protocolVersion": "2024-11-05",
		"capabilities":    map[string]any{},
		"clientInfo": map[string]any{
			"name":    "toolbridge",
			"version": "1.0.0",
		},
	})
	if err != nil {
		return fmt.Errorf("initialize: %w", err)
	}
	if initResp.Error != nil {
		return fmt.Errorf("initialize: %s", initResp.Error.Message)
	}

	resp, err := a.call(ctx, "tools/list", nil)
	if err != nil {
		return fmt.Errorf("tools/list: %w", err)
	}
	if resp.Error != nil {
		return fmt.Errorf("tools/list: %s", resp.Error.Message)
	}

	var listResult struct {
		Tools []struct {
			Name string `json:"name"`
		} `json:"tools"`
	}
	if err := json.Unmarshal(resp.Result, &listResult); err != nil {
		return fmt.Errorf("tools/list result: %w", err)
	}

	advertised := make(map[string]bool, len(listResult.Tools))
	for _, t := range listResult.Tools {
		advertised[t.Name] = true
	}
	for _, required := range a.cfg.RequiredTools {
		if !advertised[required] {
			return fmt.Errorf("endpoint does not advertise required tool %s", required)
		}
	}

	return nil
}

func (a *StdioAdapter) call(ctx context.Context, method string, params any) (*rpcResponse, error) {
	a.nextID++
	id := a.nextID
	ch := make(chan *rpcResponse, 1)

	a.pendingMu.Lock()
	a.pending[id] = ch
	a.pendingMu.Unlock()

	req := rpcRequest{JSONRPC: "2.0", Method: method, Params: params, ID: id}
	data, err := json.Marshal(req)
	if err != nil {
		return nil, err
	}

	if _, err := a.stdin.Write(append(data, '\n')); err != nil {
		return nil, fmt.Errorf("write request: %w", err)
	}

	select {
	case resp := <-ch:
		if resp.Error != nil && resp.Error.Code == -1 {
			// Synthesized by failPending: the channel died mid-request.
			return nil, fmt.Errorf("%s", resp.Error.Message)
		}
		return resp, nil
	case <-ctx.Done():
		a.dropPending(id)
		return nil, ctx.Err()
	case <-time.After(a.cfg.Timeout):
		a.dropPending(id)
		return nil, fmt.Errorf("request timed out after %s", a.cfg.Timeout)
	}
}

func (a *StdioAdapter) dropPending(id int) {
	a.pendingMu.Lock()
	delete(a.pending, id)
	a.pendingMu.Unlock()
}

func flattenContent(payload map[string]any) string {
	content, ok := payload["content"].([]any)
	if !ok {
		return "tool reported an error"
	}

	text := ""
	for _, item := range content {
		block, ok := item.(map[string]any)
		if !ok {
			continue
		}
		if s, ok := block["text"].(string); ok {
			if text != "" {
				text += "\n"
			}
			text += s
		}
	}
	if text == "" {
		return "tool reported an error"
	}
	return text
}
