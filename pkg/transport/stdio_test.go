package transport

import (
	"bufio"
	"context"
	"encoding/json"
	"io"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeEndpoint speaks the child side of the line protocol over in-memory
// pipes. handler returns nil to swallow a request without replying.
type fakeEndpoint struct {
	requests io.ReadCloser
	replies  io.WriteCloser
}

func startFakeEndpoint(t *testing.T, a *StdioAdapter, handler func(req rpcRequest) *rpcResponse) *fakeEndpoint {
	t.Helper()

	reqR, reqW := io.Pipe()
	respR, respW := io.Pipe()
	a.attach(reqW, respR)

	ep := &fakeEndpoint{requests: reqR, replies: respW}
	go func() {
		scanner := bufio.NewScanner(reqR)
		for scanner.Scan() {
			var req rpcRequest
			if err := json.Unmarshal(scanner.Bytes(), &req); err != nil {
				continue
			}
			resp := handler(req)
			if resp == nil {
				continue
			}
			resp.JSONRPC = "2.0"
			resp.ID = req.ID
			data, _ := json.Marshal(resp)
			if _, err := respW.Write(append(data, '\n')); err != nil {
				return
			}
		}
	}()

	t.Cleanup(func() {
		_ = reqR.Close()
		_ = respW.Close()
	})

	return ep
}

func rawResult(t *testing.T, v any) json.RawMessage {
	t.Helper()
	data, err := json.Marshal(v)
	require.NoError(t, err)
	return data
}

func listTools(t *testing.T, names ...string) *rpcResponse {
	tools := make([]map[string]any, 0, len(names))
	for _, n := range names {
		tools = append(tools, map[string]any{"name": n})
	}
	return &rpcResponse{Result: rawResult(t, map[string]any{"tools": tools})}
}

func newTestStdioAdapter(timeout time.Duration, required ...string) *StdioAdapter {
	return NewStdioAdapter(StdioConfig{
		Name:          "test-endpoint",
		Command:       "unused",
		Timeout:       timeout,
		RequiredTools: required,
	}, zerolog.Nop())
}

func TestStdioHandshakeChecksAdvertisedTools(t *testing.T) {
	a := newTestStdioAdapter(time.Second, "transform_units")
	startFakeEndpoint(t, a, func(req rpcRequest) *rpcResponse {
		switch req.Method {
		case "initialize":
			return &rpcResponse{Result: rawResult(t, map[string]any{"protocolVersion": "2024-11-05"})}
		case "tools/list":
			return listTools(t, "transform_units", "extra_tool")
		}
		return &rpcResponse{Error: &rpcError{Code: -32601, Message: "method not found"}}
	})

	assert.NoError(t, a.handshake(context.Background()))
}

func TestStdioHandshakeFailsOnMissingTool(t *testing.T) {
	a := newTestStdioAdapter(time.Second, "transform_units", "never_advertised")
	startFakeEndpoint(t, a, func(req rpcRequest) *rpcResponse {
		switch req.Method {
		case "initialize":
			return &rpcResponse{Result: rawResult(t, map[string]any{})}
		case "tools/list":
			return listTools(t, "transform_units")
		}
		return nil
	})

	err := a.handshake(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "never_advertised")
}

func TestStdioInvokeSuccess(t *testing.T) {
	a := newTestStdioAdapter(time.Second)
	startFakeEndpoint(t, a, func(req rpcRequest) *rpcResponse {
		require.Equal(t, "tools/call", req.Method)
		params := req.Params.(map[string]any)
		assert.Equal(t, "transform_units", params["name"])
		return &rpcResponse{Result: rawResult(t, map[string]any{
			"content": []map[string]any{{"type": "text", "text": "90 [lb_av] = 40.8 kg"}},
			"isError": false,
		})}
	})

	res := a.Invoke(context.Background(), Invocation{
		ID:        "inv-1",
		Tool:      "transform_units",
		Arguments: map[string]any{"value": 90.0, "from": "[lb_av]", "to": "kg"},
	})

	require.False(t, res.Failed())
	assert.Equal(t, "inv-1", res.InvocationID)
	content := res.Payload["content"].([]any)
	require.Len(t, content, 1)
}

func TestStdioInvokeToolErrorDoesNotBreakAdapter(t *testing.T) {
	a := newTestStdioAdapter(time.Second)
	calls := 0
	startFakeEndpoint(t, a, func(req rpcRequest) *rpcResponse {
		calls++
		if calls == 1 {
			return &rpcResponse{Error: &rpcError{Code: -32000, Message: "unknown unit"}}
		}
		return &rpcResponse{Result: rawResult(t, map[string]any{"isError": false})}
	})

	res := a.Invoke(context.Background(), Invocation{ID: "inv-1", Tool: "transform_units"})
	require.True(t, res.Failed())
	assert.Equal(t, FailureImplementation, res.Failure.Kind)
	assert.Contains(t, res.Failure.Message, "unknown unit")

	// The endpoint answered, so the channel is still good
	res = a.Invoke(context.Background(), Invocation{ID: "inv-2", Tool: "transform_units"})
	assert.False(t, res.Failed())
}

func TestStdioInvokeIsErrorResultIsImplementationFailure(t *testing.T) {
	a := newTestStdioAdapter(time.Second)
	startFakeEndpoint(t, a, func(req rpcRequest) *rpcResponse {
		return &rpcResponse{Result: rawResult(t, map[string]any{
			"content": []map[string]any{{"type": "text", "text": "cannot convert kg to USD"}},
			"isError": true,
		})}
	})

	res := a.Invoke(context.Background(), Invocation{ID: "inv-1", Tool: "transform_units"})
	require.True(t, res.Failed())
	assert.Equal(t, FailureImplementation, res.Failure.Kind)
	assert.Contains(t, res.Failure.Message, "cannot convert kg to USD")
}

func TestStdioTimeoutMarksAdapterBroken(t *testing.T) {
	a := newTestStdioAdapter(50 * time.Millisecond)
	startFakeEndpoint(t, a, func(req rpcRequest) *rpcResponse {
		return nil // swallow every request
	})

	res := a.Invoke(context.Background(), Invocation{ID: "inv-1", Tool: "transform_units"})
	require.True(t, res.Failed())
	assert.Equal(t, FailureTransport, res.Failure.Kind)

	// Broken adapters fail fast without touching the child
	start := time.Now()
	res = a.Invoke(context.Background(), Invocation{ID: "inv-2", Tool: "transform_units"})
	require.True(t, res.Failed())
	assert.Equal(t, FailureHandshake, res.Failure.Kind)
	assert.Less(t, time.Since(start), 40*time.Millisecond)
}

func TestStdioRestartClearsBrokenState(t *testing.T) {
	a := newTestStdioAdapter(50 * time.Millisecond)
	startFakeEndpoint(t, a, func(req rpcRequest) *rpcResponse {
		return nil
	})

	res := a.Invoke(context.Background(), Invocation{ID: "inv-1", Tool: "transform_units"})
	require.True(t, res.Failed())

	a.Restart()

	// A fresh, responsive endpoint after restart serves invocations again
	startFakeEndpoint(t, a, func(req rpcRequest) *rpcResponse {
		return &rpcResponse{Result: rawResult(t, map[string]any{"isError": false})}
	})

	res = a.Invoke(context.Background(), Invocation{ID: "inv-2", Tool: "transform_units"})
	assert.False(t, res.Failed())
}

// One request in flight at a time: a second invocation must not reach the
// endpoint until the first invocation's response has been delivered.
func TestStdioSecondInvocationWaitsForFirstResponse(t *testing.T) {
	a := newTestStdioAdapter(5 * time.Second)

	reqR, reqW := io.Pipe()
	respR, respW := io.Pipe()
	a.attach(reqW, respR)
	t.Cleanup(func() {
		_ = reqR.Close()
		_ = respW.Close()
	})

	type arrival struct {
		id  float64
		seq float64
	}
	arrivals := make(chan arrival, 2)

	go func() {
		scanner := bufio.NewScanner(reqR)
		for scanner.Scan() {
			var req rpcRequest
			if err := json.Unmarshal(scanner.Bytes(), &req); err != nil {
				continue
			}
			params := req.Params.(map[string]any)
			args := params["arguments"].(map[string]any)
			arrivals <- arrival{id: req.ID.(float64), seq: args["seq"].(float64)}
		}
	}()

	reply := func(id float64) {
		data, err := json.Marshal(rpcResponse{
			JSONRPC: "2.0",
			ID:      id,
			Result:  json.RawMessage(`{"isError":false}`),
		})
		require.NoError(t, err)
		_, err = respW.Write(append(data, '\n'))
		require.NoError(t, err)
	}

	invoke := func(seq int) chan Result {
		done := make(chan Result, 1)
		go func() {
			done <- a.Invoke(context.Background(), Invocation{
				ID:        "inv-" + string(rune('0'+seq)),
				Tool:      "transform_units",
				Arguments: map[string]any{"seq": seq},
			})
		}()
		return done
	}

	first := invoke(1)
	req1 := <-arrivals
	assert.Equal(t, float64(1), req1.seq)

	second := invoke(2)

	// The second request must be held back while the first awaits its reply
	select {
	case got := <-arrivals:
		t.Fatalf("request %v reached the endpoint before the first completed", got.seq)
	case <-time.After(100 * time.Millisecond):
	}

	reply(req1.id)
	require.False(t, (<-first).Failed())

	req2 := <-arrivals
	assert.Equal(t, float64(2), req2.seq)
	reply(req2.id)
	require.False(t, (<-second).Failed())
}

func TestStdioEndpointExitFailsInFlightRequest(t *testing.T) {
	a := newTestStdioAdapter(5 * time.Second)

	reqR, reqW := io.Pipe()
	respR, respW := io.Pipe()
	a.attach(reqW, respR)

	go func() {
		scanner := bufio.NewScanner(reqR)
		scanner.Scan()
		// Die mid-request
		_ = respW.Close()
	}()

	res := a.Invoke(context.Background(), Invocation{ID: "inv-1", Tool: "transform_units"})
	require.True(t, res.Failed())
	assert.Equal(t, FailureTransport, res.Failure.Kind)
}
