package transport

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type recordingAdapter struct {
	invoked  []string
	closed   int
	closeErr error
}

func (a *recordingAdapter) Invoke(_ context.Context, inv Invocation) Result {
	a.invoked = append(a.invoked, inv.Tool)
	return success(inv, map[string]any{"served_by": "recording"})
}

func (a *recordingAdapter) Close() error {
	a.closed++
	return a.closeErr
}

func TestRouterDispatchesByTool(t *testing.T) {
	first := &recordingAdapter{}
	second := &recordingAdapter{}

	r := NewRouter()
	r.Route("convert_currency", first)
	r.Route("convert_units", second)

	res := r.Invoke(context.Background(), Invocation{ID: "inv-1", Tool: "convert_units"})
	require.False(t, res.Failed())

	assert.Empty(t, first.invoked)
	assert.Equal(t, []string{"convert_units"}, second.invoked)
}

func TestRouterUnknownTool(t *testing.T) {
	r := NewRouter()

	res := r.Invoke(context.Background(), Invocation{ID: "inv-1", Tool: "nope"})
	require.True(t, res.Failed())
	assert.Equal(t, FailureTransport, res.Failure.Kind)
	assert.Contains(t, res.Failure.Message, "nope")
}

func TestRouterRebindReplacesAdapter(t *testing.T) {
	first := &recordingAdapter{}
	second := &recordingAdapter{}

	r := NewRouter()
	r.Route("convert_currency", first)
	r.Route("convert_currency", second)

	r.Invoke(context.Background(), Invocation{Tool: "convert_currency"})
	assert.Empty(t, first.invoked)
	assert.Len(t, second.invoked, 1)
}

func TestRouterCloseClosesEachAdapterOnce(t *testing.T) {
	shared := &recordingAdapter{closeErr: errors.New("close failed")}
	other := &recordingAdapter{}

	r := NewRouter()
	r.Route("convert_currency", shared)
	r.Route("convert_units", shared)
	r.Route("split_pdf", other)

	err := r.Close()
	require.Error(t, err)

	assert.Equal(t, 1, shared.closed)
	assert.Equal(t, 1, other.closed)

	res := r.Invoke(context.Background(), Invocation{Tool: "convert_currency"})
	assert.True(t, res.Failed(), "routes are cleared after close")
}
