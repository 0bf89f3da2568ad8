package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/amira/toolbridge/pkg/conversation"
	"github.com/amira/toolbridge/pkg/engine"
	"github.com/amira/toolbridge/pkg/stream"
)

// echoRunner emits one progress event and completes with an echo of the
// prompt. failFor simulates an engine fault for a given prompt.
type echoRunner struct {
	store   *conversation.Store
	failFor string
}

func (f *echoRunner) Run(_ context.Context, params engine.TurnParams, pub *stream.Publisher) (engine.TurnResult, error) {
	defer pub.Close()

	_ = f.store.Append(params.ConversationID, conversation.Message{
		Role:    conversation.RoleUser,
		Content: params.Prompt,
	})

	if f.failFor != "" && params.Prompt == f.failFor {
		return engine.TurnResult{}, errors.New("internal engine fault")
	}

	pub.Progress("Looking up the exchange rates...")

	resp := conversation.StructuredResponse{
		Status:  conversation.StatusCompleted,
		Message: "echo: " + params.Prompt,
	}
	_ = f.store.Append(params.ConversationID, conversation.Message{
		Role:    conversation.RoleAssistant,
		Content: resp.Message,
	})
	pub.Final(resp)

	return engine.TurnResult{
		ConversationID: params.ConversationID,
		Response:       resp,
		Cycles:         1,
	}, nil
}

func newTestServer(t *testing.T, failFor string) (*httptest.Server, *conversation.Store) {
	t.Helper()

	store := conversation.NewStore(zerolog.Nop())
	s, err := NewServer(Config{
		Port:   10020,
		Runner: &echoRunner{store: store, failFor: failFor},
		Store:  store,
		Logger: zerolog.Nop(),
	})
	require.NoError(t, err)

	ts := httptest.NewServer(s.Handler())
	t.Cleanup(ts.Close)
	return ts, store
}

func postTurn(t *testing.T, ts *httptest.Server, req TurnRequest) (TurnReply, int) {
	t.Helper()

	body, err := json.Marshal(req)
	require.NoError(t, err)

	resp, err := http.Post(ts.URL+"/turns", "application/json", bytes.NewReader(body))
	require.NoError(t, err)
	defer resp.Body.Close()

	var reply TurnReply
	if resp.StatusCode == http.StatusOK {
		require.NoError(t, json.NewDecoder(resp.Body).Decode(&reply))
	}
	return reply, resp.StatusCode
}

func TestTurnEndpoint(t *testing.T) {
	ts, store := newTestServer(t, "")

	reply, status := postTurn(t, ts, TurnRequest{Message: "how much is 1 USD in EUR?"})
	require.Equal(t, http.StatusOK, status)

	assert.NotEmpty(t, reply.ConversationID, "a new conversation ID is assigned")
	assert.Equal(t, conversation.StatusCompleted, reply.Status)
	assert.Equal(t, "echo: how much is 1 USD in EUR?", reply.Message)

	turn, ok := store.Get(reply.ConversationID)
	require.True(t, ok)
	assert.Len(t, turn.Messages, 2)
}

func TestTurnEndpointContinuesConversation(t *testing.T) {
	ts, store := newTestServer(t, "")

	reply1, _ := postTurn(t, ts, TurnRequest{Message: "first"})
	reply2, _ := postTurn(t, ts, TurnRequest{ConversationID: reply1.ConversationID, Message: "second"})

	assert.Equal(t, reply1.ConversationID, reply2.ConversationID)

	turn, ok := store.Get(reply1.ConversationID)
	require.True(t, ok)
	assert.Len(t, turn.Messages, 4)
}

func TestTurnEndpointValidation(t *testing.T) {
	ts, _ := newTestServer(t, "")

	_, status := postTurn(t, ts, TurnRequest{Message: "   "})
	assert.Equal(t, http.StatusBadRequest, status)

	_, status = postTurn(t, ts, TurnRequest{ConversationID: "../escape", Message: "hi"})
	assert.Equal(t, http.StatusBadRequest, status)

	resp, err := http.Get(ts.URL + "/turns")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusMethodNotAllowed, resp.StatusCode)
}

func TestTurnEndpointEngineFault(t *testing.T) {
	ts, _ := newTestServer(t, "explode")

	reply, status := postTurn(t, ts, TurnRequest{Message: "explode"})
	require.Equal(t, http.StatusOK, status)

	assert.Equal(t, conversation.StatusError, reply.Status)
	assert.Equal(t, stream.FallbackFinalMessage, reply.Message)
	assert.NotContains(t, reply.Message, "internal engine fault")
}

func TestWebSocketStreamsProgressThenFinal(t *testing.T) {
	ts, _ := newTestServer(t, "")

	wsURL := "ws" + strings.TrimPrefix(ts.URL, "http") + "/ws"
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	require.NoError(t, err)
	defer conn.Close()

	require.NoError(t, conn.WriteJSON(TurnRequest{Message: "convert 90 lb to kg"}))

	var events []stream.Event
	for {
		var ev stream.Event
		require.NoError(t, conn.ReadJSON(&ev))
		events = append(events, ev)
		if ev.Final {
			break
		}
	}

	require.Len(t, events, 2)
	assert.Equal(t, "Looking up the exchange rates...", events[0].Content)
	assert.False(t, events[0].Final)
	assert.True(t, events[1].Final)
	assert.Equal(t, "echo: convert 90 lb to kg", events[1].Response.Message)
	assert.NotEmpty(t, events[1].ConversationID)
}

func TestWebSocketRejectsEmptyMessage(t *testing.T) {
	ts, _ := newTestServer(t, "")

	wsURL := "ws" + strings.TrimPrefix(ts.URL, "http") + "/ws"
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	require.NoError(t, err)
	defer conn.Close()

	require.NoError(t, conn.WriteJSON(TurnRequest{Message: ""}))

	var reply ErrorReply
	require.NoError(t, conn.ReadJSON(&reply))
	assert.Contains(t, reply.Error, "message is required")
}

func TestConversationEndpoints(t *testing.T) {
	ts, _ := newTestServer(t, "")

	reply, _ := postTurn(t, ts, TurnRequest{Message: "hello"})

	resp, err := http.Get(ts.URL + "/conversations")
	require.NoError(t, err)
	var list struct {
		Conversations []string `json:"conversations"`
	}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&list))
	resp.Body.Close()
	assert.Contains(t, list.Conversations, reply.ConversationID)

	resp, err = http.Get(ts.URL + "/conversations/" + reply.ConversationID)
	require.NoError(t, err)
	var history HistoryReply
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&history))
	resp.Body.Close()
	assert.Len(t, history.Messages, 2)

	req, _ := http.NewRequest(http.MethodDelete, ts.URL+"/conversations/"+reply.ConversationID, nil)
	resp, err = http.DefaultClient.Do(req)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusNoContent, resp.StatusCode)

	resp, err = http.Get(ts.URL + "/conversations/" + reply.ConversationID)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestHealthz(t *testing.T) {
	ts, _ := newTestServer(t, "")

	resp, err := http.Get(ts.URL + "/healthz")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestNewServerValidation(t *testing.T) {
	store := conversation.NewStore(zerolog.Nop())
	runner := &echoRunner{store: store}

	_, err := NewServer(Config{Port: 0, Runner: runner, Store: store})
	assert.Error(t, err)

	_, err = NewServer(Config{Port: 10020, Store: store})
	assert.Error(t, err)

	_, err = NewServer(Config{Port: 10020, Runner: runner})
	assert.Error(t, err)
}
