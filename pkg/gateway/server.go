// Package gateway exposes the bridge over HTTP and WebSocket. HTTP callers
// get the final structured response; WebSocket callers additionally see
// progress events while the turn runs.
package gateway

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	gonanoid "github.com/matoous/go-nanoid/v2"
	"github.com/rs/zerolog"

	"github.com/amira/toolbridge/internal/observability"
	"github.com/amira/toolbridge/pkg/conversation"
	"github.com/amira/toolbridge/pkg/engine"
	"github.com/amira/toolbridge/pkg/stream"
)

// TurnRunner executes one turn. *engine.Engine implements it.
type TurnRunner interface {
	Run(ctx context.Context, params engine.TurnParams, pub *stream.Publisher) (engine.TurnResult, error)
}

// Config holds server configuration.
type Config struct {
	Port   int
	Runner TurnRunner
	Store  *conversation.Store
	Logger zerolog.Logger
}

// Server is the bridge's network front.
type Server struct {
	port     int
	runner   TurnRunner
	store    *conversation.Store
	logger   zerolog.Logger
	upgrader websocket.Upgrader

	server         *http.Server
	isShuttingDown bool
	shutdownMu     sync.RWMutex
	inFlightReqs   sync.WaitGroup
}

// NewServer creates a gateway server.
func NewServer(cfg Config) (*Server, error) {
	if cfg.Port <= 0 {
		return nil, fmt.Errorf("invalid port: %d", cfg.Port)
	}
	if cfg.Runner == nil {
		return nil, fmt.Errorf("turn runner is required")
	}
	if cfg.Store == nil {
		return nil, fmt.Errorf("conversation store is required")
	}

	return &Server{
		port:   cfg.Port,
		runner: cfg.Runner,
		store:  cfg.Store,
		logger: cfg.Logger,
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool {
				return true
			},
		},
	}, nil
}

// Handler builds the route table. Exposed for tests.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/turns", s.handleTurn)
	mux.HandleFunc("/ws", s.handleWebSocket)
	mux.HandleFunc("/conversations", s.handleListConversations)
	mux.HandleFunc("/conversations/", s.handleConversation)
	mux.Handle("/metrics", observability.Handler())
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"status":"ok"}`))
	})
	return mux
}

// Start begins serving without blocking.
func (s *Server) Start() error {
	s.server = &http.Server{
		Addr:    fmt.Sprintf(":%d", s.port),
		Handler: s.Handler(),
	}

	s.logger.Info().Int("port", s.port).Msg("Starting gateway server")

	go func() {
		if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			s.logger.Error().Err(err).Msg("Gateway server error")
		}
	}()

	return nil
}

// Stop drains in-flight turns and shuts the server down.
func (s *Server) Stop() error {
	s.shutdownMu.Lock()
	s.isShuttingDown = true
	s.shutdownMu.Unlock()

	s.logger.Info().Msg("Shutting down gateway server")

	done := make(chan struct{})
	go func() {
		s.inFlightReqs.Wait()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(30 * time.Second):
		s.logger.Warn().Msg("Shutdown timeout reached, forcing close")
	}

	if s.server == nil {
		return nil
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := s.server.Shutdown(ctx); err != nil {
		return fmt.Errorf("failed to shutdown server: %w", err)
	}

	s.logger.Info().Msg("Gateway server stopped")
	return nil
}

func (s *Server) shuttingDown() bool {
	s.shutdownMu.RLock()
	defer s.shutdownMu.RUnlock()
	return s.isShuttingDown
}

// handleTurn runs one turn synchronously and answers with the final
// structured response. Progress events are discarded; streaming callers
// use the WebSocket endpoint.
func (s *Server) handleTurn(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		s.writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	if s.shuttingDown() {
		s.writeError(w, http.StatusServiceUnavailable, "server is shutting down")
		return
	}

	var req TurnRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if strings.TrimSpace(req.Message) == "" {
		s.writeError(w, http.StatusBadRequest, "message is required")
		return
	}

	conversationID := req.ConversationID
	if conversationID == "" {
		conversationID, _ = gonanoid.New()
	} else if err := conversation.ValidateConversationID(conversationID); err != nil {
		s.writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	s.inFlightReqs.Add(1)
	defer s.inFlightReqs.Done()

	pub := stream.NewPublisher(conversationID, 0, s.logger)

	var final *stream.Event
	drained := make(chan struct{})
	go func() {
		defer close(drained)
		for ev := range pub.Events() {
			if ev.Final {
				final = &ev
			}
		}
	}()

	_, err := s.runner.Run(r.Context(), engine.TurnParams{
		ConversationID: conversationID,
		Prompt:         req.Message,
		AgentID:        req.AgentID,
	}, pub)
	<-drained

	if err != nil {
		s.logger.Error().
			Err(err).
			Str("conversation_id", conversationID).
			Msg("Turn failed")
	}

	// The publisher guarantees a final event even for failed turns.
	reply := TurnReply{ConversationID: conversationID}
	if final != nil && final.Response != nil {
		reply.Status = final.Response.Status
		reply.Message = final.Response.Message
	} else {
		reply.Status = conversation.StatusError
		reply.Message = stream.FallbackFinalMessage
	}

	s.writeJSON(w, http.StatusOK, reply)
}

// handleWebSocket streams turns. The client sends TurnRequest messages;
// each one produces a sequence of progress events ending in exactly one
// final event. Turns on one connection run sequentially.
func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	if s.shuttingDown() {
		http.Error(w, "server is shutting down", http.StatusServiceUnavailable)
		return
	}

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Error().Err(err).Msg("Failed to upgrade connection")
		return
	}
	defer conn.Close()

	clientID, _ := gonanoid.New()
	logger := s.logger.With().Str("client_id", clientID).Logger()
	logger.Info().Str("ip", r.RemoteAddr).Msg("Stream client connected")

	for {
		var req TurnRequest
		if err := conn.ReadJSON(&req); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				logger.Error().Err(err).Msg("WebSocket error")
			}
			break
		}

		if strings.TrimSpace(req.Message) == "" {
			_ = conn.WriteJSON(ErrorReply{Error: "message is required"})
			continue
		}

		conversationID := req.ConversationID
		if conversationID == "" {
			conversationID, _ = gonanoid.New()
		} else if err := conversation.ValidateConversationID(conversationID); err != nil {
			_ = conn.WriteJSON(ErrorReply{Error: err.Error()})
			continue
		}

		s.inFlightReqs.Add(1)
		pub := stream.NewPublisher(conversationID, 0, logger)

		forwarded := make(chan struct{})
		go func() {
			defer close(forwarded)
			for ev := range pub.Events() {
				if err := conn.WriteJSON(ev); err != nil {
					logger.Error().Err(err).Msg("Failed to forward stream event")
					return
				}
			}
		}()

		if _, err := s.runner.Run(r.Context(), engine.TurnParams{
			ConversationID: conversationID,
			Prompt:         req.Message,
			AgentID:        req.AgentID,
		}, pub); err != nil {
			logger.Error().
				Err(err).
				Str("conversation_id", conversationID).
				Msg("Turn failed")
		}
		<-forwarded
		s.inFlightReqs.Done()
	}

	logger.Info().Msg("Stream client disconnected")
}

func (s *Server) handleListConversations(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		s.writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	ids := s.store.List()
	if ids == nil {
		ids = []string{}
	}
	s.writeJSON(w, http.StatusOK, map[string]any{"conversations": ids})
}

func (s *Server) handleConversation(w http.ResponseWriter, r *http.Request) {
	id := strings.TrimPrefix(r.URL.Path, "/conversations/")
	if id == "" || strings.Contains(id, "/") {
		s.writeError(w, http.StatusNotFound, "conversation not found")
		return
	}

	switch r.Method {
	case http.MethodGet:
		turn, ok := s.store.Get(id)
		if !ok {
			s.writeError(w, http.StatusNotFound, "conversation not found")
			return
		}
		s.writeJSON(w, http.StatusOK, HistoryReply{
			ConversationID: id,
			Messages:       turn.Messages,
		})
	case http.MethodDelete:
		release := s.store.Acquire(id)
		s.store.Delete(id)
		release()
		w.WriteHeader(http.StatusNoContent)
	default:
		s.writeError(w, http.StatusMethodNotAllowed, "method not allowed")
	}
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.logger.Error().Err(err).Msg("Failed to encode response")
	}
}

func (s *Server) writeError(w http.ResponseWriter, status int, msg string) {
	s.writeJSON(w, status, ErrorReply{Error: msg})
}
