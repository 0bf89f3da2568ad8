package conversation

import (
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/amira/toolbridge/internal/observability"
	"github.com/rs/zerolog"
)

// Store keeps conversation state in memory, keyed by conversation ID.
// Operations on distinct IDs never contend. The store does not merge
// concurrent writes to one ID; callers serialize per-ID access with
// Acquire before running a turn.
type Store struct {
	mu     sync.RWMutex
	turns  map[string]*Turn
	locks  map[string]*sync.Mutex
	logger zerolog.Logger
}

// NewStore creates an empty store.
func NewStore(logger zerolog.Logger) *Store {
	observability.EnsureRegistered()

	return &Store{
		turns:  make(map[string]*Turn),
		locks:  make(map[string]*sync.Mutex),
		logger: logger,
	}
}

// ValidateConversationID rejects IDs that would be unsafe as archive file
// names.
func ValidateConversationID(id string) error {
	if id == "" {
		return fmt.Errorf("conversation ID cannot be empty")
	}
	if strings.Contains(id, "..") {
		return fmt.Errorf("conversation ID cannot contain '..'")
	}
	if strings.ContainsAny(id, "/\\") {
		return fmt.Errorf("conversation ID cannot contain path separators")
	}
	if strings.Contains(id, "\x00") {
		return fmt.Errorf("conversation ID cannot contain null bytes")
	}
	return nil
}

// Acquire takes the per-conversation lock and returns its release func.
// A second caller for the same ID queues behind the first; callers for
// different IDs proceed independently.
func (s *Store) Acquire(conversationID string) func() {
	s.mu.Lock()
	lock, ok := s.locks[conversationID]
	if !ok {
		lock = &sync.Mutex{}
		s.locks[conversationID] = lock
	}
	s.mu.Unlock()

	lock.Lock()
	return lock.Unlock
}

// Get returns a copy of the conversation state, reporting whether it
// exists. Absent on first contact.
func (s *Store) Get(conversationID string) (Turn, bool) {
	start := time.Now()
	defer func() { observability.RecordStoreLoad(time.Since(start)) }()

	s.mu.RLock()
	defer s.mu.RUnlock()

	t, ok := s.turns[conversationID]
	if !ok {
		return Turn{}, false
	}
	return t.Clone(), true
}

// CreateOrReplace installs the given state for the ID, discarding whatever
// was there. Last writer wins.
func (s *Store) CreateOrReplace(conversationID string, t Turn) error {
	if err := ValidateConversationID(conversationID); err != nil {
		return err
	}

	start := time.Now()
	defer func() { observability.RecordStoreSave(time.Since(start)) }()

	t.ConversationID = conversationID
	t.UpdatedAt = time.Now()
	clone := t.Clone()

	s.mu.Lock()
	s.turns[conversationID] = &clone
	count := len(s.turns)
	s.mu.Unlock()

	observability.SetActiveConversations(count)

	s.logger.Debug().
		Str("conversation_id", conversationID).
		Int("messages", len(t.Messages)).
		Msg("Conversation state replaced")

	return nil
}

// Append adds a message to the conversation, creating the conversation on
// first contact.
func (s *Store) Append(conversationID string, msg Message) error {
	if err := ValidateConversationID(conversationID); err != nil {
		return err
	}
	if msg.Role == "" {
		return fmt.Errorf("message role cannot be empty")
	}
	if msg.Timestamp.IsZero() {
		msg.Timestamp = time.Now()
	}

	start := time.Now()
	defer func() { observability.RecordStoreSave(time.Since(start)) }()

	s.mu.Lock()
	t, ok := s.turns[conversationID]
	if !ok {
		t = &Turn{ConversationID: conversationID}
		s.turns[conversationID] = t
	}
	t.Messages = append(t.Messages, msg)
	t.UpdatedAt = time.Now()
	count := len(s.turns)
	s.mu.Unlock()

	observability.SetActiveConversations(count)

	s.logger.Debug().
		Str("conversation_id", conversationID).
		Str("role", string(msg.Role)).
		Msg("Message appended")

	return nil
}

// SetLastResponse records the turn's structured response.
func (s *Store) SetLastResponse(conversationID string, resp StructuredResponse) error {
	if err := ValidateConversationID(conversationID); err != nil {
		return err
	}

	s.mu.Lock()
	t, ok := s.turns[conversationID]
	if !ok {
		t = &Turn{ConversationID: conversationID}
		s.turns[conversationID] = t
	}
	t.LastResponse = &resp
	t.UpdatedAt = time.Now()
	s.mu.Unlock()

	return nil
}

// LastResponse returns the last structured response recorded for the
// conversation, if any.
func (s *Store) LastResponse(conversationID string) (StructuredResponse, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	t, ok := s.turns[conversationID]
	if !ok || t.LastResponse == nil {
		return StructuredResponse{}, false
	}
	return *t.LastResponse, true
}

// List returns the IDs of all conversations currently held.
func (s *Store) List() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()

	ids := make([]string, 0, len(s.turns))
	for id := range s.turns {
		ids = append(ids, id)
	}
	return ids
}

// Delete drops a conversation's state. The per-ID lock entry stays:
// callers already queued on it must keep serializing with anyone who
// acquires after the delete.
func (s *Store) Delete(conversationID string) {
	s.mu.Lock()
	delete(s.turns, conversationID)
	count := len(s.turns)
	s.mu.Unlock()

	observability.SetActiveConversations(count)
}

// UpdatedAt returns the last modification time for a conversation.
func (s *Store) UpdatedAt(conversationID string) (time.Time, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	t, ok := s.turns[conversationID]
	if !ok {
		return time.Time{}, false
	}
	return t.UpdatedAt, true
}
