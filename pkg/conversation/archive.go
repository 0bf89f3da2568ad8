package conversation

import (
	"bufio"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// Archive persists finished turns as JSONL, one file per conversation.
// It backs the in-memory store across restarts; the store remains the
// source of truth during a turn.
type Archive struct {
	dir        string
	writeLocks map[string]*sync.Mutex
	locksMu    sync.Mutex
	logger     zerolog.Logger
}

// archiveEntry is one JSONL line.
type archiveEntry struct {
	ConversationID string  `json:"conversation_id"`
	Message        Message `json:"message"`
}

// NewArchive creates the archive directory if needed.
func NewArchive(dir string, logger zerolog.Logger) (*Archive, error) {
	if dir == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return nil, fmt.Errorf("failed to get home directory: %w", err)
		}
		dir = filepath.Join(home, ".toolbridge", "conversations")
	}

	if err := os.MkdirAll(dir, 0700); err != nil {
		return nil, fmt.Errorf("failed to create archive directory: %w", err)
	}

	logger.Info().Str("dir", dir).Msg("Conversation archive initialized")

	return &Archive{
		dir:        dir,
		writeLocks: make(map[string]*sync.Mutex),
		logger:     logger,
	}, nil
}

func (a *Archive) path(conversationID string) string {
	return filepath.Join(a.dir, conversationID+".jsonl")
}

func (a *Archive) lockFor(conversationID string) *sync.Mutex {
	a.locksMu.Lock()
	defer a.locksMu.Unlock()

	lock, ok := a.writeLocks[conversationID]
	if !ok {
		lock = &sync.Mutex{}
		a.writeLocks[conversationID] = lock
	}
	return lock
}

// AppendMessage durably appends one message to a conversation's file.
func (a *Archive) AppendMessage(conversationID string, msg Message) error {
	if err := ValidateConversationID(conversationID); err != nil {
		return err
	}
	if msg.Timestamp.IsZero() {
		msg.Timestamp = time.Now()
	}

	lock := a.lockFor(conversationID)
	lock.Lock()
	defer lock.Unlock()

	file, err := os.OpenFile(a.path(conversationID), os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0600)
	if err != nil {
		return fmt.Errorf("failed to open archive file: %w", err)
	}
	defer file.Close()

	data, err := json.Marshal(archiveEntry{ConversationID: conversationID, Message: msg})
	if err != nil {
		return fmt.Errorf("failed to marshal message: %w", err)
	}

	if _, err := file.Write(append(data, '\n')); err != nil {
		return fmt.Errorf("failed to write message: %w", err)
	}

	if err := file.Sync(); err != nil {
		return fmt.Errorf("failed to sync archive file: %w", err)
	}

	return nil
}

// AppendTurn archives every message of a finished turn.
func (a *Archive) AppendTurn(conversationID string, msgs []Message) error {
	for _, msg := range msgs {
		if err := a.AppendMessage(conversationID, msg); err != nil {
			return err
		}
	}
	return nil
}

// Load reads a conversation's history, skipping corrupted lines.
func (a *Archive) Load(conversationID string) ([]Message, error) {
	if err := ValidateConversationID(conversationID); err != nil {
		return nil, err
	}

	file, err := os.Open(a.path(conversationID))
	if err != nil {
		if os.IsNotExist(err) {
			return []Message{}, nil
		}
		return nil, fmt.Errorf("failed to open archive file: %w", err)
	}
	defer file.Close()

	var msgs []Message
	scanner := bufio.NewScanner(file)
	lineNum := 0

	for scanner.Scan() {
		lineNum++
		line := scanner.Text()
		if line == "" {
			continue
		}

		var entry archiveEntry
		if err := json.Unmarshal([]byte(line), &entry); err != nil {
			a.logger.Warn().
				Str("conversation_id", conversationID).
				Int("line", lineNum).
				Err(err).
				Msg("Skipping corrupted archive line")
			continue
		}

		if entry.Message.Role == "" {
			a.logger.Warn().
				Str("conversation_id", conversationID).
				Int("line", lineNum).
				Msg("Skipping archive entry without role")
			continue
		}

		msgs = append(msgs, entry.Message)
	}

	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("failed to read archive file: %w", err)
	}

	return msgs, nil
}

// List returns all archived conversation IDs.
func (a *Archive) List() ([]string, error) {
	entries, err := os.ReadDir(a.dir)
	if err != nil {
		if os.IsNotExist(err) {
			return []string{}, nil
		}
		return nil, fmt.Errorf("failed to read archive directory: %w", err)
	}

	var ids []string
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		name := entry.Name()
		if !strings.HasSuffix(name, ".jsonl") {
			continue
		}
		ids = append(ids, strings.TrimSuffix(name, ".jsonl"))
	}

	return ids, nil
}

// LastModified returns the archive file's modification time.
func (a *Archive) LastModified(conversationID string) (time.Time, error) {
	if err := ValidateConversationID(conversationID); err != nil {
		return time.Time{}, err
	}

	info, err := os.Stat(a.path(conversationID))
	if err != nil {
		return time.Time{}, err
	}
	return info.ModTime(), nil
}

// Delete removes a conversation's archive file.
func (a *Archive) Delete(conversationID string) error {
	if err := ValidateConversationID(conversationID); err != nil {
		return err
	}

	lock := a.lockFor(conversationID)
	lock.Lock()
	defer lock.Unlock()

	if err := os.Remove(a.path(conversationID)); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("failed to delete archive file: %w", err)
	}

	a.locksMu.Lock()
	delete(a.writeLocks, conversationID)
	a.locksMu.Unlock()

	return nil
}
