// Package transcript implements the append-only NDJSON per-session
// transcript: a header line followed by
// message records, with idempotency-key-based no-op re-append and a
// parent-chain invariant enforced by routing every append through this
// store rather than raw file writes.
//
// Grounded on internal/sessions/manager.go's persistence conventions
// (temp-file+rename atomic writes, sanitizeFilename) generalized from
// whole-snapshot JSON to append-only NDJSON.
package transcript

import (
	"bufio"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
)

// CurrentSessionVersion is the transcript header schema version.
const CurrentSessionVersion = 1

// Header is the first line of every transcript file.
type Header struct {
	Type      string    `json:"type"` // always "session"
	Version   int       `json:"version"`
	ID        string    `json:"id"`
	Timestamp time.Time `json:"timestamp"`
	Cwd       string    `json:"cwd"`
}

// Entry is one message record appended after the header.
type Entry struct {
	Type           string                 `json:"type"` // "message"
	ID             string                 `json:"id"`
	ParentID       string                 `json:"parentId,omitempty"`
	Role           string                 `json:"role"`
	Content        string                 `json:"content"`
	Timestamp      time.Time              `json:"timestamp"`
	IdempotencyKey string                 `json:"idempotencyKey,omitempty"`
	Metadata       map[string]interface{} `json:"metadata,omitempty"`
}

// AbortMetadata is the openclawAbort metadata carried by a persisted abort
// record.
type AbortMetadata struct {
	Aborted bool   `json:"aborted"`
	Origin  string `json:"origin"` // "rpc" | "stop-command"
	RunID   string `json:"runId"`
}

// fileState tracks a single transcript file's single-writer bookkeeping:
// the current leaf entry ID (for parentId chaining) and the set of
// idempotency keys already recorded, so repeated appends are cheap no-ops
// without re-scanning the file.
type fileState struct {
	mu        sync.Mutex
	leafID    string
	seenKeys  map[string]bool
}

// Store manages transcript files under one directory, one file per
// session key.
type Store struct {
	dir string

	mu     sync.Mutex
	states map[string]*fileState
}

// NewStore creates a transcript store rooted at dir, creating it if needed.
func NewStore(dir string) (*Store, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("transcript: create dir: %w", err)
	}
	return &Store{dir: dir, states: make(map[string]*fileState)}, nil
}

func (s *Store) stateFor(sessionKey string) *fileState {
	s.mu.Lock()
	defer s.mu.Unlock()
	st, ok := s.states[sessionKey]
	if !ok {
		st = &fileState{seenKeys: make(map[string]bool)}
		s.states[sessionKey] = st
		s.hydrate(sessionKey, st)
	}
	return st
}

// hydrate scans an existing transcript file (if any) to recover the leaf
// ID and the set of idempotency keys already written, so a restart doesn't
// re-append duplicates or break the parent chain. Caller must hold st.mu
// indirectly via the store mutex during construction (no concurrent access
// yet, since st was just created).
func (s *Store) hydrate(sessionKey string, st *fileState) {
	path := s.path(sessionKey)
	f, err := os.Open(path)
	if err != nil {
		return
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
	first := true
	for scanner.Scan() {
		line := scanner.Bytes()
		if first {
			first = false
			continue // header line
		}
		var e Entry
		if err := json.Unmarshal(line, &e); err != nil {
			continue
		}
		st.leafID = e.ID
		if e.IdempotencyKey != "" {
			st.seenKeys[e.IdempotencyKey] = true
		}
	}
}

func (s *Store) path(sessionKey string) string {
	return filepath.Join(s.dir, sanitizeFilename(sessionKey)+".ndjson")
}

// ensureHeader creates the transcript file with its header line if it
// doesn't exist yet, mode 0o600
func (s *Store) ensureHeader(sessionKey, cwd string) error {
	path := s.path(sessionKey)
	if _, err := os.Stat(path); err == nil {
		return nil
	}

	h := Header{
		Type:      "session",
		Version:   CurrentSessionVersion,
		ID:        uuid.NewString(),
		Timestamp: time.Now().UTC(),
		Cwd:       cwd,
	}
	line, err := json.Marshal(h)
	if err != nil {
		return err
	}
	line = append(line, '\n')

	f, err := os.OpenFile(path, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o600)
	if err != nil {
		if os.IsExist(err) {
			return nil
		}
		return err
	}
	defer f.Close()
	_, err = f.Write(line)
	return err
}

// Append writes one entry, populating ParentID from the current leaf and
// assigning a fresh ID if none is set. If entry.IdempotencyKey is already
// present in this transcript, Append is a no-op (returns false, nil).
func (s *Store) Append(sessionKey, cwd string, entry Entry) (appended bool, err error) {
	st := s.stateFor(sessionKey)
	st.mu.Lock()
	defer st.mu.Unlock()

	if entry.IdempotencyKey != "" && st.seenKeys[entry.IdempotencyKey] {
		return false, nil
	}

	if err := s.ensureHeader(sessionKey, cwd); err != nil {
		return false, err
	}

	if entry.ID == "" {
		entry.ID = uuid.NewString()
	}
	entry.ParentID = st.leafID
	if entry.Timestamp.IsZero() {
		entry.Timestamp = time.Now().UTC()
	}
	entry.Type = "message"

	line, err := json.Marshal(entry)
	if err != nil {
		return false, err
	}
	line = append(line, '\n')

	f, err := os.OpenFile(s.path(sessionKey), os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o600)
	if err != nil {
		return false, fmt.Errorf("transcript: open for append: %w", err)
	}
	defer f.Close()
	if _, err := f.Write(line); err != nil {
		return false, fmt.Errorf("transcript: append: %w", err)
	}

	st.leafID = entry.ID
	if entry.IdempotencyKey != "" {
		st.seenKeys[entry.IdempotencyKey] = true
	}
	return true, nil
}

// AppendAssistant appends an assistant-role entry with the stable
// "<runId>:assistant" idempotency key.
// Re-appending for the same runId is a no-op.
func (s *Store) AppendAssistant(sessionKey, cwd, runID, text string) (bool, error) {
	return s.Append(sessionKey, cwd, Entry{
		Role:           "assistant",
		Content:        text,
		IdempotencyKey: runID + ":assistant",
	})
}

// AppendAbort persists an abort record for runID with the accumulated
// partial text, if any, under the same "<runId>:assistant" idempotency key
// so it is indistinguishable from (and mutually exclusive with) a normal
// completed assistant entry; a repeated abort call is a no-op.
func (s *Store) AppendAbort(sessionKey, cwd, runID, partialText, origin string) (bool, error) {
	meta := map[string]interface{}{
		"openclawAbort": AbortMetadata{Aborted: true, Origin: origin, RunID: runID},
	}
	return s.Append(sessionKey, cwd, Entry{
		Role:           "assistant",
		Content:        partialText,
		IdempotencyKey: runID + ":assistant",
		Metadata:       meta,
	})
}

// History returns up to limit most-recent message entries (header
// excluded), for chat.history. limit <= 0 means no cap.
func (s *Store) History(sessionKey string, limit int) ([]Entry, error) {
	f, err := os.Open(s.path(sessionKey))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
	var entries []Entry
	first := true
	for scanner.Scan() {
		if first {
			first = false
			continue
		}
		var e Entry
		if err := json.Unmarshal(scanner.Bytes(), &e); err != nil {
			continue
		}
		entries = append(entries, e)
	}

	if limit > 0 && len(entries) > limit {
		entries = entries[len(entries)-limit:]
	}
	return entries, nil
}

func sanitizeFilename(key string) string {
	var b strings.Builder
	for _, r := range key {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '-', r == '_':
			b.WriteRune(r)
		case r == ':':
			b.WriteRune('_')
		default:
			b.WriteRune('_')
		}
	}
	out := b.String()
	if out == "" {
		return "_"
	}
	return out
}
