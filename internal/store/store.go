// ABOUTME: Durable session persistence in bridge-sessions.json
// ABOUTME: Debounced atomic writes keyed by conversation id

package store

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
)

// FileName is the session file inside the state directory.
const FileName = "bridge-sessions.json"

const debounceDelay = 500 * time.Millisecond

// Entry is one persisted session, keyed by conversation id in the file.
type Entry struct {
	SessionID string `json:"sessionId"`
	Backend   string `json:"backend"`
	Model     string `json:"model,omitempty"`
	Cwd       string `json:"cwd,omitempty"`
	UpdatedAt string `json:"updatedAt"`
}

// valid reports whether a loaded entry is usable. Entries without a
// session id or with an unrecognizable backend cannot be resumed.
func (e Entry) valid() bool {
	if e.SessionID == "" {
		return false
	}
	switch e.Backend {
	case "claude", "codex":
		return true
	}
	return false
}

// Store keeps the session map in memory and flushes it to disk after a
// short debounce, so bursts of turn completions cost one write.
type Store struct {
	path   string
	logger *slog.Logger
	clk    clock.Clock

	mu      sync.Mutex
	entries map[string]Entry
	timer   *clock.Timer
}

// New builds a store writing to dir/bridge-sessions.json. Nothing is
// read until Load.
func New(dir string, logger *slog.Logger, clk clock.Clock) *Store {
	if clk == nil {
		clk = clock.New()
	}
	return &Store{
		path:    filepath.Join(dir, FileName),
		logger:  logger.With("component", "store"),
		clk:     clk,
		entries: make(map[string]Entry),
	}
}

// Load reads the session file. Best-effort: a missing file means an
// empty store, a corrupt file is logged and treated as empty, and
// individual invalid entries are dropped.
func (s *Store) Load() {
	data, err := os.ReadFile(s.path)
	if os.IsNotExist(err) {
		return
	}
	if err != nil {
		s.logger.Warn("reading session file", "path", s.path, "error", err)
		return
	}

	var raw map[string]Entry
	if err := json.Unmarshal(data, &raw); err != nil {
		s.logger.Warn("corrupt session file, starting empty", "path", s.path, "error", err)
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	for convID, entry := range raw {
		if !entry.valid() {
			s.logger.Warn("dropping invalid session entry", "conversation", convID)
			continue
		}
		s.entries[convID] = entry
	}
	s.logger.Info("loaded persisted sessions", "count", len(s.entries), "path", s.path)
}

// Get returns the persisted entry for a conversation.
func (s *Store) Get(convID string) (Entry, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.entries[convID]
	return e, ok
}

// Persist records a session and schedules a write.
func (s *Store) Persist(convID string, entry Entry) {
	entry.UpdatedAt = s.clk.Now().UTC().Format(time.RFC3339)

	s.mu.Lock()
	defer s.mu.Unlock()
	s.entries[convID] = entry
	s.armLocked()
}

// Clear removes a conversation's entry. A write is scheduled only when
// something was actually removed.
func (s *Store) Clear(convID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.entries[convID]; !ok {
		return
	}
	delete(s.entries, convID)
	s.armLocked()
}

// armLocked starts the debounce timer if none is pending. Caller holds
// mu. A pending timer is left alone so sustained updates cannot push
// the write out indefinitely; the delay bounds crash loss.
func (s *Store) armLocked() {
	if s.timer != nil {
		return
	}
	s.timer = s.clk.AfterFunc(debounceDelay, func() {
		s.mu.Lock()
		s.timer = nil
		s.mu.Unlock()
		if err := s.write(); err != nil {
			s.logger.Error("writing session file", "path", s.path, "error", err)
		}
	})
}

// Flush cancels any pending debounce and writes synchronously.
func (s *Store) Flush() {
	s.mu.Lock()
	if s.timer != nil {
		s.timer.Stop()
		s.timer = nil
	}
	s.mu.Unlock()

	if err := s.write(); err != nil {
		s.logger.Error("writing session file", "path", s.path, "error", err)
	}
}

// write serializes the map and renames a temp file over the target so a
// crash never leaves a half-written file.
func (s *Store) write() error {
	s.mu.Lock()
	snapshot := make(map[string]Entry, len(s.entries))
	for k, v := range s.entries {
		snapshot[k] = v
	}
	s.mu.Unlock()

	data, err := json.MarshalIndent(snapshot, "", "  ")
	if err != nil {
		return fmt.Errorf("encoding sessions: %w", err)
	}
	data = append(data, '\n')

	dir := filepath.Dir(s.path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("creating state directory: %w", err)
	}

	tmp, err := os.CreateTemp(dir, FileName+".tmp*")
	if err != nil {
		return fmt.Errorf("creating temp file: %w", err)
	}
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return fmt.Errorf("writing temp file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return fmt.Errorf("closing temp file: %w", err)
	}
	if err := os.Rename(tmp.Name(), s.path); err != nil {
		os.Remove(tmp.Name())
		return fmt.Errorf("replacing session file: %w", err)
	}

	s.logger.Debug("session file written", "path", s.path, "entries", len(snapshot))
	return nil
}
