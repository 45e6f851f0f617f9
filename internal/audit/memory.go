package audit

import (
	"context"
	"sync"

	"github.com/therealutkarshpriyadarshi/resumeai/pkg/models"
)

// Ensure interface compliance at compile time.
var (
	_ Sink   = (*MemorySink)(nil)
	_ Reader = (*MemorySink)(nil)
)

// MemorySink keeps entries in memory for tests and local development
type MemorySink struct {
	mu      sync.Mutex
	entries []models.UsageLogEntry
	err     error
}

// NewMemorySink creates an empty sink
func NewMemorySink() *MemorySink {
	return &MemorySink{}
}

// FailWith makes every following append fail with err; nil restores it
func (s *MemorySink) FailWith(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.err = err
}

// AppendUsage implements Sink
func (s *MemorySink) AppendUsage(ctx context.Context, entry models.UsageLogEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return s.err
	}
	s.entries = append(s.entries, entry)
	return nil
}

// ListUsage implements Reader
func (s *MemorySink) ListUsage(ctx context.Context, userID string, limit int) ([]models.UsageLogEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []models.UsageLogEntry
	for i := len(s.entries) - 1; i >= 0 && len(out) < limit; i-- {
		entry := s.entries[i]
		if entry.UserID != nil && *entry.UserID == userID {
			out = append(out, entry)
		}
	}
	return out, nil
}

// Entries returns a copy of everything appended so far
func (s *MemorySink) Entries() []models.UsageLogEntry {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]models.UsageLogEntry(nil), s.entries...)
}

// EntriesFor returns the entries of one user with the given action
func (s *MemorySink) EntriesFor(userID string, action models.Action) []models.UsageLogEntry {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []models.UsageLogEntry
	for _, entry := range s.entries {
		if entry.Action == action && entry.UserID != nil && *entry.UserID == userID {
			out = append(out, entry)
		}
	}
	return out
}
