// Package audit records usage and security events.
//
// Recording is best effort: a failed or dropped write is logged and
// counted, never returned to the caller, so an audit outage cannot fail a
// user request.
package audit

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/therealutkarshpriyadarshi/resumeai/internal/logging"
	"github.com/therealutkarshpriyadarshi/resumeai/internal/metrics"
	"github.com/therealutkarshpriyadarshi/resumeai/pkg/models"
)

// Sink persists usage entries
type Sink interface {
	AppendUsage(ctx context.Context, entry models.UsageLogEntry) error
}

// Reader lists persisted usage entries, newest first
type Reader interface {
	ListUsage(ctx context.Context, userID string, limit int) ([]models.UsageLogEntry, error)
}

const writeTimeout = 5 * time.Second

// Log is the append-only usage log
type Log struct {
	sink   Sink
	logger *logging.Logger
	now    func() time.Time

	entries chan models.UsageLogEntry
	wg      sync.WaitGroup
	mu      sync.RWMutex
	closed  bool
}

// New creates a log that writes synchronously
func New(sink Sink, logger *logging.Logger) *Log {
	return &Log{
		sink:   sink,
		logger: logger.WithComponent("audit"),
		now:    time.Now,
	}
}

// NewAsync creates a log that hands entries to a background writer. When the
// buffer is full new entries are dropped rather than blocking the caller.
func NewAsync(sink Sink, logger *logging.Logger, bufferSize int) *Log {
	l := New(sink, logger)
	l.entries = make(chan models.UsageLogEntry, bufferSize)

	l.wg.Add(1)
	go l.drain()

	return l
}

// Record appends an entry. It never fails. A nil Log discards entries.
func (l *Log) Record(ctx context.Context, entry models.UsageLogEntry) {
	if l == nil {
		return
	}
	if entry.ID == "" {
		entry.ID = uuid.New().String()
	}
	if entry.Timestamp.IsZero() {
		entry.Timestamp = l.now().UTC()
	}
	if entry.Metadata == nil {
		entry.Metadata = models.Metadata{}
	}

	if l.entries == nil {
		// Detach from request cancellation so a client disconnect does not
		// lose the record.
		l.write(context.WithoutCancel(ctx), entry)
		return
	}

	l.mu.RLock()
	defer l.mu.RUnlock()
	if l.closed {
		l.fallback(entry, fmt.Errorf("audit log closed"))
		return
	}

	select {
	case l.entries <- entry:
	default:
		metrics.RecordAuditDropped()
		l.fallback(entry, fmt.Errorf("audit buffer full"))
	}
}

// Close stops accepting entries and waits for buffered ones to be written
func (l *Log) Close() {
	if l == nil || l.entries == nil {
		return
	}

	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		return
	}
	l.closed = true
	close(l.entries)
	l.mu.Unlock()

	l.wg.Wait()
}

func (l *Log) drain() {
	defer l.wg.Done()
	for entry := range l.entries {
		l.write(context.Background(), entry)
	}
}

func (l *Log) write(ctx context.Context, entry models.UsageLogEntry) {
	defer func() {
		if r := recover(); r != nil {
			metrics.RecordAuditFailure()
			l.fallback(entry, fmt.Errorf("audit sink panic: %v", r))
		}
	}()

	ctx, cancel := context.WithTimeout(ctx, writeTimeout)
	defer cancel()

	if err := l.sink.AppendUsage(ctx, entry); err != nil {
		metrics.RecordAuditFailure()
		l.fallback(entry, err)
	}
}

// fallback writes the lost entry to the application log so it can be
// recovered by hand.
func (l *Log) fallback(entry models.UsageLogEntry, err error) {
	userID := ""
	if entry.UserID != nil {
		userID = *entry.UserID
	}

	l.logger.WithFields(map[string]interface{}{
		"entry_id":     entry.ID,
		"user_id":      userID,
		"action":       string(entry.Action),
		"credits_used": entry.CreditsUsed,
		"success":      entry.Success,
		"metadata":     entry.Metadata,
	}).WarnWithErr("Failed to persist usage entry", err)
}
