package monitoring

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/therealutkarshpriyadarshi/resumeai/internal/logging"
	"github.com/therealutkarshpriyadarshi/resumeai/internal/metrics"
	"github.com/therealutkarshpriyadarshi/resumeai/internal/queue"
)

// Health levels
const (
	Healthy  = "healthy"
	Warning  = "warning"
	Critical = "critical"
)

const defaultInterval = 10 * time.Second

// Snapshot holds the reconciliation backlog as last observed
type Snapshot struct {
	QueueDepth  int       `json:"queue_depth"`
	DLQDepth    int       `json:"dlq_depth"`
	Handled     int64     `json:"handled"`
	Failed      int64     `json:"failed"`
	LastUpdated time.Time `json:"last_updated"`
}

// FailureRate returns the share of handled tasks that failed
func (s Snapshot) FailureRate() float64 {
	if s.Handled == 0 {
		return 0
	}
	return float64(s.Failed) / float64(s.Handled)
}

// Thresholds above which the backlog is reported
type Thresholds struct {
	QueueDepth  int
	DLQDepth    int
	FailureRate float64
}

// DefaultThresholds are used by NewMonitor
var DefaultThresholds = Thresholds{
	QueueDepth:  1000,
	DLQDepth:    100,
	FailureRate: 0.1,
}

// QueueProvider defines the interface for queue metrics
type QueueProvider interface {
	GetQueueDepth() (int, error)
	GetDLQDepth() (int, error)
}

// Handler processes one settlement task
type Handler func(ctx context.Context, task *queue.SettlementTask) error

// Monitor watches the settlement queues and the outcome of reconciliation
type Monitor struct {
	mu         sync.RWMutex
	snapshot   Snapshot
	queue      QueueProvider
	thresholds Thresholds
	interval   time.Duration
	logger     *logging.Logger
}

// NewMonitor creates a monitor with the default thresholds
func NewMonitor(queueProvider QueueProvider, logger *logging.Logger) *Monitor {
	return &Monitor{
		queue:      queueProvider,
		thresholds: DefaultThresholds,
		interval:   defaultInterval,
		logger:     logger.WithComponent("monitor"),
	}
}

// Start polls queue depths until ctx is done
func (m *Monitor) Start(ctx context.Context) {
	go func() {
		ticker := time.NewTicker(m.interval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if err := m.Refresh(); err != nil {
					m.logger.WarnWithErr("Failed to update queue metrics", err)
					continue
				}
				for _, alert := range m.Alerts() {
					m.logger.Warn(alert)
				}
			}
		}
	}()
}

// Refresh reads the current queue depths
func (m *Monitor) Refresh() error {
	queueDepth, err := m.queue.GetQueueDepth()
	if err != nil {
		return fmt.Errorf("failed to get queue depth: %w", err)
	}
	dlqDepth, err := m.queue.GetDLQDepth()
	if err != nil {
		return fmt.Errorf("failed to get DLQ depth: %w", err)
	}

	metrics.RecordQueueDepth(queue.SettlementQueueName, queueDepth)
	metrics.RecordQueueDepth(queue.DeadLetterQueueName, dlqDepth)

	m.mu.Lock()
	m.snapshot.QueueDepth = queueDepth
	m.snapshot.DLQDepth = dlqDepth
	m.snapshot.LastUpdated = time.Now()
	m.mu.Unlock()
	return nil
}

// Observe wraps a handler so its outcomes count towards the failure rate
func (m *Monitor) Observe(next Handler) Handler {
	return func(ctx context.Context, task *queue.SettlementTask) error {
		err := next(ctx, task)

		m.mu.Lock()
		m.snapshot.Handled++
		if err != nil {
			m.snapshot.Failed++
		}
		m.mu.Unlock()
		return err
	}
}

// Snapshot returns a copy of the current state
func (m *Monitor) Snapshot() Snapshot {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.snapshot
}

// Health returns the overall reconciliation health
func (m *Monitor) Health() string {
	s := m.Snapshot()

	if s.DLQDepth > m.thresholds.DLQDepth {
		return Critical
	}
	if s.QueueDepth > m.thresholds.QueueDepth || s.FailureRate() > m.thresholds.FailureRate {
		return Warning
	}
	return Healthy
}

// Alerts returns one message per exceeded threshold
func (m *Monitor) Alerts() []string {
	s := m.Snapshot()

	var alerts []string
	if s.DLQDepth > m.thresholds.DLQDepth {
		alerts = append(alerts, fmt.Sprintf("High DLQ depth: %d settlements need manual review", s.DLQDepth))
	}
	if s.QueueDepth > m.thresholds.QueueDepth {
		alerts = append(alerts, fmt.Sprintf("High queue depth: %d settlements pending", s.QueueDepth))
	}
	if rate := s.FailureRate(); rate > m.thresholds.FailureRate {
		alerts = append(alerts, fmt.Sprintf("High reconciliation failure rate: %.1f%%", rate*100))
	}
	return alerts
}
