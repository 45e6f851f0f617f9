package monitoring

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/therealutkarshpriyadarshi/resumeai/internal/logging"
	"github.com/therealutkarshpriyadarshi/resumeai/internal/queue"
)

type fakeQueue struct {
	depth, dlq int
	err        error
}

func (f *fakeQueue) GetQueueDepth() (int, error) { return f.depth, f.err }
func (f *fakeQueue) GetDLQDepth() (int, error)   { return f.dlq, f.err }

func TestRefresh(t *testing.T) {
	q := &fakeQueue{depth: 12, dlq: 3}
	m := NewMonitor(q, logging.NewNop())

	require.NoError(t, m.Refresh())
	s := m.Snapshot()
	assert.Equal(t, 12, s.QueueDepth)
	assert.Equal(t, 3, s.DLQDepth)
	assert.False(t, s.LastUpdated.IsZero())

	q.err = errors.New("channel closed")
	assert.Error(t, m.Refresh())
	assert.Equal(t, 12, m.Snapshot().QueueDepth, "failed refresh keeps the last snapshot")
}

func TestObserve(t *testing.T) {
	m := NewMonitor(&fakeQueue{}, logging.NewNop())
	fail := errors.New("store down")

	handler := m.Observe(func(ctx context.Context, task *queue.SettlementTask) error {
		if task.Amount < 0 {
			return fail
		}
		return nil
	})

	assert.NoError(t, handler(context.Background(), &queue.SettlementTask{Amount: 1}))
	assert.ErrorIs(t, handler(context.Background(), &queue.SettlementTask{Amount: -1}), fail)

	s := m.Snapshot()
	assert.Equal(t, int64(2), s.Handled)
	assert.Equal(t, int64(1), s.Failed)
	assert.InDelta(t, 0.5, s.FailureRate(), 1e-9)
}

func TestHealthAndAlerts(t *testing.T) {
	tests := []struct {
		name     string
		snapshot Snapshot
		health   string
		alerts   int
	}{
		{"idle", Snapshot{}, Healthy, 0},
		{"backlog", Snapshot{QueueDepth: 5000}, Warning, 1},
		{"failing", Snapshot{Handled: 10, Failed: 5}, Warning, 1},
		{"dead letters", Snapshot{DLQDepth: 101, QueueDepth: 5000}, Critical, 2},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			m := NewMonitor(&fakeQueue{}, logging.NewNop())
			m.snapshot = tt.snapshot

			assert.Equal(t, tt.health, m.Health())
			assert.Len(t, m.Alerts(), tt.alerts)
		})
	}
}
