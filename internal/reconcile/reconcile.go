// Package reconcile applies settlements that could not be charged inline.
//
// Tasks arrive from the settlement retry queue. Each operation is charged at
// most once: a per-operation guard is taken before charging and released
// again when the charge did not happen, so a redelivered task is retried
// rather than skipped.
package reconcile

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/therealutkarshpriyadarshi/resumeai/internal/ledger"
	"github.com/therealutkarshpriyadarshi/resumeai/internal/logging"
	"github.com/therealutkarshpriyadarshi/resumeai/internal/metrics"
	"github.com/therealutkarshpriyadarshi/resumeai/internal/queue"
	"github.com/therealutkarshpriyadarshi/resumeai/pkg/models"
)

const (
	guardPrefix = "reconcile:"
	guardTTL    = 7 * 24 * time.Hour
)

// Deductor charges credits
type Deductor interface {
	DeductCredits(ctx context.Context, userID string, amount int, action models.Action, metadata models.Metadata) (*ledger.DeductResult, error)
}

// Guard marks operations that were already charged
type Guard interface {
	AcquireLock(ctx context.Context, resource string, ttl time.Duration) (bool, error)
	ReleaseLock(ctx context.Context, resource string) error
}

// Reconciler charges queued settlements
type Reconciler struct {
	ledger Deductor
	guard  Guard
	logger *logging.Logger
}

// New creates a reconciler. guard may be nil, in which case a task that is
// delivered twice after a successful charge is charged twice.
func New(deductor Deductor, guard Guard, logger *logging.Logger) *Reconciler {
	return &Reconciler{
		ledger: deductor,
		guard:  guard,
		logger: logger.WithComponent("reconcile"),
	}
}

// Handle charges one task. Errors wrapping queue.ErrPermanent will never
// succeed on retry; any other error is transient.
func (r *Reconciler) Handle(ctx context.Context, task *queue.SettlementTask) error {
	start := time.Now()
	logger := r.logger.WithOperationID(task.OperationID).WithUserID(task.UserID)

	if task.UserID == "" || task.OperationID == "" {
		return fmt.Errorf("%w: task is missing user or operation id", queue.ErrPermanent)
	}

	key := guardPrefix + task.OperationID
	if r.guard != nil {
		acquired, err := r.guard.AcquireLock(ctx, key, guardTTL)
		if err != nil {
			return fmt.Errorf("reconcile guard: %w", err)
		}
		if !acquired {
			logger.Info("Settlement already reconciled, skipping")
			metrics.RecordSettlement("duplicate", time.Since(start).Seconds())
			return nil
		}
	}

	err := r.charge(ctx, task)
	if err != nil {
		r.release(ctx, key)
		logger.WithField("attempt", task.Attempt).WarnWithErr("Reconciliation attempt failed", err)
		metrics.RecordSettlement("unsettled", time.Since(start).Seconds())
		return err
	}

	logger.WithField("attempt", task.Attempt).Infof("Reconciled %d credits for %s", task.Amount, task.Action)
	metrics.RecordSettlement("reconciled", time.Since(start).Seconds())
	return nil
}

func (r *Reconciler) charge(ctx context.Context, task *queue.SettlementTask) error {
	metadata := models.Metadata{}
	for k, v := range task.Metadata {
		metadata[k] = v
	}
	metadata["operation_id"] = task.OperationID
	metadata["reconciled"] = true

	result, err := r.ledger.DeductCredits(ctx, task.UserID, task.Amount, task.Action, metadata)
	if errors.Is(err, ledger.ErrInvalidAmount) {
		return fmt.Errorf("%w: %v", queue.ErrPermanent, err)
	}
	if err != nil {
		return err
	}

	if !result.Success {
		switch result.Error {
		case ledger.MsgInsufficientCredits, ledger.MsgProfileNotFound:
			return fmt.Errorf("%w: %s", queue.ErrPermanent, result.Error)
		}
		return errors.New(result.Error)
	}
	return nil
}

func (r *Reconciler) release(ctx context.Context, key string) {
	if r.guard == nil {
		return
	}
	if err := r.guard.ReleaseLock(ctx, key); err != nil {
		r.logger.WarnWithErr("Failed to release reconcile guard", err)
	}
}
