// Package settlement charges credits for protected operations after they
// succeed.
//
// An Operation is opened with Begin once the gate has admitted a request and
// is finished exactly once: Complete charges, Fail and Abort never do.
package settlement

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/therealutkarshpriyadarshi/resumeai/internal/audit"
	"github.com/therealutkarshpriyadarshi/resumeai/internal/gate"
	"github.com/therealutkarshpriyadarshi/resumeai/internal/generate"
	"github.com/therealutkarshpriyadarshi/resumeai/internal/ledger"
	"github.com/therealutkarshpriyadarshi/resumeai/internal/logging"
	"github.com/therealutkarshpriyadarshi/resumeai/internal/metrics"
	"github.com/therealutkarshpriyadarshi/resumeai/internal/queue"
	"github.com/therealutkarshpriyadarshi/resumeai/internal/tracing"
	"github.com/therealutkarshpriyadarshi/resumeai/pkg/models"
)

var (
	// ErrAlreadyFinished is returned when an operation is finished twice
	ErrAlreadyFinished = errors.New("operation already finished")
	// ErrDuplicateOperation is returned by Claim when the idempotency key
	// belongs to an operation that is running or has completed
	ErrDuplicateOperation = errors.New("duplicate operation")
)

// GuardTTL is how long a completed operation's idempotency key stays claimed
const GuardTTL = 24 * time.Hour

const (
	guardPrefix    = "settle:"
	releaseTimeout = 5 * time.Second
)

// State is the lifecycle state of an operation
type State int

const (
	StatePending State = iota
	StateCompleted
	StateFailed
	StateAborted
)

func (s State) String() string {
	switch s {
	case StatePending:
		return "pending"
	case StateCompleted:
		return "completed"
	case StateFailed:
		return "failed"
	case StateAborted:
		return "aborted"
	default:
		return "unknown"
	}
}

// Operation tracks one admitted request until it is finished
type Operation struct {
	ID             string
	UserID         string
	Tier           models.Tier
	Amount         int
	Action         models.Action
	IdempotencyKey string
	StartedAt      time.Time
	// Metadata is attached to the usage entry written on Complete
	Metadata models.Metadata

	mu      sync.Mutex
	state   State
	err     error
	claimed bool
}

// State returns the current state
func (o *Operation) State() State {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.state
}

// Err returns the error the operation failed with, if any
func (o *Operation) Err() error {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.err
}

func (o *Operation) finish(to State, err error) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.state != StatePending {
		return ErrAlreadyFinished
	}
	o.state = to
	o.err = err
	return nil
}

// Deductor charges credits
type Deductor interface {
	DeductCredits(ctx context.Context, userID string, amount int, action models.Action, metadata models.Metadata) (*ledger.DeductResult, error)
}

// Guard is a set-if-absent key store used for idempotency keys
type Guard interface {
	AcquireLock(ctx context.Context, resource string, ttl time.Duration) (bool, error)
	ReleaseLock(ctx context.Context, resource string) error
}

// Publisher hands failed settlements to reconciliation
type Publisher interface {
	PublishSettlement(ctx context.Context, task *queue.SettlementTask) error
}

// Hook settles operations against the ledger
type Hook struct {
	ledger    Deductor
	guard     Guard
	publisher Publisher
	audit     *audit.Log
	logger    *logging.Logger
	now       func() time.Time
}

// New creates a hook. guard and publisher may be nil, which disables
// idempotency keys and reconciliation respectively.
func New(deductor Deductor, guard Guard, publisher Publisher, auditLog *audit.Log, logger *logging.Logger) *Hook {
	return &Hook{
		ledger:    deductor,
		guard:     guard,
		publisher: publisher,
		audit:     auditLog,
		logger:    logger.WithComponent("settlement"),
		now:       time.Now,
	}
}

// Begin opens a pending operation for an admitted request
func (h *Hook) Begin(auth *gate.AuthorizedContext, amount int, action models.Action, idempotencyKey string) *Operation {
	return &Operation{
		ID:             uuid.New().String(),
		UserID:         auth.UserID,
		Tier:           auth.Tier,
		Amount:         amount,
		Action:         action,
		IdempotencyKey: idempotencyKey,
		StartedAt:      h.now(),
	}
}

// Claim reserves op's idempotency key before any work is done. It returns
// ErrDuplicateOperation when another operation holds the key. The key stays
// claimed after Complete and is released by Fail and Abort so the caller can
// retry. Without a key, a user or a guard Claim is a no-op; a guard outage
// lets the operation through unclaimed.
func (h *Hook) Claim(ctx context.Context, op *Operation) error {
	if op.IdempotencyKey == "" || op.UserID == "" || h.guard == nil {
		return nil
	}

	logger := h.logger.WithOperationID(op.ID).WithUserID(op.UserID)
	acquired, err := h.guard.AcquireLock(ctx, guardKey(op.UserID, op.IdempotencyKey), GuardTTL)
	switch {
	case err != nil:
		logger.WarnWithErr("Idempotency guard unavailable, running without it", err)
		return nil
	case !acquired:
		logger.Infof("Rejecting duplicate operation for idempotency key %q", op.IdempotencyKey)
		metrics.RecordSettlement("duplicate", 0)
		return ErrDuplicateOperation
	}

	op.mu.Lock()
	op.claimed = true
	op.mu.Unlock()
	return nil
}

func (h *Hook) release(op *Operation) {
	op.mu.Lock()
	claimed := op.claimed
	op.claimed = false
	op.mu.Unlock()
	if !claimed {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), releaseTimeout)
	defer cancel()
	if err := h.guard.ReleaseLock(ctx, guardKey(op.UserID, op.IdempotencyKey)); err != nil {
		h.logger.WithOperationID(op.ID).WarnWithErr("Failed to release idempotency key", err)
	}
}

// Complete marks op as succeeded and charges for it. Charging problems are
// handled here and never returned; the only error is ErrAlreadyFinished.
func (h *Hook) Complete(ctx context.Context, op *Operation) error {
	if err := op.finish(StateCompleted, nil); err != nil {
		return err
	}

	// The output has been produced; a caller hanging up now must not
	// cancel the charge.
	ctx = context.WithoutCancel(ctx)
	span, ctx := tracing.StartSpan(ctx, "settlement.complete")
	defer tracing.FinishSpan(span)
	tracing.SetTag(span, "operation_id", op.ID)
	tracing.SetTag(span, "action", string(op.Action))

	status, err := h.complete(ctx, op)
	tracing.LogError(span, err)
	tracing.SetTag(span, "status", status)
	metrics.RecordSettlement(status, h.now().Sub(op.StartedAt).Seconds())
	return nil
}

func (h *Hook) complete(ctx context.Context, op *Operation) (string, error) {
	if op.UserID == "" {
		return "anonymous", nil
	}

	metadata := models.Metadata{}
	for k, v := range op.Metadata {
		metadata[k] = v
	}
	metadata["operation_id"] = op.ID

	if err := h.settle(ctx, op.ID, op.UserID, op.Amount, op.Action, op.IdempotencyKey, metadata); err != nil {
		return "unsettled", err
	}
	return "completed", nil
}

// Fail marks op as failed. Nothing is charged.
func (h *Hook) Fail(op *Operation, err error) error {
	if finishErr := op.finish(StateFailed, err); finishErr != nil {
		return finishErr
	}
	h.release(op)
	h.logger.WithOperationID(op.ID).WithUserID(op.UserID).WarnWithErr("Operation failed, no credits charged", err)
	metrics.RecordSettlement("failed", h.now().Sub(op.StartedAt).Seconds())
	return nil
}

// Abort marks op as abandoned by the caller. Nothing is charged.
func (h *Hook) Abort(op *Operation) error {
	if err := op.finish(StateAborted, context.Canceled); err != nil {
		return err
	}
	h.release(op)
	h.logger.WithOperationID(op.ID).WithUserID(op.UserID).Info("Operation aborted, no credits charged")
	metrics.RecordSettlement("aborted", h.now().Sub(op.StartedAt).Seconds())
	return nil
}

// Settle charges userID for a completed action outside of an Operation.
// A failed charge is logged and queued for reconciliation, and the error is
// returned for callers that want to know.
func (h *Hook) Settle(ctx context.Context, userID string, amount int, action models.Action, metadata models.Metadata) error {
	return h.settle(ctx, uuid.New().String(), userID, amount, action, "", metadata)
}

func (h *Hook) settle(ctx context.Context, operationID, userID string, amount int, action models.Action, idempotencyKey string, metadata models.Metadata) error {
	result, err := h.ledger.DeductCredits(ctx, userID, amount, action, metadata)
	if err == nil && !result.Success {
		err = errors.New(result.Error)
	}

	h.logger.LogSettlement(operationID, userID, string(action), amount, err)
	if err == nil {
		return nil
	}

	h.audit.RecordSettlementFailure(ctx, userID, operationID, amount, err.Error())
	h.reconcile(ctx, &queue.SettlementTask{
		OperationID:    operationID,
		UserID:         userID,
		Amount:         amount,
		Action:         action,
		IdempotencyKey: idempotencyKey,
		Metadata:       metadata,
		FailedAt:       h.now().UTC(),
		Reason:         err.Error(),
	})
	return fmt.Errorf("settlement %s: %w", operationID, err)
}

func (h *Hook) reconcile(ctx context.Context, task *queue.SettlementTask) {
	logger := h.logger.WithOperationID(task.OperationID).WithUserID(task.UserID)
	if h.publisher == nil {
		logger.Error("Reconciliation queue not configured, settlement must be applied manually")
		return
	}
	if err := h.publisher.PublishSettlement(ctx, task); err != nil {
		logger.ErrorWithErr("Failed to queue settlement for reconciliation", err)
	}
}

// Run drains a generation stream on behalf of op and finishes it according
// to how the stream ended. onPartial may be nil.
func (h *Hook) Run(ctx context.Context, op *Operation, chunks <-chan generate.Chunk, onPartial func(json.RawMessage)) generate.Outcome {
	outcome := generate.Collect(ctx, op.Action, chunks, onPartial)

	var err error
	switch outcome.Status {
	case generate.StatusSucceeded:
		err = h.Complete(ctx, op)
	case generate.StatusFailed:
		err = h.Fail(op, outcome.Err)
	default:
		err = h.Abort(op)
	}
	if err != nil {
		h.logger.WithOperationID(op.ID).WarnWithErr("Operation finished twice", err)
	}
	return outcome
}

func guardKey(userID, idempotencyKey string) string {
	return guardPrefix + userID + ":" + idempotencyKey
}
