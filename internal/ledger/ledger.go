// Package ledger owns per-user credit balances.
//
// Finite balances are only ever changed through Store.DeductIfSufficient and
// Store.Add, both of which must be atomic per user. Enterprise profiles have
// no balance to change; their usage is still logged.
package ledger

import (
	"context"
	"errors"
	"fmt"

	"github.com/therealutkarshpriyadarshi/resumeai/internal/audit"
	"github.com/therealutkarshpriyadarshi/resumeai/internal/logging"
	"github.com/therealutkarshpriyadarshi/resumeai/internal/metrics"
	"github.com/therealutkarshpriyadarshi/resumeai/pkg/models"
)

var (
	// ErrInvalidAmount is returned for negative amounts, and for zero amounts
	// passed to AddCredits. DeductCredits accepts zero as a logged no-op.
	ErrInvalidAmount = errors.New("invalid credit amount")
	// ErrStoreUnavailable wraps failures of the backing store
	ErrStoreUnavailable = errors.New("credit store unavailable")
)

// Result messages
const (
	MsgInsufficientCredits = "Insufficient credits"
	MsgProfileNotFound     = "Profile not found"
)

// Store persists profiles and balances.
//
// DeductIfSufficient must check and decrement in one atomic step: it
// returns ok=false and leaves the balance unchanged when it is lower than
// amount. Both mutating methods return models.ErrProfileNotFound for
// unknown users.
type Store interface {
	GetProfile(ctx context.Context, userID string) (*models.Profile, error)
	DeductIfSufficient(ctx context.Context, userID string, amount int) (remaining int, ok bool, err error)
	Add(ctx context.Context, userID string, amount int) (newBalance int, err error)
}

// CheckResult is the outcome of CheckCredits
type CheckResult struct {
	HasCredits      bool        `json:"has_credits"`
	CurrentCredits  int         `json:"-"`
	Unlimited       bool        `json:"-"`
	RequiredCredits int         `json:"required_credits"`
	Tier            models.Tier `json:"tier"`
}

// DeductResult is the outcome of DeductCredits
type DeductResult struct {
	Success          bool   `json:"success"`
	RemainingCredits int    `json:"remaining_credits"`
	Unlimited        bool   `json:"unlimited,omitempty"`
	Error            string `json:"error,omitempty"`
}

// AddResult is the outcome of AddCredits
type AddResult struct {
	Success    bool   `json:"success"`
	NewBalance int    `json:"new_balance"`
	Error      string `json:"error,omitempty"`
}

// Balance is a user's tier and remaining credits
type Balance struct {
	Tier            models.Tier         `json:"tier"`
	Credits         models.CreditsValue `json:"credits"`
	CreditsPerMonth models.CreditsValue `json:"credits_per_month"`
}

// Ledger applies credit rules on top of a Store
type Ledger struct {
	store  Store
	audit  *audit.Log
	usage  audit.Reader
	logger *logging.Logger
}

// New creates a ledger. usage may be nil when the audit sink cannot be read
// back.
func New(store Store, auditLog *audit.Log, usage audit.Reader, logger *logging.Logger) *Ledger {
	return &Ledger{
		store:  store,
		audit:  auditLog,
		usage:  usage,
		logger: logger.WithComponent("ledger"),
	}
}

// CheckCredits reports whether userID can afford required credits. It never
// mutates a balance. A missing profile has no credits; an unreadable one
// has none either and the store error is returned alongside.
func (l *Ledger) CheckCredits(ctx context.Context, userID string, required int) (*CheckResult, error) {
	result := &CheckResult{RequiredCredits: required, Tier: models.TierFree}

	profile, err := l.store.GetProfile(ctx, userID)
	if errors.Is(err, models.ErrProfileNotFound) {
		return result, nil
	}
	if err != nil {
		return result, fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
	}

	result.Tier = profile.Tier
	if profile.Tier.HasUnlimitedCredits() {
		result.HasCredits = true
		result.Unlimited = true
		return result, nil
	}

	result.CurrentCredits = profile.Credits
	result.HasCredits = profile.Credits >= required
	return result, nil
}

// DeductCredits charges amount credits for action. Finite balances are
// decremented atomically and never partially; enterprise balances are left
// alone. A usage entry is recorded for every successful charge.
func (l *Ledger) DeductCredits(ctx context.Context, userID string, amount int, action models.Action, metadata models.Metadata) (*DeductResult, error) {
	if amount < 0 {
		return nil, ErrInvalidAmount
	}

	profile, err := l.store.GetProfile(ctx, userID)
	if errors.Is(err, models.ErrProfileNotFound) {
		return &DeductResult{Error: MsgProfileNotFound}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
	}

	if profile.Tier.HasUnlimitedCredits() {
		l.recordUsage(ctx, userID, action, 0, metadata)
		return &DeductResult{Success: true, Unlimited: true}, nil
	}

	if amount == 0 {
		l.recordUsage(ctx, userID, action, 0, metadata)
		return &DeductResult{Success: true, RemainingCredits: profile.Credits}, nil
	}

	remaining, ok, err := l.store.DeductIfSufficient(ctx, userID, amount)
	if errors.Is(err, models.ErrProfileNotFound) {
		return &DeductResult{Error: MsgProfileNotFound}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
	}
	if !ok {
		l.logger.WithFields(map[string]interface{}{
			"user_id":   userID,
			"action":    string(action),
			"amount":    amount,
			"remaining": remaining,
		}).Info("Deduction rejected for insufficient credits")
		return &DeductResult{RemainingCredits: remaining, Error: MsgInsufficientCredits}, nil
	}

	metrics.RecordCreditsDeducted(profile.Tier.String(), amount)
	l.recordUsage(ctx, userID, action, amount, metadata)

	return &DeductResult{Success: true, RemainingCredits: remaining}, nil
}

// AddCredits grants amount credits to userID unconditionally. The usage
// entry carries a negative amount so grants and charges share one stream.
func (l *Ledger) AddCredits(ctx context.Context, userID string, amount int, reason string) (*AddResult, error) {
	if amount <= 0 {
		return nil, ErrInvalidAmount
	}

	balance, err := l.store.Add(ctx, userID, amount)
	if errors.Is(err, models.ErrProfileNotFound) {
		return &AddResult{Error: MsgProfileNotFound}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
	}

	metrics.RecordCreditsAdded(amount)
	l.recordUsage(ctx, userID, models.ActionAddCredits, -amount, models.Metadata{"reason": reason})

	return &AddResult{Success: true, NewBalance: balance}, nil
}

// Balance returns the tier and remaining credits of userID
func (l *Ledger) Balance(ctx context.Context, userID string) (*Balance, error) {
	profile, err := l.store.GetProfile(ctx, userID)
	if errors.Is(err, models.ErrProfileNotFound) {
		return nil, err
	}
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
	}

	unlimited := profile.Tier.HasUnlimitedCredits()
	perMonth := profile.Tier.Config().CreditsPerMonth
	return &Balance{
		Tier:            profile.Tier,
		Credits:         models.CreditsValue{Amount: profile.Credits, Unlimited: unlimited},
		CreditsPerMonth: models.CreditsValue{Amount: perMonth, Unlimited: unlimited},
	}, nil
}

// Usage lists the most recent usage entries of userID
func (l *Ledger) Usage(ctx context.Context, userID string, limit int) ([]models.UsageLogEntry, error) {
	if l.usage == nil {
		return []models.UsageLogEntry{}, nil
	}
	entries, err := l.usage.ListUsage(ctx, userID, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list usage: %w", err)
	}
	if entries == nil {
		entries = []models.UsageLogEntry{}
	}
	return entries, nil
}

func (l *Ledger) recordUsage(ctx context.Context, userID string, action models.Action, credits int, metadata models.Metadata) {
	if l.audit == nil {
		return
	}
	l.audit.Record(ctx, models.UsageLogEntry{
		UserID:      models.StringPtr(userID),
		Action:      action,
		CreditsUsed: credits,
		Metadata:    metadata,
		Success:     true,
	})
}
