package audit

import (
	"context"

	"github.com/therealutkarshpriyadarshi/resumeai/pkg/models"
)

// RecordAuthFailure records a rejected credential
func (l *Log) RecordAuthFailure(ctx context.Context, ip, reason string) {
	l.Record(ctx, models.UsageLogEntry{
		Action:       models.ActionAuthFailed,
		Metadata:     models.Metadata{"ip": ip},
		ErrorMessage: models.StringPtr(reason),
	})
}

// RecordRateLimited records a request turned away by the limiter
func (l *Log) RecordRateLimited(ctx context.Context, identity models.Identity, tier models.Tier, retryAfterSeconds int) {
	entry := models.UsageLogEntry{
		Action: models.ActionRateLimited,
		Metadata: models.Metadata{
			"tier":        tier.String(),
			"retry_after": retryAfterSeconds,
		},
		ErrorMessage: models.StringPtr("rate limit exceeded"),
	}
	if identity.IsAnonymous() {
		entry.Metadata["ip"] = identity.IPAddress
	} else {
		entry.UserID = models.StringPtr(identity.User.UserID)
	}
	l.Record(ctx, entry)
}

// RecordInsufficientCredits records a request turned away for lack of credits
func (l *Log) RecordInsufficientCredits(ctx context.Context, userID string, current, required int) {
	l.Record(ctx, models.UsageLogEntry{
		UserID: models.StringPtr(userID),
		Action: models.ActionInsufficientCredits,
		Metadata: models.Metadata{
			"current_credits":  current,
			"required_credits": required,
		},
		ErrorMessage: models.StringPtr("insufficient credits"),
	})
}

// RecordValidationFailure records a malformed request. userID may be empty.
func (l *Log) RecordValidationFailure(ctx context.Context, userID string, action models.Action, reason string) {
	l.Record(ctx, models.UsageLogEntry{
		UserID:       models.StringPtr(userID),
		Action:       models.ActionValidationFailed,
		Metadata:     models.Metadata{"operation": string(action)},
		ErrorMessage: models.StringPtr(reason),
	})
}

// RecordSettlementFailure records a completed operation that could not be
// charged inline
func (l *Log) RecordSettlementFailure(ctx context.Context, userID, operationID string, amount int, reason string) {
	l.Record(ctx, models.UsageLogEntry{
		UserID: models.StringPtr(userID),
		Action: models.ActionSettlementFailed,
		Metadata: models.Metadata{
			"operation_id": operationID,
			"amount":       amount,
		},
		ErrorMessage: models.StringPtr(reason),
	})
}
