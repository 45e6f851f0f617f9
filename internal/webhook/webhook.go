// Package webhook receives signed credit grants from the billing system.
package webhook

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/therealutkarshpriyadarshi/resumeai/internal/audit"
	"github.com/therealutkarshpriyadarshi/resumeai/internal/ledger"
	"github.com/therealutkarshpriyadarshi/resumeai/internal/logging"
	"github.com/therealutkarshpriyadarshi/resumeai/pkg/models"
)

// SignatureHeader carries the hex HMAC-SHA256 of the raw body, prefixed
// with "sha256="
const SignatureHeader = "X-Signature"

const (
	maxBodySize     = 64 << 10
	replayTolerance = 5 * time.Minute
	grantGuardTTL   = 7 * 24 * time.Hour
	grantPrefix     = "grant:"
)

var (
	ErrMissingSignature = errors.New("missing signature")
	ErrInvalidSignature = errors.New("invalid signature")
	ErrStaleEvent       = errors.New("event timestamp outside tolerance")
)

// Granter adds credits to a user
type Granter interface {
	AddCredits(ctx context.Context, userID string, amount int, reason string) (*ledger.AddResult, error)
}

// Guard remembers which events were already applied
type Guard interface {
	AcquireLock(ctx context.Context, resource string, ttl time.Duration) (bool, error)
	ReleaseLock(ctx context.Context, resource string) error
}

// Receiver verifies and applies credit grants
type Receiver struct {
	secret  []byte
	granter Granter
	guard   Guard
	audit   *audit.Log
	logger  *logging.Logger
	now     func() time.Time
}

// NewReceiver creates a receiver. guard may be nil, in which case repeated
// deliveries of the same event are applied again.
func NewReceiver(secret string, granter Granter, guard Guard, auditLog *audit.Log, logger *logging.Logger) *Receiver {
	return &Receiver{
		secret:  []byte(secret),
		granter: granter,
		guard:   guard,
		audit:   auditLog,
		logger:  logger.WithComponent("billing-webhook"),
		now:     time.Now,
	}
}

// Sign returns the signature header value for payload
func Sign(payload []byte, secret string) string {
	h := hmac.New(sha256.New, []byte(secret))
	h.Write(payload)
	return "sha256=" + hex.EncodeToString(h.Sum(nil))
}

// Verify checks the signature of a raw payload in constant time
func (r *Receiver) Verify(payload []byte, signature string) error {
	if signature == "" {
		return ErrMissingSignature
	}
	if len(r.secret) == 0 {
		return ErrInvalidSignature
	}

	got, err := hex.DecodeString(strings.TrimPrefix(signature, "sha256="))
	if err != nil {
		return ErrInvalidSignature
	}

	h := hmac.New(sha256.New, r.secret)
	h.Write(payload)
	if !hmac.Equal(got, h.Sum(nil)) {
		return ErrInvalidSignature
	}
	return nil
}

// Handle is the gin handler for grant callbacks
func (r *Receiver) Handle() gin.HandlerFunc {
	return func(c *gin.Context) {
		ctx := c.Request.Context()

		payload, err := io.ReadAll(http.MaxBytesReader(c.Writer, c.Request.Body, maxBodySize))
		if err != nil {
			c.JSON(http.StatusRequestEntityTooLarge, gin.H{"error": "Payload too large", "code": "PAYLOAD_TOO_LARGE"})
			return
		}

		if err := r.Verify(payload, c.GetHeader(SignatureHeader)); err != nil {
			r.audit.RecordAuthFailure(ctx, c.ClientIP(), "billing callback: "+err.Error())
			c.JSON(http.StatusUnauthorized, gin.H{"error": "Invalid signature", "code": "INVALID_SIGNATURE"})
			return
		}

		var grant models.CreditGrant
		if err := json.Unmarshal(payload, &grant); err != nil {
			r.audit.RecordValidationFailure(ctx, "", models.ActionAddCredits, err.Error())
			c.JSON(http.StatusBadRequest, gin.H{"error": "Malformed grant", "code": "VALIDATION_ERROR"})
			return
		}
		if err := validate(&grant); err != nil {
			r.audit.RecordValidationFailure(ctx, grant.UserID, models.ActionAddCredits, err.Error())
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error(), "code": "VALIDATION_ERROR"})
			return
		}
		if absDuration(r.now().Sub(grant.Timestamp)) > replayTolerance {
			r.audit.RecordAuthFailure(ctx, c.ClientIP(), "billing callback: "+ErrStaleEvent.Error())
			c.JSON(http.StatusUnauthorized, gin.H{"error": "Stale event", "code": "STALE_EVENT"})
			return
		}

		status, body := r.apply(ctx, &grant)
		c.JSON(status, body)
	}
}

func (r *Receiver) apply(ctx context.Context, grant *models.CreditGrant) (int, gin.H) {
	logger := r.logger.WithUserID(grant.UserID).WithField("event_id", grant.EventID)
	guardKey := grantPrefix + grant.EventID

	if r.guard != nil {
		acquired, err := r.guard.AcquireLock(ctx, guardKey, grantGuardTTL)
		if err != nil {
			logger.ErrorWithErr("Grant guard unavailable", err)
			return http.StatusServiceUnavailable, gin.H{"error": "Try again later", "code": "UNAVAILABLE"}
		}
		if !acquired {
			logger.Info("Ignoring duplicate grant delivery")
			return http.StatusOK, gin.H{"success": true, "duplicate": true}
		}
	}

	reason := grant.Reason
	if reason == "" {
		reason = "billing:" + grant.EventID
	}

	result, err := r.granter.AddCredits(ctx, grant.UserID, grant.Amount, reason)
	if err != nil || !result.Success {
		// Let the billing system redeliver
		r.release(ctx, guardKey)
		if err != nil {
			logger.ErrorWithErr("Failed to apply grant", err)
			return http.StatusServiceUnavailable, gin.H{"error": "Try again later", "code": "UNAVAILABLE"}
		}
		return http.StatusNotFound, gin.H{"error": result.Error, "code": "NOT_FOUND"}
	}

	logger.Infof("Granted %d credits, balance now %d", grant.Amount, result.NewBalance)
	return http.StatusOK, gin.H{"success": true, "new_balance": result.NewBalance}
}

func (r *Receiver) release(ctx context.Context, key string) {
	if r.guard == nil {
		return
	}
	if err := r.guard.ReleaseLock(ctx, key); err != nil {
		r.logger.WarnWithErr("Failed to release grant guard", err)
	}
}

func validate(grant *models.CreditGrant) error {
	switch {
	case grant.EventID == "":
		return fmt.Errorf("event_id is required")
	case grant.UserID == "":
		return fmt.Errorf("user_id is required")
	case grant.Amount <= 0:
		return fmt.Errorf("amount must be positive")
	case grant.Timestamp.IsZero():
		return fmt.Errorf("timestamp is required")
	}
	return nil
}

func absDuration(d time.Duration) time.Duration {
	if d < 0 {
		return -d
	}
	return d
}
