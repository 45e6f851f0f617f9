// Package gate admits or rejects requests to protected operations.
//
// Authorize applies, in order and stopping at the first failure: the rate
// limit of the caller's tier, the authentication requirement and the credit
// check. It never deducts credits; that happens in settlement once the
// operation has actually succeeded.
package gate

import (
	"context"
	"errors"
	"net/http"
	"strconv"

	"github.com/therealutkarshpriyadarshi/resumeai/internal/audit"
	"github.com/therealutkarshpriyadarshi/resumeai/internal/ledger"
	"github.com/therealutkarshpriyadarshi/resumeai/internal/logging"
	"github.com/therealutkarshpriyadarshi/resumeai/internal/metrics"
	"github.com/therealutkarshpriyadarshi/resumeai/internal/ratelimit"
	"github.com/therealutkarshpriyadarshi/resumeai/internal/tracing"
	"github.com/therealutkarshpriyadarshi/resumeai/pkg/models"
)

// Rejection codes
const (
	CodeRateLimited          = "RATE_LIMITED"
	CodeUnauthorized         = "UNAUTHORIZED"
	CodeInsufficientCredits  = "INSUFFICIENT_CREDITS"
	CodeRateLimitUnavailable = "RATE_LIMIT_UNAVAILABLE"
	CodeCreditsUnavailable   = "CREDITS_UNAVAILABLE"
)

// Limiter is the rate limiter consulted by the gate
type Limiter interface {
	Check(ctx context.Context, identifier string, tier models.Tier) (*ratelimit.Result, error)
}

// ProfileSource loads the tier and balance of a user
type ProfileSource interface {
	GetProfile(ctx context.Context, userID string) (*models.Profile, error)
}

// CreditChecker answers credit checks
type CreditChecker interface {
	CheckCredits(ctx context.Context, userID string, required int) (*ledger.CheckResult, error)
}

// AuthorizedContext describes an admitted caller. UserID is empty for
// anonymous callers admitted to operations that need no credits.
type AuthorizedContext struct {
	UserID    string
	Email     string
	IPAddress string
	Tier      models.Tier
	Credits   int
	Unlimited bool
	RateLimit *ratelimit.Result
}

// IsAnonymous reports whether the caller was admitted without an account
func (a *AuthorizedContext) IsAnonymous() bool {
	return a.UserID == ""
}

// Rejection is a structured refusal with its HTTP status
type Rejection struct {
	Status          int               `json:"-"`
	Code            string            `json:"code"`
	Error           string            `json:"error"`
	RetryAfter      int               `json:"retryAfter,omitempty"`
	CurrentCredits  *int              `json:"currentCredits,omitempty"`
	RequiredCredits *int              `json:"requiredCredits,omitempty"`
	UpgradeRequired *bool             `json:"upgradeRequired,omitempty"`
	RateLimit       *ratelimit.Result `json:"-"`
}

// Headers returns the rate limit headers to send with the rejection
func (r *Rejection) Headers() http.Header {
	h := make(http.Header)
	if r.RateLimit != nil {
		setRateLimitHeaders(h, r.RateLimit)
	}
	if r.RetryAfter > 0 {
		h.Set("Retry-After", strconv.Itoa(r.RetryAfter))
	}
	return h
}

func setRateLimitHeaders(h http.Header, result *ratelimit.Result) {
	h.Set("X-RateLimit-Limit", strconv.Itoa(result.Limit))
	h.Set("X-RateLimit-Remaining", strconv.Itoa(result.Remaining))
	h.Set("X-RateLimit-Reset", strconv.FormatInt(result.ResetAtEpochMs(), 10))
}

// Gate composes the limiter, the profile store and the ledger
type Gate struct {
	limiter  Limiter
	profiles ProfileSource
	credits  CreditChecker
	audit    *audit.Log
	logger   *logging.Logger
}

// New creates a gate
func New(limiter Limiter, profiles ProfileSource, credits CreditChecker, auditLog *audit.Log, logger *logging.Logger) *Gate {
	return &Gate{
		limiter:  limiter,
		profiles: profiles,
		credits:  credits,
		audit:    auditLog,
		logger:   logger.WithComponent("gate"),
	}
}

// Authorize admits or rejects a request. Exactly one of the results is
// non-nil.
func (g *Gate) Authorize(ctx context.Context, identity models.Identity, requireCredits bool, creditsRequired int) (*AuthorizedContext, *Rejection) {
	span, ctx := tracing.StartSpan(ctx, "gate.authorize")
	defer tracing.FinishSpan(span)
	tracing.SetTag(span, "require_credits", requireCredits)

	var (
		auth      *AuthorizedContext
		rejection *Rejection
		tier      models.Tier
	)
	if identity.IsAnonymous() {
		tier = models.TierAnonymous
		auth, rejection = g.authorizeAnonymous(ctx, identity, requireCredits)
	} else {
		auth, rejection, tier = g.authorizeUser(ctx, identity, requireCredits, creditsRequired)
	}

	code, status := "", http.StatusOK
	if rejection != nil {
		code, status = rejection.Code, rejection.Status
		tracing.SetTag(span, "rejection", code)
	}
	tracing.SetTag(span, "tier", tier.String())
	metrics.RecordGateDecision(code)
	g.logger.LogGateDecision(identity.RateLimitKey(), tier.String(), code, status)

	return auth, rejection
}

func (g *Gate) authorizeAnonymous(ctx context.Context, identity models.Identity, requireCredits bool) (*AuthorizedContext, *Rejection) {
	result, rejection := g.checkRateLimit(ctx, identity, models.TierAnonymous)
	if rejection != nil {
		return nil, rejection
	}

	if requireCredits {
		g.audit.RecordAuthFailure(ctx, identity.IPAddress, "authentication required")
		return nil, &Rejection{
			Status:    http.StatusUnauthorized,
			Code:      CodeUnauthorized,
			Error:     "Authentication required",
			RateLimit: result,
		}
	}

	return &AuthorizedContext{
		IPAddress: identity.IPAddress,
		Tier:      models.TierAnonymous,
		RateLimit: result,
	}, nil
}

func (g *Gate) authorizeUser(ctx context.Context, identity models.Identity, requireCredits bool, creditsRequired int) (*AuthorizedContext, *Rejection, models.Tier) {
	userID := identity.User.UserID

	profile, err := g.profiles.GetProfile(ctx, userID)
	switch {
	case errors.Is(err, models.ErrProfileNotFound):
		// Accounts without a profile row get the free tier and no credits
		profile = &models.Profile{UserID: userID, Email: identity.User.Email, Tier: models.TierFree}
	case err != nil:
		g.logger.WithUserID(userID).ErrorWithErr("Failed to load profile", err)
		return nil, unavailable(CodeCreditsUnavailable), models.TierFree
	}

	tier := profile.Tier
	result, rejection := g.checkRateLimit(ctx, identity, tier)
	if rejection != nil {
		return nil, rejection, tier
	}

	auth := &AuthorizedContext{
		UserID:    userID,
		Email:     identity.User.Email,
		Tier:      tier,
		Credits:   profile.Credits,
		Unlimited: tier.HasUnlimitedCredits(),
		RateLimit: result,
	}

	if !requireCredits {
		return auth, nil, tier
	}

	check, err := g.credits.CheckCredits(ctx, userID, creditsRequired)
	if err != nil {
		g.logger.WithUserID(userID).ErrorWithErr("Credit check failed", err)
		return nil, unavailable(CodeCreditsUnavailable), tier
	}
	if !check.HasCredits {
		g.audit.RecordInsufficientCredits(ctx, userID, check.CurrentCredits, creditsRequired)
		current, required, upgrade := check.CurrentCredits, creditsRequired, true
		return nil, &Rejection{
			Status:          http.StatusPaymentRequired,
			Code:            CodeInsufficientCredits,
			Error:           "Insufficient credits",
			CurrentCredits:  &current,
			RequiredCredits: &required,
			UpgradeRequired: &upgrade,
			RateLimit:       result,
		}, tier
	}

	auth.Credits = check.CurrentCredits
	auth.Unlimited = check.Unlimited
	return auth, nil, tier
}

// checkRateLimit returns the limiter result, or a rejection when the
// caller is over its limit or the limiter store is down.
func (g *Gate) checkRateLimit(ctx context.Context, identity models.Identity, tier models.Tier) (*ratelimit.Result, *Rejection) {
	result, err := g.limiter.Check(ctx, identity.RateLimitKey(), tier)
	if err != nil {
		g.logger.WithField("identity", identity.RateLimitKey()).ErrorWithErr("Rate limit check failed", err)
		return nil, unavailable(CodeRateLimitUnavailable)
	}
	if result.Allowed {
		return result, nil
	}

	retryAfter := result.RetryAfterSeconds()
	g.audit.RecordRateLimited(ctx, identity, tier, retryAfter)

	rejection := &Rejection{
		Status:     http.StatusTooManyRequests,
		Code:       CodeRateLimited,
		Error:      "Rate limit exceeded. Please try again later.",
		RetryAfter: retryAfter,
		RateLimit:  result,
	}
	if !identity.IsAnonymous() {
		upgrade := tier == models.TierFree
		rejection.UpgradeRequired = &upgrade
	}
	return result, rejection
}

func unavailable(code string) *Rejection {
	return &Rejection{
		Status:     http.StatusServiceUnavailable,
		Code:       code,
		Error:      "Service temporarily unavailable. Please try again later.",
		RetryAfter: 1,
	}
}
