// Package ratelimit implements per-identity sliding window rate limiting.
//
// Only admitted requests are recorded in a window, so a caller hammering a
// closed window does not push its own reset time forward. Counters live in
// a Store; RedisStore is shared across API replicas, MemoryStore is for
// tests and single-node development.
package ratelimit

import (
	"context"
	"errors"
	"fmt"
	"math"
	"time"

	"github.com/therealutkarshpriyadarshi/resumeai/internal/config"
	"github.com/therealutkarshpriyadarshi/resumeai/internal/logging"
	"github.com/therealutkarshpriyadarshi/resumeai/internal/metrics"
	"github.com/therealutkarshpriyadarshi/resumeai/pkg/models"
)

// ErrStoreUnavailable is returned when the counter store cannot be reached
// and the limiter fails closed.
var ErrStoreUnavailable = errors.New("rate limit store unavailable")

// DefaultWindow is the window the per-minute tier limits are expressed in
const DefaultWindow = time.Minute

// Result is the outcome of a single Check
type Result struct {
	Allowed    bool
	Limit      int
	Remaining  int
	ResetAt    time.Time
	RetryAfter time.Duration // zero when allowed
}

// ResetAtEpochMs returns the reset time in unix milliseconds
func (r *Result) ResetAtEpochMs() int64 {
	return r.ResetAt.UnixMilli()
}

// RetryAfterSeconds rounds RetryAfter up to whole seconds
func (r *Result) RetryAfterSeconds() int {
	if r.RetryAfter <= 0 {
		return 0
	}
	return int(math.Ceil(r.RetryAfter.Seconds()))
}

// Policy decides what happens when the store is unreachable
type Policy int

const (
	FailClosed Policy = iota
	FailOpen
)

func (p Policy) String() string {
	if p == FailOpen {
		return config.FailOpen
	}
	return config.FailClosed
}

// ParsePolicy converts a configured policy name
func ParsePolicy(s string) (Policy, error) {
	switch s {
	case config.FailClosed, "":
		return FailClosed, nil
	case config.FailOpen:
		return FailOpen, nil
	}
	return FailClosed, fmt.Errorf("unknown failure policy %q", s)
}

// Limiter applies the tier limits from models.TierConfig
type Limiter struct {
	store  Store
	window time.Duration
	policy Policy
	logger *logging.Logger
	now    func() time.Time
}

// Option configures a Limiter
type Option func(*Limiter)

// WithWindow overrides the one minute window
func WithWindow(window time.Duration) Option {
	return func(l *Limiter) { l.window = window }
}

// WithPolicy sets the store failure policy
func WithPolicy(policy Policy) Option {
	return func(l *Limiter) { l.policy = policy }
}

// WithLogger sets the logger used for fail-open warnings
func WithLogger(logger *logging.Logger) Option {
	return func(l *Limiter) { l.logger = logger }
}

// WithClock replaces time.Now
func WithClock(now func() time.Time) Option {
	return func(l *Limiter) { l.now = now }
}

// New creates a limiter that fails closed by default
func New(store Store, opts ...Option) *Limiter {
	l := &Limiter{
		store:  store,
		window: DefaultWindow,
		policy: FailClosed,
		logger: logging.NewNop(),
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// Check admits or rejects one request for identifier under the tier limit.
// Authenticated callers pass their user id, anonymous callers the
// models.AnonymousPrefix key.
func (l *Limiter) Check(ctx context.Context, identifier string, tier models.Tier) (*Result, error) {
	cfg, ok := models.ConfigFor(tier)
	if !ok {
		return nil, fmt.Errorf("rate limit for undeclared tier %d", tier)
	}
	limit := cfg.RequestsPerMinute
	now := l.now()

	w, err := l.store.Admit(ctx, key(identifier, tier), now, l.window, limit)
	if err != nil {
		metrics.RecordStoreError("ratelimit", l.policy.String())
		if l.policy == FailOpen {
			l.logger.WithUserID(identifier).WarnWithErr("Rate limit store unavailable, failing open", err)
			return &Result{
				Allowed:   true,
				Limit:     limit,
				Remaining: limit,
				ResetAt:   now.Add(l.window),
			}, nil
		}
		return nil, fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
	}

	result := &Result{
		Allowed:   w.Admitted,
		Limit:     limit,
		Remaining: limit - w.Count,
		ResetAt:   now.Add(l.window),
	}
	if result.Remaining < 0 {
		result.Remaining = 0
	}
	if w.Count > 0 {
		result.ResetAt = w.Oldest.Add(l.window)
	}
	if !w.Admitted {
		result.RetryAfter = result.ResetAt.Sub(now)
		if result.RetryAfter < time.Second {
			result.RetryAfter = time.Second
		}
	}

	metrics.RecordRateLimitCheck(tier.String(), result.Allowed)
	return result, nil
}

func key(identifier string, tier models.Tier) string {
	return fmt.Sprintf("ratelimit:%s:%s", tier, identifier)
}
