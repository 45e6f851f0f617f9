package gate

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/therealutkarshpriyadarshi/resumeai/internal/audit"
	"github.com/therealutkarshpriyadarshi/resumeai/internal/ledger"
	"github.com/therealutkarshpriyadarshi/resumeai/internal/logging"
	"github.com/therealutkarshpriyadarshi/resumeai/internal/middleware"
	"github.com/therealutkarshpriyadarshi/resumeai/internal/ratelimit"
	"github.com/therealutkarshpriyadarshi/resumeai/pkg/models"
)

type downStore struct{}

func (downStore) Admit(ctx context.Context, key string, now time.Time, window time.Duration, limit int) (ratelimit.Window, error) {
	return ratelimit.Window{}, errors.New("dial tcp 10.0.0.5:6379: i/o timeout")
}

type downProfiles struct{}

func (downProfiles) GetProfile(ctx context.Context, userID string) (*models.Profile, error) {
	return nil, errors.New("too many connections")
}

type fixture struct {
	gate   *Gate
	store  *ledger.MemoryStore
	sink   *audit.MemorySink
	now    time.Time
	ledger *ledger.Ledger
}

func newFixture(t *testing.T, limiterStore ratelimit.Store, profiles ...models.Profile) *fixture {
	t.Helper()

	f := &fixture{
		store: ledger.NewMemoryStore(),
		sink:  audit.NewMemorySink(),
		now:   time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC),
	}
	for _, p := range profiles {
		f.store.Put(p)
	}

	logger := logging.NewNop()
	auditLog := audit.New(f.sink, logger)
	limiter := ratelimit.New(limiterStore, ratelimit.WithClock(func() time.Time { return f.now }))
	f.ledger = ledger.New(f.store, auditLog, f.sink, logger)
	f.gate = New(limiter, f.store, f.ledger, auditLog, logger)
	return f
}

func user(id string) models.Identity {
	return models.NewUserIdentity(id, id+"@example.com")
}

func TestAnonymousOverLimitIsRateLimited(t *testing.T) {
	f := newFixture(t, ratelimit.NewMemoryStore())
	anon := models.NewAnonymousIdentity("203.0.113.4")
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		auth, rejection := f.gate.Authorize(ctx, anon, false, 0)
		require.Nil(t, rejection)
		require.NotNil(t, auth)
	}

	auth, rejection := f.gate.Authorize(ctx, anon, false, 0)
	assert.Nil(t, auth)
	require.NotNil(t, rejection)
	assert.Equal(t, http.StatusTooManyRequests, rejection.Status)
	assert.Equal(t, CodeRateLimited, rejection.Code)
	assert.Equal(t, 60, rejection.RetryAfter)
	assert.Nil(t, rejection.UpgradeRequired)

	headers := rejection.Headers()
	assert.Equal(t, "3", headers.Get("X-RateLimit-Limit"))
	assert.Equal(t, "0", headers.Get("X-RateLimit-Remaining"))
	assert.Equal(t, "60", headers.Get("Retry-After"))
	assert.NotEmpty(t, headers.Get("X-RateLimit-Reset"))

	entries := f.sink.Entries()
	require.Len(t, entries, 1)
	assert.Equal(t, models.ActionRateLimited, entries[0].Action)
}

func TestAnonymousNeverGetsCreditGatedAccess(t *testing.T) {
	f := newFixture(t, ratelimit.NewMemoryStore())

	auth, rejection := f.gate.Authorize(context.Background(), models.NewAnonymousIdentity("203.0.113.4"), true, 1)
	assert.Nil(t, auth)
	require.NotNil(t, rejection)
	assert.Equal(t, http.StatusUnauthorized, rejection.Status)
	assert.Equal(t, CodeUnauthorized, rejection.Code)
	assert.Equal(t, "Authentication required", rejection.Error)
	assert.Nil(t, rejection.CurrentCredits)
}

func TestAnonymousDemoAccess(t *testing.T) {
	f := newFixture(t, ratelimit.NewMemoryStore())

	auth, rejection := f.gate.Authorize(context.Background(), models.NewAnonymousIdentity("203.0.113.4"), false, 0)
	require.Nil(t, rejection)
	assert.True(t, auth.IsAnonymous())
	assert.Equal(t, "", auth.UserID)
	assert.Equal(t, "203.0.113.4", auth.IPAddress)
	assert.Equal(t, models.TierAnonymous, auth.Tier)
	assert.Equal(t, 2, auth.RateLimit.Remaining)
}

func TestFreeUserSixthRequestIsRateLimited(t *testing.T) {
	f := newFixture(t, ratelimit.NewMemoryStore(), models.Profile{UserID: "free", Tier: models.TierFree, Credits: 10})
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		_, rejection := f.gate.Authorize(ctx, user("free"), true, 1)
		require.Nil(t, rejection, "request %d", i+1)
		f.now = f.now.Add(time.Second)
	}

	_, rejection := f.gate.Authorize(ctx, user("free"), true, 1)
	require.NotNil(t, rejection)
	assert.Equal(t, http.StatusTooManyRequests, rejection.Status)
	assert.Equal(t, CodeRateLimited, rejection.Code)
	require.NotNil(t, rejection.UpgradeRequired)
	assert.True(t, *rejection.UpgradeRequired)
	assert.Equal(t, 55, rejection.RetryAfter)
}

func TestPaidUserRateLimitDoesNotAskForUpgrade(t *testing.T) {
	f := newFixture(t, ratelimit.NewMemoryStore(), models.Profile{UserID: "pro", Tier: models.TierPro, Credits: 100})
	ctx := context.Background()

	for i := 0; i < 30; i++ {
		_, rejection := f.gate.Authorize(ctx, user("pro"), false, 0)
		require.Nil(t, rejection)
	}

	_, rejection := f.gate.Authorize(ctx, user("pro"), false, 0)
	require.NotNil(t, rejection)
	require.NotNil(t, rejection.UpgradeRequired)
	assert.False(t, *rejection.UpgradeRequired)
}

func TestFreeUserWithoutCreditsGetsPaymentRequired(t *testing.T) {
	f := newFixture(t, ratelimit.NewMemoryStore(), models.Profile{UserID: "broke", Tier: models.TierFree, Credits: 0})

	auth, rejection := f.gate.Authorize(context.Background(), user("broke"), true, 1)
	assert.Nil(t, auth)
	require.NotNil(t, rejection)
	assert.Equal(t, http.StatusPaymentRequired, rejection.Status)
	assert.Equal(t, CodeInsufficientCredits, rejection.Code)
	assert.Equal(t, 0, *rejection.CurrentCredits)
	assert.Equal(t, 1, *rejection.RequiredCredits)
	assert.True(t, *rejection.UpgradeRequired)

	body, err := json.Marshal(rejection)
	require.NoError(t, err)
	assert.JSONEq(t, `{
		"code": "INSUFFICIENT_CREDITS",
		"error": "Insufficient credits",
		"currentCredits": 0,
		"requiredCredits": 1,
		"upgradeRequired": true
	}`, string(body))

	assert.Len(t, f.sink.EntriesFor("broke", models.ActionInsufficientCredits), 1)
}

func TestAuthorizedUserWithCredits(t *testing.T) {
	f := newFixture(t, ratelimit.NewMemoryStore(), models.Profile{UserID: "u1", Email: "u1@example.com", Tier: models.TierPro, Credits: 5})

	auth, rejection := f.gate.Authorize(context.Background(), user("u1"), true, 1)
	require.Nil(t, rejection)
	assert.Equal(t, "u1", auth.UserID)
	assert.Equal(t, "u1@example.com", auth.Email)
	assert.Equal(t, models.TierPro, auth.Tier)
	assert.Equal(t, 5, auth.Credits)
	assert.False(t, auth.Unlimited)
	assert.Equal(t, 30, auth.RateLimit.Limit)
	assert.Equal(t, 29, auth.RateLimit.Remaining)

	// Admission never deducts
	profile, err := f.store.GetProfile(context.Background(), "u1")
	require.NoError(t, err)
	assert.Equal(t, 5, profile.Credits)
}

func TestEnterpriseIsAlwaysAdmittedOnCredits(t *testing.T) {
	f := newFixture(t, ratelimit.NewMemoryStore(), models.Profile{UserID: "ent", Tier: models.TierEnterprise, Credits: 0})

	auth, rejection := f.gate.Authorize(context.Background(), user("ent"), true, 500)
	require.Nil(t, rejection)
	assert.True(t, auth.Unlimited)
	assert.Equal(t, 100, auth.RateLimit.Limit)
}

func TestUserWithoutProfileIsTreatedAsFree(t *testing.T) {
	f := newFixture(t, ratelimit.NewMemoryStore())

	auth, rejection := f.gate.Authorize(context.Background(), user("new"), false, 0)
	require.Nil(t, rejection)
	assert.Equal(t, models.TierFree, auth.Tier)
	assert.Equal(t, 5, auth.RateLimit.Limit)

	_, rejection = f.gate.Authorize(context.Background(), user("new"), true, 1)
	require.NotNil(t, rejection)
	assert.Equal(t, CodeInsufficientCredits, rejection.Code)
}

func TestLimiterOutageFailsClosed(t *testing.T) {
	f := newFixture(t, downStore{}, models.Profile{UserID: "u1", Tier: models.TierPro, Credits: 5})

	_, rejection := f.gate.Authorize(context.Background(), user("u1"), true, 1)
	require.NotNil(t, rejection)
	assert.Equal(t, http.StatusServiceUnavailable, rejection.Status)
	assert.Equal(t, CodeRateLimitUnavailable, rejection.Code)

	_, rejection = f.gate.Authorize(context.Background(), models.NewAnonymousIdentity("203.0.113.4"), false, 0)
	require.NotNil(t, rejection)
	assert.Equal(t, CodeRateLimitUnavailable, rejection.Code)
}

func TestProfileOutageFailsClosed(t *testing.T) {
	logger := logging.NewNop()
	limiter := ratelimit.New(ratelimit.NewMemoryStore())
	g := New(limiter, downProfiles{}, ledger.New(ledger.NewMemoryStore(), nil, nil, logger), nil, logger)

	_, rejection := g.Authorize(context.Background(), user("u1"), true, 1)
	require.NotNil(t, rejection)
	assert.Equal(t, http.StatusServiceUnavailable, rejection.Status)
	assert.Equal(t, CodeCreditsUnavailable, rejection.Code)
	assert.Equal(t, "1", rejection.Headers().Get("Retry-After"))
}

func TestRequireMiddleware(t *testing.T) {
	gin.SetMode(gin.TestMode)

	f := newFixture(t, ratelimit.NewMemoryStore(),
		models.Profile{UserID: "rich", Tier: models.TierPro, Credits: 3},
		models.Profile{UserID: "broke", Tier: models.TierFree, Credits: 0},
	)

	identities := map[string]models.Identity{
		"rich":  user("rich"),
		"broke": user("broke"),
		"anon":  models.NewAnonymousIdentity("192.0.2.1"),
	}

	router := gin.New()
	router.Use(func(c *gin.Context) {
		if identity, ok := identities[c.GetHeader("X-Test-User")]; ok {
			c.Set(middleware.IdentityContextKey, identity)
		}
		c.Next()
	})
	router.POST("/optimize", Require(f.gate, Options{RequireCredits: true, Credits: 1}), func(c *gin.Context) {
		auth, ok := FromContext(c)
		require.True(t, ok)
		c.JSON(http.StatusOK, gin.H{"user_id": auth.UserID})
	})

	tests := []struct {
		name   string
		user   string
		status int
		code   string
	}{
		{"admitted", "rich", http.StatusOK, ""},
		{"insufficient credits", "broke", http.StatusPaymentRequired, CodeInsufficientCredits},
		{"anonymous", "anon", http.StatusUnauthorized, CodeUnauthorized},
		{"no identity", "", http.StatusUnauthorized, CodeUnauthorized},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := httptest.NewRecorder()
			req := httptest.NewRequest(http.MethodPost, "/optimize", nil)
			req.Header.Set("X-Test-User", tt.user)
			router.ServeHTTP(w, req)

			assert.Equal(t, tt.status, w.Code)
			if tt.code != "" {
				var body map[string]interface{}
				require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
				assert.Equal(t, tt.code, body["code"])
			} else {
				assert.Equal(t, "30", w.Header().Get("X-RateLimit-Limit"))
				assert.Equal(t, "29", w.Header().Get("X-RateLimit-Remaining"))
			}
		})
	}
}
