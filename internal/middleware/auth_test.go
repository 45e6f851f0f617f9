package middleware

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/therealutkarshpriyadarshi/resumeai/internal/audit"
	"github.com/therealutkarshpriyadarshi/resumeai/internal/logging"
	"github.com/therealutkarshpriyadarshi/resumeai/pkg/models"
)

const testSecret = "test-secret"

type stubKeys struct {
	profiles map[string]*models.Profile
	err      error
	calls    int
}

func (s *stubKeys) GetProfileByAPIKey(ctx context.Context, apiKey string) (*models.Profile, error) {
	s.calls++
	if s.err != nil {
		return nil, s.err
	}
	profile, ok := s.profiles[apiKey]
	if !ok {
		return nil, models.ErrProfileNotFound
	}
	return profile, nil
}

type mapCache struct {
	owners map[string]*models.Principal
}

func (m *mapCache) GetAPIKeyOwner(ctx context.Context, apiKey string) (*models.Principal, error) {
	return m.owners[apiKey], nil
}

func (m *mapCache) SetAPIKeyOwner(ctx context.Context, apiKey string, principal *models.Principal, ttl time.Duration) error {
	m.owners[apiKey] = principal
	return nil
}

func setupRouter(t *testing.T, keys APIKeyResolver, cache APIKeyCache) (*gin.Engine, *audit.MemorySink) {
	t.Helper()
	gin.SetMode(gin.TestMode)

	sink := audit.NewMemorySink()
	logger := logging.NewNop()
	auth := NewAuthenticator(testSecret, keys, cache, audit.New(sink, logger), logger)

	router := gin.New()
	router.Use(auth.Identify())
	router.GET("/whoami", func(c *gin.Context) {
		identity, ok := GetIdentity(c)
		require.True(t, ok)
		if identity.IsAnonymous() {
			c.JSON(http.StatusOK, gin.H{"anonymous": true, "key": identity.RateLimitKey()})
			return
		}
		c.JSON(http.StatusOK, gin.H{"anonymous": false, "key": identity.RateLimitKey()})
	})
	router.GET("/private", RequireUser(), func(c *gin.Context) {
		userID, _ := GetUserID(c)
		c.String(http.StatusOK, userID)
	})

	return router, sink
}

func TestGenerateToken(t *testing.T) {
	token, err := GenerateToken(testSecret, "test-user-id", "test@example.com", time.Hour)
	assert.NoError(t, err)
	assert.NotEmpty(t, token)
}

func TestIdentifyWithValidToken(t *testing.T) {
	router, sink := setupRouter(t, nil, nil)

	token, err := GenerateToken(testSecret, "user-1", "user@example.com", time.Hour)
	require.NoError(t, err)

	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/whoami", nil)
	req.Header.Set("Authorization", "Bearer "+token)
	router.ServeHTTP(w, req)

	assert.Equal(t, http.StatusOK, w.Code)
	assert.JSONEq(t, `{"anonymous":false,"key":"user-1"}`, w.Body.String())
	assert.Empty(t, sink.Entries())
}

func TestIdentifyRejectsBadTokens(t *testing.T) {
	expired, err := GenerateToken(testSecret, "user-1", "user@example.com", -time.Minute)
	require.NoError(t, err)
	wrongKey, err := GenerateToken("another-secret", "user-1", "user@example.com", time.Hour)
	require.NoError(t, err)
	noneAlg, err := jwt.NewWithClaims(jwt.SigningMethodNone, Claims{UserID: "user-1"}).
		SignedString(jwt.UnsafeAllowNoneSignatureType)
	require.NoError(t, err)

	tests := []struct {
		name   string
		header string
	}{
		{"invalid format", "InvalidToken"},
		{"wrong scheme", "Basic dXNlcjpwYXNz"},
		{"expired", "Bearer " + expired},
		{"wrong signing key", "Bearer " + wrongKey},
		{"unsigned", "Bearer " + noneAlg},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			router, sink := setupRouter(t, nil, nil)

			w := httptest.NewRecorder()
			req := httptest.NewRequest(http.MethodGet, "/whoami", nil)
			req.Header.Set("Authorization", tt.header)
			router.ServeHTTP(w, req)

			assert.Equal(t, http.StatusUnauthorized, w.Code)
			assert.Contains(t, w.Body.String(), "UNAUTHORIZED")

			entries := sink.Entries()
			require.Len(t, entries, 1)
			assert.Equal(t, models.ActionAuthFailed, entries[0].Action)
		})
	}
}

func TestIdentifyAnonymous(t *testing.T) {
	router, _ := setupRouter(t, nil, nil)

	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/whoami", nil)
	req.RemoteAddr = "198.51.100.7:54321"
	router.ServeHTTP(w, req)

	assert.Equal(t, http.StatusOK, w.Code)
	assert.JSONEq(t, `{"anonymous":true,"key":"ip:198.51.100.7"}`, w.Body.String())
}

func TestIdentifyWithAPIKey(t *testing.T) {
	keys := &stubKeys{profiles: map[string]*models.Profile{
		"rk_live":     {UserID: "user-2", Email: "two@example.com", IsActive: true},
		"rk_disabled": {UserID: "user-3", IsActive: false},
	}}
	cache := &mapCache{owners: map[string]*models.Principal{}}
	router, sink := setupRouter(t, keys, cache)

	for i := 0; i < 3; i++ {
		w := httptest.NewRecorder()
		req := httptest.NewRequest(http.MethodGet, "/whoami", nil)
		req.Header.Set("X-API-Key", "rk_live")
		router.ServeHTTP(w, req)

		assert.Equal(t, http.StatusOK, w.Code)
		assert.JSONEq(t, `{"anonymous":false,"key":"user-2"}`, w.Body.String())
	}
	// Later lookups are served from the cache
	assert.Equal(t, 1, keys.calls)

	for _, key := range []string{"rk_unknown", "rk_disabled"} {
		w := httptest.NewRecorder()
		req := httptest.NewRequest(http.MethodGet, "/whoami", nil)
		req.Header.Set("X-API-Key", key)
		router.ServeHTTP(w, req)
		assert.Equal(t, http.StatusUnauthorized, w.Code)
	}
	assert.Len(t, sink.Entries(), 2)
}

func TestIdentifyAPIKeyStoreDown(t *testing.T) {
	keys := &stubKeys{err: errors.New("failed to get profile: dial tcp 10.0.0.5:5432: connection refused")}
	router, sink := setupRouter(t, keys, nil)

	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/whoami", nil)
	req.Header.Set("X-API-Key", "rk_live")
	router.ServeHTTP(w, req)

	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
	assert.Contains(t, w.Body.String(), "AUTH_UNAVAILABLE")
	assert.Empty(t, sink.Entries())
}

func TestRequireUser(t *testing.T) {
	router, _ := setupRouter(t, nil, nil)

	w := httptest.NewRecorder()
	router.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/private", nil))
	assert.Equal(t, http.StatusUnauthorized, w.Code)
	assert.Contains(t, w.Body.String(), "Authentication required")

	token, err := GenerateToken(testSecret, "user-1", "user@example.com", time.Hour)
	require.NoError(t, err)

	w = httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/private", nil)
	req.Header.Set("Authorization", "Bearer "+token)
	router.ServeHTTP(w, req)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "user-1", w.Body.String())
}
