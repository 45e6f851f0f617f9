package middleware

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"
	"github.com/therealutkarshpriyadarshi/resumeai/internal/audit"
	"github.com/therealutkarshpriyadarshi/resumeai/internal/logging"
	"github.com/therealutkarshpriyadarshi/resumeai/pkg/models"
)

const (
	// IdentityContextKey holds the models.Identity of the caller
	IdentityContextKey = "identity"

	apiKeyCacheTTL = 5 * time.Minute
)

// ErrAuthUnavailable is returned when a credential could not be checked
// because its backing store failed
var ErrAuthUnavailable = errors.New("authentication unavailable")

var errInvalidAPIKey = errors.New("invalid api key")

// Claims represents JWT claims
type Claims struct {
	UserID string `json:"user_id"`
	Email  string `json:"email"`
	jwt.RegisteredClaims
}

// APIKeyResolver looks up the active profile owning an API key
type APIKeyResolver interface {
	GetProfileByAPIKey(ctx context.Context, apiKey string) (*models.Profile, error)
}

// APIKeyCache caches API key lookups
type APIKeyCache interface {
	GetAPIKeyOwner(ctx context.Context, apiKey string) (*models.Principal, error)
	SetAPIKeyOwner(ctx context.Context, apiKey string, principal *models.Principal, ttl time.Duration) error
}

// Authenticator resolves the caller of each request
type Authenticator struct {
	secret []byte
	keys   APIKeyResolver
	cache  APIKeyCache
	audit  *audit.Log
	logger *logging.Logger
}

// NewAuthenticator creates an authenticator. keys and cache may be nil to
// disable API key authentication or its cache.
func NewAuthenticator(secret string, keys APIKeyResolver, cache APIKeyCache, auditLog *audit.Log, logger *logging.Logger) *Authenticator {
	return &Authenticator{
		secret: []byte(secret),
		keys:   keys,
		cache:  cache,
		audit:  auditLog,
		logger: logger.WithComponent("auth"),
	}
}

// Identify resolves the caller from a bearer token or an API key. Requests
// with neither continue as anonymous callers keyed by client IP; requests
// with an invalid credential are rejected and audited. A credential that
// cannot be checked is a 503 and is not audited as an auth failure.
func (a *Authenticator) Identify() gin.HandlerFunc {
	return func(c *gin.Context) {
		identity, reason, err := a.resolve(c)
		if err != nil {
			a.logger.WithField("path", c.Request.URL.Path).ErrorWithErr("Credential check failed", err)
			c.JSON(http.StatusServiceUnavailable, gin.H{
				"error": "Authentication temporarily unavailable",
				"code":  "AUTH_UNAVAILABLE",
			})
			c.Abort()
			return
		}
		if reason != "" {
			a.audit.RecordAuthFailure(c.Request.Context(), c.ClientIP(), reason)
			a.logger.WithFields(map[string]interface{}{
				"client_ip": c.ClientIP(),
				"path":      c.Request.URL.Path,
				"reason":    reason,
			}).Warn("Authentication failed")

			c.JSON(http.StatusUnauthorized, gin.H{
				"error": "Invalid or expired credentials",
				"code":  "UNAUTHORIZED",
			})
			c.Abort()
			return
		}

		c.Set(IdentityContextKey, identity)
		c.Next()
	}
}

// resolve returns the caller identity, or a non-empty reason when the
// credential is invalid, or an error when it could not be checked.
func (a *Authenticator) resolve(c *gin.Context) (models.Identity, string, error) {
	if authHeader := c.GetHeader("Authorization"); authHeader != "" {
		// Extract token from "Bearer <token>"
		parts := strings.Split(authHeader, " ")
		if len(parts) != 2 || parts[0] != "Bearer" {
			return models.Identity{}, "invalid authorization format", nil
		}

		claims, err := a.parseToken(parts[1])
		if err != nil {
			return models.Identity{}, err.Error(), nil
		}
		return models.NewUserIdentity(claims.UserID, claims.Email), "", nil
	}

	if apiKey := c.GetHeader("X-API-Key"); apiKey != "" && a.keys != nil {
		principal, err := a.lookupAPIKey(c.Request.Context(), apiKey)
		switch {
		case errors.Is(err, errInvalidAPIKey):
			return models.Identity{}, err.Error(), nil
		case err != nil:
			return models.Identity{}, "", err
		}
		return models.NewUserIdentity(principal.UserID, principal.Email), "", nil
	}

	return models.NewAnonymousIdentity(c.ClientIP()), "", nil
}

func (a *Authenticator) parseToken(tokenString string) (*Claims, error) {
	token, err := jwt.ParseWithClaims(tokenString, &Claims{}, func(token *jwt.Token) (interface{}, error) {
		return a.secret, nil
	}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}))
	if err != nil {
		return nil, err
	}

	claims, ok := token.Claims.(*Claims)
	if !ok || !token.Valid || claims.UserID == "" {
		return nil, errors.New("invalid token claims")
	}
	return claims, nil
}

func (a *Authenticator) lookupAPIKey(ctx context.Context, apiKey string) (*models.Principal, error) {
	if a.cache != nil {
		principal, err := a.cache.GetAPIKeyOwner(ctx, apiKey)
		if err != nil {
			a.logger.WarnWithErr("API key cache lookup failed", err)
		}
		if principal != nil {
			return principal, nil
		}
	}

	profile, err := a.keys.GetProfileByAPIKey(ctx, apiKey)
	if errors.Is(err, models.ErrProfileNotFound) {
		return nil, errInvalidAPIKey
	}
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrAuthUnavailable, err)
	}
	if !profile.IsActive {
		return nil, errInvalidAPIKey
	}

	principal := &models.Principal{UserID: profile.UserID, Email: profile.Email}
	if a.cache != nil {
		if err := a.cache.SetAPIKeyOwner(ctx, apiKey, principal, apiKeyCacheTTL); err != nil {
			a.logger.WarnWithErr("API key cache write failed", err)
		}
	}
	return principal, nil
}

// RequireUser rejects anonymous callers. It must run after Identify.
func RequireUser() gin.HandlerFunc {
	return func(c *gin.Context) {
		identity, ok := GetIdentity(c)
		if !ok || identity.IsAnonymous() {
			c.JSON(http.StatusUnauthorized, gin.H{
				"error": "Authentication required",
				"code":  "UNAUTHORIZED",
			})
			c.Abort()
			return
		}
		c.Next()
	}
}

// GenerateToken generates a JWT token for a user
func GenerateToken(secret, userID, email string, expiresIn time.Duration) (string, error) {
	claims := Claims{
		UserID: userID,
		Email:  email,
		RegisteredClaims: jwt.RegisteredClaims{
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(expiresIn)),
			IssuedAt:  jwt.NewNumericDate(time.Now()),
			NotBefore: jwt.NewNumericDate(time.Now()),
		},
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString([]byte(secret))
}

// GetIdentity retrieves the caller identity from the context
func GetIdentity(c *gin.Context) (models.Identity, bool) {
	value, exists := c.Get(IdentityContextKey)
	if !exists {
		return models.Identity{}, false
	}

	identity, ok := value.(models.Identity)
	return identity, ok
}

// GetUserID retrieves the authenticated user ID from the context
func GetUserID(c *gin.Context) (string, bool) {
	identity, ok := GetIdentity(c)
	if !ok || identity.IsAnonymous() {
		return "", false
	}
	return identity.User.UserID, true
}
