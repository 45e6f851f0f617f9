package models

import (
	"net"
	"time"
)

// Profile is the billing view of a user account
type Profile struct {
	UserID    string    `json:"user_id" db:"id"`
	Email     string    `json:"email" db:"email"`
	Tier      Tier      `json:"tier" db:"tier"`
	Credits   int       `json:"credits" db:"credits"`
	APIKey    string    `json:"-" db:"api_key"`
	IsActive  bool      `json:"is_active" db:"is_active"`
	CreatedAt time.Time `json:"created_at" db:"created_at"`
	UpdatedAt time.Time `json:"updated_at" db:"updated_at"`
}

// Principal is an authenticated caller
type Principal struct {
	UserID string `json:"user_id"`
	Email  string `json:"email"`
}

// Identity is either an authenticated principal or an anonymous IP address,
// never both.
type Identity struct {
	User      *Principal
	IPAddress string
}

// AnonymousPrefix namespaces anonymous rate limit keys so an IP can never
// collide with a user id.
const AnonymousPrefix = "ip:"

// NewUserIdentity returns an authenticated identity
func NewUserIdentity(userID, email string) Identity {
	return Identity{User: &Principal{UserID: userID, Email: email}}
}

// NewAnonymousIdentity returns an identity keyed by client IP
func NewAnonymousIdentity(ip string) Identity {
	if parsed := net.ParseIP(ip); parsed != nil {
		ip = parsed.String()
	}
	return Identity{IPAddress: ip}
}

// IsAnonymous reports whether the caller is unauthenticated
func (i Identity) IsAnonymous() bool {
	return i.User == nil
}

// RateLimitKey returns the limiter identifier for this identity
func (i Identity) RateLimitKey() string {
	if i.User != nil {
		return i.User.UserID
	}
	return AnonymousPrefix + i.IPAddress
}
