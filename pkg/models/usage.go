package models

import (
	"database/sql/driver"
	"encoding/json"
	"time"
)

// Action names the operation a usage log entry records
type Action string

const (
	ActionAnalyze    Action = "resume.analyze"
	ActionOptimize   Action = "resume.optimize"
	ActionUpload     Action = "resume.upload"
	ActionAddCredits Action = "credits.add"

	// Security and admission events
	ActionAuthFailed          Action = "auth.failed"
	ActionRateLimited         Action = "ratelimit.exceeded"
	ActionInsufficientCredits Action = "credits.insufficient"
	ActionValidationFailed    Action = "validation.failed"
	ActionSettlementFailed    Action = "settlement.failed"
)

// UsageLogEntry is an immutable, append-only usage or audit record.
// CreditsUsed is negative for credit grants.
type UsageLogEntry struct {
	ID           string    `json:"id" db:"id"`
	UserID       *string   `json:"user_id,omitempty" db:"user_id"`
	Action       Action    `json:"action" db:"action"`
	CreditsUsed  int       `json:"credits_used" db:"credits_used"`
	Metadata     Metadata  `json:"metadata" db:"metadata"`
	Timestamp    time.Time `json:"timestamp" db:"created_at"`
	Success      bool      `json:"success" db:"success"`
	ErrorMessage *string   `json:"error_message,omitempty" db:"error_message"`
}

// Metadata holds free-form context attached to a usage entry
type Metadata map[string]interface{}

// Value implements driver.Valuer for database storage
func (m Metadata) Value() (driver.Value, error) {
	if m == nil {
		return []byte("{}"), nil
	}
	return json.Marshal(m)
}

// Scan implements sql.Scanner for database retrieval
func (m *Metadata) Scan(value interface{}) error {
	if value == nil {
		*m = make(Metadata)
		return nil
	}

	switch v := value.(type) {
	case []byte:
		return json.Unmarshal(v, m)
	case string:
		return json.Unmarshal([]byte(v), m)
	}
	return nil
}

// StringPtr returns a pointer to s, or nil when s is empty
func StringPtr(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}
