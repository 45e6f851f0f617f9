package database

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/therealutkarshpriyadarshi/resumeai/internal/audit"
	"github.com/therealutkarshpriyadarshi/resumeai/internal/ledger"
	"github.com/therealutkarshpriyadarshi/resumeai/pkg/models"
)

// Ensure interface compliance at compile time.
var (
	_ ledger.Store = (*Repository)(nil)
	_ audit.Sink   = (*Repository)(nil)
	_ audit.Reader = (*Repository)(nil)
)

// Repository provides database operations
type Repository struct {
	db *DB
}

// NewRepository creates a new repository
func NewRepository(db *DB) *Repository {
	return &Repository{db: db}
}

// Profiles

const profileColumns = `id, email, tier, credits, COALESCE(api_key, ''), is_active, created_at, updated_at`

// CreateProfile inserts a profile. Tier and credits are taken as given.
func (r *Repository) CreateProfile(ctx context.Context, profile *models.Profile) error {
	if profile.UserID == "" {
		profile.UserID = uuid.New().String()
	}

	query := `
		INSERT INTO profiles (id, email, tier, credits, api_key, is_active)
		VALUES ($1, $2, $3, $4, NULLIF($5, ''), $6)
		RETURNING created_at, updated_at
	`

	err := r.db.Pool.QueryRow(ctx, query,
		profile.UserID, profile.Email, profile.Tier.String(), profile.Credits,
		profile.APIKey, profile.IsActive,
	).Scan(&profile.CreatedAt, &profile.UpdatedAt)

	if err != nil {
		return fmt.Errorf("failed to create profile: %w", err)
	}

	return nil
}

// GetProfile retrieves a profile by user ID
func (r *Repository) GetProfile(ctx context.Context, userID string) (*models.Profile, error) {
	query := `SELECT ` + profileColumns + ` FROM profiles WHERE id = $1`
	return r.scanProfile(r.db.Pool.QueryRow(ctx, query, userID))
}

// GetProfileByAPIKey retrieves an active profile by its API key
func (r *Repository) GetProfileByAPIKey(ctx context.Context, apiKey string) (*models.Profile, error) {
	query := `SELECT ` + profileColumns + ` FROM profiles WHERE api_key = $1 AND is_active`
	return r.scanProfile(r.db.Pool.QueryRow(ctx, query, apiKey))
}

// RotateAPIKey replaces a profile's API key and returns the previous one,
// which is empty when the profile had none
func (r *Repository) RotateAPIKey(ctx context.Context, userID, newKey string) (string, error) {
	query := `
		UPDATE profiles p
		SET api_key = $2, updated_at = NOW()
		FROM (SELECT id, COALESCE(api_key, '') AS api_key FROM profiles WHERE id = $1 FOR UPDATE) old
		WHERE p.id = old.id
		RETURNING old.api_key
	`

	var previous string
	err := r.db.Pool.QueryRow(ctx, query, userID, newKey).Scan(&previous)
	if errors.Is(err, pgx.ErrNoRows) {
		return "", models.ErrProfileNotFound
	}
	if err != nil {
		return "", fmt.Errorf("failed to rotate api key: %w", err)
	}

	return previous, nil
}

func (r *Repository) scanProfile(row pgx.Row) (*models.Profile, error) {
	var (
		profile models.Profile
		tier    string
	)

	err := row.Scan(
		&profile.UserID, &profile.Email, &tier, &profile.Credits, &profile.APIKey,
		&profile.IsActive, &profile.CreatedAt, &profile.UpdatedAt,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, models.ErrProfileNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get profile: %w", err)
	}

	if profile.Tier, err = models.ParseTier(tier); err != nil {
		return nil, fmt.Errorf("profile %s: %w", profile.UserID, err)
	}

	return &profile, nil
}

// DeductIfSufficient decrements the balance in a single conditional
// statement, so concurrent deductions can never overdraw it.
func (r *Repository) DeductIfSufficient(ctx context.Context, userID string, amount int) (int, bool, error) {
	query := `
		UPDATE profiles
		SET credits = credits - $2, updated_at = NOW()
		WHERE id = $1 AND credits >= $2
		RETURNING credits
	`

	var remaining int
	err := r.db.Pool.QueryRow(ctx, query, userID, amount).Scan(&remaining)
	if err == nil {
		return remaining, true, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return 0, false, fmt.Errorf("failed to deduct credits: %w", err)
	}

	// No row updated: either the user is unknown or the balance is short
	var current int
	err = r.db.Pool.QueryRow(ctx, `SELECT credits FROM profiles WHERE id = $1`, userID).Scan(&current)
	if errors.Is(err, pgx.ErrNoRows) {
		return 0, false, models.ErrProfileNotFound
	}
	if err != nil {
		return 0, false, fmt.Errorf("failed to read credits: %w", err)
	}

	return current, false, nil
}

// Add increments the balance unconditionally
func (r *Repository) Add(ctx context.Context, userID string, amount int) (int, error) {
	query := `
		UPDATE profiles
		SET credits = credits + $2, updated_at = NOW()
		WHERE id = $1
		RETURNING credits
	`

	var balance int
	err := r.db.Pool.QueryRow(ctx, query, userID, amount).Scan(&balance)
	if errors.Is(err, pgx.ErrNoRows) {
		return 0, models.ErrProfileNotFound
	}
	if err != nil {
		return 0, fmt.Errorf("failed to add credits: %w", err)
	}

	return balance, nil
}

// Usage logs

// AppendUsage inserts a usage log entry
func (r *Repository) AppendUsage(ctx context.Context, entry models.UsageLogEntry) error {
	if entry.ID == "" {
		entry.ID = uuid.New().String()
	}
	if entry.Timestamp.IsZero() {
		entry.Timestamp = time.Now().UTC()
	}

	query := `
		INSERT INTO usage_logs (id, user_id, action, credits_used, metadata, success, error_message, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
	`

	_, err := r.db.Pool.Exec(ctx, query,
		entry.ID, entry.UserID, string(entry.Action), entry.CreditsUsed,
		entry.Metadata, entry.Success, entry.ErrorMessage, entry.Timestamp,
	)
	if err != nil {
		return fmt.Errorf("failed to append usage entry: %w", err)
	}

	return nil
}

// ListUsage retrieves the most recent usage entries of a user
func (r *Repository) ListUsage(ctx context.Context, userID string, limit int) ([]models.UsageLogEntry, error) {
	query := `
		SELECT id, user_id, action, credits_used, metadata, success, error_message, created_at
		FROM usage_logs
		WHERE user_id = $1
		ORDER BY created_at DESC
		LIMIT $2
	`

	rows, err := r.db.Pool.Query(ctx, query, userID, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list usage: %w", err)
	}
	defer rows.Close()

	var entries []models.UsageLogEntry
	for rows.Next() {
		var (
			entry  models.UsageLogEntry
			action string
		)
		err := rows.Scan(
			&entry.ID, &entry.UserID, &action, &entry.CreditsUsed, &entry.Metadata,
			&entry.Success, &entry.ErrorMessage, &entry.Timestamp,
		)
		if err != nil {
			return nil, fmt.Errorf("failed to scan usage entry: %w", err)
		}
		entry.Action = models.Action(action)
		entries = append(entries, entry)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate usage: %w", err)
	}

	return entries, nil
}
