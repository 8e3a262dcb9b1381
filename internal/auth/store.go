package auth

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// Store resolves credentials from the identity database.
type Store struct {
	db *pgxpool.Pool
}

// NewStore creates a credential store backed by the identity database.
func NewStore(db *pgxpool.Pool) *Store {
	return &Store{db: db}
}

// ResolveKey looks up an active API key by its SHA-256 hash and joins the
// owning project's policy limits. Revoked, expired and inactive keys resolve
// to ErrInvalidKey.
func (s *Store) ResolveKey(ctx context.Context, keyHash string) (*Credential, error) {
	const query = `
		SELECT k.id, k.project_id, p.slug,
		       COALESCE(k.rate_limit_per_minute, p.rate_limit_per_minute),
		       COALESCE(k.rate_limit_per_hour, p.rate_limit_per_hour),
		       p.daily_quota, p.retention_days, k.environment,
		       k.expires_at
		FROM api_keys k
		JOIN projects p ON p.id = k.project_id
		WHERE k.key_hash = $1
		  AND k.revoked_at IS NULL
		  AND p.active`

	var (
		cred      Credential
		expiresAt *time.Time
	)
	err := s.db.QueryRow(ctx, query, keyHash).Scan(
		&cred.APIKeyID,
		&cred.ProjectID,
		&cred.ProjectSlug,
		&cred.RateLimitPerMinute,
		&cred.RateLimitPerHour,
		&cred.DailyQuota,
		&cred.RetentionDays,
		&cred.Environment,
		&expiresAt,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrInvalidKey
	}
	if err != nil {
		return nil, fmt.Errorf("resolving api key: %w", err)
	}

	if expiresAt != nil && expiresAt.Before(time.Now()) {
		return nil, ErrInvalidKey
	}

	// Update last_used asynchronously, fire and forget.
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_, _ = s.db.Exec(ctx,
			`UPDATE api_keys SET last_used_at = now() WHERE id = $1`, cred.APIKeyID)
	}()

	return &cred, nil
}
