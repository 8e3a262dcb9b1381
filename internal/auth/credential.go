package auth

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"

	"github.com/google/uuid"
)

// Credential is the resolved identity behind an API key. It carries the
// project binding plus the per-key policy limits used by the gate.
type Credential struct {
	APIKeyID           uuid.UUID `msgpack:"api_key_id"`
	ProjectID          uuid.UUID `msgpack:"project_id"`
	ProjectSlug        string    `msgpack:"project_slug"`
	RateLimitPerMinute int       `msgpack:"rate_limit_per_minute"`
	RateLimitPerHour   int       `msgpack:"rate_limit_per_hour"`
	DailyQuota         int64     `msgpack:"daily_quota"`
	RetentionDays      int       `msgpack:"retention_days"`
	Environment        string    `msgpack:"environment"`

	// Emergency marks a credential served from the emergency cache while
	// the identity store was unreachable.
	Emergency bool `msgpack:"-"`
}

// Defaults fills policy limits a stored credential leaves unset, so every
// resolved credential carries enforceable numbers.
type Defaults struct {
	RateLimitPerMinute int
	RateLimitPerHour   int
	DailyQuota         int64
}

func (d Defaults) apply(c *Credential) {
	if c.RateLimitPerMinute <= 0 {
		c.RateLimitPerMinute = d.RateLimitPerMinute
	}
	if c.RateLimitPerHour <= 0 {
		c.RateLimitPerHour = d.RateLimitPerHour
	}
	if c.DailyQuota <= 0 {
		c.DailyQuota = d.DailyQuota
	}
}

// Sentinel errors returned by credential resolution.
var (
	// ErrInvalidKey means the key does not exist, is revoked, or expired.
	ErrInvalidKey = errors.New("invalid api key")
	// ErrUnavailable means the identity store is down and no emergency
	// entry exists for the key.
	ErrUnavailable = errors.New("credential service unavailable")
)

// HashAPIKey returns the SHA-256 hex digest of a raw API key. Only hashes
// are stored or used as cache keys; the raw key never leaves the request.
func HashAPIKey(raw string) string {
	sum := sha256.Sum256([]byte(raw))
	return hex.EncodeToString(sum[:])
}

// Provider resolves an API key hash to a credential. The postgres-backed
// implementation lives in this package; tests may substitute their own.
type Provider interface {
	ResolveKey(ctx context.Context, keyHash string) (*Credential, error)
}
