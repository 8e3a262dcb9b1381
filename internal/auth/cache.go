package auth

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/vmihailenco/msgpack/v5"
)

// Cache layers credential lookups over Redis. Three tiers exist per key
// hash: the primary cache (short TTL), the emergency cache (longer TTL,
// consulted only while the identity store is unreachable), and the negative
// cache (very short TTL, shields the store from repeated bad keys).
type Cache struct {
	redis        *redis.Client
	primaryTTL   time.Duration
	emergencyTTL time.Duration
	negativeTTL  time.Duration
}

// NewCache creates a credential cache with the given tier TTLs.
func NewCache(rdb *redis.Client, primaryTTL, emergencyTTL, negativeTTL time.Duration) *Cache {
	return &Cache{
		redis:        rdb,
		primaryTTL:   primaryTTL,
		emergencyTTL: emergencyTTL,
		negativeTTL:  negativeTTL,
	}
}

func primaryKey(hash string) string   { return fmt.Sprintf("api_key:%s", hash) }
func emergencyKey(hash string) string { return fmt.Sprintf("api_key:emergency:%s", hash) }
func negativeKey(hash string) string  { return fmt.Sprintf("api_key:negative:%s", hash) }

// Get returns the cached credential for a key hash, or nil on miss.
func (c *Cache) Get(ctx context.Context, keyHash string) (*Credential, error) {
	return c.get(ctx, primaryKey(keyHash))
}

// GetEmergency returns the emergency-tier credential for a key hash, or nil
// on miss. Callers must only use this while the identity store is down.
func (c *Cache) GetEmergency(ctx context.Context, keyHash string) (*Credential, error) {
	cred, err := c.get(ctx, emergencyKey(keyHash))
	if cred != nil {
		cred.Emergency = true
	}
	return cred, err
}

func (c *Cache) get(ctx context.Context, key string) (*Credential, error) {
	raw, err := c.redis.Get(ctx, key).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("reading credential cache: %w", err)
	}

	var cred Credential
	if err := msgpack.Unmarshal(raw, &cred); err != nil {
		return nil, fmt.Errorf("decoding cached credential: %w", err)
	}
	return &cred, nil
}

// Put stores a freshly resolved credential in both the primary and
// emergency tiers, and clears any negative entry.
func (c *Cache) Put(ctx context.Context, keyHash string, cred *Credential) error {
	raw, err := msgpack.Marshal(cred)
	if err != nil {
		return fmt.Errorf("encoding credential: %w", err)
	}

	pipe := c.redis.Pipeline()
	pipe.Set(ctx, primaryKey(keyHash), raw, c.primaryTTL)
	pipe.Set(ctx, emergencyKey(keyHash), raw, c.emergencyTTL)
	pipe.Del(ctx, negativeKey(keyHash))
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("writing credential cache: %w", err)
	}
	return nil
}

// PutNegative records that a key hash resolved to no credential.
func (c *Cache) PutNegative(ctx context.Context, keyHash string) error {
	return c.redis.Set(ctx, negativeKey(keyHash), "1", c.negativeTTL).Err()
}

// IsNegative reports whether a key hash has a fresh negative entry.
func (c *Cache) IsNegative(ctx context.Context, keyHash string) (bool, error) {
	err := c.redis.Get(ctx, negativeKey(keyHash)).Err()
	if errors.Is(err, redis.Nil) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("reading negative cache: %w", err)
	}
	return true, nil
}

// Invalidate drops all tiers for a key hash, used when a key is revoked.
func (c *Cache) Invalidate(ctx context.Context, keyHash string) error {
	return c.redis.Del(ctx,
		primaryKey(keyHash), emergencyKey(keyHash), negativeKey(keyHash)).Err()
}
