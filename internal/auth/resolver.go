package auth

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/loghive/loghive/internal/breaker"
)

// Resolver turns raw API keys into credentials. Lookup order: primary
// cache, negative cache, identity store (through the circuit breaker with
// retries), then the emergency cache when the breaker is open.
type Resolver struct {
	cache    *Cache
	provider Provider
	breaker  *breaker.Breaker
	timeout  time.Duration
	defaults Defaults
	logger   *slog.Logger
}

// NewResolver creates a credential resolver. timeout bounds each identity
// store round trip; defaults backfill limits the store leaves unset.
func NewResolver(cache *Cache, provider Provider, cb *breaker.Breaker, timeout time.Duration, defaults Defaults, logger *slog.Logger) *Resolver {
	return &Resolver{
		cache:    cache,
		provider: provider,
		breaker:  cb,
		timeout:  timeout,
		defaults: defaults,
		logger:   logger,
	}
}

// Resolve authenticates a raw API key. It returns ErrInvalidKey for unknown
// or revoked keys and ErrUnavailable when the identity store is down and no
// emergency entry exists.
func (r *Resolver) Resolve(ctx context.Context, rawKey string) (*Credential, error) {
	if rawKey == "" {
		return nil, ErrInvalidKey
	}
	hash := HashAPIKey(rawKey)

	if cred, err := r.cache.Get(ctx, hash); err != nil {
		r.logger.Warn("credential cache read failed", "error", err)
	} else if cred != nil {
		return cred, nil
	}

	if neg, err := r.cache.IsNegative(ctx, hash); err != nil {
		r.logger.Warn("negative cache read failed", "error", err)
	} else if neg {
		return nil, ErrInvalidKey
	}

	cred, err := r.resolveFromStore(ctx, hash)
	switch {
	case err == nil:
		// Defaults are applied before caching so every tier serves the
		// same effective limits.
		r.defaults.apply(cred)
		if err := r.cache.Put(ctx, hash, cred); err != nil {
			r.logger.Warn("credential cache write failed", "error", err)
		}
		return cred, nil

	case errors.Is(err, ErrInvalidKey):
		if err := r.cache.PutNegative(ctx, hash); err != nil {
			r.logger.Warn("negative cache write failed", "error", err)
		}
		return nil, ErrInvalidKey

	default:
		// Store unreachable. The emergency tier is only consulted while
		// the breaker is open so a healthy store stays authoritative.
		if r.breaker.Open() {
			if cred, cerr := r.cache.GetEmergency(ctx, hash); cerr == nil && cred != nil {
				r.logger.Warn("serving credential from emergency cache",
					"project_id", cred.ProjectID)
				return cred, nil
			}
		}
		return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
}

func (r *Resolver) resolveFromStore(ctx context.Context, hash string) (*Credential, error) {
	var cred *Credential

	policy := backoff.WithContext(
		backoff.WithMaxRetries(backoff.NewExponentialBackOff(), 2), ctx)

	op := func() error {
		res, err := r.breaker.Execute(func() (any, error) {
			callCtx, cancel := context.WithTimeout(ctx, r.timeout)
			defer cancel()
			c, err := r.provider.ResolveKey(callCtx, hash)
			if errors.Is(err, ErrInvalidKey) {
				// An unknown key is a valid answer, not a store failure.
				return (*Credential)(nil), nil
			}
			return c, err
		})
		if err != nil {
			if breaker.IsOpenErr(err) {
				return backoff.Permanent(err)
			}
			return err
		}
		c := res.(*Credential)
		if c == nil {
			return backoff.Permanent(ErrInvalidKey)
		}
		cred = c
		return nil
	}

	if err := backoff.Retry(op, policy); err != nil {
		return nil, err
	}
	return cred, nil
}
