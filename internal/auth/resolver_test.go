package auth

import (
	"context"
	"errors"
	"log/slog"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/loghive/loghive/internal/breaker"
)

func newTestRedis(t *testing.T) *redis.Client {
	t.Helper()
	mr := miniredis.RunT(t)
	return redis.NewClient(&redis.Options{Addr: mr.Addr()})
}

func newTestCache(t *testing.T) *Cache {
	t.Helper()
	return NewCache(newTestRedis(t), 5*time.Minute, 10*time.Minute, 5*time.Second)
}

// fakeProvider returns canned responses and counts calls.
type fakeProvider struct {
	cred  *Credential
	err   error
	calls int
}

func (f *fakeProvider) ResolveKey(_ context.Context, _ string) (*Credential, error) {
	f.calls++
	if f.err != nil {
		return nil, f.err
	}
	return f.cred, nil
}

func testCredential() *Credential {
	return &Credential{
		APIKeyID:           uuid.New(),
		ProjectID:          uuid.New(),
		ProjectSlug:        "checkout",
		RateLimitPerMinute: 1000,
		RateLimitPerHour:   20000,
		DailyQuota:         1000000,
		RetentionDays:      30,
		Environment:        "production",
	}
}

func newTestResolver(t *testing.T, p Provider) (*Resolver, *Cache) {
	t.Helper()
	cache := newTestCache(t)
	cb := breaker.New("identity", breaker.Settings{
		FailureThreshold: 5,
		WindowRequests:   20,
		ErrorRate:        0.5,
		CoolOff:          time.Minute,
	}, slog.Default())
	defaults := Defaults{
		RateLimitPerMinute: 1000,
		RateLimitPerHour:   20000,
		DailyQuota:         1000000,
	}
	return NewResolver(cache, p, cb, time.Second, defaults, slog.Default()), cache
}

func TestResolver_BackfillsDefaultLimits(t *testing.T) {
	ctx := context.Background()
	cred := testCredential()
	cred.RateLimitPerMinute = 0
	cred.RateLimitPerHour = 0
	cred.DailyQuota = 0
	r, _ := newTestResolver(t, &fakeProvider{cred: cred})

	got, err := r.Resolve(ctx, "lh_live_abc123")
	if err != nil {
		t.Fatalf("Resolve() error = %v", err)
	}
	if got.RateLimitPerMinute != 1000 || got.RateLimitPerHour != 20000 {
		t.Errorf("rate limits = %d/%d, want defaults 1000/20000",
			got.RateLimitPerMinute, got.RateLimitPerHour)
	}
	if got.DailyQuota != 1000000 {
		t.Errorf("DailyQuota = %d, want default 1000000", got.DailyQuota)
	}

	// The cached copy carries the backfilled limits too.
	cached, err := r.Resolve(ctx, "lh_live_abc123")
	if err != nil {
		t.Fatalf("cached Resolve() error = %v", err)
	}
	if cached.DailyQuota != 1000000 {
		t.Errorf("cached DailyQuota = %d, want 1000000", cached.DailyQuota)
	}
}

func TestResolver_StoreHitPopulatesCache(t *testing.T) {
	ctx := context.Background()
	provider := &fakeProvider{cred: testCredential()}
	r, cache := newTestResolver(t, provider)

	cred, err := r.Resolve(ctx, "lh_live_abc123")
	if err != nil {
		t.Fatalf("Resolve() error = %v", err)
	}
	if cred.ProjectSlug != "checkout" {
		t.Errorf("ProjectSlug = %q, want checkout", cred.ProjectSlug)
	}

	// Second resolve must be served from cache.
	if _, err := r.Resolve(ctx, "lh_live_abc123"); err != nil {
		t.Fatalf("cached Resolve() error = %v", err)
	}
	if provider.calls != 1 {
		t.Errorf("provider calls = %d, want 1", provider.calls)
	}

	// Emergency tier is populated too.
	em, err := cache.GetEmergency(ctx, HashAPIKey("lh_live_abc123"))
	if err != nil || em == nil {
		t.Fatalf("GetEmergency() = %v, %v, want credential", em, err)
	}
	if !em.Emergency {
		t.Error("emergency credential should be flagged")
	}
}

func TestResolver_UnknownKeyIsNegativeCached(t *testing.T) {
	ctx := context.Background()
	provider := &fakeProvider{err: ErrInvalidKey}
	r, _ := newTestResolver(t, provider)

	if _, err := r.Resolve(ctx, "lh_live_nope"); !errors.Is(err, ErrInvalidKey) {
		t.Fatalf("Resolve() error = %v, want ErrInvalidKey", err)
	}
	if _, err := r.Resolve(ctx, "lh_live_nope"); !errors.Is(err, ErrInvalidKey) {
		t.Fatalf("second Resolve() error = %v, want ErrInvalidKey", err)
	}
	if provider.calls != 1 {
		t.Errorf("provider calls = %d, want 1 (negative cache should absorb the second)", provider.calls)
	}
}

func TestResolver_EmergencyServedOnlyWhileOpen(t *testing.T) {
	ctx := context.Background()
	provider := &fakeProvider{cred: testCredential()}
	r, cache := newTestResolver(t, provider)

	// Warm the caches, then expire the primary tier so only emergency remains.
	if _, err := r.Resolve(ctx, "lh_live_abc123"); err != nil {
		t.Fatalf("warmup Resolve() error = %v", err)
	}
	hash := HashAPIKey("lh_live_abc123")
	if err := cache.redis.Del(ctx, primaryKey(hash)).Err(); err != nil {
		t.Fatal(err)
	}

	// Store starts failing. Breaker is still closed, so the emergency
	// tier must NOT be used; retries exhaust and we get ErrUnavailable.
	provider.err = errors.New("connection refused")
	if _, err := r.Resolve(ctx, "lh_live_abc123"); !errors.Is(err, ErrUnavailable) {
		t.Fatalf("Resolve() error = %v, want ErrUnavailable while breaker closed", err)
	}

	// Keep failing until the breaker opens, then the emergency entry serves.
	for i := 0; i < 5; i++ {
		r.Resolve(ctx, "lh_live_abc123")
		if r.breaker.Open() {
			break
		}
	}
	if !r.breaker.Open() {
		t.Fatal("breaker should be open after repeated store failures")
	}

	cred, err := r.Resolve(ctx, "lh_live_abc123")
	if err != nil {
		t.Fatalf("Resolve() with open breaker error = %v, want emergency hit", err)
	}
	if !cred.Emergency {
		t.Error("credential should be flagged as emergency")
	}
}

func TestResolver_OpenBreakerWithoutEmergencyEntry(t *testing.T) {
	ctx := context.Background()
	provider := &fakeProvider{err: errors.New("connection refused")}
	r, _ := newTestResolver(t, provider)

	for i := 0; i < 10 && !r.breaker.Open(); i++ {
		r.Resolve(ctx, "lh_live_cold")
	}
	if !r.breaker.Open() {
		t.Fatal("breaker should be open")
	}

	if _, err := r.Resolve(ctx, "lh_live_cold"); !errors.Is(err, ErrUnavailable) {
		t.Errorf("Resolve() error = %v, want ErrUnavailable", err)
	}
}

func TestHashAPIKey(t *testing.T) {
	h1 := HashAPIKey("lh_live_abc123")
	h2 := HashAPIKey("lh_live_abc123")
	h3 := HashAPIKey("lh_live_other")

	if h1 != h2 {
		t.Error("hash should be deterministic")
	}
	if h1 == h3 {
		t.Error("different keys should hash differently")
	}
	if len(h1) != 64 {
		t.Errorf("hash length = %d, want 64 hex chars", len(h1))
	}
}
