package analytics

import (
	"context"
	"errors"
	"log/slog"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

func newTestCache(t *testing.T) (*Cache, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	return NewCache(redis.NewClient(&redis.Options{Addr: mr.Addr()})), mr
}

func TestCache_ErrorRateRoundTrip(t *testing.T) {
	cache, _ := newTestCache(t)
	ctx := context.Background()
	project := uuid.New()

	points := []ErrorRatePoint{
		{Timestamp: time.Date(2026, 8, 25, 12, 0, 0, 0, time.UTC), ErrorCount: 4, CriticalCount: 1},
		{Timestamp: time.Date(2026, 8, 25, 12, 5, 0, 0, time.UTC), ErrorCount: 2},
	}
	if err := cache.PutErrorRate(ctx, project, points, time.Minute); err != nil {
		t.Fatalf("PutErrorRate() error = %v", err)
	}

	got, err := cache.ErrorRate(ctx, project)
	if err != nil {
		t.Fatalf("ErrorRate() error = %v", err)
	}
	if len(got) != 2 || got[0].ErrorCount != 4 || got[0].CriticalCount != 1 {
		t.Errorf("ErrorRate() = %+v", got)
	}
	if !got[1].Timestamp.Equal(points[1].Timestamp) {
		t.Errorf("timestamp = %v, want %v", got[1].Timestamp, points[1].Timestamp)
	}
}

func TestCache_MissReturnsNil(t *testing.T) {
	cache, _ := newTestCache(t)

	got, err := cache.TopErrors(context.Background(), uuid.New())
	if err != nil {
		t.Fatalf("TopErrors() on empty cache: %v", err)
	}
	if got != nil {
		t.Errorf("TopErrors() = %+v, want nil on miss", got)
	}
}

func TestCache_EmptySeriesIsNotAMiss(t *testing.T) {
	cache, _ := newTestCache(t)
	ctx := context.Background()
	project := uuid.New()

	// A project with no errors caches an empty series, which readers must
	// distinguish from "job has not run yet".
	if err := cache.PutErrorRate(ctx, project, []ErrorRatePoint{}, time.Minute); err != nil {
		t.Fatal(err)
	}
	got, err := cache.ErrorRate(ctx, project)
	if err != nil {
		t.Fatal(err)
	}
	if got == nil || len(got) != 0 {
		t.Errorf("ErrorRate() = %v, want empty non-nil series", got)
	}
}

func TestCache_ProjectIsolation(t *testing.T) {
	cache, _ := newTestCache(t)
	ctx := context.Background()
	a, b := uuid.New(), uuid.New()

	if err := cache.PutUsageStats(ctx, a, []UsageDay{{Date: "2026-08-25", LogCount: 10}}, time.Minute); err != nil {
		t.Fatal(err)
	}

	got, err := cache.UsageStats(ctx, b)
	if err != nil {
		t.Fatal(err)
	}
	if got != nil {
		t.Errorf("project b sees project a's usage: %+v", got)
	}
}

func TestCache_PayloadsExpire(t *testing.T) {
	cache, mr := newTestCache(t)
	ctx := context.Background()
	project := uuid.New()

	if err := cache.PutTopErrors(ctx, project, []TopError{{Fingerprint: "fp"}}, 10*time.Second); err != nil {
		t.Fatal(err)
	}
	mr.FastForward(11 * time.Second)

	got, err := cache.TopErrors(ctx, project)
	if err != nil {
		t.Fatal(err)
	}
	if got != nil {
		t.Errorf("TopErrors() after TTL = %+v, want nil", got)
	}
}

func TestScheduler_RunsJobImmediatelyAndOnTicks(t *testing.T) {
	s := NewScheduler(slog.Default())

	var runs atomic.Int32
	s.Add("counter", 20*time.Millisecond, func(context.Context) error {
		runs.Add(1)
		return nil
	})

	ctx, cancel := context.WithTimeout(context.Background(), 110*time.Millisecond)
	defer cancel()
	if err := s.Run(ctx); err != nil {
		t.Fatalf("Run() error = %v", err)
	}

	if n := runs.Load(); n < 3 {
		t.Errorf("job ran %d times, want at least 3 (startup plus ticks)", n)
	}
}

func TestScheduler_RunDeadlineIsHalfCadence(t *testing.T) {
	s := NewScheduler(slog.Default())

	var sawDeadline atomic.Bool
	s.Add("slow", 100*time.Millisecond, func(ctx context.Context) error {
		select {
		case <-ctx.Done():
			sawDeadline.Store(true)
			return ctx.Err()
		case <-time.After(time.Second):
			return errors.New("ran past its deadline")
		}
	})

	ctx, cancel := context.WithTimeout(context.Background(), 80*time.Millisecond)
	defer cancel()
	s.Run(ctx)

	if !sawDeadline.Load() {
		t.Error("slow job was not cancelled at half its cadence")
	}
}

func TestScheduler_FailingJobDoesNotStopOthers(t *testing.T) {
	s := NewScheduler(slog.Default())

	var healthy atomic.Int32
	s.Add("broken", 20*time.Millisecond, func(context.Context) error {
		return errors.New("store down")
	})
	s.Add("healthy", 20*time.Millisecond, func(context.Context) error {
		healthy.Add(1)
		return nil
	})

	ctx, cancel := context.WithTimeout(context.Background(), 70*time.Millisecond)
	defer cancel()
	s.Run(ctx)

	if healthy.Load() < 2 {
		t.Errorf("healthy job ran %d times alongside a failing one", healthy.Load())
	}
}
