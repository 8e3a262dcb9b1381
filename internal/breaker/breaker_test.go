package breaker

import (
	"errors"
	"log/slog"
	"testing"
	"time"

	"github.com/sony/gobreaker"
)

var errBoom = errors.New("boom")

func newTestBreaker(t *testing.T) *Breaker {
	t.Helper()
	return New("test", Settings{
		FailureThreshold: 3,
		WindowRequests:   10,
		ErrorRate:        0.5,
		CoolOff:          50 * time.Millisecond,
	}, slog.Default())
}

func TestBreaker_TripsOnConsecutiveFailures(t *testing.T) {
	b := newTestBreaker(t)

	for i := 0; i < 3; i++ {
		_, err := b.Execute(func() (any, error) { return nil, errBoom })
		if !errors.Is(err, errBoom) {
			t.Fatalf("call %d: err = %v, want %v", i, err, errBoom)
		}
	}

	if b.State() != gobreaker.StateOpen {
		t.Fatalf("state = %v, want open", b.State())
	}

	_, err := b.Execute(func() (any, error) { return nil, nil })
	if !IsOpenErr(err) {
		t.Errorf("open breaker should fail fast, got %v", err)
	}
}

func TestBreaker_SuccessResetsConsecutiveCount(t *testing.T) {
	b := newTestBreaker(t)

	for i := 0; i < 2; i++ {
		b.Execute(func() (any, error) { return nil, errBoom })
	}
	b.Execute(func() (any, error) { return "ok", nil })
	for i := 0; i < 2; i++ {
		b.Execute(func() (any, error) { return nil, errBoom })
	}

	if b.State() != gobreaker.StateClosed {
		t.Errorf("state = %v, want closed after interleaved successes", b.State())
	}
}

func TestBreaker_HalfOpenProbeRecovers(t *testing.T) {
	b := newTestBreaker(t)

	for i := 0; i < 3; i++ {
		b.Execute(func() (any, error) { return nil, errBoom })
	}
	if !b.Open() {
		t.Fatal("breaker should be open")
	}

	time.Sleep(60 * time.Millisecond)

	v, err := b.Execute(func() (any, error) { return "recovered", nil })
	if err != nil {
		t.Fatalf("probe call failed: %v", err)
	}
	if v != "recovered" {
		t.Errorf("probe result = %v, want recovered", v)
	}
	if b.State() != gobreaker.StateClosed {
		t.Errorf("state = %v, want closed after successful probe", b.State())
	}
}

func TestBreaker_HalfOpenProbeFailureReopens(t *testing.T) {
	b := newTestBreaker(t)

	for i := 0; i < 3; i++ {
		b.Execute(func() (any, error) { return nil, errBoom })
	}

	time.Sleep(60 * time.Millisecond)

	_, err := b.Execute(func() (any, error) { return nil, errBoom })
	if !errors.Is(err, errBoom) {
		t.Fatalf("probe err = %v, want %v", err, errBoom)
	}
	if b.State() != gobreaker.StateOpen {
		t.Errorf("state = %v, want open after failed probe", b.State())
	}
}

func TestIsOpenErr(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want bool
	}{
		{"open state", gobreaker.ErrOpenState, true},
		{"too many requests", gobreaker.ErrTooManyRequests, true},
		{"domain error", errBoom, false},
		{"nil", nil, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := IsOpenErr(tt.err); got != tt.want {
				t.Errorf("IsOpenErr(%v) = %v, want %v", tt.err, got, tt.want)
			}
		})
	}
}
