package breaker

import (
	"log/slog"
	"time"

	"github.com/sony/gobreaker"
)

// Settings configures trip behavior for a single protected dependency.
type Settings struct {
	// FailureThreshold trips the breaker after this many consecutive failures.
	FailureThreshold int
	// WindowRequests is the minimum number of requests before the error
	// rate condition is considered.
	WindowRequests int
	// ErrorRate trips the breaker when the failure ratio meets or exceeds
	// this value over at least WindowRequests requests.
	ErrorRate float64
	// CoolOff is how long the breaker stays open before probing.
	CoolOff time.Duration
}

// Breaker wraps a gobreaker.CircuitBreaker for one downstream dependency.
// While open, calls fail fast without touching the dependency; after the
// cool-off a single probe request is allowed through.
type Breaker struct {
	cb *gobreaker.CircuitBreaker
}

// New creates a named breaker. State transitions are logged.
func New(name string, s Settings, logger *slog.Logger) *Breaker {
	cb := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        name,
		MaxRequests: 1,
		Interval:    0, // counts reset only on state change
		Timeout:     s.CoolOff,
		ReadyToTrip: func(c gobreaker.Counts) bool {
			if c.ConsecutiveFailures >= uint32(s.FailureThreshold) {
				return true
			}
			if c.Requests >= uint32(s.WindowRequests) {
				rate := float64(c.TotalFailures) / float64(c.Requests)
				return rate >= s.ErrorRate
			}
			return false
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			logger.Warn("circuit breaker state change",
				"breaker", name,
				"from", from.String(),
				"to", to.String(),
			)
		},
	})
	return &Breaker{cb: cb}
}

// Execute runs fn through the breaker. When the breaker is open it returns
// gobreaker.ErrOpenState without calling fn.
func (b *Breaker) Execute(fn func() (any, error)) (any, error) {
	return b.cb.Execute(fn)
}

// State returns the current breaker state.
func (b *Breaker) State() gobreaker.State {
	return b.cb.State()
}

// Open reports whether the breaker is currently refusing requests.
func (b *Breaker) Open() bool {
	return b.cb.State() == gobreaker.StateOpen
}

// IsOpenErr reports whether err came from the breaker itself rather than
// from the protected call.
func IsOpenErr(err error) bool {
	return err == gobreaker.ErrOpenState || err == gobreaker.ErrTooManyRequests
}
