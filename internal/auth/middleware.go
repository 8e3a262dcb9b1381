package auth

import (
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"strings"

	"github.com/loghive/loghive/internal/httpserver"
	"github.com/loghive/loghive/internal/telemetry"
)

// Middleware authenticates the caller via API key and stores the resolved
// credential in the request context.
//
// The key is read from either header, in order:
//  1. Authorization: Bearer <raw-key>
//  2. X-API-Key: <raw-key>
//
// Unknown keys get 401; an unreachable identity store with no emergency
// entry gets 503.
func Middleware(resolver *Resolver, logger *slog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			rawKey := extractKey(r)
			if rawKey == "" {
				httpserver.RespondError(w, http.StatusUnauthorized, "missing API key")
				return
			}

			cred, err := resolver.Resolve(r.Context(), rawKey)
			switch {
			case errors.Is(err, ErrInvalidKey):
				httpserver.RespondError(w, http.StatusUnauthorized, "invalid API key")
				return
			case errors.Is(err, ErrUnavailable):
				logger.Error("credential resolution unavailable", "error", err)
				w.Header().Set("Retry-After", "30")
				httpserver.RespondError(w, http.StatusServiceUnavailable, "authentication temporarily unavailable")
				return
			case err != nil:
				logger.Error("credential resolution failed", "error", err)
				httpserver.RespondError(w, http.StatusInternalServerError, "internal error")
				return
			}

			next.ServeHTTP(w, r.WithContext(NewContext(r.Context(), cred)))
		})
	}
}

// RateLimitMiddleware counts one request per project against the minute and
// hour windows. Limits come from the resolved credential. Responses carry
// the standard rate limit headers; rejected requests get 429.
func RateLimitMiddleware(limiter *RateLimiter, logger *slog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			cred := FromContext(r.Context())
			if cred == nil {
				httpserver.RespondError(w, http.StatusUnauthorized, "missing API key")
				return
			}

			res, err := limiter.Allow(r.Context(), cred.ProjectID, cred.RateLimitPerMinute, cred.RateLimitPerHour)
			if err != nil {
				// Redis trouble must not take ingestion down with it.
				logger.Warn("rate limit check failed, allowing request", "error", err)
				next.ServeHTTP(w, r)
				return
			}

			h := w.Header()
			h.Set("X-RateLimit-Limit-Minute", strconv.Itoa(cred.RateLimitPerMinute))
			h.Set("X-RateLimit-Remaining-Minute", strconv.FormatInt(res.MinuteRemaining, 10))
			h.Set("X-RateLimit-Limit-Hour", strconv.Itoa(cred.RateLimitPerHour))
			h.Set("X-RateLimit-Remaining-Hour", strconv.FormatInt(res.HourRemaining, 10))
			h.Set("X-RateLimit-Reset", strconv.FormatInt(res.Reset.Unix(), 10))

			if !res.Allowed {
				telemetry.RateLimitedTotal.WithLabelValues(res.Window).Inc()
				h.Set("Retry-After", strconv.Itoa(int(res.RetryAfter.Seconds())+1))
				httpserver.RespondError(w, http.StatusTooManyRequests,
					"rate limit exceeded for "+res.Window+" window")
				return
			}

			next.ServeHTTP(w, r)
		})
	}
}

func extractKey(r *http.Request) string {
	if h := r.Header.Get("Authorization"); h != "" {
		if strings.HasPrefix(h, "Bearer ") || strings.HasPrefix(h, "bearer ") {
			return strings.TrimSpace(h[len("Bearer "):])
		}
	}
	return strings.TrimSpace(r.Header.Get("X-API-Key"))
}
