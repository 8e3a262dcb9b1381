package auth

import (
	"context"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
)

func okHandler(t *testing.T) http.Handler {
	t.Helper()
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if FromContext(r.Context()) == nil {
			t.Error("credential missing from context")
		}
		w.WriteHeader(http.StatusOK)
	})
}

func TestMiddleware_AcceptsBothHeaders(t *testing.T) {
	provider := &fakeProvider{cred: testCredential()}
	resolver, _ := newTestResolver(t, provider)
	handler := Middleware(resolver, slog.Default())(okHandler(t))

	tests := []struct {
		name   string
		header string
		value  string
		want   int
	}{
		{"bearer", "Authorization", "Bearer lh_live_abc123", http.StatusOK},
		{"x-api-key", "X-API-Key", "lh_live_abc123", http.StatusOK},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := httptest.NewRequest(http.MethodGet, "/", nil)
			r.Header.Set(tt.header, tt.value)
			w := httptest.NewRecorder()

			handler.ServeHTTP(w, r)
			if w.Code != tt.want {
				t.Errorf("status = %d, want %d", w.Code, tt.want)
			}
		})
	}
}

func TestMiddleware_RejectsMissingAndInvalidKeys(t *testing.T) {
	provider := &fakeProvider{err: ErrInvalidKey}
	resolver, _ := newTestResolver(t, provider)
	handler := Middleware(resolver, slog.Default())(okHandler(t))

	t.Run("missing key", func(t *testing.T) {
		r := httptest.NewRequest(http.MethodGet, "/", nil)
		w := httptest.NewRecorder()
		handler.ServeHTTP(w, r)
		if w.Code != http.StatusUnauthorized {
			t.Errorf("status = %d, want 401", w.Code)
		}
	})

	t.Run("invalid key", func(t *testing.T) {
		r := httptest.NewRequest(http.MethodGet, "/", nil)
		r.Header.Set("X-API-Key", "lh_live_bogus")
		w := httptest.NewRecorder()
		handler.ServeHTTP(w, r)
		if w.Code != http.StatusUnauthorized {
			t.Errorf("status = %d, want 401", w.Code)
		}
	})
}

func TestRateLimitMiddleware_HeadersAndRejection(t *testing.T) {
	limiter := NewRateLimiter(newTestRedis(t))
	cred := testCredential()
	cred.RateLimitPerMinute = 2
	cred.RateLimitPerHour = 100

	inner := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	handler := RateLimitMiddleware(limiter, slog.Default())(inner)

	do := func() *httptest.ResponseRecorder {
		r := httptest.NewRequest(http.MethodPost, "/", nil)
		r = r.WithContext(NewContext(context.Background(), cred))
		w := httptest.NewRecorder()
		handler.ServeHTTP(w, r)
		return w
	}

	w := do()
	if w.Code != http.StatusOK {
		t.Fatalf("first request status = %d, want 200", w.Code)
	}
	if w.Header().Get("X-RateLimit-Limit-Minute") != "2" {
		t.Errorf("X-RateLimit-Limit-Minute = %q, want 2", w.Header().Get("X-RateLimit-Limit-Minute"))
	}
	if w.Header().Get("X-RateLimit-Remaining-Minute") != "1" {
		t.Errorf("X-RateLimit-Remaining-Minute = %q, want 1", w.Header().Get("X-RateLimit-Remaining-Minute"))
	}

	do()
	w = do()
	if w.Code != http.StatusTooManyRequests {
		t.Fatalf("third request status = %d, want 429", w.Code)
	}
	if w.Header().Get("Retry-After") == "" {
		t.Error("429 response should carry Retry-After")
	}
	if w.Header().Get("X-RateLimit-Reset") == "" {
		t.Error("429 response should carry X-RateLimit-Reset")
	}
}

func TestExtractKey(t *testing.T) {
	tests := []struct {
		name   string
		setup  func(*http.Request)
		want   string
	}{
		{
			name:  "bearer wins over x-api-key",
			setup: func(r *http.Request) {
				r.Header.Set("Authorization", "Bearer key-a")
				r.Header.Set("X-API-Key", "key-b")
			},
			want: "key-a",
		},
		{
			name:  "x-api-key alone",
			setup: func(r *http.Request) { r.Header.Set("X-API-Key", "key-b") },
			want:  "key-b",
		},
		{
			name:  "non-bearer authorization ignored",
			setup: func(r *http.Request) { r.Header.Set("Authorization", "Basic Zm9v") },
			want:  "",
		},
		{
			name:  "nothing",
			setup: func(r *http.Request) {},
			want:  "",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := httptest.NewRequest(http.MethodGet, "/", nil)
			tt.setup(r)
			if got := extractKey(r); got != tt.want {
				t.Errorf("extractKey() = %q, want %q", got, tt.want)
			}
		})
	}
}
