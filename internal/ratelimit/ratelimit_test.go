package ratelimit

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/specnet-ai/specviz/internal/model"
)

// errLimiter always fails. Middleware must treat it as fail-open.
type errLimiter struct{}

func (errLimiter) Allow(context.Context, string) (bool, error) {
	return false, errors.New("limiter backend down")
}

func (errLimiter) Close() error { return nil }

func okHandler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusAccepted)
	})
}

func doRequest(t *testing.T, h http.Handler, remoteAddr string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodPost, "/v1/inference", nil)
	req.RemoteAddr = remoteAddr
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func TestMiddlewareAllowsWithinBurst(t *testing.T) {
	m := NewMemoryLimiter(1, 3)
	defer closeLimiter(t, m)

	h := Middleware(m, IPKeyFunc, nil)(okHandler())
	for i := 0; i < 3; i++ {
		rec := doRequest(t, h, "203.0.113.7:51000")
		if rec.Code != http.StatusAccepted {
			t.Fatalf("request %d: got status %d, want %d", i, rec.Code, http.StatusAccepted)
		}
	}
}

func TestMiddlewareRejectsWhenExhausted(t *testing.T) {
	m := NewMemoryLimiter(0.001, 1) // effectively no refill within the test
	defer closeLimiter(t, m)

	reqID := func(*http.Request) string { return "req-42" }
	h := Middleware(m, IPKeyFunc, reqID)(okHandler())

	if rec := doRequest(t, h, "203.0.113.7:51000"); rec.Code != http.StatusAccepted {
		t.Fatalf("first request: got status %d, want %d", rec.Code, http.StatusAccepted)
	}

	rec := doRequest(t, h, "203.0.113.7:51001")
	if rec.Code != http.StatusTooManyRequests {
		t.Fatalf("second request: got status %d, want %d", rec.Code, http.StatusTooManyRequests)
	}
	if got := rec.Header().Get("Retry-After"); got != "1" {
		t.Fatalf("Retry-After = %q, want %q", got, "1")
	}
	if ct := rec.Header().Get("Content-Type"); ct != "application/json" {
		t.Fatalf("Content-Type = %q, want application/json", ct)
	}

	var envelope model.APIError
	if err := json.Unmarshal(rec.Body.Bytes(), &envelope); err != nil {
		t.Fatalf("decode error body: %v", err)
	}
	if envelope.Error.Code != model.ErrCodeRateLimited {
		t.Fatalf("error code = %q, want %q", envelope.Error.Code, model.ErrCodeRateLimited)
	}
	if envelope.Error.Message == "" {
		t.Fatal("error message should not be empty")
	}
	if envelope.Meta.RequestID != "req-42" {
		t.Fatalf("request id = %q, want %q", envelope.Meta.RequestID, "req-42")
	}
	if envelope.Meta.Timestamp.IsZero() {
		t.Fatal("timestamp should be set")
	}
}

func TestMiddlewareKeysAreIndependent(t *testing.T) {
	m := NewMemoryLimiter(0.001, 1)
	defer closeLimiter(t, m)

	h := Middleware(m, IPKeyFunc, nil)(okHandler())

	if rec := doRequest(t, h, "203.0.113.7:51000"); rec.Code != http.StatusAccepted {
		t.Fatalf("first client: got status %d, want %d", rec.Code, http.StatusAccepted)
	}
	if rec := doRequest(t, h, "203.0.113.7:51001"); rec.Code != http.StatusTooManyRequests {
		t.Fatalf("first client again: got status %d, want %d", rec.Code, http.StatusTooManyRequests)
	}

	// A different client IP carries its own bucket.
	if rec := doRequest(t, h, "198.51.100.2:40000"); rec.Code != http.StatusAccepted {
		t.Fatalf("second client: got status %d, want %d", rec.Code, http.StatusAccepted)
	}
}

func TestMiddlewareNilLimiterPassesThrough(t *testing.T) {
	h := Middleware(nil, IPKeyFunc, nil)(okHandler())
	for i := 0; i < 20; i++ {
		if rec := doRequest(t, h, "203.0.113.7:51000"); rec.Code != http.StatusAccepted {
			t.Fatalf("request %d: got status %d, want %d", i, rec.Code, http.StatusAccepted)
		}
	}
}

func TestMiddlewareEmptyKeyPassesThrough(t *testing.T) {
	m := NewMemoryLimiter(0.001, 1)
	defer closeLimiter(t, m)

	skipAll := func(*http.Request) string { return "" }
	h := Middleware(m, skipAll, nil)(okHandler())
	for i := 0; i < 20; i++ {
		if rec := doRequest(t, h, "203.0.113.7:51000"); rec.Code != http.StatusAccepted {
			t.Fatalf("request %d: got status %d, want %d", i, rec.Code, http.StatusAccepted)
		}
	}
}

func TestMiddlewareFailsOpenOnLimiterError(t *testing.T) {
	h := Middleware(errLimiter{}, IPKeyFunc, nil)(okHandler())
	if rec := doRequest(t, h, "203.0.113.7:51000"); rec.Code != http.StatusAccepted {
		t.Fatalf("got status %d, want %d (broken limiter must not block traffic)", rec.Code, http.StatusAccepted)
	}
}

func TestIPKeyFunc(t *testing.T) {
	tests := []struct {
		remoteAddr string
		want       string
	}{
		{"203.0.113.7:51000", "203.0.113.7"},
		{"[::1]:8080", "[::1]"},
		{"203.0.113.7", "203.0.113.7"},
	}
	for _, tt := range tests {
		req := httptest.NewRequest(http.MethodGet, "/", nil)
		req.RemoteAddr = tt.remoteAddr
		if got := IPKeyFunc(req); got != tt.want {
			t.Errorf("IPKeyFunc(%q) = %q, want %q", tt.remoteAddr, got, tt.want)
		}
	}
}

func TestIPKeyFuncIgnoresForwardedFor(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.RemoteAddr = "203.0.113.7:51000"
	req.Header.Set("X-Forwarded-For", "198.51.100.99")
	if got := IPKeyFunc(req); got != "203.0.113.7" {
		t.Fatalf("IPKeyFunc = %q, want RemoteAddr host (spoofable headers must not pick the key)", got)
	}
}
