package middleware_test

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/collabmesh/relay/internal/server/middleware"
	"github.com/collabmesh/relay/pkg/config"
	"github.com/collabmesh/relay/pkg/logging"
)

func newRequest(remoteAddr string) *http.Request {
	r := httptest.NewRequest(http.MethodGet, "/", nil)
	r.RemoteAddr = remoteAddr
	return r
}

func TestConnectionLimiterAllowsUnderLimit(t *testing.T) {
	called := false
	cfg := config.ConnectionLimitConfig{MaxPerIP: 2, Mode: "reject"}
	handler := middleware.Chain(
		http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) { called = true }),
		middleware.RequestMetadataMiddleware(),
		middleware.NewConnectionLimiter(logging.Discard(), func(string) int { return 1 }, func(string) {}, cfg),
	)

	w := httptest.NewRecorder()
	handler.ServeHTTP(w, newRequest("203.0.113.5:1234"))
	if !called {
		t.Fatal("expected the handler to run when under the per-IP limit")
	}
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}
}

func TestConnectionLimiterRejectsAtLimit(t *testing.T) {
	called := false
	cfg := config.ConnectionLimitConfig{MaxPerIP: 2, Mode: "reject"}
	handler := middleware.Chain(
		http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) { called = true }),
		middleware.RequestMetadataMiddleware(),
		middleware.NewConnectionLimiter(logging.Discard(), func(string) int { return 2 }, func(string) {}, cfg),
	)

	w := httptest.NewRecorder()
	handler.ServeHTTP(w, newRequest("203.0.113.5:1234"))
	if called {
		t.Fatal("expected the handler not to run once the per-IP limit is reached in reject mode")
	}
	if w.Code != http.StatusTooManyRequests {
		t.Fatalf("expected 429, got %d", w.Code)
	}
}

func TestConnectionLimiterCyclesAtLimit(t *testing.T) {
	called := false
	cycled := ""
	cfg := config.ConnectionLimitConfig{MaxPerIP: 2, Mode: "cycle"}
	handler := middleware.Chain(
		http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) { called = true }),
		middleware.RequestMetadataMiddleware(),
		middleware.NewConnectionLimiter(logging.Discard(), func(string) int { return 2 }, func(ip string) { cycled = ip }, cfg),
	)

	w := httptest.NewRecorder()
	handler.ServeHTTP(w, newRequest("203.0.113.5:1234"))
	if !called {
		t.Fatal("expected cycle mode to close the oldest connection and still admit the new one")
	}
	if cycled != "203.0.113.5" {
		t.Fatalf("expected the cycler to be invoked with the saturated IP, got %q", cycled)
	}
}

func TestConnectionLimiterDisabledWhenMaxPerIPUnset(t *testing.T) {
	called := false
	cfg := config.ConnectionLimitConfig{}
	handler := middleware.Chain(
		http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) { called = true }),
		middleware.RequestMetadataMiddleware(),
		middleware.NewConnectionLimiter(logging.Discard(), func(string) int { return 1000 }, func(string) {}, cfg),
	)

	w := httptest.NewRecorder()
	handler.ServeHTTP(w, newRequest("203.0.113.5:1234"))
	if !called {
		t.Fatal("expected a zero MaxPerIP to disable the limiter entirely")
	}
}
