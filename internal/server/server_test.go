package server

import (
	"bytes"
	"encoding/json"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"clipgate/internal/api"
	"clipgate/internal/auth"
	"clipgate/internal/gateway"
	"clipgate/internal/observability/metrics"
	"clipgate/internal/testsupport/upstreamstub"
	"clipgate/internal/token"
)

func newTestHandler(t *testing.T) *api.Handler {
	t.Helper()

	stub := upstreamstub.Start(upstreamstub.Options{
		LoginEmail:    "tester@example.com",
		LoginPassword: "supersecret",
		LoginToken:    "upstream-credential",
		UserID:        "user-1",
		UserEmail:     "tester@example.com",
	})
	t.Cleanup(stub.Close)

	forwarder, err := gateway.New(gateway.Config{
		BaseURL: stub.BaseURL(),
		Metrics: metrics.New(),
	})
	if err != nil {
		t.Fatalf("gateway.New: %v", err)
	}

	sessions := auth.NewSessionManager(time.Hour)
	store := token.NewMemoryStore()
	handler := api.NewHandler(sessions, token.NewIssuer(store), token.NewRegistry(store), forwarder)
	handler.Metrics = metrics.New()
	return handler
}

func decodeError(t *testing.T, rec *httptest.ResponseRecorder) string {
	t.Helper()
	var payload map[string]string
	if err := json.Unmarshal(rec.Body.Bytes(), &payload); err != nil {
		t.Fatalf("decode response: %v (%s)", err, rec.Body.String())
	}
	return payload["error"]
}

func TestNewReturnsErrorWhenHandlerNil(t *testing.T) {
	t.Parallel()

	srv, err := New(nil, Config{})
	if err == nil {
		t.Fatalf("expected error when handler is nil, got server: %#v", srv)
	}
}

func TestAuthMiddlewareAcceptsCookie(t *testing.T) {
	handler := newTestHandler(t)
	sessionToken, _, err := handler.Sessions.Create("user-1", "tester@example.com", "upstream-credential")
	if err != nil {
		t.Fatalf("Create session: %v", err)
	}

	nextCalled := false
	next := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		nextCalled = true
		caller, ok := api.CallerFromContext(r.Context())
		if !ok {
			t.Fatal("expected caller in context")
		}
		if caller.Principal.Identity.ID != "user-1" {
			t.Fatalf("expected user-1, got %s", caller.Principal.Identity.ID)
		}
		if caller.ViaToken {
			t.Fatal("cookie session resolved as token caller")
		}
	})

	req := httptest.NewRequest(http.MethodGet, "/api/videos", nil)
	req.AddCookie(&http.Cookie{Name: api.SessionCookieName, Value: sessionToken})
	rec := httptest.NewRecorder()

	authMiddleware(handler, next).ServeHTTP(rec, req)

	if !nextCalled {
		t.Fatal("expected middleware to call next handler")
	}
	if rec.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d", rec.Code)
	}
}

func TestAuthMiddlewareRejectsMissingSession(t *testing.T) {
	handler := newTestHandler(t)
	next := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		t.Fatal("unexpected call to next handler")
	})

	req := httptest.NewRequest(http.MethodGet, "/api/videos", nil)
	rec := httptest.NewRecorder()

	authMiddleware(handler, next).ServeHTTP(rec, req)

	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected status 401, got %d", rec.Code)
	}
	if got := decodeError(t, rec); got != "Unauthorized" {
		t.Fatalf("unexpected error body: %q", got)
	}
}

func TestAuthMiddlewareRejectsInvalidSession(t *testing.T) {
	handler := newTestHandler(t)
	next := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		t.Fatal("unexpected call to next handler")
	})

	req := httptest.NewRequest(http.MethodGet, "/api/videos", nil)
	req.AddCookie(&http.Cookie{Name: api.SessionCookieName, Value: "not-a-session"})
	rec := httptest.NewRecorder()

	authMiddleware(handler, next).ServeHTTP(rec, req)

	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected status 401, got %d", rec.Code)
	}
	if got := decodeError(t, rec); got != "Unauthorized" {
		t.Fatalf("unexpected error body: %q", got)
	}
}

func TestAuthMiddlewareRejectsInvalidBearer(t *testing.T) {
	handler := newTestHandler(t)
	next := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		t.Fatal("unexpected call to next handler")
	})

	req := httptest.NewRequest(http.MethodGet, "/api/videos", nil)
	req.Header.Set("Authorization", "Bearer deadbeef")
	rec := httptest.NewRecorder()

	authMiddleware(handler, next).ServeHTTP(rec, req)

	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected status 401, got %d", rec.Code)
	}
	if got := decodeError(t, rec); got != "Unauthorized" {
		t.Fatalf("unexpected error body: %q", got)
	}
}

func TestAuthMiddlewareSkipsPublicPaths(t *testing.T) {
	handler := newTestHandler(t)

	for _, path := range []string{"/healthz", "/metrics", "/api/auth/login"} {
		nextCalled := false
		next := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			nextCalled = true
			if _, ok := api.CallerFromContext(r.Context()); ok {
				t.Fatalf("unexpected caller on public path %s", path)
			}
		})

		req := httptest.NewRequest(http.MethodPost, path, nil)
		rec := httptest.NewRecorder()
		authMiddleware(handler, next).ServeHTTP(rec, req)

		if !nextCalled {
			t.Fatalf("expected %s to bypass authentication", path)
		}
	}
}

func TestAuditMiddlewareAttributesCaller(t *testing.T) {
	handler := newTestHandler(t)
	sessionToken, _, err := handler.Sessions.Create("user-1", "tester@example.com", "upstream-credential")
	if err != nil {
		t.Fatalf("Create session: %v", err)
	}

	var buf bytes.Buffer
	auditLogger := slog.New(slog.NewJSONHandler(&buf, nil))

	next := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	})

	// Audit wraps the mux inside auth, so it observes the request that
	// carries the resolved caller.
	chain := authMiddleware(handler, auditMiddleware(auditLogger, next))

	req := httptest.NewRequest(http.MethodDelete, "/api/tokens/tok-1", nil)
	req.AddCookie(&http.Cookie{Name: api.SessionCookieName, Value: sessionToken})
	rec := httptest.NewRecorder()
	chain.ServeHTTP(rec, req)

	if rec.Code != http.StatusNoContent {
		t.Fatalf("expected status 204, got %d", rec.Code)
	}
	var entry map[string]any
	if err := json.Unmarshal(buf.Bytes(), &entry); err != nil {
		t.Fatalf("decode audit entry: %v (%s)", err, buf.String())
	}
	if got, ok := entry["user_id"].(string); !ok || got != "user-1" {
		t.Fatalf("expected audit entry to carry user_id user-1, got %v", entry["user_id"])
	}
	if via, ok := entry["via_token"].(bool); !ok || via {
		t.Fatalf("expected via_token false for session caller, got %v", entry["via_token"])
	}
	if got, ok := entry["status"].(float64); !ok || int(got) != http.StatusNoContent {
		t.Fatalf("expected audited status 204, got %v", entry["status"])
	}
}

func TestRateLimitMiddlewareThrottlesLogins(t *testing.T) {
	rl := newRateLimiter(RateLimitConfig{LoginLimit: 2, LoginWindow: time.Minute})
	next := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	middleware := rateLimitMiddleware(rl, nil, next)

	attempt := func(remoteAddr string) *httptest.ResponseRecorder {
		req := httptest.NewRequest(http.MethodPost, "/api/auth/login", nil)
		req.RemoteAddr = remoteAddr
		rec := httptest.NewRecorder()
		middleware.ServeHTTP(rec, req)
		return rec
	}

	for i := 0; i < 2; i++ {
		if rec := attempt("198.51.100.7:4242"); rec.Code != http.StatusOK {
			t.Fatalf("attempt %d: expected status 200, got %d", i+1, rec.Code)
		}
	}
	rec := attempt("198.51.100.7:4242")
	if rec.Code != http.StatusTooManyRequests {
		t.Fatalf("expected status 429, got %d", rec.Code)
	}
	if rec.Header().Get("Retry-After") == "" {
		t.Fatal("expected Retry-After header")
	}

	// A different client address gets its own budget.
	if rec := attempt("203.0.113.9:4242"); rec.Code != http.StatusOK {
		t.Fatalf("expected other client to pass, got %d", rec.Code)
	}

	// Non-login traffic is unaffected.
	req := httptest.NewRequest(http.MethodGet, "/api/videos", nil)
	req.RemoteAddr = "198.51.100.7:4242"
	other := httptest.NewRecorder()
	middleware.ServeHTTP(other, req)
	if other.Code != http.StatusOK {
		t.Fatalf("expected non-login request to pass, got %d", other.Code)
	}
}

func TestRateLimitMiddlewareGlobalBudget(t *testing.T) {
	rl := newRateLimiter(RateLimitConfig{GlobalRPS: 0.001, GlobalBurst: 1})
	next := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	middleware := rateLimitMiddleware(rl, nil, next)

	first := httptest.NewRecorder()
	middleware.ServeHTTP(first, httptest.NewRequest(http.MethodGet, "/api/videos", nil))
	if first.Code != http.StatusOK {
		t.Fatalf("expected first request to pass, got %d", first.Code)
	}

	second := httptest.NewRecorder()
	middleware.ServeHTTP(second, httptest.NewRequest(http.MethodGet, "/api/videos", nil))
	if second.Code != http.StatusTooManyRequests {
		t.Fatalf("expected second request throttled, got %d", second.Code)
	}
}

func TestRequestIDMiddleware(t *testing.T) {
	next := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})

	generated := requestIDMiddlewareWithGenerator(nil, func() string { return "generated-id" }, next)
	rec := httptest.NewRecorder()
	generated.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/videos", nil))
	if got := rec.Header().Get("X-Request-Id"); got != "generated-id" {
		t.Fatalf("expected generated id, got %q", got)
	}

	req := httptest.NewRequest(http.MethodGet, "/api/videos", nil)
	req.Header.Set("X-Request-Id", "inbound-id")
	rec = httptest.NewRecorder()
	generated.ServeHTTP(rec, req)
	if got := rec.Header().Get("X-Request-Id"); got != "inbound-id" {
		t.Fatalf("expected inbound id to be preserved, got %q", got)
	}
}

func TestSecurityHeadersDefaults(t *testing.T) {
	next := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	rec := httptest.NewRecorder()
	securityHeadersMiddleware(SecurityConfig{}, next).ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))

	expected := map[string]string{
		"Content-Security-Policy": "default-src 'none'; frame-ancestors 'none'; base-uri 'none'",
		"X-Frame-Options":         "DENY",
		"X-Content-Type-Options":  "nosniff",
		"Referrer-Policy":         "no-referrer",
		"Permissions-Policy":      "camera=(), microphone=(), geolocation=()",
	}
	for header, want := range expected {
		if got := rec.Header().Get(header); got != want {
			t.Fatalf("header %s: expected %q, got %q", header, want, got)
		}
	}
}

func TestCORSMiddleware(t *testing.T) {
	policy, err := newCORSPolicy(CORSConfig{AllowedOrigins: []string{"https://app.example.com"}})
	if err != nil {
		t.Fatalf("newCORSPolicy: %v", err)
	}
	next := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	middleware := corsMiddleware(policy, nil, next)

	t.Run("allowed origin", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodGet, "/api/videos", nil)
		req.Header.Set("Origin", "https://app.example.com")
		rec := httptest.NewRecorder()
		middleware.ServeHTTP(rec, req)

		if rec.Code != http.StatusOK {
			t.Fatalf("expected status 200, got %d", rec.Code)
		}
		if got := rec.Header().Get("Access-Control-Allow-Origin"); got != "https://app.example.com" {
			t.Fatalf("unexpected allow origin: %q", got)
		}
		if rec.Header().Get("Access-Control-Allow-Credentials") != "true" {
			t.Fatal("expected credentials to be allowed")
		}
	})

	t.Run("blocked origin", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodGet, "/api/videos", nil)
		req.Header.Set("Origin", "https://evil.example.com")
		rec := httptest.NewRecorder()
		middleware.ServeHTTP(rec, req)

		if rec.Code != http.StatusForbidden {
			t.Fatalf("expected status 403, got %d", rec.Code)
		}
	})

	t.Run("preflight", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodOptions, "/api/tokens", nil)
		req.Header.Set("Origin", "https://app.example.com")
		req.Header.Set("Access-Control-Request-Method", http.MethodPost)
		rec := httptest.NewRecorder()
		middleware.ServeHTTP(rec, req)

		if rec.Code != http.StatusNoContent {
			t.Fatalf("expected status 204, got %d", rec.Code)
		}
		if rec.Header().Get("Access-Control-Allow-Methods") == "" {
			t.Fatal("expected allowed methods on preflight")
		}
	})

	t.Run("no origin passes through", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodGet, "/api/videos", nil)
		rec := httptest.NewRecorder()
		middleware.ServeHTTP(rec, req)
		if rec.Code != http.StatusOK {
			t.Fatalf("expected status 200, got %d", rec.Code)
		}
		if rec.Header().Get("Access-Control-Allow-Origin") != "" {
			t.Fatal("unexpected CORS headers without Origin")
		}
	})
}

func TestExtractClientIP(t *testing.T) {
	cases := []struct {
		name       string
		remoteAddr string
		headers    map[string]string
		want       string
	}{
		{name: "remote addr", remoteAddr: "192.0.2.1:5000", want: "192.0.2.1"},
		{name: "forwarded for", remoteAddr: "10.0.0.1:5000", headers: map[string]string{"X-Forwarded-For": "203.0.113.5, 10.0.0.1"}, want: "203.0.113.5"},
		{name: "real ip", remoteAddr: "10.0.0.1:5000", headers: map[string]string{"X-Real-IP": "198.51.100.2"}, want: "198.51.100.2"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, "/", nil)
			req.RemoteAddr = tc.remoteAddr
			for key, value := range tc.headers {
				req.Header.Set(key, value)
			}
			if got := extractClientIP(req); got != tc.want {
				t.Fatalf("expected %q, got %q", tc.want, got)
			}
		})
	}
}
