package server

import (
	"bytes"
	"encoding/json"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
)

func TestRecoveryMiddleware(t *testing.T) {
	h := RecoveryMiddleware(testLogger())(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {
		panic("boom")
	}))
	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/api/me", nil)
	req.Header.Set("Accept-Language", "en")
	h.ServeHTTP(rec, req)

	if rec.Code != http.StatusInternalServerError {
		t.Fatalf("expected 500, got %d", rec.Code)
	}
	var body map[string]string
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode body: %v", err)
	}
	if body["message"] != "Internal server error." {
		t.Fatalf("unexpected message %q", body["message"])
	}
	if strings.Contains(rec.Body.String(), "boom") {
		t.Fatalf("panic value leaked into response: %s", rec.Body.String())
	}
}

func TestRequestIDMiddlewareKeepsIncomingID(t *testing.T) {
	var seen string
	h := RequestIDMiddleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seen = RequestIDFromContext(r.Context())
	}))

	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set("X-Request-ID", "abc-123")
	h.ServeHTTP(rec, req)
	if seen != "abc-123" {
		t.Fatalf("expected incoming id, got %q", seen)
	}
	if got := rec.Header().Get("X-Request-ID"); got != "abc-123" {
		t.Fatalf("response id = %q", got)
	}

	h.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/", nil))
	if len(seen) != 36 {
		t.Fatalf("expected generated uuid, got %q", seen)
	}
}

func TestLoggingMiddlewareRecordsSubject(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(slog.NewJSONHandler(&buf, nil))
	sm := newTestSessionManager(t, nil)
	cookie := savedCookie(t, sm, authenticatedSession())

	h := RequestIDMiddleware(LoggingMiddleware(logger)(SessionMiddleware(sm)(
		http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusTeapot)
		}))))

	req := httptest.NewRequest(http.MethodGet, "/api/me", nil)
	req.AddCookie(cookie)
	h.ServeHTTP(httptest.NewRecorder(), req)

	out := buf.String()
	for _, want := range []string{`"msg":"http_request"`, `"status":418`, `"user_sub":"u1"`} {
		if !strings.Contains(out, want) {
			t.Fatalf("log output missing %s: %s", want, out)
		}
	}
	if strings.Contains(out, "access-token") {
		t.Fatalf("tokens must never be logged: %s", out)
	}
}

func TestRequireAuth(t *testing.T) {
	sm := newTestSessionManager(t, nil)
	var subject string
	called := false
	h := SessionMiddleware(sm)(RequireAuth(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		called = true
		subject = SessionFromContext(r.Context()).User.Subject
	})))

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/user/attributes", nil))
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", rec.Code)
	}
	if called {
		t.Fatalf("handler must not run without a session")
	}

	req := httptest.NewRequest(http.MethodGet, "/api/user/attributes", nil)
	req.AddCookie(savedCookie(t, sm, authenticatedSession()))
	h.ServeHTTP(httptest.NewRecorder(), req)
	if !called || subject != "u1" {
		t.Fatalf("expected handler to run for u1, called=%v subject=%q", called, subject)
	}
}

func TestSecurityHeadersMiddlewareHSTS(t *testing.T) {
	ok := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {})

	tests := []struct {
		name       string
		hsts       bool
		trustProxy bool
		forwarded  string
		wantHSTS   bool
	}{
		{name: "production", hsts: true, wantHSTS: true},
		{name: "plain_http", wantHSTS: false},
		{name: "trusted_forwarded_https", trustProxy: true, forwarded: "https", wantHSTS: true},
		{name: "trusted_forwarded_http", trustProxy: true, forwarded: "http", wantHSTS: false},
		{name: "untrusted_forwarded_https", forwarded: "https", wantHSTS: false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
			if tt.forwarded != "" {
				req.Header.Set("X-Forwarded-Proto", tt.forwarded)
			}
			rec := httptest.NewRecorder()
			SecurityHeadersMiddleware(tt.hsts, tt.trustProxy, 600)(ok).ServeHTTP(rec, req)

			got := rec.Header().Get("Strict-Transport-Security")
			if tt.wantHSTS && got != "max-age=600; includeSubDomains" {
				t.Fatalf("expected HSTS header, got %q", got)
			}
			if !tt.wantHSTS && got != "" {
				t.Fatalf("unexpected HSTS header %q", got)
			}
			if rec.Header().Get("X-Content-Type-Options") != "nosniff" {
				t.Fatalf("nosniff header missing")
			}
		})
	}
}

func TestForwardedHTTPSRedirectMiddleware(t *testing.T) {
	called := false
	h := ForwardedHTTPSRedirectMiddleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		called = true
	}))

	req := httptest.NewRequest(http.MethodGet, "http://gateway.test/auth/login?next=1", nil)
	req.Header.Set("X-Forwarded-Proto", "http")
	req.Header.Set("X-Forwarded-Host", "evil.example.com")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	if rec.Code != http.StatusMovedPermanently {
		t.Fatalf("expected 301, got %d", rec.Code)
	}
	if loc := rec.Header().Get("Location"); loc != "https://gateway.test/auth/login?next=1" {
		t.Fatalf("unexpected Location %q", loc)
	}
	if called {
		t.Fatalf("plain http request must not reach the handler")
	}

	req = httptest.NewRequest(http.MethodGet, "http://gateway.test/auth/login", nil)
	req.Header.Set("X-Forwarded-Proto", "https")
	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	if !called || rec.Code != http.StatusOK {
		t.Fatalf("https request should pass through, called=%v code=%d", called, rec.Code)
	}
}

func TestRoutesRedirectForwardedHTTPWhenTrusted(t *testing.T) {
	h := newGatewayHarness(t, func(c *Config) {
		c.Server.Production = true
		c.Server.TrustProxyHeaders = true
		c.Cognito.RedirectURI = "https://gateway.test/auth/callback"
	})

	resp := h.do(t, http.MethodGet, "/healthz", "", map[string]string{"X-Forwarded-Proto": "http"})
	if resp.StatusCode != http.StatusMovedPermanently {
		t.Fatalf("expected 301, got %d", resp.StatusCode)
	}
	if loc := resp.Header.Get("Location"); !strings.HasPrefix(loc, "https://") {
		t.Fatalf("expected https Location, got %q", loc)
	}
}
