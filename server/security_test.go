package server

import (
	"net/http"
	"net/http/cookiejar"
	"net/url"
	"strings"
	"testing"

	"github.com/golang-jwt/jwt/v5"
)

// TestSecurityFakeCookies checks that tampered or foreign session cookies
// are treated as anonymous.
func TestSecurityFakeCookies(t *testing.T) {
	h := newGatewayHarness(t, nil)

	foreign := newTestSessionManager(t, func(c *Config) {
		c.Session.Secret = "ffffffffffffffffffffffffffffffff"
	})
	foreignCookie := savedCookie(t, foreign, authenticatedSession()).Value

	unsigned := jwt.NewWithClaims(jwt.SigningMethodNone, jwt.MapClaims{"sub": "u1"})
	noneToken, err := unsigned.SignedString(jwt.UnsafeAllowNoneSignatureType)
	if err != nil {
		t.Fatalf("sign none token: %v", err)
	}

	tests := []struct {
		name  string
		value string
	}{
		{"random_value", "not-a-session"},
		{"sealed_with_other_secret", foreignCookie},
		{"truncated", foreignCookie[:len(foreignCookie)/2]},
		{"unsigned_jwt", noneToken},
		{"five_dots", "a.b.c.d.e"},
		{"very_long", strings.Repeat("A", 3500)},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req, err := http.NewRequest(http.MethodGet, h.server.URL+"/api/me", nil)
			if err != nil {
				t.Fatalf("new request: %v", err)
			}
			req.AddCookie(&http.Cookie{Name: DefaultSessionCookieName, Value: tt.value})
			resp, err := http.DefaultClient.Do(req)
			if err != nil {
				t.Fatalf("request failed: %v", err)
			}
			defer resp.Body.Close()
			if resp.StatusCode != http.StatusUnauthorized {
				t.Fatalf("expected 401, got %d", resp.StatusCode)
			}
		})
	}
}

// TestSecurityCSRFState checks that a state issued to one browser cannot
// complete a login in another.
func TestSecurityCSRFState(t *testing.T) {
	h := newGatewayHarness(t, nil)

	victimState := location(t, h.get(t, "/auth/login")).Query().Get("state")
	h.provider.IssueCode("attacker-code", "attacker")

	jar, err := cookiejar.New(nil)
	if err != nil {
		t.Fatalf("cookiejar: %v", err)
	}
	other := &http.Client{
		Jar: jar,
		CheckRedirect: func(*http.Request, []*http.Request) error {
			return http.ErrUseLastResponse
		},
	}
	loginResp, err := other.Get(h.server.URL + "/auth/login")
	if err != nil {
		t.Fatalf("login: %v", err)
	}
	loginResp.Body.Close()

	cbResp, err := other.Get(h.server.URL + "/auth/callback?code=attacker-code&state=" + url.QueryEscape(victimState))
	if err != nil {
		t.Fatalf("callback: %v", err)
	}
	defer cbResp.Body.Close()

	if got := location(t, cbResp).Query().Get("error"); got != ReasonInvalidState {
		t.Fatalf("error = %q, want %q", got, ReasonInvalidState)
	}
	if n := h.provider.TokenCalls(); n != 0 {
		t.Fatalf("token endpoint called %d times", n)
	}
}

// TestSecurityOpenRedirect checks that callback failures only ever land on
// the configured login page.
func TestSecurityOpenRedirect(t *testing.T) {
	h := newGatewayHarness(t, nil)

	paths := []string{
		"/auth/callback?error=access_denied&redirect_uri=https://evil.example.com",
		"/auth/callback?code=x&state=y&next=//evil.example.com",
		"/auth/callback?error=%0d%0aLocation:%20https://evil.example.com",
	}
	for _, p := range paths {
		resp := h.get(t, p)
		if resp.StatusCode != http.StatusFound {
			t.Fatalf("%s: expected 302, got %d", p, resp.StatusCode)
		}
		loc := location(t, resp)
		if loc.Host != "frontend.test" || loc.Path != "/login" {
			t.Fatalf("%s: redirected to %s", p, loc)
		}
		if strings.Contains(loc.Query().Get("error_description"), "evil") {
			t.Fatalf("%s: attacker text reflected in %q", p, loc.Query().Get("error_description"))
		}
	}
}

// TestSecurityErrorDescriptionNotReflected checks that provider supplied
// text never reaches the frontend verbatim.
func TestSecurityErrorDescriptionNotReflected(t *testing.T) {
	h := newGatewayHarness(t, nil)
	h.get(t, "/auth/login")

	resp := h.get(t, "/auth/callback?error=server_error&error_description="+url.QueryEscape("<script>alert(1)</script>"))
	desc := location(t, resp).Query().Get("error_description")
	if !strings.Contains(desc, "server_error") {
		t.Fatalf("description %q should name the error code", desc)
	}
	if strings.Contains(desc, "<script>") {
		t.Fatalf("description reflects provider markup: %q", desc)
	}
}

func TestSecurityContentTypeValidation(t *testing.T) {
	h := newGatewayHarness(t, nil)
	h.login(t, "u1")
	before := h.provider.UserAPICalls()

	tests := []struct {
		name        string
		contentType string
		body        string
	}{
		{"form_encoded", "application/x-www-form-urlencoded", "name=Taro"},
		{"text_plain", "text/plain", `{"name":"Taro"}`},
		{"malformed_json", "application/json", `{"name":`},
		{"json_array", "application/json", `["name"]`},
		{"json_null", "application/json", `null`},
		{"oversized", "application/json", `{"name":"` + strings.Repeat("x", 70<<10) + `"}`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resp := h.do(t, http.MethodPost, "/api/user/attributes", tt.body, map[string]string{
				"Content-Type":    tt.contentType,
				"Accept-Language": "en",
			})
			if resp.StatusCode != http.StatusBadRequest {
				t.Fatalf("expected 400, got %d", resp.StatusCode)
			}
		})
	}
	if after := h.provider.UserAPICalls(); after != before {
		t.Fatalf("invalid bodies must not reach the provider: %d calls", after-before)
	}
}

func TestSecurityHeaders(t *testing.T) {
	h := newGatewayHarness(t, func(c *Config) {
		c.Server.Production = true
		c.Cognito.RedirectURI = "https://gateway.test/auth/callback"
	})
	resp := h.get(t, "/api/me")

	want := map[string]string{
		"X-Content-Type-Options": "nosniff",
		"X-Frame-Options":        "DENY",
		"Cache-Control":          "no-store",
	}
	for k, v := range want {
		if got := resp.Header.Get(k); got != v {
			t.Errorf("%s = %q, want %q", k, got, v)
		}
	}
	if got := resp.Header.Get("Strict-Transport-Security"); !strings.Contains(got, "max-age=63072000") {
		t.Fatalf("unexpected HSTS header %q", got)
	}
}
