package server

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"reflect"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/hashicorp/go-multierror"
	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// Session and flow defaults
const (
	DefaultSessionTTL        = 12 * time.Hour
	DefaultSessionCookieName = "authgw_session"
	DefaultListenAddr        = ":5000"
)

// Hardcoded CORS defaults
var (
	DefaultCORSAllowedHeaders = []string{"Accept", "Accept-Language", "Content-Type", "X-Request-ID"}
	DefaultCORSAllowedMethods = []string{"GET", "POST", "OPTIONS"}
)

// Secret is a configuration value that must never appear in logs.
type Secret string

// LogValue implements slog.LogValuer.
func (s Secret) LogValue() slog.Value { return slog.StringValue("[redacted]") }

// String hides the value from fmt verbs.
func (s Secret) String() string { return "[redacted]" }

// Reveal returns the raw value.
func (s Secret) Reveal() string { return string(s) }

// Config captures the full application configuration loaded from YAML and environment variables.
type Config struct {
	Server   ServerConfig   `yaml:"server"`
	Cognito  CognitoConfig  `yaml:"cognito"`
	Frontend FrontendConfig `yaml:"frontend"`
	Session  SessionConfig  `yaml:"session"`
	Auth     AuthConfig     `yaml:"auth"`
}

// ServerConfig controls listener, TLS, and HTTP concerns.
type ServerConfig struct {
	ListenAddr string `yaml:"listen_addr" validate:"required"`
	// Production forces Secure cookies and enables autocert when TLS
	// domains are configured.
	Production bool `yaml:"production"`
	// TrustProxyHeaders believes X-Forwarded-Proto from a TLS-terminating
	// proxy for HSTS and HTTPS redirects.
	TrustProxyHeaders bool      `yaml:"trust_proxy_headers"`
	TLS               TLSConfig `yaml:"tls"`
}

// TLSConfig defines autocert behaviour.
type TLSConfig struct {
	Domains  []string `yaml:"domains" validate:"dive,hostname"`
	Email    string   `yaml:"email" validate:"omitempty,email"`
	CacheDir string   `yaml:"cache_dir"`
}

// CognitoConfig identifies the user pool, app client and hosted UI.
type CognitoConfig struct {
	Region            string `yaml:"region" validate:"required"`
	UserPoolID        string `yaml:"user_pool_id" validate:"required"`
	ClientID          string `yaml:"client_id" validate:"required"`
	ClientSecret      Secret `yaml:"client_secret"`
	Domain            string `yaml:"domain" validate:"required,url"`
	RedirectURI       string `yaml:"redirect_uri" validate:"required,url"`
	LogoutRedirectURI string `yaml:"logout_redirect_uri" validate:"required,url"`
	// Issuer and UserAPIEndpoint override the region-derived endpoints.
	Issuer          string `yaml:"issuer" validate:"omitempty,url"`
	UserAPIEndpoint string `yaml:"user_api_endpoint" validate:"omitempty,url"`
}

// FrontendConfig names the browser application the gateway serves.
type FrontendConfig struct {
	MyPageURL      string   `yaml:"mypage_url" validate:"required,url"`
	LoginURL       string   `yaml:"login_url" validate:"required,url"`
	AllowedOrigins []string `yaml:"allowed_origins" validate:"dive,url"`
}

// SessionConfig controls the session cookie.
type SessionConfig struct {
	Secret       Secret        `yaml:"secret" validate:"required,min=32"`
	CookieName   string        `yaml:"cookie_name" validate:"required"`
	CookieDomain string        `yaml:"cookie_domain"`
	SameSite     string        `yaml:"same_site" validate:"oneof=lax strict none"`
	TTL          time.Duration `yaml:"ttl" validate:"gt=0"`
}

// AuthConfig tunes the login flow.
type AuthConfig struct {
	// SignupStateEnabled accepts the hosted UI's fixed "signup" state.
	SignupStateEnabled bool          `yaml:"signup_state_enabled"`
	StateTTL           time.Duration `yaml:"state_ttl" validate:"gt=0"`
	KeyTTL             time.Duration `yaml:"key_ttl" validate:"gt=0"`
	KeyRefreshInterval time.Duration `yaml:"key_refresh_interval" validate:"gt=0"`
	KeyFetchTimeout    time.Duration `yaml:"key_fetch_timeout" validate:"gt=0"`
	ExchangeTimeout    time.Duration `yaml:"exchange_timeout" validate:"gt=0"`
	UserAPITimeout     time.Duration `yaml:"user_api_timeout" validate:"gt=0"`
	ClockSkew          time.Duration `yaml:"clock_skew" validate:"gte=0"`
}

// LoadConfig reads the optional .env file and YAML config file, then merges
// environment overrides. Variables already set in the environment win over
// .env entries.
func LoadConfig(path, envFile string) (Config, error) {
	if envFile != "" {
		if err := godotenv.Load(envFile); err != nil && !errors.Is(err, os.ErrNotExist) {
			slog.Error("Failed to load env file", "error", err, "file", envFile)
			return Config{}, fmt.Errorf("load env file: %w", err)
		}
	}

	cfg := defaultConfig()

	if path != "" {
		b, err := os.ReadFile(path)
		if err != nil {
			return Config{}, fmt.Errorf("read config: %w", err)
		}

		decoder := yaml.NewDecoder(bytes.NewReader(b))
		decoder.KnownFields(true)

		if err := decoder.Decode(&cfg); err != nil && !errors.Is(err, io.EOF) {
			if strings.Contains(err.Error(), "field") && strings.Contains(err.Error(), "not found") {
				slog.Error("Configuration contains unknown keys", "error", err, "file", path)
				return Config{}, fmt.Errorf("invalid config: %w (check for typos or deprecated fields)", err)
			}
			slog.Error("Failed to parse configuration", "error", err, "file", path)
			return Config{}, fmt.Errorf("parse config: %w", err)
		}
	}

	applyEnvOverrides(&cfg)

	if err := cfg.Validate(); err != nil {
		slog.Error("Configuration validation failed", "error", err)
		return Config{}, err
	}

	return cfg, nil
}

func defaultConfig() Config {
	return Config{
		Server: ServerConfig{
			ListenAddr: DefaultListenAddr,
			TLS:        TLSConfig{CacheDir: ".autocert"},
		},
		Cognito: CognitoConfig{
			Region:            "ap-northeast-1",
			RedirectURI:       "http://localhost:5000/auth/callback",
			LogoutRedirectURI: "http://localhost:3000/",
		},
		Frontend: FrontendConfig{
			MyPageURL: "http://localhost:3000/mypage",
			LoginURL:  "http://localhost:3000/login",
		},
		Session: SessionConfig{
			CookieName: DefaultSessionCookieName,
			SameSite:   "lax",
			TTL:        DefaultSessionTTL,
		},
		Auth: AuthConfig{
			StateTTL:           10 * time.Minute,
			KeyTTL:             time.Hour,
			KeyRefreshInterval: 5 * time.Minute,
			KeyFetchTimeout:    5 * time.Second,
			ExchangeTimeout:    10 * time.Second,
			UserAPITimeout:     10 * time.Second,
		},
	}
}

// DefaultConfig returns the default configuration template.
func DefaultConfig() Config {
	return defaultConfig()
}

func applyEnvOverrides(cfg *Config) {
	overrides := map[string]func(string){
		"COGNITO_REGION":              func(v string) { cfg.Cognito.Region = v },
		"COGNITO_USER_POOL_ID":        func(v string) { cfg.Cognito.UserPoolID = v },
		"COGNITO_CLIENT_ID":           func(v string) { cfg.Cognito.ClientID = v },
		"COGNITO_CLIENT_SECRET":       func(v string) { cfg.Cognito.ClientSecret = Secret(v) },
		"COGNITO_DOMAIN":              func(v string) { cfg.Cognito.Domain = normalizeDomain(v) },
		"COGNITO_REDIRECT_URI":        func(v string) { cfg.Cognito.RedirectURI = v },
		"COGNITO_LOGOUT_REDIRECT_URI": func(v string) { cfg.Cognito.LogoutRedirectURI = v },
		"FRONTEND_MYPAGE_URL":         func(v string) { cfg.Frontend.MyPageURL = v },
		"FRONTEND_LOGIN_URL":          func(v string) { cfg.Frontend.LoginURL = v },
		"FRONTEND_ALLOWED_ORIGINS":    func(v string) { cfg.Frontend.AllowedOrigins = splitAndTrim(v) },
		"SESSION_SECRET":              func(v string) { cfg.Session.Secret = Secret(v) },
		"GATEWAY_LISTEN_ADDR":         func(v string) { cfg.Server.ListenAddr = v },
		"GATEWAY_ENV":                 func(v string) { cfg.Server.Production = strings.EqualFold(strings.TrimSpace(v), "production") },
		"GATEWAY_TLS_DOMAINS":         func(v string) { cfg.Server.TLS.Domains = splitAndTrim(v) },
		"GATEWAY_SIGNUP_STATE":        func(v string) { cfg.Auth.SignupStateEnabled = parseBool(v, cfg.Auth.SignupStateEnabled) },
		"GATEWAY_TRUST_PROXY_HEADERS": func(v string) { cfg.Server.TrustProxyHeaders = parseBool(v, cfg.Server.TrustProxyHeaders) },
	}

	for key, fn := range overrides {
		if val, ok := os.LookupEnv(key); ok {
			fn(val)
		}
	}
	cfg.Cognito.Domain = normalizeDomain(cfg.Cognito.Domain)
}

// normalizeDomain accepts a bare hosted-UI host name and adds https://.
func normalizeDomain(v string) string {
	v = strings.TrimSpace(v)
	if v == "" || strings.HasPrefix(v, "http://") || strings.HasPrefix(v, "https://") {
		return strings.TrimSuffix(v, "/")
	}
	return "https://" + strings.TrimSuffix(v, "/")
}

func parseBool(val string, fallback bool) bool {
	switch strings.ToLower(strings.TrimSpace(val)) {
	case "1", "true", "yes", "y", "on":
		return true
	case "0", "false", "no", "n", "off":
		return false
	default:
		return fallback
	}
}

func splitAndTrim(val string) []string {
	parts := strings.Split(val, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if s := strings.TrimSpace(p); s != "" {
			out = append(out, s)
		}
	}
	return out
}

var validate = newValidator()

func newValidator() *validator.Validate {
	v := validator.New(validator.WithRequiredStructEnabled())
	v.RegisterTagNameFunc(func(f reflect.StructField) string {
		name := strings.SplitN(f.Tag.Get("yaml"), ",", 2)[0]
		if name == "-" {
			return ""
		}
		return name
	})
	return v
}

// Validate checks the config and reports every problem found.
func (c Config) Validate() error {
	var result *multierror.Error

	if err := validate.Struct(c); err != nil {
		var verrs validator.ValidationErrors
		if !errors.As(err, &verrs) {
			return fmt.Errorf("validate config: %w", err)
		}
		for _, fe := range verrs {
			field := strings.TrimPrefix(fe.Namespace(), "Config.")
			slog.Error("Invalid configuration value", "field", field, "rule", fe.Tag())
			result = multierror.Append(result, fmt.Errorf("%s: failed %q rule", field, ruleDescription(fe)))
		}
	}

	if c.Server.Production {
		if strings.HasPrefix(c.Cognito.RedirectURI, "http://") {
			slog.Error("Insecure redirect URI in production", "field", "cognito.redirect_uri")
			result = multierror.Append(result, errors.New("cognito.redirect_uri must use https in production"))
		}
	}

	if c.Session.CookieDomain != "" {
		host := hostOf(c.Cognito.RedirectURI)
		cookieDomain := strings.TrimPrefix(c.Session.CookieDomain, ".")
		if host != "" && !strings.HasSuffix(host, cookieDomain) {
			slog.Error("Cookie domain mismatch",
				"field", "session.cookie_domain",
				"cookie_domain", c.Session.CookieDomain,
				"redirect_host", host,
				"reason", "cookie_domain must be a suffix of the redirect_uri host")
			result = multierror.Append(result, fmt.Errorf("session.cookie_domain %q does not match cognito.redirect_uri host %q", c.Session.CookieDomain, host))
		}
	}

	return result.ErrorOrNil()
}

func ruleDescription(fe validator.FieldError) string {
	if fe.Param() == "" {
		return fe.Tag()
	}
	return fe.Tag() + "=" + fe.Param()
}

// SameSiteMode maps the configured value to the cookie attribute.
func (s SessionConfig) SameSiteMode() http.SameSite {
	switch s.SameSite {
	case "strict":
		return http.SameSiteStrictMode
	case "none":
		return http.SameSiteNoneMode
	default:
		return http.SameSiteLaxMode
	}
}

// SecureCookies reports whether cookies must carry the Secure flag.
func (c Config) SecureCookies() bool {
	return c.Server.Production || c.Session.SameSite == "none"
}

// CORSOrigins returns the configured origins, or the origins of the
// frontend URLs when none are configured.
func (c Config) CORSOrigins() []string {
	if len(c.Frontend.AllowedOrigins) > 0 {
		return c.Frontend.AllowedOrigins
	}
	seen := make(map[string]bool)
	var origins []string
	for _, u := range []string{c.Frontend.MyPageURL, c.Frontend.LoginURL, c.Cognito.LogoutRedirectURI} {
		if origin := extractOrigin(u); origin != "" && !seen[origin] {
			seen[origin] = true
			origins = append(origins, origin)
		}
	}
	return origins
}

// extractOrigin returns scheme://host[:port] of u.
func extractOrigin(u string) string {
	idx := strings.Index(u, "://")
	if idx <= 0 {
		return ""
	}
	host := hostPortOf(u[idx+3:])
	if host == "" {
		return ""
	}
	return u[:idx] + "://" + host
}

func hostPortOf(rest string) string {
	if i := strings.IndexAny(rest, "/?#"); i != -1 {
		rest = rest[:i]
	}
	return rest
}

func hostOf(u string) string {
	idx := strings.Index(u, "://")
	if idx <= 0 {
		return ""
	}
	host := hostPortOf(u[idx+3:])
	if i := strings.LastIndex(host, ":"); i != -1 {
		host = host[:i]
	}
	return host
}
