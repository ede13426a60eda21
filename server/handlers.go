package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"mime"
	"net/http"
	"net/url"
	"strings"

	"authgw/idp"
	"authgw/profile"
)

const maxAttributeBody = 64 << 10

// AttributeGateway reads and updates the signed-in user's profile at the
// identity provider.
type AttributeGateway interface {
	Read(ctx context.Context, accessToken string) (*profile.User, error)
	Update(ctx context.Context, accessToken string, attrs []profile.Attribute) error
}

// App bundles runtime dependencies for the HTTP service.
type App struct {
	Config   Config
	Logger   *slog.Logger
	Sessions *SessionManager
	Auth     *Authenticator
	Profiles AttributeGateway
}

// NewApp wires together the application state from configuration.
func NewApp(cfg Config, logger *slog.Logger) (*App, error) {
	sessions, err := NewSessionManager(cfg, logger)
	if err != nil {
		return nil, err
	}

	provider, err := idp.NewProvider(idp.Settings{
		Region:            cfg.Cognito.Region,
		UserPoolID:        cfg.Cognito.UserPoolID,
		ClientID:          cfg.Cognito.ClientID,
		ClientSecret:      cfg.Cognito.ClientSecret.Reveal(),
		Domain:            cfg.Cognito.Domain,
		RedirectURI:       cfg.Cognito.RedirectURI,
		LogoutRedirectURI: cfg.Cognito.LogoutRedirectURI,
		Issuer:            cfg.Cognito.Issuer,
		UserAPIEndpoint:   cfg.Cognito.UserAPIEndpoint,
	})
	if err != nil {
		return nil, fmt.Errorf("configure identity provider: %w", err)
	}

	keys := idp.NewKeyCache(
		idp.NewHTTPKeyFetcher(provider.JWKSURL(), cfg.Auth.KeyFetchTimeout),
		idp.KeyCacheConfig{TTL: cfg.Auth.KeyTTL, MinRefreshInterval: cfg.Auth.KeyRefreshInterval},
	)
	verifier := idp.NewVerifier(keys, idp.VerifierConfig{
		Issuer:   provider.Issuer(),
		ClientID: provider.ClientID(),
		Leeway:   cfg.Auth.ClockSkew,
	})
	states := idp.NewStateManager(idp.StateConfig{
		TTL:         cfg.Auth.StateTTL,
		AllowSignup: cfg.Auth.SignupStateEnabled,
	})
	exchanger := idp.NewExchanger(provider.OAuth2Config(), cfg.Auth.ExchangeTimeout)

	logger.Info("Identity provider configured",
		"issuer", provider.Issuer(),
		"client_id", provider.ClientID(),
		"client_secret", cfg.Cognito.ClientSecret,
		"signup_state_enabled", cfg.Auth.SignupStateEnabled)

	return &App{
		Config:   cfg,
		Logger:   logger,
		Sessions: sessions,
		Auth:     NewAuthenticator(provider, states, exchanger, verifier, logger),
		Profiles: profile.NewGateway(provider.UserAPIEndpoint(), cfg.Auth.UserAPITimeout),
	}, nil
}

func (a *App) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (a *App) handleLogin(w http.ResponseWriter, r *http.Request) {
	sess := SessionFromContext(r.Context())
	authorizeURL, err := a.Auth.Login(sess)
	if err != nil {
		a.internalError(w, r, "Failed to start login", err)
		return
	}
	if !a.saveSession(w, r, sess) {
		return
	}

	if wantsJSON(r) {
		writeJSON(w, http.StatusOK, map[string]string{"authorize_url": authorizeURL})
		return
	}
	http.Redirect(w, r, authorizeURL, http.StatusFound)
}

func (a *App) handleSignup(w http.ResponseWriter, r *http.Request) {
	sess := SessionFromContext(r.Context())
	signupURL := a.Auth.Signup(sess)
	if !a.saveSession(w, r, sess) {
		return
	}
	http.Redirect(w, r, signupURL, http.StatusFound)
}

func (a *App) handleCallback(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	params := CallbackParams{
		Code:             q.Get("code"),
		State:            q.Get("state"),
		Error:            q.Get("error"),
		ErrorDescription: q.Get("error_description"),
	}

	sess := SessionFromContext(r.Context())
	err := a.Auth.Callback(r.Context(), sess, params)
	if !a.saveSession(w, r, sess) {
		return
	}

	if err != nil {
		var lf *LoginFailure
		if !errors.As(err, &lf) {
			lf = &LoginFailure{Reason: ReasonLoginFailed, Description: "Login failed. Please try again.", Err: err}
		}
		attrs := []any{"reason", lf.Reason, "request_id", RequestIDFromContext(r.Context())}
		if lf.Err != nil {
			attrs = append(attrs, "error", lf.Err.Error())
		}
		if params.ErrorDescription != "" {
			attrs = append(attrs, "idp_error_description", params.ErrorDescription)
		}
		a.Logger.Warn("Login failed", attrs...)
		http.Redirect(w, r, a.loginErrorURL(lf), http.StatusFound)
		return
	}

	setLogSubject(r.Context(), sess.User.Subject)
	http.Redirect(w, r, a.Config.Frontend.MyPageURL, http.StatusFound)
}

func (a *App) handleMe(w http.ResponseWriter, r *http.Request) {
	user, ok := a.Auth.CurrentUser(SessionFromContext(r.Context()))
	if !ok {
		p := profile.Printer(r.Header.Get("Accept-Language"))
		writeJSON(w, http.StatusUnauthorized, map[string]string{"message": profile.Localize(p, profile.MsgNotAuthenticated)})
		return
	}
	writeJSON(w, http.StatusOK, user)
}

func (a *App) handleGetAttributes(w http.ResponseWriter, r *http.Request) {
	sess := SessionFromContext(r.Context())
	user, err := a.Profiles.Read(r.Context(), sess.Tokens.AccessToken)
	if err != nil {
		a.gatewayError(w, r, sess, profile.MsgReadFailed, err)
		return
	}
	writeJSON(w, http.StatusOK, user)
}

func (a *App) handleUpdateAttributes(w http.ResponseWriter, r *http.Request) {
	p := profile.Printer(r.Header.Get("Accept-Language"))
	sess := SessionFromContext(r.Context())

	raw, err := decodeObject(r)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"message": profile.Localize(p, profile.MsgInvalidBody)})
		return
	}

	attrs, err := profile.ParseUpdate(raw)
	if err != nil {
		var ve *profile.ValidationError
		if errors.As(err, &ve) {
			writeJSON(w, http.StatusBadRequest, map[string]string{"message": profile.Localize(p, ve.Key)})
			return
		}
		a.internalError(w, r, "Failed to parse attribute update", err)
		return
	}

	if err := a.Profiles.Update(r.Context(), sess.Tokens.AccessToken, attrs); err != nil {
		a.gatewayError(w, r, sess, profile.MsgUpdateFailed, err)
		return
	}

	names := make([]string, 0, len(attrs))
	for _, attr := range attrs {
		names = append(names, attr.Name)
	}
	a.Logger.Info("Profile updated", "session_id", sess.ID, "attributes", names)
	writeJSON(w, http.StatusOK, map[string]string{"message": profile.Localize(p, profile.MsgProfileUpdated)})
}

func (a *App) handleLogout(w http.ResponseWriter, r *http.Request) {
	logoutURL := a.Auth.Logout(SessionFromContext(r.Context()))
	a.Sessions.Clear(w)
	http.Redirect(w, r, logoutURL, http.StatusFound)
}

func (a *App) handleAPILogout(w http.ResponseWriter, r *http.Request) {
	logoutURL := a.Auth.Logout(SessionFromContext(r.Context()))
	a.Sessions.Clear(w)
	p := profile.Printer(r.Header.Get("Accept-Language"))
	writeJSON(w, http.StatusOK, map[string]string{
		"message":    profile.Localize(p, profile.MsgLoggedOut),
		"logout_url": logoutURL,
	})
}

// gatewayError maps a user-management API failure to a response. Provider
// messages are surfaced; a rejected access token ends the session.
func (a *App) gatewayError(w http.ResponseWriter, r *http.Request, sess *Session, fallback profile.MessageKey, err error) {
	p := profile.Printer(r.Header.Get("Accept-Language"))

	var gerr *profile.GatewayError
	if !errors.As(err, &gerr) {
		a.Logger.Error("Profile call failed", "error", err, "request_id", RequestIDFromContext(r.Context()))
		writeJSON(w, http.StatusInternalServerError, map[string]string{"message": profile.Localize(p, fallback)})
		return
	}

	a.Logger.Warn("Identity provider call failed",
		"status", gerr.StatusCode,
		"code", gerr.Code,
		"error", gerr.Error(),
		"request_id", RequestIDFromContext(r.Context()))

	if gerr.Unauthorized() {
		sess.Reset()
		a.Sessions.Clear(w)
		writeJSON(w, http.StatusUnauthorized, map[string]string{"message": profile.Localize(p, profile.MsgSessionExpired)})
		return
	}
	msg := gerr.Message
	if msg == "" {
		msg = profile.Localize(p, fallback)
	}
	writeJSON(w, http.StatusInternalServerError, map[string]string{"message": msg})
}

func (a *App) internalError(w http.ResponseWriter, r *http.Request, msg string, err error) {
	a.Logger.Error(msg, "error", err, "request_id", RequestIDFromContext(r.Context()))
	p := profile.Printer(r.Header.Get("Accept-Language"))
	writeJSON(w, http.StatusInternalServerError, map[string]string{"message": profile.Localize(p, profile.MsgInternal)})
}

func (a *App) saveSession(w http.ResponseWriter, r *http.Request, sess *Session) bool {
	if err := a.Sessions.Save(w, sess); err != nil {
		a.internalError(w, r, "Failed to save session", err)
		return false
	}
	return true
}

func (a *App) loginErrorURL(lf *LoginFailure) string {
	u, err := url.Parse(a.Config.Frontend.LoginURL)
	if err != nil {
		return a.Config.Frontend.LoginURL
	}
	q := u.Query()
	q.Set("error", lf.Reason)
	q.Set("error_description", lf.Description)
	u.RawQuery = q.Encode()
	return u.String()
}

// decodeObject reads a JSON object body. An empty body is an empty object.
func decodeObject(r *http.Request) (map[string]any, error) {
	if ct := r.Header.Get("Content-Type"); ct != "" {
		mt, _, err := mime.ParseMediaType(ct)
		if err != nil || mt != "application/json" {
			return nil, fmt.Errorf("unsupported content type %q", ct)
		}
	}
	raw := map[string]any{}
	dec := json.NewDecoder(io.LimitReader(r.Body, maxAttributeBody))
	if err := dec.Decode(&raw); err != nil {
		if errors.Is(err, io.EOF) {
			return raw, nil
		}
		return nil, err
	}
	if raw == nil {
		return nil, errors.New("body is not an object")
	}
	return raw, nil
}

func wantsJSON(r *http.Request) bool {
	accept := r.Header.Get("Accept")
	return strings.Contains(accept, "application/json") && !strings.Contains(accept, "text/html")
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
