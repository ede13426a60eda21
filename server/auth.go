package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"regexp"

	"github.com/google/uuid"

	"authgw/idp"
)

// Login failure reasons sent to the frontend login page.
const (
	ReasonIdPError         = "idp_error"
	ReasonInvalidState     = "invalid_state"
	ReasonMissingCode      = "missing_code"
	ReasonExchangeRejected = "exchange_rejected"
	ReasonIdPUnavailable   = "idp_unavailable"
	ReasonInvalidToken     = "invalid_token"
	ReasonLoginFailed      = "login_failed"
)

// LoginFailure is a classified callback failure safe to show to the user.
type LoginFailure struct {
	Reason      string
	Description string
	Err         error
}

func (f *LoginFailure) Error() string {
	return f.Reason + ": " + f.Description
}

func (f *LoginFailure) Unwrap() error { return f.Err }

// CallbackParams are the query parameters of the redirect from the hosted UI.
type CallbackParams struct {
	Code             string
	State            string
	Error            string
	ErrorDescription string
}

// StateIssuer issues and validates anti-CSRF state values.
type StateIssuer interface {
	Issue() (idp.PendingState, error)
	Validate(pending *idp.PendingState, presented string) error
}

// CodeExchanger redeems authorization codes.
type CodeExchanger interface {
	Exchange(ctx context.Context, code string) (idp.Tokens, error)
}

// TokenVerifier validates ID tokens.
type TokenVerifier interface {
	Verify(ctx context.Context, rawIDToken string) (*idp.Claims, error)
}

// ProviderURLs builds hosted-UI URLs.
type ProviderURLs interface {
	AuthCodeURL(state string) string
	SignupURL() string
	LogoutURL() string
}

// Authenticator drives a session through Anonymous, PendingLogin and
// Authenticated.
type Authenticator struct {
	urls      ProviderURLs
	states    StateIssuer
	exchanger CodeExchanger
	verifier  TokenVerifier
	logger    *slog.Logger
}

// NewAuthenticator wires the login flow collaborators.
func NewAuthenticator(urls ProviderURLs, states StateIssuer, exchanger CodeExchanger, verifier TokenVerifier, logger *slog.Logger) *Authenticator {
	return &Authenticator{urls: urls, states: states, exchanger: exchanger, verifier: verifier, logger: logger}
}

// Login records a fresh state in sess and returns the authorize URL. An
// existing login is discarded.
func (a *Authenticator) Login(sess *Session) (string, error) {
	pending, err := a.states.Issue()
	if err != nil {
		return "", err
	}
	sess.Reset()
	sess.OAuthState = pending
	return a.urls.AuthCodeURL(pending.Value), nil
}

// Signup returns the hosted-UI sign-up URL. The session is left anonymous;
// the callback is accepted through the signup state.
func (a *Authenticator) Signup(sess *Session) string {
	sess.Reset()
	return a.urls.SignupURL()
}

// Callback completes a login. On any failure sess is reset to anonymous
// and a *LoginFailure is returned.
func (a *Authenticator) Callback(ctx context.Context, sess *Session, p CallbackParams) error {
	pending := sess.OAuthState
	sess.Reset()

	if p.Error != "" {
		return &LoginFailure{
			Reason:      ReasonIdPError,
			Description: describeIdPError(p.Error),
		}
	}

	if err := a.states.Validate(&pending, p.State); err != nil {
		return &LoginFailure{
			Reason:      ReasonInvalidState,
			Description: "The login request was not recognised or has expired. Please sign in again.",
			Err:         err,
		}
	}

	if p.Code == "" {
		return &LoginFailure{
			Reason:      ReasonMissingCode,
			Description: "The identity provider did not return an authorization code.",
		}
	}

	tokens, err := a.exchanger.Exchange(ctx, p.Code)
	if err != nil {
		return classifyExchange(err)
	}

	claims, err := a.verifier.Verify(ctx, tokens.IDToken)
	if err != nil {
		return classifyVerify(err)
	}

	*sess = Session{
		ID: uuid.NewString(),
		User: &User{
			Subject:  claims.Subject,
			Email:    claims.Email,
			Username: claims.Username,
		},
		Tokens: tokens,
	}
	a.logger.Info("Login completed", "session_id", sess.ID, "user_sub", claims.Subject)
	return nil
}

// Logout ends the local session and returns the hosted-UI logout URL.
func (a *Authenticator) Logout(sess *Session) string {
	if sess.Authenticated() {
		a.logger.Info("Logout", "session_id", sess.ID, "user_sub", sess.User.Subject)
	}
	sess.Reset()
	return a.urls.LogoutURL()
}

// CurrentUser returns the logged-in user, if any.
func (a *Authenticator) CurrentUser(sess *Session) (*User, bool) {
	if !sess.Authenticated() {
		return nil, false
	}
	return sess.User, true
}

var idpErrorCode = regexp.MustCompile(`^[a-z_]{1,64}$`)

// describeIdPError keeps only a well-formed OAuth error code; the free-text
// description from the provider is not echoed.
func describeIdPError(code string) string {
	if !idpErrorCode.MatchString(code) {
		code = "unknown_error"
	}
	if code == "access_denied" {
		return "Sign-in was cancelled or denied (access_denied)."
	}
	return fmt.Sprintf("The identity provider reported an error (%s).", code)
}

func classifyExchange(err error) *LoginFailure {
	var ce *idp.CodeExchangeError
	if !errors.As(err, &ce) {
		return &LoginFailure{Reason: ReasonLoginFailed, Description: "Login failed. Please try again.", Err: err}
	}
	switch ce.Kind {
	case idp.ExchangeHTTPStatus:
		desc := fmt.Sprintf("The identity provider rejected the authorization code (status %d).", ce.StatusCode)
		return &LoginFailure{Reason: ReasonExchangeRejected, Description: desc, Err: err}
	case idp.ExchangeNetwork:
		return &LoginFailure{
			Reason:      ReasonIdPUnavailable,
			Description: "The identity provider is temporarily unavailable. Please try again in a moment.",
			Err:         err,
		}
	default:
		return &LoginFailure{Reason: ReasonLoginFailed, Description: "Login failed. Please try again.", Err: err}
	}
}

func classifyVerify(err error) *LoginFailure {
	var kfe *idp.KeyFetchError
	if errors.As(err, &kfe) {
		return &LoginFailure{
			Reason:      ReasonIdPUnavailable,
			Description: "The identity provider is temporarily unavailable. Please try again in a moment.",
			Err:         err,
		}
	}
	var tve *idp.TokenVerificationError
	if errors.As(err, &tve) {
		return &LoginFailure{
			Reason:      ReasonInvalidToken,
			Description: "The identity token could not be verified.",
			Err:         err,
		}
	}
	return &LoginFailure{Reason: ReasonLoginFailed, Description: "Login failed. Please try again.", Err: err}
}
