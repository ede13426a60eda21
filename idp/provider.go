package idp

import (
	"errors"
	"fmt"
	"net/url"
	"strings"

	"github.com/coreos/go-oidc/v3/oidc"
	"golang.org/x/oauth2"
)

// SignupState is the fixed state value the hosted UI returns after its
// sign-up page. It is only honoured when explicitly enabled.
const SignupState = "signup"

// Scopes requested on every authorization request.
var Scopes = []string{oidc.ScopeOpenID, "profile", "email", "phone"}

// Settings identifies the user pool, app client and hosted-UI domain.
type Settings struct {
	Region            string
	UserPoolID        string
	ClientID          string
	ClientSecret      string
	Domain            string
	RedirectURI       string
	LogoutRedirectURI string

	// Issuer and UserAPIEndpoint override the values derived from Region
	// and UserPoolID. Used for non-AWS deployments and tests.
	Issuer          string
	UserAPIEndpoint string
}

// Provider holds the endpoints of the configured identity provider.
type Provider struct {
	settings Settings
	issuer   string
	userAPI  string
	domain   string
	oauth    *oauth2.Config
}

// NewProvider builds the provider endpoints without network discovery.
func NewProvider(s Settings) (*Provider, error) {
	if s.ClientID == "" {
		return nil, errors.New("client id required")
	}
	if s.Domain == "" {
		return nil, errors.New("hosted ui domain required")
	}

	issuer := s.Issuer
	if issuer == "" {
		if s.Region == "" || s.UserPoolID == "" {
			return nil, errors.New("region and user pool id required")
		}
		issuer = fmt.Sprintf("https://cognito-idp.%s.amazonaws.com/%s", s.Region, s.UserPoolID)
	}
	issuer = strings.TrimSuffix(issuer, "/")

	userAPI := s.UserAPIEndpoint
	if userAPI == "" {
		userAPI = fmt.Sprintf("https://cognito-idp.%s.amazonaws.com/", s.Region)
	}

	domain := strings.TrimSuffix(s.Domain, "/")
	if _, err := url.Parse(domain); err != nil {
		return nil, fmt.Errorf("parse domain: %w", err)
	}

	endpoint := oauth2.Endpoint{
		AuthURL:   domain + "/oauth2/authorize",
		TokenURL:  domain + "/oauth2/token",
		AuthStyle: oauth2.AuthStyleInHeader,
	}

	return &Provider{
		settings: s,
		issuer:   issuer,
		userAPI:  userAPI,
		domain:   domain,
		oauth: &oauth2.Config{
			ClientID:     s.ClientID,
			ClientSecret: s.ClientSecret,
			RedirectURL:  s.RedirectURI,
			Endpoint:     endpoint,
			Scopes:       Scopes,
		},
	}, nil
}

// Issuer returns the exact issuer URL expected in ID tokens.
func (p *Provider) Issuer() string { return p.issuer }

// ClientID returns the app client id, which is also the ID token audience.
func (p *Provider) ClientID() string { return p.settings.ClientID }

// JWKSURL returns the location of the provider's public signing keys.
func (p *Provider) JWKSURL() string { return p.issuer + "/.well-known/jwks.json" }

// UserAPIEndpoint returns the user-management API endpoint.
func (p *Provider) UserAPIEndpoint() string { return p.userAPI }

// OAuth2Config exposes the client configuration used for code exchange.
func (p *Provider) OAuth2Config() *oauth2.Config { return p.oauth }

// AuthCodeURL builds the hosted-UI authorize URL for the given state.
func (p *Provider) AuthCodeURL(state string) string {
	return p.oauth.AuthCodeURL(state)
}

// SignupURL builds the hosted-UI sign-up URL carrying the signup sentinel.
func (p *Provider) SignupURL() string {
	q := url.Values{}
	q.Set("client_id", p.settings.ClientID)
	q.Set("response_type", "code")
	q.Set("scope", strings.Join(Scopes, " "))
	q.Set("redirect_uri", p.settings.RedirectURI)
	q.Set("state", SignupState)
	return p.domain + "/signup?" + q.Encode()
}

// LogoutURL builds the hosted-UI logout URL.
func (p *Provider) LogoutURL() string {
	q := url.Values{}
	q.Set("client_id", p.settings.ClientID)
	q.Set("logout_uri", p.settings.LogoutRedirectURI)
	return p.domain + "/logout?" + q.Encode()
}
