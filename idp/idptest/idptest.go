// Package idptest runs an in-process identity provider for tests: a JWKS
// endpoint, a token endpoint and the user-management API.
package idptest

import (
	"crypto/rand"
	"crypto/rsa"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/go-jose/go-jose/v3"
	"github.com/golang-jwt/jwt/v5"

	"authgw/idp"
)

// Fixed client credentials registered with the fake provider.
const (
	ClientID     = "test-client"
	ClientSecret = "test-secret"
)

// Key is an RSA signing key with its key id.
type Key struct {
	Private *rsa.PrivateKey
	KID     string
}

// NewKey generates a 2048-bit RSA key with a random kid.
func NewKey(t testing.TB) Key {
	t.Helper()
	priv, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		t.Fatalf("generate rsa key: %v", err)
	}
	buf := make([]byte, 6)
	_, _ = rand.Read(buf)
	return Key{Private: priv, KID: hex.EncodeToString(buf)}
}

// JWK returns the public half as a JSON Web Key.
func (k Key) JWK() jose.JSONWebKey {
	return jose.JSONWebKey{Key: &k.Private.PublicKey, KeyID: k.KID, Algorithm: string(jose.RS256), Use: "sig"}
}

// Sign signs claims with RS256 and the key's kid header.
func (k Key) Sign(t testing.TB, claims jwt.MapClaims) string {
	t.Helper()
	token := jwt.NewWithClaims(jwt.SigningMethodRS256, claims)
	token.Header["kid"] = k.KID
	signed, err := token.SignedString(k.Private)
	if err != nil {
		t.Fatalf("sign token: %v", err)
	}
	return signed
}

// UserRecord is a user known to the fake user-management API.
type UserRecord struct {
	Username   string
	Attributes map[string]string
}

// Provider is the fake identity provider.
type Provider struct {
	Server *httptest.Server
	Key    Key

	t          testing.TB
	mu         sync.Mutex
	codes      map[string]idp.Tokens
	users      map[string]*UserRecord
	jwksFetch  atomic.Int64
	tokenCalls atomic.Int64
	userCalls  atomic.Int64
	jwksStatus int
	extraKeys  []jose.JSONWebKey
}

// New starts a fake provider; it is closed when the test ends.
func New(t testing.TB) *Provider {
	t.Helper()
	p := &Provider{
		Key:        NewKey(t),
		t:          t,
		codes:      make(map[string]idp.Tokens),
		users:      make(map[string]*UserRecord),
		jwksStatus: http.StatusOK,
	}
	mux := http.NewServeMux()
	mux.HandleFunc("/.well-known/jwks.json", p.handleJWKS)
	mux.HandleFunc("/oauth2/token", p.handleToken)
	mux.HandleFunc("/user-api/", p.handleUserAPI)
	p.Server = httptest.NewServer(mux)
	t.Cleanup(p.Server.Close)
	return p
}

// Settings returns provider settings pointing at the fake endpoints.
func (p *Provider) Settings(redirectURI string) idp.Settings {
	return idp.Settings{
		Region:            "test-region-1",
		UserPoolID:        "test-pool",
		ClientID:          ClientID,
		ClientSecret:      ClientSecret,
		Domain:            p.Server.URL,
		RedirectURI:       redirectURI,
		LogoutRedirectURI: "http://frontend.test/",
		Issuer:            p.Issuer(),
		UserAPIEndpoint:   p.Server.URL + "/user-api/",
	}
}

// Issuer returns the issuer URL placed in minted tokens.
func (p *Provider) Issuer() string { return p.Server.URL }

// IDTokenClaims returns valid ID token claims for sub.
func (p *Provider) IDTokenClaims(sub string) jwt.MapClaims {
	now := time.Now()
	return jwt.MapClaims{
		"sub":              sub,
		"email":            sub + "@example.com",
		"cognito:username": sub,
		"token_use":        "id",
		"iss":              p.Issuer(),
		"aud":              ClientID,
		"iat":              now.Unix(),
		"exp":              now.Add(time.Hour).Unix(),
	}
}

// MintIDToken signs a valid ID token for sub.
func (p *Provider) MintIDToken(sub string) string {
	return p.Key.Sign(p.t, p.IDTokenClaims(sub))
}

// IssueCode registers an authorization code redeemable for tokens of sub,
// and a user record behind the returned access token.
func (p *Provider) IssueCode(code, sub string) idp.Tokens {
	tokens := idp.Tokens{IDToken: p.MintIDToken(sub), AccessToken: "access-" + code}
	p.mu.Lock()
	defer p.mu.Unlock()
	p.codes[code] = tokens
	p.users[tokens.AccessToken] = &UserRecord{
		Username:   sub,
		Attributes: map[string]string{"sub": sub, "email": sub + "@example.com"},
	}
	return tokens
}

// User returns the record behind an access token.
func (p *Provider) User(accessToken string) (*UserRecord, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	u, ok := p.users[accessToken]
	return u, ok
}

// SetJWKSStatus makes the JWKS endpoint answer with status.
func (p *Provider) SetJWKSStatus(status int) {
	p.mu.Lock()
	p.jwksStatus = status
	p.mu.Unlock()
}

// AddKey publishes an additional key in the JWKS.
func (p *Provider) AddKey(k Key) {
	p.mu.Lock()
	p.extraKeys = append(p.extraKeys, k.JWK())
	p.mu.Unlock()
}

// JWKSFetches reports how many times the JWKS endpoint was called.
func (p *Provider) JWKSFetches() int64 { return p.jwksFetch.Load() }

// TokenCalls reports how many times the token endpoint was called.
func (p *Provider) TokenCalls() int64 { return p.tokenCalls.Load() }

// UserAPICalls reports how many times the user API was called.
func (p *Provider) UserAPICalls() int64 { return p.userCalls.Load() }

func (p *Provider) handleJWKS(w http.ResponseWriter, r *http.Request) {
	p.jwksFetch.Add(1)
	p.mu.Lock()
	status := p.jwksStatus
	keys := append([]jose.JSONWebKey{p.Key.JWK()}, p.extraKeys...)
	p.mu.Unlock()

	if status != http.StatusOK {
		w.WriteHeader(status)
		return
	}
	writeJSON(w, http.StatusOK, jose.JSONWebKeySet{Keys: keys})
}

func (p *Provider) handleToken(w http.ResponseWriter, r *http.Request) {
	p.tokenCalls.Add(1)
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	id, secret, ok := r.BasicAuth()
	if !ok || id != ClientID || secret != ClientSecret {
		writeJSON(w, http.StatusUnauthorized, map[string]string{"error": "invalid_client"})
		return
	}
	if err := r.ParseForm(); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid_request"})
		return
	}
	if r.PostForm.Get("grant_type") != "authorization_code" {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "unsupported_grant_type"})
		return
	}

	code := r.PostForm.Get("code")
	p.mu.Lock()
	tokens, ok := p.codes[code]
	delete(p.codes, code)
	p.mu.Unlock()
	if !ok {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid_grant"})
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"id_token":     tokens.IDToken,
		"access_token": tokens.AccessToken,
		"token_type":   "Bearer",
		"expires_in":   3600,
	})
}

type apiError struct {
	Type    string `json:"__type"`
	Message string `json:"message"`
}

func (p *Provider) handleUserAPI(w http.ResponseWriter, r *http.Request) {
	p.userCalls.Add(1)
	var body struct {
		AccessToken    string `json:"AccessToken"`
		UserAttributes []struct {
			Name  string `json:"Name"`
			Value string `json:"Value"`
		} `json:"UserAttributes"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeJSON(w, http.StatusBadRequest, apiError{Type: "SerializationException", Message: "bad body"})
		return
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	user, ok := p.users[body.AccessToken]
	if !ok {
		writeJSON(w, http.StatusBadRequest, apiError{Type: "NotAuthorizedException", Message: "Invalid Access Token"})
		return
	}

	target := r.Header.Get("X-Amz-Target")
	switch strings.TrimPrefix(target, "AWSCognitoIdentityProviderService.") {
	case "GetUser":
		attrs := make([]map[string]string, 0, len(user.Attributes))
		for name, value := range user.Attributes {
			attrs = append(attrs, map[string]string{"Name": name, "Value": value})
		}
		writeJSON(w, http.StatusOK, map[string]any{"Username": user.Username, "UserAttributes": attrs})
	case "UpdateUserAttributes":
		for _, a := range body.UserAttributes {
			if a.Name == "custom:handle" && a.Value == "taken" {
				writeJSON(w, http.StatusBadRequest, apiError{Type: "InvalidParameterException", Message: "handle already in use"})
				return
			}
		}
		for _, a := range body.UserAttributes {
			user.Attributes[a.Name] = a.Value
		}
		writeJSON(w, http.StatusOK, map[string]any{})
	default:
		writeJSON(w, http.StatusBadRequest, apiError{Type: "UnknownOperationException", Message: fmt.Sprintf("unknown target %q", target)})
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
