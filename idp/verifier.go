package idp

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/coreos/go-oidc/v3/oidc"
	"github.com/go-jose/go-jose/v3"
)

// Claims is the validated view of an ID token.
type Claims struct {
	Subject   string
	Email     string
	Username  string
	TokenUse  string
	Issuer    string
	Audience  []string
	ExpiresAt time.Time
}

type idTokenClaims struct {
	Email    string `json:"email,omitempty"`
	Username string `json:"cognito:username,omitempty"`
	TokenUse string `json:"token_use,omitempty"`
}

// KeyResolver resolves signing keys by key id.
type KeyResolver interface {
	Lookup(ctx context.Context, kid string) (*jose.JSONWebKey, error)
}

// VerifierConfig fixes the expected issuer and audience.
type VerifierConfig struct {
	Issuer   string
	ClientID string
	Leeway   time.Duration
	Now      func() time.Time
}

// Verifier validates ID tokens issued by the configured provider.
type Verifier struct {
	keys KeyResolver
	oidc *oidc.IDTokenVerifier
}

// NewVerifier constructs a Verifier backed by keys.
func NewVerifier(keys KeyResolver, cfg VerifierConfig) *Verifier {
	now := cfg.Now
	if now == nil {
		now = time.Now
	}
	return &Verifier{
		keys: keys,
		oidc: oidc.NewVerifier(cfg.Issuer, &resolverKeySet{keys: keys}, &oidc.Config{
			ClientID:             cfg.ClientID,
			SupportedSigningAlgs: []string{oidc.RS256},
			Now:                  func() time.Time { return now().Add(-cfg.Leeway) },
		}),
	}
}

// Verify checks signature, issuer, audience, expiry and token_use. Tokens
// with any purpose other than "id" are rejected even when correctly signed,
// because access tokens share the same signing keys.
func (v *Verifier) Verify(ctx context.Context, rawIDToken string) (*Claims, error) {
	if rawIDToken == "" {
		return nil, &TokenVerificationError{Reason: ReasonMalformed, Err: errors.New("empty token")}
	}

	// The key is resolved up front so fetch failures and unknown kids keep
	// their types; go-oidc flattens KeySet errors into strings.
	if err := v.resolveKey(ctx, rawIDToken); err != nil {
		return nil, err
	}

	tok, err := v.oidc.Verify(ctx, rawIDToken)
	if err != nil {
		return nil, &TokenVerificationError{Reason: classify(err), Err: err}
	}

	var extra idTokenClaims
	if err := tok.Claims(&extra); err != nil {
		return nil, &TokenVerificationError{Reason: ReasonClaims, Err: err}
	}
	if extra.TokenUse != "id" {
		return nil, &TokenVerificationError{
			Reason: ReasonTokenUse,
			Err:    fmt.Errorf("token_use %q", extra.TokenUse),
		}
	}
	if tok.Subject == "" {
		return nil, &TokenVerificationError{Reason: ReasonClaims, Err: errors.New("sub missing")}
	}

	return &Claims{
		Subject:   tok.Subject,
		Email:     extra.Email,
		Username:  extra.Username,
		TokenUse:  extra.TokenUse,
		Issuer:    tok.Issuer,
		Audience:  tok.Audience,
		ExpiresAt: tok.Expiry,
	}, nil
}

func (v *Verifier) resolveKey(ctx context.Context, raw string) error {
	jws, err := jose.ParseSigned(raw)
	if err != nil {
		return &TokenVerificationError{Reason: ReasonMalformed, Err: err}
	}
	if len(jws.Signatures) != 1 {
		return &TokenVerificationError{Reason: ReasonMalformed, Err: errors.New("expected exactly one signature")}
	}
	hdr := jws.Signatures[0].Header
	if hdr.Algorithm != oidc.RS256 {
		return &TokenVerificationError{Reason: ReasonSignature, Err: fmt.Errorf("unsupported algorithm %q", hdr.Algorithm)}
	}
	if hdr.KeyID == "" {
		return &TokenVerificationError{Reason: ReasonUnknownKey, Err: ErrUnknownKey}
	}
	if _, err := v.keys.Lookup(ctx, hdr.KeyID); err != nil {
		var kfe *KeyFetchError
		if errors.As(err, &kfe) {
			return kfe
		}
		if errors.Is(err, ErrUnknownKey) {
			return &TokenVerificationError{Reason: ReasonUnknownKey, Err: err}
		}
		return &TokenVerificationError{Reason: ReasonSignature, Err: err}
	}
	return nil
}

// resolverKeySet adapts a KeyResolver to oidc.KeySet.
type resolverKeySet struct {
	keys KeyResolver
}

func (s *resolverKeySet) VerifySignature(ctx context.Context, raw string) ([]byte, error) {
	jws, err := jose.ParseSigned(raw)
	if err != nil {
		return nil, fmt.Errorf("parse token: %w", err)
	}
	if len(jws.Signatures) != 1 {
		return nil, errors.New("expected exactly one signature")
	}
	key, err := s.keys.Lookup(ctx, jws.Signatures[0].Header.KeyID)
	if err != nil {
		return nil, err
	}
	return jws.Verify(key.Key)
}

func classify(err error) string {
	var expired *oidc.TokenExpiredError
	if errors.As(err, &expired) {
		if expired.Expiry.IsZero() {
			return ReasonClaims
		}
		return ReasonExpired
	}
	msg := err.Error()
	switch {
	case strings.Contains(msg, "malformed"):
		return ReasonMalformed
	case strings.Contains(msg, "failed to verify signature"), strings.Contains(msg, "unsupported algorithm"):
		return ReasonSignature
	case strings.Contains(msg, "issued by a different provider"):
		return ReasonIssuer
	case strings.Contains(msg, "expected audience"):
		return ReasonAudience
	default:
		return ReasonClaims
	}
}
