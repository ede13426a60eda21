package idp

import (
	"errors"
	"fmt"
)

// ErrUnknownKey is returned by KeyCache.Lookup when no key matches the kid.
var ErrUnknownKey = errors.New("signing key not found")

// KeyFetchError reports that the provider's key set could not be retrieved.
type KeyFetchError struct {
	Err error
}

func (e *KeyFetchError) Error() string {
	return "fetch signing keys: identity provider unavailable"
}

func (e *KeyFetchError) Unwrap() error { return e.Err }

// Verification failure reasons.
const (
	ReasonMalformed  = "malformed"
	ReasonSignature  = "signature"
	ReasonUnknownKey = "unknown_key"
	ReasonIssuer     = "issuer"
	ReasonAudience   = "audience"
	ReasonExpired    = "expired"
	ReasonTokenUse   = "token_use"
	ReasonClaims     = "claims"
)

// TokenVerificationError reports a rejected ID token. Err keeps the library
// error for logging and is never part of Error().
type TokenVerificationError struct {
	Reason string
	Err    error
}

func (e *TokenVerificationError) Error() string {
	return "id token verification failed: " + e.Reason
}

func (e *TokenVerificationError) Unwrap() error { return e.Err }

// State failure reasons.
const (
	StateMissing    = "missing"
	StateNotPending = "not_pending"
	StateMismatch   = "mismatch"
	StateExpired    = "expired"
)

// StateError reports a rejected OAuth state parameter.
type StateError struct {
	Reason string
}

func (e *StateError) Error() string {
	return "oauth state invalid: " + e.Reason
}

// ExchangeFailureKind classifies code exchange failures.
type ExchangeFailureKind int

const (
	// ExchangeUnexpected covers malformed or incomplete token responses.
	ExchangeUnexpected ExchangeFailureKind = iota
	// ExchangeHTTPStatus means the token endpoint answered with an error status.
	ExchangeHTTPStatus
	// ExchangeNetwork means the token endpoint could not be reached.
	ExchangeNetwork
)

func (k ExchangeFailureKind) String() string {
	switch k {
	case ExchangeHTTPStatus:
		return "http_status"
	case ExchangeNetwork:
		return "network"
	default:
		return "unexpected"
	}
}

// CodeExchangeError reports a failed authorization-code exchange.
type CodeExchangeError struct {
	Kind       ExchangeFailureKind
	StatusCode int
	// ErrorCode is the OAuth error code returned by the provider, if any.
	ErrorCode string
	Err       error
}

func (e *CodeExchangeError) Error() string {
	switch e.Kind {
	case ExchangeHTTPStatus:
		if e.ErrorCode != "" {
			return fmt.Sprintf("code exchange rejected: status %d (%s)", e.StatusCode, e.ErrorCode)
		}
		return fmt.Sprintf("code exchange rejected: status %d", e.StatusCode)
	case ExchangeNetwork:
		return "code exchange failed: token endpoint unreachable"
	default:
		return "code exchange failed: unexpected response"
	}
}

func (e *CodeExchangeError) Unwrap() error { return e.Err }
