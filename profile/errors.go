package profile

import (
	"fmt"
	"strings"
)

// ValidationError reports an attribute update that was rejected before any
// provider call.
type ValidationError struct {
	Field string
	Key   MessageKey
}

func (e *ValidationError) Error() string {
	if e.Field == "" {
		return "profile update rejected: " + string(e.Key)
	}
	return fmt.Sprintf("profile update rejected: %s: %s", e.Field, e.Key)
}

// GatewayError reports a failed call to the user-management API.
type GatewayError struct {
	// StatusCode is zero when the provider could not be reached.
	StatusCode int
	// Code is the provider's error type, for example NotAuthorizedException.
	Code    string
	Message string
	Err     error
}

func (e *GatewayError) Error() string { return e.Message }

func (e *GatewayError) Unwrap() error { return e.Err }

// Unauthorized reports whether the provider rejected the access token.
func (e *GatewayError) Unauthorized() bool {
	return e.Code == "NotAuthorizedException"
}

// errorType strips the service namespace some endpoints prefix to __type.
func errorType(raw string) string {
	if i := strings.LastIndexByte(raw, '#'); i >= 0 {
		return raw[i+1:]
	}
	return raw
}
