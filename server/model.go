package server

import (
	"time"

	"authgw/idp"
)

// User is the authenticated identity kept in the session.
type User struct {
	Subject  string `json:"sub"`
	Email    string `json:"email,omitempty"`
	Username string `json:"username,omitempty"`
}

// Session is the per-browser record carried in the encrypted session
// cookie. A zero Session is anonymous.
type Session struct {
	ID         string           `json:"id,omitempty"`
	User       *User            `json:"user,omitempty"`
	Tokens     idp.Tokens       `json:"tokens"`
	OAuthState idp.PendingState `json:"oauth_state"`
	IssuedAt   time.Time        `json:"iat"`
	ExpiresAt  time.Time        `json:"exp"`
}

// Authenticated reports whether the session holds a verified login.
func (s *Session) Authenticated() bool {
	return s != nil && s.User != nil && s.User.Subject != "" && s.Tokens.IDToken != ""
}

// Pending reports whether a login is in flight.
func (s *Session) Pending() bool {
	return s != nil && !s.OAuthState.IsZero()
}

// Empty reports whether there is nothing worth persisting.
func (s *Session) Empty() bool {
	return s == nil || (s.User == nil && s.OAuthState.IsZero() && s.Tokens == (idp.Tokens{}))
}

// Reset returns the session to the anonymous state.
func (s *Session) Reset() {
	*s = Session{}
}
