package idp

import (
	"crypto/rand"
	"crypto/subtle"
	"encoding/base64"
	"fmt"
	"io"
	"time"
)

// DefaultStateTTL bounds how long an issued state stays acceptable.
const DefaultStateTTL = 10 * time.Minute

const stateBytes = 32

// PendingState is the anti-CSRF state recorded in the session while a
// login is in flight.
type PendingState struct {
	Value    string    `json:"value,omitempty"`
	IssuedAt time.Time `json:"issued_at,omitempty"`
}

// IsZero reports whether no state is pending.
func (p PendingState) IsZero() bool { return p.Value == "" }

// StateConfig tunes a StateManager. Zero values select defaults.
type StateConfig struct {
	TTL time.Duration
	// AllowSignup accepts SignupState without a pending state. The hosted
	// UI sends this literal value from its sign-up page, which never passes
	// through Issue.
	AllowSignup bool
	Now         func() time.Time
	Rand        io.Reader
}

// StateManager issues and validates one-time state values.
type StateManager struct {
	ttl         time.Duration
	allowSignup bool
	now         func() time.Time
	rand        io.Reader
}

// NewStateManager constructs a StateManager.
func NewStateManager(cfg StateConfig) *StateManager {
	if cfg.TTL <= 0 {
		cfg.TTL = DefaultStateTTL
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if cfg.Rand == nil {
		cfg.Rand = rand.Reader
	}
	return &StateManager{ttl: cfg.TTL, allowSignup: cfg.AllowSignup, now: cfg.Now, rand: cfg.Rand}
}

// Issue returns a fresh high-entropy state stamped with the current time.
func (m *StateManager) Issue() (PendingState, error) {
	buf := make([]byte, stateBytes)
	if _, err := io.ReadFull(m.rand, buf); err != nil {
		return PendingState{}, fmt.Errorf("generate state: %w", err)
	}
	return PendingState{
		Value:    base64.RawURLEncoding.EncodeToString(buf),
		IssuedAt: m.now(),
	}, nil
}

// Validate checks presented against the pending state and clears the
// pending state whatever the outcome.
func (m *StateManager) Validate(pending *PendingState, presented string) error {
	var expected PendingState
	if pending != nil {
		expected = *pending
		*pending = PendingState{}
	}

	if presented == "" {
		return &StateError{Reason: StateMissing}
	}
	if m.allowSignup && presented == SignupState {
		return nil
	}
	if expected.IsZero() {
		return &StateError{Reason: StateNotPending}
	}
	if subtle.ConstantTimeCompare([]byte(presented), []byte(expected.Value)) != 1 {
		return &StateError{Reason: StateMismatch}
	}
	if m.now().Sub(expected.IssuedAt) > m.ttl {
		return &StateError{Reason: StateExpired}
	}
	return nil
}
