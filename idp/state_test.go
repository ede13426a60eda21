package idp_test

import (
	"bytes"
	"encoding/base64"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"authgw/idp"
)

func TestIssueStateIsRandomAndStamped(t *testing.T) {
	clock := newFakeClock()
	m := idp.NewStateManager(idp.StateConfig{Now: clock.Now})

	a, err := m.Issue()
	require.NoError(t, err)
	b, err := m.Issue()
	require.NoError(t, err)

	assert.NotEqual(t, a.Value, b.Value)
	assert.Equal(t, clock.Now(), a.IssuedAt)
	raw, err := base64.RawURLEncoding.DecodeString(a.Value)
	require.NoError(t, err)
	assert.Len(t, raw, 32)
}

func TestIssueStateRandFailure(t *testing.T) {
	m := idp.NewStateManager(idp.StateConfig{Rand: bytes.NewReader(nil)})
	_, err := m.Issue()
	require.Error(t, err)
}

func TestValidateStateSingleUse(t *testing.T) {
	m := idp.NewStateManager(idp.StateConfig{})
	pending, err := m.Issue()
	require.NoError(t, err)
	value := pending.Value

	require.NoError(t, m.Validate(&pending, value))
	assert.True(t, pending.IsZero())

	err = m.Validate(&pending, value)
	var se *idp.StateError
	require.ErrorAs(t, err, &se)
	assert.Equal(t, idp.StateNotPending, se.Reason)
}

func TestValidateStateFailures(t *testing.T) {
	clock := newFakeClock()
	m := idp.NewStateManager(idp.StateConfig{Now: clock.Now})

	tests := []struct {
		name      string
		pending   func() idp.PendingState
		presented string
		reason    string
	}{
		{
			name:      "missing",
			pending:   func() idp.PendingState { return idp.PendingState{Value: "abc", IssuedAt: clock.Now()} },
			presented: "",
			reason:    idp.StateMissing,
		},
		{
			name:      "nothing pending",
			pending:   func() idp.PendingState { return idp.PendingState{} },
			presented: "abc",
			reason:    idp.StateNotPending,
		},
		{
			name:      "mismatch",
			pending:   func() idp.PendingState { return idp.PendingState{Value: "abc", IssuedAt: clock.Now()} },
			presented: "abd",
			reason:    idp.StateMismatch,
		},
		{
			name: "expired",
			pending: func() idp.PendingState {
				return idp.PendingState{Value: "abc", IssuedAt: clock.Now().Add(-601 * time.Second)}
			},
			presented: "abc",
			reason:    idp.StateExpired,
		},
		{
			name:      "signup sentinel disabled",
			pending:   func() idp.PendingState { return idp.PendingState{} },
			presented: idp.SignupState,
			reason:    idp.StateNotPending,
		},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			pending := tc.pending()
			err := m.Validate(&pending, tc.presented)
			var se *idp.StateError
			require.ErrorAs(t, err, &se)
			assert.Equal(t, tc.reason, se.Reason)
			assert.True(t, pending.IsZero(), "pending state must be cleared")
		})
	}
}

func TestValidateStateWithinTTL(t *testing.T) {
	clock := newFakeClock()
	m := idp.NewStateManager(idp.StateConfig{Now: clock.Now})
	pending := idp.PendingState{Value: "abc", IssuedAt: clock.Now().Add(-599 * time.Second)}
	require.NoError(t, m.Validate(&pending, "abc"))
}

func TestValidateSignupSentinelWhenEnabled(t *testing.T) {
	m := idp.NewStateManager(idp.StateConfig{AllowSignup: true})

	var pending idp.PendingState
	require.NoError(t, m.Validate(&pending, idp.SignupState))

	issued, err := m.Issue()
	require.NoError(t, err)
	require.NoError(t, m.Validate(&issued, idp.SignupState))
	assert.True(t, issued.IsZero())
}

func TestValidateNilPending(t *testing.T) {
	m := idp.NewStateManager(idp.StateConfig{})
	err := m.Validate(nil, "abc")
	var se *idp.StateError
	require.ErrorAs(t, err, &se)
	assert.Equal(t, idp.StateNotPending, se.Reason)
}
