package idp_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"authgw/idp"
	"authgw/idp/idptest"
)

const (
	testIssuer   = "https://cognito-idp.ap-northeast-1.amazonaws.com/ap-northeast-1_TEST"
	testClientID = "client-123"
)

type verifierFixture struct {
	key      idptest.Key
	fetcher  *countingFetcher
	clock    *fakeClock
	verifier *idp.Verifier
}

func newVerifierFixture(t *testing.T) *verifierFixture {
	t.Helper()
	key := idptest.NewKey(t)
	fetcher := &countingFetcher{}
	fetcher.publish(key.JWK())
	clock := newFakeClock()
	cache := idp.NewKeyCache(fetcher, idp.KeyCacheConfig{Now: clock.Now})
	return &verifierFixture{
		key:     key,
		fetcher: fetcher,
		clock:   clock,
		verifier: idp.NewVerifier(cache, idp.VerifierConfig{
			Issuer:   testIssuer,
			ClientID: testClientID,
			Now:      clock.Now,
		}),
	}
}

func (f *verifierFixture) claims(sub string) jwt.MapClaims {
	now := f.clock.Now()
	return jwt.MapClaims{
		"sub":              sub,
		"email":            "u1@example.com",
		"cognito:username": "user-one",
		"token_use":        "id",
		"iss":              testIssuer,
		"aud":              testClientID,
		"iat":              now.Unix(),
		"exp":              now.Add(time.Hour).Unix(),
	}
}

func TestVerifyValidToken(t *testing.T) {
	f := newVerifierFixture(t)
	raw := f.key.Sign(t, f.claims("u1"))

	claims, err := f.verifier.Verify(context.Background(), raw)
	require.NoError(t, err)
	assert.Equal(t, "u1", claims.Subject)
	assert.Equal(t, "u1@example.com", claims.Email)
	assert.Equal(t, "user-one", claims.Username)
	assert.Equal(t, "id", claims.TokenUse)
	assert.Equal(t, testIssuer, claims.Issuer)
	assert.Equal(t, []string{testClientID}, claims.Audience)
	assert.Equal(t, f.clock.Now().Add(time.Hour).Unix(), claims.ExpiresAt.Unix())
}

func TestVerifyRejections(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(f *verifierFixture, c jwt.MapClaims)
		reason string
	}{
		{
			name:   "access token",
			mutate: func(_ *verifierFixture, c jwt.MapClaims) { c["token_use"] = "access" },
			reason: idp.ReasonTokenUse,
		},
		{
			name:   "missing token_use",
			mutate: func(_ *verifierFixture, c jwt.MapClaims) { delete(c, "token_use") },
			reason: idp.ReasonTokenUse,
		},
		{
			name:   "foreign issuer",
			mutate: func(_ *verifierFixture, c jwt.MapClaims) { c["iss"] = "https://evil.example.com" },
			reason: idp.ReasonIssuer,
		},
		{
			name:   "other audience",
			mutate: func(_ *verifierFixture, c jwt.MapClaims) { c["aud"] = "someone-else" },
			reason: idp.ReasonAudience,
		},
		{
			name: "expired",
			mutate: func(f *verifierFixture, c jwt.MapClaims) {
				c["exp"] = f.clock.Now().Add(-time.Minute).Unix()
			},
			reason: idp.ReasonExpired,
		},
		{
			name:   "no expiry",
			mutate: func(_ *verifierFixture, c jwt.MapClaims) { delete(c, "exp") },
			reason: idp.ReasonClaims,
		},
		{
			name:   "no subject",
			mutate: func(_ *verifierFixture, c jwt.MapClaims) { delete(c, "sub") },
			reason: idp.ReasonClaims,
		},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			f := newVerifierFixture(t)
			c := f.claims("u1")
			tc.mutate(f, c)
			raw := f.key.Sign(t, c)

			_, err := f.verifier.Verify(context.Background(), raw)
			var tve *idp.TokenVerificationError
			require.ErrorAs(t, err, &tve)
			assert.Equal(t, tc.reason, tve.Reason)
		})
	}
}

func TestVerifyRejectsForeignSignature(t *testing.T) {
	f := newVerifierFixture(t)
	impostor := idptest.NewKey(t)
	impostor.KID = f.key.KID
	raw := impostor.Sign(t, f.claims("u1"))

	_, err := f.verifier.Verify(context.Background(), raw)
	var tve *idp.TokenVerificationError
	require.ErrorAs(t, err, &tve)
	assert.Equal(t, idp.ReasonSignature, tve.Reason)
}

func TestVerifyRejectsSymmetricAlgorithm(t *testing.T) {
	f := newVerifierFixture(t)
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, f.claims("u1"))
	token.Header["kid"] = f.key.KID
	raw, err := token.SignedString([]byte("shared"))
	require.NoError(t, err)

	_, err = f.verifier.Verify(context.Background(), raw)
	var tve *idp.TokenVerificationError
	require.ErrorAs(t, err, &tve)
	assert.Equal(t, idp.ReasonSignature, tve.Reason)
}

func TestVerifyMalformed(t *testing.T) {
	f := newVerifierFixture(t)
	for _, raw := range []string{"", "not-a-jwt", "a.b.c"} {
		_, err := f.verifier.Verify(context.Background(), raw)
		var tve *idp.TokenVerificationError
		require.ErrorAs(t, err, &tve, raw)
		assert.Equal(t, idp.ReasonMalformed, tve.Reason, raw)
	}
}

func TestVerifyUnknownKey(t *testing.T) {
	f := newVerifierFixture(t)
	other := idptest.NewKey(t)
	raw := other.Sign(t, f.claims("u1"))

	_, err := f.verifier.Verify(context.Background(), raw)
	var tve *idp.TokenVerificationError
	require.ErrorAs(t, err, &tve)
	assert.Equal(t, idp.ReasonUnknownKey, tve.Reason)
	assert.True(t, errors.Is(err, idp.ErrUnknownKey))
}

func TestVerifyKeyFetchFailure(t *testing.T) {
	f := newVerifierFixture(t)
	f.fetcher.fail(errors.New("dial tcp: connection refused"))
	raw := f.key.Sign(t, f.claims("u1"))

	_, err := f.verifier.Verify(context.Background(), raw)
	var kfe *idp.KeyFetchError
	require.ErrorAs(t, err, &kfe)
	var tve *idp.TokenVerificationError
	assert.False(t, errors.As(err, &tve))
}

func TestVerifyAgainstFakeProvider(t *testing.T) {
	provider := idptest.New(t)
	cache := idp.NewKeyCache(idp.NewHTTPKeyFetcher(provider.Server.URL+"/.well-known/jwks.json", time.Second), idp.KeyCacheConfig{})
	verifier := idp.NewVerifier(cache, idp.VerifierConfig{Issuer: provider.Issuer(), ClientID: idptest.ClientID})

	claims, err := verifier.Verify(context.Background(), provider.MintIDToken("u1"))
	require.NoError(t, err)
	assert.Equal(t, "u1", claims.Subject)

	_, err = verifier.Verify(context.Background(), provider.MintIDToken("u2"))
	require.NoError(t, err)
	assert.EqualValues(t, 1, provider.JWKSFetches())
}

func TestVerifyLeeway(t *testing.T) {
	f := newVerifierFixture(t)
	c := f.claims("u1")
	c["exp"] = f.clock.Now().Add(-30 * time.Second).Unix()
	raw := f.key.Sign(t, c)

	_, err := f.verifier.Verify(context.Background(), raw)
	var tve *idp.TokenVerificationError
	require.ErrorAs(t, err, &tve)
	assert.Equal(t, idp.ReasonExpired, tve.Reason)

	lenient := idp.NewVerifier(idp.NewKeyCache(f.fetcher, idp.KeyCacheConfig{Now: f.clock.Now}), idp.VerifierConfig{
		Issuer:   testIssuer,
		ClientID: testClientID,
		Leeway:   time.Minute,
		Now:      f.clock.Now,
	})
	claims, err := lenient.Verify(context.Background(), raw)
	require.NoError(t, err)
	assert.Equal(t, "u1", claims.Subject)
}
