package jwtx

import (
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestSignVerifyRoundTrip(t *testing.T) {
	t.Parallel()

	signer, err := NewSigner("shield-test", "key-1")
	require.NoError(t, err)

	claims := NewAssertionClaims("shield-test", "user-1", "sess-1", 42, true, []string{"totp"}, time.Minute, time.Now())

	token, err := signer.Sign(claims)
	require.NoError(t, err)

	parsed, err := signer.Verify(token)
	require.NoError(t, err)
	require.Equal(t, "user-1", parsed.Subject)
	require.Equal(t, "sess-1", parsed.SID)
	require.Equal(t, 42, parsed.RiskScore)
	require.True(t, parsed.MFAVerified)
	require.Equal(t, []string{"totp"}, parsed.AMR)
}

func TestVerifyRejectsExpired(t *testing.T) {
	t.Parallel()

	signer, err := NewSigner("shield-test", "key-1")
	require.NoError(t, err)

	claims := NewAssertionClaims("shield-test", "user-1", "sess-1", 0, false, nil, time.Minute, time.Now().Add(-time.Hour))

	token, err := signer.Sign(claims)
	require.NoError(t, err)

	_, err = signer.Verify(token)
	require.ErrorIs(t, err, ErrInvalidAssertion)
}

func TestVerifyRejectsTamperedToken(t *testing.T) {
	t.Parallel()

	signer, err := NewSigner("shield-test", "key-1")
	require.NoError(t, err)

	token, err := signer.Sign(NewAssertionClaims("shield-test", "user-1", "sess-1", 0, false, nil, time.Minute, time.Now()))
	require.NoError(t, err)

	// Corrupt the payload segment.
	parts := strings.Split(token, ".")
	require.Len(t, parts, 3)
	parts[1] = parts[1][:len(parts[1])-2] + "xx"

	_, err = signer.Verify(strings.Join(parts, "."))
	require.ErrorIs(t, err, ErrInvalidAssertion)
}

func TestVerifyRejectsForeignIssuer(t *testing.T) {
	t.Parallel()

	a, err := NewSigner("issuer-a", "key-1")
	require.NoError(t, err)
	b, err := NewSigner("issuer-b", "key-1")
	require.NoError(t, err)

	token, err := a.Sign(NewAssertionClaims("issuer-a", "user-1", "sess-1", 0, false, nil, time.Minute, time.Now()))
	require.NoError(t, err)

	_, err = b.Verify(token)
	require.ErrorIs(t, err, ErrInvalidAssertion)
}

func TestSignerFromSeedIsDeterministic(t *testing.T) {
	t.Parallel()

	seed := make([]byte, 32)
	for i := range seed {
		seed[i] = byte(i)
	}

	a, err := NewSignerFromSeed("shield-test", "key-1", seed)
	require.NoError(t, err)
	b, err := NewSignerFromSeed("shield-test", "key-1", seed)
	require.NoError(t, err)

	token, err := a.Sign(NewAssertionClaims("shield-test", "user-1", "sess-1", 10, false, nil, time.Minute, time.Now()))
	require.NoError(t, err)

	// The sibling instance verifies assertions minted by the first.
	parsed, err := b.Verify(token)
	require.NoError(t, err)
	require.Equal(t, "sess-1", parsed.SID)
}
