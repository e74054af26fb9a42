package cryptox

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestGenerateToken(t *testing.T) {
	tests := []struct {
		name string
		size int
	}{
		{"64-bit backup code", TokenSize64},
		{"128-bit session id", TokenSize128},
		{"160-bit totp secret", TokenSize160},
		{"256-bit secret", TokenSize256},
		{"custom size", 24},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			token, err := GenerateToken(tt.size)
			require.NoError(t, err)
			require.NotEmpty(t, token)

			// Verify token is unique (generate another and compare)
			token2, err := GenerateToken(tt.size)
			require.NoError(t, err)
			require.NotEqual(t, token, token2, "tokens should be unique")
		})
	}
}

func TestGenerateToken_InvalidSize(t *testing.T) {
	for _, size := range []int{0, -1} {
		token, err := GenerateToken(size)
		require.Error(t, err)
		require.Empty(t, token)
	}
}

func TestMustGenerateToken_Panics(t *testing.T) {
	require.Panics(t, func() {
		MustGenerateToken(0)
	})
}

func TestFingerprintToken(t *testing.T) {
	fp1a := FingerprintToken("code-one")
	fp1b := FingerprintToken("code-one")
	fp2 := FingerprintToken("code-two")

	// Fingerprint should be deterministic
	require.Equal(t, fp1a, fp1b)

	// Different tokens should have different fingerprints
	require.NotEqual(t, fp1a, fp2)

	// Fingerprint should be base64url encoded SHA-256 (43 chars)
	require.Len(t, fp1a, 43)
}

func TestConstantTimeEquals(t *testing.T) {
	require.True(t, ConstantTimeEquals("123456", "123456"))
	require.False(t, ConstantTimeEquals("123456", "123457"))
	require.False(t, ConstantTimeEquals("123456", "12345"))
}

func TestGenerateToken_EntropyQuality(t *testing.T) {
	// Generate multiple tokens and ensure they're all different
	const count = 100
	tokens := make(map[string]bool, count)

	for range count {
		token, err := GenerateToken(TokenSize128)
		require.NoError(t, err)
		require.NotContains(t, tokens, token, "duplicate token generated")
		tokens[token] = true
	}
}
