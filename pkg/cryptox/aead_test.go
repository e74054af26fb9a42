package cryptox

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestNewAEAD_RoundTrip(t *testing.T) {
	t.Parallel()

	for _, alg := range []string{AlgorithmAESGCM, AlgorithmChaCha20} {
		t.Run(alg, func(t *testing.T) {
			key, err := GenerateAEADKey()
			require.NoError(t, err)

			aead, err := NewAEAD(alg, key)
			require.NoError(t, err)

			nonce, err := GenerateNonce(aead)
			require.NoError(t, err)

			plaintext := []byte("sensitive payload")
			aad := []byte("key-id:restricted")

			sealed := aead.Seal(nil, nonce, plaintext, aad)
			opened, err := aead.Open(nil, nonce, sealed, aad)
			require.NoError(t, err)
			require.Equal(t, plaintext, opened)
		})
	}
}

func TestNewAEAD_TamperDetection(t *testing.T) {
	t.Parallel()

	key, err := GenerateAEADKey()
	require.NoError(t, err)

	aead, err := NewAEAD(AlgorithmAESGCM, key)
	require.NoError(t, err)

	nonce, err := GenerateNonce(aead)
	require.NoError(t, err)

	sealed := aead.Seal(nil, nonce, []byte("payload"), nil)

	// Flip one bit in each byte position; every mutation must fail to open.
	for i := range sealed {
		mutated := make([]byte, len(sealed))
		copy(mutated, sealed)
		mutated[i] ^= 0x01

		_, err := aead.Open(nil, nonce, mutated, nil)
		require.Error(t, err, "bit flip at byte %d must be detected", i)
	}
}

func TestNewAEAD_RejectsBadInput(t *testing.T) {
	t.Parallel()

	key, err := GenerateAEADKey()
	require.NoError(t, err)

	t.Run("unknown algorithm", func(t *testing.T) {
		_, err := NewAEAD("rot13", key)
		require.Error(t, err)
	})

	t.Run("short key", func(t *testing.T) {
		_, err := NewAEAD(AlgorithmAESGCM, key[:16])
		require.Error(t, err)
	})

	t.Run("wrong aad", func(t *testing.T) {
		aead, err := NewAEAD(AlgorithmChaCha20, key)
		require.NoError(t, err)

		nonce, err := GenerateNonce(aead)
		require.NoError(t, err)

		sealed := aead.Seal(nil, nonce, []byte("payload"), []byte("aad-a"))
		_, err = aead.Open(nil, nonce, sealed, []byte("aad-b"))
		require.Error(t, err)
	})
}
