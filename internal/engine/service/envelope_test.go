package service

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/aussiebroadwan/shield/internal/engine/domain"
	"github.com/aussiebroadwan/shield/internal/engine/store/drivers/memory"
	"github.com/aussiebroadwan/shield/pkg/cryptox"
)

func newEnvelopeService(t *testing.T, algorithm string) (*EnvelopeService, *capturedAudit) {
	t.Helper()

	audit := &capturedAudit{}
	svc, err := NewEnvelopeService(memory.NewStore(), discardLogger(), audit, algorithm)
	require.NoError(t, err)
	return svc, audit
}

func TestEnvelopeRoundTrip(t *testing.T) {
	ctx := context.Background()

	for _, algorithm := range []string{cryptox.AlgorithmAESGCM, cryptox.AlgorithmChaCha20} {
		t.Run(algorithm, func(t *testing.T) {
			svc, audit := newEnvelopeService(t, algorithm)

			for _, classification := range []domain.Classification{
				domain.ClassificationPublic,
				domain.ClassificationInternal,
				domain.ClassificationConfidential,
				domain.ClassificationRestricted,
			} {
				plaintext := []byte("attack at dawn: " + string(classification))

				env, err := svc.Encrypt(ctx, plaintext, classification)
				require.NoError(t, err)
				require.Equal(t, algorithm, env.Algorithm)
				require.Equal(t, classification, env.Classification)
				require.NotEmpty(t, env.KeyID)
				require.NotEmpty(t, env.IntegrityTag)
				require.NotContains(t, string(env.Ciphertext), "attack at dawn")

				got, err := svc.Decrypt(ctx, env)
				require.NoError(t, err)
				require.Equal(t, plaintext, got)
			}

			require.NotEmpty(t, audit.byType(domain.AuditDataEncrypted))
			require.NotEmpty(t, audit.byType(domain.AuditDataDecrypted))
		})
	}
}

func TestEnvelopeTamperDetection(t *testing.T) {
	ctx := context.Background()
	svc, _ := newEnvelopeService(t, cryptox.AlgorithmAESGCM)

	env, err := svc.Encrypt(ctx, []byte("sensitive payload"), domain.ClassificationConfidential)
	require.NoError(t, err)

	t.Run("flipped ciphertext bit", func(t *testing.T) {
		tampered := env
		tampered.Ciphertext = append([]byte(nil), env.Ciphertext...)
		tampered.Ciphertext[0] ^= 0x01

		_, err := svc.Decrypt(ctx, tampered)
		require.ErrorIs(t, err, domain.ErrIntegrity)
	})

	t.Run("flipped tag bit", func(t *testing.T) {
		tampered := env
		tampered.IntegrityTag = append([]byte(nil), env.IntegrityTag...)
		tampered.IntegrityTag[0] ^= 0x01

		_, err := svc.Decrypt(ctx, tampered)
		require.ErrorIs(t, err, domain.ErrIntegrity)
	})

	t.Run("reclassified envelope", func(t *testing.T) {
		// The AAD binds classification; relabelling the envelope breaks it.
		tampered := env
		tampered.Classification = domain.ClassificationPublic

		_, err := svc.Decrypt(ctx, tampered)
		require.ErrorIs(t, err, domain.ErrIntegrity)
	})

	t.Run("unknown key", func(t *testing.T) {
		tampered := env
		tampered.KeyID = "00000000-0000-0000-0000-000000000000"

		_, err := svc.Decrypt(ctx, tampered)
		require.ErrorIs(t, err, domain.ErrNotFound)
	})
}

func TestEnvelopeNonceUniqueness(t *testing.T) {
	ctx := context.Background()
	svc, _ := newEnvelopeService(t, cryptox.AlgorithmAESGCM)

	seen := make(map[string]bool)
	for range 64 {
		env, err := svc.Encrypt(ctx, []byte("same plaintext"), domain.ClassificationInternal)
		require.NoError(t, err)
		require.False(t, seen[string(env.Nonce)], "nonce reuse under one key")
		seen[string(env.Nonce)] = true
	}
}

func TestEnvelopeKeyRotation(t *testing.T) {
	ctx := context.Background()
	svc, _ := newEnvelopeService(t, cryptox.AlgorithmAESGCM)

	before, err := svc.Encrypt(ctx, []byte("pre-rotation"), domain.ClassificationRestricted)
	require.NoError(t, err)

	rotated, err := svc.Rotate(ctx, domain.ClassificationRestricted)
	require.NoError(t, err)
	require.NotEqual(t, before.KeyID, rotated.ID)

	after, err := svc.Encrypt(ctx, []byte("post-rotation"), domain.ClassificationRestricted)
	require.NoError(t, err)
	require.Equal(t, rotated.ID, after.KeyID, "new encryptions use the new key")

	// Old envelopes stay decryptable under the retired key.
	got, err := svc.Decrypt(ctx, before)
	require.NoError(t, err)
	require.Equal(t, []byte("pre-rotation"), got)

	got, err = svc.Decrypt(ctx, after)
	require.NoError(t, err)
	require.Equal(t, []byte("post-rotation"), got)

	t.Run("classifications have independent lineages", func(t *testing.T) {
		other, err := svc.Encrypt(ctx, []byte("other"), domain.ClassificationInternal)
		require.NoError(t, err)
		require.NotEqual(t, after.KeyID, other.KeyID)
	})
}

func TestEnvelopeValidation(t *testing.T) {
	ctx := context.Background()

	t.Run("unknown algorithm refused at construction", func(t *testing.T) {
		_, err := NewEnvelopeService(memory.NewStore(), discardLogger(), &capturedAudit{}, "rot13")
		require.ErrorIs(t, err, domain.ErrValidation)
	})

	t.Run("unknown classification refused", func(t *testing.T) {
		svc, _ := newEnvelopeService(t, cryptox.AlgorithmAESGCM)
		_, err := svc.Encrypt(ctx, []byte("x"), domain.Classification("radioactive"))
		require.ErrorIs(t, err, domain.ErrValidation)

		_, err = svc.Rotate(ctx, domain.Classification("radioactive"))
		require.ErrorIs(t, err, domain.ErrValidation)
	})
}
