package service

import (
	"context"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/pquerna/otp"
	"github.com/pquerna/otp/totp"
	"github.com/stretchr/testify/require"

	"github.com/aussiebroadwan/shield/internal/engine/domain"
	"github.com/aussiebroadwan/shield/pkg/ratex"
)

// totpCode derives the expected token for a secret at a point in time, using
// the same parameters the service verifies with.
func totpCode(t *testing.T, secret string, at time.Time) string {
	t.Helper()

	code, err := totp.GenerateCodeCustom(secret, at.UTC(), totp.ValidateOpts{
		Period:    30,
		Digits:    otp.DigitsSix,
		Algorithm: otp.AlgorithmSHA1,
	})
	require.NoError(t, err)
	return code
}

func TestEnrollTOTP(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t)

	provisioning, err := env.mfa.Enroll(ctx, "u1", domain.MethodTOTP)
	require.NoError(t, err)
	require.NotEmpty(t, provisioning.Secret)
	require.Len(t, provisioning.BackupCodes, 10)
	require.Contains(t, provisioning.ProvisioningURI, "otpauth://")
	require.Contains(t, provisioning.ProvisioningURI, "u1")

	// The stored secret is envelope-encrypted, never plaintext.
	enrollment, err := env.store.Enrollments().Get(ctx, "u1", domain.MethodTOTP)
	require.NoError(t, err)
	require.True(t, enrollment.Enabled)
	require.NotContains(t, string(enrollment.SecretEnvelope.Ciphertext), provisioning.Secret)

	require.Len(t, env.audit.byType(domain.AuditMFAEnabled), 1)

	t.Run("double enrollment rejected", func(t *testing.T) {
		_, err := env.mfa.Enroll(ctx, "u1", domain.MethodTOTP)
		require.ErrorIs(t, err, domain.ErrConflict)
	})

	t.Run("backup codes not directly enrollable", func(t *testing.T) {
		_, err := env.mfa.Enroll(ctx, "u2", domain.MethodBackupCodes)
		require.ErrorIs(t, err, domain.ErrValidation)
	})
}

func TestVerifyTOTPWindow(t *testing.T) {
	ctx := context.Background()
	base := time.Date(2026, 3, 14, 10, 0, 15, 0, time.UTC)

	cases := []struct {
		name     string
		tokenAt  time.Duration
		verified bool
	}{
		{"current step", 0, true},
		{"previous step", -30 * time.Second, true},
		{"next step", 30 * time.Second, true},
		{"two steps back", -60 * time.Second, false},
		{"two steps ahead", 60 * time.Second, false},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			env := newTestEnv(t)
			env.mfa.now = func() time.Time { return base }

			provisioning, err := env.mfa.Enroll(ctx, "u1", domain.MethodTOTP)
			require.NoError(t, err)

			token := totpCode(t, provisioning.Secret, base.Add(tc.tokenAt))
			result, err := env.mfa.Verify(ctx, "u1", domain.MethodTOTP, token)
			require.NoError(t, err)
			require.Equal(t, tc.verified, result.Verified)
		})
	}
}

func TestVerifyTOTPReplayRejected(t *testing.T) {
	ctx := context.Background()
	base := time.Date(2026, 3, 14, 10, 0, 15, 0, time.UTC)

	env := newTestEnv(t)
	env.mfa.now = func() time.Time { return base }

	provisioning, err := env.mfa.Enroll(ctx, "u1", domain.MethodTOTP)
	require.NoError(t, err)

	token := totpCode(t, provisioning.Secret, base)

	result, err := env.mfa.Verify(ctx, "u1", domain.MethodTOTP, token)
	require.NoError(t, err)
	require.True(t, result.Verified)

	// Same token within the same step is a replay.
	result, err = env.mfa.Verify(ctx, "u1", domain.MethodTOTP, token)
	require.NoError(t, err)
	require.False(t, result.Verified)

	// The next step's token is fresh.
	env.mfa.now = func() time.Time { return base.Add(30 * time.Second) }
	result, err = env.mfa.Verify(ctx, "u1", domain.MethodTOTP, totpCode(t, provisioning.Secret, base.Add(30*time.Second)))
	require.NoError(t, err)
	require.True(t, result.Verified)
}

func TestVerifyBackupCodeSingleUse(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t)

	provisioning, err := env.mfa.Enroll(ctx, "u1", domain.MethodTOTP)
	require.NoError(t, err)
	code := provisioning.BackupCodes[0]

	result, err := env.mfa.Verify(ctx, "u1", domain.MethodBackupCodes, code)
	require.NoError(t, err)
	require.True(t, result.Verified)

	result, err = env.mfa.Verify(ctx, "u1", domain.MethodBackupCodes, code)
	require.NoError(t, err)
	require.False(t, result.Verified)
}

func TestVerifyBackupCodeConcurrent(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t)

	provisioning, err := env.mfa.Enroll(ctx, "u1", domain.MethodTOTP)
	require.NoError(t, err)
	code := provisioning.BackupCodes[3]

	const workers = 16
	var (
		wg        sync.WaitGroup
		mu        sync.Mutex
		successes int
	)
	for range workers {
		wg.Add(1)
		go func() {
			defer wg.Done()
			result, err := env.mfa.Verify(ctx, "u1", domain.MethodBackupCodes, code)
			if err == nil && result.Verified {
				mu.Lock()
				successes++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	require.Equal(t, 1, successes, "exactly one concurrent attempt may consume a backup code")
}

func TestBruteForceEscalatesExactlyOnce(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t)

	_, err := env.mfa.Enroll(ctx, "u1", domain.MethodTOTP)
	require.NoError(t, err)

	for i := range 7 {
		result, err := env.mfa.Verify(ctx, "u1", domain.MethodTOTP, "000000")
		require.NoError(t, err)
		require.False(t, result.Verified)

		want := 5 - (i + 1)
		if want < 0 {
			want = 0
		}
		require.Equal(t, want, result.RemainingAttempts)
	}

	// Seven failures, one escalation: it fires when the counter lands on the
	// ceiling and not again until a success resets it.
	require.Len(t, env.audit.byType(domain.AuditMFAFailed), 7)
	suspicious := env.audit.byType(domain.AuditSuspiciousActivity)
	require.Len(t, suspicious, 1)
	require.Equal(t, "MFA_BRUTE_FORCE", suspicious[0].Metadata["activity_type"])
}

func TestBruteForceCounterResetsOnSuccess(t *testing.T) {
	ctx := context.Background()
	base := time.Date(2026, 3, 14, 10, 0, 15, 0, time.UTC)

	env := newTestEnv(t)
	env.mfa.now = func() time.Time { return base }

	provisioning, err := env.mfa.Enroll(ctx, "u1", domain.MethodTOTP)
	require.NoError(t, err)

	for range 4 {
		_, err := env.mfa.Verify(ctx, "u1", domain.MethodTOTP, "000000")
		require.NoError(t, err)
	}

	result, err := env.mfa.Verify(ctx, "u1", domain.MethodTOTP, totpCode(t, provisioning.Secret, base))
	require.NoError(t, err)
	require.True(t, result.Verified)

	enrollment, err := env.store.Enrollments().Get(ctx, "u1", domain.MethodTOTP)
	require.NoError(t, err)
	require.Zero(t, enrollment.FailedAttempts)

	// A fresh run of five failures escalates again.
	for range 5 {
		_, err := env.mfa.Verify(ctx, "u1", domain.MethodTOTP, "000000")
		require.NoError(t, err)
	}
	require.Len(t, env.audit.byType(domain.AuditSuspiciousActivity), 1)
}

// TestMFAExampleScenario walks one identity through the canonical flow:
// verify, replay, then four wrong tokens ending exactly on the ceiling.
func TestMFAExampleScenario(t *testing.T) {
	ctx := context.Background()
	base := time.Date(2026, 3, 14, 10, 0, 15, 0, time.UTC)

	env := newTestEnv(t)
	env.mfa.now = func() time.Time { return base }

	provisioning, err := env.mfa.Enroll(ctx, "u1", domain.MethodTOTP)
	require.NoError(t, err)

	token := totpCode(t, provisioning.Secret, base)

	result, err := env.mfa.Verify(ctx, "u1", domain.MethodTOTP, token)
	require.NoError(t, err)
	require.True(t, result.Verified)

	result, err = env.mfa.Verify(ctx, "u1", domain.MethodTOTP, token)
	require.NoError(t, err)
	require.False(t, result.Verified, "replayed token for a consumed step must fail")

	for range 4 {
		result, err = env.mfa.Verify(ctx, "u1", domain.MethodTOTP, "999999")
		require.NoError(t, err)
		require.False(t, result.Verified)
	}

	enrollment, err := env.store.Enrollments().Get(ctx, "u1", domain.MethodTOTP)
	require.NoError(t, err)
	require.Equal(t, 5, enrollment.FailedAttempts)

	require.Len(t, env.audit.byType(domain.AuditMFAFailed), 5)
	require.Len(t, env.audit.byType(domain.AuditSuspiciousActivity), 1)
}

func TestVerifyErrors(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t)

	t.Run("not enrolled", func(t *testing.T) {
		_, err := env.mfa.Verify(ctx, "ghost", domain.MethodTOTP, "123456")
		require.ErrorIs(t, err, domain.ErrNotFound)
	})

	t.Run("unsupported method", func(t *testing.T) {
		_, err := env.mfa.Verify(ctx, "u1", domain.MFAMethod("carrier-pigeon"), "123456")
		require.ErrorIs(t, err, domain.ErrValidation)
	})

	t.Run("throttled before credentials are examined", func(t *testing.T) {
		env := newTestEnv(t)
		env.mfa.Limiter = ratex.NewKeyed(ratex.StrictProfile)

		_, err := env.mfa.Enroll(ctx, "u9", domain.MethodTOTP)
		require.NoError(t, err)

		var throttled bool
		for range 10 {
			if _, err := env.mfa.Verify(ctx, "u9", domain.MethodTOTP, "000000"); err != nil {
				require.ErrorIs(t, err, domain.ErrThrottled)
				throttled = true
				break
			}
		}
		require.True(t, throttled)
	})
}

func TestRegenerateBackupCodes(t *testing.T) {
	ctx := context.Background()
	base := time.Date(2026, 3, 14, 10, 0, 15, 0, time.UTC)

	env := newTestEnv(t)
	env.mfa.now = func() time.Time { return base }

	provisioning, err := env.mfa.Enroll(ctx, "u1", domain.MethodTOTP)
	require.NoError(t, err)
	oldCode := provisioning.BackupCodes[0]

	fresh, err := env.mfa.RegenerateBackupCodes(ctx, "u1", domain.MethodTOTP, totpCode(t, provisioning.Secret, base))
	require.NoError(t, err)
	require.Len(t, fresh, 10)

	// Old codes stop working immediately.
	result, err := env.mfa.Verify(ctx, "u1", domain.MethodBackupCodes, oldCode)
	require.NoError(t, err)
	require.False(t, result.Verified)

	result, err = env.mfa.Verify(ctx, "u1", domain.MethodBackupCodes, fresh[0])
	require.NoError(t, err)
	require.True(t, result.Verified)

	t.Run("wrong token refused", func(t *testing.T) {
		_, err := env.mfa.RegenerateBackupCodes(ctx, "u1", domain.MethodTOTP, "000000")
		require.ErrorIs(t, err, domain.ErrAuthFailure)
	})
}

func TestDisable(t *testing.T) {
	ctx := context.Background()
	base := time.Date(2026, 3, 14, 10, 0, 15, 0, time.UTC)

	env := newTestEnv(t)
	env.mfa.now = func() time.Time { return base }

	provisioning, err := env.mfa.Enroll(ctx, "u1", domain.MethodTOTP)
	require.NoError(t, err)

	require.NoError(t, env.mfa.Disable(ctx, "u1", domain.MethodTOTP, totpCode(t, provisioning.Secret, base)))

	_, err = env.mfa.Verify(ctx, "u1", domain.MethodTOTP, totpCode(t, provisioning.Secret, base))
	require.ErrorIs(t, err, domain.ErrNotFound)

	// Backup codes went with the last enrollment.
	remaining, err := env.store.BackupCodes().Count(ctx, "u1")
	require.NoError(t, err)
	require.Zero(t, remaining)
}

func TestExternalCodeFlow(t *testing.T) {
	ctx := context.Background()
	base := time.Date(2026, 3, 14, 10, 0, 15, 0, time.UTC)

	env := newTestEnv(t)
	env.mfa.now = func() time.Time { return base }

	_, err := env.mfa.Enroll(ctx, "u1", domain.MethodSMS)
	require.NoError(t, err)

	code, expiresAt, err := env.mfa.ProvisionExternalCode(ctx, "u1", domain.MethodSMS)
	require.NoError(t, err)
	require.NotEmpty(t, code)
	require.Equal(t, base.Add(5*time.Minute), expiresAt)

	t.Run("valid code verifies once", func(t *testing.T) {
		result, err := env.mfa.Verify(ctx, "u1", domain.MethodSMS, code)
		require.NoError(t, err)
		require.True(t, result.Verified)

		result, err = env.mfa.Verify(ctx, "u1", domain.MethodSMS, code)
		require.NoError(t, err)
		require.False(t, result.Verified)
	})

	t.Run("expired code fails", func(t *testing.T) {
		code, _, err := env.mfa.ProvisionExternalCode(ctx, "u1", domain.MethodSMS)
		require.NoError(t, err)

		env.mfa.now = func() time.Time { return base.Add(6 * time.Minute) }
		result, err := env.mfa.Verify(ctx, "u1", domain.MethodSMS, code)
		require.NoError(t, err)
		require.False(t, result.Verified)
	})

	t.Run("totp methods have no dispatched codes", func(t *testing.T) {
		_, _, err := env.mfa.ProvisionExternalCode(ctx, "u1", domain.MethodTOTP)
		require.ErrorIs(t, err, domain.ErrValidation)
	})
}

func TestProvisioningURIVariants(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t)

	provisioning, err := env.mfa.Enroll(ctx, "u1", domain.MethodEmail)
	require.NoError(t, err)
	require.Empty(t, provisioning.ProvisioningURI)
	require.False(t, strings.Contains(provisioning.Secret, " "))
}
