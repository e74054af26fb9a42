package app

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/aussiebroadwan/shield/internal/engine/domain"
	"github.com/aussiebroadwan/shield/pkg/cryptox"
)

func testConfig() Config {
	return Config{
		Issuer:               "shield-test",
		TOTPStep:             30 * time.Second,
		MaxFailedAttempts:    5,
		SessionMaxDuration:   8 * time.Hour,
		SessionIdleTimeout:   30 * time.Minute,
		HighRiskThreshold:    50,
		EncryptionAlgorithm:  cryptox.AlgorithmAESGCM,
		AuditRetention:       90 * 24 * time.Hour,
		KeyRetention:         30 * 24 * time.Hour,
		Env:                  "dev",
		LogLevel:             "error",
		LogFormat:            "text",
		HousekeepingInterval: time.Hour,
	}
}

func TestEngineLifecycle(t *testing.T) {
	ctx := context.Background()

	engine, err := New(testConfig())
	require.NoError(t, err)
	defer func() { require.NoError(t, engine.Close()) }()

	// Enrollment, session issuance, a capability check, and a report all
	// flow through the one wired graph.
	provisioning, err := engine.MFA.Enroll(ctx, "u1", domain.MethodTOTP)
	require.NoError(t, err)
	require.Len(t, provisioning.BackupCodes, 10)

	_, err = engine.Access.Grant(ctx, "u1", "reports/*", []string{"read"}, nil)
	require.NoError(t, err)

	ticket, err := engine.Sessions.Create(ctx, "u1", domain.DeviceContext{
		Fingerprint:   "fp-1",
		KnownDevice:   true,
		Location:      "Sydney",
		KnownLocation: true,
	}, nil)
	require.NoError(t, err)
	require.NotEmpty(t, ticket.SessionID)

	decision, err := engine.Access.CheckSession(ctx, ticket.SessionID, "reports/q3", "read", nil)
	require.NoError(t, err)
	require.True(t, decision.Granted)

	env, err := engine.Envelopes.Encrypt(ctx, []byte("payload"), domain.ClassificationConfidential)
	require.NoError(t, err)
	got, err := engine.Envelopes.Decrypt(ctx, env)
	require.NoError(t, err)
	require.Equal(t, []byte("payload"), got)

	summary, err := engine.Audit.Report(ctx, time.Now().Add(-time.Hour), time.Now().Add(time.Hour))
	require.NoError(t, err)
	require.NotZero(t, summary.TotalEvents)
	require.NotZero(t, summary.CountsByType[domain.AuditSessionCreated])
	require.NotZero(t, summary.CountsByType[domain.AuditMFAEnabled])
}

func TestEngineSQLiteBacked(t *testing.T) {
	ctx := context.Background()

	cfg := testConfig()
	cfg.DatabaseFile = t.TempDir() + "/shield.db"

	engine, err := New(cfg)
	require.NoError(t, err)
	defer func() { require.NoError(t, engine.Close()) }()

	_, err = engine.MFA.Enroll(ctx, "u1", domain.MethodTOTP)
	require.NoError(t, err)

	enrollment, err := engine.Store().Enrollments().Get(ctx, "u1", domain.MethodTOTP)
	require.NoError(t, err)
	require.True(t, enrollment.Enabled)
}

func TestLoadConfigDefaults(t *testing.T) {
	cfg := LoadConfig()

	require.Equal(t, "shield", cfg.Issuer)
	require.Equal(t, 30*time.Second, cfg.TOTPStep)
	require.Equal(t, 5, cfg.MaxFailedAttempts)
	require.Equal(t, 8*time.Hour, cfg.SessionMaxDuration)
	require.Equal(t, 30*time.Minute, cfg.SessionIdleTimeout)
	require.Equal(t, 50, cfg.HighRiskThreshold)
	require.Equal(t, cryptox.AlgorithmAESGCM, cfg.EncryptionAlgorithm)
	require.Equal(t, 90*24*time.Hour, cfg.AuditRetention)
}

func TestLoadConfigOverrides(t *testing.T) {
	t.Setenv("SHIELD_MFA_TOTP_STEP_SECONDS", "60")
	t.Setenv("SHIELD_SESSION_HIGH_RISK_THRESHOLD", "70")
	t.Setenv("SHIELD_SESSION_IDLE_TIMEOUT_MINUTES", "10")

	cfg := LoadConfig()
	require.Equal(t, 60*time.Second, cfg.TOTPStep)
	require.Equal(t, 70, cfg.HighRiskThreshold)
	require.Equal(t, 10*time.Minute, cfg.SessionIdleTimeout)
}
