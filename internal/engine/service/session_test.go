package service

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/aussiebroadwan/shield/internal/engine/domain"
	"github.com/aussiebroadwan/shield/internal/engine/store"
)

// trustedDevice yields a zero risk score outside the off-hours window.
var trustedDevice = domain.DeviceContext{
	Fingerprint:   "fp-known",
	KnownDevice:   true,
	Location:      "Sydney",
	KnownLocation: true,
}

// midday keeps the off-hours rule quiet.
var midday = time.Date(2026, 3, 14, 12, 0, 0, 0, time.UTC)

func TestSessionRiskScoring(t *testing.T) {
	ctx := context.Background()

	cases := []struct {
		name        string
		device      domain.DeviceContext
		at          time.Time
		wantScore   int
		requiresMFA bool
	}{
		{"trusted device midday", trustedDevice, midday, 0, false},
		{
			"unknown device",
			domain.DeviceContext{Fingerprint: "fp-new", Location: "Sydney", KnownLocation: true},
			midday, 30, false,
		},
		{
			"unknown device and location",
			domain.DeviceContext{Fingerprint: "fp-new"},
			midday, 50, false,
		},
		{
			"unknown everything off-hours",
			domain.DeviceContext{Fingerprint: "fp-new"},
			time.Date(2026, 3, 14, 3, 0, 0, 0, time.UTC), 65, true,
		},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			env := newTestEnv(t)
			env.sessions.now = func() time.Time { return tc.at }

			ticket, err := env.sessions.Create(ctx, "u1", tc.device, nil)
			require.NoError(t, err)
			require.Equal(t, tc.wantScore, ticket.RiskScore)
			require.Equal(t, tc.requiresMFA, ticket.RequiresMFA)
			require.Equal(t, tc.at.Add(8*time.Hour), ticket.ExpiresAt)
		})
	}
}

func TestSessionValidate(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t)
	env.sessions.now = func() time.Time { return midday }

	ticket, err := env.sessions.Create(ctx, "u1", trustedDevice, nil)
	require.NoError(t, err)

	t.Run("fresh session validates", func(t *testing.T) {
		outcome, err := env.sessions.Validate(ctx, ticket.SessionID)
		require.NoError(t, err)
		require.True(t, outcome.Valid)
		require.False(t, outcome.RequiresReauth)
		require.Equal(t, "u1", outcome.Session.IdentityID)
	})

	t.Run("unknown session", func(t *testing.T) {
		_, err := env.sessions.Validate(ctx, "no-such-session")
		require.ErrorIs(t, err, domain.ErrNotFound)
	})

	t.Run("activity stamp never moves backwards", func(t *testing.T) {
		later := midday.Add(10 * time.Minute)
		env.sessions.now = func() time.Time { return later }
		outcome, err := env.sessions.Validate(ctx, ticket.SessionID)
		require.NoError(t, err)
		require.Equal(t, later, outcome.Session.LastActivityAt)
	})
}

func TestSessionExpiry(t *testing.T) {
	ctx := context.Background()

	t.Run("max duration", func(t *testing.T) {
		env := newTestEnv(t)
		env.sessions.now = func() time.Time { return midday }

		ticket, err := env.sessions.Create(ctx, "u1", trustedDevice, nil)
		require.NoError(t, err)

		env.sessions.now = func() time.Time { return midday.Add(8*time.Hour + time.Second) }
		_, err = env.sessions.Validate(ctx, ticket.SessionID)
		require.ErrorIs(t, err, domain.ErrExpired)

		// Expiry deletes the session, every later validation sees not-found
		// or expired, never a revival.
		_, err = env.sessions.Validate(ctx, ticket.SessionID)
		require.Error(t, err)
	})

	t.Run("idle timeout expires independently", func(t *testing.T) {
		env := newTestEnv(t)
		env.sessions.now = func() time.Time { return midday }

		ticket, err := env.sessions.Create(ctx, "u1", trustedDevice, nil)
		require.NoError(t, err)

		// Well inside max duration but past the idle window.
		env.sessions.now = func() time.Time { return midday.Add(31 * time.Minute) }
		_, err = env.sessions.Validate(ctx, ticket.SessionID)
		require.ErrorIs(t, err, domain.ErrExpired)
	})

	t.Run("steady activity keeps the session alive", func(t *testing.T) {
		env := newTestEnv(t)
		now := midday
		env.sessions.now = func() time.Time { return now }

		ticket, err := env.sessions.Create(ctx, "u1", trustedDevice, nil)
		require.NoError(t, err)

		for range 5 {
			now = now.Add(20 * time.Minute)
			outcome, err := env.sessions.Validate(ctx, ticket.SessionID)
			require.NoError(t, err)
			require.True(t, outcome.Valid)
		}
	})
}

func TestSessionInvalidate(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t)
	env.sessions.now = func() time.Time { return midday }

	ticket, err := env.sessions.Create(ctx, "u1", trustedDevice, nil)
	require.NoError(t, err)

	require.NoError(t, env.sessions.Invalidate(ctx, ticket.SessionID, domain.InvalidateReasonLogout))

	_, err = env.sessions.Validate(ctx, ticket.SessionID)
	require.ErrorIs(t, err, domain.ErrNotFound)

	events := env.audit.byType(domain.AuditSessionInvalidated)
	require.Len(t, events, 1)
	require.Equal(t, domain.InvalidateReasonLogout, events[0].Metadata["reason"])

	t.Run("invalidate all", func(t *testing.T) {
		for range 3 {
			_, err := env.sessions.Create(ctx, "u2", trustedDevice, nil)
			require.NoError(t, err)
		}

		terminated, err := env.sessions.InvalidateAll(ctx, "u2", domain.InvalidateReasonEscalation)
		require.NoError(t, err)
		require.Equal(t, 3, terminated)

		live, err := env.store.Sessions().ListByIdentity(ctx, "u2")
		require.NoError(t, err)
		require.Empty(t, live)
	})
}

func TestMarkMFAVerified(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t)
	env.sessions.now = func() time.Time { return midday }

	ticket, err := env.sessions.Create(ctx, "u1", trustedDevice, nil)
	require.NoError(t, err)

	require.NoError(t, env.sessions.MarkMFAVerified(ctx, ticket.SessionID))

	session, err := env.store.Sessions().Get(ctx, ticket.SessionID)
	require.NoError(t, err)
	require.True(t, session.MFAVerified)

	require.ErrorIs(t, env.sessions.MarkMFAVerified(ctx, "no-such-session"), domain.ErrNotFound)
}

func TestSessionAssertions(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t)
	env.sessions.now = func() time.Time { return time.Now().UTC() }

	ticket, err := env.sessions.Create(ctx, "u1", trustedDevice, []string{"reports:read"})
	require.NoError(t, err)
	require.NoError(t, env.sessions.MarkMFAVerified(ctx, ticket.SessionID))

	token, err := env.sessions.Assert(ctx, ticket.SessionID)
	require.NoError(t, err)

	claims, err := env.sessions.VerifyAssertion(token)
	require.NoError(t, err)
	require.Equal(t, "u1", claims.Subject)
	require.Equal(t, ticket.SessionID, claims.SID)
	require.True(t, claims.MFAVerified)

	t.Run("tampered assertion rejected", func(t *testing.T) {
		_, err := env.sessions.VerifyAssertion(token + "x")
		require.ErrorIs(t, err, domain.ErrAuthFailure)
	})

	t.Run("no assertion for a dead session", func(t *testing.T) {
		require.NoError(t, env.sessions.Invalidate(ctx, ticket.SessionID, domain.InvalidateReasonLogout))
		_, err := env.sessions.Assert(ctx, ticket.SessionID)
		require.ErrorIs(t, err, domain.ErrNotFound)
	})
}

func TestExpirySweepRace(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t)
	env.sessions.now = func() time.Time { return midday }

	ticket, err := env.sessions.Create(ctx, "u1", trustedDevice, nil)
	require.NoError(t, err)

	// The sweep removes the expired session first; validation converges on
	// the same rejection.
	removed, err := env.store.Sessions().DeleteExpired(ctx, midday.Add(9*time.Hour), 30*time.Minute)
	require.NoError(t, err)
	require.Equal(t, 1, removed)

	env.sessions.now = func() time.Time { return midday.Add(9 * time.Hour) }
	_, err = env.sessions.Validate(ctx, ticket.SessionID)
	require.ErrorIs(t, err, domain.ErrNotFound)

	_, err = env.store.Sessions().Get(ctx, ticket.SessionID)
	require.ErrorIs(t, err, store.ErrNotFound)
}
