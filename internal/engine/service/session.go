package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"github.com/aussiebroadwan/shield/internal/engine/domain"
	"github.com/aussiebroadwan/shield/internal/engine/store"
	"github.com/aussiebroadwan/shield/pkg/cryptox"
	"github.com/aussiebroadwan/shield/pkg/idx"
	"github.com/aussiebroadwan/shield/pkg/jwtx"
)

// riskRule is one additive signal in the session risk score. Rules are data:
// tuning a weight or adding a signal never touches the scoring loop.
type riskRule struct {
	name   string
	weight int
	match  func(device domain.DeviceContext, at time.Time) bool
}

// defaultRiskRules are the issuance-time signals. Scores are additive and
// clamped to [0,100].
var defaultRiskRules = []riskRule{
	{
		name:   "unknown_device",
		weight: 30,
		match: func(d domain.DeviceContext, _ time.Time) bool {
			return !d.KnownDevice
		},
	},
	{
		name:   "unknown_location",
		weight: 20,
		match: func(d domain.DeviceContext, _ time.Time) bool {
			return !d.KnownLocation
		},
	},
	{
		name:   "off_hours",
		weight: 15,
		match: func(_ domain.DeviceContext, at time.Time) bool {
			h := at.UTC().Hour()
			return h < 6 || h >= 22
		},
	},
}

// AnomalyChecker reports whether an identity's behavioural window currently
// looks anomalous. Session validation consults it on every call.
type AnomalyChecker interface {
	Anomalous(ctx context.Context, identityID string) bool
}

// SessionService issues, validates, and invalidates sessions. Expiry is the
// earlier of the absolute lifetime and the idle timeout; risk above the
// threshold gates protected capabilities behind a completed MFA challenge.
type SessionService struct {
	Store   store.Store
	Logger  *slog.Logger
	Audit   Recorder
	Threats ActivitySink
	Anomaly AnomalyChecker

	// Signer mints short-lived signed assertions for downstream services.
	Signer *jwtx.Signer

	MaxDuration       time.Duration
	IdleTimeout       time.Duration
	HighRiskThreshold int

	riskRules []riskRule
	now       func() time.Time
}

// NewSessionService wires the session manager with its defaults.
func NewSessionService(st store.Store, logger *slog.Logger, audit Recorder, threats ActivitySink, anomaly AnomalyChecker, signer *jwtx.Signer, maxDuration, idleTimeout time.Duration, highRiskThreshold int) *SessionService {
	if maxDuration <= 0 {
		maxDuration = 8 * time.Hour
	}
	if idleTimeout <= 0 {
		idleTimeout = 30 * time.Minute
	}
	if highRiskThreshold <= 0 {
		highRiskThreshold = 50
	}

	return &SessionService{
		Store:             st,
		Logger:            logger,
		Audit:             audit,
		Threats:           threats,
		Anomaly:           anomaly,
		Signer:            signer,
		MaxDuration:       maxDuration,
		IdleTimeout:       idleTimeout,
		HighRiskThreshold: highRiskThreshold,
		riskRules:         defaultRiskRules,
		now:               time.Now,
	}
}

// Create issues a session for an identity. The initial risk score is the sum
// of the matched rule weights; a score above the threshold marks the session
// as requiring MFA before protected capability checks succeed.
func (s *SessionService) Create(ctx context.Context, identityID string, device domain.DeviceContext, grants []string) (domain.SessionTicket, error) {
	if identityID == "" {
		return domain.SessionTicket{}, fmt.Errorf("%w: identity id required", domain.ErrValidation)
	}

	sessionID, err := cryptox.GenerateToken(cryptox.TokenSize128)
	if err != nil {
		return domain.SessionTicket{}, fmt.Errorf("failed to generate session id: %w", err)
	}

	now := s.now().UTC()
	score, signals := s.scoreRisk(device, now)

	session := domain.Session{
		ID:                sessionID,
		IdentityID:        identityID,
		CreatedAt:         now,
		LastActivityAt:    now,
		ExpiresAt:         now.Add(s.MaxDuration),
		DeviceFingerprint: device.Fingerprint,
		RiskScore:         score,
		Grants:            grants,
	}
	if err := s.Store.Sessions().Create(ctx, session); err != nil {
		return domain.SessionTicket{}, fmt.Errorf("failed to persist session: %w", err)
	}

	s.Audit.Record(domain.AuditEvent{
		Type:       domain.AuditSessionCreated,
		IdentityID: identityID,
		Outcome:    domain.OutcomeSuccess,
		Metadata: map[string]string{
			"session_id":   sessionID,
			"risk_score":   strconv.Itoa(score),
			"risk_signals": strings.Join(signals, ","),
			"device":       device.Fingerprint,
		},
	})

	s.Threats.Observe(ctx, domain.ActivitySample{
		ID:            idx.New().String(),
		IdentityID:    identityID,
		Type:          domain.ActivityLogin,
		At:            now,
		Location:      device.Location,
		KnownLocation: device.KnownLocation,
	})

	return domain.SessionTicket{
		SessionID:   sessionID,
		ExpiresAt:   session.ExpiresAt,
		RequiresMFA: score > s.HighRiskThreshold,
		RiskScore:   score,
	}, nil
}

// Validate checks a session is alive, advances its activity stamp, and
// re-runs anomaly detection. A newly anomalous session is flagged and
// reported for re-authentication but stays alive; forcing re-auth is the
// caller's policy decision.
func (s *SessionService) Validate(ctx context.Context, sessionID string) (domain.ValidationOutcome, error) {
	session, err := s.Store.Sessions().Get(ctx, sessionID)
	if errors.Is(err, store.ErrNotFound) {
		return domain.ValidationOutcome{}, fmt.Errorf("%w: session", domain.ErrNotFound)
	}
	if err != nil {
		return domain.ValidationOutcome{}, fmt.Errorf("failed to load session: %w", err)
	}

	now := s.now().UTC()
	if now.After(session.ExpiresAt) || now.Sub(session.LastActivityAt) > s.IdleTimeout {
		// Races harmlessly with the expiry sweep; both paths converge on
		// session absent.
		if err := s.Store.Sessions().Delete(ctx, sessionID); err != nil && !errors.Is(err, store.ErrNotFound) {
			s.Logger.Error("failed to delete expired session", "session_id", sessionID, "error", err)
		}
		return domain.ValidationOutcome{}, fmt.Errorf("%w: session", domain.ErrExpired)
	}

	anomalous := s.Anomaly.Anomalous(ctx, session.IdentityID)
	newlyAnomalous := anomalous && !session.AnomalyFlag

	if err := s.Store.Sessions().Refresh(ctx, sessionID, now, anomalous); err != nil && !errors.Is(err, store.ErrNotFound) {
		return domain.ValidationOutcome{}, fmt.Errorf("failed to refresh session: %w", err)
	}

	if session.LastActivityAt.Before(now) {
		session.LastActivityAt = now
	}
	session.AnomalyFlag = anomalous

	return domain.ValidationOutcome{
		Valid:          true,
		Session:        session,
		RequiresReauth: newlyAnomalous,
	}, nil
}

// MarkMFAVerified records a completed MFA challenge against the session,
// releasing the high-risk capability gate.
func (s *SessionService) MarkMFAVerified(ctx context.Context, sessionID string) error {
	err := s.Store.Sessions().SetMFAVerified(ctx, sessionID)
	if errors.Is(err, store.ErrNotFound) {
		return fmt.Errorf("%w: session", domain.ErrNotFound)
	}
	if err != nil {
		return fmt.Errorf("failed to mark session MFA-verified: %w", err)
	}
	return nil
}

// Invalidate terminates one session. The reason lands in the audit trail.
func (s *SessionService) Invalidate(ctx context.Context, sessionID, reason string) error {
	session, err := s.Store.Sessions().Get(ctx, sessionID)
	if errors.Is(err, store.ErrNotFound) {
		return fmt.Errorf("%w: session", domain.ErrNotFound)
	}
	if err != nil {
		return fmt.Errorf("failed to load session: %w", err)
	}

	if err := s.Store.Sessions().Delete(ctx, sessionID); err != nil && !errors.Is(err, store.ErrNotFound) {
		return fmt.Errorf("failed to delete session: %w", err)
	}

	s.Audit.Record(domain.AuditEvent{
		Type:       domain.AuditSessionInvalidated,
		IdentityID: session.IdentityID,
		Outcome:    domain.OutcomeSuccess,
		Metadata: map[string]string{
			"session_id": sessionID,
			"reason":     reason,
		},
	})
	return nil
}

// InvalidateAll terminates every live session for an identity, e.g. on a
// threat escalation. Returns how many sessions were terminated.
func (s *SessionService) InvalidateAll(ctx context.Context, identityID, reason string) (int, error) {
	sessions, err := s.Store.Sessions().ListByIdentity(ctx, identityID)
	if err != nil {
		return 0, fmt.Errorf("failed to list sessions: %w", err)
	}

	terminated := 0
	for _, session := range sessions {
		if err := s.Store.Sessions().Delete(ctx, session.ID); err != nil {
			if errors.Is(err, store.ErrNotFound) {
				continue
			}
			return terminated, fmt.Errorf("failed to delete session %s: %w", session.ID, err)
		}
		terminated++

		s.Audit.Record(domain.AuditEvent{
			Type:       domain.AuditSessionInvalidated,
			IdentityID: identityID,
			Outcome:    domain.OutcomeSuccess,
			Metadata: map[string]string{
				"session_id": session.ID,
				"reason":     reason,
			},
		})
	}

	if terminated > 0 {
		s.Logger.Info("sessions invalidated",
			"identity_id", identityID,
			"reason", reason,
			"count", terminated)
	}
	return terminated, nil
}

// Assert mints a short-lived signed assertion for a session that validates
// right now. Downstream services verify the signature instead of calling
// back into the engine on every request.
func (s *SessionService) Assert(ctx context.Context, sessionID string) (string, error) {
	outcome, err := s.Validate(ctx, sessionID)
	if err != nil {
		return "", err
	}

	session := outcome.Session
	var amr []string
	if session.MFAVerified {
		amr = []string{"mfa"}
	}

	claims := jwtx.NewAssertionClaims(
		s.Signer.Issuer(),
		session.IdentityID,
		session.ID,
		session.RiskScore,
		session.MFAVerified,
		amr,
		jwtx.DefaultAssertionTTL,
		s.now().UTC(),
	)

	token, err := s.Signer.Sign(claims)
	if err != nil {
		return "", fmt.Errorf("failed to sign session assertion: %w", err)
	}
	return token, nil
}

// VerifyAssertion checks a previously minted assertion.
func (s *SessionService) VerifyAssertion(token string) (*jwtx.AssertionClaims, error) {
	claims, err := s.Signer.Verify(token)
	if err != nil {
		return nil, fmt.Errorf("%w: session assertion", domain.ErrAuthFailure)
	}
	return claims, nil
}

// scoreRisk evaluates the rule set and returns the clamped score plus the
// names of the matched signals for the audit trail.
func (s *SessionService) scoreRisk(device domain.DeviceContext, at time.Time) (int, []string) {
	score := 0
	var signals []string
	for _, rule := range s.riskRules {
		if rule.match(device, at) {
			score += rule.weight
			signals = append(signals, rule.name)
		}
	}

	if score > 100 {
		score = 100
	}
	if score < 0 {
		score = 0
	}
	return score, signals
}
