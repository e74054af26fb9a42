package service

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"github.com/aussiebroadwan/shield/internal/engine/domain"
	"github.com/aussiebroadwan/shield/internal/engine/store"
)

const (
	// defaultThreatWindow is the rolling window scored per identity.
	defaultThreatWindow = 24 * time.Hour

	// bruteForceFloor is how many failed MFA/auth samples within the window
	// constitute a brute-force finding.
	bruteForceFloor = 5

	// humanFloor is the shortest inter-action gap a human plausibly
	// produces; automatedRun consecutive sub-floor gaps flag automation.
	humanFloor   = 750 * time.Millisecond
	automatedRun = 5
)

// detectionRule is one finding producer. Rules are evaluated over the full
// window each pass, so re-scoring an unchanged window yields the same
// findings.
type detectionRule struct {
	flag     domain.ThreatFlag
	severity domain.Severity
	detect   func(samples []domain.ActivitySample) (bool, string)
}

var detectionRules = []detectionRule{
	{
		flag:     domain.FlagUnusualLoginTime,
		severity: domain.SeverityMedium,
		detect: func(samples []domain.ActivitySample) (bool, string) {
			for _, s := range samples {
				if s.Type != domain.ActivityLogin {
					continue
				}
				if h := s.At.UTC().Hour(); h < 6 || h >= 22 {
					return true, "login at " + s.At.UTC().Format("15:04") + " UTC"
				}
			}
			return false, ""
		},
	},
	{
		flag:     domain.FlagBruteForceAttempt,
		severity: domain.SeverityHigh,
		detect: func(samples []domain.ActivitySample) (bool, string) {
			failures := 0
			for _, s := range samples {
				if s.Type == domain.ActivityMFAFailure || s.Type == domain.ActivityAuthFailure {
					failures++
				}
			}
			if failures >= bruteForceFloor {
				return true, strconv.Itoa(failures) + " failed attempts in window"
			}
			return false, ""
		},
	},
	{
		flag:     domain.FlagUnusualLocation,
		severity: domain.SeverityHigh,
		detect: func(samples []domain.ActivitySample) (bool, string) {
			for _, s := range samples {
				if s.Location != "" && !s.KnownLocation {
					return true, "activity from " + s.Location
				}
			}
			return false, ""
		},
	},
	{
		flag:     domain.FlagAutomatedBehavior,
		severity: domain.SeverityMedium,
		detect: func(samples []domain.ActivitySample) (bool, string) {
			run := 0
			for i := 1; i < len(samples); i++ {
				if samples[i].At.Sub(samples[i-1].At) < humanFloor {
					run++
					if run >= automatedRun {
						return true, "inter-action timing below human floor"
					}
				} else {
					run = 0
				}
			}
			return false, ""
		},
	},
}

// SessionInvalidator terminates an identity's live sessions. Satisfied by
// the session service; the detector invokes it on escalation so a high
// finding always produces a defensive action, not just a log line.
type SessionInvalidator interface {
	InvalidateAll(ctx context.Context, identityID, reason string) (int, error)
}

// ThreatService scores rolling per-identity activity windows. Scoring is
// idempotent per window state: an unchanged window re-scores to the same
// assessment and never escalates twice.
type ThreatService struct {
	Store  store.Store
	Logger *slog.Logger
	Audit  Recorder

	Invalidator SessionInvalidator

	// Window is the rolling window length.
	Window time.Duration

	now func() time.Time
}

// NewThreatService wires the threat detector.
func NewThreatService(st store.Store, logger *slog.Logger, audit Recorder, invalidator SessionInvalidator) *ThreatService {
	return &ThreatService{
		Store:       st,
		Logger:      logger,
		Audit:       audit,
		Invalidator: invalidator,
		Window:      defaultThreatWindow,
		now:         time.Now,
	}
}

// Observe appends one activity sample to the identity's window. Observation
// never fails the operation that produced the sample; errors are logged.
func (s *ThreatService) Observe(ctx context.Context, sample domain.ActivitySample) {
	if sample.At.IsZero() {
		sample.At = s.now().UTC()
	}
	if err := s.Store.Threats().AppendSample(ctx, sample); err != nil {
		s.Logger.Error("failed to append activity sample",
			"identity_id", sample.IdentityID,
			"type", sample.Type,
			"error", err)
	}
}

// Evaluate scores the identity's window and persists the assessment. A high
// finding over a window state that has not already escalated emits the
// high-risk audit event and invalidates the identity's sessions.
func (s *ThreatService) Evaluate(ctx context.Context, identityID string) (domain.ThreatAssessment, error) {
	now := s.now().UTC()
	cutoff := now.Add(-s.Window)

	// Samples older than the window never influence a score again; drop
	// them before the pass.
	if _, err := s.Store.Threats().PruneBefore(ctx, cutoff); err != nil {
		return domain.ThreatAssessment{}, fmt.Errorf("failed to prune stale samples: %w", err)
	}

	samples, err := s.Store.Threats().Samples(ctx, identityID, cutoff)
	if err != nil {
		return domain.ThreatAssessment{}, fmt.Errorf("failed to load activity window: %w", err)
	}

	var (
		findings []domain.Finding
		score    int
		high     bool
	)
	for _, rule := range detectionRules {
		hit, detail := rule.detect(samples)
		if !hit {
			continue
		}
		findings = append(findings, domain.Finding{Flag: rule.flag, Severity: rule.severity, Detail: detail})
		score += rule.severity.Weight()
		if rule.severity == domain.SeverityHigh {
			high = true
		}
	}
	if score > 100 {
		score = 100
	}

	flags := make([]domain.ThreatFlag, len(findings))
	for i, f := range findings {
		flags[i] = f.Flag
	}

	previous, err := s.Store.Threats().GetAssessment(ctx, identityID)
	if err != nil && !errors.Is(err, store.ErrNotFound) {
		return domain.ThreatAssessment{}, fmt.Errorf("failed to load previous assessment: %w", err)
	}

	assessment := domain.ThreatAssessment{
		IdentityID:            identityID,
		RiskScore:             score,
		Flags:                 flags,
		EscalationFingerprint: previous.EscalationFingerprint,
		EvaluatedAt:           now,
	}

	if high {
		fingerprint := windowFingerprint(flags, samples)
		if fingerprint != previous.EscalationFingerprint {
			s.escalate(ctx, identityID, findings, score)
			assessment.EscalationFingerprint = fingerprint
		}
	}

	if err := s.Store.Threats().PutAssessment(ctx, assessment); err != nil {
		return domain.ThreatAssessment{}, fmt.Errorf("failed to store assessment: %w", err)
	}
	return assessment, nil
}

// Anomalous re-scores the identity's window and reports whether any finding
// is present. Session validation calls this on every request; scoring
// idempotence keeps that safe.
func (s *ThreatService) Anomalous(ctx context.Context, identityID string) bool {
	assessment, err := s.Evaluate(ctx, identityID)
	if err != nil {
		s.Logger.Error("failed to evaluate threat window", "identity_id", identityID, "error", err)
		return false
	}
	return len(assessment.Flags) > 0
}

// escalate emits the high-risk audit event and terminates the identity's
// sessions.
func (s *ThreatService) escalate(ctx context.Context, identityID string, findings []domain.Finding, score int) {
	details := make([]string, len(findings))
	for i, f := range findings {
		details[i] = string(f.Flag)
	}

	s.Audit.Record(domain.AuditEvent{
		Type:       domain.AuditHighRiskThreat,
		IdentityID: identityID,
		Outcome:    domain.OutcomeNone,
		Metadata: map[string]string{
			"risk_score": strconv.Itoa(score),
			"findings":   strings.Join(details, ","),
		},
	})

	terminated, err := s.Invalidator.InvalidateAll(ctx, identityID, domain.InvalidateReasonEscalation)
	if err != nil {
		s.Logger.Error("failed to invalidate sessions on escalation",
			"identity_id", identityID,
			"error", err)
		return
	}

	s.Logger.Warn("threat escalation",
		"identity_id", identityID,
		"risk_score", score,
		"findings", details,
		"sessions_terminated", terminated)
}

// windowFingerprint identifies a window state for escalation deduplication:
// the same flags over the same newest sample hash identically, so re-scoring
// without new samples cannot re-escalate.
func windowFingerprint(flags []domain.ThreatFlag, samples []domain.ActivitySample) string {
	h := sha256.New()
	for _, f := range flags {
		h.Write([]byte(f))
		h.Write([]byte{0})
	}
	if len(samples) > 0 {
		h.Write([]byte(samples[len(samples)-1].ID))
	}
	return hex.EncodeToString(h.Sum(nil))
}
