package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/aussiebroadwan/shield/internal/engine/domain"
	"github.com/aussiebroadwan/shield/internal/engine/store"
	"github.com/aussiebroadwan/shield/pkg/idx"
)

// Denial reasons surfaced in decisions and the audit trail.
const (
	reasonNoGrant     = "no matching grant"
	reasonMFARequired = "high-risk session requires MFA verification"
)

// AccessService evaluates capability checks. Direct grants are consulted
// first, then role-derived grants, then deny. Every outcome is audited.
type AccessService struct {
	Store    store.Store
	Logger   *slog.Logger
	Audit    Recorder
	Threats  ActivitySink
	Sessions *SessionService

	now func() time.Time
}

// NewAccessService wires the access evaluator.
func NewAccessService(st store.Store, logger *slog.Logger, audit Recorder, threats ActivitySink, sessions *SessionService) *AccessService {
	return &AccessService{
		Store:    st,
		Logger:   logger,
		Audit:    audit,
		Threats:  threats,
		Sessions: sessions,
		now:      time.Now,
	}
}

// Check evaluates whether an identity may perform an action on a resource.
// Direct grants win when their constraints all pass; otherwise role-derived
// grants are consulted; otherwise the check denies.
func (s *AccessService) Check(ctx context.Context, identityID, resource, action string, accessCtx domain.AccessContext) (domain.AccessDecision, error) {
	grants, err := s.Store.Grants().ListByIdentity(ctx, identityID)
	if err != nil {
		return domain.AccessDecision{}, fmt.Errorf("failed to list grants: %w", err)
	}

	now := s.now().UTC()
	for _, grant := range grants {
		if !matchPattern(grant.Resource, resource) || !matchAction(grant.Actions, action) {
			continue
		}
		if !constraintsPass(grant.Constraints, identityID, accessCtx, now) {
			continue
		}

		decision := domain.AccessDecision{Granted: true, Reason: "direct grant " + grant.ID}
		s.recordDecision(ctx, identityID, resource, action, accessCtx, decision)
		return decision, nil
	}

	roles, err := s.Store.Roles().ListForIdentity(ctx, identityID)
	if err != nil {
		return domain.AccessDecision{}, fmt.Errorf("failed to list roles: %w", err)
	}

	for _, role := range roles {
		for _, rg := range role.Grants {
			if matchPattern(rg.Resource, resource) && matchAction(rg.Actions, action) {
				decision := domain.AccessDecision{Granted: true, Reason: "role " + role.Name}
				s.recordDecision(ctx, identityID, resource, action, accessCtx, decision)
				return decision, nil
			}
		}
	}

	decision := domain.AccessDecision{Granted: false, Reason: reasonNoGrant}
	s.recordDecision(ctx, identityID, resource, action, accessCtx, decision)
	return decision, nil
}

// CheckSession performs a capability check in the context of a live session.
// It layers on top of Check: the session must validate, a high-risk session
// must have completed MFA first, and a session issued with a scoped grant set
// cannot reach beyond it.
func (s *AccessService) CheckSession(ctx context.Context, sessionID, resource, action string, accessCtx domain.AccessContext) (domain.AccessDecision, error) {
	outcome, err := s.Sessions.Validate(ctx, sessionID)
	if err != nil {
		return domain.AccessDecision{}, err
	}
	session := outcome.Session

	if session.RiskScore > s.Sessions.HighRiskThreshold && !session.MFAVerified {
		decision := domain.AccessDecision{Granted: false, Reason: reasonMFARequired}
		s.recordDecision(ctx, session.IdentityID, resource, action, accessCtx, decision)
		return decision, fmt.Errorf("%w: %s", domain.ErrPolicyDenied, reasonMFARequired)
	}

	if len(session.Grants) > 0 && !capabilityCovered(session.Grants, resource, action) {
		decision := domain.AccessDecision{Granted: false, Reason: "capability outside session grant set"}
		s.recordDecision(ctx, session.IdentityID, resource, action, accessCtx, decision)
		return decision, nil
	}

	return s.Check(ctx, session.IdentityID, resource, action, accessCtx)
}

// Grant binds an identity to a resource/action pattern with optional
// constraints and returns the stored grant.
func (s *AccessService) Grant(ctx context.Context, identityID, resource string, actions []string, constraints []domain.Constraint) (domain.AccessGrant, error) {
	if identityID == "" || resource == "" || len(actions) == 0 {
		return domain.AccessGrant{}, fmt.Errorf("%w: identity, resource, and actions required", domain.ErrValidation)
	}

	grant := domain.AccessGrant{
		ID:          idx.New().String(),
		IdentityID:  identityID,
		Resource:    resource,
		Actions:     actions,
		Constraints: constraints,
		CreatedAt:   s.now().UTC(),
	}
	if err := s.Store.Grants().Create(ctx, grant); err != nil {
		return domain.AccessGrant{}, fmt.Errorf("failed to persist grant: %w", err)
	}
	return grant, nil
}

// Revoke removes one grant by ID.
func (s *AccessService) Revoke(ctx context.Context, grantID string) error {
	if err := s.Store.Grants().Delete(ctx, grantID); err != nil {
		return fmt.Errorf("failed to delete grant: %w", err)
	}
	return nil
}

// DefineRole inserts or replaces a role definition.
func (s *AccessService) DefineRole(ctx context.Context, role domain.Role) error {
	if role.Name == "" {
		return fmt.Errorf("%w: role name required", domain.ErrValidation)
	}
	if err := s.Store.Roles().Put(ctx, role); err != nil {
		return fmt.Errorf("failed to store role: %w", err)
	}
	return nil
}

// AssignRole binds an identity to a role. Idempotent.
func (s *AccessService) AssignRole(ctx context.Context, identityID, roleName string) error {
	err := s.Store.Roles().Assign(ctx, identityID, roleName)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return fmt.Errorf("%w: role %q", domain.ErrNotFound, roleName)
		}
		return fmt.Errorf("failed to assign role: %w", err)
	}
	return nil
}

// UnassignRole removes a role binding.
func (s *AccessService) UnassignRole(ctx context.Context, identityID, roleName string) error {
	if err := s.Store.Roles().Unassign(ctx, identityID, roleName); err != nil {
		return fmt.Errorf("failed to unassign role: %w", err)
	}
	return nil
}

// recordDecision audits one evaluation outcome and feeds denials into the
// behavioural window.
func (s *AccessService) recordDecision(ctx context.Context, identityID, resource, action string, accessCtx domain.AccessContext, decision domain.AccessDecision) {
	eventType := domain.AuditAccessGranted
	outcome := domain.OutcomeSuccess
	if !decision.Granted {
		eventType = domain.AuditAccessDenied
		outcome = domain.OutcomeFailure
	}

	metadata := map[string]string{
		"resource": resource,
		"action":   action,
		"reason":   decision.Reason,
	}
	for k, v := range accessCtx {
		metadata["ctx_"+k] = v
	}

	s.Audit.Record(domain.AuditEvent{
		Type:       eventType,
		IdentityID: identityID,
		Outcome:    outcome,
		Metadata:   metadata,
	})

	if !decision.Granted {
		s.Threats.Observe(ctx, domain.ActivitySample{
			ID:         idx.New().String(),
			IdentityID: identityID,
			Type:       domain.ActivityAccessDenied,
			At:         s.now().UTC(),
		})
	}
}

// matchPattern matches a resource against a grant pattern: exact, the bare
// wildcard, or a "prefix/*" wildcard.
func matchPattern(pattern, resource string) bool {
	if pattern == domain.Wildcard || pattern == resource {
		return true
	}
	if strings.HasSuffix(pattern, "/"+domain.Wildcard) {
		prefix := strings.TrimSuffix(pattern, domain.Wildcard)
		return strings.HasPrefix(resource, prefix)
	}
	return false
}

// matchAction reports whether an action list covers the requested action.
func matchAction(actions []string, action string) bool {
	for _, a := range actions {
		if a == domain.Wildcard || a == action {
			return true
		}
	}
	return false
}

// constraintsPass evaluates every constraint on a matched grant. All must
// pass; an unknown constraint kind fails closed.
func constraintsPass(constraints []domain.Constraint, identityID string, accessCtx domain.AccessContext, now time.Time) bool {
	for _, c := range constraints {
		switch c.Kind {
		case domain.ConstraintTimeOfDay:
			h := now.Hour()
			if h < c.StartHour || h >= c.EndHour {
				return false
			}
		case domain.ConstraintOwnership:
			if accessCtx["owner"] != identityID {
				return false
			}
		case domain.ConstraintAttribute:
			if accessCtx[c.Key] != c.Value {
				return false
			}
		default:
			return false
		}
	}
	return true
}

// capabilityCovered matches "resource:action" capability strings attached to
// a session, honouring the same wildcard rules as grants.
func capabilityCovered(grants []string, resource, action string) bool {
	for _, g := range grants {
		pattern, actions, ok := strings.Cut(g, ":")
		if !ok {
			continue
		}
		if matchPattern(pattern, resource) && matchAction(strings.Split(actions, ","), action) {
			return true
		}
	}
	return false
}
