package domain

import "time"

// Session is one authenticated context. Sessions move through
// Created → Active (risk re-evaluated on each validation) → Expired | Invalidated.
type Session struct {
	// ID is an unguessable identifier with at least 128 bits of entropy.
	ID         string
	IdentityID string

	CreatedAt time.Time

	// LastActivityAt is monotonically non-decreasing across validations.
	LastActivityAt time.Time
	ExpiresAt      time.Time

	DeviceFingerprint string

	// RiskScore is clamped to [0,100]. Crossing the high-risk threshold gates
	// protected capabilities behind MFAVerified.
	RiskScore   int
	MFAVerified bool
	AnomalyFlag bool

	// Grants are the capabilities attached to this session at issuance.
	Grants []string
}

// DeviceContext carries the signals available at session creation.
type DeviceContext struct {
	Fingerprint   string
	KnownDevice   bool
	Location      string
	KnownLocation bool
}

// SessionTicket is the caller-visible result of session creation.
type SessionTicket struct {
	SessionID   string
	ExpiresAt   time.Time
	RequiresMFA bool
	RiskScore   int
}

// ValidationOutcome is the result of validating an existing session.
type ValidationOutcome struct {
	Valid   bool
	Session Session

	// RequiresReauth is set when anomaly detection newly flags the session.
	// The session stays alive; whether to force re-authentication is the
	// caller's policy decision.
	RequiresReauth bool
}

// Invalidation reasons recorded in the audit trail.
const (
	InvalidateReasonLogout     = "logout"
	InvalidateReasonExpired    = "expired"
	InvalidateReasonEscalation = "threat_escalation"
)
