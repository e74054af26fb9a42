package domain

import "time"

// AuditEventType enumerates the audit taxonomy. Identifiers are wire-stable
// and must match across implementations.
type AuditEventType string

const (
	AuditMFAEnabled         AuditEventType = "MFA_ENABLED"
	AuditMFAVerified        AuditEventType = "MFA_VERIFIED"
	AuditMFAFailed          AuditEventType = "MFA_FAILED"
	AuditDataEncrypted      AuditEventType = "DATA_ENCRYPTED"
	AuditDataDecrypted      AuditEventType = "DATA_DECRYPTED"
	AuditSessionCreated     AuditEventType = "SESSION_CREATED"
	AuditAccessGranted      AuditEventType = "ACCESS_GRANTED"
	AuditAccessDenied       AuditEventType = "ACCESS_DENIED"
	AuditSuspiciousActivity AuditEventType = "SUSPICIOUS_ACTIVITY"
	AuditHighRiskThreat     AuditEventType = "HIGH_RISK_THREAT"

	// AuditSessionInvalidated records explicit or forced session
	// termination together with its reason.
	AuditSessionInvalidated AuditEventType = "SESSION_INVALIDATED"
)

// AuditOutcome records whether the audited operation succeeded.
type AuditOutcome string

const (
	OutcomeSuccess AuditOutcome = "success"
	OutcomeFailure AuditOutcome = "failure"
	OutcomeNone    AuditOutcome = "n/a"
)

// AuditEvent is an immutable, append-only record. IDs are ULIDs, so ordering
// by ID is ordering by time and is stable for report generation.
type AuditEvent struct {
	ID         string
	Type       AuditEventType
	IdentityID string
	Timestamp  time.Time
	Metadata   map[string]string
	Outcome    AuditOutcome
}

// AuditFilter narrows a query. Zero values match everything.
type AuditFilter struct {
	Types      []AuditEventType
	IdentityID string
}

// AuditSummary is a pure aggregation over a queried time range. Given an
// immutable log, the same inputs always produce the same summary.
type AuditSummary struct {
	From time.Time
	To   time.Time

	TotalEvents  int
	CountsByType map[AuditEventType]int
	Failures     int

	// RiskBreakdown counts security-significant events by band.
	RiskBreakdown map[string]int

	Recommendations []string
}
