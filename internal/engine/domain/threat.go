package domain

import "time"

// ActivityType classifies one sample in an identity's rolling window.
type ActivityType string

const (
	ActivityLogin        ActivityType = "login"
	ActivityMFAFailure   ActivityType = "mfa_failure"
	ActivityAuthFailure  ActivityType = "auth_failure"
	ActivityAccessDenied ActivityType = "access_denied"
	ActivityRequest      ActivityType = "request"
)

// ActivitySample is one observed action for an identity.
type ActivitySample struct {
	ID            string
	IdentityID    string
	Type          ActivityType
	At            time.Time
	Location      string
	KnownLocation bool
}

// ThreatFlag identifies a detection finding. Identifiers are wire-stable.
type ThreatFlag string

const (
	FlagUnusualLoginTime  ThreatFlag = "UNUSUAL_LOGIN_TIME"
	FlagBruteForceAttempt ThreatFlag = "BRUTE_FORCE_ATTEMPT"
	FlagUnusualLocation   ThreatFlag = "UNUSUAL_LOCATION"
	FlagAutomatedBehavior ThreatFlag = "AUTOMATED_BEHAVIOR"
)

// Severity weights findings when aggregating a risk score.
type Severity string

const (
	SeverityLow    Severity = "low"
	SeverityMedium Severity = "medium"
	SeverityHigh   Severity = "high"
)

// Weight returns the severity's contribution to the aggregate score.
func (s Severity) Weight() int {
	switch s {
	case SeverityHigh:
		return 30
	case SeverityMedium:
		return 15
	case SeverityLow:
		return 5
	}
	return 0
}

// Finding is one weighted detection produced by a scoring pass.
type Finding struct {
	Flag     ThreatFlag
	Severity Severity
	Detail   string
}

// ThreatAssessment is the derived state for one identity after a scoring
// pass over its rolling window.
type ThreatAssessment struct {
	IdentityID string
	RiskScore  int
	Flags      []ThreatFlag

	// EscalationFingerprint identifies the window state that last triggered
	// an escalation. Re-scoring an unchanged window matches it and does not
	// escalate again.
	EscalationFingerprint string

	EvaluatedAt time.Time
}
