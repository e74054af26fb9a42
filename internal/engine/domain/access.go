package domain

import "time"

// Wildcard matches any resource or action in grant patterns.
const Wildcard = "*"

// ConstraintKind selects how a grant constraint is evaluated.
type ConstraintKind string

const (
	// ConstraintTimeOfDay restricts the grant to an hour range [Start, End).
	ConstraintTimeOfDay ConstraintKind = "timeOfDay"

	// ConstraintOwnership requires the request context's owner attribute to
	// equal the requesting identity.
	ConstraintOwnership ConstraintKind = "ownership"

	// ConstraintAttribute requires a context attribute to equal a value.
	ConstraintAttribute ConstraintKind = "attribute"
)

// Constraint is an additional predicate on a grant. Every constraint on a
// matched grant must pass for the grant to apply.
type Constraint struct {
	Kind ConstraintKind `json:"kind"`

	// StartHour/EndHour bound timeOfDay constraints (24h clock, UTC).
	StartHour int `json:"startHour,omitempty"`
	EndHour   int `json:"endHour,omitempty"`

	// Key/Value parameterize attribute constraints.
	Key   string `json:"key,omitempty"`
	Value string `json:"value,omitempty"`
}

// AccessGrant binds one identity to a resource pattern and action set.
// Patterns are exact, a "prefix/*" wildcard, or the bare wildcard.
type AccessGrant struct {
	ID          string
	IdentityID  string
	Resource    string
	Actions     []string
	Constraints []Constraint
	CreatedAt   time.Time
}

// Role is a named bundle of grant shapes. Role-derived grants are resolved at
// evaluation time, never materialized onto identities.
type Role struct {
	Name   string
	Grants []RoleGrant
}

// RoleGrant is a resource/action pattern carried by a role.
type RoleGrant struct {
	Resource string   `json:"resource"`
	Actions  []string `json:"actions"`
}

// AccessContext carries request attributes consulted by constraints,
// e.g. {"owner": "<identity-id>"}.
type AccessContext map[string]string

// AccessDecision is the audited outcome of one capability check.
type AccessDecision struct {
	Granted bool
	Reason  string
}
