package domain

import "errors"

// Shared error taxonomy. Services wrap these sentinels with operation detail;
// callers branch with errors.Is. Authentication failures deliberately carry a
// generic message — the audit log holds the full story.
var (
	// ErrValidation reports malformed or unsupported input.
	ErrValidation = errors.New("shield: invalid input")

	// ErrNotFound reports an unknown identity, session, enrollment, or key.
	ErrNotFound = errors.New("shield: not found")

	// ErrAuthFailure reports a wrong token or credential. Always counted
	// toward attempt limits by the caller that raises it.
	ErrAuthFailure = errors.New("shield: authentication failed")

	// ErrIntegrity reports a tamper or decrypt mismatch. Fatal to the
	// operation; never degraded into partial output.
	ErrIntegrity = errors.New("shield: integrity verification failed")

	// ErrExpired reports a session or code past its lifetime.
	ErrExpired = errors.New("shield: expired")

	// ErrPolicyDenied reports a negative access-evaluation result.
	ErrPolicyDenied = errors.New("shield: denied by policy")

	// ErrConflict reports losing a race on a single-use resource, e.g. a
	// backup code another request consumed first. Never retried automatically.
	ErrConflict = errors.New("shield: concurrent use conflict")

	// ErrThrottled reports that an attempt limiter rejected the operation
	// before any credential was examined.
	ErrThrottled = errors.New("shield: too many attempts")
)
