package domain

import "time"

// MFAMethod is the closed set of supported second factors. Verification
// dispatches on this with an exhaustive switch, so adding a method is a
// compile-time-visible change.
type MFAMethod string

const (
	MethodTOTP        MFAMethod = "totp"
	MethodSMS         MFAMethod = "sms"
	MethodEmail       MFAMethod = "email"
	MethodBackupCodes MFAMethod = "backupCodes"
)

// Valid reports whether m is one of the supported methods.
func (m MFAMethod) Valid() bool {
	switch m {
	case MethodTOTP, MethodSMS, MethodEmail, MethodBackupCodes:
		return true
	}
	return false
}

// MFAEnrollment is one identity's enrollment in one method. The shared secret
// is only ever persisted inside an encryption envelope.
type MFAEnrollment struct {
	ID         string
	IdentityID string
	Method     MFAMethod

	// SecretEnvelope holds the encrypted shared secret. Plaintext leaves the
	// MFA manager exactly once, in the enrollment response.
	SecretEnvelope Envelope

	Enabled        bool
	FailedAttempts int

	// LastStep is the most recent TOTP time step that produced a successful
	// verification. Tokens for steps at or before it are replays.
	LastStep int64

	LastUsedAt *time.Time
	CreatedAt  time.Time
	UpdatedAt  time.Time
}

// MFAProvisioning is the one-time enrollment response. The secret and backup
// codes are shown once and never recoverable afterwards.
type MFAProvisioning struct {
	Method MFAMethod

	// Secret is the base32 shared secret (TOTP) or opaque seed (sms/email).
	Secret string

	// BackupCodes are the ten single-use recovery codes.
	BackupCodes []string

	// ProvisioningURI is the otpauth:// URI for TOTP methods, empty otherwise.
	ProvisioningURI string
}

// VerificationResult is the outcome of one verification attempt.
type VerificationResult struct {
	Verified bool

	// RemainingAttempts is how many consecutive failures are left before the
	// brute-force escalation fires. Zero once the ceiling has been reached.
	RemainingAttempts int
}

// ExternalCode is a short-lived one-time code for sms/email methods. The host
// service dispatches the code; the engine only stores its fingerprint.
type ExternalCode struct {
	IdentityID string
	Method     MFAMethod
	CodeHash   string
	ExpiresAt  time.Time
}
