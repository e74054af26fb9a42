package service

import (
	"context"
	"crypto/subtle"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/pquerna/otp"
	"github.com/pquerna/otp/totp"

	"github.com/aussiebroadwan/shield/internal/engine/domain"
	"github.com/aussiebroadwan/shield/internal/engine/store"
	"github.com/aussiebroadwan/shield/pkg/cryptox"
	"github.com/aussiebroadwan/shield/pkg/idx"
	"github.com/aussiebroadwan/shield/pkg/ratex"
)

const (
	backupCodeCount = 10                   // Number of backup codes issued per enrollment
	backupCodeBytes = cryptox.TokenSize64  // 64-bit entropy per backup code
	totpSecretBytes = cryptox.TokenSize160 // 160-bit shared secrets for TOTP-class methods

	// externalCodeTTL bounds how long a dispatched sms/email code stays
	// redeemable.
	externalCodeTTL = 5 * time.Minute
)

// ActivitySink receives activity samples for behavioural analysis. The MFA
// manager feeds it failures so brute-force runs show up in the rolling window.
type ActivitySink interface {
	Observe(ctx context.Context, sample domain.ActivitySample)
}

// MFAService manages second-factor enrollments and verification. Shared
// secrets are envelope-encrypted at rest; backup and one-time codes are
// stored only as fingerprints.
type MFAService struct {
	Store     store.Store
	Logger    *slog.Logger
	Audit     Recorder
	Envelopes *EnvelopeService
	Threats   ActivitySink

	// Issuer names this engine in TOTP provisioning URIs.
	Issuer string

	// TOTPStep is the TOTP time-step size. Verification tolerates one step
	// of clock skew either side.
	TOTPStep time.Duration

	// MaxFailedAttempts is the consecutive-failure ceiling. Reaching it
	// raises a suspicious-activity escalation; it is not itself a lockout.
	MaxFailedAttempts int

	// Limiter throttles verification attempts per identity before any
	// credential is examined.
	Limiter *ratex.Keyed

	now func() time.Time
}

// NewMFAService wires the MFA manager with its defaults.
func NewMFAService(st store.Store, logger *slog.Logger, audit Recorder, envelopes *EnvelopeService, threats ActivitySink, issuer string, totpStep time.Duration, maxFailedAttempts int) *MFAService {
	if totpStep <= 0 {
		totpStep = 30 * time.Second
	}
	if maxFailedAttempts <= 0 {
		maxFailedAttempts = 5
	}

	return &MFAService{
		Store:             st,
		Logger:            logger,
		Audit:             audit,
		Envelopes:         envelopes,
		Threats:           threats,
		Issuer:            issuer,
		TOTPStep:          totpStep,
		MaxFailedAttempts: maxFailedAttempts,
		Limiter:           ratex.NewKeyed(ratex.StrictProfile),
		now:               time.Now,
	}
}

// Enroll creates an enrollment for one method and returns the one-time
// provisioning payload: the shared secret, ten single-use backup codes, and
// for TOTP an otpauth:// URI. None of these are recoverable afterwards.
func (s *MFAService) Enroll(ctx context.Context, identityID string, method domain.MFAMethod) (domain.MFAProvisioning, error) {
	if identityID == "" {
		return domain.MFAProvisioning{}, fmt.Errorf("%w: identity id required", domain.ErrValidation)
	}

	var secret, provisioningURI string
	switch method {
	case domain.MethodTOTP:
		key, err := totp.Generate(totp.GenerateOpts{
			Issuer:      s.Issuer,
			AccountName: identityID,
			Period:      uint(s.TOTPStep.Seconds()),
			SecretSize:  totpSecretBytes,
			Digits:      otp.DigitsSix,
			Algorithm:   otp.AlgorithmSHA1,
		})
		if err != nil {
			return domain.MFAProvisioning{}, fmt.Errorf("failed to generate TOTP key: %w", err)
		}
		secret = key.Secret()
		provisioningURI = key.URL()

	case domain.MethodSMS, domain.MethodEmail:
		seed, err := cryptox.GenerateToken(totpSecretBytes)
		if err != nil {
			return domain.MFAProvisioning{}, fmt.Errorf("failed to generate enrollment seed: %w", err)
		}
		secret = seed

	case domain.MethodBackupCodes:
		// Backup codes are issued alongside every enrollment, never enrolled
		// on their own.
		return domain.MFAProvisioning{}, fmt.Errorf("%w: backup codes cannot be enrolled directly", domain.ErrValidation)

	default:
		return domain.MFAProvisioning{}, fmt.Errorf("%w: unsupported MFA method %q", domain.ErrValidation, method)
	}

	envelope, err := s.Envelopes.Encrypt(ctx, []byte(secret), domain.ClassificationRestricted)
	if err != nil {
		return domain.MFAProvisioning{}, fmt.Errorf("failed to encrypt enrollment secret: %w", err)
	}

	now := s.now().UTC()
	err = s.Store.Enrollments().Create(ctx, domain.MFAEnrollment{
		ID:             idx.New().String(),
		IdentityID:     identityID,
		Method:         method,
		SecretEnvelope: envelope,
		Enabled:        true,
		CreatedAt:      now,
		UpdatedAt:      now,
	})
	if errors.Is(err, store.ErrAlreadyExists) {
		return domain.MFAProvisioning{}, fmt.Errorf("%w: identity already enrolled in %s", domain.ErrConflict, method)
	}
	if err != nil {
		return domain.MFAProvisioning{}, fmt.Errorf("failed to persist enrollment: %w", err)
	}

	codes, err := s.issueBackupCodes(ctx, identityID)
	if err != nil {
		return domain.MFAProvisioning{}, err
	}

	s.Audit.Record(domain.AuditEvent{
		Type:       domain.AuditMFAEnabled,
		IdentityID: identityID,
		Outcome:    domain.OutcomeSuccess,
		Metadata:   map[string]string{"method": string(method)},
	})

	return domain.MFAProvisioning{
		Method:          method,
		Secret:          secret,
		BackupCodes:     codes,
		ProvisioningURI: provisioningURI,
	}, nil
}

// Verify checks one token against one method. A wrong token is not an error:
// it returns {Verified: false} with the remaining attempt allowance. Errors
// are reserved for unsupported methods, missing enrollments, throttling, and
// single-use races.
func (s *MFAService) Verify(ctx context.Context, identityID string, method domain.MFAMethod, token string) (domain.VerificationResult, error) {
	if !method.Valid() {
		return domain.VerificationResult{}, fmt.Errorf("%w: unsupported MFA method %q", domain.ErrValidation, method)
	}

	// Throttle before any credential is examined.
	if !s.Limiter.Allow(identityID) {
		return domain.VerificationResult{}, fmt.Errorf("%w: MFA verification for identity", domain.ErrThrottled)
	}

	var (
		verified bool
		err      error
	)
	switch method {
	case domain.MethodTOTP:
		verified, err = s.verifyTOTP(ctx, identityID, token)
	case domain.MethodBackupCodes:
		verified, err = s.verifyBackupCode(ctx, identityID, token)
	case domain.MethodSMS, domain.MethodEmail:
		verified, err = s.verifyExternalCode(ctx, identityID, method, token)
	}
	if err != nil {
		return domain.VerificationResult{}, err
	}

	if verified {
		return s.onVerifySuccess(ctx, identityID, method)
	}
	return s.onVerifyFailure(ctx, identityID, method)
}

// RegenerateBackupCodes replaces the identity's backup codes after a fresh
// verification with the given method. The old codes stop working immediately.
func (s *MFAService) RegenerateBackupCodes(ctx context.Context, identityID string, method domain.MFAMethod, token string) ([]string, error) {
	result, err := s.Verify(ctx, identityID, method, token)
	if err != nil {
		return nil, err
	}
	if !result.Verified {
		return nil, fmt.Errorf("%w: backup code regeneration", domain.ErrAuthFailure)
	}

	return s.issueBackupCodes(ctx, identityID)
}

// Disable removes the enrollment for a method after a fresh verification.
// When the last enrollment goes, the identity's backup codes go with it.
func (s *MFAService) Disable(ctx context.Context, identityID string, method domain.MFAMethod, token string) error {
	result, err := s.Verify(ctx, identityID, method, token)
	if err != nil {
		return err
	}
	if !result.Verified {
		return fmt.Errorf("%w: MFA disable", domain.ErrAuthFailure)
	}

	if err := s.Store.Enrollments().Delete(ctx, identityID, method); err != nil && !errors.Is(err, store.ErrNotFound) {
		return fmt.Errorf("failed to delete enrollment: %w", err)
	}

	if _, err := s.primaryEnrollment(ctx, identityID); errors.Is(err, domain.ErrNotFound) {
		if err := s.Store.BackupCodes().DeleteAll(ctx, identityID); err != nil {
			return fmt.Errorf("failed to delete backup codes: %w", err)
		}
	}

	s.Logger.Info("MFA enrollment disabled", "identity_id", identityID, "method", method)
	return nil
}

// DisableAll removes every enrollment and backup code for an identity, for
// identity-deletion flows where no verification is possible or required.
func (s *MFAService) DisableAll(ctx context.Context, identityID string) error {
	if err := s.Store.Enrollments().DeleteAllForIdentity(ctx, identityID); err != nil {
		return fmt.Errorf("failed to delete enrollments: %w", err)
	}
	if err := s.Store.BackupCodes().DeleteAll(ctx, identityID); err != nil {
		return fmt.Errorf("failed to delete backup codes: %w", err)
	}
	return nil
}

// ProvisionExternalCode mints a short-lived one-time code for an sms/email
// enrollment and returns it for the host service to dispatch. Only the code's
// fingerprint is stored; a second call replaces any pending code.
func (s *MFAService) ProvisionExternalCode(ctx context.Context, identityID string, method domain.MFAMethod) (string, time.Time, error) {
	if method != domain.MethodSMS && method != domain.MethodEmail {
		return "", time.Time{}, fmt.Errorf("%w: method %q does not use dispatched codes", domain.ErrValidation, method)
	}

	if _, err := s.enabledEnrollment(ctx, identityID, method); err != nil {
		return "", time.Time{}, err
	}

	code, err := cryptox.GenerateToken(cryptox.TokenSize64)
	if err != nil {
		return "", time.Time{}, fmt.Errorf("failed to generate one-time code: %w", err)
	}

	expiresAt := s.now().UTC().Add(externalCodeTTL)
	err = s.Store.ExternalCodes().Put(ctx, domain.ExternalCode{
		IdentityID: identityID,
		Method:     method,
		CodeHash:   cryptox.FingerprintToken(code),
		ExpiresAt:  expiresAt,
	})
	if err != nil {
		return "", time.Time{}, fmt.Errorf("failed to store one-time code: %w", err)
	}

	return code, expiresAt, nil
}

// verifyTOTP checks the token against the current step and one step either
// side. Exactly one token is accepted per step: the last accepted step is
// persisted, and tokens at or before it are replays.
func (s *MFAService) verifyTOTP(ctx context.Context, identityID string, token string) (bool, error) {
	enrollment, err := s.enabledEnrollment(ctx, identityID, domain.MethodTOTP)
	if err != nil {
		return false, err
	}

	secret, err := s.Envelopes.Decrypt(ctx, enrollment.SecretEnvelope)
	if err != nil {
		return false, fmt.Errorf("failed to decrypt enrollment secret: %w", err)
	}

	stepSeconds := int64(s.TOTPStep.Seconds())
	currentStep := s.now().Unix() / stepSeconds

	opts := totp.ValidateOpts{
		Period:    uint(stepSeconds),
		Digits:    otp.DigitsSix,
		Algorithm: otp.AlgorithmSHA1,
	}

	// Check the current step first, then the skew neighbours. The matched
	// step index is needed for replay tracking, so each candidate is derived
	// and compared individually.
	matchedStep := int64(-1)
	for _, offset := range []int64{0, -1, 1} {
		candidate := currentStep + offset
		expected, err := totp.GenerateCodeCustom(string(secret), time.Unix(candidate*stepSeconds, 0).UTC(), opts)
		if err != nil {
			return false, fmt.Errorf("failed to derive TOTP code: %w", err)
		}
		if subtle.ConstantTimeCompare([]byte(expected), []byte(token)) == 1 {
			matchedStep = candidate
			break
		}
	}

	if matchedStep < 0 {
		return false, nil
	}

	// A token for an already-consumed step is a replay, not a success.
	if matchedStep <= enrollment.LastStep {
		return false, nil
	}

	if err := s.Store.Enrollments().MarkVerified(ctx, identityID, domain.MethodTOTP, s.now().UTC(), matchedStep); err != nil {
		return false, fmt.Errorf("failed to record verification: %w", err)
	}
	return true, nil
}

// verifyBackupCode atomically consumes the code if it is unused. Of N
// concurrent attempts with the same code, exactly one observes success.
func (s *MFAService) verifyBackupCode(ctx context.Context, identityID string, token string) (bool, error) {
	enrollment, err := s.primaryEnrollment(ctx, identityID)
	if err != nil {
		return false, err
	}

	err = s.Store.BackupCodes().Consume(ctx, identityID, cryptox.FingerprintToken(token))
	if errors.Is(err, store.ErrNotFound) {
		return false, nil
	}
	if errors.Is(err, store.ErrConflict) {
		return false, fmt.Errorf("%w: backup code consumed concurrently", domain.ErrConflict)
	}
	if err != nil {
		return false, fmt.Errorf("failed to consume backup code: %w", err)
	}

	if err := s.Store.Enrollments().MarkVerified(ctx, identityID, enrollment.Method, s.now().UTC(), enrollment.LastStep); err != nil {
		return false, fmt.Errorf("failed to record verification: %w", err)
	}
	return true, nil
}

// verifyExternalCode consumes the pending dispatched code for sms/email.
func (s *MFAService) verifyExternalCode(ctx context.Context, identityID string, method domain.MFAMethod, token string) (bool, error) {
	enrollment, err := s.enabledEnrollment(ctx, identityID, method)
	if err != nil {
		return false, err
	}

	code, err := s.Store.ExternalCodes().Consume(ctx, identityID, method, cryptox.FingerprintToken(token))
	if errors.Is(err, store.ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("failed to consume one-time code: %w", err)
	}

	// A consumed-but-expired code still fails; it cannot be retried either
	// way, consumption removed it.
	if s.now().After(code.ExpiresAt) {
		return false, nil
	}

	if err := s.Store.Enrollments().MarkVerified(ctx, identityID, method, s.now().UTC(), enrollment.LastStep); err != nil {
		return false, fmt.Errorf("failed to record verification: %w", err)
	}
	return true, nil
}

// onVerifySuccess emits the audit record for a successful attempt. Counter
// reset and last-used stamping already happened atomically in the store.
func (s *MFAService) onVerifySuccess(ctx context.Context, identityID string, method domain.MFAMethod) (domain.VerificationResult, error) {
	s.Audit.Record(domain.AuditEvent{
		Type:       domain.AuditMFAVerified,
		IdentityID: identityID,
		Outcome:    domain.OutcomeSuccess,
		Metadata:   map[string]string{"method": string(method)},
	})

	return domain.VerificationResult{
		Verified:          true,
		RemainingAttempts: s.MaxFailedAttempts,
	}, nil
}

// onVerifyFailure counts the failure, feeds the behavioural window, and
// raises the suspicious-activity escalation exactly when the counter lands
// on the ceiling. Continued failures past the ceiling do not re-escalate;
// the counter only resets on success.
func (s *MFAService) onVerifyFailure(ctx context.Context, identityID string, method domain.MFAMethod) (domain.VerificationResult, error) {
	countMethod := method
	if method == domain.MethodBackupCodes {
		// Backup codes have no enrollment row of their own; failures count
		// against the enrollment that issued them.
		if enrollment, err := s.primaryEnrollment(ctx, identityID); err == nil {
			countMethod = enrollment.Method
		}
	}

	attempts, err := s.Store.Enrollments().RecordFailure(ctx, identityID, countMethod)
	if err != nil {
		return domain.VerificationResult{}, fmt.Errorf("failed to record failed attempt: %w", err)
	}

	s.Audit.Record(domain.AuditEvent{
		Type:       domain.AuditMFAFailed,
		IdentityID: identityID,
		Outcome:    domain.OutcomeFailure,
		Metadata: map[string]string{
			"method":          string(method),
			"failed_attempts": strconv.Itoa(attempts),
		},
	})

	s.Threats.Observe(ctx, domain.ActivitySample{
		ID:         idx.New().String(),
		IdentityID: identityID,
		Type:       domain.ActivityMFAFailure,
		At:         s.now().UTC(),
	})

	if attempts == s.MaxFailedAttempts {
		s.Audit.Record(domain.AuditEvent{
			Type:       domain.AuditSuspiciousActivity,
			IdentityID: identityID,
			Outcome:    domain.OutcomeNone,
			Metadata: map[string]string{
				"activity_type":   "MFA_BRUTE_FORCE",
				"method":          string(method),
				"failed_attempts": strconv.Itoa(attempts),
			},
		})
		s.Logger.Warn("MFA brute-force ceiling reached",
			"identity_id", identityID,
			"method", method,
			"failed_attempts", attempts)
	}

	remaining := s.MaxFailedAttempts - attempts
	if remaining < 0 {
		remaining = 0
	}
	return domain.VerificationResult{Verified: false, RemainingAttempts: remaining}, nil
}

// issueBackupCodes replaces the identity's backup codes with a fresh set.
func (s *MFAService) issueBackupCodes(ctx context.Context, identityID string) ([]string, error) {
	if err := s.Store.BackupCodes().DeleteAll(ctx, identityID); err != nil {
		return nil, fmt.Errorf("failed to clear old backup codes: %w", err)
	}

	codes := make([]string, backupCodeCount)
	for i := range codes {
		code, err := cryptox.GenerateToken(backupCodeBytes)
		if err != nil {
			return nil, fmt.Errorf("failed to generate backup code: %w", err)
		}
		codes[i] = code

		if err := s.Store.BackupCodes().Create(ctx, identityID, cryptox.FingerprintToken(code)); err != nil {
			return nil, fmt.Errorf("failed to store backup code: %w", err)
		}
	}
	return codes, nil
}

// enabledEnrollment loads the enrollment for a method, mapping absence and
// disabled rows to the not-enrolled error.
func (s *MFAService) enabledEnrollment(ctx context.Context, identityID string, method domain.MFAMethod) (domain.MFAEnrollment, error) {
	enrollment, err := s.Store.Enrollments().Get(ctx, identityID, method)
	if errors.Is(err, store.ErrNotFound) {
		return domain.MFAEnrollment{}, fmt.Errorf("%w: no %s enrollment for identity", domain.ErrNotFound, method)
	}
	if err != nil {
		return domain.MFAEnrollment{}, fmt.Errorf("failed to load enrollment: %w", err)
	}
	if !enrollment.Enabled {
		return domain.MFAEnrollment{}, fmt.Errorf("%w: %s enrollment is disabled", domain.ErrNotFound, method)
	}
	return enrollment, nil
}

// primaryEnrollment returns the identity's first enabled enrollment, checked
// in method preference order. Backup-code flows anchor on it.
func (s *MFAService) primaryEnrollment(ctx context.Context, identityID string) (domain.MFAEnrollment, error) {
	for _, method := range []domain.MFAMethod{domain.MethodTOTP, domain.MethodSMS, domain.MethodEmail} {
		enrollment, err := s.enabledEnrollment(ctx, identityID, method)
		if err == nil {
			return enrollment, nil
		}
		if !errors.Is(err, domain.ErrNotFound) {
			return domain.MFAEnrollment{}, err
		}
	}
	return domain.MFAEnrollment{}, fmt.Errorf("%w: no enabled enrollment for identity", domain.ErrNotFound)
}
