package store

import (
	"context"
	"errors"
	"time"

	"github.com/aussiebroadwan/shield/internal/engine/domain"
)

var (
	ErrNotFound      = errors.New("store: not found")
	ErrAlreadyExists = errors.New("store: already exists")

	// ErrConflict reports losing a race on a single-use record (e.g. a backup
	// code another caller consumed between lookup and delete).
	ErrConflict = errors.New("store: conflict")
)

// Store is the root data access interface. Concrete drivers (memory, sqlite)
// implement this. It exposes sub-repositories to keep concerns tidy and
// testable.
//
// The engine never requires cross-record transactions: every read-modify-write
// the services depend on (backup-code consumption, failed-attempt increments,
// session refresh) is a single repository call that drivers must make atomic
// per record.
type Store interface {
	Enrollments() Enrollments
	BackupCodes() BackupCodes
	ExternalCodes() ExternalCodes
	Sessions() Sessions
	Grants() Grants
	Roles() Roles
	Threats() Threats
	AuditEvents() AuditEvents
	EncryptionKeys() EncryptionKeys

	// ApplyMigrations prepares the backing schema. A no-op for drivers
	// without one.
	ApplyMigrations() error

	// Close releases any underlying resources.
	Close() error

	// Ping verifies the backing store is still reachable.
	Ping(ctx context.Context) error
}

type Enrollments interface {
	// Create inserts a new enrollment. Returns ErrAlreadyExists if the
	// identity already has one for the method.
	Create(ctx context.Context, e domain.MFAEnrollment) error

	// Get returns the enrollment for one identity and method.
	Get(ctx context.Context, identityID string, method domain.MFAMethod) (domain.MFAEnrollment, error)

	// RecordFailure atomically increments the failed-attempt counter and
	// returns the new count.
	RecordFailure(ctx context.Context, identityID string, method domain.MFAMethod) (int, error)

	// MarkVerified atomically resets the failure counter, stamps last_used_at,
	// and advances the last accepted TOTP step.
	MarkVerified(ctx context.Context, identityID string, method domain.MFAMethod, usedAt time.Time, lastStep int64) error

	// Delete destroys the enrollment (explicit disable or identity deletion).
	Delete(ctx context.Context, identityID string, method domain.MFAMethod) error

	// DeleteAllForIdentity removes every enrollment for an identity.
	DeleteAllForIdentity(ctx context.Context, identityID string) error
}

type BackupCodes interface {
	// Create stores one backup code fingerprint for an identity.
	Create(ctx context.Context, identityID string, codeHash string) error

	// Consume atomically removes the code if present. Returns ErrNotFound if
	// no such unused code exists; of N concurrent calls with the same hash,
	// exactly one succeeds.
	Consume(ctx context.Context, identityID string, codeHash string) error

	// DeleteAll removes every backup code for an identity.
	DeleteAll(ctx context.Context, identityID string) error

	// Count returns the number of unused codes remaining.
	Count(ctx context.Context, identityID string) (int, error)
}

type ExternalCodes interface {
	// Put stores (or replaces) the pending code fingerprint for an
	// identity+method pair.
	Put(ctx context.Context, code domain.ExternalCode) error

	// Consume atomically removes the pending code if its hash matches.
	// Returns the stored record so callers can check expiry.
	Consume(ctx context.Context, identityID string, method domain.MFAMethod, codeHash string) (domain.ExternalCode, error)

	// DeleteExpired removes codes past their expiry (housekeeping).
	DeleteExpired(ctx context.Context, now time.Time) error
}

type Sessions interface {
	Create(ctx context.Context, s domain.Session) error

	Get(ctx context.Context, id string) (domain.Session, error)

	// Refresh atomically advances last_activity_at (never backwards) and
	// records the anomaly flag computed during validation.
	Refresh(ctx context.Context, id string, at time.Time, anomaly bool) error

	// SetMFAVerified marks the session as having completed an MFA challenge.
	SetMFAVerified(ctx context.Context, id string) error

	Delete(ctx context.Context, id string) error

	// ListByIdentity returns all live sessions for an identity.
	ListByIdentity(ctx context.Context, identityID string) ([]domain.Session, error)

	// DeleteExpired removes sessions past expires_at or idle longer than
	// idleTimeout. Returns how many were removed.
	DeleteExpired(ctx context.Context, now time.Time, idleTimeout time.Duration) (int, error)
}

type Grants interface {
	Create(ctx context.Context, g domain.AccessGrant) error
	ListByIdentity(ctx context.Context, identityID string) ([]domain.AccessGrant, error)
	Delete(ctx context.Context, id string) error
}

type Roles interface {
	// Put inserts or replaces a role definition.
	Put(ctx context.Context, r domain.Role) error

	Get(ctx context.Context, name string) (domain.Role, error)

	// Assign binds an identity to a role. Idempotent.
	Assign(ctx context.Context, identityID, roleName string) error

	Unassign(ctx context.Context, identityID, roleName string) error

	// ListForIdentity resolves the identity's assigned roles.
	ListForIdentity(ctx context.Context, identityID string) ([]domain.Role, error)
}

type Threats interface {
	// AppendSample adds one activity sample to the identity's window.
	AppendSample(ctx context.Context, s domain.ActivitySample) error

	// Samples returns the identity's samples at or after cutoff, ordered by
	// time ascending.
	Samples(ctx context.Context, identityID string, cutoff time.Time) ([]domain.ActivitySample, error)

	// GetAssessment returns the stored assessment, or ErrNotFound before the
	// first scoring pass.
	GetAssessment(ctx context.Context, identityID string) (domain.ThreatAssessment, error)

	// PutAssessment stores the derived assessment for an identity.
	PutAssessment(ctx context.Context, a domain.ThreatAssessment) error

	// PruneBefore drops samples older than cutoff across all identities.
	PruneBefore(ctx context.Context, cutoff time.Time) (int, error)
}

type AuditQuery struct {
	From time.Time
	To   time.Time

	Filter domain.AuditFilter

	// AfterID restricts results to events with ID strictly greater than it,
	// enabling restartable paging in ascending ULID (= time) order.
	AfterID string

	// Limit caps the page size; zero means driver default.
	Limit int
}

type AuditEvents interface {
	// Append writes one immutable event. Events are never updated.
	Append(ctx context.Context, e domain.AuditEvent) error

	// Query returns events matching q ordered by ID ascending.
	Query(ctx context.Context, q AuditQuery) ([]domain.AuditEvent, error)

	// DeleteBefore enforces the retention policy. Returns how many events
	// were removed.
	DeleteBefore(ctx context.Context, cutoff time.Time) (int, error)
}

type EncryptionKeys interface {
	Create(ctx context.Context, k domain.EncryptionKey) error

	Get(ctx context.Context, id string) (domain.EncryptionKey, error)

	// Active returns the current non-retired key for a classification.
	Active(ctx context.Context, c domain.Classification) (domain.EncryptionKey, error)

	// Retire marks a key as rotated out; it remains resolvable for decryption.
	Retire(ctx context.Context, id string, at time.Time) error

	// DeleteRetiredBefore drops keys retired before cutoff (retention).
	DeleteRetiredBefore(ctx context.Context, cutoff time.Time) (int, error)
}
