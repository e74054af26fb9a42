package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/aussiebroadwan/shield/internal/engine/domain"
	"github.com/aussiebroadwan/shield/internal/engine/store"
)

type enrollmentsRepo struct {
	db *sql.DB
}

func (r *enrollmentsRepo) Create(ctx context.Context, e domain.MFAEnrollment) error {
	envelope, err := json.Marshal(e.SecretEnvelope)
	if err != nil {
		return fmt.Errorf("marshal secret envelope: %w", err)
	}

	_, err = r.db.ExecContext(ctx, `
		INSERT INTO mfa_enrollments (id, identity_id, method, secret_envelope, enabled, failed_attempts, last_step, last_used_at, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		e.ID, e.IdentityID, string(e.Method), envelope, e.Enabled, e.FailedAttempts,
		e.LastStep, toNanosPtr(e.LastUsedAt), toNanos(e.CreatedAt), toNanos(e.UpdatedAt),
	)
	if err != nil {
		if isUniqueViolation(err) {
			return store.ErrAlreadyExists
		}
		return err
	}
	return nil
}

func (r *enrollmentsRepo) Get(ctx context.Context, identityID string, method domain.MFAMethod) (domain.MFAEnrollment, error) {
	row := r.db.QueryRowContext(ctx, `
		SELECT id, identity_id, method, secret_envelope, enabled, failed_attempts, last_step, last_used_at, created_at, updated_at
		FROM mfa_enrollments WHERE identity_id = ? AND method = ?`,
		identityID, string(method),
	)

	var (
		e         domain.MFAEnrollment
		methodStr string
		envelope  []byte
		lastUsed  sql.NullInt64
		createdAt int64
		updatedAt int64
	)
	if err := row.Scan(&e.ID, &e.IdentityID, &methodStr, &envelope, &e.Enabled, &e.FailedAttempts, &e.LastStep, &lastUsed, &createdAt, &updatedAt); err != nil {
		return domain.MFAEnrollment{}, mapNotFound(err)
	}

	if err := json.Unmarshal(envelope, &e.SecretEnvelope); err != nil {
		return domain.MFAEnrollment{}, fmt.Errorf("unmarshal secret envelope: %w", err)
	}
	e.Method = domain.MFAMethod(methodStr)
	e.LastUsedAt = fromNanosPtr(lastUsed)
	e.CreatedAt = fromNanos(createdAt)
	e.UpdatedAt = fromNanos(updatedAt)
	return e, nil
}

func (r *enrollmentsRepo) RecordFailure(ctx context.Context, identityID string, method domain.MFAMethod) (int, error) {
	row := r.db.QueryRowContext(ctx, `
		UPDATE mfa_enrollments
		SET failed_attempts = failed_attempts + 1, updated_at = ?
		WHERE identity_id = ? AND method = ?
		RETURNING failed_attempts`,
		toNanos(time.Now().UTC()), identityID, string(method),
	)

	var attempts int
	if err := row.Scan(&attempts); err != nil {
		return 0, mapNotFound(err)
	}
	return attempts, nil
}

func (r *enrollmentsRepo) MarkVerified(ctx context.Context, identityID string, method domain.MFAMethod, usedAt time.Time, lastStep int64) error {
	res, err := r.db.ExecContext(ctx, `
		UPDATE mfa_enrollments
		SET failed_attempts = 0, last_used_at = ?, last_step = MAX(last_step, ?), updated_at = ?
		WHERE identity_id = ? AND method = ?`,
		toNanos(usedAt), lastStep, toNanos(time.Now().UTC()), identityID, string(method),
	)
	if err != nil {
		return err
	}
	return requireRows(res)
}

func (r *enrollmentsRepo) Delete(ctx context.Context, identityID string, method domain.MFAMethod) error {
	res, err := r.db.ExecContext(ctx,
		`DELETE FROM mfa_enrollments WHERE identity_id = ? AND method = ?`,
		identityID, string(method),
	)
	if err != nil {
		return err
	}
	return requireRows(res)
}

func (r *enrollmentsRepo) DeleteAllForIdentity(ctx context.Context, identityID string) error {
	_, err := r.db.ExecContext(ctx, `DELETE FROM mfa_enrollments WHERE identity_id = ?`, identityID)
	return err
}

type backupCodesRepo struct {
	db *sql.DB
}

func (r *backupCodesRepo) Create(ctx context.Context, identityID string, codeHash string) error {
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO backup_codes (identity_id, code_hash, created_at) VALUES (?, ?, ?)`,
		identityID, codeHash, toNanos(time.Now().UTC()),
	)
	if err != nil && isUniqueViolation(err) {
		return store.ErrAlreadyExists
	}
	return err
}

// Consume deletes the code in one statement; the row-count tells us whether
// this caller won the race for a single-use code.
func (r *backupCodesRepo) Consume(ctx context.Context, identityID string, codeHash string) error {
	res, err := r.db.ExecContext(ctx,
		`DELETE FROM backup_codes WHERE identity_id = ? AND code_hash = ?`,
		identityID, codeHash,
	)
	if err != nil {
		return err
	}
	return requireRows(res)
}

func (r *backupCodesRepo) DeleteAll(ctx context.Context, identityID string) error {
	_, err := r.db.ExecContext(ctx, `DELETE FROM backup_codes WHERE identity_id = ?`, identityID)
	return err
}

func (r *backupCodesRepo) Count(ctx context.Context, identityID string) (int, error) {
	var count int
	err := r.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM backup_codes WHERE identity_id = ?`, identityID,
	).Scan(&count)
	return count, err
}

type externalCodesRepo struct {
	db *sql.DB
}

func (r *externalCodesRepo) Put(ctx context.Context, code domain.ExternalCode) error {
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO external_codes (identity_id, method, code_hash, expires_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT (identity_id, method) DO UPDATE SET code_hash = excluded.code_hash, expires_at = excluded.expires_at`,
		code.IdentityID, string(code.Method), code.CodeHash, toNanos(code.ExpiresAt),
	)
	return err
}

func (r *externalCodesRepo) Consume(ctx context.Context, identityID string, method domain.MFAMethod, codeHash string) (domain.ExternalCode, error) {
	row := r.db.QueryRowContext(ctx, `
		DELETE FROM external_codes
		WHERE identity_id = ? AND method = ? AND code_hash = ?
		RETURNING identity_id, method, code_hash, expires_at`,
		identityID, string(method), codeHash,
	)

	var (
		code      domain.ExternalCode
		methodStr string
		expiresAt int64
	)
	if err := row.Scan(&code.IdentityID, &methodStr, &code.CodeHash, &expiresAt); err != nil {
		return domain.ExternalCode{}, mapNotFound(err)
	}
	code.Method = domain.MFAMethod(methodStr)
	code.ExpiresAt = fromNanos(expiresAt)
	return code, nil
}

func (r *externalCodesRepo) DeleteExpired(ctx context.Context, now time.Time) error {
	_, err := r.db.ExecContext(ctx, `DELETE FROM external_codes WHERE expires_at < ?`, toNanos(now))
	return err
}

func requireRows(res sql.Result) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return store.ErrNotFound
	}
	return nil
}
