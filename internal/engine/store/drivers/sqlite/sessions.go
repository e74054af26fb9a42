package sqlite

import (
	"context"
	"database/sql"
	"strings"
	"time"

	"github.com/aussiebroadwan/shield/internal/engine/domain"
	"github.com/aussiebroadwan/shield/internal/engine/store"
)

type sessionsRepo struct {
	db *sql.DB
}

func (r *sessionsRepo) Create(ctx context.Context, s domain.Session) error {
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO sessions (id, identity_id, created_at, last_activity_at, expires_at, device_fingerprint, risk_score, mfa_verified, anomaly_flag, grants)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		s.ID, s.IdentityID, toNanos(s.CreatedAt), toNanos(s.LastActivityAt), toNanos(s.ExpiresAt),
		s.DeviceFingerprint, s.RiskScore, s.MFAVerified, s.AnomalyFlag, strings.Join(s.Grants, " "),
	)
	if err != nil && isUniqueViolation(err) {
		return store.ErrAlreadyExists
	}
	return err
}

func (r *sessionsRepo) Get(ctx context.Context, id string) (domain.Session, error) {
	return scanSession(r.db.QueryRowContext(ctx, `
		SELECT id, identity_id, created_at, last_activity_at, expires_at, device_fingerprint, risk_score, mfa_verified, anomaly_flag, grants
		FROM sessions WHERE id = ?`, id,
	))
}

func (r *sessionsRepo) Refresh(ctx context.Context, id string, at time.Time, anomaly bool) error {
	res, err := r.db.ExecContext(ctx, `
		UPDATE sessions
		SET last_activity_at = MAX(last_activity_at, ?), anomaly_flag = ?
		WHERE id = ?`,
		toNanos(at), anomaly, id,
	)
	if err != nil {
		return err
	}
	return requireRows(res)
}

func (r *sessionsRepo) SetMFAVerified(ctx context.Context, id string) error {
	res, err := r.db.ExecContext(ctx, `UPDATE sessions SET mfa_verified = 1 WHERE id = ?`, id)
	if err != nil {
		return err
	}
	return requireRows(res)
}

func (r *sessionsRepo) Delete(ctx context.Context, id string) error {
	res, err := r.db.ExecContext(ctx, `DELETE FROM sessions WHERE id = ?`, id)
	if err != nil {
		return err
	}
	return requireRows(res)
}

func (r *sessionsRepo) ListByIdentity(ctx context.Context, identityID string) ([]domain.Session, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT id, identity_id, created_at, last_activity_at, expires_at, device_fingerprint, risk_score, mfa_verified, anomaly_flag, grants
		FROM sessions WHERE identity_id = ? ORDER BY created_at ASC`, identityID,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []domain.Session
	for rows.Next() {
		s, err := scanSession(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, s)
	}
	return out, rows.Err()
}

func (r *sessionsRepo) DeleteExpired(ctx context.Context, now time.Time, idleTimeout time.Duration) (int, error) {
	nowNanos := toNanos(now)

	var res sql.Result
	var err error
	if idleTimeout > 0 {
		res, err = r.db.ExecContext(ctx,
			`DELETE FROM sessions WHERE expires_at < ? OR last_activity_at < ?`,
			nowNanos, toNanos(now.Add(-idleTimeout)),
		)
	} else {
		res, err = r.db.ExecContext(ctx, `DELETE FROM sessions WHERE expires_at < ?`, nowNanos)
	}
	if err != nil {
		return 0, err
	}

	n, err := res.RowsAffected()
	return int(n), err
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanSession(row rowScanner) (domain.Session, error) {
	var (
		s              domain.Session
		createdAt      int64
		lastActivityAt int64
		expiresAt      int64
		grants         string
	)
	if err := row.Scan(&s.ID, &s.IdentityID, &createdAt, &lastActivityAt, &expiresAt,
		&s.DeviceFingerprint, &s.RiskScore, &s.MFAVerified, &s.AnomalyFlag, &grants); err != nil {
		return domain.Session{}, mapNotFound(err)
	}

	s.CreatedAt = fromNanos(createdAt)
	s.LastActivityAt = fromNanos(lastActivityAt)
	s.ExpiresAt = fromNanos(expiresAt)
	if grants != "" {
		s.Grants = strings.Fields(grants)
	}
	return s, nil
}
