package sqlite

import (
	"context"
	"database/sql"
	"strings"
	"time"

	"github.com/aussiebroadwan/shield/internal/engine/domain"
)

type threatsRepo struct {
	db *sql.DB
}

func (r *threatsRepo) AppendSample(ctx context.Context, s domain.ActivitySample) error {
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO threat_samples (id, identity_id, type, at, location, known_location)
		VALUES (?, ?, ?, ?, ?, ?)`,
		s.ID, s.IdentityID, string(s.Type), toNanos(s.At), s.Location, s.KnownLocation,
	)
	return err
}

func (r *threatsRepo) Samples(ctx context.Context, identityID string, cutoff time.Time) ([]domain.ActivitySample, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT id, identity_id, type, at, location, known_location
		FROM threat_samples
		WHERE identity_id = ? AND at >= ?
		ORDER BY at ASC`,
		identityID, toNanos(cutoff),
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []domain.ActivitySample
	for rows.Next() {
		var (
			s       domain.ActivitySample
			typeStr string
			at      int64
		)
		if err := rows.Scan(&s.ID, &s.IdentityID, &typeStr, &at, &s.Location, &s.KnownLocation); err != nil {
			return nil, err
		}
		s.Type = domain.ActivityType(typeStr)
		s.At = fromNanos(at)
		out = append(out, s)
	}
	return out, rows.Err()
}

func (r *threatsRepo) GetAssessment(ctx context.Context, identityID string) (domain.ThreatAssessment, error) {
	var (
		a           domain.ThreatAssessment
		flags       string
		evaluatedAt int64
	)
	err := r.db.QueryRowContext(ctx, `
		SELECT identity_id, risk_score, flags, escalation_fingerprint, evaluated_at
		FROM threat_assessments WHERE identity_id = ?`, identityID,
	).Scan(&a.IdentityID, &a.RiskScore, &flags, &a.EscalationFingerprint, &evaluatedAt)
	if err != nil {
		return domain.ThreatAssessment{}, mapNotFound(err)
	}

	for _, f := range strings.Fields(flags) {
		a.Flags = append(a.Flags, domain.ThreatFlag(f))
	}
	a.EvaluatedAt = fromNanos(evaluatedAt)
	return a, nil
}

func (r *threatsRepo) PutAssessment(ctx context.Context, a domain.ThreatAssessment) error {
	flags := make([]string, 0, len(a.Flags))
	for _, f := range a.Flags {
		flags = append(flags, string(f))
	}

	_, err := r.db.ExecContext(ctx, `
		INSERT INTO threat_assessments (identity_id, risk_score, flags, escalation_fingerprint, evaluated_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT (identity_id) DO UPDATE SET
			risk_score = excluded.risk_score,
			flags = excluded.flags,
			escalation_fingerprint = excluded.escalation_fingerprint,
			evaluated_at = excluded.evaluated_at`,
		a.IdentityID, a.RiskScore, strings.Join(flags, " "), a.EscalationFingerprint, toNanos(a.EvaluatedAt),
	)
	return err
}

func (r *threatsRepo) PruneBefore(ctx context.Context, cutoff time.Time) (int, error) {
	res, err := r.db.ExecContext(ctx, `DELETE FROM threat_samples WHERE at < ?`, toNanos(cutoff))
	if err != nil {
		return 0, err
	}
	n, err := res.RowsAffected()
	return int(n), err
}
