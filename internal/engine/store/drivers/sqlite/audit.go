package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/aussiebroadwan/shield/internal/engine/domain"
	"github.com/aussiebroadwan/shield/internal/engine/store"
)

const defaultQueryLimit = 500

type auditEventsRepo struct {
	db *sql.DB
}

func (r *auditEventsRepo) Append(ctx context.Context, e domain.AuditEvent) error {
	metadata, err := json.Marshal(e.Metadata)
	if err != nil {
		return fmt.Errorf("marshal metadata: %w", err)
	}

	_, err = r.db.ExecContext(ctx, `
		INSERT INTO audit_events (id, type, identity_id, at, metadata, outcome)
		VALUES (?, ?, ?, ?, ?, ?)`,
		e.ID, string(e.Type), e.IdentityID, toNanos(e.Timestamp), string(metadata), string(e.Outcome),
	)
	if err != nil && isUniqueViolation(err) {
		return store.ErrAlreadyExists
	}
	return err
}

func (r *auditEventsRepo) Query(ctx context.Context, q store.AuditQuery) ([]domain.AuditEvent, error) {
	limit := q.Limit
	if limit <= 0 {
		limit = defaultQueryLimit
	}

	var (
		clauses []string
		args    []any
	)
	if q.AfterID != "" {
		clauses = append(clauses, "id > ?")
		args = append(args, q.AfterID)
	}
	if !q.From.IsZero() {
		clauses = append(clauses, "at >= ?")
		args = append(args, toNanos(q.From))
	}
	if !q.To.IsZero() {
		clauses = append(clauses, "at <= ?")
		args = append(args, toNanos(q.To))
	}
	if q.Filter.IdentityID != "" {
		clauses = append(clauses, "identity_id = ?")
		args = append(args, q.Filter.IdentityID)
	}
	if len(q.Filter.Types) > 0 {
		placeholders := strings.TrimSuffix(strings.Repeat("?, ", len(q.Filter.Types)), ", ")
		clauses = append(clauses, "type IN ("+placeholders+")")
		for _, t := range q.Filter.Types {
			args = append(args, string(t))
		}
	}

	query := `SELECT id, type, identity_id, at, metadata, outcome FROM audit_events`
	if len(clauses) > 0 {
		query += " WHERE " + strings.Join(clauses, " AND ")
	}
	query += " ORDER BY id ASC LIMIT ?"
	args = append(args, limit)

	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []domain.AuditEvent
	for rows.Next() {
		var (
			e        domain.AuditEvent
			typeStr  string
			at       int64
			metadata string
			outcome  string
		)
		if err := rows.Scan(&e.ID, &typeStr, &e.IdentityID, &at, &metadata, &outcome); err != nil {
			return nil, err
		}
		if err := json.Unmarshal([]byte(metadata), &e.Metadata); err != nil {
			return nil, fmt.Errorf("unmarshal metadata: %w", err)
		}
		e.Type = domain.AuditEventType(typeStr)
		e.Timestamp = fromNanos(at)
		e.Outcome = domain.AuditOutcome(outcome)
		out = append(out, e)
	}
	return out, rows.Err()
}

func (r *auditEventsRepo) DeleteBefore(ctx context.Context, cutoff time.Time) (int, error) {
	res, err := r.db.ExecContext(ctx, `DELETE FROM audit_events WHERE at < ?`, toNanos(cutoff))
	if err != nil {
		return 0, err
	}
	n, err := res.RowsAffected()
	return int(n), err
}
