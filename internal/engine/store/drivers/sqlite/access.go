package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/aussiebroadwan/shield/internal/engine/domain"
	"github.com/aussiebroadwan/shield/internal/engine/store"
)

type grantsRepo struct {
	db *sql.DB
}

func (r *grantsRepo) Create(ctx context.Context, g domain.AccessGrant) error {
	constraints, err := json.Marshal(g.Constraints)
	if err != nil {
		return fmt.Errorf("marshal constraints: %w", err)
	}

	_, err = r.db.ExecContext(ctx, `
		INSERT INTO access_grants (id, identity_id, resource, actions, constraints, created_at)
		VALUES (?, ?, ?, ?, ?, ?)`,
		g.ID, g.IdentityID, g.Resource, strings.Join(g.Actions, " "), string(constraints), toNanos(g.CreatedAt),
	)
	if err != nil && isUniqueViolation(err) {
		return store.ErrAlreadyExists
	}
	return err
}

func (r *grantsRepo) ListByIdentity(ctx context.Context, identityID string) ([]domain.AccessGrant, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT id, identity_id, resource, actions, constraints, created_at
		FROM access_grants WHERE identity_id = ? ORDER BY id ASC`, identityID,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []domain.AccessGrant
	for rows.Next() {
		var (
			g           domain.AccessGrant
			actions     string
			constraints string
			createdAt   int64
		)
		if err := rows.Scan(&g.ID, &g.IdentityID, &g.Resource, &actions, &constraints, &createdAt); err != nil {
			return nil, err
		}
		if actions != "" {
			g.Actions = strings.Fields(actions)
		}
		if err := json.Unmarshal([]byte(constraints), &g.Constraints); err != nil {
			return nil, fmt.Errorf("unmarshal constraints: %w", err)
		}
		g.CreatedAt = fromNanos(createdAt)
		out = append(out, g)
	}
	return out, rows.Err()
}

func (r *grantsRepo) Delete(ctx context.Context, id string) error {
	res, err := r.db.ExecContext(ctx, `DELETE FROM access_grants WHERE id = ?`, id)
	if err != nil {
		return err
	}
	return requireRows(res)
}

type rolesRepo struct {
	db *sql.DB
}

func (r *rolesRepo) Put(ctx context.Context, role domain.Role) error {
	grants, err := json.Marshal(role.Grants)
	if err != nil {
		return fmt.Errorf("marshal role grants: %w", err)
	}

	_, err = r.db.ExecContext(ctx, `
		INSERT INTO roles (name, grants) VALUES (?, ?)
		ON CONFLICT (name) DO UPDATE SET grants = excluded.grants`,
		role.Name, string(grants),
	)
	return err
}

func (r *rolesRepo) Get(ctx context.Context, name string) (domain.Role, error) {
	var (
		role   domain.Role
		grants string
	)
	err := r.db.QueryRowContext(ctx, `SELECT name, grants FROM roles WHERE name = ?`, name).
		Scan(&role.Name, &grants)
	if err != nil {
		return domain.Role{}, mapNotFound(err)
	}
	if err := json.Unmarshal([]byte(grants), &role.Grants); err != nil {
		return domain.Role{}, fmt.Errorf("unmarshal role grants: %w", err)
	}
	return role, nil
}

func (r *rolesRepo) Assign(ctx context.Context, identityID, roleName string) error {
	// Surface unknown roles as ErrNotFound rather than an FK violation.
	if _, err := r.Get(ctx, roleName); err != nil {
		return err
	}

	_, err := r.db.ExecContext(ctx, `
		INSERT INTO role_assignments (identity_id, role_name) VALUES (?, ?)
		ON CONFLICT (identity_id, role_name) DO NOTHING`,
		identityID, roleName,
	)
	return err
}

func (r *rolesRepo) Unassign(ctx context.Context, identityID, roleName string) error {
	res, err := r.db.ExecContext(ctx,
		`DELETE FROM role_assignments WHERE identity_id = ? AND role_name = ?`,
		identityID, roleName,
	)
	if err != nil {
		return err
	}
	return requireRows(res)
}

func (r *rolesRepo) ListForIdentity(ctx context.Context, identityID string) ([]domain.Role, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT r.name, r.grants
		FROM roles r
		JOIN role_assignments ra ON ra.role_name = r.name
		WHERE ra.identity_id = ?
		ORDER BY r.name ASC`, identityID,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []domain.Role
	for rows.Next() {
		var (
			role   domain.Role
			grants string
		)
		if err := rows.Scan(&role.Name, &grants); err != nil {
			return nil, err
		}
		if err := json.Unmarshal([]byte(grants), &role.Grants); err != nil {
			return nil, fmt.Errorf("unmarshal role grants: %w", err)
		}
		out = append(out, role)
	}
	return out, rows.Err()
}
