package sqlite

import (
	"context"
	"database/sql"
	"time"

	"github.com/aussiebroadwan/shield/internal/engine/domain"
	"github.com/aussiebroadwan/shield/internal/engine/store"
)

type keysRepo struct {
	db *sql.DB
}

func (r *keysRepo) Create(ctx context.Context, k domain.EncryptionKey) error {
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO encryption_keys (id, classification, algorithm, material, created_at, retired_at)
		VALUES (?, ?, ?, ?, ?, ?)`,
		k.ID, string(k.Classification), k.Algorithm, k.Material, toNanos(k.CreatedAt), toNanosPtr(k.RetiredAt),
	)
	if err != nil && isUniqueViolation(err) {
		return store.ErrAlreadyExists
	}
	return err
}

func (r *keysRepo) Get(ctx context.Context, id string) (domain.EncryptionKey, error) {
	return scanKey(r.db.QueryRowContext(ctx, `
		SELECT id, classification, algorithm, material, created_at, retired_at
		FROM encryption_keys WHERE id = ?`, id,
	))
}

func (r *keysRepo) Active(ctx context.Context, c domain.Classification) (domain.EncryptionKey, error) {
	return scanKey(r.db.QueryRowContext(ctx, `
		SELECT id, classification, algorithm, material, created_at, retired_at
		FROM encryption_keys
		WHERE classification = ? AND retired_at IS NULL
		ORDER BY created_at DESC LIMIT 1`, string(c),
	))
}

func (r *keysRepo) Retire(ctx context.Context, id string, at time.Time) error {
	res, err := r.db.ExecContext(ctx,
		`UPDATE encryption_keys SET retired_at = ? WHERE id = ? AND retired_at IS NULL`,
		toNanos(at), id,
	)
	if err != nil {
		return err
	}
	return requireRows(res)
}

func (r *keysRepo) DeleteRetiredBefore(ctx context.Context, cutoff time.Time) (int, error) {
	res, err := r.db.ExecContext(ctx,
		`DELETE FROM encryption_keys WHERE retired_at IS NOT NULL AND retired_at < ?`,
		toNanos(cutoff),
	)
	if err != nil {
		return 0, err
	}
	n, err := res.RowsAffected()
	return int(n), err
}

func scanKey(row rowScanner) (domain.EncryptionKey, error) {
	var (
		k         domain.EncryptionKey
		classStr  string
		createdAt int64
		retiredAt sql.NullInt64
	)
	if err := row.Scan(&k.ID, &classStr, &k.Algorithm, &k.Material, &createdAt, &retiredAt); err != nil {
		return domain.EncryptionKey{}, mapNotFound(err)
	}
	k.Classification = domain.Classification(classStr)
	k.CreatedAt = fromNanos(createdAt)
	k.RetiredAt = fromNanosPtr(retiredAt)
	return k, nil
}
