package memory

import (
	"context"
	"slices"
	"sync"
	"time"

	"github.com/aussiebroadwan/shield/internal/engine/domain"
	"github.com/aussiebroadwan/shield/internal/engine/store"
)

type keysRepo struct {
	mu   sync.RWMutex
	byID map[string]domain.EncryptionKey
}

func newKeysRepo() *keysRepo {
	return &keysRepo{byID: make(map[string]domain.EncryptionKey)}
}

func (r *keysRepo) Create(ctx context.Context, k domain.EncryptionKey) error {
	if err := guard(ctx); err != nil {
		return err
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.byID[k.ID]; ok {
		return store.ErrAlreadyExists
	}
	k.Material = slices.Clone(k.Material)
	r.byID[k.ID] = k
	return nil
}

func (r *keysRepo) Get(ctx context.Context, id string) (domain.EncryptionKey, error) {
	if err := guard(ctx); err != nil {
		return domain.EncryptionKey{}, err
	}

	r.mu.RLock()
	defer r.mu.RUnlock()

	k, ok := r.byID[id]
	if !ok {
		return domain.EncryptionKey{}, store.ErrNotFound
	}
	k.Material = slices.Clone(k.Material)
	return k, nil
}

func (r *keysRepo) Active(ctx context.Context, c domain.Classification) (domain.EncryptionKey, error) {
	if err := guard(ctx); err != nil {
		return domain.EncryptionKey{}, err
	}

	r.mu.RLock()
	defer r.mu.RUnlock()

	var newest domain.EncryptionKey
	var found bool
	for _, k := range r.byID {
		if k.Classification != c || k.Retired() {
			continue
		}
		if !found || k.CreatedAt.After(newest.CreatedAt) {
			newest = k
			found = true
		}
	}
	if !found {
		return domain.EncryptionKey{}, store.ErrNotFound
	}
	newest.Material = slices.Clone(newest.Material)
	return newest, nil
}

func (r *keysRepo) Retire(ctx context.Context, id string, at time.Time) error {
	if err := guard(ctx); err != nil {
		return err
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	k, ok := r.byID[id]
	if !ok {
		return store.ErrNotFound
	}
	k.RetiredAt = &at
	r.byID[id] = k
	return nil
}

func (r *keysRepo) DeleteRetiredBefore(ctx context.Context, cutoff time.Time) (int, error) {
	if err := guard(ctx); err != nil {
		return 0, err
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	var removed int
	for id, k := range r.byID {
		if k.Retired() && k.RetiredAt.Before(cutoff) {
			delete(r.byID, id)
			removed++
		}
	}
	return removed, nil
}
