package memory

import (
	"context"
	"slices"
	"sync"
	"time"

	"github.com/aussiebroadwan/shield/internal/engine/domain"
	"github.com/aussiebroadwan/shield/internal/engine/store"
)

type sessionsRepo struct {
	mu   sync.RWMutex
	byID map[string]domain.Session
}

func newSessionsRepo() *sessionsRepo {
	return &sessionsRepo{byID: make(map[string]domain.Session)}
}

func (r *sessionsRepo) Create(ctx context.Context, s domain.Session) error {
	if err := guard(ctx); err != nil {
		return err
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.byID[s.ID]; ok {
		return store.ErrAlreadyExists
	}
	s.Grants = slices.Clone(s.Grants)
	r.byID[s.ID] = s
	return nil
}

func (r *sessionsRepo) Get(ctx context.Context, id string) (domain.Session, error) {
	if err := guard(ctx); err != nil {
		return domain.Session{}, err
	}

	r.mu.RLock()
	defer r.mu.RUnlock()

	s, ok := r.byID[id]
	if !ok {
		return domain.Session{}, store.ErrNotFound
	}
	s.Grants = slices.Clone(s.Grants)
	return s, nil
}

func (r *sessionsRepo) Refresh(ctx context.Context, id string, at time.Time, anomaly bool) error {
	if err := guard(ctx); err != nil {
		return err
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	s, ok := r.byID[id]
	if !ok {
		return store.ErrNotFound
	}
	// last_activity_at is monotonically non-decreasing.
	if at.After(s.LastActivityAt) {
		s.LastActivityAt = at
	}
	s.AnomalyFlag = anomaly
	r.byID[id] = s
	return nil
}

func (r *sessionsRepo) SetMFAVerified(ctx context.Context, id string) error {
	if err := guard(ctx); err != nil {
		return err
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	s, ok := r.byID[id]
	if !ok {
		return store.ErrNotFound
	}
	s.MFAVerified = true
	r.byID[id] = s
	return nil
}

func (r *sessionsRepo) Delete(ctx context.Context, id string) error {
	if err := guard(ctx); err != nil {
		return err
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.byID[id]; !ok {
		return store.ErrNotFound
	}
	delete(r.byID, id)
	return nil
}

func (r *sessionsRepo) ListByIdentity(ctx context.Context, identityID string) ([]domain.Session, error) {
	if err := guard(ctx); err != nil {
		return nil, err
	}

	r.mu.RLock()
	defer r.mu.RUnlock()

	var out []domain.Session
	for _, s := range r.byID {
		if s.IdentityID == identityID {
			s.Grants = slices.Clone(s.Grants)
			out = append(out, s)
		}
	}
	slices.SortFunc(out, func(a, b domain.Session) int {
		return a.CreatedAt.Compare(b.CreatedAt)
	})
	return out, nil
}

func (r *sessionsRepo) DeleteExpired(ctx context.Context, now time.Time, idleTimeout time.Duration) (int, error) {
	if err := guard(ctx); err != nil {
		return 0, err
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	var removed int
	for id, s := range r.byID {
		if now.After(s.ExpiresAt) || (idleTimeout > 0 && now.Sub(s.LastActivityAt) > idleTimeout) {
			delete(r.byID, id)
			removed++
		}
	}
	return removed, nil
}
