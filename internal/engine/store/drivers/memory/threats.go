package memory

import (
	"context"
	"slices"
	"sync"
	"time"

	"github.com/aussiebroadwan/shield/internal/engine/domain"
	"github.com/aussiebroadwan/shield/internal/engine/store"
)

type threatsRepo struct {
	mu          sync.RWMutex
	samples     map[string][]domain.ActivitySample // identityID -> window, time ascending
	assessments map[string]domain.ThreatAssessment
}

func newThreatsRepo() *threatsRepo {
	return &threatsRepo{
		samples:     make(map[string][]domain.ActivitySample),
		assessments: make(map[string]domain.ThreatAssessment),
	}
}

func (r *threatsRepo) AppendSample(ctx context.Context, s domain.ActivitySample) error {
	if err := guard(ctx); err != nil {
		return err
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	r.samples[s.IdentityID] = append(r.samples[s.IdentityID], s)
	return nil
}

func (r *threatsRepo) Samples(ctx context.Context, identityID string, cutoff time.Time) ([]domain.ActivitySample, error) {
	if err := guard(ctx); err != nil {
		return nil, err
	}

	r.mu.RLock()
	defer r.mu.RUnlock()

	var out []domain.ActivitySample
	for _, s := range r.samples[identityID] {
		if !s.At.Before(cutoff) {
			out = append(out, s)
		}
	}
	slices.SortFunc(out, func(a, b domain.ActivitySample) int {
		return a.At.Compare(b.At)
	})
	return out, nil
}

func (r *threatsRepo) GetAssessment(ctx context.Context, identityID string) (domain.ThreatAssessment, error) {
	if err := guard(ctx); err != nil {
		return domain.ThreatAssessment{}, err
	}

	r.mu.RLock()
	defer r.mu.RUnlock()

	a, ok := r.assessments[identityID]
	if !ok {
		return domain.ThreatAssessment{}, store.ErrNotFound
	}
	a.Flags = slices.Clone(a.Flags)
	return a, nil
}

func (r *threatsRepo) PutAssessment(ctx context.Context, a domain.ThreatAssessment) error {
	if err := guard(ctx); err != nil {
		return err
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	a.Flags = slices.Clone(a.Flags)
	r.assessments[a.IdentityID] = a
	return nil
}

func (r *threatsRepo) PruneBefore(ctx context.Context, cutoff time.Time) (int, error) {
	if err := guard(ctx); err != nil {
		return 0, err
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	var removed int
	for identityID, window := range r.samples {
		kept := window[:0]
		for _, s := range window {
			if s.At.Before(cutoff) {
				removed++
				continue
			}
			kept = append(kept, s)
		}
		if len(kept) == 0 {
			delete(r.samples, identityID)
			continue
		}
		r.samples[identityID] = kept
	}
	return removed, nil
}
