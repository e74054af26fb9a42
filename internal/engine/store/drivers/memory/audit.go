package memory

import (
	"context"
	"maps"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/aussiebroadwan/shield/internal/engine/domain"
	"github.com/aussiebroadwan/shield/internal/engine/store"
)

const defaultQueryLimit = 500

type auditEventsRepo struct {
	mu     sync.RWMutex
	events []domain.AuditEvent // append-only, ID (= time) ascending
}

func newAuditEventsRepo() *auditEventsRepo {
	return &auditEventsRepo{}
}

func (r *auditEventsRepo) Append(ctx context.Context, e domain.AuditEvent) error {
	if err := guard(ctx); err != nil {
		return err
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	e.Metadata = maps.Clone(e.Metadata)
	r.events = append(r.events, e)

	// Appends race under concurrent writers; keep the slice ordered so reads
	// stay a straight scan.
	if n := len(r.events); n > 1 && r.events[n-1].ID < r.events[n-2].ID {
		slices.SortFunc(r.events, func(a, b domain.AuditEvent) int {
			return strings.Compare(a.ID, b.ID)
		})
	}
	return nil
}

func (r *auditEventsRepo) Query(ctx context.Context, q store.AuditQuery) ([]domain.AuditEvent, error) {
	if err := guard(ctx); err != nil {
		return nil, err
	}

	limit := q.Limit
	if limit <= 0 {
		limit = defaultQueryLimit
	}

	r.mu.RLock()
	defer r.mu.RUnlock()

	var out []domain.AuditEvent
	for _, e := range r.events {
		if q.AfterID != "" && e.ID <= q.AfterID {
			continue
		}
		if !q.From.IsZero() && e.Timestamp.Before(q.From) {
			continue
		}
		if !q.To.IsZero() && e.Timestamp.After(q.To) {
			continue
		}
		if !matchesFilter(e, q.Filter) {
			continue
		}
		out = append(out, cloneEvent(e))
		if len(out) == limit {
			break
		}
	}
	return out, nil
}

func (r *auditEventsRepo) DeleteBefore(ctx context.Context, cutoff time.Time) (int, error) {
	if err := guard(ctx); err != nil {
		return 0, err
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	kept := r.events[:0]
	var removed int
	for _, e := range r.events {
		if e.Timestamp.Before(cutoff) {
			removed++
			continue
		}
		kept = append(kept, e)
	}
	r.events = kept
	return removed, nil
}

func matchesFilter(e domain.AuditEvent, f domain.AuditFilter) bool {
	if f.IdentityID != "" && e.IdentityID != f.IdentityID {
		return false
	}
	if len(f.Types) > 0 && !slices.Contains(f.Types, e.Type) {
		return false
	}
	return true
}

func cloneEvent(e domain.AuditEvent) domain.AuditEvent {
	e.Metadata = maps.Clone(e.Metadata)
	return e
}
