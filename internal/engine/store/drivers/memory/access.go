package memory

import (
	"context"
	"slices"
	"sync"

	"github.com/aussiebroadwan/shield/internal/engine/domain"
	"github.com/aussiebroadwan/shield/internal/engine/store"
)

type grantsRepo struct {
	mu   sync.RWMutex
	byID map[string]domain.AccessGrant
}

func newGrantsRepo() *grantsRepo {
	return &grantsRepo{byID: make(map[string]domain.AccessGrant)}
}

func (r *grantsRepo) Create(ctx context.Context, g domain.AccessGrant) error {
	if err := guard(ctx); err != nil {
		return err
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.byID[g.ID]; ok {
		return store.ErrAlreadyExists
	}
	g.Actions = slices.Clone(g.Actions)
	g.Constraints = slices.Clone(g.Constraints)
	r.byID[g.ID] = g
	return nil
}

func (r *grantsRepo) ListByIdentity(ctx context.Context, identityID string) ([]domain.AccessGrant, error) {
	if err := guard(ctx); err != nil {
		return nil, err
	}

	r.mu.RLock()
	defer r.mu.RUnlock()

	var out []domain.AccessGrant
	for _, g := range r.byID {
		if g.IdentityID == identityID {
			g.Actions = slices.Clone(g.Actions)
			g.Constraints = slices.Clone(g.Constraints)
			out = append(out, g)
		}
	}
	slices.SortFunc(out, func(a, b domain.AccessGrant) int {
		return slices.Compare([]string{a.ID}, []string{b.ID})
	})
	return out, nil
}

func (r *grantsRepo) Delete(ctx context.Context, id string) error {
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

type rolesRepo struct {
	mu          sync.RWMutex
	byName      map[string]domain.Role
	assignments map[string]map[string]struct{} // identityID -> role names
}

func newRolesRepo() *rolesRepo {
	return &rolesRepo{
		byName:      make(map[string]domain.Role),
		assignments: make(map[string]map[string]struct{}),
	}
}

func (r *rolesRepo) Put(ctx context.Context, role domain.Role) error {
	if err := guard(ctx); err != nil {
		return err
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	role.Grants = slices.Clone(role.Grants)
	r.byName[role.Name] = role
	return nil
}

func (r *rolesRepo) Get(ctx context.Context, name string) (domain.Role, error) {
	if err := guard(ctx); err != nil {
		return domain.Role{}, err
	}

	r.mu.RLock()
	defer r.mu.RUnlock()

	role, ok := r.byName[name]
	if !ok {
		return domain.Role{}, store.ErrNotFound
	}
	role.Grants = slices.Clone(role.Grants)
	return role, nil
}

func (r *rolesRepo) Assign(ctx context.Context, identityID, roleName string) error {
	if err := guard(ctx); err != nil {
		return err
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.byName[roleName]; !ok {
		return store.ErrNotFound
	}
	set, ok := r.assignments[identityID]
	if !ok {
		set = make(map[string]struct{})
		r.assignments[identityID] = set
	}
	set[roleName] = struct{}{}
	return nil
}

func (r *rolesRepo) Unassign(ctx context.Context, identityID, roleName string) error {
	if err := guard(ctx); err != nil {
		return err
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	set, ok := r.assignments[identityID]
	if !ok {
		return store.ErrNotFound
	}
	if _, ok := set[roleName]; !ok {
		return store.ErrNotFound
	}
	delete(set, roleName)
	return nil
}

func (r *rolesRepo) ListForIdentity(ctx context.Context, identityID string) ([]domain.Role, error) {
	if err := guard(ctx); err != nil {
		return nil, err
	}

	r.mu.RLock()
	defer r.mu.RUnlock()

	names := make([]string, 0, len(r.assignments[identityID]))
	for name := range r.assignments[identityID] {
		names = append(names, name)
	}
	slices.Sort(names)

	out := make([]domain.Role, 0, len(names))
	for _, name := range names {
		if role, ok := r.byName[name]; ok {
			role.Grants = slices.Clone(role.Grants)
			out = append(out, role)
		}
	}
	return out, nil
}
