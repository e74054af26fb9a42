package memory

import (
	"context"
	"sync"
	"time"

	"github.com/aussiebroadwan/shield/internal/engine/domain"
	"github.com/aussiebroadwan/shield/internal/engine/store"
)

type enrollmentKey struct {
	identityID string
	method     domain.MFAMethod
}

type enrollmentsRepo struct {
	mu   sync.RWMutex
	byID map[enrollmentKey]domain.MFAEnrollment
}

func newEnrollmentsRepo() *enrollmentsRepo {
	return &enrollmentsRepo{byID: make(map[enrollmentKey]domain.MFAEnrollment)}
}

func (r *enrollmentsRepo) Create(ctx context.Context, e domain.MFAEnrollment) error {
	if err := guard(ctx); err != nil {
		return err
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	key := enrollmentKey{e.IdentityID, e.Method}
	if _, ok := r.byID[key]; ok {
		return store.ErrAlreadyExists
	}
	r.byID[key] = e
	return nil
}

func (r *enrollmentsRepo) Get(ctx context.Context, identityID string, method domain.MFAMethod) (domain.MFAEnrollment, error) {
	if err := guard(ctx); err != nil {
		return domain.MFAEnrollment{}, err
	}

	r.mu.RLock()
	defer r.mu.RUnlock()

	e, ok := r.byID[enrollmentKey{identityID, method}]
	if !ok {
		return domain.MFAEnrollment{}, store.ErrNotFound
	}
	return e, nil
}

func (r *enrollmentsRepo) RecordFailure(ctx context.Context, identityID string, method domain.MFAMethod) (int, error) {
	if err := guard(ctx); err != nil {
		return 0, err
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	key := enrollmentKey{identityID, method}
	e, ok := r.byID[key]
	if !ok {
		return 0, store.ErrNotFound
	}
	e.FailedAttempts++
	e.UpdatedAt = time.Now().UTC()
	r.byID[key] = e
	return e.FailedAttempts, nil
}

func (r *enrollmentsRepo) MarkVerified(ctx context.Context, identityID string, method domain.MFAMethod, usedAt time.Time, lastStep int64) error {
	if err := guard(ctx); err != nil {
		return err
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	key := enrollmentKey{identityID, method}
	e, ok := r.byID[key]
	if !ok {
		return store.ErrNotFound
	}
	e.FailedAttempts = 0
	e.LastUsedAt = &usedAt
	if lastStep > e.LastStep {
		e.LastStep = lastStep
	}
	e.UpdatedAt = time.Now().UTC()
	r.byID[key] = e
	return nil
}

func (r *enrollmentsRepo) Delete(ctx context.Context, identityID string, method domain.MFAMethod) error {
	if err := guard(ctx); err != nil {
		return err
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	key := enrollmentKey{identityID, method}
	if _, ok := r.byID[key]; !ok {
		return store.ErrNotFound
	}
	delete(r.byID, key)
	return nil
}

func (r *enrollmentsRepo) DeleteAllForIdentity(ctx context.Context, identityID string) error {
	if err := guard(ctx); err != nil {
		return err
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	for key := range r.byID {
		if key.identityID == identityID {
			delete(r.byID, key)
		}
	}
	return nil
}

type backupCodesRepo struct {
	mu    sync.Mutex
	codes map[string]map[string]struct{} // identityID -> set of code hashes
}

func newBackupCodesRepo() *backupCodesRepo {
	return &backupCodesRepo{codes: make(map[string]map[string]struct{})}
}

func (r *backupCodesRepo) Create(ctx context.Context, identityID string, codeHash string) error {
	if err := guard(ctx); err != nil {
		return err
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	set, ok := r.codes[identityID]
	if !ok {
		set = make(map[string]struct{})
		r.codes[identityID] = set
	}
	set[codeHash] = struct{}{}
	return nil
}

// Consume removes the code under the repo lock, so of N concurrent calls with
// the same hash exactly one observes it present.
func (r *backupCodesRepo) Consume(ctx context.Context, identityID string, codeHash string) error {
	if err := guard(ctx); err != nil {
		return err
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	set, ok := r.codes[identityID]
	if !ok {
		return store.ErrNotFound
	}
	if _, ok := set[codeHash]; !ok {
		return store.ErrNotFound
	}
	delete(set, codeHash)
	return nil
}

func (r *backupCodesRepo) DeleteAll(ctx context.Context, identityID string) error {
	if err := guard(ctx); err != nil {
		return err
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	delete(r.codes, identityID)
	return nil
}

func (r *backupCodesRepo) Count(ctx context.Context, identityID string) (int, error) {
	if err := guard(ctx); err != nil {
		return 0, err
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	return len(r.codes[identityID]), nil
}

type externalCodesRepo struct {
	mu    sync.Mutex
	codes map[enrollmentKey]domain.ExternalCode
}

func newExternalCodesRepo() *externalCodesRepo {
	return &externalCodesRepo{codes: make(map[enrollmentKey]domain.ExternalCode)}
}

func (r *externalCodesRepo) Put(ctx context.Context, code domain.ExternalCode) error {
	if err := guard(ctx); err != nil {
		return err
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	r.codes[enrollmentKey{code.IdentityID, code.Method}] = code
	return nil
}

func (r *externalCodesRepo) Consume(ctx context.Context, identityID string, method domain.MFAMethod, codeHash string) (domain.ExternalCode, error) {
	if err := guard(ctx); err != nil {
		return domain.ExternalCode{}, err
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	key := enrollmentKey{identityID, method}
	code, ok := r.codes[key]
	if !ok || code.CodeHash != codeHash {
		return domain.ExternalCode{}, store.ErrNotFound
	}
	delete(r.codes, key)
	return code, nil
}

func (r *externalCodesRepo) DeleteExpired(ctx context.Context, now time.Time) error {
	if err := guard(ctx); err != nil {
		return err
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	for key, code := range r.codes {
		if now.After(code.ExpiresAt) {
			delete(r.codes, key)
		}
	}
	return nil
}
