// Package memory implements the store on in-process concurrent maps. It is
// the default backing for tests and for hosts that keep engine state local;
// durability comes from the sqlite driver.
package memory

import (
	"context"

	"github.com/aussiebroadwan/shield/internal/engine/store"
)

type Store struct {
	enrollments   *enrollmentsRepo
	backupCodes   *backupCodesRepo
	externalCodes *externalCodesRepo
	sessions      *sessionsRepo
	grants        *grantsRepo
	roles         *rolesRepo
	threats       *threatsRepo
	auditEvents   *auditEventsRepo
	keys          *keysRepo
}

func NewStore() *Store {
	return &Store{
		enrollments:   newEnrollmentsRepo(),
		backupCodes:   newBackupCodesRepo(),
		externalCodes: newExternalCodesRepo(),
		sessions:      newSessionsRepo(),
		grants:        newGrantsRepo(),
		roles:         newRolesRepo(),
		threats:       newThreatsRepo(),
		auditEvents:   newAuditEventsRepo(),
		keys:          newKeysRepo(),
	}
}

func (s *Store) Enrollments() store.Enrollments       { return s.enrollments }
func (s *Store) BackupCodes() store.BackupCodes       { return s.backupCodes }
func (s *Store) ExternalCodes() store.ExternalCodes   { return s.externalCodes }
func (s *Store) Sessions() store.Sessions             { return s.sessions }
func (s *Store) Grants() store.Grants                 { return s.grants }
func (s *Store) Roles() store.Roles                   { return s.roles }
func (s *Store) Threats() store.Threats               { return s.threats }
func (s *Store) AuditEvents() store.AuditEvents       { return s.auditEvents }
func (s *Store) EncryptionKeys() store.EncryptionKeys { return s.keys }

func (s *Store) ApplyMigrations() error { return nil }

func (s *Store) Close() error { return nil }

func (s *Store) Ping(ctx context.Context) error { return ctx.Err() }

// guard rejects already-cancelled calls before any mutation happens, so a
// cancelled operation never leaves partial state behind. Mutations themselves
// run entirely under a repo lock and never block on I/O.
func guard(ctx context.Context) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	default:
		return nil
	}
}
