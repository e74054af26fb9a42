package service

import (
	"context"
	"crypto/cipher"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/aussiebroadwan/shield/internal/engine/domain"
	"github.com/aussiebroadwan/shield/internal/engine/store"
	"github.com/aussiebroadwan/shield/pkg/cryptox"
)

// EnvelopeService performs envelope encryption with per-classification key
// lineages. Encryption always uses the classification's active key; decryption
// resolves any key by ID, including retired ones, until retention removes them.
type EnvelopeService struct {
	Store  store.Store
	Logger *slog.Logger
	Audit  Recorder

	// Algorithm is the AEAD identifier stamped on new envelopes and keys.
	Algorithm string

	// mu guards the caches. Decryption is read-mostly; rotation is the rare
	// writer.
	mu sync.RWMutex

	// aeads caches primitives by key ID; active caches each classification's
	// current key.
	aeads  map[string]cipher.AEAD
	active map[domain.Classification]domain.EncryptionKey
}

// NewEnvelopeService creates the envelope manager. algorithm must be one of
// the cryptox AEAD identifiers.
func NewEnvelopeService(st store.Store, logger *slog.Logger, audit Recorder, algorithm string) (*EnvelopeService, error) {
	switch algorithm {
	case cryptox.AlgorithmAESGCM, cryptox.AlgorithmChaCha20:
	default:
		return nil, fmt.Errorf("%w: unsupported encryption algorithm %q", domain.ErrValidation, algorithm)
	}

	return &EnvelopeService{
		Store:     st,
		Logger:    logger,
		Audit:     audit,
		Algorithm: algorithm,
		aeads:     make(map[string]cipher.AEAD),
		active:    make(map[domain.Classification]domain.EncryptionKey),
	}, nil
}

// Encrypt seals plaintext under the classification's active key with a fresh
// nonce. The associated data binds the envelope to its key and classification,
// so a ciphertext moved between envelopes fails integrity verification.
func (s *EnvelopeService) Encrypt(ctx context.Context, plaintext []byte, classification domain.Classification) (domain.Envelope, error) {
	if !classification.Valid() {
		return domain.Envelope{}, fmt.Errorf("%w: unknown classification %q", domain.ErrValidation, classification)
	}

	key, aead, err := s.activeKey(ctx, classification)
	if err != nil {
		return domain.Envelope{}, err
	}

	nonce, err := cryptox.GenerateNonce(aead)
	if err != nil {
		return domain.Envelope{}, fmt.Errorf("failed to generate nonce: %w", err)
	}

	sealed := aead.Seal(nil, nonce, plaintext, envelopeAAD(key.ID, classification))

	// The AEAD appends its tag to the ciphertext; the envelope carries them
	// as separate fields.
	tagAt := len(sealed) - aead.Overhead()
	env := domain.Envelope{
		Algorithm:      key.Algorithm,
		KeyID:          key.ID,
		Nonce:          nonce,
		Ciphertext:     sealed[:tagAt],
		IntegrityTag:   sealed[tagAt:],
		Classification: classification,
		EncryptedAt:    time.Now().UTC(),
	}

	s.Audit.Record(domain.AuditEvent{
		Type:    domain.AuditDataEncrypted,
		Outcome: domain.OutcomeSuccess,
		Metadata: map[string]string{
			"classification":  string(classification),
			"key_id":          key.ID,
			"plaintext_bytes": strconv.Itoa(len(plaintext)),
		},
	})

	return env, nil
}

// Decrypt opens an envelope. It fails closed: an unresolvable key or a tag
// mismatch returns an error and never partial plaintext.
func (s *EnvelopeService) Decrypt(ctx context.Context, env domain.Envelope) ([]byte, error) {
	aead, err := s.aeadFor(ctx, env.KeyID, env.Algorithm)
	if err != nil {
		s.recordDecrypt(env, domain.OutcomeFailure, "key_unresolvable")
		return nil, err
	}

	sealed := make([]byte, 0, len(env.Ciphertext)+len(env.IntegrityTag))
	sealed = append(sealed, env.Ciphertext...)
	sealed = append(sealed, env.IntegrityTag...)

	plaintext, err := aead.Open(nil, env.Nonce, sealed, envelopeAAD(env.KeyID, env.Classification))
	if err != nil {
		s.recordDecrypt(env, domain.OutcomeFailure, "integrity_mismatch")
		return nil, fmt.Errorf("%w: envelope did not verify under key %s", domain.ErrIntegrity, env.KeyID)
	}

	s.recordDecrypt(env, domain.OutcomeSuccess, "")
	return plaintext, nil
}

// Rotate retires the classification's active key and installs a fresh one.
// Existing envelopes stay decryptable; new encryptions pick up the new key
// immediately.
func (s *EnvelopeService) Rotate(ctx context.Context, classification domain.Classification) (domain.EncryptionKey, error) {
	if !classification.Valid() {
		return domain.EncryptionKey{}, fmt.Errorf("%w: unknown classification %q", domain.ErrValidation, classification)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now().UTC()
	current, err := s.Store.EncryptionKeys().Active(ctx, classification)
	switch {
	case err == nil:
		if err := s.Store.EncryptionKeys().Retire(ctx, current.ID, now); err != nil {
			return domain.EncryptionKey{}, fmt.Errorf("failed to retire key %s: %w", current.ID, err)
		}
	case errors.Is(err, store.ErrNotFound):
		// First rotation for this classification just mints the first key.
	default:
		return domain.EncryptionKey{}, fmt.Errorf("failed to resolve active key: %w", err)
	}

	key, err := s.mintKeyLocked(ctx, classification, now)
	if err != nil {
		return domain.EncryptionKey{}, err
	}

	s.Logger.Info("encryption key rotated",
		"classification", classification,
		"key_id", key.ID)

	return key, nil
}

// activeKey resolves the classification's active key and primitive, minting
// the first key lazily.
func (s *EnvelopeService) activeKey(ctx context.Context, c domain.Classification) (domain.EncryptionKey, cipher.AEAD, error) {
	s.mu.RLock()
	if key, ok := s.active[c]; ok {
		aead := s.aeads[key.ID]
		s.mu.RUnlock()
		return key, aead, nil
	}
	s.mu.RUnlock()

	s.mu.Lock()
	defer s.mu.Unlock()

	// Another caller may have filled the cache while we waited.
	if key, ok := s.active[c]; ok {
		return key, s.aeads[key.ID], nil
	}

	key, err := s.Store.EncryptionKeys().Active(ctx, c)
	if errors.Is(err, store.ErrNotFound) {
		key, err = s.mintKeyLocked(ctx, c, time.Now().UTC())
		if err != nil {
			return domain.EncryptionKey{}, nil, err
		}
		return key, s.aeads[key.ID], nil
	}
	if err != nil {
		return domain.EncryptionKey{}, nil, fmt.Errorf("failed to resolve active key: %w", err)
	}

	aead, err := cryptox.NewAEAD(key.Algorithm, key.Material)
	if err != nil {
		return domain.EncryptionKey{}, nil, fmt.Errorf("failed to build AEAD for key %s: %w", key.ID, err)
	}

	s.aeads[key.ID] = aead
	s.active[c] = key
	return key, aead, nil
}

// mintKeyLocked creates, persists, and caches a fresh active key. Caller
// holds s.mu.
func (s *EnvelopeService) mintKeyLocked(ctx context.Context, c domain.Classification, now time.Time) (domain.EncryptionKey, error) {
	material, err := cryptox.GenerateAEADKey()
	if err != nil {
		return domain.EncryptionKey{}, fmt.Errorf("failed to generate key material: %w", err)
	}

	key := domain.EncryptionKey{
		ID:             uuid.NewString(),
		Classification: c,
		Algorithm:      s.Algorithm,
		Material:       material,
		CreatedAt:      now,
	}
	if err := s.Store.EncryptionKeys().Create(ctx, key); err != nil {
		return domain.EncryptionKey{}, fmt.Errorf("failed to persist key: %w", err)
	}

	aead, err := cryptox.NewAEAD(key.Algorithm, key.Material)
	if err != nil {
		return domain.EncryptionKey{}, fmt.Errorf("failed to build AEAD: %w", err)
	}

	s.aeads[key.ID] = aead
	s.active[c] = key
	return key, nil
}

// aeadFor resolves the primitive for a key ID, consulting the store on cache
// miss so retired keys remain usable for decryption.
func (s *EnvelopeService) aeadFor(ctx context.Context, keyID, algorithm string) (cipher.AEAD, error) {
	s.mu.RLock()
	aead, ok := s.aeads[keyID]
	s.mu.RUnlock()
	if ok {
		return aead, nil
	}

	key, err := s.Store.EncryptionKeys().Get(ctx, keyID)
	if errors.Is(err, store.ErrNotFound) {
		return nil, fmt.Errorf("%w: encryption key %s", domain.ErrNotFound, keyID)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to resolve key %s: %w", keyID, err)
	}

	if algorithm != "" && algorithm != key.Algorithm {
		return nil, fmt.Errorf("%w: envelope algorithm %q does not match key %s", domain.ErrIntegrity, algorithm, keyID)
	}

	aead, err = cryptox.NewAEAD(key.Algorithm, key.Material)
	if err != nil {
		return nil, fmt.Errorf("failed to build AEAD for key %s: %w", keyID, err)
	}

	s.mu.Lock()
	s.aeads[keyID] = aead
	s.mu.Unlock()
	return aead, nil
}

func (s *EnvelopeService) recordDecrypt(env domain.Envelope, outcome domain.AuditOutcome, reason string) {
	md := map[string]string{
		"classification":   string(env.Classification),
		"key_id":           env.KeyID,
		"ciphertext_bytes": strconv.Itoa(len(env.Ciphertext)),
	}
	if reason != "" {
		md["reason"] = reason
	}

	s.Audit.Record(domain.AuditEvent{
		Type:     domain.AuditDataDecrypted,
		Outcome:  outcome,
		Metadata: md,
	})
}

// envelopeAAD is the associated data binding a ciphertext to its key and
// classification.
func envelopeAAD(keyID string, c domain.Classification) []byte {
	return []byte(keyID + "/" + string(c))
}
