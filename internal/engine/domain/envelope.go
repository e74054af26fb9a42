package domain

import "time"

// Classification labels how sensitive a plaintext is. Each classification has
// its own key lineage in the keyring.
type Classification string

const (
	ClassificationPublic       Classification = "public"
	ClassificationInternal     Classification = "internal"
	ClassificationConfidential Classification = "confidential"
	ClassificationRestricted   Classification = "restricted"
)

// Valid reports whether c is a known classification.
func (c Classification) Valid() bool {
	switch c {
	case ClassificationPublic, ClassificationInternal, ClassificationConfidential, ClassificationRestricted:
		return true
	}
	return false
}

// Envelope wraps one encrypted payload. Decryption fails closed: a key that
// cannot be resolved or a tag that does not verify yields an error, never
// partial plaintext.
type Envelope struct {
	Algorithm      string
	KeyID          string
	Nonce          []byte
	Ciphertext     []byte
	IntegrityTag   []byte
	Classification Classification
	EncryptedAt    time.Time
}

// EncryptionKey is one member of a classification's key lineage. Retired keys
// remain resolvable for decryption until the retention cutoff; new
// encryptions always use the active (non-retired) key.
type EncryptionKey struct {
	ID             string
	Classification Classification
	Algorithm      string
	Material       []byte
	CreatedAt      time.Time
	RetiredAt      *time.Time
}

// Retired reports whether the key has been rotated out of active use.
func (k EncryptionKey) Retired() bool { return k.RetiredAt != nil }
