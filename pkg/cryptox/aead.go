package cryptox

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"fmt"
	"io"

	"golang.org/x/crypto/chacha20poly1305"
)

// Supported AEAD algorithm identifiers. These are wire-stable: they are
// recorded on every envelope and must resolve to the same primitive forever.
const (
	AlgorithmAESGCM   = "aes-256-gcm"
	AlgorithmChaCha20 = "chacha20-poly1305"
)

// AEADKeySize is the key length for both supported algorithms.
const AEADKeySize = 32

// NewAEAD constructs the authenticated-encryption primitive for the given
// algorithm identifier and 32-byte key.
func NewAEAD(algorithm string, key []byte) (cipher.AEAD, error) {
	if len(key) != AEADKeySize {
		return nil, fmt.Errorf("cryptox: key must be %d bytes, got %d", AEADKeySize, len(key))
	}

	switch algorithm {
	case AlgorithmAESGCM:
		block, err := aes.NewCipher(key)
		if err != nil {
			return nil, fmt.Errorf("cryptox: create cipher: %w", err)
		}
		gcm, err := cipher.NewGCM(block)
		if err != nil {
			return nil, fmt.Errorf("cryptox: create GCM: %w", err)
		}
		return gcm, nil

	case AlgorithmChaCha20:
		aead, err := chacha20poly1305.New(key)
		if err != nil {
			return nil, fmt.Errorf("cryptox: create chacha20poly1305: %w", err)
		}
		return aead, nil

	default:
		return nil, fmt.Errorf("cryptox: unsupported AEAD algorithm %q", algorithm)
	}
}

// GenerateAEADKey returns fresh random key material for either algorithm.
func GenerateAEADKey() ([]byte, error) {
	key := make([]byte, AEADKeySize)
	if _, err := io.ReadFull(rand.Reader, key); err != nil {
		return nil, fmt.Errorf("cryptox: generate key: %w", err)
	}
	return key, nil
}

// GenerateNonce returns a fresh random nonce sized for the given AEAD.
// Nonces must never repeat for the same key; random 96-bit nonces keep the
// collision probability negligible at this engine's encryption volumes.
func GenerateNonce(aead cipher.AEAD) ([]byte, error) {
	nonce := make([]byte, aead.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return nil, fmt.Errorf("cryptox: generate nonce: %w", err)
	}
	return nonce, nil
}
