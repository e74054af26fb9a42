package jwtx

import (
	"crypto/ed25519"
	"crypto/rand"
	"errors"
	"fmt"

	"github.com/golang-jwt/jwt/v5"
)

var (
	// ErrInvalidAssertion reports a token that failed signature, expiry, or
	// claim validation.
	ErrInvalidAssertion = errors.New("jwtx: invalid assertion")
)

// Signer mints and verifies EdDSA-signed session assertions. It owns a single
// Ed25519 keypair; assertions are short-lived so there is no rotation or JWKS
// surface here.
type Signer struct {
	kid    string
	issuer string
	key    ed25519.PrivateKey
	pub    ed25519.PublicKey
}

// NewSigner generates a fresh Ed25519 keypair for the given issuer.
func NewSigner(issuer, kid string) (*Signer, error) {
	pub, key, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("jwtx: generate keypair: %w", err)
	}

	return &Signer{kid: kid, issuer: issuer, key: key, pub: pub}, nil
}

// NewSignerFromSeed derives the keypair from a 32-byte seed. Use this when
// multiple engine instances must verify each other's assertions.
func NewSignerFromSeed(issuer, kid string, seed []byte) (*Signer, error) {
	if len(seed) != ed25519.SeedSize {
		return nil, fmt.Errorf("jwtx: seed must be %d bytes, got %d", ed25519.SeedSize, len(seed))
	}

	key := ed25519.NewKeyFromSeed(seed)
	return &Signer{
		kid:    kid,
		issuer: issuer,
		key:    key,
		pub:    key.Public().(ed25519.PublicKey),
	}, nil
}

func (s *Signer) KID() string    { return s.kid }
func (s *Signer) Issuer() string { return s.issuer }

// Sign turns the claims into a signed JWT string.
func (s *Signer) Sign(claims AssertionClaims) (string, error) {
	t := jwt.NewWithClaims(jwt.SigningMethodEdDSA, claims)
	t.Header["kid"] = s.kid
	return t.SignedString(s.key)
}

// Verify validates the token string and returns its parsed claims.
// It enforces the EdDSA method, the issuer, and the registered time claims.
func (s *Signer) Verify(tokenStr string) (*AssertionClaims, error) {
	parser := jwt.NewParser(
		jwt.WithValidMethods([]string{jwt.SigningMethodEdDSA.Alg()}),
		jwt.WithIssuer(s.issuer),
		jwt.WithExpirationRequired(),
	)

	token, err := parser.ParseWithClaims(tokenStr, &AssertionClaims{}, func(t *jwt.Token) (any, error) {
		kid, _ := t.Header["kid"].(string)
		if kid != s.kid {
			return nil, fmt.Errorf("jwtx: unknown kid %q", kid)
		}
		return s.pub, nil
	})
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidAssertion, err)
	}

	claims, ok := token.Claims.(*AssertionClaims)
	if !ok || claims.SID == "" {
		return nil, ErrInvalidAssertion
	}

	return claims, nil
}
