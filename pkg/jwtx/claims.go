package jwtx

import (
	"crypto/rand"
	"encoding/base64"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// DefaultAssertionTTL is the default lifetime for session assertions. They
// exist to let downstream services trust a validation the engine already
// performed, so they stay short-lived.
const DefaultAssertionTTL = 5 * time.Minute

// AssertionClaims are the claims carried by a signed session assertion.
type AssertionClaims struct {
	jwt.RegisteredClaims

	// SID is the session identifier the assertion was minted for.
	SID string `json:"sid"`

	// RiskScore is the session's risk score at mint time (0..100).
	RiskScore int `json:"risk"`

	// MFAVerified reports whether the session has completed an MFA challenge.
	MFAVerified bool `json:"mfa"`

	// AMR lists authentication method references, e.g. ["totp"].
	AMR []string `json:"amr,omitempty"`
}

// NewAssertionClaims builds minimally-correct claims for a session assertion.
func NewAssertionClaims(issuer, identityID, sessionID string, riskScore int, mfaVerified bool, amr []string, ttl time.Duration, now time.Time) AssertionClaims {
	if ttl <= 0 {
		ttl = DefaultAssertionTTL
	}

	return AssertionClaims{
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    issuer,
			Subject:   identityID,
			IssuedAt:  jwt.NewNumericDate(now),
			NotBefore: jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
			ID:        NewJTI(),
		},
		SID:         sessionID,
		RiskScore:   riskScore,
		MFAVerified: mfaVerified,
		AMR:         amr,
	}
}

// NewJTI returns a URL-safe random identifier for the "jti" claim.
func NewJTI() string {
	buf := make([]byte, 16)
	if _, err := rand.Read(buf); err != nil {
		// rand.Read failing means the platform RNG is broken; nothing
		// sensible can be signed at that point.
		panic("jwtx: failed to read random bytes for jti")
	}
	return base64.RawURLEncoding.EncodeToString(buf)
}
