package token

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"

	"github.com/nerrad567/factory-guard/internal/keys"
)

// KeyLookup resolves keys for signing and verification.
type KeyLookup interface {
	Current() *keys.Key
	ByID(id string) (*keys.Key, error)
}

// AssertionClaims are the claims of a service assertion.
type AssertionClaims struct {
	jwt.RegisteredClaims
	CompanyID string `json:"cid,omitempty"`
	Role      string `json:"role,omitempty"`
}

// Signer issues HS256 service assertions. The kid header names the key,
// so verification is a direct lookup.
type Signer struct {
	keys   KeyLookup
	issuer string
	ttl    time.Duration
	now    func() time.Time
}

// NewSigner creates a signer for issuer with assertions valid for ttl.
func NewSigner(lookup KeyLookup, issuer string, ttl time.Duration) *Signer {
	if ttl <= 0 {
		ttl = 5 * time.Minute //nolint:mnd // default assertion lifetime
	}
	return &Signer{keys: lookup, issuer: issuer, ttl: ttl, now: time.Now}
}

// SetClock overrides the time source.
func (s *Signer) SetClock(now func() time.Time) {
	s.now = now
}

// Sign creates an assertion for subject.
func (s *Signer) Sign(subject, companyID, role string, audience ...string) (string, time.Time, error) {
	k := s.keys.Current()
	now := s.now()
	exp := now.Add(s.ttl)

	claims := AssertionClaims{
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    s.issuer,
			Subject:   subject,
			Audience:  audience,
			IssuedAt:  jwt.NewNumericDate(now),
			NotBefore: jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(exp),
			ID:        uuid.NewString(),
		},
		CompanyID: companyID,
		Role:      role,
	}

	t := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	t.Header["kid"] = k.ID
	signed, err := t.SignedString(k.SigningKey())
	if err != nil {
		return "", time.Time{}, fmt.Errorf("signing assertion: %w", err)
	}
	return signed, exp, nil
}

// Verify checks an assertion's signature, issuer and lifetime.
func (s *Signer) Verify(assertion string) (*AssertionClaims, error) {
	t, err := jwt.ParseWithClaims(assertion, &AssertionClaims{}, func(t *jwt.Token) (any, error) {
		kid, _ := t.Header["kid"].(string) //nolint:errcheck // empty kid fails the lookup below
		k, err := s.keys.ByID(kid)
		if err != nil {
			return nil, err
		}
		return k.SigningKey(), nil
	},
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithIssuer(s.issuer),
		jwt.WithExpirationRequired(),
		jwt.WithTimeFunc(s.now),
	)
	if errors.Is(err, jwt.ErrTokenExpired) {
		return nil, fmt.Errorf("%w: %w", ErrTokenExpired, err)
	}
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrTokenInvalid, err)
	}

	claims, ok := t.Claims.(*AssertionClaims)
	if !ok || !t.Valid {
		return nil, ErrTokenInvalid
	}
	if claims.Subject == "" {
		return nil, fmt.Errorf("%w: missing subject", ErrTokenInvalid)
	}
	return claims, nil
}
