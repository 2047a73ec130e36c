package token

import (
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
)

// Issued is a freshly sealed token.
type Issued struct {
	Token     string    `json:"token"`
	TokenID   string    `json:"token_id"`
	KeyID     string    `json:"key_id"`
	IssuedAt  time.Time `json:"issued_at"`
	ExpiresAt time.Time `json:"expires_at"`
}

type issuedEntry struct {
	expiresAt time.Time
	revoked   atomic.Bool
}

// Service issues and validates enterprise session tokens.
//
// Validation is stateless apart from the revocation registry: any token
// that opens under a retained key and has not expired is accepted, unless
// its ID was revoked here.
type Service struct {
	keys       Keyring
	defaultTTL time.Duration
	maxTTL     time.Duration

	registry sync.Map // token ID -> *issuedEntry

	now func() time.Time
}

// NewService creates an enterprise token service. maxTTL must not exceed
// the keystore's MaxTokenTTL.
func NewService(ring Keyring, defaultTTL, maxTTL time.Duration) *Service {
	return &Service{
		keys:       ring,
		defaultTTL: defaultTTL,
		maxTTL:     maxTTL,
		now:        time.Now,
	}
}

// SetClock overrides the time source.
func (s *Service) SetClock(now func() time.Time) {
	s.now = now
}

// Issue seals a token for subject. A non-positive ttl uses the default.
func (s *Service) Issue(subject Subject, ttl time.Duration) (Issued, error) {
	if ttl <= 0 {
		ttl = s.defaultTTL
	}
	if s.maxTTL > 0 && ttl > s.maxTTL {
		return Issued{}, fmt.Errorf("%w: %s > %s", ErrTTLTooLong, ttl, s.maxTTL)
	}

	k := s.keys.Current()
	now := s.now().UTC()
	p := Payload{
		Kind:      KindEnterprise,
		TokenID:   "tok-" + uuid.NewString(),
		IssuedAt:  now,
		ExpiresAt: now.Add(ttl),
		Subject:   subject,
	}
	tok, err := Seal(p, k)
	if err != nil {
		return Issued{}, err
	}

	s.registry.Store(p.TokenID, &issuedEntry{expiresAt: p.ExpiresAt})

	return Issued{Token: tok, TokenID: p.TokenID, KeyID: k.ID, IssuedAt: now, ExpiresAt: p.ExpiresAt}, nil
}

// Validate opens token and checks, in order: it decrypts under a retained
// key (ErrTokenInvalid), it is an enterprise token (ErrTokenInvalid), it
// has not expired (ErrTokenExpired) and it was not revoked (ErrTokenRevoked).
func (s *Service) Validate(token string) (Payload, error) {
	p, err := Open(token, s.keys)
	if err != nil {
		return Payload{}, err
	}
	if p.Kind != KindEnterprise {
		return Payload{}, fmt.Errorf("%w: wrong token kind %q", ErrTokenInvalid, p.Kind)
	}
	if !s.now().Before(p.ExpiresAt) {
		return Payload{}, ErrTokenExpired
	}

	if v, ok := s.registry.Load(p.TokenID); ok && v.(*issuedEntry).revoked.Load() { //nolint:forcetypeassert // registry only holds *issuedEntry
		return Payload{}, ErrTokenRevoked
	}
	return p, nil
}

// Refresh validates token, issues a replacement with the same subject and
// lifetime under the current key, and revokes the original. A token is
// refreshed at most once: concurrent refreshes race to revoke the original
// and the losers get ErrTokenRevoked.
func (s *Service) Refresh(token string) (Issued, error) {
	p, err := s.Validate(token)
	if err != nil {
		return Issued{}, err
	}
	next, err := s.Issue(p.Subject, p.ExpiresAt.Sub(p.IssuedAt))
	if err != nil {
		return Issued{}, err
	}

	v, _ := s.registry.LoadOrStore(p.TokenID, &issuedEntry{expiresAt: p.ExpiresAt})
	if !v.(*issuedEntry).revoked.CompareAndSwap(false, true) { //nolint:forcetypeassert // registry only holds *issuedEntry
		// The replacement was never handed out.
		s.revoke(next.TokenID, next.ExpiresAt)
		return Issued{}, ErrTokenRevoked
	}
	return next, nil
}

// Revoke blocks a token by ID until it would have expired anyway.
func (s *Service) Revoke(tokenID string) {
	s.revoke(tokenID, time.Time{})
}

func (s *Service) revoke(tokenID string, expiresAt time.Time) {
	if expiresAt.IsZero() {
		// Possibly issued elsewhere; hold the tombstone for the longest lifetime.
		expiresAt = s.now().Add(s.maxTTL)
	}
	v, _ := s.registry.LoadOrStore(tokenID, &issuedEntry{expiresAt: expiresAt})
	v.(*issuedEntry).revoked.Store(true) //nolint:forcetypeassert // registry only holds *issuedEntry
}

// Sweep forgets tokens past their expiry and returns how many.
func (s *Service) Sweep() int {
	now := s.now()
	n := 0
	s.registry.Range(func(k, v any) bool {
		if !now.Before(v.(*issuedEntry).expiresAt) && s.registry.CompareAndDelete(k, v) { //nolint:forcetypeassert // registry only holds *issuedEntry
			n++
		}
		return true
	})
	return n
}

// Outstanding returns the number of tracked, unexpired tokens.
func (s *Service) Outstanding() int {
	now := s.now()
	n := 0
	s.registry.Range(func(_, v any) bool {
		e := v.(*issuedEntry) //nolint:forcetypeassert // registry only holds *issuedEntry
		if now.Before(e.expiresAt) && !e.revoked.Load() {
			n++
		}
		return true
	})
	return n
}
