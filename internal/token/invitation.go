package token

import (
	"cmp"
	"fmt"
	"slices"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/nerrad567/factory-guard/internal/auth"
)

// InvitationType says who an invitation is for.
type InvitationType string

// Invitation types.
const (
	InviteEmployee   InvitationType = "employee"
	InviteContractor InvitationType = "contractor"
	InvitePartner    InvitationType = "partner"
)

// Valid reports whether t is a known invitation type.
func (t InvitationType) Valid() bool {
	switch t {
	case InviteEmployee, InviteContractor, InvitePartner:
		return true
	}
	return false
}

// Invitation lets its holder join a company with a role.
type Invitation struct {
	ID        string         `json:"invitation_id"`
	CompanyID string         `json:"company_id"`
	Type      InvitationType `json:"type"`
	Role      auth.RoleLevel `json:"role"`
	CreatedBy string         `json:"created_by"`
	CreatedAt time.Time      `json:"created_at"`
	ExpiresAt time.Time      `json:"expires_at"`
	MaxUses   int            `json:"max_uses"`
	UsedCount int            `json:"used_count"`
	Token     string         `json:"token,omitempty"`
}

// Remaining is the number of uses left.
func (i Invitation) Remaining() int {
	return max(0, i.MaxUses-i.UsedCount)
}

type inviteEntry struct {
	mu      sync.Mutex
	inv     Invitation
	removed bool
}

// tombstone remembers why an invitation disappeared until its token expires.
type tombstone struct {
	err       error
	expiresAt time.Time
}

// Invitations stores outstanding invitations. An invitation is deleted as
// soon as its last use is consumed.
type Invitations struct {
	keys    Keyring
	ttl     time.Duration
	entries sync.Map // invitation ID -> *inviteEntry
	gone    sync.Map // invitation ID -> tombstone
	now     func() time.Time
}

// NewInvitations creates an invitation store whose tokens live for ttl.
func NewInvitations(ring Keyring, ttl time.Duration) *Invitations {
	return &Invitations{keys: ring, ttl: ttl, now: time.Now}
}

// SetClock overrides the time source.
func (s *Invitations) SetClock(now func() time.Time) {
	s.now = now
}

// Create issues an invitation. maxUses below 1 is treated as 1.
func (s *Invitations) Create(companyID string, typ InvitationType, role auth.RoleLevel, createdBy string, maxUses int) (Invitation, error) {
	if companyID == "" {
		return Invitation{}, fmt.Errorf("%w: company id required", ErrTokenInvalid)
	}
	if !typ.Valid() {
		return Invitation{}, fmt.Errorf("unknown invitation type %q", typ)
	}
	if !role.Valid() {
		return Invitation{}, fmt.Errorf("%w: %d", auth.ErrUnknownRole, uint8(role))
	}
	maxUses = max(1, maxUses)

	now := s.now().UTC()
	inv := Invitation{
		ID:        "inv-" + uuid.NewString()[:12],
		CompanyID: companyID,
		Type:      typ,
		Role:      role,
		CreatedBy: createdBy,
		CreatedAt: now,
		ExpiresAt: now.Add(s.ttl),
		MaxUses:   maxUses,
	}

	tok, err := Seal(Payload{
		Kind:      KindInvitation,
		TokenID:   inv.ID,
		IssuedAt:  now,
		ExpiresAt: inv.ExpiresAt,
		Subject:   Subject{CompanyID: companyID, Role: role.String(), InvitationID: inv.ID},
	}, s.keys.Current())
	if err != nil {
		return Invitation{}, err
	}
	inv.Token = tok

	s.entries.Store(inv.ID, &inviteEntry{inv: inv})
	return inv, nil
}

// ValidateAndConsume redeems one use of the invitation sealed in token and
// returns its state after the use. The last use deletes the invitation.
// Concurrent redemptions never exceed MaxUses.
func (s *Invitations) ValidateAndConsume(token string) (Invitation, error) {
	p, err := Open(token, s.keys)
	if err != nil {
		return Invitation{}, err
	}
	if p.Kind != KindInvitation {
		return Invitation{}, fmt.Errorf("%w: wrong token kind %q", ErrTokenInvalid, p.Kind)
	}
	now := s.now()
	if !now.Before(p.ExpiresAt) {
		s.remove(p.TokenID, ErrTokenExpired, p.ExpiresAt)
		return Invitation{}, ErrTokenExpired
	}

	for {
		v, ok := s.entries.Load(p.TokenID)
		if !ok {
			if t, ok := s.gone.Load(p.TokenID); ok {
				return Invitation{}, t.(tombstone).err //nolint:forcetypeassert // gone only holds tombstone
			}
			return Invitation{}, fmt.Errorf("%w: %w", ErrTokenInvalid, ErrInvitationNotFound)
		}
		e := v.(*inviteEntry) //nolint:forcetypeassert // entries only holds *inviteEntry

		e.mu.Lock()
		if e.removed {
			e.mu.Unlock()
			continue
		}
		e.inv.UsedCount++
		inv := e.inv
		if inv.UsedCount >= inv.MaxUses {
			e.removed = true
			s.gone.Store(inv.ID, tombstone{err: ErrInvitationExhausted, expiresAt: inv.ExpiresAt})
			s.entries.CompareAndDelete(inv.ID, v)
		}
		e.mu.Unlock()
		return inv, nil
	}
}

// Get returns an outstanding invitation without its token.
func (s *Invitations) Get(id string) (Invitation, error) {
	v, ok := s.entries.Load(id)
	if !ok {
		return Invitation{}, ErrInvitationNotFound
	}
	e := v.(*inviteEntry) //nolint:forcetypeassert // entries only holds *inviteEntry
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.removed || !s.now().Before(e.inv.ExpiresAt) {
		return Invitation{}, ErrInvitationNotFound
	}
	inv := e.inv
	inv.Token = ""
	return inv, nil
}

// Revoke deletes an outstanding invitation; its token becomes invalid.
func (s *Invitations) Revoke(id string) error {
	v, ok := s.entries.Load(id)
	if !ok {
		return ErrInvitationNotFound
	}
	e := v.(*inviteEntry) //nolint:forcetypeassert // entries only holds *inviteEntry
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.removed {
		return ErrInvitationNotFound
	}
	e.removed = true
	s.gone.Store(id, tombstone{err: ErrTokenRevoked, expiresAt: e.inv.ExpiresAt})
	s.entries.CompareAndDelete(id, v)
	return nil
}

// ListByCompany returns the company's unexpired invitations, oldest first,
// without tokens.
func (s *Invitations) ListByCompany(companyID string) []Invitation {
	now := s.now()
	out := []Invitation{}
	s.entries.Range(func(_, v any) bool {
		e := v.(*inviteEntry) //nolint:forcetypeassert // entries only holds *inviteEntry
		e.mu.Lock()
		if !e.removed && e.inv.CompanyID == companyID && now.Before(e.inv.ExpiresAt) {
			inv := e.inv
			inv.Token = ""
			out = append(out, inv)
		}
		e.mu.Unlock()
		return true
	})
	slices.SortFunc(out, func(a, b Invitation) int {
		if c := a.CreatedAt.Compare(b.CreatedAt); c != 0 {
			return c
		}
		return cmp.Compare(a.ID, b.ID)
	})
	return out
}

// Sweep deletes expired invitations and stale tombstones, returning the
// number of invitations removed.
func (s *Invitations) Sweep() int {
	now := s.now()
	n := 0
	s.entries.Range(func(k, v any) bool {
		e := v.(*inviteEntry) //nolint:forcetypeassert // entries only holds *inviteEntry
		e.mu.Lock()
		if !e.removed && !now.Before(e.inv.ExpiresAt) {
			e.removed = true
			s.entries.CompareAndDelete(k, v)
			n++
		}
		e.mu.Unlock()
		return true
	})
	s.gone.Range(func(k, v any) bool {
		if !now.Before(v.(tombstone).expiresAt) { //nolint:forcetypeassert // gone only holds tombstone
			s.gone.Delete(k)
		}
		return true
	})
	return n
}

func (s *Invitations) remove(id string, reason error, expiresAt time.Time) {
	v, ok := s.entries.Load(id)
	if !ok {
		return
	}
	e := v.(*inviteEntry) //nolint:forcetypeassert // entries only holds *inviteEntry
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.removed {
		return
	}
	e.removed = true
	s.entries.CompareAndDelete(id, v)
	s.gone.Store(id, tombstone{err: reason, expiresAt: expiresAt})
}
