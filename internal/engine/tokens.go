package engine

import (
	"context"
	"fmt"
	"time"

	"github.com/nerrad567/factory-guard/internal/audit"
	"github.com/nerrad567/factory-guard/internal/auth"
	"github.com/nerrad567/factory-guard/internal/infrastructure/metrics"
	"github.com/nerrad567/factory-guard/internal/keys"
	"github.com/nerrad567/factory-guard/internal/token"
)

// Token kinds as reported in metrics.
const (
	kindEnterprise = "enterprise"
	kindInvitation = "invitation"
	kindAssertion  = "assertion"
)

// IssueToken seals an enterprise token for the user's current role in the
// company. A non-positive ttl uses the configured default.
func (e *Engine) IssueToken(ctx context.Context, userID, companyID, sessionID string, ttl time.Duration) (token.Issued, error) {
	role, err := e.roles.Role(ctx, userID, companyID)
	if err != nil {
		return token.Issued{}, err
	}
	iss, err := e.tokens.Issue(token.Subject{
		UserID:    userID,
		CompanyID: companyID,
		Role:      role.String(),
		SessionID: sessionID,
	}, ttl)
	if err != nil {
		return token.Issued{}, err
	}
	e.metrics.Token(kindEnterprise, metrics.TokenIssued)
	return iss, nil
}

// ValidateToken opens an enterprise token.
func (e *Engine) ValidateToken(tok string) (token.Payload, error) {
	p, err := e.tokens.Validate(tok)
	e.countToken(kindEnterprise, metrics.TokenValidated, err)
	return p, err
}

// RefreshToken replaces a valid enterprise token and revokes the original.
func (e *Engine) RefreshToken(tok string) (token.Issued, error) {
	iss, err := e.tokens.Refresh(tok)
	e.countToken(kindEnterprise, metrics.TokenRefreshed, err)
	return iss, err
}

// RevokeToken blocks an enterprise token by ID.
func (e *Engine) RevokeToken(tokenID, revokedBy string) {
	e.tokens.Revoke(tokenID)
	e.metrics.Token(kindEnterprise, metrics.TokenRevoked)
	e.log.Info("token revoked", "token_id", tokenID, "revoked_by", revokedBy)
}

// IssueAssertion exchanges a valid enterprise token for a short-lived
// signed assertion carrying the holder's current role.
func (e *Engine) IssueAssertion(ctx context.Context, tok string, audience ...string) (string, time.Time, error) {
	p, err := e.ValidateToken(tok)
	if err != nil {
		return "", time.Time{}, err
	}
	role, err := e.roles.Role(ctx, p.Subject.UserID, p.Subject.CompanyID)
	if err != nil {
		return "", time.Time{}, err
	}
	s, exp, err := e.signer.Sign(p.Subject.UserID, p.Subject.CompanyID, role.String(), audience...)
	if err != nil {
		return "", time.Time{}, err
	}
	e.metrics.Token(kindAssertion, metrics.TokenIssued)
	return s, exp, nil
}

// VerifyAssertion checks a signed assertion.
func (e *Engine) VerifyAssertion(assertion string) (*token.AssertionClaims, error) {
	c, err := e.signer.Verify(assertion)
	e.countToken(kindAssertion, metrics.TokenValidated, err)
	return c, err
}

func (e *Engine) countToken(kind, event string, err error) {
	if err != nil {
		event = metrics.TokenRejected
	}
	e.metrics.Token(kind, event)
}

// CreateInvitation issues an invitation to companyID granting role. Unless
// actorID is auth.SystemActor, the actor's own role must be strictly above
// the granted role.
func (e *Engine) CreateInvitation(ctx context.Context, actorID, companyID string, typ token.InvitationType, role auth.RoleLevel, maxUses int) (token.Invitation, error) {
	if actorID != auth.SystemActor {
		actorRole, err := e.roles.Role(ctx, actorID, companyID)
		if err != nil {
			return token.Invitation{}, err
		}
		if !auth.CanDelegate(actorRole, role) {
			return token.Invitation{}, fmt.Errorf("%w: %s cannot invite as %s", auth.ErrDelegationDenied, actorRole, role)
		}
	}

	inv, err := e.invitations.Create(companyID, typ, role, actorID, maxUses)
	if err != nil {
		return token.Invitation{}, err
	}
	e.metrics.Token(kindInvitation, metrics.TokenIssued)
	e.log.Info("invitation created",
		"invitation_id", inv.ID,
		"company_id", companyID,
		"role", role.String(),
		"max_uses", inv.MaxUses,
		"created_by", actorID,
	)
	return inv, nil
}

// Redemption is the outcome of redeeming an invitation.
type Redemption struct {
	Invitation token.Invitation `json:"invitation"`

	// Change is nil when the user already held the invited role or higher.
	Change *auth.RoleChange `json:"change,omitempty"`
}

// RedeemInvitation consumes one use of the invitation and grants its role
// to userID. Redemptions count against the registration rate limit of the
// client IP. A user already at or above the invited role keeps their role.
func (e *Engine) RedeemInvitation(ctx context.Context, tok, userID string, req auth.RequestContext) (Redemption, error) {
	if err := e.CheckRegistration(ctx, userID, req); err != nil {
		return Redemption{}, err
	}

	p, err := token.Open(tok, e.keys)
	if err != nil {
		e.metrics.Token(kindInvitation, metrics.TokenRejected)
		return Redemption{}, err
	}
	current, err := e.roles.Role(ctx, userID, p.Subject.CompanyID)
	if err != nil {
		return Redemption{}, err
	}

	inv, err := e.invitations.ValidateAndConsume(tok)
	if err != nil {
		e.metrics.Token(kindInvitation, metrics.TokenRejected)
		return Redemption{}, err
	}
	e.metrics.Token(kindInvitation, metrics.TokenConsumed)

	out := Redemption{Invitation: inv}
	if inv.Role.Dominates(current) {
		change, err := e.roles.ChangeRole(ctx, userID, inv.CompanyID, inv.Role, auth.SystemActor, "invitation "+inv.ID)
		if err != nil {
			return out, err
		}
		out.Change = &change
	}

	e.audit(ctx, audit.Event{
		Type:        audit.EventInvitationConsumed,
		RiskLevel:   audit.SeverityLow,
		Description: fmt.Sprintf("invitation %s redeemed (%d/%d)", inv.ID, inv.UsedCount, inv.MaxUses),
		UserID:      userID,
		CompanyID:   inv.CompanyID,
		ClientIP:    req.ClientIP,
		UserAgent:   req.UserAgent,
		Success:     true,
		Extra: map[string]any{
			"invitation_id": inv.ID,
			"type":          string(inv.Type),
			"role":          inv.Role.String(),
			"created_by":    inv.CreatedBy,
		},
	})
	return out, nil
}

// Invitation returns an outstanding invitation without its token.
func (e *Engine) Invitation(id string) (token.Invitation, error) {
	return e.invitations.Get(id)
}

// ListInvitations returns the company's outstanding invitations.
func (e *Engine) ListInvitations(companyID string) []token.Invitation {
	return e.invitations.ListByCompany(companyID)
}

// RevokeInvitation withdraws an outstanding invitation.
func (e *Engine) RevokeInvitation(id string) error {
	if err := e.invitations.Revoke(id); err != nil {
		return err
	}
	e.metrics.Token(kindInvitation, metrics.TokenRevoked)
	return nil
}

// RotateKeys advances the keystore now.
func (e *Engine) RotateKeys() (*keys.Key, error) {
	return e.keys.Rotate()
}

// KeyIDs returns the current key ID followed by retained key IDs.
func (e *Engine) KeyIDs() []string {
	ks := e.keys.Keys()
	ids := make([]string, len(ks))
	for i, k := range ks {
		ids[i] = k.ID
	}
	return ids
}

// SecurityEvents lists persisted security events.
func (e *Engine) SecurityEvents(ctx context.Context, f audit.Filter) (*audit.ListResult, error) {
	if e.events == nil {
		return nil, ErrNoEventStore
	}
	return e.events.List(ctx, f)
}
