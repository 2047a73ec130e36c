package engine

import (
	"context"
	"fmt"

	"github.com/nerrad567/factory-guard/internal/auth"
	"github.com/nerrad567/factory-guard/internal/risk"
)

// ReasonRiskTooHigh is the denial reason when the role and restriction
// checks pass but the request's risk score exceeds the permission ceiling.
const ReasonRiskTooHigh = "risk_threshold_exceeded"

// HasPermission is the side-effect-free role check.
func (e *Engine) HasPermission(ctx context.Context, userID, companyID string, perm auth.Permission) bool {
	return e.authz.HasPermission(ctx, userID, companyID, perm)
}

// Authorize checks the role and any active contextual restriction for the
// request. Every outcome is audited.
func (e *Engine) Authorize(ctx context.Context, userID, companyID string, perm auth.Permission, req auth.RequestContext) (auth.Decision, error) {
	d, err := e.authz.HasPermissionWithContext(ctx, userID, companyID, perm, req)
	e.metrics.ObserveDecision(string(perm), d.Allowed, d.Reason)
	return d, err
}

// AuthorizeWithRisk is Authorize followed by the permission's risk
// ceiling. A request allowed by role and restriction but scoring above the
// ceiling is denied with ReasonRiskTooHigh.
func (e *Engine) AuthorizeWithRisk(ctx context.Context, userID, companyID string, perm auth.Permission, req auth.RequestContext) (auth.Decision, error) {
	d, err := e.authz.HasPermissionWithContext(ctx, userID, companyID, perm, req)
	if err == nil && !e.risk.IsRiskAcceptable(ctx, userID, companyID, perm, req) {
		d.Allowed = false
		d.Reason = ReasonRiskTooHigh
		err = fmt.Errorf("%w: risk score above ceiling %d for %s", auth.ErrPermissionDenied, e.risk.Ceiling(perm), perm)
	}
	e.metrics.ObserveDecision(string(perm), d.Allowed, d.Reason)
	return d, err
}

// Assess scores a request without applying anything.
func (e *Engine) Assess(ctx context.Context, userID, companyID string, req auth.RequestContext) risk.Assessment {
	return e.risk.Assess(ctx, userID, companyID, req)
}

// IsRiskAcceptable compares the request's risk score with the ceiling of
// perm.
func (e *Engine) IsRiskAcceptable(ctx context.Context, userID, companyID string, perm auth.Permission, req auth.RequestContext) bool {
	return e.risk.IsRiskAcceptable(ctx, userID, companyID, perm, req)
}

// ApplyRestriction assesses the request and activates the restriction its
// risk level calls for.
func (e *Engine) ApplyRestriction(ctx context.Context, userID, companyID string, req auth.RequestContext) (auth.ContextualRestriction, risk.Assessment) {
	r, a := e.restrictions.DeriveAndApply(ctx, userID, companyID, req)
	e.log.Info("contextual restriction applied",
		"user_id", userID,
		"company_id", companyID,
		"level", string(a.Level),
		"score", a.Score,
		"valid_until", r.ValidUntil,
	)
	return r, a
}

// SetRestriction activates an explicit restriction, replacing any other.
func (e *Engine) SetRestriction(userID, companyID string, r auth.ContextualRestriction) {
	e.restrictions.Apply(userID, companyID, r)
}

// ActiveRestriction returns the unexpired restriction, if any.
func (e *Engine) ActiveRestriction(userID, companyID string) (auth.ContextualRestriction, bool) {
	return e.restrictions.Active(userID, companyID)
}

// ClearRestriction lifts the active restriction. It reports whether one
// was active.
func (e *Engine) ClearRestriction(userID, companyID string) bool {
	return e.restrictions.Clear(userID, companyID)
}

// Role returns the user's role in the company.
func (e *Engine) Role(ctx context.Context, userID, companyID string) (auth.RoleLevel, error) {
	return e.roles.Role(ctx, userID, companyID)
}

// ChangeRole changes a role on behalf of actorID, subject to delegation.
func (e *Engine) ChangeRole(ctx context.Context, actorID, userID, companyID string, role auth.RoleLevel, reason string) (auth.RoleChange, error) {
	return e.roles.ChangeRole(ctx, userID, companyID, role, actorID, reason)
}

// RoleHistory returns the role changes of a user in a company, oldest
// first.
func (e *Engine) RoleHistory(ctx context.Context, userID, companyID string) ([]auth.RoleChange, error) {
	return e.roles.History(ctx, userID, companyID)
}
