package auth

import (
	"context"
	"fmt"
	"time"

	"github.com/nerrad567/factory-guard/internal/audit"
)

// Denial reasons that are not restriction dimensions.
const (
	ReasonInsufficientRole  = "insufficient_role"
	ReasonRoleLookupFailed  = "role_lookup_failed"
	ReasonUnknownPermission = "unknown_permission"
)

// RestrictionSource yields the active contextual restriction for a user in
// a company. Expired restrictions must not be returned.
type RestrictionSource interface {
	Active(userID, companyID string) (ContextualRestriction, bool)
}

// Decision is the outcome of a contextual permission check.
type Decision struct {
	Allowed    bool       `json:"allowed"`
	UserID     string     `json:"user_id"`
	CompanyID  string     `json:"company_id"`
	Permission Permission `json:"permission"`
	Role       RoleLevel  `json:"role"`
	Reason     string     `json:"reason,omitempty"`
	Restricted bool       `json:"restricted"`
}

// Authorizer answers permission questions from role assignments and active
// contextual restrictions, auditing every contextual decision.
type Authorizer struct {
	roles        *RoleAssignmentStore
	restrictions RestrictionSource
	sink         audit.Sink
	logger       Logger
	now          func() time.Time
	loc          *time.Location
}

// NewAuthorizer creates an Authorizer. restrictions and sink may be nil.
func NewAuthorizer(roles *RoleAssignmentStore, restrictions RestrictionSource, sink audit.Sink) *Authorizer {
	if sink == nil {
		sink = audit.Discard
	}
	return &Authorizer{
		roles:        roles,
		restrictions: restrictions,
		sink:         sink,
		logger:       noopLogger{},
		now:          time.Now,
		loc:          time.UTC,
	}
}

// SetLogger sets the logger used for audit failures.
func (a *Authorizer) SetLogger(l Logger) {
	if l != nil {
		a.logger = l
	}
}

// SetClock overrides the time source for working-hours checks.
func (a *Authorizer) SetClock(now func() time.Time) {
	a.now = now
}

// SetLocation sets the site timezone working hours are evaluated in.
func (a *Authorizer) SetLocation(loc *time.Location) {
	if loc != nil {
		a.loc = loc
	}
}

// Roles returns the underlying assignment store.
func (a *Authorizer) Roles() *RoleAssignmentStore {
	return a.roles
}

// HasPermission reports whether the user's role meets the permission's
// minimum. It has no side effects; a failed role lookup is a denial.
func (a *Authorizer) HasPermission(ctx context.Context, userID, companyID string, perm Permission) bool {
	role, err := a.roles.Role(ctx, userID, companyID)
	if err != nil {
		return false
	}
	return RoleHasPermission(role, perm)
}

// HasPermissionWithContext checks the role first, then any active
// restriction for the request. A denial returns an error wrapping
// ErrPermissionDenied or ErrContextRestricted together with the decision.
// Every outcome is audited before it is returned.
func (a *Authorizer) HasPermissionWithContext(ctx context.Context, userID, companyID string, perm Permission, req RequestContext) (Decision, error) {
	d := Decision{UserID: userID, CompanyID: companyID, Permission: perm}

	if !perm.Valid() {
		d.Reason = ReasonUnknownPermission
		a.record(ctx, d, req, audit.EventPermissionDenied)
		return d, fmt.Errorf("%w: %w: %q", ErrPermissionDenied, ErrUnknownPermission, perm)
	}

	role, err := a.roles.Role(ctx, userID, companyID)
	if err != nil {
		d.Reason = ReasonRoleLookupFailed
		a.record(ctx, d, req, audit.EventPermissionDenied)
		return d, fmt.Errorf("%w: %w", ErrPermissionDenied, err)
	}
	d.Role = role

	if !RoleHasPermission(role, perm) {
		d.Reason = ReasonInsufficientRole
		a.record(ctx, d, req, audit.EventPermissionDenied)
		return d, fmt.Errorf("%w: %s lacks %s", ErrPermissionDenied, role, perm)
	}

	if a.restrictions != nil {
		if r, ok := a.restrictions.Active(userID, companyID); ok {
			d.Restricted = true
			if err := r.Check(userID, req, a.now().In(a.loc)); err != nil {
				d.Reason = RestrictionReason(err)
				a.record(ctx, d, req, audit.EventContextRestricted)
				return d, err
			}
		}
	}

	d.Allowed = true
	a.record(ctx, d, req, audit.EventPermissionGranted)
	return d, nil
}

func (a *Authorizer) record(ctx context.Context, d Decision, req RequestContext, t audit.EventType) {
	severity := audit.SeverityLow
	if !d.Allowed {
		severity = audit.SeverityMedium
		if floor, ok := d.Permission.MinimumRole(); ok && floor >= RoleCompanyAdmin {
			severity = audit.SeverityHigh
		}
	}

	desc := fmt.Sprintf("%s %s", d.Permission, t)
	if d.Reason != "" {
		desc += ": " + d.Reason
	}

	e := audit.Event{
		Type:        t,
		RiskLevel:   severity,
		Description: desc,
		UserID:      d.UserID,
		CompanyID:   d.CompanyID,
		ClientIP:    req.ClientIP,
		UserAgent:   req.UserAgent,
		Success:     d.Allowed,
		Extra: map[string]any{
			"permission": string(d.Permission),
			"role":       d.Role.String(),
		},
	}
	if d.Reason != "" {
		e.Extra["reason"] = d.Reason
	}

	if err := a.sink.Record(ctx, e); err != nil {
		a.logger.Warn("recording security event failed", "event_type", string(t), "error", err)
	}
}
