package auth

import (
	"errors"
	"time"
)

// SystemActor is the actor name used for automated role changes (seeding,
// invitation redemption). It bypasses the delegation check.
const SystemActor = "system"

// RoleAssignment is the role a user holds in one company.
type RoleAssignment struct {
	UserID     string    `json:"user_id"`
	CompanyID  string    `json:"company_id"`
	Role       RoleLevel `json:"role"`
	AssignedBy string    `json:"assigned_by"`
	AssignedAt time.Time `json:"assigned_at"`
}

// RoleChange is one entry of a user's role change history.
type RoleChange struct {
	ID        string    `json:"id"`
	UserID    string    `json:"user_id"`
	CompanyID string    `json:"company_id"`
	OldRole   RoleLevel `json:"old_role"`
	NewRole   RoleLevel `json:"new_role"`
	ChangedBy string    `json:"changed_by"`
	Reason    string    `json:"reason,omitempty"`
	ChangedAt time.Time `json:"changed_at"`
}

// Sentinel errors for access decisions and role management.
var (
	ErrPermissionDenied  = errors.New("permission denied")
	ErrContextRestricted = errors.New("access restricted by context")
	ErrUnknownRole       = errors.New("unknown role")
	ErrUnknownPermission = errors.New("unknown permission")
	ErrRoleNotFound      = errors.New("role assignment not found")
	ErrRoleLookupFailed  = errors.New("role lookup failed")
	ErrDelegationDenied  = errors.New("cannot grant a role at or above own level")
)

// Logger is the logging surface used by this package.
type Logger interface {
	Debug(msg string, args ...any)
	Info(msg string, args ...any)
	Warn(msg string, args ...any)
	Error(msg string, args ...any)
}

type noopLogger struct{}

func (noopLogger) Debug(string, ...any) {}
func (noopLogger) Info(string, ...any)  {}
func (noopLogger) Warn(string, ...any)  {}
func (noopLogger) Error(string, ...any) {}
