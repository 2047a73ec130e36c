package auth

import (
	"fmt"
	"strings"
)

// RoleLevel is a privilege tier. The value is the tier's level (0-100);
// a higher level strictly dominates a lower one.
type RoleLevel uint8

// Role levels.
const (
	RoleGuest        RoleLevel = 0
	RoleViewer       RoleLevel = 10
	RoleOperator     RoleLevel = 20
	RoleSupervisor   RoleLevel = 40
	RoleManager      RoleLevel = 60
	RoleCompanyAdmin RoleLevel = 80
	RoleSuperAdmin   RoleLevel = 100
)

// AllRoles lists every role, lowest first.
var AllRoles = []RoleLevel{
	RoleGuest, RoleViewer, RoleOperator, RoleSupervisor,
	RoleManager, RoleCompanyAdmin, RoleSuperAdmin,
}

var roleNames = map[RoleLevel]string{
	RoleGuest:        "guest",
	RoleViewer:       "viewer",
	RoleOperator:     "operator",
	RoleSupervisor:   "supervisor",
	RoleManager:      "manager",
	RoleCompanyAdmin: "company_admin",
	RoleSuperAdmin:   "super_admin",
}

// Level returns the numeric privilege level.
func (r RoleLevel) Level() int {
	return int(r)
}

// Valid reports whether r is one of the defined roles.
func (r RoleLevel) Valid() bool {
	_, ok := roleNames[r]
	return ok
}

func (r RoleLevel) String() string {
	if name, ok := roleNames[r]; ok {
		return name
	}
	return fmt.Sprintf("role(%d)", uint8(r))
}

// MarshalText encodes the role by name.
func (r RoleLevel) MarshalText() ([]byte, error) {
	if !r.Valid() {
		return nil, fmt.Errorf("%w: %d", ErrUnknownRole, uint8(r))
	}
	return []byte(r.String()), nil
}

// UnmarshalText decodes a role name.
func (r *RoleLevel) UnmarshalText(b []byte) error {
	parsed, err := ParseRole(string(b))
	if err != nil {
		return err
	}
	*r = parsed
	return nil
}

// ParseRole parses a role name, case-insensitively.
func ParseRole(name string) (RoleLevel, error) {
	n := strings.ToLower(strings.TrimSpace(name))
	for level, s := range roleNames {
		if s == n {
			return level, nil
		}
	}
	return RoleGuest, fmt.Errorf("%w: %q", ErrUnknownRole, name)
}

// Dominates reports whether r is strictly above other.
func (r RoleLevel) Dominates(other RoleLevel) bool {
	return r.Level() > other.Level()
}

// CanDelegate reports whether actor may grant target: only roles strictly
// below the actor's own.
func CanDelegate(actor, target RoleLevel) bool {
	return actor.Dominates(target)
}
