package auth

// Permission is a named capability. Each permission has a fixed minimum role.
type Permission string

// Factory dashboard permissions.
const (
	PermDashboardView     Permission = "dashboard:view"
	PermSensorRead        Permission = "sensor:read"
	PermProductionOperate Permission = "production:operate"
	PermAlarmAcknowledge  Permission = "alarm:acknowledge"
	PermLineConfigure     Permission = "line:configure"
	PermReportExport      Permission = "report:export"
	PermUserInvite        Permission = "user:invite"
	PermUserManage        Permission = "user:manage"
	PermRoleAssign        Permission = "role:assign"
	PermCompanyConfigure  Permission = "company:configure"
	PermSecurityAudit     Permission = "security:audit"
	PermSystemAdmin       Permission = "system:admin"
)

// minimumRoles is the single source of truth for the authorisation model.
var minimumRoles = map[Permission]RoleLevel{
	PermDashboardView:     RoleViewer,
	PermSensorRead:        RoleViewer,
	PermProductionOperate: RoleOperator,
	PermAlarmAcknowledge:  RoleOperator,
	PermLineConfigure:     RoleSupervisor,
	PermReportExport:      RoleSupervisor,
	PermUserInvite:        RoleManager,
	PermUserManage:        RoleManager,
	PermRoleAssign:        RoleCompanyAdmin,
	PermCompanyConfigure:  RoleCompanyAdmin,
	PermSecurityAudit:     RoleCompanyAdmin,
	PermSystemAdmin:       RoleSuperAdmin,
}

// AllPermissions lists every defined permission.
var AllPermissions = []Permission{
	PermDashboardView, PermSensorRead,
	PermProductionOperate, PermAlarmAcknowledge,
	PermLineConfigure, PermReportExport,
	PermUserInvite, PermUserManage,
	PermRoleAssign, PermCompanyConfigure, PermSecurityAudit,
	PermSystemAdmin,
}

// MinimumRole returns the lowest role holding p. ok is false for unknown
// permissions.
func (p Permission) MinimumRole() (role RoleLevel, ok bool) {
	role, ok = minimumRoles[p]
	return role, ok
}

// Valid reports whether p is a defined permission.
func (p Permission) Valid() bool {
	_, ok := minimumRoles[p]
	return ok
}

// RoleHasPermission reports whether role satisfies p. Unknown permissions
// are held by nobody.
func RoleHasPermission(role RoleLevel, p Permission) bool {
	minRole, ok := minimumRoles[p]
	if !ok {
		return false
	}
	return role.Level() >= minRole.Level()
}
