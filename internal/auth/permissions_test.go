package auth

import (
	"errors"
	"testing"
)

func TestRoleLevels_StrictTotalOrder(t *testing.T) {
	for i := 1; i < len(AllRoles); i++ {
		lo, hi := AllRoles[i-1], AllRoles[i]
		if !hi.Dominates(lo) || lo.Dominates(hi) {
			t.Errorf("%s should strictly dominate %s", hi, lo)
		}
		if lo.Dominates(lo) {
			t.Errorf("%s should not dominate itself", lo)
		}
	}
}

func TestRoleLevels_Values(t *testing.T) {
	want := map[string]int{
		"guest": 0, "viewer": 10, "operator": 20, "supervisor": 40,
		"manager": 60, "company_admin": 80, "super_admin": 100,
	}
	for name, level := range want {
		r, err := ParseRole(name)
		if err != nil {
			t.Fatalf("ParseRole(%q): %v", name, err)
		}
		if r.Level() != level || r.String() != name {
			t.Errorf("%s = %d (%s), want %d", name, r.Level(), r, level)
		}
	}
}

func TestParseRole_Unknown(t *testing.T) {
	if _, err := ParseRole("owner"); !errors.Is(err, ErrUnknownRole) {
		t.Errorf("ParseRole(owner) error = %v, want ErrUnknownRole", err)
	}
	if r, err := ParseRole("  Company_Admin "); err != nil || r != RoleCompanyAdmin {
		t.Errorf("ParseRole is not case/space tolerant: %v %v", r, err)
	}
}

func TestRoleLevel_TextRoundTrip(t *testing.T) {
	b, err := RoleSupervisor.MarshalText()
	if err != nil || string(b) != "supervisor" {
		t.Fatalf("MarshalText = %q, %v", b, err)
	}
	var r RoleLevel
	if err := r.UnmarshalText([]byte("manager")); err != nil || r != RoleManager {
		t.Errorf("UnmarshalText = %v, %v", r, err)
	}
	if _, err := RoleLevel(33).MarshalText(); !errors.Is(err, ErrUnknownRole) {
		t.Errorf("MarshalText(33) error = %v, want ErrUnknownRole", err)
	}
}

func TestPermissionMinimumRoles(t *testing.T) {
	tests := []struct {
		perm Permission
		min  RoleLevel
	}{
		{PermDashboardView, RoleViewer},
		{PermSensorRead, RoleViewer},
		{PermProductionOperate, RoleOperator},
		{PermAlarmAcknowledge, RoleOperator},
		{PermLineConfigure, RoleSupervisor},
		{PermReportExport, RoleSupervisor},
		{PermUserInvite, RoleManager},
		{PermUserManage, RoleManager},
		{PermRoleAssign, RoleCompanyAdmin},
		{PermCompanyConfigure, RoleCompanyAdmin},
		{PermSecurityAudit, RoleCompanyAdmin},
		{PermSystemAdmin, RoleSuperAdmin},
	}
	for _, tt := range tests {
		t.Run(string(tt.perm), func(t *testing.T) {
			got, ok := tt.perm.MinimumRole()
			if !ok || got != tt.min {
				t.Fatalf("MinimumRole = %s, %v; want %s", got, ok, tt.min)
			}
			for _, r := range AllRoles {
				want := r.Level() >= tt.min.Level()
				if RoleHasPermission(r, tt.perm) != want {
					t.Errorf("RoleHasPermission(%s) = %v, want %v", r, !want, want)
				}
			}
		})
	}
}

func TestRoleHasPermission_Monotonic(t *testing.T) {
	for _, p := range AllPermissions {
		held := false
		for _, r := range AllRoles {
			has := RoleHasPermission(r, p)
			if held && !has {
				t.Errorf("%s: held by a lower role but not by %s", p, r)
			}
			held = held || has
		}
	}
}

func TestRoleHasPermission_UnknownPermission(t *testing.T) {
	if RoleHasPermission(RoleSuperAdmin, Permission("factory:explode")) {
		t.Error("unknown permission must be held by nobody")
	}
	if RoleHasPermission(RoleGuest, PermDashboardView) {
		t.Error("guest must hold nothing")
	}
}

func TestCanDelegate(t *testing.T) {
	tests := []struct {
		actor, target RoleLevel
		want          bool
	}{
		{RoleManager, RoleSupervisor, true},
		{RoleManager, RoleManager, false},
		{RoleManager, RoleCompanyAdmin, false},
		{RoleSuperAdmin, RoleCompanyAdmin, true},
		{RoleGuest, RoleGuest, false},
	}
	for _, tt := range tests {
		if got := CanDelegate(tt.actor, tt.target); got != tt.want {
			t.Errorf("CanDelegate(%s, %s) = %v, want %v", tt.actor, tt.target, got, tt.want)
		}
	}
}
