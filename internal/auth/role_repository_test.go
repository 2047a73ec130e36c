package auth

import (
	"errors"
	"testing"
	"time"
)

func TestSQLiteRoleRepository_LoadMissing(t *testing.T) {
	repo := NewRoleRepository(testDB(t).DB)
	if _, err := repo.LoadRole(t.Context(), "u-1", "c-1"); !errors.Is(err, ErrRoleNotFound) {
		t.Errorf("LoadRole() error = %v, want ErrRoleNotFound", err)
	}
}

func TestSQLiteRoleRepository_PersistAndLoad(t *testing.T) {
	repo := NewRoleRepository(testDB(t).DB)
	ctx := t.Context()
	at := time.Date(2026, 10, 16, 9, 30, 0, 0, time.UTC)

	changes := []RoleChange{
		{UserID: "u-1", CompanyID: "c-1", OldRole: RoleGuest, NewRole: RoleViewer, ChangedBy: SystemActor, ChangedAt: at},
		{UserID: "u-1", CompanyID: "c-1", OldRole: RoleViewer, NewRole: RoleSupervisor, ChangedBy: "boss", Reason: "shift lead", ChangedAt: at.Add(time.Hour)},
		{UserID: "u-1", CompanyID: "c-2", OldRole: RoleGuest, NewRole: RoleOperator, ChangedBy: "boss", ChangedAt: at},
	}
	for _, c := range changes {
		if err := repo.PersistRoleChange(ctx, c); err != nil {
			t.Fatalf("PersistRoleChange: %v", err)
		}
	}

	a, err := repo.LoadRole(ctx, "u-1", "c-1")
	if err != nil {
		t.Fatalf("LoadRole: %v", err)
	}
	if a.Role != RoleSupervisor || a.AssignedBy != "boss" || !a.AssignedAt.Equal(at.Add(time.Hour)) {
		t.Errorf("assignment = %+v", a)
	}

	h, err := repo.History(ctx, "u-1", "c-1")
	if err != nil {
		t.Fatalf("History: %v", err)
	}
	if len(h) != 2 {
		t.Fatalf("history length = %d, want 2", len(h))
	}
	if h[1].Reason != "shift lead" || h[0].Reason != "" || h[1].ID == "" {
		t.Errorf("history = %+v", h)
	}
}

func TestSQLiteRoleRepository_StaleChangeKeepsNewerAssignment(t *testing.T) {
	repo := NewRoleRepository(testDB(t).DB)
	ctx := t.Context()
	at := time.Date(2026, 10, 16, 9, 30, 0, 0, time.UTC)

	newer := RoleChange{UserID: "u-1", CompanyID: "c-1", OldRole: RoleCompanyAdmin, NewRole: RoleViewer, ChangedBy: SystemActor, ChangedAt: at.Add(time.Nanosecond)}
	older := RoleChange{UserID: "u-1", CompanyID: "c-1", OldRole: RoleGuest, NewRole: RoleCompanyAdmin, ChangedBy: SystemActor, ChangedAt: at}
	for _, c := range []RoleChange{newer, older} {
		if err := repo.PersistRoleChange(ctx, c); err != nil {
			t.Fatalf("PersistRoleChange: %v", err)
		}
	}

	a, err := repo.LoadRole(ctx, "u-1", "c-1")
	if err != nil {
		t.Fatalf("LoadRole: %v", err)
	}
	if a.Role != RoleViewer {
		t.Errorf("role = %s, want viewer", a.Role)
	}
	if h, err := repo.History(ctx, "u-1", "c-1"); err != nil || len(h) != 2 || h[1].NewRole != RoleViewer {
		t.Errorf("History() = %+v, %v", h, err)
	}
}

func TestRoleAssignmentStore_WithSQLite(t *testing.T) {
	repo := NewRoleRepository(testDB(t).DB)
	s := NewRoleAssignmentStore(repo, time.Second)
	ctx := t.Context()

	if _, err := s.ChangeRole(ctx, "admin", "c-1", RoleCompanyAdmin, SystemActor, "bootstrap"); err != nil {
		t.Fatal(err)
	}
	if _, err := s.ChangeRole(ctx, "u-1", "c-1", RoleOperator, "admin", "hired"); err != nil {
		t.Fatal(err)
	}
	s.Wait()

	// A fresh cache sees the persisted state.
	fresh := NewRoleAssignmentStore(repo, time.Second)
	if role, err := fresh.Role(ctx, "u-1", "c-1"); err != nil || role != RoleOperator {
		t.Errorf("fresh Role() = %s, %v", role, err)
	}

	h, err := s.History(ctx, "u-1", "c-1")
	if err != nil {
		t.Fatal(err)
	}
	if len(h) != 1 || h[0].ChangedBy != "admin" {
		t.Errorf("history = %+v (merged entries must not duplicate)", h)
	}
}
