package auth

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"
)

func TestRoleAssignmentStore_LoadsOnceAndCaches(t *testing.T) {
	fs := newFakeStore()
	fs.set("u-1", "c-1", RoleOperator)
	s := NewRoleAssignmentStore(fs, time.Second)

	for range 3 {
		role, err := s.Role(t.Context(), "u-1", "c-1")
		if err != nil || role != RoleOperator {
			t.Fatalf("Role() = %s, %v", role, err)
		}
	}
	if n := fs.loads.Load(); n != 1 {
		t.Errorf("store loads = %d, want 1", n)
	}
}

func TestRoleAssignmentStore_MissingAssignmentIsGuest(t *testing.T) {
	s := NewRoleAssignmentStore(newFakeStore(), time.Second)
	role, err := s.Role(t.Context(), "nobody", "c-1")
	if err != nil || role != RoleGuest {
		t.Errorf("Role() = %s, %v; want guest", role, err)
	}
}

func TestRoleAssignmentStore_ConcurrentMissesShareOneLookup(t *testing.T) {
	fs := newFakeStore()
	fs.set("u-1", "c-1", RoleManager)
	fs.block = make(chan struct{})
	s := NewRoleAssignmentStore(fs, 5*time.Second)

	const callers = 20
	var wg sync.WaitGroup
	errs := make(chan error, callers)
	for range callers {
		wg.Add(1)
		go func() {
			defer wg.Done()
			role, err := s.Role(context.Background(), "u-1", "c-1")
			if err == nil && role != RoleManager {
				err = errors.New("wrong role " + role.String())
			}
			errs <- err
		}()
	}

	deadline := time.Now().Add(2 * time.Second)
	for fs.loads.Load() == 0 && time.Now().Before(deadline) {
		time.Sleep(time.Millisecond)
	}
	time.Sleep(20 * time.Millisecond)
	close(fs.block)
	wg.Wait()
	close(errs)

	for err := range errs {
		if err != nil {
			t.Fatal(err)
		}
	}
	if n := fs.loads.Load(); n != 1 {
		t.Errorf("store loads = %d, want 1", n)
	}
}

func TestRoleAssignmentStore_TimeoutFailsClosedAndIsNotCached(t *testing.T) {
	fs := newFakeStore()
	fs.set("u-1", "c-1", RoleSupervisor)
	fs.block = make(chan struct{})
	s := NewRoleAssignmentStore(fs, 30*time.Millisecond)

	a := NewAuthorizer(s, nil, nil)
	if a.HasPermission(t.Context(), "u-1", "c-1", PermDashboardView) {
		t.Fatal("timed-out lookup must deny")
	}

	_, err := s.Role(t.Context(), "u-1", "c-1")
	if !errors.Is(err, ErrRoleLookupFailed) {
		t.Fatalf("Role() error = %v, want ErrRoleLookupFailed", err)
	}

	close(fs.block)
	time.Sleep(20 * time.Millisecond) // let the failed flight finish
	role, err := s.Role(t.Context(), "u-1", "c-1")
	if err != nil || role != RoleSupervisor {
		t.Errorf("after recovery Role() = %s, %v", role, err)
	}
}

func TestRoleAssignmentStore_StoreErrorFailsClosed(t *testing.T) {
	fs := newFakeStore()
	fs.loadErr = errors.New("disk on fire")
	s := NewRoleAssignmentStore(fs, time.Second)

	if _, err := s.Role(t.Context(), "u-1", "c-1"); !errors.Is(err, ErrRoleLookupFailed) {
		t.Fatalf("Role() error = %v, want ErrRoleLookupFailed", err)
	}
	fs.loadErr = nil
	if _, err := s.Role(t.Context(), "u-1", "c-1"); err != nil {
		t.Errorf("error must not be cached: %v", err)
	}
	if n := fs.loads.Load(); n != 2 {
		t.Errorf("store loads = %d, want 2", n)
	}
}

func TestRoleAssignmentStore_ChangeRole(t *testing.T) {
	fs := newFakeStore()
	fs.set("boss", "c-1", RoleCompanyAdmin)
	fs.set("u-1", "c-1", RoleViewer)
	s := NewRoleAssignmentStore(fs, time.Second)
	now := time.Date(2026, 10, 16, 8, 0, 0, 0, time.UTC)
	s.SetClock(func() time.Time { return now })

	var published []RoleChange
	s.OnChange(func(c RoleChange) { published = append(published, c) })

	change, err := s.ChangeRole(t.Context(), "u-1", "c-1", RoleManager, "boss", "promotion")
	if err != nil {
		t.Fatalf("ChangeRole: %v", err)
	}
	if change.OldRole != RoleViewer || change.NewRole != RoleManager || !change.ChangedAt.Equal(now) {
		t.Errorf("change = %+v", change)
	}
	if role, _ := s.Role(t.Context(), "u-1", "c-1"); role != RoleManager {
		t.Errorf("cached role = %s, want manager", role)
	}
	if len(published) != 1 {
		t.Errorf("OnChange calls = %d, want 1", len(published))
	}

	s.Wait()
	fs.mu.Lock()
	persisted := len(fs.changes)
	fs.mu.Unlock()
	if persisted != 1 {
		t.Errorf("persisted changes = %d, want 1", persisted)
	}
}

func TestRoleAssignmentStore_ChangeRoleDelegation(t *testing.T) {
	fs := newFakeStore()
	fs.set("boss", "c-1", RoleCompanyAdmin)
	fs.set("root", "c-1", RoleSuperAdmin)
	fs.set("peer", "c-1", RoleCompanyAdmin)
	s := NewRoleAssignmentStore(fs, time.Second)

	tests := []struct {
		name    string
		user    string
		role    RoleLevel
		actor   string
		wantErr error
	}{
		{"grant below own level", "u-1", RoleManager, "boss", nil},
		{"grant own level", "u-2", RoleCompanyAdmin, "boss", ErrDelegationDenied},
		{"grant above own level", "u-3", RoleSuperAdmin, "boss", ErrDelegationDenied},
		{"demote a peer", "peer", RoleViewer, "boss", ErrDelegationDenied},
		{"demote a superior", "root", RoleViewer, "boss", ErrDelegationDenied},
		{"unassigned actor", "u-4", RoleViewer, "stranger", ErrDelegationDenied},
		{"system bypasses", "u-5", RoleSuperAdmin, SystemActor, nil},
		{"unknown role", "u-6", RoleLevel(42), SystemActor, ErrUnknownRole},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := s.ChangeRole(t.Context(), tt.user, "c-1", tt.role, tt.actor, "")
			if !errors.Is(err, tt.wantErr) {
				t.Errorf("ChangeRole() error = %v, want %v", err, tt.wantErr)
			}
		})
	}
	s.Wait()
}

func TestRoleAssignmentStore_PersistFailureOnlyWarns(t *testing.T) {
	fs := newFakeStore()
	fs.persistErr = errors.New("readonly database")
	s := NewRoleAssignmentStore(fs, time.Second)
	logger := &recordingLogger{}
	s.SetLogger(logger)

	if _, err := s.ChangeRole(t.Context(), "u-1", "c-1", RoleOperator, SystemActor, "seed"); err != nil {
		t.Fatalf("ChangeRole() = %v, want nil", err)
	}
	s.Wait()

	if logger.count() != 1 {
		t.Errorf("warnings = %d, want 1", logger.count())
	}
	if role, _ := s.Role(t.Context(), "u-1", "c-1"); role != RoleOperator {
		t.Errorf("cache must hold the new role, got %s", role)
	}
}

func TestRoleAssignmentStore_InvalidateReloads(t *testing.T) {
	fs := newFakeStore()
	fs.set("u-1", "c-1", RoleViewer)
	s := NewRoleAssignmentStore(fs, time.Second)

	if role, _ := s.Role(t.Context(), "u-1", "c-1"); role != RoleViewer {
		t.Fatalf("role = %s", role)
	}
	fs.set("u-1", "c-1", RoleSupervisor) // changed by another instance
	if role, _ := s.Role(t.Context(), "u-1", "c-1"); role != RoleViewer {
		t.Fatalf("cache should still hold viewer, got %s", role)
	}

	s.InvalidateRole("u-1", "c-1")
	if role, _ := s.Role(t.Context(), "u-1", "c-1"); role != RoleSupervisor {
		t.Errorf("after invalidate role = %s, want supervisor", role)
	}
}

func TestRoleAssignmentStore_HistoryWithoutHistoryStore(t *testing.T) {
	s := NewRoleAssignmentStore(newFakeStore(), time.Second)
	if h, err := s.History(t.Context(), "u-1", "c-1"); err != nil || len(h) != 0 {
		t.Fatalf("History() = %v, %v", h, err)
	}

	_, _ = s.ChangeRole(t.Context(), "u-1", "c-1", RoleViewer, SystemActor, "")
	_, _ = s.ChangeRole(t.Context(), "u-1", "c-1", RoleOperator, SystemActor, "")
	s.Wait()

	h, err := s.History(t.Context(), "u-1", "c-1")
	if err != nil {
		t.Fatal(err)
	}
	if len(h) != 2 || h[0].NewRole != RoleViewer || h[1].OldRole != RoleViewer || h[1].NewRole != RoleOperator {
		t.Errorf("history = %+v", h)
	}
}

func TestRoleAssignmentStore_PersistsInChangeOrder(t *testing.T) {
	fs := newFakeStore()
	fs.beforeWrite = func(c RoleChange) {
		if c.NewRole == RoleCompanyAdmin {
			time.Sleep(100 * time.Millisecond)
		}
	}
	s := NewRoleAssignmentStore(fs, time.Second)

	if _, err := s.ChangeRole(t.Context(), "u-1", "c-1", RoleCompanyAdmin, SystemActor, "promote"); err != nil {
		t.Fatal(err)
	}
	if _, err := s.ChangeRole(t.Context(), "u-1", "c-1", RoleViewer, SystemActor, "demote"); err != nil {
		t.Fatal(err)
	}
	s.Wait()

	fs.mu.Lock()
	persisted := fs.roles[entryKey("u-1", "c-1")].Role
	var order []RoleLevel
	for _, c := range fs.changes {
		order = append(order, c.NewRole)
	}
	fs.mu.Unlock()

	if persisted != RoleViewer {
		t.Errorf("persisted role = %s, want viewer", persisted)
	}
	if len(order) != 2 || order[0] != RoleCompanyAdmin || order[1] != RoleViewer {
		t.Errorf("write order = %v, want [company_admin viewer]", order)
	}

	// A reload after invalidation must not resurrect the promotion.
	s.InvalidateRole("u-1", "c-1")
	if role, _ := s.Role(t.Context(), "u-1", "c-1"); role != RoleViewer {
		t.Errorf("reloaded role = %s, want viewer", role)
	}
}

func TestRoleAssignmentStore_ChangeTimesAreStrictlyIncreasing(t *testing.T) {
	s := NewRoleAssignmentStore(newFakeStore(), time.Second)
	now := time.Date(2026, 10, 16, 8, 0, 0, 0, time.UTC)
	s.SetClock(func() time.Time { return now })

	first, err := s.ChangeRole(t.Context(), "u-1", "c-1", RoleOperator, SystemActor, "")
	if err != nil {
		t.Fatal(err)
	}
	second, err := s.ChangeRole(t.Context(), "u-1", "c-1", RoleViewer, SystemActor, "")
	if err != nil {
		t.Fatal(err)
	}
	s.Wait()

	if !first.ChangedAt.Equal(now) {
		t.Errorf("first ChangedAt = %v, want %v", first.ChangedAt, now)
	}
	if !second.ChangedAt.After(first.ChangedAt) {
		t.Errorf("second ChangedAt = %v, want after %v", second.ChangedAt, first.ChangedAt)
	}
}
