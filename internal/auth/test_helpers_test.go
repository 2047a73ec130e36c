package auth

import (
	"context"
	"fmt"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/nerrad567/factory-guard/internal/infrastructure/config"
	"github.com/nerrad567/factory-guard/internal/infrastructure/database"
	"github.com/nerrad567/factory-guard/migrations"
)

// testDB opens a migrated SQLite database in a temp dir.
func testDB(t *testing.T) *database.DB {
	t.Helper()
	db, err := database.Open(config.DatabaseConfig{
		Path:        filepath.Join(t.TempDir(), "auth.db"),
		WALMode:     true,
		BusyTimeout: 5,
	})
	if err != nil {
		t.Fatalf("opening test db: %v", err)
	}
	t.Cleanup(func() { db.Close() }) //nolint:errcheck // Test cleanup
	if err := db.Migrate(t.Context(), migrations.FS); err != nil {
		t.Fatalf("migrating test db: %v", err)
	}
	return db
}

// fakeStore is an in-memory RoleStore with call counting and fault hooks.
type fakeStore struct {
	mu          sync.Mutex
	roles       map[string]RoleAssignment
	changes     []RoleChange
	loads       atomic.Int32
	block       chan struct{} // when non-nil LoadRole waits for close or ctx
	loadErr     error
	persistErr  error
	persistDone chan RoleChange
	beforeWrite func(RoleChange) // runs at the start of PersistRoleChange
}

func newFakeStore() *fakeStore {
	return &fakeStore{roles: make(map[string]RoleAssignment)}
}

func (f *fakeStore) set(userID, companyID string, role RoleLevel) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.roles[entryKey(userID, companyID)] = RoleAssignment{UserID: userID, CompanyID: companyID, Role: role}
}

func (f *fakeStore) LoadRole(ctx context.Context, userID, companyID string) (RoleAssignment, error) {
	f.loads.Add(1)
	if f.block != nil {
		select {
		case <-f.block:
		case <-ctx.Done():
			return RoleAssignment{}, ctx.Err()
		}
	}
	if f.loadErr != nil {
		return RoleAssignment{}, f.loadErr
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	a, ok := f.roles[entryKey(userID, companyID)]
	if !ok {
		return RoleAssignment{}, ErrRoleNotFound
	}
	return a, nil
}

func (f *fakeStore) PersistRoleChange(_ context.Context, c RoleChange) error {
	if f.beforeWrite != nil {
		f.beforeWrite(c)
	}
	if f.persistDone != nil {
		defer func() { f.persistDone <- c }()
	}
	if f.persistErr != nil {
		return f.persistErr
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.changes = append(f.changes, c)
	f.roles[entryKey(c.UserID, c.CompanyID)] = RoleAssignment{
		UserID: c.UserID, CompanyID: c.CompanyID, Role: c.NewRole, AssignedBy: c.ChangedBy, AssignedAt: c.ChangedAt,
	}
	return nil
}

// recordingLogger captures warnings.
type recordingLogger struct {
	noopLogger
	mu    sync.Mutex
	warns []string
}

func (l *recordingLogger) Warn(msg string, args ...any) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.warns = append(l.warns, fmt.Sprint(append([]any{msg}, args...)...))
}

func (l *recordingLogger) count() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.warns)
}
