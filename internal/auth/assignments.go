package auth

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/singleflight"
)

// DefaultLookupTimeout bounds a role store call when none is configured.
const DefaultLookupTimeout = 2 * time.Second

// persistTimeout bounds a background role change write.
const persistTimeout = 10 * time.Second

// HistoryStore is implemented by role stores that keep role change history.
type HistoryStore interface {
	History(ctx context.Context, userID, companyID string) ([]RoleChange, error)
}

type roleEntry struct {
	mu         sync.Mutex
	assignment RoleAssignment
	history    []RoleChange
}

// RoleAssignmentStore caches role assignments in front of a RoleStore.
//
// Entries are loaded on first use and live until invalidated. Concurrent
// misses for the same key share one store call, bounded by the lookup
// timeout; a failed or timed-out lookup is not cached and the caller is
// refused. A user with no stored assignment holds RoleGuest.
type RoleAssignmentStore struct {
	store   RoleStore
	timeout time.Duration
	entries sync.Map // "user\x00company" -> *roleEntry
	group   singleflight.Group

	// queues holds unwritten changes per key, oldest first. A key is present
	// while its writer goroutine runs.
	qmu        sync.Mutex
	queues     map[string][]RoleChange
	persisting sync.WaitGroup

	logger   Logger
	now      func() time.Time
	onChange func(RoleChange)
}

// NewRoleAssignmentStore creates a cache over store. A non-positive timeout
// uses DefaultLookupTimeout.
func NewRoleAssignmentStore(store RoleStore, timeout time.Duration) *RoleAssignmentStore {
	if timeout <= 0 {
		timeout = DefaultLookupTimeout
	}
	return &RoleAssignmentStore{
		store:   store,
		timeout: timeout,
		queues:  make(map[string][]RoleChange),
		logger:  noopLogger{},
		now:     time.Now,
	}
}

// SetLogger sets the logger for background persistence failures.
func (s *RoleAssignmentStore) SetLogger(l Logger) {
	if l != nil {
		s.logger = l
	}
}

// SetClock overrides the time source used to stamp changes.
func (s *RoleAssignmentStore) SetClock(now func() time.Time) {
	s.now = now
}

// OnChange registers a callback invoked after every successful ChangeRole.
// Set it before the store is shared.
func (s *RoleAssignmentStore) OnChange(fn func(RoleChange)) {
	s.onChange = fn
}

func entryKey(userID, companyID string) string {
	return userID + "\x00" + companyID
}

// Role returns the role userID holds in companyID.
func (s *RoleAssignmentStore) Role(ctx context.Context, userID, companyID string) (RoleLevel, error) {
	a, err := s.Assignment(ctx, userID, companyID)
	if err != nil {
		return RoleGuest, err
	}
	return a.Role, nil
}

// Assignment returns the cached assignment, loading it from the role store
// on a miss.
func (s *RoleAssignmentStore) Assignment(ctx context.Context, userID, companyID string) (RoleAssignment, error) {
	key := entryKey(userID, companyID)
	if v, ok := s.entries.Load(key); ok {
		e := v.(*roleEntry) //nolint:forcetypeassert // map only holds *roleEntry
		e.mu.Lock()
		defer e.mu.Unlock()
		return e.assignment, nil
	}

	ch := s.group.DoChan(key, func() (any, error) {
		lookupCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), s.timeout)
		defer cancel()
		return s.load(lookupCtx, userID, companyID)
	})

	timer := time.NewTimer(s.timeout)
	defer timer.Stop()

	select {
	case res := <-ch:
		if res.Err != nil {
			return RoleAssignment{}, res.Err
		}
		return res.Val.(RoleAssignment), nil //nolint:forcetypeassert // load returns RoleAssignment
	case <-timer.C:
		return RoleAssignment{}, fmt.Errorf("%w: timed out after %s", ErrRoleLookupFailed, s.timeout)
	case <-ctx.Done():
		return RoleAssignment{}, fmt.Errorf("%w: %w", ErrRoleLookupFailed, ctx.Err())
	}
}

// load fetches one assignment and caches it. An entry stored meanwhile by
// ChangeRole wins over the loaded value.
func (s *RoleAssignmentStore) load(ctx context.Context, userID, companyID string) (RoleAssignment, error) {
	a, err := s.store.LoadRole(ctx, userID, companyID)
	switch {
	case errors.Is(err, ErrRoleNotFound):
		a = RoleAssignment{UserID: userID, CompanyID: companyID, Role: RoleGuest}
	case err != nil:
		return RoleAssignment{}, fmt.Errorf("%w: %w", ErrRoleLookupFailed, err)
	}

	v, _ := s.entries.LoadOrStore(entryKey(userID, companyID), &roleEntry{assignment: a})
	e := v.(*roleEntry) //nolint:forcetypeassert // map only holds *roleEntry
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.assignment, nil
}

// ChangeRole sets the role userID holds in companyID and returns the
// recorded change. Unless changedBy is SystemActor, the actor's own role in
// the company must be strictly above both the new role and the user's
// current role.
//
// The cache is updated before returning; the role store write happens in
// the background and a failure there is logged, not returned. Writes for
// one user and company reach the store in the order the changes were made,
// and each change is stamped strictly after the assignment it replaces.
func (s *RoleAssignmentStore) ChangeRole(ctx context.Context, userID, companyID string, newRole RoleLevel, changedBy, reason string) (RoleChange, error) {
	if !newRole.Valid() {
		return RoleChange{}, fmt.Errorf("%w: %d", ErrUnknownRole, uint8(newRole))
	}

	actorRole := RoleSuperAdmin
	if changedBy != SystemActor {
		r, err := s.Role(ctx, changedBy, companyID)
		if err != nil {
			return RoleChange{}, err
		}
		actorRole = r
	}

	// Load the target so the entry exists and the current role is known.
	if _, err := s.Assignment(ctx, userID, companyID); err != nil {
		return RoleChange{}, err
	}

	key := entryKey(userID, companyID)
	v, _ := s.entries.LoadOrStore(key, &roleEntry{
		assignment: RoleAssignment{UserID: userID, CompanyID: companyID, Role: RoleGuest},
	})
	e := v.(*roleEntry) //nolint:forcetypeassert // map only holds *roleEntry

	e.mu.Lock()
	old := e.assignment.Role
	if changedBy != SystemActor && (!CanDelegate(actorRole, newRole) || !CanDelegate(actorRole, old)) {
		e.mu.Unlock()
		return RoleChange{}, fmt.Errorf("%w: %s cannot change %s to %s", ErrDelegationDenied, actorRole, old, newRole)
	}

	now := s.now().UTC()
	if !now.After(e.assignment.AssignedAt) {
		now = e.assignment.AssignedAt.Add(time.Nanosecond)
	}
	change := RoleChange{
		ID:        "rch-" + uuid.NewString()[:8],
		UserID:    userID,
		CompanyID: companyID,
		OldRole:   old,
		NewRole:   newRole,
		ChangedBy: changedBy,
		Reason:    reason,
		ChangedAt: now,
	}
	e.assignment = RoleAssignment{
		UserID:     userID,
		CompanyID:  companyID,
		Role:       newRole,
		AssignedBy: changedBy,
		AssignedAt: now,
	}
	e.history = append(e.history, change)
	s.enqueue(key, change)
	e.mu.Unlock()

	// Re-publish in case the entry was invalidated while we held it.
	s.entries.Store(key, e)

	if s.onChange != nil {
		s.onChange(change)
	}
	return change, nil
}

// enqueue queues change for its key, starting the key's writer if none is
// running.
func (s *RoleAssignmentStore) enqueue(key string, change RoleChange) {
	s.qmu.Lock()
	defer s.qmu.Unlock()
	pending, running := s.queues[key]
	s.queues[key] = append(pending, change)
	if running {
		return
	}
	s.persisting.Add(1)
	go s.drain(key)
}

// drain writes the key's queued changes one at a time until none remain.
func (s *RoleAssignmentStore) drain(key string) {
	defer s.persisting.Done()
	for {
		s.qmu.Lock()
		pending := s.queues[key]
		if len(pending) == 0 {
			delete(s.queues, key)
			s.qmu.Unlock()
			return
		}
		change := pending[0]
		s.queues[key] = pending[1:]
		s.qmu.Unlock()

		s.persist(change)
	}
}

func (s *RoleAssignmentStore) persist(change RoleChange) {
	ctx, cancel := context.WithTimeout(context.Background(), persistTimeout)
	defer cancel()
	if err := s.store.PersistRoleChange(ctx, change); err != nil {
		s.logger.Warn("persisting role change failed",
			"user_id", change.UserID,
			"company_id", change.CompanyID,
			"new_role", change.NewRole.String(),
			"error", err,
		)
	}
}

// InvalidateRole drops the cached assignment so the next lookup reloads it.
func (s *RoleAssignmentStore) InvalidateRole(userID, companyID string) {
	s.entries.Delete(entryKey(userID, companyID))
}

// History returns the role changes for userID in companyID, oldest first.
// Persisted history is merged with changes this process has made but not
// yet written.
func (s *RoleAssignmentStore) History(ctx context.Context, userID, companyID string) ([]RoleChange, error) {
	var local []RoleChange
	if v, ok := s.entries.Load(entryKey(userID, companyID)); ok {
		e := v.(*roleEntry) //nolint:forcetypeassert // map only holds *roleEntry
		e.mu.Lock()
		local = slices.Clone(e.history)
		e.mu.Unlock()
	}

	hs, ok := s.store.(HistoryStore)
	if !ok {
		if local == nil {
			local = []RoleChange{}
		}
		return local, nil
	}

	persisted, err := hs.History(ctx, userID, companyID)
	if err != nil {
		return nil, fmt.Errorf("loading role history: %w", err)
	}

	seen := make(map[string]struct{}, len(persisted))
	for _, c := range persisted {
		seen[c.ID] = struct{}{}
	}
	for _, c := range local {
		if _, dup := seen[c.ID]; !dup {
			persisted = append(persisted, c)
		}
	}
	slices.SortStableFunc(persisted, func(a, b RoleChange) int {
		return a.ChangedAt.Compare(b.ChangedAt)
	})
	return persisted, nil
}

// Wait blocks until background role store writes have finished.
func (s *RoleAssignmentStore) Wait() {
	s.persisting.Wait()
}
