package auth

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// RoleStore is the persistent source of role assignments.
type RoleStore interface {
	// LoadRole returns the stored assignment or ErrRoleNotFound.
	LoadRole(ctx context.Context, userID, companyID string) (RoleAssignment, error)
	// PersistRoleChange upserts the assignment and appends the history entry.
	PersistRoleChange(ctx context.Context, change RoleChange) error
}

// timeLayout is fixed width so timestamps sort lexically.
const timeLayout = "2006-01-02T15:04:05.000000000Z"

// SQLiteRoleRepository implements RoleStore over the role_assignments and
// role_change_history tables.
type SQLiteRoleRepository struct {
	db *sql.DB
}

// NewRoleRepository creates a new SQLite-backed role store.
func NewRoleRepository(db *sql.DB) *SQLiteRoleRepository {
	return &SQLiteRoleRepository{db: db}
}

// LoadRole retrieves the role a user holds in a company.
func (r *SQLiteRoleRepository) LoadRole(ctx context.Context, userID, companyID string) (RoleAssignment, error) {
	var (
		a                  RoleAssignment
		roleName, assigned string
	)
	err := r.db.QueryRowContext(ctx,
		`SELECT user_id, company_id, role, assigned_by, assigned_at
		 FROM role_assignments WHERE user_id = ? AND company_id = ?`,
		userID, companyID,
	).Scan(&a.UserID, &a.CompanyID, &roleName, &a.AssignedBy, &assigned)
	if errors.Is(err, sql.ErrNoRows) {
		return RoleAssignment{}, ErrRoleNotFound
	}
	if err != nil {
		return RoleAssignment{}, fmt.Errorf("loading role: %w", err)
	}

	if a.Role, err = ParseRole(roleName); err != nil {
		return RoleAssignment{}, fmt.Errorf("loading role: %w", err)
	}
	a.AssignedAt, _ = time.Parse(timeLayout, assigned) //nolint:errcheck // format is controlled
	return a, nil
}

// PersistRoleChange writes the new assignment and its history entry in one
// transaction. The change ID is generated if empty. A change older than the
// stored assignment is kept in history but does not replace the assignment.
func (r *SQLiteRoleRepository) PersistRoleChange(ctx context.Context, change RoleChange) error {
	if change.ID == "" {
		change.ID = "rch-" + uuid.NewString()[:8]
	}
	at := change.ChangedAt.UTC().Format(timeLayout)

	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("beginning role change: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck // no-op after commit

	if _, err := tx.ExecContext(ctx,
		`INSERT INTO role_assignments (user_id, company_id, role, assigned_by, assigned_at)
		 VALUES (?, ?, ?, ?, ?)
		 ON CONFLICT (user_id, company_id) DO UPDATE SET
		   role = excluded.role, assigned_by = excluded.assigned_by, assigned_at = excluded.assigned_at
		 WHERE excluded.assigned_at >= role_assignments.assigned_at`,
		change.UserID, change.CompanyID, change.NewRole.String(), change.ChangedBy, at,
	); err != nil {
		return fmt.Errorf("upserting role assignment: %w", err)
	}

	if _, err := tx.ExecContext(ctx,
		`INSERT INTO role_change_history (id, user_id, company_id, old_role, new_role, changed_by, reason, changed_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		change.ID, change.UserID, change.CompanyID, change.OldRole.String(), change.NewRole.String(),
		change.ChangedBy, nullString(change.Reason), at,
	); err != nil {
		return fmt.Errorf("appending role history: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("committing role change: %w", err)
	}
	return nil
}

// History returns the persisted role changes for a user in a company,
// oldest first.
func (r *SQLiteRoleRepository) History(ctx context.Context, userID, companyID string) ([]RoleChange, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT id, user_id, company_id, old_role, new_role, changed_by, reason, changed_at
		 FROM role_change_history WHERE user_id = ? AND company_id = ?
		 ORDER BY changed_at ASC, id ASC`,
		userID, companyID,
	)
	if err != nil {
		return nil, fmt.Errorf("listing role history: %w", err)
	}
	defer rows.Close()

	changes := []RoleChange{}
	for rows.Next() {
		var (
			c                RoleChange
			oldRole, newRole string
			reason           sql.NullString
			changedAt        string
		)
		if err := rows.Scan(&c.ID, &c.UserID, &c.CompanyID, &oldRole, &newRole, &c.ChangedBy, &reason, &changedAt); err != nil {
			return nil, fmt.Errorf("scanning role history: %w", err)
		}
		if c.OldRole, err = ParseRole(oldRole); err != nil {
			return nil, err
		}
		if c.NewRole, err = ParseRole(newRole); err != nil {
			return nil, err
		}
		c.Reason = reason.String
		c.ChangedAt, _ = time.Parse(timeLayout, changedAt) //nolint:errcheck // format is controlled
		changes = append(changes, c)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating role history: %w", err)
	}
	return changes, nil
}

func nullString(s string) any {
	if s == "" {
		return nil
	}
	return s
}
