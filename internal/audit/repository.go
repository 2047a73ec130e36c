package audit

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

// timeLayout is fixed width so created_at sorts lexically.
const timeLayout = "2006-01-02T15:04:05.000000000Z"

// Filter controls which security events List returns.
type Filter struct {
	Type      EventType // optional
	UserID    string    // optional
	CompanyID string    // optional
	Since     time.Time // optional, inclusive
	Limit     int       // default 50, max 200
	Offset    int
}

// ListResult contains one page of security events.
type ListResult struct {
	Events []Event `json:"events"`
	Total  int     `json:"total"`
	Limit  int     `json:"limit"`
	Offset int     `json:"offset"`
}

// Repository persists and queries security events.
type Repository interface {
	Sink
	List(ctx context.Context, filter Filter) (*ListResult, error)
}

// SQLiteRepository stores security events in the security_events table.
type SQLiteRepository struct {
	db *sql.DB
}

// NewSQLiteRepository creates a new security event repository.
func NewSQLiteRepository(db *sql.DB) *SQLiteRepository {
	return &SQLiteRepository{db: db}
}

// Record inserts one event. ID and Timestamp are generated if empty.
func (r *SQLiteRepository) Record(ctx context.Context, e Event) error {
	e.stamp()

	var extra any
	if len(e.Extra) > 0 {
		b, err := json.Marshal(e.Extra)
		if err != nil {
			return fmt.Errorf("marshalling event extra: %w", err)
		}
		extra = string(b)
	}

	_, err := r.db.ExecContext(ctx,
		`INSERT INTO security_events
		 (id, event_type, risk_level, description, user_id, company_id, client_ip, user_agent, success, extra, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		e.ID, string(e.Type), string(e.RiskLevel), e.Description,
		nullableString(e.UserID), nullableString(e.CompanyID),
		nullableString(e.ClientIP), nullableString(e.UserAgent),
		boolToInt(e.Success), extra,
		e.Timestamp.UTC().Format(timeLayout),
	)
	if err != nil {
		return fmt.Errorf("inserting security event: %w", err)
	}
	return nil
}

// List returns events matching the filter, most recent first.
func (r *SQLiteRepository) List(ctx context.Context, filter Filter) (*ListResult, error) { //nolint:gocognit // dynamic query builder
	if filter.Limit <= 0 {
		filter.Limit = 50
	}
	if filter.Limit > 200 { //nolint:mnd // max page size
		filter.Limit = 200
	}
	if filter.Offset < 0 {
		filter.Offset = 0
	}

	var conditions []string
	var args []any
	if filter.Type != "" {
		conditions = append(conditions, "event_type = ?")
		args = append(args, string(filter.Type))
	}
	if filter.UserID != "" {
		conditions = append(conditions, "user_id = ?")
		args = append(args, filter.UserID)
	}
	if filter.CompanyID != "" {
		conditions = append(conditions, "company_id = ?")
		args = append(args, filter.CompanyID)
	}
	if !filter.Since.IsZero() {
		conditions = append(conditions, "created_at >= ?")
		args = append(args, filter.Since.UTC().Format(timeLayout))
	}

	where := ""
	if len(conditions) > 0 {
		where = "WHERE " + strings.Join(conditions, " AND ")
	}

	var total int
	countQuery := "SELECT COUNT(*) FROM security_events " + where //nolint:gosec // WHERE built from parameterised conditions
	if err := r.db.QueryRowContext(ctx, countQuery, args...).Scan(&total); err != nil {
		return nil, fmt.Errorf("counting security events: %w", err)
	}

	query := "SELECT id, event_type, risk_level, description, user_id, company_id, client_ip, user_agent, success, extra, created_at " + //nolint:gosec // WHERE built from parameterised conditions
		"FROM security_events " + where + " ORDER BY created_at DESC LIMIT ? OFFSET ?"
	rows, err := r.db.QueryContext(ctx, query, append(args, filter.Limit, filter.Offset)...)
	if err != nil {
		return nil, fmt.Errorf("querying security events: %w", err)
	}
	defer rows.Close()

	events := []Event{}
	for rows.Next() {
		e, err := scanEvent(rows)
		if err != nil {
			return nil, err
		}
		events = append(events, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating security events: %w", err)
	}

	return &ListResult{Events: events, Total: total, Limit: filter.Limit, Offset: filter.Offset}, nil
}

func scanEvent(rows *sql.Rows) (Event, error) {
	var e Event
	var eventType, riskLevel, createdAt string
	var userID, companyID, clientIP, userAgent, extra sql.NullString
	var success int

	if err := rows.Scan(&e.ID, &eventType, &riskLevel, &e.Description,
		&userID, &companyID, &clientIP, &userAgent, &success, &extra, &createdAt); err != nil {
		return Event{}, fmt.Errorf("scanning security event: %w", err)
	}

	e.Type = EventType(eventType)
	e.RiskLevel = Severity(riskLevel)
	e.UserID = userID.String
	e.CompanyID = companyID.String
	e.ClientIP = clientIP.String
	e.UserAgent = userAgent.String
	e.Success = success != 0
	if extra.Valid && extra.String != "" {
		var m map[string]any
		if json.Unmarshal([]byte(extra.String), &m) == nil {
			e.Extra = m
		}
	}

	t, err := time.Parse(timeLayout, createdAt)
	if err != nil {
		return Event{}, fmt.Errorf("parsing security event timestamp %q: %w", createdAt, err)
	}
	e.Timestamp = t
	return e, nil
}

// nullableString maps empty strings to NULL.
func nullableString(s string) any {
	if s == "" {
		return nil
	}
	return s
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
