// Package audit records security events produced by the access-control core.
//
// Every permission grant or denial, contextual restriction, risk assessment
// failure, suspicious-activity detection and rate-limit rejection becomes an
// Event handed to a Sink. Sinks are composable: the engine fans events out to
// the SQLite security_events table, the MQTT alert topic and InfluxDB through
// a non-blocking Dispatcher so a slow or failing sink never delays an access
// decision.
package audit

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// EventType names a security event.
type EventType string

// Security event types.
const (
	EventPermissionGranted     EventType = "permission_granted"
	EventPermissionDenied      EventType = "permission_denied"
	EventContextRestricted     EventType = "context_restricted"
	EventRiskAssessmentFailed  EventType = "risk_assessment_failed"
	EventRiskThresholdExceeded EventType = "risk_threshold_exceeded"
	EventSuspiciousActivity    EventType = "suspicious_activity"
	EventRateLimitExceeded     EventType = "rate_limit_exceeded"
	EventRoleChanged           EventType = "role_changed"
	EventKeyRotated            EventType = "key_rotated"
	EventInvitationConsumed    EventType = "invitation_consumed"
)

// Severity is the risk level attached to an event.
type Severity string

// Severities, ordered from least to most severe.
const (
	SeverityLow      Severity = "LOW"
	SeverityMedium   Severity = "MEDIUM"
	SeverityHigh     Severity = "HIGH"
	SeverityCritical Severity = "CRITICAL"
)

// Rank orders severities; unknown values rank lowest.
func (s Severity) Rank() int {
	switch s {
	case SeverityMedium:
		return 1
	case SeverityHigh:
		return 2
	case SeverityCritical:
		return 3
	default:
		return 0
	}
}

// Event is one structured security event.
type Event struct {
	ID          string         `json:"id"`
	Type        EventType      `json:"event_type"`
	RiskLevel   Severity       `json:"risk_level"`
	Description string         `json:"description"`
	UserID      string         `json:"user_id,omitempty"`
	CompanyID   string         `json:"company_id,omitempty"`
	ClientIP    string         `json:"client_ip,omitempty"`
	UserAgent   string         `json:"user_agent,omitempty"`
	Success     bool           `json:"success"`
	Timestamp   time.Time      `json:"timestamp"`
	Extra       map[string]any `json:"extra,omitempty"`
}

// stamp fills ID and Timestamp when the producer left them empty.
func (e *Event) stamp() {
	if e.ID == "" {
		e.ID = "sev-" + uuid.NewString()[:13]
	}
	if e.Timestamp.IsZero() {
		e.Timestamp = time.Now().UTC()
	}
	if e.RiskLevel == "" {
		e.RiskLevel = SeverityLow
	}
}

// Sink receives security events.
type Sink interface {
	Record(ctx context.Context, e Event) error
}

// SinkFunc adapts a function to Sink.
type SinkFunc func(ctx context.Context, e Event) error

// Record calls f.
func (f SinkFunc) Record(ctx context.Context, e Event) error {
	return f(ctx, e)
}

// Discard drops every event.
var Discard Sink = SinkFunc(func(context.Context, Event) error { return nil })

// Logger is the logging surface used by sinks.
type Logger interface {
	Warn(msg string, args ...any)
	Error(msg string, args ...any)
}

type noopLogger struct{}

func (noopLogger) Warn(string, ...any)  {}
func (noopLogger) Error(string, ...any) {}
