package audit

import (
	"context"
	"errors"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/nerrad567/factory-guard/internal/infrastructure/config"
	"github.com/nerrad567/factory-guard/internal/infrastructure/database"
	"github.com/nerrad567/factory-guard/migrations"
)

func testDB(t *testing.T) *database.DB {
	t.Helper()
	db, err := database.Open(config.DatabaseConfig{
		Path:        filepath.Join(t.TempDir(), "audit.db"),
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

func TestSQLiteRepository_RecordAndList(t *testing.T) {
	repo := NewSQLiteRepository(testDB(t).DB)
	ctx := t.Context()
	base := time.Date(2026, 3, 2, 10, 0, 0, 0, time.UTC)

	events := []Event{
		{Type: EventPermissionGranted, RiskLevel: SeverityLow, Description: "granted", UserID: "u-1", CompanyID: "acme", Success: true, Timestamp: base},
		{Type: EventPermissionDenied, RiskLevel: SeverityMedium, Description: "denied", UserID: "u-2", CompanyID: "acme", ClientIP: "10.0.0.5", Timestamp: base.Add(time.Minute)},
		{Type: EventRateLimitExceeded, RiskLevel: SeverityHigh, Description: "limited", ClientIP: "203.0.113.9", Timestamp: base.Add(2 * time.Minute),
			Extra: map[string]any{"category": "login"}},
	}
	for _, e := range events {
		if err := repo.Record(ctx, e); err != nil {
			t.Fatalf("Record() error = %v", err)
		}
	}

	all, err := repo.List(ctx, Filter{})
	if err != nil {
		t.Fatalf("List() error = %v", err)
	}
	if all.Total != 3 || len(all.Events) != 3 {
		t.Fatalf("List() total=%d len=%d, want 3", all.Total, len(all.Events))
	}
	if all.Events[0].Type != EventRateLimitExceeded {
		t.Errorf("first event = %s, want most recent first", all.Events[0].Type)
	}
	if all.Events[0].Extra["category"] != "login" {
		t.Errorf("extra = %v, want category=login", all.Events[0].Extra)
	}
	if !strings.HasPrefix(all.Events[0].ID, "sev-") {
		t.Errorf("ID = %q, want generated sev- prefix", all.Events[0].ID)
	}
	if !all.Events[2].Success || all.Events[2].UserID != "u-1" {
		t.Errorf("oldest event = %+v", all.Events[2])
	}

	denied, err := repo.List(ctx, Filter{Type: EventPermissionDenied})
	if err != nil {
		t.Fatalf("List(type) error = %v", err)
	}
	if denied.Total != 1 || denied.Events[0].ClientIP != "10.0.0.5" {
		t.Errorf("List(type) = %+v", denied)
	}

	recent, err := repo.List(ctx, Filter{CompanyID: "acme", Since: base.Add(30 * time.Second)})
	if err != nil {
		t.Fatalf("List(since) error = %v", err)
	}
	if recent.Total != 1 || recent.Events[0].UserID != "u-2" {
		t.Errorf("List(company, since) = %+v", recent)
	}

	page, err := repo.List(ctx, Filter{Limit: 1, Offset: 1})
	if err != nil {
		t.Fatalf("List(page) error = %v", err)
	}
	if page.Total != 3 || len(page.Events) != 1 || page.Events[0].Type != EventPermissionDenied {
		t.Errorf("List(page) = %+v", page)
	}
}

func TestSQLiteRepository_ListClampsLimit(t *testing.T) {
	repo := NewSQLiteRepository(testDB(t).DB)

	res, err := repo.List(t.Context(), Filter{Limit: 5000, Offset: -3})
	if err != nil {
		t.Fatalf("List() error = %v", err)
	}
	if res.Limit != 200 || res.Offset != 0 {
		t.Errorf("limit/offset = %d/%d, want 200/0", res.Limit, res.Offset)
	}
	if res.Events == nil {
		t.Error("Events should be empty slice, not nil")
	}
}

func TestFanout_TriesEverySink(t *testing.T) {
	first := NewMemory(4)
	last := NewMemory(4)
	failing := SinkFunc(func(context.Context, Event) error { return errors.New("disk full") })

	err := Fanout{first, failing, nil, last}.Record(t.Context(), Event{Type: EventPermissionDenied})
	if err == nil || !strings.Contains(err.Error(), "disk full") {
		t.Fatalf("Record() error = %v, want joined sink error", err)
	}
	if first.Count(EventPermissionDenied) != 1 || last.Count(EventPermissionDenied) != 1 {
		t.Error("every healthy sink should receive the event")
	}
	// Stamped once, so every sink sees the same ID.
	if first.Events()[0].ID != last.Events()[0].ID {
		t.Error("sinks received different event IDs")
	}
}

func TestMemory_RingKeepsNewest(t *testing.T) {
	m := NewMemory(3)
	for i := range 5 {
		_ = m.Record(t.Context(), Event{Type: EventPermissionGranted, Description: string(rune('a' + i))}) //nolint:errcheck // Memory never fails
	}

	got := m.Events()
	if len(got) != 3 {
		t.Fatalf("len = %d, want 3", len(got))
	}
	var desc string
	for _, e := range got {
		desc += e.Description
	}
	if desc != "cde" {
		t.Errorf("retained = %q, want cde", desc)
	}
}

func TestDispatcher_DeliversAndDrains(t *testing.T) {
	mem := NewMemory(64)
	d := NewDispatcher(mem, 16, nil)

	for range 10 {
		if err := d.Record(t.Context(), Event{Type: EventSuspiciousActivity}); err != nil {
			t.Fatalf("Record() error = %v", err)
		}
	}
	if err := d.Close(t.Context()); err != nil {
		t.Fatalf("Close() error = %v", err)
	}
	if got := mem.Count(EventSuspiciousActivity); got != 10 {
		t.Errorf("delivered = %d, want 10", got)
	}
	if err := d.Record(t.Context(), Event{}); !errors.Is(err, ErrDispatcherClosed) {
		t.Errorf("Record() after Close error = %v, want ErrDispatcherClosed", err)
	}
}

func TestDispatcher_DropsWhenFull(t *testing.T) {
	release := make(chan struct{})
	var once sync.Once
	started := make(chan struct{})
	blocking := SinkFunc(func(context.Context, Event) error {
		once.Do(func() { close(started) })
		<-release
		return nil
	})

	d := NewDispatcher(blocking, 1, nil)
	_ = d.Record(t.Context(), Event{}) //nolint:errcheck // picked up by worker
	<-started
	_ = d.Record(t.Context(), Event{}) //nolint:errcheck // fills the buffer

	if err := d.Record(t.Context(), Event{}); !errors.Is(err, ErrQueueFull) {
		t.Errorf("Record() error = %v, want ErrQueueFull", err)
	}
	if d.Dropped() != 1 {
		t.Errorf("Dropped() = %d, want 1", d.Dropped())
	}

	close(release)
	if err := d.Close(t.Context()); err != nil {
		t.Fatalf("Close() error = %v", err)
	}
}

type fakePublisher struct {
	mu       sync.Mutex
	topics   []string
	payloads [][]byte
	err      error
}

func (p *fakePublisher) Publish(topic string, payload []byte, _ byte, _ bool) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.topics = append(p.topics, topic)
	p.payloads = append(p.payloads, payload)
	return p.err
}

func TestAlertPublisher_FiltersBySeverity(t *testing.T) {
	pub := &fakePublisher{}
	a := NewAlertPublisher(pub, 1, 100, 100, SeverityHigh)
	ctx := t.Context()

	_ = a.Record(ctx, Event{Type: EventPermissionGranted, RiskLevel: SeverityLow, Success: true})      //nolint:errcheck // filtered
	_ = a.Record(ctx, Event{Type: EventPermissionDenied, RiskLevel: SeverityLow, Success: false})      //nolint:errcheck // failures always published
	_ = a.Record(ctx, Event{Type: EventRiskThresholdExceeded, RiskLevel: SeverityCritical, Success: true}) //nolint:errcheck // above threshold

	if len(pub.topics) != 2 {
		t.Fatalf("published %d alerts, want 2: %v", len(pub.topics), pub.topics)
	}
	if pub.topics[0] != "factoryguard/security/events/permission_denied" {
		t.Errorf("topic = %q", pub.topics[0])
	}
	if !strings.Contains(string(pub.payloads[1]), `"risk_level":"CRITICAL"`) {
		t.Errorf("payload = %s", pub.payloads[1])
	}
}

func TestAlertPublisher_Throttles(t *testing.T) {
	pub := &fakePublisher{}
	a := NewAlertPublisher(pub, 0, 0.001, 2, SeverityLow)

	for range 5 {
		if err := a.Record(t.Context(), Event{Type: EventRateLimitExceeded}); err != nil {
			t.Fatalf("Record() error = %v", err)
		}
	}
	if len(pub.topics) != 2 {
		t.Errorf("published = %d, want burst of 2", len(pub.topics))
	}
	if a.Suppressed() != 3 {
		t.Errorf("Suppressed() = %d, want 3", a.Suppressed())
	}
}

func TestAlertPublisher_WrapsPublishError(t *testing.T) {
	pub := &fakePublisher{err: errors.New("not connected")}
	a := NewAlertPublisher(pub, 0, 10, 10, SeverityLow)

	if err := a.Record(t.Context(), Event{Type: EventPermissionDenied}); err == nil {
		t.Error("Record() expected publish error")
	}
}

type fakePointWriter struct {
	measurement string
	tags        map[string]string
	fields      map[string]any
}

func (w *fakePointWriter) WritePoint(m string, tags map[string]string, fields map[string]any) {
	w.measurement, w.tags, w.fields = m, tags, fields
}

func TestTelemetry_WritesPoint(t *testing.T) {
	w := &fakePointWriter{}
	if err := NewTelemetry(w).Record(t.Context(), Event{Type: EventContextRestricted, RiskLevel: SeverityMedium, CompanyID: "acme"}); err != nil {
		t.Fatalf("Record() error = %v", err)
	}
	if w.measurement != "security_event" {
		t.Errorf("measurement = %q", w.measurement)
	}
	if w.tags["event_type"] != "context_restricted" || w.tags["risk_level"] != "MEDIUM" || w.tags["company_id"] != "acme" {
		t.Errorf("tags = %v", w.tags)
	}
	if w.fields["success"] != false {
		t.Errorf("fields = %v", w.fields)
	}
}
