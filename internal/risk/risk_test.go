package risk

import (
	"context"
	"net/netip"
	"sync"
	"testing"
	"time"

	"github.com/nerrad567/factory-guard/internal/audit"
	"github.com/nerrad567/factory-guard/internal/auth"
	"github.com/nerrad567/factory-guard/internal/infrastructure/config"
	"github.com/nerrad567/factory-guard/internal/tracking"
)

const (
	browserUA   = "Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 Chrome/120.0 Safari/537.36"
	torExitIP   = "185.220.101.1"
	vpnIP       = "100.64.3.4"
	koreanIP    = "203.0.113.10"
	americanIP  = "198.51.100.10"
	brazilianIP = "192.0.2.10"
)

// wednesday 2026-10-14 at hour:00 UTC.
func wednesday(hour int) time.Time {
	return time.Date(2026, 10, 14, hour, 0, 0, 0, time.UTC)
}

type testClock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *testClock) Set(t time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = t
}

type countingRecorder struct {
	mu  sync.Mutex
	got []Assessment
}

func (r *countingRecorder) RecordAssessment(a Assessment) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.got = append(r.got, a)
}

func (r *countingRecorder) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.got)
}

type fixture struct {
	engine   *Engine
	devices  *tracking.DeviceTracker
	activity *tracking.ActivityTracker
	clock    *testClock
	sink     *audit.Memory
	recorder *countingRecorder
}

func testConfig() *config.Config {
	cfg := config.Default()
	cfg.Site.Timezone = "UTC"
	cfg.Site.HomeCountry = "KR"
	cfg.Security.Risk.CacheTTL = 0
	cfg.Security.Risk.VPNRanges = []string{"100.64.0.0/10"}
	cfg.Security.Risk.AnonymizerRanges = []string{"185.220.100.0/22"}
	cfg.Security.Geo.Prefixes = map[string]string{
		"203.0.113.0/24":  "KR",
		"198.51.100.0/24": "us",
		"192.0.2.0/24":    "BR",
	}
	cfg.Security.Geo.AllowList = map[string][]string{"c-br": {"br"}}
	return cfg
}

func newFixture(t *testing.T, cfg *config.Config) *fixture {
	t.Helper()
	clock := &testClock{t: wednesday(10)}
	devices := tracking.NewDeviceTracker()
	devices.SetClock(clock.Now)
	activity := tracking.NewActivityTracker(time.Hour)
	activity.SetClock(clock.Now)

	e, err := NewEngine(cfg, devices, activity)
	if err != nil {
		t.Fatalf("NewEngine: %v", err)
	}
	sink := audit.NewMemory(32)
	rec := &countingRecorder{}
	e.SetClock(clock.Now)
	e.SetSink(sink)
	e.SetRecorder(rec)
	return &fixture{engine: e, devices: devices, activity: activity, clock: clock, sink: sink, recorder: rec}
}

func TestFactors_TotalExactExamples(t *testing.T) {
	tests := []struct {
		name  string
		f     Factors
		score int
		level Level
	}{
		{"everything benign", Factors{}, 0, LevelLow},
		{"tor at night from unknown device", Factors{Base: 30, Time: 10, Device: 25, Location: 10, Behavior: 40}, 24, LevelMedium},
		{"all caps", Factors{Base: 50, Time: 10, Device: 25, Location: 10, Behavior: 40}, 30, LevelHigh},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.f.Total(); got != tt.score {
				t.Fatalf("Total() = %d, want %d", got, tt.score)
			}
			if got := LevelFor(tt.f.Total()); got != tt.level {
				t.Errorf("LevelFor(%d) = %s, want %s", tt.score, got, tt.level)
			}
		})
	}
}

func TestLevelFor_Boundaries(t *testing.T) {
	tests := []struct {
		score int
		want  Level
	}{
		{0, LevelLow}, {10, LevelLow}, {11, LevelMedium}, {25, LevelMedium},
		{26, LevelHigh}, {50, LevelHigh}, {51, LevelCritical}, {75, LevelCritical}, {100, LevelCritical},
	}
	for _, tt := range tests {
		if got := LevelFor(tt.score); got != tt.want {
			t.Errorf("LevelFor(%d) = %s, want %s", tt.score, got, tt.want)
		}
	}
}

func TestTimeRisk(t *testing.T) {
	tests := []struct {
		name string
		at   time.Time
		want int
	}{
		{"weekday business hours", wednesday(10), 0},
		{"weekday 22:59", time.Date(2026, 10, 14, 22, 59, 0, 0, time.UTC), 0},
		{"weekday 23:00", wednesday(23), 10},
		{"weekday 05:59", time.Date(2026, 10, 14, 5, 59, 0, 0, time.UTC), 10},
		{"weekday 06:00", wednesday(6), 0},
		{"saturday noon", time.Date(2026, 10, 17, 12, 0, 0, 0, time.UTC), 5},
		// Weekend takes priority: a weekend night scores 5, not 10.
		{"saturday 02:00", time.Date(2026, 10, 17, 2, 0, 0, 0, time.UTC), 5},
		{"sunday 23:30", time.Date(2026, 10, 18, 23, 30, 0, 0, time.UTC), 5},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := timeRisk(tt.at); got != tt.want {
				t.Errorf("timeRisk = %d, want %d", got, tt.want)
			}
		})
	}
}

func TestUserAgentRisk(t *testing.T) {
	tests := []struct {
		ua   string
		want int
	}{
		{"", 20},
		{"   ", 20},
		{"curl/8.4.0", 15},
		{"python-requests/2.31", 15},
		{"Mozilla/5.0 (compatible; Googlebot/2.1)", 15},
		{"Mozilla/5.0 HeadlessChrome/120.0", 15},
		{"FactoryTablet/3.2", 10},
		{browserUA, 0},
	}
	for _, tt := range tests {
		if got := userAgentRisk(tt.ua); got != tt.want {
			t.Errorf("userAgentRisk(%q) = %d, want %d", tt.ua, got, tt.want)
		}
	}
}

func TestBaseRisk(t *testing.T) {
	f := newFixture(t, testConfig())
	nets := f.engine.nets
	tests := []struct {
		name string
		req  auth.RequestContext
		want int
	}{
		{"private browser", auth.RequestContext{ClientIP: "10.1.2.3", UserAgent: browserUA}, 0},
		{"loopback script", auth.RequestContext{ClientIP: "127.0.0.1", UserAgent: "curl/8"}, 15},
		{"vpn browser", auth.RequestContext{ClientIP: vpnIP, UserAgent: browserUA}, 15},
		{"anonymizer browser", auth.RequestContext{ClientIP: torExitIP, UserAgent: browserUA}, 30},
		{"anonymizer no agent", auth.RequestContext{ClientIP: torExitIP}, 50},
		{"public unknown client", auth.RequestContext{ClientIP: americanIP, UserAgent: "FactoryTablet/3.2"}, 10},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := nets.baseRisk(tt.req); got != tt.want {
				t.Errorf("baseRisk = %d, want %d", got, tt.want)
			}
		})
	}
}

func TestLocationRisk(t *testing.T) {
	f := newFixture(t, testConfig())
	g := f.engine.geo
	tests := []struct {
		name, company, ip string
		want              int
	}{
		{"private is home", "c-1", "192.168.0.4", 0},
		{"home country", "c-1", koreanIP, 0},
		{"trusted country", "c-1", americanIP, 3},
		{"other country", "c-1", brazilianIP, 7},
		{"company allow-list", "c-br", brazilianIP, 0},
		{"unresolved", "c-1", torExitIP, 10},
		{"garbage", "c-1", "", 10},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cc, ok := g.locate(tt.ip)
			if got := g.locationRisk(tt.company, cc, ok); got != tt.want {
				t.Errorf("locationRisk(%s) = %d, want %d", tt.ip, got, tt.want)
			}
		})
	}
}

func TestBehaviorRisk(t *testing.T) {
	tests := []struct {
		name      string
		uniqueIPs int
		act       tracking.Activity
		want      int
	}{
		{"quiet", 1, tracking.Activity{}, 0},
		{"many ips", 4, tracking.Activity{}, 15},
		{"failing", 1, tracking.Activity{Attempts: 3, Failures: 1}, 15},
		{"failure rate at threshold", 1, tracking.Activity{Attempts: 10, Failures: 3}, 0},
		{"burst", 1, tracking.Activity{Attempts: 11}, 15},
		{"everything capped", 5, tracking.Activity{Attempts: 12, Failures: 12}, 40},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := behaviorRisk(tt.uniqueIPs, tt.act); got != tt.want {
				t.Errorf("behaviorRisk = %d, want %d", got, tt.want)
			}
		})
	}
}

func TestAssess_BenignRequestIsZeroLow(t *testing.T) {
	f := newFixture(t, testConfig())
	req := auth.RequestContext{ClientIP: "10.0.0.5", UserAgent: browserUA}

	// Age the device into the TRUSTED tier.
	start := wednesday(10).Add(-31 * 24 * time.Hour)
	f.clock.Set(start)
	for range 50 {
		f.devices.Observe("u-1", req.UserAgent, req.ClientIP)
	}
	f.clock.Set(wednesday(10))

	a := f.engine.Assess(t.Context(), "u-1", "c-1", req)
	if a.Score != 0 || a.Level != LevelLow || a.Degraded {
		t.Fatalf("assessment = %+v, want 0/LOW", a)
	}
	if a.DeviceTier != tracking.TierTrusted || a.Country != "KR" {
		t.Errorf("tier = %s, country = %q", a.DeviceTier, a.Country)
	}
	r := a.Restriction
	if r.WorkingHours != nil || r.AllowedIPs != nil || r.AllowedDevices != nil {
		t.Errorf("LOW restriction should only expire: %+v", r)
	}
	if !r.ValidUntil.Equal(wednesday(10).Add(24 * time.Hour)) {
		t.Errorf("ValidUntil = %s", r.ValidUntil)
	}
}

func TestAssess_HostileRequestIsTwentyFourMedium(t *testing.T) {
	f := newFixture(t, testConfig())
	f.clock.Set(wednesday(2))

	for range 11 {
		f.activity.Record("u-1", torExitIP, false)
	}
	for _, ip := range []string{"10.0.0.1", "10.0.0.2", "10.0.0.3"} {
		f.activity.Record("u-1", ip, true)
	}

	a := f.engine.Assess(t.Context(), "u-1", "c-1", auth.RequestContext{ClientIP: torExitIP, UserAgent: browserUA})
	want := Factors{Base: 30, Time: 10, Device: 25, Location: 10, Behavior: 40}
	if a.Factors != want {
		t.Fatalf("factors = %+v, want %+v", a.Factors, want)
	}
	if a.Score != 24 || a.Level != LevelMedium {
		t.Errorf("score = %d %s, want 24 MEDIUM", a.Score, a.Level)
	}
	if len(a.Recommendations) == 0 {
		t.Error("expected recommendations")
	}
	if f.recorder.count() != 1 {
		t.Errorf("recorded = %d, want 1", f.recorder.count())
	}
}

func TestAssess_CancelledContextDegradesToHigh(t *testing.T) {
	f := newFixture(t, testConfig())
	ctx, cancel := context.WithCancel(t.Context())
	cancel()

	a := f.engine.Assess(ctx, "u-1", "c-1", auth.RequestContext{ClientIP: "10.0.0.5", UserAgent: browserUA})
	if a.Score != DefaultScore || a.Level != LevelHigh || !a.Degraded {
		t.Fatalf("assessment = %+v, want degraded 75/HIGH", a)
	}
	if f.sink.Count(audit.EventRiskAssessmentFailed) != 1 {
		t.Error("failure must be audited")
	}
	if a.Restriction.WorkingHours == nil || !a.Restriction.ValidUntil.Equal(wednesday(10).Add(4*time.Hour)) {
		t.Errorf("degraded restriction should be the HIGH template: %+v", a.Restriction)
	}
}

type panickingResolver struct{}

func (panickingResolver) Country(netip.Addr) (string, bool) { panic("geo table corrupted") }

func TestAssess_PanicIsRecovered(t *testing.T) {
	f := newFixture(t, testConfig())
	f.engine.SetResolver(panickingResolver{})

	a := f.engine.Assess(t.Context(), "u-1", "c-1", auth.RequestContext{ClientIP: americanIP, UserAgent: browserUA})
	if !a.Degraded || a.Score != DefaultScore || a.Level != LevelHigh {
		t.Fatalf("assessment = %+v, want degraded", a)
	}
	if f.sink.Count(audit.EventRiskAssessmentFailed) != 1 {
		t.Error("panic must be audited")
	}
}

func TestAssess_CacheKeyedByUserAndContext(t *testing.T) {
	cfg := testConfig()
	cfg.Security.Risk.CacheTTL = time.Minute
	cfg.Security.Risk.CacheSize = 16
	f := newFixture(t, cfg)
	req := auth.RequestContext{ClientIP: "10.0.0.5", UserAgent: browserUA}

	first := f.engine.Assess(t.Context(), "u-1", "c-1", req)
	second := f.engine.Assess(t.Context(), "u-1", "c-1", req)
	if f.recorder.count() != 1 || !first.AssessedAt.Equal(second.AssessedAt) {
		t.Fatalf("second call should be served from cache (recorded %d)", f.recorder.count())
	}

	f.engine.Assess(t.Context(), "u-1", "c-1", auth.RequestContext{ClientIP: "10.0.0.6", UserAgent: browserUA})
	f.engine.Assess(t.Context(), "u-1", "c-2", req)
	if f.recorder.count() != 3 {
		t.Errorf("changed context must reassess, recorded %d", f.recorder.count())
	}

	f.engine.Invalidate("u-1")
	f.engine.Assess(t.Context(), "u-1", "c-2", req)
	if f.recorder.count() != 4 {
		t.Errorf("invalidate must drop the entry, recorded %d", f.recorder.count())
	}
}

func TestTemplates(t *testing.T) {
	business, err := BusinessHours(config.Default().Security.WorkingHours)
	if err != nil {
		t.Fatal(err)
	}
	tpl := Templates{Business: business}
	now := wednesday(10)
	req := auth.RequestContext{ClientIP: americanIP, UserAgent: browserUA}

	crit := tpl.For(LevelCritical, "u-1", req, now)
	if len(crit.AllowedIPs) != 1 || crit.AllowedIPs[0] != americanIP {
		t.Errorf("CRITICAL ips = %v", crit.AllowedIPs)
	}
	if len(crit.AllowedDevices) != 1 || crit.AllowedDevices[0] != tracking.FingerprintID("u-1", browserUA, americanIP) {
		t.Errorf("CRITICAL devices = %v", crit.AllowedDevices)
	}
	if crit.WorkingHours.String() != "09:00-18:00" || len(crit.WorkingHours.Weekdays) != 5 {
		t.Errorf("CRITICAL hours = %s %v", crit.WorkingHours, crit.WorkingHours.Weekdays)
	}
	if !crit.ValidUntil.Equal(now.Add(time.Hour)) {
		t.Errorf("CRITICAL ValidUntil = %s", crit.ValidUntil)
	}
	if err := crit.Check("u-1", req, now); err != nil {
		t.Errorf("CRITICAL template must admit the request it was derived from: %v", err)
	}

	high := tpl.For(LevelHigh, "u-1", req, now)
	if high.WorkingHours.String() != "07:00-22:00" || !high.ValidUntil.Equal(now.Add(4*time.Hour)) {
		t.Errorf("HIGH = %s until %s", high.WorkingHours, high.ValidUntil)
	}
	medium := tpl.For(LevelMedium, "u-1", req, now)
	if medium.WorkingHours.String() != "06:00-23:00" || !medium.ValidUntil.Equal(now.Add(8*time.Hour)) {
		t.Errorf("MEDIUM = %s until %s", medium.WorkingHours, medium.ValidUntil)
	}
}

func TestIsRiskAcceptable(t *testing.T) {
	f := newFixture(t, testConfig())
	f.clock.Set(wednesday(2))
	for range 11 {
		f.activity.Record("u-1", torExitIP, false)
	}
	for _, ip := range []string{"10.0.0.1", "10.0.0.2", "10.0.0.3"} {
		f.activity.Record("u-1", ip, true)
	}
	req := auth.RequestContext{ClientIP: torExitIP, UserAgent: browserUA}

	if !f.engine.IsRiskAcceptable(t.Context(), "u-1", "c-1", auth.PermDashboardView, req) {
		t.Error("score 24 should be acceptable for dashboard:view")
	}
	if f.engine.IsRiskAcceptable(t.Context(), "u-1", "c-1", auth.PermRoleAssign, req) {
		t.Error("score 24 should exceed the role:assign ceiling")
	}
	if n := f.sink.Count(audit.EventRiskThresholdExceeded); n != 1 {
		t.Errorf("threshold events = %d, want 1", n)
	}

	ctx, cancel := context.WithCancel(t.Context())
	cancel()
	if f.engine.IsRiskAcceptable(ctx, "u-2", "c-1", auth.PermDashboardView, req) {
		t.Error("a degraded assessment must not be acceptable")
	}
}

func TestCeilingsDecreaseWithPrivilege(t *testing.T) {
	f := newFixture(t, testConfig())
	for _, p := range auth.AllPermissions {
		for _, q := range auth.AllPermissions {
			pr, _ := p.MinimumRole()
			qr, _ := q.MinimumRole()
			if pr.Dominates(qr) && f.engine.Ceiling(p) > f.engine.Ceiling(q) {
				t.Errorf("ceiling(%s)=%d > ceiling(%s)=%d", p, f.engine.Ceiling(p), q, f.engine.Ceiling(q))
			}
		}
	}
	if f.engine.Ceiling(auth.Permission("nope")) != 0 {
		t.Error("unknown permission ceiling should be 0")
	}
}
