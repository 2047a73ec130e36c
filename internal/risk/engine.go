package risk

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"

	"github.com/nerrad567/factory-guard/internal/audit"
	"github.com/nerrad567/factory-guard/internal/auth"
	"github.com/nerrad567/factory-guard/internal/infrastructure/config"
	"github.com/nerrad567/factory-guard/internal/tracking"
)

// ErrRiskAssessmentFailed marks a degraded assessment. It is never returned
// by Assess; it appears in the risk_assessment_failed event.
var ErrRiskAssessmentFailed = errors.New("risk assessment failed")

// DefaultScore is the score of a degraded assessment.
const DefaultScore = 75

// Assessment is the outcome of scoring one request.
type Assessment struct {
	UserID          string                     `json:"user_id"`
	CompanyID       string                     `json:"company_id"`
	Score           int                        `json:"score"`
	Level           Level                      `json:"level"`
	Factors         Factors                    `json:"factors"`
	Restriction     auth.ContextualRestriction `json:"restriction"`
	Recommendations []string                   `json:"recommendations"`
	Country         string                     `json:"country,omitempty"`
	DeviceTier      tracking.TrustTier         `json:"device_tier"`
	Degraded        bool                       `json:"degraded"`
	AssessedAt      time.Time                  `json:"assessed_at"`

	clientIP  string
	userAgent string
}

// Recorder receives every assessment, cached ones excepted.
type Recorder interface {
	RecordAssessment(a Assessment)
}

// Logger is the logging surface used by the engine.
type Logger interface {
	Warn(msg string, args ...any)
	Error(msg string, args ...any)
}

type noopLogger struct{}

func (noopLogger) Warn(string, ...any)  {}
func (noopLogger) Error(string, ...any) {}

// Engine scores requests. It is safe for concurrent use.
type Engine struct {
	devices   *tracking.DeviceTracker
	activity  *tracking.ActivityTracker
	nets      networks
	geo       geo
	templates Templates
	cache     *expirable.LRU[string, Assessment]
	ceilings  map[auth.Permission]int

	sink     audit.Sink
	recorder Recorder
	logger   Logger
	now      func() time.Time
	loc      *time.Location
}

// NewEngine builds an engine from the site and security configuration.
// devices and activity are shared with the rest of the core.
func NewEngine(cfg *config.Config, devices *tracking.DeviceTracker, activity *tracking.ActivityTracker) (*Engine, error) {
	vpn, err := parsePrefixes(cfg.Security.Risk.VPNRanges)
	if err != nil {
		return nil, fmt.Errorf("vpn ranges: %w", err)
	}
	anon, err := parsePrefixes(cfg.Security.Risk.AnonymizerRanges)
	if err != nil {
		return nil, fmt.Errorf("anonymizer ranges: %w", err)
	}
	table, err := NewPrefixTable(cfg.Security.Geo.Prefixes)
	if err != nil {
		return nil, err
	}
	business, err := BusinessHours(cfg.Security.WorkingHours)
	if err != nil {
		return nil, err
	}
	allow := make(map[string][]string, len(cfg.Security.Geo.AllowList))
	for company, countries := range cfg.Security.Geo.AllowList {
		allow[company] = upper(countries)
	}

	var cache *expirable.LRU[string, Assessment]
	if rc := cfg.Security.Risk; rc.CacheTTL > 0 && rc.CacheSize > 0 {
		cache = expirable.NewLRU[string, Assessment](rc.CacheSize, nil, rc.CacheTTL)
	}

	return &Engine{
		devices:  devices,
		activity: activity,
		nets:     networks{vpn: vpn, anonymizer: anon},
		geo: geo{
			resolver:    table,
			home:        strings.ToUpper(cfg.Site.HomeCountry),
			allowList:   allow,
			trustedList: upper(cfg.Security.Geo.TrustedCountries),
		},
		templates: Templates{Business: business},
		cache:     cache,
		ceilings:  defaultCeilings(),
		sink:      audit.Discard,
		logger:    noopLogger{},
		now:       time.Now,
		loc:       cfg.Location(),
	}, nil
}

// BusinessHours converts the configured working hours.
func BusinessHours(cfg config.WorkingHoursConfig) (auth.WorkingHours, error) {
	start, err := config.ParseClock(cfg.Start)
	if err != nil {
		return auth.WorkingHours{}, fmt.Errorf("working hours start: %w", err)
	}
	end, err := config.ParseClock(cfg.End)
	if err != nil {
		return auth.WorkingHours{}, fmt.Errorf("working hours end: %w", err)
	}
	wh := auth.WorkingHours{Start: start, End: end}
	for _, d := range cfg.Weekdays {
		wd, err := parseWeekday(d)
		if err != nil {
			return auth.WorkingHours{}, err
		}
		wh.Weekdays = append(wh.Weekdays, wd)
	}
	return wh, nil
}

func parseWeekday(s string) (time.Weekday, error) {
	key := strings.ToLower(strings.TrimSpace(s))
	for d := time.Sunday; d <= time.Saturday; d++ {
		name := strings.ToLower(d.String())
		if key == name || key == name[:3] {
			return d, nil
		}
	}
	return 0, fmt.Errorf("unknown weekday %q", s)
}

func upper(in []string) []string {
	out := make([]string, len(in))
	for i, s := range in {
		out[i] = strings.ToUpper(strings.TrimSpace(s))
	}
	return out
}

// SetSink sets where risk events are recorded.
func (e *Engine) SetSink(s audit.Sink) {
	if s != nil {
		e.sink = s
	}
}

// SetRecorder sets the assessment recorder.
func (e *Engine) SetRecorder(r Recorder) {
	e.recorder = r
}

// SetLogger sets the logger.
func (e *Engine) SetLogger(l Logger) {
	if l != nil {
		e.logger = l
	}
}

// SetClock overrides the time source.
func (e *Engine) SetClock(now func() time.Time) {
	e.now = now
}

// SetResolver replaces the prefix-table country resolver.
func (e *Engine) SetResolver(r CountryResolver) {
	if r != nil {
		e.geo.resolver = r
	}
}

// Templates returns the restriction templates in use.
func (e *Engine) Templates() Templates {
	return e.templates
}

// Location returns the site timezone.
func (e *Engine) Location() *time.Location {
	return e.loc
}

// Invalidate drops the cached assessment for a user.
func (e *Engine) Invalidate(userID string) {
	if e.cache != nil {
		e.cache.Remove(userID)
	}
}

func (e *Engine) cached(userID, companyID string, req auth.RequestContext) (Assessment, bool) {
	if e.cache == nil {
		return Assessment{}, false
	}
	c, ok := e.cache.Get(userID)
	if !ok || c.CompanyID != companyID || c.clientIP != req.ClientIP || c.userAgent != req.UserAgent {
		return Assessment{}, false
	}
	return c, true
}

// Assess scores a request. A cached assessment is reused while it is fresh
// and was made for the same company, IP and user agent. Assess never fails;
// see package documentation.
func (e *Engine) Assess(ctx context.Context, userID, companyID string, req auth.RequestContext) (a Assessment) {
	if c, ok := e.cached(userID, companyID, req); ok {
		return c
	}

	defer func() {
		if r := recover(); r != nil {
			a = e.degrade(ctx, userID, companyID, req, fmt.Errorf("%w: panic: %v", ErrRiskAssessmentFailed, r))
		}
	}()

	a, err := e.assess(ctx, userID, companyID, req)
	if err != nil {
		return e.degrade(ctx, userID, companyID, req, err)
	}

	if e.cache != nil {
		e.cache.Add(userID, a)
	}
	e.report(a)
	return a
}

func (e *Engine) assess(ctx context.Context, userID, companyID string, req auth.RequestContext) (Assessment, error) {
	if err := ctx.Err(); err != nil {
		return Assessment{}, fmt.Errorf("%w: %w", ErrRiskAssessmentFailed, err)
	}

	now := e.now()
	fp := e.devices.Observe(userID, req.UserAgent, req.ClientIP)
	country, resolved := e.geo.locate(req.ClientIP)

	f := Factors{
		Base:     e.nets.baseRisk(req),
		Time:     timeRisk(now.In(e.loc)),
		Device:   deviceRisk(fp.Tier),
		Location: e.geo.locationRisk(companyID, country, resolved),
		Behavior: behaviorRisk(e.activity.UniqueIPs(userID), e.activity.Snapshot(userID, req.ClientIP)),
	}

	score := f.Total()
	level := LevelFor(score)
	return Assessment{
		UserID:          userID,
		CompanyID:       companyID,
		Score:           score,
		Level:           level,
		Factors:         f,
		Restriction:     e.templates.For(level, userID, req, now),
		Recommendations: recommend(f, level, fp.Tier),
		Country:         country,
		DeviceTier:      fp.Tier,
		AssessedAt:      now,
		clientIP:        req.ClientIP,
		userAgent:       req.UserAgent,
	}, nil
}

// degrade returns the fixed HIGH assessment and audits the failure. It is
// not cached.
func (e *Engine) degrade(ctx context.Context, userID, companyID string, req auth.RequestContext, cause error) Assessment {
	now := e.now()
	a := Assessment{
		UserID:          userID,
		CompanyID:       companyID,
		Score:           DefaultScore,
		Level:           LevelHigh,
		Restriction:     e.templates.For(LevelHigh, userID, req, now),
		Recommendations: []string{"risk assessment unavailable, conservative restrictions applied"},
		Degraded:        true,
		AssessedAt:      now,
	}

	e.logger.Error("risk assessment failed", "user_id", userID, "company_id", companyID, "error", cause)
	e.audit(context.WithoutCancel(ctx), audit.Event{
		Type:        audit.EventRiskAssessmentFailed,
		RiskLevel:   audit.SeverityHigh,
		Description: cause.Error(),
		UserID:      userID,
		CompanyID:   companyID,
		ClientIP:    req.ClientIP,
		UserAgent:   req.UserAgent,
	})
	e.report(a)
	return a
}

func (e *Engine) report(a Assessment) {
	if e.recorder == nil {
		return
	}
	defer func() {
		if r := recover(); r != nil {
			e.logger.Error("assessment recorder panicked", "panic", r)
		}
	}()
	e.recorder.RecordAssessment(a)
}

func (e *Engine) audit(ctx context.Context, ev audit.Event) {
	if err := e.sink.Record(ctx, ev); err != nil {
		e.logger.Warn("recording security event failed", "event_type", string(ev.Type), "error", err)
	}
}

func recommend(f Factors, level Level, tier tracking.TrustTier) []string {
	var out []string
	if f.Base >= 15 {
		out = append(out, "verify the network origin and client software")
	}
	if f.Time > 0 {
		out = append(out, "access outside regular business hours")
	}
	if tier == tracking.TierUnknown {
		out = append(out, "register this device")
	}
	if f.Location >= 7 {
		out = append(out, "unfamiliar location, confirm identity")
	}
	if f.Behavior > 0 {
		out = append(out, "review recent failed sign-in attempts")
	}
	if level == LevelCritical {
		out = append(out, "require step-up authentication")
	}
	if out == nil {
		out = []string{}
	}
	return out
}
