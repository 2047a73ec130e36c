package metrics

import (
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
)

func newTestMetrics(t *testing.T) *Metrics {
	t.Helper()
	return New(prometheus.NewRegistry())
}

// scrape returns the exposition text served by m.
func scrape(t *testing.T, m *Metrics) string {
	t.Helper()
	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("scrape status = %d", rec.Code)
	}
	b, err := io.ReadAll(rec.Body)
	if err != nil {
		t.Fatal(err)
	}
	return string(b)
}

func assertLine(t *testing.T, body, line string) {
	t.Helper()
	for _, l := range strings.Split(body, "\n") {
		if l == line {
			return
		}
	}
	t.Errorf("missing line %q", line)
}

func TestObserveDecision(t *testing.T) {
	m := newTestMetrics(t)

	m.ObserveDecision("view_dashboard", true, "")
	m.ObserveDecision("view_dashboard", false, "insufficient_role")
	m.ObserveDecision("view_dashboard", false, "insufficient_role")

	body := scrape(t, m)
	assertLine(t, body, `factoryguard_access_decisions_total{outcome="granted",permission="view_dashboard",reason=""} 1`)
	assertLine(t, body, `factoryguard_access_decisions_total{outcome="denied",permission="view_dashboard",reason="insufficient_role"} 2`)
}

func TestCounters(t *testing.T) {
	m := newTestMetrics(t)

	m.ObserveRisk("HIGH", 75, true)
	m.ObserveRisk("LOW", 0, false)
	m.RateLimited("login")
	m.KeyRotated()
	m.KeyRotated()
	m.Token("enterprise", TokenIssued)
	m.AuditEvent("permission_denied", "MEDIUM")

	body := scrape(t, m)
	for _, line := range []string{
		`factoryguard_risk_degraded_total 1`,
		`factoryguard_rate_limit_rejections_total{category="login"} 1`,
		`factoryguard_key_rotations_total 2`,
		`factoryguard_tokens_total{event="issued",kind="enterprise"} 1`,
		`factoryguard_audit_events_total{severity="MEDIUM",type="permission_denied"} 1`,
		`factoryguard_risk_score_count{level="HIGH"} 1`,
		`factoryguard_risk_score_sum{level="HIGH"} 75`,
		`factoryguard_risk_score_bucket{level="LOW",le="5"} 1`,
	} {
		assertLine(t, body, line)
	}
}

func TestInstrument_UsesRoutePattern(t *testing.T) {
	m := newTestMetrics(t)

	r := chi.NewRouter()
	r.Use(m.Instrument)
	r.Get("/things/{id}", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusTeapot)
	})

	for _, id := range []string{"a", "b", "c"} {
		r.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/things/"+id, nil))
	}
	r.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/nowhere", nil))

	body := scrape(t, m)
	assertLine(t, body, `factoryguard_http_requests_total{method="GET",route="/things/{id}",status="418"} 3`)
	assertLine(t, body, `factoryguard_http_requests_total{method="GET",route="unmatched",status="404"} 1`)
}
