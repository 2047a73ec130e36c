// Package metrics exposes Factory Guard counters and histograms in the
// Prometheus format.
//
// Collectors are registered on an injectable registry rather than the
// global default, so tests and multiple engines in one process do not
// collide.
//
// # Exposed series
//
//	factoryguard_access_decisions_total{permission,outcome,reason}
//	factoryguard_risk_score{level}                  (histogram)
//	factoryguard_risk_degraded_total
//	factoryguard_rate_limit_rejections_total{category}
//	factoryguard_key_rotations_total
//	factoryguard_tokens_total{kind,event}
//	factoryguard_audit_events_total{type,severity}
//	factoryguard_http_requests_total{method,route,status}
//	factoryguard_http_request_duration_seconds{method,route}
//
// # Usage
//
//	m := metrics.New(prometheus.NewRegistry())
//	m.ObserveDecision("view_dashboard", false, "insufficient_role")
//	r.Handle("/metrics", m.Handler())
package metrics
