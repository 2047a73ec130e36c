package engine

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/nerrad567/factory-guard/internal/audit"
	"github.com/nerrad567/factory-guard/internal/auth"
	"github.com/nerrad567/factory-guard/internal/ratelimit"
	"github.com/nerrad567/factory-guard/internal/tracking"
)

// LoginResult is the engine's view of one login attempt.
type LoginResult struct {
	Allowed    bool              `json:"allowed"`
	Remaining  int               `json:"remaining"`
	RetryAfter time.Duration     `json:"retry_after,omitempty"`
	Activity   tracking.Activity `json:"activity"`
	Suspicious bool              `json:"suspicious"`
}

// RecordLoginAttempt accounts for a login attempt the dashboard has just
// evaluated. While the client IP is over its login limit the attempt is
// rejected with ratelimit.ErrRateLimited and not counted. Otherwise it is
// counted against the IP and the (user, IP) activity window; crossing into
// a suspicious pattern is audited once per window.
func (e *Engine) RecordLoginAttempt(ctx context.Context, userID string, req auth.RequestContext, success bool) (LoginResult, error) {
	ip := req.ClientIP
	if err := e.limiter.Check(ip, ratelimit.CategoryLogin); err != nil {
		res := LoginResult{RetryAfter: e.RetryAfter(ip, ratelimit.CategoryLogin)}
		e.rateLimited(ctx, ratelimit.CategoryLogin, userID, req, err)
		return res, err
	}

	tr, err := e.limiter.Record(ip, ratelimit.CategoryLogin, success)
	if err != nil {
		return LoginResult{}, err
	}
	rule, _ := e.limiter.Rule(ratelimit.CategoryLogin)

	act := e.activity.Record(userID, ip, success)
	e.risk.Invalidate(userID)

	res := LoginResult{
		Allowed:    true,
		Remaining:  max(0, rule.MaxAttempts-tr.Attempts),
		Activity:   act,
		Suspicious: act.Suspicious(),
	}
	if res.Suspicious && !before(act, success).Suspicious() {
		e.audit(ctx, audit.Event{
			Type:      audit.EventSuspiciousActivity,
			RiskLevel: audit.SeverityHigh,
			Description: fmt.Sprintf("%d attempts, %d failed, from %d addresses",
				act.Attempts, act.Failures, act.DistinctIPs),
			UserID:    userID,
			ClientIP:  ip,
			UserAgent: req.UserAgent,
			Extra: map[string]any{
				"attempts":     act.Attempts,
				"failures":     act.Failures,
				"distinct_ips": act.DistinctIPs,
			},
		})
		e.log.Warn("suspicious login activity", "user_id", userID, "client_ip", ip, "attempts", act.Attempts)
	}
	return res, nil
}

// before reconstructs the window as it was before the attempt just counted.
func before(a tracking.Activity, success bool) tracking.Activity {
	a.Attempts--
	if !success {
		a.Failures--
	}
	return a
}

// CheckAPI counts one API request against the client IP.
func (e *Engine) CheckAPI(ctx context.Context, req auth.RequestContext) error {
	return e.attempt(ctx, ratelimit.CategoryAPI, "", req)
}

// CheckRegistration counts one registration (invitation redemption)
// against the client IP.
func (e *Engine) CheckRegistration(ctx context.Context, userID string, req auth.RequestContext) error {
	return e.attempt(ctx, ratelimit.CategoryRegistration, userID, req)
}

func (e *Engine) attempt(ctx context.Context, c ratelimit.Category, userID string, req auth.RequestContext) error {
	err := e.limiter.Attempt(req.ClientIP, c)
	if errors.Is(err, ratelimit.ErrRateLimited) {
		e.rateLimited(ctx, c, userID, req, err)
	}
	return err
}

// RetryAfter returns how long until the subject's window in c ends, or 0
// when the subject is not tracked.
func (e *Engine) RetryAfter(subject string, c ratelimit.Category) time.Duration {
	tr, ok := e.limiter.Snapshot(subject, c)
	rule, known := e.limiter.Rule(c)
	if !ok || !known {
		return 0
	}
	return max(0, tr.WindowStart.Add(rule.Window).Sub(e.now()))
}

func (e *Engine) rateLimited(ctx context.Context, c ratelimit.Category, userID string, req auth.RequestContext, err error) {
	e.metrics.RateLimited(string(c))
	severity := audit.SeverityMedium
	if c == ratelimit.CategoryAPI {
		severity = audit.SeverityLow
	}
	e.audit(ctx, audit.Event{
		Type:        audit.EventRateLimitExceeded,
		RiskLevel:   severity,
		Description: fmt.Sprintf("%s rate limit exceeded: %v", c, err),
		UserID:      userID,
		ClientIP:    req.ClientIP,
		UserAgent:   req.UserAgent,
		Extra:       map[string]any{"category": string(c)},
	})
}

// RateLimitStatus returns the subject's tracker in c.
func (e *Engine) RateLimitStatus(subject string, c ratelimit.Category) (ratelimit.Tracker, bool) {
	return e.limiter.Snapshot(subject, c)
}

// Unblock clears a subject's trackers in c, or in every category for
// ratelimit.CategoryAll.
func (e *Engine) Unblock(subject string, c ratelimit.Category) (int, error) {
	n, err := e.limiter.Unblock(subject, c)
	if err == nil && n > 0 {
		e.log.Info("rate limit cleared", "subject", subject, "category", string(c), "trackers", n)
	}
	return n, err
}
