// Package restriction derives contextual restrictions from risk
// assessments and keeps the active restriction per user and company.
package restriction

import (
	"context"
	"slices"
	"sync"
	"time"

	"github.com/nerrad567/factory-guard/internal/auth"
	"github.com/nerrad567/factory-guard/internal/risk"
)

// Assessor scores a request.
type Assessor interface {
	Assess(ctx context.Context, userID, companyID string, req auth.RequestContext) risk.Assessment
}

// Engine holds active restrictions. Expired restrictions are void and are
// dropped the next time they are read.
type Engine struct {
	assessor Assessor
	active   sync.Map // "user\x00company" -> *auth.ContextualRestriction
	now      func() time.Time
}

// New creates a restriction engine backed by assessor.
func New(assessor Assessor) *Engine {
	return &Engine{assessor: assessor, now: time.Now}
}

// SetClock overrides the time source.
func (e *Engine) SetClock(now func() time.Time) {
	e.now = now
}

func key(userID, companyID string) string {
	return userID + "\x00" + companyID
}

// Derive assesses the request and returns the restriction its risk level
// calls for, pinned to the request's IP and device where the level
// requires it. Nothing is stored.
func (e *Engine) Derive(ctx context.Context, userID, companyID string, req auth.RequestContext) (auth.ContextualRestriction, risk.Assessment) {
	a := e.assessor.Assess(ctx, userID, companyID, req)
	return a.Restriction, a
}

// DeriveAndApply derives a restriction and makes it active.
func (e *Engine) DeriveAndApply(ctx context.Context, userID, companyID string, req auth.RequestContext) (auth.ContextualRestriction, risk.Assessment) {
	r, a := e.Derive(ctx, userID, companyID, req)
	e.Apply(userID, companyID, r)
	return r, a
}

// Apply makes r the active restriction, replacing any previous one.
func (e *Engine) Apply(userID, companyID string, r auth.ContextualRestriction) {
	stored := clone(r)
	e.active.Store(key(userID, companyID), &stored)
}

// Active returns the restriction in force. An expired restriction is
// removed and reported as absent.
func (e *Engine) Active(userID, companyID string) (auth.ContextualRestriction, bool) {
	k := key(userID, companyID)
	v, ok := e.active.Load(k)
	if !ok {
		return auth.ContextualRestriction{}, false
	}
	r := v.(*auth.ContextualRestriction) //nolint:forcetypeassert // map only holds *ContextualRestriction
	if r.Expired(e.now()) {
		e.active.CompareAndDelete(k, v)
		return auth.ContextualRestriction{}, false
	}
	return clone(*r), true
}

// Clear removes the restriction. It reports whether one was present.
func (e *Engine) Clear(userID, companyID string) bool {
	_, loaded := e.active.LoadAndDelete(key(userID, companyID))
	return loaded
}

// Sweep drops every expired restriction and returns how many it removed.
func (e *Engine) Sweep() int {
	now := e.now()
	removed := 0
	e.active.Range(func(k, v any) bool {
		if v.(*auth.ContextualRestriction).Expired(now) && e.active.CompareAndDelete(k, v) { //nolint:forcetypeassert // map only holds *ContextualRestriction
			removed++
		}
		return true
	})
	return removed
}

func clone(r auth.ContextualRestriction) auth.ContextualRestriction {
	out := r
	out.AllowedIPs = slices.Clone(r.AllowedIPs)
	out.AllowedDevices = slices.Clone(r.AllowedDevices)
	if r.WorkingHours != nil {
		wh := *r.WorkingHours
		wh.Weekdays = slices.Clone(wh.Weekdays)
		out.WorkingHours = &wh
	}
	return out
}
