// Package ratelimit implements per-subject fixed-window attempt counting for
// login, registration and generic API traffic.
//
// A tracker exists per (category, subject). Its window starts at the first
// recorded attempt and resets on the first attempt after it ends. A subject
// is blocked while its current window holds MaxAttempts attempts.
package ratelimit

import (
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/nerrad567/factory-guard/internal/infrastructure/config"
)

// Category selects a rule.
type Category string

// Rate-limit categories.
const (
	CategoryLogin        Category = "login"
	CategoryRegistration Category = "registration"
	CategoryAPI          Category = "api"

	// CategoryAll is accepted by Unblock only.
	CategoryAll Category = "ALL"
)

var (
	// ErrUnknownCategory is returned for categories with no configured rule.
	// Checks against an unknown category deny.
	ErrUnknownCategory = errors.New("ratelimit: unknown category")

	// ErrRateLimited is returned when the subject has exhausted its window.
	ErrRateLimited = errors.New("ratelimit: too many attempts")
)

// Rule is a (max attempts, window) pair.
type Rule struct {
	MaxAttempts int
	Window      time.Duration
}

// Tracker is the attempt history of one subject in one category.
type Tracker struct {
	WindowStart time.Time `json:"window_start"`
	LastAttempt time.Time `json:"last_attempt"`
	Attempts    int       `json:"attempts"`
	Failures    int       `json:"failures"`
}

type entry struct {
	mu      sync.Mutex
	t       Tracker
	removed bool
}

// Limiter holds the trackers for every category.
type Limiter struct {
	rules    map[Category]Rule
	trackers sync.Map // category|subject -> *entry
	now      func() time.Time
}

// New creates a limiter with the given rules.
func New(rules map[Category]Rule) *Limiter {
	r := make(map[Category]Rule, len(rules))
	for c, rule := range rules {
		r[c] = rule
	}
	return &Limiter{rules: r, now: time.Now}
}

// FromConfig builds the three standard categories from config.yaml.
func FromConfig(cfg config.RateLimitConfig) *Limiter {
	return New(map[Category]Rule{
		CategoryLogin:        {MaxAttempts: cfg.Login.MaxAttempts, Window: cfg.Login.Window},
		CategoryRegistration: {MaxAttempts: cfg.Registration.MaxAttempts, Window: cfg.Registration.Window},
		CategoryAPI:          {MaxAttempts: cfg.API.MaxAttempts, Window: cfg.API.Window},
	})
}

// SetClock replaces the time source. Tests only.
func (l *Limiter) SetClock(now func() time.Time) {
	l.now = now
}

// Rule returns the rule for a category.
func (l *Limiter) Rule(c Category) (Rule, bool) {
	r, ok := l.rules[c]
	return r, ok
}

func key(c Category, subject string) string {
	return string(c) + "|" + subject
}

// Check reports whether subject may make another attempt in category c.
// It returns ErrRateLimited when blocked and ErrUnknownCategory for an
// unconfigured category.
func (l *Limiter) Check(subject string, c Category) error {
	rule, ok := l.rules[c]
	if !ok {
		return fmt.Errorf("%w: %q", ErrUnknownCategory, c)
	}

	v, ok := l.trackers.Load(key(c, subject))
	if !ok {
		return nil
	}
	e := v.(*entry) //nolint:forcetypeassert // map holds only *entry
	now := l.now()

	e.mu.Lock()
	defer e.mu.Unlock()
	if e.removed || now.Sub(e.t.WindowStart) > rule.Window {
		return nil
	}
	if e.t.Attempts >= rule.MaxAttempts {
		return ErrRateLimited
	}
	return nil
}

// Allow is Check as a boolean. Unknown categories deny.
func (l *Limiter) Allow(subject string, c Category) bool {
	return l.Check(subject, c) == nil
}

// Record counts one attempt, starting a fresh window if the previous one
// has ended, and returns the updated tracker.
func (l *Limiter) Record(subject string, c Category, success bool) (Tracker, error) {
	t, _, err := l.update(subject, c, func(t *Tracker, _ Rule) bool {
		t.Attempts++
		if !success {
			t.Failures++
		}
		return true
	})
	return t, err
}

// Attempt checks and records in one step: when the subject is under its
// limit the attempt is counted and nil returned, otherwise nothing is
// counted and ErrRateLimited returned. Used for request-level throttling
// where every request is an attempt.
func (l *Limiter) Attempt(subject string, c Category) error {
	_, counted, err := l.update(subject, c, func(t *Tracker, rule Rule) bool {
		if t.Attempts >= rule.MaxAttempts {
			return false
		}
		t.Attempts++
		return true
	})
	if err != nil {
		return err
	}
	if !counted {
		return ErrRateLimited
	}
	return nil
}

// update applies fn to the live tracker for (c, subject) under its lock.
func (l *Limiter) update(subject string, c Category, fn func(*Tracker, Rule) bool) (Tracker, bool, error) {
	rule, ok := l.rules[c]
	if !ok {
		return Tracker{}, false, fmt.Errorf("%w: %q", ErrUnknownCategory, c)
	}
	k := key(c, subject)

	for {
		v, ok := l.trackers.Load(k)
		if !ok {
			v, _ = l.trackers.LoadOrStore(k, &entry{})
		}
		e := v.(*entry) //nolint:forcetypeassert // map holds only *entry
		now := l.now()

		e.mu.Lock()
		if e.removed {
			e.mu.Unlock()
			continue
		}
		if e.t.WindowStart.IsZero() || now.Sub(e.t.WindowStart) > rule.Window {
			e.t = Tracker{WindowStart: now}
		}
		applied := fn(&e.t, rule)
		if applied {
			e.t.LastAttempt = now
		}
		t := e.t
		e.mu.Unlock()
		return t, applied, nil
	}
}

// Snapshot returns the tracker for (subject, c) if one exists.
func (l *Limiter) Snapshot(subject string, c Category) (Tracker, bool) {
	v, ok := l.trackers.Load(key(c, subject))
	if !ok {
		return Tracker{}, false
	}
	e := v.(*entry) //nolint:forcetypeassert // map holds only *entry
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.removed {
		return Tracker{}, false
	}
	return e.t, true
}

// Sweep removes trackers whose window ended more than two windows ago and
// returns how many were removed.
func (l *Limiter) Sweep() int {
	now := l.now()
	removed := 0
	l.trackers.Range(func(k, v any) bool {
		cat, _, _ := strings.Cut(k.(string), "|") //nolint:forcetypeassert // keys are strings
		rule := l.rules[Category(cat)]
		e := v.(*entry) //nolint:forcetypeassert // map holds only *entry

		e.mu.Lock()
		windowEnd := e.t.WindowStart.Add(rule.Window)
		if now.Sub(windowEnd) > 2*rule.Window {
			e.removed = true
			l.trackers.CompareAndDelete(k, v)
			removed++
		}
		e.mu.Unlock()
		return true
	})
	return removed
}

// Unblock clears the trackers of subject in category c, or in every
// category when c is CategoryAll. It returns how many trackers were cleared.
func (l *Limiter) Unblock(subject string, c Category) (int, error) {
	var cats []Category
	if c == CategoryAll {
		for cat := range l.rules {
			cats = append(cats, cat)
		}
	} else {
		if _, ok := l.rules[c]; !ok {
			return 0, fmt.Errorf("%w: %q", ErrUnknownCategory, c)
		}
		cats = []Category{c}
	}

	cleared := 0
	for _, cat := range cats {
		k := key(cat, subject)
		v, ok := l.trackers.Load(k)
		if !ok {
			continue
		}
		e := v.(*entry) //nolint:forcetypeassert // map holds only *entry
		e.mu.Lock()
		if !e.removed {
			e.removed = true
			l.trackers.CompareAndDelete(k, v)
			cleared++
		}
		e.mu.Unlock()
	}
	return cleared, nil
}
