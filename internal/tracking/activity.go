package tracking

import (
	"sync"
	"time"
)

// Activity is the windowed attempt history of one (user, IP) pair.
type Activity struct {
	UserID      string    `json:"user_id"`
	IP          string    `json:"ip"`
	WindowStart time.Time `json:"window_start"`
	LastAttempt time.Time `json:"last_attempt"`
	Attempts    int       `json:"attempts"`
	Failures    int       `json:"failures"`

	// DistinctIPs is the number of IPs the user was seen from in the window.
	DistinctIPs int `json:"distinct_ips"`
}

// FailureRate is Failures/Attempts, or 0 with no attempts.
func (a Activity) FailureRate() float64 {
	if a.Attempts == 0 {
		return 0
	}
	return float64(a.Failures) / float64(a.Attempts)
}

// Suspicious reports a brute-force pattern: a majority of failures over at
// least five attempts, or more than twenty attempts in one window.
func (a Activity) Suspicious() bool {
	return (a.Attempts >= 5 && a.FailureRate() > 0.5) || a.Attempts > 20
}

type activityEntry struct {
	mu      sync.Mutex
	a       Activity
	removed bool
}

type ipSet struct {
	mu      sync.Mutex
	seen    map[string]time.Time
	removed bool
}

// ActivityTracker accumulates attempt/failure counts per (user, IP) and the
// set of IPs each user has used.
type ActivityTracker struct {
	window time.Duration
	pairs  sync.Map // userID|ip -> *activityEntry
	users  sync.Map // userID -> *ipSet
	now    func() time.Time
}

// NewActivityTracker creates a tracker whose counters reset after window.
func NewActivityTracker(window time.Duration) *ActivityTracker {
	if window <= 0 {
		window = time.Hour
	}
	return &ActivityTracker{window: window, now: time.Now}
}

// SetClock replaces the time source. Tests only.
func (t *ActivityTracker) SetClock(now func() time.Time) {
	t.now = now
}

func pairKey(userID, ip string) string {
	return userID + "|" + ip
}

// Record counts one attempt and returns the updated activity.
func (t *ActivityTracker) Record(userID, ip string, success bool) Activity {
	now := t.now()
	distinct := t.touchIP(userID, ip, now)
	key := pairKey(userID, ip)

	for {
		v, ok := t.pairs.Load(key)
		if !ok {
			v, _ = t.pairs.LoadOrStore(key, &activityEntry{})
		}
		e := v.(*activityEntry) //nolint:forcetypeassert // map holds only *activityEntry

		e.mu.Lock()
		if e.removed {
			e.mu.Unlock()
			continue
		}
		if e.a.Attempts == 0 || now.Sub(e.a.WindowStart) > t.window {
			e.a = Activity{UserID: userID, IP: ip, WindowStart: now}
		}
		e.a.Attempts++
		if !success {
			e.a.Failures++
		}
		e.a.LastAttempt = now
		e.a.DistinctIPs = distinct
		a := e.a
		e.mu.Unlock()
		return a
	}
}

// Snapshot returns the current window for (user, IP) without recording.
// An expired window reads as empty.
func (t *ActivityTracker) Snapshot(userID, ip string) Activity {
	now := t.now()
	out := Activity{UserID: userID, IP: ip, DistinctIPs: t.UniqueIPs(userID)}

	v, ok := t.pairs.Load(pairKey(userID, ip))
	if !ok {
		return out
	}
	e := v.(*activityEntry) //nolint:forcetypeassert // map holds only *activityEntry
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.removed || now.Sub(e.a.WindowStart) > t.window {
		return out
	}
	a := e.a
	a.DistinctIPs = out.DistinctIPs
	return a
}

// UniqueIPs returns how many distinct IPs the user was seen from within the window.
func (t *ActivityTracker) UniqueIPs(userID string) int {
	v, ok := t.users.Load(userID)
	if !ok {
		return 0
	}
	s := v.(*ipSet) //nolint:forcetypeassert // map holds only *ipSet
	cutoff := t.now().Add(-t.window)

	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, seen := range s.seen {
		if !seen.Before(cutoff) {
			n++
		}
	}
	return n
}

func (t *ActivityTracker) touchIP(userID, ip string, now time.Time) int {
	cutoff := now.Add(-t.window)
	for {
		v, ok := t.users.Load(userID)
		if !ok {
			v, _ = t.users.LoadOrStore(userID, &ipSet{seen: make(map[string]time.Time)})
		}
		s := v.(*ipSet) //nolint:forcetypeassert // map holds only *ipSet

		s.mu.Lock()
		if s.removed {
			s.mu.Unlock()
			continue
		}
		s.seen[ip] = now
		n := 0
		for addr, seen := range s.seen {
			if seen.Before(cutoff) {
				delete(s.seen, addr)
				continue
			}
			n++
		}
		s.mu.Unlock()
		return n
	}
}

// Sweep drops expired windows and IP sets, returning the number of
// records removed.
func (t *ActivityTracker) Sweep() int {
	now := t.now()
	cutoff := now.Add(-t.window)
	removed := 0

	t.pairs.Range(func(k, v any) bool {
		e := v.(*activityEntry) //nolint:forcetypeassert // map holds only *activityEntry
		e.mu.Lock()
		if now.Sub(e.a.WindowStart) > t.window {
			e.removed = true
			t.pairs.CompareAndDelete(k, v)
			removed++
		}
		e.mu.Unlock()
		return true
	})

	t.users.Range(func(k, v any) bool {
		s := v.(*ipSet) //nolint:forcetypeassert // map holds only *ipSet
		s.mu.Lock()
		for addr, seen := range s.seen {
			if seen.Before(cutoff) {
				delete(s.seen, addr)
			}
		}
		if len(s.seen) == 0 {
			s.removed = true
			t.users.CompareAndDelete(k, v)
			removed++
		}
		s.mu.Unlock()
		return true
	})

	return removed
}
