package ratelimit

import (
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/nerrad567/factory-guard/internal/infrastructure/config"
)

type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.t = c.t.Add(d)
	c.mu.Unlock()
}

func newTestLimiter(t *testing.T) (*Limiter, *fakeClock) {
	t.Helper()
	clock := &fakeClock{t: time.Date(2026, 3, 2, 10, 0, 0, 0, time.UTC)}
	l := FromConfig(config.RateLimitConfig{
		Login:        config.RateLimitRule{MaxAttempts: 5, Window: 15 * time.Minute},
		Registration: config.RateLimitRule{MaxAttempts: 3, Window: time.Hour},
		API:          config.RateLimitRule{MaxAttempts: 4, Window: time.Minute},
	})
	l.SetClock(clock.Now)
	return l, clock
}

func TestLimiter_BlocksAtMaxAndReopensAfterWindow(t *testing.T) {
	l, clock := newTestLimiter(t)
	const ip = "203.0.113.7"

	if !l.Allow(ip, CategoryLogin) {
		t.Fatal("unknown subject should be allowed")
	}
	for i := range 5 {
		if !l.Allow(ip, CategoryLogin) {
			t.Fatalf("attempt %d blocked early", i+1)
		}
		if _, err := l.Record(ip, CategoryLogin, false); err != nil {
			t.Fatalf("Record() error = %v", err)
		}
	}

	if l.Allow(ip, CategoryLogin) {
		t.Fatal("Allow() = true after maxAttempts failures")
	}
	if err := l.Check(ip, CategoryLogin); !errors.Is(err, ErrRateLimited) {
		t.Errorf("Check() error = %v, want ErrRateLimited", err)
	}

	clock.Advance(15*time.Minute + time.Second)
	if !l.Allow(ip, CategoryLogin) {
		t.Fatal("Allow() = false after window elapsed")
	}

	tr, _ := l.Record(ip, CategoryLogin, true)
	if tr.Attempts != 1 || tr.Failures != 0 {
		t.Errorf("tracker after roll = %+v, want fresh window", tr)
	}
}

func TestLimiter_CategoriesAreIndependent(t *testing.T) {
	l, _ := newTestLimiter(t)
	for range 3 {
		l.Record("10.0.0.1", CategoryRegistration, false) //nolint:errcheck // known category
	}
	if l.Allow("10.0.0.1", CategoryRegistration) {
		t.Error("registration should be blocked")
	}
	if !l.Allow("10.0.0.1", CategoryLogin) {
		t.Error("login must not share the registration tracker")
	}
	if !l.Allow("10.0.0.2", CategoryRegistration) {
		t.Error("other subjects must not be blocked")
	}
}

func TestLimiter_UnknownCategoryFailsClosed(t *testing.T) {
	l, _ := newTestLimiter(t)

	if l.Allow("10.0.0.1", "password_reset") {
		t.Error("Allow() for unknown category should deny")
	}
	if _, err := l.Record("10.0.0.1", "password_reset", false); !errors.Is(err, ErrUnknownCategory) {
		t.Errorf("Record() error = %v, want ErrUnknownCategory", err)
	}
	if _, err := l.Unblock("10.0.0.1", "password_reset"); !errors.Is(err, ErrUnknownCategory) {
		t.Errorf("Unblock() error = %v, want ErrUnknownCategory", err)
	}
}

func TestLimiter_Attempt(t *testing.T) {
	l, clock := newTestLimiter(t)

	for i := range 4 {
		if err := l.Attempt("10.0.0.1", CategoryAPI); err != nil {
			t.Fatalf("Attempt %d error = %v", i+1, err)
		}
	}
	if err := l.Attempt("10.0.0.1", CategoryAPI); !errors.Is(err, ErrRateLimited) {
		t.Fatalf("5th Attempt error = %v, want ErrRateLimited", err)
	}
	if tr, _ := l.Snapshot("10.0.0.1", CategoryAPI); tr.Attempts != 4 {
		t.Errorf("rejected attempts must not be counted: %+v", tr)
	}

	clock.Advance(61 * time.Second)
	if err := l.Attempt("10.0.0.1", CategoryAPI); err != nil {
		t.Errorf("Attempt after window error = %v", err)
	}
}

func TestLimiter_ConcurrentRecordsAreAllCounted(t *testing.T) {
	l := New(map[Category]Rule{CategoryLogin: {MaxAttempts: 1000, Window: time.Hour}})

	var wg sync.WaitGroup
	for range 100 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			l.Record("10.0.0.1", CategoryLogin, false) //nolint:errcheck // known category
		}()
	}
	wg.Wait()

	tr, ok := l.Snapshot("10.0.0.1", CategoryLogin)
	if !ok || tr.Attempts != 100 || tr.Failures != 100 {
		t.Errorf("Snapshot() = %+v, %v, want 100/100", tr, ok)
	}
}

func TestLimiter_ConcurrentAttemptsNeverExceedMax(t *testing.T) {
	l := New(map[Category]Rule{CategoryAPI: {MaxAttempts: 10, Window: time.Hour}})

	var wg sync.WaitGroup
	var mu sync.Mutex
	admitted := 0
	for range 50 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if l.Attempt("10.0.0.1", CategoryAPI) == nil {
				mu.Lock()
				admitted++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	if admitted != 10 {
		t.Errorf("admitted = %d, want exactly 10", admitted)
	}
}

func TestLimiter_Sweep(t *testing.T) {
	l, clock := newTestLimiter(t)

	l.Record("old", CategoryLogin, false) //nolint:errcheck // known category
	// Window ends at +15m; the tracker is kept until 2x window after that.
	clock.Advance(15*time.Minute + 30*time.Minute)
	l.Record("new", CategoryLogin, false) //nolint:errcheck // known category

	if n := l.Sweep(); n != 0 {
		t.Fatalf("Sweep() at exactly 2x window = %d, want 0", n)
	}

	clock.Advance(time.Second)
	if n := l.Sweep(); n != 1 {
		t.Fatalf("Sweep() = %d, want 1", n)
	}
	if _, ok := l.Snapshot("old", CategoryLogin); ok {
		t.Error("stale tracker survived sweep")
	}
	if _, ok := l.Snapshot("new", CategoryLogin); !ok {
		t.Error("live tracker swept")
	}
}

func TestLimiter_Unblock(t *testing.T) {
	l, _ := newTestLimiter(t)
	for range 5 {
		l.Record("10.0.0.1", CategoryLogin, false)        //nolint:errcheck // known category
		l.Record("10.0.0.1", CategoryRegistration, false) //nolint:errcheck // known category
	}

	n, err := l.Unblock("10.0.0.1", CategoryLogin)
	if err != nil || n != 1 {
		t.Fatalf("Unblock(login) = %d, %v", n, err)
	}
	if !l.Allow("10.0.0.1", CategoryLogin) {
		t.Error("login still blocked after Unblock")
	}
	if l.Allow("10.0.0.1", CategoryRegistration) {
		t.Error("registration should remain blocked")
	}

	if n, _ := l.Unblock("10.0.0.1", CategoryAll); n != 1 {
		t.Errorf("Unblock(ALL) = %d, want 1", n)
	}
	if !l.Allow("10.0.0.1", CategoryRegistration) {
		t.Error("registration still blocked after Unblock(ALL)")
	}
}
