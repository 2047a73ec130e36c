package keys

import (
	"context"
	"fmt"
	"io"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"github.com/nerrad567/factory-guard/internal/infrastructure/config"
)

// Policy controls retention of superseded keys.
type Policy struct {
	// RetainCount is how many superseded keys survive the count rule.
	RetainCount int
	// RetainFor is the age horizon for superseded keys.
	RetainFor time.Duration
	// MaxTokenTTL is the longest lifetime of anything sealed under a key.
	// A key is never pruned earlier than SupersededAt + MaxTokenTTL.
	MaxTokenTTL time.Duration
}

// PolicyFrom converts the key rotation configuration.
func PolicyFrom(cfg config.KeyRotationConfig) Policy {
	return Policy{RetainCount: cfg.RetainCount, RetainFor: cfg.RetainFor, MaxTokenTTL: cfg.MaxTokenTTL}
}

// Logger is the logging surface used by the manager.
type Logger interface {
	Info(msg string, args ...any)
	Error(msg string, args ...any)
}

type noopLogger struct{}

func (noopLogger) Info(string, ...any)  {}
func (noopLogger) Error(string, ...any) {}

// Manager owns the keystore.
type Manager struct {
	policy  Policy
	current atomic.Pointer[Key]
	ring    sync.Map   // key ID -> *Key, current included
	mu      sync.Mutex // serialises rotation and pruning

	now      func() time.Time
	rand     io.Reader
	logger   Logger
	onRotate func(previous, next *Key)
}

// Option configures a Manager at construction.
type Option func(*Manager)

// WithClock sets the time source, including for the initial key.
func WithClock(now func() time.Time) Option {
	return func(m *Manager) { m.now = now }
}

// WithRand sets the source of key material.
func WithRand(r io.Reader) Option {
	return func(m *Manager) { m.rand = r }
}

// NewManager creates a manager with a freshly generated current key.
func NewManager(policy Policy, opts ...Option) (*Manager, error) {
	m := &Manager{
		policy: policy,
		now:    time.Now,
		rand:   defaultRand,
		logger: noopLogger{},
	}
	for _, opt := range opts {
		opt(m)
	}
	k, err := generate(m.rand, m.now())
	if err != nil {
		return nil, err
	}
	m.current.Store(k)
	m.ring.Store(k.ID, k)
	return m, nil
}

// SetClock overrides the time source.
func (m *Manager) SetClock(now func() time.Time) {
	m.now = now
}

// SetLogger sets the logger.
func (m *Manager) SetLogger(l Logger) {
	if l != nil {
		m.logger = l
	}
}

// OnRotate registers a callback run after each successful rotation.
// Set it before the manager is shared.
func (m *Manager) OnRotate(fn func(previous, next *Key)) {
	m.onRotate = fn
}

// Current returns the key new tokens are sealed with.
func (m *Manager) Current() *Key {
	return m.current.Load()
}

// ByID returns the current or a retained key.
func (m *Manager) ByID(id string) (*Key, error) {
	v, ok := m.ring.Load(id)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrKeyNotFound, id)
	}
	return v.(*Key), nil //nolint:forcetypeassert // ring only holds *Key
}

// Keys returns the current key followed by retained keys, newest first.
func (m *Manager) Keys() []*Key {
	var out []*Key
	m.ring.Range(func(_, v any) bool {
		out = append(out, v.(*Key)) //nolint:forcetypeassert // ring only holds *Key
		return true
	})
	slices.SortFunc(out, func(a, b *Key) int {
		return b.GeneratedAt.Compare(a.GeneratedAt)
	})
	cur := m.Current()
	if i := slices.IndexFunc(out, func(k *Key) bool { return k.ID == cur.ID }); i > 0 {
		out = slices.Delete(out, i, i+1)
		out = slices.Insert(out, 0, cur)
	}
	return out
}

// Rotate replaces the current key and returns the new one.
func (m *Manager) Rotate() (*Key, error) {
	k, _, err := m.RotateFrom(m.Current())
	return k, err
}

// RotateFrom advances the keystore only if observed is still current.
// Callers racing on the same observed key produce exactly one rotation;
// the losers get the winner's key and advanced=false.
func (m *Manager) RotateFrom(observed *Key) (current *Key, advanced bool, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.now()
	next, err := generate(m.rand, now)
	if err != nil {
		return nil, false, err
	}
	if !m.current.CompareAndSwap(observed, next) {
		return m.current.Load(), false, nil
	}

	m.ring.Store(next.ID, next)
	m.ring.Store(observed.ID, observed.superseded(now))
	pruned := m.pruneLocked(now)

	m.logger.Info("signing key rotated",
		"previous", observed.ID,
		"current", next.ID,
		"pruned", pruned,
	)
	if m.onRotate != nil {
		m.onRotate(observed, next)
	}
	return next, true, nil
}

// Prune removes superseded keys no longer needed and returns how many.
func (m *Manager) Prune() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.pruneLocked(m.now())
}

// pruneLocked applies the retention rule. A superseded key goes when it was
// generated before the RetainFor horizon or ranks beyond RetainCount, but
// only once SupersededAt + MaxTokenTTL has passed. The current key stays.
func (m *Manager) pruneLocked(now time.Time) int {
	cur := m.current.Load()
	var old []*Key
	m.ring.Range(func(_, v any) bool {
		k := v.(*Key) //nolint:forcetypeassert // ring only holds *Key
		if k.ID != cur.ID {
			old = append(old, k)
		}
		return true
	})
	slices.SortFunc(old, func(a, b *Key) int {
		return b.GeneratedAt.Compare(a.GeneratedAt)
	})

	horizon := now.Add(-m.policy.RetainFor)
	removed := 0
	for i, k := range old {
		expendable := k.GeneratedAt.Before(horizon) || i >= m.policy.RetainCount
		drained := !now.Before(k.SupersededAt.Add(m.policy.MaxTokenTTL))
		if expendable && drained {
			m.ring.Delete(k.ID)
			removed++
		}
	}
	return removed
}

// Run rotates the key every interval until ctx is done.
func (m *Manager) Run(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		return
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := m.Rotate(); err != nil {
				m.logger.Error("scheduled key rotation failed", "error", err)
			}
		}
	}
}
