package tracking

import (
	"crypto/sha256"
	"encoding/hex"
	"sync"
	"time"
)

// TrustTier classifies a device by usage history.
type TrustTier int

// Trust tiers, least trusted first.
const (
	TierUnknown TrustTier = iota
	TierRecognized
	TierFamiliar
	TierTrusted
)

func (t TrustTier) String() string {
	switch t {
	case TierRecognized:
		return "RECOGNIZED"
	case TierFamiliar:
		return "FAMILIAR"
	case TierTrusted:
		return "TRUSTED"
	default:
		return "UNKNOWN"
	}
}

// MarshalText renders the tier name in JSON.
func (t TrustTier) MarshalText() ([]byte, error) {
	return []byte(t.String()), nil
}

// Classify applies the tier thresholds, most trusted first.
func Classify(usageDays, accessCount int) TrustTier {
	switch {
	case usageDays >= 30 && accessCount >= 50:
		return TierTrusted
	case usageDays >= 7 && accessCount >= 10:
		return TierFamiliar
	case usageDays >= 1 && accessCount >= 3:
		return TierRecognized
	default:
		return TierUnknown
	}
}

// FingerprintID derives the device key from user, user agent and IP.
func FingerprintID(userID, userAgent, ip string) string {
	sum := sha256.Sum256([]byte(userID + "|" + userAgent + "|" + ip))
	return hex.EncodeToString(sum[:])
}

// Fingerprint is the usage history of one (user, user agent, IP) device.
type Fingerprint struct {
	ID          string    `json:"id"`
	UserID      string    `json:"user_id"`
	UserAgent   string    `json:"user_agent"`
	FirstIP     string    `json:"first_ip"`
	FirstSeen   time.Time `json:"first_seen"`
	LastSeen    time.Time `json:"last_seen"`
	AccessCount int       `json:"access_count"`
	Tier        TrustTier `json:"tier"`
}

// UsageDays is the number of whole days between first sighting and now.
func (f Fingerprint) UsageDays(now time.Time) int {
	d := now.Sub(f.FirstSeen)
	if d < 0 {
		return 0
	}
	return int(d / (24 * time.Hour))
}

type deviceEntry struct {
	mu      sync.Mutex
	fp      Fingerprint
	removed bool
}

// DeviceTracker records device sightings and classifies them.
type DeviceTracker struct {
	entries sync.Map // fingerprint ID -> *deviceEntry
	now     func() time.Time
}

// NewDeviceTracker creates an empty tracker.
func NewDeviceTracker() *DeviceTracker {
	return &DeviceTracker{now: time.Now}
}

// SetClock replaces the time source. Tests only.
func (d *DeviceTracker) SetClock(now func() time.Time) {
	d.now = now
}

// Observe records one sighting and returns the updated fingerprint.
// The first sighting creates the fingerprint as UNKNOWN. A device's tier
// never decreases.
func (d *DeviceTracker) Observe(userID, userAgent, ip string) Fingerprint {
	id := FingerprintID(userID, userAgent, ip)
	now := d.now()

	for {
		v, ok := d.entries.Load(id)
		if !ok {
			v, _ = d.entries.LoadOrStore(id, &deviceEntry{})
		}
		e := v.(*deviceEntry) //nolint:forcetypeassert // map holds only *deviceEntry

		e.mu.Lock()
		if e.removed {
			e.mu.Unlock()
			continue
		}

		if e.fp.AccessCount == 0 {
			e.fp = Fingerprint{
				ID:          id,
				UserID:      userID,
				UserAgent:   userAgent,
				FirstIP:     ip,
				FirstSeen:   now,
				LastSeen:    now,
				AccessCount: 1,
				Tier:        TierUnknown,
			}
		} else {
			e.fp.AccessCount++
			if now.After(e.fp.LastSeen) {
				e.fp.LastSeen = now
			}
			if tier := Classify(e.fp.UsageDays(now), e.fp.AccessCount); tier > e.fp.Tier {
				e.fp.Tier = tier
			}
		}
		fp := e.fp
		e.mu.Unlock()
		return fp
	}
}

// Lookup returns the fingerprint without recording a sighting.
func (d *DeviceTracker) Lookup(userID, userAgent, ip string) (Fingerprint, bool) {
	v, ok := d.entries.Load(FingerprintID(userID, userAgent, ip))
	if !ok {
		return Fingerprint{}, false
	}
	e := v.(*deviceEntry) //nolint:forcetypeassert // map holds only *deviceEntry
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.removed || e.fp.AccessCount == 0 {
		return Fingerprint{}, false
	}
	return e.fp, true
}

// Sweep evicts fingerprints not seen for longer than idle and returns how
// many were removed.
func (d *DeviceTracker) Sweep(idle time.Duration) int {
	cutoff := d.now().Add(-idle)
	removed := 0
	d.entries.Range(func(k, v any) bool {
		e := v.(*deviceEntry) //nolint:forcetypeassert // map holds only *deviceEntry
		e.mu.Lock()
		if e.fp.AccessCount > 0 && e.fp.LastSeen.Before(cutoff) {
			e.removed = true
			d.entries.CompareAndDelete(k, v)
			removed++
		}
		e.mu.Unlock()
		return true
	})
	return removed
}
