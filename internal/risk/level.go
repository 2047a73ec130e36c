package risk

import (
	"time"

	"github.com/nerrad567/factory-guard/internal/audit"
	"github.com/nerrad567/factory-guard/internal/auth"
)

// Level is a coarse security level derived from a risk score.
type Level string

// Security levels, least to most severe.
const (
	LevelLow      Level = "LOW"
	LevelMedium   Level = "MEDIUM"
	LevelHigh     Level = "HIGH"
	LevelCritical Level = "CRITICAL"
)

// LevelFor buckets a score: <=10 LOW, <=25 MEDIUM, <=50 HIGH, else CRITICAL.
func LevelFor(score int) Level {
	switch {
	case score <= 10:
		return LevelLow
	case score <= 25:
		return LevelMedium
	case score <= 50:
		return LevelHigh
	default:
		return LevelCritical
	}
}

// Severity maps the level onto the audit severity scale.
func (l Level) Severity() audit.Severity {
	return audit.Severity(l)
}

// Template validity per level.
const (
	criticalValidity = time.Hour
	highValidity     = 4 * time.Hour
	mediumValidity   = 8 * time.Hour
	lowValidity      = 24 * time.Hour
)

const minutesPerDay = 24 * 60

// Templates builds the restriction each level imposes, relative to a
// business-hours window.
type Templates struct {
	Business auth.WorkingHours
}

// Extended is the HIGH window: two hours before business start to four
// hours after business end, every day.
func (t Templates) Extended() auth.WorkingHours {
	return auth.WorkingHours{
		Start: max(0, t.Business.Start-120),
		End:   min(minutesPerDay, t.Business.End+240),
	}
}

// Wide is the MEDIUM window: three hours before start to five after end,
// every day.
func (t Templates) Wide() auth.WorkingHours {
	return auth.WorkingHours{
		Start: max(0, t.Business.Start-180),
		End:   min(minutesPerDay, t.Business.End+300),
	}
}

// For materialises the template for level against one request. CRITICAL
// pins the current IP and device fingerprint.
func (t Templates) For(level Level, userID string, req auth.RequestContext, now time.Time) auth.ContextualRestriction {
	switch level {
	case LevelCritical:
		business := t.Business
		r := auth.ContextualRestriction{
			WorkingHours: &business,
			ValidUntil:   now.Add(criticalValidity),
		}
		if req.ClientIP != "" {
			r.AllowedIPs = []string{req.ClientIP}
		}
		r.AllowedDevices = []string{deviceID(userID, req)}
		return r
	case LevelHigh:
		wh := t.Extended()
		return auth.ContextualRestriction{WorkingHours: &wh, ValidUntil: now.Add(highValidity)}
	case LevelMedium:
		wh := t.Wide()
		return auth.ContextualRestriction{WorkingHours: &wh, ValidUntil: now.Add(mediumValidity)}
	default:
		return auth.ContextualRestriction{ValidUntil: now.Add(lowValidity)}
	}
}
