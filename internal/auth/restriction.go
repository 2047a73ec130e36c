package auth

import (
	"errors"
	"fmt"
	"net/netip"
	"slices"
	"strconv"
	"strings"
	"time"

	"github.com/nerrad567/factory-guard/internal/tracking"
)

// Restriction failure reasons, in enforcement order.
const (
	ReasonIPNotAllowed        = "ip_not_allowed"
	ReasonOutsideWorkingHours = "outside_working_hours"
	ReasonDeviceNotAllowed    = "device_not_allowed"
)

// WorkingHours is a daily time window plus a weekday set. Start and End are
// minutes after midnight; End before Start spans midnight. An empty
// Weekdays set allows every day.
type WorkingHours struct {
	Start    int            `json:"start"`
	End      int            `json:"end"`
	Weekdays []time.Weekday `json:"weekdays,omitempty"`
}

// Allows reports whether t (already in site local time) falls inside the window.
func (w WorkingHours) Allows(t time.Time) bool {
	if len(w.Weekdays) > 0 && !slices.Contains(w.Weekdays, t.Weekday()) {
		return false
	}
	m := t.Hour()*60 + t.Minute()
	if w.Start <= w.End {
		return m >= w.Start && m < w.End
	}
	return m >= w.Start || m < w.End
}

func (w WorkingHours) String() string {
	return fmt.Sprintf("%02d:%02d-%02d:%02d", w.Start/60, w.Start%60, w.End/60, w.End%60)
}

// ContextualRestriction narrows an otherwise granted permission. A nil or
// empty dimension is unrestricted. Once ValidUntil passes the restriction
// is void and must be ignored, not enforced.
type ContextualRestriction struct {
	AllowedIPs     []string      `json:"allowed_ips,omitempty"`
	WorkingHours   *WorkingHours `json:"working_hours,omitempty"`
	AllowedDevices []string      `json:"allowed_devices,omitempty"`
	ValidUntil     time.Time     `json:"valid_until"`
}

// Expired reports whether the restriction is void at now.
func (r ContextualRestriction) Expired(now time.Time) bool {
	return !r.ValidUntil.IsZero() && now.After(r.ValidUntil)
}

// RestrictionError names the dimension that denied a request.
type RestrictionError struct {
	Reason string
}

func (e *RestrictionError) Error() string {
	return ErrContextRestricted.Error() + ": " + e.Reason
}

// Unwrap lets errors.Is match ErrContextRestricted.
func (e *RestrictionError) Unwrap() error {
	return ErrContextRestricted
}

// RestrictionReason extracts the failing dimension from err, or "".
func RestrictionReason(err error) string {
	var re *RestrictionError
	if errors.As(err, &re) {
		return re.Reason
	}
	return ""
}

// Check enforces the restriction for userID's request at local time now,
// in order IP, working hours, device. It returns a *RestrictionError for
// the first failing dimension, or nil. An expired restriction passes.
func (r ContextualRestriction) Check(userID string, req RequestContext, now time.Time) error {
	if r.Expired(now) {
		return nil
	}
	if len(r.AllowedIPs) > 0 && !IPAllowed(req.ClientIP, r.AllowedIPs) {
		return &RestrictionError{Reason: ReasonIPNotAllowed}
	}
	if r.WorkingHours != nil && !r.WorkingHours.Allows(now) {
		return &RestrictionError{Reason: ReasonOutsideWorkingHours}
	}
	if len(r.AllowedDevices) > 0 {
		fp := tracking.FingerprintID(userID, req.UserAgent, req.ClientIP)
		if !slices.Contains(r.AllowedDevices, fp) {
			return &RestrictionError{Reason: ReasonDeviceNotAllowed}
		}
	}
	return nil
}

// IPAllowed reports whether ip equals an allowed address or lies inside an
// allowed CIDR block. Containment is bitwise.
func IPAllowed(ip string, allowed []string) bool {
	addr, err := netip.ParseAddr(strings.TrimSpace(ip))
	if err != nil {
		return false
	}
	addr = addr.Unmap()
	for _, entry := range allowed {
		p, err := parsePrefixOrAddr(entry)
		if err != nil {
			continue
		}
		if p.Contains(addr) {
			return true
		}
	}
	return false
}

// MatchLegacyOctetPrefix reproduces the dashboard's historical CIDR check,
// which compared whole dotted-decimal octets instead of masking bits:
// three octets for prefixes of /24 or longer, two for /16 to /23, one for
// /8 to /15. It over-matches: 10.0.0.200 "matches" 10.0.0.0/25. Kept for
// comparing old restriction behaviour; enforcement uses IPAllowed.
func MatchLegacyOctetPrefix(ip, cidr string) bool {
	network, bitsStr, ok := strings.Cut(cidr, "/")
	if !ok {
		return ip == cidr
	}
	bits, err := strconv.Atoi(bitsStr)
	if err != nil {
		return false
	}

	var octets int
	switch {
	case bits >= 24:
		octets = 3
	case bits >= 16:
		octets = 2
	case bits >= 8:
		octets = 1
	default:
		return true
	}

	ipParts := strings.Split(ip, ".")
	netParts := strings.Split(network, ".")
	if len(ipParts) != 4 || len(netParts) != 4 {
		return false
	}
	return slices.Equal(ipParts[:octets], netParts[:octets])
}
