package risk

import (
	"fmt"
	"net/netip"
	"slices"
	"strings"
	"time"

	"github.com/nerrad567/factory-guard/internal/auth"
	"github.com/nerrad567/factory-guard/internal/tracking"
)

// Factor caps.
const (
	maxBase     = 50
	maxBehavior = 40
)

// Factors is the per-factor breakdown of a score.
type Factors struct {
	Base     int `json:"base"`
	Time     int `json:"time"`
	Device   int `json:"device"`
	Location int `json:"location"`
	Behavior int `json:"behavior"`
}

// Total combines the factors, doubling base and capping at 100.
func (f Factors) Total() int {
	return min(100, (f.Base*2+f.Time+f.Device+f.Location+f.Behavior)/6)
}

var automationSignatures = []string{
	"bot", "crawler", "spider", "curl", "wget", "python", "go-http-client",
	"java/", "okhttp", "httpie", "postman", "headless", "scrapy", "libwww",
}

var browserSignatures = []string{
	"mozilla", "chrome", "safari", "firefox", "edg", "opera",
}

// networks holds the heuristic VPN and anonymizer ranges.
type networks struct {
	vpn        []netip.Prefix
	anonymizer []netip.Prefix
}

func parsePrefixes(ranges []string) ([]netip.Prefix, error) {
	out := make([]netip.Prefix, 0, len(ranges))
	for _, r := range ranges {
		p, err := netip.ParsePrefix(strings.TrimSpace(r))
		if err != nil {
			return nil, fmt.Errorf("invalid range %q: %w", r, err)
		}
		out = append(out, p.Masked())
	}
	return out, nil
}

func containsAddr(prefixes []netip.Prefix, addr netip.Addr) bool {
	for _, p := range prefixes {
		if p.Contains(addr) {
			return true
		}
	}
	return false
}

func parseAddr(ip string) (netip.Addr, bool) {
	addr, err := netip.ParseAddr(strings.TrimSpace(ip))
	if err != nil {
		return netip.Addr{}, false
	}
	return addr.Unmap(), true
}

func isInternal(addr netip.Addr) bool {
	return addr.IsPrivate() || addr.IsLoopback() || addr.IsLinkLocalUnicast()
}

// ipRisk scores the network origin: internal 0, anonymizer 30, VPN 15.
func (n networks) ipRisk(ip string) int {
	addr, ok := parseAddr(ip)
	if !ok || isInternal(addr) {
		return 0
	}
	if containsAddr(n.anonymizer, addr) {
		return 30
	}
	if containsAddr(n.vpn, addr) {
		return 15
	}
	return 0
}

// userAgentRisk scores the client: empty 20, automation 15, non-browser 10.
func userAgentRisk(ua string) int {
	ua = strings.ToLower(strings.TrimSpace(ua))
	if ua == "" {
		return 20
	}
	for _, sig := range automationSignatures {
		if strings.Contains(ua, sig) {
			return 15
		}
	}
	for _, sig := range browserSignatures {
		if strings.Contains(ua, sig) {
			return 0
		}
	}
	return 10
}

// baseRisk sums the network and client parts, capped.
func (n networks) baseRisk(req auth.RequestContext) int {
	return min(maxBase, n.ipRisk(req.ClientIP)+userAgentRisk(req.UserAgent))
}

// timeRisk scores local time. Weekends are checked first, so a weekend
// night scores 5, not 10.
func timeRisk(local time.Time) int {
	if wd := local.Weekday(); wd == time.Saturday || wd == time.Sunday {
		return 5
	}
	if h := local.Hour(); h >= 23 || h < 6 {
		return 10
	}
	return 0
}

func deviceRisk(tier tracking.TrustTier) int {
	switch tier {
	case tracking.TierTrusted:
		return 0
	case tracking.TierFamiliar:
		return 5
	case tracking.TierRecognized:
		return 10
	default:
		return 25
	}
}

// behaviorRisk scores recent activity: many source IPs, a high failure
// rate from this IP, or a burst of attempts each add 15, capped at 40.
func behaviorRisk(uniqueIPs int, act tracking.Activity) int {
	score := 0
	if uniqueIPs > 3 {
		score += 15
	}
	if act.FailureRate() > 0.3 {
		score += 15
	}
	if act.Attempts > 10 {
		score += 15
	}
	return min(maxBehavior, score)
}

// CountryResolver maps a public address to an ISO country code.
type CountryResolver interface {
	Country(addr netip.Addr) (string, bool)
}

// PrefixTable resolves countries from a static CIDR table, longest prefix
// first.
type PrefixTable struct {
	entries []prefixCountry
}

type prefixCountry struct {
	prefix  netip.Prefix
	country string
}

// NewPrefixTable builds a table from CIDR -> country code pairs.
func NewPrefixTable(prefixes map[string]string) (*PrefixTable, error) {
	t := &PrefixTable{}
	for cidr, cc := range prefixes {
		p, err := netip.ParsePrefix(strings.TrimSpace(cidr))
		if err != nil {
			return nil, fmt.Errorf("invalid geo prefix %q: %w", cidr, err)
		}
		t.entries = append(t.entries, prefixCountry{prefix: p.Masked(), country: strings.ToUpper(cc)})
	}
	slices.SortFunc(t.entries, func(a, b prefixCountry) int {
		return b.prefix.Bits() - a.prefix.Bits()
	})
	return t, nil
}

// Country returns the country of the most specific matching prefix.
func (t *PrefixTable) Country(addr netip.Addr) (string, bool) {
	for _, e := range t.entries {
		if e.prefix.Contains(addr) {
			return e.country, true
		}
	}
	return "", false
}

// geo scores location risk.
type geo struct {
	resolver    CountryResolver
	home        string
	allowList   map[string][]string
	trustedList []string
}

// locate returns the request's country. Internal addresses are at home.
func (g geo) locate(ip string) (string, bool) {
	addr, ok := parseAddr(ip)
	if !ok {
		return "", false
	}
	if isInternal(addr) {
		return g.home, g.home != ""
	}
	return g.resolver.Country(addr)
}

// locationRisk: home or company allow-list 0, trusted country 3, other
// resolved 7, unresolved 10.
func (g geo) locationRisk(companyID, country string, resolved bool) int {
	switch {
	case !resolved:
		return 10
	case country == g.home || slices.Contains(g.allowList[companyID], country):
		return 0
	case slices.Contains(g.trustedList, country):
		return 3
	default:
		return 7
	}
}

func deviceID(userID string, req auth.RequestContext) string {
	return tracking.FingerprintID(userID, req.UserAgent, req.ClientIP)
}
