package auth

import (
	"fmt"
	"net"
	"net/http"
	"net/netip"
	"strings"
)

// RequestContext is what the transport layer tells the core about an
// inbound request.
type RequestContext struct {
	ClientIP  string `json:"client_ip"`
	UserAgent string `json:"user_agent"`
	SessionID string `json:"session_id,omitempty"`
}

// SessionHeader carries the dashboard session identifier.
const SessionHeader = "X-Session-ID"

// FromRequest resolves the request context trusting forwarding headers
// from any peer. The client IP is the first X-Forwarded-For entry, else
// X-Real-IP, else the peer address.
func FromRequest(r *http.Request) RequestContext {
	return (&Resolver{}).FromRequest(r)
}

// Resolver resolves request contexts, honouring forwarding headers only
// from trusted proxies.
type Resolver struct {
	trusted []netip.Prefix
}

// NewResolver builds a resolver from trusted proxy CIDRs or addresses.
// An empty list trusts every peer.
func NewResolver(proxies []string) (*Resolver, error) {
	res := &Resolver{}
	for _, p := range proxies {
		prefix, err := parsePrefixOrAddr(p)
		if err != nil {
			return nil, fmt.Errorf("trusted proxy %q: %w", p, err)
		}
		res.trusted = append(res.trusted, prefix)
	}
	return res, nil
}

// FromRequest resolves the request context of r.
func (res *Resolver) FromRequest(r *http.Request) RequestContext {
	return RequestContext{
		ClientIP:  res.ClientIP(r),
		UserAgent: r.UserAgent(),
		SessionID: r.Header.Get(SessionHeader),
	}
}

// ClientIP resolves the client address of r.
func (res *Resolver) ClientIP(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		host = r.RemoteAddr
	}
	peer := normalizeIP(host)

	if res.trustsPeer(peer) {
		if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
			first, _, _ := strings.Cut(xff, ",")
			if ip := normalizeIP(first); ip != "" {
				return ip
			}
		}
		if ip := normalizeIP(r.Header.Get("X-Real-IP")); ip != "" {
			return ip
		}
	}

	if peer != "" {
		return peer
	}
	return host
}

func (res *Resolver) trustsPeer(peer string) bool {
	if len(res.trusted) == 0 {
		return true
	}
	addr, err := netip.ParseAddr(peer)
	if err != nil {
		return false
	}
	for _, p := range res.trusted {
		if p.Contains(addr) {
			return true
		}
	}
	return false
}

// normalizeIP returns the canonical form of s, or "" if s is not an IP.
func normalizeIP(s string) string {
	addr, err := netip.ParseAddr(strings.TrimSpace(s))
	if err != nil {
		return ""
	}
	return addr.Unmap().String()
}

// parsePrefixOrAddr accepts "10.0.0.0/8" or a bare address (as a
// single-host prefix).
func parsePrefixOrAddr(s string) (netip.Prefix, error) {
	s = strings.TrimSpace(s)
	if strings.Contains(s, "/") {
		p, err := netip.ParsePrefix(s)
		if err != nil {
			return netip.Prefix{}, err
		}
		if p.Addr().Is4In6() && p.Bits() >= 96 {
			p = netip.PrefixFrom(p.Addr().Unmap(), p.Bits()-96)
		}
		return p.Masked(), nil
	}
	addr, err := netip.ParseAddr(s)
	if err != nil {
		return netip.Prefix{}, err
	}
	addr = addr.Unmap()
	return netip.PrefixFrom(addr, addr.BitLen()), nil
}
