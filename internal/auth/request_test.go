package auth

import (
	"net/http/httptest"
	"testing"
)

func TestFromRequest(t *testing.T) {
	tests := []struct {
		name    string
		remote  string
		headers map[string]string
		want    string
	}{
		{"peer only", "203.0.113.9:5555", nil, "203.0.113.9"},
		{"forwarded first entry", "10.0.0.1:80", map[string]string{"X-Forwarded-For": "198.51.100.7, 10.0.0.1"}, "198.51.100.7"},
		{"real ip", "10.0.0.1:80", map[string]string{"X-Real-IP": "198.51.100.8"}, "198.51.100.8"},
		{"forwarded beats real ip", "10.0.0.1:80", map[string]string{
			"X-Forwarded-For": "198.51.100.7",
			"X-Real-IP":       "198.51.100.8",
		}, "198.51.100.7"},
		{"garbage forwarded falls through", "10.0.0.1:80", map[string]string{"X-Forwarded-For": "unknown"}, "10.0.0.1"},
		{"ipv6 peer", "[2001:db8::1]:443", nil, "2001:db8::1"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := httptest.NewRequest("GET", "/", nil)
			r.RemoteAddr = tt.remote
			for k, v := range tt.headers {
				r.Header.Set(k, v)
			}
			r.Header.Set("User-Agent", "probe/1.0")
			r.Header.Set(SessionHeader, "sess-1")

			got := FromRequest(r)
			if got.ClientIP != tt.want {
				t.Errorf("ClientIP = %q, want %q", got.ClientIP, tt.want)
			}
			if got.UserAgent != "probe/1.0" || got.SessionID != "sess-1" {
				t.Errorf("context = %+v", got)
			}
		})
	}
}

func TestResolver_TrustedProxies(t *testing.T) {
	res, err := NewResolver([]string{"10.0.0.0/8", "192.0.2.1"})
	if err != nil {
		t.Fatalf("NewResolver: %v", err)
	}

	r := httptest.NewRequest("GET", "/", nil)
	r.Header.Set("X-Forwarded-For", "198.51.100.7")

	r.RemoteAddr = "10.2.3.4:80"
	if got := res.ClientIP(r); got != "198.51.100.7" {
		t.Errorf("trusted proxy: ClientIP = %q", got)
	}
	r.RemoteAddr = "192.0.2.1:80"
	if got := res.ClientIP(r); got != "198.51.100.7" {
		t.Errorf("trusted host: ClientIP = %q", got)
	}
	r.RemoteAddr = "203.0.113.5:80"
	if got := res.ClientIP(r); got != "203.0.113.5" {
		t.Errorf("untrusted peer must not be able to spoof: ClientIP = %q", got)
	}

	if _, err := NewResolver([]string{"not/a/cidr"}); err == nil {
		t.Error("NewResolver should reject invalid entries")
	}
}
