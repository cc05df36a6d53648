package audit

import (
	"net/http/httptest"
	"testing"
)

func TestClientIP(t *testing.T) {
	cases := []struct {
		name      string
		forwarded string
		realIP    string
		want      string
	}{
		{"forwarded first hop", "203.0.113.7, 10.0.0.2", "", "203.0.113.7"},
		{"skips garbage hop", "unknown, 198.51.100.4", "", "198.51.100.4"},
		{"real ip fallback", "", "2001:db8::1", "2001:db8::1"},
		{"mapped v4 unwrapped", "::ffff:192.0.2.9", "", "192.0.2.9"},
		{"peer address", "", "not-an-ip", "192.0.2.1"},
	}
	for _, tc := range cases {
		req := httptest.NewRequest("GET", "/api/v1/settlements/b-1/export.pdf", nil)
		if tc.forwarded != "" {
			req.Header.Set("X-Forwarded-For", tc.forwarded)
		}
		if tc.realIP != "" {
			req.Header.Set("X-Real-IP", tc.realIP)
		}
		if got := ClientIP(req); got != tc.want {
			t.Fatalf("%s: expected %s, got %s", tc.name, tc.want, got)
		}
	}
}
