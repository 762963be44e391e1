package identity

import (
	"net/http/httptest"
	"strings"
	"testing"
)

func TestClientIP(t *testing.T) {
	tests := []struct {
		name       string
		remote     string
		xff        string
		realIP     string
		trustProxy bool
		want       string
	}{
		{"remote addr", "10.0.0.1:5555", "", "", false, "10.0.0.1"},
		{"xff ignored without trust", "10.0.0.1:5555", "1.2.3.4", "", false, "10.0.0.1"},
		{"xff first entry", "10.0.0.1:5555", "1.2.3.4, 5.6.7.8", "", true, "1.2.3.4"},
		{"x-real-ip fallback", "10.0.0.1:5555", "", "9.9.9.9", true, "9.9.9.9"},
		{"no port", "10.0.0.1", "", "", false, "10.0.0.1"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := httptest.NewRequest("GET", "/ws", nil)
			r.RemoteAddr = tt.remote
			if tt.xff != "" {
				r.Header.Set("X-Forwarded-For", tt.xff)
			}
			if tt.realIP != "" {
				r.Header.Set("X-Real-IP", tt.realIP)
			}
			if got := ClientIP(r, tt.trustProxy); got != tt.want {
				t.Errorf("ClientIP = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestHasher(t *testing.T) {
	a := NewHasher("salt-a")
	b := NewHasher("salt-b")

	h1 := a.Hash("1.2.3.4")
	if h1 != a.Hash("1.2.3.4") {
		t.Error("hash is not stable")
	}
	if len(h1) != 64 {
		t.Errorf("hash length = %d, want 64", len(h1))
	}
	if strings.Contains(h1, "1.2.3.4") {
		t.Error("hash leaks the raw address")
	}
	if h1 == b.Hash("1.2.3.4") {
		t.Error("different salts produced the same hash")
	}
	if h1 == a.Hash("1.2.3.5") {
		t.Error("different addresses produced the same hash")
	}
}
