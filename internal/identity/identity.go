// Package identity derives the anonymous client identifier used for rate
// limiting and bans. Raw client addresses never leave this package.
package identity

import (
	"encoding/hex"
	"net"
	"net/http"
	"strings"

	"golang.org/x/crypto/blake2b"
)

// ClientIP returns the address of the client that issued r. When trustProxy
// is set the left-most X-Forwarded-For entry (or X-Real-IP) is preferred.
func ClientIP(r *http.Request, trustProxy bool) string {
	if trustProxy {
		if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
			first, _, _ := strings.Cut(xff, ",")
			if ip := strings.TrimSpace(first); ip != "" {
				return ip
			}
		}
		if rip := strings.TrimSpace(r.Header.Get("X-Real-IP")); rip != "" {
			return rip
		}
	}

	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

// Hasher turns client addresses into salted, non-reversible identifiers.
type Hasher struct {
	key [32]byte
}

// NewHasher builds a Hasher keyed by salt. An empty salt still produces
// stable identifiers but they can be brute forced from the IPv4 space.
func NewHasher(salt string) *Hasher {
	return &Hasher{key: blake2b.Sum256([]byte("guptmilan:" + salt))}
}

// Hash returns the hex-encoded keyed BLAKE2b-256 digest of value.
func (h *Hasher) Hash(value string) string {
	mac, err := blake2b.New256(h.key[:])
	if err != nil {
		// Only possible with a key longer than 64 bytes.
		panic(err)
	}
	mac.Write([]byte(value))
	return hex.EncodeToString(mac.Sum(nil))
}

// Identify is shorthand for Hash(ClientIP(r, trustProxy)).
func (h *Hasher) Identify(r *http.Request, trustProxy bool) string {
	return h.Hash(ClientIP(r, trustProxy))
}
