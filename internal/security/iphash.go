// Package security provides keyed hashing for client IPs so raw addresses are never stored.
package security

import (
	"encoding/hex"

	"golang.org/x/crypto/blake2b"
)

// IPHasher hashes client IPs with a keyed BLAKE2b-128 so the stored value
// cannot be reversed or matched across deployments with different keys.
type IPHasher struct {
	key []byte
}

// NewIPHasher returns an IPHasher using the given secret key. An empty key is
// allowed for development; hashes are then unkeyed.
func NewIPHasher(key string) *IPHasher {
	return &IPHasher{key: []byte(key)}
}

// Hash returns the hex-encoded keyed hash of ip, or "" for an empty ip.
func (h *IPHasher) Hash(ip string) string {
	if ip == "" {
		return ""
	}
	mac, err := blake2b.New(16, h.key)
	if err != nil {
		// Only possible with a key longer than 64 bytes; fall back to unkeyed.
		mac, _ = blake2b.New(16, nil)
	}
	mac.Write([]byte(ip))
	return hex.EncodeToString(mac.Sum(nil))
}
