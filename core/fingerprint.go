package core

import (
	"crypto/rand"
	"encoding/base64"
	"encoding/hex"

	"golang.org/x/crypto/blake2b"
)

// Fingerprint identifies an anonymous caller across two requests (e.g. callback then login
// page) by a keyed hash of client IP and user agent. It is not an authenticator.
func Fingerprint(key []byte, ip, userAgent string) string {
	if len(key) > blake2b.Size {
		key = key[:blake2b.Size]
	}
	h, err := blake2b.New256(key)
	if err != nil {
		h, _ = blake2b.New256(nil)
	}
	h.Write([]byte(ip))
	h.Write([]byte{0})
	h.Write([]byte(userAgent))
	return hex.EncodeToString(h.Sum(nil))[:24]
}

// Fingerprint hashes ip and userAgent with the service's fingerprint key.
func (s *Service) Fingerprint(ip, userAgent string) string {
	return Fingerprint(s.opts.FingerprintKey, ip, userAgent)
}

func randBytes(n int) []byte {
	b := make([]byte, n)
	_, _ = rand.Read(b)
	return b
}

// RandB64 returns n random bytes as unpadded base64url.
func RandB64(n int) string {
	return base64.RawURLEncoding.EncodeToString(randBytes(n))
}
