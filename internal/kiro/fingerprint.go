package kiro

import (
	"crypto/sha256"
	"encoding/hex"
	"os"
	"sync"

	"github.com/google/uuid"
)

var (
	fpOnce sync.Once
	fp     string
)

// Fingerprint returns a stable, process-unique machine identifier: the hex
// SHA-256 of "<hostname>-kiro-gateway-go". Falls back to a random UUID when
// the hostname cannot be resolved.
func Fingerprint() string {
	fpOnce.Do(func() {
		hostname, err := os.Hostname()
		if err != nil || hostname == "" {
			hostname = uuid.NewString()
		}
		sum := sha256.Sum256([]byte(hostname + "-kiro-gateway-go"))
		fp = hex.EncodeToString(sum[:])
	})
	return fp
}

// ShortFingerprint returns the first n characters of the fingerprint.
func ShortFingerprint(n int) string {
	f := Fingerprint()
	if n > len(f) {
		n = len(f)
	}
	return f[:n]
}
