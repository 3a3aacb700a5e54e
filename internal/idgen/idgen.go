// Package idgen generates identifiers for escrow records.
package idgen

import (
	"crypto/rand"
	"encoding/hex"
	"strings"
	"time"

	"github.com/google/uuid"
)

// New returns a random (v4) UUID string.
func New() string {
	return uuid.NewString()
}

// WithPrefix returns prefix followed by 24 random hex chars (e.g. "rel_", "dsp_").
func WithPrefix(prefix string) string {
	return prefix + Hex(12)
}

// Hex generates a random hex string of the given byte length.
func Hex(numBytes int) string {
	b := make([]byte, numBytes)
	if _, err := rand.Read(b); err != nil {
		panic("crypto/rand failed: " + err.Error())
	}
	return hex.EncodeToString(b)
}

// Reference returns a human-readable contract reference such as
// KOC-20260301-9F3A1C. Gateways echo it back in callbacks, so it must be
// short, upper-case and free of separators other than '-'.
func Reference(now time.Time) string {
	return "KOC-" + now.UTC().Format("20060102") + "-" + strings.ToUpper(Hex(3))
}

// IsUUID reports whether s parses as a UUID.
func IsUUID(s string) bool {
	_, err := uuid.Parse(s)
	return err == nil
}
