// Package id generates job identifiers.
package id

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"regexp"
	"sync/atomic"
	"time"
)

var (
	pattern  = regexp.MustCompile(`^job-[0-9]+-[0-9a-f]{8}$`)
	fallback atomic.Uint32
)

// Generate creates a new unique job ID.
// Format: job-<unix millis>-<8 hex chars>
// Example: job-1701432000123-a1b2c3d4
func Generate() string {
	timestamp := time.Now().UnixMilli()
	random := make([]byte, 4)
	if _, err := rand.Read(random); err != nil {
		// crypto/rand failed; a process-wide counter keeps IDs distinct.
		return fmt.Sprintf("job-%d-%08x", timestamp, fallback.Add(1))
	}
	return fmt.Sprintf("job-%d-%s", timestamp, hex.EncodeToString(random))
}

// Valid reports whether s has the shape of a generated ID.
func Valid(s string) bool {
	return pattern.MatchString(s)
}
