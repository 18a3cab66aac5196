// Package ids generates the short opaque identifiers used across memento.
package ids

import (
	"encoding/hex"
	"strings"

	"github.com/google/uuid"
)

// New returns a short opaque id of the form "<prefix>_<12 hex chars>".
// The hex tail is drawn from a random UUID.
func New(prefix string) string {
	u := uuid.New()
	return prefix + "_" + hex.EncodeToString(u[:6])
}

// Valid reports whether id carries the expected prefix.
func Valid(id, prefix string) bool {
	return strings.HasPrefix(id, prefix+"_") && len(id) > len(prefix)+1
}
