package fiscal

import (
	"strings"

	"github.com/google/uuid"
)

// NormalizeUUID returns the canonical upper-case 8-4-4-4-12 form of a
// folio fiscal. canonical is false when the input was not already in that
// layout (for example 32 bare hex digits or braces).
func NormalizeUUID(s string) (normalized string, canonical bool, ok bool) {
	s = strings.TrimSpace(s)
	id, err := uuid.Parse(s)
	if err != nil {
		return "", false, false
	}
	normalized = strings.ToUpper(id.String())
	return normalized, strings.EqualFold(s, normalized), true
}

// ValidUUID reports whether s parses as a folio fiscal.
func ValidUUID(s string) bool {
	_, _, ok := NormalizeUUID(s)
	return ok
}
