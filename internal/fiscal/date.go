package fiscal

import (
	"strings"
	"time"
)

// CFDI dates carry no zone; they are read as UTC wall time.
var dateFormats = []string{
	"2006-01-02T15:04:05",
	"2006-01-02T15:04:05Z07:00",
	"2006-01-02 15:04:05",
	"2006-01-02",
	"02/01/2006",
	"02-01-2006",
	"2006/01/02",
}

// ParseDate tries each known layout in turn.
func ParseDate(s string) (time.Time, bool) {
	s = strings.TrimSpace(s)
	if s == "" {
		return time.Time{}, false
	}
	for _, layout := range dateFormats {
		if t, err := time.Parse(layout, s); err == nil {
			return t.UTC(), true
		}
	}
	return time.Time{}, false
}

// FormatDate renders the normalized field value for a date.
func FormatDate(t time.Time) string {
	return t.UTC().Format("2006-01-02T15:04:05")
}
