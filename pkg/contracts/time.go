package contracts

import (
	"fmt"
	"strings"
	"time"
)

// TimestampLayout is the canonical UTC timestamp format used on the wire
// and in the logbook: microsecond precision, trailing Z.
const TimestampLayout = "2006-01-02T15:04:05.000000Z"

// FormatTimestamp renders t as a canonical UTC timestamp string.
func FormatTimestamp(t time.Time) string {
	return t.UTC().Format(TimestampLayout)
}

// ParseTimestamp parses a canonical timestamp. It tolerates RFC 3339
// variants (offset instead of Z, missing or longer fractional part) but
// always returns a UTC instant.
func ParseTimestamp(value string) (time.Time, error) {
	s := strings.TrimSpace(value)
	if s == "" {
		return time.Time{}, fmt.Errorf("contracts: empty timestamp")
	}
	if t, err := time.Parse(TimestampLayout, s); err == nil {
		return t.UTC(), nil
	}
	if t, err := time.Parse(time.RFC3339Nano, s); err == nil {
		return t.UTC(), nil
	}
	if t, err := time.Parse("2006-01-02T15:04:05Z", s); err == nil {
		return t.UTC(), nil
	}
	return time.Time{}, fmt.Errorf("contracts: invalid timestamp %q", value)
}
