package config

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

// expiryUnits maps the human-readable units accepted in expire_in to
// durations. Months and years use calendar approximations; retention windows
// at that scale do not need day-level precision.
var expiryUnits = map[string]time.Duration{
	"second": time.Second,
	"minute": time.Minute,
	"hour":   time.Hour,
	"day":    24 * time.Hour,
	"week":   7 * 24 * time.Hour,
	"month":  30 * 24 * time.Hour,
	"year":   365 * 24 * time.Hour,
}

// parseExpiry converts an expire_in value ("30 minutes", "1 day", "2 weeks",
// "never", or any Go duration string) into a retention window. Zero means
// the artifacts never expire.
func parseExpiry(s string) (time.Duration, error) {
	s = strings.TrimSpace(s)
	if s == "" || s == "never" {
		return 0, nil
	}
	if d, err := time.ParseDuration(s); err == nil {
		if d < 0 {
			return 0, fmt.Errorf("negative expiry %q", s)
		}
		return d, nil
	}

	fields := strings.Fields(s)
	if len(fields)%2 != 0 {
		return 0, fmt.Errorf("malformed expiry %q", s)
	}
	var total time.Duration
	for i := 0; i < len(fields); i += 2 {
		n, err := strconv.Atoi(fields[i])
		if err != nil || n < 0 {
			return 0, fmt.Errorf("malformed expiry %q", s)
		}
		unit, ok := expiryUnits[strings.TrimSuffix(fields[i+1], "s")]
		if !ok {
			return 0, fmt.Errorf("unknown expiry unit %q in %q", fields[i+1], s)
		}
		total += time.Duration(n) * unit
	}
	return total, nil
}
