package policy

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"
)

// ratePattern accepts "N per unit" and "N per M units" with unit words
// second, minute, hour, day, singular or plural, case-insensitive.
var ratePattern = regexp.MustCompile(`^(\d+)\s+per\s+(?:(\d+)\s+)?(second|minute|hour|day)s?$`)

// ParseRate parses a human-readable rate string such as "100 per minute" or
// "5 per 5 minutes" into a request count and a period. Anything outside the
// grammar is rejected so malformed policies fail at load time.
func ParseRate(value string) (int, time.Duration, error) {
	normalized := strings.ToLower(strings.TrimSpace(value))
	matches := ratePattern.FindStringSubmatch(normalized)
	if matches == nil {
		return 0, 0, fmt.Errorf("invalid rate %q: expected \"N per M unit\"", value)
	}

	count, err := strconv.Atoi(matches[1])
	if err != nil {
		return 0, 0, fmt.Errorf("invalid rate %q: %w", value, err)
	}
	if count <= 0 {
		return 0, 0, fmt.Errorf("invalid rate %q: request count must be positive", value)
	}

	multiplier := 1
	if matches[2] != "" {
		multiplier, err = strconv.Atoi(matches[2])
		if err != nil {
			return 0, 0, fmt.Errorf("invalid rate %q: %w", value, err)
		}
		if multiplier <= 0 {
			return 0, 0, fmt.Errorf("invalid rate %q: period must be positive", value)
		}
	}

	var unit time.Duration
	switch matches[3] {
	case "second":
		unit = time.Second
	case "minute":
		unit = time.Minute
	case "hour":
		unit = time.Hour
	case "day":
		unit = 24 * time.Hour
	}

	return count, time.Duration(multiplier) * unit, nil
}
