/*
Package date provides interval parsing and timestamp helpers shared by the
billing engine.

PURPOSE:
  Circulation policy is authored by humans: fine intervals, grace periods and
  refund windows arrive as strings such as "1 day", "2 weeks" or "02:20:05".
  This package turns them into second counts and handles the timestamp
  formats stored alongside billings and closed dates.

INTERVAL GRAMMAR:
  An interval is a sequence of "<sign?><count> <unit>" groups. Groups may be
  separated by whitespace, commas or the word "and". Any "HH:MM:SS" token is
  read as hours, minutes and seconds.

    "1 min 2 seconds"        -> 62
    "02:20:05"               -> 8405
    "1 day and 12 hours"     -> 129600
    "-1 week"                -> -604800

  Units are matched by prefix: s, min, h, d, w, mon, y. Any other word,
  including a bare "m" or "mo", contributes nothing. Months and years are
  approximations (365/12 days and 365 days).

  A group counts only when it starts a token. Counts that are not whole
  numbers ("1.5 hours") or that would overflow int64 seconds are skipped
  with a warning.

SEE ALSO:
  - date.go: timestamp parsing, formatting and time zones
  - billing/fines.go: fine interval and grace period conversion
*/
package date

import (
	"errors"
	"fmt"
	"log/slog"
	"math"
	"regexp"
	"strconv"
	"strings"
)

// =============================================================================
// UNITS
// =============================================================================

const (
	SecondsPerMinute int64 = 60
	SecondsPerHour   int64 = 60 * SecondsPerMinute
	SecondsPerDay    int64 = 24 * SecondsPerHour
	SecondsPerWeek   int64 = 7 * SecondsPerDay
	SecondsPerYear   int64 = 365 * SecondsPerDay
	SecondsPerMonth  int64 = SecondsPerYear / 12
)

var (
	hmsPattern  = regexp.MustCompile(`(\d+):(\d{1,2}):(\d{1,2})`)
	andPattern  = regexp.MustCompile(`\band\b`)
	partPattern = regexp.MustCompile(`(?:^|\s)([+-]?)\s*(\d+(?:\.\d+)?)\s*([a-z]+)`)
)

// ErrInvalidInterval is returned when an interval string contains no
// recognizable "<count> <unit>" group.
var ErrInvalidInterval = errors.New("invalid interval")

// InvalidIntervalError carries the offending input.
type InvalidIntervalError struct {
	Input string
}

func (e *InvalidIntervalError) Error() string {
	return fmt.Sprintf("invalid/unsupported interval string: %q", e.Input)
}

func (e *InvalidIntervalError) Unwrap() error {
	return ErrInvalidInterval
}

// =============================================================================
// PARSING
// =============================================================================

// IntervalToSeconds converts an interval string to a signed number of seconds.
//
// Unknown units contribute nothing. Fractional counts and terms too large to
// represent are skipped with a warning. A blank string is zero seconds; a
// non-blank string with no parsable group at all is an *InvalidIntervalError.
func IntervalToSeconds(interval string) (int64, error) {
	text := strings.ToLower(interval)
	text = andPattern.ReplaceAllString(text, " ")
	text = strings.ReplaceAll(text, ",", " ")
	text = hmsPattern.ReplaceAllString(text, "$1 h $2 min $3 s")

	if strings.TrimSpace(text) == "" {
		return 0, nil
	}

	groups := partPattern.FindAllStringSubmatch(text, -1)
	if len(groups) == 0 {
		return 0, &InvalidIntervalError{Input: interval}
	}

	var total int64
	for _, g := range groups {
		count, err := strconv.ParseInt(g[2], 10, 64)
		if err != nil {
			slog.Warn("skipping unparsable interval count",
				"interval", interval, "count", g[2], "error", err)
			continue
		}
		unit := unitSeconds(g[3])
		if unit != 0 && count > math.MaxInt64/unit {
			slog.Warn("skipping interval term too large to represent",
				"interval", interval, "count", g[2], "unit", g[3])
			continue
		}
		seconds := count * unit
		if g[1] == "-" {
			seconds = -seconds
		}
		if (seconds > 0 && total > math.MaxInt64-seconds) || (seconds < 0 && total < math.MinInt64-seconds) {
			slog.Warn("skipping interval term that overflows the total",
				"interval", interval, "count", g[2], "unit", g[3])
			continue
		}
		total += seconds
	}

	return total, nil
}

// unitSeconds maps a unit word to its multiplier by prefix.
func unitSeconds(unit string) int64 {
	switch {
	case strings.HasPrefix(unit, "s"):
		return 1
	case strings.HasPrefix(unit, "mon"):
		return SecondsPerMonth
	case strings.HasPrefix(unit, "min"):
		return SecondsPerMinute
	case strings.HasPrefix(unit, "h"):
		return SecondsPerHour
	case strings.HasPrefix(unit, "d"):
		return SecondsPerDay
	case strings.HasPrefix(unit, "w"):
		return SecondsPerWeek
	case strings.HasPrefix(unit, "y"):
		return SecondsPerYear
	default:
		return 0
	}
}
