package date

import (
	"fmt"
	"time"
)

// =============================================================================
// TIMESTAMPS
// =============================================================================

// ISOLayout is the "%FT%T%z" form used for billing periods and closed dates.
const ISOLayout = "2006-01-02T15:04:05-0700"

// LocalTimezone is the lib.timezone value meaning "the process time zone".
const LocalTimezone = "local"

var parseLayouts = []string{
	time.RFC3339Nano,
	ISOLayout,
	"2006-01-02T15:04:05-07",
	"2006-01-02 15:04:05-07",
	"2006-01-02 15:04:05",
	"2006-01-02",
}

// ParseDatetime parses an ISO-8601 timestamp in any of the forms stored by
// the persistence layer. Timestamps without an offset are read as local time.
func ParseDatetime(s string) (time.Time, error) {
	for _, layout := range parseLayouts {
		if t, err := time.ParseInLocation(layout, s, time.Local); err == nil {
			return t, nil
		}
	}
	return time.Time{}, fmt.Errorf("could not parse datetime string: %q", s)
}

// ToISO8601 formats t the way billing periods are written.
func ToISO8601(t time.Time) string {
	return t.Format(ISOLayout)
}

// =============================================================================
// TIME ZONES
// =============================================================================

// LoadTimezone resolves a lib.timezone setting. An empty value or "local"
// yields the process time zone.
func LoadTimezone(tz string) (*time.Location, error) {
	if tz == "" || tz == LocalTimezone {
		return time.Local, nil
	}
	loc, err := time.LoadLocation(tz)
	if err != nil {
		return nil, fmt.Errorf("cannot parse timezone %q: %w", tz, err)
	}
	return loc, nil
}

// InTimezone returns t viewed from the named time zone.
func InTimezone(t time.Time, tz string) (time.Time, error) {
	loc, err := LoadTimezone(tz)
	if err != nil {
		return time.Time{}, err
	}
	return t.In(loc), nil
}

// AddSeconds is shorthand for adding a signed second count.
func AddSeconds(t time.Time, seconds int64) time.Time {
	return t.Add(time.Duration(seconds) * time.Second)
}
