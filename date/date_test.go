package date_test

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/warp/circ-billing/date"
)

func TestIntervalToSeconds(t *testing.T) {
	tests := []struct {
		input string
		want  int64
	}{
		{"02:20:05", 8405},
		{"1 min 2 seconds", 62},
		{"1 day", 86400},
		{"2 days", 172800},
		{"1 day and 12 hours", 129600},
		{"1 week, 1 day", 691200},
		{"1 month", 2628000},
		{"1 year", 31536000},
		{"-1 hour", -3600},
		{"1 DAY 02:00:00", 93600},
		{"3 fortnights", 0},
		{"1.5 hours", 0},
		{"0.5 days 30 minutes", 1800},
		{"90 m", 0},
		{"2 mo", 0},
		{"5 ms", 0},
		{"0s", 0},
		{"", 0},
	}

	for _, tt := range tests {
		t.Run(tt.input, func(t *testing.T) {
			got, err := date.IntervalToSeconds(tt.input)
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestIntervalToSeconds_NothingMatches(t *testing.T) {
	_, err := date.IntervalToSeconds("soon")

	require.Error(t, err)
	assert.ErrorIs(t, err, date.ErrInvalidInterval)
	var ie *date.InvalidIntervalError
	assert.ErrorAs(t, err, &ie)
	assert.Equal(t, "soon", ie.Input)
}

func TestIntervalToSeconds_OverflowCountSkipped(t *testing.T) {
	got, err := date.IntervalToSeconds("99999999999999999999 days 5 seconds")
	require.NoError(t, err)
	assert.Equal(t, int64(5), got)
}

func TestIntervalToSeconds_OverflowingTermsSkipped(t *testing.T) {
	// GIVEN: A term whose seconds exceed int64, and two terms whose sum does
	// WHEN: Converting
	// THEN: The offending terms are dropped instead of wrapping negative

	got, err := date.IntervalToSeconds("300000000000 years 5 seconds")
	require.NoError(t, err)
	assert.Equal(t, int64(5), got)

	got, err = date.IntervalToSeconds("250000000000 years 250000000000 years")
	require.NoError(t, err)
	assert.Equal(t, int64(7884000000000000000), got)
}

func TestParseDatetime(t *testing.T) {
	want := time.Date(2025, time.March, 10, 17, 0, 0, 0, time.UTC)

	for _, s := range []string{
		"2025-03-10T17:00:00Z",
		"2025-03-10T12:00:00-0500",
		"2025-03-10T12:00:00-05",
	} {
		got, err := date.ParseDatetime(s)
		require.NoError(t, err, s)
		assert.True(t, want.Equal(got), "%s parsed as %s", s, got)
	}

	_, err := date.ParseDatetime("next tuesday")
	assert.Error(t, err)
}

func TestInTimezone(t *testing.T) {
	ts := time.Date(2025, time.March, 10, 3, 0, 0, 0, time.UTC)

	ny, err := date.InTimezone(ts, "America/New_York")
	require.NoError(t, err)
	assert.Equal(t, 9, ny.Day(), "03:00 UTC is the previous evening in New York")
	assert.True(t, ts.Equal(ny))

	local, err := date.InTimezone(ts, "local")
	require.NoError(t, err)
	assert.Equal(t, time.Local, local.Location())

	_, err = date.InTimezone(ts, "Mars/Olympus_Mons")
	assert.Error(t, err)
}

func TestToISO8601(t *testing.T) {
	ts := time.Date(2025, time.March, 10, 12, 30, 0, 0, time.FixedZone("", -5*3600))
	assert.Equal(t, "2025-03-10T12:30:00-0500", date.ToISO8601(ts))
}
