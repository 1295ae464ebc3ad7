package schedule

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/teranos/polar/errors"
)

func TestParseSchedule(t *testing.T) {
	tests := []struct {
		input      string
		ok         bool
		kind       RuleKind
		intervalMs int64
		hour, min  int
	}{
		{input: "every 2 hours", ok: true, kind: KindInterval, intervalMs: 7_200_000},
		{input: "every 1 hours", ok: true, kind: KindInterval, intervalMs: 3_600_000},
		{input: "every 15 minutes", ok: true, kind: KindInterval, intervalMs: 900_000},
		{input: "every 5 min", ok: true, kind: KindInterval, intervalMs: 300_000},
		{input: "every 5 m", ok: true, kind: KindInterval, intervalMs: 300_000},
		{input: "every 3 d", ok: true, kind: KindInterval, intervalMs: 3 * 86_400_000},
		{input: "  EVERY   1   Day ", ok: true, kind: KindInterval, intervalMs: 86_400_000},
		{input: "daily at 09:15", ok: true, kind: KindDaily, hour: 9, min: 15},
		{input: "Daily  At 7:05", ok: true, kind: KindDaily, hour: 7, min: 5},
		{input: "daily at 23:59", ok: true, kind: KindDaily, hour: 23, min: 59},
		{input: "every 0 minutes"},
		{input: "hourly"},
		{input: "daily at 24:00"},
		{input: "daily at 12:60"},
		{input: "daily 09:15"},
		{input: "every -1 hours"},
		{input: "every 2 weeks"},
		{input: "every 2hours"},
		{input: "every 5m"},
		{input: "every 1d"},
		{input: "every 99999999999999999999 minutes"},
		{input: "*/5 * * * *"},
		{input: ""},
	}

	for _, tt := range tests {
		t.Run(tt.input, func(t *testing.T) {
			rule, ok := ParseSchedule(tt.input)
			require.Equal(t, tt.ok, ok)
			if !tt.ok {
				return
			}
			assert.Equal(t, tt.kind, rule.Kind)
			assert.Equal(t, tt.intervalMs, rule.IntervalMs())
			if tt.kind == KindDaily {
				assert.Equal(t, tt.hour, rule.Hour)
				assert.Equal(t, tt.min, rule.Minute)
			}
		})
	}
}

func TestNormalizeSchedule(t *testing.T) {
	tests := map[string]string{
		"every 2 hours":     "every 2 hours",
		"Every 1 Hours":     "every 1 hour",
		"every 30 m":        "every 30 minutes",
		"every 1 d":         "every 1 day",
		"daily at 9:05":     "daily at 09:05",
		"daily 09:15":       "daily at 09:15",
		"  DAILY   18:00  ": "daily at 18:00",
	}
	for input, want := range tests {
		got, err := NormalizeSchedule(input)
		require.NoError(t, err, input)
		assert.Equal(t, want, got, input)

		// canonical output parses to the same rule
		_, ok := ParseSchedule(got)
		assert.True(t, ok, got)
	}
}

func TestNormalizeScheduleRejects(t *testing.T) {
	for _, input := range []string{"hourly", "every 0 minutes", "every 2hours", "daily 25:00", "at noon"} {
		_, err := NormalizeSchedule(input)
		require.Error(t, err, input)
		assert.True(t, errors.IsInvalidRequestError(err))

		ve, ok := errors.AsValidationError(err)
		require.True(t, ok)
		require.Len(t, ve.Issues, 1)
		assert.Equal(t, "schedule", ve.Issues[0].Field)
		assert.Contains(t, ve.Issues[0].Message, "daily at HH:MM")
		assert.Contains(t, ve.Issues[0].Message, "every <N> minutes")
	}
}

func TestNextDueAtMs(t *testing.T) {
	at := func(s string) int64 {
		ts, err := time.Parse(time.RFC3339, s)
		require.NoError(t, err)
		return ts.UnixMilli()
	}

	t.Run("interval adds period", func(t *testing.T) {
		rule, _ := ParseSchedule("every 2 hours")
		assert.Equal(t, at("2026-03-01T12:00:00Z"), NextDueAtMs(rule, at("2026-03-01T10:00:00Z")))
	})

	t.Run("daily later same day", func(t *testing.T) {
		rule, _ := ParseSchedule("daily at 09:15")
		assert.Equal(t, at("2026-03-01T09:15:00Z"), NextDueAtMs(rule, at("2026-03-01T08:00:00Z")))
	})

	t.Run("daily already passed rolls to tomorrow", func(t *testing.T) {
		rule, _ := ParseSchedule("daily at 09:15")
		assert.Equal(t, at("2026-03-02T09:15:00Z"), NextDueAtMs(rule, at("2026-03-01T10:00:00Z")))
	})

	t.Run("daily exactly at candidate rolls to tomorrow", func(t *testing.T) {
		rule, _ := ParseSchedule("daily at 09:15")
		assert.Equal(t, at("2026-03-02T09:15:00Z"), NextDueAtMs(rule, at("2026-03-01T09:15:00Z")))
	})

	t.Run("daily crosses month end", func(t *testing.T) {
		rule, _ := ParseSchedule("daily at 00:30")
		assert.Equal(t, at("2026-04-01T00:30:00Z"), NextDueAtMs(rule, at("2026-03-31T23:00:00Z")))
	})
}

func TestInQuietHours(t *testing.T) {
	at := func(hour int) int64 {
		return time.Date(2026, 3, 1, hour, 30, 0, 0, time.UTC).UnixMilli()
	}

	wrapping := &QuietHours{StartHour: 22, EndHour: 7}
	assert.True(t, InQuietHours(wrapping, at(23)))
	assert.True(t, InQuietHours(wrapping, at(22)))
	assert.True(t, InQuietHours(wrapping, at(3)))
	assert.False(t, InQuietHours(wrapping, at(7)))
	assert.False(t, InQuietHours(wrapping, at(12)))

	daytime := &QuietHours{StartHour: 9, EndHour: 17}
	assert.True(t, InQuietHours(daytime, at(9)))
	assert.True(t, InQuietHours(daytime, at(16)))
	assert.False(t, InQuietHours(daytime, at(17)))
	assert.False(t, InQuietHours(daytime, at(8)))

	empty := &QuietHours{StartHour: 5, EndHour: 5}
	for h := 0; h < 24; h++ {
		assert.False(t, InQuietHours(empty, at(h)))
	}
	assert.False(t, InQuietHours(nil, at(3)))
}
