package jobkit

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseSchedule(t *testing.T) {
	cases := []struct {
		in     string
		kind   ScheduleKind
		every  time.Duration
		source string
	}{
		{"55m", ScheduleInterval, 55 * time.Minute, "duration"},
		{"500ms", ScheduleInterval, 500 * time.Millisecond, "duration"},
		{"02:30", ScheduleInterval, 2*time.Hour + 30*time.Minute, "hhmm"},
		{"interval: 00:05", ScheduleInterval, 5 * time.Minute, "hhmm"},
		{"every:1h", ScheduleInterval, time.Hour, "duration"},
		{"*/5 * * * *", ScheduleCron, 0, "cron"},
		{"@hourly", ScheduleCron, 0, "cron"},
		{"cron:@every 10m", ScheduleCron, 0, "cron"},
	}
	for _, tc := range cases {
		t.Run(tc.in, func(t *testing.T) {
			s, err := ParseSchedule(tc.in)
			require.NoError(t, err)
			assert.Equal(t, tc.kind, s.Kind)
			assert.Equal(t, tc.every, s.Every)
			assert.Equal(t, tc.source, s.Source)
		})
	}
}

func TestParseScheduleErrors(t *testing.T) {
	for _, in := range []string{"", "soon", "0s", "-5m", "00:00", "01:75", "cron:", "* * *"} {
		_, err := ParseSchedule(in)
		assert.Error(t, err, in)
	}
}

func TestScheduleNominalInterval(t *testing.T) {
	s, err := ParseSchedule("*/5 * * * *")
	require.NoError(t, err)
	now := time.Date(2026, 3, 1, 10, 2, 0, 0, time.UTC)
	assert.Equal(t, 5*time.Minute, s.NominalInterval(now))
	assert.Equal(t, time.Date(2026, 3, 1, 10, 5, 0, 0, time.UTC), s.Next(now))

	iv, err := ParseSchedule("90s")
	require.NoError(t, err)
	assert.Equal(t, 90*time.Second, iv.NominalInterval(now))
	assert.Equal(t, now.Add(90*time.Second), iv.Next(now))
}
