package jobkit

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/robfig/cron/v3"
)

// ScheduleKind tells a cron schedule from a fixed interval.
type ScheduleKind int

const (
	ScheduleInterval ScheduleKind = iota
	ScheduleCron
)

func (k ScheduleKind) String() string {
	if k == ScheduleCron {
		return "cron"
	}
	return "interval"
}

// Schedule is a parsed service schedule.
//
// Accepted forms:
//   - Go duration: "55m", "2h30m", "500ms"
//   - HH:MM interval: "00:50" (50 minutes), "02:30"
//   - cron, five fields or a descriptor: "*/5 * * * *", "@hourly", "@every 55m"
//
// The prefixes "cron:", "interval:" and "every:" force a kind.
type Schedule struct {
	Kind   ScheduleKind
	Every  time.Duration
	Cron   string
	Source string // "cron" | "duration" | "hhmm"

	spec cron.Schedule
}

var (
	reHHMM     = regexp.MustCompile(`^\s*(\d{1,3}):(\d{2})\s*$`)
	cronParser = cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)
)

// ParseSchedule parses raw into an interval or a cron schedule.
func ParseSchedule(raw string) (Schedule, error) {
	s := strings.TrimSpace(raw)
	if s == "" {
		return Schedule{}, fmt.Errorf("schedule required")
	}

	low := strings.ToLower(s)
	switch {
	case strings.HasPrefix(low, "cron:"):
		return parseCron(strings.TrimSpace(s[len("cron:"):]))
	case strings.HasPrefix(low, "interval:"):
		return parseInterval(strings.TrimSpace(s[len("interval:"):]))
	case strings.HasPrefix(low, "every:"):
		return parseInterval(strings.TrimSpace(s[len("every:"):]))
	}

	// whitespace or a leading '@' means cron
	if strings.ContainsAny(s, " \t\n\r") || strings.HasPrefix(s, "@") {
		return parseCron(s)
	}
	sch, err := parseInterval(s)
	if err != nil {
		return Schedule{}, fmt.Errorf(
			"invalid schedule %q (use cron like '*/5 * * * *', HH:MM like '02:30', or duration like '55m')",
			raw,
		)
	}
	return sch, nil
}

func parseCron(expr string) (Schedule, error) {
	if expr == "" {
		return Schedule{}, fmt.Errorf("cron expression required")
	}
	spec, err := cronParser.Parse(expr)
	if err != nil {
		return Schedule{}, fmt.Errorf("invalid cron %q: %w", expr, err)
	}
	return Schedule{Kind: ScheduleCron, Cron: expr, Source: "cron", spec: spec}, nil
}

func parseInterval(v string) (Schedule, error) {
	if v == "" {
		return Schedule{}, fmt.Errorf("interval required")
	}
	if m := reHHMM.FindStringSubmatch(v); len(m) == 3 {
		hh, _ := strconv.Atoi(m[1])
		mm, _ := strconv.Atoi(m[2])
		if mm > 59 {
			return Schedule{}, fmt.Errorf("invalid minutes in %q", v)
		}
		d := time.Duration(hh)*time.Hour + time.Duration(mm)*time.Minute
		if d <= 0 {
			return Schedule{}, ErrZeroInterval
		}
		return Schedule{Kind: ScheduleInterval, Every: d, Source: "hhmm"}, nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return Schedule{}, fmt.Errorf("invalid interval %q (use HH:MM or Go duration like '55m'/'2h30m')", v)
	}
	if d <= 0 {
		return Schedule{}, ErrZeroInterval
	}
	return Schedule{Kind: ScheduleInterval, Every: d, Source: "duration"}, nil
}

// Next returns the next firing time after now. For intervals it is now+Every.
func (s Schedule) Next(now time.Time) time.Time {
	if s.Kind == ScheduleCron && s.spec != nil {
		return s.spec.Next(now)
	}
	return now.Add(s.Every)
}

// NominalInterval is the interval used for error backoff and watchdog
// limits. For cron it is the gap between the next two firings.
func (s Schedule) NominalInterval(now time.Time) time.Duration {
	if s.Kind != ScheduleCron || s.spec == nil {
		return s.Every
	}
	first := s.spec.Next(now)
	gap := s.spec.Next(first).Sub(first)
	if gap <= 0 {
		return time.Minute
	}
	return gap
}

func (s Schedule) String() string {
	if s.Kind == ScheduleCron {
		return "cron:" + s.Cron
	}
	return s.Every.String()
}
