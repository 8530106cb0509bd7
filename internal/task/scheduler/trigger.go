package scheduler

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/robfig/cron/v3"
)

// Trigger computes the next fire strictly after a given instant. Any
// robfig/cron schedule satisfies it.
type Trigger = cron.Schedule

var cronParser = cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)

// EveryMinutes fires every n minutes counted from registration.
func EveryMinutes(n int) Trigger { return cron.Every(time.Duration(n) * time.Minute) }

// EveryHours fires every n hours counted from registration.
func EveryHours(n int) Trigger { return cron.Every(time.Duration(n) * time.Hour) }

// DailyAligned fires on local wall-clock boundaries every `hours` hours,
// counted from midnight. Periods that do not divide a day restart at the
// following midnight; a period of a day or more fires at each midnight.
// Boundaries follow the wall clock, so DST changes never add or drop a
// daily fire.
func DailyAligned(hours int, loc *time.Location) Trigger {
	if loc == nil {
		loc = time.Local
	}
	return alignedSchedule{hours: hours, loc: loc}
}

type alignedSchedule struct {
	hours int
	loc   *time.Location
}

func (a alignedSchedule) Next(t time.Time) time.Time {
	if a.hours <= 0 {
		return time.Time{}
	}
	lt := t.In(a.loc)
	y, m, d := lt.Date()
	tomorrow := time.Date(y, m, d+1, 0, 0, 0, 0, a.loc)
	if a.hours >= 24 {
		return tomorrow
	}
	for h := (lt.Hour()/a.hours + 1) * a.hours; h < 24; h += a.hours {
		// A boundary inside a spring-forward gap normalizes forward and may
		// still land at or before t.
		if next := time.Date(y, m, d, h, 0, 0, 0, a.loc); next.After(t) {
			return next
		}
	}
	return tomorrow
}

// TriggerKind is the normalized form of a schedule string.
type TriggerKind int

const (
	KindCron TriggerKind = iota
	KindInterval
)

// ParsedTrigger is the result of ParseTrigger.
type ParsedTrigger struct {
	Kind    TriggerKind
	Expr    string        // cron expression, for KindCron
	Every   time.Duration // for KindInterval
	Source  string        // "cron" | "duration" | "hhmm"
	Trigger Trigger
}

var reHHMM = regexp.MustCompile(`^\s*(\d{1,3}):(\d{2})\s*$`)

// ParseTrigger accepts the schedule forms used in config files:
//   - cron: "*/5 * * * *", "@hourly", "@every 55m" (optionally "cron:" prefixed)
//   - Go duration: "30m", "2h30m" (optionally "every:" prefixed)
//   - HH:MM interval: "01:30" is 90 minutes
//
// Cron expressions are evaluated in loc.
func ParseTrigger(raw string, loc *time.Location) (ParsedTrigger, error) {
	s := strings.TrimSpace(raw)
	if s == "" {
		return ParsedTrigger{}, fmt.Errorf("schedule required")
	}
	low := strings.ToLower(s)
	switch {
	case strings.HasPrefix(low, "cron:"):
		return parseCron(strings.TrimSpace(s[len("cron:"):]), loc)
	case strings.HasPrefix(low, "every:"):
		return parseEvery(strings.TrimSpace(s[len("every:"):]))
	case strings.HasPrefix(s, "@") || strings.ContainsAny(s, " \t"):
		return parseCron(s, loc)
	default:
		pt, err := parseEvery(s)
		if err != nil {
			return ParsedTrigger{}, fmt.Errorf("invalid schedule %q (use cron like '*/5 * * * *', HH:MM like '02:30', or duration like '55m')", raw)
		}
		return pt, nil
	}
}

func parseCron(expr string, loc *time.Location) (ParsedTrigger, error) {
	if expr == "" {
		return ParsedTrigger{}, fmt.Errorf("cron expression required")
	}
	sched, err := cronParser.Parse(expr)
	if err != nil {
		return ParsedTrigger{}, fmt.Errorf("parse cron %q: %w", expr, err)
	}
	if ss, ok := sched.(*cron.SpecSchedule); ok && loc != nil && !strings.HasPrefix(expr, "CRON_TZ=") && !strings.HasPrefix(expr, "TZ=") {
		ss.Location = loc
	}
	return ParsedTrigger{Kind: KindCron, Expr: expr, Source: "cron", Trigger: sched}, nil
}

func parseEvery(v string) (ParsedTrigger, error) {
	if v == "" {
		return ParsedTrigger{}, fmt.Errorf("interval required")
	}
	src := "duration"
	var d time.Duration
	if m := reHHMM.FindStringSubmatch(v); m != nil {
		hh, _ := strconv.Atoi(m[1])
		mm, _ := strconv.Atoi(m[2])
		if mm > 59 {
			return ParsedTrigger{}, fmt.Errorf("invalid minutes in %q", v)
		}
		d = time.Duration(hh)*time.Hour + time.Duration(mm)*time.Minute
		src = "hhmm"
	} else {
		var err error
		if d, err = time.ParseDuration(v); err != nil {
			return ParsedTrigger{}, fmt.Errorf("invalid interval %q: %w", v, err)
		}
	}
	if d <= 0 {
		return ParsedTrigger{}, fmt.Errorf("interval must be > 0")
	}
	return ParsedTrigger{Kind: KindInterval, Every: d, Source: src, Trigger: cron.Every(d)}, nil
}

// describe renders a trigger for snapshots.
func describe(t Trigger) string {
	switch v := t.(type) {
	case cron.ConstantDelaySchedule:
		return "every " + v.Delay.String()
	case alignedSchedule:
		return "aligned every " + (time.Duration(v.hours) * time.Hour).String()
	case *cron.SpecSchedule:
		return "cron"
	default:
		return fmt.Sprintf("%T", t)
	}
}

// minPeriod returns the fixed spacing of interval triggers, or zero when
// the spacing is not constant.
func minPeriod(t Trigger) time.Duration {
	switch v := t.(type) {
	case cron.ConstantDelaySchedule:
		return v.Delay
	case alignedSchedule:
		return time.Duration(v.hours) * time.Hour
	default:
		return 0
	}
}
