package services

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

// Schedule grammars, in detection order:
//
//	2026-03-01T09:00:00Z          absolute instant, fires once
//	daily:HH:MM                   every day at the local wall-clock time
//	weekly:<day>:HH:MM            every week on that day/time
//	MIN HOUR * * WEEKDAY          simplified 5-field cron; * allowed on
//	                              minute, hour and weekday only
//
// All wall-clock arithmetic happens in the declared zone and the result is
// returned in UTC. Computing in UTC directly would drift by the offset
// change across DST transitions.

var weekdayNames = map[string]time.Weekday{
	"sunday": time.Sunday, "sun": time.Sunday,
	"monday": time.Monday, "mon": time.Monday,
	"tuesday": time.Tuesday, "tue": time.Tuesday,
	"wednesday": time.Wednesday, "wed": time.Wednesday,
	"thursday": time.Thursday, "thu": time.Thursday,
	"friday": time.Friday, "fri": time.Friday,
	"saturday": time.Saturday, "sat": time.Saturday,
}

// ParseSchedule resolves a recurrence spec to the next run instant after
// now, in UTC. Malformed specs return an error; callers must refuse to
// enable an automation whose schedule does not parse.
func ParseSchedule(spec, timezone string, now time.Time) (time.Time, error) {
	spec = strings.TrimSpace(spec)
	if spec == "" {
		return time.Time{}, fmt.Errorf("empty schedule")
	}

	if t, err := time.Parse(time.RFC3339, spec); err == nil {
		return t.UTC(), nil
	}

	loc := time.UTC
	if timezone != "" {
		var err error
		loc, err = time.LoadLocation(timezone)
		if err != nil {
			return time.Time{}, fmt.Errorf("unknown timezone %q: %w", timezone, err)
		}
	}
	local := now.In(loc)

	switch {
	case strings.HasPrefix(spec, "daily:"):
		return nextDaily(strings.TrimPrefix(spec, "daily:"), local)
	case strings.HasPrefix(spec, "weekly:"):
		return nextWeekly(strings.TrimPrefix(spec, "weekly:"), local)
	default:
		return nextCron(spec, local)
	}
}

// IsOneShotSchedule reports whether the spec is an absolute instant that
// fires once and never recurs.
func IsOneShotSchedule(spec string) bool {
	_, err := time.Parse(time.RFC3339, strings.TrimSpace(spec))
	return err == nil
}

func nextDaily(clock string, local time.Time) (time.Time, error) {
	hour, min, err := parseClock(clock)
	if err != nil {
		return time.Time{}, err
	}
	next := time.Date(local.Year(), local.Month(), local.Day(), hour, min, 0, 0, local.Location())
	if !next.After(local) {
		// today's slot has passed, roll to the next calendar day
		next = time.Date(local.Year(), local.Month(), local.Day()+1, hour, min, 0, 0, local.Location())
	}
	return next.UTC(), nil
}

func nextWeekly(spec string, local time.Time) (time.Time, error) {
	parts := strings.SplitN(spec, ":", 2)
	if len(parts) != 2 {
		return time.Time{}, fmt.Errorf("weekly schedule needs <day>:HH:MM")
	}
	day, ok := weekdayNames[strings.ToLower(parts[0])]
	if !ok {
		return time.Time{}, fmt.Errorf("unknown weekday %q", parts[0])
	}
	hour, min, err := parseClock(parts[1])
	if err != nil {
		return time.Time{}, err
	}
	ahead := (int(day) - int(local.Weekday()) + 7) % 7
	next := time.Date(local.Year(), local.Month(), local.Day()+ahead, hour, min, 0, 0, local.Location())
	if !next.After(local) {
		next = time.Date(next.Year(), next.Month(), next.Day()+7, hour, min, 0, 0, local.Location())
	}
	return next.UTC(), nil
}

// nextCron handles "MIN HOUR * * WEEKDAY". Day-of-month and month must be
// literal "*". The next match is found by scanning forward minute by
// minute in the local zone, bounded by the longest possible gap (a weekly
// slot just missed).
func nextCron(spec string, local time.Time) (time.Time, error) {
	fields := strings.Fields(spec)
	if len(fields) != 5 {
		return time.Time{}, fmt.Errorf("cron schedule needs 5 fields, got %d", len(fields))
	}
	if fields[2] != "*" || fields[3] != "*" {
		return time.Time{}, fmt.Errorf("day-of-month and month must be *")
	}
	minute, err := parseCronField(fields[0], 0, 59)
	if err != nil {
		return time.Time{}, fmt.Errorf("minute: %w", err)
	}
	hour, err := parseCronField(fields[1], 0, 23)
	if err != nil {
		return time.Time{}, fmt.Errorf("hour: %w", err)
	}
	weekday, err := parseCronWeekday(fields[4])
	if err != nil {
		return time.Time{}, fmt.Errorf("weekday: %w", err)
	}

	candidate := local.Truncate(time.Minute).Add(time.Minute)
	limit := candidate.Add(8 * 24 * time.Hour)
	for candidate.Before(limit) {
		cl := candidate.In(local.Location())
		if (minute < 0 || cl.Minute() == minute) &&
			(hour < 0 || cl.Hour() == hour) &&
			(weekday < 0 || int(cl.Weekday()) == weekday) {
			return candidate.UTC(), nil
		}
		candidate = candidate.Add(time.Minute)
	}
	return time.Time{}, fmt.Errorf("no matching slot within 8 days for %q", spec)
}

// parseCronField returns -1 for a wildcard.
func parseCronField(s string, min, max int) (int, error) {
	if s == "*" {
		return -1, nil
	}
	n, err := strconv.Atoi(s)
	if err != nil {
		return 0, fmt.Errorf("invalid value %q", s)
	}
	if n < min || n > max {
		return 0, fmt.Errorf("value %d out of range [%d,%d]", n, min, max)
	}
	return n, nil
}

// parseCronWeekday accepts 0-6 (Sunday=0) or a weekday name.
func parseCronWeekday(s string) (int, error) {
	if s == "*" {
		return -1, nil
	}
	if d, ok := weekdayNames[strings.ToLower(s)]; ok {
		return int(d), nil
	}
	n, err := strconv.Atoi(s)
	if err != nil || n < 0 || n > 6 {
		return 0, fmt.Errorf("invalid weekday %q", s)
	}
	return n, nil
}

func parseClock(s string) (hour, min int, err error) {
	parts := strings.Split(s, ":")
	if len(parts) != 2 {
		return 0, 0, fmt.Errorf("clock needs HH:MM, got %q", s)
	}
	hour, err = strconv.Atoi(parts[0])
	if err != nil || hour < 0 || hour > 23 {
		return 0, 0, fmt.Errorf("invalid hour %q", parts[0])
	}
	min, err = strconv.Atoi(parts[1])
	if err != nil || min < 0 || min > 59 {
		return 0, 0, fmt.Errorf("invalid minute %q", parts[1])
	}
	return hour, min, nil
}
