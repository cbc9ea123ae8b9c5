// Package cron decides whether a five-field schedule fires at an instant.
//
// A schedule is "minute hour day-of-month month day-of-week", each field
// either "*" or one exact integer. Ranges, steps and lists are rejected.
// Matching is always done in UTC.
package cron

import (
	"strconv"
	"strings"
	"time"

	robfig "github.com/robfig/cron/v3"

	"github.com/teranos/chronos/errors"
)

const wildcard = "*"

type field struct {
	name     string
	min, max int
	value    func(time.Time) int
}

var fields = [5]field{
	{"minute", 0, 59, func(t time.Time) int { return t.Minute() }},
	{"hour", 0, 23, func(t time.Time) int { return t.Hour() }},
	{"day of month", 1, 31, func(t time.Time) int { return t.Day() }},
	{"month", 1, 12, func(t time.Time) int { return int(t.Month()) }},
	{"day of week", 0, 7, func(t time.Time) int { return int(t.Weekday()) }},
}

// IsDue reports whether schedule fires at now. Blank or malformed
// schedules never fire.
func IsDue(schedule string, now time.Time) bool {
	parts, err := parse(schedule)
	if err != nil {
		return false
	}

	now = now.UTC()
	for i, part := range parts {
		if part == nil {
			continue
		}
		want := *part
		got := fields[i].value(now)
		if i == 4 && want == 7 {
			want = 0
		}
		if want != got {
			return false
		}
	}
	return true
}

// Validate returns an ErrInvalidSchedule error describing the first problem
// with schedule, or nil.
func Validate(schedule string) error {
	_, err := parse(schedule)
	return err
}

// Next returns the first instant strictly after after at which schedule fires.
func Next(schedule string, after time.Time) (time.Time, error) {
	parsed, err := parse(schedule)
	if err != nil {
		return time.Time{}, err
	}
	parts := strings.Fields(schedule)
	if parsed[4] != nil && *parsed[4] == 7 {
		parts[4] = "0"
	}
	sched, err := robfig.ParseStandard("TZ=UTC " + strings.Join(parts, " "))
	if err != nil {
		return time.Time{}, errors.Wrap(errors.ErrInvalidSchedule, err.Error())
	}
	return sched.Next(after.UTC()), nil
}

// parse returns one entry per field, nil for a wildcard.
func parse(schedule string) ([]*int, error) {
	parts := strings.Fields(schedule)
	if len(parts) == 0 {
		return nil, errors.Wrap(errors.ErrInvalidSchedule, "empty schedule")
	}
	if len(parts) != len(fields) {
		return nil, errors.Wrapf(errors.ErrInvalidSchedule,
			"expected %d fields, got %d in %q", len(fields), len(parts), schedule)
	}

	out := make([]*int, len(parts))
	for i, part := range parts {
		if part == wildcard {
			continue
		}
		f := fields[i]
		n, err := strconv.Atoi(part)
		if err != nil {
			return nil, errors.Wrapf(errors.ErrInvalidSchedule,
				"%s field %q must be %q or an integer", f.name, part, wildcard)
		}
		if n < f.min || n > f.max {
			return nil, errors.Wrapf(errors.ErrInvalidSchedule,
				"%s %d out of range %d-%d", f.name, n, f.min, f.max)
		}
		out[i] = &n
	}
	return out, nil
}
