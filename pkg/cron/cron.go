// Package cron implements the five-field cron grammar used by job
// definitions: minute, hour, day-of-month, month, day-of-week. Each field
// accepts `*`, a literal, a range `a-b`, a step `*/n` (or `a-b/n`), and
// comma lists of those forms. `L` (last day of month) and `nW` (nearest
// weekday) are accepted in the day-of-month field only when the schedule is
// parsed with the WithLW option, mirroring the job-definition flag.
//
// Day-of-month and day-of-week combine with OR when both are restricted,
// and with AND otherwise, matching traditional cron.
package cron

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

type fieldSpec struct {
	min, max int
	name     string
}

var (
	minuteField = fieldSpec{0, 59, "minute"}
	hourField   = fieldSpec{0, 23, "hour"}
	domField    = fieldSpec{1, 31, "day-of-month"}
	monthField  = fieldSpec{1, 12, "month"}
	dowField    = fieldSpec{0, 6, "day-of-week"}
)

// Schedule is a parsed cron expression
type Schedule struct {
	expr string

	minutes [60]bool
	hours   [24]bool
	dom     [32]bool // 1..31
	months  [13]bool // 1..12
	dow     [7]bool  // 0 = Sunday

	domRestricted bool
	dowRestricted bool

	// L/W extensions on the day-of-month field
	lastDay      bool
	weekdayNear  []int // days with a W suffix
	allowLW      bool
}

// Option adjusts parsing behavior
type Option func(*Schedule)

// WithLW permits L and W in the day-of-month field
func WithLW() Option {
	return func(s *Schedule) { s.allowLW = true }
}

// Parse parses a five-field cron expression
func Parse(expr string, opts ...Option) (*Schedule, error) {
	fields := strings.Fields(expr)
	if len(fields) != 5 {
		return nil, fmt.Errorf("cron expression %q: expected 5 fields, got %d", expr, len(fields))
	}

	s := &Schedule{expr: expr}
	for _, opt := range opts {
		opt(s)
	}

	if err := parseField(fields[0], minuteField, s.minutes[:]); err != nil {
		return nil, fmt.Errorf("cron expression %q: %w", expr, err)
	}
	if err := parseField(fields[1], hourField, s.hours[:]); err != nil {
		return nil, fmt.Errorf("cron expression %q: %w", expr, err)
	}
	if err := s.parseDOM(fields[2]); err != nil {
		return nil, fmt.Errorf("cron expression %q: %w", expr, err)
	}
	if err := parseField(fields[3], monthField, s.months[:]); err != nil {
		return nil, fmt.Errorf("cron expression %q: %w", expr, err)
	}
	if err := parseField(fields[4], dowField, s.dow[:]); err != nil {
		return nil, fmt.Errorf("cron expression %q: %w", expr, err)
	}

	s.domRestricted = fields[2] != "*"
	s.dowRestricted = fields[4] != "*"
	return s, nil
}

// String returns the original expression
func (s *Schedule) String() string { return s.expr }

// parseDOM handles the day-of-month field including L/W extensions
func (s *Schedule) parseDOM(field string) error {
	var plain []string
	for _, part := range strings.Split(field, ",") {
		switch {
		case part == "L":
			if !s.allowLW {
				return fmt.Errorf("day-of-month: L not declared on this job definition")
			}
			s.lastDay = true
		case strings.HasSuffix(part, "W"):
			if !s.allowLW {
				return fmt.Errorf("day-of-month: W not declared on this job definition")
			}
			n, err := strconv.Atoi(strings.TrimSuffix(part, "W"))
			if err != nil || n < 1 || n > 31 {
				return fmt.Errorf("day-of-month: invalid weekday-nearest day %q", part)
			}
			s.weekdayNear = append(s.weekdayNear, n)
		default:
			plain = append(plain, part)
		}
	}

	if len(plain) == 0 {
		// Only L/W parts; leave the plain set empty
		return nil
	}
	return parseField(strings.Join(plain, ","), domField, s.dom[:])
}

// parseField fills set for one comma-separated field
func parseField(field string, spec fieldSpec, set []bool) error {
	if field == "" {
		return fmt.Errorf("%s: empty field", spec.name)
	}

	for _, part := range strings.Split(field, ",") {
		lo, hi, step := spec.min, spec.max, 1

		body := part
		if idx := strings.IndexByte(part, '/'); idx >= 0 {
			body = part[:idx]
			n, err := strconv.Atoi(part[idx+1:])
			if err != nil || n <= 0 {
				return fmt.Errorf("%s: invalid step in %q", spec.name, part)
			}
			step = n
		}

		switch {
		case body == "*":
			// full range
		case strings.Contains(body, "-"):
			bounds := strings.SplitN(body, "-", 2)
			a, err1 := strconv.Atoi(bounds[0])
			b, err2 := strconv.Atoi(bounds[1])
			if err1 != nil || err2 != nil {
				return fmt.Errorf("%s: invalid range %q", spec.name, body)
			}
			lo, hi = a, b
		default:
			n, err := strconv.Atoi(body)
			if err != nil {
				return fmt.Errorf("%s: invalid value %q", spec.name, body)
			}
			lo, hi = n, n
			if strings.IndexByte(part, '/') >= 0 {
				// "a/n" extends to the end of the field range
				hi = spec.max
			}
		}

		if lo < spec.min || hi > spec.max || lo > hi {
			return fmt.Errorf("%s: value out of range in %q", spec.name, part)
		}

		for v := lo; v <= hi; v += step {
			set[v] = true
		}
	}
	return nil
}

// dayMatches applies the dom/dow OR-combination rule for a concrete date
func (s *Schedule) dayMatches(t time.Time) bool {
	dom := s.domMatches(t)
	dow := s.dow[int(t.Weekday())]

	if s.domRestricted && s.dowRestricted {
		return dom || dow
	}
	if s.domRestricted {
		return dom
	}
	if s.dowRestricted {
		return dow
	}
	return true
}

func (s *Schedule) domMatches(t time.Time) bool {
	day := t.Day()
	if s.dom[day] {
		return true
	}
	if s.lastDay && day == lastDayOfMonth(t) {
		return true
	}
	for _, n := range s.weekdayNear {
		if nearestWeekday(t.Year(), t.Month(), n) == day {
			return true
		}
	}
	return false
}

func lastDayOfMonth(t time.Time) int {
	return time.Date(t.Year(), t.Month(), 1, 0, 0, 0, 0, t.Location()).
		AddDate(0, 1, -1).Day()
}

// nearestWeekday returns the day of month of the weekday closest to day n,
// never crossing a month boundary
func nearestWeekday(year int, month time.Month, n int) int {
	last := time.Date(year, month, 1, 0, 0, 0, 0, time.UTC).AddDate(0, 1, -1).Day()
	if n > last {
		n = last
	}
	d := time.Date(year, month, n, 0, 0, 0, 0, time.UTC)
	switch d.Weekday() {
	case time.Saturday:
		if n > 1 {
			return n - 1
		}
		return n + 2
	case time.Sunday:
		if n < last {
			return n + 1
		}
		return n - 2
	}
	return n
}

// Next computes the first fire time strictly after now, at least one second
// in the future, aligned to a whole minute. A zero time is returned if no
// match exists within the next five years.
func (s *Schedule) Next(now time.Time) time.Time {
	t := now.Add(time.Second).Truncate(time.Minute).Add(time.Minute)
	limit := now.AddDate(5, 0, 0)

	for t.Before(limit) {
		if !s.months[int(t.Month())] {
			// Jump to the first minute of the next month
			t = time.Date(t.Year(), t.Month(), 1, 0, 0, 0, 0, t.Location()).AddDate(0, 1, 0)
			continue
		}
		if !s.dayMatches(t) {
			t = time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, t.Location()).AddDate(0, 0, 1)
			continue
		}
		if !s.hours[t.Hour()] {
			t = t.Truncate(time.Hour).Add(time.Hour)
			continue
		}
		if !s.minutes[t.Minute()] {
			t = t.Add(time.Minute)
			continue
		}
		return t
	}
	return time.Time{}
}
