package cron

import (
	"errors"
	"fmt"
	"time"

	"github.com/robfig/cron/v3"
)

// DefaultTolerance is the slack around a fire time within which a job counts as due.
const DefaultTolerance = 30 * time.Second

var (
	ErrInvalidSchedule = errors.New("invalid cron schedule")
	// ErrNoFireTime is returned for schedules that parse but never fire
	// within the search horizon, such as "0 0 30 2 *".
	ErrNoFireTime = errors.New("schedule has no fire time in range")
)

// InvalidScheduleError reports a cron expression that could not be parsed.
type InvalidScheduleError struct {
	Expr string
	Err  error
}

func (e *InvalidScheduleError) Error() string {
	return fmt.Sprintf("invalid cron schedule %q: %v", e.Expr, e.Err)
}

func (e *InvalidScheduleError) Unwrap() error { return e.Err }

func (e *InvalidScheduleError) Is(target error) bool { return target == ErrInvalidSchedule }

// Five fields, minute resolution, no descriptors.
var parser = cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow)

// starBit marks a field written as "*" in robfig's bitmasks.
const starBit = 1 << 63

// searchYears bounds how far back PreviousFireTime looks, mirroring the
// forward limit robfig uses in Next.
const searchYears = 5

// Schedule is a parsed five-field cron expression.
type Schedule struct {
	expr string
	spec *cron.SpecSchedule
}

// Parse parses a standard 5-field cron expression.
func Parse(expr string) (*Schedule, error) {
	s, err := parser.Parse(expr)
	if err != nil {
		return nil, &InvalidScheduleError{Expr: expr, Err: err}
	}
	spec, ok := s.(*cron.SpecSchedule)
	if !ok {
		return nil, &InvalidScheduleError{Expr: expr, Err: fmt.Errorf("unsupported schedule type %T", s)}
	}
	return &Schedule{expr: expr, spec: spec}, nil
}

func (s *Schedule) String() string { return s.expr }

// Next returns the earliest fire time strictly after t, or the zero time.
func (s *Schedule) Next(t time.Time) time.Time {
	return s.spec.Next(t)
}

// Matches reports whether the minute containing t is a fire time.
func (s *Schedule) Matches(t time.Time) bool {
	t = t.In(s.spec.Location)
	return 1<<uint(t.Minute())&s.spec.Minute != 0 &&
		1<<uint(t.Hour())&s.spec.Hour != 0 &&
		1<<uint(t.Month())&s.spec.Month != 0 &&
		s.dayMatches(t)
}

// Prev returns the latest fire time at or before t. It walks backwards one
// field at a time, jumping to the last minute of the previous month, day or
// hour whenever the coarser field does not match.
func (s *Schedule) Prev(t time.Time) (time.Time, bool) {
	loc := s.spec.Location
	orig := t.Location()
	t = t.In(loc)
	t = time.Date(t.Year(), t.Month(), t.Day(), t.Hour(), t.Minute(), 0, 0, loc)
	limit := t.Year() - searchYears

	for t.Year() >= limit {
		if 1<<uint(t.Month())&s.spec.Month == 0 {
			t = time.Date(t.Year(), t.Month(), 1, 0, 0, 0, 0, loc).Add(-time.Minute)
			continue
		}
		if !s.dayMatches(t) {
			t = time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, loc).Add(-time.Minute)
			continue
		}
		if 1<<uint(t.Hour())&s.spec.Hour == 0 {
			t = time.Date(t.Year(), t.Month(), t.Day(), t.Hour(), 0, 0, 0, loc).Add(-time.Minute)
			continue
		}
		if 1<<uint(t.Minute())&s.spec.Minute == 0 {
			t = t.Add(-time.Minute)
			continue
		}
		return t.In(orig), true
	}
	return time.Time{}, false
}

// dayMatches follows cron semantics: when either day field is "*" both must
// match, otherwise either may.
func (s *Schedule) dayMatches(t time.Time) bool {
	domMatch := 1<<uint(t.Day())&s.spec.Dom != 0
	dowMatch := 1<<uint(t.Weekday())&s.spec.Dow != 0
	if s.spec.Dom&starBit != 0 || s.spec.Dow&starBit != 0 {
		return domMatch && dowMatch
	}
	return domMatch || dowMatch
}

// Nearest returns whichever of the previous (<= now) and next (> now) fire
// times is closer to now. Ties go to the previous one.
func (s *Schedule) Nearest(now time.Time) (time.Time, bool) {
	prev, hasPrev := s.Prev(now)
	next := s.Next(now)
	hasNext := !next.IsZero()

	switch {
	case hasPrev && hasNext:
		if now.UnixMilli()-prev.UnixMilli() <= next.UnixMilli()-now.UnixMilli() {
			return prev, true
		}
		return next, true
	case hasPrev:
		return prev, true
	case hasNext:
		return next, true
	}
	return time.Time{}, false
}

// Evaluator decides whether schedules are due against a tolerance window.
type Evaluator struct {
	Tolerance time.Duration
}

func NewEvaluator(tolerance time.Duration) *Evaluator {
	if tolerance < 0 {
		tolerance = DefaultTolerance
	}
	return &Evaluator{Tolerance: tolerance}
}

// IsDue reports whether the nearest fire time of expr lies within the
// tolerance window of now.
func (e *Evaluator) IsDue(expr string, now time.Time) (bool, error) {
	_, due, err := e.DueFireTime(expr, now)
	return due, err
}

// DueFireTime returns the fire time that makes expr due at now, if any.
func (e *Evaluator) DueFireTime(expr string, now time.Time) (time.Time, bool, error) {
	s, err := Parse(expr)
	if err != nil {
		return time.Time{}, false, err
	}
	return e.dueFireTime(s, now)
}

func (e *Evaluator) dueFireTime(s *Schedule, now time.Time) (time.Time, bool, error) {
	nearest, ok := s.Nearest(now)
	if !ok {
		return time.Time{}, false, ErrNoFireTime
	}
	diff := now.UnixMilli() - nearest.UnixMilli()
	if diff < 0 {
		diff = -diff
	}
	return nearest, diff <= e.Tolerance.Milliseconds(), nil
}

// PreviousFireTime returns the latest instant at or before now matching expr.
func PreviousFireTime(expr string, now time.Time) (time.Time, error) {
	s, err := Parse(expr)
	if err != nil {
		return time.Time{}, err
	}
	prev, ok := s.Prev(now)
	if !ok {
		return time.Time{}, ErrNoFireTime
	}
	return prev, nil
}

// NextFireTime returns the earliest instant after now matching expr.
func NextFireTime(expr string, now time.Time) (time.Time, error) {
	s, err := Parse(expr)
	if err != nil {
		return time.Time{}, err
	}
	next := s.Next(now)
	if next.IsZero() {
		return time.Time{}, ErrNoFireTime
	}
	return next, nil
}
