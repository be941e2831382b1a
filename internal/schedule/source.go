// Package schedule provides due-time sources for jobs.
//
// A Source maps an instant to the next due instant strictly after it. The
// only exception is Never, a fixed far-future instant meaning "no further
// occurrences".
package schedule

import (
	"fmt"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/robfig/cron/v3"
)

// Never is the sentinel due time of a schedule with no further occurrences.
var Never = time.Date(9999, time.December, 31, 23, 59, 59, 0, time.UTC)

// IsNever reports whether t is the Never sentinel (or beyond it).
func IsNever(t time.Time) bool { return !t.Before(Never) }

// Source computes due times. DueTimeAfter must return an instant strictly
// after the argument, or Never.
type Source interface {
	DueTimeAfter(after time.Time) time.Time
}

// Func adapts a function to Source.
type Func func(after time.Time) time.Time

func (f Func) DueTimeAfter(after time.Time) time.Time { return f(after) }

// NeverSchedule never becomes due.
type NeverSchedule struct{}

func (NeverSchedule) DueTimeAfter(time.Time) time.Time { return Never }
func (NeverSchedule) String() string                 { return "never" }

// Once is due a single time at At.
type Once struct {
	At time.Time
}

func (o Once) DueTimeAfter(after time.Time) time.Time {
	if after.Before(o.At) {
		return o.At
	}
	return Never
}

func (o Once) String() string { return "at " + o.At.Format(time.RFC3339) }

// Interval is due every Every, anchored at Anchor. A zero Anchor aligns
// occurrences to the Unix epoch, so "1h" fires on the hour (UTC).
type Interval struct {
	Every  time.Duration
	Anchor time.Time
}

func NewInterval(every time.Duration, anchor time.Time) (Interval, error) {
	if every <= 0 {
		return Interval{}, errors.Newf("interval must be > 0, got %s", every)
	}
	return Interval{Every: every, Anchor: anchor}, nil
}

func (iv Interval) anchor() time.Time {
	if iv.Anchor.IsZero() {
		return time.Unix(0, 0).UTC()
	}
	return iv.Anchor
}

func (iv Interval) DueTimeAfter(after time.Time) time.Time {
	if iv.Every <= 0 || IsNever(after) {
		return Never
	}
	a := iv.anchor()
	if after.Before(a) {
		return a
	}
	elapsed := after.Sub(a)
	next := a.Add((elapsed/iv.Every + 1) * iv.Every)
	if !next.After(after) || IsNever(next) {
		// Duration arithmetic saturated.
		return Never
	}
	return next
}

func (iv Interval) String() string { return "every " + iv.Every.String() }

// Cron is a cron expression evaluated in a location.
type Cron struct {
	expr  string
	loc   *time.Location
	sched cron.Schedule
}

var cronParser = cron.NewParser(cron.SecondOptional | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)

// NewCron parses expr with optional seconds and descriptors (@hourly,
// @every 5m). A nil loc means UTC.
func NewCron(expr string, loc *time.Location) (*Cron, error) {
	sched, err := cronParser.Parse(expr)
	if err != nil {
		return nil, errors.Wrapf(err, "invalid cron %q", expr)
	}
	if loc == nil {
		loc = time.UTC
	}
	return &Cron{expr: expr, loc: loc, sched: sched}, nil
}

func (c *Cron) DueTimeAfter(after time.Time) time.Time {
	if IsNever(after) {
		return Never
	}
	next := c.sched.Next(after.In(c.loc))
	if next.IsZero() || !next.After(after) {
		// robfig returns zero when nothing matches within five years.
		return Never
	}
	return next
}

func (c *Cron) Location() *time.Location { return c.loc }
func (c *Cron) String() string           { return "cron " + c.expr }

// Preview lists up to n due times of src after the given instant, stopping at Never.
func Preview(src Source, after time.Time, n int) []time.Time {
	if src == nil || n <= 0 {
		return nil
	}
	out := make([]time.Time, 0, n)
	t := after
	for len(out) < n {
		next := src.DueTimeAfter(t)
		if IsNever(next) || !next.After(t) {
			break
		}
		out = append(out, next)
		t = next
	}
	return out
}

// Describe returns a human readable form of src.
func Describe(src Source) string {
	if src == nil {
		return "none"
	}
	if s, ok := src.(fmt.Stringer); ok {
		return s.String()
	}
	return fmt.Sprintf("%T", src)
}
