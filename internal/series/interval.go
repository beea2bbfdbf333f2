// Package series holds the core time-series primitives shared by the loader,
// detectors, and alerting: the Interval grid step, the datapoint Bundle, and
// seasonality feature extraction.
package series

import (
	"errors"
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"
)

// ErrBadInterval marks an unparsable or non-positive interval literal.
var ErrBadInterval = errors.New("bad interval")

// Interval is a strictly positive number of seconds between grid points.
// Two intervals are equal iff their seconds are equal, so the zero-cost
// struct comparison works for equality and map keys.
type Interval struct {
	seconds int64
}

var intervalLiteral = regexp.MustCompile(`^([1-9][0-9]*)([a-zA-Z]+)$`)

var unitSeconds = map[string]int64{
	"s":    1,
	"sec":  1,
	"m":    60,
	"min":  60,
	"h":    3600,
	"hour": 3600,
	"d":    86400,
	"day":  86400,
}

// IntervalFromSeconds builds an interval from a raw second count.
func IntervalFromSeconds(seconds int64) (Interval, error) {
	if seconds <= 0 {
		return Interval{}, fmt.Errorf("%w: interval must be positive, got %d", ErrBadInterval, seconds)
	}
	return Interval{seconds: seconds}, nil
}

// ParseInterval parses a case-insensitive literal of the form <N><unit>
// where unit is one of s/sec, m/min, h/hour, d/day (optionally pluralized).
func ParseInterval(literal string) (Interval, error) {
	m := intervalLiteral.FindStringSubmatch(strings.TrimSpace(literal))
	if m == nil {
		return Interval{}, fmt.Errorf("%w: invalid interval format %q", ErrBadInterval, literal)
	}

	n, err := strconv.ParseInt(m[1], 10, 64)
	if err != nil {
		return Interval{}, fmt.Errorf("%w: invalid interval format %q", ErrBadInterval, literal)
	}

	unit := strings.ToLower(m[2])
	if len(unit) > 1 && strings.HasSuffix(unit, "s") {
		unit = strings.TrimSuffix(unit, "s")
	}
	mult, ok := unitSeconds[unit]
	if !ok {
		return Interval{}, fmt.Errorf("%w: unknown time unit %q in %q", ErrBadInterval, m[2], literal)
	}

	if n <= 0 {
		return Interval{}, fmt.Errorf("%w: interval must be positive, got %q", ErrBadInterval, literal)
	}
	return Interval{seconds: n * mult}, nil
}

// Seconds returns the interval length in seconds.
func (iv Interval) Seconds() int64 { return iv.seconds }

// Duration returns the interval as a time.Duration.
func (iv Interval) Duration() time.Duration { return time.Duration(iv.seconds) * time.Second }

// String renders the canonical literal: whole days as "Nd", whole hours as
// "Nh", whole minutes as "Nmin", anything else as "Ns".
func (iv Interval) String() string {
	switch {
	case iv.seconds%86400 == 0:
		return fmt.Sprintf("%dd", iv.seconds/86400)
	case iv.seconds%3600 == 0:
		return fmt.Sprintf("%dh", iv.seconds/3600)
	case iv.seconds%60 == 0:
		return fmt.Sprintf("%dmin", iv.seconds/60)
	default:
		return fmt.Sprintf("%ds", iv.seconds)
	}
}

// AlignFloor floors t to the previous grid boundary. The grid is rooted at
// the Unix epoch in UTC.
func (iv Interval) AlignFloor(t time.Time) time.Time {
	unix := t.Unix()
	floored := unix - (unix%iv.seconds+iv.seconds)%iv.seconds
	return time.Unix(floored, 0).UTC()
}

// Aligned reports whether t sits exactly on the grid.
func (iv Interval) Aligned(t time.Time) bool {
	return t.Unix()%iv.seconds == 0 && t.Nanosecond() == 0
}
