package scheduler

import (
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/chubes4/data-machine/internal/flow"
	"github.com/gorhill/cronexpr"
)

// CronPrefix marks an interval holding a cron expression, e.g. "cron:0 7 * * *".
const CronPrefix = "cron:"

var (
	// ErrInvalidInterval is returned for interval names that are neither a
	// known recurrence nor a parsable cron expression.
	ErrInvalidInterval = fmt.Errorf("%w: invalid schedule interval", flow.ErrConfiguration)
	// ErrPastTimestamp is returned when a one-off run is requested for a time
	// that has already passed.
	ErrPastTimestamp = fmt.Errorf("%w: schedule timestamp is in the past", flow.ErrConfiguration)
)

var fixedIntervals = map[string]time.Duration{
	"every_5_minutes": 5 * time.Minute,
	"hourly":          time.Hour,
	"every_2_hours":   2 * time.Hour,
	"every_4_hours":   4 * time.Hour,
	"qtrdaily":        6 * time.Hour,
	"twicedaily":      12 * time.Hour,
	"daily":           24 * time.Hour,
	"weekly":          7 * 24 * time.Hour,
}

// Intervals lists the named recurring intervals.
func Intervals() []string {
	out := make([]string, 0, len(fixedIntervals))
	for name := range fixedIntervals {
		out = append(out, name)
	}
	sort.Slice(out, func(i, j int) bool { return fixedIntervals[out[i]] < fixedIntervals[out[j]] })
	return out
}

// Recurrence computes successive fire times for a recurring interval.
type Recurrence struct {
	spec  string
	every time.Duration
	cron  *cronexpr.Expression
}

// String returns the interval as it was parsed.
func (r Recurrence) String() string { return r.spec }

// Next returns the first slot strictly after from. Fixed intervals are
// aligned to multiples of the interval since the zero time, so every process
// derives the same slots whatever its clock reading. A zero result means the
// recurrence has no further slots.
func (r Recurrence) Next(from time.Time) time.Time {
	if r.cron != nil {
		return r.cron.Next(from)
	}
	return from.Truncate(r.every).Add(r.every)
}

// After returns the first slot strictly after now, stepping from slot so
// missed slots are skipped instead of shifting the grid.
func (r Recurrence) After(slot, now time.Time) time.Time {
	next := r.Next(slot)
	for !next.IsZero() && !next.After(now) {
		next = r.Next(next)
	}
	return next
}

// ParseInterval parses a recurring interval. manual and inherit are valid
// scheduling values but not recurrences, so they are rejected here.
func ParseInterval(spec string) (Recurrence, error) {
	spec = strings.TrimSpace(spec)
	if every, ok := fixedIntervals[spec]; ok {
		return Recurrence{spec: spec, every: every}, nil
	}
	if expr, ok := strings.CutPrefix(spec, CronPrefix); ok {
		parsed, err := cronexpr.Parse(strings.TrimSpace(expr))
		if err != nil {
			return Recurrence{}, fmt.Errorf("%w %q: %v", ErrInvalidInterval, spec, err)
		}
		return Recurrence{spec: spec, cron: parsed}, nil
	}
	return Recurrence{}, fmt.Errorf("%w %q", ErrInvalidInterval, spec)
}

// ValidInterval reports whether spec may be stored on a flow's scheduling.
func ValidInterval(spec string) bool {
	switch spec {
	case "", flow.IntervalManual, flow.IntervalInherit:
		return true
	}
	_, err := ParseInterval(spec)
	return err == nil
}
