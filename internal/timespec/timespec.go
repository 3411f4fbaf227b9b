// Package timespec converts user-entered time specifications (relative
// offsets or naive local datetimes) into concrete instants in the configured
// reference timezone.
package timespec

import (
	"fmt"
	"strings"
	"time"

	"untild/internal/change"
)

// Unit is a relative-offset unit.
type Unit string

const (
	UnitMinute Unit = "minute"
	UnitHour   Unit = "hour"
	UnitDay    Unit = "day"
	UnitWeek   Unit = "week"
)

var unitSeconds = map[Unit]int64{
	UnitMinute: 60,
	UnitHour:   3600,
	UnitDay:    86400,
	UnitWeek:   604800,
}

// ParseUnit normalizes a unit string ("hour", "hours", "h" is not accepted;
// plural forms are, since that is what the original request format carried).
func ParseUnit(raw string) (Unit, error) {
	u := Unit(strings.TrimSuffix(strings.ToLower(strings.TrimSpace(raw)), "s"))
	if _, ok := unitSeconds[u]; !ok {
		return "", fmt.Errorf("%w: unknown unit %q", change.ErrInvalidTimeSpec, raw)
	}
	return u, nil
}

// Spec is either a relative offset (Amount+Unit) or an absolute naive
// datetime string. Exactly one form must be set.
type Spec struct {
	Amount   int
	Unit     Unit
	Absolute string
}

func Relative(amount int, unit Unit) Spec { return Spec{Amount: amount, Unit: unit} }
func Absolute(s string) Spec              { return Spec{Absolute: s} }

func (s Spec) isRelative() bool { return strings.TrimSpace(s.Absolute) == "" }

// DisplayLayout is the storage/display format for instants.
// Seconds precision, no zone suffix; the zone is always the reference one.
const DisplayLayout = "2006-01-02 15:04:05"

// Accepted layouts for absolute user input.
var absoluteLayouts = []string{
	DisplayLayout,
	"2006-01-02 15:04",
	"2006-01-02T15:04:05",
	"2006-01-02T15:04",
}

// Resolver turns Specs into instants.
//
// Loc is the process-wide reference timezone; Now is injectable so tests can
// pin the clock. Both the dispatcher's "now" comparisons and absolute inputs
// go through the same location to avoid off-by-offset scheduling.
type Resolver struct {
	Loc *time.Location
	Now func() time.Time
}

func NewResolver(loc *time.Location) *Resolver {
	if loc == nil {
		loc = time.Local
	}
	return &Resolver{Loc: loc, Now: time.Now}
}

func (r *Resolver) now() time.Time {
	if r.Now != nil {
		return r.Now().In(r.Loc)
	}
	return time.Now().In(r.Loc)
}

// Resolve converts spec into a concrete instant in the reference timezone.
// Failures wrap change.ErrInvalidTimeSpec.
func (r *Resolver) Resolve(spec Spec) (time.Time, error) {
	if spec.isRelative() {
		return r.resolveRelative(spec)
	}
	return r.resolveAbsolute(spec.Absolute)
}

func (r *Resolver) resolveRelative(spec Spec) (time.Time, error) {
	if spec.Amount <= 0 {
		return time.Time{}, fmt.Errorf("%w: amount must be positive, got %d", change.ErrInvalidTimeSpec, spec.Amount)
	}
	secs, ok := unitSeconds[spec.Unit]
	if !ok {
		return time.Time{}, fmt.Errorf("%w: unknown unit %q", change.ErrInvalidTimeSpec, spec.Unit)
	}
	return r.now().Add(time.Duration(int64(spec.Amount)*secs) * time.Second), nil
}

func (r *Resolver) resolveAbsolute(raw string) (time.Time, error) {
	s := strings.TrimSpace(raw)
	if s == "" {
		return time.Time{}, fmt.Errorf("%w: empty datetime", change.ErrInvalidTimeSpec)
	}
	for _, layout := range absoluteLayouts {
		if t, err := time.ParseInLocation(layout, s, r.Loc); err == nil {
			return t, nil
		}
	}
	return time.Time{}, fmt.Errorf("%w: cannot parse datetime %q", change.ErrInvalidTimeSpec, raw)
}

// Format renders an instant in the reference timezone for display/storage.
// Re-parsing the result as an absolute spec yields the same instant.
func (r *Resolver) Format(t time.Time) string {
	return t.In(r.Loc).Format(DisplayLayout)
}
