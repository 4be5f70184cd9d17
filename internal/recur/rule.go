// Package recur holds the recurrence rule model and the engine that expands
// rules into local calendar dates.
package recur

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

// Frequency is the period a rule steps by.
type Frequency int

const (
	Daily Frequency = iota
	Weekly
	Monthly
	Yearly
	// Sub-daily frequencies are representable so they can be reported, but
	// they never validate.
	Hourly
	Minutely
	Secondly
)

func (f Frequency) String() string {
	switch f {
	case Daily:
		return "DAILY"
	case Weekly:
		return "WEEKLY"
	case Monthly:
		return "MONTHLY"
	case Yearly:
		return "YEARLY"
	case Hourly:
		return "HOURLY"
	case Minutely:
		return "MINUTELY"
	case Secondly:
		return "SECONDLY"
	default:
		return "FREQ(" + strconv.Itoa(int(f)) + ")"
	}
}

// SubDaily reports whether f steps by less than a day.
func (f Frequency) SubDaily() bool {
	return f == Hourly || f == Minutely || f == Secondly
}

// WeekdayNum is one BYDAY entry: a weekday, optionally qualified by a signed
// position within the period ("2MO", "-1FR"). N == 0 means every such
// weekday.
type WeekdayNum struct {
	Weekday time.Weekday
	N       int
}

var weekdayCodes = [...]string{"SU", "MO", "TU", "WE", "TH", "FR", "SA"}

func (w WeekdayNum) String() string {
	if w.N == 0 {
		return weekdayCodes[w.Weekday]
	}
	return strconv.Itoa(w.N) + weekdayCodes[w.Weekday]
}

// Part is a raw NAME=VALUE rule part.
type Part struct {
	Name  string
	Value string
}

// RuleModel is the typed form of a recurrence rule. It carries no logic
// beyond formatting; expansion lives in Engine.
type RuleModel struct {
	Frequency  Frequency
	Interval   int
	ByWeekday  []WeekdayNum
	ByMonthDay []int
	ByMonth    []int
	BySetPos   []int
	Count      int
	Until      *time.Time
	WeekStart  time.Weekday

	// Anchor is the first instant the rule is relative to (DTSTART).
	Anchor time.Time
	// DateOnly is true when the anchor carries no time of day.
	DateOnly bool

	// Extra holds parts outside the supported subset, in written order
	// (BYHOUR, BYWEEKNO, BYYEARDAY, ...).
	Extra []Part

	// Raw is the rule text as written, without the anchor.
	Raw string
}

// NewRule returns a rule with the RFC defaults applied (interval 1, weeks
// starting on Monday). The zero RuleModel has WeekStart == Sunday.
func NewRule(freq Frequency, anchor time.Time) RuleModel {
	return RuleModel{
		Frequency: freq,
		Interval:  1,
		WeekStart: time.Monday,
		Anchor:    anchor,
	}
}

// In moves a timed anchor and UNTIL into loc, so instance dates are loc's
// calendar dates. Date-only rules are returned unchanged.
func (r RuleModel) In(loc *time.Location) RuleModel {
	if loc == nil || r.DateOnly || r.Anchor.IsZero() {
		return r
	}
	r.Anchor = r.Anchor.In(loc)
	if r.Until != nil {
		until := r.Until.In(loc)
		r.Until = &until
	}
	return r
}

func (r RuleModel) interval() int {
	if r.Interval < 1 {
		return 1
	}
	return r.Interval
}

// HasPositionalWeekday reports whether any BYDAY entry carries a position.
func (r RuleModel) HasPositionalWeekday() bool {
	for _, wd := range r.ByWeekday {
		if wd.N != 0 {
			return true
		}
	}
	return false
}

// SubDailyParts returns the names of BYHOUR/BYMINUTE/BYSECOND parts present.
func (r RuleModel) SubDailyParts() []string {
	var out []string
	for _, p := range r.Extra {
		switch p.Name {
		case "BYHOUR", "BYMINUTE", "BYSECOND":
			out = append(out, p.Name)
		}
	}
	return out
}

// WithoutExtra returns a copy of r with the named extra part removed.
func (r RuleModel) WithoutExtra(name string) RuleModel {
	out := r
	out.Extra = nil
	for _, p := range r.Extra {
		if p.Name != name {
			out.Extra = append(out.Extra, p)
		}
	}
	return out
}

// String formats the rule parts (without DTSTART) in RFC 5545 order. Raw is
// not consulted.
func (r RuleModel) String() string {
	parts := []string{"FREQ=" + r.Frequency.String()}
	if r.Interval > 1 {
		parts = append(parts, "INTERVAL="+strconv.Itoa(r.Interval))
	}
	if r.Count > 0 {
		parts = append(parts, "COUNT="+strconv.Itoa(r.Count))
	}
	if r.Until != nil {
		parts = append(parts, "UNTIL="+formatUntil(*r.Until, r.DateOnly))
	}
	if len(r.ByMonth) > 0 {
		parts = append(parts, "BYMONTH="+joinInts(r.ByMonth))
	}
	if len(r.ByMonthDay) > 0 {
		parts = append(parts, "BYMONTHDAY="+joinInts(r.ByMonthDay))
	}
	if len(r.ByWeekday) > 0 {
		days := make([]string, len(r.ByWeekday))
		for i, wd := range r.ByWeekday {
			days[i] = wd.String()
		}
		parts = append(parts, "BYDAY="+strings.Join(days, ","))
	}
	if len(r.BySetPos) > 0 {
		parts = append(parts, "BYSETPOS="+joinInts(r.BySetPos))
	}
	if r.WeekStart != time.Monday {
		parts = append(parts, "WKST="+weekdayCodes[r.WeekStart])
	}
	for _, p := range r.Extra {
		parts = append(parts, p.Name+"="+p.Value)
	}
	return strings.Join(parts, ";")
}

// Text returns Raw when the rule was parsed from text, otherwise String().
func (r RuleModel) Text() string {
	if r.Raw != "" {
		return r.Raw
	}
	return r.String()
}

func formatUntil(t time.Time, dateOnly bool) string {
	if dateOnly {
		return t.Format("20060102")
	}
	return t.UTC().Format("20060102T150405Z")
}

func joinInts(v []int) string {
	s := make([]string, len(v))
	for i, n := range v {
		s[i] = strconv.Itoa(n)
	}
	return strings.Join(s, ",")
}

// RuleValidationError reports a rule that cannot be expanded. It is always
// recoverable: the item is shown without recurrence.
type RuleValidationError struct {
	Rule   string
	Reason string
	Err    error
}

func (e *RuleValidationError) Error() string {
	msg := "invalid recurrence rule"
	if e.Rule != "" {
		msg += " " + strconv.Quote(e.Rule)
	}
	msg += ": " + e.Reason
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *RuleValidationError) Unwrap() error { return e.Err }

func invalid(r RuleModel, format string, args ...any) *RuleValidationError {
	return &RuleValidationError{Rule: r.Text(), Reason: fmt.Sprintf(format, args...)}
}

// Validate checks the rule against the supported subset.
func (r RuleModel) Validate() error {
	switch r.Frequency {
	case Daily, Weekly, Monthly, Yearly:
	default:
		return invalid(r, "unsupported frequency %s", r.Frequency)
	}
	if r.Interval < 0 {
		return invalid(r, "interval must be positive, got %d", r.Interval)
	}
	if r.Count < 0 {
		return invalid(r, "count must not be negative")
	}
	if r.Count > 0 && r.Until != nil {
		return invalid(r, "COUNT and UNTIL are mutually exclusive")
	}
	if r.Anchor.IsZero() {
		return invalid(r, "missing anchor date")
	}
	if len(r.Extra) > 0 {
		return invalid(r, "unsupported rule part %s", r.Extra[0].Name)
	}
	for _, m := range r.ByMonth {
		if m < 1 || m > 12 {
			return invalid(r, "BYMONTH value %d out of range", m)
		}
	}
	for _, d := range r.ByMonthDay {
		if d == 0 || d < -31 || d > 31 {
			return invalid(r, "BYMONTHDAY value %d out of range", d)
		}
	}
	for _, p := range r.BySetPos {
		if p == 0 || p < -366 || p > 366 {
			return invalid(r, "BYSETPOS value %d out of range", p)
		}
	}
	if r.HasPositionalWeekday() {
		switch r.Frequency {
		case Monthly:
			for _, wd := range r.ByWeekday {
				if wd.N < -5 || wd.N > 5 {
					return invalid(r, "BYDAY position %s out of range for MONTHLY", wd)
				}
			}
		case Yearly:
			for _, wd := range r.ByWeekday {
				if wd.N < -53 || wd.N > 53 {
					return invalid(r, "BYDAY position %s out of range for YEARLY", wd)
				}
			}
		default:
			return invalid(r, "positional BYDAY requires MONTHLY or YEARLY")
		}
		// Which Nth item BYSETPOS should pick out of an already positional
		// selection has no agreed meaning in practice.
		if len(r.BySetPos) > 0 {
			return invalid(r, "positional BYDAY combined with BYSETPOS")
		}
	}
	return nil
}
