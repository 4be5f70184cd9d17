package recur

import (
	"slices"
	"strconv"
	"time"

	"cloud.google.com/go/civil"
)

// DefaultMaxPeriods bounds how many frequency periods one expansion may
// visit.
const DefaultMaxPeriods = 10000

// Window is an inclusive range of local calendar dates.
type Window struct {
	From civil.Date
	To   civil.Date
}

// Contains reports whether d lies inside w.
func (w Window) Contains(d civil.Date) bool {
	return !d.Before(w.From) && !d.After(w.To)
}

// Instance is one expanded occurrence date.
type Instance struct {
	Date      civil.Date
	Completed bool
}

// Engine expands rules. The zero value is ready to use.
type Engine struct {
	// MaxPeriods is the iteration ceiling; DefaultMaxPeriods when zero.
	MaxPeriods int
}

// Expand expands rule with the default engine.
func Expand(rule RuleModel, exceptions ExceptionSet, window Window) ([]Instance, error) {
	return Engine{}.Expand(rule, exceptions, window)
}

// Expand returns the rule's occurrence dates inside window in ascending
// order. Skipped dates are removed and completed dates are flagged.
//
// A rule that fails validation (or runs past the iteration ceiling) yields
// a single instance on the anchor date together with a
// *RuleValidationError, so callers can still show the base item.
func (e Engine) Expand(rule RuleModel, exceptions ExceptionSet, window Window) ([]Instance, error) {
	if err := rule.Validate(); err != nil {
		return anchorOnly(rule, exceptions), err
	}
	if window.To.Before(window.From) {
		return nil, nil
	}

	maxPeriods := e.MaxPeriods
	if maxPeriods <= 0 {
		maxPeriods = DefaultMaxPeriods
	}

	anchor := civil.DateOf(rule.Anchor)
	first := periodStart(rule, anchor)
	step := rule.interval()

	k := 0
	if rule.Count == 0 {
		// Without COUNT nothing before the window affects the result, so
		// jump straight to the first period that can reach it.
		k = skipPeriods(rule, first, window.From)
	}

	var out []Instance
	emitted := 0
	for visited := 0; ; visited++ {
		if visited >= maxPeriods {
			return anchorOnly(rule, exceptions), invalid(rule, "more than %d periods without reaching the window end", maxPeriods)
		}

		start := advance(rule.Frequency, first, k*step)
		if start.After(window.To) {
			break
		}
		if rule.Until != nil && start.After(civil.DateOf(rule.Until.In(rule.Anchor.Location()))) {
			break
		}

		done := false
		for _, d := range periodCandidates(rule, start) {
			if d.Before(anchor) {
				continue
			}
			if rule.Until != nil && instantOf(rule, d).After(*rule.Until) {
				done = true
				break
			}
			emitted++
			if window.Contains(d) {
				// Completed wins over skipped.
				if completed := exceptions.IsCompleted(d); completed || !exceptions.IsSkipped(d) {
					out = append(out, Instance{Date: d, Completed: completed})
				}
			}
			if rule.Count > 0 && emitted >= rule.Count {
				done = true
				break
			}
		}
		if done {
			break
		}
		k++
	}
	return out, nil
}

// anchorOnly is the fallback result for rules that cannot be expanded.
func anchorOnly(rule RuleModel, exceptions ExceptionSet) []Instance {
	if rule.Anchor.IsZero() {
		return nil
	}
	d := civil.DateOf(rule.Anchor)
	return []Instance{{Date: d, Completed: exceptions.IsCompleted(d)}}
}

// instantOf places a candidate date at the anchor's time of day.
func instantOf(rule RuleModel, d civil.Date) time.Time {
	a := rule.Anchor
	return time.Date(d.Year, d.Month, d.Day, a.Hour(), a.Minute(), a.Second(), a.Nanosecond(), a.Location())
}

// periodStart returns the first day of the period containing d.
func periodStart(rule RuleModel, d civil.Date) civil.Date {
	switch rule.Frequency {
	case Weekly:
		back := (int(d.Weekday()) - int(rule.WeekStart) + 7) % 7
		return d.AddDays(-back)
	case Monthly:
		return civil.Date{Year: d.Year, Month: d.Month, Day: 1}
	case Yearly:
		return civil.Date{Year: d.Year, Month: time.January, Day: 1}
	default:
		return d
	}
}

// advance moves a period start forward by n frequency units.
func advance(freq Frequency, start civil.Date, n int) civil.Date {
	switch freq {
	case Weekly:
		return start.AddDays(7 * n)
	case Monthly:
		// start is always the 1st, so AddMonths never normalizes.
		return start.AddMonths(n)
	case Yearly:
		return start.AddYears(n)
	default:
		return start.AddDays(n)
	}
}

// periodEnd returns the last day of the period starting at start.
func periodEnd(freq Frequency, start civil.Date) civil.Date {
	return advance(freq, start, 1).AddDays(-1)
}

// skipPeriods returns the index of the first interval-aligned period whose
// end is not before from.
func skipPeriods(rule RuleModel, first, from civil.Date) int {
	if !first.Before(from) {
		return 0
	}
	var units int
	switch rule.Frequency {
	case Weekly:
		units = from.DaysSince(first) / 7
	case Monthly:
		units = (from.Year-first.Year)*12 + int(from.Month) - int(first.Month)
	case Yearly:
		units = from.Year - first.Year
	default:
		units = from.DaysSince(first)
	}
	k := units / rule.interval()
	// Step back one period so boundary periods are generated in full.
	if k > 0 {
		k--
	}
	return k
}

// periodCandidates lists the selected dates of the period starting at start,
// ascending and without duplicates.
func periodCandidates(rule RuleModel, start civil.Date) []civil.Date {
	end := periodEnd(rule.Frequency, start)
	anchor := civil.DateOf(rule.Anchor)

	var positional map[civil.Date]bool
	if rule.HasPositionalWeekday() {
		positional = positionalDates(rule, start, end)
	}

	plain := map[time.Weekday]bool{}
	for _, wd := range rule.ByWeekday {
		if wd.N == 0 {
			plain[wd.Weekday] = true
		}
	}

	byDay := len(rule.ByWeekday) > 0
	byMonthDay := len(rule.ByMonthDay) > 0

	var out []civil.Date
	for d := start; !d.After(end); d = d.AddDays(1) {
		if len(rule.ByMonth) > 0 && !slices.Contains(rule.ByMonth, int(d.Month)) {
			continue
		}
		switch {
		case byDay || byMonthDay:
			if byMonthDay && !matchesMonthDay(rule.ByMonthDay, d) {
				continue
			}
			if byDay && !plain[d.Weekday()] && !positional[d] {
				continue
			}
		default:
			if !matchesAnchor(rule, anchor, d) {
				continue
			}
		}
		out = append(out, d)
	}

	if len(rule.BySetPos) > 0 {
		out = selectSetPositions(out, rule.BySetPos)
	}
	return out
}

// matchesAnchor is the implicit by-part used when the rule names none: the
// anchor's weekday, day of month, or month and day.
func matchesAnchor(rule RuleModel, anchor, d civil.Date) bool {
	switch rule.Frequency {
	case Weekly:
		return d.Weekday() == anchor.Weekday()
	case Monthly:
		return d.Day == anchor.Day
	case Yearly:
		if len(rule.ByMonth) > 0 {
			return d.Day == anchor.Day
		}
		return d.Month == anchor.Month && d.Day == anchor.Day
	default:
		return true
	}
}

func matchesMonthDay(days []int, d civil.Date) bool {
	last := daysIn(d.Year, d.Month)
	for _, md := range days {
		if md > 0 && d.Day == md {
			return true
		}
		if md < 0 && d.Day == last+md+1 {
			return true
		}
	}
	return false
}

// positionalDates resolves every "Nth weekday" entry of the rule inside the
// period. For YEARLY rules with BYMONTH the position counts within each
// listed month ("last Monday of May"); otherwise within the whole period.
func positionalDates(rule RuleModel, start, end civil.Date) map[civil.Date]bool {
	scopes := [][2]civil.Date{{start, end}}
	if rule.Frequency == Yearly && len(rule.ByMonth) > 0 {
		scopes = scopes[:0]
		for _, m := range rule.ByMonth {
			first := civil.Date{Year: start.Year, Month: time.Month(m), Day: 1}
			scopes = append(scopes, [2]civil.Date{first, periodEnd(Monthly, first)})
		}
	}

	out := map[civil.Date]bool{}
	for _, wd := range rule.ByWeekday {
		if wd.N == 0 {
			continue
		}
		for _, s := range scopes {
			if d, ok := NthWeekdayOfPeriod(s[0], s[1], wd.Weekday, wd.N); ok {
				out[d] = true
			}
		}
	}
	return out
}

// NthWeekdayOfPeriod returns the nth given weekday between start and end
// (inclusive). Positive n counts from start, negative n from end (-1 is the
// last). ok is false when the period has no such day, e.g. a fifth Monday
// in a four-Monday month.
func NthWeekdayOfPeriod(start, end civil.Date, weekday time.Weekday, n int) (civil.Date, bool) {
	if n == 0 || end.Before(start) {
		return civil.Date{}, false
	}
	var d civil.Date
	if n > 0 {
		first := start.AddDays((int(weekday) - int(start.Weekday()) + 7) % 7)
		d = first.AddDays(7 * (n - 1))
	} else {
		last := end.AddDays(-((int(end.Weekday()) - int(weekday) + 7) % 7))
		d = last.AddDays(7 * (n + 1))
	}
	if d.Before(start) || d.After(end) {
		return civil.Date{}, false
	}
	return d, true
}

// SetPositionSelect picks the pos-th item of an ascending candidate set.
// Positive pos counts from the first item (1-based), negative from the
// last. ok is false when the set is too small.
func SetPositionSelect(candidates []civil.Date, pos int) (civil.Date, bool) {
	n := len(candidates)
	switch {
	case pos > 0 && pos <= n:
		return candidates[pos-1], true
	case pos < 0 && -pos <= n:
		return candidates[n+pos], true
	default:
		return civil.Date{}, false
	}
}

func selectSetPositions(candidates []civil.Date, positions []int) []civil.Date {
	var out []civil.Date
	for _, p := range positions {
		if d, ok := SetPositionSelect(candidates, p); ok {
			out = append(out, d)
		}
	}
	slices.SortFunc(out, civil.Date.Compare)
	return slices.Compact(out)
}

func daysIn(year int, m time.Month) int {
	return time.Date(year, m+1, 0, 0, 0, 0, 0, time.UTC).Day()
}

// String renders a window for logs.
func (w Window) String() string {
	return w.From.String() + ".." + w.To.String() + " (" + strconv.Itoa(w.To.DaysSince(w.From)+1) + "d)"
}
