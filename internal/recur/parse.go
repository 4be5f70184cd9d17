package recur

import (
	"errors"
	"strings"
	"time"

	"github.com/teambition/rrule-go"
)

// Parts the engine understands. Everything else is carried in
// RuleModel.Extra.
var supportedParts = map[string]bool{
	"FREQ":       true,
	"INTERVAL":   true,
	"COUNT":      true,
	"UNTIL":      true,
	"BYDAY":      true,
	"BYMONTHDAY": true,
	"BYMONTH":    true,
	"BYSETPOS":   true,
	"WKST":       true,
}

// Parse reads a recurrence rule in any of the shapes stores and feeds use:
//
//	FREQ=WEEKLY;BYDAY=MO
//	RRULE:FREQ=WEEKLY;BYDAY=MO
//	DTSTART:20250113;FREQ=MONTHLY;BYDAY=2MO
//	DTSTART;TZID=Europe/Berlin:20250113T090000
//	RRULE:FREQ=MONTHLY;BYDAY=2MO
//
// Floating times (no Z, no TZID) are read in loc. The anchor is left zero
// when the text has no DTSTART; callers supply one with WithAnchor.
func Parse(text string, loc *time.Location) (RuleModel, error) {
	if loc == nil {
		loc = time.Local
	}
	rule := RuleModel{Interval: 1, WeekStart: time.Monday}

	tokens := tokenize(text)
	if len(tokens) == 0 {
		return rule, &RuleValidationError{Rule: text, Reason: "empty rule"}
	}

	var known, raw []string
	var untilDateOnly bool
	for _, tok := range tokens {
		if isDTStart(tok) {
			anchor, dateOnly, err := parseDTStart(tok, loc)
			if err != nil {
				return rule, &RuleValidationError{Rule: text, Reason: "bad DTSTART", Err: err}
			}
			rule.Anchor, rule.DateOnly = anchor, dateOnly
			continue
		}

		name, value, ok := strings.Cut(tok, "=")
		if !ok || value == "" {
			return rule, &RuleValidationError{Rule: text, Reason: "malformed part " + tok}
		}
		name = strings.ToUpper(strings.TrimSpace(name))
		value = strings.TrimSpace(value)
		raw = append(raw, tok)

		if !supportedParts[name] {
			rule.Extra = append(rule.Extra, Part{Name: name, Value: value})
			continue
		}
		if name == "UNTIL" && !strings.Contains(value, "T") {
			untilDateOnly = true
		}
		known = append(known, name+"="+strings.ToUpper(value))
	}
	rule.Raw = strings.Join(raw, ";")

	opt, err := rrule.StrToROptionInLocation(strings.Join(known, ";"), loc)
	if err != nil {
		return rule, &RuleValidationError{Rule: rule.Raw, Reason: "cannot parse rule", Err: err}
	}

	rule.Frequency = fromRRuleFreq(opt.Freq)
	if opt.Interval > 0 {
		rule.Interval = opt.Interval
	}
	rule.Count = opt.Count
	if !opt.Until.IsZero() {
		until := opt.Until
		if untilDateOnly {
			// A date-only UNTIL covers the whole of that day.
			until = time.Date(until.Year(), until.Month(), until.Day(), 23, 59, 59, 0, loc)
		}
		rule.Until = &until
	}
	rule.ByMonth = opt.Bymonth
	rule.ByMonthDay = opt.Bymonthday
	rule.BySetPos = opt.Bysetpos
	for i := range opt.Byweekday {
		wd := opt.Byweekday[i]
		rule.ByWeekday = append(rule.ByWeekday, WeekdayNum{Weekday: fromRRuleDay(wd.Day()), N: wd.N()})
	}
	if hasPart(known, "WKST") {
		rule.WeekStart = fromRRuleDay(opt.Wkst.Day())
	}
	return rule, nil
}

// WithAnchor fills in the anchor when the rule text did not carry one.
func (r RuleModel) WithAnchor(anchor time.Time, dateOnly bool) RuleModel {
	if r.Anchor.IsZero() {
		r.Anchor = anchor
		r.DateOnly = dateOnly
	}
	return r
}

func tokenize(text string) []string {
	var out []string
	for _, line := range strings.Split(strings.ReplaceAll(text, "\r\n", "\n"), "\n") {
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		upper := strings.ToUpper(line)
		switch {
		case strings.HasPrefix(upper, "RRULE:"):
			line = line[len("RRULE:"):]
		case strings.HasPrefix(upper, "DTSTART;"):
			// "DTSTART;TZID=...:value" may be followed by ";FREQ=..." on the
			// same line in some stores.
			head, rest, _ := strings.Cut(line[len("DTSTART;"):], ":")
			value, tail, _ := strings.Cut(rest, ";")
			out = append(out, "DTSTART;"+head+":"+value)
			line = tail
		}
		for _, p := range strings.Split(line, ";") {
			if p = strings.TrimSpace(p); p != "" {
				out = append(out, p)
			}
		}
	}
	return out
}

func isDTStart(tok string) bool {
	u := strings.ToUpper(tok)
	return strings.HasPrefix(u, "DTSTART:") || strings.HasPrefix(u, "DTSTART;") || strings.HasPrefix(u, "DTSTART=")
}

func parseDTStart(tok string, loc *time.Location) (time.Time, bool, error) {
	v := tok[len("DTSTART"):]
	switch v[0] {
	case ':', '=':
		v = v[1:]
	case ';':
		v = v[1:]
		// VALUE=DATE carries no information beyond the value shape.
		v = strings.TrimPrefix(v, "VALUE=DATE:")
	}
	if v == "" {
		return time.Time{}, false, errors.New("empty DTSTART")
	}
	t, err := rrule.StrToDtStart(v, loc)
	if err != nil {
		return time.Time{}, false, err
	}
	_, value, hasTZ := strings.Cut(v, ":")
	if !hasTZ {
		value = v
	}
	return t, !strings.Contains(value, "T"), nil
}

func hasPart(parts []string, name string) bool {
	for _, p := range parts {
		if strings.HasPrefix(p, name+"=") {
			return true
		}
	}
	return false
}

func fromRRuleFreq(f rrule.Frequency) Frequency {
	switch f {
	case rrule.YEARLY:
		return Yearly
	case rrule.MONTHLY:
		return Monthly
	case rrule.WEEKLY:
		return Weekly
	case rrule.DAILY:
		return Daily
	case rrule.HOURLY:
		return Hourly
	case rrule.MINUTELY:
		return Minutely
	default:
		return Secondly
	}
}

// rrule-go numbers weekdays from Monday = 0.
func fromRRuleDay(d int) time.Weekday {
	return time.Weekday((d + 1) % 7)
}
