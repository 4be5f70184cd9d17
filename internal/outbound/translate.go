// Package outbound converts task recurrences into the recurrence fields an
// external calendar service accepts: a rule string without its anchor, a
// list of date-only exclusions and the anchor date (and time) on its own.
package outbound

import (
	"slices"
	"strings"
	"time"

	"cloud.google.com/go/civil"
	"github.com/samber/lo"

	"github.com/jpmoo/tasknotes-sub007/internal/recur"
)

// CompatibilityError names a rule feature the target cannot express. It is
// never degraded silently: the caller decides what to do with the task.
type CompatibilityError struct {
	Part   string
	Reason string
}

func (e *CompatibilityError) Error() string {
	return "recurrence not exportable: " + e.Part + ": " + e.Reason
}

// Payload is the translated recurrence of one task.
type Payload struct {
	RuleString     string       `json:"rule"`
	ExceptionDates []civil.Date `json:"exception_dates,omitempty"`
	AnchorDate     civil.Date   `json:"anchor_date"`
	AnchorTime     *civil.Time  `json:"anchor_time,omitempty"`
	// TimeZone is the anchor's IANA zone; empty for date-only anchors.
	TimeZone string `json:"time_zone,omitempty"`
}

// Recurrence renders the payload as recurrence lines: the rule first, then
// one date-only exclusion per exception date.
func (p Payload) Recurrence() []string {
	out := []string{"RRULE:" + p.RuleString}
	for _, d := range p.ExceptionDates {
		out = append(out, "EXDATE;VALUE=DATE:"+formatDate(d))
	}
	return out
}

// Check reports the first rule feature outside what the target supports.
func Check(rule recur.RuleModel) error {
	switch rule.Frequency {
	case recur.Daily, recur.Weekly, recur.Monthly, recur.Yearly:
	default:
		return &CompatibilityError{Part: "FREQ=" + rule.Frequency.String(), Reason: "sub-daily frequencies are not supported"}
	}
	if parts := rule.SubDailyParts(); len(parts) > 0 {
		return &CompatibilityError{Part: parts[0], Reason: "sub-daily rule parts are not supported"}
	}
	if rule.Anchor.IsZero() {
		return &CompatibilityError{Part: "DTSTART", Reason: "rule has no anchor date"}
	}
	return nil
}

// Translate converts rule and its exceptions. Completed and skipped dates
// are both exported as exclusions; the target only knows "did not occur".
func Translate(rule recur.RuleModel, exceptions recur.ExceptionSet) (Payload, error) {
	if err := Check(rule); err != nil {
		return Payload{}, err
	}

	excluded := lo.Union(exceptions.Completed, exceptions.Skipped)
	slices.SortFunc(excluded, civil.Date.Compare)

	p := Payload{
		RuleString:     stripAnchor(rule.Text()),
		ExceptionDates: excluded,
		AnchorDate:     civil.DateOf(rule.Anchor),
	}
	if !rule.DateOnly {
		t := civil.TimeOf(rule.Anchor)
		p.AnchorTime = &t
		p.TimeZone = rule.Anchor.Location().String()
	}
	return p, nil
}

// stripAnchor drops any DTSTART part and RRULE: prefix that survived in the
// written rule.
func stripAnchor(text string) string {
	text = strings.TrimPrefix(strings.TrimSpace(text), "RRULE:")
	parts := strings.Split(text, ";")
	parts = lo.Reject(parts, func(p string, _ int) bool {
		return p == "" || strings.HasPrefix(strings.ToUpper(p), "DTSTART")
	})
	return strings.Join(parts, ";")
}

func formatDate(d civil.Date) string {
	return d.In(time.UTC).Format("20060102")
}
