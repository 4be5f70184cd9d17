package ics

import (
	"errors"
	"slices"
	"strings"
	"time"

	"cloud.google.com/go/civil"
	"github.com/google/uuid"

	appLog "github.com/jpmoo/tasknotes-sub007/internal/log"
	"github.com/jpmoo/tasknotes-sub007/internal/model"
	"github.com/jpmoo/tasknotes-sub007/internal/recur"
)

const (
	// DefaultWindowYears is how far before and after "now" recurring feed
	// events are materialized.
	DefaultWindowYears = 2

	defaultMaxInstancesPerSeries = 5000
)

// uidNamespace seeds ids for events that arrive without a UID.
var uidNamespace = uuid.MustParse("4f1c0f4e-8f0a-5b7e-9a43-2d1e6c7b9a10")

// Expander turns raw feed text into FeedEvents, materializing every
// recurring series inside a window around Now.
type Expander struct {
	// Location is used for floating times and for the window bounds.
	// time.Local when nil.
	Location *time.Location
	// Now returns the reference time; time.Now when nil.
	Now func() time.Time
	// Years is the window half-width; DefaultWindowYears when zero.
	Years int
	// MaxInstancesPerSeries caps one series; extra instances are dropped
	// with a warning.
	MaxInstancesPerSeries int

	Engine recur.Engine
}

// Window returns the expansion window for the current time.
func (e *Expander) Window() recur.Window {
	now := time.Now
	if e.Now != nil {
		now = e.Now
	}
	years := e.Years
	if years <= 0 {
		years = DefaultWindowYears
	}
	today := civil.DateOf(now().In(e.location()))
	return recur.Window{From: today.AddYears(-years), To: today.AddYears(years)}
}

func (e *Expander) location() *time.Location {
	if e.Location != nil {
		return e.Location
	}
	return time.Local
}

// Parse reads a feed and returns its events, recurring series expanded into
// one FeedEvent per instance. Problems are returned alongside the events and
// never abort the feed: unreadable blocks are skipped (*FeedParseError) and
// rules outside the supported subset fall back to the base event
// (*recur.RuleValidationError).
func (e *Expander) Parse(raw []byte, subscriptionID string) ([]model.FeedEvent, []error) {
	parsed, errs := ParseEvents(subscriptionID, raw, e.location())

	// Group base events and overrides by UID.
	var bases []ParsedEvent
	overrides := make(map[string][]ParsedEvent)
	for i, ev := range parsed {
		if ev.UID == "" {
			parsed[i].UID = syntheticUID(subscriptionID, ev)
			ev = parsed[i]
		}
		if ev.IsOverride() {
			overrides[ev.UID] = append(overrides[ev.UID], ev)
			continue
		}
		bases = append(bases, ev)
	}

	window := e.Window()
	var out []model.FeedEvent
	for _, base := range bases {
		events, err := e.expandEvent(base, overrides[base.UID], subscriptionID, window)
		if err != nil {
			errs = append(errs, err)
		}
		out = append(out, events...)
	}

	// Overrides without a base in this feed are shown as plain events.
	for uid, ovs := range overrides {
		if slices.ContainsFunc(bases, func(b ParsedEvent) bool { return b.UID == uid }) {
			continue
		}
		for _, ov := range ovs {
			fe := toFeedEvent(ov, subscriptionID)
			fe.ID = instanceID(uid, civil.DateOf(*ov.Recurrence))
			out = append(out, fe)
		}
	}

	slices.SortStableFunc(out, func(a, b model.FeedEvent) int {
		if c := a.Start.Compare(b.Start); c != 0 {
			return c
		}
		return strings.Compare(a.ID, b.ID)
	})
	return out, errs
}

func (e *Expander) expandEvent(ev ParsedEvent, overrides []ParsedEvent, subscriptionID string, window recur.Window) ([]model.FeedEvent, error) {
	if ev.RawRRule == "" {
		return []model.FeedEvent{toFeedEvent(ev, subscriptionID)}, nil
	}

	rule, err := e.buildRule(ev)
	if err != nil {
		appLog.Warn("ics rule not expandable, showing base event", err, "subscription", subscriptionID, "uid", ev.UID)
		return []model.FeedEvent{toFeedEvent(ev, subscriptionID)}, err
	}

	var skipped []civil.Date
	for _, ex := range ev.ExDates {
		skipped = append(skipped, civil.DateOf(ex.In(ev.Start.Location())))
	}
	instances, err := e.Engine.Expand(rule, recur.NewExceptionSet(nil, skipped), window)
	if err != nil {
		appLog.Warn("ics rule expansion failed, showing base event", err, "subscription", subscriptionID, "uid", ev.UID)
		return []model.FeedEvent{toFeedEvent(ev, subscriptionID)}, err
	}

	limit := e.MaxInstancesPerSeries
	if limit <= 0 {
		limit = defaultMaxInstancesPerSeries
	}
	if len(instances) > limit {
		appLog.Warn("ics series truncated", errors.New("max instances reached"), "subscription", subscriptionID, "uid", ev.UID, "cap", limit)
		instances = instances[:limit]
	}

	byDate := make(map[civil.Date]ParsedEvent, len(overrides))
	for _, ov := range overrides {
		byDate[civil.DateOf(ov.Recurrence.In(ev.Start.Location()))] = ov
	}

	out := make([]model.FeedEvent, 0, len(instances))
	for _, inst := range instances {
		occ := ev
		occ.Start, occ.End = shiftTo(ev, inst.Date)

		// Apply override if any.
		if ov, ok := byDate[inst.Date]; ok {
			occ = ov
		}

		fe := toFeedEvent(occ, subscriptionID)
		fe.ID = instanceID(ev.UID, inst.Date)
		fe.Rule = &rule
		out = append(out, fe)
	}
	return out, nil
}

// buildRule parses the event's RRULE and anchors it at DTSTART. A rule with
// exactly one part outside the supported subset is expanded without that
// part; anything else unsupported is returned as an error.
func (e *Expander) buildRule(ev ParsedEvent) (recur.RuleModel, error) {
	rule, err := recur.Parse(ev.RawRRule, ev.Start.Location())
	if err != nil {
		return rule, err
	}
	rule = rule.WithAnchor(ev.Start, ev.AllDay)

	verr := rule.Validate()
	if verr == nil {
		return rule, nil
	}
	if len(rule.Extra) == 1 {
		part := rule.Extra[0].Name
		relaxed := rule.WithoutExtra(part)
		if relaxed.Validate() == nil {
			appLog.Warn("ics rule part ignored", verr, "uid", ev.UID, "part", part)
			return relaxed, nil
		}
	}
	return rule, verr
}

// shiftTo moves the event to date, keeping its wall-clock start time and its
// length.
func shiftTo(ev ParsedEvent, date civil.Date) (time.Time, *time.Time) {
	s := ev.Start
	start := time.Date(date.Year, date.Month, date.Day, s.Hour(), s.Minute(), s.Second(), 0, s.Location())
	if ev.End == nil {
		return start, nil
	}
	if ev.AllDay {
		days := civil.DateOf(*ev.End).DaysSince(civil.DateOf(ev.Start))
		end := civil.DateOf(start).AddDays(days).In(s.Location())
		return start, &end
	}
	end := start.Add(ev.End.Sub(ev.Start))
	return start, &end
}

// toFeedEvent maps a parsed event onto the shared record. All-day ends
// become inclusive: a one-day event ends on its start date.
func toFeedEvent(ev ParsedEvent, subscriptionID string) model.FeedEvent {
	fe := model.FeedEvent{
		ID:             ev.UID,
		SubscriptionID: subscriptionID,
		SeriesID:       ev.UID,
		Title:          ev.Summary,
		Start:          ev.Start,
		AllDay:         ev.AllDay,
		Related:        ev.Related,
	}
	if fe.Title == "" {
		fe.Title = "(untitled)"
	}
	if ev.End != nil {
		end := *ev.End
		if ev.AllDay {
			end = inclusiveEnd(ev.Start, end)
		}
		fe.End = &end
	}

	props := map[string]string{}
	for k, v := range map[string]string{"location": ev.Location, "description": ev.Description, "url": ev.URL} {
		if v != "" {
			props[k] = v
		}
	}
	if len(props) > 0 {
		fe.RawProperties = props
	}
	return fe
}

// inclusiveEnd converts an exclusive all-day DTEND into the last visible
// day, never earlier than start.
func inclusiveEnd(start, end time.Time) time.Time {
	last := civil.DateOf(end).AddDays(-1)
	if last.Before(civil.DateOf(start)) {
		return start
	}
	return last.In(start.Location())
}

func instanceID(uid string, d civil.Date) string {
	return uid + "/" + d.String()
}

func syntheticUID(subscriptionID string, ev ParsedEvent) string {
	key := subscriptionID + "\x00" + ev.Summary + "\x00" + ev.Start.UTC().Format(time.RFC3339)
	return uuid.NewSHA1(uidNamespace, []byte(key)).String()
}
