package ics

import (
	"bytes"
	"errors"
	"fmt"
	"strings"
	"time"

	ical "github.com/arran4/golang-ical"

	appLog "github.com/jpmoo/tasknotes-sub007/internal/log"
	"github.com/jpmoo/tasknotes-sub007/internal/model"
)

// FeedParseError reports a feed, or one event block of it, that could not be
// read. Block is the 1-based VEVENT index, 0 for the feed as a whole.
type FeedParseError struct {
	SubscriptionID string
	Block          int
	UID            string
	Err            error
}

func (e *FeedParseError) Error() string {
	where := "feed " + e.SubscriptionID
	if e.Block > 0 {
		where += fmt.Sprintf(" event #%d", e.Block)
	}
	if e.UID != "" {
		where += " (" + e.UID + ")"
	}
	return where + ": " + e.Err.Error()
}

func (e *FeedParseError) Unwrap() error { return e.Err }

// ParsedEvent is one VEVENT as read from the feed, before recurrence
// expansion.
type ParsedEvent struct {
	UID string

	Summary     string
	Description string
	Location    string
	URL         string

	Start  time.Time
	End    *time.Time
	AllDay bool

	RawRRule string
	ExDates  []time.Time
	// Recurrence is the RECURRENCE-ID of an override block.
	Recurrence *time.Time

	Related []model.CrossRef
}

// IsOverride reports whether the block replaces one instance of a series.
func (p ParsedEvent) IsOverride() bool { return p.Recurrence != nil }

// ParseEvents reads every VEVENT of body. Floating times are placed in loc.
// Blocks that cannot be read are skipped and reported as *FeedParseError;
// the remaining blocks are still returned.
func ParseEvents(subscriptionID string, body []byte, loc *time.Location) ([]ParsedEvent, []error) {
	if len(bytes.TrimSpace(body)) == 0 {
		return nil, []error{&FeedParseError{SubscriptionID: subscriptionID, Err: errors.New("empty feed")}}
	}
	if loc == nil {
		loc = time.Local
	}

	cal, err := ical.ParseCalendarWithOptions(bytes.NewReader(body),
		ical.WithUnknownPropertyHandler(ical.AcceptUnknownPropertyHandler))
	if err != nil {
		// One broken block makes the whole calendar unreadable for the
		// library, so retry block by block.
		appLog.Warn("ics calendar parse failed, retrying per event", err, "subscription", subscriptionID)
		return parseBlocks(subscriptionID, body, loc)
	}

	var (
		events []ParsedEvent
		errs   []error
	)
	for i, ve := range cal.Events() {
		ev, perr := parseVEvent(ve, loc)
		if perr != nil {
			perr.SubscriptionID, perr.Block = subscriptionID, i+1
			appLog.Warn("ics event skipped", perr, "subscription", subscriptionID)
			errs = append(errs, perr)
			continue
		}
		events = append(events, ev)
	}

	appLog.Debug("ics parse completed", "subscription", subscriptionID, "event_count", len(events), "skipped", len(errs))
	return events, errs
}

// parseBlocks parses each BEGIN:VEVENT..END:VEVENT block on its own.
func parseBlocks(subscriptionID string, body []byte, loc *time.Location) ([]ParsedEvent, []error) {
	blocks := splitEventBlocks(body)
	if len(blocks) == 0 {
		return nil, []error{&FeedParseError{SubscriptionID: subscriptionID, Err: errors.New("no VEVENT blocks found")}}
	}

	var (
		events []ParsedEvent
		errs   []error
	)
	for i, block := range blocks {
		wrapped := "BEGIN:VCALENDAR\r\nVERSION:2.0\r\nPRODID:-//taskcal//block//EN\r\n" + block + "END:VCALENDAR\r\n"
		cal, err := ical.ParseCalendarWithOptions(strings.NewReader(wrapped),
			ical.WithUnknownPropertyHandler(ical.AcceptUnknownPropertyHandler))
		var perr *FeedParseError
		switch {
		case err != nil:
			perr = &FeedParseError{Err: err}
		case len(cal.Events()) != 1:
			perr = &FeedParseError{Err: errors.New("malformed event block")}
		default:
			var ev ParsedEvent
			ev, perr = parseVEvent(cal.Events()[0], loc)
			if perr == nil {
				events = append(events, ev)
				continue
			}
		}
		perr.SubscriptionID, perr.Block = subscriptionID, i+1
		appLog.Warn("ics event skipped", perr, "subscription", subscriptionID)
		errs = append(errs, perr)
	}
	return events, errs
}

// splitEventBlocks returns the raw text of every VEVENT, line endings
// normalized to CRLF. Unterminated blocks are dropped.
func splitEventBlocks(body []byte) []string {
	var (
		blocks []string
		cur    strings.Builder
		inside bool
	)
	text := strings.ReplaceAll(string(body), "\r\n", "\n")
	for _, line := range strings.Split(text, "\n") {
		trimmed := strings.TrimSpace(line)
		switch {
		case strings.EqualFold(trimmed, "BEGIN:VEVENT"):
			inside = true
			cur.Reset()
		case strings.EqualFold(trimmed, "END:VEVENT") && inside:
			cur.WriteString("END:VEVENT\r\n")
			blocks = append(blocks, "BEGIN:VEVENT\r\n"+cur.String())
			inside = false
			continue
		}
		if inside && !strings.EqualFold(trimmed, "BEGIN:VEVENT") {
			cur.WriteString(line)
			cur.WriteString("\r\n")
		}
	}
	return blocks
}

func parseVEvent(ve *ical.VEvent, loc *time.Location) (ParsedEvent, *FeedParseError) {
	var out ParsedEvent

	if p := ve.GetProperty(ical.ComponentPropertyUniqueId); p != nil {
		out.UID = strings.TrimSpace(p.Value)
	}
	if p := ve.GetProperty(ical.ComponentPropertySummary); p != nil {
		out.Summary = p.Value
	}
	if p := ve.GetProperty(ical.ComponentPropertyDescription); p != nil {
		out.Description = p.Value
	}
	if p := ve.GetProperty(ical.ComponentPropertyLocation); p != nil {
		out.Location = p.Value
	}
	if p := ve.GetProperty(ical.ComponentPropertyUrl); p != nil {
		out.URL = p.Value
	}

	startProp := ve.GetProperty(ical.ComponentPropertyDtStart)
	if startProp == nil {
		return out, &FeedParseError{UID: out.UID, Err: errors.New("missing DTSTART")}
	}
	out.AllDay = isDateValue(startProp)

	var err error
	if out.AllDay {
		out.Start, err = ve.GetAllDayStartAt()
	} else {
		out.Start, err = ve.GetStartAt()
	}
	if err != nil {
		if out.AllDay {
			return out, &FeedParseError{UID: out.UID, Err: fmt.Errorf("DTSTART: %w", err)}
		}
		t, ok := zonedValue(startProp, out.UID, loc)
		if !ok {
			return out, &FeedParseError{UID: out.UID, Err: fmt.Errorf("DTSTART: %w", err)}
		}
		out.Start = t
	} else {
		out.Start = placeFloating(out.Start, startProp, loc)
	}

	if endProp := ve.GetProperty(ical.ComponentPropertyDtEnd); endProp != nil {
		var end time.Time
		if out.AllDay {
			end, err = ve.GetAllDayEndAt()
		} else {
			end, err = ve.GetEndAt()
		}
		if err == nil {
			end = placeFloating(end, endProp, loc)
			out.End = &end
		} else if t, ok := zonedValue(endProp, out.UID, loc); !out.AllDay && ok {
			out.End = &t
		} else {
			appLog.Warn("ics DTEND ignored", err, "uid", out.UID, "value", endProp.Value)
		}
	}

	if p := ve.GetProperty(ical.ComponentPropertyRrule); p != nil {
		out.RawRRule = strings.TrimSpace(p.Value)
	}

	for _, p := range ve.GetProperties(ical.ComponentPropertyExdate) {
		for _, part := range strings.Split(p.Value, ",") {
			if t, err := parseICSTime(part, tzidOf(&p.BaseProperty, out.Start.Location(), loc)); err == nil {
				out.ExDates = append(out.ExDates, t)
			}
		}
	}

	if p := ve.GetProperty(ical.ComponentPropertyRecurrenceId); p != nil {
		t, err := parseICSTime(p.Value, tzidOf(&p.BaseProperty, out.Start.Location(), loc))
		if err != nil {
			return out, &FeedParseError{UID: out.UID, Err: fmt.Errorf("RECURRENCE-ID: %w", err)}
		}
		out.Recurrence = &t
	}

	for _, p := range ve.GetProperties(ical.ComponentPropertyRelatedTo) {
		if ref := model.NormalizeRef(p.Value); ref.Kind != model.RefUnresolved {
			out.Related = append(out.Related, ref)
		}
	}

	return out, nil
}

func isDateValue(p *ical.IANAProperty) bool {
	if vs, ok := p.ICalParameters["VALUE"]; ok && len(vs) > 0 && strings.EqualFold(vs[0], "DATE") {
		return true
	}
	return !strings.Contains(p.Value, "T")
}

// placeFloating moves a floating time (no TZID, no Z suffix), which the
// library reads in time.Local, onto the same wall clock in loc.
func placeFloating(t time.Time, p *ical.IANAProperty, loc *time.Location) time.Time {
	if _, ok := p.ICalParameters["TZID"]; ok || strings.HasSuffix(p.Value, "Z") {
		return t
	}
	return time.Date(t.Year(), t.Month(), t.Day(), t.Hour(), t.Minute(), t.Second(), 0, loc)
}

// tzidOf picks the location for EXDATE / RECURRENCE-ID values: their own
// TZID, else the series start's zone, else loc.
func tzidOf(p *ical.BaseProperty, seriesLoc, loc *time.Location) *time.Location {
	if tz, ok := p.ICalParameters["TZID"]; ok && len(tz) == 1 {
		if l, known := zoneFor(tz[0], loc); known {
			return l
		}
	}
	if seriesLoc != nil {
		return seriesLoc
	}
	return loc
}

// parseICSTime reads a DATE or DATE-TIME value. Z-suffixed values are UTC,
// everything else is read in loc.
func parseICSTime(v string, loc *time.Location) (time.Time, error) {
	v = strings.TrimSpace(v)
	switch {
	case v == "":
		return time.Time{}, errors.New("empty time value")
	case strings.HasSuffix(v, "Z"):
		return time.Parse("20060102T150405Z", v)
	case strings.Contains(v, "T"):
		return time.ParseInLocation("20060102T150405", v, loc)
	default:
		return time.ParseInLocation("20060102", v, loc)
	}
}
