package ics

import (
	"strings"
	"testing"
	"time"

	"cloud.google.com/go/civil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jpmoo/tasknotes-sub007/internal/model"
	"github.com/jpmoo/tasknotes-sub007/internal/recur"
)

func feed(events ...string) []byte {
	var b strings.Builder
	b.WriteString("BEGIN:VCALENDAR\r\nVERSION:2.0\r\nPRODID:-//test//EN\r\n")
	for _, ev := range events {
		b.WriteString("BEGIN:VEVENT\r\n")
		for _, line := range strings.Split(strings.TrimSpace(ev), "\n") {
			b.WriteString(strings.TrimSpace(line))
			b.WriteString("\r\n")
		}
		b.WriteString("END:VEVENT\r\n")
	}
	b.WriteString("END:VCALENDAR\r\n")
	return []byte(b.String())
}

func testExpander() *Expander {
	return &Expander{
		Location: time.UTC,
		Now:      func() time.Time { return time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC) },
		Years:    1,
	}
}

func startDates(events []model.FeedEvent) []string {
	var out []string
	for _, ev := range events {
		out = append(out, civil.DateOf(ev.Start).String())
	}
	return out
}

func bySeries(events []model.FeedEvent, uid string) []model.FeedEvent {
	var out []model.FeedEvent
	for _, ev := range events {
		if ev.SeriesID == uid {
			out = append(out, ev)
		}
	}
	return out
}

func TestExpanderRoutesWeekdayShapes(t *testing.T) {
	raw := feed(
		`UID:positional
		DTSTART;VALUE=DATE:20250113
		DTEND;VALUE=DATE:20250114
		SUMMARY:Board
		RRULE:FREQ=MONTHLY;BYDAY=2MO;COUNT=6`,
		`UID:setpos
		DTSTART;VALUE=DATE:20250113
		DTEND;VALUE=DATE:20250114
		SUMMARY:Board (setpos)
		RRULE:FREQ=MONTHLY;BYDAY=MO;BYSETPOS=2;COUNT=6`,
		`UID:multi
		DTSTART:20250106T090000Z
		DTEND:20250106T100000Z
		SUMMARY:Standup
		RRULE:FREQ=WEEKLY;BYDAY=MO,WE;COUNT=4`,
		`UID:fortnight
		DTSTART;VALUE=DATE:20250107
		SUMMARY:Review
		RRULE:FREQ=WEEKLY;INTERVAL=2;UNTIL=20250218`,
		`UID:memorial
		DTSTART;VALUE=DATE:20240527
		SUMMARY:Last Monday of May
		RRULE:FREQ=YEARLY;BYMONTH=5;BYDAY=-1MO`,
	)

	events, errs := testExpander().Parse(raw, "work")
	require.Empty(t, errs)

	want := []string{"2025-01-13", "2025-02-10", "2025-03-10", "2025-04-14", "2025-05-12", "2025-06-09"}
	assert.Equal(t, want, startDates(bySeries(events, "positional")))
	assert.Equal(t, want, startDates(bySeries(events, "setpos")))
	assert.Equal(t, []string{"2025-01-06", "2025-01-08", "2025-01-13", "2025-01-15"}, startDates(bySeries(events, "multi")))
	assert.Equal(t, []string{"2025-01-07", "2025-01-21", "2025-02-04", "2025-02-18"}, startDates(bySeries(events, "fortnight")))
	assert.Equal(t, []string{"2024-05-27", "2025-05-26"}, startDates(bySeries(events, "memorial")))

	for _, ev := range events {
		assert.Equal(t, "work", ev.SubscriptionID)
		require.NotNil(t, ev.Rule, ev.ID)
	}
}

func TestExpanderKeepsTimeOfDayAndDuration(t *testing.T) {
	raw := feed(`UID:standup
		DTSTART;TZID=Europe/Berlin:20250310T093000
		DTEND;TZID=Europe/Berlin:20250310T094500
		SUMMARY:Standup
		RRULE:FREQ=WEEKLY;COUNT=4`)

	events, errs := testExpander().Parse(raw, "work")
	require.Empty(t, errs)
	require.Len(t, events, 4)

	for _, ev := range events {
		assert.Equal(t, 9, ev.Start.Hour())
		assert.Equal(t, 30, ev.Start.Minute())
		assert.Equal(t, "Europe/Berlin", ev.Start.Location().String())
		require.NotNil(t, ev.End)
		assert.Equal(t, 15*time.Minute, ev.End.Sub(ev.Start))
	}
	// Crosses the March DST switch without drifting.
	assert.Equal(t, "2025-03-31", civil.DateOf(events[3].Start).String())
}

func TestExpanderAllDayEndIsInclusive(t *testing.T) {
	raw := feed(
		`UID:one-day
		DTSTART;VALUE=DATE:20250310
		DTEND;VALUE=DATE:20250311
		SUMMARY:Holiday`,
		`UID:three-days
		DTSTART;VALUE=DATE:20250312
		DTEND;VALUE=DATE:20250315
		SUMMARY:Conference`,
		`UID:repeating
		DTSTART;VALUE=DATE:20250401
		DTEND;VALUE=DATE:20250403
		SUMMARY:Retreat
		RRULE:FREQ=MONTHLY;COUNT=2`,
	)

	events, errs := testExpander().Parse(raw, "s")
	require.Empty(t, errs)

	ends := map[string]string{}
	for _, ev := range events {
		require.NotNil(t, ev.End, ev.ID)
		assert.True(t, ev.AllDay)
		ends[ev.ID] = civil.DateOf(*ev.End).String()
	}
	assert.Equal(t, "2025-03-10", ends["one-day"])
	assert.Equal(t, "2025-03-14", ends["three-days"])
	assert.Equal(t, "2025-04-02", ends["repeating/2025-04-01"])
	assert.Equal(t, "2025-05-02", ends["repeating/2025-05-01"])
}

func TestExpanderExdateAndOverride(t *testing.T) {
	raw := feed(
		`UID:weekly
		DTSTART:20250303T140000Z
		DTEND:20250303T150000Z
		SUMMARY:Sync
		RRULE:FREQ=WEEKLY;COUNT=4
		EXDATE:20250310T140000Z`,
		`UID:weekly
		RECURRENCE-ID:20250317T140000Z
		DTSTART:20250318T160000Z
		DTEND:20250318T170000Z
		SUMMARY:Sync (moved)`,
	)

	events, errs := testExpander().Parse(raw, "s")
	require.Empty(t, errs)
	require.Len(t, events, 3)

	assert.Equal(t, []string{"2025-03-03", "2025-03-18", "2025-03-24"}, startDates(events))
	assert.Equal(t, "Sync (moved)", events[1].Title)
	assert.Equal(t, "weekly/2025-03-17", events[1].ID)
}

func TestExpanderUnsupportedRules(t *testing.T) {
	raw := feed(
		`UID:hourly
		DTSTART:20250303T090000Z
		SUMMARY:Ping
		RRULE:FREQ=HOURLY;COUNT=5`,
		`UID:one-extra
		DTSTART;VALUE=DATE:20250113
		SUMMARY:Partly supported
		RRULE:FREQ=MONTHLY;BYDAY=2MO;BYWEEKNO=3;COUNT=3`,
		`UID:two-extras
		DTSTART;VALUE=DATE:20250113
		SUMMARY:Unsupported
		RRULE:FREQ=YEARLY;BYWEEKNO=3;BYYEARDAY=10`,
	)

	events, errs := testExpander().Parse(raw, "s")

	require.Len(t, errs, 2)
	for _, err := range errs {
		var rve *recur.RuleValidationError
		assert.ErrorAs(t, err, &rve)
	}

	hourly := bySeries(events, "hourly")
	require.Len(t, hourly, 1)
	assert.Nil(t, hourly[0].Rule)
	assert.Equal(t, "hourly", hourly[0].ID)

	assert.Equal(t, []string{"2025-01-13", "2025-02-10", "2025-03-10"}, startDates(bySeries(events, "one-extra")))
	assert.Len(t, bySeries(events, "two-extras"), 1)
}

func TestExpanderSkipsBrokenBlocks(t *testing.T) {
	raw := feed(
		`UID:good-1
		DTSTART;VALUE=DATE:20250301
		SUMMARY:First`,
		`UID:broken
		DTSTART;VALUE=DATE:20250302
		THIS IS NOT A PROPERTY
		SUMMARY:Broken`,
		`UID:bad-date
		DTSTART:notadate
		SUMMARY:Bad date`,
		`UID:good-2
		DTSTART;VALUE=DATE:20250303
		SUMMARY:Second`,
	)

	events, errs := testExpander().Parse(raw, "s")
	require.Len(t, errs, 2)
	for _, err := range errs {
		var fpe *FeedParseError
		require.ErrorAs(t, err, &fpe)
		assert.Equal(t, "s", fpe.SubscriptionID)
		assert.Positive(t, fpe.Block)
	}
	assert.Equal(t, []string{"2025-03-01", "2025-03-03"}, startDates(events))
}

func TestExpanderEmptyFeed(t *testing.T) {
	events, errs := testExpander().Parse(nil, "s")
	assert.Empty(t, events)
	require.Len(t, errs, 1)
	var fpe *FeedParseError
	assert.ErrorAs(t, errs[0], &fpe)
}

func TestExpanderMissingUIDGetsStableID(t *testing.T) {
	raw := feed(`DTSTART;VALUE=DATE:20250301
		SUMMARY:No uid
		LOCATION:Room 4
		RELATED-TO:[[Projects/Launch]]`)

	first, errs := testExpander().Parse(raw, "s")
	require.Empty(t, errs)
	second, _ := testExpander().Parse(raw, "s")

	require.Len(t, first, 1)
	assert.NotEmpty(t, first[0].ID)
	assert.Equal(t, first[0].ID, second[0].ID)
	assert.Equal(t, "Room 4", first[0].RawProperties["location"])
	require.Len(t, first[0].Related, 1)
	assert.True(t, first[0].Related[0].Matches(model.Literal("Launch")))
}

func TestExpanderFloatingTimesUseLocation(t *testing.T) {
	ny, err := time.LoadLocation("America/New_York")
	require.NoError(t, err)
	raw := feed(`UID:floating
		DTSTART:20250301T080000
		SUMMARY:Floating`)

	e := testExpander()
	e.Location = ny
	events, errs := e.Parse(raw, "s")
	require.Empty(t, errs)
	require.Len(t, events, 1)
	assert.Equal(t, ny, events[0].Start.Location())
	assert.Equal(t, 8, events[0].Start.Hour())
}

func TestExpanderWindow(t *testing.T) {
	w := testExpander().Window()
	assert.Equal(t, "2024-03-01", w.From.String())
	assert.Equal(t, "2026-03-01", w.To.String())

	e := &Expander{Now: func() time.Time { return time.Date(2025, 6, 15, 0, 0, 0, 0, time.UTC) }, Location: time.UTC}
	assert.Equal(t, "2023-06-15", e.Window().From.String())
}

func TestExpanderWindowsAndUnknownZones(t *testing.T) {
	raw := feed(`UID:exchange
		DTSTART;TZID=W. Europe Standard Time:20250303T090000
		DTEND;TZID=W. Europe Standard Time:20250303T100000
		RRULE:FREQ=WEEKLY;COUNT=3
		SUMMARY:Team sync`, `UID:unknown
		DTSTART;TZID=Mars/Olympus:20250305T140000
		SUMMARY:Rover check`)

	events, errs := testExpander().Parse(raw, "s")
	require.Empty(t, errs)

	sync := bySeries(events, "exchange")
	assert.Equal(t, []string{"2025-03-03", "2025-03-10", "2025-03-17"}, startDates(sync))
	berlin, err := time.LoadLocation("Europe/Berlin")
	require.NoError(t, err)
	for _, ev := range sync {
		assert.Equal(t, 9, ev.Start.In(berlin).Hour())
		require.NotNil(t, ev.End)
		assert.Equal(t, time.Hour, ev.End.Sub(ev.Start))
	}

	rover := bySeries(events, "unknown")
	require.Len(t, rover, 1)
	assert.True(t, time.Date(2025, 3, 5, 14, 0, 0, 0, time.UTC).Equal(rover[0].Start), rover[0].Start.String())
}
