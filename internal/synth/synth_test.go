package synth

import (
	"testing"
	"time"

	"cloud.google.com/go/civil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jpmoo/tasknotes-sub007/internal/model"
	"github.com/jpmoo/tasknotes-sub007/internal/recur"
)

func date(s string) civil.Date {
	d, err := civil.ParseDate(s)
	if err != nil {
		panic(err)
	}
	return d
}

func allDay(s string) *model.When {
	return &model.When{Time: date(s).In(time.UTC), AllDay: true}
}

func window(from, to string) recur.Window {
	return recur.Window{From: date(from), To: date(to)}
}

func newSynth() *Synthesizer {
	return &Synthesizer{
		Location: time.UTC,
		Palette: Palette{
			Priorities: map[string]string{"high": "#ff6b6b", "urgent": "var(--color-red)", "low": "var(--missing)"},
			Statuses:   map[string]string{"done": "#00ff00"},
			Symbols:    map[string]string{"color-red": "#ff6b6b"},
			Default:    "#336699",
		},
	}
}

type row struct {
	kind      model.Kind
	date      string
	completed bool
}

func rows(occs []model.Occurrence) []row {
	out := make([]row, 0, len(occs))
	for _, o := range occs {
		out = append(out, row{o.Kind, o.InstanceDate.String(), o.Completed})
	}
	return out
}

func TestDueAndRecurringAreIndependent(t *testing.T) {
	task := model.Task{
		Path:              "Tasks/Water plants.md",
		Title:             "Water plants",
		Priority:          "high",
		Due:               allDay("2025-02-10"),
		Recurrence:        "FREQ=WEEKLY;BYDAY=MO",
		CompleteInstances: []civil.Date{date("2025-02-17")},
	}

	got := newSynth().Synthesize([]model.Task{task}, nil, window("2025-02-01", "2025-03-02"), DefaultOptions())
	assert.Equal(t, []row{
		{model.KindDue, "2025-02-10", false},
		{model.KindRecurringInstance, "2025-02-10", false},
		{model.KindRecurringInstance, "2025-02-17", true},
		{model.KindRecurringInstance, "2025-02-24", false},
	}, rows(got))

	for _, o := range got {
		assert.True(t, o.AllDay)
		assert.True(t, o.Editable)
		assert.Equal(t, "Water plants", o.Label)
		assert.Equal(t, "Tasks/Water plants.md", o.SourceID)
	}

	opts := DefaultOptions()
	opts.ShowDue = false
	assert.Len(t, newSynth().Synthesize([]model.Task{task}, nil, window("2025-02-01", "2025-03-02"), opts), 3)

	opts = DefaultOptions()
	opts.ShowRecurring = false
	assert.Equal(t, []row{{model.KindDue, "2025-02-10", false}},
		rows(newSynth().Synthesize([]model.Task{task}, nil, window("2025-02-01", "2025-03-02"), opts)))
}

func TestSkippedInstancesAreRemoved(t *testing.T) {
	task := model.Task{
		Path:             "t.md",
		Scheduled:        allDay("2025-02-10"),
		Recurrence:       "FREQ=WEEKLY;BYDAY=MO",
		SkippedInstances: []civil.Date{date("2025-02-17")},
	}
	opts := DefaultOptions()
	opts.ShowScheduled = false

	got := newSynth().Synthesize([]model.Task{task}, nil, window("2025-02-01", "2025-02-28"), opts)
	assert.Equal(t, []row{
		{model.KindRecurringInstance, "2025-02-10", false},
		{model.KindRecurringInstance, "2025-02-24", false},
	}, rows(got))
}

func TestRecurrenceAnchorPrefersRuleThenScheduled(t *testing.T) {
	task := model.Task{
		Path:       "t.md",
		Due:        allDay("2025-01-31"),
		Scheduled:  allDay("2025-01-15"),
		Recurrence: "FREQ=MONTHLY",
	}
	opts := DefaultOptions()
	opts.ShowDue, opts.ShowScheduled = false, false

	got := newSynth().Synthesize([]model.Task{task}, nil, window("2025-01-01", "2025-03-31"), opts)
	assert.Equal(t, []string{"2025-01-15", "2025-02-15", "2025-03-15"}, instanceDates(got))

	task.Recurrence = "DTSTART:20250113T090000Z\nRRULE:FREQ=MONTHLY;BYDAY=2MO"
	got = newSynth().Synthesize([]model.Task{task}, nil, window("2025-01-01", "2025-03-31"), opts)
	assert.Equal(t, []string{"2025-01-13", "2025-02-10", "2025-03-10"}, instanceDates(got))
	for _, o := range got {
		assert.False(t, o.AllDay)
		assert.Equal(t, 9, o.Start.Hour())
	}
}

func instanceDates(occs []model.Occurrence) []string {
	var out []string
	for _, o := range occs {
		out = append(out, o.InstanceDate.String())
	}
	return out
}

func TestInvalidRuleKeepsBaseItem(t *testing.T) {
	withDue := model.Task{Path: "a.md", Due: allDay("2025-03-05"), Recurrence: "FREQ=HOURLY"}
	ruleOnly := model.Task{Path: "b.md", Recurrence: "DTSTART:20250306;FREQ=DAILY;BYHOUR=9"}
	broken := model.Task{Path: "c.md", Due: allDay("2025-03-07"), Recurrence: "FREQ=SOMETIMES"}

	got := newSynth().Synthesize([]model.Task{withDue, ruleOnly, broken}, nil, window("2025-03-01", "2025-03-31"), DefaultOptions())
	assert.Equal(t, []row{
		{model.KindDue, "2025-03-05", false},
		{model.KindRecurringInstance, "2025-03-06", false},
		{model.KindDue, "2025-03-07", false},
	}, rows(got))
}

func TestInvalidRuleShowsAnchorWhenDueHidden(t *testing.T) {
	task := model.Task{Path: "a.md", Due: allDay("2025-03-05"), Recurrence: "FREQ=HOURLY"}
	broken := model.Task{Path: "b.md", Scheduled: allDay("2025-03-07"), Recurrence: "FREQ=SOMETIMES"}
	opts := DefaultOptions()
	opts.ShowDue, opts.ShowScheduled = false, false

	got := newSynth().Synthesize([]model.Task{task, broken}, nil, window("2025-03-01", "2025-03-31"), opts)
	assert.Equal(t, []row{
		{model.KindRecurringInstance, "2025-03-05", false},
		{model.KindRecurringInstance, "2025-03-07", false},
	}, rows(got))
}

func TestTimedRuleExpandsOnLocalCalendar(t *testing.T) {
	la, err := time.LoadLocation("America/Los_Angeles")
	require.NoError(t, err)
	s := newSynth()
	s.Location = la

	task := model.Task{
		Path:             "Tasks/Call home.md",
		Title:            "Call home",
		Recurrence:       "DTSTART:20250804T030000Z;FREQ=DAILY",
		SkippedInstances: []civil.Date{date("2025-08-05")},
	}
	got := s.Synthesize([]model.Task{task}, nil, window("2025-08-03", "2025-08-06"), DefaultOptions())

	assert.Equal(t, []row{
		{model.KindRecurringInstance, "2025-08-03", false},
		{model.KindRecurringInstance, "2025-08-04", false},
		{model.KindRecurringInstance, "2025-08-06", false},
	}, rows(got))
	for _, occ := range got {
		assert.Equal(t, 20, occ.Start.Hour(), occ.InstanceDate.String())
		assert.Equal(t, occ.InstanceDate, civil.DateOf(occ.Start))
		assert.Equal(t, la, occ.Start.Location())
	}
}

func TestColorsAreResolvedBeforeFill(t *testing.T) {
	cases := []struct {
		priority string
		border   string
		fill     string
	}{
		{"high", "#ff6b6b", "rgba(255, 107, 107, 0.15)"},
		{"urgent", "#ff6b6b", "rgba(255, 107, 107, 0.15)"},
		{"HIGH", "#ff6b6b", "rgba(255, 107, 107, 0.15)"},
		{"custom-value", "#336699", "rgba(51, 102, 153, 0.15)"},
		{"low", "#336699", "rgba(51, 102, 153, 0.15)"},
	}
	for _, tc := range cases {
		t.Run(tc.priority, func(t *testing.T) {
			task := model.Task{Path: "t.md", Priority: tc.priority, Due: allDay("2025-03-01"), Scheduled: allDay("2025-03-02")}
			got := newSynth().Synthesize([]model.Task{task}, nil, window("2025-03-01", "2025-03-31"), DefaultOptions())
			require.Len(t, got, 2)
			for _, o := range got {
				assert.Equal(t, tc.border, o.BorderColor)
				assert.Equal(t, tc.fill, o.FillColor)
				assert.NotContains(t, o.FillColor, "var(")
			}
		})
	}
}

func TestColorByStatus(t *testing.T) {
	task := model.Task{Path: "t.md", Priority: "high", Status: "done", Due: allDay("2025-03-01")}
	opts := DefaultOptions()
	opts.ColorBy = ColorByStatus
	got := newSynth().Synthesize([]model.Task{task}, nil, window("2025-03-01", "2025-03-31"), opts)
	require.Len(t, got, 1)
	assert.Equal(t, "#00ff00", got[0].BorderColor)
	assert.Equal(t, "rgba(0, 255, 0, 0.15)", got[0].FillColor)
}

func TestPaletteFallsBackWithoutDefault(t *testing.T) {
	sw := Palette{Opacity: 0.3}.ForPriority("anything")
	assert.Equal(t, DefaultColor, sw.Border)
	assert.Equal(t, "rgba(128, 128, 128, 0.3)", sw.Fill)
}

func TestTimeEntriesFollowToggle(t *testing.T) {
	start := time.Date(2025, 3, 3, 9, 0, 0, 0, time.UTC)
	end := start.Add(90 * time.Minute)
	task := model.Task{
		Path:  "t.md",
		Title: "Write report",
		TimeEntries: []model.TimeEntry{
			{Start: start, End: &end, Description: "draft"},
			{Start: start.AddDate(0, 1, 0)},
		},
	}

	got := newSynth().Synthesize([]model.Task{task}, nil, window("2025-03-01", "2025-03-31"), DefaultOptions())
	require.Len(t, got, 1)
	assert.Equal(t, model.KindTimeEntry, got[0].Kind)
	assert.Equal(t, start, got[0].Start)
	require.NotNil(t, got[0].End)
	assert.Equal(t, end, *got[0].End)
	assert.Equal(t, "Write report: draft", got[0].Label)
	assert.True(t, got[0].Editable)

	opts := DefaultOptions()
	opts.ShowTimeEntries = false
	assert.Empty(t, newSynth().Synthesize([]model.Task{task}, nil, window("2025-03-01", "2025-03-31"), opts))
}

func TestFeedEventsAreReadOnly(t *testing.T) {
	end := date("2025-03-02").In(time.UTC)
	events := []model.FeedEvent{
		{
			ID: "conf", SubscriptionID: "work", Title: "Conference", AllDay: true,
			Start: date("2025-02-27").In(time.UTC), End: &end,
			RawProperties: map[string]string{"location": "Berlin"},
		},
		{ID: "later", SubscriptionID: "work", Title: "Later", Start: time.Date(2025, 4, 2, 10, 0, 0, 0, time.UTC)},
	}
	s := newSynth()
	s.Palette.Subscriptions = map[string]string{"work": "#0000ff"}

	opts := DefaultOptions()
	opts.FeedDetails = true
	got := s.Synthesize(nil, events, window("2025-03-01", "2025-03-31"), opts)
	require.Len(t, got, 1)
	o := got[0]
	assert.Equal(t, model.KindPropertyBased, o.Kind)
	assert.False(t, o.Editable)
	assert.Equal(t, "Conference @ Berlin", o.Label)
	assert.Equal(t, "work", o.SubscriptionID)
	assert.Equal(t, "#0000ff", o.BorderColor)
	assert.Equal(t, "rgba(0, 0, 255, 0.15)", o.FillColor)

	opts.ShowFeeds = false
	assert.Empty(t, s.Synthesize(nil, events, window("2025-03-01", "2025-03-31"), opts))
}

func TestPropertyDates(t *testing.T) {
	task := model.Task{
		Path:           "Tasks/Launch.md",
		DateProperties: map[string]model.When{"review": *allDay("2025-03-12"), "ignored": *allDay("2025-03-13")},
	}
	opts := DefaultOptions()
	opts.PropertyDates = []PropertyDate{{Property: "review", Label: "Review"}}

	got := newSynth().Synthesize([]model.Task{task}, nil, window("2025-03-01", "2025-03-31"), opts)
	require.Len(t, got, 1)
	assert.Equal(t, model.KindPropertyBased, got[0].Kind)
	assert.Equal(t, "Review: Launch", got[0].Label)
	assert.True(t, got[0].Editable)
}

func TestSortOrder(t *testing.T) {
	tasks := []model.Task{
		{Path: "b.md", Due: allDay("2025-03-05"), Scheduled: allDay("2025-03-05")},
		{Path: "a.md", Scheduled: allDay("2025-03-05")},
		{Path: "c.md", Due: allDay("2025-03-04")},
	}
	events := []model.FeedEvent{{ID: "ev", SubscriptionID: "s", Title: "x", AllDay: true, Start: date("2025-03-05").In(time.UTC)}}

	got := newSynth().Synthesize(tasks, events, window("2025-03-01", "2025-03-31"), DefaultOptions())
	var order []string
	for _, o := range got {
		order = append(order, string(o.Kind)+":"+o.SourceID)
	}
	assert.Equal(t, []string{"DUE:c.md", "DUE:b.md", "SCHEDULED:a.md", "SCHEDULED:b.md", "PROPERTY_BASED:ev"}, order)
}

func TestProjectFilter(t *testing.T) {
	tasks := []model.Task{
		{Path: "a.md", Due: allDay("2025-03-05"), Projects: []model.CrossRef{model.Link("Projects/Launch")}},
		{Path: "b.md", Due: allDay("2025-03-05"), Projects: []model.CrossRef{model.Literal("Other")}},
		{Path: "c.md", Due: allDay("2025-03-05")},
	}
	opts := DefaultOptions()
	opts.Projects = []model.CrossRef{model.Literal("launch")}

	got := newSynth().Synthesize(tasks, nil, window("2025-03-01", "2025-03-31"), opts)
	require.Len(t, got, 1)
	assert.Equal(t, "a.md", got[0].SourceID)
}

func TestSynthesizeIsRepeatable(t *testing.T) {
	tasks := []model.Task{{Path: "a.md", Due: allDay("2025-03-03"), Recurrence: "FREQ=DAILY;INTERVAL=2"}}
	s := newSynth()
	w := window("2025-03-01", "2025-03-31")
	assert.Equal(t, s.Synthesize(tasks, nil, w, DefaultOptions()), s.Synthesize(tasks, nil, w, DefaultOptions()))
}
