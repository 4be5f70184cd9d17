// Package synth turns task records and feed events into the ordered,
// colored occurrence list shown for a visible window.
package synth

import (
	"slices"
	"strings"
	"time"

	"cloud.google.com/go/civil"

	appLog "github.com/jpmoo/tasknotes-sub007/internal/log"
	"github.com/jpmoo/tasknotes-sub007/internal/model"
	"github.com/jpmoo/tasknotes-sub007/internal/recur"
)

// ColorBy selects which task category drives colors.
type ColorBy string

const (
	ColorByPriority ColorBy = "priority"
	ColorByStatus   ColorBy = "status"
)

// PropertyDate names a task date property rendered as PROPERTY_BASED
// occurrences.
type PropertyDate struct {
	Property string
	Label    string
}

// Options are the per-request visibility toggles. They filter independently;
// turning off due dates does not hide recurring instances and vice versa.
type Options struct {
	ShowDue           bool
	ShowScheduled     bool
	ShowRecurring     bool
	ShowTimeEntries   bool
	ShowFeeds         bool
	ShowPropertyDates bool
	// FeedDetails appends the feed event location to its label.
	FeedDetails bool

	ColorBy       ColorBy
	PropertyDates []PropertyDate

	// Projects limits tasks to those linked to any of these projects. Feed
	// events are not affected. Empty means no filter.
	Projects []model.CrossRef
}

// DefaultOptions shows everything and colors by priority.
func DefaultOptions() Options {
	return Options{
		ShowDue:           true,
		ShowScheduled:     true,
		ShowRecurring:     true,
		ShowTimeEntries:   true,
		ShowFeeds:         true,
		ShowPropertyDates: true,
		ColorBy:           ColorByPriority,
	}
}

// Synthesizer is stateless apart from its configuration and safe for
// concurrent use.
type Synthesizer struct {
	Palette Palette
	// Location places all-day dates and wall-clock times. time.Local when nil.
	Location *time.Location
	Engine   recur.Engine
}

// Synthesize builds the occurrence list for window, sorted by start time,
// then kind precedence, then source id.
func (s *Synthesizer) Synthesize(tasks []model.Task, feedEvents []model.FeedEvent, window recur.Window, opts Options) []model.Occurrence {
	var out []model.Occurrence
	for _, t := range tasks {
		if !matchesProjects(t, opts.Projects) {
			continue
		}
		out = append(out, s.taskOccurrences(t, window, opts)...)
	}
	if opts.ShowFeeds {
		for _, fe := range feedEvents {
			if occ, ok := s.feedOccurrence(fe, window, opts); ok {
				out = append(out, occ)
			}
		}
	}
	Sort(out)
	return out
}

// Sort orders occurrences by start, kind precedence and source id.
func Sort(occs []model.Occurrence) {
	slices.SortStableFunc(occs, func(a, b model.Occurrence) int {
		if c := a.Start.Compare(b.Start); c != 0 {
			return c
		}
		if c := a.Kind.Precedence() - b.Kind.Precedence(); c != 0 {
			return c
		}
		return strings.Compare(a.SourceID, b.SourceID)
	})
}

func (s *Synthesizer) loc() *time.Location {
	if s.Location != nil {
		return s.Location
	}
	return time.Local
}

func (s *Synthesizer) taskSwatch(t model.Task, opts Options) Swatch {
	if opts.ColorBy == ColorByStatus {
		return s.Palette.ForStatus(t.Status)
	}
	return s.Palette.ForPriority(t.Priority)
}

func (s *Synthesizer) taskOccurrences(t model.Task, window recur.Window, opts Options) []model.Occurrence {
	sw := s.taskSwatch(t, opts)
	base := model.Occurrence{
		SourceID:    t.Path,
		Editable:    true,
		BorderColor: sw.Border,
		FillColor:   sw.Fill,
		Label:       taskLabel(t),
	}

	var out []model.Occurrence
	dated := func(kind model.Kind, w *model.When) {
		if w == nil || !window.Contains(s.localDate(*w)) {
			return
		}
		occ := base
		occ.Kind = kind
		occ.Start, occ.AllDay = s.place(*w)
		occ.InstanceDate = s.localDate(*w)
		out = append(out, occ)
	}

	if opts.ShowDue {
		dated(model.KindDue, t.Due)
	}
	if opts.ShowScheduled {
		dated(model.KindScheduled, t.Scheduled)
	}
	if opts.ShowRecurring && strings.TrimSpace(t.Recurrence) != "" {
		out = append(out, s.recurringOccurrences(t, base, window, len(out) > 0)...)
	}
	if opts.ShowTimeEntries {
		for _, te := range t.TimeEntries {
			if occ, ok := s.timeEntryOccurrence(te, base, window); ok {
				out = append(out, occ)
			}
		}
	}
	if opts.ShowPropertyDates {
		for _, pd := range opts.PropertyDates {
			w, ok := t.DateProperties[pd.Property]
			if !ok {
				w, ok = t.DateProperties[strings.ToLower(pd.Property)]
			}
			if !ok {
				continue
			}
			n := len(out)
			dated(model.KindPropertyBased, &w)
			if len(out) > n {
				out[n].Label = propertyLabel(pd, t)
			}
		}
	}
	return out
}

// recurringOccurrences expands the task rule. A rule that cannot be
// expanded yields its anchor instance, unless a DUE or SCHEDULED occurrence
// already shows the item.
func (s *Synthesizer) recurringOccurrences(t model.Task, base model.Occurrence, window recur.Window, baseShown bool) []model.Occurrence {
	rule, err := t.Rule(s.loc())
	var instances []recur.Instance
	if err == nil {
		instances, err = s.Engine.Expand(rule, t.Exceptions(), window)
	}
	if err != nil {
		appLog.Warn("task recurrence not expandable, showing base item", err, "task", t.Path)
		if baseShown {
			return nil
		}
		if instances == nil && !rule.Anchor.IsZero() {
			d := civil.DateOf(rule.Anchor)
			instances = []recur.Instance{{Date: d, Completed: t.Exceptions().IsCompleted(d)}}
		}
		instances = slices.DeleteFunc(instances, func(i recur.Instance) bool { return !window.Contains(i.Date) })
	}

	out := make([]model.Occurrence, 0, len(instances))
	for _, inst := range instances {
		occ := base
		occ.Kind = model.KindRecurringInstance
		occ.InstanceDate = inst.Date
		occ.Completed = inst.Completed
		if rule.DateOnly {
			occ.Start, occ.AllDay = inst.Date.In(s.loc()), true
		} else {
			a := rule.Anchor.In(s.loc())
			occ.Start = time.Date(inst.Date.Year, inst.Date.Month, inst.Date.Day, a.Hour(), a.Minute(), a.Second(), 0, s.loc())
		}
		out = append(out, occ)
	}
	return out
}

func (s *Synthesizer) timeEntryOccurrence(te model.TimeEntry, base model.Occurrence, window recur.Window) (model.Occurrence, bool) {
	if te.Start.IsZero() {
		return model.Occurrence{}, false
	}
	first := civil.DateOf(te.Start.In(s.loc()))
	last := first
	if te.End != nil {
		last = civil.DateOf(te.End.In(s.loc()))
	}
	if last.Before(window.From) || first.After(window.To) {
		return model.Occurrence{}, false
	}
	occ := base
	occ.Kind = model.KindTimeEntry
	occ.Start = te.Start.In(s.loc())
	if te.End != nil {
		end := te.End.In(s.loc())
		occ.End = &end
	}
	occ.InstanceDate = first
	if te.Description != "" {
		occ.Label = base.Label + ": " + te.Description
	}
	return occ, true
}

func (s *Synthesizer) feedOccurrence(fe model.FeedEvent, window recur.Window, opts Options) (model.Occurrence, bool) {
	first := civil.DateOf(fe.Start.In(s.loc()))
	if fe.AllDay {
		first = civil.DateOf(fe.Start)
	}
	last := first
	if fe.End != nil {
		if fe.AllDay {
			last = civil.DateOf(*fe.End)
		} else {
			last = civil.DateOf(fe.End.In(s.loc()))
		}
	}
	if last.Before(window.From) || first.After(window.To) {
		return model.Occurrence{}, false
	}

	sw := s.Palette.ForSubscription(fe.SubscriptionID)
	occ := model.Occurrence{
		SourceID:       fe.ID,
		Kind:           model.KindPropertyBased,
		AllDay:         fe.AllDay,
		Editable:       false,
		BorderColor:    sw.Border,
		FillColor:      sw.Fill,
		Label:          fe.Title,
		InstanceDate:   first,
		SubscriptionID: fe.SubscriptionID,
	}
	if fe.AllDay {
		occ.Start = first.In(s.loc())
		if fe.End != nil {
			end := last.In(s.loc())
			occ.End = &end
		}
	} else {
		occ.Start = fe.Start.In(s.loc())
		if fe.End != nil {
			end := fe.End.In(s.loc())
			occ.End = &end
		}
	}
	if opts.FeedDetails {
		if where := fe.RawProperties["location"]; where != "" {
			occ.Label += " @ " + where
		}
	}
	return occ, true
}

// place returns the instant a task date is shown at.
func (s *Synthesizer) place(w model.When) (time.Time, bool) {
	return w.In(s.loc())
}

func (s *Synthesizer) localDate(w model.When) civil.Date {
	if w.AllDay {
		return civil.DateOf(w.Time)
	}
	return civil.DateOf(w.Time.In(s.loc()))
}

func taskLabel(t model.Task) string {
	if t.Title != "" {
		return t.Title
	}
	p := t.Path
	if i := strings.LastIndex(p, "/"); i >= 0 {
		p = p[i+1:]
	}
	return strings.TrimSuffix(p, ".md")
}

func propertyLabel(pd PropertyDate, t model.Task) string {
	label := pd.Label
	if label == "" {
		label = pd.Property
	}
	return label + ": " + taskLabel(t)
}

func matchesProjects(t model.Task, filter []model.CrossRef) bool {
	if len(filter) == 0 {
		return true
	}
	for _, want := range filter {
		for _, have := range t.Projects {
			if have.Matches(want) {
				return true
			}
		}
	}
	return false
}
