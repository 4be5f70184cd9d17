package model

import (
	"time"

	"cloud.google.com/go/civil"

	"github.com/jpmoo/tasknotes-sub007/internal/recur"
)

// When is a task date as written in the store: either a plain calendar date
// ("2025-02-10") or a date with a time of day.
type When struct {
	Time   time.Time
	AllDay bool
}

// Date returns the local calendar date of w.
func (w When) Date() civil.Date {
	return civil.DateOf(w.Time)
}

// In places w in loc. Date-only values sit at local midnight of their date.
func (w When) In(loc *time.Location) (time.Time, bool) {
	if w.AllDay {
		return civil.DateOf(w.Time).In(loc), true
	}
	return w.Time.In(loc), false
}

// TimeEntry is one logged tracking interval. End is nil while the timer is
// still running.
type TimeEntry struct {
	Start       time.Time
	End         *time.Time
	Description string
}

// Task is the read-only record the TaskStore hands to the core.
type Task struct {
	// Path identifies the task (its note path inside the vault).
	Path     string
	Title    string
	Status   string
	Priority string

	Due       *When
	Scheduled *When

	// Recurrence is the rule text as stored, e.g.
	// "DTSTART:20250113;FREQ=MONTHLY;BYDAY=2MO".
	Recurrence        string
	CompleteInstances []civil.Date
	SkippedInstances  []civil.Date

	TimeEntries []TimeEntry

	Projects  []CrossRef
	BlockedBy []CrossRef
	Tags      []string

	// DateProperties holds additional date-valued frontmatter fields keyed by
	// property name. The synthesizer turns configured ones into
	// PROPERTY_BASED occurrences.
	DateProperties map[string]When
}

// Rule parses the task's recurrence. A rule without its own DTSTART is
// anchored at the scheduled date, else the due date; with neither the anchor
// stays zero and the rule fails validation. Timed anchors are moved into loc.
//
// On a parse error the returned rule still carries the best anchor known,
// for callers that fall back to a single instance.
func (t Task) Rule(loc *time.Location) (recur.RuleModel, error) {
	rule, err := recur.Parse(t.Recurrence, loc)
	for _, w := range []*When{t.Scheduled, t.Due} {
		if w != nil {
			start, allDay := w.In(loc)
			rule = rule.WithAnchor(start, allDay)
			break
		}
	}
	return rule.In(loc), err
}

// Exceptions builds the task's exception set.
func (t Task) Exceptions() recur.ExceptionSet {
	return recur.NewExceptionSet(t.CompleteInstances, t.SkippedInstances)
}

// FeedEvent is a single event (or one materialized instance of a recurring
// event) read from a subscribed calendar feed.
type FeedEvent struct {
	ID             string
	SubscriptionID string
	// SeriesID is the feed UID shared by every instance of one series.
	SeriesID string

	Title  string
	Start  time.Time
	End    *time.Time
	AllDay bool

	// Rule is set on instances materialized from a recurring series.
	Rule *recur.RuleModel

	// RawProperties carries location / description / url untouched.
	RawProperties map[string]string
	Related       []CrossRef
}

// Kind classifies a synthesized occurrence.
type Kind string

const (
	KindDue               Kind = "DUE"
	KindScheduled         Kind = "SCHEDULED"
	KindRecurringInstance Kind = "RECURRING_INSTANCE"
	KindTimeEntry         Kind = "TIME_ENTRY"
	KindPropertyBased     Kind = "PROPERTY_BASED"
)

// Precedence orders kinds that share a start time.
func (k Kind) Precedence() int {
	switch k {
	case KindDue:
		return 0
	case KindScheduled:
		return 1
	case KindRecurringInstance:
		return 2
	case KindTimeEntry:
		return 3
	case KindPropertyBased:
		return 4
	default:
		return 5
	}
}

// Occurrence is one concrete, dated, display-only instance derived from a
// task or a feed event. Occurrences are rebuilt on every request.
type Occurrence struct {
	SourceID string `json:"source_id"`
	Kind     Kind   `json:"kind"`

	Start  time.Time  `json:"start"`
	End    *time.Time `json:"end,omitempty"`
	AllDay bool       `json:"all_day"`

	Editable    bool   `json:"editable"`
	BorderColor string `json:"border_color"`
	FillColor   string `json:"fill_color"`
	Label       string `json:"label"`

	// InstanceDate is the local date a recurring instance belongs to.
	InstanceDate   civil.Date `json:"instance_date"`
	Completed      bool       `json:"completed,omitempty"`
	SubscriptionID string     `json:"subscription_id,omitempty"`
}
