package outbound

import (
	"errors"
	"time"

	"cloud.google.com/go/civil"
	ical "github.com/arran4/golang-ical"
	"github.com/google/uuid"

	appLog "github.com/jpmoo/tasknotes-sub007/internal/log"
	"github.com/jpmoo/tasknotes-sub007/internal/model"
)

// exportNamespace derives stable event UIDs from task paths.
var exportNamespace = uuid.MustParse("9b0e7c52-3d1a-5f7e-8c4b-6a2f1e0d9c83")

// Item is one exported task.
type Item struct {
	Path    string
	Title   string
	Payload Payload
}

// TranslateTasks translates every recurring task. Tasks that fail are
// returned as errors keyed by path and left out of the items; the batch
// itself never fails.
func TranslateTasks(tasks []model.Task, loc *time.Location) ([]Item, map[string]error) {
	var items []Item
	failed := map[string]error{}
	for _, t := range tasks {
		if t.Recurrence == "" {
			continue
		}
		item, err := TranslateTask(t, loc)
		if err != nil {
			appLog.Warn("task recurrence not exported", err, "task", t.Path)
			failed[t.Path] = err
			continue
		}
		items = append(items, item)
	}
	return items, failed
}

// TranslateTask translates one task's recurrence.
func TranslateTask(t model.Task, loc *time.Location) (Item, error) {
	if t.Recurrence == "" {
		return Item{}, errors.New("task has no recurrence")
	}
	rule, err := t.Rule(loc)
	if err != nil {
		return Item{}, err
	}
	p, err := Translate(rule, t.Exceptions())
	if err != nil {
		return Item{}, err
	}
	title := t.Title
	if title == "" {
		title = t.Path
	}
	return Item{Path: t.Path, Title: title, Payload: p}, nil
}

// Calendar renders items as an iCalendar document, one recurring VEVENT per
// item.
func Calendar(items []Item, now time.Time) string {
	cal := ical.NewCalendar()
	cal.SetProductId("-//taskcal//export//EN")
	cal.SetMethod(ical.MethodPublish)
	cal.SetXWRCalName("Tasks")

	for _, it := range items {
		ev := cal.AddEvent(uuid.NewSHA1(exportNamespace, []byte(it.Path)).String() + "@taskcal")
		ev.SetDtStampTime(now)
		ev.SetSummary(it.Title)

		p := it.Payload
		if p.AnchorTime == nil {
			ev.SetAllDayStartAt(p.AnchorDate.In(time.UTC))
		} else {
			loc, err := time.LoadLocation(p.TimeZone)
			if err != nil {
				loc = time.UTC
			}
			start := civil.DateTime{Date: p.AnchorDate, Time: *p.AnchorTime}.In(loc)
			if loc == time.UTC || loc == time.Local {
				ev.SetStartAt(start)
			} else {
				ev.SetProperty(ical.ComponentPropertyDtStart, start.Format("20060102T150405"), ical.WithTZID(p.TimeZone))
			}
		}

		ev.AddRrule(p.RuleString)
		for _, d := range p.ExceptionDates {
			ev.AddExdate(formatDate(d), ical.WithValue(string(ical.ValueDataTypeDate)))
		}
	}
	return cal.Serialize()
}
