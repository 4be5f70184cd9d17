package recur

import (
	"slices"

	"cloud.google.com/go/civil"
)

// ExceptionSet records which generated dates of one task were completed or
// skipped. Both lists are sorted, free of duplicates and disjoint.
type ExceptionSet struct {
	Completed []civil.Date
	Skipped   []civil.Date
}

// NewExceptionSet normalizes the two lists. A date listed as both completed
// and skipped is kept as completed, so the instance stays visible.
func NewExceptionSet(completed, skipped []civil.Date) ExceptionSet {
	c := sortedDates(completed)
	s := sortedDates(skipped)
	s = slices.DeleteFunc(s, func(d civil.Date) bool {
		_, found := slices.BinarySearchFunc(c, d, civil.Date.Compare)
		return found
	})
	return ExceptionSet{Completed: c, Skipped: s}
}

// IsCompleted reports whether d is in the completed set.
func (e ExceptionSet) IsCompleted(d civil.Date) bool {
	return containsDate(e.Completed, d)
}

// IsSkipped reports whether d is in the skipped set.
func (e ExceptionSet) IsSkipped(d civil.Date) bool {
	return containsDate(e.Skipped, d)
}

// Empty reports whether neither set holds a date.
func (e ExceptionSet) Empty() bool {
	return len(e.Completed) == 0 && len(e.Skipped) == 0
}

func containsDate(sorted []civil.Date, d civil.Date) bool {
	if slices.IsSortedFunc(sorted, civil.Date.Compare) {
		_, found := slices.BinarySearchFunc(sorted, d, civil.Date.Compare)
		return found
	}
	return slices.Contains(sorted, d)
}

func sortedDates(in []civil.Date) []civil.Date {
	out := make([]civil.Date, 0, len(in))
	for _, d := range in {
		if d.IsValid() {
			out = append(out, d)
		}
	}
	slices.SortFunc(out, civil.Date.Compare)
	return slices.Compact(out)
}
