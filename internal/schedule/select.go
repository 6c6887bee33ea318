// Package schedule picks the schedule entry a device should show this cycle.
package schedule

import (
	"time"

	"github.com/jmylchreest/tagsync/internal/models"
)

// Selection is the entry chosen for a device and the instant it became due.
type Selection struct {
	Entry   models.Schedule
	Trigger time.Time
}

// Trigger returns the instant entry is due relative to now, and whether it
// is a candidate at all.
//
// A fixed entry is a candidate once its date has passed. A weekly entry is a
// candidate only on its weekday, and only when today's hour:minute lies in
// (lastChecked, now]. Occurrences on earlier days are never considered, so a
// device that is not evaluated on the matching day misses that week.
func Trigger(entry models.Schedule, lastChecked, now time.Time, loc *time.Location) (time.Time, bool) {
	now = now.In(loc)

	switch s := entry.(type) {
	case *models.FixedSchedule:
		at := s.In(loc)
		return at, !at.After(now)

	case *models.WeeklySchedule:
		if now.Weekday() != s.Weekday() {
			return time.Time{}, false
		}
		at := time.Date(now.Year(), now.Month(), now.Day(), s.Hour, s.Minute, 0, 0, loc)
		return at, at.After(lastChecked) && !at.After(now)

	default:
		return time.Time{}, false
	}
}

// Select returns the due entry with the latest trigger. lastChecked is the
// zero time for a device that has never been evaluated.
func Select(entries []models.Schedule, lastChecked, now time.Time, loc *time.Location) (Selection, bool) {
	if loc == nil {
		loc = time.UTC
	}

	var (
		best  Selection
		found bool
	)
	for _, entry := range entries {
		at, due := Trigger(entry, lastChecked, now, loc)
		if !due {
			continue
		}
		if !found || at.After(best.Trigger) {
			best = Selection{Entry: entry, Trigger: at}
			found = true
		}
	}
	return best, found
}
