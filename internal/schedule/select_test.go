package schedule

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jmylchreest/tagsync/internal/models"
)

func warsaw(t *testing.T) *time.Location {
	t.Helper()
	loc, err := time.LoadLocation("Europe/Warsaw")
	require.NoError(t, err)
	return loc
}

func photo(name string) models.Media {
	return models.Media{Filename: name, Type: models.MediaPhoto}
}

func TestSelect_WeeklyWindow(t *testing.T) {
	loc := warsaw(t)
	// 2025-06-18 is a Wednesday.
	entry := &models.WeeklySchedule{DayOfWeek: 3, Hour: 14, Minute: 0, Media: photo("wed.png")}
	yesterday := time.Date(2025, 6, 17, 14, 0, 0, 0, loc)

	t.Run("selected just after trigger", func(t *testing.T) {
		now := time.Date(2025, 6, 18, 14, 5, 0, 0, loc)
		sel, ok := Select([]models.Schedule{entry}, yesterday, now, loc)
		require.True(t, ok)
		assert.Same(t, entry, sel.Entry)
		assert.Equal(t, time.Date(2025, 6, 18, 14, 0, 0, 0, loc), sel.Trigger)
	})

	t.Run("not selected before trigger", func(t *testing.T) {
		now := time.Date(2025, 6, 18, 13, 55, 0, 0, loc)
		_, ok := Select([]models.Schedule{entry}, yesterday, now, loc)
		assert.False(t, ok)
	})

	t.Run("not reselected once checked past trigger", func(t *testing.T) {
		lastChecked := time.Date(2025, 6, 18, 14, 10, 0, 0, loc)
		now := time.Date(2025, 6, 18, 15, 0, 0, 0, loc)
		_, ok := Select([]models.Schedule{entry}, lastChecked, now, loc)
		assert.False(t, ok)
	})

	t.Run("trigger at exactly now is due", func(t *testing.T) {
		now := time.Date(2025, 6, 18, 14, 0, 0, 0, loc)
		_, ok := Select([]models.Schedule{entry}, yesterday, now, loc)
		assert.True(t, ok)
	})

	t.Run("trigger at exactly lastChecked is not due", func(t *testing.T) {
		lastChecked := time.Date(2025, 6, 18, 14, 0, 0, 0, loc)
		now := time.Date(2025, 6, 18, 14, 30, 0, 0, loc)
		_, ok := Select([]models.Schedule{entry}, lastChecked, now, loc)
		assert.False(t, ok)
	})

	t.Run("never checked device fires", func(t *testing.T) {
		now := time.Date(2025, 6, 18, 20, 0, 0, 0, loc)
		_, ok := Select([]models.Schedule{entry}, time.Time{}, now, loc)
		assert.True(t, ok)
	})

	t.Run("other weekday", func(t *testing.T) {
		now := time.Date(2025, 6, 19, 14, 5, 0, 0, loc)
		_, ok := Select([]models.Schedule{entry}, yesterday, now, loc)
		assert.False(t, ok)
	})
}

// A device that is not evaluated on the matching day misses that week's
// occurrence; only today's occurrence is ever considered.
func TestSelect_StaleWindowSkipsMissedDay(t *testing.T) {
	loc := warsaw(t)
	entry := &models.WeeklySchedule{DayOfWeek: 3, Hour: 14, Minute: 0, Media: photo("wed.png")}
	lastChecked := time.Date(2025, 6, 17, 9, 0, 0, 0, loc) // Tuesday
	now := time.Date(2025, 6, 19, 9, 0, 0, 0, loc)         // Thursday

	_, ok := Select([]models.Schedule{entry}, lastChecked, now, loc)
	assert.False(t, ok)
}

func TestSelect_WeekdayMatchesSundayZero(t *testing.T) {
	loc := time.UTC
	sunday := time.Date(2025, 6, 22, 10, 0, 0, 0, loc)
	for _, day := range []int{0, 7} {
		entry := &models.WeeklySchedule{DayOfWeek: day, Hour: 9, Minute: 30, Media: photo("sun.png")}
		_, ok := Select([]models.Schedule{entry}, time.Time{}, sunday, loc)
		assert.True(t, ok, "dayOfWeek %d", day)
	}
}

func TestSelect_Fixed(t *testing.T) {
	loc := warsaw(t)
	now := time.Date(2025, 6, 20, 14, 0, 0, 0, loc)

	past := &models.FixedSchedule{Date: time.Date(2025, 6, 20, 13, 0, 0, 0, time.UTC), Media: photo("past.png")}
	future := &models.FixedSchedule{Date: time.Date(2025, 6, 21, 0, 0, 0, 0, time.UTC), Media: photo("future.png")}

	sel, ok := Select([]models.Schedule{future, past}, time.Time{}, now, loc)
	require.True(t, ok)
	assert.Same(t, past, sel.Entry)

	_, ok = Select([]models.Schedule{future}, time.Time{}, now, loc)
	assert.False(t, ok)

	// Fixed entries do not depend on the ledger.
	_, ok = Select([]models.Schedule{past}, now, now, loc)
	assert.True(t, ok)
}

func TestSelect_FloatingDateUsesLocation(t *testing.T) {
	loc := warsaw(t)
	entry := &models.FixedSchedule{Date: time.Date(2025, 6, 20, 14, 0, 0, 0, time.UTC), Floating: true, Media: photo("x.png")}

	// Read as UTC the entry would fall due at 16:00 Warsaw time.
	now := time.Date(2025, 6, 20, 13, 30, 0, 0, loc)
	_, ok := Select([]models.Schedule{entry}, time.Time{}, now, loc)
	assert.False(t, ok)

	now = time.Date(2025, 6, 20, 15, 0, 0, 0, loc)
	sel, ok := Select([]models.Schedule{entry}, time.Time{}, now, loc)
	require.True(t, ok)
	assert.Equal(t, time.Date(2025, 6, 20, 14, 0, 0, 0, loc), sel.Trigger)
}

func TestSelect_LatestTriggerWins(t *testing.T) {
	loc := warsaw(t)
	now := time.Date(2025, 6, 18, 15, 0, 0, 0, loc)
	lastChecked := time.Date(2025, 6, 18, 8, 0, 0, 0, loc)

	oldFixed := &models.FixedSchedule{Date: time.Date(2025, 6, 1, 0, 0, 0, 0, loc), Media: photo("old.png")}
	weekly := &models.WeeklySchedule{DayOfWeek: 3, Hour: 12, Minute: 0, Media: photo("noon.png")}
	recentFixed := &models.FixedSchedule{Date: time.Date(2025, 6, 18, 14, 30, 0, 0, loc), Media: photo("recent.png")}
	laterWeekly := &models.WeeklySchedule{DayOfWeek: 3, Hour: 14, Minute: 45, Media: photo("late.png")}

	sel, ok := Select([]models.Schedule{oldFixed, weekly, recentFixed, laterWeekly}, lastChecked, now, loc)
	require.True(t, ok)
	assert.Same(t, laterWeekly, sel.Entry)

	sel, ok = Select([]models.Schedule{oldFixed, weekly, recentFixed}, lastChecked, now, loc)
	require.True(t, ok)
	assert.Same(t, recentFixed, sel.Entry)
}

func TestSelect_Empty(t *testing.T) {
	_, ok := Select(nil, time.Time{}, time.Now(), nil)
	assert.False(t, ok)
}
