package slots

import (
	"testing"
	"time"
	_ "time/tzdata"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"reposter/models"
)

var panama = time.FixedZone("EST", -5*60*60)

func newTestScheduler(t *testing.T) *Scheduler {
	t.Helper()
	s, err := New(panama, []int{18, 10, 14})
	require.NoError(t, err)
	return s
}

func TestNew_RejectsBadHours(t *testing.T) {
	cases := map[string][]int{
		"too few":      {10, 14},
		"too many":     {9, 10, 14, 18},
		"duplicate":    {10, 10, 14},
		"out of range": {10, 14, 24},
		"negative":     {-1, 10, 14},
	}
	for name, hours := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := New(panama, hours)
			assert.Error(t, err)
		})
	}

	_, err := New(nil, []int{10, 14, 18})
	assert.Error(t, err)
}

func TestNext_FourCallsCoverTwoDays(t *testing.T) {
	s := newTestScheduler(t)
	ref := time.Date(2025, 3, 4, 8, 30, 0, 0, panama)

	got := make([]models.Slot, 0, 4)
	for i := 0; i < 4; i++ {
		got = append(got, s.Next(ref))
	}

	want := []models.Slot{
		{Year: 2025, Month: time.March, Day: 4, Hour: 10},
		{Year: 2025, Month: time.March, Day: 4, Hour: 14},
		{Year: 2025, Month: time.March, Day: 4, Hour: 18},
		{Year: 2025, Month: time.March, Day: 5, Hour: 10},
	}
	assert.Equal(t, want, got)
}

func TestNext_DistinctAndStrategic(t *testing.T) {
	s := newTestScheduler(t)
	ref := time.Date(2025, 12, 30, 13, 0, 0, 0, panama)

	seen := make(map[models.Slot]bool)
	for i := 0; i < 50; i++ {
		slot := s.Next(ref)
		require.False(t, seen[slot], "slot %s returned twice", slot)
		seen[slot] = true
		assert.Contains(t, []int{10, 14, 18}, slot.Hour)
	}
	assert.Len(t, s.ListUsed(), 50)
}

func TestNext_SkipsPassedHours(t *testing.T) {
	s := newTestScheduler(t)

	slot := s.Next(time.Date(2025, 6, 1, 14, 0, 0, 0, panama))
	assert.Equal(t, models.Slot{Year: 2025, Month: time.June, Day: 1, Hour: 18}, slot)
}

func TestNext_AfterLastHourRollsToNextDay(t *testing.T) {
	s := newTestScheduler(t)

	for _, ref := range []time.Time{
		time.Date(2025, 6, 1, 18, 0, 0, 0, panama),
		time.Date(2025, 6, 1, 23, 59, 0, 0, panama),
	} {
		slot := s.Peek(ref)
		assert.Equal(t, models.Slot{Year: 2025, Month: time.June, Day: 2, Hour: 10}, slot)
	}

	// Month and year boundaries come from time.Date normalisation.
	slot := s.Peek(time.Date(2025, 12, 31, 20, 0, 0, 0, panama))
	assert.Equal(t, models.Slot{Year: 2026, Month: time.January, Day: 1, Hour: 10}, slot)
}

func TestNext_UsesSchedulerZone(t *testing.T) {
	s := newTestScheduler(t)

	// 16:00 UTC is 11:00 in the scheduler's zone, so 10:00 has passed.
	slot := s.Next(time.Date(2025, 6, 1, 16, 0, 0, 0, time.UTC))
	assert.Equal(t, 14, slot.Hour)
	assert.Equal(t, 1, slot.Day)
	assert.Equal(t, "2025-06-01 14:00:00", slot.PublishAt(panama))
}

func TestNext_SkipsHourInDSTGap(t *testing.T) {
	ny, err := time.LoadLocation("America/New_York")
	require.NoError(t, err)
	s, err := New(ny, []int{2, 10, 18})
	require.NoError(t, err)

	// 02:00 does not exist on 2025-03-09 in New York.
	ref := time.Date(2025, 3, 9, 0, 30, 0, 0, ny)
	got := []models.Slot{s.Next(ref), s.Next(ref), s.Next(ref)}

	want := []models.Slot{
		{Year: 2025, Month: time.March, Day: 9, Hour: 10},
		{Year: 2025, Month: time.March, Day: 9, Hour: 18},
		{Year: 2025, Month: time.March, Day: 10, Hour: 2},
	}
	assert.Equal(t, want, got)
	for _, slot := range got {
		assert.Equal(t, slot.Hour, slot.Time(ny).Hour())
	}
}

func TestMarkUsed(t *testing.T) {
	s := newTestScheduler(t)
	slot := models.Slot{Year: 2025, Month: time.June, Day: 1, Hour: 10}

	assert.True(t, s.IsAvailable(slot))
	s.MarkUsed(slot)
	s.MarkUsed(slot)
	assert.False(t, s.IsAvailable(slot))
	assert.Len(t, s.ListUsed(), 1)

	next := s.Next(time.Date(2025, 6, 1, 7, 0, 0, 0, panama))
	assert.Equal(t, 14, next.Hour)
}

func TestMarkTime_IgnoresOffHours(t *testing.T) {
	s := newTestScheduler(t)

	assert.True(t, s.MarkTime(time.Date(2025, 6, 1, 19, 0, 0, 0, time.UTC)))
	assert.False(t, s.MarkTime(time.Date(2025, 6, 1, 12, 30, 0, 0, panama)))

	assert.Equal(t, []models.Slot{{Year: 2025, Month: time.June, Day: 1, Hour: 14}}, s.ListUsed())
}

func TestPeek_DoesNotReserve(t *testing.T) {
	s := newTestScheduler(t)
	ref := time.Date(2025, 6, 1, 7, 0, 0, 0, panama)

	first := s.Peek(ref)
	assert.Equal(t, first, s.Peek(ref))
	assert.Empty(t, s.ListUsed())
	assert.Equal(t, first, s.Next(ref))
}

func TestNext_FallbackAfterFullWindow(t *testing.T) {
	s := newTestScheduler(t)
	ref := time.Date(2025, 1, 1, 0, 0, 0, 0, panama)

	for day := 0; day < searchDays; day++ {
		for _, h := range []int{10, 14, 18} {
			s.MarkUsed(models.SlotAt(time.Date(2025, 1, 1+day, h, 0, 0, 0, panama), panama))
		}
	}

	slot := s.Next(ref)
	assert.Equal(t, models.Slot{Year: 2026, Month: time.January, Day: 1, Hour: 10}, slot)
	assert.False(t, s.IsAvailable(slot))
}

func TestListUsed_Sorted(t *testing.T) {
	s := newTestScheduler(t)
	s.MarkUsed(models.Slot{Year: 2025, Month: time.June, Day: 2, Hour: 10})
	s.MarkUsed(models.Slot{Year: 2025, Month: time.June, Day: 1, Hour: 18})
	s.MarkUsed(models.Slot{Year: 2024, Month: time.December, Day: 31, Hour: 14})
	s.MarkUsed(models.Slot{Year: 2025, Month: time.June, Day: 1, Hour: 10})

	used := s.ListUsed()
	require.Len(t, used, 4)
	for i := 1; i < len(used); i++ {
		assert.True(t, used[i-1].Before(used[i]))
	}
}

func TestStatus(t *testing.T) {
	s := newTestScheduler(t)
	ref := time.Date(2025, 6, 1, 7, 0, 0, 0, panama)
	s.Next(ref)

	st := s.Status(ref)
	assert.Equal(t, []string{"10:00", "14:00", "18:00"}, st.StrategicTimes)
	assert.Equal(t, "2025-06-01 14:00:00", st.NextAvailableSlot)
	assert.Len(t, st.UsedSlots, 1)
}
