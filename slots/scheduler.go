package slots

import (
	"fmt"
	"sort"
	"time"

	"reposter/models"
)

// searchDays is how far ahead Next looks before giving up and returning the
// first strategic hour on the day after the window.
const searchDays = 365

// Scheduler hands out (date, hour) slots from a fixed set of daily strategic
// hours. It is not safe for concurrent use; callers serialize runs per account.
type Scheduler struct {
	loc   *time.Location
	hours []int
	used  map[models.Slot]struct{}
	now   func() time.Time
}

func New(loc *time.Location, hours []int) (*Scheduler, error) {
	if loc == nil {
		return nil, fmt.Errorf("slots: nil location")
	}
	if len(hours) != 3 {
		return nil, fmt.Errorf("slots: need exactly 3 strategic hours, got %d", len(hours))
	}

	sorted := append([]int(nil), hours...)
	sort.Ints(sorted)
	for i, h := range sorted {
		if h < 0 || h > 23 {
			return nil, fmt.Errorf("slots: hour %d out of range", h)
		}
		if i > 0 && sorted[i-1] == h {
			return nil, fmt.Errorf("slots: duplicate hour %d", h)
		}
	}

	return &Scheduler{
		loc:   loc,
		hours: sorted,
		used:  make(map[models.Slot]struct{}),
		now:   time.Now,
	}, nil
}

func (s *Scheduler) Location() *time.Location { return s.loc }

func (s *Scheduler) Hours() []int {
	return append([]int(nil), s.hours...)
}

// Next reserves and returns the earliest free slot strictly after ref.
// A zero ref means now.
func (s *Scheduler) Next(ref time.Time) models.Slot {
	slot := s.Peek(ref)
	s.used[slot] = struct{}{}
	return slot
}

// Peek returns what Next would return without reserving anything.
func (s *Scheduler) Peek(ref time.Time) models.Slot {
	if ref.IsZero() {
		ref = s.now()
	}
	ref = ref.In(s.loc)
	y, m, d := ref.Date()

	for day := 0; day < searchDays; day++ {
		for _, h := range s.hours {
			candidate := time.Date(y, m, d+day, h, 0, 0, 0, s.loc)
			// h does not exist on this date when it falls in a DST gap.
			if candidate.Hour() != h || !candidate.After(ref) {
				continue
			}
			slot := models.SlotAt(candidate, s.loc)
			if _, taken := s.used[slot]; !taken {
				return slot
			}
		}
	}

	return models.SlotAt(time.Date(y, m, d+searchDays, s.hours[0], 0, 0, 0, s.loc), s.loc)
}

// MarkUsed records slot as taken. Marking twice is a no-op.
func (s *Scheduler) MarkUsed(slot models.Slot) {
	s.used[slot] = struct{}{}
}

// MarkTime records the slot that contains t in the scheduler's timezone.
// Instants that do not fall on a strategic hour cannot collide with any
// slot and are ignored.
func (s *Scheduler) MarkTime(t time.Time) bool {
	slot := models.SlotAt(t, s.loc)
	for _, h := range s.hours {
		if h == slot.Hour {
			s.MarkUsed(slot)
			return true
		}
	}
	return false
}

func (s *Scheduler) IsAvailable(slot models.Slot) bool {
	_, taken := s.used[slot]
	return !taken
}

// ListUsed returns every reserved slot ordered by date then hour.
func (s *Scheduler) ListUsed() []models.Slot {
	out := make([]models.Slot, 0, len(s.used))
	for slot := range s.used {
		out = append(out, slot)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Before(out[j]) })
	return out
}

// StrategicTimes renders the configured hours as HH:MM.
func (s *Scheduler) StrategicTimes() []string {
	out := make([]string, len(s.hours))
	for i, h := range s.hours {
		out[i] = fmt.Sprintf("%02d:00", h)
	}
	return out
}

// Status snapshots the schedule without reserving the previewed slot.
func (s *Scheduler) Status(ref time.Time) models.SlotStatus {
	return models.SlotStatus{
		StrategicTimes:    s.StrategicTimes(),
		NextAvailableSlot: s.Peek(ref).PublishAt(s.loc),
		UsedSlots:         s.ListUsed(),
	}
}
