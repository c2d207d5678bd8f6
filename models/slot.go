package models

import (
	"fmt"
	"time"
)

// PublishLayout is the naive timestamp format the posting backend expects.
const PublishLayout = "2006-01-02 15:04:05"

// Slot is a (calendar date, hour-of-day) pair in the system timezone.
type Slot struct {
	Year  int        `json:"year"`
	Month time.Month `json:"month"`
	Day   int        `json:"day"`
	Hour  int        `json:"hour"`
}

// SlotAt returns the slot containing t once t is expressed in loc.
func SlotAt(t time.Time, loc *time.Location) Slot {
	t = t.In(loc)
	return Slot{Year: t.Year(), Month: t.Month(), Day: t.Day(), Hour: t.Hour()}
}

// Time returns the instant the slot starts in loc.
func (s Slot) Time(loc *time.Location) time.Time {
	return time.Date(s.Year, s.Month, s.Day, s.Hour, 0, 0, 0, loc)
}

// PublishAt formats the slot for the posting backend.
func (s Slot) PublishAt(loc *time.Location) string {
	return s.Time(loc).Format(PublishLayout)
}

func (s Slot) Date() string {
	return fmt.Sprintf("%04d-%02d-%02d", s.Year, int(s.Month), s.Day)
}

func (s Slot) String() string {
	return fmt.Sprintf("%s %02d:00", s.Date(), s.Hour)
}

func (s Slot) IsZero() bool {
	return s == Slot{}
}

// Before orders slots by (date, hour).
func (s Slot) Before(o Slot) bool {
	if s.Year != o.Year {
		return s.Year < o.Year
	}
	if s.Month != o.Month {
		return s.Month < o.Month
	}
	if s.Day != o.Day {
		return s.Day < o.Day
	}
	return s.Hour < o.Hour
}
