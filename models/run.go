package models

import "time"

type RunStatus string

const (
	RunStatusRunning   RunStatus = "running"
	RunStatusCompleted RunStatus = "completed"
	RunStatusFailed    RunStatus = "failed"
	RunStatusSkipped   RunStatus = "skipped"
)

// RunResult records one pipeline run for one managed account. It is written
// once at the end of the run and never updated afterwards.
type RunResult struct {
	ID              string                `json:"id" db:"id"`
	Account         string                `json:"account" db:"account"`
	StartedAt       time.Time             `json:"started_at" db:"started_at"`
	FinishedAt      *time.Time            `json:"finished_at" db:"finished_at"`
	Status          RunStatus             `json:"status" db:"status"`
	CompetitorOrder []string              `json:"competitor_order"`
	Competitors     []CompetitorReport    `json:"competitors"`
	Selections      []CompetitorSelection `json:"selections"`
	Scheduled       []ScheduleOutcome     `json:"scheduled_posts"`
	Cap             CapSummary            `json:"cap"`
	Schedule        SlotStatus            `json:"schedule"`
	Errors          []string              `json:"errors"`
}

// CompetitorReport is what one competitor yielded during a run.
type CompetitorReport struct {
	Handle       string `json:"handle"`
	Posts        []Post `json:"posts"`
	Fetched      int    `json:"fetched"`
	Duplicates   int    `json:"duplicates"`
	MediaInvalid int    `json:"media_invalid"`
	Selected     int    `json:"selected"`
	FetchError   string `json:"fetch_error,omitempty"`
}

// CompetitorSelection groups selected posts by the competitor they came from,
// in the order the competitor was examined.
type CompetitorSelection struct {
	Handle string `json:"handle"`
	Posts  []Post `json:"posts"`
}

type ScheduleOutcome struct {
	OriginalPostID   string         `json:"original_post_id"`
	OriginalUsername string         `json:"original_username"`
	MediaURL         string         `json:"media_url,omitempty"`
	MediaType        MediaType      `json:"media_type"`
	VideoURL         string         `json:"video_url,omitempty"`
	DisplayURL       string         `json:"display_url,omitempty"`
	Caption          string         `json:"caption"`
	EngagementScore  float64        `json:"engagement_score"`
	Slot             Slot           `json:"slot"`
	PublishAt        string         `json:"publish_at"`
	Result           ScheduleResult `json:"schedule_result"`
	Success          bool           `json:"success"`
	Timestamp        time.Time      `json:"timestamp"`
}

type CapSummary struct {
	TargetLimit        int  `json:"target_limit"`
	PostsSelected      int  `json:"posts_selected"`
	LimitReached       bool `json:"limit_reached"`
	CompetitorsChecked int  `json:"competitors_checked"`
	TotalCompetitors   int  `json:"total_competitors"`
}

// SlotStatus is a snapshot of the strategic schedule taken at the end of a run.
type SlotStatus struct {
	StrategicTimes    []string `json:"strategic_times"`
	NextAvailableSlot string   `json:"next_available_slot"`
	UsedSlots         []Slot   `json:"scheduled_slots"`
}

// SelectedCount is the total number of selected posts across competitors.
func (r *RunResult) SelectedCount() int {
	n := 0
	for _, s := range r.Selections {
		n += len(s.Posts)
	}
	return n
}

// SucceededCount is the number of posts the backend accepted.
func (r *RunResult) SucceededCount() int {
	n := 0
	for _, o := range r.Scheduled {
		if o.Success {
			n++
		}
	}
	return n
}
