package publisher

import (
	"context"

	"reposter/models"
)

// Backend schedules posts on the social posting service. SchedulePost never
// returns an error: failures come back as a ScheduleResult with Success false.
type Backend interface {
	SchedulePost(ctx context.Context, req models.PostRequest) models.ScheduleResult
	ListScheduled(ctx context.Context) ([]models.ScheduledPost, error)
}

// Account is a social account connected to the posting backend.
type Account struct {
	ID       int    `json:"id"`
	Name     string `json:"name"`
	Type     string `json:"type"`
	Username string `json:"username,omitempty"`
	Active   bool   `json:"active"`
}

type AccountLister interface {
	Accounts(ctx context.Context) ([]Account, error)
}
