package logging

import (
	"context"
	"time"

	log "github.com/sirupsen/logrus"

	"reposter/models"
)

// Field names shared by every package that logs run-scoped entries.
const (
	FieldRunID      = "run_id"
	FieldAccount    = "account"
	FieldCompetitor = "competitor"
)

// RunLogWriter persists run-scoped log lines.
type RunLogWriter interface {
	AppendRunLog(ctx context.Context, entry models.RunLog) error
}

// RunLogHook copies entries carrying a run_id field into the run_logs table
// so `run status` can show what happened inside a run.
type RunLogHook struct {
	w RunLogWriter
}

func NewRunLogHook(w RunLogWriter) *RunLogHook {
	return &RunLogHook{w: w}
}

func (h *RunLogHook) Levels() []log.Level {
	return []log.Level{log.InfoLevel, log.WarnLevel, log.ErrorLevel}
}

func (h *RunLogHook) Fire(e *log.Entry) error {
	runID, ok := e.Data[FieldRunID].(string)
	if !ok || runID == "" {
		return nil
	}
	account, _ := e.Data[FieldAccount].(string)

	level := models.LogLevelInfo
	switch e.Level {
	case log.WarnLevel:
		level = models.LogLevelWarn
	case log.ErrorLevel:
		level = models.LogLevelError
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return h.w.AppendRunLog(ctx, models.RunLog{
		RunID:     runID,
		Timestamp: e.Time,
		Level:     level,
		Message:   e.Message,
		Account:   account,
	})
}
