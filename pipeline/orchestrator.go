package pipeline

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"
	log "github.com/sirupsen/logrus"

	"reposter/config"
	"reposter/lock"
	"reposter/logging"
	"reposter/models"
)

var ErrUnknownAccount = errors.New("unknown account")

// Orchestrator runs the pipeline across managed accounts, one at a time,
// holding a per-account lock for the duration of each run.
type Orchestrator struct {
	pipeline *Pipeline
	accounts map[string]*config.AccountConfig
	locker   lock.Locker
	lockTTL  time.Duration
}

func NewOrchestrator(p *Pipeline, accounts map[string]*config.AccountConfig, locker lock.Locker, lockTTL time.Duration) *Orchestrator {
	if locker == nil {
		locker = lock.NewLocalLocker()
	}
	return &Orchestrator{pipeline: p, accounts: accounts, locker: locker, lockTTL: lockTTL}
}

// Accounts returns the configured account names in sorted order.
func (o *Orchestrator) Accounts() []string {
	names := make([]string, 0, len(o.accounts))
	for name := range o.accounts {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// RunAll runs every account, or only the named one when filter is set. An
// unknown filter is the only error; run failures are carried in the results.
func (o *Orchestrator) RunAll(ctx context.Context, filter string) ([]*models.RunResult, error) {
	names := o.Accounts()
	if filter != "" {
		if _, ok := o.accounts[filter]; !ok {
			return nil, fmt.Errorf("%w: %s (available: %v)", ErrUnknownAccount, filter, names)
		}
		names = []string{filter}
	}

	results := make([]*models.RunResult, 0, len(names))
	for _, name := range names {
		if ctx.Err() != nil {
			break
		}
		results = append(results, o.RunAccount(ctx, name))
	}
	return results, nil
}

// RunAccount runs one account under its lock. When the lock is held
// elsewhere the run is skipped and a skipped result is saved.
func (o *Orchestrator) RunAccount(ctx context.Context, name string) *models.RunResult {
	account := o.accounts[name]
	if account == nil {
		return o.skipped(ctx, name, fmt.Sprintf("%v: %s", ErrUnknownAccount, name))
	}

	release, err := o.locker.Acquire(ctx, "account:"+name, o.lockTTL)
	if err != nil {
		log.WithField(logging.FieldAccount, name).Warnf("Skipping run: %v", err)
		return o.skipped(ctx, name, fmt.Sprintf("lock: %v", err))
	}
	defer release()

	return o.pipeline.Run(ctx, account)
}

func (o *Orchestrator) skipped(ctx context.Context, name, reason string) *models.RunResult {
	now := o.pipeline.now()
	result := &models.RunResult{
		ID:         uuid.New().String(),
		Account:    name,
		StartedAt:  now,
		FinishedAt: &now,
		Status:     models.RunStatusSkipped,
		Errors:     []string{reason},
	}
	if o.pipeline.results != nil {
		wctx, cancel := persistContext(ctx)
		defer cancel()
		if err := o.pipeline.results.SaveRunResult(wctx, result, o.pipeline.opts.ResultsRetention); err != nil {
			log.WithField(logging.FieldAccount, name).Errorf("Failed to save skipped result: %v", err)
		}
	}
	o.pipeline.metrics.ObserveRun(result)
	return result
}
