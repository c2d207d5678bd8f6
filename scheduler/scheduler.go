package scheduler

import (
	"context"
	"fmt"
	"runtime/debug"
	"time"

	"github.com/robfig/cron/v3"
	log "github.com/sirupsen/logrus"

	"reposter/models"
)

// Runner runs the pipeline for every account or for one named account.
type Runner interface {
	RunAll(ctx context.Context, filter string) ([]*models.RunResult, error)
}

// Triggerable allows workers to be triggered manually
type Triggerable interface {
	Trigger()
}

type Options struct {
	Account      string
	Interval     time.Duration
	Cron         string
	ErrorBackoff time.Duration
}

// Daemon repeats pipeline runs until its context is cancelled. A failed
// cycle is logged and retried after ErrorBackoff instead of Interval.
type Daemon struct {
	runner Runner
	opts   Options
	cron   *cron.Cron

	retention Triggerable

	wait func(ctx context.Context, d time.Duration) bool
}

func New(runner Runner, opts Options) *Daemon {
	if opts.Interval <= 0 {
		opts.Interval = time.Hour
	}
	if opts.ErrorBackoff <= 0 {
		opts.ErrorBackoff = time.Minute
	}
	return &Daemon{runner: runner, opts: opts, wait: sleepCtx}
}

// SetWorkers registers the retention worker, triggered after every cycle.
func (d *Daemon) SetWorkers(retention Triggerable) {
	d.retention = retention
}

// Run blocks until ctx is cancelled. With a cron expression runs fire on
// that schedule; otherwise the daemon runs immediately and then every Interval.
func (d *Daemon) Run(ctx context.Context) error {
	if d.opts.Cron != "" {
		return d.runCron(ctx)
	}

	log.Infof("Starting daemon with interval %s (account filter %q)", d.opts.Interval, d.opts.Account)
	for {
		next := d.opts.Interval
		if err := d.cycle(ctx); err != nil {
			log.Errorf("Daemon cycle failed: %v", err)
			log.Infof("Retrying in %s", d.opts.ErrorBackoff)
			next = d.opts.ErrorBackoff
		} else {
			log.Infof("Next run in %s", next)
		}

		if !d.wait(ctx, next) {
			log.Info("Daemon stopping")
			return nil
		}
	}
}

func (d *Daemon) runCron(ctx context.Context) error {
	logger := cron.PrintfLogger(log.StandardLogger())
	d.cron = cron.New(cron.WithChain(cron.Recover(logger), cron.SkipIfStillRunning(logger)))

	_, err := d.cron.AddFunc(d.opts.Cron, func() {
		if err := d.cycle(ctx); err != nil {
			log.Errorf("Scheduled run failed: %v", err)
			log.Infof("Retrying in %s", d.opts.ErrorBackoff)
			if d.wait(ctx, d.opts.ErrorBackoff) {
				if err := d.cycle(ctx); err != nil {
					log.Errorf("Retry failed: %v", err)
				}
			}
		}
	})
	if err != nil {
		return fmt.Errorf("invalid cron expression: %w", err)
	}

	log.Infof("Starting daemon with cron %q (account filter %q)", d.opts.Cron, d.opts.Account)
	d.cron.Start()
	<-ctx.Done()
	<-d.cron.Stop().Done()
	log.Info("Daemon stopping")
	return nil
}

// cycle runs once and converts a panic into an error so the loop survives.
func (d *Daemon) cycle(ctx context.Context) (err error) {
	defer func() {
		if r := recover(); r != nil {
			log.Errorf("Run panicked: %v\n%s", r, debug.Stack())
			err = fmt.Errorf("panic: %v", r)
		}
	}()

	results, err := d.runner.RunAll(ctx, d.opts.Account)
	if err != nil {
		return err
	}
	failed := 0
	for _, r := range results {
		log.Infof("%s: %s, %d/%d scheduled", r.Account, r.Status, r.SucceededCount(), r.SelectedCount())
		if r.Status == models.RunStatusFailed {
			failed++
		}
	}

	if d.retention != nil {
		d.retention.Trigger()
	}
	if len(results) > 0 && failed == len(results) {
		return fmt.Errorf("all %d runs failed", failed)
	}
	return nil
}

func sleepCtx(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}
