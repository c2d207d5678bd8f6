package cli

import (
	"fmt"
	"time"

	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"reposter/scheduler"
	"reposter/workers"
)

func newDaemonCmd() *cobra.Command {
	var (
		account  string
		interval time.Duration
		cronExpr string
	)

	cmd := &cobra.Command{
		Use:   "daemon",
		Short: "Run the pipeline repeatedly",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			a, err := newApp(ctx)
			if err != nil {
				return err
			}
			defer a.Close()

			if account != "" {
				if _, ok := a.cfg.Accounts[account]; !ok {
					return fmt.Errorf("unknown account %q (available: %v)", account, a.cfg.AccountNames())
				}
			}

			opts := scheduler.Options{
				Account:      account,
				Interval:     a.cfg.Scheduler.Interval,
				Cron:         a.cfg.Scheduler.Cron,
				ErrorBackoff: a.cfg.Scheduler.ErrorBackoff,
			}
			if cmd.Flags().Changed("interval") {
				opts.Interval = interval
				opts.Cron = ""
			}
			if cronExpr != "" {
				opts.Cron = cronExpr
			}

			if a.cfg.MetricsAddr != "" {
				go func() {
					if err := a.metrics.Serve(ctx, a.cfg.MetricsAddr); err != nil {
						log.Errorf("Metrics server: %v", err)
					}
				}()
			}

			retention := workers.NewRetentionWorker(a.dedup, a.store, a.cfg.Storage.ResultsRetention, a.metrics)
			go retention.Run(ctx, a.cfg.Dedup.PurgeInterval)

			d := scheduler.New(a.orchestrator, opts)
			d.SetWorkers(retention)

			log.Info("Daemon running. Press Ctrl+C to stop.")
			return d.Run(ctx)
		},
	}

	cmd.Flags().StringVar(&account, "account", "", "only run this managed account")
	cmd.Flags().DurationVar(&interval, "interval", time.Hour, "time between runs")
	cmd.Flags().StringVar(&cronExpr, "cron", "", "cron expression, overrides --interval")
	return cmd
}
