package cli

import (
	"context"
	"fmt"
	"io"
	"time"

	"github.com/spf13/cobra"
)

func newRunCmd() *cobra.Command {
	var limit int

	cmd := &cobra.Command{
		Use:   "run [account|list|status|schedule]",
		Short: "Run the repost pipeline once",
		Long: `Run the repost pipeline once for every managed account, or for the named account.

  list      print account configuration and the current slot status
  status    print recent run summaries
  schedule  print strategic hours, the next free slot and every used slot`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			a, err := newApp(ctx)
			if err != nil {
				return err
			}
			defer a.Close()

			target := ""
			if len(args) == 1 {
				target = args[0]
			}
			out := cmd.OutOrStdout()

			switch target {
			case "list":
				return a.list(ctx, out)
			case "status":
				return a.status(ctx, out, limit)
			case "schedule":
				return a.schedule(ctx, out)
			default:
				return a.runOnce(ctx, out, target)
			}
		},
	}

	cmd.Flags().IntVar(&limit, "limit", 10, "number of recent runs shown by status")
	return cmd
}

func (a *app) runOnce(ctx context.Context, out io.Writer, account string) error {
	results, err := a.orchestrator.RunAll(ctx, account)
	if err != nil {
		return err
	}
	renderRunResults(out, results, a.cfg.Schedule.Location)
	return nil
}

func (a *app) list(ctx context.Context, out io.Writer) error {
	renderAccounts(out, a.cfg)

	for _, name := range a.cfg.AccountNames() {
		sched, err := a.pipeline.NewScheduler(ctx, a.cfg.Accounts[name])
		if err != nil {
			return err
		}
		fmt.Fprintf(out, "\n%s\n", name)
		renderSlotStatus(out, sched.Status(time.Now()), false)
	}
	return nil
}

func (a *app) status(ctx context.Context, out io.Writer, limit int) error {
	results, err := a.store.RecentRunResults(ctx, "", limit)
	if err != nil {
		return fmt.Errorf("read results: %w", err)
	}
	if len(results) == 0 {
		fmt.Fprintln(out, "No runs recorded yet.")
		return nil
	}
	renderStatus(out, results, a.cfg.Schedule.Location)

	logs, err := a.store.RunLogs(ctx, results[0].ID)
	if err != nil {
		return fmt.Errorf("read run logs: %w", err)
	}
	if len(logs) > 0 {
		fmt.Fprintf(out, "\nLast run %s\n", results[0].ID)
		renderRunLogs(out, logs, a.cfg.Schedule.Location)
	}
	return nil
}

func (a *app) schedule(ctx context.Context, out io.Writer) error {
	for _, name := range a.cfg.AccountNames() {
		sched, err := a.pipeline.NewScheduler(ctx, a.cfg.Accounts[name])
		if err != nil {
			return err
		}
		fmt.Fprintf(out, "%s (%s)\n", name, a.cfg.Schedule.Timezone)
		renderSlotStatus(out, sched.Status(time.Now()), true)
		fmt.Fprintln(out)
	}
	return nil
}
