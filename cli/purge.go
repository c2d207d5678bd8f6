package cli

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"
)

func newPurgeCmd() *cobra.Command {
	var olderThan time.Duration

	cmd := &cobra.Command{
		Use:   "purge",
		Short: "Forget processed posts older than a cutoff",
		Long:  "Forget processed posts older than --older-than so they may be reposted, and trim the results log. Without --older-than the DEDUP_TTL setting is used.",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			a, err := newApp(ctx)
			if err != nil {
				return err
			}
			defer a.Close()

			if olderThan <= 0 {
				olderThan = a.dedup.TTL()
			}
			if olderThan <= 0 {
				return fmt.Errorf("no cutoff: pass --older-than or set DEDUP_TTL")
			}

			purged, err := a.dedup.Purge(ctx, olderThan)
			if err != nil {
				return fmt.Errorf("purge processed posts: %w", err)
			}
			a.metrics.DedupPurged(purged)

			trimmed, err := a.store.TrimRunResults(ctx, a.cfg.Storage.ResultsRetention)
			if err != nil {
				return fmt.Errorf("trim results: %w", err)
			}

			fmt.Fprintf(cmd.OutOrStdout(), "Purged %d processed posts older than %s, trimmed %d results\n", purged, olderThan, trimmed)
			return nil
		},
	}

	cmd.Flags().DurationVar(&olderThan, "older-than", 0, "forget posts processed before now minus this duration (e.g. 720h)")
	return cmd
}
