package cli

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
)

// NewRootCmd returns the reposter command tree.
func NewRootCmd() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:           "reposter",
		Short:         "Repost top competitor content at strategic hours",
		Long:          "reposter scrapes competitor accounts, ranks their posts by engagement and schedules the best ones on SocialBu at fixed strategic hours.",
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	rootCmd.AddCommand(newRunCmd())
	rootCmd.AddCommand(newDaemonCmd())
	rootCmd.AddCommand(newAccountsCmd())
	rootCmd.AddCommand(newPurgeCmd())

	return rootCmd
}

// Execute runs the CLI and exits non-zero on error.
func Execute() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := NewRootCmd().ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		stop()
		os.Exit(1)
	}
}
