package cli

import (
	"github.com/spf13/cobra"
)

func newAccountsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "accounts",
		Short: "List accounts connected to SocialBu",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			a, err := newApp(ctx)
			if err != nil {
				return err
			}
			defer a.Close()

			accounts, err := a.socialbu.Accounts(ctx)
			if err != nil {
				return err
			}
			renderBackendAccounts(cmd.OutOrStdout(), accounts, a.cfg)
			return nil
		},
	}
}
