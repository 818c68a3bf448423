// Command server runs the weight-stock trading ledger.
package main

import (
	"os"

	"github.com/spf13/cobra"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:           "ledger",
		Short:         "Weight-stock trading ledger: balances, trades, positions and P&L",
		SilenceUsage:  true,
	}
	cmd.AddCommand(
		newServeCmd(),
		newMigrateCmd(),
	)
	return cmd
}
