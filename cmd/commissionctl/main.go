package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var Version = "dev"

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:     "commissionctl",
		Short:   "Operate the commission engine from the command line",
		Version: Version,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return setupLogger(cmd)
		},
		SilenceUsage: true,
	}
	rootCmd.PersistentFlags().String("log-level", "warn", "Log level (debug, info, warn, error)")

	rootCmd.AddCommand(reconcileCmd())
	rootCmd.AddCommand(sweepCmd())
	rootCmd.AddCommand(deliverCmd())
	rootCmd.AddCommand(balanceCmd())
	rootCmd.AddCommand(reviewCmd())
	rootCmd.AddCommand(webhooksCmd())
	rootCmd.AddCommand(configCmd())
	return rootCmd
}
