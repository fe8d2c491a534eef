package cmd

import (
	"github.com/spf13/cobra"
)

var rootCmd = &cobra.Command{
	Use:   "tickets",
	Short: "Ticket ledger service",
	Long:  `Ledger service for event ticketing: records events, mints and tracks tickets, moves funds between buyers and organizers, and reverses sales`,
}

// Execute runs the root command
func Execute() error {
	return rootCmd.Execute()
}
