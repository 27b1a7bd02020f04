// Command vacd serves the vaccination record API and runs its supporting
// workers.
package main

import (
	"os"

	"github.com/spf13/cobra"
)

var configFile string

func main() {
	rootCmd := &cobra.Command{
		Use:          "vacd",
		Short:        "EPR vaccination record service",
		SilenceUsage: true,
	}
	rootCmd.PersistentFlags().StringVar(&configFile, "config", "", "env file with settings (default .env when present)")

	rootCmd.AddCommand(serveCmd())
	rootCmd.AddCommand(relayCmd())
	rootCmd.AddCommand(eventsCmd())
	rootCmd.AddCommand(migrateCmd())
	rootCmd.AddCommand(convertCmd())

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
