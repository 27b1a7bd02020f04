package main

import (
	"github.com/spf13/cobra"
)

func migrateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Create the document, outbox and inbox tables",
		RunE: func(cmd *cobra.Command, _ []string) error {
			a, err := newApp(cmd.Context())
			if err != nil {
				return err
			}
			defer a.close()

			pool, err := a.connect(cmd.Context())
			if err != nil {
				return err
			}
			pool.Close()
			a.logger.Info("schema applied")
			return nil
		},
	}
}
