package cmd

import (
	"fmt"

	"github.com/spf13/cobra"
)

var initdbCmd = &cobra.Command{
	Use:   "initdb",
	Short: "Create or migrate the database schema",
	Long: `Connect to the configured PostgreSQL database and apply the schema.

The schema lives in its own "mail_archiver" schema and is applied
idempotently, so running initdb against an existing database is safe.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		s, err := openStore(cmd.Context())
		if err != nil {
			return err
		}
		defer s.Close()

		fmt.Println("Database schema is up to date.")
		return nil
	},
}

func init() {
	rootCmd.AddCommand(initdbCmd)
}
