package cmd

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/nextlevelbuilder/switchboard/internal/state"
)

func migrateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Apply Postgres schema migrations (managed mode)",
		Run: func(cmd *cobra.Command, args []string) {
			dsn := os.Getenv("SWITCHBOARD_POSTGRES_DSN")
			if dsn == "" {
				fmt.Fprintln(os.Stderr, "SWITCHBOARD_POSTGRES_DSN is not set")
				os.Exit(1)
			}
			if err := state.Migrate(dsn); err != nil {
				fmt.Fprintln(os.Stderr, err)
				os.Exit(1)
			}
			fmt.Println("migrations applied")
		},
	}
}
