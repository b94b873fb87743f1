package cmd

import (
	"fmt"

	"github.com/spf13/cobra"
)

var migrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Apply pending schema migrations",
	Long: `Applies pending chat schema migrations on the configured database and
lists the applied ones. Each migration runs in a transaction. Safe to run
repeatedly.

Examples:
  huddle migrate --db huddle.db
  huddle migrate --db-driver postgres --dsn "postgres://localhost/huddle?sslmode=disable"`,
	RunE: func(cmd *cobra.Command, args []string) error {
		database, err := openDatabase(cmd)
		if err != nil {
			return err
		}
		defer database.Close()

		applied, err := database.AppliedMigrations()
		if err != nil {
			return err
		}
		for _, m := range applied {
			fmt.Printf("  %s_%s  applied %s\n", m.Version, m.Name, m.AppliedAt.Format("2006-01-02 15:04:05"))
		}
		fmt.Printf("\nSchema up to date (%s, %d migration(s))\n", database.Driver(), len(applied))
		return nil
	},
}

func init() {
	rootCmd.AddCommand(migrateCmd)
	addDatabaseFlags(migrateCmd)
}
