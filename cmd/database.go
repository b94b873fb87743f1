package cmd

import (
	"fmt"

	"github.com/markb/huddle/internal/db"
	"github.com/spf13/cobra"
)

// openDatabase opens the configured database and applies the chat schema.
func openDatabase(cmd *cobra.Command) (*db.DB, error) {
	driver := stringSetting(cmd, "db-driver", "DB_DRIVER")

	var (
		database *db.DB
		err      error
	)
	switch driver {
	case db.DriverPostgres:
		dsn := stringSetting(cmd, "dsn", "DSN")
		if dsn == "" {
			return nil, fmt.Errorf("--dsn or HUDDLE_DSN is required for the postgres driver")
		}
		database, err = db.Open(driver, dsn)
	default:
		database, err = db.Open(driver, stringSetting(cmd, "db", "DB"))
	}
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	if err := database.RunMigrations(); err != nil {
		database.Close()
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}
	return database, nil
}
