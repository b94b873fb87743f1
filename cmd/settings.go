package cmd

import (
	"os"
	"strconv"

	"github.com/spf13/cobra"
)

const envPrefix = "HUDDLE_"

// defaultJWTSecret is only for local development.
const defaultJWTSecret = "super-secret-jwt-key-please-change-in-production"

// stringSetting resolves a setting with priority: CLI flag > HUDDLE_* environment variable > flag default.
func stringSetting(cmd *cobra.Command, flag, env string) string {
	if cmd.Flags().Changed(flag) {
		v, _ := cmd.Flags().GetString(flag)
		return v
	}
	if v := os.Getenv(envPrefix + env); v != "" {
		return v
	}
	v, _ := cmd.Flags().GetString(flag)
	return v
}

func intSetting(cmd *cobra.Command, flag, env string) int {
	if !cmd.Flags().Changed(flag) {
		if v := os.Getenv(envPrefix + env); v != "" {
			if n, err := strconv.Atoi(v); err == nil {
				return n
			}
		}
	}
	v, _ := cmd.Flags().GetInt(flag)
	return v
}

func float64Setting(cmd *cobra.Command, flag, env string) float64 {
	if !cmd.Flags().Changed(flag) {
		if v := os.Getenv(envPrefix + env); v != "" {
			if f, err := strconv.ParseFloat(v, 64); err == nil {
				return f
			}
		}
	}
	v, _ := cmd.Flags().GetFloat64(flag)
	return v
}

// addDatabaseFlags registers the flags every database-backed command shares.
func addDatabaseFlags(cmd *cobra.Command) {
	cmd.Flags().String("db", "huddle.db", "Path to SQLite database file")
	cmd.Flags().String("db-driver", "sqlite", "Database driver: sqlite or postgres")
	cmd.Flags().String("dsn", "", "PostgreSQL connection string (postgres driver)")
}
