package main

import (
	"fmt"
	"os"

	"github.com/alexchuang650730/aicore0707-sub001/internal/config"
	internal_storage "github.com/alexchuang650730/aicore0707-sub001/internal/storage"
	"github.com/spf13/cobra"
)

var rootCmd = &cobra.Command{Use: "autocore-migrate"}

var migrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Apply postgres migrations",
	RunE: func(cmd *cobra.Command, args []string) error {
		connStr, _ := cmd.Flags().GetString("db")
		source, _ := cmd.Flags().GetString("source")
		if connStr == "" || source == "" {
			// config.Load also reads .env and the DB_* variables
			path, _ := cmd.Flags().GetString("config")
			cfg, err := config.Load(path)
			if err != nil {
				return err
			}
			if connStr == "" {
				connStr = cfg.Storage.Postgres.ConnString()
			}
			if source == "" {
				source = cfg.Storage.Postgres.MigrationsPath
			}
		}

		changed, err := internal_storage.Migrate(source, connStr)
		if err != nil {
			return err
		}
		if !changed {
			fmt.Fprintln(cmd.OutOrStdout(), "No new migrations to apply")
			return nil
		}
		fmt.Fprintln(cmd.OutOrStdout(), "Migrations applied successfully")
		return nil
	},
}

func main() {
	rootCmd.AddCommand(migrateCmd)
	rootCmd.SilenceUsage = true
	migrateCmd.Flags().String("db", "", "Database connection string (optional if storage.postgres or DB_* env vars are set)")
	migrateCmd.Flags().String("source", "", "Migrations source URL (default: storage.postgres.migrations_path)")
	migrateCmd.Flags().StringP("config", "c", "", "Config file")
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
