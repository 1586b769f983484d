package main

import (
	"fmt"
	"os"

	"github.com/golang-migrate/migrate/v4"
	_ "github.com/golang-migrate/migrate/v4/database/postgres"
	_ "github.com/golang-migrate/migrate/v4/source/file"
	"github.com/leadflow/leadflow/internal/config"
	"github.com/pkg/errors"
	"github.com/spf13/cobra"
)

var rootCmd = &cobra.Command{Use: "leadflow-migrate", SilenceUsage: true}

func newMigrate(cmd *cobra.Command) (*migrate.Migrate, error) {
	connStr, _ := cmd.Flags().GetString("db")
	if connStr == "" {
		configFile, _ := cmd.Flags().GetString("config")
		cfg, err := config.Load(configFile)
		if err != nil {
			return nil, err
		}
		connStr = cfg.Database.URL
	}
	source, _ := cmd.Flags().GetString("path")
	m, err := migrate.New("file://"+source, connStr)
	if err != nil {
		return nil, errors.Wrap(err, "failed to initialize migrations")
	}
	return m, nil
}

var upCmd = &cobra.Command{
	Use:   "up",
	Short: "Apply all pending migrations",
	RunE: func(cmd *cobra.Command, args []string) error {
		m, err := newMigrate(cmd)
		if err != nil {
			return err
		}
		defer m.Close()
		if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
			return errors.Wrap(err, "failed to apply migrations")
		}
		fmt.Println("Migrations applied successfully")
		return nil
	},
}

var downCmd = &cobra.Command{
	Use:   "down",
	Short: "Roll back the most recent migration",
	RunE: func(cmd *cobra.Command, args []string) error {
		m, err := newMigrate(cmd)
		if err != nil {
			return err
		}
		defer m.Close()
		if err := m.Steps(-1); err != nil && !errors.Is(err, migrate.ErrNoChange) {
			return errors.Wrap(err, "failed to roll back migration")
		}
		fmt.Println("Rolled back one migration")
		return nil
	},
}

func main() {
	rootCmd.PersistentFlags().String("db", "", "Database connection string (default database.url from config)")
	rootCmd.PersistentFlags().String("config", "", "Config file")
	rootCmd.PersistentFlags().String("path", "migrations", "Migrations directory")
	rootCmd.AddCommand(upCmd, downCmd)
	if err := rootCmd.Execute(); err != nil {
		fmt.Println(err)
		os.Exit(1)
	}
}
