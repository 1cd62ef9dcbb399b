// Package main provides a CLI tool for running database migrations.
package main

import (
	"context"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/storefront-crm/internal/config"
	"github.com/storefront-crm/internal/storage"
)

func main() {
	if err := newRootCommand().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:          "migrate",
		Short:        "Apply or roll back database migrations",
		SilenceUsage: true,
	}

	cmd.AddCommand(newUpCommand(), newDownCommand(), newVersionCommand())
	return cmd
}

func newUpCommand() *cobra.Command {
	var clickhouse bool

	cmd := &cobra.Command{
		Use:   "up",
		Short: "Apply every pending migration",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.LoadConfig()
			if err != nil {
				return err
			}
			pg := cfg.Database.Postgres
			if err := storage.RunMigrations(pg.URL(), pg.MigrationsPath); err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), "Postgres migrations applied")

			if !clickhouse {
				return nil
			}
			db, err := storage.NewClickHouseDB(&cfg.Database.ClickHouse)
			if err != nil {
				return err
			}
			defer db.Close()
			if err := storage.RunClickHouseMigrations(context.Background(), db, cfg.Database.ClickHouse.MigrationsPath); err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), "ClickHouse migrations applied")
			return nil
		},
	}

	cmd.Flags().BoolVar(&clickhouse, "clickhouse", false, "also apply the ClickHouse engagement schema")
	return cmd
}

func newDownCommand() *cobra.Command {
	var steps int

	cmd := &cobra.Command{
		Use:   "down",
		Short: "Roll back Postgres migrations",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.LoadConfig()
			if err != nil {
				return err
			}
			pg := cfg.Database.Postgres
			if err := storage.RollbackMigrations(pg.URL(), pg.MigrationsPath, steps); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Rolled back %d migration(s)\n", steps)
			return nil
		},
	}

	cmd.Flags().IntVar(&steps, "steps", 1, "number of migrations to roll back")
	return cmd
}

func newVersionCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the current Postgres migration version",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.LoadConfig()
			if err != nil {
				return err
			}
			pg := cfg.Database.Postgres
			version, dirty, err := storage.MigrationVersion(pg.URL(), pg.MigrationsPath)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "version %d (dirty: %v)\n", version, dirty)
			return nil
		},
	}
}
