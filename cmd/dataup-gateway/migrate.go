package main

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/dataup/cvat-gateway/internal/database"
)

func newMigrateCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Manage database migrations",
		Long:  `Database migration management commands for applying, rolling back, and checking migration status.`,
	}
	cmd.AddCommand(
		&cobra.Command{
			Use:   "up",
			Short: "Apply all pending migrations",
			RunE: func(cmd *cobra.Command, args []string) error {
				return withMigrationDB(cmdContext(cmd), func(ctx context.Context, db *database.DB) error {
					if err := db.Migrations().Up(ctx); err != nil {
						return fmt.Errorf("failed to apply migrations: %w", err)
					}
					fmt.Fprintln(cmd.OutOrStdout(), "Migrations applied successfully")
					return nil
				})
			},
		},
		&cobra.Command{
			Use:   "down",
			Short: "Rollback the last migration",
			RunE: func(cmd *cobra.Command, args []string) error {
				return withMigrationDB(cmdContext(cmd), func(ctx context.Context, db *database.DB) error {
					if err := db.Migrations().Down(ctx); err != nil {
						return fmt.Errorf("failed to rollback migration: %w", err)
					}
					fmt.Fprintln(cmd.OutOrStdout(), "Migration rolled back successfully")
					return nil
				})
			},
		},
		&cobra.Command{
			Use:     "status",
			Aliases: []string{"version"},
			Short:   "Show current migration version",
			Long:    `Display the current migration version. Returns 0 if no migrations have been applied.`,
			RunE: func(cmd *cobra.Command, args []string) error {
				return withMigrationDB(cmdContext(cmd), func(ctx context.Context, db *database.DB) error {
					version, err := db.Migrations().Status(ctx)
					if err != nil {
						return fmt.Errorf("failed to get migration status: %w", err)
					}
					pending, err := db.Migrations().Pending(ctx)
					if err != nil {
						return fmt.Errorf("failed to get migration status: %w", err)
					}
					fmt.Fprintf(cmd.OutOrStdout(), "Current migration version: %d\n", version)
					if pending {
						fmt.Fprintln(cmd.OutOrStdout(), "Pending migrations: yes")
					}
					return nil
				})
			},
		},
	)
	return cmd
}

// withMigrationDB opens the database from DB_DRIVER, DATABASE_PATH and
// DATABASE_URL without migrating it and runs fn.
func withMigrationDB(ctx context.Context, fn func(context.Context, *database.DB) error) error {
	dbConfig := buildDatabaseConfig(nil)
	dbConfig.SkipMigrations = true

	db, err := newDatabaseFromConfig(dbConfig)
	if err != nil {
		return fmt.Errorf("failed to create database: %w", err)
	}
	defer func() {
		if closeErr := db.Close(); closeErr != nil {
			fmt.Printf("Warning: Failed to close database connection: %v\n", closeErr)
		}
	}()
	if err := db.HealthCheck(ctx); err != nil {
		return err
	}
	return fn(ctx, db)
}
