package main

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/dataup/cvat-gateway/internal/database"
)

func newDBCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "db",
		Short: "Inspect and maintain the gateway database",
	}
	cmd.AddCommand(
		&cobra.Command{
			Use:   "stats",
			Short: "Show row counts per table and key scope",
			RunE: func(cmd *cobra.Command, args []string) error {
				return withDB(cmdContext(cmd), func(ctx context.Context, db *database.DB) error {
					s, err := db.GetStats(ctx)
					if err != nil {
						return err
					}
					out := cmd.OutOrStdout()
					fmt.Fprintf(out, "Users:           %d\n", s.Users)
					fmt.Fprintf(out, "Organizations:   %d\n", s.Organizations)
					fmt.Fprintf(out, "API keys:        %d\n", s.APIKeys)
					fmt.Fprintf(out, "  personal:      %d\n", s.PersonalKeys)
					fmt.Fprintf(out, "  user+org:      %d\n", s.UserOrgKeys)
					fmt.Fprintf(out, "  org-only:      %d\n", s.OrgOnlyKeys)
					fmt.Fprintf(out, "  default:       %d\n", s.DefaultKeys)
					fmt.Fprintf(out, "  never used:    %d\n", s.NeverUsedKeys)
					return nil
				})
			},
		},
		&cobra.Command{
			Use:   "backup <path>",
			Short: "Write a consistent copy of a SQLite database",
			Args:  cobra.ExactArgs(1),
			RunE: func(cmd *cobra.Command, args []string) error {
				return withDB(cmdContext(cmd), func(ctx context.Context, db *database.DB) error {
					if err := db.BackupDatabase(ctx, args[0]); err != nil {
						return err
					}
					fmt.Fprintf(cmd.OutOrStdout(), "Database backed up to %s\n", args[0])
					return nil
				})
			},
		},
		&cobra.Command{
			Use:   "maintain",
			Short: "Reclaim space and refresh planner statistics",
			RunE: func(cmd *cobra.Command, args []string) error {
				return withDB(cmdContext(cmd), func(ctx context.Context, db *database.DB) error {
					if err := db.MaintainDatabase(ctx); err != nil {
						return err
					}
					fmt.Fprintln(cmd.OutOrStdout(), "Database maintenance completed")
					return nil
				})
			},
		},
	)
	return cmd
}

// withDB opens and migrates the configured database and runs fn.
func withDB(ctx context.Context, fn func(context.Context, *database.DB) error) error {
	db, err := newDatabaseFromConfig(buildDatabaseConfig(nil))
	if err != nil {
		return fmt.Errorf("failed to open database: %w", err)
	}
	defer func() { _ = db.Close() }()
	return fn(ctx, db)
}
