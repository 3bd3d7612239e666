package main

import (
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/dataup/cvat-gateway/internal/auth"
	"github.com/dataup/cvat-gateway/internal/config"
)

func newTokenCmd() *cobra.Command {
	var (
		ac  auth.AuthContext
		ttl time.Duration
	)
	cmd := &cobra.Command{
		Use:   "token",
		Short: "Issue a bearer JWT for local testing",
		Long:  `Sign a bearer token with JWT_SECRET (and JWT_ISSUER when set) carrying the given caller identity.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			secret := os.Getenv("JWT_SECRET")
			if secret == "" {
				return errors.New("JWT_SECRET environment variable is required")
			}
			if ac.UserID == 0 {
				return errors.New("--user is required")
			}
			tok, err := auth.Issue([]byte(secret), os.Getenv("JWT_ISSUER"), ac, ttl)
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), tok)
			return nil
		},
	}
	cmd.Flags().Int64Var(&ac.UserID, "user", 0, "User id")
	cmd.Flags().StringVar(&ac.Username, "username", "", "Username")
	cmd.Flags().Int64Var(&ac.OrgID, "org-id", 0, "Organization id")
	cmd.Flags().StringVar(&ac.OrgSlug, "org-slug", "", "Organization slug")
	cmd.Flags().StringVar(&ac.Role, "role", "", "Membership role in the organization")
	cmd.Flags().DurationVar(&ttl, "ttl", config.EnvDurationOrDefault("TOKEN_TTL", time.Hour), "Token lifetime")
	return cmd
}
