package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/term"

	"github.com/dataup/cvat-gateway/internal/apikeys"
	"github.com/dataup/cvat-gateway/internal/audit"
	"github.com/dataup/cvat-gateway/internal/auth"
	"github.com/dataup/cvat-gateway/internal/config"
	"github.com/dataup/cvat-gateway/internal/database"
)

// For testing
var (
	stdin               io.Reader = os.Stdin
	stdinIsTerminal               = func() bool { return term.IsTerminal(int(os.Stdin.Fd())) }
	readPasswordFromTTY           = func() ([]byte, error) { return term.ReadPassword(int(os.Stdin.Fd())) }
)

// keyTools bundles the store-backed services used by the apikeys commands.
type keyTools struct {
	db       *database.DB
	store    *database.APIKeyStore
	service  *apikeys.Service
	resolver *apikeys.Resolver
	audit    *audit.Logger
}

func openKeyTools() (*keyTools, error) {
	db, err := newDatabaseFromConfig(buildDatabaseConfig(nil))
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	store, err := newKeyStore(db, os.Getenv("ENCRYPTION_KEY"))
	if err != nil {
		_ = db.Close()
		return nil, err
	}
	auditLogger := audit.NewNullLogger()
	if path := os.Getenv("AUDIT_LOG_FILE"); path != "" && config.EnvBoolOrDefault("AUDIT_ENABLED", true) {
		if l, err := audit.NewLogger(audit.LoggerConfig{FilePath: path, CreateDir: true}); err == nil {
			auditLogger = l
		}
	}
	return &keyTools{
		db:      db,
		store:   store,
		audit:   auditLogger,
		service: apikeys.NewService(store, apikeys.Unrestricted(), apikeys.WithAuditLogger(auditLogger)),
		resolver: apikeys.NewResolver(store,
			apikeys.WithOrgRoleEnforcement(config.EnvBoolOrDefault("APIKEY_ENFORCE_ORG_ROLE", true))),
	}, nil
}

func (t *keyTools) Close() error {
	_ = t.audit.Close()
	return t.db.Close()
}

func withKeyTools(cmd *cobra.Command, fn func(context.Context, *keyTools) error) error {
	t, err := openKeyTools()
	if err != nil {
		return err
	}
	defer func() { _ = t.Close() }()
	return fn(cmdContext(cmd), t)
}

// operator is the audit actor of CLI changes.
var operator = auth.AuthContext{Username: "cli"}

func newAPIKeysCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "apikeys",
		Short: "Manage DataUp API keys",
		Long:  `Create, list and resolve DataUp API keys directly in the gateway database.`,
	}
	cmd.AddCommand(newAPIKeysListCmd(), newAPIKeysCreateCmd(), newAPIKeysSetDefaultCmd(),
		newAPIKeysDeleteCmd(), newAPIKeysResolveCmd(), newAPIKeysDeleteUserCmd(), newAPIKeysDeleteOrgCmd())
	return cmd
}

func newAPIKeysListCmd() *cobra.Command {
	var (
		ownerID, orgID   int64
		search, ordering string
	)
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List the personal keys of a user or every key of an organization",
		RunE: func(cmd *cobra.Command, args []string) error {
			if ownerID == 0 && orgID == 0 {
				return errors.New("either --owner or --org-id is required")
			}
			return withKeyTools(cmd, func(ctx context.Context, t *keyTools) error {
				recs, err := t.store.ListAPIKeys(ctx, apikeys.ListFilter{
					OwnerID: ownerID, OrganizationID: orgID, Search: search, Ordering: ordering,
				})
				if err != nil {
					return err
				}
				out := cmd.OutOrStdout()
				if len(recs) == 0 {
					fmt.Fprintln(out, "No API keys found")
					return nil
				}
				for i := range recs {
					printKey(out, &recs[i])
				}
				return nil
			})
		},
	}
	cmd.Flags().Int64Var(&ownerID, "owner", 0, "Owner user id")
	cmd.Flags().Int64Var(&orgID, "org-id", 0, "Organization id")
	cmd.Flags().StringVar(&search, "search", "", "Only keys whose name or label contains every term")
	cmd.Flags().StringVar(&ordering, "ordering", "", "Comma separated fields: name, label, created_at, last_used_at; prefix - for descending")
	return cmd
}

func newAPIKeysCreateCmd() *cobra.Command {
	var (
		in        apikeys.CreateInput
		ownerID   int64
		ownerName string
		orgID     int64
		orgSlug   string
		orgUUID   string
	)
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Create an API key",
		Long: `Create an API key for a user (--owner), a user within an organization (--owner and --org-id)
or a whole organization (--org-id). The secret is read from --key or prompted for without echo.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			if in.Key == "" {
				key, err := readSecret(cmd.ErrOrStderr())
				if err != nil {
					return err
				}
				in.Key = key
			}
			return withKeyTools(cmd, func(ctx context.Context, t *keyTools) error {
				if ownerID != 0 && ownerName != "" {
					if _, err := t.store.UpsertUser(ctx, apikeys.User{ID: ownerID, Username: ownerName}); err != nil {
						return err
					}
				}
				if orgID != 0 && orgSlug != "" {
					if _, err := t.store.UpsertOrganization(ctx, apikeys.Organization{ID: orgID, Slug: orgSlug, UUID: orgUUID}); err != nil {
						return err
					}
				}
				rec, err := t.service.CreateScoped(ctx, operator.Username, ownerID, orgID, in)
				if err != nil {
					return err
				}
				fmt.Fprintln(cmd.OutOrStdout(), "API key created")
				printKey(cmd.OutOrStdout(), rec)
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&in.Key, "key", "", "Secret (prompted for when empty)")
	cmd.Flags().StringVar(&in.Name, "name", "", "Key name")
	cmd.Flags().StringVar(&in.Label, "label", "", "Optional label")
	cmd.Flags().StringSliceVar(&in.AllowedRoles, "roles", nil, "Organization roles allowed to use an organization key")
	cmd.Flags().BoolVar(&in.Default, "default", false, "Make the key the default of its scope")
	cmd.Flags().Int64Var(&ownerID, "owner", 0, "Owner user id")
	cmd.Flags().StringVar(&ownerName, "owner-name", "", "Owner username, mirrors the user when set")
	cmd.Flags().Int64Var(&orgID, "org-id", 0, "Organization id")
	cmd.Flags().StringVar(&orgSlug, "org-slug", "", "Organization slug, mirrors the organization when set")
	cmd.Flags().StringVar(&orgUUID, "org-uuid", "", "Organization UUID sent to DataUp")
	_ = cmd.MarkFlagRequired("name")
	return cmd
}

func newAPIKeysSetDefaultCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "set-default <id>",
		Short: "Make a key the default of its scope",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withKeyTools(cmd, func(ctx context.Context, t *keyTools) error {
				rec, err := t.service.SetDefault(ctx, operator, args[0])
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "API key %s is now the default of its %s scope\n", rec.ID, rec.ScopeKey().Scope)
				return nil
			})
		},
	}
}

func newAPIKeysDeleteCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "delete <id>",
		Short: "Delete a key",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withKeyTools(cmd, func(ctx context.Context, t *keyTools) error {
				if err := t.service.Delete(ctx, operator, args[0]); err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "API key %s deleted\n", args[0])
				return nil
			})
		},
	}
}

func newAPIKeysDeleteUserCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "delete-user <user-id>",
		Short: "Remove a user mirror and every key it owns",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := strconv.ParseInt(args[0], 10, 64)
			if err != nil {
				return fmt.Errorf("invalid user id %q", args[0])
			}
			return withKeyTools(cmd, func(ctx context.Context, t *keyTools) error {
				if err := t.store.DeleteUser(ctx, id); err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "User %d and its API keys deleted\n", id)
				return nil
			})
		},
	}
}

func newAPIKeysDeleteOrgCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "delete-org <org-id>",
		Short: "Remove an organization mirror and every key bound to it",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := strconv.ParseInt(args[0], 10, 64)
			if err != nil {
				return fmt.Errorf("invalid organization id %q", args[0])
			}
			return withKeyTools(cmd, func(ctx context.Context, t *keyTools) error {
				if err := t.store.DeleteOrganization(ctx, id); err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "Organization %d and its API keys deleted\n", id)
				return nil
			})
		},
	}
}

func newAPIKeysResolveCmd() *cobra.Command {
	var ac auth.AuthContext
	cmd := &cobra.Command{
		Use:   "resolve",
		Short: "Show which key a caller would use",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withKeyTools(cmd, func(ctx context.Context, t *keyTools) error {
				rec, err := t.resolver.Resolve(ctx, ac)
				if errors.Is(err, apikeys.ErrNotFound) {
					fmt.Fprintln(cmd.OutOrStdout(), apikeys.NoKeyMessage)
					return nil
				}
				if err != nil {
					return err
				}
				printKey(cmd.OutOrStdout(), rec)
				return nil
			})
		},
	}
	cmd.Flags().Int64Var(&ac.UserID, "user", 0, "Caller user id")
	cmd.Flags().Int64Var(&ac.OrgID, "org-id", 0, "Caller organization id")
	cmd.Flags().StringVar(&ac.Role, "role", "", "Caller membership role")
	_ = cmd.MarkFlagRequired("user")
	return cmd
}

// printKey writes one key without its secret.
func printKey(w io.Writer, rec *apikeys.Record) {
	def := ""
	if rec.IsDefault {
		def = " (default)"
	}
	fmt.Fprintf(w, "%s  %-24s %s  %s%s\n", rec.ID, rec.Name, rec.Preview, rec.ScopeKey().Scope, def)
	if len(rec.AllowedRoles) > 0 {
		fmt.Fprintf(w, "    roles: %s\n", strings.Join(rec.AllowedRoles, ", "))
	}
	if rec.LastUsedAt != nil {
		fmt.Fprintf(w, "    last used: %s\n", rec.LastUsedAt.Format(time.RFC3339))
	}
}

// readSecret prompts without echo on a terminal and reads one line otherwise.
func readSecret(prompt io.Writer) (string, error) {
	if stdinIsTerminal() {
		fmt.Fprint(prompt, "API key secret: ")
		b, err := readPasswordFromTTY()
		fmt.Fprintln(prompt)
		if err != nil {
			return "", fmt.Errorf("failed to read secret: %w", err)
		}
		return strings.TrimSpace(string(b)), nil
	}
	line, err := bufio.NewReader(stdin).ReadString('\n')
	if err != nil && !errors.Is(err, io.EOF) {
		return "", fmt.Errorf("failed to read secret: %w", err)
	}
	return strings.TrimSpace(line), nil
}
