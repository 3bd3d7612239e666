package main

import (
	"fmt"
	"os"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"

	"github.com/dataup/cvat-gateway/internal/config"
)

// For testing
var (
	osExit = os.Exit
)

func newRootCmd() *cobra.Command {
	var envFile string

	root := &cobra.Command{
		Use:           "dataup-gateway",
		Short:         "DataUp gateway for CVAT",
		Long:          `API key management, DataUp proxy, temporary media access and analytics for CVAT.`,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return loadEnvFile(envFile)
		},
	}
	root.PersistentFlags().StringVar(&envFile, "env", config.EnvOrDefault("ENV_FILE", ".env"), "Path to .env file")

	root.AddCommand(
		newServerCmd(),
		newMigrateCmd(),
		newDBCmd(),
		newAPIKeysCmd(),
		newTempAccessCmd(),
		newTokenCmd(),
	)
	return root
}

// loadEnvFile loads path when it exists. Variables already set win.
func loadEnvFile(path string) error {
	if path == "" {
		return nil
	}
	if _, err := os.Stat(path); err != nil {
		return nil
	}
	if err := godotenv.Load(path); err != nil {
		return fmt.Errorf("failed to load %s: %w", path, err)
	}
	return nil
}

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		osExit(1)
	}
}
