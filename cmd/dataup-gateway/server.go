package main

import (
	"context"
	"fmt"
	"log"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/dataup/cvat-gateway/internal/config"
	"github.com/dataup/cvat-gateway/internal/logging"
)

const shutdownTimeout = 30 * time.Second

func newServerCmd() *cobra.Command {
	var (
		listenAddr string
		logLevel   string
		logFile    string
		debugMode  bool
	)
	cmd := &cobra.Command{
		Use:   "server",
		Short: "Start the gateway server",
		Long:  `Start the gateway HTTP server in the foreground. SIGINT and SIGTERM shut it down gracefully.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			// Command line flags override the environment.
			overrides := map[string]string{
				"LISTEN_ADDR": listenAddr,
				"LOG_LEVEL":   logLevel,
				"LOG_FILE":    logFile,
			}
			if debugMode {
				overrides["LOG_LEVEL"] = "debug"
			}
			for k, v := range overrides {
				if v == "" {
					continue
				}
				if err := os.Setenv(k, v); err != nil {
					return fmt.Errorf("failed to set %s: %w", k, err)
				}
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return runServer(ctx)
		},
	}
	cmd.Flags().StringVar(&listenAddr, "addr", "", "Address to listen on (overrides LISTEN_ADDR)")
	cmd.Flags().StringVar(&logLevel, "log-level", "", "Log level: debug, info, warn, error (overrides LOG_LEVEL)")
	cmd.Flags().StringVar(&logFile, "log-file", "", "Path to log file (overrides LOG_FILE, default: stdout)")
	cmd.Flags().BoolVarP(&debugMode, "debug", "v", config.EnvBoolOrDefault("DEBUG", false), "Enable debug logging (overrides log-level)")
	return cmd
}

// runServer serves until ctx is cancelled and then shuts down gracefully.
func runServer(ctx context.Context) error {
	cfg, err := config.New()
	if err != nil {
		return fmt.Errorf("failed to load configuration: %w", err)
	}

	logger, err := logging.NewLogger(cfg.LogLevel, cfg.LogFormat, cfg.LogFile)
	if err != nil {
		return fmt.Errorf("failed to initialize logger: %w", err)
	}
	defer func() {
		if err := logger.Sync(); err != nil && !strings.Contains(err.Error(), "inappropriate ioctl for device") {
			log.Printf("Error syncing zap logger: %v", err)
		}
	}()

	a, err := buildApp(ctx, cfg, logger)
	if err != nil {
		logger.Error("failed to initialize server", zap.Error(err))
		return err
	}
	defer a.Close(logger)

	errCh := make(chan error, 1)
	go func() {
		errCh <- a.server.Start()
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	logger.Info("shutting down server")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := a.server.Shutdown(shutdownCtx); err != nil {
		logger.Error("server shutdown failed", zap.Error(err))
		return err
	}
	if err := <-errCh; err != nil {
		return err
	}
	logger.Info("server stopped")
	return nil
}
