package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"

	"github.com/dataup/cvat-gateway/internal/config"
	"github.com/dataup/cvat-gateway/internal/media"
	"github.com/dataup/cvat-gateway/internal/tempaccess"
)

// For testing
var newCLIRedisClient = func() redis.UniversalClient {
	return newRedisClient(
		config.EnvOrDefault("REDIS_ADDR", "localhost:6379"),
		config.EnvOrDefault("REDIS_PASSWORD", ""),
		config.EnvIntOrDefault("REDIS_DB", 0))
}

func newTempAccessCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "tempaccess",
		Short: "Issue and inspect temporary access tokens",
	}
	cmd.AddCommand(newTempAccessIssueCmd(), newTempAccessInspectCmd(), newTempAccessRevokeCmd())
	return cmd
}

func newTempAccessIssueCmd() *cobra.Command {
	var (
		taskID, jobID int64
		dataType      string
		number        int
		quality       string
		frames        []int
		batch         bool
		ttl           time.Duration
	)
	cmd := &cobra.Command{
		Use:   "issue",
		Short: "Issue a temporary access token for a task or job",
		Long: `Issue a single-item token (--type frame|chunk|preview|context_image) or, with --batch,
a token for a zip of --frames.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			var d tempaccess.Descriptor
			switch {
			case taskID != 0:
				d = tempaccess.ForTask(taskID)
			case jobID != 0:
				d = tempaccess.ForJob(jobID)
			default:
				return errors.New("either --task or --job is required")
			}
			d.DataQuality = quality

			kind := tempaccess.KindSingle
			if batch {
				kind = tempaccess.KindBatch
				d.FrameNumbers = frames
			} else {
				d.DataType = dataType
				if cmd.Flags().Changed("number") {
					d.DataNum = &number
				}
			}

			rdb := newCLIRedisClient()
			defer func() { _ = rdb.Close() }()
			svc := tempaccess.NewService(tempaccess.NewRedisCache(rdb), nil)

			token, err := svc.Issue(cmdContext(cmd), kind, d, ttl)
			if err != nil {
				return err
			}
			path := "/api/temp-access/" + token
			if batch {
				path = "/api/batch-temp-access/" + token
			}
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "Token: %s\n", token)
			fmt.Fprintf(out, "URL:   %s\n", path)
			return nil
		},
	}
	cmd.Flags().Int64Var(&taskID, "task", 0, "Task id")
	cmd.Flags().Int64Var(&jobID, "job", 0, "Job id")
	cmd.Flags().StringVar(&dataType, "type", "frame", "Item type for single tokens")
	cmd.Flags().IntVar(&number, "number", 0, "Frame or chunk number")
	cmd.Flags().StringVar(&quality, "quality", media.QualityCompressed, "compressed or original")
	cmd.Flags().IntSliceVar(&frames, "frames", nil, "Frame numbers for batch tokens")
	cmd.Flags().BoolVar(&batch, "batch", false, "Issue a batch token")
	cmd.Flags().DurationVar(&ttl, "ttl", config.EnvDurationOrDefault("TEMP_ACCESS_ISSUE_TTL", 300*time.Second), "Token lifetime")
	return cmd
}

func newTempAccessInspectCmd() *cobra.Command {
	var batch bool
	cmd := &cobra.Command{
		Use:   "inspect <token>",
		Short: "Print the stored descriptor of a token without extending it",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			kind := tempaccess.KindSingle
			if batch {
				kind = tempaccess.KindBatch
			}
			rdb := newCLIRedisClient()
			defer func() { _ = rdb.Close() }()

			raw, err := tempaccess.NewRedisCache(rdb).Get(cmdContext(cmd), kind.CacheKey(args[0]))
			if errors.Is(err, tempaccess.ErrCacheMiss) {
				return tempaccess.ErrTokenNotFound
			}
			if err != nil {
				return err
			}
			var d tempaccess.Descriptor
			if err := json.Unmarshal(raw, &d); err != nil {
				return tempaccess.ErrInvalidToken
			}
			pretty, err := json.MarshalIndent(d, "", "  ")
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			fmt.Fprintln(out, string(pretty))
			if remaining := time.Until(d.ExpiresAt()); remaining > 0 {
				fmt.Fprintf(out, "Expires in %s\n", remaining.Truncate(time.Second))
			} else {
				fmt.Fprintln(out, "Expired")
			}
			return nil
		},
	}
	cmd.Flags().BoolVar(&batch, "batch", false, "Inspect a batch token")
	return cmd
}

func newTempAccessRevokeCmd() *cobra.Command {
	var batch bool
	cmd := &cobra.Command{
		Use:   "revoke <token>",
		Short: "Invalidate a token before it expires",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			kind := tempaccess.KindSingle
			if batch {
				kind = tempaccess.KindBatch
			}
			rdb := newCLIRedisClient()
			defer func() { _ = rdb.Close() }()

			if err := tempaccess.NewService(tempaccess.NewRedisCache(rdb), nil).Invalidate(cmdContext(cmd), kind, args[0]); err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), "Token revoked")
			return nil
		},
	}
	cmd.Flags().BoolVar(&batch, "batch", false, "Revoke a batch token")
	return cmd
}

func cmdContext(cmd *cobra.Command) context.Context {
	if ctx := cmd.Context(); ctx != nil {
		return ctx
	}
	return context.Background()
}
