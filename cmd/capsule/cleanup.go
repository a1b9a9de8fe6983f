package main

import (
	"fmt"
	"log/slog"
	"time"

	"github.com/spf13/cobra"

	"github.com/capsulefs/capsule/config"
)

var cleanupCmd = &cobra.Command{
	Use:   "cleanup",
	Short: "Reap abandoned multipart uploads",
	Long: `Remove multipart uploads that were initiated but never completed
or aborted, releasing their spooled parts.

The running server sweeps these on a schedule; this command runs one
sweep immediately.`,
	RunE: runCleanup,
}

var cleanupMaxAge time.Duration

func init() {
	cleanupCmd.Flags().DurationVar(&cleanupMaxAge, "max-age", 24*time.Hour, "reap uploads older than this")
	rootCmd.AddCommand(cleanupCmd)
}

func runCleanup(cmd *cobra.Command, args []string) error {
	cfg, err := config.FromContext(cmd.Context())
	if err != nil {
		return err
	}
	ctx := cmd.Context()

	svc, closeDB, err := buildService(ctx, cfg)
	if err != nil {
		return err
	}
	defer closeDB()

	n, err := svc.CleanupAbandonedUploads(ctx, cleanupMaxAge)
	if err != nil {
		return fmt.Errorf("cleanup: %w", err)
	}

	slog.Info("cleanup complete", "uploads_reaped", n)
	return nil
}
