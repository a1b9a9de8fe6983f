package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/capsulefs/capsule/config"
	"github.com/capsulefs/capsule/filesystem"
	capsulehttp "github.com/capsulefs/capsule/http"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the HTTP server",
	Long:  `Start the Capsule HTTP server: the S3 API at the root and the management API under /api.`,
	RunE:  runServe,
}

func init() {
	serveCmd.Flags().Int("port", 5801, "HTTP server port")
	serveCmd.Flags().String("jwt-secret", "", "management API signing secret (env: CAPSULE_AUTH_JWT_SECRET)")
	rootCmd.AddCommand(serveCmd)
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, err := config.FromContext(cmd.Context())
	if err != nil {
		return err
	}
	if cfg.Auth.JWTSecret == "" {
		return errors.New("auth.jwt_secret is not set; run `capsule init` or set CAPSULE_AUTH_JWT_SECRET")
	}

	ctx, cancel := context.WithCancel(cmd.Context())
	defer cancel()

	svc, closeDB, err := buildService(ctx, cfg)
	if err != nil {
		return err
	}
	defer closeDB()

	handler := capsulehttp.NewHandler(svc, capsulehttp.HandlerConfig{
		CORS:          cfg.CORS,
		JWTSecret:     cfg.Auth.JWTSecret,
		TokenTTL:      cfg.Auth.TokenTTL,
		MaxUploadSize: cfg.Server.MaxUploadSize,
		DetectDrives:  filesystem.DetectDrives,
	})

	addr := fmt.Sprintf(":%d", cfg.Server.Port)
	server := &http.Server{
		Addr:         addr,
		Handler:      handler.Router(),
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  120 * time.Second,
	}

	go sweepAbandonedUploads(ctx, svc, cfg)

	go func() {
		sigCh := make(chan os.Signal, 1)
		signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
		<-sigCh

		slog.Info("shutting down server...")
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer shutdownCancel()

		if err := server.Shutdown(shutdownCtx); err != nil {
			slog.Error("server shutdown error", "err", err)
		}
		cancel()
	}()

	slog.Info("starting server", "addr", addr)
	if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("server error: %w", err)
	}

	return nil
}

// sweepAbandonedUploads periodically removes multipart uploads that were
// never completed or aborted.
func sweepAbandonedUploads(ctx context.Context, svc sweeper, cfg *config.Config) {
	ticker := time.NewTicker(cfg.Cleanup.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			n, err := svc.CleanupAbandonedUploads(ctx, cfg.Cleanup.MaxAge)
			if err != nil {
				slog.Error("abandoned upload sweep failed", "err", err)
				continue
			}
			if n > 0 {
				slog.Info("swept abandoned uploads", "count", n)
			}
		}
	}
}

type sweeper interface {
	CleanupAbandonedUploads(ctx context.Context, maxAge time.Duration) (int, error)
}
