package main

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/capsulefs/capsule"
	"github.com/capsulefs/capsule/config"
	"github.com/capsulefs/capsule/database"
	"github.com/capsulefs/capsule/filesystem"
)

// buildService wires the store, storage, and notifier from the loaded
// configuration. The returned closer releases the database.
func buildService(ctx context.Context, cfg *config.Config) (*capsule.Service, func(), error) {
	store, closeDB, err := database.Connect(ctx, cfg.Database)
	if err != nil {
		return nil, nil, fmt.Errorf("connect database: %w", err)
	}
	slog.Info("connected to database", "type", cfg.Database.Type)

	storage, err := filesystem.NewStore(cfg.Storage.SpoolPath)
	if err != nil {
		closeDB()
		return nil, nil, fmt.Errorf("open spool directory: %w", err)
	}

	notifier := capsule.NewNotifier(store, slog.Default(), cfg.Webhook.MaxRetries)
	svc := capsule.NewService(store, storage, notifier, slog.Default())
	return svc, closeDB, nil
}
