// Package questhunt wires configuration, the document store and the
// services layer into one application object.
package questhunt

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/questhuntapp/questhunt/questhunt/database"
	"github.com/questhuntapp/questhunt/questhunt/services"
	"github.com/questhuntapp/questhunt/questhunt/utils"
)

type App struct {
	Cfg         *Config
	DB          *database.DB
	Coordinator *services.Coordinator
	Lookup      *services.LookupService
	SyncManager *services.SyncManager
	Covers      *services.CoverService
	Repair      *services.RepairService
	Processes   *utils.BackgroundProcessManager
}

// New connects to the store and builds the full service graph.
func New(ctx context.Context, cfg *Config) (*App, error) {
	db, err := database.New(ctx, cfg.DB)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}
	gw := db.Gateway()

	lookup, err := services.NewLookupService(gw)
	if err != nil {
		db.Close(ctx)
		return nil, err
	}

	app := &App{
		Cfg:         cfg,
		DB:          db,
		Coordinator: services.NewCoordinator(gw),
		Lookup:      lookup,
		SyncManager: services.NewSyncManager(gw),
		Repair:      services.NewRepairService(gw),
		Processes:   utils.NewBackgroundProcessManager(),
	}

	// Cover storage is optional; membership works without a bucket.
	if cfg.Spaces.Bucket != "" {
		covers, err := services.NewCoverService(ctx, cfg.Spaces)
		if err != nil {
			db.Close(ctx)
			return nil, err
		}
		app.Covers = covers
	}

	if cfg.Repair.IntervalMinutes > 0 {
		interval := time.Duration(cfg.Repair.IntervalMinutes) * time.Minute
		app.Processes.StartProcess("repair", "periodic membership reconciliation", func(ctx context.Context) {
			ticker := time.NewTicker(interval)
			defer ticker.Stop()
			for {
				select {
				case <-ctx.Done():
					return
				case <-ticker.C:
					if _, err := app.Repair.Run(ctx); err != nil && ctx.Err() == nil {
						slog.Error("Repair pass failed",
							slog.String("type", "svc"),
							slog.Any("error", err))
					}
				}
			}
		})
	}

	return app, nil
}

// Shutdown stops live queries and background work, then disconnects.
func (a *App) Shutdown(ctx context.Context) error {
	a.SyncManager.StopAll()
	if err := a.Processes.Shutdown(10 * time.Second); err != nil {
		slog.Warn("Background processes did not stop in time",
			slog.Any("error", err))
	}
	return a.DB.Close(ctx)
}
