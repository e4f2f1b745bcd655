package main

import (
	"context"
	"flag"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/questhuntapp/questhunt/questhunt"
	"github.com/questhuntapp/questhunt/questhunt/logger"
)

func main() {
	logger.Install()

	configPath := flag.String("config", "config.toml", "path to config file")
	repairOnce := flag.Bool("repair", false, "run one reconciliation pass and exit")
	flag.Parse()

	cfg, err := questhunt.LoadConfig(*configPath)
	if err != nil {
		slog.Error("Failed to load config",
			slog.String("type", "error"),
			slog.Any("error", err))
		os.Exit(1)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	app, err := questhunt.New(ctx, cfg)
	cancel()
	if err != nil {
		slog.Error("Failed to start",
			slog.String("type", "error"),
			slog.Any("error", err))
		os.Exit(1)
	}

	if *repairOnce {
		report, err := app.Repair.Run(context.Background())
		shutdown(app)
		if err != nil {
			slog.Error("Repair pass failed",
				slog.String("type", "error"),
				slog.Any("error", err))
			os.Exit(1)
		}
		slog.Info("Repair pass complete",
			slog.Int("countersFixed", report.CountersFixed),
			slog.Int("orphansRemoved", report.OrphansRemoved))
		return
	}

	slog.Info("QuestHunt coordinator running", slog.String("type", "sys"))

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	<-sig

	slog.Info("Shutting down", slog.String("type", "sys"))
	shutdown(app)
}

func shutdown(app *questhunt.App) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := app.Shutdown(ctx); err != nil {
		slog.Error("Shutdown error",
			slog.String("type", "error"),
			slog.Any("error", err))
	}
}
