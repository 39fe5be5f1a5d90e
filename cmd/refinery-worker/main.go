// Entry point for the DocRefinery pipeline worker. One process runs the
// stage executor pool, the webhook deliverer and the retention reaper.
package main

import (
	"context"
	"flag"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	_ "modernc.org/sqlite"

	"github.com/docrefinery/docrefinery/blob"
	"github.com/docrefinery/docrefinery/broker"
	"github.com/docrefinery/docrefinery/config"
	"github.com/docrefinery/docrefinery/dbopen"
	"github.com/docrefinery/docrefinery/engine"
	"github.com/docrefinery/docrefinery/pipeline"
	"github.com/docrefinery/docrefinery/reaper"
	"github.com/docrefinery/docrefinery/scanner"
	"github.com/docrefinery/docrefinery/store"
	"github.com/docrefinery/docrefinery/webhookd"
)

func main() {
	configPath := flag.String("config", "refinery.yaml", "path to the YAML config file")
	flag.Parse()

	cfg, err := config.LoadConfig(*configPath)
	if err != nil {
		slog.Error("config", "error", err)
		os.Exit(1)
	}

	logger := newLogger(cfg.LogLevel)
	slog.SetDefault(logger)

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	db, err := dbopen.Open(cfg.DBPath, dbopen.WithMkdirAll())
	if err != nil {
		slog.Error("database", "error", err)
		os.Exit(1)
	}
	defer db.Close()

	st, err := store.New(db)
	if err != nil {
		slog.Error("store init", "error", err)
		os.Exit(1)
	}
	blobs, err := blob.NewRoot(cfg.DataRoot)
	if err != nil {
		slog.Error("blob root", "error", err)
		os.Exit(1)
	}
	bk, err := broker.New(db)
	if err != nil {
		slog.Error("broker init", "error", err)
		os.Exit(1)
	}

	scan := scanner.New(cfg.ClamAV.Host, cfg.ClamAV.Port, cfg.ClamAVTimeout())
	eng := engine.NewClient(cfg.Engine.URL, cfg.EngineTimeout())

	deliverer := webhookd.New(st, cfg.Webhooks.MaxAttempts, cfg.WebhookInitialBackoff(), cfg.WebhookTimeout(),
		webhookd.WithLogger(logger),
		webhookd.WithAllowedHosts(cfg.Webhooks.AllowedHosts))
	go deliverer.Run(ctx)

	sweeper := reaper.New(st, blobs, cfg.SweepInterval(), reaper.WithLogger(logger))
	go sweeper.Run(ctx)

	opts := []pipeline.Option{
		pipeline.WithLogger(logger),
		pipeline.WithNotifier(deliverer),
		pipeline.WithPoll(cfg.PollInterval()),
		pipeline.WithConcurrency(cfg.Worker.Concurrency),
	}
	if days := cfg.Retention.ArtifactTTLDays; days > 0 {
		opts = append(opts, pipeline.WithArtifactTTL(time.Duration(days)*24*time.Hour))
	}
	worker := pipeline.New(st, bk, blobs, scan, eng,
		pipeline.Limits{MaxPages: cfg.Upload.MaxPages, MaxFileSize: cfg.MaxFileBytes()},
		cfg.Worker.Hostname, opts...)

	slog.Info("worker starting",
		"hostname", cfg.Worker.Hostname,
		"concurrency", cfg.Worker.Concurrency,
		"poll_ms", cfg.Worker.PollMs)
	worker.Run(ctx)
	slog.Info("worker stopped")
}

func newLogger(level string) *slog.Logger {
	var lvl slog.Level
	switch level {
	case "debug":
		lvl = slog.LevelDebug
	case "warn":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}
	return slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: lvl}))
}
