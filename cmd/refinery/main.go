// Entry point for the DocRefinery HTTP API.
package main

import (
	"context"
	"flag"
	"log/slog"
	"net/http"
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
	"github.com/docrefinery/docrefinery/httpapi"
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

	eng := engine.NewClient(cfg.Engine.URL, cfg.EngineTimeout())

	// Transitions triggered by the API (cancel, retry) queue webhook
	// deliveries; this process also drains its own queue rows.
	deliverer := webhookd.New(st, cfg.Webhooks.MaxAttempts, cfg.WebhookInitialBackoff(), cfg.WebhookTimeout(),
		webhookd.WithLogger(logger),
		webhookd.WithAllowedHosts(cfg.Webhooks.AllowedHosts))
	go deliverer.Run(ctx)

	api := httpapi.New(cfg, st, blobs, bk,
		httpapi.WithLogger(logger),
		httpapi.WithNotifier(deliverer),
		httpapi.WithEngine(eng))

	srv := &http.Server{
		Addr:              cfg.Listen,
		Handler:           api.Router(),
		ReadHeaderTimeout: 10 * time.Second,
		WriteTimeout:      120 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	go func() {
		slog.Info("api starting", "listen", cfg.Listen)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			slog.Error("server error", "error", err)
			os.Exit(1)
		}
	}()

	<-ctx.Done()
	slog.Info("shutting down")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		slog.Error("shutdown", "error", err)
	}
	slog.Info("api stopped")
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
