// harec records Home Assistant state changes into PostgreSQL.
// Usage: harec -config configs/harec.yaml
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	hassws "github.com/jrudman/hass-ws"
	"github.com/jrudman/hass-ws/internal/config"
	"github.com/jrudman/hass-ws/internal/database"
	"github.com/jrudman/hass-ws/internal/recorder"
	"github.com/jrudman/hass-ws/internal/version"
)

func main() {
	configPath := flag.String("config", "configs/harec.yaml", "path to config file")
	flag.Parse()

	logger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	}))
	slog.SetDefault(logger)

	logger.Info("starting harec",
		"version", version.Version,
		"commit", version.Commit,
		"config", *configPath,
	)

	cfg, err := config.LoadAndValidate(*configPath)
	if err != nil {
		logger.Error("failed to load config", "error", err)
		os.Exit(1)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigCh
		logger.Info("received shutdown signal", "signal", sig)
		cancel()
	}()

	logger.Info("connecting to database",
		"host", cfg.Database.Host,
		"port", cfg.Database.Port,
		"database", cfg.Database.Name,
	)
	pool, err := database.Connect(ctx, cfg.Database)
	if err != nil {
		logger.Error("failed to connect to database", "error", err)
		os.Exit(1)
	}
	defer pool.Close()
	logger.Info("database connected")

	rec := recorder.New(recorder.Config{
		BatchSize:     cfg.Recorder.BatchSize,
		FlushInterval: cfg.Recorder.FlushInterval,
		BufferSize:    cfg.Recorder.BufferSize,
	}, pool, logger)
	if err := rec.Start(ctx); err != nil {
		logger.Error("failed to start recorder", "error", err)
		os.Exit(1)
	}

	client := hassws.New(hassws.Config{
		URL:    cfg.HomeAssistant.URL,
		Token:  cfg.HomeAssistant.Token,
		Logger: logger,
	})
	if err := client.Connect(ctx); err != nil {
		logger.Error("failed to connect to Home Assistant", "error", err)
		os.Exit(1)
	}
	logger.Info("connected to Home Assistant",
		"ha_version", client.Version(),
		"run_id", rec.RunID(),
	)

	remove, err := client.SubscribeEvents(ctx, rec.HandleEvent, "state_changed")
	if err != nil {
		logger.Error("failed to subscribe to state_changed", "error", err)
		os.Exit(1)
	}

	healthServer := &http.Server{
		Addr:    fmt.Sprintf(":%d", cfg.Health.Port),
		Handler: healthHandler(client, pool, rec),
	}
	go func() {
		logger.Info("starting health server", "port", cfg.Health.Port)
		if err := healthServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("health server failed", "error", err)
		}
	}()

	<-ctx.Done()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()

	remove()
	healthServer.Shutdown(shutdownCtx)
	if err := client.Disconnect(shutdownCtx); err != nil {
		logger.Warn("disconnect did not complete cleanly", "error", err)
	}
	if err := rec.Stop(shutdownCtx); err != nil {
		logger.Warn("recorder stop did not complete cleanly", "error", err)
	}

	stats := rec.Stats()
	logger.Info("harec stopped",
		"inserts", stats.Inserts,
		"errors", stats.Errors,
		"dropped", stats.Dropped,
	)
}

// healthHandler reports connection, database and recorder health.
func healthHandler(client *hassws.Client, pool *pgxpool.Pool, rec *recorder.Recorder) http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		pingCtx, pingCancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer pingCancel()

		dbOK := pool.Ping(pingCtx) == nil
		connected := client.Connected()

		status := http.StatusOK
		if !dbOK || !connected {
			status = http.StatusServiceUnavailable
		}

		stats := rec.Stats()
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(status)
		json.NewEncoder(w).Encode(map[string]any{
			"connected": connected,
			"database":  dbOK,
			"state":     client.State().String(),
			"inserts":   stats.Inserts,
			"errors":    stats.Errors,
			"dropped":   stats.Dropped,
		})
	})
	return mux
}
