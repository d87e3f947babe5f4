package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/tphummel/lab_power/internal/app"
	"github.com/tphummel/lab_power/internal/host"
)

// version and commit are injected at build time via -ldflags.
var (
	version = "dev"
	commit  = "none"
)

type config struct {
	app          app.Config
	port         string
	pollInterval time.Duration
	logLevel     slog.Level
}

// loadConfig reads service configuration from environment variables and
// applies defaults. It returns an error when a required variable is absent
// or a value cannot be parsed.
func loadConfig() (config, error) {
	cfg := config{
		port:         envOr("PORT", "8080"),
		pollInterval: 60 * time.Second,
		app: app.Config{
			Token:         os.Getenv("API_TOKEN"),
			ConfigPath:    envOr("CONFIG_PATH", "./data/config.json"),
			DBPath:        envOr("DB_PATH", "./data/lab_power.db"),
			OutletBackend: envOr("OUTLET_BACKEND", app.BackendShelly),
			Host: host.Config{
				Broadcast: envOr("WOL_BROADCAST", "255.255.255.255:9"),
				SSH: host.SSHConfig{
					User:           envOr("SSH_USER", "root"),
					KeyPath:        expandHome(envOr("SSH_KEY_PATH", "~/.ssh/id_ed25519")),
					KnownHostsPath: expandHome(os.Getenv("SSH_KNOWN_HOSTS")),
				},
			},
			RateLimitRPS:   5,
			RateLimitBurst: 20,
			Version:        version,
			Commit:         commit,
		},
	}
	if cfg.app.Token == "" {
		return cfg, fmt.Errorf("API_TOKEN environment variable is required")
	}
	switch cfg.app.OutletBackend {
	case app.BackendShelly, app.BackendNoop:
	default:
		return cfg, fmt.Errorf("OUTLET_BACKEND must be %q or %q, got %q", app.BackendShelly, app.BackendNoop, cfg.app.OutletBackend)
	}

	if v := os.Getenv("STATUS_POLL_INTERVAL"); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil || d < 0 {
			return cfg, fmt.Errorf("STATUS_POLL_INTERVAL: invalid duration %q", v)
		}
		cfg.pollInterval = d
	}
	if v := os.Getenv("RATE_LIMIT_RPS"); v != "" {
		rps, err := strconv.ParseFloat(v, 64)
		if err != nil || rps < 0 {
			return cfg, fmt.Errorf("RATE_LIMIT_RPS: invalid value %q", v)
		}
		cfg.app.RateLimitRPS = rps
	}
	if v := os.Getenv("RATE_LIMIT_BURST"); v != "" {
		burst, err := strconv.Atoi(v)
		if err != nil || burst < 1 {
			return cfg, fmt.Errorf("RATE_LIMIT_BURST: invalid value %q", v)
		}
		cfg.app.RateLimitBurst = burst
	}
	if v := os.Getenv("LOG_LEVEL"); v != "" {
		if err := cfg.logLevel.UnmarshalText([]byte(v)); err != nil {
			return cfg, fmt.Errorf("LOG_LEVEL: %w", err)
		}
	}
	return cfg, nil
}

func envOr(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func expandHome(path string) string {
	rest, ok := strings.CutPrefix(path, "~/")
	if !ok {
		return path
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return path
	}
	return filepath.Join(home, rest)
}

func main() {
	cfg, err := loadConfig()
	if err != nil {
		log.Fatal(err)
	}

	logger := slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: cfg.logLevel}))
	slog.SetDefault(logger)

	a, err := app.New(cfg.app, prometheus.DefaultRegisterer, logger)
	if err != nil {
		log.Fatalf("failed to start: %v", err)
	}

	srv := &http.Server{
		Addr:              fmt.Sprintf(":%s", cfg.port),
		Handler:           a.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       10 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       120 * time.Second,
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if cfg.pollInterval > 0 {
		go a.Poll(ctx, cfg.pollInterval)
	}

	go func() {
		logger.Info("listening", "port", cfg.port, "config", cfg.app.ConfigPath, "outlet", cfg.app.OutletBackend)
		if err := srv.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
			log.Fatalf("server error: %v", err)
		}
	}()

	<-ctx.Done()

	logger.Info("shutting down server")
	// Streams last as long as their power operation, so both steps share
	// the operation bound.
	shutdownCtx, cancel := context.WithTimeout(context.Background(), a.DrainTimeout())
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("graceful shutdown failed", "error", err)
	}
	// Power operations outlive their requests; let them reach a safe state.
	if err := a.Close(shutdownCtx); err != nil {
		logger.Error("close error", "error", err)
	}
	logger.Info("server stopped")
}
