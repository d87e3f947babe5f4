// Package app wires the service's components together. It is constructed
// once at startup and owns every long-lived resource.
package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/tphummel/lab_power/internal/clock"
	"github.com/tphummel/lab_power/internal/db"
	"github.com/tphummel/lab_power/internal/handlers"
	"github.com/tphummel/lab_power/internal/host"
	"github.com/tphummel/lab_power/internal/metrics"
	"github.com/tphummel/lab_power/internal/middleware"
	"github.com/tphummel/lab_power/internal/outlet"
	"github.com/tphummel/lab_power/internal/power"
	"github.com/tphummel/lab_power/internal/status"
	"github.com/tphummel/lab_power/internal/store"
)

const (
	BackendShelly = "shelly"
	BackendNoop   = "noop"
)

// Config is everything New needs. cmd/server fills it from the environment.
type Config struct {
	Token      string
	ConfigPath string
	DBPath     string
	// OutletBackend selects the plug driver: BackendShelly or BackendNoop.
	OutletBackend  string
	Host           host.Config
	Power          power.Config
	RateLimitRPS   float64
	RateLimitBurst int
	Version        string
	Commit         string
}

// App is the running service.
type App struct {
	Store  *store.Store
	DB     *db.DB
	Outlet outlet.Outlet
	Host   *host.System
	Power  *power.Orchestrator
	Status *status.Aggregator

	cfg       Config
	powerCfg  power.Config
	logger    *slog.Logger
	clock     clock.Clock
	limiter   *middleware.RateLimiter
	lastPrune time.Time
}

// Option configures an App.
type Option func(*App)

// WithClock replaces the real clock in every component.
func WithClock(c clock.Clock) Option {
	return func(a *App) { a.clock = c }
}

// New opens the config store and history database, builds the outlet and
// host drivers and registers metrics with reg.
func New(cfg Config, reg prometheus.Registerer, logger *slog.Logger, opts ...Option) (*App, error) {
	if logger == nil {
		logger = slog.Default()
	}
	a := &App{cfg: cfg, logger: logger, clock: clock.Real()}
	for _, opt := range opts {
		opt(a)
	}

	st, err := store.Open(cfg.ConfigPath, store.WithLogger(logger), store.WithClock(a.clock))
	if err != nil {
		return nil, fmt.Errorf("open config store: %w", err)
	}
	database, err := db.New(cfg.DBPath)
	if err != nil {
		return nil, fmt.Errorf("open history database: %w", err)
	}

	switch cfg.OutletBackend {
	case BackendShelly, "":
		a.Outlet = outlet.NewShelly(database, outlet.WithClock(a.clock), outlet.WithLogger(logger))
	case BackendNoop:
		a.Outlet = outlet.NewNoop(0, logger)
	default:
		database.Close()
		return nil, fmt.Errorf("unknown outlet backend %q", cfg.OutletBackend)
	}

	powerCfg := cfg.Power
	if powerCfg == (power.Config{}) {
		powerCfg = power.DefaultConfig()
	}

	a.powerCfg = powerCfg
	a.Store = st
	a.DB = database
	a.Host = host.New(cfg.Host, logger)
	a.Power = power.New(st, a.Outlet, a.Host,
		power.WithConfig(powerCfg),
		power.WithClock(a.clock),
		power.WithLogger(logger),
		power.WithRecorder(database),
	)
	a.Status = status.New(st, a.Outlet, a.Host,
		status.WithClock(a.clock),
		status.WithLogger(logger),
		status.WithPingTimeout(powerCfg.PingTimeout),
	)
	if cfg.RateLimitRPS > 0 {
		a.limiter = middleware.NewRateLimiter(cfg.RateLimitRPS, cfg.RateLimitBurst)
	}

	metrics.Register(reg, database, st)
	return a, nil
}

// DrainTimeout is how long Close may need to let in-flight power
// operations finish.
func (a *App) DrainTimeout() time.Duration {
	return a.powerCfg.Longest(a.Host.ShutdownLimit(), outlet.RequestTimeout) + 30*time.Second
}

// Handler returns the complete HTTP handler: routes, auth, rate limiting
// and request logging.
func (a *App) Handler() http.Handler {
	h := &handlers.Handler{
		Store:   a.Store,
		DB:      a.DB,
		Power:   a.Power,
		Status:  a.Status,
		Outlet:  a.Outlet,
		Host:    a.Host,
		Logger:  a.logger,
		Version: a.cfg.Version,
		Commit:  a.cfg.Commit,
	}
	skip := func(r *http.Request) bool {
		return r.URL.Path == "/healthz" || r.URL.Path == "/metrics"
	}
	return middleware.RequestLogger(a.logger, skip, h.Routes(a.cfg.Token, a.limiter))
}

// Poll takes a status snapshot every interval until ctx is cancelled, so
// liveness keeps being recorded and fleet gauges stay current without
// anyone asking for status.
func (a *App) Poll(ctx context.Context, interval time.Duration) {
	t := time.NewTicker(interval)
	defer t.Stop()
	for {
		a.PollOnce(ctx)
		select {
		case <-ctx.Done():
			return
		case <-t.C:
		}
	}
}

// PollOnce takes one snapshot and, once a day, drops energy samples that
// no longer fall into the current or previous month.
func (a *App) PollOnce(ctx context.Context) {
	snap := a.Status.GetStatus(ctx)
	metrics.ObserveStatus(snap)

	now := a.clock.Now()
	if now.Sub(a.lastPrune) < 24*time.Hour {
		return
	}
	cutoff := time.Date(now.Year(), now.Month()-1, 1, 0, 0, 0, 0, now.Location())
	n, err := a.DB.PruneEnergySamples(ctx, cutoff)
	if err != nil {
		a.logger.Warn("failed to prune energy samples", "error", err)
		return
	}
	a.lastPrune = now
	if n > 0 {
		a.logger.Info("pruned energy samples", "count", n, "before", cutoff)
	}
}

// Close waits for running power operations, bounded by ctx, then releases
// the database and the rate limiter.
func (a *App) Close(ctx context.Context) error {
	var errs []error
	if err := a.Power.Wait(ctx); err != nil {
		errs = append(errs, fmt.Errorf("wait for power operations: %w", err))
	}
	if a.limiter != nil {
		a.limiter.Close()
	}
	if err := a.DB.Close(); err != nil {
		errs = append(errs, fmt.Errorf("close database: %w", err))
	}
	return errors.Join(errs...)
}
