// Package power runs the power-on and power-off sequences for servers
// that sit behind a metered outlet.
package power

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/tphummel/lab_power/internal/clock"
	"github.com/tphummel/lab_power/internal/metrics"
	"github.com/tphummel/lab_power/internal/models"
	"github.com/tphummel/lab_power/internal/outlet"
)

// Store is the subset of store.Store the orchestrator reads. Liveness is
// left to the status aggregator, which observes it.
type Store interface {
	GetServer(name string) (models.Server, error)
	GetPlug(name string) (models.Plug, error)
}

// Host is the server-side capability used during power operations.
type Host interface {
	Ping(ctx context.Context, hostname string, timeout time.Duration) bool
	SendWOL(ctx context.Context, mac string) error
	Shutdown(ctx context.Context, hostname string) error
}

// Recorder keeps finished operations.
type Recorder interface {
	RecordOperation(ctx context.Context, op *models.OperationRecord) error
}

// Config holds the timing and threshold values of both sequences.
type Config struct {
	PollInterval    time.Duration
	BootTimeout     time.Duration
	ShutdownTimeout time.Duration
	// ShutdownSettle is how long draw must stay below LowPowerThreshold
	// before a shutdown counts as confirmed.
	ShutdownSettle    time.Duration
	PingTimeout       time.Duration
	LowPowerThreshold float64
}

// DefaultConfig returns the standard timings: 2s ticks, 60s boot waits,
// a 120s shutdown wait and a 5W threshold held for 10s.
func DefaultConfig() Config {
	return Config{
		PollInterval:      2 * time.Second,
		BootTimeout:       60 * time.Second,
		ShutdownTimeout:   120 * time.Second,
		ShutdownSettle:    10 * time.Second,
		PingTimeout:       2 * time.Second,
		LowPowerThreshold: 5.0,
	}
}

// Longest bounds the wall-clock duration of one operation, given how long
// a shutdown command and a single outlet call can each take. A power-on
// runs at most two boot waits; each can overrun by one tick.
func (c Config) Longest(shutdown, call time.Duration) time.Duration {
	tick := c.PollInterval + c.PingTimeout + time.Second + call
	on := 2*(c.BootTimeout+tick) + 4*call
	off := shutdown + c.ShutdownTimeout + tick + call
	return max(on, off)
}

// Orchestrator starts power operations and serializes them per server.
type Orchestrator struct {
	cfg      Config
	store    Store
	outlet   outlet.Outlet
	host     Host
	recorder Recorder
	clock    clock.Clock
	logger   *slog.Logger

	mu     sync.Mutex
	active map[string]*Operation
	wg     sync.WaitGroup
}

// Option configures an Orchestrator.
type Option func(*Orchestrator)

// WithConfig replaces DefaultConfig.
func WithConfig(cfg Config) Option {
	return func(o *Orchestrator) { o.cfg = cfg }
}

// WithClock sets the clock driving the polling loops.
func WithClock(c clock.Clock) Option {
	return func(o *Orchestrator) { o.clock = c }
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(o *Orchestrator) { o.logger = l }
}

// WithRecorder keeps a history of finished operations.
func WithRecorder(r Recorder) Option {
	return func(o *Orchestrator) { o.recorder = r }
}

// New returns an Orchestrator.
func New(store Store, out outlet.Outlet, host Host, opts ...Option) *Orchestrator {
	o := &Orchestrator{
		cfg:    DefaultConfig(),
		store:  store,
		outlet: out,
		host:   host,
		clock:  clock.Real(),
		logger: slog.Default(),
		active: map[string]*Operation{},
	}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

// PowerOn starts the power-on sequence for the named server. Errors that
// prevent the sequence from starting (unknown server, no usable plug, an
// operation already running) are returned directly; everything after that
// is reported on the Operation.
func (o *Orchestrator) PowerOn(ctx context.Context, name string) (*Operation, error) {
	return o.start(ctx, name, models.ActionPowerOn, o.powerOn)
}

// PowerOff starts the power-off sequence for the named server.
func (o *Orchestrator) PowerOff(ctx context.Context, name string) (*Operation, error) {
	return o.start(ctx, name, models.ActionPowerOff, o.powerOff)
}

// Active returns the running operation for server, if any.
func (o *Orchestrator) Active(server string) (*Operation, bool) {
	o.mu.Lock()
	defer o.mu.Unlock()
	op, ok := o.active[server]
	return op, ok
}

// Wait blocks until every started operation has finished or ctx is done.
func (o *Orchestrator) Wait(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		o.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

type sequence func(ctx context.Context, op *Operation, srv models.Server, plug models.Plug) (models.Result, error)

func (o *Orchestrator) start(ctx context.Context, name string, action models.Action, seq sequence) (*Operation, error) {
	srv, err := o.store.GetServer(name)
	if err != nil {
		return nil, err
	}
	plug, err := o.resolvePlug(srv)
	if err != nil {
		return nil, err
	}

	o.mu.Lock()
	if running, ok := o.active[name]; ok {
		o.mu.Unlock()
		return nil, fmt.Errorf("%w: %s %s (%s)", models.ErrOperationInProgress, running.Action, name, running.ID)
	}
	op := newOperation(uuid.New().String(), name, action, o.clock.Now(), o.logger)
	o.active[name] = op
	o.wg.Add(1)
	o.mu.Unlock()

	// The operation outlives the request that started it.
	go o.run(context.WithoutCancel(ctx), op, srv, plug, seq)
	return op, nil
}

func (o *Orchestrator) resolvePlug(srv models.Server) (models.Plug, error) {
	if srv.Plug == "" {
		return models.Plug{}, fmt.Errorf("%w for server %s", models.ErrNoPlugConfigured, srv.Name)
	}
	plug, err := o.store.GetPlug(srv.Plug)
	if errors.Is(err, models.ErrNotFound) {
		return models.Plug{}, fmt.Errorf("%w for server %s: %w", models.ErrNoPlugConfigured, srv.Name, err)
	}
	return plug, err
}

func (o *Orchestrator) run(ctx context.Context, op *Operation, srv models.Server, plug models.Plug, seq sequence) {
	defer o.wg.Done()
	observe := metrics.OperationStarted(op.Action)

	res, err := seq(ctx, op, srv, plug)
	kind := EventComplete
	if err != nil {
		kind = EventError
		res = models.Result{Message: err.Error()}
		op.logger.Error("power operation failed", "error", err)
	}

	if o.recorder != nil {
		rec := &models.OperationRecord{
			ID:         op.ID,
			Server:     op.Server,
			Action:     op.Action,
			Success:    res.Success,
			Message:    res.Message,
			Logs:       op.logLines(),
			StartedAt:  op.StartedAt,
			FinishedAt: o.clock.Now(),
		}
		if err := o.recorder.RecordOperation(ctx, rec); err != nil {
			op.logger.Error("failed to record operation", "error", err)
		}
	}
	observe(res.Success)

	o.mu.Lock()
	delete(o.active, srv.Name)
	o.mu.Unlock()

	op.finish(kind, res)
}

func (o *Orchestrator) powerOn(ctx context.Context, op *Operation, srv models.Server, plug models.Plug) (models.Result, error) {
	op.log("Turning on plug...")
	if err := o.outlet.TurnOn(ctx, plug.IP); err != nil {
		return models.Result{}, fmt.Errorf("turn on plug %s: %w", plug.Name, err)
	}
	op.log("Plug turned on")

	if o.waitForBoot(ctx, op, srv, plug) {
		return online(op), nil
	}

	power, err := o.outlet.CurrentPowerWatts(ctx, plug.IP)
	if err != nil {
		op.logger.Warn("failed to read power", "error", err)
		op.log("Server not responding (power unavailable)")
		power = 0
	} else {
		op.log("Server not responding (power: %.1fW)", power)
	}

	if power >= o.cfg.LowPowerThreshold {
		// Drawing current means it is still booting; WOL would not help.
		if o.waitForBoot(ctx, op, srv, plug) {
			return online(op), nil
		}
		return models.Result{Message: "Server is drawing power but not responding to ping"}, nil
	}

	if srv.MAC == "" {
		o.cutPower(ctx, op, plug)
		return models.Result{}, fmt.Errorf("%w for server %s", models.ErrNoMACConfigured, srv.Name)
	}
	op.log("Sending Wake-on-LAN packet...")
	if err := o.host.SendWOL(ctx, srv.MAC); err != nil {
		o.cutPower(ctx, op, plug)
		return models.Result{}, fmt.Errorf("wake-on-lan for %s: %w", srv.Name, err)
	}

	if o.waitForBoot(ctx, op, srv, plug) {
		return online(op), nil
	}

	op.log("Server failed to boot")
	op.log("Turning off plug...")
	if err := o.outlet.TurnOff(ctx, plug.IP); err != nil {
		return models.Result{}, fmt.Errorf("turn off plug %s: %w", plug.Name, err)
	}
	return models.Result{Message: "Server failed to boot"}, nil
}

func online(op *Operation) models.Result {
	op.log("Server is online!")
	return models.Result{Success: true, Message: "Server is online"}
}

// cutPower turns the outlet off on an abandoned power-on. A failure is
// logged because the caller is already reporting a more relevant error.
func (o *Orchestrator) cutPower(ctx context.Context, op *Operation, plug models.Plug) {
	op.log("Turning off plug...")
	if err := o.outlet.TurnOff(ctx, plug.IP); err != nil {
		op.log("Failed to turn off plug: %v", err)
	}
}

// waitForBoot polls ping until it answers or BootTimeout elapses. Each
// unanswered tick reports the current draw.
func (o *Orchestrator) waitForBoot(ctx context.Context, op *Operation, srv models.Server, plug models.Plug) bool {
	op.log("Monitoring server boot (%ds)...", int(o.cfg.BootTimeout/time.Second))
	start := o.clock.Now()
	for {
		elapsed := o.clock.Now().Sub(start)
		if elapsed >= o.cfg.BootTimeout {
			return false
		}
		if o.host.Ping(ctx, srv.Hostname, o.cfg.PingTimeout) {
			op.log("Server responding to ping!")
			return true
		}
		if w, err := o.outlet.CurrentPowerWatts(ctx, plug.IP); err == nil {
			op.log("[%02ds] Power: %.1fW", int(elapsed/time.Second), w)
		} else {
			op.logger.Warn("failed to read power", "error", err)
		}
		if err := o.clock.Sleep(ctx, o.cfg.PollInterval); err != nil {
			return false
		}
	}
}

func (o *Orchestrator) powerOff(ctx context.Context, op *Operation, srv models.Server, plug models.Plug) (models.Result, error) {
	op.log("Sending shutdown command...")
	if err := o.host.Shutdown(ctx, srv.Hostname); err != nil {
		op.log("Failed to send shutdown: %v", err)
		op.log("Continuing with power monitoring...")
	} else {
		op.log("Shutdown command sent")
	}

	op.log("Monitoring server shutdown...")
	if !o.waitForShutdown(ctx, op, plug) {
		op.log("Timeout waiting for shutdown")
	}

	op.log("Turning off plug...")
	if err := o.outlet.TurnOff(ctx, plug.IP); err != nil {
		return models.Result{}, fmt.Errorf("turn off plug %s: %w", plug.Name, err)
	}
	op.log("Server is offline")
	return models.Result{Success: true, Message: "Server powered off"}, nil
}

// waitForShutdown polls the draw until it has stayed below the threshold
// for ShutdownSettle, or ShutdownTimeout elapses. A reading at or above
// the threshold restarts the settle period; a failed reading does not.
func (o *Orchestrator) waitForShutdown(ctx context.Context, op *Operation, plug models.Plug) bool {
	start := o.clock.Now()
	var lowSince time.Time
	for {
		now := o.clock.Now()
		elapsed := now.Sub(start)
		if elapsed >= o.cfg.ShutdownTimeout {
			return false
		}
		w, err := o.outlet.CurrentPowerWatts(ctx, plug.IP)
		switch {
		case err != nil:
			op.logger.Warn("failed to read power", "error", err)
		case w < o.cfg.LowPowerThreshold:
			op.log("[%02ds] Power: %.1fW", int(elapsed/time.Second), w)
			if lowSince.IsZero() {
				lowSince = now
			}
			if now.Sub(lowSince) >= o.cfg.ShutdownSettle {
				op.log("Server powered down (power: %.1fW)", w)
				return true
			}
		default:
			op.log("[%02ds] Power: %.1fW", int(elapsed/time.Second), w)
			lowSince = time.Time{}
		}
		if err := o.clock.Sleep(ctx, o.cfg.PollInterval); err != nil {
			return false
		}
	}
}
