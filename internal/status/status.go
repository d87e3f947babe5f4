// Package status builds point-in-time snapshots of every plug and server.
package status

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"strings"
	"sync"
	"time"

	"github.com/tphummel/lab_power/internal/clock"
	"github.com/tphummel/lab_power/internal/models"
	"github.com/tphummel/lab_power/internal/outlet"
)

// Store is the subset of store.Store the aggregator reads and updates.
type Store interface {
	ListPlugs() []models.Plug
	ListServers() []models.Server
	ElectricityPrice() float64
	UpdateServerLivenessState(name string, online bool) (bool, error)
	LivenessState(name string) (models.LivenessState, bool)
}

// Host is the reachability capability the aggregator needs.
type Host interface {
	Ping(ctx context.Context, hostname string, timeout time.Duration) bool
	ResolveIP(ctx context.Context, hostname string) string
}

// Aggregator produces Snapshots. It keeps no state between calls.
type Aggregator struct {
	store       Store
	outlet      outlet.Outlet
	host        Host
	clock       clock.Clock
	logger      *slog.Logger
	pingTimeout time.Duration
}

// Option configures an Aggregator.
type Option func(*Aggregator)

func WithClock(c clock.Clock) Option {
	return func(a *Aggregator) { a.clock = c }
}

func WithLogger(l *slog.Logger) Option {
	return func(a *Aggregator) { a.logger = l }
}

func WithPingTimeout(d time.Duration) Option {
	return func(a *Aggregator) { a.pingTimeout = d }
}

// New returns an Aggregator.
func New(store Store, out outlet.Outlet, host Host, opts ...Option) *Aggregator {
	a := &Aggregator{
		store:       store,
		outlet:      out,
		host:        host,
		clock:       clock.Real(),
		logger:      slog.Default(),
		pingTimeout: 2 * time.Second,
	}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

// GetStatus probes every plug and server concurrently and returns the
// fleet snapshot. A device that cannot be reached degrades its own entry
// and never fails the snapshot. Recording liveness happens here.
func (a *Aggregator) GetStatus(ctx context.Context) *models.Snapshot {
	plugs := a.store.ListPlugs()
	servers := a.store.ListServers()
	price := a.store.ElectricityPrice()

	plugStatuses := make([]models.PlugStatus, len(plugs))
	serverStatuses := make([]models.ServerStatus, len(servers))

	var wg sync.WaitGroup
	for i, p := range plugs {
		wg.Add(1)
		go func() {
			defer wg.Done()
			plugStatuses[i] = a.plugStatus(ctx, p, price)
		}()
	}
	for i, s := range servers {
		wg.Add(1)
		go func() {
			defer wg.Done()
			serverStatuses[i] = a.serverStatus(ctx, s)
		}()
	}
	wg.Wait()

	byName := make(map[string]models.PlugStatus, len(plugStatuses))
	for _, ps := range plugStatuses {
		byName[ps.Name] = ps
	}
	for i := range serverStatuses {
		ss := &serverStatuses[i]
		if ss.Plug == "" {
			continue
		}
		ps, ok := byName[ss.Plug]
		switch {
		case !ok:
			a.logger.Warn("server references unknown plug", "server", ss.Name, "plug", ss.Plug)
		case !ps.Online:
			a.logger.Warn("failed to get power info", "server", ss.Name, "plug", ss.Plug, "error", ps.Error)
		default:
			ss.Power = embed(ps)
		}
	}

	return &models.Snapshot{
		Summary:   summarize(serverStatuses, plugStatuses),
		Servers:   serverStatuses,
		Plugs:     plugStatuses,
		Timestamp: a.clock.Now().UTC(),
	}
}

// PlugStatus probes a single plug.
func (a *Aggregator) PlugStatus(ctx context.Context, p models.Plug) models.PlugStatus {
	return a.plugStatus(ctx, p, a.store.ElectricityPrice())
}

func (a *Aggregator) plugStatus(ctx context.Context, p models.Plug, price float64) models.PlugStatus {
	r := outlet.Read(ctx, a.outlet, p.IP)
	if !r.OK {
		a.logger.Error("failed to get plug status", "plug", p.Name, "error", r.Err)
		return models.PlugStatus{Name: p.Name, IP: p.IP, Error: r.Err.Error()}
	}
	state := "off"
	if r.State.On {
		state = "on"
	}
	e := r.Energy
	return models.PlugStatus{
		Name:               p.Name,
		IP:                 p.IP,
		Online:             true,
		State:              state,
		SignalLevel:        r.State.Signal,
		CurrentPower:       round(e.CurrentPower, 1),
		CurrentCostPerHour: round(Cost(e.CurrentPower, price), 4),
		TodayEnergy:        round(e.TodayEnergyWh, 1),
		TodayCost:          round(Cost(e.TodayEnergyWh, price), 4),
		TodayRuntime:       round(e.TodayRuntimeMin/60, 1),
		MonthEnergy:        round(e.MonthEnergyWh, 1),
		MonthCost:          round(Cost(e.MonthEnergyWh, price), 4),
		MonthRuntime:       round(e.MonthRuntimeMin/60, 1),
	}
}

func (a *Aggregator) serverStatus(ctx context.Context, s models.Server) models.ServerStatus {
	online := a.host.Ping(ctx, s.Hostname, a.pingTimeout)
	if _, err := a.store.UpdateServerLivenessState(s.Name, online); err != nil {
		a.logger.Error("failed to record liveness", "server", s.Name, "error", err)
	}

	ss := models.ServerStatus{
		Name:     s.Name,
		Hostname: s.Hostname,
		MAC:      s.MAC,
		Plug:     s.Plug,
		Online:   online,
		IP:       a.host.ResolveIP(ctx, s.Hostname),
	}
	// A failed write above leaves the previous state, which may disagree
	// with online; the duration label follows the observed value.
	if st, ok := a.store.LivenessState(s.Name); ok && !st.LastChange.IsZero() {
		d := FormatDuration(a.clock.Now().Sub(st.LastChange))
		if online {
			ss.Uptime = d
			ss.UptimeStart = st.UptimeStart
		} else {
			ss.Downtime = d
		}
	}
	return ss
}

func embed(ps models.PlugStatus) *models.ServerPower {
	return &models.ServerPower{
		Current:            ps.CurrentPower,
		CurrentCostPerHour: ps.CurrentCostPerHour,
		TodayEnergy:        ps.TodayEnergy,
		TodayCost:          ps.TodayCost,
		MonthEnergy:        ps.MonthEnergy,
		MonthCost:          ps.MonthCost,
	}
}

func summarize(servers []models.ServerStatus, plugs []models.PlugStatus) models.Summary {
	sum := models.Summary{ServersTotal: len(servers), PlugsTotal: len(plugs)}
	for _, s := range servers {
		if s.Online {
			sum.ServersOnline++
		}
	}
	for _, p := range plugs {
		if !p.Online {
			continue
		}
		sum.PlugsOnline++
		if p.State == "on" {
			sum.PlugsOn++
		}
		sum.TotalPower += p.CurrentPower
	}
	sum.TotalPower = round(sum.TotalPower, 1)
	return sum
}

// Cost converts watt-hours (or watts, giving a per-hour rate) into money
// at price per kWh. A non-positive price yields zero.
func Cost(wh, price float64) float64 {
	if price <= 0 {
		return 0
	}
	return wh / 1000 * price
}

// FormatDuration renders d as "1d 2h 3m", dropping zero units. Minutes
// are shown when nothing else is, so the shortest form is "0m".
func FormatDuration(d time.Duration) string {
	if d < 0 {
		d = 0
	}
	days := int(d / (24 * time.Hour))
	hours := int(d % (24 * time.Hour) / time.Hour)
	minutes := int(d % time.Hour / time.Minute)

	var parts []string
	if days > 0 {
		parts = append(parts, fmt.Sprintf("%dd", days))
	}
	if hours > 0 {
		parts = append(parts, fmt.Sprintf("%dh", hours))
	}
	if minutes > 0 || len(parts) == 0 {
		parts = append(parts, fmt.Sprintf("%dm", minutes))
	}
	return strings.Join(parts, " ")
}

func round(v float64, places int) float64 {
	p := math.Pow(10, float64(places))
	return math.Round(v*p) / p
}
