// Package outlet talks to network-controlled power outlets.
package outlet

import (
	"context"
	"time"
)

// Outlet is the capability the orchestrator and status aggregator need
// from a metered smart plug, addressed by IP. Every call may fail or time
// out; callers treat a failure as the device being offline.
type Outlet interface {
	TurnOn(ctx context.Context, ip string) error
	TurnOff(ctx context.Context, ip string) error
	CurrentPowerWatts(ctx context.Context, ip string) (float64, error)
	EnergyUsage(ctx context.Context, ip string) (EnergyUsage, error)
	PowerState(ctx context.Context, ip string) (PowerState, error)
}

// EnergyUsage is a metering snapshot. Energy is in Wh, runtime in minutes.
type EnergyUsage struct {
	CurrentPower    float64
	TodayEnergyWh   float64
	TodayRuntimeMin float64
	MonthEnergyWh   float64
	MonthRuntimeMin float64
}

// PowerState is the relay position and radio signal level.
type PowerState struct {
	On     bool
	Signal int
}

// Reading is the combined telemetry of one plug. OK is false when any
// part could not be fetched, in which case Err says why.
type Reading struct {
	OK     bool
	Err    error
	State  PowerState
	Energy EnergyUsage
}

// Read fetches relay state and energy usage from ip. It never returns an
// error; failures are carried in the Reading so callers must handle the
// offline case explicitly.
func Read(ctx context.Context, o Outlet, ip string) Reading {
	state, err := o.PowerState(ctx, ip)
	if err != nil {
		return Reading{Err: err}
	}
	energy, err := o.EnergyUsage(ctx, ip)
	if err != nil {
		return Reading{Err: err}
	}
	return Reading{OK: true, State: state, Energy: energy}
}

// EnergyLedger keeps lifetime-counter samples for outlets whose firmware
// has no daily or monthly totals.
type EnergyLedger interface {
	RecordEnergySample(ctx context.Context, sample EnergySample) error
	EnergySince(ctx context.Context, outletIP string, since time.Time) (EnergyTotals, error)
}

// EnergySample is one reading of an outlet's lifetime counter.
type EnergySample struct {
	OutletIP string
	At       time.Time
	TotalWh  float64
	PowerW   float64
	On       bool
}

// EnergyTotals is counter growth and relay-on time over a window.
type EnergyTotals struct {
	EnergyWh float64
	Runtime  time.Duration
}
