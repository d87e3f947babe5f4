package outlet

import (
	"context"
	"log/slog"
	"sync"
)

// Noop is an in-memory outlet for development. A relay that is on draws a
// fixed simulated load; nothing leaves the process.
type Noop struct {
	mu     sync.Mutex
	on     map[string]bool
	drawW  float64
	logger *slog.Logger
}

// NewNoop returns a Noop whose relays draw drawW watts while on.
func NewNoop(drawW float64, logger *slog.Logger) *Noop {
	if logger == nil {
		logger = slog.Default()
	}
	return &Noop{on: map[string]bool{}, drawW: drawW, logger: logger}
}

func (n *Noop) TurnOn(ctx context.Context, ip string) error {
	n.logger.Info("noop outlet: TurnOn", "ip", ip)
	n.mu.Lock()
	n.on[ip] = true
	n.mu.Unlock()
	return nil
}

func (n *Noop) TurnOff(ctx context.Context, ip string) error {
	n.logger.Info("noop outlet: TurnOff", "ip", ip)
	n.mu.Lock()
	n.on[ip] = false
	n.mu.Unlock()
	return nil
}

func (n *Noop) CurrentPowerWatts(ctx context.Context, ip string) (float64, error) {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.on[ip] {
		return n.drawW, nil
	}
	return 0, nil
}

func (n *Noop) EnergyUsage(ctx context.Context, ip string) (EnergyUsage, error) {
	w, _ := n.CurrentPowerWatts(ctx, ip)
	return EnergyUsage{CurrentPower: w}, nil
}

func (n *Noop) PowerState(ctx context.Context, ip string) (PowerState, error) {
	n.mu.Lock()
	defer n.mu.Unlock()
	return PowerState{On: n.on[ip]}, nil
}
