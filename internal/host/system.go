// Package host reaches the managed servers themselves: reachability,
// address lookup, Wake-on-LAN and remote shutdown.
package host

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"os/exec"
	"strconv"
	"time"

	"github.com/tphummel/lab_power/internal/models"
)

// Unresolved is reported by ResolveIP when a hostname has no IPv4 address.
const Unresolved = "unresolved"

// Config holds the host-side settings.
type Config struct {
	PingTimeout time.Duration
	// Broadcast is the UDP address magic packets are sent to.
	Broadcast string
	SSH       SSHConfig
}

// System implements the host capability with the ping binary, the
// system resolver, a UDP socket and an SSH client.
type System struct {
	cfg      Config
	resolver *net.Resolver
	logger   *slog.Logger
}

// New returns a System. Zero-valued fields in cfg get defaults.
func New(cfg Config, logger *slog.Logger) *System {
	if cfg.PingTimeout <= 0 {
		cfg.PingTimeout = 2 * time.Second
	}
	if cfg.Broadcast == "" {
		cfg.Broadcast = "255.255.255.255:9"
	}
	if cfg.SSH.Port == 0 {
		cfg.SSH.Port = 22
	}
	if cfg.SSH.Timeout <= 0 {
		cfg.SSH.Timeout = 10 * time.Second
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &System{cfg: cfg, resolver: net.DefaultResolver, logger: logger}
}

// Ping sends a single ICMP echo to hostname and reports whether it was
// answered within timeout (the configured default when zero). Any
// failure, including a missing ping binary, is false.
func (s *System) Ping(ctx context.Context, hostname string, timeout time.Duration) bool {
	if timeout <= 0 {
		timeout = s.cfg.PingTimeout
	}
	secs := int(timeout.Round(time.Second) / time.Second)
	if secs < 1 {
		secs = 1
	}
	ctx, cancel := context.WithTimeout(ctx, timeout+time.Second)
	defer cancel()
	cmd := exec.CommandContext(ctx, "ping", "-c", "1", "-W", strconv.Itoa(secs), hostname)
	if err := cmd.Run(); err != nil {
		s.logger.Debug("ping failed", "host", hostname, "error", err)
		return false
	}
	return true
}

// ResolveIP returns the first IPv4 address of hostname, falling back to
// the first address of any family, or Unresolved.
func (s *System) ResolveIP(ctx context.Context, hostname string) string {
	if ip := net.ParseIP(hostname); ip != nil {
		return ip.String()
	}
	addrs, err := s.resolver.LookupIPAddr(ctx, hostname)
	if err != nil || len(addrs) == 0 {
		return Unresolved
	}
	for _, a := range addrs {
		if v4 := a.IP.To4(); v4 != nil {
			return v4.String()
		}
	}
	return addrs[0].IP.String()
}

// SendWOL broadcasts a magic packet for mac.
func (s *System) SendWOL(ctx context.Context, mac string) error {
	pkt, err := MagicPacket(mac)
	if err != nil {
		return err
	}
	d := net.Dialer{Control: setBroadcast}
	conn, err := d.DialContext(ctx, "udp4", s.cfg.Broadcast)
	if err != nil {
		return fmt.Errorf("wake-on-lan: %w", err)
	}
	defer conn.Close()
	if _, err := conn.Write(pkt); err != nil {
		return fmt.Errorf("wake-on-lan: %w", err)
	}
	s.logger.Info("sent wake-on-lan packet", "mac", mac, "broadcast", s.cfg.Broadcast)
	return nil
}

// MagicPacket builds the 102-byte Wake-on-LAN payload: six 0xFF bytes
// followed by the hardware address repeated sixteen times.
func MagicPacket(mac string) ([]byte, error) {
	hw, err := net.ParseMAC(mac)
	if err != nil {
		return nil, fmt.Errorf("%w: mac %q: %w", models.ErrInvalidArgument, mac, err)
	}
	if len(hw) != 6 {
		return nil, fmt.Errorf("%w: mac %q: %w", models.ErrInvalidArgument, mac, errors.New("not a 48-bit address"))
	}
	pkt := make([]byte, 0, 102)
	for range 6 {
		pkt = append(pkt, 0xFF)
	}
	for range 16 {
		pkt = append(pkt, hw...)
	}
	return pkt, nil
}
