package outlet

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/tphummel/lab_power/internal/clock"
	"github.com/tphummel/lab_power/internal/models"
)

// Shelly drives Shelly Gen2 plugs over their HTTP RPC interface.
type Shelly struct {
	client   *http.Client
	switchID int
	ledger   EnergyLedger
	clock    clock.Clock
	logger   *slog.Logger
}

// ShellyOption configures a Shelly.
type ShellyOption func(*Shelly)

// WithHTTPClient replaces the default client (10s timeout).
func WithHTTPClient(c *http.Client) ShellyOption {
	return func(s *Shelly) { s.client = c }
}

// WithSwitchID selects the relay channel on multi-channel devices.
func WithSwitchID(id int) ShellyOption {
	return func(s *Shelly) { s.switchID = id }
}

// WithClock sets the clock used to stamp energy samples.
func WithClock(c clock.Clock) ShellyOption {
	return func(s *Shelly) { s.clock = c }
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) ShellyOption {
	return func(s *Shelly) { s.logger = l }
}

// RequestTimeout bounds each call to a plug.
const RequestTimeout = 10 * time.Second

// NewShelly returns a Shelly adapter. The firmware only reports a lifetime
// energy counter, so daily and monthly totals come from ledger; with a nil
// ledger they are reported as zero.
func NewShelly(ledger EnergyLedger, opts ...ShellyOption) *Shelly {
	s := &Shelly{
		client: &http.Client{Timeout: RequestTimeout},
		ledger: ledger,
		clock:  clock.Real(),
		logger: slog.Default(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

type switchStatus struct {
	ID      int     `json:"id"`
	Output  bool    `json:"output"`
	APower  float64 `json:"apower"`
	AEnergy struct {
		Total float64 `json:"total"`
	} `json:"aenergy"`
}

type wifiStatus struct {
	RSSI *int `json:"rssi"`
}

func (s *Shelly) TurnOn(ctx context.Context, ip string) error {
	s.logger.Info("turning on plug", "ip", ip)
	return s.setOutput(ctx, ip, true)
}

func (s *Shelly) TurnOff(ctx context.Context, ip string) error {
	s.logger.Info("turning off plug", "ip", ip)
	return s.setOutput(ctx, ip, false)
}

func (s *Shelly) CurrentPowerWatts(ctx context.Context, ip string) (float64, error) {
	st, err := s.switchStatus(ctx, ip)
	if err != nil {
		return 0, err
	}
	return st.APower, nil
}

func (s *Shelly) PowerState(ctx context.Context, ip string) (PowerState, error) {
	st, err := s.switchStatus(ctx, ip)
	if err != nil {
		return PowerState{}, err
	}
	ps := PowerState{On: st.Output}

	// Wired models have no WiFi component; the signal level stays 0.
	var wifi wifiStatus
	if err := s.rpc(ctx, ip, "WiFi.GetStatus", nil, &wifi); err == nil && wifi.RSSI != nil {
		ps.Signal = signalLevel(*wifi.RSSI)
	}
	return ps, nil
}

func (s *Shelly) EnergyUsage(ctx context.Context, ip string) (EnergyUsage, error) {
	st, err := s.switchStatus(ctx, ip)
	if err != nil {
		return EnergyUsage{}, err
	}
	usage := EnergyUsage{CurrentPower: st.APower}
	if s.ledger == nil {
		return usage, nil
	}

	now := s.clock.Now()
	sample := EnergySample{OutletIP: ip, At: now, TotalWh: st.AEnergy.Total, PowerW: st.APower, On: st.Output}
	if err := s.ledger.RecordEnergySample(ctx, sample); err != nil {
		s.logger.Warn("failed to record energy sample", "ip", ip, "error", err)
	}

	dayStart := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, now.Location())
	monthStart := time.Date(now.Year(), now.Month(), 1, 0, 0, 0, 0, now.Location())

	today, err := s.ledger.EnergySince(ctx, ip, dayStart)
	if err != nil {
		return EnergyUsage{}, fmt.Errorf("energy ledger: %w", err)
	}
	month, err := s.ledger.EnergySince(ctx, ip, monthStart)
	if err != nil {
		return EnergyUsage{}, fmt.Errorf("energy ledger: %w", err)
	}
	usage.TodayEnergyWh = today.EnergyWh
	usage.TodayRuntimeMin = today.Runtime.Minutes()
	usage.MonthEnergyWh = month.EnergyWh
	usage.MonthRuntimeMin = month.Runtime.Minutes()
	return usage, nil
}

func (s *Shelly) setOutput(ctx context.Context, ip string, on bool) error {
	params := url.Values{
		"id": {strconv.Itoa(s.switchID)},
		"on": {strconv.FormatBool(on)},
	}
	return s.rpc(ctx, ip, "Switch.Set", params, nil)
}

func (s *Shelly) switchStatus(ctx context.Context, ip string) (switchStatus, error) {
	var st switchStatus
	params := url.Values{"id": {strconv.Itoa(s.switchID)}}
	if err := s.rpc(ctx, ip, "Switch.GetStatus", params, &st); err != nil {
		return switchStatus{}, err
	}
	return st, nil
}

// rpc calls a Gen2 RPC method with GET and decodes the JSON result into
// out when out is non-nil.
func (s *Shelly) rpc(ctx context.Context, ip, method string, params url.Values, out any) error {
	u := url.URL{Scheme: "http", Host: ip, Path: "/rpc/" + method, RawQuery: params.Encode()}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return err
	}
	req.Header.Set("Accept", "application/json")
	resp, err := s.client.Do(req)
	if err != nil {
		return fmt.Errorf("%w: shelly %s %s: %w", models.ErrDeviceUnreachable, ip, method, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("%w: shelly %s %s: http %d", models.ErrDeviceUnreachable, ip, method, resp.StatusCode)
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("%w: shelly %s %s: decode: %w", models.ErrDeviceUnreachable, ip, method, err)
	}
	return nil
}

// signalLevel maps RSSI in dBm onto a 0-3 bar scale.
func signalLevel(rssi int) int {
	switch {
	case rssi >= -55:
		return 3
	case rssi >= -67:
		return 2
	case rssi >= -80:
		return 1
	default:
		return 0
	}
}
