package models

import (
	"regexp"
	"strings"
	"time"
)

// Plug is a network-controlled power outlet with energy metering.
type Plug struct {
	Name string `json:"name"`
	IP   string `json:"ip"`
}

// Server is a physical machine powered through a Plug. MAC and Plug are
// optional: without a Plug no power action is possible, without a MAC the
// Wake-on-LAN fallback is unavailable.
type Server struct {
	Name     string `json:"name"`
	Hostname string `json:"hostname"`
	MAC      string `json:"mac"`
	Plug     string `json:"plug"`
}

// ServerPatch carries a partial update. Nil fields are left unchanged; an
// empty Plug or MAC clears the reference.
type ServerPatch struct {
	Hostname *string `json:"hostname,omitempty"`
	MAC      *string `json:"mac,omitempty"`
	Plug     *string `json:"plug,omitempty"`
}

// LivenessState is the last observed online/offline value for a server.
// UptimeStart is non-nil exactly when Online is true.
type LivenessState struct {
	Online      bool       `json:"online"`
	LastChange  time.Time  `json:"last_change"`
	UptimeStart *time.Time `json:"uptime_start"`
}

// Settings holds fleet-wide values that only feed derived figures.
type Settings struct {
	ElectricityPrice float64 `json:"electricity_price"`
}

// Action names a power operation.
type Action string

const (
	ActionPowerOn  Action = "power_on"
	ActionPowerOff Action = "power_off"
)

// Result is the terminal outcome of a power operation.
type Result struct {
	Success bool     `json:"success"`
	Message string   `json:"message"`
	Logs    []string `json:"logs"`
}

// OperationRecord is a completed power operation as kept in the history.
type OperationRecord struct {
	ID         string    `json:"id"`
	Server     string    `json:"server"`
	Action     Action    `json:"action"`
	Success    bool      `json:"success"`
	Message    string    `json:"message"`
	Logs       []string  `json:"logs"`
	StartedAt  time.Time `json:"started_at"`
	FinishedAt time.Time `json:"finished_at"`
}

// namePattern matches plug and server identity keys.
var namePattern = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9_-]{0,62}$`)

// ValidName reports whether s is usable as a plug or server name.
func ValidName(s string) bool {
	return namePattern.MatchString(s)
}

// NormalizeMAC upper-cases a MAC address and uses ':' separators.
func NormalizeMAC(mac string) string {
	mac = strings.TrimSpace(mac)
	return strings.ToUpper(strings.ReplaceAll(mac, "-", ":"))
}
