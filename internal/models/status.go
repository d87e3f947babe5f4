package models

import "time"

// Snapshot is a point-in-time view of the whole fleet.
type Snapshot struct {
	Summary   Summary        `json:"summary"`
	Servers   []ServerStatus `json:"servers"`
	Plugs     []PlugStatus   `json:"plugs"`
	Timestamp time.Time      `json:"timestamp"`
}

// Summary is derived from the servers and plugs of the same snapshot.
type Summary struct {
	ServersOnline int     `json:"servers_online"`
	ServersTotal  int     `json:"servers_total"`
	PlugsOnline   int     `json:"plugs_online"`
	PlugsOn       int     `json:"plugs_on"`
	PlugsTotal    int     `json:"plugs_total"`
	TotalPower    float64 `json:"total_power"`
}

// PlugStatus reports one outlet. When Online is false only Name, IP and
// Error are meaningful.
type PlugStatus struct {
	Name               string  `json:"name"`
	IP                 string  `json:"ip"`
	Online             bool    `json:"online"`
	State              string  `json:"state,omitempty"`
	SignalLevel        int     `json:"signal_level,omitempty"`
	CurrentPower       float64 `json:"current_power"`
	CurrentCostPerHour float64 `json:"current_cost_per_hour"`
	TodayEnergy        float64 `json:"today_energy"`
	TodayCost          float64 `json:"today_cost"`
	TodayRuntime       float64 `json:"today_runtime"`
	MonthEnergy        float64 `json:"month_energy"`
	MonthCost          float64 `json:"month_cost"`
	MonthRuntime       float64 `json:"month_runtime"`
	Error              string  `json:"error,omitempty"`
}

// ServerStatus reports one server. Power is present only when the
// server's plug could be read.
type ServerStatus struct {
	Name        string       `json:"name"`
	Hostname    string       `json:"hostname"`
	MAC         string       `json:"mac"`
	Plug        string       `json:"plug"`
	Online      bool         `json:"online"`
	IP          string       `json:"ip"`
	Uptime      string       `json:"uptime,omitempty"`
	Downtime    string       `json:"downtime,omitempty"`
	UptimeStart *time.Time   `json:"uptime_start,omitempty"`
	Power       *ServerPower `json:"power,omitempty"`
}

// ServerPower is the cost-adjusted slice of a plug's telemetry embedded in
// a ServerStatus.
type ServerPower struct {
	Current            float64 `json:"current"`
	CurrentCostPerHour float64 `json:"current_cost_per_hour"`
	TodayEnergy        float64 `json:"today_energy"`
	TodayCost          float64 `json:"today_cost"`
	MonthEnergy        float64 `json:"month_energy"`
	MonthCost          float64 `json:"month_cost"`
}
