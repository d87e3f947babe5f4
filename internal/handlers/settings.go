package handlers

import (
	"net/http"
	"sync"

	"github.com/tphummel/lab_power/internal/host"
)

type priceRequest struct {
	ElectricityPrice *float64 `json:"electricity_price" validate:"required,gte=0"`
}

// GetElectricityPrice handles GET /api/v1/settings/electricity-price.
func (h *Handler) GetElectricityPrice(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]float64{"electricity_price": h.Store.ElectricityPrice()})
}

// SetElectricityPrice handles PUT /api/v1/settings/electricity-price.
func (h *Handler) SetElectricityPrice(w http.ResponseWriter, r *http.Request) {
	var req priceRequest
	if !decode(w, r, &req) {
		return
	}
	if err := h.Store.SetElectricityPrice(*req.ElectricityPrice); err != nil {
		h.fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]float64{"electricity_price": *req.ElectricityPrice})
}

// ReloadConfig handles POST /api/v1/config/reload.
func (h *Handler) ReloadConfig(w http.ResponseWriter, r *http.Request) {
	if err := h.Store.Reload(); err != nil {
		h.fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"status":  "reloaded",
		"plugs":   len(h.Store.ListPlugs()),
		"servers": len(h.Store.ListServers()),
	})
}

// SSHHealthcheck handles GET /api/v1/ssh-healthcheck. Every server is
// probed concurrently.
func (h *Handler) SSHHealthcheck(w http.ResponseWriter, r *http.Request) {
	servers := h.Store.ListServers()
	results := make([]host.SSHCheck, len(servers))
	var wg sync.WaitGroup
	for i, s := range servers {
		wg.Add(1)
		go func() {
			defer wg.Done()
			res := h.Host.CheckSSH(r.Context(), s.Hostname)
			res.Server = s.Name
			res.Hostname = s.Hostname
			results[i] = res
		}()
	}
	wg.Wait()
	writeJSON(w, http.StatusOK, results)
}

// GetStatus handles GET /api/v1/status.
func (h *Handler) GetStatus(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.Status.GetStatus(r.Context()))
}
