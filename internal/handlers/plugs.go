package handlers

import (
	"net/http"

	"github.com/tphummel/lab_power/internal/models"
)

type plugRequest struct {
	Name string `json:"name" validate:"required,labname"`
	IP   string `json:"ip" validate:"required,ip|hostname_port|hostname_rfc1123"`
}

type plugUpdateRequest struct {
	IP string `json:"ip" validate:"required,ip|hostname_port|hostname_rfc1123"`
}

// ListPlugs handles GET /api/v1/plugs.
func (h *Handler) ListPlugs(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.Store.ListPlugs())
}

// CreatePlug handles POST /api/v1/plugs.
func (h *Handler) CreatePlug(w http.ResponseWriter, r *http.Request) {
	var req plugRequest
	if !decode(w, r, &req) {
		return
	}
	p := models.Plug{Name: req.Name, IP: req.IP}
	if err := h.Store.AddPlug(p); err != nil {
		h.fail(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, p)
}

// GetPlug handles GET /api/v1/plugs/{name}.
func (h *Handler) GetPlug(w http.ResponseWriter, r *http.Request) {
	p, err := h.Store.GetPlug(r.PathValue("name"))
	if err != nil {
		h.fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, p)
}

// UpdatePlug handles PUT /api/v1/plugs/{name}. Only the address can change.
func (h *Handler) UpdatePlug(w http.ResponseWriter, r *http.Request) {
	var req plugUpdateRequest
	if !decode(w, r, &req) {
		return
	}
	name := r.PathValue("name")
	if err := h.Store.UpdatePlug(name, req.IP); err != nil {
		h.fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, models.Plug{Name: name, IP: req.IP})
}

// DeletePlug handles DELETE /api/v1/plugs/{name}. Servers that reference
// the plug are left in place.
func (h *Handler) DeletePlug(w http.ResponseWriter, r *http.Request) {
	if err := h.Store.RemovePlug(r.PathValue("name")); err != nil {
		h.fail(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// PlugStatus handles GET /api/v1/plugs/{name}/status.
func (h *Handler) PlugStatus(w http.ResponseWriter, r *http.Request) {
	p, err := h.Store.GetPlug(r.PathValue("name"))
	if err != nil {
		h.fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, h.Status.PlugStatus(r.Context(), p))
}

// PlugOn handles POST /api/v1/plugs/{name}/on.
func (h *Handler) PlugOn(w http.ResponseWriter, r *http.Request) {
	h.switchPlug(w, r, true)
}

// PlugOff handles POST /api/v1/plugs/{name}/off.
func (h *Handler) PlugOff(w http.ResponseWriter, r *http.Request) {
	h.switchPlug(w, r, false)
}

func (h *Handler) switchPlug(w http.ResponseWriter, r *http.Request, on bool) {
	p, err := h.Store.GetPlug(r.PathValue("name"))
	if err != nil {
		h.fail(w, err)
		return
	}
	state := "off"
	switchFn := h.Outlet.TurnOff
	if on {
		state = "on"
		switchFn = h.Outlet.TurnOn
	}
	if err := switchFn(r.Context(), p.IP); err != nil {
		h.fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"name": p.Name, "state": state})
}
