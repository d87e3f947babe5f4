package handlers

import (
	"net/http"
	"sync"
	"time"

	"github.com/tphummel/lab_power/internal/models"
)

type serverRequest struct {
	Name     string `json:"name" validate:"required,labname"`
	Hostname string `json:"hostname" validate:"required,ip|hostname_rfc1123"`
	MAC      string `json:"mac" validate:"omitempty,mac48"`
	Plug     string `json:"plug" validate:"omitempty,labname"`
}

// serverView is a configured server with its live address and reachability.
type serverView struct {
	models.Server
	IP     string `json:"ip"`
	Online bool   `json:"online"`
}

const viewPingTimeout = time.Second

func (h *Handler) view(r *http.Request, s models.Server) serverView {
	return serverView{
		Server: s,
		IP:     h.Host.ResolveIP(r.Context(), s.Hostname),
		Online: h.Host.Ping(r.Context(), s.Hostname, viewPingTimeout),
	}
}

// ListServers handles GET /api/v1/servers.
func (h *Handler) ListServers(w http.ResponseWriter, r *http.Request) {
	servers := h.Store.ListServers()
	views := make([]serverView, len(servers))
	var wg sync.WaitGroup
	for i, s := range servers {
		wg.Add(1)
		go func() {
			defer wg.Done()
			views[i] = h.view(r, s)
		}()
	}
	wg.Wait()
	writeJSON(w, http.StatusOK, views)
}

// CreateServer handles POST /api/v1/servers.
func (h *Handler) CreateServer(w http.ResponseWriter, r *http.Request) {
	var req serverRequest
	if !decode(w, r, &req) {
		return
	}
	s := models.Server{Name: req.Name, Hostname: req.Hostname, MAC: req.MAC, Plug: req.Plug}
	if err := h.Store.AddServer(s); err != nil {
		h.fail(w, err)
		return
	}
	created, err := h.Store.GetServer(s.Name)
	if err != nil {
		h.fail(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, created)
}

// GetServer handles GET /api/v1/servers/{name}.
func (h *Handler) GetServer(w http.ResponseWriter, r *http.Request) {
	s, err := h.Store.GetServer(r.PathValue("name"))
	if err != nil {
		h.fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, h.view(r, s))
}

// UpdateServer handles PUT /api/v1/servers/{name}. Absent fields are left
// unchanged; an empty mac or plug clears it.
func (h *Handler) UpdateServer(w http.ResponseWriter, r *http.Request) {
	var patch models.ServerPatch
	if !decode(w, r, &patch) {
		return
	}
	checks := []struct {
		field string
		val   *string
		tag   string
	}{
		{"hostname", patch.Hostname, "required,ip|hostname_rfc1123"},
		{"mac", patch.MAC, "omitempty,mac48"},
		{"plug", patch.Plug, "omitempty,labname"},
	}
	for _, c := range checks {
		if c.val == nil {
			continue
		}
		if err := validate.Var(*c.val, c.tag); err != nil {
			writeError(w, http.StatusBadRequest, "invalid "+c.field)
			return
		}
	}

	s, err := h.Store.UpdateServer(r.PathValue("name"), patch)
	if err != nil {
		h.fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, s)
}

// DeleteServer handles DELETE /api/v1/servers/{name}.
func (h *Handler) DeleteServer(w http.ResponseWriter, r *http.Request) {
	if err := h.Store.RemoveServer(r.PathValue("name")); err != nil {
		h.fail(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
