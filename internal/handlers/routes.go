package handlers

import (
	"net/http"
	"strings"

	"github.com/tphummel/lab_power/internal/metrics"
	"github.com/tphummel/lab_power/internal/middleware"
)

// Routes builds the API mux. Everything under /api/v1 requires the Bearer
// token and, when limiter is non-nil, is rate limited per client.
func (h *Handler) Routes(token string, limiter *middleware.RateLimiter) *http.ServeMux {
	mux := http.NewServeMux()

	route := func(pattern string, hf http.HandlerFunc, protected bool) {
		var next http.Handler = hf
		if protected {
			next = middleware.Auth(token, next)
			if limiter != nil {
				next = limiter.Middleware(next)
			}
		}
		_, path, _ := strings.Cut(pattern, " ")
		mux.Handle(pattern, metrics.Middleware(path, next))
	}
	public := func(pattern string, hf http.HandlerFunc) { route(pattern, hf, false) }
	api := func(pattern string, hf http.HandlerFunc) { route(pattern, hf, true) }

	// Health check, metrics and docs: no auth
	public("GET /healthz", h.Health)
	mux.Handle("GET /metrics", metrics.Handler())
	public("GET /openapi.yaml", OpenAPISpec)
	public("GET /docs", Docs)

	api("GET /api/v1/status", h.GetStatus)

	api("GET /api/v1/plugs", h.ListPlugs)
	api("POST /api/v1/plugs", h.CreatePlug)
	api("GET /api/v1/plugs/{name}", h.GetPlug)
	api("PUT /api/v1/plugs/{name}", h.UpdatePlug)
	api("DELETE /api/v1/plugs/{name}", h.DeletePlug)
	api("GET /api/v1/plugs/{name}/status", h.PlugStatus)
	api("POST /api/v1/plugs/{name}/on", h.PlugOn)
	api("POST /api/v1/plugs/{name}/off", h.PlugOff)

	api("GET /api/v1/servers", h.ListServers)
	api("POST /api/v1/servers", h.CreateServer)
	api("GET /api/v1/servers/{name}", h.GetServer)
	api("PUT /api/v1/servers/{name}", h.UpdateServer)
	api("DELETE /api/v1/servers/{name}", h.DeleteServer)
	api("POST /api/v1/servers/{name}/power/on", h.PowerOn)
	api("POST /api/v1/servers/{name}/power/off", h.PowerOff)

	api("GET /api/v1/operations", h.ListOperations)
	api("GET /api/v1/operations/{id}", h.GetOperation)

	api("GET /api/v1/settings/electricity-price", h.GetElectricityPrice)
	api("PUT /api/v1/settings/electricity-price", h.SetElectricityPrice)
	api("POST /api/v1/config/reload", h.ReloadConfig)
	api("GET /api/v1/ssh-healthcheck", h.SSHHealthcheck)

	return mux
}
