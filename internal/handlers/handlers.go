package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"reflect"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"

	"github.com/tphummel/lab_power/internal/db"
	"github.com/tphummel/lab_power/internal/host"
	"github.com/tphummel/lab_power/internal/models"
	"github.com/tphummel/lab_power/internal/outlet"
	"github.com/tphummel/lab_power/internal/power"
	"github.com/tphummel/lab_power/internal/status"
	"github.com/tphummel/lab_power/internal/store"
)

// Host is the server-side capability the API uses outside power
// operations.
type Host interface {
	Ping(ctx context.Context, hostname string, timeout time.Duration) bool
	ResolveIP(ctx context.Context, hostname string) string
	CheckSSH(ctx context.Context, hostname string) host.SSHCheck
}

// Handler holds shared dependencies for HTTP handlers.
type Handler struct {
	Store   *store.Store
	DB      *db.DB
	Power   *power.Orchestrator
	Status  *status.Aggregator
	Outlet  outlet.Outlet
	Host    Host
	Logger  *slog.Logger
	Version string
	Commit  string
	// KeepAlive is the idle interval between stream comments (15s when zero).
	KeepAlive time.Duration
}

var validate = newValidator()

func newValidator() *validator.Validate {
	v := validator.New(validator.WithRequiredStructEnabled())
	v.RegisterTagNameFunc(func(f reflect.StructField) string {
		name, _, _ := strings.Cut(f.Tag.Get("json"), ",")
		if name == "-" {
			return ""
		}
		return name
	})
	v.RegisterValidation("labname", func(fl validator.FieldLevel) bool {
		return models.ValidName(fl.Field().String())
	})
	v.RegisterValidation("mac48", func(fl validator.FieldLevel) bool {
		hw, err := net.ParseMAC(fl.Field().String())
		return err == nil && len(hw) == 6
	})
	return v
}

func (h *Handler) logger() *slog.Logger {
	if h.Logger != nil {
		return h.Logger
	}
	return slog.Default()
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Error("failed to encode JSON response", "error", err)
	}
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

// fail maps err onto an HTTP status through the error taxonomy.
func (h *Handler) fail(w http.ResponseWriter, err error) {
	code := http.StatusInternalServerError
	switch {
	case errors.Is(err, models.ErrOperationInProgress), errors.Is(err, models.ErrAlreadyExists):
		code = http.StatusConflict
	case errors.Is(err, models.ErrPreconditionFailed), errors.Is(err, models.ErrInvalidArgument):
		code = http.StatusBadRequest
	case errors.Is(err, models.ErrNotFound):
		code = http.StatusNotFound
	case errors.Is(err, models.ErrDeviceUnreachable):
		code = http.StatusBadGateway
	}
	if code >= http.StatusInternalServerError {
		h.logger().Error("request failed", "error", err)
	}
	writeError(w, code, err.Error())
}

// decode reads a JSON body of at most 64 KiB into v and validates it.
// It writes the error response and returns false on failure.
func decode(w http.ResponseWriter, r *http.Request, v any) bool {
	r.Body = http.MaxBytesReader(w, r.Body, 64*1024)
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		var maxErr *http.MaxBytesError
		if errors.As(err, &maxErr) {
			writeError(w, http.StatusRequestEntityTooLarge, "request body too large")
			return false
		}
		writeError(w, http.StatusBadRequest, "invalid JSON")
		return false
	}
	if err := validate.Struct(v); err != nil {
		writeError(w, http.StatusBadRequest, validationMessage(err))
		return false
	}
	return true
}

func validationMessage(err error) string {
	var ve validator.ValidationErrors
	if !errors.As(err, &ve) {
		return err.Error()
	}
	msgs := make([]string, 0, len(ve))
	for _, fe := range ve {
		if fe.Tag() == "required" {
			msgs = append(msgs, fe.Field()+" is required")
			continue
		}
		msgs = append(msgs, fmt.Sprintf("invalid %s (%s)", fe.Field(), fe.Tag()))
	}
	return strings.Join(msgs, "; ")
}

// Health handles GET /healthz. No auth required.
// Returns 503 if the history database is unreachable.
func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	if err := h.DB.Ping(r.Context()); err != nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{
			"status": "unavailable",
			"error":  err.Error(),
		})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{
		"status":  "ok",
		"version": h.Version,
		"commit":  h.Commit,
		"config":  h.Store.Path(),
	})
}
