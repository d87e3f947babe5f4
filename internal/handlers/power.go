package handlers

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/tphummel/lab_power/internal/models"
	"github.com/tphummel/lab_power/internal/power"
)

// operationResult is the terminal payload of a power operation.
type operationResult struct {
	ID string `json:"id"`
	models.Result
}

// PowerOn handles POST /api/v1/servers/{name}/power/on.
func (h *Handler) PowerOn(w http.ResponseWriter, r *http.Request) {
	h.powerAction(w, r, h.Power.PowerOn)
}

// PowerOff handles POST /api/v1/servers/{name}/power/off.
func (h *Handler) PowerOff(w http.ResponseWriter, r *http.Request) {
	h.powerAction(w, r, h.Power.PowerOff)
}

// powerAction starts an operation and streams its progress as server-sent
// events, or waits and answers with the result when the client asks for
// JSON. A client that disconnects stops delivery; the operation itself
// always runs to completion.
func (h *Handler) powerAction(w http.ResponseWriter, r *http.Request, start func(context.Context, string) (*power.Operation, error)) {
	op, err := start(r.Context(), r.PathValue("name"))
	if err != nil {
		h.fail(w, err)
		return
	}
	w.Header().Set("X-Operation-ID", op.ID)

	// Operations run for minutes; lift the server's write timeout.
	rc := http.NewResponseController(w)
	_ = rc.SetWriteDeadline(time.Time{})

	if strings.Contains(r.Header.Get("Accept"), "application/json") {
		op.Detach()
		select {
		case <-op.Done():
			writeJSON(w, http.StatusOK, operationResult{ID: op.ID, Result: op.Wait()})
		case <-r.Context().Done():
		}
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)
	_ = rc.Flush()

	interval := h.KeepAlive
	if interval <= 0 {
		interval = 15 * time.Second
	}
	keepalive := time.NewTicker(interval)
	defer keepalive.Stop()

	for {
		select {
		case ev, ok := <-op.Events():
			if !ok {
				return
			}
			if err := writeEvent(w, op.ID, ev); err != nil {
				op.Detach()
				return
			}
			_ = rc.Flush()
		case <-keepalive.C:
			if _, err := io.WriteString(w, ": keepalive\n\n"); err != nil {
				op.Detach()
				return
			}
			_ = rc.Flush()
		case <-r.Context().Done():
			op.Detach()
			return
		}
	}
}

// writeEvent renders one event in text/event-stream framing. Log lines
// carry {"message": ...}; the terminal event carries the full result.
func writeEvent(w io.Writer, id string, ev power.Event) error {
	var payload any = map[string]string{"message": ev.Message}
	if ev.Result != nil {
		payload = operationResult{ID: id, Result: *ev.Result}
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	_, err = fmt.Fprintf(w, "event: %s\ndata: %s\n\n", ev.Kind, data)
	return err
}
