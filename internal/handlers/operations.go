package handlers

import (
	"database/sql"
	"errors"
	"net/http"
	"strconv"
)

// ListOperations handles GET /api/v1/operations with optional ?server=
// and ?limit= filters.
func (h *Handler) ListOperations(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	limit := 0
	if s := q.Get("limit"); s != "" {
		n, err := strconv.Atoi(s)
		if err != nil || n < 1 || n > 1000 {
			writeError(w, http.StatusBadRequest, "limit must be between 1 and 1000")
			return
		}
		limit = n
	}
	ops, err := h.DB.ListOperations(r.Context(), q.Get("server"), limit)
	if err != nil {
		h.fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, ops)
}

// GetOperation handles GET /api/v1/operations/{id}.
func (h *Handler) GetOperation(w http.ResponseWriter, r *http.Request) {
	op, err := h.DB.GetOperation(r.Context(), r.PathValue("id"))
	if errors.Is(err, sql.ErrNoRows) {
		writeError(w, http.StatusNotFound, "operation not found")
		return
	}
	if err != nil {
		h.fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, op)
}
