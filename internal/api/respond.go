package api

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/weightstock/ledger/internal/model"
)

// errorResponse is the JSON body of every error. Shortfall details are set
// only for insufficient funds or shares.
type errorResponse struct {
	Error     string        `json:"error"`
	Required  *model.Amount `json:"required,omitempty"`
	Available *model.Amount `json:"available,omitempty"`
	Requested *int64        `json:"requested,omitempty"`
	Held      *int64        `json:"held,omitempty"`
}

// writeError writes a JSON error response.
func writeError(w http.ResponseWriter, message string, status int) {
	writeJSON(w, status, errorResponse{Error: message})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Error("encode response failed", "err", err)
	}
}

// writeServiceError maps the ledger error taxonomy to HTTP statuses.
// Unclassified errors are logged and reported as 500 without details.
func writeServiceError(w http.ResponseWriter, r *http.Request, err error) {
	var (
		funds  *model.InsufficientFundsError
		shares *model.InsufficientSharesError
	)
	switch {
	case errors.As(err, &funds):
		required, available := model.NewAmount(funds.Required), model.NewAmount(funds.Available)
		writeJSON(w, http.StatusUnprocessableEntity, errorResponse{
			Error:     funds.Error(),
			Required:  &required,
			Available: &available,
		})
	case errors.As(err, &shares):
		writeJSON(w, http.StatusUnprocessableEntity, errorResponse{
			Error:     shares.Error(),
			Requested: &shares.Requested,
			Held:      &shares.Held,
		})
	case errors.Is(err, model.ErrValidation):
		writeError(w, err.Error(), http.StatusBadRequest)
	case errors.Is(err, model.ErrNotFound):
		writeError(w, err.Error(), http.StatusNotFound)
	case errors.Is(err, model.ErrConflict):
		writeError(w, err.Error(), http.StatusConflict)
	default:
		slog.Error("request failed",
			"method", r.Method,
			"path", r.URL.Path,
			"err", err,
		)
		writeError(w, "internal error", http.StatusInternalServerError)
	}
}

// decodeJSON reads a JSON request body, rejecting unknown fields.
func decodeJSON(w http.ResponseWriter, r *http.Request, v any) bool {
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		writeError(w, "invalid request body", http.StatusBadRequest)
		return false
	}
	return true
}

// queryLimit parses ?limit=. Zero means the store default.
func queryLimit(w http.ResponseWriter, r *http.Request) (int, bool) {
	raw := r.URL.Query().Get("limit")
	if raw == "" {
		return 0, true
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n < 0 {
		writeError(w, "limit must be a non-negative integer", http.StatusBadRequest)
		return 0, false
	}
	return n, true
}
