package api

import (
	"encoding/json"
	"errors"
	"net/http"

	"bluelight/core"
	"bluelight/storage"
)

// errorResponse is the uniform error body.
type errorResponse struct {
	Error  string            `json:"error"`
	Fields map[string]string `json:"fields,omitempty"`
}

// writeJSON renders a JSON response with the given status.
func (a *API) writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if v == nil {
		return
	}
	if err := json.NewEncoder(w).Encode(v); err != nil {
		a.logger.Errorf("Failed to encode response: %v", err)
	}
}

// writeError maps domain errors onto HTTP statuses: not-found sentinels to
// 404, validation failures to 400 with per-field messages, lifecycle and
// uniqueness conflicts to 409, everything else to 500.
func (a *API) writeError(w http.ResponseWriter, err error) {
	var verr *core.ValidationError
	switch {
	case errors.As(err, &verr):
		a.writeJSON(w, http.StatusBadRequest, errorResponse{Error: verr.Error(), Fields: verr.Fields})
	case errors.Is(err, storage.ErrRuleNotFound),
		errors.Is(err, storage.ErrAlertNotFound),
		errors.Is(err, storage.ErrNotificationNotFound),
		errors.Is(err, core.ErrAlertNotFound):
		a.writeJSON(w, http.StatusNotFound, errorResponse{Error: err.Error()})
	case errors.Is(err, core.ErrInvalidTransition),
		errors.Is(err, storage.ErrDuplicateRule),
		errors.Is(err, storage.ErrDuplicateAlert):
		a.writeJSON(w, http.StatusConflict, errorResponse{Error: err.Error()})
	default:
		a.logger.Errorf("Request failed: %v", err)
		a.writeJSON(w, http.StatusInternalServerError, errorResponse{Error: "internal server error"})
	}
}

// decodeBody parses a JSON request body into dest with a size cap.
func (a *API) decodeBody(w http.ResponseWriter, r *http.Request, dest interface{}) bool {
	r.Body = http.MaxBytesReader(w, r.Body, 1<<20)
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(dest); err != nil {
		a.writeJSON(w, http.StatusBadRequest, errorResponse{Error: "invalid request body: " + err.Error()})
		return false
	}
	return true
}
