package handler

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/estatehub/marketplace-sync/internal/syncerr"
)

// writeJSON writes a JSON response.
func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

// writeError writes a JSON error response.
func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{
		"error": message,
	})
}

// writeSyncError maps a classified synchronizer error onto a status code.
func writeSyncError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	switch syncerr.KindOf(err) {
	case syncerr.KindAuth:
		status = http.StatusUnauthorized
	case syncerr.KindValidation:
		status = http.StatusBadRequest
	case syncerr.KindNotFound:
		status = http.StatusNotFound
	case syncerr.KindNetwork, syncerr.KindChannel:
		status = http.StatusServiceUnavailable
	case syncerr.KindServer:
		status = http.StatusBadGateway
	}

	msg := err.Error()
	var e *syncerr.Error
	if errors.As(err, &e) && e.Message != "" {
		msg = e.Message
	}
	writeError(w, status, msg)
}

// decodeJSON decodes the request body into v.
func decodeJSON(w http.ResponseWriter, r *http.Request, v interface{}) error {
	return json.NewDecoder(http.MaxBytesReader(w, r.Body, 1<<20)).Decode(v)
}
