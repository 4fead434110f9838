package api

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/peterje/popper/internal/models"
	ptymgr "github.com/peterje/popper/internal/pty"
)

func WriteJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func WriteError(w http.ResponseWriter, status int, msg string) {
	WriteJSON(w, status, models.ErrorResponse{Error: msg})
}

// StatusFor maps a manager error to an HTTP status.
func StatusFor(err error) int {
	switch {
	case errors.Is(err, ptymgr.ErrSessionNotFound):
		return http.StatusNotFound
	case errors.Is(err, ptymgr.ErrSidecarNotFound):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}
