package server

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"

	log "github.com/sirupsen/logrus"

	"github.com/wesm/spendtrace/internal/query"
	"github.com/wesm/spendtrace/internal/store"
)

// writeJSON writes v as JSON with the given HTTP status code.
// Logs a warning if JSON encoding fails.
func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.WithError(err).Warn("writeJSON: encoding response")
	}
}

// writeError writes a JSON error response with the given status
// and message.
func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, jsonError{Error: msg})
}

// handleContextError reports whether err came from the request
// context. A client that went away gets no response; an expired
// query deadline gets the same 503 body as the write timeout.
func handleContextError(w http.ResponseWriter, err error) bool {
	switch {
	case errors.Is(err, context.Canceled):
		return true
	case errors.Is(err, context.DeadlineExceeded):
		writeError(w, http.StatusServiceUnavailable, "request timed out")
		return true
	}
	return false
}

// writeQueryError maps a query service error to a status code.
func (s *Server) writeQueryError(
	w http.ResponseWriter, r *http.Request, err error,
) {
	if handleContextError(w, err) {
		return
	}
	switch {
	case errors.Is(err, query.ErrInvalidFilter),
		errors.Is(err, query.ErrInvalidWindow),
		errors.Is(err, query.ErrInvalidParam):
		writeError(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, query.ErrNotFound):
		writeError(w, http.StatusNotFound, err.Error())
	case errors.Is(err, store.ErrUnavailable):
		s.log.WithError(err).WithField("path", r.URL.Path).
			Warn("store unavailable")
		writeError(w, http.StatusServiceUnavailable, "database unavailable")
	default:
		s.log.WithError(err).WithField("path", r.URL.Path).
			Error("query failed")
		writeError(w, http.StatusInternalServerError, "internal server error")
	}
}
