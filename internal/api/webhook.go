package api

import (
	"errors"
	"io"
	"net/http"

	"github.com/go-chi/chi/v5"
)

// handleGiraCallback accepts a device webhook delivery.
//
// The status comes from the session router: 200 accepted, 400 malformed
// body, 401 token mismatch, 404 unknown session, 503 session closed.
func (s *Server) handleGiraCallback(w http.ResponseWriter, r *http.Request) {
	sessionID := chi.URLParam(r, "sessionID")

	body, err := io.ReadAll(r.Body)
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			writeError(w, http.StatusRequestEntityTooLarge, ErrCodeBadRequest, "webhook body too large")
			return
		}
		writeBadRequest(w, "reading webhook body failed")
		return
	}

	status := s.sessions.HandleWebhook(r.Context(), sessionID, body)
	switch status {
	case http.StatusOK:
		w.WriteHeader(http.StatusOK)
	case http.StatusBadRequest:
		writeBadRequest(w, "malformed webhook body")
	case http.StatusUnauthorized:
		writeError(w, http.StatusUnauthorized, ErrCodeUnauthorized, "token mismatch")
	case http.StatusNotFound:
		writeNotFound(w, "unknown session")
	case http.StatusServiceUnavailable:
		writeUnavailable(w, "session closed")
	default:
		w.WriteHeader(status)
	}
}
