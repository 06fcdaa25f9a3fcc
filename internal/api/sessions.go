package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/nerrad567/gray-logic-gira/internal/bridges/gira"
)

// UIConfigSummary describes the mirrored UI configuration without the raw
// document.
type UIConfigSummary struct {
	UID        string          `json:"uid"`
	Functions  []gira.Function `json:"functions"`
	DataPoints int             `json:"data_points"`
}

func (s *Server) handleListSessions(w http.ResponseWriter, _ *http.Request) {
	sessions := s.sessions.Sessions()
	snaps := make([]gira.Snapshot, 0, len(sessions))
	for _, sess := range sessions {
		snaps = append(snaps, sess.Snapshot())
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"sessions": snaps,
		"count":    len(snaps),
	})
}

func (s *Server) handleGetSession(w http.ResponseWriter, r *http.Request) {
	sess, ok := s.sessions.Session(chi.URLParam(r, "id"))
	if !ok {
		writeNotFound(w, "session not found")
		return
	}
	writeJSON(w, http.StatusOK, sess.Snapshot())
}

// handleGetUIConfig returns the session's UI configuration mirror.
//
// Query parameters:
//   - raw: "true" returns the device document unchanged
func (s *Server) handleGetUIConfig(w http.ResponseWriter, r *http.Request) {
	sess, ok := s.sessions.Session(chi.URLParam(r, "id"))
	if !ok {
		writeNotFound(w, "session not found")
		return
	}
	cfg := sess.UIConfig()
	if cfg == nil {
		writeUnavailable(w, "uiconfig not fetched yet")
		return
	}

	if r.URL.Query().Get("raw") == "true" {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		w.Write(cfg.Raw) //nolint:errcheck // Best-effort write to response
		return
	}

	functions := cfg.Functions
	if functions == nil {
		functions = []gira.Function{}
	}
	writeJSON(w, http.StatusOK, UIConfigSummary{
		UID:        cfg.UID,
		Functions:  functions,
		DataPoints: cfg.DataPointCount(),
	})
}
