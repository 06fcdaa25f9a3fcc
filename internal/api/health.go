package api

import (
	"context"
	"net/http"
	"runtime"
	"sort"
	"time"
)

// healthCheckTimeout bounds all component checks of one health request.
const healthCheckTimeout = 3 * time.Second

// HealthResponse is returned by /api/v1/health.
type HealthResponse struct {
	Status     string            `json:"status"` // "ok" or "degraded"
	Version    string            `json:"version"`
	Components map[string]string `json:"components,omitempty"`
	Sessions   SessionCounts     `json:"sessions"`
}

// SessionCounts summarises session connectivity.
type SessionCounts struct {
	Total     int `json:"total"`
	Connected int `json:"connected"`
}

// SystemMetrics is returned by /api/v1/metrics.
type SystemMetrics struct {
	Timestamp     string         `json:"timestamp"`
	Version       string         `json:"version"`
	UptimeSeconds int64          `json:"uptime_seconds"`
	Runtime       RuntimeMetrics `json:"runtime"`
	WebSocket     WSMetrics      `json:"websocket"`
	Sessions      SessionCounts  `json:"sessions"`
}

// RuntimeMetrics contains Go runtime statistics.
type RuntimeMetrics struct {
	Goroutines    int     `json:"goroutines"`
	MemoryAllocMB float64 `json:"memory_alloc_mb"`
	NumGC         uint32  `json:"num_gc"`
}

// WSMetrics contains WebSocket hub statistics.
type WSMetrics struct {
	ConnectedClients int `json:"connected_clients"`
}

// handleHealth reports component health. The response is always 200 so
// the endpoint doubles as a liveness probe; "degraded" names the failures.
// Sessions that are still retrying do not degrade the status.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), healthCheckTimeout)
	defer cancel()

	resp := HealthResponse{
		Status:   "ok",
		Version:  s.version,
		Sessions: s.sessionCounts(),
	}

	if len(s.health) > 0 {
		names := make([]string, 0, len(s.health))
		for name := range s.health {
			names = append(names, name)
		}
		sort.Strings(names)

		resp.Components = make(map[string]string, len(names))
		for _, name := range names {
			if err := s.health[name].HealthCheck(ctx); err != nil {
				resp.Components[name] = err.Error()
				resp.Status = "degraded"
				continue
			}
			resp.Components[name] = "ok"
		}
	}

	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleMetrics(w http.ResponseWriter, _ *http.Request) {
	var mem runtime.MemStats
	runtime.ReadMemStats(&mem)

	const bytesPerMB = 1024 * 1024
	clients := 0
	if s.hub != nil {
		clients = s.hub.ClientCount()
	}

	writeJSON(w, http.StatusOK, SystemMetrics{
		Timestamp:     time.Now().UTC().Format(time.RFC3339),
		Version:       s.version,
		UptimeSeconds: int64(time.Since(s.started).Seconds()),
		Runtime: RuntimeMetrics{
			Goroutines:    runtime.NumGoroutine(),
			MemoryAllocMB: float64(mem.Alloc) / bytesPerMB,
			NumGC:         mem.NumGC,
		},
		WebSocket: WSMetrics{ConnectedClients: clients},
		Sessions:  s.sessionCounts(),
	})
}

func (s *Server) sessionCounts() SessionCounts {
	sessions := s.sessions.Sessions()
	counts := SessionCounts{Total: len(sessions)}
	for _, sess := range sessions {
		if sess.IsConnected() {
			counts.Connected++
		}
	}
	return counts
}
