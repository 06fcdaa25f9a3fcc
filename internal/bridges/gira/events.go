package gira

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sort"
	"sync"
)

// Router statuses beyond those a Session returns.
const (
	statusBadRequest = 400
	statusNotFound   = 404
)

// Router maps webhook deliveries to sessions by ID.
//
// Thread Safety: all methods are safe for concurrent use.
type Router struct {
	mu       sync.RWMutex
	sessions map[string]*Session
	logger   Logger
}

// NewRouter creates an empty router. logger may be nil.
func NewRouter(logger Logger) *Router {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &Router{
		sessions: make(map[string]*Session),
		logger:   logger,
	}
}

// Register adds a session. IDs must be unique.
func (r *Router) Register(s *Session) error {
	if s == nil {
		return fmt.Errorf("%w: session is nil", ErrConfiguration)
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.sessions[s.ID()]; exists {
		return fmt.Errorf("%w: session %q already registered", ErrConfiguration, s.ID())
	}
	r.sessions[s.ID()] = s
	return nil
}

// Unregister removes the session with id, if any.
func (r *Router) Unregister(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.sessions, id)
}

// Session returns the session with id.
func (r *Router) Session(id string) (*Session, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.sessions[id]
	return s, ok
}

// Sessions returns all sessions sorted by ID.
func (r *Router) Sessions() []*Session {
	r.mu.RLock()
	out := make([]*Session, 0, len(r.sessions))
	for _, s := range r.sessions {
		out = append(out, s)
	}
	r.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool { return out[i].ID() < out[j].ID() })
	return out
}

// HandleWebhook processes one device delivery and returns the HTTP status
// to answer with.
//
// Parameters:
//   - ctx: Request context
//   - sessionID: The session named by the webhook path
//   - body: Raw request body, a JSON object with "token" and "events"
//
// Returns:
//   - int: 404 for an unknown session, 400 for a malformed body, 401 for a
//     missing or mismatched token, 200 once subscribers have been invoked
func (r *Router) HandleWebhook(ctx context.Context, sessionID string, body []byte) int {
	s, ok := r.Session(sessionID)
	if !ok {
		r.logger.Debug("gira webhook for unknown session", "session", sessionID)
		return statusNotFound
	}

	token, payload, events, err := ParseWebhook(body)
	if err != nil {
		r.logger.Debug("gira webhook body rejected", "session", sessionID, "error", err)
		return statusBadRequest
	}

	return s.HandleWebhook(ctx, token, payload, events)
}

// ParseWebhook splits a delivery into its token, the body without the
// token field and the decoded events.
//
// A missing or non-string token yields "". A missing events field yields
// no events. Every other field is preserved in payload.
func ParseWebhook(body []byte) (token string, payload json.RawMessage, events []Event, err error) {
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(body, &fields); err != nil {
		return "", nil, nil, fmt.Errorf("%w: webhook body: %w", ErrProtocol, err)
	}
	if fields == nil {
		return "", nil, nil, fmt.Errorf("%w: webhook body is not an object", ErrProtocol)
	}

	if raw, ok := fields["token"]; ok {
		_ = json.Unmarshal(raw, &token) //nolint:errcheck // Non-string token is treated as missing
		delete(fields, "token")
	}

	if raw, ok := fields["events"]; ok && string(raw) != "null" {
		if err := json.Unmarshal(raw, &events); err != nil {
			return "", nil, nil, fmt.Errorf("%w: webhook events: %w", ErrProtocol, err)
		}
	}

	payload, err = json.Marshal(fields)
	if err != nil {
		return "", nil, nil, fmt.Errorf("%w: re-encoding webhook: %w", ErrProtocol, err)
	}
	return token, payload, events, nil
}
