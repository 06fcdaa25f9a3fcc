// Package api implements the HTTP server and WebSocket stream of the Gira
// bridge.
//
// This package provides:
//   - the device webhook endpoint POST /gira/callback/{sessionID}
//   - read-only session status, UI configuration and audit endpoints
//   - a WebSocket hub broadcasting session state changes and webhook events
//   - the middleware stack (request ID, logging, recovery, body limit)
//
// # Lifecycle
//
//	server, err := api.New(deps)
//	server.Start(ctx)
//	defer server.Close()
//
// # WebSocket Channels
//
// Clients subscribe by sending
//
//	{"type":"subscribe","id":"1","payload":{"channels":["session.state_changed"]}}
//
// session.state_changed carries a gira.Snapshot; gira.event carries the
// session ID and the webhook payload with its token removed.
//
// Thread Safety: All methods are safe for concurrent use from multiple goroutines.
package api
