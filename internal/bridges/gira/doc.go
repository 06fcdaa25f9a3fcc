// Package gira connects Gray Logic to Gira X1 and HomeServer devices over
// their REST API (v2).
//
// # Architecture
//
// The package has three layers:
//
//	┌──────────────┐  Do / Subscribe  ┌──────────────┐   HTTPS   ┌──────────┐
//	│  flow nodes  │◄────────────────►│   Session    │◄─────────►│  device  │
//	└──────────────┘                  └──────────────┘           └──────────┘
//	                                         ▲
//	                       webhook POST      │ Router.HandleWebhook
//	                                  ┌──────┴───────┐
//	                                  │  HTTP server │
//	                                  └──────────────┘
//
//   - Client issues single requests: register/unregister a client, register
//     callbacks, read and write values, fetch the UI configuration.
//   - Session owns one device connection: it registers a client, keeps the
//     token, retries while the device is unreachable and registers the
//     webhook callbacks only while subscribers exist.
//   - Router validates incoming webhook deliveries against the session's
//     token and fans them out to subscribers.
//
// # Tokens
//
// The device issues a token per registered client. It authorises every
// value call and appears in every webhook delivery. Tokens are never logged
// in full and are removed from webhook bodies before subscribers see them.
//
// # Errors
//
// Client errors match ErrNetwork, ErrAuth, ErrAPI or ErrProtocol via
// errors.Is. Session.Do fails with ErrNotConnected while no token is held.
//
// # Thread Safety
//
// All exported types are safe for concurrent use from multiple goroutines.
package gira
