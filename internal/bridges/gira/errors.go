package gira

import (
	"errors"
	"fmt"
)

// Domain errors for the Gira package.
// Use errors.Is() to classify; *APIError and *NetworkError carry details.
var (
	// ErrNetwork is matched by transport failures (DNS, refused, timeout, TLS).
	// These are retryable.
	ErrNetwork = errors.New("gira: network error")

	// ErrAuth is matched when the device rejects credentials or a token
	// (HTTP 401/403). A session receiving it drops its token and reconnects.
	ErrAuth = errors.New("gira: authentication rejected")

	// ErrAPI is matched when the device answers with any other non-2xx status.
	ErrAPI = errors.New("gira: device returned an error")

	// ErrProtocol is returned when a 2xx response has an unexpected shape.
	ErrProtocol = errors.New("gira: unexpected response from device")

	// ErrConfiguration is returned when a required identifier or setting is missing.
	ErrConfiguration = errors.New("gira: configuration error")

	// ErrNotConnected is returned by Session.Do while no token is held.
	// No HTTP call is made.
	ErrNotConnected = errors.New("gira: not connected to device")

	// ErrCallbackUnreachable is returned when the device could not reach
	// the webhook URLs while testing them during callback registration.
	ErrCallbackUnreachable = errors.New("gira: device cannot reach callback url")

	// ErrInvalidRequest is returned when a Request fails validation.
	ErrInvalidRequest = errors.New("gira: invalid request")

	// ErrSessionClosed is returned by operations on a closed session.
	ErrSessionClosed = errors.New("gira: session closed")
)

// APIError is a non-2xx answer from the device.
//
// The device reports failures as {"error":{"code":"...","message":"..."}};
// Code and Message are filled when the body has that shape. Body always
// holds the raw response.
type APIError struct {
	StatusCode int
	Body       []byte
	Code       string
	Message    string
}

// Error implements the error interface.
func (e *APIError) Error() string {
	if e.Message != "" {
		return fmt.Sprintf("gira: device returned %d (%s): %s", e.StatusCode, e.Code, e.Message)
	}
	return fmt.Sprintf("gira: device returned %d", e.StatusCode)
}

// Unwrap classifies the error as ErrAuth for 401/403 and ErrAPI otherwise.
func (e *APIError) Unwrap() error {
	if isAuthStatus(e.StatusCode) {
		return ErrAuth
	}
	return ErrAPI
}

// NetworkError is a transport failure talking to the device.
type NetworkError struct {
	Op  string
	URL string
	Err error
}

// Error implements the error interface.
func (e *NetworkError) Error() string {
	return fmt.Sprintf("gira: %s %s: %v", e.Op, e.URL, e.Err)
}

// Unwrap matches ErrNetwork and exposes the underlying cause.
func (e *NetworkError) Unwrap() []error {
	return []error{ErrNetwork, e.Err}
}
