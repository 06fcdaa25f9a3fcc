package gira

import (
	"encoding/json"
	"fmt"
	"strings"
)

// State is the connection state of a Session.
type State int

// Session states.
const (
	// StateDisconnected holds no token. A retry is scheduled unless the
	// session is closed.
	StateDisconnected State = iota

	// StateRegistering is the first client registration in flight.
	StateRegistering

	// StateConnected holds a token accepted by the device.
	StateConnected

	// StateReconnecting is a registration in flight after a token was lost.
	StateReconnecting
)

// String returns the lowercase state name used in logs and the status API.
func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateRegistering:
		return "registering"
	case StateConnected:
		return "connected"
	case StateReconnecting:
		return "reconnecting"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// MarshalText encodes the state by name.
func (s State) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// UnmarshalText decodes a state name produced by MarshalText.
func (s *State) UnmarshalText(text []byte) error {
	for st := StateDisconnected; st <= StateReconnecting; st++ {
		if st.String() == string(text) {
			*s = st
			return nil
		}
	}
	return fmt.Errorf("%w: unknown session state %q", ErrProtocol, text)
}

// Credentials are the basic auth credentials used for client registration.
type Credentials struct {
	Username string
	Password string
}

// DeviceInfo is the answer of the availability check (GET /api/v2/).
type DeviceInfo struct {
	Info          string `json:"info"`
	Version       string `json:"version"`
	DeviceName    string `json:"deviceName"`
	DeviceType    string `json:"deviceType"`
	DeviceVersion string `json:"deviceVersion"`
}

// ValueEntry is one point of a batch write.
type ValueEntry struct {
	UID   string          `json:"uid"`
	Value json.RawMessage `json:"value"`
}

// RequestKind selects the device operation a Request performs.
type RequestKind string

// Request kinds.
const (
	RequestGetValue    RequestKind = "getValue"
	RequestSetValue    RequestKind = "setValue"
	RequestSetValues   RequestKind = "setValues"
	RequestGetUIConfig RequestKind = "getUIConfig"
	RequestGetLicenses RequestKind = "getLicenses"
)

// Request is a device operation issued through Session.Do.
// Build requests with the constructors below; Validate is applied before dispatch.
type Request struct {
	Kind   RequestKind
	UID    string          // GetValue, SetValue
	Value  json.RawMessage // SetValue
	Values []ValueEntry    // SetValues
	Expand []string        // GetUIConfig
}

// GetValue reads a single point.
func GetValue(uid string) Request {
	return Request{Kind: RequestGetValue, UID: uid}
}

// SetValue writes a single point.
func SetValue(uid string, value json.RawMessage) Request {
	return Request{Kind: RequestSetValue, UID: uid, Value: value}
}

// SetValues writes several points. The device does not apply the batch atomically.
func SetValues(entries []ValueEntry) Request {
	return Request{Kind: RequestSetValues, Values: entries}
}

// GetUIConfig fetches the device UI configuration.
func GetUIConfig(expand ...string) Request {
	return Request{Kind: RequestGetUIConfig, Expand: expand}
}

// GetLicenses fetches the device license list.
func GetLicenses() Request {
	return Request{Kind: RequestGetLicenses}
}

// Validate reports whether the request carries the fields its kind needs.
func (r Request) Validate() error {
	switch r.Kind {
	case RequestGetValue:
		if err := checkUID(r.UID); err != nil {
			return err
		}
	case RequestSetValue:
		if err := checkUID(r.UID); err != nil {
			return err
		}
		if len(r.Value) == 0 {
			return fmt.Errorf("%w: value is required", ErrInvalidRequest)
		}
		if !json.Valid(r.Value) {
			return fmt.Errorf("%w: value is not valid JSON", ErrInvalidRequest)
		}
	case RequestSetValues:
		if len(r.Values) == 0 {
			return fmt.Errorf("%w: values must not be empty", ErrInvalidRequest)
		}
		for i, v := range r.Values {
			if v.UID == "" {
				return fmt.Errorf("%w: values[%d].uid is required", ErrInvalidRequest, i)
			}
			if !isPointUID(v.UID) {
				return fmt.Errorf("%w: values[%d].uid %q is not a datapoint id", ErrInvalidRequest, i, v.UID)
			}
			if len(v.Value) == 0 || !json.Valid(v.Value) {
				return fmt.Errorf("%w: values[%d].value is not valid JSON", ErrInvalidRequest, i)
			}
		}
	case RequestGetUIConfig, RequestGetLicenses:
	default:
		return fmt.Errorf("%w: unknown kind %q", ErrInvalidRequest, r.Kind)
	}
	return nil
}

// checkUID rejects uids that are empty or would change the request path.
func checkUID(uid string) error {
	if uid == "" {
		return fmt.Errorf("%w: uid is required", ErrConfiguration)
	}
	if !isPointUID(uid) {
		return fmt.Errorf("%w: uid %q is not a datapoint id", ErrInvalidRequest, uid)
	}
	return nil
}

func isPointUID(uid string) bool {
	return uid != "." && uid != ".." && !strings.ContainsAny(uid, "/\\")
}

// Event is one entry of a webhook delivery.
// Service callbacks set Event; value callbacks set UID and Value.
type Event struct {
	Event string          `json:"event,omitempty"`
	UID   string          `json:"uid,omitempty"`
	Value json.RawMessage `json:"value,omitempty"`
}

// Service event names sent by the device.
const (
	EventTest            = "test"
	EventStartup         = "startup"
	EventRestart         = "restart"
	EventUIConfigChanged = "uiConfigChanged"
	EventProjectChanged  = "projectConfigChanged"
)
