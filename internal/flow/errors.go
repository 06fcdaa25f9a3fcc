package flow

import "errors"

// Domain errors for the flow package.
var (
	// ErrInvalidPayload is returned when a set payload has an unusable shape.
	ErrInvalidPayload = errors.New("flow: invalid payload")

	// ErrUnknownNodeType is returned by Deploy for an unsupported node type.
	ErrUnknownNodeType = errors.New("flow: unknown node type")

	// ErrUnknownHost is returned by Deploy when a node names no known session.
	ErrUnknownHost = errors.New("flow: unknown gira host")

	// ErrRuntimeStopped is returned by Deploy after Close.
	ErrRuntimeStopped = errors.New("flow: runtime stopped")
)
