package flow

import (
	"encoding/json"

	"github.com/google/uuid"
)

// Message is a flow-graph message.
type Message struct {
	ID      string          `json:"id"`
	Topic   string          `json:"topic,omitempty"`
	Payload json.RawMessage `json:"payload"`
}

// NewMessage creates a message with a fresh ID.
func NewMessage(topic string, payload json.RawMessage) Message {
	return Message{
		ID:      uuid.NewString(),
		Topic:   topic,
		Payload: payload,
	}
}

// ErrorReport is published on a node's error topic.
type ErrorReport struct {
	Error   string  `json:"error"`
	Message Message `json:"message"`
}

// Status is a node's indicator as shown in an editor.
// The zero value clears the indicator.
type Status struct {
	Fill  string `json:"fill,omitempty"`
	Shape string `json:"shape,omitempty"`
	Text  string `json:"text,omitempty"`
}

// Status indicators.
var (
	StatusClear        = Status{}
	StatusRequesting   = Status{Fill: "blue", Shape: "dot", Text: "requesting"}
	StatusConnected    = Status{Fill: "green", Shape: "dot", Text: "connected"}
	StatusDisconnected = Status{Fill: "red", Shape: "ring", Text: "disconnected"}
	StatusError        = Status{Fill: "red", Shape: "ring", Text: "error"}
)

// Output receives everything a node emits. The Runtime implements it.
type Output interface {
	// Send emits msg on the node's output.
	Send(nodeID string, msg Message) error

	// Error reports a failed invocation caused by msg.
	Error(nodeID string, msg Message, err error)

	// Status sets the node's indicator.
	Status(nodeID string, st Status)
}
