package flow

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/nerrad567/gray-logic-gira/internal/bridges/gira"
)

// SubscriptionHost manages event subscribers. Satisfied by *gira.Session.
type SubscriptionHost interface {
	AddSubscriber(sub gira.Subscriber) error
	RemoveSubscriber(sub gira.Subscriber) error
}

// EventNode emits every webhook delivery of its session as a message.
// It implements gira.Subscriber and gira.StatusObserver.
type EventNode struct {
	id   string
	host SubscriptionHost
	out  Output
}

// NewEventNode creates an unattached event node.
func NewEventNode(id string, host SubscriptionHost, out Output) (*EventNode, error) {
	if id == "" {
		return nil, fmt.Errorf("%w: node id is required", gira.ErrConfiguration)
	}
	if host == nil || out == nil {
		return nil, fmt.Errorf("%w: node %s needs a session and an output", gira.ErrConfiguration, id)
	}
	return &EventNode{id: id, host: host, out: out}, nil
}

// Attach subscribes the node. It removes any earlier registration of the
// same ID first, so attaching on every deploy is safe.
func (n *EventNode) Attach() error {
	if err := n.host.RemoveSubscriber(n); err != nil {
		return err
	}
	return n.host.AddSubscriber(n)
}

// Detach unsubscribes the node. Detaching twice is a no-op.
func (n *EventNode) Detach() error {
	return n.host.RemoveSubscriber(n)
}

// SubscriberID implements gira.Subscriber.
func (n *EventNode) SubscriberID() string {
	return n.id
}

// ReceiveEvent implements gira.Subscriber. The payload is emitted as-is.
func (n *EventNode) ReceiveEvent(_ context.Context, payload json.RawMessage) error {
	if err := n.out.Send(n.id, NewMessage("", payload)); err != nil {
		n.out.Status(n.id, StatusError)
		return err
	}
	n.out.Status(n.id, StatusClear)
	return nil
}

// ConnectionChanged implements gira.StatusObserver.
func (n *EventNode) ConnectionChanged(connected bool) {
	if connected {
		n.out.Status(n.id, StatusConnected)
		return
	}
	n.out.Status(n.id, StatusDisconnected)
}
