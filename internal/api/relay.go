package api

import (
	"context"
	"encoding/json"

	"github.com/nerrad567/gray-logic-gira/internal/bridges/gira"
)

// GiraEventMessage is the payload broadcast on the gira.event channel.
type GiraEventMessage struct {
	Session string          `json:"session"`
	Payload json.RawMessage `json:"payload"`
}

// EventRelay is a session subscriber that forwards webhook payloads to the
// hub. The payload never carries the device token.
type EventRelay struct {
	hub       *Hub
	sessionID string
}

// NewEventRelay creates a relay for one session.
func NewEventRelay(hub *Hub, sessionID string) *EventRelay {
	return &EventRelay{hub: hub, sessionID: sessionID}
}

// SubscriberID identifies the relay within its session.
func (r *EventRelay) SubscriberID() string {
	return "websocket:" + r.sessionID
}

// ReceiveEvent broadcasts payload on ChannelGiraEvent.
func (r *EventRelay) ReceiveEvent(_ context.Context, payload json.RawMessage) error {
	r.hub.Broadcast(ChannelGiraEvent, GiraEventMessage{Session: r.sessionID, Payload: payload})
	return nil
}

// BroadcastState publishes a session snapshot on ChannelSessionState. It is
// meant to be installed with Session.SetOnStateChange.
func (h *Hub) BroadcastState(snap gira.Snapshot) {
	h.Broadcast(ChannelSessionState, snap)
}
