package flow

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
	"unicode/utf8"

	"github.com/nerrad567/gray-logic-gira/internal/bridges/gira"
)

// Pseudo-identifiers a get node resolves to non-value endpoints.
const (
	PseudoUIDLicenses = "licenses"
	PseudoUIDUIConfig = "uiconfig"
)

// topicUIDLength is the character count of a topic that is taken as a point UID.
const topicUIDLength = 4

func isTopicUID(topic string) bool {
	return utf8.RuneCountInString(topic) == topicUIDLength
}

// Mode selects what a ValueNode does.
type Mode string

// Value node modes.
const (
	ModeGet Mode = "get"
	ModeSet Mode = "set"
)

// Requester issues device requests. Satisfied by *gira.Session.
type Requester interface {
	Do(ctx context.Context, req gira.Request) (json.RawMessage, error)
}

// ValueNodeConfig configures a ValueNode.
type ValueNodeConfig struct {
	ID      string
	Mode    Mode
	UID     string // optional static point
	Session Requester
	Output  Output
}

// ValueNode reads or writes points on every inbound message.
type ValueNode struct {
	id      string
	mode    Mode
	uid     string
	session Requester
	out     Output
}

// NewValueNode validates cfg and creates the node.
func NewValueNode(cfg ValueNodeConfig) (*ValueNode, error) {
	if cfg.ID == "" {
		return nil, fmt.Errorf("%w: node id is required", gira.ErrConfiguration)
	}
	if cfg.Mode != ModeGet && cfg.Mode != ModeSet {
		return nil, fmt.Errorf("%w: mode %q", ErrUnknownNodeType, cfg.Mode)
	}
	if cfg.Session == nil || cfg.Output == nil {
		return nil, fmt.Errorf("%w: node %s needs a session and an output", gira.ErrConfiguration, cfg.ID)
	}
	return &ValueNode{
		id:      cfg.ID,
		mode:    cfg.Mode,
		uid:     cfg.UID,
		session: cfg.Session,
		out:     cfg.Output,
	}, nil
}

// ID returns the node ID.
func (n *ValueNode) ID() string {
	return n.id
}

// Mode returns the node mode.
func (n *ValueNode) Mode() Mode {
	return n.mode
}

// Handle processes one inbound message.
//
// On success the response body is emitted as the payload of a message
// keeping msg's ID and topic. On failure the error is reported through the
// output's error channel, nothing is emitted and the error is returned.
// Each invocation is independent; a failure does not affect the next one.
func (n *ValueNode) Handle(ctx context.Context, msg Message) error {
	req, err := n.buildRequest(msg)
	if err != nil {
		n.fail(msg, err)
		return err
	}

	n.out.Status(n.id, StatusRequesting)
	resp, err := n.session.Do(ctx, req)
	if err != nil {
		n.fail(msg, err)
		return err
	}

	if len(resp) == 0 {
		resp = json.RawMessage("null")
	}
	reply := Message{ID: msg.ID, Topic: msg.Topic, Payload: resp}
	if err := n.out.Send(n.id, reply); err != nil {
		n.out.Status(n.id, StatusError)
		return err
	}

	if n.mode == ModeGet {
		n.out.Status(n.id, StatusConnected)
	} else {
		n.out.Status(n.id, StatusClear)
	}
	return nil
}

func (n *ValueNode) fail(msg Message, err error) {
	n.out.Error(n.id, msg, err)
	n.out.Status(n.id, StatusError)
}

func (n *ValueNode) buildRequest(msg Message) (gira.Request, error) {
	if n.mode == ModeGet {
		return n.getRequest(msg)
	}
	return n.setRequest(msg)
}

// getRequest resolves the point from config, then a string payload, then a
// 4-character topic.
func (n *ValueNode) getRequest(msg Message) (gira.Request, error) {
	uid := n.uid
	if uid == "" {
		uid = payloadString(msg.Payload)
	}
	if uid == "" && isTopicUID(msg.Topic) {
		uid = msg.Topic
	}

	switch uid {
	case "":
		return gira.Request{}, fmt.Errorf("%w: uid not set in node config or message", gira.ErrConfiguration)
	case PseudoUIDLicenses:
		return gira.GetLicenses(), nil
	case PseudoUIDUIConfig:
		return gira.GetUIConfig(), nil
	default:
		return gira.GetValue(uid), nil
	}
}

// setRequest picks a batch or single write from the payload shape:
//
//	{"values":[{"uid":..,"value":..}]}  batch, node and topic UID ignored
//	{"value": x}                        single write of x
//	any other object                    ErrInvalidPayload
//	anything else                       single write of the payload
//
// A single write takes its UID from a 4-character topic, else the node config.
func (n *ValueNode) setRequest(msg Message) (gira.Request, error) {
	payload := bytes.TrimSpace(msg.Payload)
	if len(payload) == 0 {
		return gira.Request{}, fmt.Errorf("%w: payload is empty", ErrInvalidPayload)
	}

	value := json.RawMessage(payload)
	if payload[0] == '{' {
		var fields map[string]json.RawMessage
		if err := json.Unmarshal(payload, &fields); err != nil {
			return gira.Request{}, fmt.Errorf("%w: %w", ErrInvalidPayload, err)
		}

		if raw, ok := fields["values"]; ok {
			var entries []gira.ValueEntry
			if err := json.Unmarshal(raw, &entries); err != nil {
				return gira.Request{}, fmt.Errorf("%w: values must be a list of {uid, value}: %w", ErrInvalidPayload, err)
			}
			req := gira.SetValues(entries)
			if err := req.Validate(); err != nil {
				return gira.Request{}, fmt.Errorf("%w: %w", ErrInvalidPayload, err)
			}
			return req, nil
		}

		raw, ok := fields["value"]
		if !ok {
			return gira.Request{}, fmt.Errorf("%w: object needs a 'value' or 'values' key, got %s",
				ErrInvalidPayload, describeKeys(fields))
		}
		value = raw
	}

	uid := n.uid
	if isTopicUID(msg.Topic) {
		uid = msg.Topic
	}
	if uid == "" {
		return gira.Request{}, fmt.Errorf("%w: uid not set in node config or 4-character topic", gira.ErrConfiguration)
	}

	req := gira.SetValue(uid, value)
	if err := req.Validate(); err != nil {
		if errors.Is(err, gira.ErrInvalidRequest) {
			return gira.Request{}, fmt.Errorf("%w: %w", ErrInvalidPayload, err)
		}
		return gira.Request{}, err
	}
	return req, nil
}

// payloadString returns the payload as a string if it is a JSON string.
func payloadString(payload json.RawMessage) string {
	var s string
	if err := json.Unmarshal(payload, &s); err != nil {
		return ""
	}
	return strings.TrimSpace(s)
}

func describeKeys(fields map[string]json.RawMessage) string {
	if len(fields) == 0 {
		return "an empty object"
	}
	keys := make([]string, 0, len(fields))
	for k := range fields {
		keys = append(keys, "'"+k+"'")
	}
	sort.Strings(keys)
	return strings.Join(keys, ", ")
}
