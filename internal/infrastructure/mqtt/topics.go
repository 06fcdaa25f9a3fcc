package mqtt

import "fmt"

// Topic prefixes for the Gira bridge.
//
// Flow nodes use graylogic/flow/{node}/{direction}; sessions publish their
// connection state under graylogic/gira/{session}.
const (
	// TopicPrefixFlow is the base for all flow node topics.
	TopicPrefixFlow = "graylogic/flow"

	// TopicPrefixGira is the base for per-session topics.
	TopicPrefixGira = "graylogic/gira"

	// TopicPrefixSystem is the base for system topics.
	TopicPrefixSystem = "graylogic/system"
)

// Topics provides builders for the bridge's MQTT topics.
// Using these helpers ensures consistent topic naming across the codebase.
//
//	topics := mqtt.Topics{}
//	in := topics.FlowIn("kitchen-dimmer")
//	// Returns: "graylogic/flow/kitchen-dimmer/in"
type Topics struct{}

// =============================================================================
// Flow Topics
// =============================================================================

// FlowIn returns the topic a node consumes inbound flow messages from.
//
// Example: graylogic/flow/kitchen-dimmer/in
func (Topics) FlowIn(nodeID string) string {
	return fmt.Sprintf("%s/%s/in", TopicPrefixFlow, nodeID)
}

// FlowOut returns the topic a node emits outbound flow messages on.
//
// Example: graylogic/flow/kitchen-dimmer/out
func (Topics) FlowOut(nodeID string) string {
	return fmt.Sprintf("%s/%s/out", TopicPrefixFlow, nodeID)
}

// FlowError returns the topic a node reports failed messages on.
//
// Example: graylogic/flow/kitchen-dimmer/error
func (Topics) FlowError(nodeID string) string {
	return fmt.Sprintf("%s/%s/error", TopicPrefixFlow, nodeID)
}

// FlowStatus returns the retained status indicator topic for a node.
//
// Example: graylogic/flow/kitchen-dimmer/status
func (Topics) FlowStatus(nodeID string) string {
	return fmt.Sprintf("%s/%s/status", TopicPrefixFlow, nodeID)
}

// =============================================================================
// Session Topics
// =============================================================================

// SessionState returns the retained connection state topic for a session.
//
// Example: graylogic/gira/x1-main/state
func (Topics) SessionState(sessionID string) string {
	return fmt.Sprintf("%s/%s/state", TopicPrefixGira, sessionID)
}

// =============================================================================
// System Topics
// =============================================================================

// SystemStatus returns the system status topic.
//
// Example: graylogic/system/status
func (Topics) SystemStatus() string {
	return fmt.Sprintf("%s/status", TopicPrefixSystem)
}

// =============================================================================
// Wildcard Patterns for Subscriptions
// =============================================================================

// AllFlowInputs returns a pattern matching every node input topic.
//
// Pattern: graylogic/flow/+/in
func (Topics) AllFlowInputs() string {
	return fmt.Sprintf("%s/+/in", TopicPrefixFlow)
}

// AllSessionStates returns a pattern matching every session state topic.
//
// Pattern: graylogic/gira/+/state
func (Topics) AllSessionStates() string {
	return fmt.Sprintf("%s/+/state", TopicPrefixGira)
}
