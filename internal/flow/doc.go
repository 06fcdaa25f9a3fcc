// Package flow hosts the Gira flow nodes and connects them to MQTT.
//
// Three node types are supported:
//
//   - gira-get: reads a data point, the license list or the UI configuration
//   - gira-set: writes one data point or a batch
//   - gira-event: forwards every webhook delivery of its session
//
// Each node has four topics:
//
//	graylogic/flow/{node}/in      inbound messages (value nodes only)
//	graylogic/flow/{node}/out     emitted messages
//	graylogic/flow/{node}/error   failed invocations
//	graylogic/flow/{node}/status  retained status indicator
//
// Messages are JSON objects {"id","topic","payload"}. A failed invocation
// is reported on the error topic and never emits on out.
//
// Runtime.Deploy replaces the whole node set. Nodes surviving a deploy are
// removed and re-added, which the session treats as a no-op when the
// subscriber is already present.
package flow
