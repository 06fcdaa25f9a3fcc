package flow

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/nerrad567/gray-logic-gira/internal/infrastructure/config"
	"github.com/nerrad567/gray-logic-gira/internal/infrastructure/mqtt"
)

// Runtime defaults.
const (
	defaultQoS            = 1
	defaultRequestTimeout = 10 * time.Second

	// nodeQueueSize bounds inbound messages waiting on one value node.
	nodeQueueSize = 32
)

// Logger is the logging interface used by the runtime.
type Logger interface {
	Debug(msg string, args ...any)
	Info(msg string, args ...any)
	Warn(msg string, args ...any)
	Error(msg string, args ...any)
}

// Broker is the MQTT surface the runtime needs. Satisfied by *mqtt.Client.
type Broker interface {
	Publish(topic string, payload []byte, qos byte, retained bool) error
	Subscribe(topic string, qos byte, handler mqtt.MessageHandler) error
	Unsubscribe(topic string) error
}

// Host is a session as seen by nodes. Satisfied by *gira.Session.
type Host interface {
	Requester
	SubscriptionHost
}

// HostLookup resolves a configured host ID to its session.
type HostLookup func(id string) (Host, bool)

// RuntimeOptions configures a Runtime.
type RuntimeOptions struct {
	Broker Broker
	Hosts  HostLookup

	// QoS for all flow topics. Default: 1.
	QoS byte

	// RequestTimeout bounds one value node invocation. Default: 10s.
	RequestTimeout time.Duration

	Logger Logger
}

type deployedNode struct {
	cfg    config.FlowNodeConfig
	value  *ValueNode
	worker *nodeWorker
	event  *EventNode
}

// nodeWorker runs one value node's invocations in arrival order, off the
// broker's delivery goroutine.
type nodeWorker struct {
	node    *ValueNode
	inbox   chan Message
	timeout time.Duration
	logger  Logger
	ctx     context.Context
	cancel  context.CancelFunc
	done    chan struct{}
}

func startNodeWorker(node *ValueNode, timeout time.Duration, logger Logger) *nodeWorker {
	ctx, cancel := context.WithCancel(context.Background())
	w := &nodeWorker{
		node:    node,
		inbox:   make(chan Message, nodeQueueSize),
		timeout: timeout,
		logger:  logger,
		ctx:     ctx,
		cancel:  cancel,
		done:    make(chan struct{}),
	}
	go w.run()
	return w
}

func (w *nodeWorker) run() {
	defer close(w.done)
	for {
		select {
		case <-w.ctx.Done():
			return
		case msg := <-w.inbox:
			ctx, cancel := context.WithTimeout(w.ctx, w.timeout)
			if err := w.node.Handle(ctx, msg); err != nil {
				w.logger.Debug("flow node invocation failed", "node", w.node.ID(), "error", err)
			}
			cancel()
		}
	}
}

// offer queues msg without blocking. A full inbox drops the message.
func (w *nodeWorker) offer(msg Message) bool {
	select {
	case <-w.ctx.Done():
		return false
	default:
	}
	select {
	case w.inbox <- msg:
		return true
	default:
		return false
	}
}

// stop cancels the in-flight invocation and waits for the worker to exit.
// Queued messages are discarded.
func (w *nodeWorker) stop() {
	w.cancel()
	<-w.done
}

// Runtime hosts flow nodes on MQTT and implements Output for them.
//
// Status updates are coalesced per node and published retained by a single
// worker, so a status change never blocks the caller.
//
// Thread Safety: all methods are safe for concurrent use.
type Runtime struct {
	broker         Broker
	hosts          HostLookup
	qos            byte
	requestTimeout time.Duration
	logger         Logger
	topics         mqtt.Topics

	mu      sync.Mutex
	nodes   map[string]*deployedNode
	stopped bool

	statusMu      sync.Mutex
	statusPending map[string]Status
	statusSignal  chan struct{}
	done          chan struct{}
	wg            sync.WaitGroup
	stopOnce      sync.Once
}

// NewRuntime creates a runtime with no nodes and starts its status worker.
func NewRuntime(opts RuntimeOptions) (*Runtime, error) {
	if opts.Broker == nil {
		return nil, fmt.Errorf("flow runtime: broker is required")
	}
	if opts.Hosts == nil {
		return nil, fmt.Errorf("flow runtime: host lookup is required")
	}

	r := &Runtime{
		broker:         opts.Broker,
		hosts:          opts.Hosts,
		qos:            opts.QoS,
		requestTimeout: opts.RequestTimeout,
		logger:         opts.Logger,
		nodes:          make(map[string]*deployedNode),
		statusPending:  make(map[string]Status),
		statusSignal:   make(chan struct{}, 1),
		done:           make(chan struct{}),
	}
	if r.qos == 0 {
		r.qos = defaultQoS
	}
	if r.requestTimeout <= 0 {
		r.requestTimeout = defaultRequestTimeout
	}
	if r.logger == nil {
		r.logger = slog.New(slog.DiscardHandler)
	}

	r.wg.Add(1)
	go r.statusLoop()
	return r, nil
}

// Deploy replaces the running node set with nodes.
//
// Every current node is torn down first; then each configured node is
// created and attached. A node that fails to deploy is skipped and its error
// joined into the result, so one bad node does not block the others.
//
// Parameters:
//   - ctx: Reserved for cancellation of deployment
//   - nodes: The complete desired node set
//
// Returns:
//   - error: nil when every node deployed, otherwise the joined failures
func (r *Runtime) Deploy(ctx context.Context, nodes []config.FlowNodeConfig) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.stopped {
		return ErrRuntimeStopped
	}

	r.teardownLocked()

	var errs []error
	for _, nc := range nodes {
		if err := ctx.Err(); err != nil {
			errs = append(errs, err)
			break
		}
		if err := r.deployLocked(nc); err != nil {
			r.logger.Error("flow node deploy failed", "node", nc.ID, "type", nc.Type, "error", err)
			errs = append(errs, fmt.Errorf("node %s: %w", nc.ID, err))
			continue
		}
		r.logger.Debug("flow node deployed", "node", nc.ID, "type", nc.Type, "host", nc.Host)
	}

	r.logger.Info("flow deployed", "nodes", len(r.nodes), "failed", len(errs))
	return errors.Join(errs...)
}

// NodeCount returns the number of running nodes.
func (r *Runtime) NodeCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.nodes)
}

// Close tears down all nodes and flushes pending status updates.
func (r *Runtime) Close() error {
	r.stopOnce.Do(func() {
		r.mu.Lock()
		r.stopped = true
		r.teardownLocked()
		r.mu.Unlock()

		close(r.done)
		r.wg.Wait()
	})
	return nil
}

func (r *Runtime) deployLocked(nc config.FlowNodeConfig) error {
	if nc.ID == "" {
		return fmt.Errorf("node id is required")
	}
	if _, exists := r.nodes[nc.ID]; exists {
		return fmt.Errorf("duplicate node id")
	}

	host, ok := r.hosts(nc.Host)
	if !ok {
		return fmt.Errorf("%w: %q", ErrUnknownHost, nc.Host)
	}

	switch nc.Type {
	case config.NodeTypeGet, config.NodeTypeSet:
		mode := ModeGet
		if nc.Type == config.NodeTypeSet {
			mode = ModeSet
		}
		node, err := NewValueNode(ValueNodeConfig{
			ID:      nc.ID,
			Mode:    mode,
			UID:     nc.UID,
			Session: host,
			Output:  r,
		})
		if err != nil {
			return err
		}
		worker := startNodeWorker(node, r.requestTimeout, r.logger)
		if err := r.broker.Subscribe(r.topics.FlowIn(nc.ID), r.qos, r.inboundHandler(worker)); err != nil {
			worker.stop()
			return fmt.Errorf("subscribing: %w", err)
		}
		r.nodes[nc.ID] = &deployedNode{cfg: nc, value: node, worker: worker}

	case config.NodeTypeEvent:
		node, err := NewEventNode(nc.ID, host, r)
		if err != nil {
			return err
		}
		if err := node.Attach(); err != nil {
			return fmt.Errorf("subscribing to session: %w", err)
		}
		r.nodes[nc.ID] = &deployedNode{cfg: nc, event: node}

	default:
		return fmt.Errorf("%w: %q", ErrUnknownNodeType, nc.Type)
	}
	return nil
}

func (r *Runtime) teardownLocked() {
	for id, n := range r.nodes {
		switch {
		case n.value != nil:
			if err := r.broker.Unsubscribe(r.topics.FlowIn(id)); err != nil {
				r.logger.Warn("flow node unsubscribe failed", "node", id, "error", err)
			}
			n.worker.stop()
		case n.event != nil:
			if err := n.event.Detach(); err != nil {
				r.logger.Warn("flow node detach failed", "node", id, "error", err)
			}
		}
		delete(r.nodes, id)
	}
}

// inboundHandler runs on the broker's delivery goroutine and only queues.
// The node's device call and output publishes happen on its worker.
func (r *Runtime) inboundHandler(w *nodeWorker) mqtt.MessageHandler {
	return func(_ string, payload []byte) error {
		if !w.offer(DecodeInbound(payload)) {
			r.logger.Warn("flow node busy, message dropped", "node", w.node.ID())
		}
		return nil
	}
}

// DecodeInbound turns an MQTT payload into a Message.
//
// A JSON object with a "payload" key is decoded as a full message. Any
// other JSON becomes the payload; non-JSON bytes become a JSON string.
// A missing ID is generated.
func DecodeInbound(raw []byte) Message {
	var msg Message

	var fields map[string]json.RawMessage
	if err := json.Unmarshal(raw, &fields); err == nil && fields != nil {
		if _, ok := fields["payload"]; ok {
			_ = json.Unmarshal(raw, &msg) //nolint:errcheck // Already known to be a valid object
		} else {
			msg.Payload = append(json.RawMessage(nil), raw...)
		}
	} else if json.Valid(raw) {
		msg.Payload = append(json.RawMessage(nil), raw...)
	} else {
		encoded, _ := json.Marshal(string(raw)) //nolint:errcheck // Marshalling a string cannot fail
		msg.Payload = encoded
	}

	if msg.ID == "" {
		msg.ID = uuid.NewString()
	}
	return msg
}

// =============================================================================
// Output
// =============================================================================

// Send implements Output.
func (r *Runtime) Send(nodeID string, msg Message) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("encoding message: %w", err)
	}
	return r.broker.Publish(r.topics.FlowOut(nodeID), data, r.qos, false)
}

// Error implements Output.
func (r *Runtime) Error(nodeID string, msg Message, cause error) {
	data, err := json.Marshal(ErrorReport{Error: cause.Error(), Message: msg})
	if err != nil {
		r.logger.Error("flow error report encoding failed", "node", nodeID, "error", err)
		return
	}
	if err := r.broker.Publish(r.topics.FlowError(nodeID), data, r.qos, false); err != nil {
		r.logger.Warn("flow error report publish failed", "node", nodeID, "error", err)
	}
}

// Status implements Output. The latest status per node wins.
func (r *Runtime) Status(nodeID string, st Status) {
	r.statusMu.Lock()
	r.statusPending[nodeID] = st
	r.statusMu.Unlock()

	select {
	case r.statusSignal <- struct{}{}:
	default:
	}
}

func (r *Runtime) statusLoop() {
	defer r.wg.Done()
	for {
		select {
		case <-r.statusSignal:
			r.flushStatus()
		case <-r.done:
			r.flushStatus()
			return
		}
	}
}

func (r *Runtime) flushStatus() {
	r.statusMu.Lock()
	pending := r.statusPending
	r.statusPending = make(map[string]Status)
	r.statusMu.Unlock()

	for nodeID, st := range pending {
		data, err := json.Marshal(st)
		if err != nil {
			continue
		}
		if err := r.broker.Publish(r.topics.FlowStatus(nodeID), data, r.qos, true); err != nil {
			r.logger.Warn("flow status publish failed", "node", nodeID, "error", err)
		}
	}
}
