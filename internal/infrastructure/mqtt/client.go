package mqtt

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"

	pahomqtt "github.com/eclipse/paho.mqtt.golang"

	"github.com/nerrad567/gray-logic-gira/internal/infrastructure/config"
)

// Client is the flow host's broker connection.
//
// Flow node inputs arrive through routes registered with Subscribe; every
// route is replayed against the broker whenever paho re-establishes the
// session, because the bridge connects with a clean session.
//
// All methods are safe for concurrent use.
type Client struct {
	paho   pahomqtt.Client
	cfg    config.MQTTConfig
	routes *routeTable
	online atomic.Bool

	hookMu       sync.RWMutex
	onConnect    func()
	onDisconnect func(err error)
	logger       Logger
}

// Logger is the subset of logging.Logger the client writes to.
type Logger interface {
	Error(msg string, args ...any)
	Warn(msg string, args ...any)
}

type nopLogger struct{}

func (nopLogger) Error(string, ...any) {}
func (nopLogger) Warn(string, ...any)  {}

// MessageHandler receives one inbound message. The topic has wildcards
// expanded. Handlers run on paho's delivery goroutine and must not block;
// a returned error is logged and otherwise ignored.
type MessageHandler func(topic string, payload []byte) error

// Connect dials the broker and blocks until the first CONNACK or the
// connect timeout.
//
// The broker may be unreachable at startup; the error is returned and the
// caller decides whether the flow host is mandatory.
//
// Parameters:
//   - cfg: broker address, credentials, QoS and reconnect backoff
//
// Returns:
//   - *Client: connected client with its retained online status published
//   - error: wraps ErrConnectionFailed
func Connect(cfg config.MQTTConfig) (*Client, error) {
	c := newClient(cfg)

	token := c.paho.Connect()
	if !token.WaitTimeout(defaultConnectTimeout) {
		return nil, fmt.Errorf("%w: no CONNACK within %v", ErrConnectionFailed, defaultConnectTimeout)
	}
	if err := token.Error(); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrConnectionFailed, err)
	}

	// The OnConnect hook runs on its own goroutine and may lag the token.
	c.online.Store(true)
	return c, nil
}

func newClient(cfg config.MQTTConfig) *Client {
	c := &Client{
		cfg:    cfg,
		routes: newRouteTable(),
		logger: nopLogger{},
	}

	opts := clientOptions(cfg)
	opts.SetOnConnectHandler(func(pahomqtt.Client) { c.connected() })
	opts.SetConnectionLostHandler(func(_ pahomqtt.Client, err error) { c.connectionLost(err) })
	opts.SetReconnectingHandler(func(pahomqtt.Client, *pahomqtt.ClientOptions) {
		c.log().Warn("MQTT reconnecting", "client_id", cfg.Broker.ClientID)
	})

	c.paho = pahomqtt.NewClient(opts)
	return c
}

// connected replays routes and announces the bridge before running the hook.
func (c *Client) connected() {
	c.online.Store(true)

	for _, r := range c.routes.snapshot() {
		token := c.paho.Subscribe(r.topic, r.qos, c.deliver(r.handler))
		if token.WaitTimeout(defaultPublishTimeout) && token.Error() != nil {
			c.log().Warn("MQTT resubscribe failed", "topic", r.topic, "error", token.Error())
		}
	}

	c.paho.Publish(Topics{}.SystemStatus(), c.qos(), true, presenceOnline(c.cfg.Broker.ClientID))

	c.hookMu.RLock()
	hook := c.onConnect
	c.hookMu.RUnlock()
	if hook != nil {
		hook()
	}
}

func (c *Client) connectionLost(err error) {
	c.online.Store(false)

	c.hookMu.RLock()
	hook := c.onDisconnect
	c.hookMu.RUnlock()
	if hook != nil {
		hook(err)
	}
}

// Close replaces the LWT with a graceful offline status and disconnects.
// Closing a client that never connected is a no-op.
func (c *Client) Close() error {
	if c.paho == nil {
		return nil
	}

	if c.IsConnected() {
		token := c.paho.Publish(Topics{}.SystemStatus(), c.qos(), true, presenceOffline(c.cfg.Broker.ClientID))
		token.WaitTimeout(defaultPublishTimeout)
	}
	c.paho.Disconnect(defaultDisconnectQuiesce)
	c.online.Store(false)
	return nil
}

// HealthCheck reports ErrNotConnected while paho is reconnecting.
func (c *Client) HealthCheck(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("mqtt health check: %w", err)
	}
	if !c.IsConnected() {
		return ErrNotConnected
	}
	return nil
}

// IsConnected returns the last known connection state.
func (c *Client) IsConnected() bool {
	return c.online.Load() && c.paho.IsConnected()
}

// SetOnConnect registers a hook run after every connect and reconnect.
func (c *Client) SetOnConnect(hook func()) {
	c.hookMu.Lock()
	c.onConnect = hook
	c.hookMu.Unlock()
}

// SetOnDisconnect registers a hook run when the connection drops.
func (c *Client) SetOnDisconnect(hook func(err error)) {
	c.hookMu.Lock()
	c.onDisconnect = hook
	c.hookMu.Unlock()
}

// SetLogger routes handler errors and recovered panics to logger.
// A nil logger discards them.
func (c *Client) SetLogger(logger Logger) {
	if logger == nil {
		logger = nopLogger{}
	}
	c.hookMu.Lock()
	c.logger = logger
	c.hookMu.Unlock()
}

func (c *Client) log() Logger {
	c.hookMu.RLock()
	defer c.hookMu.RUnlock()
	return c.logger
}

func (c *Client) qos() byte {
	return byte(c.cfg.QoS)
}

// deliver adapts a MessageHandler to paho, containing panics so one bad
// flow node cannot take down the delivery goroutine.
func (c *Client) deliver(handler MessageHandler) pahomqtt.MessageHandler {
	return func(_ pahomqtt.Client, msg pahomqtt.Message) {
		defer func() {
			if r := recover(); r != nil {
				c.log().Error("MQTT handler panic recovered", "topic", msg.Topic(), "panic", r)
			}
		}()

		if err := handler(msg.Topic(), msg.Payload()); err != nil {
			c.log().Warn("MQTT handler returned error", "topic", msg.Topic(), "error", err)
		}
	}
}
