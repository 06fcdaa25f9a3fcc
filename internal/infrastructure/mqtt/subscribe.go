package mqtt

import (
	"fmt"
	"sync"
)

type route struct {
	topic   string
	qos     byte
	handler MessageHandler
}

// routeTable holds the subscriptions replayed after a reconnect.
type routeTable struct {
	mu     sync.RWMutex
	routes map[string]route
}

func newRouteTable() *routeTable {
	return &routeTable{routes: make(map[string]route)}
}

func (t *routeTable) put(r route) {
	t.mu.Lock()
	t.routes[r.topic] = r
	t.mu.Unlock()
}

func (t *routeTable) drop(topic string) {
	t.mu.Lock()
	delete(t.routes, topic)
	t.mu.Unlock()
}

func (t *routeTable) has(topic string) bool {
	t.mu.RLock()
	defer t.mu.RUnlock()
	_, ok := t.routes[topic]
	return ok
}

func (t *routeTable) len() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.routes)
}

func (t *routeTable) snapshot() []route {
	t.mu.RLock()
	defer t.mu.RUnlock()
	out := make([]route, 0, len(t.routes))
	for _, r := range t.routes {
		out = append(out, r)
	}
	return out
}

// Subscribe routes messages on topic to handler and keeps the route for
// replay after reconnects. Wildcards are allowed, e.g. Topics{}.AllFlowInputs().
// Subscribing an existing topic replaces its handler.
//
// Parameters:
//   - topic: topic filter
//   - qos: maximum delivery QoS
//   - handler: invoked once per message on paho's delivery goroutine
//
// Returns:
//   - error: ErrInvalidTopic, ErrInvalidQoS, ErrNotConnected or a wrapped ErrSubscribeFailed
func (c *Client) Subscribe(topic string, qos byte, handler MessageHandler) error {
	if err := checkRoute(topic, qos); err != nil {
		return err
	}
	if handler == nil {
		return fmt.Errorf("%w: nil handler for %s", ErrSubscribeFailed, topic)
	}
	if !c.IsConnected() {
		return ErrNotConnected
	}

	token := c.paho.Subscribe(topic, qos, c.deliver(handler))
	if !token.WaitTimeout(defaultPublishTimeout) {
		return fmt.Errorf("%w: no SUBACK for %s within %v", ErrSubscribeFailed, topic, defaultPublishTimeout)
	}
	if err := token.Error(); err != nil {
		return fmt.Errorf("%w: %s: %w", ErrSubscribeFailed, topic, err)
	}

	c.routes.put(route{topic: topic, qos: qos, handler: handler})
	return nil
}

// Unsubscribe forgets the route for topic and tells the broker. Messages
// already in flight may still be delivered.
func (c *Client) Unsubscribe(topic string) error {
	if topic == "" {
		return ErrInvalidTopic
	}
	if !c.IsConnected() {
		return ErrNotConnected
	}

	c.routes.drop(topic)

	token := c.paho.Unsubscribe(topic)
	if !token.WaitTimeout(defaultPublishTimeout) {
		return fmt.Errorf("%w: no UNSUBACK for %s within %v", ErrSubscribeFailed, topic, defaultPublishTimeout)
	}
	if err := token.Error(); err != nil {
		return fmt.Errorf("%w: unsubscribe %s: %w", ErrSubscribeFailed, topic, err)
	}
	return nil
}

// SubscriptionCount returns the number of tracked routes.
func (c *Client) SubscriptionCount() int {
	return c.routes.len()
}

// HasSubscription reports whether topic is tracked. Matching is exact,
// not by wildcard.
func (c *Client) HasSubscription(topic string) bool {
	return c.routes.has(topic)
}
