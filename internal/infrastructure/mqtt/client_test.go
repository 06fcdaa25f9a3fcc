package mqtt

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"sync"
	"testing"

	"github.com/nerrad567/gray-logic-gira/internal/infrastructure/config"
)

// testConfig returns a valid MQTT configuration for testing.
// Unit tests in this file never reach a broker.
func testConfig() config.MQTTConfig {
	return config.MQTTConfig{
		Broker: config.MQTTBrokerConfig{
			Host:     "127.0.0.1",
			Port:     1883,
			ClientID: "graylogic-gira-test",
		},
		QoS: 1,
		Reconnect: config.MQTTReconnectConfig{
			InitialDelay: 1,
			MaxDelay:     5,
		},
	}
}

// mockLogger implements Logger for testing.
type mockLogger struct {
	mu     sync.Mutex
	errors []string
	warns  []string
}

func (l *mockLogger) Error(msg string, _ ...any) {
	l.mu.Lock()
	l.errors = append(l.errors, msg)
	l.mu.Unlock()
}

func (l *mockLogger) Warn(msg string, _ ...any) {
	l.mu.Lock()
	l.warns = append(l.warns, msg)
	l.mu.Unlock()
}

// fakeMessage implements pahomqtt.Message.
type fakeMessage struct {
	topic   string
	payload []byte
}

func (m *fakeMessage) Duplicate() bool   { return false }
func (m *fakeMessage) Qos() byte         { return 1 }
func (m *fakeMessage) Retained() bool    { return false }
func (m *fakeMessage) Topic() string     { return m.topic }
func (m *fakeMessage) MessageID() uint16 { return 1 }
func (m *fakeMessage) Payload() []byte   { return m.payload }
func (m *fakeMessage) Ack()              {}

// =============================================================================
// Option Tests
// =============================================================================

func TestClientOptions(t *testing.T) {
	cfg := testConfig()
	cfg.Auth.Username = "bridge"
	cfg.Auth.Password = "secret"

	opts := clientOptions(cfg)

	if len(opts.Servers) != 1 || opts.Servers[0].String() != "tcp://127.0.0.1:1883" {
		t.Errorf("Servers = %v, want [tcp://127.0.0.1:1883]", opts.Servers)
	}
	if opts.ClientID != "graylogic-gira-test" {
		t.Errorf("ClientID = %q, want %q", opts.ClientID, "graylogic-gira-test")
	}
	if opts.Username != "bridge" || opts.Password != "secret" {
		t.Errorf("credentials = %q/%q, want bridge/secret", opts.Username, opts.Password)
	}
	if !opts.CleanSession || !opts.AutoReconnect {
		t.Errorf("CleanSession = %v, AutoReconnect = %v, want both true", opts.CleanSession, opts.AutoReconnect)
	}
	if opts.TLSConfig != nil {
		t.Error("TLSConfig set without TLS enabled")
	}
}

func TestClientOptions_TLS(t *testing.T) {
	cfg := testConfig()
	cfg.Broker.TLS = true
	cfg.Broker.Port = 8883

	opts := clientOptions(cfg)

	if opts.Servers[0].Scheme != "ssl" {
		t.Errorf("scheme = %q, want ssl", opts.Servers[0].Scheme)
	}
	if opts.TLSConfig == nil || opts.TLSConfig.MinVersion != tlsMinVersion {
		t.Error("TLSConfig missing or MinVersion not enforced")
	}
}

func TestClientOptions_Will(t *testing.T) {
	opts := clientOptions(testConfig())

	if !opts.WillEnabled || !opts.WillRetained {
		t.Fatalf("WillEnabled = %v, WillRetained = %v, want both true", opts.WillEnabled, opts.WillRetained)
	}
	if opts.WillTopic != (Topics{}).SystemStatus() {
		t.Errorf("WillTopic = %q, want %q", opts.WillTopic, Topics{}.SystemStatus())
	}

	var got presenceStatus
	if err := json.Unmarshal(opts.WillPayload, &got); err != nil {
		t.Fatalf("WillPayload is not JSON: %v", err)
	}
	if got.Status != "offline" || got.Reason != reasonUnexpected {
		t.Errorf("will = %+v, want offline/%s", got, reasonUnexpected)
	}
}

func TestPresencePayloads(t *testing.T) {
	tests := []struct {
		name       string
		payload    []byte
		wantStatus string
		wantReason string
	}{
		{name: "online", payload: presenceOnline("c1"), wantStatus: "online"},
		{name: "offline", payload: presenceOffline("c1"), wantStatus: "offline", wantReason: reasonShutdown},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var got presenceStatus
			if err := json.Unmarshal(tt.payload, &got); err != nil {
				t.Fatalf("Unmarshal: %v", err)
			}
			if got.Status != tt.wantStatus || got.Reason != tt.wantReason || got.ClientID != "c1" {
				t.Errorf("presence = %+v", got)
			}
			if strings.Contains(string(tt.payload), "reason") != (tt.wantReason != "") {
				t.Errorf("reason field presence wrong in %s", tt.payload)
			}
		})
	}
}

// =============================================================================
// Validation Tests (no broker)
// =============================================================================

func TestPublishValidation(t *testing.T) {
	c := newClient(testConfig())

	tests := []struct {
		name    string
		topic   string
		payload []byte
		qos     byte
		wantErr error
	}{
		{name: "empty topic", topic: "", payload: []byte("x"), qos: 1, wantErr: ErrInvalidTopic},
		{name: "invalid qos", topic: "a/b", payload: []byte("x"), qos: 3, wantErr: ErrInvalidQoS},
		{name: "oversized payload", topic: "a/b", payload: make([]byte, maxPayloadSize+1), qos: 1, wantErr: ErrPublishFailed},
		{name: "not connected", topic: "a/b", payload: []byte("x"), qos: 1, wantErr: ErrNotConnected},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := c.Publish(tt.topic, tt.payload, tt.qos, false)
			if !errors.Is(err, tt.wantErr) {
				t.Errorf("Publish() error = %v, want %v", err, tt.wantErr)
			}
		})
	}
}

func TestSubscribeValidation(t *testing.T) {
	c := newClient(testConfig())
	handler := func(string, []byte) error { return nil }

	tests := []struct {
		name    string
		topic   string
		qos     byte
		handler MessageHandler
		wantErr error
	}{
		{name: "empty topic", topic: "", qos: 1, handler: handler, wantErr: ErrInvalidTopic},
		{name: "invalid qos", topic: "a/b", qos: 5, handler: handler, wantErr: ErrInvalidQoS},
		{name: "nil handler", topic: "a/b", qos: 1, handler: nil, wantErr: ErrSubscribeFailed},
		{name: "not connected", topic: "a/b", qos: 1, handler: handler, wantErr: ErrNotConnected},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := c.Subscribe(tt.topic, tt.qos, tt.handler)
			if !errors.Is(err, tt.wantErr) {
				t.Errorf("Subscribe() error = %v, want %v", err, tt.wantErr)
			}
		})
	}

	if c.SubscriptionCount() != 0 {
		t.Errorf("SubscriptionCount() = %d, want 0 after failed subscribes", c.SubscriptionCount())
	}
}

func TestUnsubscribeValidation(t *testing.T) {
	c := newClient(testConfig())

	if err := c.Unsubscribe(""); !errors.Is(err, ErrInvalidTopic) {
		t.Errorf("Unsubscribe(\"\") error = %v, want ErrInvalidTopic", err)
	}
	if err := c.Unsubscribe("a/b"); !errors.Is(err, ErrNotConnected) {
		t.Errorf("Unsubscribe() error = %v, want ErrNotConnected", err)
	}
}

func TestHealthCheck_NotConnected(t *testing.T) {
	c := newClient(testConfig())

	if err := c.HealthCheck(context.Background()); !errors.Is(err, ErrNotConnected) {
		t.Errorf("HealthCheck() error = %v, want ErrNotConnected", err)
	}
}

func TestHealthCheck_Cancelled(t *testing.T) {
	c := newClient(testConfig())
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	if err := c.HealthCheck(ctx); !errors.Is(err, context.Canceled) {
		t.Errorf("HealthCheck() error = %v, want context.Canceled", err)
	}
}

func TestCloseNil(t *testing.T) {
	c := &Client{}
	if err := c.Close(); err != nil {
		t.Errorf("Close() on nil client error = %v", err)
	}
}

func TestOnDisconnectCallback(t *testing.T) {
	c := newClient(testConfig())
	c.online.Store(true)

	var gotErr error
	c.SetOnDisconnect(func(err error) { gotErr = err })

	lost := errors.New("connection reset")
	c.connectionLost(lost)

	if !errors.Is(gotErr, lost) {
		t.Errorf("onDisconnect error = %v, want %v", gotErr, lost)
	}
	if c.IsConnected() {
		t.Error("IsConnected() = true after disconnect")
	}
}

// =============================================================================
// Handler Wrapping Tests
// =============================================================================

func TestDeliver_Delivers(t *testing.T) {
	c := newClient(testConfig())

	var gotTopic string
	var gotPayload []byte
	wrapped := c.deliver(func(topic string, payload []byte) error {
		gotTopic = topic
		gotPayload = payload
		return nil
	})

	wrapped(nil, &fakeMessage{topic: "graylogic/flow/n1/in", payload: []byte(`{"payload":1}`)})

	if gotTopic != "graylogic/flow/n1/in" {
		t.Errorf("topic = %q, want graylogic/flow/n1/in", gotTopic)
	}
	if string(gotPayload) != `{"payload":1}` {
		t.Errorf("payload = %s", gotPayload)
	}
}

func TestDeliver_ErrorIsLogged(t *testing.T) {
	c := newClient(testConfig())
	logger := &mockLogger{}
	c.SetLogger(logger)

	wrapped := c.deliver(func(string, []byte) error {
		return errors.New("handler error")
	})
	wrapped(nil, &fakeMessage{topic: "t"})

	logger.mu.Lock()
	defer logger.mu.Unlock()
	if len(logger.warns) != 1 {
		t.Errorf("warns = %d, want 1", len(logger.warns))
	}
}

func TestDeliver_PanicRecovered(t *testing.T) {
	c := newClient(testConfig())
	logger := &mockLogger{}
	c.SetLogger(logger)

	wrapped := c.deliver(func(string, []byte) error {
		panic("boom")
	})
	wrapped(nil, &fakeMessage{topic: "t"})

	logger.mu.Lock()
	defer logger.mu.Unlock()
	if len(logger.errors) != 1 {
		t.Errorf("errors = %d, want 1", len(logger.errors))
	}
}

func TestDeliver_NoLogger(t *testing.T) {
	c := newClient(testConfig())

	wrapped := c.deliver(func(string, []byte) error {
		panic("boom")
	})
	// Must not propagate the panic.
	wrapped(nil, &fakeMessage{topic: "t"})
}

// =============================================================================
// Topic Tests
// =============================================================================

func TestTopicBuilders(t *testing.T) {
	topics := Topics{}

	tests := []struct {
		name     string
		got      string
		expected string
	}{
		{name: "FlowIn", got: topics.FlowIn("n1"), expected: "graylogic/flow/n1/in"},
		{name: "FlowOut", got: topics.FlowOut("n1"), expected: "graylogic/flow/n1/out"},
		{name: "FlowError", got: topics.FlowError("n1"), expected: "graylogic/flow/n1/error"},
		{name: "FlowStatus", got: topics.FlowStatus("n1"), expected: "graylogic/flow/n1/status"},
		{name: "SessionState", got: topics.SessionState("x1"), expected: "graylogic/gira/x1/state"},
		{name: "SystemStatus", got: topics.SystemStatus(), expected: "graylogic/system/status"},
		{name: "AllFlowInputs", got: topics.AllFlowInputs(), expected: "graylogic/flow/+/in"},
		{name: "AllSessionStates", got: topics.AllSessionStates(), expected: "graylogic/gira/+/state"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if tt.got != tt.expected {
				t.Errorf("%s = %q, want %q", tt.name, tt.got, tt.expected)
			}
		})
	}
}
