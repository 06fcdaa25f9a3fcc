package main

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/nerrad567/gray-logic-gira/internal/api"
	"github.com/nerrad567/gray-logic-gira/internal/audit"
	"github.com/nerrad567/gray-logic-gira/internal/bridges/gira"
	"github.com/nerrad567/gray-logic-gira/internal/infrastructure/config"
	"github.com/nerrad567/gray-logic-gira/internal/infrastructure/logging"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte(content), 0600); err != nil {
		t.Fatalf("failed to write test config: %v", err)
	}
	return path
}

// TestRun_InvalidConfig verifies run fails with invalid config path.
func TestRun_InvalidConfig(t *testing.T) {
	t.Setenv("GRAYLOGIC_CONFIG", "/nonexistent/path/config.yaml")

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := run(ctx); err == nil {
		t.Fatal("run() should fail with invalid config path")
	}
}

// TestRun_InvalidGiraConfig verifies validation stops startup before any
// connection is attempted.
func TestRun_InvalidGiraConfig(t *testing.T) {
	t.Setenv("GRAYLOGIC_CONFIG", writeConfig(t, `
database:
  enabled: false
api:
  port: 8080
gira:
  hosts:
    - id: x1
flow:
  nodes:
    - id: n1
      type: gira-toggle
      host: x1
`))

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := run(ctx); err == nil {
		t.Fatal("run() should fail without callback_base_url and host url")
	}
}

// TestRun_MQTTUnavailable verifies startup fails when the broker is unreachable.
func TestRun_MQTTUnavailable(t *testing.T) {
	t.Setenv("GRAYLOGIC_CONFIG", writeConfig(t, `
database:
  enabled: true
  path: "`+filepath.Join(t.TempDir(), "bridge.db")+`"
mqtt:
  broker:
    host: "127.0.0.1"
    port: 19999
    client_id: "test-unreachable"
  reconnect:
    initial_delay: 1
    max_delay: 1
api:
  host: "127.0.0.1"
  port: 18080
  auth:
    jwt_secret: "0123456789abcdef0123456789abcdef"
logging:
  level: error
  format: text
`))

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := run(ctx); err == nil {
		t.Fatal("run() should fail when MQTT is unreachable")
	}
}

func TestIssueAPIToken(t *testing.T) {
	const secret = "0123456789abcdef0123456789abcdef"
	t.Setenv("GRAYLOGIC_CONFIG", writeConfig(t, `
database:
  enabled: false
api:
  port: 8090
  auth:
    jwt_secret: "`+secret+`"
`))

	tests := []struct {
		name    string
		args    []string
		wantErr bool
	}{
		{name: "subject only", args: []string{"dashboard"}},
		{name: "subject and ttl", args: []string{"dashboard", "2h"}},
		{name: "missing subject", args: nil, wantErr: true},
		{name: "bad ttl", args: []string{"dashboard", "soon"}, wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var out strings.Builder
			err := issueAPIToken(tt.args, &out)
			if tt.wantErr {
				if err == nil {
					t.Fatal("issueAPIToken() error = nil, want error")
				}
				return
			}
			if err != nil {
				t.Fatalf("issueAPIToken() error = %v", err)
			}
			claims, err := api.ParseToken(strings.TrimSpace(out.String()), secret)
			if err != nil {
				t.Fatalf("ParseToken() error = %v", err)
			}
			if claims.Subject != "dashboard" {
				t.Errorf("Subject = %q, want dashboard", claims.Subject)
			}
		})
	}
}

func TestGetConfigPath(t *testing.T) {
	t.Setenv("GRAYLOGIC_CONFIG", "")
	if got := getConfigPath(); got != defaultConfigPath {
		t.Errorf("getConfigPath() = %q, want %q", got, defaultConfigPath)
	}

	t.Setenv("GRAYLOGIC_CONFIG", "/custom/path/config.yaml")
	if got := getConfigPath(); got != "/custom/path/config.yaml" {
		t.Errorf("getConfigPath() = %q, want override", got)
	}
}

// mockPublisher implements statePublisher for testing.
type mockPublisher struct {
	mu       sync.Mutex
	topic    string
	payload  []byte
	retained bool
	err      error
}

func (m *mockPublisher) Publish(topic string, payload []byte, _ byte, retained bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.topic, m.payload, m.retained = topic, payload, retained
	return m.err
}

func testLogger() *logging.Logger {
	return logging.New(config.LoggingConfig{Level: "error", Format: "text"}, "test")
}

func TestStateFanout(t *testing.T) {
	pub := &mockPublisher{}
	fanout := stateFanout(pub, 1, nil, testLogger())

	fanout(gira.Snapshot{ID: "x1", State: gira.StateConnected, Connected: true})

	if pub.topic != "graylogic/gira/x1/state" {
		t.Errorf("topic = %q", pub.topic)
	}
	if !pub.retained {
		t.Error("session state must be retained")
	}
	var snap gira.Snapshot
	if err := json.Unmarshal(pub.payload, &snap); err != nil {
		t.Fatalf("payload not a snapshot: %v", err)
	}
	if snap.State != gira.StateConnected || !snap.Connected {
		t.Errorf("snapshot = %+v", snap)
	}

	// Publish failures are logged only.
	pub.err = errors.New("not connected")
	fanout(gira.Snapshot{ID: "x1"})
}

// mockRepo implements audit.Repository for testing.
type mockRepo struct {
	mu      sync.Mutex
	entries []audit.Entry
}

func (m *mockRepo) Create(_ context.Context, e *audit.Entry) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.entries = append(m.entries, *e)
	return nil
}

func (m *mockRepo) List(context.Context, audit.Filter) (*audit.ListResult, error) {
	return &audit.ListResult{}, nil
}

func TestLifecycleRecorder(t *testing.T) {
	if lifecycleRecorder(nil) != nil {
		t.Error("lifecycleRecorder(nil) should disable the hook")
	}

	repo := &mockRepo{}
	rec := audit.NewAsyncRecorder(repo, 4, nil)
	hook := lifecycleRecorder(rec)

	at := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
	hook(gira.LifecycleEvent{
		SessionID: "x1",
		Action:    gira.ActionCallbacksFailed,
		State:     gira.StateConnected,
		Details:   map[string]any{"error": "probe failed"},
		Time:      at,
	})
	rec.Close()

	if len(repo.entries) != 1 {
		t.Fatalf("entries = %d, want 1", len(repo.entries))
	}
	e := repo.entries[0]
	if e.SessionID != "x1" || e.Action != gira.ActionCallbacksFailed || !e.CreatedAt.Equal(at) {
		t.Errorf("entry = %+v", e)
	}
	if e.Details["state"] != "connected" || e.Details["error"] != "probe failed" {
		t.Errorf("details = %v", e.Details)
	}
}
