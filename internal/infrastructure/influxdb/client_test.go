package influxdb_test

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"os"
	"testing"
	"time"

	"github.com/nerrad567/gray-logic-gira/internal/infrastructure/config"
	"github.com/nerrad567/gray-logic-gira/internal/infrastructure/influxdb"
)

// testConfig returns a configuration for the local dev InfluxDB.
func testConfig() config.InfluxDBConfig {
	return config.InfluxDBConfig{
		Enabled:       true,
		URL:           "http://127.0.0.1:8086",
		Token:         "graylogic-dev-token",
		Org:           "graylogic",
		Bucket:        "gira",
		BatchSize:     100,
		FlushInterval: 1,
	}
}

// skipIfNoInfluxDB skips the test unless InfluxDB answers on the dev address.
func skipIfNoInfluxDB(t *testing.T) {
	t.Helper()
	if os.Getenv("RUN_INTEGRATION") != "" {
		return
	}
	client, err := influxdb.Connect(context.Background(), testConfig(), nil)
	if err != nil {
		t.Skip("InfluxDB not available, skipping integration test")
	}
	client.Close() //nolint:errcheck // Probe only
}

func TestConnect_Disabled(t *testing.T) {
	cfg := testConfig()
	cfg.Enabled = false

	_, err := influxdb.Connect(context.Background(), cfg, nil)
	if !errors.Is(err, influxdb.ErrDisabled) {
		t.Errorf("Connect() error = %v, want ErrDisabled", err)
	}
}

func TestConnect_Unreachable(t *testing.T) {
	cfg := testConfig()
	cfg.URL = "http://127.0.0.1:59999"

	_, err := influxdb.Connect(context.Background(), cfg, nil)
	if !errors.Is(err, influxdb.ErrConnectionFailed) {
		t.Errorf("Connect() error = %v, want ErrConnectionFailed", err)
	}
}

func TestConnect_Unhealthy(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	cfg := testConfig()
	cfg.URL = srv.URL

	_, err := influxdb.Connect(context.Background(), cfg, nil)
	if !errors.Is(err, influxdb.ErrConnectionFailed) {
		t.Errorf("Connect() error = %v, want ErrConnectionFailed", err)
	}
}

func TestClient_PingAndWrite(t *testing.T) {
	writes := make(chan string, 4)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/ping":
			w.WriteHeader(http.StatusNoContent)
		case "/api/v2/write":
			buf := make([]byte, 1024)
			n, _ := r.Body.Read(buf) //nolint:errcheck // Partial read is enough
			writes <- string(buf[:n])
			w.WriteHeader(http.StatusNoContent)
		default:
			http.NotFound(w, r)
		}
	}))
	defer srv.Close()

	cfg := testConfig()
	cfg.URL = srv.URL

	client, err := influxdb.Connect(context.Background(), cfg, nil)
	if err != nil {
		t.Fatalf("Connect() error = %v", err)
	}
	if !client.IsConnected() {
		t.Error("IsConnected() = false after Connect()")
	}

	client.WritePoint(influxdb.MeasurementValueEvents,
		map[string]string{"session": "x1", "uid": "a02b"},
		map[string]any{"value": "1"},
		time.Unix(1700000000, 0))
	client.Flush()

	select {
	case line := <-writes:
		if want := "gira_value_events,session=x1,uid=a02b"; len(line) < len(want) || line[:len(want)] != want {
			t.Errorf("line protocol = %q", line)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("no write reached the server")
	}

	if got := client.Stats().Points; got != 1 {
		t.Errorf("Stats().Points = %d, want 1", got)
	}

	if err := client.Close(); err != nil {
		t.Errorf("Close() error = %v", err)
	}
	if client.IsConnected() {
		t.Error("IsConnected() = true after Close()")
	}
	if err := client.HealthCheck(context.Background()); !errors.Is(err, influxdb.ErrNotConnected) {
		t.Errorf("HealthCheck() after Close error = %v, want ErrNotConnected", err)
	}

	// Writes and flushes after Close are no-ops.
	client.WritePoint(influxdb.MeasurementValueEvents, nil, map[string]any{"value": "2"}, time.Now())
	client.Flush()
	if err := client.Close(); err != nil {
		t.Errorf("second Close() error = %v", err)
	}
}

func TestHealthCheck(t *testing.T) {
	skipIfNoInfluxDB(t)

	client, err := influxdb.Connect(context.Background(), testConfig(), nil)
	if err != nil {
		t.Fatalf("Connect() error = %v", err)
	}
	defer client.Close() //nolint:errcheck // Test cleanup

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.HealthCheck(ctx); err != nil {
		t.Errorf("HealthCheck() error = %v", err)
	}

	cancelled, stop := context.WithCancel(context.Background())
	stop()
	if err := client.HealthCheck(cancelled); err == nil {
		t.Error("HealthCheck() should return error for cancelled context")
	}
}
