package influxdb

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/nerrad567/gray-logic-gira/internal/bridges/gira"
)

type writtenPoint struct {
	measurement string
	tags        map[string]string
	fields      map[string]any
	ts          time.Time
}

// mockWriter implements PointWriter for testing.
type mockWriter struct {
	mu     sync.Mutex
	points []writtenPoint
}

func (m *mockWriter) WritePoint(measurement string, tags map[string]string, fields map[string]any, ts time.Time) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.points = append(m.points, writtenPoint{measurement, tags, fields, ts})
}

func (m *mockWriter) Points() []writtenPoint {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]writtenPoint(nil), m.points...)
}

type staticUIConfig struct{ cfg *gira.UIConfig }

func (s staticUIConfig) UIConfig() *gira.UIConfig { return s.cfg }

func testUIConfig(t *testing.T) *gira.UIConfig {
	t.Helper()
	cfg, err := gira.ParseUIConfig(json.RawMessage(`{
		"uid": "cfg1",
		"functions": [{
			"uid": "f1", "displayName": "Kitchen Ceiling",
			"dataPoints": [{"uid": "a02b", "name": "OnOff"}, {"uid": "a02c", "name": "Brightness"}]
		}]
	}`))
	if err != nil {
		t.Fatalf("ParseUIConfig() error = %v", err)
	}
	return cfg
}

func TestNewValueRecorder_Validation(t *testing.T) {
	if _, err := NewValueRecorder("", &mockWriter{}, nil); !errors.Is(err, gira.ErrConfiguration) {
		t.Errorf("missing session: error = %v", err)
	}
	if _, err := NewValueRecorder("x1", nil, nil); !errors.Is(err, gira.ErrConfiguration) {
		t.Errorf("missing writer: error = %v", err)
	}
}

func TestValueRecorder_WritesValueEvents(t *testing.T) {
	w := &mockWriter{}
	rec, err := NewValueRecorder("x1", w, staticUIConfig{testUIConfig(t)})
	if err != nil {
		t.Fatalf("NewValueRecorder() error = %v", err)
	}
	fixed := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
	rec.now = func() time.Time { return fixed }

	if rec.SubscriberID() != "influxdb:x1" {
		t.Errorf("SubscriberID() = %q", rec.SubscriberID())
	}

	payload := json.RawMessage(`{"events":[
		{"uid":"a02b","value":"1"},
		{"uid":"a02c","value":"42.5"},
		{"uid":"zz99","value":"open"},
		{"event":"startup"},
		{"value":"orphan"}
	],"failures":0}`)
	if err := rec.ReceiveEvent(context.Background(), payload); err != nil {
		t.Fatalf("ReceiveEvent() error = %v", err)
	}

	points := w.Points()
	if len(points) != 3 {
		t.Fatalf("points = %d, want 3", len(points))
	}

	tests := []struct {
		uid       string
		function  string
		datapoint string
		value     string
		float     any
	}{
		{"a02b", "Kitchen Ceiling", "OnOff", "1", 1.0},
		{"a02c", "Kitchen Ceiling", "Brightness", "42.5", 42.5},
		{"zz99", "", "", "open", nil},
	}
	for i, tt := range tests {
		p := points[i]
		if p.measurement != MeasurementValueEvents {
			t.Errorf("[%d] measurement = %q", i, p.measurement)
		}
		if p.tags["session"] != "x1" || p.tags["uid"] != tt.uid {
			t.Errorf("[%d] tags = %v", i, p.tags)
		}
		if p.tags["function"] != tt.function || p.tags["datapoint"] != tt.datapoint {
			t.Errorf("[%d] name tags = %v", i, p.tags)
		}
		if p.fields["value"] != tt.value {
			t.Errorf("[%d] value = %v, want %q", i, p.fields["value"], tt.value)
		}
		if p.fields["value_float"] != tt.float {
			t.Errorf("[%d] value_float = %v, want %v", i, p.fields["value_float"], tt.float)
		}
		if !p.ts.Equal(fixed) {
			t.Errorf("[%d] ts = %v", i, p.ts)
		}
	}
}

func TestValueRecorder_NoUIConfig(t *testing.T) {
	w := &mockWriter{}
	rec, _ := NewValueRecorder("x1", w, staticUIConfig{nil}) //nolint:errcheck // Valid config

	if err := rec.ReceiveEvent(context.Background(), json.RawMessage(`{"events":[{"uid":"a02b","value":"1"}]}`)); err != nil {
		t.Fatalf("ReceiveEvent() error = %v", err)
	}
	points := w.Points()
	if len(points) != 1 {
		t.Fatalf("points = %d, want 1", len(points))
	}
	if _, ok := points[0].tags["function"]; ok {
		t.Error("function tag set without a UI configuration")
	}
}

func TestValueRecorder_BadPayload(t *testing.T) {
	rec, _ := NewValueRecorder("x1", &mockWriter{}, nil) //nolint:errcheck // Valid config
	if err := rec.ReceiveEvent(context.Background(), json.RawMessage(`[1,2]`)); err == nil {
		t.Error("ReceiveEvent() accepted a non-object payload")
	}
}

func TestValueFields(t *testing.T) {
	tests := []struct {
		name      string
		raw       string
		wantValue string
		wantFloat any
	}{
		{"string number", `"21.5"`, "21.5", 21.5},
		{"json number", `7`, "7", 7.0},
		{"bool true", `true`, "true", 1.0},
		{"string false", `"false"`, "false", 0.0},
		{"text", `"open"`, "open", nil},
		{"object", `{"r":1}`, `{"r":1}`, nil},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := valueFields(json.RawMessage(tt.raw))
			if got["value"] != tt.wantValue {
				t.Errorf("value = %v, want %q", got["value"], tt.wantValue)
			}
			if got["value_float"] != tt.wantFloat {
				t.Errorf("value_float = %v, want %v", got["value_float"], tt.wantFloat)
			}
		})
	}
}
