package influxdb

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/nerrad567/gray-logic-gira/internal/bridges/gira"
)

// MeasurementValueEvents is the measurement value events are written to.
const MeasurementValueEvents = "gira_value_events"

// PointWriter accepts points for asynchronous delivery.
type PointWriter interface {
	WritePoint(measurement string, tags map[string]string, fields map[string]any, ts time.Time)
}

// UIConfigSource exposes the UI configuration mirror used to name data points.
type UIConfigSource interface {
	UIConfig() *gira.UIConfig
}

// ValueRecorder subscribes to a Gira session and writes every value event
// as a point tagged with the session, the data point UID and, when the UI
// configuration knows them, the function and data point names.
type ValueRecorder struct {
	sessionID string
	writer    PointWriter
	names     UIConfigSource
	now       func() time.Time
}

// NewValueRecorder creates a recorder for one session. names may be nil.
func NewValueRecorder(sessionID string, writer PointWriter, names UIConfigSource) (*ValueRecorder, error) {
	if sessionID == "" {
		return nil, fmt.Errorf("%w: value recorder needs a session id", gira.ErrConfiguration)
	}
	if writer == nil {
		return nil, fmt.Errorf("%w: value recorder needs a writer", gira.ErrConfiguration)
	}
	return &ValueRecorder{
		sessionID: sessionID,
		writer:    writer,
		names:     names,
		now:       time.Now,
	}, nil
}

// SubscriberID identifies the recorder within its session.
func (r *ValueRecorder) SubscriberID() string {
	return "influxdb:" + r.sessionID
}

// ReceiveEvent writes the value events in payload. Service events (those
// with an event name) and entries without a UID are skipped.
func (r *ValueRecorder) ReceiveEvent(_ context.Context, payload json.RawMessage) error {
	var body struct {
		Events []gira.Event `json:"events"`
	}
	if err := json.Unmarshal(payload, &body); err != nil {
		return fmt.Errorf("decoding value events: %w", err)
	}

	var cfg *gira.UIConfig
	if r.names != nil {
		cfg = r.names.UIConfig()
	}

	ts := r.now()
	for _, ev := range body.Events {
		if ev.Event != "" || ev.UID == "" {
			continue
		}

		tags := map[string]string{
			"session": r.sessionID,
			"uid":     ev.UID,
		}
		if fn, dp, ok := cfg.DataPoint(ev.UID); ok {
			tags["function"] = fn.DisplayName
			tags["datapoint"] = dp.Name
		}

		r.writer.WritePoint(MeasurementValueEvents, tags, valueFields(ev.Value), ts)
	}
	return nil
}

// valueFields always records the raw text and adds a numeric field when the
// value parses as a number or boolean.
func valueFields(raw json.RawMessage) map[string]any {
	text := string(raw)
	var s string
	if json.Unmarshal(raw, &s) == nil {
		text = s
	}

	fields := map[string]any{"value": text}
	if f, err := strconv.ParseFloat(text, 64); err == nil {
		fields["value_float"] = f
	} else if b, err := strconv.ParseBool(text); err == nil {
		if b {
			fields["value_float"] = 1.0
		} else {
			fields["value_float"] = 0.0
		}
	}
	return fields
}
