// Package influxdb exports Gira value events to InfluxDB.
//
// It wraps the official influxdb-client-go v2 library for connection
// management, batched writes and health monitoring, and provides
// ValueRecorder, a session subscriber that turns webhook value events into
// points.
//
// # Usage
//
//	client, err := influxdb.Connect(ctx, cfg.InfluxDB, logger)
//	if err != nil {
//	    return err
//	}
//	defer client.Close()
//
//	rec, _ := influxdb.NewValueRecorder(session.ID(), client, session)
//	_ = session.AddSubscriber(rec)
//
// # Data Model
//
// Each value event becomes one point in the gira_value_events measurement:
//
//	tags:   session, uid, function, datapoint
//	fields: value (raw text), value_float (when numeric or boolean)
//
// Function and data point names come from the session's UI configuration
// mirror and are omitted when the UID is unknown.
//
// # Thread Safety
//
// All methods are safe for concurrent use from multiple goroutines.
// Writes are non-blocking; asynchronous failures are logged and counted.
package influxdb
