package influxdb

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	influxdb2 "github.com/influxdata/influxdb-client-go/v2"
	"github.com/influxdata/influxdb-client-go/v2/api"
	"github.com/influxdata/influxdb-client-go/v2/api/write"

	"github.com/nerrad567/gray-logic-gira/internal/infrastructure/config"
)

const (
	defaultConnectTimeout = 10 * time.Second
	defaultPingTimeout    = 5 * time.Second
	closeDrainTimeout     = time.Second

	defaultBatchSize     = 100
	defaultFlushInterval = 10

	millisecondsPerSecond = 1000
)

// Logger is the logging interface used by the client.
type Logger interface {
	Warn(msg string, args ...any)
}

// Stats counts points handed to the write API and asynchronous write failures.
type Stats struct {
	Points      int64 `json:"points"`
	WriteErrors int64 `json:"write_errors"`
}

// Client wraps the InfluxDB v2 client for Gira value telemetry.
//
// It owns the connection, the batched non-blocking write API and the health
// check used by the status endpoint.
//
// Thread Safety:
//   - All methods are safe for concurrent use from multiple goroutines.
//   - Writes never block; failures surface through the logger and Stats.
type Client struct {
	client   influxdb2.Client
	writeAPI api.WriteAPI
	logger   Logger

	mu        sync.RWMutex
	connected bool

	points      atomic.Int64
	writeErrors atomic.Int64
	errsDone    chan struct{}
}

// Connect establishes a connection to the InfluxDB server.
//
// It performs the following setup:
//  1. Creates the client with token authentication and batch options
//  2. Verifies connectivity with a ping bounded by ctx
//  3. Starts draining asynchronous write errors into the logger
//
// Parameters:
//   - ctx: Bounds the initial ping
//   - cfg: InfluxDB configuration from config.yaml
//   - logger: Receives write failures; nil discards them
//
// Returns:
//   - *Client: Connected client ready for use
//   - error: ErrDisabled, or ErrConnectionFailed wrapping the cause
func Connect(ctx context.Context, cfg config.InfluxDBConfig, logger Logger) (*Client, error) {
	if !cfg.Enabled {
		return nil, ErrDisabled
	}
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}

	batchSize := cfg.BatchSize
	if batchSize <= 0 {
		batchSize = defaultBatchSize
	}
	flushInterval := cfg.FlushInterval
	if flushInterval <= 0 {
		flushInterval = defaultFlushInterval
	}

	// #nosec G115 -- values validated above to be positive
	client := influxdb2.NewClientWithOptions(
		cfg.URL,
		cfg.Token,
		influxdb2.DefaultOptions().
			SetBatchSize(uint(batchSize)).
			SetFlushInterval(uint(flushInterval)*millisecondsPerSecond),
	)

	pingCtx, cancel := context.WithTimeout(ctx, defaultConnectTimeout)
	defer cancel()

	healthy, err := client.Ping(pingCtx)
	if err != nil {
		client.Close()
		return nil, fmt.Errorf("%w: ping failed: %w", ErrConnectionFailed, err)
	}
	if !healthy {
		client.Close()
		return nil, fmt.Errorf("%w: server not healthy", ErrConnectionFailed)
	}

	c := &Client{
		client:    client,
		writeAPI:  client.WriteAPI(cfg.Org, cfg.Bucket),
		logger:    logger,
		connected: true,
		errsDone:  make(chan struct{}),
	}
	go c.drainErrors(c.writeAPI.Errors())

	return c, nil
}

func (c *Client) drainErrors(errs <-chan error) {
	defer close(c.errsDone)
	for err := range errs {
		c.writeErrors.Add(1)
		c.logger.Warn("influxdb write failed", "error", err)
	}
}

// WritePoint queues a point. It is a no-op once the client is closed.
func (c *Client) WritePoint(measurement string, tags map[string]string, fields map[string]any, ts time.Time) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if !c.connected {
		return
	}
	c.points.Add(1)
	c.writeAPI.WritePoint(write.NewPoint(measurement, tags, fields, ts))
}

// Close flushes pending writes and shuts the client down.
func (c *Client) Close() error {
	c.mu.Lock()
	if !c.connected {
		c.mu.Unlock()
		return nil
	}
	c.connected = false
	c.mu.Unlock()

	c.writeAPI.Flush()
	// Closing the client closes the write API and its error channel.
	c.client.Close()
	select {
	case <-c.errsDone:
	case <-time.After(closeDrainTimeout):
	}
	return nil
}

// HealthCheck verifies the InfluxDB connection is alive and functioning.
//
// Parameters:
//   - ctx: Context for timeout/cancellation
//
// Returns:
//   - error: nil if healthy, error describing the issue otherwise
func (c *Client) HealthCheck(ctx context.Context) error {
	if !c.IsConnected() {
		return ErrNotConnected
	}

	checkCtx, cancel := context.WithTimeout(ctx, defaultPingTimeout)
	defer cancel()

	healthy, err := c.client.Ping(checkCtx)
	if err != nil {
		return fmt.Errorf("influxdb health check failed: %w", err)
	}
	if !healthy {
		return fmt.Errorf("influxdb health check failed: server not healthy")
	}
	return nil
}

// IsConnected reports whether Close has not yet been called.
func (c *Client) IsConnected() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.connected
}

// Flush blocks until buffered points are sent. Safe to call after Close.
func (c *Client) Flush() {
	if !c.IsConnected() {
		return
	}
	c.writeAPI.Flush()
}

// Stats returns write counters since Connect.
func (c *Client) Stats() Stats {
	return Stats{Points: c.points.Load(), WriteErrors: c.writeErrors.Load()}
}
