// Gira Bridge - Gira X1 / HomeServer integration for Gray Logic
//
// This is the main entry point of the bridge. It keeps one registered
// client session per configured Gira device, receives the device webhooks,
// and exposes data point reads, writes and events to flows over MQTT.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"

	_ "github.com/nerrad567/gray-logic-gira/migrations"

	"github.com/nerrad567/gray-logic-gira/internal/api"
	"github.com/nerrad567/gray-logic-gira/internal/audit"
	"github.com/nerrad567/gray-logic-gira/internal/bridges/gira"
	"github.com/nerrad567/gray-logic-gira/internal/flow"
	"github.com/nerrad567/gray-logic-gira/internal/infrastructure/config"
	"github.com/nerrad567/gray-logic-gira/internal/infrastructure/database"
	"github.com/nerrad567/gray-logic-gira/internal/infrastructure/influxdb"
	"github.com/nerrad567/gray-logic-gira/internal/infrastructure/logging"
	"github.com/nerrad567/gray-logic-gira/internal/infrastructure/mqtt"
)

// Version information - set at build time via ldflags
// Example: go build -ldflags "-X main.version=1.0.0 -X main.commit=abc123"
var (
	version = "dev"
	commit  = "unknown"
	date    = "unknown"
)

const (
	defaultConfigPath = "configs/config.yaml"

	// sessionCloseTimeout bounds unregistering every session at shutdown.
	sessionCloseTimeout = 15 * time.Second
)

func main() {
	if len(os.Args) > 1 && os.Args[1] == "token" {
		if err := issueAPIToken(os.Args[2:], os.Stdout); err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(1)
		}
		return
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	if err := run(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

// run is the application logic, separated from main for testability.
//
// Parameters:
//   - ctx: Context for cancellation and shutdown signals
//
// Returns:
//   - error: nil on clean shutdown, or error describing failure
func run(ctx context.Context) error { //nolint:gocognit,gocyclo // Startup sequence reads top to bottom
	log := logging.Default()
	log.Info("starting Gira bridge",
		"version", version,
		"commit", commit,
		"build_date", date,
	)

	configPath := getConfigPath()
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}
	log = logging.New(cfg.Logging, version)
	log.Info("configuration loaded",
		"path", configPath,
		"hosts", len(cfg.Gira.Hosts),
		"flow_nodes", len(cfg.Flow.Nodes),
	)

	health := make(map[string]api.HealthChecker)

	// Audit trail (optional)
	var auditRepo audit.Repository
	var recorder *audit.AsyncRecorder
	if cfg.Database.Enabled {
		db, openErr := database.Open(cfg.Database)
		if openErr != nil {
			return fmt.Errorf("opening database: %w", openErr)
		}
		defer func() {
			log.Info("closing database")
			if closeErr := db.Close(); closeErr != nil {
				log.Error("error closing database", "error", closeErr)
			}
		}()
		if migrateErr := db.Migrate(ctx); migrateErr != nil {
			return fmt.Errorf("running migrations: %w", migrateErr)
		}
		log.Info("database ready", "path", db.Path())

		auditRepo = audit.NewSQLiteRepository(db.DB)
		recorder = audit.NewAsyncRecorder(auditRepo, 0, log.With("component", "audit"))
		defer recorder.Close()
		health["database"] = db
	} else {
		log.Info("database disabled, audit trail off")
	}

	// MQTT
	mqttClient, err := mqtt.Connect(cfg.MQTT)
	if err != nil {
		return fmt.Errorf("connecting to MQTT: %w", err)
	}
	defer func() {
		log.Info("disconnecting from MQTT")
		if closeErr := mqttClient.Close(); closeErr != nil {
			log.Error("error closing MQTT", "error", closeErr)
		}
	}()
	mqttClient.SetLogger(log.With("component", "mqtt"))
	mqttClient.SetOnConnect(func() { log.Info("MQTT connected") })
	mqttClient.SetOnDisconnect(func(err error) { log.Warn("MQTT disconnected", "error", err) })
	health["mqtt"] = mqttClient
	log.Info("MQTT connected",
		"broker", fmt.Sprintf("%s:%d", cfg.MQTT.Broker.Host, cfg.MQTT.Broker.Port),
		"client_id", cfg.MQTT.Broker.ClientID,
	)

	// InfluxDB (optional)
	var influxClient *influxdb.Client
	if cfg.InfluxDB.Enabled {
		influxClient, err = influxdb.Connect(ctx, cfg.InfluxDB, log.With("component", "influxdb"))
		if err != nil {
			return fmt.Errorf("connecting to InfluxDB: %w", err)
		}
		defer func() {
			log.Info("closing InfluxDB connection")
			if closeErr := influxClient.Close(); closeErr != nil {
				log.Error("error closing InfluxDB", "error", closeErr)
			}
		}()
		health["influxdb"] = influxClient
		log.Info("InfluxDB connected", "url", cfg.InfluxDB.URL, "bucket", cfg.InfluxDB.Bucket)
	} else {
		log.Info("InfluxDB disabled")
	}

	hubCtx, stopHub := context.WithCancel(ctx)
	defer stopHub()
	hub := api.NewHub(cfg.WebSocket, log.With("component", "websocket"))
	go hub.Run(hubCtx)

	// Gira sessions
	router := gira.NewRouter(log.With("component", "gira"))
	sessions, err := buildSessions(cfg, log, recorder, mqttClient, hub)
	if err != nil {
		closeSessions(sessions, log)
		return err
	}
	for _, sess := range sessions {
		if regErr := router.Register(sess); regErr != nil {
			closeSessions(sessions, log)
			return fmt.Errorf("registering session: %w", regErr)
		}
		if influxClient != nil {
			rec, recErr := influxdb.NewValueRecorder(sess.ID(), influxClient, sess)
			if recErr == nil {
				recErr = sess.AddSubscriber(rec)
			}
			if recErr != nil {
				log.Warn("value telemetry not attached", "session", sess.ID(), "error", recErr)
			}
		}
		if cfg.Gira.StreamEvents {
			if subErr := sess.AddSubscriber(api.NewEventRelay(hub, sess.ID())); subErr != nil {
				log.Warn("event relay not attached", "session", sess.ID(), "error", subErr)
			}
		}
	}

	// Flow runtime
	flows, err := flow.NewRuntime(flow.RuntimeOptions{
		Broker: mqttClient,
		Hosts: func(id string) (flow.Host, bool) {
			sess, ok := router.Session(id)
			if !ok {
				return nil, false
			}
			return sess, true
		},
		QoS:    byte(cfg.MQTT.QoS), //nolint:gosec // Validated to 0..2
		Logger: log.With("component", "flow"),
	})
	if err != nil {
		closeSessions(sessions, log)
		return fmt.Errorf("creating flow runtime: %w", err)
	}
	if deployErr := flows.Deploy(ctx, cfg.Flow.Nodes); deployErr != nil {
		log.Warn("some flow nodes were not deployed", "error", deployErr)
	}
	log.Info("flow runtime started", "nodes", flows.NodeCount())

	// HTTP server
	server, err := api.New(api.Deps{
		Config:   cfg.API,
		WS:       cfg.WebSocket,
		Logger:   log.With("component", "api"),
		Sessions: router,
		Audit:    auditRepo,
		Health:   health,
		Hub:      hub,
		Version:  version,
	})
	if err != nil {
		_ = flows.Close() //nolint:errcheck // Startup failure path
		closeSessions(sessions, log)
		return fmt.Errorf("creating API server: %w", err)
	}
	if startErr := server.Start(ctx); startErr != nil {
		_ = flows.Close() //nolint:errcheck // Startup failure path
		closeSessions(sessions, log)
		return fmt.Errorf("starting API server: %w", startErr)
	}

	// Sessions start once the webhook endpoint listens so the device's
	// callback probe can succeed.
	for _, sess := range sessions {
		if startErr := sess.Start(); startErr != nil {
			log.Error("session failed to start", "session", sess.ID(), "error", startErr)
		}
	}

	log.Info("initialisation complete, waiting for shutdown signal")
	<-ctx.Done()
	log.Info("shutdown signal received, cleaning up")

	// Flow nodes detach first, then sessions unregister from the devices
	// while the webhook endpoint still answers. Remaining resources close
	// through the defers.
	if closeErr := flows.Close(); closeErr != nil {
		log.Warn("flow runtime close reported errors", "error", closeErr)
	}
	closeSessions(sessions, log)
	if closeErr := server.Close(); closeErr != nil {
		log.Error("error closing API server", "error", closeErr)
	}

	log.Info("Gira bridge stopped")
	return nil
}

// buildSessions creates one session per configured host. Sessions are not
// started. On error the sessions created so far are returned for cleanup.
func buildSessions(
	cfg *config.Config,
	log *logging.Logger,
	recorder *audit.AsyncRecorder,
	broker *mqtt.Client,
	hub *api.Hub,
) ([]*gira.Session, error) {
	sessions := make([]*gira.Session, 0, len(cfg.Gira.Hosts))
	for _, host := range cfg.Gira.Hosts {
		client, err := gira.NewClient(gira.ClientOptions{
			BaseURL:     host.URL,
			Timeout:     host.GetRequestTimeout(),
			TLSInsecure: host.TLSInsecure,
		})
		if err != nil {
			return sessions, fmt.Errorf("host %s: %w", host.ID, err)
		}

		sess, err := gira.NewSession(gira.SessionOptions{
			ID:             host.ID,
			HostURL:        host.URL,
			Client:         client,
			Credentials:    gira.Credentials{Username: host.Username, Password: host.Password},
			CallbackURL:    gira.CallbackURL(cfg.Gira.CallbackBaseURL, host.ID),
			RetryInterval:  host.RetryInterval,
			TestCallbacks:  host.GetTestCallbacks(),
			RequestTimeout: host.GetRequestTimeout(),
			Logger:         log.With("component", "gira", "session", host.ID),
			OnLifecycle:    lifecycleRecorder(recorder),
		})
		if err != nil {
			return sessions, fmt.Errorf("host %s: %w", host.ID, err)
		}
		sess.SetOnStateChange(stateFanout(broker, byte(cfg.MQTT.QoS), hub, log)) //nolint:gosec // Validated to 0..2
		sessions = append(sessions, sess)
	}
	return sessions, nil
}

// lifecycleRecorder converts session lifecycle events into audit entries.
// It returns nil when the audit trail is off.
func lifecycleRecorder(recorder *audit.AsyncRecorder) func(gira.LifecycleEvent) {
	if recorder == nil {
		return nil
	}
	return func(ev gira.LifecycleEvent) {
		details := make(map[string]any, len(ev.Details)+1)
		for k, v := range ev.Details {
			details[k] = v
		}
		details["state"] = ev.State.String()
		recorder.Record(audit.Entry{
			SessionID: ev.SessionID,
			Action:    ev.Action,
			Details:   details,
			CreatedAt: ev.Time,
		})
	}
}

// statePublisher is the MQTT surface used for session state.
type statePublisher interface {
	Publish(topic string, payload []byte, qos byte, retained bool) error
}

// stateFanout publishes each snapshot retained on MQTT and broadcasts it to
// WebSocket clients.
func stateFanout(broker statePublisher, qos byte, hub *api.Hub, log *logging.Logger) func(gira.Snapshot) {
	topics := mqtt.Topics{}
	return func(snap gira.Snapshot) {
		payload, err := json.Marshal(snap)
		if err != nil {
			log.Error("failed to encode session state", "session", snap.ID, "error", err)
			return
		}
		if err := broker.Publish(topics.SessionState(snap.ID), payload, qos, true); err != nil {
			log.Debug("session state not published", "session", snap.ID, "error", err)
		}
		if hub != nil {
			hub.BroadcastState(snap)
		}
	}
}

// closeSessions unregisters every session from its device.
func closeSessions(sessions []*gira.Session, log *logging.Logger) {
	ctx, cancel := context.WithTimeout(context.Background(), sessionCloseTimeout)
	defer cancel()

	var errs []error
	for _, sess := range sessions {
		if err := sess.Close(ctx); err != nil {
			errs = append(errs, fmt.Errorf("session %s: %w", sess.ID(), err))
		}
	}
	if err := errors.Join(errs...); err != nil {
		log.Warn("sessions closed with errors", "error", err)
	}
}

// getConfigPath returns GRAYLOGIC_CONFIG when set, otherwise the default path.
// issueAPIToken prints a status API bearer token signed with the configured
// secret. Usage: girabridge token <subject> [ttl]
func issueAPIToken(args []string, out io.Writer) error {
	if len(args) == 0 || args[0] == "" {
		return errors.New("usage: girabridge token <subject> [ttl]")
	}
	var ttl time.Duration
	if len(args) > 1 {
		d, err := time.ParseDuration(args[1])
		if err != nil {
			return fmt.Errorf("parsing ttl: %w", err)
		}
		ttl = d
	}

	cfg, err := config.Load(getConfigPath())
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}
	token, err := api.IssueToken(cfg.API.Auth.JWTSecret, args[0], ttl)
	if err != nil {
		return err
	}
	_, err = fmt.Fprintln(out, token)
	return err
}

func getConfigPath() string {
	if path := os.Getenv("GRAYLOGIC_CONFIG"); path != "" {
		return path
	}
	return defaultConfigPath
}
