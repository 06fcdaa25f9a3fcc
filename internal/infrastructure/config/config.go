package config

import (
	"fmt"
	"net/url"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the root configuration structure for the Gray Logic Gira bridge.
// All configuration is loaded from YAML and can be overridden by environment variables.
type Config struct {
	Database  DatabaseConfig  `yaml:"database"`
	MQTT      MQTTConfig      `yaml:"mqtt"`
	API       APIConfig       `yaml:"api"`
	WebSocket WebSocketConfig `yaml:"websocket"`
	InfluxDB  InfluxDBConfig  `yaml:"influxdb"`
	Logging   LoggingConfig   `yaml:"logging"`
	Gira      GiraConfig      `yaml:"gira"`
	Flow      FlowConfig      `yaml:"flow"`
}

// DatabaseConfig contains SQLite database settings.
// The database only holds the session audit trail.
type DatabaseConfig struct {
	Enabled     bool   `yaml:"enabled"`
	Path        string `yaml:"path"`
	WALMode     bool   `yaml:"wal_mode"`
	BusyTimeout int    `yaml:"busy_timeout"`
}

// MQTTConfig contains MQTT broker connection settings.
type MQTTConfig struct {
	Broker    MQTTBrokerConfig    `yaml:"broker"`
	Auth      MQTTAuthConfig      `yaml:"auth"`
	QoS       int                 `yaml:"qos"`
	Reconnect MQTTReconnectConfig `yaml:"reconnect"`
}

// MQTTBrokerConfig contains MQTT broker connection details.
type MQTTBrokerConfig struct {
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	TLS      bool   `yaml:"tls"`
	ClientID string `yaml:"client_id"`
}

// MQTTAuthConfig contains MQTT authentication credentials.
type MQTTAuthConfig struct {
	Username string `yaml:"username"`
	Password string `yaml:"password"`
}

// MQTTReconnectConfig contains MQTT reconnection settings.
type MQTTReconnectConfig struct {
	InitialDelay int `yaml:"initial_delay"`
	MaxDelay     int `yaml:"max_delay"`
}

// APIConfig contains HTTP server settings. The same listener serves the
// Gira webhook endpoint and the status API.
type APIConfig struct {
	Host     string           `yaml:"host"`
	Port     int              `yaml:"port"`
	TLS      TLSConfig        `yaml:"tls"`
	Timeouts APITimeoutConfig `yaml:"timeouts"`
	Auth     APIAuthConfig    `yaml:"auth"`
}

// APIAuthConfig protects the status API and WebSocket with HS256 bearer
// tokens. The Gira webhook and health endpoints are not covered.
type APIAuthConfig struct {
	JWTSecret string `yaml:"jwt_secret"`
}

// MinJWTSecretLength is the shortest accepted api.auth.jwt_secret.
const MinJWTSecretLength = 32

// TLSConfig contains TLS certificate settings.
type TLSConfig struct {
	Enabled  bool   `yaml:"enabled"`
	CertFile string `yaml:"cert_file"`
	KeyFile  string `yaml:"key_file"`
}

// APITimeoutConfig contains HTTP timeout settings (seconds).
type APITimeoutConfig struct {
	Read  int `yaml:"read"`
	Write int `yaml:"write"`
	Idle  int `yaml:"idle"`
}

// WebSocketConfig contains WebSocket server settings.
type WebSocketConfig struct {
	MaxMessageSize int `yaml:"max_message_size"`
	PingInterval   int `yaml:"ping_interval"`
	PongTimeout    int `yaml:"pong_timeout"`
}

// InfluxDBConfig contains InfluxDB connection settings for value telemetry.
type InfluxDBConfig struct {
	Enabled       bool   `yaml:"enabled"`
	URL           string `yaml:"url"`
	Token         string `yaml:"token"`
	Org           string `yaml:"org"`
	Bucket        string `yaml:"bucket"`
	BatchSize     int    `yaml:"batch_size"`
	FlushInterval int    `yaml:"flush_interval"`
}

// LoggingConfig contains logging settings.
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
	Output string `yaml:"output"`
}

// GiraConfig contains settings shared by all Gira sessions plus the host list.
type GiraConfig struct {
	// CallbackBaseURL is the externally reachable base address of this
	// service. The device POSTs events to {CallbackBaseURL}/gira/callback/{host id}.
	CallbackBaseURL string `yaml:"callback_base_url"`

	// Hosts lists the devices to open sessions against. One session per host.
	Hosts []GiraHostConfig `yaml:"hosts"`

	// StreamEvents relays webhook payloads to WebSocket clients on the
	// gira.event channel. The relay subscribes to every session, so the
	// device callbacks stay registered even when no flow node listens.
	StreamEvents bool `yaml:"stream_events"`
}

// GiraHostConfig describes one Gira X1 / HomeServer.
type GiraHostConfig struct {
	// ID names the session. It is part of the callback path and the client ID.
	ID string `yaml:"id"`

	// URL is the device base address, e.g. "https://192.168.1.20".
	URL string `yaml:"url"`

	// Username and Password are the basic auth credentials used only for
	// client registration.
	Username string `yaml:"username"`
	Password string `yaml:"password"`

	// RetryInterval is how long to wait between registration attempts.
	// Zero selects the session default; the session also enforces its floor.
	RetryInterval time.Duration `yaml:"retry_interval"`

	// TestCallbacks asks the device to probe the webhook URLs before
	// accepting them. Default: true.
	TestCallbacks *bool `yaml:"test_callbacks,omitempty"`

	// TLSInsecure disables certificate verification. The device ships a
	// self-signed certificate.
	TLSInsecure bool `yaml:"tls_insecure"`

	// RequestTimeout bounds every HTTP call to the device. Default: 10s.
	RequestTimeout time.Duration `yaml:"request_timeout"`
}

// FlowConfig contains the flow nodes deployed at startup.
type FlowConfig struct {
	Nodes []FlowNodeConfig `yaml:"nodes"`
}

// FlowNodeConfig is the persisted configuration of a single flow node.
type FlowNodeConfig struct {
	ID   string `yaml:"id"`
	Type string `yaml:"type"` // "gira-get", "gira-set" or "gira-event"
	Host string `yaml:"host"` // GiraHostConfig.ID
	UID  string `yaml:"uid,omitempty"`
}

// Flow node types.
const (
	NodeTypeGet   = "gira-get"
	NodeTypeSet   = "gira-set"
	NodeTypeEvent = "gira-event"
)

// GetTestCallbacks reports whether the device should probe webhook URLs.
func (h GiraHostConfig) GetTestCallbacks() bool {
	if h.TestCallbacks == nil {
		return true
	}
	return *h.TestCallbacks
}

// GetRequestTimeout returns the per-request timeout toward the device.
func (h GiraHostConfig) GetRequestTimeout() time.Duration {
	if h.RequestTimeout <= 0 {
		return 10 * time.Second
	}
	return h.RequestTimeout
}

// Load reads configuration from a YAML file and applies environment variable overrides.
//
// The configuration loading order is:
//  1. Default values (hardcoded)
//  2. YAML file values (override defaults)
//  3. Environment variables (override file values)
//
// Environment variables follow the pattern: GRAYLOGIC_SECTION_KEY
// For example: GRAYLOGIC_MQTT_HOST, GRAYLOGIC_GIRA_PASSWORD
//
// Parameters:
//   - path: Path to the YAML configuration file
//
// Returns:
//   - *Config: Loaded and validated configuration
//   - error: If file cannot be read, parsed, or validation fails
func Load(path string) (*Config, error) {
	cfg := defaultConfig()

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing config file: %w", err)
	}

	applyEnvOverrides(cfg)

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	return cfg, nil
}

// defaultConfig returns a Config with sensible defaults.
func defaultConfig() *Config {
	return &Config{
		Database: DatabaseConfig{
			Enabled:     true,
			Path:        "./data/gira-bridge.db",
			WALMode:     true,
			BusyTimeout: 5,
		},
		MQTT: MQTTConfig{
			Broker: MQTTBrokerConfig{
				Host:     "localhost",
				Port:     1883,
				ClientID: "graylogic-gira",
			},
			QoS: 1,
			Reconnect: MQTTReconnectConfig{
				InitialDelay: 1,
				MaxDelay:     60,
			},
		},
		API: APIConfig{
			Host: "0.0.0.0",
			Port: 8090,
			Timeouts: APITimeoutConfig{
				Read:  30,
				Write: 30,
				Idle:  60,
			},
		},
		WebSocket: WebSocketConfig{
			MaxMessageSize: 8192,
			PingInterval:   30,
			PongTimeout:    10,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
			Output: "stdout",
		},
	}
}

// applyEnvOverrides applies environment variable overrides to the configuration.
// Credentials for Gira hosts apply to every host that has none configured.
func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv("GRAYLOGIC_DATABASE_PATH"); v != "" {
		cfg.Database.Path = v
	}

	if v := os.Getenv("GRAYLOGIC_MQTT_HOST"); v != "" {
		cfg.MQTT.Broker.Host = v
	}
	if v := os.Getenv("GRAYLOGIC_MQTT_USERNAME"); v != "" {
		cfg.MQTT.Auth.Username = v
	}
	if v := os.Getenv("GRAYLOGIC_MQTT_PASSWORD"); v != "" {
		cfg.MQTT.Auth.Password = v
	}

	if v := os.Getenv("GRAYLOGIC_API_HOST"); v != "" {
		cfg.API.Host = v
	}

	// API JWT secret (always override in production)
	if v := os.Getenv("GRAYLOGIC_JWT_SECRET"); v != "" {
		cfg.API.Auth.JWTSecret = v
	}

	if v := os.Getenv("GRAYLOGIC_INFLUXDB_TOKEN"); v != "" {
		cfg.InfluxDB.Token = v
	}

	if v := os.Getenv("GRAYLOGIC_GIRA_CALLBACK_BASE_URL"); v != "" {
		cfg.Gira.CallbackBaseURL = v
	}
	username := os.Getenv("GRAYLOGIC_GIRA_USERNAME")
	password := os.Getenv("GRAYLOGIC_GIRA_PASSWORD")
	for i := range cfg.Gira.Hosts {
		if username != "" && cfg.Gira.Hosts[i].Username == "" {
			cfg.Gira.Hosts[i].Username = username
		}
		if password != "" && cfg.Gira.Hosts[i].Password == "" {
			cfg.Gira.Hosts[i].Password = password
		}
	}
}

// Validate checks the configuration for errors.
//
// Returns:
//   - error: Description of validation failure, or nil if valid
func (c *Config) Validate() error {
	var errs []string

	if c.Database.Enabled && c.Database.Path == "" {
		errs = append(errs, "database.path is required when database is enabled")
	}

	if c.MQTT.QoS < 0 || c.MQTT.QoS > 2 {
		errs = append(errs, "mqtt.qos must be 0, 1, or 2")
	}

	if c.API.Port < 1 || c.API.Port > 65535 {
		errs = append(errs, "api.port must be between 1 and 65535")
	}

	// The status API exposes device configuration, so a secret is required.
	if c.API.Auth.JWTSecret == "" {
		errs = append(errs, "api.auth.jwt_secret is required (set GRAYLOGIC_JWT_SECRET environment variable)")
	} else if len(c.API.Auth.JWTSecret) < MinJWTSecretLength {
		errs = append(errs, fmt.Sprintf("api.auth.jwt_secret must be at least %d characters", MinJWTSecretLength))
	}

	if len(c.Gira.Hosts) > 0 {
		if c.Gira.CallbackBaseURL == "" {
			errs = append(errs, "gira.callback_base_url is required")
		} else if _, err := url.ParseRequestURI(c.Gira.CallbackBaseURL); err != nil {
			errs = append(errs, "gira.callback_base_url is not a valid URL")
		}
	}

	hostIDs := make(map[string]bool, len(c.Gira.Hosts))
	for i, h := range c.Gira.Hosts {
		switch {
		case h.ID == "":
			errs = append(errs, fmt.Sprintf("gira.hosts[%d].id is required", i))
		case hostIDs[h.ID]:
			errs = append(errs, fmt.Sprintf("gira.hosts[%d].id %q is duplicated", i, h.ID))
		}
		hostIDs[h.ID] = true

		if h.URL == "" {
			errs = append(errs, fmt.Sprintf("gira.hosts[%d].url is required", i))
		}
	}

	nodeIDs := make(map[string]bool, len(c.Flow.Nodes))
	for i, n := range c.Flow.Nodes {
		if n.ID == "" {
			errs = append(errs, fmt.Sprintf("flow.nodes[%d].id is required", i))
		} else if nodeIDs[n.ID] {
			errs = append(errs, fmt.Sprintf("flow.nodes[%d].id %q is duplicated", i, n.ID))
		}
		nodeIDs[n.ID] = true

		switch n.Type {
		case NodeTypeGet, NodeTypeSet, NodeTypeEvent:
		default:
			errs = append(errs, fmt.Sprintf("flow.nodes[%d].type %q is unknown", i, n.Type))
		}
		if !hostIDs[n.Host] {
			errs = append(errs, fmt.Sprintf("flow.nodes[%d].host %q does not name a gira host", i, n.Host))
		}
	}

	if len(errs) > 0 {
		return fmt.Errorf("configuration errors: %s", strings.Join(errs, "; "))
	}

	return nil
}

// GetReadTimeout returns the API read timeout as a Duration.
func (c *Config) GetReadTimeout() time.Duration {
	return time.Duration(c.API.Timeouts.Read) * time.Second
}

// GetWriteTimeout returns the API write timeout as a Duration.
func (c *Config) GetWriteTimeout() time.Duration {
	return time.Duration(c.API.Timeouts.Write) * time.Second
}

// GetIdleTimeout returns the API idle timeout as a Duration.
func (c *Config) GetIdleTimeout() time.Duration {
	return time.Duration(c.API.Timeouts.Idle) * time.Second
}

// Host returns the Gira host configuration with the given ID.
func (c *Config) Host(id string) (GiraHostConfig, bool) {
	for _, h := range c.Gira.Hosts {
		if h.ID == id {
			return h, true
		}
	}
	return GiraHostConfig{}, false
}
