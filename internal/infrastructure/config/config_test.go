package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	tmpDir := t.TempDir()
	configPath := filepath.Join(tmpDir, "config.yaml")
	if err := os.WriteFile(configPath, []byte(content), 0600); err != nil {
		t.Fatalf("failed to write test config: %v", err)
	}
	return configPath
}

func TestLoad_ValidConfig(t *testing.T) {
	content := `
database:
  path: "/tmp/test.db"
mqtt:
  broker:
    host: "localhost"
    port: 1883
    client_id: "test-client"
  qos: 1
api:
  host: "0.0.0.0"
  port: 8090
  auth:
    jwt_secret: "0123456789abcdef0123456789abcdef"
gira:
  callback_base_url: "http://192.168.1.10:8090"
  hosts:
    - id: "x1-main"
      url: "https://192.168.1.20"
      username: "admin"
      password: "secret"
      retry_interval: 4s
      tls_insecure: true
flow:
  nodes:
    - id: "n1"
      type: "gira-get"
      host: "x1-main"
      uid: "a04l"
    - id: "n2"
      type: "gira-event"
      host: "x1-main"
`
	cfg, err := Load(writeConfig(t, content))
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	if cfg.Database.Path != "/tmp/test.db" {
		t.Errorf("Database.Path = %q, want %q", cfg.Database.Path, "/tmp/test.db")
	}
	if len(cfg.Gira.Hosts) != 1 {
		t.Fatalf("len(Gira.Hosts) = %d, want 1", len(cfg.Gira.Hosts))
	}

	host := cfg.Gira.Hosts[0]
	if host.RetryInterval != 4*time.Second {
		t.Errorf("RetryInterval = %v, want 4s", host.RetryInterval)
	}
	if !host.GetTestCallbacks() {
		t.Error("GetTestCallbacks() = false, want default true")
	}
	if !host.TLSInsecure {
		t.Error("TLSInsecure = false, want true")
	}
	if len(cfg.Flow.Nodes) != 2 {
		t.Errorf("len(Flow.Nodes) = %d, want 2", len(cfg.Flow.Nodes))
	}
}

func TestLoad_MissingFile(t *testing.T) {
	_, err := Load("/nonexistent/path/config.yaml")
	if err == nil {
		t.Error("Load() expected error for missing file, got nil")
	}
}

func TestLoad_InvalidYAML(t *testing.T) {
	_, err := Load(writeConfig(t, "gira: [unterminated"))
	if err == nil {
		t.Error("Load() expected error for invalid YAML, got nil")
	}
}

func TestGetTestCallbacks_Explicit(t *testing.T) {
	off := false
	h := GiraHostConfig{TestCallbacks: &off}
	if h.GetTestCallbacks() {
		t.Error("GetTestCallbacks() = true, want false")
	}
}

func TestValidate(t *testing.T) {
	valid := func() *Config {
		cfg := defaultConfig()
		cfg.API.Auth.JWTSecret = strings.Repeat("s", MinJWTSecretLength)
		cfg.Gira.CallbackBaseURL = "http://10.0.0.2:8090"
		cfg.Gira.Hosts = []GiraHostConfig{{ID: "x1", URL: "https://10.0.0.3"}}
		cfg.Flow.Nodes = []FlowNodeConfig{{ID: "n1", Type: NodeTypeSet, Host: "x1"}}
		return cfg
	}

	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr string
	}{
		{name: "valid", mutate: func(*Config) {}},
		{
			name:    "missing callback base",
			mutate:  func(c *Config) { c.Gira.CallbackBaseURL = "" },
			wantErr: "gira.callback_base_url is required",
		},
		{
			name:    "missing host id",
			mutate:  func(c *Config) { c.Gira.Hosts[0].ID = ""; c.Flow.Nodes = nil },
			wantErr: "gira.hosts[0].id is required",
		},
		{
			name: "duplicate host id",
			mutate: func(c *Config) {
				c.Gira.Hosts = append(c.Gira.Hosts, GiraHostConfig{ID: "x1", URL: "https://10.0.0.4"})
			},
			wantErr: "is duplicated",
		},
		{
			name:    "missing host url",
			mutate:  func(c *Config) { c.Gira.Hosts[0].URL = "" },
			wantErr: "gira.hosts[0].url is required",
		},
		{
			name:    "unknown node type",
			mutate:  func(c *Config) { c.Flow.Nodes[0].Type = "gira-bogus" },
			wantErr: "is unknown",
		},
		{
			name:    "node references unknown host",
			mutate:  func(c *Config) { c.Flow.Nodes[0].Host = "nope" },
			wantErr: "does not name a gira host",
		},
		{
			name:    "missing jwt secret",
			mutate:  func(c *Config) { c.API.Auth.JWTSecret = "" },
			wantErr: "api.auth.jwt_secret is required",
		},
		{
			name:    "short jwt secret",
			mutate:  func(c *Config) { c.API.Auth.JWTSecret = "short" },
			wantErr: "at least 32 characters",
		},
		{
			name:    "invalid port",
			mutate:  func(c *Config) { c.API.Port = 0 },
			wantErr: "api.port",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := valid()
			tt.mutate(cfg)
			err := cfg.Validate()
			if tt.wantErr == "" {
				if err != nil {
					t.Fatalf("Validate() error = %v, want nil", err)
				}
				return
			}
			if err == nil {
				t.Fatalf("Validate() = nil, want error containing %q", tt.wantErr)
			}
			if !strings.Contains(err.Error(), tt.wantErr) {
				t.Errorf("Validate() error = %v, want containing %q", err, tt.wantErr)
			}
		})
	}
}

func TestApplyEnvOverrides_GiraCredentials(t *testing.T) {
	t.Setenv("GRAYLOGIC_GIRA_USERNAME", "env-user")
	t.Setenv("GRAYLOGIC_GIRA_PASSWORD", "env-pass")

	cfg := defaultConfig()
	cfg.Gira.Hosts = []GiraHostConfig{
		{ID: "a", URL: "https://a"},
		{ID: "b", URL: "https://b", Username: "file-user", Password: "file-pass"},
	}

	applyEnvOverrides(cfg)

	if cfg.Gira.Hosts[0].Username != "env-user" || cfg.Gira.Hosts[0].Password != "env-pass" {
		t.Errorf("host a credentials = %q/%q, want env values", cfg.Gira.Hosts[0].Username, cfg.Gira.Hosts[0].Password)
	}
	if cfg.Gira.Hosts[1].Username != "file-user" {
		t.Errorf("host b username = %q, want file value kept", cfg.Gira.Hosts[1].Username)
	}
}

func TestApplyEnvOverrides_JWTSecret(t *testing.T) {
	t.Setenv("GRAYLOGIC_JWT_SECRET", "from-env")

	cfg := defaultConfig()
	cfg.API.Auth.JWTSecret = "from-file"
	applyEnvOverrides(cfg)

	if cfg.API.Auth.JWTSecret != "from-env" {
		t.Errorf("JWTSecret = %q, want from-env", cfg.API.Auth.JWTSecret)
	}
}

func TestHostLookup(t *testing.T) {
	cfg := defaultConfig()
	cfg.Gira.Hosts = []GiraHostConfig{{ID: "x1", URL: "https://x1"}}

	if _, ok := cfg.Host("x1"); !ok {
		t.Error("Host(x1) not found")
	}
	if _, ok := cfg.Host("x2"); ok {
		t.Error("Host(x2) found, want missing")
	}
}
