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
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestDefaults(t *testing.T) {
	cfg := Defaults()

	if cfg.Server.Port != 8080 {
		t.Errorf("Server.Port = %d", cfg.Server.Port)
	}
	if cfg.Identity.Mode != "header" || cfg.Identity.SubjectHeader != "X-User-Id" {
		t.Errorf("Identity = %+v", cfg.Identity)
	}
	if cfg.ProgressStore.Driver != "memory" || cfg.AssignmentStore.Driver != "memory" {
		t.Errorf("store drivers = %q / %q", cfg.ProgressStore.Driver, cfg.AssignmentStore.Driver)
	}
	if cfg.Tutorial.DefaultTemplate != "standard" || cfg.Tutorial.DefaultTimeout != 30*time.Second {
		t.Errorf("Tutorial = %+v", cfg.Tutorial)
	}
	if cfg.Recovery.HistoryLimit != 100 {
		t.Errorf("Recovery.HistoryLimit = %d", cfg.Recovery.HistoryLimit)
	}
	if !cfg.Observability.Metrics.Enabled || cfg.Observability.Metrics.Path != "/metrics" {
		t.Errorf("Metrics = %+v", cfg.Observability.Metrics)
	}
	if err := cfg.Validate(); err != nil {
		t.Errorf("defaults do not validate: %v", err)
	}
}

func TestLoad(t *testing.T) {
	path := writeConfig(t, `
server:
  port: 9090
identity:
  mode: jwt
  jwks_url: https://auth.example.com/jwks.json
  issuer: https://auth.example.com
progress_store:
  driver: postgres
  dsn_env: TUTOR_DB_DSN
assignment_store:
  driver: redis
  addr_env: TUTOR_REDIS_ADDR
templates:
  directories:
    - /etc/tutor/templates
observability:
  log_level: debug
`)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load error: %v", err)
	}
	if cfg.Server.Port != 9090 {
		t.Errorf("Server.Port = %d", cfg.Server.Port)
	}
	if cfg.Identity.Mode != "jwt" || cfg.Identity.JWKSURL == "" {
		t.Errorf("Identity = %+v", cfg.Identity)
	}
	if cfg.ProgressStore.Driver != "postgres" || cfg.ProgressStore.DSNEnv != "TUTOR_DB_DSN" {
		t.Errorf("ProgressStore = %+v", cfg.ProgressStore)
	}
	if cfg.AssignmentStore.Driver != "redis" {
		t.Errorf("AssignmentStore = %+v", cfg.AssignmentStore)
	}
	if len(cfg.Templates.Directories) != 1 {
		t.Errorf("Templates.Directories = %v", cfg.Templates.Directories)
	}
	// Unset fields keep their defaults.
	if cfg.Server.ReadTimeout != 30*time.Second {
		t.Errorf("ReadTimeout = %v", cfg.Server.ReadTimeout)
	}
	if cfg.Observability.LogLevel != "debug" {
		t.Errorf("LogLevel = %q", cfg.Observability.LogLevel)
	}
}

func TestLoad_errors(t *testing.T) {
	if _, err := Load("/does/not/exist.yaml"); err == nil {
		t.Error("missing file should be an error")
	}

	path := writeConfig(t, "server: [not a mapping")
	if _, err := Load(path); err == nil {
		t.Error("malformed YAML should be an error")
	}

	path = writeConfig(t, "server:\n  port: 0\n")
	if _, err := Load(path); err == nil {
		t.Error("invalid config should fail validation")
	}
}

func TestLoad_envOverrides(t *testing.T) {
	t.Setenv("TUTOR_SERVER_PORT", "7070")
	t.Setenv("TUTOR_PROGRESS_STORE_DRIVER", "postgres")
	t.Setenv("TUTOR_DEFAULT_TEMPLATE", "returning_user")
	t.Setenv("TUTOR_OBSERVABILITY_LOG_LEVEL", "warn")

	path := writeConfig(t, "server:\n  port: 9090\n")
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load error: %v", err)
	}
	if cfg.Server.Port != 7070 {
		t.Errorf("Server.Port = %d, want env override", cfg.Server.Port)
	}
	if cfg.ProgressStore.Driver != "postgres" {
		t.Errorf("ProgressStore.Driver = %q", cfg.ProgressStore.Driver)
	}
	if cfg.Tutorial.DefaultTemplate != "returning_user" {
		t.Errorf("DefaultTemplate = %q", cfg.Tutorial.DefaultTemplate)
	}
	if cfg.Observability.LogLevel != "warn" {
		t.Errorf("LogLevel = %q", cfg.Observability.LogLevel)
	}
}

func TestValidate(t *testing.T) {
	cases := []struct {
		name    string
		mutate  func(*Config)
		wantErr string
	}{
		{"bad port", func(c *Config) { c.Server.Port = 70000 }, "server.port"},
		{"jwt without jwks", func(c *Config) { c.Identity.Mode = "jwt" }, "identity.jwks_url"},
		{"unknown identity mode", func(c *Config) { c.Identity.Mode = "mtls" }, "identity.mode"},
		{"unknown progress driver", func(c *Config) { c.ProgressStore.Driver = "sqlite" }, "progress_store.driver"},
		{"unknown assignment driver", func(c *Config) { c.AssignmentStore.Driver = "etcd" }, "assignment_store.driver"},
		{"zero timeout", func(c *Config) { c.Tutorial.DefaultTimeout = 0 }, "tutorial.default_timeout"},
		{"negative retries", func(c *Config) { c.Tutorial.MaxRetries = -1 }, "tutorial.max_retries"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			cfg := Defaults()
			tc.mutate(cfg)
			err := cfg.Validate()
			if err == nil {
				t.Fatal("Validate succeeded")
			}
			if !strings.Contains(err.Error(), tc.wantErr) {
				t.Errorf("error %q does not mention %q", err, tc.wantErr)
			}
		})
	}

	// Multiple problems are reported together.
	cfg := Defaults()
	cfg.Server.Port = 0
	cfg.ProgressStore.Driver = "sqlite"
	err := cfg.Validate()
	if err == nil || !strings.Contains(err.Error(), ";") {
		t.Errorf("combined error = %v", err)
	}
}
