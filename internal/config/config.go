// Package config loads and validates application configuration from YAML files
// and environment variables.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the root application configuration.
type Config struct {
	Server          ServerConfig          `yaml:"server"`
	Identity        IdentityConfig        `yaml:"identity"`
	Templates       TemplatesConfig       `yaml:"templates"`
	Tutorial        TutorialConfig        `yaml:"tutorial"`
	ProgressStore   ProgressStoreConfig   `yaml:"progress_store"`
	AssignmentStore AssignmentStoreConfig `yaml:"assignment_store"`
	Recovery        RecoveryConfig        `yaml:"recovery"`
	Observability   ObservabilityConfig   `yaml:"observability"`
}

// ServerConfig describes HTTP server settings.
type ServerConfig struct {
	Port            int           `yaml:"port"`
	ReadTimeout     time.Duration `yaml:"read_timeout"`
	WriteTimeout    time.Duration `yaml:"write_timeout"`
	HandlerTimeout  time.Duration `yaml:"handler_timeout"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
	CORS            CORSConfig    `yaml:"cors"`
}

// CORSConfig describes Cross-Origin Resource Sharing settings.
type CORSConfig struct {
	AllowedOrigins []string `yaml:"allowed_origins"`
	AllowedMethods []string `yaml:"allowed_methods"`
	AllowedHeaders []string `yaml:"allowed_headers"`
	MaxAge         int      `yaml:"max_age"`
}

// IdentityConfig describes how the subject ID is extracted from requests.
// Mode "jwt" verifies a bearer token against the provider's JWKS and reads
// the subject claim; mode "header" trusts the configured header, for
// deployments where a gateway already authenticated the caller.
type IdentityConfig struct {
	Mode          string        `yaml:"mode"`
	SubjectClaim  string        `yaml:"subject_claim"`
	SubjectHeader string        `yaml:"subject_header"`
	JWKSURL       string        `yaml:"jwks_url"`
	Issuer        string        `yaml:"issuer"`
	Audience      string        `yaml:"audience"`
	Algorithms    []string      `yaml:"algorithms"`
	KeyCacheTTL   time.Duration `yaml:"key_cache_ttl"`
}

// TemplatesConfig describes where custom tutorial template YAML files live.
type TemplatesConfig struct {
	Directories []string `yaml:"directories"`
}

// TutorialConfig describes engine-wide tutorial defaults. Per-template and
// per-action settings override these.
type TutorialConfig struct {
	DefaultTemplate   string        `yaml:"default_template"`
	DefaultTimeout    time.Duration `yaml:"default_timeout"`
	MaxRetries        int           `yaml:"max_retries"`
	PollInterval      time.Duration `yaml:"poll_interval"`
	ReadRetries       int           `yaml:"read_retries"`
	ReadRetryInterval time.Duration `yaml:"read_retry_interval"`
}

// ProgressStoreConfig describes tutorial progress persistence settings.
type ProgressStoreConfig struct {
	Driver          string        `yaml:"driver"` // "memory" or "postgres"
	DSNEnv          string        `yaml:"dsn_env"`
	MaxOpenConns    int           `yaml:"max_open_conns"`
	MaxIdleConns    int           `yaml:"max_idle_conns"`
	ConnMaxLifetime time.Duration `yaml:"conn_max_lifetime"`
	Breaker         BreakerConfig `yaml:"breaker"`
}

// BreakerConfig describes the circuit breaker guarding the progress store.
type BreakerConfig struct {
	Enabled          bool          `yaml:"enabled"`
	FailureThreshold int           `yaml:"failure_threshold"`
	SuccessThreshold int           `yaml:"success_threshold"`
	Timeout          time.Duration `yaml:"timeout"`
}

// AssignmentStoreConfig describes variant assignment persistence settings.
type AssignmentStoreConfig struct {
	Driver  string `yaml:"driver"` // "memory" or "redis"
	AddrEnv string `yaml:"addr_env"`
	DB      int    `yaml:"db"`
}

// RecoveryConfig describes error history settings.
type RecoveryConfig struct {
	HistoryLimit int `yaml:"history_limit"`
}

// ObservabilityConfig describes logging, tracing, and metrics settings.
type ObservabilityConfig struct {
	LogLevel string        `yaml:"log_level"`
	Tracing  TracingConfig `yaml:"tracing"`
	Metrics  MetricsConfig `yaml:"metrics"`
}

// TracingConfig describes distributed tracing settings.
type TracingConfig struct {
	Enabled      bool    `yaml:"enabled"`
	Exporter     string  `yaml:"exporter"`
	Endpoint     string  `yaml:"endpoint"`
	SamplingRate float64 `yaml:"sampling_rate"`
}

// MetricsConfig describes Prometheus metrics settings.
type MetricsConfig struct {
	Enabled bool   `yaml:"enabled"`
	Path    string `yaml:"path"`
}

// Defaults returns a Config with sensible default values.
func Defaults() *Config {
	return &Config{
		Server: ServerConfig{
			Port:            8080,
			ReadTimeout:     30 * time.Second,
			WriteTimeout:    30 * time.Second,
			HandlerTimeout:  25 * time.Second,
			ShutdownTimeout: 30 * time.Second,
			CORS: CORSConfig{
				AllowedMethods: []string{"GET", "POST", "PUT", "PATCH", "DELETE", "OPTIONS"},
				AllowedHeaders: []string{"Authorization", "Content-Type", "X-User-Id",
					"X-Correlation-Id"},
				MaxAge: 86400,
			},
		},
		Identity: IdentityConfig{
			Mode:          "header",
			SubjectClaim:  "sub",
			SubjectHeader: "X-User-Id",
			Algorithms:    []string{"RS256", "ES256"},
			KeyCacheTTL:   15 * time.Minute,
		},
		Tutorial: TutorialConfig{
			DefaultTemplate:   "standard",
			DefaultTimeout:    30 * time.Second,
			MaxRetries:        2,
			PollInterval:      2 * time.Second,
			ReadRetries:       2,
			ReadRetryInterval: 250 * time.Millisecond,
		},
		ProgressStore: ProgressStoreConfig{
			Driver:          "memory",
			MaxOpenConns:    25,
			MaxIdleConns:    5,
			ConnMaxLifetime: 5 * time.Minute,
			Breaker: BreakerConfig{
				FailureThreshold: 5,
				SuccessThreshold: 2,
				Timeout:          30 * time.Second,
			},
		},
		AssignmentStore: AssignmentStoreConfig{
			Driver: "memory",
		},
		Recovery: RecoveryConfig{
			HistoryLimit: 100,
		},
		Observability: ObservabilityConfig{
			LogLevel: "info",
			Tracing: TracingConfig{
				Exporter:     "otlp",
				SamplingRate: 0.1,
			},
			Metrics: MetricsConfig{
				Enabled: true,
				Path:    "/metrics",
			},
		},
	}
}

// Load reads a YAML config file, applies environment variable overrides,
// and validates required fields.
func Load(path string) (*Config, error) {
	cfg := Defaults()

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: reading %s: %w", path, err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("config: parsing %s: %w", path, err)
	}

	applyEnvOverrides(cfg)

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config: validation: %w", err)
	}

	return cfg, nil
}

// Validate checks that all required fields are present and valid.
func (c *Config) Validate() error {
	var errs []string

	if c.Server.Port < 1 || c.Server.Port > 65535 {
		errs = append(errs, "server.port must be between 1 and 65535")
	}
	switch c.Identity.Mode {
	case "jwt":
		if c.Identity.JWKSURL == "" {
			errs = append(errs, "identity.jwks_url is required in jwt mode")
		}
	case "header":
	default:
		errs = append(errs, fmt.Sprintf("identity.mode %q is not supported (jwt, header)", c.Identity.Mode))
	}
	switch c.ProgressStore.Driver {
	case "memory", "postgres":
	default:
		errs = append(errs, fmt.Sprintf("progress_store.driver %q is not supported (memory, postgres)", c.ProgressStore.Driver))
	}
	switch c.AssignmentStore.Driver {
	case "memory", "redis":
	default:
		errs = append(errs, fmt.Sprintf("assignment_store.driver %q is not supported (memory, redis)", c.AssignmentStore.Driver))
	}
	if c.Tutorial.DefaultTimeout <= 0 {
		errs = append(errs, "tutorial.default_timeout must be positive")
	}
	if c.Tutorial.MaxRetries < 0 {
		errs = append(errs, "tutorial.max_retries must not be negative")
	}

	if len(errs) > 0 {
		return fmt.Errorf("%s", strings.Join(errs, "; "))
	}
	return nil
}

// applyEnvOverrides reads TUTOR_* environment variables and overrides config
// values. Only the most commonly overridden fields are supported.
func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv("TUTOR_SERVER_PORT"); v != "" {
		var port int
		if _, err := fmt.Sscanf(v, "%d", &port); err == nil {
			cfg.Server.Port = port
		}
	}
	if v := os.Getenv("TUTOR_IDENTITY_MODE"); v != "" {
		cfg.Identity.Mode = v
	}
	if v := os.Getenv("TUTOR_PROGRESS_STORE_DRIVER"); v != "" {
		cfg.ProgressStore.Driver = v
	}
	if v := os.Getenv("TUTOR_ASSIGNMENT_STORE_DRIVER"); v != "" {
		cfg.AssignmentStore.Driver = v
	}
	if v := os.Getenv("TUTOR_DEFAULT_TEMPLATE"); v != "" {
		cfg.Tutorial.DefaultTemplate = v
	}
	if v := os.Getenv("TUTOR_OBSERVABILITY_LOG_LEVEL"); v != "" {
		cfg.Observability.LogLevel = v
	}
}
