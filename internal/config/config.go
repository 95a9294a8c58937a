package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// ServerConfig holds settings for HTTP server mode.
type ServerConfig struct {
	Addr     string `yaml:"addr"`
	LogLevel string `yaml:"log_level"`
}

// TracingConfig holds OpenTelemetry tracing settings.
type TracingConfig struct {
	Enabled     bool    `yaml:"enabled"`
	Exporter    string  `yaml:"exporter"`     // otlp-http, stdout
	Endpoint    string  `yaml:"endpoint"`     // localhost:4318
	ServiceName string  `yaml:"service_name"` // worker-flash
	SampleRate  float64 `yaml:"sample_rate"`
}

// MetricsConfig holds Prometheus metrics settings.
type MetricsConfig struct {
	Enabled   bool   `yaml:"enabled"`
	Namespace string `yaml:"namespace"`
}

// CacheConfig holds the endpoint-lookup cache settings. When RedisAddr is
// empty the registry uses the in-memory cache alone.
type CacheConfig struct {
	RedisAddr     string        `yaml:"redis_addr"`
	RedisPassword string        `yaml:"redis_password"`
	RedisDB       int           `yaml:"redis_db"`
	L1TTL         time.Duration `yaml:"l1_ttl"`
}

// JobLogConfig holds the optional Postgres job-log sink settings.
type JobLogConfig struct {
	PostgresDSN string `yaml:"postgres_dsn"`
}

// Config is the root configuration for server mode. Every field has a
// usable zero/default; a config file is optional.
type Config struct {
	Server  ServerConfig  `yaml:"server"`
	Tracing TracingConfig `yaml:"tracing"`
	Metrics MetricsConfig `yaml:"metrics"`
	Cache   CacheConfig   `yaml:"cache"`
	JobLog  JobLogConfig  `yaml:"job_log"`
}

// Default returns the built-in configuration.
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			Addr:     ":8000",
			LogLevel: envOr(EnvLogLevel, "INFO"),
		},
		Tracing: TracingConfig{
			Enabled:     false,
			Exporter:    "otlp-http",
			Endpoint:    "localhost:4318",
			ServiceName: "worker-flash",
			SampleRate:  1.0,
		},
		Metrics: MetricsConfig{
			Enabled:   true,
			Namespace: "worker_flash",
		},
		Cache: CacheConfig{
			L1TTL: 10 * time.Second,
		},
	}
}

// Load reads a YAML config file over the defaults. A missing path returns
// the defaults unchanged.
func Load(path string) (*Config, error) {
	cfg := Default()
	if path == "" {
		return cfg, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return cfg, nil
		}
		return nil, fmt.Errorf("read config: %w", err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	return cfg, nil
}

// EndpointID returns the endpoint identifier, or "default" when unset.
func EndpointID() string {
	return envOr(EnvEndpointID, "default")
}

// IsFlashDeployment reports whether the worker is running as a Flash
// endpoint: an endpoint id plus at least one Flash deployment flag.
func IsFlashDeployment() bool {
	if os.Getenv(EnvEndpointID) == "" {
		return false
	}
	return os.Getenv(EnvIsMothership) == "true" || os.Getenv(EnvResourceName) != ""
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}
