// Package config loads the nodegraph YAML configuration.
//
//	engine:
//	  max_concurrent_executions: 1000
//	  history_size: 1000
//	  default_node_timeout: 30s
//	  run_wall_clock_budget: 5m
//	  retry: {max_retries: 3, retry_delay_ms: 1000, backoff_multiplier: 2}
//	logging: {level: info, format: text}
//	plugins: {dir: ./plugins, hot_reload: true, debounce: 150ms}
//	store:   {driver: sqlite, path: ./nodegraph.db}
//	metrics: {enabled: true, addr: ":9090"}
//	tracing: {enabled: false, service_name: nodegraph}
//
// Omitted fields keep their defaults. NODEGRAPH_* environment variables
// override a few settings; see ApplyEnv.
package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Store drivers.
const (
	DriverMemory = "memory"
	DriverSQLite = "sqlite"
	DriverMySQL  = "mysql"
	DriverBadger = "badger"
)

// Config is the root configuration.
type Config struct {
	Engine  EngineConfig  `yaml:"engine"`
	Logging LoggingConfig `yaml:"logging"`
	Plugins PluginsConfig `yaml:"plugins"`
	Store   StoreConfig   `yaml:"store"`
	Metrics MetricsConfig `yaml:"metrics"`
	Tracing TracingConfig `yaml:"tracing"`
}

// EngineConfig mirrors graph.Options.
type EngineConfig struct {
	MaxConcurrentExecutions int           `yaml:"max_concurrent_executions"`
	HistorySize             int           `yaml:"history_size"`
	DefaultNodeTimeout      time.Duration `yaml:"default_node_timeout"`
	RunWallClockBudget      time.Duration `yaml:"run_wall_clock_budget"`
	Retry                   RetryConfig   `yaml:"retry"`
}

// RetryConfig is the engine-level retry policy.
type RetryConfig struct {
	MaxRetries        int     `yaml:"max_retries"`
	RetryDelayMs      int     `yaml:"retry_delay_ms"`
	BackoffMultiplier float64 `yaml:"backoff_multiplier"`
}

// LoggingConfig selects the slog handler.
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// PluginsConfig locates plugins and controls hot reload.
type PluginsConfig struct {
	Dir       string        `yaml:"dir"`
	HotReload bool          `yaml:"hot_reload"`
	Debounce  time.Duration `yaml:"debounce"`
}

// StoreConfig selects where finished executions are archived. DSN is used
// by mysql; Path by sqlite and badger.
type StoreConfig struct {
	Driver string `yaml:"driver"`
	DSN    string `yaml:"dsn"`
	Path   string `yaml:"path"`
}

// MetricsConfig enables Prometheus metrics. A non-empty Addr serves them
// at /metrics while the process runs.
type MetricsConfig struct {
	Enabled bool   `yaml:"enabled"`
	Addr    string `yaml:"addr"`
}

// TracingConfig enables OpenTelemetry spans for engine events.
type TracingConfig struct {
	Enabled     bool   `yaml:"enabled"`
	ServiceName string `yaml:"service_name"`
}

// Default returns the configuration used when no file is given.
func Default() Config {
	return Config{
		Engine: EngineConfig{
			MaxConcurrentExecutions: 1000,
			HistorySize:             1000,
			Retry: RetryConfig{
				MaxRetries:        3,
				RetryDelayMs:      1000,
				BackoffMultiplier: 2,
			},
		},
		Logging: LoggingConfig{Level: "info", Format: "text"},
		Plugins: PluginsConfig{Dir: "./plugins", Debounce: 150 * time.Millisecond},
		Store:   StoreConfig{Driver: DriverMemory},
		Tracing: TracingConfig{ServiceName: "nodegraph"},
	}
}

// Load reads path over the defaults, applies environment overrides and
// validates the result. An empty path yields the defaults plus environment.
func Load(path string) (Config, error) {
	cfg := Default()
	if path != "" {
		f, err := os.Open(path)
		if err != nil {
			return Config{}, fmt.Errorf("failed to open config: %w", err)
		}
		defer func() { _ = f.Close() }()
		if err := decode(f, &cfg); err != nil {
			return Config{}, fmt.Errorf("%s: %w", path, err)
		}
	}
	cfg.ApplyEnv(os.Getenv)
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Parse decodes YAML over the defaults without environment overrides.
func Parse(data []byte) (Config, error) {
	cfg := Default()
	if err := decode(bytes.NewReader(data), &cfg); err != nil {
		return Config{}, err
	}
	return cfg, cfg.Validate()
}

func decode(r io.Reader, cfg *Config) error {
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return fmt.Errorf("failed to parse config: %w", err)
	}
	return nil
}

// ApplyEnv overrides settings from the environment:
//
//	NODEGRAPH_STORE_DRIVER, NODEGRAPH_STORE_DSN, NODEGRAPH_STORE_PATH,
//	NODEGRAPH_PLUGIN_DIR, NODEGRAPH_LOG_LEVEL, NODEGRAPH_LOG_FORMAT
func (c *Config) ApplyEnv(getenv func(string) string) {
	set := func(dst *string, key string) {
		if v := strings.TrimSpace(getenv(key)); v != "" {
			*dst = v
		}
	}
	set(&c.Store.Driver, "NODEGRAPH_STORE_DRIVER")
	set(&c.Store.DSN, "NODEGRAPH_STORE_DSN")
	set(&c.Store.Path, "NODEGRAPH_STORE_PATH")
	set(&c.Plugins.Dir, "NODEGRAPH_PLUGIN_DIR")
	set(&c.Logging.Level, "NODEGRAPH_LOG_LEVEL")
	set(&c.Logging.Format, "NODEGRAPH_LOG_FORMAT")
}

// Validate reports every invalid setting at once.
func (c *Config) Validate() error {
	var errs []error
	e := c.Engine
	if e.MaxConcurrentExecutions <= 0 {
		errs = append(errs, errors.New("engine.max_concurrent_executions must be > 0"))
	}
	if e.HistorySize <= 0 {
		errs = append(errs, errors.New("engine.history_size must be > 0"))
	}
	if e.DefaultNodeTimeout < 0 || e.RunWallClockBudget < 0 {
		errs = append(errs, errors.New("engine timeouts must be >= 0"))
	}
	if e.Retry.MaxRetries < 0 || e.Retry.RetryDelayMs < 0 {
		errs = append(errs, errors.New("engine.retry values must be >= 0"))
	}

	switch strings.ToLower(c.Logging.Level) {
	case "debug", "info", "warn", "warning", "error":
	default:
		errs = append(errs, fmt.Errorf("logging.level %q is not one of debug, info, warn, error", c.Logging.Level))
	}
	switch c.Logging.Format {
	case "text", "json":
	default:
		errs = append(errs, fmt.Errorf("logging.format %q must be text or json", c.Logging.Format))
	}

	if c.Plugins.Dir == "" {
		errs = append(errs, errors.New("plugins.dir is required"))
	}
	if c.Plugins.Debounce < 0 {
		errs = append(errs, errors.New("plugins.debounce must be >= 0"))
	}

	switch c.Store.Driver {
	case DriverMemory:
	case DriverSQLite, DriverBadger:
		if c.Store.Path == "" {
			errs = append(errs, fmt.Errorf("store.path is required for %s", c.Store.Driver))
		}
	case DriverMySQL:
		if c.Store.DSN == "" {
			errs = append(errs, errors.New("store.dsn is required for mysql"))
		}
	default:
		errs = append(errs, fmt.Errorf("store.driver %q is not one of memory, sqlite, mysql, badger", c.Store.Driver))
	}

	if c.Tracing.Enabled && c.Tracing.ServiceName == "" {
		errs = append(errs, errors.New("tracing.service_name is required when tracing is enabled"))
	}
	return errors.Join(errs...)
}
