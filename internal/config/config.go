// Package config loads and validates threadscan configuration via Viper.
package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

// Config captures all service configuration knobs loaded via Viper.
type Config struct {
	Server     ServerConfig     `mapstructure:"server"`
	Logging    LoggingConfig    `mapstructure:"logging"`
	Tasks      TasksConfig      `mapstructure:"tasks"`
	Crawler    CrawlerConfig    `mapstructure:"crawler"`
	Headless   HeadlessConfig   `mapstructure:"headless"`
	Classifier ClassifierConfig `mapstructure:"classifier"`
	Store      StoreConfig      `mapstructure:"store"`
	Storage    StorageConfig    `mapstructure:"storage"`
	PubSub     PubSubConfig     `mapstructure:"pubsub"`
	Sweep      SweepConfig      `mapstructure:"sweep"`
	Telemetry  TelemetryConfig  `mapstructure:"telemetry"`
}

// ServerConfig controls HTTP server behavior.
type ServerConfig struct {
	Port                  int `mapstructure:"port"`
	RequestTimeoutSeconds int `mapstructure:"request_timeout_seconds"`
}

// LoggingConfig toggles zap development features.
type LoggingConfig struct {
	Development bool `mapstructure:"development"`
	// Level overrides the preset minimum level when set.
	Level string `mapstructure:"level"`
}

// TasksConfig sizes the worker pool and the task registry.
type TasksConfig struct {
	Concurrency        int    `mapstructure:"concurrency"`
	QueueDepth         int    `mapstructure:"queue_depth"`
	AdmissionTimeoutMs int    `mapstructure:"admission_timeout_ms"`
	TTLMinutes         int    `mapstructure:"ttl_minutes"`
	EvictSchedule      string `mapstructure:"evict_schedule"`
}

// CrawlerConfig governs page visits.
type CrawlerConfig struct {
	// Fetcher selects the session backend: "headless" (chromedp) or "static" (colly).
	Fetcher                string `mapstructure:"fetcher"`
	BaseURL                string `mapstructure:"base_url"`
	ReadySelector          string `mapstructure:"ready_selector"`
	NavTimeoutSeconds      int    `mapstructure:"nav_timeout_seconds"`
	SelectorTimeoutSeconds int    `mapstructure:"selector_timeout_seconds"`
	UserAgent              string `mapstructure:"user_agent"`
	SnapshotsEnabled       bool   `mapstructure:"snapshots_enabled"`
	SnapshotPrefix         string `mapstructure:"snapshot_prefix"`
}

// HeadlessConfig configures the Chrome subsystem.
type HeadlessConfig struct {
	MaxParallel      int         `mapstructure:"max_parallel"`
	ExecPath         string      `mapstructure:"exec_path"`
	NoSandbox        bool        `mapstructure:"no_sandbox"`
	IgnoreCertErrors bool        `mapstructure:"ignore_cert_errors"`
	Proxy            ProxyConfig `mapstructure:"proxy"`
}

// ProxyConfig routes browser traffic through an authenticating proxy.
type ProxyConfig struct {
	Server   string `mapstructure:"server"`
	Username string `mapstructure:"username"`
	Password string `mapstructure:"password"`
}

// ClassifierConfig points at the text classification service.
type ClassifierConfig struct {
	Endpoint       string `mapstructure:"endpoint"`
	TimeoutSeconds int    `mapstructure:"timeout_seconds"`
	APIKey         string `mapstructure:"api_key"`
}

// StoreConfig selects and tunes the record store.
type StoreConfig struct {
	// Driver is one of "postgres", "sqlite" or "memory".
	Driver                 string `mapstructure:"driver"`
	DSN                    string `mapstructure:"dsn"`
	SQLitePath             string `mapstructure:"sqlite_path"`
	MaxConns               int32  `mapstructure:"max_conns"`
	MinConns               int32  `mapstructure:"min_conns"`
	MaxConnLifetimeMinutes int    `mapstructure:"max_conn_lifetime_minutes"`
	AutoMigrate            bool   `mapstructure:"auto_migrate"`
}

// StorageConfig sets where page snapshots go: a GCS bucket, else LocalDir,
// else memory.
type StorageConfig struct {
	GCSBucket    string `mapstructure:"gcs_bucket"`
	LocalDir     string `mapstructure:"local_dir"`
	Prefix       string `mapstructure:"prefix"`
	CacheControl string `mapstructure:"cache_control"`
}

// PubSubConfig holds metadata for task completion notifications.
type PubSubConfig struct {
	ProjectID string `mapstructure:"project_id"`
	TopicName string `mapstructure:"topic_name"`
}

// SweepConfig schedules standalone classification sweeps. Empty disables it.
type SweepConfig struct {
	Schedule string `mapstructure:"schedule"`
}

// TelemetryConfig controls the tracer provider.
type TelemetryConfig struct {
	TracingEnabled bool   `mapstructure:"tracing_enabled"`
	ServiceName    string `mapstructure:"service_name"`
}

// Load builds a Config from an optional .env file, an optional config file
// and THREADSCAN_* environment variables.
func Load(path string) (Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		return Config{}, fmt.Errorf("load .env: %w", err)
	}

	v := viper.New()
	v.SetEnvPrefix("THREADSCAN")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	if err := bindLegacyEnv(v); err != nil {
		return Config{}, err
	}

	setDefaults(v)

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("unmarshal config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}

	return cfg, nil
}

// bindLegacyEnv lets the bare variable names used by container platforms
// (PORT, PROXY_*) override their namespaced keys.
func bindLegacyEnv(v *viper.Viper) error {
	bindings := map[string][]string{
		"server.port":             {"THREADSCAN_SERVER_PORT", "PORT"},
		"headless.proxy.server":   {"THREADSCAN_HEADLESS_PROXY_SERVER", "PROXY_SERVER"},
		"headless.proxy.username": {"THREADSCAN_HEADLESS_PROXY_USERNAME", "PROXY_USERNAME"},
		"headless.proxy.password": {"THREADSCAN_HEADLESS_PROXY_PASSWORD", "PROXY_PASSWORD"},
	}
	for key, envs := range bindings {
		if err := v.BindEnv(append([]string{key}, envs...)...); err != nil {
			return fmt.Errorf("bind env %s: %w", key, err)
		}
	}
	return nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.request_timeout_seconds", 30)
	v.SetDefault("logging.development", true)
	v.SetDefault("tasks.concurrency", 2)
	v.SetDefault("tasks.queue_depth", 32)
	v.SetDefault("tasks.admission_timeout_ms", 2000)
	v.SetDefault("tasks.ttl_minutes", 60)
	v.SetDefault("tasks.evict_schedule", "@every 1m")
	v.SetDefault("crawler.fetcher", "headless")
	v.SetDefault("crawler.base_url", "https://www.threads.net")
	v.SetDefault("crawler.ready_selector", "[data-pressable-container=true]")
	v.SetDefault("crawler.nav_timeout_seconds", 30)
	v.SetDefault("crawler.selector_timeout_seconds", 8)
	v.SetDefault("crawler.user_agent", "Mozilla/5.0 (X11; Linux x86_64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/124.0 Safari/537.36")
	v.SetDefault("crawler.snapshots_enabled", false)
	v.SetDefault("crawler.snapshot_prefix", "snapshots")
	v.SetDefault("headless.max_parallel", 2)
	v.SetDefault("headless.no_sandbox", false)
	v.SetDefault("classifier.endpoint", "http://localhost:8000")
	v.SetDefault("classifier.timeout_seconds", 10)
	v.SetDefault("store.driver", "sqlite")
	v.SetDefault("store.sqlite_path", "threadscan.db")
	v.SetDefault("store.max_conns", 4)
	v.SetDefault("store.min_conns", 0)
	v.SetDefault("store.max_conn_lifetime_minutes", 30)
	v.SetDefault("store.auto_migrate", true)
	v.SetDefault("storage.prefix", "snapshots")
	v.SetDefault("telemetry.service_name", "threadscan")
}

// Validate enforces required values and reasonable limits.
func (c Config) Validate() error {
	if c.Server.Port <= 0 {
		return fmt.Errorf("server.port must be > 0")
	}
	if c.Tasks.Concurrency <= 0 {
		return fmt.Errorf("tasks.concurrency must be > 0")
	}
	if c.Tasks.QueueDepth <= 0 {
		return fmt.Errorf("tasks.queue_depth must be > 0")
	}
	if c.Tasks.TTLMinutes <= 0 {
		return fmt.Errorf("tasks.ttl_minutes must be > 0")
	}
	switch c.Crawler.Fetcher {
	case "headless", "static":
	default:
		return fmt.Errorf("crawler.fetcher must be headless or static, got %q", c.Crawler.Fetcher)
	}
	if c.Crawler.NavTimeoutSeconds <= 0 || c.Crawler.SelectorTimeoutSeconds <= 0 {
		return fmt.Errorf("crawler timeouts must be > 0")
	}
	if c.Crawler.Fetcher == "headless" && c.Headless.MaxParallel <= 0 {
		return fmt.Errorf("headless.max_parallel must be > 0 when the headless fetcher is used")
	}
	if c.Headless.Proxy.Username != "" && c.Headless.Proxy.Server == "" {
		return fmt.Errorf("headless.proxy.server must be set when proxy credentials are given")
	}
	if c.Classifier.Endpoint == "" {
		return fmt.Errorf("classifier.endpoint must be set")
	}
	switch c.Store.Driver {
	case "postgres":
		if c.Store.DSN == "" {
			return fmt.Errorf("store.dsn must be set for the postgres driver")
		}
	case "sqlite":
		if c.Store.SQLitePath == "" {
			return fmt.Errorf("store.sqlite_path must be set for the sqlite driver")
		}
	case "memory":
	default:
		return fmt.Errorf("store.driver must be postgres, sqlite or memory, got %q", c.Store.Driver)
	}
	if c.PubSub.TopicName != "" && c.PubSub.ProjectID == "" {
		return fmt.Errorf("pubsub.project_id must be set when pubsub.topic_name is")
	}
	return nil
}

// NavTimeout is the per-navigation bound.
func (c Config) NavTimeout() time.Duration {
	return time.Duration(c.Crawler.NavTimeoutSeconds) * time.Second
}

// SelectorTimeout is the per-selector wait bound.
func (c Config) SelectorTimeout() time.Duration {
	return time.Duration(c.Crawler.SelectorTimeoutSeconds) * time.Second
}

// TaskTTL is how long finished tasks stay pollable.
func (c Config) TaskTTL() time.Duration {
	return time.Duration(c.Tasks.TTLMinutes) * time.Minute
}

// AdmissionTimeout bounds how long a submission waits for queue space.
func (c Config) AdmissionTimeout() time.Duration {
	return time.Duration(c.Tasks.AdmissionTimeoutMs) * time.Millisecond
}
