// Package config loads the training service configuration from defaults, an
// optional config file and TRAINING_* environment variables, in that order
// of precedence.
package config

import (
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// EnvPrefix prefixes every environment variable; nested keys join with "_",
// so server.metrics_port is TRAINING_SERVER_METRICS_PORT.
const EnvPrefix = "TRAINING"

// Config holds configuration for the training service.
type Config struct {
	Server    ServerConfig    `mapstructure:"server"`
	Database  DatabaseConfig  `mapstructure:"database"`
	Provider  ProviderConfig  `mapstructure:"provider"`
	Callbacks CallbacksConfig `mapstructure:"callbacks"`
	Assets    AssetsConfig    `mapstructure:"assets"`
	Dispatch  DispatchConfig  `mapstructure:"dispatch"`
	Sweeper   SweeperConfig   `mapstructure:"sweeper"`
	Events    EventsConfig    `mapstructure:"events"`
	Redis     RedisConfig     `mapstructure:"redis"`
	Tracing   TracingConfig   `mapstructure:"tracing"`
	Logging   LoggingConfig   `mapstructure:"logging"`
}

// ServerConfig configures the API and metrics listeners.
type ServerConfig struct {
	Port              string        `mapstructure:"port"`
	MetricsPort       string        `mapstructure:"metrics_port"`
	APIKey            string        `mapstructure:"api_key"`
	APIKeyFile        string        `mapstructure:"api_key_file"`
	ShutdownDrainWait time.Duration `mapstructure:"shutdown_drain_wait"` // time for load balancers to drain (0 to skip)
	ShutdownTimeout   time.Duration `mapstructure:"shutdown_timeout"`
}

// DatabaseConfig selects and configures the job store.
type DatabaseConfig struct {
	Driver   string `mapstructure:"driver"` // postgres or memory
	URL      string `mapstructure:"url"`
	URLFile  string `mapstructure:"url_file"`
	MaxConns int    `mapstructure:"max_conns"`
}

// ProviderConfig configures the compute provider client.
type ProviderConfig struct {
	BaseURL          string        `mapstructure:"base_url"`
	APIKey           string        `mapstructure:"api_key"`
	APIKeyFile       string        `mapstructure:"api_key_file"`
	Timeout          time.Duration `mapstructure:"timeout"`
	BreakerThreshold int           `mapstructure:"breaker_threshold"`
	BreakerCooldown  time.Duration `mapstructure:"breaker_cooldown"`
}

// CallbacksConfig configures the webhook endpoint the provider calls back on.
type CallbacksConfig struct {
	BaseURL           string `mapstructure:"base_url"` // public base URL of this service
	WebhookSecret     string `mapstructure:"webhook_secret"`
	WebhookSecretFile string `mapstructure:"webhook_secret_file"`
}

// AssetsConfig configures asset reachability checks.
type AssetsConfig struct {
	Timeout     time.Duration `mapstructure:"timeout"`
	Concurrency int           `mapstructure:"concurrency"`
	S3          S3Config      `mapstructure:"s3"`
}

// S3Config points at the S3-compatible store that serves s3:// references.
// An empty endpoint disables s3 checks.
type S3Config struct {
	Endpoint      string `mapstructure:"endpoint"`
	Region        string `mapstructure:"region"`
	AccessKey     string `mapstructure:"access_key"`
	SecretKey     string `mapstructure:"secret_key"`
	SecretKeyFile string `mapstructure:"secret_key_file"`
	UseSSL        bool   `mapstructure:"use_ssl"`
}

// DispatchConfig configures retries of transient start failures.
type DispatchConfig struct {
	Retries        int           `mapstructure:"retries"`
	BackoffInitial time.Duration `mapstructure:"backoff_initial"`
	BackoffMax     time.Duration `mapstructure:"backoff_max"`
}

// SweeperConfig configures the timeout sweeper.
type SweeperConfig struct {
	Enabled      bool          `mapstructure:"enabled"`
	Interval     time.Duration `mapstructure:"interval"`
	StaleAfter   time.Duration `mapstructure:"stale_after"`
	PendingAfter time.Duration `mapstructure:"pending_after"`
	BatchSize    int           `mapstructure:"batch_size"`
	LeaseKey     string        `mapstructure:"lease_key"`
	LeaseTTL     time.Duration `mapstructure:"lease_ttl"`
}

// EventsConfig configures lifecycle event delivery.
type EventsConfig struct {
	Driver         string        `mapstructure:"driver"`   // http or redis
	SinkURL        string        `mapstructure:"sink_url"` // http: callback URL, redis: stream name
	SigningKey     string        `mapstructure:"signing_key"`
	SigningKeyFile string        `mapstructure:"signing_key_file"`
	BufferSize     int           `mapstructure:"buffer_size"`
	Workers        int           `mapstructure:"workers"`
	HTTPTimeout    time.Duration `mapstructure:"http_timeout"`
	MaxRetries     int           `mapstructure:"max_retries"`
	StreamMaxLen   int64         `mapstructure:"stream_max_len"`
}

// RedisConfig locates the Redis server shared by the sweeper lease and the
// redis event driver. An empty URL disables both.
type RedisConfig struct {
	URL string `mapstructure:"url"`
}

// TracingConfig toggles span export.
type TracingConfig struct {
	Enabled     bool   `mapstructure:"enabled"`
	ServiceName string `mapstructure:"service_name"`
}

// LoggingConfig configures the default slog logger.
type LoggingConfig struct {
	Level string `mapstructure:"level"`
}

// defaults lists every key so AutomaticEnv can override it during Unmarshal.
var defaults = map[string]any{
	"server.port":                   "8080",
	"server.metrics_port":           "9090",
	"server.api_key":                "",
	"server.api_key_file":           "",
	"server.shutdown_drain_wait":    5 * time.Second,
	"server.shutdown_timeout":       25 * time.Second,
	"database.driver":               "postgres",
	"database.url":                  "",
	"database.url_file":             "",
	"database.max_conns":            10,
	"provider.base_url":             "",
	"provider.api_key":              "",
	"provider.api_key_file":         "",
	"provider.timeout":              30 * time.Second,
	"provider.breaker_threshold":    5,
	"provider.breaker_cooldown":     30 * time.Second,
	"callbacks.base_url":            "",
	"callbacks.webhook_secret":      "",
	"callbacks.webhook_secret_file": "",
	"assets.timeout":                5 * time.Second,
	"assets.concurrency":            8,
	"assets.s3.endpoint":            "",
	"assets.s3.region":              "",
	"assets.s3.access_key":          "",
	"assets.s3.secret_key":          "",
	"assets.s3.secret_key_file":     "",
	"assets.s3.use_ssl":             true,
	"dispatch.retries":              3,
	"dispatch.backoff_initial":      500 * time.Millisecond,
	"dispatch.backoff_max":          10 * time.Second,
	"sweeper.enabled":               true,
	"sweeper.interval":              5 * time.Minute,
	"sweeper.stale_after":           6 * time.Hour,
	"sweeper.pending_after":         15 * time.Minute,
	"sweeper.batch_size":            100,
	"sweeper.lease_key":             "trainingjobs:sweeper",
	"sweeper.lease_ttl":             10 * time.Minute,
	"events.driver":                 "http",
	"events.sink_url":               "",
	"events.signing_key":            "",
	"events.signing_key_file":       "",
	"events.buffer_size":            1000,
	"events.workers":                4,
	"events.http_timeout":           10 * time.Second,
	"events.max_retries":            3,
	"events.stream_max_len":         0,
	"redis.url":                     "",
	"tracing.enabled":               false,
	"tracing.service_name":          "training-service",
	"logging.level":                 "info",
}

// Load reads the configuration. configFile may name an explicit file; when
// empty, config.yaml is looked up in ./configs and /etc/training-service and
// skipped if absent.
func Load(configFile string) (*Config, error) {
	v := viper.New()
	for key, value := range defaults {
		v.SetDefault(key, value)
	}

	if configFile != "" {
		v.SetConfigFile(configFile)
	} else {
		v.SetConfigName("config")
		v.AddConfigPath("./configs")
		v.AddConfigPath("/etc/training-service")
	}

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if configFile != "" || !errors.As(err, &notFound) {
			return nil, fmt.Errorf("load config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}
	cfg.resolveSecrets()

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// resolveSecrets fills secret values from their *_file counterparts. An
// inline value wins over a file.
func (c *Config) resolveSecrets() {
	fromFile := func(value *string, path string) {
		if *value == "" {
			*value = GetSecretFile(path)
		}
	}
	fromFile(&c.Server.APIKey, c.Server.APIKeyFile)
	fromFile(&c.Database.URL, c.Database.URLFile)
	fromFile(&c.Provider.APIKey, c.Provider.APIKeyFile)
	fromFile(&c.Callbacks.WebhookSecret, c.Callbacks.WebhookSecretFile)
	fromFile(&c.Assets.S3.SecretKey, c.Assets.S3.SecretKeyFile)
	fromFile(&c.Events.SigningKey, c.Events.SigningKeyFile)
}

// Validate reports the first setting that prevents the service from starting.
func (c *Config) Validate() error {
	switch c.Database.Driver {
	case "postgres":
		if c.Database.URL == "" {
			return errors.New("database.url is required for the postgres driver")
		}
	case "memory":
	default:
		return fmt.Errorf("database.driver must be postgres or memory, got %q", c.Database.Driver)
	}

	if c.Provider.BaseURL == "" {
		return errors.New("provider.base_url is required")
	}
	if c.Callbacks.BaseURL == "" {
		return errors.New("callbacks.base_url is required")
	}

	switch c.Events.Driver {
	case "http":
	case "redis":
		if c.Redis.URL == "" {
			return errors.New("redis.url is required for the redis events driver")
		}
	default:
		return fmt.Errorf("events.driver must be http or redis, got %q", c.Events.Driver)
	}

	if _, err := c.Logging.SlogLevel(); err != nil {
		return err
	}
	return nil
}

// SlogLevel parses the configured level (debug, info, warn, error).
func (c LoggingConfig) SlogLevel() (slog.Level, error) {
	var level slog.Level
	if err := level.UnmarshalText([]byte(c.Level)); err != nil {
		return slog.LevelInfo, fmt.Errorf("logging.level: %w", err)
	}
	return level, nil
}
