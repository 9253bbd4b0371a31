package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/mcdev12/planningpoker/go/internal/dbconfig"
	"gopkg.in/yaml.v3"
)

const (
	StoreMemory   = "memory"
	StorePostgres = "postgres"

	RelayNone     = "none"
	RelayNATS     = "nats"
	RelayRedis    = "redis"
	RelayPGNotify = "pgnotify"
)

type Config struct {
	Port            string          `yaml:"port"`
	StoreDriver     string          `yaml:"store_driver"`
	Database        dbconfig.Config `yaml:"database"`
	Relay           RelayConfig     `yaml:"relay"`
	Log             LogConfig       `yaml:"log"`
	Session         SessionConfig   `yaml:"session"`
	Metrics         MetricsConfig   `yaml:"metrics"`
	AllowedOrigins  []string        `yaml:"allowed_origins"`
	ShutdownTimeout time.Duration   `yaml:"shutdown_timeout"`
}

type RelayConfig struct {
	Driver          string `yaml:"driver"`
	NATSURL         string `yaml:"nats_url"`
	RedisURL        string `yaml:"redis_url"`
	PGNotifyChannel string `yaml:"pg_notify_channel"`
}

type LogConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// SessionConfig controls idle expiry. A zero IdleTimeout keeps sessions
// until their last participant leaves.
type SessionConfig struct {
	IdleTimeout   time.Duration `yaml:"idle_timeout"`
	SweepInterval time.Duration `yaml:"sweep_interval"`
}

type MetricsConfig struct {
	OTLPEndpoint string `yaml:"otlp_endpoint"`
	OTLPInsecure bool   `yaml:"otlp_insecure"`
	Environment  string `yaml:"environment"`
}

// Default returns the development configuration
func Default() Config {
	return Config{
		Port:        "8080",
		StoreDriver: StoreMemory,
		Database:    dbconfig.Default(),
		Relay: RelayConfig{
			Driver:          RelayNone,
			NATSURL:         "nats://localhost:4222",
			RedisURL:        "redis://localhost:6379/0",
			PGNotifyChannel: "estimation_snapshots",
		},
		Log: LogConfig{
			Level:  "info",
			Format: "console",
		},
		Session: SessionConfig{
			SweepInterval: time.Minute,
		},
		Metrics: MetricsConfig{
			Environment: "development",
		},
		AllowedOrigins:  []string{"*"},
		ShutdownTimeout: 10 * time.Second,
	}
}

// Load reads .env (if present), then CONFIG_FILE (if set), then environment
// overrides, and validates the result.
func Load() (*Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("failed to load .env file: %w", err)
	}

	cfg := Default()
	if path := os.Getenv("CONFIG_FILE"); path != "" {
		if err := cfg.loadFile(path); err != nil {
			return nil, err
		}
	}
	if err := cfg.applyEnv(); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) loadFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("failed to read config file: %w", err)
	}
	if err := yaml.Unmarshal(data, c); err != nil {
		return fmt.Errorf("failed to parse config: %w", err)
	}
	return nil
}

func (c *Config) applyEnv() error {
	c.Port = getEnv("PORT", c.Port)
	c.StoreDriver = getEnv("STORE_DRIVER", c.StoreDriver)
	c.Database = c.Database.WithEnv()

	c.Relay.Driver = getEnv("BROADCAST_RELAY", c.Relay.Driver)
	c.Relay.NATSURL = getEnv("NATS_URL", c.Relay.NATSURL)
	c.Relay.RedisURL = getEnv("REDIS_URL", c.Relay.RedisURL)
	c.Relay.PGNotifyChannel = getEnv("PG_NOTIFY_CHANNEL", c.Relay.PGNotifyChannel)

	c.Log.Level = getEnv("LOG_LEVEL", c.Log.Level)
	c.Log.Format = getEnv("LOG_FORMAT", c.Log.Format)

	c.Metrics.OTLPEndpoint = getEnv("OTEL_EXPORTER_OTLP_ENDPOINT", c.Metrics.OTLPEndpoint)
	c.Metrics.Environment = getEnv("OTEL_ENVIRONMENT", c.Metrics.Environment)
	if v := os.Getenv("OTEL_EXPORTER_OTLP_INSECURE"); v != "" {
		insecure, err := strconv.ParseBool(v)
		if err != nil {
			return fmt.Errorf("invalid OTEL_EXPORTER_OTLP_INSECURE: %w", err)
		}
		c.Metrics.OTLPInsecure = insecure
	}

	if v := os.Getenv("ALLOWED_ORIGINS"); v != "" {
		c.AllowedOrigins = splitList(v)
	}

	var err error
	if c.Session.IdleTimeout, err = getEnvAsDuration("SESSION_IDLE_TIMEOUT", c.Session.IdleTimeout); err != nil {
		return err
	}
	if c.Session.SweepInterval, err = getEnvAsDuration("SWEEP_INTERVAL", c.Session.SweepInterval); err != nil {
		return err
	}
	if c.ShutdownTimeout, err = getEnvAsDuration("SHUTDOWN_TIMEOUT", c.ShutdownTimeout); err != nil {
		return err
	}
	return nil
}

// Validate checks enumerations and ranges
func (c *Config) Validate() error {
	var errs []error

	switch c.StoreDriver {
	case StoreMemory, StorePostgres:
	default:
		errs = append(errs, fmt.Errorf("unknown store driver %q", c.StoreDriver))
	}

	switch c.Relay.Driver {
	case RelayNone, RelayNATS, RelayRedis, RelayPGNotify:
	default:
		errs = append(errs, fmt.Errorf("unknown broadcast relay %q", c.Relay.Driver))
	}

	switch c.Log.Format {
	case "console", "json":
	default:
		errs = append(errs, fmt.Errorf("unknown log format %q", c.Log.Format))
	}

	if c.Session.IdleTimeout < 0 {
		errs = append(errs, errors.New("session idle timeout must not be negative"))
	}
	if c.Session.SweepInterval <= 0 {
		errs = append(errs, errors.New("sweep interval must be positive"))
	}
	if c.Port == "" {
		errs = append(errs, errors.New("port is required"))
	}

	if err := errors.Join(errs...); err != nil {
		return fmt.Errorf("validate config: %w", err)
	}
	return nil
}

// Addr returns the listen address
func (c *Config) Addr() string {
	return ":" + c.Port
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvAsDuration(key string, defaultValue time.Duration) (time.Duration, error) {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue, nil
	}
	if d, err := time.ParseDuration(value); err == nil {
		return d, nil
	}
	// Bare integers are seconds.
	secs, err := strconv.Atoi(value)
	if err != nil {
		return 0, fmt.Errorf("invalid %s %q: expected a duration such as 30m", key, value)
	}
	return time.Duration(secs) * time.Second, nil
}

func splitList(v string) []string {
	var out []string
	for _, part := range strings.Split(v, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
