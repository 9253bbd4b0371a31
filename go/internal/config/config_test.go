package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

// clearEnv blanks every variable Load reads so the host environment cannot leak in
func clearEnv(t *testing.T) {
	t.Helper()
	for _, key := range []string{
		"CONFIG_FILE", "PORT", "STORE_DRIVER", "BROADCAST_RELAY", "NATS_URL", "REDIS_URL",
		"PG_NOTIFY_CHANNEL", "LOG_LEVEL", "LOG_FORMAT", "SESSION_IDLE_TIMEOUT", "SWEEP_INTERVAL",
		"SHUTDOWN_TIMEOUT", "ALLOWED_ORIGINS", "OTEL_EXPORTER_OTLP_ENDPOINT", "OTEL_ENVIRONMENT",
		"OTEL_EXPORTER_OTLP_INSECURE", "DB_HOST", "DB_PORT", "DB_USER", "DB_PASSWORD", "DB_NAME", "DB_SSLMODE",
	} {
		t.Setenv(key, "")
	}
	// Keep a stray .env in the package directory out of the picture.
	t.Chdir(t.TempDir())
}

func TestLoadDefaults(t *testing.T) {
	clearEnv(t)

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Port != "8080" || cfg.StoreDriver != StoreMemory || cfg.Relay.Driver != RelayNone {
		t.Fatalf("unexpected defaults %+v", cfg)
	}
	if cfg.Session.IdleTimeout != 0 {
		t.Fatalf("expected idle expiry disabled by default, got %s", cfg.Session.IdleTimeout)
	}
	if cfg.Addr() != ":8080" {
		t.Fatalf("unexpected addr %q", cfg.Addr())
	}
}

func TestLoadFileThenEnv(t *testing.T) {
	clearEnv(t)

	path := filepath.Join(t.TempDir(), "config.yaml")
	yaml := `
port: "9000"
store_driver: postgres
database:
  host: db.internal
  database: poker
relay:
  driver: redis
session:
  idle_timeout: 2h
log:
  format: json
`
	if err := os.WriteFile(path, []byte(yaml), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	t.Setenv("CONFIG_FILE", path)
	t.Setenv("PORT", "9100")
	t.Setenv("SWEEP_INTERVAL", "30")
	t.Setenv("ALLOWED_ORIGINS", "https://a.example, https://b.example")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Port != "9100" {
		t.Errorf("expected env to override file port, got %q", cfg.Port)
	}
	if cfg.StoreDriver != StorePostgres || cfg.Relay.Driver != RelayRedis || cfg.Log.Format != "json" {
		t.Errorf("file values not applied: %+v", cfg)
	}
	if cfg.Database.Host != "db.internal" || cfg.Database.Database != "poker" || cfg.Database.Port != 5432 {
		t.Errorf("unexpected database config %+v", cfg.Database)
	}
	if cfg.Session.IdleTimeout != 2*time.Hour || cfg.Session.SweepInterval != 30*time.Second {
		t.Errorf("unexpected session config %+v", cfg.Session)
	}
	if len(cfg.AllowedOrigins) != 2 || cfg.AllowedOrigins[1] != "https://b.example" {
		t.Errorf("unexpected origins %v", cfg.AllowedOrigins)
	}
	if !strings.Contains(cfg.Database.DSN(), "db.internal:5432/poker") {
		t.Errorf("unexpected dsn %q", cfg.Database.DSN())
	}
}

func TestLoadRejectsInvalidValues(t *testing.T) {
	tests := []struct {
		name, key, value string
	}{
		{"store driver", "STORE_DRIVER", "sqlite"},
		{"relay", "BROADCAST_RELAY", "kafka"},
		{"log format", "LOG_FORMAT", "xml"},
		{"idle timeout", "SESSION_IDLE_TIMEOUT", "soon"},
		{"negative idle timeout", "SESSION_IDLE_TIMEOUT", "-5m"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			clearEnv(t)
			t.Setenv(tt.key, tt.value)
			if _, err := Load(); err == nil {
				t.Fatalf("expected error for %s=%q", tt.key, tt.value)
			}
		})
	}
}
