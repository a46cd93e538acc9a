package config

import (
	"fmt"
	"net/url"
	"time"

	"go.uber.org/multierr"
	"go.uber.org/zap/zapcore"
)

// Database engines.
const (
	EngineSQLite   = "sqlite"
	EnginePostgres = "postgres"
)

// Config holds every setting of the control plane.
type Config struct {
	HTTPAddr     string
	DatabasePath string

	BaseDomain      string
	SupportContact  string
	RetentionPeriod time.Duration

	Engine      string
	EngineDir   string
	PostgresURL string

	BootstrapURL     string
	BootstrapToken   string
	BootstrapModules []string
	BootstrapTimeout time.Duration
	AdminLogin       string

	RedisURL     string
	RedisChannel string

	LogLevel  string
	LogFormat string

	ScheduleRollover bool
	WorkerCount      int

	OTelExporter    string
	OTelEnvironment string
	OTelInsecure    bool
}

// Options describes every setting as a flag bound to cfg.
func Options(cfg *Config) []Opt {
	return []Opt{
		NewOpt(&cfg.HTTPAddr, "http-addr", ":8080", "address the admin API and tenant router listen on"),
		NewOpt(&cfg.DatabasePath, "database-path", "controlplane.db", "path of the control-plane SQLite database"),

		NewOpt(&cfg.BaseDomain, "base-domain", "loomworks.app", "domain tenant subdomains live under"),
		NewOpt(&cfg.SupportContact, "support-contact", "support@loomworks.app", "contact shown to users of unavailable tenants"),
		NewOpt(&cfg.RetentionPeriod, "retention-period", 720*time.Hour, "how long archived tenants are kept before they may be destroyed"),

		NewOpt(&cfg.Engine, "engine", EngineSQLite, "tenant database engine (sqlite or postgres)"),
		NewOpt(&cfg.EngineDir, "engine-dir", "tenants", "directory of tenant database files for the sqlite engine"),
		NewOpt(&cfg.PostgresURL, "postgres-url", "", "maintenance database URL for the postgres engine"),

		NewOpt(&cfg.BootstrapURL, "bootstrap-url", "", "application bootstrap service URL; empty skips bootstrapping"),
		NewOpt(&cfg.BootstrapToken, "bootstrap-token", "", "bearer token for the bootstrap service"),
		NewOpt(&cfg.BootstrapModules, "bootstrap-modules", []string{"base"}, "application modules installed into new tenants"),
		NewOpt(&cfg.BootstrapTimeout, "bootstrap-timeout", 2*time.Minute, "timeout of one bootstrap call"),
		NewOpt(&cfg.AdminLogin, "admin-login", "admin", "login of each tenant's initial administrator"),

		NewOpt(&cfg.RedisURL, "redis-url", "", "Redis URL for administrator notifications; empty disables them"),
		NewOpt(&cfg.RedisChannel, "redis-channel", "controlplane:notifications", "Redis channel notifications are published to"),

		NewOpt(&cfg.LogLevel, "log-level", "info", "log level (debug, info, warn, error)"),
		NewOpt(&cfg.LogFormat, "log-format", "console", "log format (console or json)"),

		NewOpt(&cfg.ScheduleRollover, "schedule-rollover", true, "roll the daily AI window over at midnight UTC"),
		NewOpt(&cfg.WorkerCount, "worker-count", 2, "concurrent background jobs"),

		NewOpt(&cfg.OTelExporter, "otel-exporter", "none", "OpenTelemetry exporter (none, stdout or otlp)"),
		NewOpt(&cfg.OTelEnvironment, "otel-environment", "development", "deployment environment reported to OpenTelemetry"),
		NewOpt(&cfg.OTelInsecure, "otel-insecure", false, "use plain HTTP for the OTLP exporter"),
	}
}

// Validate reports every invalid setting.
func (c Config) Validate() error {
	var errs error
	add := func(format string, args ...any) {
		errs = multierr.Append(errs, fmt.Errorf(format, args...))
	}

	if c.HTTPAddr == "" {
		add("http-addr must not be empty")
	}
	if c.DatabasePath == "" {
		add("database-path must not be empty")
	}
	if c.BaseDomain == "" {
		add("base-domain must not be empty")
	}
	if c.RetentionPeriod < 0 {
		add("retention-period must not be negative")
	}

	switch c.Engine {
	case EngineSQLite:
		if c.EngineDir == "" {
			add("engine-dir is required for the %s engine", EngineSQLite)
		}
	case EnginePostgres:
		if c.PostgresURL == "" {
			add("postgres-url is required for the %s engine", EnginePostgres)
		}
	default:
		add("unknown engine %q (use %q or %q)", c.Engine, EngineSQLite, EnginePostgres)
	}

	if c.BootstrapURL != "" {
		if u, err := url.Parse(c.BootstrapURL); err != nil || u.Scheme == "" || u.Host == "" {
			add("bootstrap-url %q is not an absolute URL", c.BootstrapURL)
		}
	}
	if c.BootstrapTimeout <= 0 {
		add("bootstrap-timeout must be positive")
	}

	if _, err := zapcore.ParseLevel(c.LogLevel); err != nil {
		add("log-level: %v", err)
	}
	if c.LogFormat != "console" && c.LogFormat != "json" {
		add("unknown log-format %q", c.LogFormat)
	}
	if c.WorkerCount < 1 {
		add("worker-count must be at least 1")
	}

	switch c.OTelExporter {
	case "none", "stdout", "otlp":
	default:
		add("unknown otel-exporter %q", c.OTelExporter)
	}

	return errs
}
