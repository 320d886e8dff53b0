// Package config defines the top-level configuration for the circuit breaker
// and provides validation helpers.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
)

// Config is the root configuration structure. Fields are populated from a TOML
// file and then optionally overridden by CIRCUITBREAKER_* environment
// variables.
type Config struct {
	Database DatabaseConfig `toml:"database"`
	Redis    RedisConfig    `toml:"redis"`
	S3       S3Config       `toml:"s3"`
	Checker  CheckerConfig  `toml:"checker"`
	Attest   AttestConfig   `toml:"attest"`
	Server   ServerConfig   `toml:"server"`
	Watch    WatchConfig    `toml:"watch"`
	Notify   NotifyConfig   `toml:"notify"`
	Mode     string         `toml:"mode"`
	LogLevel string         `toml:"log_level"`
}

// DatabaseConfig selects and configures the verdict store. An empty driver
// disables persistence.
type DatabaseConfig struct {
	Driver        string `toml:"driver"` // "postgres", "sqlite" or ""
	DSN           string `toml:"dsn"`
	Host          string `toml:"host"`
	Port          int    `toml:"port"`
	Database      string `toml:"database"`
	User          string `toml:"user"`
	Password      string `toml:"password"`
	SSLMode       string `toml:"ssl_mode"`
	PoolMaxConns  int    `toml:"pool_max_conns"`
	PoolMinConns  int    `toml:"pool_min_conns"`
	RunMigrations bool   `toml:"run_migrations"`
	SQLitePath    string `toml:"sqlite_path"`
}

// RedisConfig holds Redis connection parameters.
type RedisConfig struct {
	Enabled    bool   `toml:"enabled"`
	Addr       string `toml:"addr"`
	Password   string `toml:"password"`
	DB         int    `toml:"db"`
	PoolSize   int    `toml:"pool_size"`
	MaxRetries int    `toml:"max_retries"`
	TLSEnabled bool   `toml:"tls_enabled"`
}

// S3Config holds S3-compatible object storage parameters.
type S3Config struct {
	Enabled        bool   `toml:"enabled"`
	Endpoint       string `toml:"endpoint"`
	Region         string `toml:"region"`
	Bucket         string `toml:"bucket"`
	AccessKey      string `toml:"access_key"`
	SecretKey      string `toml:"secret_key"`
	UseSSL         bool   `toml:"use_ssl"`
	ForcePathStyle bool   `toml:"force_path_style"`
}

// CheckerConfig holds parameters of the settlement check service.
type CheckerConfig struct {
	// WhitelistedSolvers are trusted solver addresses whose settlements are
	// never checked.
	WhitelistedSolvers []string `toml:"whitelisted_solvers"`
	// Concurrency bounds the number of settlements checked at once in
	// replay mode.
	Concurrency   int      `toml:"concurrency"`
	CasePrefix    string   `toml:"case_prefix"`
	VerdictPrefix string   `toml:"verdict_prefix"`
	ReportPrefix  string   `toml:"report_prefix"`
	LockTTL       duration `toml:"lock_ttl"`
}

// AttestConfig configures signing of verdicts. The key is given either raw
// or as an encrypted key file.
type AttestConfig struct {
	Enabled          bool   `toml:"enabled"`
	ChainID          int64  `toml:"chain_id"`
	PrivateKey       string `toml:"private_key"`
	EncryptedKeyPath string `toml:"encrypted_key_path"`
	KeyPassword      string `toml:"key_password"`
}

// ServerConfig holds HTTP server parameters.
type ServerConfig struct {
	Port        int      `toml:"port"`
	CORSOrigins []string `toml:"cors_origins"`
	APIKey      string   `toml:"api_key"`
	RateLimit   int      `toml:"rate_limit"` // requests per window and client, 0 disables
	RateWindow  duration `toml:"rate_window"`
	WSBacklog   int      `toml:"ws_backlog"` // recent verdicts replayed to new feed clients
}

// WatchConfig holds parameters of the inbox directory watcher.
type WatchConfig struct {
	Dir     string   `toml:"dir"`
	DoneDir string   `toml:"done_dir"`
	Settle  duration `toml:"settle"`
}

// NotifyConfig holds notification channel credentials.
type NotifyConfig struct {
	TelegramToken     string   `toml:"telegram_token"`
	TelegramChatID    string   `toml:"telegram_chat_id"`
	DiscordWebhookURL string   `toml:"discord_webhook_url"`
	WebhookURL        string   `toml:"webhook_url"`
	WebhookSecret     string   `toml:"webhook_secret"`
	Events            []string `toml:"events"`
}

// duration is a wrapper around time.Duration that supports TOML string decoding
// (e.g. "5m", "30s").
type duration struct {
	time.Duration
}

// UnmarshalText implements encoding.TextUnmarshaler so the TOML decoder can
// parse duration strings like "5m" or "30s".
func (d *duration) UnmarshalText(text []byte) error {
	var err error
	d.Duration, err = time.ParseDuration(string(text))
	return err
}

// MarshalText implements encoding.TextMarshaler for round-trip encoding.
func (d duration) MarshalText() ([]byte, error) {
	return []byte(d.Duration.String()), nil
}

// Defaults returns a Config populated with reasonable default values.
// These match the values in config.example.toml.
func Defaults() Config {
	return Config{
		Database: DatabaseConfig{
			Driver:        "",
			Host:          "localhost",
			Port:          5432,
			Database:      "circuitbreaker",
			User:          "postgres",
			SSLMode:       "disable",
			PoolMaxConns:  10,
			PoolMinConns:  2,
			RunMigrations: true,
			SQLitePath:    "circuitbreaker.db",
		},
		Redis: RedisConfig{
			Enabled:    false,
			Addr:       "localhost:6379",
			DB:         0,
			PoolSize:   20,
			MaxRetries: 3,
			TLSEnabled: false,
		},
		S3: S3Config{
			Enabled:        false,
			Endpoint:       "http://localhost:9000",
			Region:         "us-east-1",
			Bucket:         "circuitbreaker",
			UseSSL:         false,
			ForcePathStyle: true,
		},
		Checker: CheckerConfig{
			WhitelistedSolvers: []string{},
			Concurrency:        8,
			CasePrefix:         "cases/",
			VerdictPrefix:      "verdicts/",
			ReportPrefix:       "reports/",
			LockTTL:            duration{2 * time.Minute},
		},
		Attest: AttestConfig{
			ChainID: 1,
		},
		Server: ServerConfig{
			Port:        8000,
			CORSOrigins: []string{},
			RateLimit:   0,
			RateWindow:  duration{time.Minute},
			WSBacklog:   50,
		},
		Watch: WatchConfig{
			Dir:    "inbox",
			Settle: duration{500 * time.Millisecond},
		},
		Notify: NotifyConfig{
			Events: []string{"invalid_settlement", "check_error"},
		},
		Mode:     "check",
		LogLevel: "info",
	}
}

// validModes enumerates the accepted values for Config.Mode.
var validModes = map[string]bool{
	"check":  true,
	"replay": true,
	"watch":  true,
	"serve":  true,
}

// validLogLevels enumerates the accepted values for Config.LogLevel.
var validLogLevels = map[string]bool{
	"debug": true,
	"info":  true,
	"warn":  true,
	"error": true,
}

// validEvents enumerates the notification event types.
var validEvents = map[string]bool{
	"invalid_settlement": true,
	"check_error":        true,
	"whitelisted_solver": true,
}

// Validate checks Config for obviously invalid or missing values and returns a
// combined error describing every problem found.
func (c *Config) Validate() error {
	var errs []string

	// Mode
	if !validModes[strings.ToLower(c.Mode)] {
		errs = append(errs, fmt.Sprintf("unknown mode %q (valid: check, replay, watch, serve)", c.Mode))
	}

	// LogLevel
	if !validLogLevels[strings.ToLower(c.LogLevel)] {
		errs = append(errs, fmt.Sprintf("unknown log_level %q (valid: debug, info, warn, error)", c.LogLevel))
	}

	// Database
	switch c.Database.Driver {
	case "":
	case "postgres":
		if strings.TrimSpace(c.Database.DSN) == "" {
			if c.Database.Host == "" {
				errs = append(errs, "database: host must not be empty (or set database.dsn)")
			}
			if c.Database.Port <= 0 || c.Database.Port > 65535 {
				errs = append(errs, fmt.Sprintf("database: port must be 1-65535, got %d", c.Database.Port))
			}
			if c.Database.Database == "" {
				errs = append(errs, "database: database must not be empty")
			}
		}
		if c.Database.PoolMaxConns < 1 {
			errs = append(errs, "database: pool_max_conns must be >= 1")
		}
		if c.Database.PoolMinConns < 0 {
			errs = append(errs, "database: pool_min_conns must be >= 0")
		}
		if c.Database.PoolMinConns > c.Database.PoolMaxConns {
			errs = append(errs, "database: pool_min_conns must not exceed pool_max_conns")
		}
	case "sqlite":
		if c.Database.SQLitePath == "" {
			errs = append(errs, "database: sqlite_path must not be empty for driver sqlite")
		}
	default:
		errs = append(errs, fmt.Sprintf("database: unknown driver %q (valid: postgres, sqlite, or empty)", c.Database.Driver))
	}

	// Redis
	if c.Redis.Enabled {
		if c.Redis.Addr == "" {
			errs = append(errs, "redis: addr must not be empty")
		}
		if c.Redis.PoolSize < 1 {
			errs = append(errs, "redis: pool_size must be >= 1")
		}
	}

	// S3
	if c.S3.Enabled {
		if c.S3.Endpoint == "" {
			errs = append(errs, "s3: endpoint must not be empty")
		}
		if c.S3.Bucket == "" {
			errs = append(errs, "s3: bucket must not be empty")
		}
	}
	if c.Mode == "replay" && !c.S3.Enabled {
		errs = append(errs, "s3: must be enabled for mode replay")
	}

	// Checker
	for _, s := range c.Checker.WhitelistedSolvers {
		if !common.IsHexAddress(s) {
			errs = append(errs, fmt.Sprintf("checker: whitelisted solver %q is not an address", s))
		}
	}
	if c.Checker.Concurrency < 1 {
		errs = append(errs, "checker: concurrency must be >= 1")
	}
	if c.Checker.LockTTL.Duration <= 0 {
		errs = append(errs, "checker: lock_ttl must be > 0")
	}

	// Attest
	if c.Attest.Enabled {
		if c.Attest.PrivateKey == "" && c.Attest.EncryptedKeyPath == "" {
			errs = append(errs, "attest: either private_key or encrypted_key_path must be set")
		}
		if c.Attest.EncryptedKeyPath != "" && c.Attest.KeyPassword == "" {
			errs = append(errs, "attest: key_password is required when encrypted_key_path is set")
		}
		if c.Attest.ChainID <= 0 {
			errs = append(errs, "attest: chain_id must be positive")
		}
	}

	// Server
	if c.Mode == "serve" {
		if c.Server.Port <= 0 || c.Server.Port > 65535 {
			errs = append(errs, fmt.Sprintf("server: port must be 1-65535, got %d", c.Server.Port))
		}
		if c.Server.RateLimit > 0 && !c.Redis.Enabled {
			errs = append(errs, "server: rate_limit requires redis to be enabled")
		}
		if c.Server.RateLimit < 0 {
			errs = append(errs, "server: rate_limit must be >= 0")
		}
		if c.Server.WSBacklog < 0 {
			errs = append(errs, "server: ws_backlog must be >= 0")
		}
		if strings.TrimSpace(c.Server.APIKey) == "" && c.HasSideEffects() {
			errs = append(errs, "server: api_key is required when checks are recorded, blacklist solvers or send alerts")
		}
	}

	// Watch
	if c.Mode == "watch" && c.Watch.Dir == "" {
		errs = append(errs, "watch: dir must not be empty for mode watch")
	}

	// Notify
	for _, e := range c.Notify.Events {
		if !validEvents[e] {
			errs = append(errs, fmt.Sprintf("notify: unknown event %q", e))
		}
	}

	if len(errs) > 0 {
		return fmt.Errorf("config validation failed:\n  - %s", strings.Join(errs, "\n  - "))
	}
	return nil
}

// HasSideEffects reports whether a check writes outside the process: a
// verdict store, the redis blacklist and bus, object storage or an alert
// channel. POST /api/check must not be open to anonymous callers then.
func (c *Config) HasSideEffects() bool {
	return c.Database.Driver != "" ||
		c.Redis.Enabled ||
		c.S3.Enabled ||
		(c.Notify.TelegramToken != "" && c.Notify.TelegramChatID != "") ||
		c.Notify.DiscordWebhookURL != "" ||
		c.Notify.WebhookURL != ""
}

// WhitelistedSolverSet returns the whitelisted solvers as a set. Validate
// must have passed.
func (c *Config) WhitelistedSolverSet() map[common.Address]struct{} {
	set := make(map[common.Address]struct{}, len(c.Checker.WhitelistedSolvers))
	for _, s := range c.Checker.WhitelistedSolvers {
		set[common.HexToAddress(s)] = struct{}{}
	}
	return set
}
