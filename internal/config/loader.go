package config

import (
	"errors"
	"io/fs"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/joho/godotenv"
)

// Load reads a TOML configuration file at path, merges it on top of the
// built-in defaults, applies CIRCUITBREAKER_* environment variable overrides,
// and returns the final Config. A missing file leaves the defaults in place.
// The returned Config has NOT been validated; the caller should invoke
// Config.Validate() after Load.
func Load(path string) (*Config, error) {
	cfg := Defaults()

	if _, err := toml.DecodeFile(path, &cfg); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return nil, err
	}

	// Load .env file if present (silently ignore if missing).
	_ = godotenv.Load()

	applyEnvOverrides(&cfg)

	return &cfg, nil
}

// applyEnvOverrides reads well-known CIRCUITBREAKER_* environment variables
// and overwrites the corresponding Config fields when a variable is set (i.e.
// not empty). This lets operators inject secrets at deploy time without
// touching the TOML file.
func applyEnvOverrides(cfg *Config) {
	// ── Database ──
	setStr(&cfg.Database.Driver, "CIRCUITBREAKER_DATABASE_DRIVER")
	setStr(&cfg.Database.DSN, "CIRCUITBREAKER_DATABASE_DSN")
	setStr(&cfg.Database.DSN, "CIRCUITBREAKER_DATABASE_URL") // compatibility alias
	setStr(&cfg.Database.Host, "CIRCUITBREAKER_DATABASE_HOST")
	setInt(&cfg.Database.Port, "CIRCUITBREAKER_DATABASE_PORT")
	setStr(&cfg.Database.Database, "CIRCUITBREAKER_DATABASE_DATABASE")
	setStr(&cfg.Database.User, "CIRCUITBREAKER_DATABASE_USER")
	setStr(&cfg.Database.Password, "CIRCUITBREAKER_DATABASE_PASSWORD")
	setStr(&cfg.Database.SSLMode, "CIRCUITBREAKER_DATABASE_SSL_MODE")
	setInt(&cfg.Database.PoolMaxConns, "CIRCUITBREAKER_DATABASE_POOL_MAX_CONNS")
	setInt(&cfg.Database.PoolMinConns, "CIRCUITBREAKER_DATABASE_POOL_MIN_CONNS")
	setBool(&cfg.Database.RunMigrations, "CIRCUITBREAKER_DATABASE_RUN_MIGRATIONS")
	setStr(&cfg.Database.SQLitePath, "CIRCUITBREAKER_DATABASE_SQLITE_PATH")

	// ── Redis ──
	setBool(&cfg.Redis.Enabled, "CIRCUITBREAKER_REDIS_ENABLED")
	setStr(&cfg.Redis.Addr, "CIRCUITBREAKER_REDIS_ADDR")
	setStr(&cfg.Redis.Password, "CIRCUITBREAKER_REDIS_PASSWORD")
	setInt(&cfg.Redis.DB, "CIRCUITBREAKER_REDIS_DB")
	setInt(&cfg.Redis.PoolSize, "CIRCUITBREAKER_REDIS_POOL_SIZE")
	setInt(&cfg.Redis.MaxRetries, "CIRCUITBREAKER_REDIS_MAX_RETRIES")
	setBool(&cfg.Redis.TLSEnabled, "CIRCUITBREAKER_REDIS_TLS_ENABLED")

	// ── S3 ──
	setBool(&cfg.S3.Enabled, "CIRCUITBREAKER_S3_ENABLED")
	setStr(&cfg.S3.Endpoint, "CIRCUITBREAKER_S3_ENDPOINT")
	setStr(&cfg.S3.Region, "CIRCUITBREAKER_S3_REGION")
	setStr(&cfg.S3.Bucket, "CIRCUITBREAKER_S3_BUCKET")
	setStr(&cfg.S3.AccessKey, "CIRCUITBREAKER_S3_ACCESS_KEY")
	setStr(&cfg.S3.SecretKey, "CIRCUITBREAKER_S3_SECRET_KEY")
	setBool(&cfg.S3.UseSSL, "CIRCUITBREAKER_S3_USE_SSL")
	setBool(&cfg.S3.ForcePathStyle, "CIRCUITBREAKER_S3_FORCE_PATH_STYLE")

	// ── Checker ──
	setStringSlice(&cfg.Checker.WhitelistedSolvers, "CIRCUITBREAKER_CHECKER_WHITELISTED_SOLVERS")
	setInt(&cfg.Checker.Concurrency, "CIRCUITBREAKER_CHECKER_CONCURRENCY")
	setStr(&cfg.Checker.CasePrefix, "CIRCUITBREAKER_CHECKER_CASE_PREFIX")
	setStr(&cfg.Checker.VerdictPrefix, "CIRCUITBREAKER_CHECKER_VERDICT_PREFIX")
	setStr(&cfg.Checker.ReportPrefix, "CIRCUITBREAKER_CHECKER_REPORT_PREFIX")
	setDuration(&cfg.Checker.LockTTL, "CIRCUITBREAKER_CHECKER_LOCK_TTL")

	// ── Attest ──
	setBool(&cfg.Attest.Enabled, "CIRCUITBREAKER_ATTEST_ENABLED")
	setInt64(&cfg.Attest.ChainID, "CIRCUITBREAKER_ATTEST_CHAIN_ID")
	setStr(&cfg.Attest.PrivateKey, "CIRCUITBREAKER_ATTEST_PRIVATE_KEY")
	setStr(&cfg.Attest.EncryptedKeyPath, "CIRCUITBREAKER_ATTEST_ENCRYPTED_KEY_PATH")
	setStr(&cfg.Attest.KeyPassword, "CIRCUITBREAKER_ATTEST_KEY_PASSWORD")

	// ── Server ──
	setInt(&cfg.Server.Port, "CIRCUITBREAKER_SERVER_PORT")
	setStringSlice(&cfg.Server.CORSOrigins, "CIRCUITBREAKER_SERVER_CORS_ORIGINS")
	setStr(&cfg.Server.APIKey, "CIRCUITBREAKER_SERVER_API_KEY")
	setInt(&cfg.Server.RateLimit, "CIRCUITBREAKER_SERVER_RATE_LIMIT")
	setDuration(&cfg.Server.RateWindow, "CIRCUITBREAKER_SERVER_RATE_WINDOW")
	setInt(&cfg.Server.WSBacklog, "CIRCUITBREAKER_SERVER_WS_BACKLOG")

	// ── Watch ──
	setStr(&cfg.Watch.Dir, "CIRCUITBREAKER_WATCH_DIR")
	setStr(&cfg.Watch.DoneDir, "CIRCUITBREAKER_WATCH_DONE_DIR")
	setDuration(&cfg.Watch.Settle, "CIRCUITBREAKER_WATCH_SETTLE")

	// ── Notify ──
	setStr(&cfg.Notify.TelegramToken, "CIRCUITBREAKER_NOTIFY_TELEGRAM_TOKEN")
	setStr(&cfg.Notify.TelegramChatID, "CIRCUITBREAKER_NOTIFY_TELEGRAM_CHAT_ID")
	setStr(&cfg.Notify.DiscordWebhookURL, "CIRCUITBREAKER_NOTIFY_DISCORD_WEBHOOK_URL")
	setStr(&cfg.Notify.WebhookURL, "CIRCUITBREAKER_NOTIFY_WEBHOOK_URL")
	setStr(&cfg.Notify.WebhookSecret, "CIRCUITBREAKER_NOTIFY_WEBHOOK_SECRET")
	setStringSlice(&cfg.Notify.Events, "CIRCUITBREAKER_NOTIFY_EVENTS")

	// ── Top-level ──
	setStr(&cfg.Mode, "CIRCUITBREAKER_MODE")
	setStr(&cfg.LogLevel, "CIRCUITBREAKER_LOG_LEVEL")
}

// ---------------------------------------------------------------------------
// Typed env-var helpers. Each only mutates the target when the environment
// variable is present and non-empty.
// ---------------------------------------------------------------------------

func setStr(dst *string, key string) {
	if v := os.Getenv(key); v != "" {
		*dst = v
	}
}

func setInt(dst *int, key string) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			*dst = n
		}
	}
}

func setInt64(dst *int64, key string) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil {
			*dst = n
		}
	}
}

func setBool(dst *bool, key string) {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			*dst = b
		}
	}
}

func setDuration(dst *duration, key string) {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			dst.Duration = d
		}
	}
}

func setStringSlice(dst *[]string, key string) {
	if v := os.Getenv(key); v != "" {
		parts := strings.Split(v, ",")
		cleaned := make([]string, 0, len(parts))
		for _, p := range parts {
			p = strings.TrimSpace(p)
			if p != "" {
				cleaned = append(cleaned, p)
			}
		}
		if len(cleaned) > 0 {
			*dst = cleaned
		}
	}
}
