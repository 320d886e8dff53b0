package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.toml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

func TestDefaultsValidate(t *testing.T) {
	cfg := Defaults()
	assert.NoError(t, cfg.Validate())
}

func TestLoadMergesFileOverDefaults(t *testing.T) {
	path := writeConfig(t, `
mode = "replay"
log_level = "debug"

[s3]
enabled = true
bucket = "settlements"

[checker]
whitelisted_solvers = ["0x423cec87f19f0778f549846e0801ee267a917935"]
concurrency = 4
lock_ttl = "30s"
`)
	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "replay", cfg.Mode)
	assert.Equal(t, "debug", cfg.LogLevel)
	assert.True(t, cfg.S3.Enabled)
	assert.Equal(t, "settlements", cfg.S3.Bucket)
	assert.Equal(t, "us-east-1", cfg.S3.Region)
	assert.Equal(t, 4, cfg.Checker.Concurrency)
	assert.Equal(t, 30*time.Second, cfg.Checker.LockTTL.Duration)
	assert.Equal(t, "verdicts/", cfg.Checker.VerdictPrefix)
	require.NoError(t, cfg.Validate())

	set := cfg.WhitelistedSolverSet()
	_, ok := set[common.HexToAddress("0x423cec87f19f0778f549846e0801ee267a917935")]
	assert.True(t, ok)
}

func TestLoadMissingFileUsesDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "absent.toml"))
	require.NoError(t, err)
	assert.Equal(t, Defaults().Checker.Concurrency, cfg.Checker.Concurrency)
}

func TestLoadRejectsMalformedFile(t *testing.T) {
	_, err := Load(writeConfig(t, "mode = "))
	assert.Error(t, err)
}

func TestEnvOverrides(t *testing.T) {
	t.Setenv("CIRCUITBREAKER_MODE", "serve")
	t.Setenv("CIRCUITBREAKER_SERVER_PORT", "9100")
	t.Setenv("CIRCUITBREAKER_REDIS_ENABLED", "true")
	t.Setenv("CIRCUITBREAKER_CHECKER_WHITELISTED_SOLVERS", " 0x01 , ,0x02")
	t.Setenv("CIRCUITBREAKER_CHECKER_LOCK_TTL", "1m")

	cfg, err := Load(writeConfig(t, `mode = "check"`))
	require.NoError(t, err)

	assert.Equal(t, "serve", cfg.Mode)
	assert.Equal(t, 9100, cfg.Server.Port)
	assert.True(t, cfg.Redis.Enabled)
	assert.Equal(t, []string{"0x01", "0x02"}, cfg.Checker.WhitelistedSolvers)
	assert.Equal(t, time.Minute, cfg.Checker.LockTTL.Duration)
}

func TestEnvOverrideIgnoresUnparsableValues(t *testing.T) {
	t.Setenv("CIRCUITBREAKER_CHECKER_CONCURRENCY", "many")

	cfg, err := Load(writeConfig(t, ""))
	require.NoError(t, err)
	assert.Equal(t, 8, cfg.Checker.Concurrency)
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		modify  func(*Config)
		wantErr string
	}{
		{
			name:    "unknown mode",
			modify:  func(c *Config) { c.Mode = "trade" },
			wantErr: `unknown mode "trade"`,
		},
		{
			name:    "unknown log level",
			modify:  func(c *Config) { c.LogLevel = "loud" },
			wantErr: `unknown log_level "loud"`,
		},
		{
			name:    "unknown database driver",
			modify:  func(c *Config) { c.Database.Driver = "mysql" },
			wantErr: `unknown driver "mysql"`,
		},
		{
			name: "postgres pool bounds",
			modify: func(c *Config) {
				c.Database.Driver = "postgres"
				c.Database.PoolMinConns = 20
			},
			wantErr: "pool_min_conns must not exceed pool_max_conns",
		},
		{
			name:    "replay without s3",
			modify:  func(c *Config) { c.Mode = "replay" },
			wantErr: "s3: must be enabled for mode replay",
		},
		{
			name:    "bad whitelisted solver",
			modify:  func(c *Config) { c.Checker.WhitelistedSolvers = []string{"solver"} },
			wantErr: `whitelisted solver "solver" is not an address`,
		},
		{
			name:    "zero concurrency",
			modify:  func(c *Config) { c.Checker.Concurrency = 0 },
			wantErr: "concurrency must be >= 1",
		},
		{
			name: "encrypted key without password",
			modify: func(c *Config) {
				c.Attest.Enabled = true
				c.Attest.EncryptedKeyPath = "key.json"
			},
			wantErr: "key_password is required",
		},
		{
			name: "rate limit without redis",
			modify: func(c *Config) {
				c.Mode = "serve"
				c.Server.RateLimit = 10
			},
			wantErr: "rate_limit requires redis",
		},
		{
			name: "serve with redis and no api key",
			modify: func(c *Config) {
				c.Mode = "serve"
				c.Redis.Enabled = true
			},
			wantErr: "server: api_key is required",
		},
		{
			name: "serve with database and blank api key",
			modify: func(c *Config) {
				c.Mode = "serve"
				c.Database.Driver = "sqlite"
				c.Server.APIKey = "   "
			},
			wantErr: "server: api_key is required",
		},
		{
			name: "negative ws backlog",
			modify: func(c *Config) {
				c.Mode = "serve"
				c.Server.WSBacklog = -1
			},
			wantErr: "ws_backlog must be >= 0",
		},
		{
			name:    "unknown event",
			modify:  func(c *Config) { c.Notify.Events = []string{"order_filled"} },
			wantErr: `unknown event "order_filled"`,
		},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			cfg := Defaults()
			tc.modify(&cfg)
			err := cfg.Validate()
			require.Error(t, err)
			assert.Contains(t, err.Error(), tc.wantErr)
		})
	}
}

func TestValidateServeAPIKey(t *testing.T) {
	t.Run("no backends needs no key", func(t *testing.T) {
		cfg := Defaults()
		cfg.Mode = "serve"
		assert.False(t, cfg.HasSideEffects())
		assert.NoError(t, cfg.Validate())
	})

	t.Run("backends with a key", func(t *testing.T) {
		cfg := Defaults()
		cfg.Mode = "serve"
		cfg.Redis.Enabled = true
		cfg.Database.Driver = "sqlite"
		cfg.Server.APIKey = "secret"
		assert.NoError(t, cfg.Validate())
	})

	t.Run("alerts only", func(t *testing.T) {
		cfg := Defaults()
		cfg.Mode = "serve"
		cfg.Notify.DiscordWebhookURL = "https://discord.example/hook"
		assert.True(t, cfg.HasSideEffects())
		assert.ErrorContains(t, cfg.Validate(), "api_key is required")
	})

	t.Run("other modes ignore the key", func(t *testing.T) {
		cfg := Defaults()
		cfg.Mode = "watch"
		cfg.Redis.Enabled = true
		assert.NoError(t, cfg.Validate())
	})
}

func TestValidateReportsEveryProblem(t *testing.T) {
	cfg := Defaults()
	cfg.Mode = "trade"
	cfg.LogLevel = "loud"
	cfg.Checker.Concurrency = 0

	err := cfg.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unknown mode")
	assert.Contains(t, err.Error(), "unknown log_level")
	assert.Contains(t, err.Error(), "concurrency")
}

func TestRedactedConfig(t *testing.T) {
	cfg := Defaults()
	cfg.Database.Password = "hunter2"
	cfg.Attest.PrivateKey = "0xabc"
	cfg.Notify.WebhookSecret = "s3cret"
	cfg.Checker.WhitelistedSolvers = []string{"0x01"}

	out := RedactedConfig(&cfg)
	assert.Equal(t, "***", out.Database.Password)
	assert.Equal(t, "***", out.Attest.PrivateKey)
	assert.Equal(t, "***", out.Notify.WebhookSecret)
	assert.Equal(t, "", out.Redis.Password)
	assert.Equal(t, "hunter2", cfg.Database.Password)

	out.Checker.WhitelistedSolvers[0] = "0x02"
	assert.Equal(t, "0x01", cfg.Checker.WhitelistedSolvers[0])
}
