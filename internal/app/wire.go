package app

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	s3blob "github.com/alanyoungcy/circuitbreaker/internal/blob/s3"
	"github.com/alanyoungcy/circuitbreaker/internal/cache/memory"
	"github.com/alanyoungcy/circuitbreaker/internal/cache/redis"
	"github.com/alanyoungcy/circuitbreaker/internal/checker"
	"github.com/alanyoungcy/circuitbreaker/internal/config"
	"github.com/alanyoungcy/circuitbreaker/internal/crypto"
	"github.com/alanyoungcy/circuitbreaker/internal/domain"
	"github.com/alanyoungcy/circuitbreaker/internal/notify"
	"github.com/alanyoungcy/circuitbreaker/internal/server/handler"
	"github.com/alanyoungcy/circuitbreaker/internal/service"
	"github.com/alanyoungcy/circuitbreaker/internal/store/postgres"
	"github.com/alanyoungcy/circuitbreaker/internal/store/sqlite"
)

// Dependencies bundles the backends the modes run on. Every field is
// optional and nil when its section is disabled in the configuration.
type Dependencies struct {
	Verdicts  domain.VerdictStore
	Blacklist domain.SolverBlacklist
	Locks     domain.LockManager
	Bus       domain.SignalBus
	Limiter   domain.RateLimiter

	BlobReader domain.BlobReader
	Archiver   *s3blob.Archiver

	Notifier *notify.Notifier
	Attestor *crypto.Attestor

	// Health probes each wired backend for the health endpoint.
	Health map[string]handler.HealthCheck
}

// Wire constructs the backends enabled in cfg and returns them together with
// a cleanup function releasing them in reverse order.
func Wire(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*Dependencies, func(), error) {
	var closers []func()
	cleanup := func() {
		for i := len(closers) - 1; i >= 0; i-- {
			closers[i]()
		}
	}
	fail := func(err error) (*Dependencies, func(), error) {
		cleanup()
		return nil, nil, err
	}

	deps := &Dependencies{Health: make(map[string]handler.HealthCheck)}

	// --- Verdict store ---
	switch cfg.Database.Driver {
	case "postgres":
		pgClient, err := postgres.New(ctx, postgres.ClientConfig{
			DSN:      cfg.Database.DSN,
			Host:     cfg.Database.Host,
			Port:     cfg.Database.Port,
			Database: cfg.Database.Database,
			User:     cfg.Database.User,
			Password: cfg.Database.Password,
			SSLMode:  cfg.Database.SSLMode,
			MaxConns: cfg.Database.PoolMaxConns,
			MinConns: cfg.Database.PoolMinConns,
		})
		if err != nil {
			return fail(fmt.Errorf("wire: postgres: %w", err))
		}
		closers = append(closers, pgClient.Close)

		if cfg.Database.RunMigrations {
			if err := pgClient.RunMigrations(ctx); err != nil {
				return fail(fmt.Errorf("wire: postgres migrations: %w", err))
			}
		}
		deps.Verdicts = postgres.NewVerdictStore(pgClient.Pool())
		deps.Health["postgres"] = pgClient.Pool().Ping

	case "sqlite":
		store, err := sqlite.Open(ctx, cfg.Database.SQLitePath)
		if err != nil {
			return fail(fmt.Errorf("wire: sqlite: %w", err))
		}
		closers = append(closers, func() { _ = store.Close() })
		deps.Verdicts = store
		deps.Health["sqlite"] = store.Ping
	}

	// --- Redis ---
	if cfg.Redis.Enabled {
		redisClient, err := redis.New(ctx, redis.ClientConfig{
			Addr:       cfg.Redis.Addr,
			Password:   cfg.Redis.Password,
			DB:         cfg.Redis.DB,
			PoolSize:   cfg.Redis.PoolSize,
			MaxRetries: cfg.Redis.MaxRetries,
			TLSEnabled: cfg.Redis.TLSEnabled,
		})
		if err != nil {
			return fail(fmt.Errorf("wire: redis: %w", err))
		}
		closers = append(closers, func() { _ = redisClient.Close() })

		deps.Blacklist = redis.NewBlacklist(redisClient)
		deps.Locks = redis.NewLockManager(redisClient)
		deps.Bus = redis.NewSignalBus(redisClient)
		deps.Limiter = redis.NewRateLimiter(redisClient)
		deps.Health["redis"] = redisClient.Ping
	} else if cfg.Mode == "serve" {
		// The WebSocket feed still needs a bus inside one process.
		deps.Bus = memory.NewSignalBus()
	}

	// --- S3 blob storage ---
	if cfg.S3.Enabled {
		s3Client, err := s3blob.New(ctx, s3blob.ClientConfig{
			Endpoint:       cfg.S3.Endpoint,
			Region:         cfg.S3.Region,
			Bucket:         cfg.S3.Bucket,
			AccessKey:      cfg.S3.AccessKey,
			SecretKey:      cfg.S3.SecretKey,
			UseSSL:         cfg.S3.UseSSL,
			ForcePathStyle: cfg.S3.ForcePathStyle,
		})
		if err != nil {
			return fail(fmt.Errorf("wire: s3: %w", err))
		}
		deps.BlobReader = s3blob.NewReader(s3Client)
		deps.Archiver = s3blob.NewArchiver(
			s3blob.NewWriter(s3Client),
			cfg.Checker.VerdictPrefix,
			cfg.Checker.ReportPrefix,
		)
		deps.Health["s3"] = s3Client.Health
	}

	// --- Notifications ---
	if senders := notifySenders(cfg.Notify); len(senders) > 0 {
		deps.Notifier = notify.NewNotifier(senders, cfg.Notify.Events, logger)
	}

	// --- Attestation ---
	if cfg.Attest.Enabled {
		key, err := crypto.LoadKey(crypto.KeySource{
			RawPrivateKey:    cfg.Attest.PrivateKey,
			EncryptedKeyPath: cfg.Attest.EncryptedKeyPath,
			KeyPassword:      cfg.Attest.KeyPassword,
		})
		if err != nil {
			return fail(fmt.Errorf("wire: attestation key: %w", err))
		}
		attestor, err := crypto.NewAttestor(key, cfg.Attest.ChainID)
		if err != nil {
			return fail(fmt.Errorf("wire: attestor: %w", err))
		}
		deps.Attestor = attestor
		logger.Info("wire: verdicts will be attested",
			slog.String("signer", attestor.Address().Hex()),
			slog.Int64("chain_id", cfg.Attest.ChainID),
		)
	}

	return deps, cleanup, nil
}

func notifySenders(cfg config.NotifyConfig) []notify.Sender {
	var senders []notify.Sender
	if cfg.TelegramToken != "" && cfg.TelegramChatID != "" {
		senders = append(senders, notify.NewTelegramSender(cfg.TelegramToken, cfg.TelegramChatID))
	}
	if cfg.DiscordWebhookURL != "" {
		senders = append(senders, notify.NewDiscordSender(cfg.DiscordWebhookURL))
	}
	if cfg.WebhookURL != "" {
		senders = append(senders, notify.NewWebhookSender(cfg.WebhookURL, cfg.WebhookSecret))
	}
	return senders
}

// CheckService builds the check service on the wired backends. Concrete
// pointers are only stored in the service's interfaces when set, so a
// disabled backend is a nil interface rather than a nil pointer.
func (d *Dependencies) CheckService(cfg *config.Config, logger *slog.Logger) *service.CheckService {
	cd := service.CheckDeps{
		Verdicts:  d.Verdicts,
		Blacklist: d.Blacklist,
		Locks:     d.Locks,
		Bus:       d.Bus,
	}
	if d.Archiver != nil {
		cd.Archive = d.Archiver
	}
	if d.Notifier != nil {
		cd.Notifier = d.Notifier
	}
	if d.Attestor != nil {
		cd.Attestor = d.Attestor
	}

	lockTTL := cfg.Checker.LockTTL.Duration
	if lockTTL <= 0 {
		lockTTL = 2 * time.Minute
	}
	return service.NewCheckService(
		checker.NewInspector(logger),
		cd,
		service.CheckConfig{
			WhitelistedSolvers: cfg.WhitelistedSolverSet(),
			LockTTL:            lockTTL,
		},
		logger,
	)
}
