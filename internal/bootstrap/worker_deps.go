// Package bootstrap wires configuration, adapters and services together.
package bootstrap

import (
	"context"
	"fmt"
	"strings"

	"ticket_worker/adapter/out/persistence"
	"ticket_worker/adapter/out/provider"
	"ticket_worker/adapter/out/storage"
	"ticket_worker/config"
	"ticket_worker/core/port/out"
	"ticket_worker/core/service/auth"
	"ticket_worker/core/service/mailsync"
	"ticket_worker/core/service/ticket"
	"ticket_worker/infra/database"
	"ticket_worker/pkg/crypto"
	"ticket_worker/pkg/httputil"
	"ticket_worker/pkg/logger"

	"github.com/jmoiron/sqlx"
	"github.com/redis/go-redis/v9"
)

type Dependencies struct {
	Config *config.Config
	DB     *sqlx.DB
	Redis  *redis.Client

	// Coordination
	Locker out.Locker
	States out.StateStore

	// Repositories
	JobRepo      *persistence.JobAdapter
	TokenRepo    *persistence.TokenAdapter
	ProviderRepo *persistence.ProviderAdapter
	TicketStore  *persistence.TicketStoreAdapter
	Blobs        *storage.DiskStorage

	// Providers
	Registry *provider.Registry

	// Services
	TokenManager *auth.TokenManager
	Materializer *ticket.Materializer
	Resolver     *ticket.Resolver
	SyncService  *mailsync.SyncService
}

// InitLogger configures the default logger from cfg.
func InitLogger(cfg *config.Config) {
	logger.Init(logger.Config{
		Level:   logger.ParseLevel(cfg.LogLevel),
		Service: "ticket-worker",
		Console: cfg.LogFormat == "console" || (cfg.IsDevelopment() && cfg.LogFormat != "json"),
	})
}

// OpenDatabase opens the store and applies migrations when configured.
func OpenDatabase(ctx context.Context, cfg *config.Config) (*sqlx.DB, error) {
	db, err := database.Open(ctx, cfg.DatabaseDriver, cfg.DatabaseURL)
	if err != nil {
		return nil, err
	}
	if cfg.AutoMigrate || cfg.DatabaseDriver == database.DriverSQLite {
		if err := database.Migrate(ctx, db, cfg.DatabaseDriver, database.MigrateUp); err != nil {
			db.Close()
			return nil, err
		}
	}
	return db, nil
}

// NewDependencies builds everything a sync run needs. The returned cleanup
// closes the database and Redis.
func NewDependencies(ctx context.Context, cfg *config.Config) (*Dependencies, func(), error) {
	deps := &Dependencies{Config: cfg}

	db, err := OpenDatabase(ctx, cfg)
	if err != nil {
		return nil, nil, fmt.Errorf("database: %w", err)
	}
	deps.DB = db
	logger.Info("Database connected (%s)", cfg.DatabaseDriver)

	if cfg.RedisURL != "" {
		rdb, err := database.NewRedis(ctx, cfg.RedisURL)
		if err != nil {
			db.Close()
			return nil, nil, fmt.Errorf("redis: %w", err)
		}
		deps.Redis = rdb
		deps.Locker = persistence.NewRedisLocker(rdb)
		deps.States = persistence.NewRedisOAuthStateStore(rdb)
		logger.Info("Redis connected, distributed job locks enabled")
	} else {
		deps.Locker = persistence.NewLocalLocker()
		deps.States = persistence.NewMemoryOAuthStateStore()
		logger.Warn("REDIS_URL not set, job locks are process-local")
	}

	cleanup := func() {
		if deps.Redis != nil {
			deps.Redis.Close()
		}
		deps.DB.Close()
	}

	sealer, err := crypto.NewSealer(cfg.TokenEncryptionKey)
	if err != nil {
		cleanup()
		return nil, nil, fmt.Errorf("token sealer: %w", err)
	}

	blobs, err := storage.NewDiskStorage(cfg.AttachmentDir)
	if err != nil {
		cleanup()
		return nil, nil, fmt.Errorf("attachment storage: %w", err)
	}
	deps.Blobs = blobs

	deps.JobRepo = persistence.NewJobAdapter(db)
	deps.TokenRepo = persistence.NewTokenAdapter(db, sealer)
	deps.ProviderRepo = persistence.NewProviderAdapter(db, sealer)
	deps.TicketStore = persistence.NewTicketStoreAdapter(db)

	deps.Registry = provider.NewRegistry(providerConfig(cfg), deps.ProviderRepo)

	deps.TokenManager = auth.NewTokenManager(
		deps.TokenRepo,
		deps.JobRepo,
		deps.Registry,
		deps.Locker,
		auth.WithLockTTL(cfg.LockTTL),
		auth.WithStateStore(deps.States),
	)
	deps.Materializer = ticket.NewMaterializer(deps.TicketStore, deps.Blobs, ticket.MaterializerConfig{
		FallbackUserID:     cfg.FallbackUserID,
		DefaultLanguage:    cfg.DefaultLanguage,
		LoginMaxLength:     cfg.LoginMaxLength,
		MaxAttachmentBytes: cfg.MaxAttachmentBytes,
	})
	deps.Resolver = ticket.NewResolver(deps.TicketStore, deps.Materializer)
	deps.SyncService = mailsync.NewSyncService(
		deps.JobRepo,
		deps.TokenManager,
		deps.Registry,
		deps.Resolver,
		deps.Locker,
		cfg.LockTTL,
	)

	return deps, cleanup, nil
}

func providerConfig(cfg *config.Config) *provider.FactoryConfig {
	client := httputil.NewClient(httputil.ProviderClientConfig(cfg.ProviderTimeout))

	fc := &provider.FactoryConfig{HTTPClient: client}
	if cfg.GoogleClientID != "" {
		fc.Gmail = &provider.GmailConfig{
			ClientID:     cfg.GoogleClientID,
			ClientSecret: cfg.GoogleClientSecret,
			RedirectURL:  cfg.GoogleRedirectURL,
		}
	}
	if cfg.MicrosoftClientID != "" {
		fc.Outlook = &provider.OutlookConfig{
			ClientID:     cfg.MicrosoftClientID,
			ClientSecret: cfg.MicrosoftClientSecret,
			RedirectURL:  cfg.MicrosoftRedirectURL,
			TenantID:     strings.TrimSpace(cfg.MicrosoftTenantID),
		}
	}
	return fc
}
