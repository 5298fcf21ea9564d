package bootstrap

import (
	"context"
	"os"
	"strings"
	"time"

	"mailgate_server/adapter/out/persistence"
	"mailgate_server/adapter/out/provider"
	"mailgate_server/config"
	"mailgate_server/core/service/mailgate"
	"mailgate_server/infra/database"
	"mailgate_server/pkg/logger"

	"github.com/jackc/pgx/v5/pgxpool"
	_ "github.com/jackc/pgx/v5/stdlib" // pgx driver for database/sql
	"github.com/jmoiron/sqlx"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
)

type Dependencies struct {
	Config *config.Config
	DB     *pgxpool.Pool
	SQLDB  *sqlx.DB
	Redis  *redis.Client

	// Stores
	CredentialStore   *persistence.CredentialAdapter
	TenantConfigStore *persistence.TenantConfigAdapter

	// Token sources
	GmailTokens *provider.GmailTokenSource
	WorksTokens *provider.WorksTokenSource

	// Provider adapters
	GmailProvider *provider.GmailAdapter
	WorksProvider *provider.WorksAdapter

	// Services
	GatewayService *mailgate.Service
}

func NewDependencies(cfg *config.Config) (*Dependencies, func(), error) {
	deps := &Dependencies{Config: cfg}
	var cleanups []func()

	// Database (pgxpool)
	db, err := database.NewPostgres(cfg.DatabaseURL)
	if err != nil {
		return nil, nil, err
	}
	deps.DB = db
	cleanups = append(cleanups, func() { db.Close() })

	// Database (sqlx for adapters that need it)
	// simple_protocol avoids prepared statement conflicts with PgBouncer
	logger.Debug("Connecting to database via sqlx...")
	sqlxURL := cfg.DatabaseURL
	if strings.Contains(sqlxURL, "?") {
		sqlxURL += "&default_query_exec_mode=simple_protocol"
	} else {
		sqlxURL += "?default_query_exec_mode=simple_protocol"
	}
	sqlDB, err := sqlx.Connect("pgx", sqlxURL)
	if err != nil {
		logger.Error("sqlx connection failed: %v", err)
		return nil, nil, err
	}
	// Credential and tenant-config lookups are the only queries here, so
	// the pool mirrors the small pgxpool profile.
	sqlDB.SetMaxOpenConns(10)
	sqlDB.SetMaxIdleConns(5)
	sqlDB.SetConnMaxLifetime(30 * time.Minute)
	sqlDB.SetConnMaxIdleTime(10 * time.Minute)

	deps.SQLDB = sqlDB
	cleanups = append(cleanups, func() { sqlDB.Close() })
	logger.Info("sqlx database connection successful (pool: max=%d, idle=%d)", 10, 5)

	// Redis (token blacklist, rate limiting support)
	redisClient, err := database.NewRedis(cfg.RedisURL)
	if err != nil {
		logger.Warn("Redis connection failed: %v", err)
	} else {
		deps.Redis = redisClient
		cleanups = append(cleanups, func() { redisClient.Close() })
	}

	// Stores
	deps.CredentialStore = persistence.NewCredentialAdapter(sqlDB)
	deps.TenantConfigStore = persistence.NewTenantConfigAdapter(sqlDB)

	zlog := zerolog.New(zerolog.NewConsoleWriter()).With().Timestamp().Logger()
	if cfg.IsProduction() {
		zlog = zerolog.New(os.Stdout).With().Timestamp().Logger()
	}

	// Upstream overrides from config; zero values keep the public endpoints
	gmailOpts := provider.Options{
		TokenEndpoint:    cfg.GmailTokenEndpoint,
		APIBaseURL:       cfg.GmailAPIBaseURL,
		FetchConcurrency: cfg.FetchConcurrency,
		FetchTimeout:     time.Duration(cfg.UpstreamTimeoutSec) * time.Second,
	}
	worksOpts := provider.Options{
		TokenEndpoint: cfg.WorksTokenEndpoint,
		APIBaseURL:    cfg.WorksAPIBaseURL,
	}

	// Token sources, one per provider
	deps.GmailTokens = provider.NewGmailTokenSource(deps.TenantConfigStore, gmailOpts, zlog)
	deps.WorksTokens = provider.NewWorksTokenSource(worksOpts, zlog)

	// Provider adapters
	deps.GmailProvider = provider.NewGmailAdapter(deps.GmailTokens, gmailOpts, zlog)
	deps.WorksProvider = provider.NewWorksAdapter(deps.WorksTokens, worksOpts, zlog)

	// Gateway service
	deps.GatewayService = mailgate.NewService(
		deps.CredentialStore,
		deps.GmailProvider,
		deps.WorksProvider,
		zlog,
	)
	logger.Info("Mail gateway service initialized")

	cleanup := func() {
		for i := len(cleanups) - 1; i >= 0; i-- {
			cleanups[i]()
		}
	}

	return deps, cleanup, nil
}

func (d *Dependencies) HealthCheck(ctx context.Context) error {
	if err := d.DB.Ping(ctx); err != nil {
		return err
	}

	if d.Redis != nil {
		if err := d.Redis.Ping(ctx).Err(); err != nil {
			return err
		}
	}

	return nil
}
