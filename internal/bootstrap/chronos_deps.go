package bootstrap

import (
	"chronos_server/adapter/out/persistence"
	"chronos_server/adapter/out/provider"
	"chronos_server/config"
	"chronos_server/core/port/out"
	"chronos_server/core/service/auth"
	"chronos_server/core/service/calendar"
	"chronos_server/core/service/sync"
	"chronos_server/infra/database"
	"chronos_server/pkg/crypto"
	"chronos_server/pkg/logger"
	"chronos_server/pkg/metrics"
	"chronos_server/pkg/ratelimit"

	"github.com/jmoiron/sqlx"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"golang.org/x/oauth2"
	"golang.org/x/oauth2/google"
)

// Dependencies is the wired object graph of the sync server.
type Dependencies struct {
	Config *config.Config
	Log    zerolog.Logger
	DB     *sqlx.DB
	Redis  *redis.Client

	Encryptor *crypto.Encryptor

	// Repositories
	AccountRepo   out.AccountRepository
	CalendarRepo  out.CalendarRepository
	EventRepo     out.EventRepository
	SyncStateRepo out.SyncStateRepository

	// Rate limiting
	AccountLimiter *ratelimit.AccountLimiter
	SyncLimiter    *ratelimit.SyncLimiter

	// Observability
	Metrics *metrics.SyncRegistry

	// Provider & auth
	Provider     *provider.GoogleCalendarAdapter
	TokenManager *auth.TokenManager

	// Sync core
	Transformer  *sync.Transformer
	Engine       *sync.Engine
	Orchestrator *sync.Orchestrator
	Dispatcher   *sync.WebhookDispatcher

	// Read side
	CalendarService *calendar.Service
}

func NewDependencies(cfg *config.Config) (*Dependencies, func(), error) {
	log := logger.New(logger.Config{
		Level:   cfg.LogLevel,
		Pretty:  cfg.LogPretty || cfg.IsDevelopment(),
		Service: "chronos",
	})

	deps := &Dependencies{Config: cfg, Log: log}
	var cleanups []func()
	cleanup := func() {
		for i := len(cleanups) - 1; i >= 0; i-- {
			cleanups[i]()
		}
	}

	encryptor, err := crypto.NewEncryptor(cfg.MasterEncryptionKey)
	if err != nil {
		return nil, nil, err
	}
	deps.Encryptor = encryptor

	db, err := database.NewPostgres(cfg.DatabaseURL)
	if err != nil {
		return nil, nil, err
	}
	deps.DB = db
	cleanups = append(cleanups, func() { db.Close() })

	// Redis is optional: without it the sync cooldown falls back to the
	// in-process table.
	if cfg.RedisURL != "" {
		rdb, err := database.NewRedis(cfg.RedisURL)
		if err != nil {
			log.Warn().Err(err).Msg("redis unavailable, using local sync cooldown")
		} else {
			deps.Redis = rdb
			cleanups = append(cleanups, func() { rdb.Close() })
		}
	}

	// Repositories
	deps.AccountRepo = persistence.NewAccountAdapter(db, encryptor)
	deps.CalendarRepo = persistence.NewCalendarAdapter(db)
	deps.EventRepo = persistence.NewEventAdapter(db)
	deps.SyncStateRepo = persistence.NewSyncStateAdapter(db)

	// Rate limiting
	deps.AccountLimiter = ratelimit.NewAccountLimiter()
	deps.SyncLimiter = ratelimit.NewSyncLimiter(deps.Redis)

	deps.Metrics = metrics.NewSyncRegistry(1000)

	// Provider and token manager reference each other through their ports;
	// construct both, then wire with setters.
	oauthConfig := &oauth2.Config{
		ClientID:     cfg.GoogleClientID,
		ClientSecret: cfg.GoogleClientSecret,
		RedirectURL:  cfg.GoogleRedirectURL,
		Endpoint:     google.Endpoint,
	}
	deps.Provider = provider.NewGoogleCalendarAdapter(oauthConfig, deps.AccountLimiter, log)
	deps.TokenManager = auth.NewTokenManager(deps.AccountRepo, deps.AccountLimiter, encryptor, log)
	deps.TokenManager.SetRefresher(deps.Provider)
	deps.TokenManager.SetMetrics(deps.Metrics)
	deps.Provider.SetTokenSource(deps.TokenManager)

	// Sync core
	deps.Transformer = sync.NewTransformer(encryptor, log)
	engineCfg := sync.DefaultEngineConfig()
	engineCfg.WebhookURL = cfg.WebhookURL
	engineCfg.UpsertWorkers = cfg.SyncUpsertWorkers
	deps.Engine = sync.NewEngine(
		deps.AccountRepo,
		deps.CalendarRepo,
		deps.EventRepo,
		deps.SyncStateRepo,
		deps.Provider,
		deps.Transformer,
		engineCfg,
		log,
	)
	deps.Engine.SetMetrics(deps.Metrics)

	orchCfg := sync.OrchestratorConfig{
		MaxCalendars:      cfg.SyncMaxCalendars,
		MaxConcurrent:     int64(cfg.SyncMaxConcurrent),
		MaxSyncDuration:   cfg.SyncMaxDuration,
		KeepAliveInterval: cfg.SyncKeepAliveInterval,
	}
	deps.Orchestrator = sync.NewOrchestrator(deps.Engine, deps.CalendarRepo, deps.SyncLimiter, orchCfg, log)
	deps.Dispatcher = sync.NewWebhookDispatcher(deps.Engine, deps.SyncStateRepo, log)
	deps.Dispatcher.SetTimeout(cfg.WebhookTimeout)

	// Read side
	deps.CalendarService = calendar.NewService(
		deps.AccountRepo,
		deps.CalendarRepo,
		deps.EventRepo,
		deps.Provider,
		deps.Transformer,
		log,
	)

	return deps, cleanup, nil
}
