package di

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"time"

	"github.com/redis/go-redis/v9"
	"go.etcd.io/bbolt"
	"gorm.io/gorm"

	"github.com/misszhang/rosterboard/internal/app"
	"github.com/misszhang/rosterboard/internal/config"
	"github.com/misszhang/rosterboard/internal/database"
	"github.com/misszhang/rosterboard/internal/health"
	"github.com/misszhang/rosterboard/internal/http/handler"
	"github.com/misszhang/rosterboard/internal/http/router"
	"github.com/misszhang/rosterboard/internal/mail"
	"github.com/misszhang/rosterboard/internal/observability"
	"github.com/misszhang/rosterboard/internal/repository"
	"github.com/misszhang/rosterboard/internal/security"
	"github.com/misszhang/rosterboard/internal/service"
	"github.com/misszhang/rosterboard/internal/wechat"

	sdklog "go.opentelemetry.io/otel/sdk/log"
)

const uploadEnvelopeBytes = 1 << 20

func provideRuntime(ctx context.Context, cfg *config.Config, logger *slog.Logger, lp *sdklog.LoggerProvider) (*observability.Runtime, error) {
	return observability.InitRuntime(ctx, cfg, logger, lp)
}

// InitializeApp builds the process graph. Storage handles opened along the
// way are released by App.Shutdown after the HTTP drain, or immediately when
// a later provider fails.
func InitializeApp(ctx context.Context, cfg *config.Config, logger *slog.Logger, lp *sdklog.LoggerProvider) (*app.App, error) {
	a, release, err := buildApp(ctx, cfg, logger, lp)
	if err != nil {
		return nil, err
	}
	a.AttachCleanup(release)
	return a, nil
}

func closer(logger *slog.Logger, name string, closeFn func() error) func() {
	return func() {
		if err := closeFn(); err != nil {
			logger.Warn("close failed", "resource", name, "error", err)
		}
	}
}

func provideDB(cfg *config.Config, logger *slog.Logger) (*gorm.DB, func(), error) {
	db, err := database.Open(cfg.DatabaseDSN(), logger)
	if err != nil {
		return nil, nil, err
	}
	if err := database.Migrate(db); err != nil {
		return nil, nil, errors.Join(err, database.Close(db))
	}
	return db, closer(logger, "database", func() error { return database.Close(db) }), nil
}

// provideRedis connects only when sessions live in Redis; otherwise it
// returns nil.
func provideRedis(ctx context.Context, cfg *config.Config, logger *slog.Logger) (redis.UniversalClient, func(), error) {
	if cfg.SessionStore != "redis" {
		return nil, func() {}, nil
	}
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
	})
	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		_ = client.Close()
		return nil, nil, fmt.Errorf("connect redis %s: %w", cfg.RedisAddr, err)
	}
	logger.Info("redis connected", "addr", cfg.RedisAddr, "db", cfg.RedisDB)
	return client, closer(logger, "redis", client.Close), nil
}

// provideBoltDB opens the session file only for SESSION_STORE=bolt.
func provideBoltDB(cfg *config.Config, logger *slog.Logger) (*bbolt.DB, func(), error) {
	if cfg.SessionStore != "bolt" {
		return nil, func() {}, nil
	}
	if err := os.MkdirAll(cfg.DataDir, 0o755); err != nil {
		return nil, nil, fmt.Errorf("create data dir: %w", err)
	}
	db, err := service.OpenBoltDB(cfg.SessionDBPath())
	if err != nil {
		return nil, nil, err
	}
	logger.Info("session db opened", "path", cfg.SessionDBPath())
	return db, closer(logger, "session db", db.Close), nil
}

func provideSessionStore(cfg *config.Config, client redis.UniversalClient, boltDB *bbolt.DB) (service.SessionStore, error) {
	key, err := security.DeriveKey(cfg.SessionSecret, security.PurposeSessionID)
	if err != nil {
		return nil, fmt.Errorf("session key: %w", err)
	}
	opts := service.SessionStoreOptions{Key: key, TTL: cfg.SessionTTL}
	switch {
	case client != nil:
		return service.NewRedisSessionStore(client, "rosterboard:session", opts), nil
	case boltDB != nil:
		return service.NewBoltSessionStore(boltDB, opts)
	}
	return service.NewInMemorySessionStore(opts), nil
}

func provideNonFollowerCache(client redis.UniversalClient) service.NonFollowerCache {
	if client != nil {
		return service.NewRedisNonFollowerCache(client, "rosterboard:nonfollower")
	}
	return service.NewInMemoryNonFollowerCache(nil)
}

func provideStateTokens(cfg *config.Config) (*security.StateTokenManager, error) {
	key, err := security.DeriveKey(cfg.SessionSecret, security.PurposeStateToken)
	if err != nil {
		return nil, fmt.Errorf("state token key: %w", err)
	}
	return security.NewStateTokenManager(key, nil), nil
}

func provideWeChatClient(cfg *config.Config, logger *slog.Logger) *wechat.Client {
	if !cfg.WeChatConfigured() {
		logger.Warn("wechat credentials missing, remote calls will fail")
	}
	return wechat.NewClient(wechat.Options{
		AppID:      cfg.WeChatAppID,
		AppSecret:  cfg.WeChatAppSecret,
		BaseURL:    cfg.WeChatAPIBaseURL,
		HTTPClient: wechat.NewHTTPClient(cfg.WeChatHTTPTimeout),
		Logger:     logger,
	})
}

func provideLoginService(cfg *config.Config, store service.SessionStore, client service.MessagingClient, nonFollowers service.NonFollowerCache, states *security.StateTokenManager, logger *slog.Logger) *service.LoginService {
	return service.NewLoginService(store, client, states, logger, service.LoginOptions{
		Keyword:            cfg.WeChatLoginKeyword,
		PairingTTL:         cfg.PairingTTL,
		ManualLoginEnabled: cfg.WeChatManualLoginEnabled,
		NonFollowers:       nonFollowers,
		NonFollowerTTL:     cfg.WeChatNonFollowerTTL,
	})
}

func provideNotifier(cfg *config.Config, logger *slog.Logger) *mail.SMTPNotifier {
	return mail.NewSMTPNotifier(mail.OptionsFromConfig(cfg), logger)
}

func provideRosterFiles(cfg *config.Config) *repository.RosterFileRepository {
	return repository.NewRosterFileRepository(cfg.DataDir, cfg.UploadMaxBytes)
}

func provideWeChatHandler(cfg *config.Config, login *service.LoginService, logger *slog.Logger) *handler.WeChatHandler {
	return handler.NewWeChatHandler(login, cfg.WeChatToken, cfg.IsProduction(), logger)
}

func provideLoginHandler(cfg *config.Config, login *service.LoginService) *handler.LoginHandler {
	return handler.NewLoginHandler(login, cfg.SessionTTL, cfg.IsProduction())
}

func provideScheduleHandler(cfg *config.Config, schedules *service.ScheduleService) *handler.ScheduleHandler {
	return handler.NewScheduleHandler(schedules, cfg.UploadMaxBytes)
}

func provideSiteHandler(cfg *config.Config) *handler.SiteHandler {
	return handler.NewSiteHandler(cfg.WeChatVerifyFile)
}

func provideReadiness(db *gorm.DB, client redis.UniversalClient) *health.ProbeRunner {
	checkers := []health.Checker{health.DBChecker(db)}
	if client != nil {
		checkers = append(checkers, health.RedisChecker(client))
	}
	return health.NewProbeRunner(2*time.Second, 5*time.Second, checkers...)
}

func provideRouterDependencies(
	cfg *config.Config,
	wechatHandler *handler.WeChatHandler,
	loginHandler *handler.LoginHandler,
	contactHandler *handler.ContactHandler,
	scheduleHandler *handler.ScheduleHandler,
	siteHandler *handler.SiteHandler,
	store service.SessionStore,
	readiness *health.ProbeRunner,
) router.Dependencies {
	return router.Dependencies{
		WeChatHandler:   wechatHandler,
		LoginHandler:    loginHandler,
		ContactHandler:  contactHandler,
		ScheduleHandler: scheduleHandler,
		SiteHandler:     siteHandler,
		Sessions:        store,
		CORSOrigins:     cfg.CORSOrigins,
		BodyLimitBytes:  cfg.UploadMaxBytes + uploadEnvelopeBytes,
		Readiness:       readiness,
		EnableOTelHTTP:  cfg.OTELTracingEnabled || cfg.OTELMetricsEnabled,
	}
}

func provideHTTPServer(cfg *config.Config, h http.Handler) *http.Server {
	return &http.Server{
		Addr:              cfg.HTTPAddr,
		Handler:           h,
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       60 * time.Second,
		WriteTimeout:      60 * time.Second,
		IdleTimeout:       120 * time.Second,
	}
}

func provideSweeper(cfg *config.Config, store service.SessionStore, logger *slog.Logger) *service.SessionSweeper {
	return service.NewSessionSweeper(store, cfg.SessionSweepInterval, logger)
}

func provideApp(
	cfg *config.Config,
	logger *slog.Logger,
	server *http.Server,
	runtime *observability.Runtime,
	sweeper *service.SessionSweeper,
	readiness *health.ProbeRunner,
) *app.App {
	return app.New(cfg, logger, server, runtime, sweeper, nil, readiness, nil)
}
