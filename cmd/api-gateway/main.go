package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	swaggerFiles "github.com/swaggo/files"
	ginSwagger "github.com/swaggo/gin-swagger"
	"go.uber.org/zap"

	_ "github.com/noah-isme/asknon-api/api/swagger"
	"github.com/noah-isme/asknon-api/internal/gesture"
	"github.com/noah-isme/asknon-api/internal/handler"
	"github.com/noah-isme/asknon-api/internal/middleware"
	"github.com/noah-isme/asknon-api/internal/models"
	"github.com/noah-isme/asknon-api/internal/realtime"
	"github.com/noah-isme/asknon-api/internal/realtime/memory"
	"github.com/noah-isme/asknon-api/internal/realtime/postgres"
	"github.com/noah-isme/asknon-api/internal/relay"
	"github.com/noah-isme/asknon-api/internal/relay/memrelay"
	"github.com/noah-isme/asknon-api/internal/relay/redisrelay"
	"github.com/noah-isme/asknon-api/internal/relay/wsrelay"
	"github.com/noah-isme/asknon-api/internal/repository"
	"github.com/noah-isme/asknon-api/internal/service"
	"github.com/noah-isme/asknon-api/pkg/cache"
	"github.com/noah-isme/asknon-api/pkg/config"
	"github.com/noah-isme/asknon-api/pkg/database"
	"github.com/noah-isme/asknon-api/pkg/export"
	"github.com/noah-isme/asknon-api/pkg/logger"
	corsmiddleware "github.com/noah-isme/asknon-api/pkg/middleware/cors"
	reqidmiddleware "github.com/noah-isme/asknon-api/pkg/middleware/requestid"
	"github.com/noah-isme/asknon-api/pkg/storage"
)

const (
	shutdownTimeout = 10 * time.Second
	cleanupInterval = time.Hour
)

// @title asknon API
// @version 1.0.0
// @description Classroom live Q&A: anonymous questions, teacher moderation and companion devices
// @BasePath /
// @schemes http

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("failed to load config: %v", err)
	}

	logr, err := logger.New(cfg, "api-gateway")
	if err != nil {
		log.Fatalf("failed to init logger: %v", err)
	}
	defer logr.Sync() //nolint:errcheck

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, logr); err != nil {
		logr.Fatal("server failed", zap.Error(err))
	}
}

func run(ctx context.Context, cfg *config.Config, logr *zap.Logger) error {
	if cfg.Env == config.EnvProduction {
		gin.SetMode(gin.ReleaseMode)
	}
	metrics := service.NewMetricsService()

	store, closeStore, err := openStore(ctx, cfg, logr)
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}
	defer closeStore()

	var redisClient *redis.Client
	if cfg.JoinCache.Enabled || cfg.Relay.Driver == config.RelayRedis {
		redisClient, err = cache.NewRedis(ctx, cfg.Redis)
		if err != nil {
			return err
		}
		defer redisClient.Close() //nolint:errcheck
	}

	transport, hub, err := openRelay(ctx, cfg, redisClient, logr)
	if err != nil {
		return fmt.Errorf("open relay: %w", err)
	}
	rel := relay.New(transport, relay.WithLogger(logr.Named("relay")), relay.WithObserver(metrics))
	defer rel.Close() //nolint:errcheck

	questions := repository.NewQuestionRepository(store, cfg.Store.BatchLimit, logr).WithObserver(metrics)
	sessionsRepo := repository.NewSessionRepository(store, logr)

	var cacheRepo service.CacheRepository
	if cfg.JoinCache.Enabled && redisClient != nil {
		cacheRepo = repository.NewCacheRepository(redisClient, "asknon:", logr)
	}
	joinCache := service.NewCacheService(cacheRepo, metrics, cfg.JoinCache.TTL, logr, cacheRepo != nil)

	validate := handler.NewValidator()
	auth := service.NewAuthService(validate, logr, service.AuthConfig{
		AccessTokenSecret: cfg.JWT.Secret,
		AccessTokenExpiry: cfg.JWT.Expiration,
		Issuer:            cfg.JWT.Issuer,
	})
	sessions := service.NewSessionService(sessionsRepo, questions, joinCache, service.SessionServiceConfig{
		CodeLength:   cfg.Sessions.CodeLength,
		CodeAttempts: cfg.Sessions.CodeAttempts,
		CacheTTL:     cfg.JoinCache.TTL,
	}, logr)
	asks := service.NewQuestionService(questions, sessionsRepo, logr)
	moderation := service.NewModerationService(questions, metrics, service.ModerationServiceConfig{
		ApproveAllRetries: cfg.Moderation.ApproveAllRetries,
	}, logr)
	defer moderation.Close()
	gestures := service.NewGestureService(moderation, gesture.Config{}, logr)

	files, err := storage.NewLocalStorage(cfg.Export.Dir)
	if err != nil {
		return fmt.Errorf("open export dir: %w", err)
	}
	signer := storage.NewSignedURLSigner(cfg.JWT.Secret, cfg.Export.URLTTL)
	exports := service.NewExportService(questions, sessionsRepo, files, signer, service.ExportConfig{
		APIPrefix: cfg.APIPrefix,
		Retention: cfg.Export.Retention,
	}, logr, export.NewCSVExporter(), export.NewPDFExporter())

	sessions.OnTeardown(exports.Forget)
	sessions.OnTeardown(func(_ context.Context, s models.Session) {
		gestures.Forget(s.ID)
		metrics.ForgetSession(s.ID)
	})

	companions := service.NewCompanionSync(rel, sessionsRepo, moderation, metrics, service.CompanionSyncConfig{
		Workers:      cfg.Relay.PushWorkers,
		Retries:      cfg.Relay.PushRetries,
		RetryDelay:   cfg.Relay.PushRetryDelay,
		RelayTimeout: cfg.Relay.DiscoverTimeout,
	}, logr.Named("companion"))
	if err := companions.Start(ctx); err != nil {
		return fmt.Errorf("start companion sync: %w", err)
	}
	defer companions.Stop(context.Background())

	go runExportCleanup(ctx, exports, logr)

	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(reqidmiddleware.Middleware())
	r.Use(logger.GinMiddleware(logr))
	r.Use(corsmiddleware.New(cfg.CORS.AllowedOrigins))
	r.Use(middleware.Metrics(metrics))

	probe := handler.NewMetricsHandler(metrics, func(ctx context.Context) error {
		_, err := store.Query(ctx, "sessions")
		return err
	})
	r.GET("/health", probe.Health)
	r.GET("/ready", probe.Ready)
	r.GET("/metrics", probe.Prometheus)
	if hub != nil {
		r.GET("/relay/ws", gin.WrapH(hub.Handler()))
	}

	handlers := handler.Handlers{
		Sessions:   handler.NewSessionHandler(sessions, validate, metrics, logr),
		Questions:  handler.NewQuestionHandler(asks, validate, metrics, logr),
		Moderation: handler.NewModerationHandler(moderation, sessionsRepo, gestures, validate, metrics, logr),
		Exports:    handler.NewExportHandler(exports, validate),
	}
	if cfg.Env != config.EnvProduction {
		r.GET("/docs/*any", ginSwagger.WrapHandler(swaggerFiles.Handler))
		handlers.Auth = handler.NewAuthHandler(auth, validate)
	}
	handler.RegisterRoutes(r.Group(cfg.APIPrefix), handlers, auth)

	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Port),
		Handler:           r,
		ReadHeaderTimeout: 10 * time.Second,
	}

	serveErr := make(chan error, 1)
	logr.Info("server starting",
		zap.String("addr", srv.Addr),
		zap.String("env", cfg.Env),
		zap.String("store", cfg.Store.Driver),
		zap.String("relay", cfg.Relay.Driver),
		zap.String("node_id", rel.LocalNode().ID))
	go func() {
		serveErr <- srv.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		logr.Info("shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if hub != nil {
			// hijacked websocket connections are not closed by Shutdown
			_ = hub.Close()
		}
		if err := srv.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("shutdown http server: %w", err)
		}
		return nil
	case err := <-serveErr:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return fmt.Errorf("serve http: %w", err)
	}
}

func openStore(ctx context.Context, cfg *config.Config, logr *zap.Logger) (realtime.Store, func(), error) {
	switch cfg.Store.Driver {
	case config.StorePostgres:
		db, err := database.NewPostgres(cfg.Database)
		if err != nil {
			return nil, nil, err
		}
		if err := postgres.Migrate(ctx, db); err != nil {
			_ = db.Close()
			return nil, nil, err
		}
		listener := postgres.NewListener(database.DSN(cfg.Database), logr)
		store, err := postgres.New(db, listener, postgres.Options{Channel: cfg.Store.NotifyChannel, Logger: logr.Named("store")})
		if err != nil {
			_ = listener.Close()
			_ = db.Close()
			return nil, nil, err
		}
		return store, func() {
			_ = store.Close()
			_ = db.Close()
		}, nil
	case config.StoreMemory, "":
		logr.Warn("using in-memory store; questions are lost on restart")
		store := memory.New()
		return store, func() { _ = store.Close() }, nil
	default:
		return nil, nil, fmt.Errorf("unknown store driver %q", cfg.Store.Driver)
	}
}

func openRelay(ctx context.Context, cfg *config.Config, client *redis.Client, logr *zap.Logger) (relay.Transport, *wsrelay.Hub, error) {
	nodeID := cfg.Relay.NodeID
	if nodeID == "" {
		nodeID = uuid.NewString()
	}
	switch cfg.Relay.Driver {
	case config.RelayWebSocket, "":
		hub := wsrelay.NewHub(nodeID, cfg.Relay.NodeName, logr.Named("wsrelay"))
		return hub, hub, nil
	case config.RelayRedis:
		t, err := redisrelay.New(ctx, client, redisrelay.Options{
			NodeID:   nodeID,
			NodeName: cfg.Relay.NodeName,
			TTL:      cfg.Relay.PresenceTTL,
			Logger:   logr.Named("redisrelay"),
		})
		return t, nil, err
	case config.RelayMemory:
		return memrelay.NewNetwork().Join(nodeID, cfg.Relay.NodeName), nil, nil
	default:
		return nil, nil, fmt.Errorf("unknown relay driver %q", cfg.Relay.Driver)
	}
}

func runExportCleanup(ctx context.Context, exports *service.ExportService, logr *zap.Logger) {
	ticker := time.NewTicker(cleanupInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := exports.Cleanup(); err != nil {
				logr.Warn("transcript cleanup failed", zap.Error(err))
			}
		}
	}
}
