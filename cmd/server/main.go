package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/puo-memo/puomemo/internal/api"
	"github.com/puo-memo/puomemo/internal/attachments"
	"github.com/puo-memo/puomemo/internal/buildconfig"
	"github.com/puo-memo/puomemo/internal/cache"
	"github.com/puo-memo/puomemo/internal/config"
	"github.com/puo-memo/puomemo/internal/dedup"
	"github.com/puo-memo/puomemo/internal/domain"
	"github.com/puo-memo/puomemo/internal/embedding"
	"github.com/puo-memo/puomemo/internal/events"
	"github.com/puo-memo/puomemo/internal/extraction"
	"github.com/puo-memo/puomemo/internal/graph"
	"github.com/puo-memo/puomemo/internal/resilience"
	"github.com/puo-memo/puomemo/internal/search"
	"github.com/puo-memo/puomemo/internal/service"
	"github.com/puo-memo/puomemo/internal/storage"
	"github.com/puo-memo/puomemo/internal/store"
	"github.com/puo-memo/puomemo/internal/tasks"
	"github.com/puo-memo/puomemo/internal/vision"
	"github.com/puo-memo/puomemo/internal/ws"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		panic(err)
	}

	var logger *zap.Logger
	if cfg.LogLevel == "debug" {
		logger, _ = zap.NewDevelopment()
	} else {
		logger, _ = zap.NewProduction()
	}
	defer func() { _ = logger.Sync() }()

	if cfg.DatabaseURL == "" {
		logger.Fatal("DATABASE_URL is required")
	}

	ctx := context.Background()

	pool, err := store.NewPool(ctx, cfg.DatabaseURL, store.PoolConfig{
		MinConns:         cfg.DBPoolMinConns,
		MaxConns:         cfg.DBPoolMaxConns,
		StatementTimeout: cfg.StoreTimeout,
	}, logger)
	if err != nil {
		logger.Fatal("failed to connect to database", zap.Error(err))
	}
	defer pool.Close()
	logger.Info("connected to database")

	if err := store.Migrate(ctx, pool, cfg.MigrationsPath, cfg.EmbeddingDim, logger); err != nil {
		logger.Fatal("migrations failed", zap.Error(err))
	}
	go pool.MonitorLoop(30*time.Second, 120)

	// Stores
	tenantStore := store.NewTenantStore(pool)
	memoryStore := store.NewMemoryStore(pool)
	versionStore := store.NewVersionStore(pool)
	correctionStore := store.NewCorrectionStore(pool)
	attachmentStore := store.NewAttachmentStore(pool)
	entityStore := store.NewEntityStore(pool)
	extrasStore := store.NewExtrasStore(pool)

	// Cache and pub/sub share the redis deployment; both are optional.
	var cacheImpl domain.Cache = cache.Noop{}
	var redisClient *redis.Client
	if cfg.RedisURL != "" {
		c, err := cache.New(ctx, cfg.RedisURL, logger)
		if err != nil {
			logger.Warn("cache unavailable, running without it", zap.Error(err))
		} else {
			cacheImpl = c
		}
		if opt, err := redis.ParseURL(cfg.RedisURL); err == nil {
			redisClient = redis.NewClient(opt)
		} else {
			logger.Warn("invalid REDIS_URL for pub/sub bridge", zap.Error(err))
		}
	}

	// Providers degrade to nil: memories stay unembedded or unextracted
	// rather than the server refusing to start.
	embedder, err := embedding.NewClient(cfg)
	if err != nil {
		logger.Warn("embedding client initialization failed", zap.Error(err))
	} else {
		logger.Info("embedding client initialized", zap.String("provider", cfg.EmbeddingProvider))
	}
	extractor, err := extraction.NewClient(cfg)
	if err != nil {
		logger.Warn("extraction client initialization failed", zap.Error(err))
	} else {
		logger.Info("extraction client initialized", zap.String("provider", cfg.ExtractorProvider))
	}
	visionClient, err := vision.NewClient(cfg)
	if err != nil {
		logger.Warn("vision client initialization failed", zap.Error(err))
	}

	backend, err := storage.NewBackend(ctx, cfg)
	if err != nil {
		logger.Fatal("storage backend initialization failed", zap.Error(err))
	}

	embedGuard := resilience.NewGuard(
		resilience.NewBreaker(resilience.EmbedderBreakerSettings(), logger),
		resilience.NewRetrier(resilience.DefaultRetryConfig()),
	)
	extractGuard := resilience.NewGuard(
		resilience.NewBreaker(resilience.ExtractorBreakerSettings(), logger),
		resilience.NewRetrier(resilience.DefaultRetryConfig()),
	)

	// Events
	var bridge domain.PubSubBridge
	if redisClient != nil {
		bridge = events.NewRedisBridge(redisClient, logger)
	}
	bus := events.NewBus(bridge, logger)
	stopMirror, err := bus.StartMirror(ctx)
	if err != nil {
		logger.Fatal("event mirror failed to start", zap.Error(err))
	}

	// Services
	downloader := attachments.NewDownloader(
		&http.Client{Timeout: cfg.DownloadTimeout},
		resilience.NewRetrier(resilience.DefaultRetryConfig()),
		cfg.MaxFileSize,
	)
	attachSvc := attachments.NewService(attachmentStore, backend, downloader,
		embedder, visionClient, embedGuard, cfg.MaxFileSize, logger)
	graphSvc := graph.NewService(entityStore, embedder, cacheImpl, logger)

	queue := tasks.NewQueue(tasks.Options{
		Workers:     cfg.TaskWorkers,
		Lanes:       cfg.TaskLanes,
		MaxAttempts: cfg.TaskMaxAttempts,
	}, bus, logger)
	queue.Register(tasks.TypeGenerateEmbedding,
		tasks.NewEmbeddingHandler(memoryStore, embedder, embedGuard, cacheImpl, bus, logger).Handle)
	queue.Register(tasks.TypeExtractEntities,
		tasks.NewExtractionHandler(memoryStore, extractor, extractGuard, graphSvc, extrasStore, cacheImpl, logger).Handle)
	queue.Register(tasks.TypeProcessAttachment,
		tasks.NewAttachmentHandler(attachSvc).Handle)
	queue.Start()

	memorySvc := service.NewMemoryService(service.MemoryServiceDeps{
		Memories:    memoryStore,
		Corrections: correctionStore,
		Tenants:     tenantStore,
		Deduper:     dedup.New(memoryStore, cfg.NearDupThreshold, logger),
		Attachments: attachSvc,
		Graph:       graphSvc,
		Queue:       queue,
		Embedder:    embedder,
		Extractor:   extractor,
		EmbedGuard:  embedGuard,
		Cache:       cacheImpl,
		Publisher:   bus,
		DedupWindow: cfg.DedupWindow,
	}, logger)
	versioningSvc := service.NewVersioningService(versionStore, memoryStore, cacheImpl, bus, logger)
	planner := search.NewPlanner(memoryStore, entityStore, embedder, embedGuard,
		cacheImpl, cfg.SemanticThreshold, logger)

	hub := ws.NewHub(bus, cfg.WSIdleTimeout, logger)

	app := api.NewApp(cfg, api.Deps{
		Pool:        pool,
		Tenants:     tenantStore,
		Memories:    memorySvc,
		Versions:    versioningSvc,
		Planner:     planner,
		Graph:       graphSvc,
		Attachments: attachSvc,
		Extras:      extrasStore,
		Cache:       cacheImpl,
		Bus:         bus,
		Hub:         hub,
	}, logger)

	addr := cfg.ServerAddr()
	srv := &http.Server{
		Addr:              addr,
		Handler:           app.Router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		logger.Info("server starting",
			zap.String("addr", addr),
			zap.String("version", buildconfig.Version()),
			zap.String("commit", buildconfig.Commit()))
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatal("server failed", zap.Error(err))
		}
	}()

	<-quit
	logger.Info("shutting down server")

	shutdownCtx, cancel := context.WithTimeout(ctx, cfg.ShutdownDeadline)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("http shutdown", zap.Error(err))
	}
	hub.Shutdown()
	if err := queue.Shutdown(shutdownCtx); err != nil {
		logger.Error("task queue shutdown", zap.Error(err))
	}
	stopMirror()

	logger.Info("server stopped")
}
