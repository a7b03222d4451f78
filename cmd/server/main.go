package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/redis/go-redis/v9"
	"github.com/stwalsh4118/echosphere/internal/config"
	"github.com/stwalsh4118/echosphere/internal/database"
	"github.com/stwalsh4118/echosphere/internal/handlers"
	"github.com/stwalsh4118/echosphere/internal/ingest"
	"github.com/stwalsh4118/echosphere/internal/janitor"
	"github.com/stwalsh4118/echosphere/internal/logger"
	"github.com/stwalsh4118/echosphere/internal/middleware"
	"github.com/stwalsh4118/echosphere/internal/repository"
	"github.com/stwalsh4118/echosphere/internal/services"
	"golang.org/x/sync/errgroup"
)

const (
	shutdownTimeout = 30 * time.Second
)

func main() {
	// Load configuration from environment variables
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	// Initialize structured logger
	log := logger.New(cfg.Server.Env)
	log.Info("Starting Echosphere", map[string]interface{}{
		"version":      handlers.APIVersion,
		"environment":  cfg.Server.Env,
		"port":         cfg.Server.Port,
		"store_driver": cfg.Store.Driver,
		"cache_driver": cfg.Cache.Driver,
	})

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	store, closeStore := openStore(ctx, cfg, log)
	defer closeStore()

	deps := map[string]handlers.Pinger{"store": store}
	cache := store.Cache
	if cfg.Cache.Driver == config.CacheDriverRedis {
		client := redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		defer client.Close()

		redisCache := repository.NewRedisCacheRepository(client, cfg.Redis.KeyPrefix)
		if err := redisCache.Ping(ctx); err != nil {
			log.Warn("Redis not reachable at startup", map[string]interface{}{
				"addr":  cfg.Redis.Addr,
				"error": err.Error(),
			})
		}
		cache = redisCache
		deps["cache"] = redisCache
	}

	// Initialize service layer
	now := services.Clock(time.Now)
	spatialService := services.NewSpatialService(store, cache, now, log)
	timeSeriesService := services.NewTimeSeriesService(store, now, log)
	cacheService := services.NewCacheService(cache, store.Areas, cfg.Cache.DefaultTTL, now, log)
	facade := services.NewQueryFacade(spatialService, timeSeriesService, cacheService, now)

	// Background sweeper
	sweeper := janitor.New(janitor.Config{
		Interval:        cfg.Janitor.Interval,
		Grace:           cfg.Cache.Grace,
		MetricRetention: cfg.Janitor.MetricRetention,
		EventRetention:  cfg.Janitor.EventRetention,
	}, cacheService, timeSeriesService, spatialService, log)
	sweeper.Start(ctx)
	defer sweeper.Stop()

	// Setup Gin router
	if cfg.Server.Env == "production" {
		gin.SetMode(gin.ReleaseMode)
	}
	router := gin.New()

	// Add middleware in order: RequestID -> Logger -> Recovery -> CORS
	router.Use(middleware.RequestID())
	router.Use(middleware.Logger(log, "/health", "/health/ready"))
	router.Use(middleware.Recovery(log))
	router.Use(middleware.CORS(cfg.CORS.Origins))

	// Register operations routes
	healthHandler := handlers.NewHealthHandler(deps, cfg.Server.Env)
	statsHandler := handlers.NewStatsHandler(facade)
	router.GET("/health", healthHandler.Health)
	router.GET("/health/ready", healthHandler.Ready)

	v1 := router.Group("/api/v1")
	{
		v1.GET("/info", healthHandler.Info)
		v1.GET("/stats", statsHandler.Stats)
	}

	srv := &http.Server{
		Addr:    fmt.Sprintf(":%s", cfg.Server.Port),
		Handler: router,
	}

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		log.Info("Server listening", map[string]interface{}{
			"port": cfg.Server.Port,
			"addr": srv.Addr,
		})
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})

	if cfg.Kafka.Enabled() {
		consumer := ingest.NewConsumer(ingest.NewReader(cfg.Kafka, log), spatialService, log)
		g.Go(func() error {
			return consumer.Run(gctx)
		})
	} else {
		log.Info("Event consumer disabled, KAFKA_BROKERS is empty", nil)
	}

	// Graceful shutdown once a signal arrives or a component fails
	g.Go(func() error {
		<-gctx.Done()
		log.Info("Shutting down server...", nil)

		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()

		if err := srv.Shutdown(shutdownCtx); err != nil {
			log.Error("Server forced to shutdown", err, map[string]interface{}{
				"timeout": shutdownTimeout.String(),
			})
		}
		return nil
	})

	if err := g.Wait(); err != nil {
		log.Error("Server stopped with error", err, nil)
	}

	log.Info("Server exited", nil)
}

// openStore connects the configured storage backend. The returned func
// releases it.
func openStore(ctx context.Context, cfg *config.Config, log *logger.Logger) (*repository.Store, func()) {
	if cfg.Store.Driver == config.StoreDriverMemory {
		log.Warn("Using in-memory store, data is lost on restart", nil)
		return repository.NewMemoryStore(), func() {}
	}

	db, err := database.NewPostgresPool(ctx, cfg.Database)
	if err != nil {
		log.Fatal("Failed to connect to database", err, map[string]interface{}{
			"host": cfg.Database.Host,
			"port": cfg.Database.Port,
			"name": cfg.Database.Name,
		})
	}

	if err := db.Migrate(ctx); err != nil {
		db.Close()
		log.Fatal("Failed to migrate database schema", err, nil)
	}

	log.Info("Database connection established", map[string]interface{}{
		"host":     cfg.Database.Host,
		"port":     cfg.Database.Port,
		"database": cfg.Database.Name,
		"pool_min": cfg.Database.PoolMin,
		"pool_max": cfg.Database.PoolMax,
	})

	return repository.NewPostgresStore(db), db.Close
}
