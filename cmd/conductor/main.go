package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	goredis "github.com/redis/go-redis/v9"

	"github.com/lumenflow/conductor/cmd/conductor/engine"
	"github.com/lumenflow/conductor/cmd/conductor/gateway"
	"github.com/lumenflow/conductor/cmd/conductor/handlers"
	"github.com/lumenflow/conductor/cmd/conductor/routes"
	"github.com/lumenflow/conductor/cmd/conductor/store"
	"github.com/lumenflow/conductor/cmd/conductor/trace"
	"github.com/lumenflow/conductor/common/clients"
	"github.com/lumenflow/conductor/common/config"
	"github.com/lumenflow/conductor/common/db"
	"github.com/lumenflow/conductor/common/logger"
	"github.com/lumenflow/conductor/common/metrics"
	redisWrapper "github.com/lumenflow/conductor/common/redis"
	"github.com/lumenflow/conductor/common/server"
)

func main() {
	ctx := context.Background()

	cfg, err := config.Load("conductor")
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load configuration: %v\n", err)
		os.Exit(1)
	}
	log := logger.New(cfg.Service.LogLevel, cfg.Service.LogFormat)
	m := metrics.New()

	runStore, cleanup, err := setupStore(ctx, cfg, log)
	if err != nil {
		log.Error("store setup failed", "error", err)
		os.Exit(1)
	}
	defer cleanup()

	gw, err := gateway.New(
		gateway.NewFileStore(cfg.Coordinator.DefinitionsDir),
		cfg.Coordinator.RunCacheSize)
	if err != nil {
		log.Error("gateway setup failed", "error", err)
		os.Exit(1)
	}

	hub := trace.NewHub(cfg.Coordinator.SubscriberBufferSize, log, m.SubscribersDropped)
	relay := setupRelay(ctx, cfg, log)
	executor := clients.NewExecutorClient(cfg.Executor.BaseURL, cfg.Executor.Timeout, log)

	eng := engine.New(engine.Opts{
		Store:    runStore,
		Gateway:  gw,
		Executor: executor,
		Hub:      hub,
		Relay:    relay,
		Metrics:  m,
		Logger:   log,

		DefaultTaskTimeout: cfg.Coordinator.DefaultTaskTimeout,
		MaxRetryAttempts:   cfg.Coordinator.MaxRetryAttempts,
		MaxTokensPerRun:    cfg.Coordinator.MaxTokensPerRun,
	})

	e := setupEcho(cfg, m)
	routes.RegisterRunRoutes(e,
		handlers.NewRunHandler(eng, log),
		handlers.NewStreamHandler(eng, log))

	srv := server.New(cfg.Service.Name, cfg.Service.Port, e, log)
	if err := srv.Start(); err != nil {
		log.Error("server stopped", "error", err)
	}

	shutdownCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()
	if err := eng.Shutdown(shutdownCtx); err != nil {
		log.Error("engine shutdown incomplete", "error", err)
	}
}

// setupStore selects the run store backend and prepares its schema
func setupStore(ctx context.Context, cfg *config.Config, log *logger.Logger) (store.RunStore, func(), error) {
	if cfg.Database.StoreBackend != "postgres" {
		log.Info("using in-memory run store")
		return store.NewMemoryStore(), func() {}, nil
	}

	database, err := db.New(ctx, cfg, log)
	if err != nil {
		return nil, nil, err
	}
	pg := store.NewPostgresStore(database)
	if err := pg.EnsureSchema(ctx); err != nil {
		database.Close()
		return nil, nil, err
	}
	return pg, database.Close, nil
}

// setupRelay wires the optional Redis workflow-event relay. A nil relay
// disables relaying.
func setupRelay(ctx context.Context, cfg *config.Config, log *logger.Logger) *trace.Relay {
	if !cfg.Redis.Enabled {
		return nil
	}

	client := redisWrapper.NewClient(goredis.NewClient(&goredis.Options{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	}), log)

	if err := client.Ping(ctx); err != nil {
		log.Warn("redis unreachable, event relay disabled", "error", err)
		return nil
	}
	log.Info("workflow event relay enabled", "channel", cfg.Redis.EventChannel)
	return trace.NewRelay(client, cfg.Redis.EventChannel, log)
}

func setupEcho(cfg *config.Config, m *metrics.Metrics) *echo.Echo {
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true

	e.Use(middleware.Recover())
	e.Use(middleware.CORS())
	e.Use(middleware.RequestID())

	e.GET("/health", func(c echo.Context) error {
		return c.JSON(http.StatusOK, map[string]string{
			"status":  "ok",
			"service": cfg.Service.Name,
		})
	})
	e.GET("/metrics", echo.WrapHandler(m.Handler()))
	return e
}
