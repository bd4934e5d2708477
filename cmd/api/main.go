package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"comms-platform/internal/auth"
	"comms-platform/internal/config"
	"comms-platform/internal/conversations"
	"comms-platform/internal/httpapi"
	"comms-platform/internal/ingest"
	"comms-platform/internal/integrations"
	"comms-platform/internal/outbound"
	"comms-platform/internal/provider"
	"comms-platform/internal/syncjob"
	"comms-platform/internal/webhookevents"
	"comms-platform/pkg/logger"
	"comms-platform/pkg/utils"

	"github.com/gin-gonic/gin"
	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/joho/godotenv"
)

func main() {
	// Root context that cancels on shutdown
	rootCtx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Local/dev convenience; production env comes from the runner.
	if os.Getenv("APP_ENV") != "production" {
		_ = godotenv.Load()
	}

	cfg, err := config.Load()
	if err != nil {
		slog.Error("config load failed", "err", err)
		os.Exit(1)
	}

	log := logger.New(cfg.App.Env)
	slog.SetDefault(log)

	if cfg.IsProduction() {
		gin.SetMode(gin.ReleaseMode)
	}

	authManager, err := auth.NewManager(cfg.Auth)
	if err != nil {
		log.Error("auth init failed", "err", err)
		os.Exit(1)
	}

	db, err := utils.OpenPostgres(rootCtx, "pgx", cfg.PostgresDSN(), utils.PostgresPoolConfig{})
	if err != nil {
		log.Error("postgres init failed", "err", err)
		os.Exit(1)
	}
	defer db.Close()

	rdb, err := utils.OpenRedis(rootCtx, utils.RedisConfig{Addr: cfg.RedisAddr()})
	if err != nil {
		log.Error("redis init failed", "err", err)
		os.Exit(1)
	}
	defer rdb.Close()

	// Provider adapters. Credentials come per-request from integrations.
	adapters := provider.NewRegistry(
		provider.NewTwilioAdapter(),
		provider.NewOpenPhoneAdapter(),
		provider.NewWhatsAppAdapter(),
	)

	// Services, wired explicitly: no globals, no circular references.
	integs := integrations.NewService(integrations.NewPostgresRepo(db), integrations.JSONCodec{})
	engine := conversations.NewService(conversations.NewPostgresRepo(db), integrations.NewLineDirectory(integs, adapters))
	events := webhookevents.NewStore(webhookevents.NewPostgresRepo(db))

	dispatcher := outbound.NewDispatcher(outbound.NewPostgresRepo(db), outbound.DispatcherOptions{
		DeliveryTimeout:  cfg.Outbound.DeliveryTimeout,
		FailureThreshold: cfg.Outbound.FailureThreshold,
		MaxParallel:      cfg.Outbound.MaxParallel,
	})

	orch := syncjob.NewOrchestrator(
		syncjob.NewRegistry(cfg.Sync.MaxTrackedJobs),
		integs,
		adapters,
		engine,
		dispatcher,
		syncjob.OrchestratorOptions{
			DefaultLimit:   cfg.Sync.DefaultLimit,
			QuickSyncLimit: cfg.Sync.QuickSyncLimit,
		},
	)

	gateway := ingest.NewGateway(integs, events, engine, dispatcher)
	webhooks := ingest.NewHandler(gateway)
	api := httpapi.NewHandlers(orch, engine, dispatcher, integs, adapters, dispatcher)

	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(logger.Middleware(log))

	registerRoutes(r, routeDeps{
		cfg:      cfg,
		rdb:      rdb,
		authMW:   auth.RequireAccessToken(authManager),
		webhooks: webhooks,
		api:      api,
	})

	srv := &http.Server{
		Addr:              cfg.HTTPAddr(),
		Handler:           r,
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       15 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	go func() {
		log.Info("api listening", "addr", srv.Addr, "env", cfg.App.Env)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error("http server failed", "err", err)
			stop()
		}
	}()

	<-rootCtx.Done()
	log.Info("shutdown initiated")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 20*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error("http shutdown failed", "err", err)
	}

	_ = logger.ShutdownFlush(shutdownCtx, 2*time.Second)
}
