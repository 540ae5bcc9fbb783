package main

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/nats-io/nats.go"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"

	"github.com/pesio-ai/be-pc-approvals/internal/cache"
	"github.com/pesio-ai/be-pc-approvals/internal/client"
	"github.com/pesio-ai/be-pc-approvals/internal/config"
	"github.com/pesio-ai/be-pc-approvals/internal/database"
	"github.com/pesio-ai/be-pc-approvals/internal/handler"
	"github.com/pesio-ai/be-pc-approvals/internal/lock"
	"github.com/pesio-ai/be-pc-approvals/internal/logger"
	"github.com/pesio-ai/be-pc-approvals/internal/metrics"
	"github.com/pesio-ai/be-pc-approvals/internal/middleware"
	"github.com/pesio-ai/be-pc-approvals/internal/repository"
	"github.com/pesio-ai/be-pc-approvals/internal/service"
)

func main() {
	// Load configuration
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	// Initialize logger
	log := logger.New(logger.Config{
		Level:       cfg.Log.Level,
		Environment: cfg.Service.Environment,
		ServiceName: cfg.Service.Name,
		Version:     cfg.Service.Version,
		FilePath:    cfg.Log.FilePath,
	})

	log.Info().
		Str("service", cfg.Service.Name).
		Str("version", cfg.Service.Version).
		Str("environment", cfg.Service.Environment).
		Msg("Starting Project Controls Approvals Service")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Initialize database
	db, err := database.New(ctx, database.Config{
		Host:        cfg.Database.Host,
		Port:        cfg.Database.Port,
		User:        cfg.Database.User,
		Password:    cfg.Database.Password,
		Database:    cfg.Database.Database,
		SSLMode:     cfg.Database.SSLMode,
		MaxConns:    cfg.Database.MaxConns,
		MinConns:    cfg.Database.MinConns,
		MaxConnTime: cfg.Database.MaxConnTime,
		MaxIdleTime: cfg.Database.MaxIdleTime,
		HealthCheck: cfg.Database.HealthCheck,
	})
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to connect to database")
	}
	defer db.Close()
	log.Info().Msg("Database connection established")

	if cfg.Database.Migrate {
		applied, err := db.Migrate(ctx)
		if err != nil {
			log.Fatal().Err(err).Strs("applied", applied).Msg("Failed to apply migrations")
		}
		log.Info().Strs("applied", applied).Msg("Migrations up to date")
	}

	store := repository.NewPostgresStore(db)

	// Metrics
	registry := prometheus.NewRegistry()
	registry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	m := metrics.New(registry)

	// Optional Redis: shared subject locks and the permission cache
	var (
		locker      lock.Locker = lock.NewKeyedMutex()
		permissions handler.PermissionResolver
		invalidator service.PermissionInvalidator
	)
	permissionResolver := service.NewPermissionResolver(store, store, m, log)
	permissions = permissionResolver
	if cfg.Redis.Addr != "" {
		rdb := redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		defer rdb.Close()
		if err := rdb.Ping(ctx).Err(); err != nil {
			log.Fatal().Err(err).Str("addr", cfg.Redis.Addr).Msg("Failed to connect to Redis")
		}
		locker = lock.NewRedisLocker(rdb, cfg.Redis.KeyPrefix, cfg.Approval.LockTTL)
		cached := cache.NewCachedPermissionResolver(
			permissionResolver,
			cache.NewPermissionCache(rdb, cfg.Redis.KeyPrefix, cfg.Redis.PermissionTTL),
			log.WithComponent("permission_cache"),
		)
		permissions = cached
		invalidator = cached
		log.Info().Str("addr", cfg.Redis.Addr).Msg("Redis lock and permission cache enabled")
	}

	// Optional NATS: approval notifications
	var events service.EventPublisher
	if cfg.NATS.URL != "" {
		nc, js, err := client.ConnectJetStream(cfg.NATS.URL, cfg.Service.Name)
		if err != nil {
			log.Fatal().Err(err).Str("url", cfg.NATS.URL).Msg("Failed to connect to NATS")
		}
		defer func(nc *nats.Conn) {
			if err := nc.Drain(); err != nil {
				log.Warn().Err(err).Msg("NATS drain failed")
			}
		}(nc)
		events = client.NewNotificationPublisher(js, cfg.NATS.SubjectPrefix, log.WithComponent("notifications"))
		log.Info().Str("url", cfg.NATS.URL).Str("prefix", cfg.NATS.SubjectPrefix).Msg("Approval event publishing enabled")
	}

	// Initialize services
	assignees := service.NewAssigneeResolver(store, m, log)
	deps := service.EngineDeps{
		Store:    store,
		Resolver: assignees,
		Locker:   locker,
		Events:   events,
		Metrics:  m,
		Log:      log,
	}
	httpHandler := handler.NewHTTPHandler(handler.Services{
		Scorecards:  service.NewScorecardApprovalService(store, cfg.Approval.ScorecardWorkflowKey, deps),
		Plans:       service.NewPlanApprovalService(store, cfg.Approval.PlanWorkflowKey, deps),
		Commitments: service.NewCommitmentApprovalService(store, cfg.Approval.CommitmentWorkflowKey, cfg.Approval.WaiverEscalationThreshold, deps),
		Chains:      assignees,
		Permissions: permissions,
		Admin:       service.NewPolicyAdminService(store, invalidator, log),
		Pending:     service.NewPendingApprovalService(store),
	}, log)

	// Setup HTTP routes
	mux := http.NewServeMux()
	mux.HandleFunc("GET /health", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		if err := db.Ping(r.Context()); err != nil {
			w.WriteHeader(http.StatusServiceUnavailable)
			_, _ = w.Write([]byte(`{"status":"unhealthy"}`))
			return
		}
		_, _ = w.Write([]byte(`{"status":"healthy"}`))
	})
	if cfg.Metrics.Enabled {
		mux.Handle("GET "+cfg.Metrics.Path, promhttp.HandlerFor(registry, promhttp.HandlerOpts{Registry: registry}))
	}
	httpHandler.Register(mux)

	// Apply middleware
	var h http.Handler = mux
	h = middleware.RequestID(h)
	h = middleware.Logger(&log.Logger)(h)
	h = middleware.Recovery(&log.Logger)(h)
	h = middleware.CORS(cfg.Server.CORSOrigins)(h)
	h = middleware.Timeout(cfg.Server.RequestTimeout)(h)

	httpServer := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:      h,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
	}

	go func() {
		log.Info().Int("port", cfg.Server.Port).Msg("Starting HTTP server")
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Error().Err(err).Msg("HTTP server failed")
		}
	}()

	// Start gRPC server (health + reflection)
	grpcServer := handler.NewGRPCServer(db, log.Logger)
	go grpcServer.WatchHealth(ctx, cfg.Server.HealthInterval)

	grpcListener, err := net.Listen("tcp", fmt.Sprintf(":%d", cfg.Server.GRPCPort))
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to create gRPC listener")
	}

	go func() {
		log.Info().Int("port", cfg.Server.GRPCPort).Msg("Starting gRPC server")
		if err := grpcServer.Serve(grpcListener); err != nil {
			log.Error().Err(err).Msg("gRPC server failed")
		}
	}()

	// Graceful shutdown
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Info().Msg("Shutting down server...")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer shutdownCancel()

	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("HTTP server shutdown failed")
	}

	grpcServer.GracefulStop()
	cancel()

	log.Info().Msg("Server stopped")
}
