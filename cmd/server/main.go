package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"

	"velocitymesh/backend/internal/api"
	"velocitymesh/backend/internal/auth"
	"velocitymesh/backend/internal/bus"
	"velocitymesh/backend/internal/cache"
	"velocitymesh/backend/internal/collab"
	"velocitymesh/backend/internal/config"
	"velocitymesh/backend/internal/durable"
	"velocitymesh/backend/internal/engine"
	"velocitymesh/backend/internal/gateway"
	"velocitymesh/backend/internal/integrations"
	"velocitymesh/backend/internal/logging"
	"velocitymesh/backend/internal/metrics"
	"velocitymesh/backend/internal/repository"
	"velocitymesh/backend/internal/store"
)

func main() {
	ctx := context.Background()

	// Initialize logging
	logger := logging.NewLogger()

	// Parse command line flags
	envFile := flag.String("env", "", "Path to .env file")
	flag.Parse()

	// Load configuration
	cfg, err := config.LoadConfig(*envFile)
	if err != nil {
		logger.Error("Failed to load configuration", "error", err)
		log.Fatalf("Configuration loading failed: %v", err)
	}

	logger.Info("Starting VelocityMesh workflow service", "environment", cfg.Environment)

	// Initialize database connection
	dbPool, err := initDatabase(ctx, cfg, logger)
	if err != nil {
		logger.Error("Failed to initialize database", "error", err)
		log.Fatalf("Database initialization failed: %v", err)
	}
	defer dbPool.Close()

	repo := repository.NewPostgresStore(dbPool)
	if err := repo.EnsureSchema(ctx); err != nil {
		logger.Error("Failed to prepare schema", "error", err)
		log.Fatalf("Schema preparation failed: %v", err)
	}
	logger.Info("Database connected")

	// Initialize redis: definition cache, broadcast bus, room store and
	// durable execution handles all share one client
	rdb, err := cache.NewClient(ctx, cfg.Redis.URL)
	if err != nil {
		logger.Error("Failed to connect to redis", "error", err)
		log.Fatalf("Redis initialization failed: %v", err)
	}
	defer rdb.Close()
	logger.Info("Redis connected")

	// Metrics
	sink, err := metrics.NewOtelSink()
	if err != nil {
		logger.Error("Failed to initialize metrics", "error", err)
		log.Fatalf("Metrics initialization failed: %v", err)
	}

	// Workflow storage layer
	defCache := cache.NewDefinitionCache(rdb, cfg.Store.CacheTTL)
	workflows := store.NewWorkflowStore(repo, defCache, logger)

	// Durable execution adapter
	var adapter durable.Adapter = durable.NopAdapter{}
	if cfg.Durable.Enabled {
		adapter = durable.NewRemoteAdapter(
			durable.NewHTTPClient(cfg.Durable.URL),
			rdb,
			logger,
			cfg.Durable.Timeout,
			cfg.Durable.HandleTTL,
		)
		logger.Info("Durable execution adapter enabled", "url", cfg.Durable.URL)
	} else {
		logger.Info("Durable execution disabled, running workflows locally")
	}

	executor := integrations.NewHTTPExecutor(cfg.Integrations.URL, cfg.Integrations.Timeout)
	eng := engine.New(workflows, repo, adapter, executor, sink, logger, cfg.Engine.MaxLoopIterations)

	// Collaboration layer
	instanceID := uuid.New().String()
	broadcast, err := bus.NewRedisBus(ctx, rdb, logger)
	if err != nil {
		logger.Error("Failed to subscribe to broadcast bus", "error", err)
		log.Fatalf("Broadcast bus initialization failed: %v", err)
	}
	defer broadcast.Close()

	roomStore := collab.NewRedisRoomStore(rdb, cfg.Collab.MaxChangeLog)
	rooms := collab.NewRoomManager(instanceID, broadcast, roomStore, sink, logger)
	logger.Info("Collaboration layer initialized", "instance_id", instanceID)

	// Authentication
	var verifier auth.TokenVerifier
	if cfg.Auth.DevModeBypass {
		logger.Warn("Auth dev mode bypass enabled, tokens are NOT verified")
		verifier = auth.DevVerifier{}
	} else {
		verifier, err = auth.NewOIDCVerifier(ctx, cfg.Auth.Issuer)
		if err != nil {
			logger.Error("Failed to initialize auth", "error", err)
			log.Fatalf("Auth initialization failed: %v", err)
		}
	}

	// Create Echo server
	e := echo.New()
	e.HideBanner = true

	// Middleware
	e.Use(middleware.Logger())
	e.Use(middleware.Recover())

	// Mount REST API handlers
	srv := api.NewServer(workflows, eng, rooms, repo, rdb, logger)
	srv.Register(e, verifier)
	logger.Info("REST API handlers mounted")

	// Mount the collaboration websocket gateway
	gw := gateway.New(verifier, rooms, logger)
	e.GET("/ws", gw.Handle)
	logger.Info("Collaboration gateway mounted")

	// Create HTTP server
	server := &http.Server{
		Addr:         cfg.Server.Addr,
		Handler:      e,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	// Graceful shutdown handling
	serverErrors := make(chan error, 1)
	go func() {
		logger.Info("Server starting", "address", cfg.Server.Addr)
		serverErrors <- server.ListenAndServe()
	}()

	// Wait for shutdown signal
	shutdown := make(chan os.Signal, 1)
	signal.Notify(shutdown, os.Interrupt, syscall.SIGTERM)

	select {
	case err := <-serverErrors:
		if err != http.ErrServerClosed {
			logger.Error("Server error", "error", err)
			log.Fatalf("Server error: %v", err)
		}
	case sig := <-shutdown:
		logger.Info("Shutdown signal received", "signal", sig)

		// Create shutdown context with timeout
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()

		if err := server.Shutdown(ctx); err != nil {
			logger.Error("Server shutdown error", "error", err)
			if err := server.Close(); err != nil {
				logger.Error("Server close error", "error", err)
			}
		}

		logger.Info("Server stopped gracefully")
	}
}

func initDatabase(ctx context.Context, cfg *config.Config, logger *logging.Logger) (*pgxpool.Pool, error) {
	logger.Debug("Initializing database connection")

	connStr := fmt.Sprintf(
		"host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		cfg.DB.Host, cfg.DB.Port, cfg.DB.User, cfg.DB.Password, cfg.DB.Name, cfg.DB.SSLMode,
	)

	poolConfig, err := pgxpool.ParseConfig(connStr)
	if err != nil {
		return nil, fmt.Errorf("failed to parse database config: %w", err)
	}

	pool, err := pgxpool.NewWithConfig(ctx, poolConfig)
	if err != nil {
		return nil, fmt.Errorf("failed to create connection pool: %w", err)
	}

	// Test connection
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	return pool, nil
}
