package main

import (
	"context"
	"net"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/attachlink/attachlink/internal/config"
	"github.com/attachlink/attachlink/internal/handler"
	"github.com/attachlink/attachlink/internal/repository"
	"github.com/attachlink/attachlink/internal/service"
	"github.com/attachlink/attachlink/pkg/logger"
	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/compress"
	"github.com/gofiber/fiber/v2/middleware/cors"
	"github.com/gofiber/fiber/v2/middleware/recover"
)

func main() {
	// Initialize structured logger
	logLevel := os.Getenv("LOG_LEVEL")
	if logLevel == "" {
		logLevel = "info"
	}
	logFormat := os.Getenv("LOG_FORMAT")
	if logFormat == "" {
		logFormat = "json"
	}
	logger.Init(logger.Config{
		Level:  logLevel,
		Format: logFormat,
		Output: os.Stdout,
	})

	// Load configuration
	cfg := config.Load()

	// Validate configuration
	if err := cfg.Validate(); err != nil {
		logger.Fatal().Err(err).Msg("Configuration error")
	}

	logger.Info().
		Str("bind_address", cfg.Server.BindAddress).
		Str("port", cfg.Server.Port).
		Str("log_level", logLevel).
		Msg("Starting attachlink server")

	// Tenant databases live under the tenants path; lazily opened per schema
	if err := os.MkdirAll(cfg.Storage.TenantsPath, 0o750); err != nil {
		logger.Fatal().Err(err).Str("path", cfg.Storage.TenantsPath).Msg("Failed to create tenants path")
	}
	registry := repository.NewTenantRegistry(cfg.Storage.TenantsPath)
	logger.Info().Str("path", cfg.Storage.TenantsPath).Msg("Tenant registry initialized")

	// Initialize services
	storageSvc, err := service.NewAttachmentStorage(registry, cfg)
	if err != nil {
		logger.Fatal().Err(err).Msg("Failed to initialize attachment storage")
	}
	sweeper := service.NewSweeper(registry, cfg)

	// Initialize handlers
	attachmentHandler := handler.NewAttachmentHandler(storageSvc, cfg)
	guestHandler := handler.NewGuestHandler(storageSvc, cfg)
	sweepHandler := handler.NewSweepHandler(sweeper)

	// Create Fiber app
	app := fiber.New(fiber.Config{
		BodyLimit:               100 * 1024 * 1024, // 100MB limit
		DisableKeepalive:        false,
		ReadTimeout:             10 * time.Second,
		WriteTimeout:            30 * time.Second,
		IdleTimeout:             60 * time.Second,
		ProxyHeader:             fiber.HeaderXForwardedFor,
		EnableTrustedProxyCheck: true,
		TrustedProxies:          cfg.Server.TrustedProxies,
		EnableIPValidation:      true,
	})

	logger.Info().
		Strs("trusted_proxies", cfg.Server.TrustedProxies).
		Msg("Trusted proxy configuration loaded")

	// Middleware
	app.Use(recover.New())
	app.Use(compress.New(compress.Config{
		Level: compress.LevelDefault,
	}))
	app.Use(handler.SecurityHeadersMiddleware())
	app.Use(handler.RequestIDMiddleware())
	app.Use(handler.MetricsMiddleware())
	app.Use(cors.New(cors.Config{
		AllowOrigins:     cfg.Server.AllowOrigins,
		AllowHeaders:     "Origin, Content-Type, Accept, Authorization, X-Request-ID, X-Share-Password",
		AllowMethods:     "GET, POST, PUT, DELETE, OPTIONS",
		AllowCredentials: true,
		MaxAge:           3600, // Cache preflight responses for 1 hour
	}))
	app.Use(logger.Middleware())

	// Routes
	api := app.Group("/api/v1")

	// Body limit middleware: 1MB for JSON API routes, 100MB for uploads
	jsonBodyLimit := handler.BodyLimitMiddleware(1 * 1024 * 1024) // 1MB

	// Attachment routes, scoped per tenant schema
	attachments := api.Group("/:schema/attachments")
	attachments.Post("/", attachmentHandler.Store)
	attachments.Post("/resolve", jsonBodyLimit, attachmentHandler.Resolve)
	attachments.Get("/quota", attachmentHandler.Quota)
	attachments.Post("/:folderID/files", attachmentHandler.Append)
	attachments.Delete("/:folderID", attachmentHandler.Delete)
	attachments.Put("/:folderID/name", jsonBodyLimit, attachmentHandler.Rename)
	attachments.Put("/:folderID/settings", jsonBodyLimit, attachmentHandler.UpdateSettings)

	// Guest share routes (unauthenticated, gated by link token and password)
	app.Get("/share/:token", guestHandler.List)
	app.Get("/share/:token/files/:id", guestHandler.Download)

	// Operator sweep trigger
	if cfg.Observability.MetricsToken != "" {
		api.Post("/sweep", handler.BearerTokenMiddleware(cfg.Observability.MetricsToken), sweepHandler.Trigger)
	} else {
		api.Post("/sweep", sweepHandler.Trigger)
	}

	// Health check handler
	healthHandler := handler.NewHealthHandler(registry, cfg.Storage.TenantsPath)
	app.Get("/health", healthHandler.Liveness)
	app.Get("/health/ready", healthHandler.Readiness)

	// Metrics endpoint
	metricsHandler := handler.NewMetricsHandler()
	if cfg.Observability.MetricsEnabled {
		if cfg.IsProduction {
			app.Get("/metrics", handler.BearerTokenMiddleware(cfg.Observability.MetricsToken), metricsHandler.Handler())
		} else {
			app.Get("/metrics", metricsHandler.Handler())
		}
	} else {
		logger.Info().Msg("Metrics endpoint disabled")
	}

	// Start the expiration sweeper
	sweepCtx, sweepCancel := context.WithCancel(context.Background())
	defer sweepCancel()
	if cfg.Sweep.Enabled {
		sweeper.Start(sweepCtx)
		logger.Info().Dur("interval", cfg.Sweep.Interval).Msg("Expiration sweeper started")
	} else {
		logger.Info().Msg("Expiration sweeper disabled")
	}

	// Start server in goroutine
	go func() {
		addr := net.JoinHostPort(cfg.Server.BindAddress, cfg.Server.Port)
		logger.Info().
			Str("address", addr).
			Bool("metrics_enabled", cfg.Observability.MetricsEnabled).
			Msg("HTTP server listening")
		if err := app.Listen(addr); err != nil {
			logger.Error().Err(err).Msg("Server stopped")
		}
	}()

	// Graceful shutdown setup
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	// Wait for shutdown signal
	sig := <-quit
	logger.Info().Str("signal", sig.String()).Msg("Received shutdown signal")

	// Create shutdown context with timeout
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	// Stop background jobs
	logger.Info().Msg("Stopping expiration sweeper...")
	sweepCancel()
	sweeper.Stop()

	// Shutdown Fiber app
	logger.Info().Msg("Shutting down HTTP server...")
	if err := app.ShutdownWithContext(ctx); err != nil {
		logger.Error().Err(err).Msg("Error during shutdown")
	}

	// Close tenant databases after HTTP shutdown drains requests.
	logger.Info().Msg("Closing tenant databases...")
	storageSvc.Stop()

	logger.Info().Msg("Server stopped gracefully")
}
