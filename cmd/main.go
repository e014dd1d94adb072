package main

import (
	"context"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/go-redis/redis/v8"
	"go.uber.org/zap"

	"github.com/gravadormedico/checkout-api/internal/api"
	"github.com/gravadormedico/checkout-api/internal/config"
	"github.com/gravadormedico/checkout-api/internal/database"
	"github.com/gravadormedico/checkout-api/internal/gateway"
	"github.com/gravadormedico/checkout-api/internal/services"
)

func main() {
	// Load configuration
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}

	// Initialize logger
	logger, err := initLogger(cfg.Log.Level)
	if err != nil {
		log.Fatalf("Failed to initialize logger: %v", err)
	}
	defer logger.Sync()

	logger.Info("Starting Gravador Médico Checkout API")

	// Load gateway secrets from Vault before any client is built
	if cfg.Vault.URL != "" && cfg.Vault.Token != "" {
		vaultClient, err := services.NewVaultClient(cfg.Vault.URL, cfg.Vault.Token, logger)
		if err != nil {
			logger.Warn("Failed to initialize Vault client, using config-based secrets", zap.Error(err))
		} else {
			logger.Info("Loading gateway secrets from Vault...")
			vaultClient.LoadGatewaySecrets("checkout-api", cfg)
		}
	} else {
		logger.Info("Using config-based secrets (Vault not configured)")
	}

	// Initialize database
	db, err := database.Connect(cfg.Database)
	if err != nil {
		logger.Fatal("Failed to initialize database", zap.Error(err))
	}

	// Run database migrations FIRST
	if err := database.RunMigrations(db); err != nil {
		logger.Fatal("Failed to run database migrations", zap.Error(err))
	}

	// Optional Redis client for webhook delivery deduplication
	var redisClient *redis.Client
	if cfg.Redis.Addr != "" {
		redisClient = redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		if err := redisClient.Ping(context.Background()).Err(); err != nil {
			logger.Warn("Redis unreachable, webhook dedup disabled", zap.Error(err))
			redisClient = nil
		} else {
			logger.Info("Redis connection established", zap.String("addr", cfg.Redis.Addr))
		}
	} else {
		logger.Info("Redis not configured, webhook dedup disabled")
	}

	// Gateway clients
	mercadoPago := gateway.NewMercadoPagoClient(cfg.MercadoPago, logger)
	appmax := gateway.NewAppmaxClient(cfg.Appmax, logger)
	lovable := services.NewLovableClient(cfg.Lovable, logger)

	// Initialize services AFTER migrations
	checkoutService := services.NewCheckoutService(db, mercadoPago, appmax, logger)
	webhookService := services.NewWebhookService(db, redisClient, mercadoPago, logger)
	provisioningService := services.NewProvisioningService(db, lovable, nil, logger)
	monitoringService := services.NewMonitoringService(db)

	// Initialize API handlers with services
	apiHandlers := api.NewHandlers(checkoutService, provisioningService, cfg, logger)

	// Initialize Gin router
	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(gin.Logger())

	// Add CORS middleware
	router.Use(func(c *gin.Context) {
		c.Header("Access-Control-Allow-Origin", "*")
		c.Header("Access-Control-Allow-Methods", "GET, POST, HEAD, OPTIONS")
		c.Header("Access-Control-Allow-Headers", "Origin, Content-Type, Content-Length, Accept-Encoding, Authorization")
		c.Header("Access-Control-Expose-Headers", "Content-Length")

		if c.Request.Method == "OPTIONS" {
			c.AbortWithStatus(204)
			return
		}

		c.Next()
	})

	// Health check endpoint
	router.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{
			"status":    "healthy",
			"service":   "checkout-api",
			"version":   "v1.0",
			"timestamp": time.Now().UTC(),
		})
	})

	// Detailed health and metrics for operators
	router.GET("/health/detailed", monitoringService.HandleDetailedHealth)
	router.GET("/metrics", monitoringService.HandleMetrics)

	// API endpoints
	apiV1 := router.Group("/api/v1")
	{
		// Checkout endpoints
		checkoutGroup := apiV1.Group("/checkout")
		{
			checkoutGroup.POST("", apiHandlers.ProcessCheckout)
			checkoutGroup.GET("/health", apiHandlers.CheckoutHealth)
		}

		// Webhook endpoints
		webhookGroup := apiV1.Group("/webhooks")
		{
			webhookGroup.POST("/mercadopago", webhookService.HandleMercadoPagoWebhook)
			webhookGroup.POST("/appmax", webhookService.HandleAppmaxWebhook)
		}

		// Provisioning worker endpoints, driven by an external scheduler
		cronGroup := apiV1.Group("/cron")
		{
			cronGroup.POST("/process-queue", apiHandlers.ProcessProvisioningCron)
			cronGroup.GET("/process-queue", apiHandlers.ProcessProvisioningCron)
			cronGroup.HEAD("/process-queue", apiHandlers.ProvisioningCronLiveness)
		}

		// Operator endpoints
		adminGroup := apiV1.Group("/admin")
		{
			adminGroup.POST("/orders/:id/reprocess", apiHandlers.ReprocessOrder)
		}
	}

	// Start server
	port := cfg.Server.Port
	if port == "" {
		port = "8086"
	}

	srv := &http.Server{
		Addr:    ":" + port,
		Handler: router,
	}

	// Graceful shutdown
	go func() {
		logger.Info("Starting HTTP server", zap.String("port", port))
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatal("Failed to start HTTP server", zap.Error(err))
		}
	}()

	// Wait for interrupt signal
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info("Shutting down server...")

	// Graceful shutdown with timeout
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := srv.Shutdown(ctx); err != nil {
		logger.Fatal("Server forced to shutdown", zap.Error(err))
	}

	logger.Info("Server exited")
}

func initLogger(level string) (*zap.Logger, error) {
	var logLevel zap.AtomicLevel

	switch level {
	case "debug":
		logLevel = zap.NewAtomicLevelAt(zap.DebugLevel)
	case "info":
		logLevel = zap.NewAtomicLevelAt(zap.InfoLevel)
	case "warn":
		logLevel = zap.NewAtomicLevelAt(zap.WarnLevel)
	case "error":
		logLevel = zap.NewAtomicLevelAt(zap.ErrorLevel)
	default:
		logLevel = zap.NewAtomicLevelAt(zap.InfoLevel)
	}

	config := zap.NewProductionConfig()
	config.Level = logLevel
	config.OutputPaths = []string{"stdout"}
	config.ErrorOutputPaths = []string{"stderr"}

	return config.Build()
}
