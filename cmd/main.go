package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/joho/godotenv"
	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"
	swaggerFiles "github.com/swaggo/files"
	ginSwagger "github.com/swaggo/gin-swagger"
	"product-import-service/internal/config"
	"product-import-service/internal/events"
	"product-import-service/internal/handlers"
	"product-import-service/internal/importer"
	"product-import-service/internal/jobs"
	"product-import-service/internal/middleware"
	"product-import-service/internal/repository"
	"product-import-service/internal/webhooks"
)

// @title Product Import API
// @version 1.0.0
// @description Product catalog with asynchronous CSV bulk import, Excel export and webhooks

// @host localhost:8000
// @BasePath /api

func main() {
	logger := logrus.New()
	logger.SetFormatter(&logrus.JSONFormatter{})

	if err := godotenv.Load(); err != nil {
		logger.Info("No .env file found, using system environment variables")
	}

	cfg := config.Load()
	if cfg.Environment == "production" {
		logger.SetLevel(logrus.InfoLevel)
	} else {
		logger.SetLevel(logrus.DebugLevel)
	}

	db, err := config.InitDB(cfg)
	if err != nil {
		logger.WithError(err).Fatal("Failed to connect to database")
	}

	redisClient := connectRedis(cfg.RedisURL, logger)

	var mirror webhooks.Mirror
	if cfg.NATSURL != "" {
		publisher, err := events.NewPublisher(cfg.NATSURL, logger)
		if err != nil {
			logger.WithError(err).Warn("Failed to initialize events publisher (continuing without event mirroring)")
		} else {
			logger.Info("Events publisher initialized")
			mirror = publisher
			defer publisher.Close()
		}
	} else {
		logger.Info("NATS_URL not set, skipping event mirroring")
	}

	productsRepo := repository.NewProductsRepository(db, redisClient, logger)
	webhookRepo := repository.NewWebhookRepository(db)

	dispatcher := webhooks.NewDispatcher(webhookRepo, mirror, logger, webhooks.Options{
		Timeout:     cfg.WebhookTimeout,
		Concurrency: cfg.WebhookConcurrency,
	})

	rootCtx, stopJanitor := context.WithCancel(context.Background())
	defer stopJanitor()

	jobStore := jobs.NewMemoryStore(cfg.JobRetention)
	jobStore.Start(rootCtx)

	manager := importer.NewManager(jobStore, productsRepo, dispatcher, logger, importer.Options{
		UploadDir:         cfg.UploadDir,
		ProgressEveryRows: cfg.ProgressEveryRows,
		ProgressInterval:  cfg.ProgressInterval,
	})

	uploadHandler := handlers.NewUploadHandler(manager, jobStore, cfg.MaxUploadSize, logger)
	productsHandler := handlers.NewProductsHandler(productsRepo, dispatcher, cfg.DefaultPageSize, cfg.MaxPageSize, logger)
	webhookHandler := handlers.NewWebhookHandler(webhookRepo, dispatcher, logger)

	if cfg.Environment == "production" {
		gin.SetMode(gin.ReleaseMode)
	}

	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(middleware.RequestID())
	router.Use(middleware.Logger(logger))
	router.Use(middleware.CORS(cfg.AllowedOrigins))

	router.GET("/health", handlers.HealthCheck)
	router.GET("/ready", handlers.ReadinessCheck(productsRepo))

	api := router.Group("/api")
	{
		upload := api.Group("/upload")
		{
			upload.POST("", uploadHandler.Upload)
			upload.GET("/template", uploadHandler.Template)
			upload.GET("/status/:task_id", uploadHandler.Status)
			upload.GET("/status/:task_id/stream", uploadHandler.Stream)
			upload.POST("/status/:task_id/cancel", uploadHandler.Cancel)
		}

		products := api.Group("/products")
		{
			products.GET("", productsHandler.GetProducts)
			products.GET("/export/excel", productsHandler.ExportExcel)
			products.GET("/:id", productsHandler.GetProduct)
			products.POST("", productsHandler.CreateProduct)
			products.PUT("/:id", productsHandler.UpdateProduct)
			products.DELETE("/:id", productsHandler.DeleteProduct)
			products.DELETE("", productsHandler.DeleteAllProducts)
		}

		hooks := api.Group("/webhooks")
		{
			hooks.GET("", webhookHandler.ListWebhooks)
			hooks.POST("", webhookHandler.CreateWebhook)
			hooks.GET("/:id", webhookHandler.GetWebhook)
			hooks.PUT("/:id", webhookHandler.UpdateWebhook)
			hooks.DELETE("/:id", webhookHandler.DeleteWebhook)
			hooks.POST("/:id/test", webhookHandler.TestWebhook)
		}
	}

	router.GET("/swagger/*any", ginSwagger.WrapHandler(swaggerFiles.Handler))

	srv := &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		logger.WithField("port", cfg.Port).Info("Product import service starting")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.WithError(err).Fatal("Failed to start server")
		}
	}()

	<-quit
	logger.Info("Shutting down product-import-service...")

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := srv.Shutdown(ctx); err != nil {
		logger.WithError(err).Error("HTTP server shutdown failed")
	}
	if err := manager.Shutdown(ctx); err != nil {
		logger.WithError(err).Error("Import jobs did not stop in time")
	}
	dispatcher.Wait()

	if redisClient != nil {
		_ = redisClient.Close()
	}
	logger.Info("Product import service stopped")
}

// connectRedis returns nil when Redis is unreachable so list caching is skipped.
func connectRedis(url string, logger *logrus.Logger) *redis.Client {
	opts, err := redis.ParseURL(url)
	if err != nil {
		logger.WithError(err).Warn("Failed to parse Redis URL (caching disabled)")
		return nil
	}
	client := redis.NewClient(opts)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		logger.WithError(err).Warn("Failed to connect to Redis (caching disabled)")
		_ = client.Close()
		return nil
	}
	logger.Info("Redis connected")
	return client
}
