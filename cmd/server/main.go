package main

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"tradein-service/config"
	"tradein-service/internal/api"
	"tradein-service/internal/assessment"
	"tradein-service/internal/broker"
	"tradein-service/internal/cache"
	"tradein-service/internal/photos"
	"tradein-service/internal/pricing"
	"tradein-service/internal/queue"
	"tradein-service/internal/redisclient"
	"tradein-service/internal/service"
	"tradein-service/internal/store"
	"tradein-service/internal/util"
	"tradein-service/internal/worker"

	"github.com/gin-gonic/gin"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

func main() {

	cfg := config.Load()

	if err := util.InitLogger(cfg.Server.Env, cfg.Server.LogLevel); err != nil {
		log.Fatalf("Failed to initialize logger: %v", err)
	}
	defer util.SyncLogger()

	logger := util.GetLogger()
	logger.Info("Starting trade-in service", zap.String("env", cfg.Server.Env))

	tp, err := util.InitTracer("tradein-service", cfg.Server.Env, cfg.Observ.JaegerEndpoint)
	if err != nil {
		log.Fatalf("Failed to initialize tracer: %v", err)
	}
	defer func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := tp.Shutdown(ctx); err != nil {
			logger.Warn("Error shutting down tracer", zap.Error(err))
		}
	}()

	ctx := context.Background()
	var checks []api.ReadinessCheck

	var repo store.Repository
	switch cfg.Database.Driver {
	case "memory":
		repo = store.NewMemoryStore()
		logger.Warn("Using in-memory store, data is lost on restart")
	default:
		db, err := store.NewStore(cfg.Database.URL)
		if err != nil {
			log.Fatalf("Failed to connect to database: %v", err)
		}
		if err := db.EnsureSchema(ctx); err != nil {
			log.Fatalf("Failed to apply schema: %v", err)
		}
		checks = append(checks, api.ReadinessCheck{Name: "database", Check: db.Ping})
		repo = db
		logger.Info("Database connected")
	}
	defer repo.Close()

	var (
		q           queue.Queue = queue.NewMemoryQueue()
		resultCache cache.Cache = cache.NewMemoryCache()
		locker      worker.Locker
	)
	if cfg.Redis.QueueBackend == "redis" {
		redisClient, err := redisclient.NewClient(cfg.Redis.Addr, cfg.Redis.Password, cfg.Redis.DB)
		if err != nil {
			log.Fatalf("Failed to connect to Redis: %v", err)
		}
		defer redisClient.Close()
		logger.Info("Redis connected")

		q = queue.NewRedisQueue(redisClient)
		resultCache = cache.NewRedisCache(redisClient)
		locker = redisClient
		checks = append(checks, api.ReadinessCheck{Name: "redis", Check: redisClient.Ping})
	}

	var publisher broker.Publisher = broker.NewLogPublisher()
	if len(cfg.Kafka.Brokers) > 0 && cfg.Kafka.Brokers[0] != "" {
		producer := broker.NewProducer(cfg.Kafka.Brokers, cfg.Kafka.TopicTradeIn)
		defer producer.Close()
		publisher = broker.NewEventPublisher(producer)
		logger.Info("Kafka producer initialized", zap.String("topic", cfg.Kafka.TopicTradeIn))
	}

	provider, err := assessment.NewProvider(cfg.Assessment.Provider, assessment.Options{
		Endpoint:       cfg.Assessment.Endpoint,
		APIKey:         cfg.Assessment.APIKey,
		VisionEndpoint: cfg.Assessment.VisionEndpoint,
		VisionAPIKey:   cfg.Assessment.VisionAPIKey,
		Timeout:        cfg.Assessment.Timeout,
	})
	if err != nil {
		log.Fatalf("Failed to create assessment provider: %v", err)
	}

	storageStep, err := decimal.NewFromString(cfg.Assessment.StorageStepAmount)
	if err != nil {
		log.Fatalf("Invalid STORAGE_STEP_AMOUNT %q: %v", cfg.Assessment.StorageStepAmount, err)
	}

	var resolver photos.Resolver = photos.Passthrough{}
	if cfg.Storage.Bucket != "" {
		s3Resolver, err := photos.NewS3Resolver(ctx, photos.S3Config{
			Bucket:          cfg.Storage.Bucket,
			Region:          cfg.Storage.Region,
			Endpoint:        cfg.Storage.Endpoint,
			AccessKeyID:     cfg.Storage.AccessKeyID,
			SecretAccessKey: cfg.Storage.SecretAccessKey,
			URLTTL:          cfg.Storage.PhotoURLTTL,
		})
		if err != nil {
			log.Fatalf("Failed to configure photo storage: %v", err)
		}
		resolver = s3Resolver
	}

	creditService, err := service.NewCreditService(repo, publisher, service.CreditConfig{
		ExpiryDays:      cfg.Business.CreditNoteExpiryDays,
		SessionDuration: cfg.Business.CheckoutSessionDuration,
		AllowStacked:    cfg.Business.AllowStackedCreditLocks,
	})
	if err != nil {
		log.Fatalf("Failed to create credit service: %v", err)
	}
	tradeInService, err := service.NewTradeInService(repo, q, creditService, publisher)
	if err != nil {
		log.Fatalf("Failed to create trade-in service: %v", err)
	}
	webhookService := service.NewWebhookService(repo, tradeInService, cfg.Business.WebhookMaxRetries)

	assessmentWorker := worker.NewAssessmentWorker(repo, q, provider, pricing.NewEngine(repo, storageStep), resolver, publisher,
		worker.AssessmentConfig{
			MaxRetries:        cfg.Assessment.MaxRetries,
			RetryBase:         cfg.Assessment.RetryBase,
			MinConditionScore: cfg.Assessment.MinConditionScore,
			PollInterval:      cfg.Assessment.PollInterval,
			ErrorCooldown:     cfg.Assessment.ErrorCooldown,
			CacheTTL:          cfg.Redis.CacheTTL,
		}).WithCache(resultCache)
	if locker != nil {
		assessmentWorker.WithLocker(locker)
	}

	reconciler := worker.NewReconciler(repo, q, cfg.Assessment.StaleProcessing)
	if n, err := reconciler.Reconcile(ctx); err != nil {
		logger.Error("Startup reconciliation failed", zap.Error(err))
	} else {
		logger.Info("Startup reconciliation done", zap.Int("enqueued", n))
	}

	workerCtx, workerCancel := context.WithCancel(context.Background())
	defer workerCancel()

	assessmentDone := make(chan struct{})
	go func() {
		defer close(assessmentDone)
		if err := assessmentWorker.Start(workerCtx); err != nil {
			logger.Error("Assessment worker error", zap.Error(err))
		}
	}()

	sweeper := worker.NewSweeper(
		worker.Task{Name: "checkout_sessions", Interval: cfg.Business.SweepInterval, Run: creditService.ExpireSessions},
		worker.Task{Name: "credit_notes", Interval: cfg.Business.SweepInterval, Run: creditService.ExpireCreditNotes},
		worker.Task{Name: "webhook_retries", Interval: cfg.Business.SweepInterval, Run: webhookService.RetryFailed},
		worker.Task{Name: "stale_assessments", Interval: cfg.Assessment.StaleProcessing / 2, Run: reconciler.Reconcile},
	)
	sweeper.Start(workerCtx)

	var webhookWorker *worker.WebhookWorker
	if cfg.Kafka.WebhookEnabled {
		consumer := broker.NewConsumer(cfg.Kafka.Brokers, cfg.Kafka.TopicWebhooks, cfg.Kafka.ConsumerGroup)
		webhookWorker = worker.NewWebhookWorker(consumer, webhookService)
		go func() {
			if err := webhookWorker.Start(workerCtx); err != nil && err != context.Canceled {
				logger.Error("Webhook worker error", zap.Error(err))
			}
		}()
	}

	if cfg.Server.Env == "production" {
		gin.SetMode(gin.ReleaseMode)
	}

	router := gin.New()
	router.Use(gin.Logger())
	handler := api.NewHandler(tradeInService, creditService, webhookService, checks...)
	handler.SetupRoutes(router)

	srv := &http.Server{
		Addr:    fmt.Sprintf(":%s", cfg.Server.Port),
		Handler: router,
	}

	go func() {
		logger.Info("Starting HTTP server", zap.String("port", cfg.Server.Port))
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("Failed to start server: %v", err)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info("Shutting down server")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Warn("Server forced to shutdown", zap.Error(err))
	}

	workerCancel()
	select {
	case <-assessmentDone:
	case <-shutdownCtx.Done():
		logger.Warn("Assessment worker did not stop in time")
	}
	sweeper.Wait()
	if webhookWorker != nil {
		if err := webhookWorker.Stop(); err != nil {
			logger.Warn("Error stopping webhook worker", zap.Error(err))
		}
	}

	logger.Info("Server exited")
}
