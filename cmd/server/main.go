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

	"access-service/config"
	"access-service/internal/api"
	"access-service/internal/broker"
	"access-service/internal/catalog"
	"access-service/internal/ledger"
	"access-service/internal/redisclient"
	"access-service/internal/saga"
	"access-service/internal/service"
	"access-service/internal/store"
	"access-service/internal/util"
	"access-service/internal/worker"

	"github.com/gin-gonic/gin"
)

func main() {

	cfg := config.Load()

	if err := util.InitLogger(cfg.Server.Env); err != nil {
		log.Fatalf("Failed to initialize logger: %v", err)
	}
	defer util.SyncLogger()

	logger := util.GetLogger()
	logger.Info("Starting access service")

	tp, err := util.InitTracer("access-service", cfg.Observ.JaegerEndpoint)
	if err != nil {
		log.Fatalf("Failed to initialize tracer: %v", err)
	}
	defer func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := tp.Shutdown(ctx); err != nil {
			log.Printf("Error shutting down tracer: %v", err)
		}
	}()

	db, err := store.NewStore(cfg.Database.URL)
	if err != nil {
		log.Fatalf("Failed to connect to database: %v", err)
	}
	defer db.Close()
	log.Println("Database connected")

	redisClient, err := redisclient.NewClient(cfg.Redis.Addr, cfg.Redis.Password, cfg.Redis.DB)
	if err != nil {
		log.Fatalf("Failed to connect to Redis: %v", err)
	}
	defer redisClient.Close()
	log.Println("Redis connected")

	producer := broker.NewProducer(cfg.Kafka.Brokers, cfg.Kafka.TopicAccess)
	defer producer.Close()
	log.Println("Kafka producer initialized")

	eventPublisher := broker.NewEventPublisher(producer)
	locker := redisclient.NewLocker(redisClient, cfg.Engine.LockTTL, cfg.Engine.LockWait)
	ledgerClient := ledger.NewClient(cfg.Ledger.BaseURL, cfg.Ledger.Timeout, cfg.Engine.ExternalMaxRetries)
	catalogClient := catalog.NewClient(cfg.Catalog.BaseURL, cfg.Catalog.Timeout, cfg.Engine.ExternalMaxRetries)

	evaluator := service.NewPolicyEvaluator(db, db, catalogClient, ledgerClient, redisClient, cfg.Engine.SnapshotTTL)
	redemptionService := service.NewRedemptionService(
		db, db, db, evaluator, ledgerClient, redisClient, locker, eventPublisher,
		service.RedemptionConfig{ReconcileAttempts: cfg.Engine.ReconcileAttempts},
	)
	assignmentService := service.NewAssignmentService(
		db, db, evaluator, locker, redisClient, eventPublisher,
		service.AssignmentConfig{
			AssignmentTTL:  cfg.Engine.AssignmentTTL,
			SweepBatchSize: cfg.Engine.SweepBatchSize,
		},
	)
	policyService := service.NewPolicyService(db, ledgerClient, redisClient, cfg.Engine.SnapshotTTL)
	requestService := service.NewRequestService(
		db, db, assignmentService, eventPublisher,
		service.RequestConfig{
			RemindAfter:       cfg.Engine.RequestRemindAfter,
			ReminderBatchSize: cfg.Engine.ReminderBatchSize,
		},
	)

	executor := saga.NewExecutor(db, cfg.Engine.WorkflowMaxAttempts, time.Second)
	provisioningService := service.NewProvisioningService(executor, db, assignmentService, ledgerClient)

	// Runs interrupted by the last shutdown pick up from their cursor.
	resumeCtx, resumeCancel := context.WithTimeout(context.Background(), 30*time.Second)
	if err := executor.ResumeAll(resumeCtx); err != nil {
		log.Printf("Failed to resume workflow runs: %v", err)
	}
	resumeCancel()

	workerCtx, workerCancel := context.WithCancel(context.Background())
	defer workerCancel()

	accessConsumer := broker.NewConsumer(cfg.Kafka.Brokers, cfg.Kafka.TopicAccess, cfg.Kafka.ConsumerGroup)
	defer accessConsumer.Close()
	notificationWorker := worker.NewNotificationWorker(accessConsumer, assignmentService, db)
	go func() {
		if err := notificationWorker.Start(workerCtx); err != nil && workerCtx.Err() == nil {
			log.Printf("Notification worker error: %v", err)
		}
	}()

	sweepScheduler := worker.NewSweepScheduler(assignmentService, redemptionService, cfg.Engine.SweepInterval)
	go sweepScheduler.Start(workerCtx)

	reminderScheduler := worker.NewReminderScheduler(requestService, cfg.Engine.ReminderInterval)
	go reminderScheduler.Start(workerCtx)

	if cfg.Server.Env == "production" {
		gin.SetMode(gin.ReleaseMode)
	}

	router := gin.Default()
	handler := api.NewHandler(redemptionService, assignmentService, provisioningService, policyService, requestService)
	handler.SetupRoutes(router)

	srv := &http.Server{
		Addr:    fmt.Sprintf(":%s", cfg.Server.Port),
		Handler: router,
	}

	go func() {
		log.Printf("Starting HTTP server on port %s", cfg.Server.Port)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("Failed to start server: %v", err)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Println("Shutting down server...")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Printf("Server forced to shutdown: %v", err)
	}

	workerCancel()

	log.Println("Server exited")
}
