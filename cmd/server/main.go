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

	"deal-service/config"
	"deal-service/internal/api"
	"deal-service/internal/broker"
	"deal-service/internal/cache"
	"deal-service/internal/service"
	"deal-service/internal/store"
	"deal-service/internal/util"
	"deal-service/internal/worker"

	"github.com/gin-gonic/gin"
)

func main() {

	cfg := config.Load()

	if err := util.InitLogger(cfg.Server.Env); err != nil {
		log.Fatalf("Failed to initialize logger: %v", err)
	}
	defer util.SyncLogger()

	logger := util.GetLogger()
	logger.Info("Starting deal service")

	tp, err := util.InitTracer("deal-service", cfg.Observ.JaegerEndpoint)
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

	redisClient, err := cache.NewClient(cfg.Redis.Addr, cfg.Redis.Password, cfg.Redis.DB)
	if err != nil {
		log.Fatalf("Failed to connect to Redis: %v", err)
	}
	defer redisClient.Close()
	log.Println("Redis connected")

	notificationProducer := broker.NewProducer(cfg.Kafka.Brokers, cfg.Kafka.TopicNotifications)
	defer notificationProducer.Close()
	deadLetterProducer := broker.NewProducer(cfg.Kafka.Brokers, cfg.Kafka.TopicDeadLetter)
	defer deadLetterProducer.Close()
	log.Println("Kafka producers initialized")

	eventPublisher := broker.NewEventPublisher(notificationProducer, deadLetterProducer)
	notifier := service.NewNotifier(eventPublisher)

	feeService := service.NewFeeService(db, redisClient,
		cfg.Business.DefaultPlatformFeeBps,
		cfg.Business.DefaultIntegratorFeeBps,
		time.Duration(cfg.Business.FeeCacheTTLSeconds)*time.Second)

	offerService := service.NewOfferService(db, notifier, cfg.Business.MaxCounterDepth)
	transactionService := service.NewTransactionService(db, feeService, notifier)
	reconciler := service.NewReconciler(db, transactionService, eventPublisher, redisClient)

	workerCtx, workerCancel := context.WithCancel(context.Background())
	defer workerCancel()

	chainConsumer := broker.NewConsumer(cfg.Kafka.Brokers, cfg.Kafka.TopicChainEvents, cfg.Kafka.ConsumerGroup)
	chainWorker := worker.NewChainWorker(chainConsumer, reconciler)
	go func() {
		if err := chainWorker.Start(workerCtx); err != nil {
			log.Printf("Chain worker error: %v", err)
		}
	}()

	storageConsumer := broker.NewConsumer(cfg.Kafka.Brokers, cfg.Kafka.TopicStorageEvents, cfg.Kafka.ConsumerGroup)
	storageWorker := worker.NewStorageWorker(storageConsumer, reconciler)
	go func() {
		if err := storageWorker.Start(workerCtx); err != nil {
			log.Printf("Storage worker error: %v", err)
		}
	}()

	sweeper, err := worker.NewSweepScheduler(cfg.Business.SweepIntervalSeconds,
		reconciler, offerService, db.PurgeExpiredIdempotencyRecords)
	if err != nil {
		log.Fatalf("Failed to initialize sweep scheduler: %v", err)
	}
	sweeper.Start()

	if cfg.Server.Env == "production" {
		gin.SetMode(gin.ReleaseMode)
	}

	idempotencyGuard := api.NewIdempotencyGuard(db, redisClient,
		time.Duration(cfg.Business.IdempotencyTTLHours)*time.Hour)

	router := gin.New()
	handler := api.NewHandler(offerService, transactionService, idempotencyGuard)
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
	chainWorker.Stop()
	storageWorker.Stop()
	sweeper.Stop()

	log.Println("Server exited")
}
