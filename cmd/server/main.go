package main

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"stock-service/config"
	"stock-service/internal/api"
	"stock-service/internal/broker"
	"stock-service/internal/redisclient"
	"stock-service/internal/service"
	"stock-service/internal/store"
	"stock-service/internal/util"
	"stock-service/internal/worker"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

func main() {

	cfg := config.Load()

	if err := util.InitLogger(util.LoggerOptions{Env: cfg.Server.Env, Level: cfg.Server.LogLevel}); err != nil {
		log.Fatalf("Failed to initialize logger: %v", err)
	}
	defer util.SyncLogger()

	logger := util.GetLogger()
	logger.Info("Starting stock service")

	shutdownTracer, err := util.InitTracer(cfg.Observ)
	if err != nil {
		logger.Fatal("Failed to initialize tracer", zap.Error(err))
	}
	defer func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := shutdownTracer(ctx); err != nil {
			logger.Error("Error shutting down tracer", zap.Error(err))
		}
	}()

	db, err := store.NewStore(cfg.Database.URL)
	if err != nil {
		logger.Fatal("Failed to connect to database", zap.Error(err))
	}
	defer db.Close()
	if err := db.Migrate(); err != nil {
		logger.Fatal("Failed to migrate database", zap.Error(err))
	}
	logger.Info("Database connected")

	redisClient, err := redisclient.NewClient(cfg.Redis.Addr, cfg.Redis.Password, cfg.Redis.DB)
	if err != nil {
		logger.Fatal("Failed to connect to Redis", zap.Error(err))
	}
	defer redisClient.Close()
	logger.Info("Redis connected")

	producer := broker.NewProducer(cfg.Kafka.Brokers)
	defer producer.Close()
	logger.Info("Kafka producer initialized")

	eventPublisher := broker.NewEventPublisher(producer, cfg.Kafka)

	engine := service.NewReservationEngine(db, redisClient, redisClient, eventPublisher, cfg.Lease, cfg.Cache.TTL)
	ledger := service.NewStockLedger(db)

	var products service.ProductLookup = service.NewStoreProductLookup(db)
	if cfg.Remote.ProductServiceURL != "" {
		products = service.NewHTTPProductLookup(cfg.Remote.ProductServiceURL, cfg.Remote)
		logger.Info("Using remote product service", zap.String("url", cfg.Remote.ProductServiceURL))
	}
	products = service.NewCachedProductLookup(products, redisClient, cfg.Cache.TTL)

	var gateway service.InventoryGateway = engine
	if cfg.Remote.InventoryServiceURL != "" {
		gateway = service.NewHTTPInventoryGateway(cfg.Remote.InventoryServiceURL, cfg.Remote)
		logger.Info("Using remote inventory service", zap.String("url", cfg.Remote.InventoryServiceURL))
	}

	saga := service.NewOrderSaga(db, products, gateway, eventPublisher, redisClient)
	loyalty := service.NewLoyaltyService(db, cfg.Business.LoyaltyPointsPerOrder)
	retrier := service.NewCompensationRetrier(redisClient, gateway, cfg.Business.CompensationMaxAttempts)

	workerCtx, workerCancel := context.WithCancel(context.Background())
	defer workerCancel()

	newConsumer := func(topic, group string) *broker.Consumer {
		policy := broker.RetryPolicy{
			MaxAttempts:     cfg.Kafka.HandlerMaxAttempts,
			BackoffBase:     cfg.Kafka.HandlerBackoffBase,
			BackoffMax:      cfg.Kafka.HandlerBackoffMax,
			DeadLetterTopic: topic + cfg.Kafka.DeadLetterSuffix,
		}
		return broker.NewConsumer(cfg.Kafka.Brokers, topic, cfg.Kafka.ConsumerGroup+group, policy, producer)
	}
	loyaltyWorker := worker.NewLoyaltyWorker(newConsumer(cfg.Kafka.TopicConfirmed, "-loyalty"), loyalty)
	cancellationWorker := worker.NewCancellationWorker(newConsumer(cfg.Kafka.TopicCancelled, "-cancellation"))
	jobs := []*worker.PeriodicJob{
		worker.NewAuditJob(ledger, cfg.Schedules.AuditInterval),
		worker.NewCompensationJob(retrier, cfg.Schedules.CompensationRetryInterval),
	}

	var wg sync.WaitGroup
	for _, w := range []*worker.EventWorker{loyaltyWorker, cancellationWorker} {
		wg.Add(1)
		go func(w *worker.EventWorker) {
			defer wg.Done()
			if err := w.Start(workerCtx); err != nil && workerCtx.Err() == nil {
				logger.Error("Worker error", zap.Error(err))
			}
		}(w)
	}
	for _, j := range jobs {
		wg.Add(1)
		go func(j *worker.PeriodicJob) {
			defer wg.Done()
			_ = j.Run(workerCtx)
		}(j)
	}

	if cfg.Server.Env == "production" {
		gin.SetMode(gin.ReleaseMode)
	}

	router := gin.New()
	handler := api.NewHandler(engine, ledger, saga).
		WithReadinessCheck("postgres", db).
		WithReadinessCheck("redis", redisClient)
	handler.SetupRoutes(router)

	srv := &http.Server{
		Addr:    fmt.Sprintf(":%s", cfg.Server.Port),
		Handler: router,
	}

	go func() {
		logger.Info("Starting HTTP server", zap.String("port", cfg.Server.Port))
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatal("Failed to start server", zap.Error(err))
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info("Shutting down server...")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("Server forced to shutdown", zap.Error(err))
	}

	workerCancel()
	wg.Wait()
	if err := loyaltyWorker.Stop(); err != nil {
		logger.Error("Failed to stop loyalty worker", zap.Error(err))
	}
	if err := cancellationWorker.Stop(); err != nil {
		logger.Error("Failed to stop cancellation worker", zap.Error(err))
	}

	logger.Info("Server exited")
}
