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

	"storefront-commerce/config"
	"storefront-commerce/internal/api"
	"storefront-commerce/internal/broker"
	"storefront-commerce/internal/redisclient"
	"storefront-commerce/internal/service"
	"storefront-commerce/internal/store"
	"storefront-commerce/internal/store/memory"
	"storefront-commerce/internal/util"
	"storefront-commerce/internal/worker"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

const sweepBatchSize = 500

func main() {

	cfg := config.Load()

	if err := util.InitLogger(cfg.Server.Env, cfg.Server.LogLevel); err != nil {
		log.Fatalf("Failed to initialize logger: %v", err)
	}
	defer util.SyncLogger()

	logger := util.GetLogger()
	logger.Info("Starting storefront commerce service",
		zap.String("env", cfg.Server.Env),
		zap.String("port", cfg.Server.Port))

	tp, err := util.InitTracer("storefront-commerce", cfg.Observ.JaegerEndpoint)
	if err != nil {
		logger.Fatal("Failed to initialize tracer", zap.Error(err))
	}
	defer func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := tp.Shutdown(ctx); err != nil {
			logger.Error("Error shutting down tracer", zap.Error(err))
		}
	}()

	repo, err := openRepository(cfg.Database.URL)
	if err != nil {
		logger.Fatal("Failed to open store", zap.Error(err))
	}
	defer repo.Close()

	readiness := []api.Pinger{repo}

	var idempotency service.IdempotencyStore
	var locker worker.Locker
	if cfg.Redis.Addr != "" {
		redisClient, err := redisclient.NewClient(cfg.Redis.Addr, cfg.Redis.Password, cfg.Redis.DB)
		if err != nil {
			logger.Fatal("Failed to connect to Redis", zap.Error(err))
		}
		defer redisClient.Close()
		idempotency, locker = redisClient, redisClient
		readiness = append(readiness, redisClient)
		logger.Info("Redis connected", zap.String("addr", cfg.Redis.Addr))
	} else {
		logger.Warn("REDIS_ADDR not set, idempotency keys and sweep locks disabled")
	}

	var publisher service.EventPublisher = broker.NopPublisher{}
	if len(cfg.Kafka.Brokers) > 0 {
		producer := broker.NewProducer(cfg.Kafka.Brokers, cfg.Kafka.TopicOrder)
		defer producer.Close()
		publisher = broker.NewEventPublisher(producer)
		logger.Info("Kafka producer initialized", zap.Strings("brokers", cfg.Kafka.Brokers))
	} else {
		logger.Warn("KAFKA_BROKERS not set, domain events are dropped")
	}

	biz := cfg.Business
	carts := service.NewCartService(repo, service.NewCatalogClient(repo))
	customers := service.NewCustomerService(repo)
	discounts := service.NewDiscountService(repo)
	orders := service.NewOrderService(repo, repo, discounts,
		service.FlatRateTax{RateBasisPoints: biz.TaxRateBasisPoints},
		service.FlatShipping{Amount: biz.ShippingFlatAmount, FreeOver: biz.FreeShippingThreshold},
		publisher, biz.OrderNumberRetries)
	payments := service.NewPaymentService(biz.PaymentTimeout(), map[string]service.Processor{
		service.PaymentMethodCOD:  service.CODProcessor{},
		service.PaymentMethodCard: service.NewMockCardProcessor(biz.MockPaymentSuccessRate),
	})
	checkout := service.NewCheckoutOrchestrator(orders, repo, carts, discounts, customers, payments,
		publisher, idempotency, service.CheckoutConfig{
			IdempotencyTTL:  biz.IdempotencyTTL(),
			FinalizeRetries: biz.FinalizeRetries,
		})

	workerCtx, workerCancel := context.WithCancel(context.Background())
	defer workerCancel()
	var wg sync.WaitGroup

	var finalizeWorker *worker.FinalizeWorker
	if len(cfg.Kafka.Brokers) > 0 {
		consumer := broker.NewConsumer(cfg.Kafka.Brokers, cfg.Kafka.TopicOrder, cfg.Kafka.ConsumerGroup)
		finalizeWorker = worker.NewFinalizeWorker(consumer, checkout)
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := finalizeWorker.Start(workerCtx); err != nil && workerCtx.Err() == nil {
				logger.Error("Finalize worker error", zap.Error(err))
			}
		}()
	}

	sweepers := []*worker.Sweeper{
		worker.NewCartExpirySweeper(carts, biz.CartTTL(), biz.SweepInterval(), sweepBatchSize, locker),
		worker.NewPaymentReconciler(checkout, 3*biz.PaymentTimeout(), biz.SweepInterval(), sweepBatchSize, locker),
	}
	for _, s := range sweepers {
		wg.Add(1)
		go func(s *worker.Sweeper) {
			defer wg.Done()
			s.Start(workerCtx)
		}(s)
	}

	if cfg.Server.Env == "production" {
		gin.SetMode(gin.ReleaseMode)
	}

	router := gin.New()
	handler := api.NewHandler(carts, orders, checkout, customers, readiness...)
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
	if finalizeWorker != nil {
		if err := finalizeWorker.Stop(); err != nil {
			logger.Error("Error stopping finalize worker", zap.Error(err))
		}
	}
	wg.Wait()

	logger.Info("Server exited")
}

// openRepository returns the in-process store for "memory" and a migrated
// Postgres store otherwise
func openRepository(databaseURL string) (service.Repository, error) {
	if databaseURL == config.MemoryDatabaseURL {
		util.GetLogger().Warn("Using in-memory store, data is lost on exit")
		return memory.New(), nil
	}

	db, err := store.NewStore(databaseURL)
	if err != nil {
		return nil, err
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := db.Migrate(ctx); err != nil {
		db.Close()
		return nil, err
	}
	util.GetLogger().Info("Database connected")
	return db, nil
}
