package main

import (
	"context"
	"errors"
	"net/http"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/tm-acme-shop/acme-shop-fulfillment/internal/clients"
	"github.com/tm-acme-shop/acme-shop-fulfillment/internal/config"
	"github.com/tm-acme-shop/acme-shop-fulfillment/internal/events"
	"github.com/tm-acme-shop/acme-shop-fulfillment/internal/handlers"
	"github.com/tm-acme-shop/acme-shop-fulfillment/internal/logging"
	"github.com/tm-acme-shop/acme-shop-fulfillment/internal/repository"
	"github.com/tm-acme-shop/acme-shop-fulfillment/internal/server"
	"github.com/tm-acme-shop/acme-shop-fulfillment/internal/service"
	"github.com/tm-acme-shop/acme-shop-fulfillment/internal/tracing"
	"go.uber.org/zap"
)

const serviceName = "order-service"

func main() {
	cfg, err := config.Load()
	if err != nil {
		zap.NewExample().Fatal("Failed to load config", zap.Error(err))
	}

	logger := logging.New(serviceName, cfg.LogLevel)
	defer logger.Sync()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	shutdownTracing, err := tracing.Setup(ctx, cfg.Tracing, serviceName)
	if err != nil {
		logger.Fatal("Failed to set up tracing", zap.Error(err))
	}

	db, err := repository.OpenPostgres(ctx, cfg.Database, logger)
	if err != nil {
		logger.Fatal("Failed to connect to database", zap.Error(err))
	}
	defer db.Close()

	if err := repository.Migrate(ctx, db, repository.SchemaOrders); err != nil {
		logger.Fatal("Failed to migrate database", zap.Error(err))
	}

	orderRepo := repository.NewPostgresOrderRepository(db, logger)

	var orderCache repository.OrderCache
	if cfg.Features.EnableOrderCaching {
		redisClient := repository.NewRedisClient(cfg.Redis)
		defer redisClient.Close()
		orderCache = repository.NewRedisOrderCache(redisClient, cfg.Redis.TTL, logger)
	}

	publisher := events.NewKafkaPublisher(cfg.Kafka, logger)
	defer publisher.Close()

	dispatcher := events.NewDispatcher(orderRepo, publisher, cfg.Outbox, logger)
	catalog := clients.NewHTTPCatalogClient(cfg.ProductService, logger)

	orderService := service.NewOrderService(orderRepo, orderCache, catalog, dispatcher, cfg, logger)

	subscriber := events.NewKafkaSubscriber(cfg.Kafka, events.PolicyFromConfig(cfg.Broker), publisher, logger)
	subscription := events.Subscription{
		Exchange:    cfg.Broker.Exchange,
		Queue:       events.QueueOrderService,
		RoutingKeys: []string{"inventory.*"},
	}

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		if err := dispatcher.Run(ctx); err != nil {
			logger.Error("Outbox dispatcher failed", zap.Error(err))
		}
	}()
	go func() {
		defer wg.Done()
		if err := subscriber.Subscribe(ctx, subscription, events.EventHandler(orderService.HandleOutcome)); err != nil {
			logger.Error("Event consumer failed", zap.Error(err))
		}
	}()

	srv := server.New(cfg.Server, serviceName, handlers.NewOrderHandlers(orderService, logger), logger)
	go func() {
		logger.Info("Server starting",
			zap.Int("port", cfg.Server.Port),
			zap.String("delivery", cfg.Broker.Delivery),
			zap.Bool("enable_order_caching", cfg.Features.EnableOrderCaching))
		if err := srv.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("Server failed to start", zap.Error(err))
			stop()
		}
	}()

	<-ctx.Done()
	logger.Info("Shutting down server...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("Server forced to shutdown", zap.Error(err))
	}
	wg.Wait()

	if err := shutdownTracing(shutdownCtx); err != nil {
		logger.Error("Failed to flush traces", zap.Error(err))
	}

	logger.Info("Server exited")
}
