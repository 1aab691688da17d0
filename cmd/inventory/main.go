package main

import (
	"context"
	"errors"
	"net/http"
	"os/signal"
	"sync"
	"syscall"
	"time"

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

const serviceName = "product-service"

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

	products, closeStore, err := openProductStore(ctx, cfg, logger)
	if err != nil {
		logger.Fatal("Failed to open product store", zap.String("store", cfg.Inventory.Store), zap.Error(err))
	}
	defer closeStore()

	publisher := events.NewKafkaPublisher(cfg.Kafka, logger)
	defer publisher.Close()

	inventoryService := service.NewInventoryService(products, publisher, cfg.Broker.Exchange, logger)

	subscriber := events.NewKafkaSubscriber(cfg.Kafka, events.PolicyFromConfig(cfg.Broker), publisher, logger)
	subscription := events.Subscription{
		Exchange:    cfg.Broker.Exchange,
		Queue:       events.QueueProductService,
		RoutingKeys: []string{events.RoutingKeyOrderCreated},
	}

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		if err := subscriber.Subscribe(ctx, subscription, events.EventHandler(inventoryService.HandleEvent)); err != nil {
			logger.Error("Event consumer failed", zap.Error(err))
		}
	}()

	srv := server.New(cfg.Server, serviceName, handlers.NewProductHandlers(inventoryService, logger), logger)
	go func() {
		logger.Info("Server starting",
			zap.Int("port", cfg.Server.Port),
			zap.String("store", cfg.Inventory.Store),
			zap.String("delivery", cfg.Broker.Delivery))
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

// openProductStore returns the configured ProductRepository and a function
// releasing its connections.
func openProductStore(ctx context.Context, cfg *config.Config, logger *zap.Logger) (repository.ProductRepository, func(), error) {
	switch cfg.Inventory.Store {
	case config.StoreDynamoDB:
		client, err := repository.NewDynamoDBClient(ctx, cfg.DynamoDB)
		if err != nil {
			return nil, nil, err
		}
		return repository.NewDynamoProductRepository(client, cfg.DynamoDB, logger), func() {}, nil

	case config.StorePostgres, "":
		db, err := repository.OpenPostgres(ctx, cfg.Database, logger)
		if err != nil {
			return nil, nil, err
		}
		if err := repository.Migrate(ctx, db, repository.SchemaInventory); err != nil {
			db.Close()
			return nil, nil, err
		}
		return repository.NewPostgresProductRepository(db, logger), func() { db.Close() }, nil

	default:
		return nil, nil, errors.New("unknown inventory store " + cfg.Inventory.Store)
	}
}
