package main

import (
	"context"
	"errors"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/tm-acme-shop/acme-shop-fulfillment/internal/config"
	"github.com/tm-acme-shop/acme-shop-fulfillment/internal/gateway"
	"github.com/tm-acme-shop/acme-shop-fulfillment/internal/logging"
	"github.com/tm-acme-shop/acme-shop-fulfillment/internal/server"
	"github.com/tm-acme-shop/acme-shop-fulfillment/internal/tracing"
	"go.uber.org/zap"
)

const serviceName = "api-gateway"

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

	router, err := gateway.NewRouter(cfg.Gateway, logger)
	if err != nil {
		logger.Fatal("Invalid gateway configuration", zap.Error(err))
	}

	// The response must be writable after a full upstream budget.
	if cfg.Server.WriteTimeout <= cfg.Gateway.UpstreamTimeout {
		cfg.Server.WriteTimeout = cfg.Gateway.UpstreamTimeout + 5*time.Second
	}

	srv := server.New(cfg.Server, serviceName, gateway.NewHandlers(router, logger), logger)
	go func() {
		logger.Info("Server starting",
			zap.Int("port", cfg.Server.Port),
			zap.Strings("user_service", cfg.Gateway.UserServiceURLs),
			zap.Strings("product_service", cfg.Gateway.ProductServiceURLs),
			zap.Strings("order_service", cfg.Gateway.OrderServiceURLs))
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
	if err := shutdownTracing(shutdownCtx); err != nil {
		logger.Error("Failed to flush traces", zap.Error(err))
	}

	logger.Info("Server exited")
}
