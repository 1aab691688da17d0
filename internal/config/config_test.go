package config

import (
	"testing"
	"time"
)

func TestLoad_Defaults(t *testing.T) {
	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	if cfg.Broker.Exchange != "order_events" {
		t.Errorf("Expected exchange order_events, got %s", cfg.Broker.Exchange)
	}
	if cfg.Gateway.UpstreamTimeout != 30*time.Second {
		t.Errorf("Expected 30s upstream timeout, got %s", cfg.Gateway.UpstreamTimeout)
	}
	if !cfg.Broker.AtLeastOnce() {
		t.Error("Expected at-least-once delivery by default")
	}
	if cfg.Inventory.Store != StorePostgres {
		t.Errorf("Expected postgres store, got %s", cfg.Inventory.Store)
	}
}

func TestLoad_FromEnvironment(t *testing.T) {
	t.Setenv("SERVER_PORT", "8033")
	t.Setenv("DB_HOST", "orders-db")
	t.Setenv("PRODUCT_SERVICE_URL", "http://inventory:8032")
	t.Setenv("GATEWAY_ORDER_SERVICE_URLS", "http://o1:8033,http://o2:8033")
	t.Setenv("BROKER_DELIVERY", DeliveryAtMostOnce)
	t.Setenv("OUTBOX_POLL_INTERVAL", "250ms")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	if cfg.Server.Port != 8033 {
		t.Errorf("Expected port 8033, got %d", cfg.Server.Port)
	}
	if cfg.Database.Host != "orders-db" {
		t.Errorf("Expected DB host orders-db, got %s", cfg.Database.Host)
	}
	if cfg.ProductService.BaseURL != "http://inventory:8032" {
		t.Errorf("Unexpected product service URL %s", cfg.ProductService.BaseURL)
	}
	if len(cfg.Gateway.OrderServiceURLs) != 2 {
		t.Errorf("Expected 2 order upstreams, got %v", cfg.Gateway.OrderServiceURLs)
	}
	if cfg.Broker.AtLeastOnce() {
		t.Error("Expected at-most-once delivery")
	}
	if cfg.Outbox.PollInterval != 250*time.Millisecond {
		t.Errorf("Expected 250ms poll interval, got %s", cfg.Outbox.PollInterval)
	}
}

func TestDatabaseConfig_ConnectionString(t *testing.T) {
	d := DatabaseConfig{
		Host:     "db",
		Port:     5432,
		User:     "app",
		Password: "secret",
		Name:     "orders",
		SSLMode:  "disable",
	}

	want := "host=db port=5432 user=app password=secret dbname=orders sslmode=disable"
	if got := d.ConnectionString(); got != want {
		t.Errorf("ConnectionString() = %q, want %q", got, want)
	}
}
