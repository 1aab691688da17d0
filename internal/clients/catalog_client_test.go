package clients

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/tm-acme-shop/acme-shop-fulfillment/internal/apperr"
	"github.com/tm-acme-shop/acme-shop-fulfillment/internal/config"
	"github.com/tm-acme-shop/acme-shop-fulfillment/internal/middleware"
	"go.uber.org/zap"
)

func newTestClient(url string) *HTTPCatalogClient {
	return NewHTTPCatalogClient(config.ServiceConfig{BaseURL: url + "/", Timeout: time.Second}, zap.NewNop())
}

func TestHTTPCatalogClient_GetProduct(t *testing.T) {
	var gotPath, gotRequestID string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		gotRequestID = r.Header.Get(middleware.HeaderRequestID)
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"id":7,"name":"Mug","price":"50.00","quantity":5}`))
	}))
	defer srv.Close()

	ctx := middleware.ContextWithRequestID(context.Background(), "req-1")
	product, err := newTestClient(srv.URL).GetProduct(ctx, 7)
	if err != nil {
		t.Fatalf("GetProduct() error = %v", err)
	}

	if gotPath != "/products/7" {
		t.Errorf("Expected path /products/7, got %s", gotPath)
	}
	if gotRequestID != "req-1" {
		t.Errorf("Expected request id to be forwarded, got %q", gotRequestID)
	}
	if !product.Price.Equal(decimal.RequireFromString("50")) {
		t.Errorf("Expected price 50.00, got %s", product.Price)
	}
}

func TestHTTPCatalogClient_ErrorMapping(t *testing.T) {
	tests := []struct {
		name     string
		status   int
		sentinel error
		message  string
	}{
		{"not found", http.StatusNotFound, apperr.ErrNotFound, "Product 3 not found"},
		{"bad request", http.StatusBadRequest, apperr.ErrNotFound, "Product 3 not found"},
		{"server error", http.StatusInternalServerError, apperr.ErrUnavailable, "Product service unavailable"},
		{"bad gateway", http.StatusBadGateway, apperr.ErrUnavailable, "Product service unavailable"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tt.status)
			}))
			defer srv.Close()

			_, err := newTestClient(srv.URL).GetProduct(context.Background(), 3)
			if !errors.Is(err, tt.sentinel) {
				t.Fatalf("Expected %v, got %v", tt.sentinel, err)
			}
			if msg := apperr.Message(err, ""); msg != tt.message {
				t.Errorf("Message() = %q, want %q", msg, tt.message)
			}
		})
	}
}

func TestHTTPCatalogClient_Unreachable(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	url := srv.URL
	srv.Close()

	_, err := newTestClient(url).GetProduct(context.Background(), 1)
	if !errors.Is(err, apperr.ErrUnavailable) {
		t.Fatalf("Expected ErrUnavailable, got %v", err)
	}
}

func TestHTTPCatalogClient_InvalidBody(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"id":`))
	}))
	defer srv.Close()

	_, err := newTestClient(srv.URL).GetProduct(context.Background(), 1)
	if !errors.Is(err, apperr.ErrUnavailable) {
		t.Fatalf("Expected ErrUnavailable, got %v", err)
	}
}
