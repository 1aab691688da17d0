package clients

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"

	"github.com/tm-acme-shop/acme-shop-fulfillment/internal/apperr"
	"github.com/tm-acme-shop/acme-shop-fulfillment/internal/config"
	"github.com/tm-acme-shop/acme-shop-fulfillment/internal/middleware"
	"github.com/tm-acme-shop/acme-shop-fulfillment/internal/models"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"go.uber.org/zap"
)

const catalogUnavailable = "Product service unavailable"

// CatalogClient resolves products in the inventory service's catalog.
type CatalogClient interface {
	GetProduct(ctx context.Context, productID int64) (*models.Product, error)
}

// HTTPCatalogClient implements CatalogClient using HTTP.
type HTTPCatalogClient struct {
	baseURL    string
	httpClient *http.Client
	logger     *zap.Logger
}

// NewHTTPCatalogClient creates a new HTTP-based catalog client.
func NewHTTPCatalogClient(cfg config.ServiceConfig, logger *zap.Logger) *HTTPCatalogClient {
	return &HTTPCatalogClient{
		baseURL: strings.TrimRight(cfg.BaseURL, "/"),
		httpClient: &http.Client{
			Timeout:   cfg.Timeout,
			Transport: otelhttp.NewTransport(http.DefaultTransport),
		},
		logger: logger.Named("catalog-client"),
	}
}

// GetProduct fetches a product. A missing product is apperr.ErrNotFound; a
// catalog that cannot answer is apperr.ErrUnavailable.
func (c *HTTPCatalogClient) GetProduct(ctx context.Context, productID int64) (*models.Product, error) {
	c.logger.Debug("Fetching product", zap.Int64("product_id", productID))

	url := fmt.Sprintf("%s/products/%d", c.baseURL, productID)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, err
	}

	c.setHeaders(ctx, req)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		c.logger.Error("Failed to fetch product",
			zap.Int64("product_id", productID),
			zap.Error(err))
		return nil, apperr.Unavailable(catalogUnavailable, err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusOK:
	case resp.StatusCode >= http.StatusInternalServerError:
		return nil, apperr.Unavailable(catalogUnavailable,
			fmt.Errorf("product service returned status %d", resp.StatusCode))
	default:
		return nil, apperr.NotFound("Product %d not found", productID)
	}

	var product models.Product
	if err := json.NewDecoder(resp.Body).Decode(&product); err != nil {
		return nil, apperr.Unavailable(catalogUnavailable, fmt.Errorf("decode product %d: %w", productID, err))
	}

	c.logger.Debug("Product fetched",
		zap.Int64("product_id", product.ID),
		zap.String("price", product.Price.String()))

	return &product, nil
}

func (c *HTTPCatalogClient) setHeaders(ctx context.Context, req *http.Request) {
	req.Header.Set("Accept", "application/json")

	if requestID := middleware.RequestIDFromContext(ctx); requestID != "" {
		req.Header.Set(middleware.HeaderRequestID, requestID)
	}
}
