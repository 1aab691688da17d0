package gateway

import (
	"errors"
	"io"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/tm-acme-shop/acme-shop-fulfillment/internal/metrics"
	"go.uber.org/zap"
)

var proxiedMethods = []string{http.MethodGet, http.MethodPost, http.MethodPut, http.MethodDelete}

// Handlers exposes the router over HTTP.
type Handlers struct {
	router *Router
	logger *zap.Logger
}

func NewHandlers(router *Router, logger *zap.Logger) *Handlers {
	return &Handlers{router: router, logger: logger.Named("gateway-handlers")}
}

// Register mounts the gateway routes on r.
func (h *Handlers) Register(r gin.IRouter) {
	r.GET("/", h.Root)
	r.GET("/health", h.Health)
	r.GET("/metrics", metrics.Handler())

	prefixes := map[string]ServiceType{
		"/users":    ServiceUser,
		"/products": ServiceProduct,
		"/orders":   ServiceOrder,
	}
	for prefix, svc := range prefixes {
		for _, method := range proxiedMethods {
			r.Handle(method, prefix, h.Proxy(svc))
			r.Handle(method, prefix+"/*path", h.Proxy(svc))
		}
	}
}

// Root handles GET /
func (h *Handlers) Root(c *gin.Context) {
	services := h.router.Services()
	names := make([]string, 0, len(services))
	for _, svc := range services {
		names = append(names, string(svc))
	}
	c.JSON(http.StatusOK, gin.H{
		"message":  "API Gateway is running",
		"services": names,
	})
}

// Health handles GET /health
func (h *Handlers) Health(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status":  "ok",
		"service": "api-gateway",
	})
}

// Proxy forwards the request to svc and writes the upstream answer back.
func (h *Handlers) Proxy(svc ServiceType) gin.HandlerFunc {
	return func(c *gin.Context) {
		body, err := io.ReadAll(c.Request.Body)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"detail": "invalid request body"})
			return
		}

		resp, err := h.router.Route(c.Request.Context(), svc, Request{
			Method:   c.Request.Method,
			Path:     c.Request.URL.Path,
			Header:   c.Request.Header,
			RawQuery: c.Request.URL.RawQuery,
			Body:     body,
		})
		if err != nil {
			writeRouteError(c, err)
			return
		}

		for name, values := range resp.Header {
			for _, v := range values {
				c.Writer.Header().Add(name, v)
			}
		}
		c.Status(resp.StatusCode)
		c.Writer.Write(resp.Body)
	}
}

func writeRouteError(c *gin.Context, err error) {
	switch {
	case errors.Is(err, ErrServiceUnavailable):
		c.JSON(http.StatusServiceUnavailable, gin.H{"detail": "Service unavailable"})
	case errors.Is(err, ErrServiceTimeout):
		c.JSON(http.StatusGatewayTimeout, gin.H{"detail": "Service timeout"})
	default:
		c.JSON(http.StatusInternalServerError, gin.H{"detail": "Internal server error"})
	}
}
