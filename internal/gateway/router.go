// Package gateway forwards client requests to the service that owns them,
// spreading load over each service's instances.
package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/tm-acme-shop/acme-shop-fulfillment/internal/config"
	"github.com/tm-acme-shop/acme-shop-fulfillment/internal/metrics"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"go.uber.org/zap"
)

type ServiceType string

const (
	ServiceUser    ServiceType = "user"
	ServiceProduct ServiceType = "product"
	ServiceOrder   ServiceType = "order"
)

var (
	// ErrServiceUnavailable means no connection to the upstream could be made.
	ErrServiceUnavailable = errors.New("service unavailable")

	// ErrServiceTimeout means the upstream did not answer within the budget.
	ErrServiceTimeout = errors.New("service timeout")

	// ErrUnknownService is a routing configuration error.
	ErrUnknownService = errors.New("unknown service type")
)

// hopHeaders apply to a single connection and are never forwarded.
var hopHeaders = []string{
	"Connection",
	"Keep-Alive",
	"Proxy-Authenticate",
	"Proxy-Authorization",
	"Proxy-Connection",
	"Te",
	"Trailer",
	"Transfer-Encoding",
	"Upgrade",
}

// Request is the part of an inbound call forwarded upstream. RawQuery is
// passed through unchanged, without the leading '?'.
type Request struct {
	Method   string
	Path     string
	Header   http.Header
	RawQuery string
	Body     []byte
}

type Response struct {
	StatusCode int
	Header     http.Header
	Body       []byte
}

// Router forwards requests to a round-robin selected instance of a service.
type Router struct {
	pools  map[ServiceType]*Pool
	client *http.Client
	logger *zap.Logger
}

// NewRouter builds a router from the configured instance lists.
func NewRouter(cfg config.GatewayConfig, logger *zap.Logger) (*Router, error) {
	lists := map[ServiceType][]string{
		ServiceUser:    cfg.UserServiceURLs,
		ServiceProduct: cfg.ProductServiceURLs,
		ServiceOrder:   cfg.OrderServiceURLs,
	}

	pools := make(map[ServiceType]*Pool, len(lists))
	for svc, instances := range lists {
		pool, err := NewPool(instances)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", svc, err)
		}
		pools[svc] = pool
	}

	return newRouter(pools, newUpstreamClient(cfg.UpstreamTimeout), logger), nil
}

func newRouter(pools map[ServiceType]*Pool, client *http.Client, logger *zap.Logger) *Router {
	return &Router{
		pools:  pools,
		client: client,
		logger: logger.Named("gateway-router"),
	}
}

func newUpstreamClient(timeout time.Duration) *http.Client {
	return &http.Client{
		Timeout:   timeout,
		Transport: otelhttp.NewTransport(http.DefaultTransport),
		// Redirects are the client's business.
		CheckRedirect: func(*http.Request, []*http.Request) error {
			return http.ErrUseLastResponse
		},
	}
}

// Services lists the service types the router knows.
func (r *Router) Services() []ServiceType {
	return []ServiceType{ServiceUser, ServiceProduct, ServiceOrder}
}

// Route forwards req to the next instance of svc and returns the upstream
// answer unchanged. Failures are ErrServiceUnavailable, ErrServiceTimeout or
// any other error for everything else.
func (r *Router) Route(ctx context.Context, svc ServiceType, req Request) (*Response, error) {
	pool, ok := r.pools[svc]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownService, svc)
	}

	instance := pool.Next()
	start := time.Now()

	resp, err := r.forward(ctx, instance, req)
	metrics.GatewayLatency.WithLabelValues(string(svc)).Observe(time.Since(start).Seconds())
	if err != nil {
		r.logger.Error("Failed to forward request",
			zap.String("service", string(svc)),
			zap.String("upstream", instance),
			zap.String("method", req.Method),
			zap.String("path", req.Path),
			zap.Error(err))
		metrics.GatewayRequests.WithLabelValues(string(svc), instance, "error").Inc()
		return nil, err
	}

	metrics.GatewayRequests.WithLabelValues(string(svc), instance, strconv.Itoa(resp.StatusCode)).Inc()
	return resp, nil
}

func (r *Router) forward(ctx context.Context, instance string, req Request) (*Response, error) {
	target, err := url.Parse(instance + req.Path)
	if err != nil {
		return nil, err
	}
	target.RawQuery = req.RawQuery

	var body io.Reader
	if len(req.Body) > 0 {
		body = bytes.NewReader(req.Body)
	}

	out, err := http.NewRequestWithContext(ctx, req.Method, target.String(), body)
	if err != nil {
		return nil, err
	}
	out.Header = forwardHeaders(req.Header)

	resp, err := r.client.Do(out)
	if err != nil {
		return nil, classify(err)
	}
	defer resp.Body.Close()

	payload, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, classify(err)
	}

	if isJSON(resp.Header.Get("Content-Type")) && len(payload) > 0 && !json.Valid(payload) {
		return nil, fmt.Errorf("upstream declared JSON but sent %d invalid bytes", len(payload))
	}

	header := forwardHeaders(resp.Header)
	header.Del("Content-Length")

	return &Response{StatusCode: resp.StatusCode, Header: header, Body: payload}, nil
}

// forwardHeaders copies h without Host and hop-by-hop headers.
func forwardHeaders(h http.Header) http.Header {
	out := h.Clone()
	if out == nil {
		out = http.Header{}
	}
	out.Del("Host")
	for _, name := range hopHeaders {
		out.Del(name)
	}
	return out
}

func classify(err error) error {
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return fmt.Errorf("%w: %v", ErrServiceTimeout, err)
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return fmt.Errorf("%w: %v", ErrServiceTimeout, err)
	}

	var opErr *net.OpError
	if errors.As(err, &opErr) && opErr.Op == "dial" {
		return fmt.Errorf("%w: %v", ErrServiceUnavailable, err)
	}
	return err
}

func isJSON(contentType string) bool {
	mediaType, _, err := mime.ParseMediaType(contentType)
	if err != nil {
		return false
	}
	return mediaType == "application/json" || strings.HasSuffix(mediaType, "+json")
}
