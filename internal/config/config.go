package config

import (
	"strconv"
	"time"

	"github.com/joho/godotenv"
	"github.com/kelseyhightower/envconfig"
)

// Delivery policies for broker subscriptions.
const (
	DeliveryAtLeastOnce = "at-least-once"
	DeliveryAtMostOnce  = "at-most-once"
)

// Product store backends for the inventory service.
const (
	StorePostgres = "postgres"
	StoreDynamoDB = "dynamodb"
)

type Config struct {
	LogLevel       string          `envconfig:"LOG_LEVEL" default:"info"`
	Server         ServerConfig    `envconfig:"SERVER"`
	Database       DatabaseConfig  `envconfig:"DB"`
	Redis          RedisConfig     `envconfig:"REDIS"`
	Kafka          KafkaConfig     `envconfig:"KAFKA"`
	Broker         BrokerConfig    `envconfig:"BROKER"`
	Outbox         OutboxConfig    `envconfig:"OUTBOX"`
	ProductService ServiceConfig   `envconfig:"PRODUCT_SERVICE"`
	Gateway        GatewayConfig   `envconfig:"GATEWAY"`
	Inventory      InventoryConfig `envconfig:"INVENTORY"`
	DynamoDB       DynamoDBConfig  `envconfig:"DYNAMODB"`
	Tracing        TracingConfig   `envconfig:"OTEL"`
	Features       FeatureFlags    `envconfig:"FEATURE"`
}

type ServerConfig struct {
	Port         int           `default:"8000"`
	ReadTimeout  time.Duration `split_words:"true" default:"30s"`
	WriteTimeout time.Duration `split_words:"true" default:"30s"`
}

type DatabaseConfig struct {
	Host         string        `default:"localhost"`
	Port         int           `default:"5432"`
	User         string        `default:"app"`
	Password     string        `default:"app"`
	Name         string        `default:"app"`
	SSLMode      string        `default:"disable"`
	MaxOpenConns int           `split_words:"true" default:"25"`
	MaxIdleConns int           `split_words:"true" default:"5"`
	MaxLifetime  time.Duration `split_words:"true" default:"5m"`
}

func (d DatabaseConfig) ConnectionString() string {
	return "host=" + d.Host +
		" port=" + strconv.Itoa(d.Port) +
		" user=" + d.User +
		" password=" + d.Password +
		" dbname=" + d.Name +
		" sslmode=" + d.SSLMode
}

type RedisConfig struct {
	Host     string        `default:"localhost"`
	Port     int           `default:"6379"`
	Password string        `split_words:"true"`
	DB       int           `default:"0"`
	TTL      time.Duration `default:"5m"`
}

type KafkaConfig struct {
	Brokers      []string      `default:"localhost:9092"`
	WriteTimeout time.Duration `split_words:"true" default:"10s"`
}

// BrokerConfig describes the topic exchange and the delivery policy of subscriptions.
type BrokerConfig struct {
	Exchange     string        `default:"order_events"`
	Delivery     string        `default:"at-least-once"`
	MaxAttempts  int           `split_words:"true" default:"5"`
	RetryBackoff time.Duration `split_words:"true" default:"500ms"`
}

type OutboxConfig struct {
	PollInterval time.Duration `split_words:"true" default:"1s"`
	BatchSize    int           `split_words:"true" default:"50"`
}

type ServiceConfig struct {
	BaseURL string        `envconfig:"URL" default:"http://product-service:8032"`
	Timeout time.Duration `default:"10s"`
}

// GatewayConfig lists upstream instances per logical service.
type GatewayConfig struct {
	UserServiceURLs    []string      `envconfig:"USER_SERVICE_URLS" default:"http://user-service:8031"`
	ProductServiceURLs []string      `envconfig:"PRODUCT_SERVICE_URLS" default:"http://product-service:8032"`
	OrderServiceURLs   []string      `envconfig:"ORDER_SERVICE_URLS" default:"http://order-service:8033"`
	UpstreamTimeout    time.Duration `envconfig:"UPSTREAM_TIMEOUT" default:"30s"`
}

type InventoryConfig struct {
	Store string `default:"postgres"`
}

type DynamoDBConfig struct {
	Region            string `default:"us-east-1"`
	Endpoint          string `split_words:"true"`
	AccessKeyID       string `envconfig:"ACCESS_KEY_ID"`
	SecretAccessKey   string `envconfig:"SECRET_ACCESS_KEY"`
	ProductsTable     string `envconfig:"PRODUCTS_TABLE" default:"products"`
	ReservationsTable string `envconfig:"RESERVATIONS_TABLE" default:"reservations"`
	CountersTable     string `envconfig:"COUNTERS_TABLE" default:"counters"`
}

type TracingConfig struct {
	Endpoint string `envconfig:"EXPORTER_OTLP_ENDPOINT"`
	Insecure bool   `envconfig:"EXPORTER_OTLP_INSECURE" default:"true"`
}

type FeatureFlags struct {
	EnableOrderCaching bool `envconfig:"ENABLE_ORDER_CACHING" default:"true"`
}

// Load reads an optional .env file and then the process environment.
func Load() (*Config, error) {
	// A missing .env is the normal case outside local development.
	_ = godotenv.Load()

	var cfg Config
	if err := envconfig.Process("", &cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// AtLeastOnce reports whether subscriptions retry and dead-letter failed messages.
func (b BrokerConfig) AtLeastOnce() bool {
	return b.Delivery != DeliveryAtMostOnce
}
