package app

import (
	"os"
	"time"

	"github.com/cristalhq/aconfig"
	"github.com/cristalhq/aconfig/aconfigyaml"
	"github.com/go-faster/errors"

	"github.com/xenking/order-lifecycle/internal/client"
	"github.com/xenking/order-lifecycle/internal/domain/delivery"
	"github.com/xenking/order-lifecycle/internal/domain/notify"
	"github.com/xenking/order-lifecycle/internal/domain/payment"
)

const defaultAddr = "0.0.0.0:8080"

// Config holds the complete configuration of the API server and the
// dispatch worker, loadable from environment variables (ORDERS_ prefix),
// flags, or YAML config files.
type Config struct {
	Addr        string `default:"0.0.0.0:8080" usage:"API server listen address"`
	DatabaseURL string `usage:"PostgreSQL connection URL (ORDERS_DATABASE_URL or DATABASE_URL)" flag:"database-url"`
	RedisURL    string `usage:"Redis URL for the campaign cache and saved carts; empty disables both" flag:"redis-url"`

	Auth       AuthConfig
	Gateway    payment.Config
	Signer     client.Config
	Shipping   client.Config
	Notify     client.Config
	Inventory  client.Config
	Delivery   DeliveryConfig
	Dispatcher DispatcherConfig
	Cache      CacheConfig
	RateLimit  RateLimitConfig
	CORS       CORSConfig
	Graceful   GracefulConfig
}

// AuthConfig holds the credentials used to verify callers.
type AuthConfig struct {
	TokenSecret  string `usage:"HS256 secret for customer bearer tokens" flag:"token-secret"`
	APIKeyPepper string `usage:"HMAC pepper for API key hashing" flag:"api-key-pepper"`
}

// DeliveryConfig tunes the delivery attempt tracker.
type DeliveryConfig struct {
	FailureThreshold int `default:"3" usage:"Consecutive failed attempts before an order returns to provider"`
}

// DispatcherConfig controls the outbox worker.
type DispatcherConfig struct {
	InProcess  bool   `default:"false" usage:"Run the outbox worker inside the API server" flag:"dispatch-in-process"`
	HealthAddr string `default:"0.0.0.0:8081" usage:"Probe listen address of the standalone worker"`
	MaxBacklog int64  `default:"1000" usage:"Outbox backlog above which readiness fails"`
	Worker     notify.WorkerConfig
}

// CacheConfig sets Redis entry lifetimes.
type CacheConfig struct {
	CampaignTTL time.Duration `default:"30s" usage:"Active campaign list lifetime"`
	CartTTL     time.Duration `default:"720h" usage:"Saved cart lifetime"`
}

// RateLimitConfig controls the per-client sliding window rate limiter.
type RateLimitConfig struct {
	Max    int           `default:"100" usage:"Max requests per window"`
	Window time.Duration `default:"1m"  usage:"Rate limit window duration"`
}

// CORSConfig controls Cross-Origin Resource Sharing headers.
type CORSConfig struct {
	Origins          []string `default:"*" usage:"Allowed CORS origins"`
	AllowCredentials bool     `default:"false" usage:"Allow credentials (cookies, auth headers)" flag:"cors-credentials"`
}

// GracefulConfig controls graceful shutdown timing.
type GracefulConfig struct {
	ReadinessDelay  time.Duration `default:"3s"  usage:"Delay after readiness=false before shutdown" flag:"readiness-delay"`
	ShutdownTimeout time.Duration `default:"15s" usage:"Maximum shutdown duration" flag:"shutdown-timeout"`
}

// LoadConfig loads configuration from environment variables, YAML config
// files and platform-provided variables.
func LoadConfig() (*Config, error) {
	var cfg Config
	loader := aconfig.LoaderFor(&cfg, aconfig.Config{
		EnvPrefix: "ORDERS",
		Files:     []string{"config.yaml", "/etc/orders/config.yaml"},
		FileDecoders: map[string]aconfig.FileDecoder{
			".yaml": aconfigyaml.New(),
		},
	})
	if err := loader.Load(); err != nil {
		return nil, errors.Wrap(err, "load config")
	}
	cfg.applyPlatformDefaults()

	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) validate() error {
	if c.DatabaseURL == "" {
		return errors.New("database URL is required: set ORDERS_DATABASE_URL or DATABASE_URL")
	}
	if c.Delivery.FailureThreshold <= 0 {
		c.Delivery.FailureThreshold = delivery.DefaultFailureThreshold
	}
	return nil
}

// applyPlatformDefaults maps DATABASE_URL, REDIS_URL and PORT, as set by
// hosting platforms, onto the ORDERS_ configuration.
func (c *Config) applyPlatformDefaults() {
	if c.DatabaseURL == "" {
		c.DatabaseURL = os.Getenv("DATABASE_URL")
	}
	if c.RedisURL == "" {
		c.RedisURL = os.Getenv("REDIS_URL")
	}
	if port := os.Getenv("PORT"); port != "" && c.Addr == defaultAddr {
		c.Addr = "0.0.0.0:" + port
	}
}
