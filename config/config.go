package config

import (
	"github.com/caarlos0/env/v10"
	"github.com/go-playground/validator/v10"
	"github.com/pkg/errors"
)

// Config holds all configuration for the cart service.
type Config struct {
	Port     int    `env:"PORT" envDefault:"7070" validate:"min=1,max=65535"`
	LogLevel string `env:"LOG_LEVEL" envDefault:"info" validate:"oneof=debug info warn error"`

	// Artificial delay applied to every cart RPC, e.g. "200ms" or "2s".
	// Unparseable values mean no delay.
	ExtraLatency string `env:"EXTRA_LATENCY" envDefault:"0ms"`

	// Store selection: Redis wins over Mongo, neither means in-memory.
	RedisAddr           string `env:"REDIS_ADDR"`
	MongoURI            string `env:"MONGO_URI"`
	MongoDBName         string `env:"MONGO_DB_NAME" envDefault:"cartdb" validate:"required"`
	StoreBreakerEnabled bool   `env:"STORE_BREAKER_ENABLED" envDefault:"true"`

	// Telemetry
	OTLPEndpoint   string `env:"OTEL_EXPORTER_OTLP_ENDPOINT" envDefault:"localhost:4317"`
	TracesExporter string `env:"OTEL_TRACES_EXPORTER" envDefault:"otlp" validate:"oneof=otlp stdout"`
	EnableTracing  bool   `env:"ENABLE_TRACING" envDefault:"false"`
	EnableMetrics  bool   `env:"ENABLE_METRICS" envDefault:"false"`

	// Admin HTTP endpoint (metrics, health probes)
	EnableAdmin bool   `env:"ENABLE_ADMIN" envDefault:"true"`
	AdminAddr   string `env:"ADMIN_ADDR" envDefault:":9090" validate:"required_if=EnableAdmin true"`
}

var validate = validator.New(validator.WithRequiredStructEnabled())

// Load reads configuration from environment variables.
func Load() (*Config, error) {
	cfg := &Config{}
	if err := env.Parse(cfg); err != nil {
		return nil, errors.Wrap(err, "parse config")
	}
	if err := validate.Struct(cfg); err != nil {
		return nil, errors.Wrap(err, "invalid config")
	}
	return cfg, nil
}

// Default returns the configuration used when no environment is set.
func Default() *Config {
	return &Config{
		Port:                7070,
		LogLevel:            "info",
		ExtraLatency:        "0ms",
		MongoDBName:         "cartdb",
		StoreBreakerEnabled: true,
		OTLPEndpoint:        "localhost:4317",
		TracesExporter:      "otlp",
		EnableAdmin:         true,
		AdminAddr:           ":9090",
	}
}
