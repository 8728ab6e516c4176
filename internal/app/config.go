package app

import (
	"os"
	"time"

	"github.com/cristalhq/aconfig"
	"github.com/cristalhq/aconfig/aconfigyaml"
	"github.com/go-faster/errors"
)

// Config holds the complete worker configuration, loadable from environment
// variables (SETTLE_ prefix), flags, or YAML config files.
type Config struct {
	HealthAddr  string `default:"0.0.0.0:8081" usage:"Health probe listen address" flag:"health-addr"`
	DatabaseURL string `usage:"PostgreSQL connection URL (SETTLE_DATABASE_URL or DATABASE_URL)" flag:"database-url"`
	Bus         BusConfig
	Graceful    GracefulConfig
}

// BusConfig selects and tunes the event bus adapter.
type BusConfig struct {
	Driver      string        `default:"memory" usage:"Event bus driver: memory or kafka"`
	Brokers     string        `default:"localhost:9092" usage:"Kafka broker list, comma separated"`
	Group       string        `default:"settlement" usage:"Kafka consumer group prefix"`
	RetryDelay  time.Duration `default:"250ms" usage:"Redelivery delay for failed handlers" flag:"retry-delay"`
	MaxAttempts int           `default:"5" usage:"Delivery attempt cap before an event is dropped" flag:"max-attempts"`
}

// GracefulConfig controls graceful shutdown timing.
type GracefulConfig struct {
	ReadinessDelay  time.Duration `default:"3s"  usage:"Delay after readiness=false before shutdown" flag:"readiness-delay"`
	ShutdownTimeout time.Duration `default:"15s" usage:"Maximum shutdown duration" flag:"shutdown-timeout"`
}

// Bus driver names accepted by BusConfig.Driver.
const (
	BusDriverMemory = "memory"
	BusDriverKafka  = "kafka"
)

// LoadConfig loads configuration from environment variables, YAML config
// files, and applies platform-provided defaults.
func LoadConfig() (*Config, error) {
	var cfg Config
	loader := aconfig.LoaderFor(&cfg, aconfig.Config{
		EnvPrefix: "SETTLE",
		Files:     []string{"config.yaml", "/etc/settle/config.yaml"},
		FileDecoders: map[string]aconfig.FileDecoder{
			".yaml": aconfigyaml.New(),
		},
	})
	if err := loader.Load(); err != nil {
		return nil, errors.Wrap(err, "load config")
	}
	cfg.applyPlatformDefaults()

	if cfg.DatabaseURL == "" {
		return nil, errors.New("database URL is required: set SETTLE_DATABASE_URL or DATABASE_URL")
	}
	if cfg.Bus.Driver != BusDriverMemory && cfg.Bus.Driver != BusDriverKafka {
		return nil, errors.Errorf("unknown bus driver %q", cfg.Bus.Driver)
	}

	return &cfg, nil
}

// applyPlatformDefaults maps standard platform environment variables like
// DATABASE_URL to the SETTLE_-prefixed configuration.
func (c *Config) applyPlatformDefaults() {
	if c.DatabaseURL == "" {
		if v := os.Getenv("DATABASE_URL"); v != "" {
			c.DatabaseURL = v
		}
	}
	if v := os.Getenv("KAFKA_BROKERS"); v != "" && c.Bus.Brokers == "localhost:9092" {
		c.Bus.Brokers = v
	}
}
