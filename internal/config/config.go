// Package config loads the fleet configuration from a YAML file with
// environment overrides. A .env file in the working directory is loaded
// first so local development and containers share the same knobs.
package config

import (
	"fmt"
	"os"
	"strings"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"github.com/posedge/fleet/internal/aggregator"
	"github.com/posedge/fleet/internal/broker"
	"github.com/posedge/fleet/internal/edge"
	"github.com/posedge/fleet/pkg/logger"
)

// HTTPConfig tunes the command-center API server.
type HTTPConfig struct {
	// Addr is the listen address, ":8080" by default.
	Addr string `yaml:"addr"`
	// JWTSecret enables bearer auth on mutating routes. Empty disables.
	JWTSecret string `yaml:"jwt_secret"`
}

// StorageConfig selects the persistence backend.
type StorageConfig struct {
	// Driver is "memory" or "postgres".
	Driver string `yaml:"driver"`
	// PostgresDSN is required when Driver is "postgres".
	PostgresDSN string `yaml:"postgres_dsn"`
}

// RedisConfig enables the shared dedup window. An empty address keeps
// dedup in process memory.
type RedisConfig struct {
	Addr     string `yaml:"addr"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
}

// BrokerConfig selects the event transport.
type BrokerConfig struct {
	// Driver is "rocketmq", "mqtt" or "memory".
	Driver   string                `yaml:"driver"`
	RocketMQ broker.RocketMQConfig `yaml:"rocketmq"`
	MQTT     broker.MQTTConfig     `yaml:"mqtt"`
}

// Config is the root configuration for both binaries. Each binary reads
// the sections it needs.
type Config struct {
	Logging     logger.LoggingConfig   `yaml:"logging"`
	HTTP        HTTPConfig             `yaml:"http"`
	Storage     StorageConfig          `yaml:"storage"`
	Redis       RedisConfig            `yaml:"redis"`
	Broker      BrokerConfig           `yaml:"broker"`
	TopicPrefix string                 `yaml:"topic_prefix"`
	Aggregator  aggregator.Config      `yaml:"aggregator"`
	Pool        aggregator.PoolConfig  `yaml:"pool"`
	Sweep       aggregator.SweepConfig `yaml:"sweep"`
	Edge        edge.AgentConfig       `yaml:"edge"`
}

// Default returns a runnable single-node configuration.
func Default() Config {
	return Config{
		HTTP:    HTTPConfig{Addr: ":8080"},
		Storage: StorageConfig{Driver: "memory"},
		Broker:  BrokerConfig{Driver: "memory"},
	}
}

// Load reads the YAML file at path (optional), layers environment
// overrides on top and validates the result.
func Load(path string) (Config, error) {
	// Missing .env files are fine; only malformed ones matter and those
	// surface when the variables they set are read.
	_ = godotenv.Load()

	cfg := Default()
	if path != "" {
		raw, err := os.ReadFile(path)
		if err != nil {
			return Config{}, fmt.Errorf("read config %s: %w", path, err)
		}
		if err := yaml.Unmarshal(raw, &cfg); err != nil {
			return Config{}, fmt.Errorf("parse config %s: %w", path, err)
		}
	}
	cfg.applyEnv()
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// applyEnv layers FLEET_* environment variables over the file values.
func (c *Config) applyEnv() {
	setString(&c.Logging.Level, "FLEET_LOG_LEVEL")
	setString(&c.Logging.Format, "FLEET_LOG_FORMAT")
	setString(&c.HTTP.Addr, "FLEET_HTTP_ADDR")
	setString(&c.HTTP.JWTSecret, "FLEET_JWT_SECRET")
	setString(&c.Storage.Driver, "FLEET_STORAGE_DRIVER")
	setString(&c.Storage.PostgresDSN, "FLEET_POSTGRES_DSN")
	setString(&c.Redis.Addr, "FLEET_REDIS_ADDR")
	setString(&c.Redis.Password, "FLEET_REDIS_PASSWORD")
	setString(&c.Broker.Driver, "FLEET_BROKER_DRIVER")
	setString(&c.Broker.MQTT.BrokerURL, "FLEET_MQTT_URL")
	setString(&c.TopicPrefix, "FLEET_TOPIC_PREFIX")
	setString(&c.Edge.OutboxDir, "FLEET_OUTBOX_DIR")
	setString(&c.Edge.Location.ID, "FLEET_LOCATION_ID")

	if v := os.Getenv("FLEET_ROCKETMQ_NAMESERVERS"); v != "" {
		c.Broker.RocketMQ.NameServers = strings.Split(v, ",")
	}
}

func setString(dst *string, key string) {
	if v := os.Getenv(key); v != "" {
		*dst = v
	}
}

// Validate checks cross-field requirements.
func (c *Config) Validate() error {
	switch c.Storage.Driver {
	case "", "memory":
	case "postgres":
		if c.Storage.PostgresDSN == "" {
			return fmt.Errorf("storage driver postgres requires postgres_dsn")
		}
	default:
		return fmt.Errorf("unknown storage driver %q", c.Storage.Driver)
	}

	switch c.Broker.Driver {
	case "", "memory":
	case "rocketmq":
		if len(c.Broker.RocketMQ.NameServers) == 0 {
			return fmt.Errorf("broker driver rocketmq requires name_servers")
		}
	case "mqtt":
		if c.Broker.MQTT.BrokerURL == "" {
			return fmt.Errorf("broker driver mqtt requires broker_url")
		}
	default:
		return fmt.Errorf("unknown broker driver %q", c.Broker.Driver)
	}
	return nil
}
