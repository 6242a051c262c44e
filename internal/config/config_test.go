package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "fleet.yaml")
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load("")
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.HTTP.Addr != ":8080" {
		t.Fatalf("addr = %q", cfg.HTTP.Addr)
	}
	if cfg.Storage.Driver != "memory" || cfg.Broker.Driver != "memory" {
		t.Fatalf("drivers = %q/%q", cfg.Storage.Driver, cfg.Broker.Driver)
	}
}

func TestLoadYAMLFile(t *testing.T) {
	path := writeConfig(t, `
logging:
  level: debug
  format: json
http:
  addr: ":9090"
  jwt_secret: hush
storage:
  driver: postgres
  postgres_dsn: postgres://fleet@localhost/fleet?sslmode=disable
broker:
  driver: mqtt
  mqtt:
    broker_url: tcp://localhost:1883
topic_prefix: staging
aggregator:
  dedup_window: 1h
  thresholds:
    heartbeat_grace: 90s
    tank_low_percent: 25
pool:
  workers: 8
`)
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.HTTP.Addr != ":9090" || cfg.HTTP.JWTSecret != "hush" {
		t.Fatalf("http = %+v", cfg.HTTP)
	}
	if cfg.Logging.Level != "debug" || cfg.Logging.Format != "json" {
		t.Fatalf("logging = %+v", cfg.Logging)
	}
	if cfg.Storage.Driver != "postgres" {
		t.Fatalf("storage = %+v", cfg.Storage)
	}
	if cfg.Broker.MQTT.BrokerURL != "tcp://localhost:1883" {
		t.Fatalf("mqtt = %+v", cfg.Broker.MQTT)
	}
	if cfg.TopicPrefix != "staging" {
		t.Fatalf("topic prefix = %q", cfg.TopicPrefix)
	}
	if cfg.Aggregator.DedupWindow != time.Hour {
		t.Fatalf("dedup window = %v", cfg.Aggregator.DedupWindow)
	}
	if cfg.Aggregator.Thresholds.HeartbeatGrace != 90*time.Second {
		t.Fatalf("grace = %v", cfg.Aggregator.Thresholds.HeartbeatGrace)
	}
	if cfg.Aggregator.Thresholds.TankLowPercent != 25 {
		t.Fatalf("tank low = %v", cfg.Aggregator.Thresholds.TankLowPercent)
	}
	if cfg.Pool.Workers != 8 {
		t.Fatalf("workers = %d", cfg.Pool.Workers)
	}
}

func TestEnvOverridesFile(t *testing.T) {
	path := writeConfig(t, `
http:
  addr: ":9090"
`)
	t.Setenv("FLEET_HTTP_ADDR", ":7070")
	t.Setenv("FLEET_STORAGE_DRIVER", "postgres")
	t.Setenv("FLEET_POSTGRES_DSN", "postgres://fleet@db/fleet")
	t.Setenv("FLEET_ROCKETMQ_NAMESERVERS", "mq-1:9876,mq-2:9876")
	t.Setenv("FLEET_BROKER_DRIVER", "rocketmq")

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.HTTP.Addr != ":7070" {
		t.Fatalf("addr = %q", cfg.HTTP.Addr)
	}
	if cfg.Storage.Driver != "postgres" || cfg.Storage.PostgresDSN != "postgres://fleet@db/fleet" {
		t.Fatalf("storage = %+v", cfg.Storage)
	}
	if len(cfg.Broker.RocketMQ.NameServers) != 2 || cfg.Broker.RocketMQ.NameServers[0] != "mq-1:9876" {
		t.Fatalf("name servers = %v", cfg.Broker.RocketMQ.NameServers)
	}
}

func TestValidateRejectsIncompleteDrivers(t *testing.T) {
	cases := map[string]Config{
		"postgres without dsn": func() Config {
			c := Default()
			c.Storage.Driver = "postgres"
			return c
		}(),
		"unknown storage": func() Config {
			c := Default()
			c.Storage.Driver = "sqlite"
			return c
		}(),
		"rocketmq without nameservers": func() Config {
			c := Default()
			c.Broker.Driver = "rocketmq"
			return c
		}(),
		"mqtt without url": func() Config {
			c := Default()
			c.Broker.Driver = "mqtt"
			return c
		}(),
		"unknown broker": func() Config {
			c := Default()
			c.Broker.Driver = "kafka"
			return c
		}(),
	}
	for name, cfg := range cases {
		if err := cfg.Validate(); err == nil {
			t.Errorf("%s: validation passed", name)
		}
	}
}

func TestLoadMissingFileFails(t *testing.T) {
	if _, err := Load(filepath.Join(t.TempDir(), "absent.yaml")); err == nil {
		t.Fatal("expected error for missing explicit config path")
	}
}
