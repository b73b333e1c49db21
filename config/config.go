package config

import (
	"fmt"
	"time"
)

const (
	BackendSQLite     = "sqlite"
	BackendPostgres   = "postgres"
	BackendClickHouse = "clickhouse"
)

type SensorHubConfig struct {
	MQTT    MQTT    `envconfig:"MQTT"`
	Storage Storage `envconfig:"STORAGE"`
	Ingest  Ingest  `envconfig:"INGEST"`
	Cache   Cache   `envconfig:"CACHE"`

	HTTPAddr string `envconfig:"HTTP_ADDR" default:":5000"`
	Debug    bool   `split_words:"true"`
}

type MQTT struct {
	BrokerURL            string        `split_words:"true" required:"true" default:"localhost"`
	BrokerPort           int           `split_words:"true" required:"true" default:"1883"`
	Username             string        `split_words:"true"`
	Password             string        `split_words:"true"`
	Keepalive            time.Duration `split_words:"true" default:"60s"`
	TLSEnabled           bool          `envconfig:"TLS_ENABLED"`
	ClientID             string        `envconfig:"CLIENT_ID"`
	Topics               []string      `split_words:"true" default:"blue/hmd,blue/tmp,yellow/hmd,yellow/tmp,black/hmd,black/tmp"`
	QOS                  byte          `envconfig:"QOS" default:"0"`
	OutboundTopic        string        `split_words:"true" default:"lounge/heatpump"`
	ConnectTimeout       time.Duration `split_words:"true" default:"10s"`
	MaxReconnectInterval time.Duration `split_words:"true" default:"2m"`
}

type Storage struct {
	Backend        string        `split_words:"true" required:"true" default:"sqlite"`
	SQLitePath     string        `envconfig:"SQLITE_PATH" default:"./data/database.db"`
	SQLitePoolSize int           `envconfig:"SQLITE_POOL_SIZE" default:"4"`
	PostgresURL    string        `split_words:"true"`
	Timeout        time.Duration `split_words:"true" default:"5s"`

	ClickHouseAddresses []string `split_words:"true" default:"localhost:9000"`
	ClickHouseDatabase  string   `split_words:"true" default:"sensorhub"`
	ClickHouseUsername  string   `split_words:"true" default:"default"`
	ClickHousePassword  string   `split_words:"true"`
}

type Ingest struct {
	Workers   int `split_words:"true" default:"4"`
	QueueSize int `split_words:"true" default:"64"`
}

type Cache struct {
	RedisAddr string        `split_words:"true"`
	RedisTTL  time.Duration `envconfig:"REDIS_TTL" default:"24h"`
}

// Validate reports settings envconfig accepts but the service cannot run with.
func (c *SensorHubConfig) Validate() error {
	switch c.Storage.Backend {
	case BackendSQLite:
		if c.Storage.SQLitePath == "" {
			return fmt.Errorf("sqlite backend requires a database path")
		}
	case BackendPostgres:
		if c.Storage.PostgresURL == "" {
			return fmt.Errorf("postgres backend requires a connection url")
		}
	case BackendClickHouse:
		if len(c.Storage.ClickHouseAddresses) == 0 {
			return fmt.Errorf("clickhouse backend requires at least one address")
		}
	default:
		return fmt.Errorf("unknown storage backend %q", c.Storage.Backend)
	}
	if len(c.MQTT.Topics) == 0 {
		return fmt.Errorf("at least one mqtt topic is required")
	}
	if c.MQTT.QOS > 2 {
		return fmt.Errorf("mqtt qos must be 0, 1 or 2, got %d", c.MQTT.QOS)
	}
	if c.Ingest.Workers < 1 {
		return fmt.Errorf("ingest workers must be positive, got %d", c.Ingest.Workers)
	}
	if c.Ingest.QueueSize < 0 {
		return fmt.Errorf("ingest queue size must not be negative, got %d", c.Ingest.QueueSize)
	}
	return nil
}
