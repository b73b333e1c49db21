package config

import (
	"testing"
	"time"

	"github.com/kelseyhightower/envconfig"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func process(t *testing.T) SensorHubConfig {
	t.Helper()
	var conf SensorHubConfig
	require.NoError(t, envconfig.Process("SENSORHUB", &conf))
	return conf
}

func TestDefaults(t *testing.T) {
	conf := process(t)

	assert.Equal(t, ":5000", conf.HTTPAddr)
	assert.Equal(t, "localhost", conf.MQTT.BrokerURL)
	assert.Equal(t, 1883, conf.MQTT.BrokerPort)
	assert.Equal(t, 60*time.Second, conf.MQTT.Keepalive)
	assert.Equal(t, []string{"blue/hmd", "blue/tmp", "yellow/hmd", "yellow/tmp", "black/hmd", "black/tmp"}, conf.MQTT.Topics)
	assert.Equal(t, "lounge/heatpump", conf.MQTT.OutboundTopic)
	assert.Equal(t, BackendSQLite, conf.Storage.Backend)
	assert.Equal(t, "./data/database.db", conf.Storage.SQLitePath)
	assert.Equal(t, 4, conf.Ingest.Workers)
	assert.Empty(t, conf.Cache.RedisAddr)
	assert.NoError(t, conf.Validate())
}

func TestNestedKeys(t *testing.T) {
	t.Setenv("SENSORHUB_MQTT_BROKER_URL", "broker.lan")
	t.Setenv("SENSORHUB_MQTT_TOPICS", "garage/tmp")
	t.Setenv("SENSORHUB_MQTT_QOS", "1")
	t.Setenv("SENSORHUB_MQTT_TLS_ENABLED", "true")
	t.Setenv("SENSORHUB_STORAGE_BACKEND", "postgres")
	t.Setenv("SENSORHUB_STORAGE_POSTGRES_URL", "postgres://localhost/sensors")
	t.Setenv("SENSORHUB_INGEST_WORKERS", "8")
	t.Setenv("SENSORHUB_CACHE_REDIS_ADDR", "localhost:6379")
	t.Setenv("SENSORHUB_DEBUG", "true")

	conf := process(t)

	assert.Equal(t, "broker.lan", conf.MQTT.BrokerURL)
	assert.Equal(t, []string{"garage/tmp"}, conf.MQTT.Topics)
	assert.Equal(t, byte(1), conf.MQTT.QOS)
	assert.True(t, conf.MQTT.TLSEnabled)
	assert.Equal(t, BackendPostgres, conf.Storage.Backend)
	assert.Equal(t, "postgres://localhost/sensors", conf.Storage.PostgresURL)
	assert.Equal(t, 8, conf.Ingest.Workers)
	assert.Equal(t, "localhost:6379", conf.Cache.RedisAddr)
	assert.True(t, conf.Debug)
	assert.NoError(t, conf.Validate())
}

func TestValidate(t *testing.T) {
	cases := map[string]func(c *SensorHubConfig){
		"unknown backend":              func(c *SensorHubConfig) { c.Storage.Backend = "mysql" },
		"postgres without url":         func(c *SensorHubConfig) { c.Storage.Backend = BackendPostgres },
		"sqlite without path":          func(c *SensorHubConfig) { c.Storage.SQLitePath = "" },
		"clickhouse without addresses": func(c *SensorHubConfig) { c.Storage.Backend, c.Storage.ClickHouseAddresses = BackendClickHouse, nil },
		"no topics":                    func(c *SensorHubConfig) { c.MQTT.Topics = nil },
		"qos too high":                 func(c *SensorHubConfig) { c.MQTT.QOS = 3 },
		"no workers":                   func(c *SensorHubConfig) { c.Ingest.Workers = 0 },
		"negative queue":               func(c *SensorHubConfig) { c.Ingest.QueueSize = -1 },
	}
	for name, mutate := range cases {
		t.Run(name, func(t *testing.T) {
			conf := process(t)
			mutate(&conf)
			assert.Error(t, conf.Validate())
		})
	}
}
