// Package broker builds and connects the paho MQTT client the service
// subscribes and publishes through.
package broker

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"net"
	"net/url"
	"strconv"
	"strings"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/google/uuid"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/slickwilli/sensorhub/config"
)

// ErrConnect marks a failed initial connection. The service treats it as a
// startup failure instead of retrying forever with bad credentials or TLS.
var ErrConnect = errors.New("broker connect failed")

// Handlers receives the client's connection lifecycle and deliveries.
type Handlers interface {
	HandleConnectionAttempt(broker *url.URL, tlsCfg *tls.Config) *tls.Config
	HandleConnect(c mqtt.Client)
	HandleConnectionLost(c mqtt.Client, err error)
	HandleReconnecting(c mqtt.Client, opts *mqtt.ClientOptions)
	HandleMessage(c mqtt.Client, m mqtt.Message)
}

// ServerURL returns the broker address paho dials. A configured URL that
// already carries a scheme is used as is.
func ServerURL(conf config.MQTT) string {
	if strings.Contains(conf.BrokerURL, "://") {
		return conf.BrokerURL
	}
	scheme := "tcp"
	if conf.TLSEnabled {
		scheme = "ssl"
	}
	return fmt.Sprintf("%s://%s", scheme, net.JoinHostPort(conf.BrokerURL, strconv.Itoa(conf.BrokerPort)))
}

// ClientID returns the configured client ID or a generated one, since two
// clients with the same ID keep kicking each other off the broker.
func ClientID(conf config.MQTT) string {
	if conf.ClientID != "" {
		return conf.ClientID
	}
	return "sensorhub-" + uuid.NewString()[:8]
}

func NewOptions(conf config.MQTT, h Handlers) *mqtt.ClientOptions {
	opts := mqtt.NewClientOptions().
		AddBroker(ServerURL(conf)).
		SetClientID(ClientID(conf)).
		SetKeepAlive(conf.Keepalive).
		SetCleanSession(true).
		SetOrderMatters(true).
		SetAutoReconnect(true).
		SetMaxReconnectInterval(conf.MaxReconnectInterval).
		SetConnectRetry(false).
		SetConnectTimeout(conf.ConnectTimeout).
		SetConnectionAttemptHandler(h.HandleConnectionAttempt).
		SetOnConnectHandler(h.HandleConnect).
		SetConnectionLostHandler(h.HandleConnectionLost).
		SetReconnectingHandler(h.HandleReconnecting).
		SetDefaultPublishHandler(h.HandleMessage)

	if conf.Username != "" {
		opts.SetUsername(conf.Username)
		opts.SetPassword(conf.Password)
	}
	if conf.TLSEnabled {
		opts.SetTLSConfig(&tls.Config{MinVersion: tls.VersionTLS12})
	}
	return opts
}

// SetLogger sends paho's package-level log output to logger. Debug output
// is only wired when debug is set; it logs every packet.
func SetLogger(logger *zap.Logger, debug bool) error {
	logger = logger.Named("paho")
	errLog, err := zap.NewStdLogAt(logger, zapcore.ErrorLevel)
	if err != nil {
		return err
	}
	warnLog, err := zap.NewStdLogAt(logger, zapcore.WarnLevel)
	if err != nil {
		return err
	}
	mqtt.CRITICAL = errLog
	mqtt.ERROR = errLog
	mqtt.WARN = warnLog
	if debug {
		debugLog, err := zap.NewStdLogAt(logger, zapcore.DebugLevel)
		if err != nil {
			return err
		}
		mqtt.DEBUG = debugLog
	}
	return nil
}

// Connect dials the broker once and waits for the CONNACK or ctx.
func Connect(ctx context.Context, c mqtt.Client) error {
	if err := wait(ctx, c.Connect()); err != nil {
		return fmt.Errorf("%w: %w", ErrConnect, err)
	}
	return nil
}

func wait(ctx context.Context, token mqtt.Token) error {
	select {
	case <-token.Done():
		return token.Error()
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Publisher forwards raw payloads to one fixed topic.
type Publisher struct {
	client  mqtt.Client
	topic   string
	qos     byte
	timeout time.Duration
}

func NewPublisher(c mqtt.Client, topic string, qos byte) *Publisher {
	return &Publisher{client: c, topic: topic, qos: qos, timeout: 5 * time.Second}
}

func (p *Publisher) Topic() string { return p.topic }

func (p *Publisher) Publish(ctx context.Context, payload []byte) error {
	ctx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()
	if err := wait(ctx, p.client.Publish(p.topic, p.qos, false, payload)); err != nil {
		return fmt.Errorf("publish to %q: %w", p.topic, err)
	}
	return nil
}
