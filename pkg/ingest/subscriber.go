// Package ingest moves MQTT deliveries into storage.
//
// The broker client calls HandleMessage on its own goroutine. The
// subscriber hands each message to one of a fixed set of workers, picked by
// hashing the topic, so messages on one topic are decoded and stored in the
// order they arrived while different topics proceed in parallel. A message
// that fails to decode or store is logged, counted and dropped; nothing a
// single message does stops the stream.
package ingest

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"net/url"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cespare/xxhash/v2"
	mqtt "github.com/eclipse/paho.mqtt.golang"
	"go.uber.org/zap"

	"github.com/slickwilli/sensorhub/models"
	"github.com/slickwilli/sensorhub/pkg/decoder"
	"github.com/slickwilli/sensorhub/pkg/metrics"
)

// subackFailure is the MQTT 3.1.1 SUBACK return code for a refused filter.
const subackFailure = 0x80

// subackResult is the part of *mqtt.SubscribeToken that carries the
// per-filter SUBACK codes.
type subackResult interface {
	Result() map[string]byte
}

type State int32

const (
	Disconnected State = iota
	Connecting
	Connected
)

func (s State) String() string {
	switch s {
	case Disconnected:
		return "disconnected"
	case Connecting:
		return "connecting"
	case Connected:
		return "connected"
	default:
		return fmt.Sprintf("state(%d)", int32(s))
	}
}

type Config struct {
	Topics           []string
	QOS              byte
	Workers          int
	QueueSize        int
	StoreTimeout     time.Duration
	SubscribeTimeout time.Duration
}

// Appender is the part of storage.Store the subscriber writes through.
type Appender interface {
	Append(ctx context.Context, r models.Reading) error
}

// LatestRecorder receives every stored reading. Failures are logged only.
type LatestRecorder interface {
	Put(ctx context.Context, r models.Reading) error
}

// SubscribeError reports a topic the broker did not subscribe us to.
type SubscribeError struct {
	Topic string
	Err   error
}

func (e *SubscribeError) Error() string {
	return fmt.Sprintf("subscribe %q: %v", e.Topic, e.Err)
}

func (e *SubscribeError) Unwrap() error { return e.Err }

type Option func(*Subscriber)

func WithLatest(l LatestRecorder) Option {
	return func(s *Subscriber) { s.latest = l }
}

func WithMetrics(m *metrics.Metrics) Option {
	return func(s *Subscriber) { s.metrics = m }
}

// WithClock replaces time.Now as the source of receipt timestamps.
func WithClock(now func() time.Time) Option {
	return func(s *Subscriber) { s.now = now }
}

type message struct {
	topic   string
	payload []byte
}

type Subscriber struct {
	conf    Config
	store   Appender
	latest  LatestRecorder
	metrics *metrics.Metrics
	logger  *zap.Logger
	now     func() time.Time

	state  atomic.Int32
	queues []chan message

	// mu guards closed and subscribed. HandleMessage holds the read lock
	// while it enqueues, so Run can close the queues once it owns the
	// write lock.
	mu         sync.RWMutex
	closed     bool
	subscribed map[string]struct{}
}

func New(conf Config, store Appender, logger *zap.Logger, opts ...Option) *Subscriber {
	if conf.Workers < 1 {
		conf.Workers = 1
	}
	if conf.QueueSize < 0 {
		conf.QueueSize = 0
	}
	if conf.StoreTimeout <= 0 {
		conf.StoreTimeout = 5 * time.Second
	}
	if conf.SubscribeTimeout <= 0 {
		conf.SubscribeTimeout = 10 * time.Second
	}

	s := &Subscriber{
		conf:       conf,
		store:      store,
		logger:     logger.Named("ingest"),
		now:        time.Now,
		queues:     make([]chan message, conf.Workers),
		subscribed: make(map[string]struct{}),
	}
	for i := range s.queues {
		s.queues[i] = make(chan message, conf.QueueSize)
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.metrics == nil {
		s.metrics = metrics.New()
	}
	return s
}

func (s *Subscriber) State() State {
	return State(s.state.Load())
}

func (s *Subscriber) setState(st State) {
	s.state.Store(int32(st))
	if st == Connected {
		s.metrics.BrokerConnected.Set(1)
	} else {
		s.metrics.BrokerConnected.Set(0)
	}
}

// Subscribed lists the topics the broker accepted on the current connection.
func (s *Subscriber) Subscribed() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	topics := make([]string, 0, len(s.subscribed))
	for topic := range s.subscribed {
		topics = append(topics, topic)
	}
	sort.Strings(topics)
	return topics
}

// HandleConnectionAttempt runs before every dial, initial or reconnect.
func (s *Subscriber) HandleConnectionAttempt(broker *url.URL, tlsCfg *tls.Config) *tls.Config {
	s.setState(Connecting)
	s.logger.Info("connecting to broker", zap.String("broker", broker.Redacted()))
	return tlsCfg
}

// HandleConnect subscribes every configured topic. A refused topic is
// logged and skipped; the rest stay subscribed.
func (s *Subscriber) HandleConnect(c mqtt.Client) {
	s.setState(Connected)
	s.logger.Info("connected to broker", zap.Strings("topics", s.conf.Topics))

	for _, topic := range s.conf.Topics {
		if err := s.subscribe(c, topic); err != nil {
			s.metrics.SubscribeFailures.WithLabelValues(topic).Inc()
			s.logger.Error("subscribe failed", zap.String("topic", topic), zap.Error(err))
			continue
		}
		s.mu.Lock()
		s.subscribed[topic] = struct{}{}
		s.mu.Unlock()
		s.logger.Info("subscribed", zap.String("topic", topic), zap.Uint8("qos", s.conf.QOS))
	}
}

func (s *Subscriber) subscribe(c mqtt.Client, topic string) error {
	token := c.Subscribe(topic, s.conf.QOS, s.HandleMessage)
	if !token.WaitTimeout(s.conf.SubscribeTimeout) {
		return &SubscribeError{Topic: topic, Err: fmt.Errorf("no SUBACK within %s", s.conf.SubscribeTimeout)}
	}
	if err := token.Error(); err != nil {
		return &SubscribeError{Topic: topic, Err: err}
	}
	if st, ok := token.(subackResult); ok {
		if code, ok := st.Result()[topic]; ok && code == subackFailure {
			return &SubscribeError{Topic: topic, Err: errors.New("broker refused subscription")}
		}
	}
	return nil
}

func (s *Subscriber) HandleConnectionLost(_ mqtt.Client, err error) {
	s.setState(Disconnected)
	s.mu.Lock()
	clear(s.subscribed)
	s.mu.Unlock()
	s.logger.Warn("connection to broker lost", zap.Error(err))
}

func (s *Subscriber) HandleReconnecting(_ mqtt.Client, _ *mqtt.ClientOptions) {
	s.setState(Connecting)
	s.logger.Info("reconnecting to broker")
}

// HandleMessage is the delivery callback. It blocks while the topic's
// worker queue is full, which pushes back on the broker client.
func (s *Subscriber) HandleMessage(_ mqtt.Client, m mqtt.Message) {
	topic := m.Topic()
	s.metrics.MessagesReceived.WithLabelValues(topic).Inc()

	// paho may reuse the message after we return.
	payload := make([]byte, len(m.Payload()))
	copy(payload, m.Payload())

	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		s.metrics.MessagesDropped.WithLabelValues(metrics.ReasonShutdown).Inc()
		s.logger.Warn("dropping message after shutdown", zap.String("topic", topic))
		return
	}
	s.queues[s.shard(topic)] <- message{topic: topic, payload: payload}
}

func (s *Subscriber) shard(topic string) int {
	return int(xxhash.Sum64String(topic) % uint64(len(s.queues)))
}

// Run starts the workers and blocks until ctx is cancelled. It then stops
// accepting deliveries, stores what is already queued and returns.
// Deliveries made before Run starts wait in the queues.
func (s *Subscriber) Run(ctx context.Context) error {
	storeCtx := context.WithoutCancel(ctx)

	var wg sync.WaitGroup
	wg.Add(len(s.queues))
	for i, queue := range s.queues {
		go func(id int, queue <-chan message) {
			defer wg.Done()
			for m := range queue {
				s.process(storeCtx, m)
			}
			s.logger.Debug("worker stopped", zap.Int("worker", id))
		}(i, queue)
	}
	s.logger.Info("ingest workers started", zap.Int("workers", len(s.queues)), zap.Int("queue_size", s.conf.QueueSize))

	<-ctx.Done()

	s.mu.Lock()
	if !s.closed {
		s.closed = true
		for _, queue := range s.queues {
			close(queue)
		}
	}
	s.mu.Unlock()

	wg.Wait()
	s.logger.Info("ingest workers drained")
	return nil
}

func (s *Subscriber) process(ctx context.Context, m message) {
	r, err := decoder.DecodeAt(m.topic, m.payload, s.now())
	if err != nil {
		reason := metrics.ReasonMalformed
		if errors.Is(err, decoder.ErrOutOfRange) {
			reason = metrics.ReasonOutOfRange
		}
		s.metrics.MessagesDropped.WithLabelValues(reason).Inc()
		s.logger.Warn("dropping message",
			zap.String("topic", m.topic),
			zap.ByteString("payload", m.payload),
			zap.Error(err),
		)
		return
	}

	storeCtx, cancel := context.WithTimeout(ctx, s.conf.StoreTimeout)
	defer cancel()
	if err := s.store.Append(storeCtx, r); err != nil {
		s.metrics.MessagesDropped.WithLabelValues(metrics.ReasonStorage).Inc()
		s.logger.Error("error storing reading",
			zap.String("topic", m.topic),
			zap.Float64("value", r.Value),
			zap.Error(err),
		)
		return
	}
	s.metrics.ReadingsStored.Inc()
	s.logger.Debug("reading stored",
		zap.String("topic", r.Sensor),
		zap.Float64("value", r.Value),
		zap.Time("timestamp", r.Timestamp),
	)

	if s.latest != nil {
		if err := s.latest.Put(storeCtx, r); err != nil {
			s.logger.Warn("error updating latest reading", zap.String("topic", r.Sensor), zap.Error(err))
		}
	}
}
