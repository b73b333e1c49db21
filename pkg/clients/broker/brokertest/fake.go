// Package brokertest provides in-memory stand-ins for the paho client
// interfaces so subscribers and publishers can be tested without a broker.
package brokertest

import (
	"sync"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
)

// Token is an mqtt.Token that is either already complete or completed
// later with Complete.
type Token struct {
	once sync.Once
	done chan struct{}
	err  error
}

func NewToken() *Token {
	return &Token{done: make(chan struct{})}
}

// DoneToken returns a completed token carrying err.
func DoneToken(err error) *Token {
	t := NewToken()
	t.Complete(err)
	return t
}

func (t *Token) Complete(err error) {
	t.once.Do(func() {
		t.err = err
		close(t.done)
	})
}

func (t *Token) Wait() bool {
	<-t.done
	return true
}

func (t *Token) WaitTimeout(d time.Duration) bool {
	select {
	case <-t.done:
		return true
	case <-time.After(d):
		return false
	}
}

func (t *Token) Done() <-chan struct{} { return t.done }

func (t *Token) Error() error {
	select {
	case <-t.done:
		return t.err
	default:
		return nil
	}
}

// SubscribeToken is a completed subscribe token that also reports the
// SUBACK return code per filter, like *mqtt.SubscribeToken.
type SubscribeToken struct {
	*Token
	result map[string]byte
}

func (t *SubscribeToken) Result() map[string]byte { return t.result }

// Message is an mqtt.Message with a fixed topic and payload.
type Message struct {
	TopicName string
	Body      []byte
}

func (m *Message) Duplicate() bool   { return false }
func (m *Message) Qos() byte         { return 0 }
func (m *Message) Retained() bool    { return false }
func (m *Message) Topic() string     { return m.TopicName }
func (m *Message) MessageID() uint16 { return 0 }
func (m *Message) Payload() []byte   { return m.Body }
func (m *Message) Ack()              {}

// Published is one call to Client.Publish.
type Published struct {
	Topic   string
	QOS     byte
	Payload []byte
}

// Client records subscriptions and publishes. Tokens it returns come from
// the *Err fields, or complete successfully when those are nil.
type Client struct {
	mu sync.Mutex

	ConnectErr   error
	PublishErr   error
	SubscribeErr map[string]error
	// SubackCodes sets the SUBACK return code per topic. Topics answered
	// with 0x80 are not routed.
	SubackCodes map[string]byte
	// ConnectToken, when set, is returned from Connect instead of a
	// completed token.
	ConnectToken *Token

	subscriptions map[string]mqtt.MessageHandler
	published     []Published
	connected     bool
}

func NewClient() *Client {
	return &Client{
		SubscribeErr:  make(map[string]error),
		SubackCodes:   make(map[string]byte),
		subscriptions: make(map[string]mqtt.MessageHandler),
	}
}

func (c *Client) IsConnected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.connected
}

func (c *Client) IsConnectionOpen() bool { return c.IsConnected() }

func (c *Client) Connect() mqtt.Token {
	if c.ConnectToken != nil {
		return c.ConnectToken
	}
	c.mu.Lock()
	c.connected = c.ConnectErr == nil
	c.mu.Unlock()
	return DoneToken(c.ConnectErr)
}

func (c *Client) Disconnect(uint) {
	c.mu.Lock()
	c.connected = false
	c.mu.Unlock()
}

func (c *Client) Publish(topic string, qos byte, _ bool, payload interface{}) mqtt.Token {
	var body []byte
	switch p := payload.(type) {
	case []byte:
		body = append([]byte(nil), p...)
	case string:
		body = []byte(p)
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.PublishErr == nil {
		c.published = append(c.published, Published{Topic: topic, QOS: qos, Payload: body})
	}
	return DoneToken(c.PublishErr)
}

func (c *Client) Subscribe(topic string, qos byte, callback mqtt.MessageHandler) mqtt.Token {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.SubscribeErr[topic]; err != nil {
		return DoneToken(err)
	}
	code := qos
	if override, ok := c.SubackCodes[topic]; ok {
		code = override
	}
	if code < 0x80 {
		c.subscriptions[topic] = callback
	}
	return &SubscribeToken{Token: DoneToken(nil), result: map[string]byte{topic: code}}
}

func (c *Client) SubscribeMultiple(filters map[string]byte, callback mqtt.MessageHandler) mqtt.Token {
	for topic, qos := range filters {
		if err := c.Subscribe(topic, qos, callback).Error(); err != nil {
			return DoneToken(err)
		}
	}
	return DoneToken(nil)
}

func (c *Client) Unsubscribe(topics ...string) mqtt.Token {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, topic := range topics {
		delete(c.subscriptions, topic)
	}
	return DoneToken(nil)
}

func (c *Client) AddRoute(topic string, callback mqtt.MessageHandler) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.subscriptions[topic] = callback
}

func (c *Client) OptionsReader() mqtt.ClientOptionsReader {
	return mqtt.ClientOptionsReader{}
}

// Deliver invokes the handler subscribed to topic, as the broker client
// would on an inbound PUBLISH. It reports whether a handler existed.
func (c *Client) Deliver(topic string, payload []byte) bool {
	c.mu.Lock()
	handler, ok := c.subscriptions[topic]
	c.mu.Unlock()
	if !ok || handler == nil {
		return false
	}
	handler(c, &Message{TopicName: topic, Body: payload})
	return true
}

func (c *Client) Subscriptions() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	topics := make([]string, 0, len(c.subscriptions))
	for topic := range c.subscriptions {
		topics = append(topics, topic)
	}
	return topics
}

func (c *Client) Published() []Published {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]Published(nil), c.published...)
}

var (
	_ mqtt.Client  = (*Client)(nil)
	_ mqtt.Token   = (*Token)(nil)
	_ mqtt.Message = (*Message)(nil)
	_ mqtt.Token   = (*SubscribeToken)(nil)
)
