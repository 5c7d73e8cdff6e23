// Package mqtt provides the long-lived message bus publisher used to emit
// transcription events. It wraps the Eclipse Paho client with the connect
// semantics this system needs: a fixed-delay retry loop until the broker
// accepts us, re-subscription of registered topics after every (re)connect,
// schema validation before publish, and a background reconnect whenever a
// publish hits a transport error.
package mqtt

import (
	"context"
	"encoding/json"
	"log/slog"
	"strings"
	"sync"
	"time"

	paho "github.com/eclipse/paho.mqtt.golang"
)

// DefaultReconnectDelay is the fixed delay between broker connect attempts.
const DefaultReconnectDelay = 5 * time.Second

// eventTopics are published without the configured topic prefix.
var eventTopics = map[string]bool{
	"intent":     true,
	"transcript": true,
	"response":   true,
	"error":      true,
}

// MessageHandler receives inbound messages that passed schema validation.
// The payload is a decoded JSON object when the body parses as one, else the
// raw string.
type MessageHandler func(topic string, payload any)

// Client is the MQTT bus client. Create with New, then Connect. All methods
// are safe for concurrent use.
type Client struct {
	url            string
	topicPrefix    string
	username       string
	password       string
	reconnectDelay time.Duration

	mu            sync.Mutex
	client        paho.Client
	connected     bool
	stopping      bool
	reconnecting  bool
	subscriptions map[string]bool
	handler       MessageHandler
}

// Option configures a Client.
type Option func(*Client)

// WithCredentials sets the broker username and password.
func WithCredentials(username, password string) Option {
	return func(c *Client) {
		c.username = username
		c.password = password
	}
}

// WithReconnectDelay overrides the fixed retry delay.
func WithReconnectDelay(d time.Duration) Option {
	return func(c *Client) {
		if d > 0 {
			c.reconnectDelay = d
		}
	}
}

// New creates a Client for the broker at url (mqtt://host:port). topicPrefix
// is prepended to every topic except the unprefixed event topics.
func New(url, topicPrefix string, opts ...Option) *Client {
	c := &Client{
		url:            url,
		topicPrefix:    topicPrefix,
		reconnectDelay: DefaultReconnectDelay,
		subscriptions:  make(map[string]bool),
	}
	for _, o := range opts {
		o(c)
	}
	return c
}

// SetHandler registers the callback invoked for inbound messages on
// subscribed topics. Must be called before Connect.
func (c *Client) SetHandler(h MessageHandler) {
	c.mu.Lock()
	c.handler = h
	c.mu.Unlock()
}

// Connect dials the broker, retrying with a fixed delay until it succeeds,
// ctx is cancelled, or Disconnect is called. Previously registered
// subscriptions are re-applied after every successful connect.
func (c *Client) Connect(ctx context.Context) {
	c.mu.Lock()
	c.stopping = false
	c.mu.Unlock()
	c.connectWithRetry(ctx)
}

func (c *Client) connectWithRetry(ctx context.Context) {
	for {
		c.mu.Lock()
		if c.connected || c.stopping {
			c.mu.Unlock()
			return
		}
		c.mu.Unlock()

		if err := c.connectOnce(); err != nil {
			slog.Warn("failed to connect to mqtt broker", "url", c.url,
				"err", err, "retry_in", c.reconnectDelay)
			select {
			case <-ctx.Done():
				return
			case <-time.After(c.reconnectDelay):
			}
			continue
		}
		slog.Info("connected to mqtt broker", "url", c.url)
		return
	}
}

func (c *Client) connectOnce() error {
	opts := paho.NewClientOptions().
		AddBroker(brokerURL(c.url)).
		SetAutoReconnect(false).
		SetCleanSession(true).
		SetConnectTimeout(10 * time.Second).
		SetConnectionLostHandler(func(_ paho.Client, err error) {
			slog.Warn("mqtt connection lost", "err", err)
			c.mu.Lock()
			c.connected = false
			stopping := c.stopping
			c.mu.Unlock()
			if !stopping {
				c.scheduleReconnect()
			}
		})
	if c.username != "" {
		opts.SetUsername(c.username)
		opts.SetPassword(c.password)
	}

	client := paho.NewClient(opts)
	tok := client.Connect()
	tok.Wait()
	if err := tok.Error(); err != nil {
		return err
	}

	c.mu.Lock()
	c.client = client
	c.connected = true
	topics := make([]string, 0, len(c.subscriptions))
	for t := range c.subscriptions {
		topics = append(topics, t)
	}
	c.mu.Unlock()

	for _, topic := range topics {
		if tok := client.Subscribe(topic, 0, c.onMessage); tok.Wait() && tok.Error() != nil {
			slog.Error("failed to re-subscribe", "topic", topic, "err", tok.Error())
		} else {
			slog.Info("subscribed to topic", "topic", topic)
		}
	}
	return nil
}

// Disconnect sets the shutdown flag and closes the transport.
func (c *Client) Disconnect() {
	c.mu.Lock()
	c.stopping = true
	client := c.client
	c.client = nil
	c.connected = false
	c.mu.Unlock()

	if client != nil {
		client.Disconnect(250)
	}
	slog.Debug("disconnected from mqtt broker", "url", c.url)
}

// Subscribe registers topic (with prefix applied) for the current session
// and every future reconnect.
func (c *Client) Subscribe(topic string) bool {
	full := c.prefixed(topic)

	c.mu.Lock()
	c.subscriptions[full] = true
	client := c.client
	connected := c.connected
	c.mu.Unlock()

	if connected && client != nil {
		if tok := client.Subscribe(full, 0, c.onMessage); tok.Wait() && tok.Error() != nil {
			slog.Error("failed to subscribe", "topic", full, "err", tok.Error())
			return false
		}
		slog.Info("subscribed to topic", "topic", full)
	}
	return true
}

// Publish sends payload on topic. Map payloads are serialized as JSON.
// Returns false — without surfacing an error to the caller — when the client
// is not connected, the schema check fails, or the transport rejects the
// message; a transport failure also schedules a background reconnect.
func (c *Client) Publish(topic string, payload any) bool {
	c.mu.Lock()
	client := c.client
	connected := c.connected
	c.mu.Unlock()

	if !connected || client == nil {
		slog.Warn("cannot publish: not connected to mqtt broker", "topic", topic)
		return false
	}

	full := topic
	if !eventTopics[topic] {
		full = c.prefixed(topic)
	}

	if !ValidateSchema(full, payload) {
		slog.Warn("invalid message schema", "topic", full)
		return false
	}

	var body []byte
	switch v := payload.(type) {
	case map[string]any:
		b, err := json.Marshal(v)
		if err != nil {
			slog.Error("failed to marshal payload", "topic", full, "err", err)
			return false
		}
		body = b
	case []byte:
		body = v
	case string:
		body = []byte(v)
	default:
		b, err := json.Marshal(v)
		if err != nil {
			slog.Error("failed to marshal payload", "topic", full, "err", err)
			return false
		}
		body = b
	}

	tok := client.Publish(full, 0, false, body)
	tok.Wait()
	if err := tok.Error(); err != nil {
		slog.Error("failed to publish", "topic", full, "err", err)
		c.mu.Lock()
		c.connected = false
		c.mu.Unlock()
		c.scheduleReconnect()
		return false
	}
	return true
}

// Connected reports whether the client currently holds a broker session.
func (c *Client) Connected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.connected
}

func (c *Client) scheduleReconnect() {
	c.mu.Lock()
	if c.reconnecting || c.stopping {
		c.mu.Unlock()
		return
	}
	c.reconnecting = true
	c.mu.Unlock()

	go func() {
		defer func() {
			c.mu.Lock()
			c.reconnecting = false
			c.mu.Unlock()
		}()
		time.Sleep(c.reconnectDelay)
		c.connectWithRetry(context.Background())
	}()
}

func (c *Client) onMessage(_ paho.Client, msg paho.Message) {
	c.mu.Lock()
	handler := c.handler
	c.mu.Unlock()
	if handler == nil {
		return
	}

	var payload any
	var obj map[string]any
	if err := json.Unmarshal(msg.Payload(), &obj); err == nil {
		payload = obj
	} else {
		payload = string(msg.Payload())
	}

	if !ValidateSchema(msg.Topic(), payload) {
		slog.Warn("skipping invalid inbound message", "topic", msg.Topic())
		return
	}
	handler(msg.Topic(), payload)
}

func (c *Client) prefixed(topic string) string {
	if c.topicPrefix == "" {
		return topic
	}
	return c.topicPrefix + "/" + topic
}

// brokerURL rewrites an mqtt:// or mqtts:// scheme into the transport scheme
// Paho expects.
func brokerURL(url string) string {
	switch {
	case strings.HasPrefix(url, "mqtts://"):
		return "ssl://" + strings.TrimPrefix(url, "mqtts://")
	case strings.HasPrefix(url, "mqtt://"):
		return "tcp://" + strings.TrimPrefix(url, "mqtt://")
	}
	return url
}
