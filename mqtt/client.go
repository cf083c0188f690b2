package mqtt

import (
	"errors"
	"fmt"
	"sync"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/eddielth/crane-telemetry/config"
	"github.com/eddielth/crane-telemetry/logger"
)

// ErrNotConnected is returned by Publish while the broker connection is down
var ErrNotConnected = errors.New("mqtt client not connected")

// MessageHandler is the callback function type for handling MQTT messages
type MessageHandler func(topic string, payload []byte)

// Client represents an MQTT client. Subscriptions are remembered and
// restored after every reconnect.
type Client struct {
	client mqtt.Client
	config config.MQTTConfig

	mu            sync.Mutex
	subscriptions map[string]MessageHandler
}

// NewClient creates a new MQTT client
func NewClient(cfg config.MQTTConfig) (*Client, error) {
	if cfg.Broker == "" {
		return nil, fmt.Errorf("MQTT broker address cannot be empty")
	}
	if cfg.QoS > 2 {
		return nil, fmt.Errorf("invalid MQTT QoS %d", cfg.QoS)
	}

	c := &Client{
		config:        cfg,
		subscriptions: make(map[string]MessageHandler),
	}

	opts := mqtt.NewClientOptions()
	opts.AddBroker(cfg.Broker)

	if cfg.ClientID == "" {
		cfg.ClientID = fmt.Sprintf("crane-telemetry-%d", time.Now().Unix())
		c.config.ClientID = cfg.ClientID
	}
	opts.SetClientID(cfg.ClientID)

	if cfg.Username != "" {
		opts.SetUsername(cfg.Username)
		opts.SetPassword(cfg.Password)
	}

	opts.SetAutoReconnect(true)
	opts.SetConnectionLostHandler(func(_ mqtt.Client, err error) {
		logger.Error("MQTT connection lost: %v", err)
	})

	opts.SetReconnectingHandler(func(_ mqtt.Client, _ *mqtt.ClientOptions) {
		logger.Info("trying to reconnect to MQTT broker...")
	})

	opts.SetOnConnectHandler(func(_ mqtt.Client) {
		c.resubscribe()
	})

	c.client = mqtt.NewClient(opts)
	return c, nil
}

// Connect connects to the MQTT broker
func (c *Client) Connect() error {
	token := c.client.Connect()
	if !token.WaitTimeout(10 * time.Second) {
		return fmt.Errorf("connection to MQTT broker timed out")
	}

	if err := token.Error(); err != nil {
		return err
	}

	logger.Info("successfully connected to MQTT broker: %s", c.config.Broker)
	return nil
}

// Subscribe subscribes to the specified topic; + wildcards are allowed
func (c *Client) Subscribe(topic string, handler MessageHandler) error {
	c.mu.Lock()
	c.subscriptions[topic] = handler
	c.mu.Unlock()

	return c.subscribe(topic, handler)
}

func (c *Client) subscribe(topic string, handler MessageHandler) error {
	token := c.client.Subscribe(topic, c.config.QoS, func(_ mqtt.Client, msg mqtt.Message) {
		logger.Debug("received message from topic %s", msg.Topic())
		handler(msg.Topic(), msg.Payload())
	})

	if !token.WaitTimeout(5 * time.Second) {
		return fmt.Errorf("subscription to topic %s timed out", topic)
	}

	if err := token.Error(); err != nil {
		return err
	}

	logger.Info("successfully subscribed to topic: %s", topic)
	return nil
}

// resubscribe runs on every (re)connect. It cannot wait on tokens inside the
// paho callback, so each subscription waits in its own goroutine.
func (c *Client) resubscribe() {
	c.mu.Lock()
	subs := make(map[string]MessageHandler, len(c.subscriptions))
	for topic, h := range c.subscriptions {
		subs[topic] = h
	}
	c.mu.Unlock()

	for topic, h := range subs {
		go func(topic string, h MessageHandler) {
			if err := c.subscribe(topic, h); err != nil {
				logger.Warn("failed to resubscribe to topic %s: %v", topic, err)
			}
		}(topic, h)
	}
}

// Publish sends payload to topic. It fails fast when disconnected and never
// waits longer than a few seconds for the broker.
func (c *Client) Publish(topic string, payload []byte) error {
	if !c.client.IsConnectionOpen() {
		return ErrNotConnected
	}

	token := c.client.Publish(topic, c.config.QoS, false, payload)
	if !token.WaitTimeout(5 * time.Second) {
		return fmt.Errorf("publish to topic %s timed out", topic)
	}
	return token.Error()
}

// IsConnected reports whether the broker connection is up
func (c *Client) IsConnected() bool {
	return c.client.IsConnectionOpen()
}

// Disconnect disconnects from the MQTT broker
func (c *Client) Disconnect() {
	c.client.Disconnect(250)
	logger.Info("disconnected from MQTT broker")
}

// Manager connects the client and routes every configured subscription to one handler
type Manager struct {
	client  *Client
	topics  []string
	handler MessageHandler
}

// NewManager creates a new MQTT manager. Empty topics fall back to the
// subscriptions covering every topic layout.
func NewManager(client *Client, topics []string, handler MessageHandler) *Manager {
	if len(topics) == 0 {
		topics = SubscriptionTopics()
	}
	return &Manager{
		client:  client,
		topics:  topics,
		handler: handler,
	}
}

// Start connects and subscribes. A failed subscription is logged, not fatal.
func (m *Manager) Start() error {
	if err := m.client.Connect(); err != nil {
		return fmt.Errorf("failed to connect to MQTT broker: %w", err)
	}

	for _, topic := range m.topics {
		if err := m.client.Subscribe(topic, m.handler); err != nil {
			logger.Warn("failed to subscribe to topic %s: %v", topic, err)
		}
	}

	return nil
}

// Stop stops the MQTT service
func (m *Manager) Stop() {
	m.client.Disconnect()
}
