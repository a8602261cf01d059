package mqttx

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
)

const (
	defaultTimeout = 10 * time.Second
	commandQoS     = 1
)

type Config struct {
	BrokerURL string
	ClientID  string
	Username  string
	Password  string
	Timeout   time.Duration
}

// Client is a thin wrapper over the paho client: JSON payloads, bounded
// waits on every token, and topic-level subscribe helpers.
type Client struct {
	inner   mqtt.Client
	timeout time.Duration
}

type MessageHandler func(topic string, payload []byte)

func NewClient(cfg Config, onConnect func(*Client)) (*Client, error) {
	if cfg.Timeout <= 0 {
		cfg.Timeout = defaultTimeout
	}

	c := &Client{timeout: cfg.Timeout}

	opts := mqtt.NewClientOptions().
		AddBroker(cfg.BrokerURL).
		SetClientID(cfg.ClientID).
		SetUsername(cfg.Username).
		SetPassword(cfg.Password).
		SetConnectTimeout(cfg.Timeout).
		SetAutoReconnect(true).
		SetOrderMatters(false)

	opts.OnConnect = func(mqtt.Client) {
		slog.Info("MQTT connected", "broker", cfg.BrokerURL, "client_id", cfg.ClientID)
		if onConnect != nil {
			onConnect(c)
		}
	}
	opts.OnConnectionLost = func(_ mqtt.Client, err error) {
		slog.Warn("MQTT connection lost", "client_id", cfg.ClientID, "error", err)
	}

	c.inner = mqtt.NewClient(opts)

	token := c.inner.Connect()
	if !token.WaitTimeout(cfg.Timeout) {
		return nil, fmt.Errorf("timeout connecting to broker %s", cfg.BrokerURL)
	}
	if err := token.Error(); err != nil {
		return nil, fmt.Errorf("failed to connect to broker: %w", err)
	}

	return c, nil
}

// Publish marshals v to JSON and publishes it, waiting at most the client
// timeout for broker acknowledgment.
func (c *Client) Publish(topic string, retained bool, v any) error {
	payload, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("failed to marshal payload for %s: %w", topic, err)
	}

	token := c.inner.Publish(topic, commandQoS, retained, payload)
	if !token.WaitTimeout(c.timeout) {
		return fmt.Errorf("timeout publishing to %s", topic)
	}
	if err := token.Error(); err != nil {
		return fmt.Errorf("failed to publish to %s: %w", topic, err)
	}
	return nil
}

func (c *Client) Subscribe(filter string, handler MessageHandler) error {
	token := c.inner.Subscribe(filter, commandQoS, func(_ mqtt.Client, msg mqtt.Message) {
		handler(msg.Topic(), msg.Payload())
	})
	if !token.WaitTimeout(c.timeout) {
		return fmt.Errorf("timeout subscribing to %s", filter)
	}
	if err := token.Error(); err != nil {
		return fmt.Errorf("failed to subscribe to %s: %w", filter, err)
	}
	return nil
}

func (c *Client) Disconnect() {
	c.inner.Disconnect(uint(c.timeout / time.Millisecond))
}

func (c *Client) IsConnected() bool {
	return c.inner.IsConnectionOpen()
}
