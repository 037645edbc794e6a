package mqtt

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"

	"github.com/cgomesu/rpi-sensehat-mqtt/internal/config"
)

// ErrNotConnected is returned by Publish when the broker connection is down.
// Callers skip the publish and rely on reconnection rather than retrying.
var ErrNotConnected = errors.New("mqtt client not connected")

const (
	publishTimeout   = 5 * time.Second
	subscribeTimeout = 5 * time.Second
	disconnectQuiet  = 250 // ms given to paho to flush in-flight messages
)

type subscription struct {
	topic   string
	qos     byte
	handler func(topic string, payload []byte)
}

// Client wraps a paho MQTT client with a connection-state flag, sticky
// subscriptions that survive auto-reconnect, and an idempotent Disconnect.
// Safe for concurrent use by the telemetry loop and the command listener.
type Client struct {
	client mqtt.Client
	logger *slog.Logger

	mu        sync.RWMutex
	connected bool
	subs      []subscription

	stopCh   chan struct{}
	stopOnce sync.Once

	onUp   func()
	onLost func(error)
}

// SetConnectionHandlers registers hooks invoked from paho's callback
// goroutine on every connection establishment and loss. Call before Connect.
func (c *Client) SetConnectionHandlers(up func(), lost func(error)) {
	c.mu.Lock()
	c.onUp = up
	c.onLost = lost
	c.mu.Unlock()
}

func NewClient(cfg config.Config, logger *slog.Logger) *Client {
	c := &Client{
		logger: logger,
		stopCh: make(chan struct{}),
	}

	opts := mqtt.NewClientOptions()
	opts.AddBroker(cfg.BrokerURI)
	opts.SetClientID(cfg.ClientID)
	if cfg.Username != "" {
		opts.SetUsername(cfg.Username)
		opts.SetPassword(cfg.Password)
	}

	opts.SetCleanSession(true)

	// The initial connect attempt is driven by the lifecycle controller's
	// backoff policy, so paho's own connect retry stays off. Reconnection
	// after an established connection drops is paho's job.
	opts.SetConnectRetry(false)
	opts.SetAutoReconnect(true)
	opts.SetMaxReconnectInterval(60 * time.Second)

	opts.SetKeepAlive(30 * time.Second)
	opts.SetPingTimeout(10 * time.Second)
	opts.SetConnectTimeout(10 * time.Second)

	opts.SetOnConnectHandler(func(_ mqtt.Client) {
		c.setConnected(true)
		logger.Info("mqtt connected", "broker", cfg.BrokerURI)
		c.resubscribe()
		c.mu.RLock()
		up := c.onUp
		c.mu.RUnlock()
		if up != nil {
			up()
		}
	})

	opts.SetConnectionLostHandler(func(_ mqtt.Client, err error) {
		c.setConnected(false)
		logger.Warn("mqtt connection lost", "error", err)
		c.mu.RLock()
		lost := c.onLost
		c.mu.RUnlock()
		if lost != nil {
			lost(err)
		}
	})

	c.client = mqtt.NewClient(opts)
	return c
}

// Connect makes a single connection attempt and waits for its outcome,
// respecting ctx and Disconnect.
func (c *Client) Connect(ctx context.Context) error {
	select {
	case <-c.stopCh:
		return errors.New("client stopped")
	default:
	}

	if c.IsConnected() {
		return nil
	}

	token := c.client.Connect()

	const poll = 200 * time.Millisecond
	for {
		if token.WaitTimeout(poll) {
			if err := token.Error(); err != nil {
				return fmt.Errorf("mqtt connect: %w", err)
			}
			// OnConnectHandler sets connected=true.
			return nil
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-c.stopCh:
			return errors.New("client stopped")
		default:
		}
	}
}

// Publish sends payload to topic at QoS 1 and waits for the broker ACK.
func (c *Client) Publish(topic string, payload []byte) error {
	if !c.IsConnected() {
		return ErrNotConnected
	}

	token := c.client.Publish(topic, 1, false, payload)
	if !token.WaitTimeout(publishTimeout) {
		return fmt.Errorf("publish timeout for topic %s", topic)
	}
	if err := token.Error(); err != nil {
		return fmt.Errorf("publish to %s: %w", topic, err)
	}

	c.logger.Debug("published", "topic", topic, "size", len(payload))
	return nil
}

// Subscribe registers handler for topic. The subscription is remembered and
// re-established after every reconnect. Must be called while connected.
func (c *Client) Subscribe(topic string, handler func(topic string, payload []byte)) error {
	if !c.IsConnected() {
		return ErrNotConnected
	}

	sub := subscription{topic: topic, qos: 1, handler: handler}

	c.mu.Lock()
	c.subs = append(c.subs, sub)
	c.mu.Unlock()

	return c.subscribe(sub)
}

func (c *Client) subscribe(sub subscription) error {
	token := c.client.Subscribe(sub.topic, sub.qos, func(_ mqtt.Client, msg mqtt.Message) {
		sub.handler(msg.Topic(), msg.Payload())
	})
	if !token.WaitTimeout(subscribeTimeout) {
		return fmt.Errorf("subscribe timeout for topic %s", sub.topic)
	}
	if err := token.Error(); err != nil {
		return fmt.Errorf("subscribe to %s: %w", sub.topic, err)
	}

	c.logger.Info("subscribed to mqtt topic", "topic", sub.topic, "qos", sub.qos)
	return nil
}

func (c *Client) resubscribe() {
	c.mu.RLock()
	subs := make([]subscription, len(c.subs))
	copy(subs, c.subs)
	c.mu.RUnlock()

	for _, sub := range subs {
		if err := c.subscribe(sub); err != nil {
			c.logger.Error("resubscribe failed", "topic", sub.topic, "error", err)
		}
	}
}

// IsConnected reports whether the client currently has a broker connection.
func (c *Client) IsConnected() bool {
	c.mu.RLock()
	connected := c.connected
	c.mu.RUnlock()
	return connected && c.client.IsConnected()
}

// Disconnect unsubscribes, closes the connection, and marks the client
// stopped. Idempotent and safe to call from any goroutine.
func (c *Client) Disconnect() {
	c.stopOnce.Do(func() {
		close(c.stopCh)

		c.mu.RLock()
		subs := make([]subscription, len(c.subs))
		copy(subs, c.subs)
		c.mu.RUnlock()

		if c.IsConnected() {
			for _, sub := range subs {
				token := c.client.Unsubscribe(sub.topic)
				token.WaitTimeout(2 * time.Second)
			}
		}

		c.client.Disconnect(disconnectQuiet)
		c.setConnected(false)
		c.logger.Info("mqtt disconnected")
	})
}

func (c *Client) setConnected(v bool) {
	c.mu.Lock()
	c.connected = v
	c.mu.Unlock()
}
