// Package mqtt wraps the Paho client behind a small interface.
package mqtt

import (
	"context"
	"fmt"
	"time"

	pahomqtt "github.com/eclipse/paho.mqtt.golang"
	"go.uber.org/zap"
)

// Client is the MQTT surface the presence source needs
type Client interface {
	Connect(ctx context.Context) error
	Disconnect()
	Subscribe(topic string, qos byte, handler MessageHandler) error
	IsConnected() bool
}

// MessageHandler is called for each message on a subscribed topic
type MessageHandler func(Message)

// Message is one received MQTT message
type Message interface {
	Topic() string
	Payload() []byte
}

// Options configures NewClient
type Options struct {
	Broker   string
	ClientID string
	Username string
	Password string
}

// pahoClient implements Client using Paho
type pahoClient struct {
	client pahomqtt.Client
	broker string
	logger *zap.Logger
}

// NewClient creates a Paho-backed client with auto-reconnect
func NewClient(opts Options, logger *zap.Logger) Client {
	logger = logger.Named("mqtt")

	po := pahomqtt.NewClientOptions()
	po.AddBroker(opts.Broker)
	if opts.ClientID != "" {
		po.SetClientID(opts.ClientID)
	} else {
		po.SetClientID(fmt.Sprintf("homeschedule-%d", time.Now().Unix()))
	}
	if opts.Username != "" {
		po.SetUsername(opts.Username)
	}
	if opts.Password != "" {
		po.SetPassword(opts.Password)
	}

	po.SetCleanSession(true)
	po.SetAutoReconnect(true)
	po.SetConnectRetry(true)
	po.SetConnectRetryInterval(5 * time.Second)
	po.SetMaxReconnectInterval(30 * time.Second)

	po.OnConnect = func(c pahomqtt.Client) {
		logger.Info("Connected to MQTT broker", zap.String("broker", opts.Broker))
	}
	po.OnConnectionLost = func(c pahomqtt.Client, err error) {
		logger.Warn("MQTT connection lost", zap.Error(err))
	}

	return &pahoClient{
		client: pahomqtt.NewClient(po),
		broker: opts.Broker,
		logger: logger,
	}
}

// Connect waits for the broker connection or ctx
func (m *pahoClient) Connect(ctx context.Context) error {
	m.logger.Info("Connecting to MQTT broker", zap.String("broker", m.broker))

	token := m.client.Connect()
	select {
	case <-token.Done():
		if token.Error() != nil {
			return fmt.Errorf("failed to connect to MQTT broker: %w", token.Error())
		}
		return nil
	case <-ctx.Done():
		return fmt.Errorf("connection timeout: %w", ctx.Err())
	}
}

// Disconnect closes the connection with a short grace period
func (m *pahoClient) Disconnect() {
	m.logger.Info("Disconnecting from MQTT broker")
	m.client.Disconnect(250)
}

// Subscribe registers handler for topic
func (m *pahoClient) Subscribe(topic string, qos byte, handler MessageHandler) error {
	token := m.client.Subscribe(topic, qos, func(_ pahomqtt.Client, msg pahomqtt.Message) {
		handler(msg)
	})
	token.Wait()
	if token.Error() != nil {
		return fmt.Errorf("failed to subscribe to topic %s: %w", topic, token.Error())
	}
	m.logger.Info("Subscribed to MQTT topic", zap.String("topic", topic))
	return nil
}

// IsConnected reports the Paho connection state
func (m *pahoClient) IsConnected() bool {
	return m.client.IsConnected()
}
