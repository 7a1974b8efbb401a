package mqtt

import (
	"context"
	"strings"
	"sync"
)

// MockClient is an in-process Client for tests. Deliver routes a message to
// every subscription whose filter matches the topic.
type MockClient struct {
	mu         sync.Mutex
	connected  bool
	connectErr error
	handlers   map[string]MessageHandler
}

// NewMockClient creates a disconnected mock
func NewMockClient() *MockClient {
	return &MockClient{handlers: make(map[string]MessageHandler)}
}

// SetConnectError makes Connect fail with err
func (m *MockClient) SetConnectError(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.connectErr = err
}

func (m *MockClient) Connect(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.connectErr != nil {
		return m.connectErr
	}
	m.connected = true
	return nil
}

func (m *MockClient) Disconnect() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.connected = false
}

func (m *MockClient) Subscribe(topic string, qos byte, handler MessageHandler) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.handlers[topic] = handler
	return nil
}

func (m *MockClient) IsConnected() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.connected
}

// Deliver synchronously hands a message to matching subscriptions
func (m *MockClient) Deliver(topic string, payload []byte) {
	m.mu.Lock()
	var matched []MessageHandler
	for filter, h := range m.handlers {
		if TopicMatches(filter, topic) {
			matched = append(matched, h)
		}
	}
	m.mu.Unlock()

	for _, h := range matched {
		h(mockMessage{topic: topic, payload: payload})
	}
}

type mockMessage struct {
	topic   string
	payload []byte
}

func (m mockMessage) Topic() string   { return m.topic }
func (m mockMessage) Payload() []byte { return m.payload }

// TopicMatches applies MQTT wildcard rules: + matches one level, a trailing #
// matches the rest
func TopicMatches(filter, topic string) bool {
	fs := strings.Split(filter, "/")
	ts := strings.Split(topic, "/")
	for i, f := range fs {
		if f == "#" {
			return true
		}
		if i >= len(ts) {
			return false
		}
		if f != "+" && f != ts[i] {
			return false
		}
	}
	return len(fs) == len(ts)
}
