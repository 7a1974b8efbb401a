package ha

import (
	"context"
	"fmt"
	"strconv"
	"sync"
	"time"
)

// ServiceCall records a service call for testing
type ServiceCall struct {
	Domain  string
	Service string
	Data    map[string]interface{}
	Time    time.Time
}

// MockClient implements HAClient interface for testing
type MockClient struct {
	states       map[string]*State
	statesMu     sync.RWMutex
	subscribers  map[string][]subscriberEntry
	subsMu       sync.RWMutex
	nextSubID    int
	nextSubIDMu  sync.Mutex
	connected    bool
	connMu       sync.RWMutex
	serviceCalls []ServiceCall
	callErrors   []error
	callBlock    bool
	getErr       error
	callsMu      sync.Mutex
}

// NewMockClient creates a new mock HA client
func NewMockClient() *MockClient {
	return &MockClient{
		states:       make(map[string]*State),
		subscribers:  make(map[string][]subscriberEntry),
		serviceCalls: make([]ServiceCall, 0),
	}
}

// Connect simulates connecting to Home Assistant
func (m *MockClient) Connect() error {
	m.connMu.Lock()
	defer m.connMu.Unlock()

	if m.connected {
		return fmt.Errorf("already connected")
	}

	m.connected = true
	return nil
}

// Disconnect simulates disconnecting
func (m *MockClient) Disconnect() error {
	m.connMu.Lock()
	m.connected = false
	m.connMu.Unlock()

	m.subsMu.Lock()
	m.subscribers = make(map[string][]subscriberEntry)
	m.subsMu.Unlock()
	return nil
}

// IsConnected returns connection status
func (m *MockClient) IsConnected() bool {
	m.connMu.RLock()
	defer m.connMu.RUnlock()
	return m.connected
}

// GetState returns a copy of the stored state
func (m *MockClient) GetState(ctx context.Context, entityID string) (*State, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	m.callsMu.Lock()
	getErr := m.getErr
	m.callsMu.Unlock()
	if getErr != nil {
		return nil, getErr
	}

	m.statesMu.RLock()
	defer m.statesMu.RUnlock()

	state, ok := m.states[entityID]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrEntityNotFound, entityID)
	}
	return copyState(state), nil
}

// GetAllStates returns copies of all stored states
func (m *MockClient) GetAllStates(ctx context.Context) ([]*State, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	m.statesMu.RLock()
	defer m.statesMu.RUnlock()

	states := make([]*State, 0, len(m.states))
	for _, state := range m.states {
		states = append(states, copyState(state))
	}
	return states, nil
}

// CallService records the call and mirrors its effect on the stored state
// for the numeric domains the scheduler drives.
func (m *MockClient) CallService(ctx context.Context, domain, service string, data map[string]interface{}) error {
	m.callsMu.Lock()
	m.serviceCalls = append(m.serviceCalls, ServiceCall{
		Domain:  domain,
		Service: service,
		Data:    data,
		Time:    time.Now(),
	})
	block := m.callBlock
	var err error
	if len(m.callErrors) > 0 {
		err = m.callErrors[0]
		m.callErrors = m.callErrors[1:]
	}
	m.callsMu.Unlock()

	if block {
		<-ctx.Done()
		return fmt.Errorf("timeout waiting for response: %w", ctx.Err())
	}
	if err != nil {
		return err
	}

	entityID, _ := data["entity_id"].(string)
	if entityID == "" {
		return nil
	}

	switch {
	case domain == "climate" && service == "set_temperature",
		domain == "water_heater" && service == "set_temperature":
		m.setAttribute(entityID, "temperature", data["temperature"])
	case (domain == "number" || domain == "input_number") && service == "set_value":
		m.setNumericState(entityID, data["value"])
	case domain == "light" && service == "turn_on":
		m.setAttribute(entityID, "brightness", data["brightness"])
	case domain == "cover" && service == "set_cover_position":
		m.setAttribute(entityID, "current_position", data["position"])
	case domain == "fan" && service == "set_percentage":
		m.setAttribute(entityID, "percentage", data["percentage"])
	}
	return nil
}

func (m *MockClient) setAttribute(entityID, key string, value interface{}) {
	m.statesMu.RLock()
	current, ok := m.states[entityID]
	var attrs map[string]interface{}
	state := "on"
	if ok {
		attrs = copyAttributes(current.Attributes)
		state = current.State
	}
	m.statesMu.RUnlock()

	if attrs == nil {
		attrs = make(map[string]interface{})
	}
	attrs[key] = value
	m.SetState(entityID, state, attrs)
}

func (m *MockClient) setNumericState(entityID string, value interface{}) {
	var s string
	switch v := value.(type) {
	case float64:
		s = strconv.FormatFloat(v, 'f', -1, 64)
	default:
		s = fmt.Sprintf("%v", v)
	}

	m.statesMu.RLock()
	var attrs map[string]interface{}
	if current, ok := m.states[entityID]; ok {
		attrs = copyAttributes(current.Attributes)
	}
	m.statesMu.RUnlock()

	m.SetState(entityID, s, attrs)
}

// SubscribeStateChanges subscribes to state changes
func (m *MockClient) SubscribeStateChanges(entityID string, handler StateChangeHandler) (Subscription, error) {
	m.nextSubIDMu.Lock()
	subID := m.nextSubID
	m.nextSubID++
	m.nextSubIDMu.Unlock()

	m.subsMu.Lock()
	m.subscribers[entityID] = append(m.subscribers[entityID], subscriberEntry{
		subID:   subID,
		handler: handler,
	})
	m.subsMu.Unlock()

	return &subscription{
		entityID: entityID,
		subID:    subID,
		unsubscribe: func(entityID string, subID int) error {
			m.subsMu.Lock()
			defer m.subsMu.Unlock()
			removeSubscriber(m.subscribers, entityID, subID)
			return nil
		},
	}, nil
}

// SetState sets an entity state and notifies subscribers synchronously
func (m *MockClient) SetState(entityID, state string, attributes map[string]interface{}) {
	m.statesMu.Lock()
	oldState := m.states[entityID]
	newState := &State{
		EntityID:    entityID,
		State:       state,
		Attributes:  attributes,
		LastChanged: time.Now(),
		LastUpdated: time.Now(),
	}
	m.states[entityID] = newState
	m.statesMu.Unlock()

	m.subsMu.RLock()
	entries := append([]subscriberEntry(nil), m.subscribers[entityID]...)
	m.subsMu.RUnlock()

	for _, entry := range entries {
		entry.handler(entityID, copyState(oldState), copyState(newState))
	}
}

// FailNextCalls queues errors returned by the following CallService calls, in order
func (m *MockClient) FailNextCalls(errs ...error) {
	m.callsMu.Lock()
	defer m.callsMu.Unlock()
	m.callErrors = append(m.callErrors, errs...)
}

// BlockCalls makes CallService wait for its context to finish
func (m *MockClient) BlockCalls(block bool) {
	m.callsMu.Lock()
	defer m.callsMu.Unlock()
	m.callBlock = block
}

// SetGetStateError makes GetState fail with err until reset with nil
func (m *MockClient) SetGetStateError(err error) {
	m.callsMu.Lock()
	defer m.callsMu.Unlock()
	m.getErr = err
}

// GetServiceCalls returns all recorded service calls
func (m *MockClient) GetServiceCalls() []ServiceCall {
	m.callsMu.Lock()
	defer m.callsMu.Unlock()

	calls := make([]ServiceCall, len(m.serviceCalls))
	copy(calls, m.serviceCalls)
	return calls
}

// ClearServiceCalls clears recorded service calls
func (m *MockClient) ClearServiceCalls() {
	m.callsMu.Lock()
	defer m.callsMu.Unlock()
	m.serviceCalls = make([]ServiceCall, 0)
}

func copyState(s *State) *State {
	if s == nil {
		return nil
	}
	c := *s
	c.Attributes = copyAttributes(s.Attributes)
	return &c
}

func copyAttributes(attrs map[string]interface{}) map[string]interface{} {
	if attrs == nil {
		return nil
	}
	out := make(map[string]interface{}, len(attrs))
	for k, v := range attrs {
		out[k] = v
	}
	return out
}
