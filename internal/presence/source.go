package presence

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"homeschedule/internal/ha"
	"homeschedule/internal/mqtt"

	"go.uber.org/zap"
)

// StateFromHA maps a Home Assistant entity state to a signal reading.
// person and device_tracker report "home"; binary sensors and booleans "on".
func StateFromHA(state string) SignalState {
	switch strings.ToLower(strings.TrimSpace(state)) {
	case "home", "on", "true", "present", "detected":
		return StatePresent
	case "", "unknown", "unavailable", "none":
		return StateUnknown
	default:
		// not_home, off, away and zone names
		return StateAbsent
	}
}

// StateReader is the slice of the HA client HASource uses
type StateReader interface {
	GetState(ctx context.Context, entityID string) (*ha.State, error)
}

// HASource reads signals from Home Assistant person, device_tracker and
// binary_sensor entities
type HASource struct {
	client   StateReader
	fallback []string
	logger   *zap.Logger
}

// NewHASource creates a source. fallback is used when the document names no
// presence entities.
func NewHASource(client StateReader, fallback []string, logger *zap.Logger) *HASource {
	return &HASource{
		client:   client,
		fallback: fallback,
		logger:   logger.Named("presence"),
	}
}

// ReadSignals reads every configured entity. An entity that is missing or
// unavailable becomes an unknown signal; the source fails only when no
// entity could be read at all.
func (s *HASource) ReadSignals(ctx context.Context, cfg Config) (Input, error) {
	ids := cfg.Entities
	if len(ids) == 0 {
		ids = s.fallback
	}

	var in Input
	failures := 0
	for _, id := range ids {
		state, err := s.client.GetState(ctx, id)
		if err != nil {
			if !errors.Is(err, ha.ErrEntityNotFound) {
				failures++
			}
			s.logger.Debug("Presence entity unreadable", zap.String("entity_id", id), zap.Error(err))
			in.Signals = append(in.Signals, Signal{ID: id, State: StateUnknown})
			continue
		}
		in.Signals = append(in.Signals, Signal{
			ID:          id,
			State:       StateFromHA(state.State),
			LastUpdated: state.LastUpdated,
		})
	}
	if len(ids) > 0 && failures == len(ids) {
		return Input{}, fmt.Errorf("%w: no presence entity readable", ErrSourceUnavailable)
	}

	var err error
	if in.ForceHome, err = s.switchOn(ctx, cfg.ForceHome); err != nil {
		return Input{}, err
	}
	if in.ForceAway, err = s.switchOn(ctx, cfg.ForceAway); err != nil {
		return Input{}, err
	}
	return in, nil
}

func (s *HASource) switchOn(ctx context.Context, entityID string) (bool, error) {
	if entityID == "" {
		return false, nil
	}
	state, err := s.client.GetState(ctx, entityID)
	if errors.Is(err, ha.ErrEntityNotFound) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("%w: override %s: %v", ErrSourceUnavailable, entityID, err)
	}
	return strings.EqualFold(state.State, "on"), nil
}

// MQTTSource keeps the latest reading per topic leaf, for trackers that
// publish presence over MQTT. Topic "<prefix>/alice" yields signal "alice".
type MQTTSource struct {
	client mqtt.Client
	topic  string
	now    func() time.Time
	logger *zap.Logger

	mu      sync.RWMutex
	signals map[string]Signal
}

// mqttPayload is the JSON form; plain-text payloads are the state alone
type mqttPayload struct {
	State     string    `json:"state"`
	Timestamp time.Time `json:"timestamp"`
}

// NewMQTTSource creates a source subscribed to topic (usually ending in /+).
// now stamps messages that carry no timestamp.
func NewMQTTSource(client mqtt.Client, topic string, now func() time.Time, logger *zap.Logger) *MQTTSource {
	return &MQTTSource{
		client:  client,
		topic:   topic,
		now:     now,
		logger:  logger.Named("presence.mqtt"),
		signals: make(map[string]Signal),
	}
}

// Start connects and subscribes
func (s *MQTTSource) Start(ctx context.Context) error {
	if !s.client.IsConnected() {
		if err := s.client.Connect(ctx); err != nil {
			return err
		}
	}
	return s.client.Subscribe(s.topic, 1, s.handle)
}

// Stop disconnects
func (s *MQTTSource) Stop() {
	s.client.Disconnect()
}

func (s *MQTTSource) handle(msg mqtt.Message) {
	topic := msg.Topic()
	id := topic[strings.LastIndex(topic, "/")+1:]

	var p mqttPayload
	if err := json.Unmarshal(msg.Payload(), &p); err != nil {
		p = mqttPayload{State: string(msg.Payload())}
	}
	if p.Timestamp.IsZero() {
		p.Timestamp = s.now()
	}

	sig := Signal{ID: id, State: StateFromHA(p.State), LastUpdated: p.Timestamp}
	s.mu.Lock()
	s.signals[id] = sig
	s.mu.Unlock()

	s.logger.Debug("Presence message",
		zap.String("signal", id),
		zap.String("state", string(sig.State)))
}

// ReadSignals returns the cached readings. Configured ids never heard from
// are unknown; overrides are signal ids whose latest state is present.
func (s *MQTTSource) ReadSignals(ctx context.Context, cfg Config) (Input, error) {
	if !s.client.IsConnected() {
		return Input{}, fmt.Errorf("%w: mqtt not connected", ErrSourceUnavailable)
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	var in Input
	if len(cfg.Entities) > 0 {
		for _, id := range cfg.Entities {
			sig, ok := s.signals[id]
			if !ok {
				sig = Signal{ID: id, State: StateUnknown}
			}
			in.Signals = append(in.Signals, sig)
		}
	} else {
		for id, sig := range s.signals {
			if id == cfg.ForceHome || id == cfg.ForceAway {
				continue
			}
			in.Signals = append(in.Signals, sig)
		}
		sort.Slice(in.Signals, func(i, j int) bool { return in.Signals[i].ID < in.Signals[j].ID })
	}

	if cfg.ForceHome != "" {
		in.ForceHome = s.signals[cfg.ForceHome].State == StatePresent
	}
	if cfg.ForceAway != "" {
		in.ForceAway = s.signals[cfg.ForceAway].State == StatePresent
	}
	return in, nil
}
