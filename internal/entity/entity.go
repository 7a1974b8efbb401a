// Package entity reads and writes the numeric value of Home Assistant entities.
// It is the only place that knows which attribute or service carries the
// value for a given domain.
package entity

import (
	"context"
	"errors"
	"fmt"
	"math"
	"strconv"
	"strings"

	"homeschedule/internal/ha"

	"go.uber.org/zap"
)

var (
	// ErrUnavailable means the entity exists but reports no usable value, or is missing
	ErrUnavailable = errors.New("entity unavailable")

	// ErrPermanent marks apply failures that retrying cannot fix
	ErrPermanent = errors.New("permanent apply failure")
)

// Bounds is the value range an entity accepts
type Bounds struct {
	Min float64 `json:"min"`
	Max float64 `json:"max"`
}

// Contains reports whether v lies within the bounds, inclusive
func (b Bounds) Contains(v float64) bool {
	return v >= b.Min && v <= b.Max
}

// domainSpec describes how one Home Assistant domain exposes its numeric value
type domainSpec struct {
	// valueAttr is read from attributes; empty means the state itself is the value
	valueAttr string
	service   string
	dataKey   string
	minAttr   string
	maxAttr   string
	// fixed bounds used when minAttr/maxAttr are absent
	fixed *Bounds
}

var domains = map[string]domainSpec{
	"climate": {
		valueAttr: "temperature",
		service:   "set_temperature",
		dataKey:   "temperature",
		minAttr:   "min_temp",
		maxAttr:   "max_temp",
		fixed:     &Bounds{Min: 7, Max: 35},
	},
	"water_heater": {
		valueAttr: "temperature",
		service:   "set_temperature",
		dataKey:   "temperature",
		minAttr:   "min_temp",
		maxAttr:   "max_temp",
		fixed:     &Bounds{Min: 30, Max: 70},
	},
	"number": {
		service: "set_value",
		dataKey: "value",
		minAttr: "min",
		maxAttr: "max",
	},
	"input_number": {
		service: "set_value",
		dataKey: "value",
		minAttr: "min",
		maxAttr: "max",
	},
	"light": {
		valueAttr: "brightness",
		service:   "turn_on",
		dataKey:   "brightness",
		fixed:     &Bounds{Min: 0, Max: 255},
	},
	"cover": {
		valueAttr: "current_position",
		service:   "set_cover_position",
		dataKey:   "position",
		fixed:     &Bounds{Min: 0, Max: 100},
	},
	"fan": {
		valueAttr: "percentage",
		service:   "set_percentage",
		dataKey:   "percentage",
		fixed:     &Bounds{Min: 0, Max: 100},
	},
}

// Domain returns the domain part of an entity id
func Domain(entityID string) string {
	domain, _, ok := strings.Cut(entityID, ".")
	if !ok {
		return ""
	}
	return domain
}

// Supported reports whether the adapter knows how to drive the domain
func Supported(domain string) bool {
	_, ok := domains[domain]
	return ok
}

// Adapter implements value reads and applies on top of an HA client
type Adapter struct {
	client   ha.HAClient
	logger   *zap.Logger
	readOnly bool
}

// NewAdapter creates an entity adapter. In read-only mode ApplyValue logs the
// service call it would make and returns success.
func NewAdapter(client ha.HAClient, logger *zap.Logger, readOnly bool) *Adapter {
	return &Adapter{
		client:   client,
		logger:   logger.Named("entity"),
		readOnly: readOnly,
	}
}

func lookup(entityID string) (domainSpec, error) {
	dom, ok := domains[Domain(entityID)]
	if !ok {
		return domainSpec{}, fmt.Errorf("%w: unsupported domain for %s", ErrPermanent, entityID)
	}
	return dom, nil
}

func (a *Adapter) state(ctx context.Context, entityID string) (*ha.State, error) {
	state, err := a.client.GetState(ctx, entityID)
	if err != nil {
		if errors.Is(err, ha.ErrEntityNotFound) {
			return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
		}
		return nil, fmt.Errorf("%w: failed to read %s: %v", ErrUnavailable, entityID, err)
	}
	if state.State == "unavailable" || state.State == "unknown" {
		return nil, fmt.Errorf("%w: %s is %s", ErrUnavailable, entityID, state.State)
	}
	return state, nil
}

// ReadCurrentValue returns the entity's numeric value
func (a *Adapter) ReadCurrentValue(ctx context.Context, entityID string) (float64, error) {
	if _, err := lookup(entityID); err != nil {
		return 0, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}

	state, err := a.state(ctx, entityID)
	if err != nil {
		return 0, err
	}
	return ValueFromState(state)
}

// ValueFromState extracts the numeric value from a state, for callers that
// already hold one such as state_changed subscribers
func ValueFromState(state *ha.State) (float64, error) {
	if state == nil {
		return 0, fmt.Errorf("%w: no state", ErrUnavailable)
	}
	dom, err := lookup(state.EntityID)
	if err != nil {
		return 0, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	if state.State == "unavailable" || state.State == "unknown" {
		return 0, fmt.Errorf("%w: %s is %s", ErrUnavailable, state.EntityID, state.State)
	}

	var raw interface{} = state.State
	if dom.valueAttr != "" {
		raw = state.Attributes[dom.valueAttr]
	}

	v, ok := toFloat(raw)
	if !ok {
		return 0, fmt.Errorf("%w: %s has no numeric value", ErrUnavailable, state.EntityID)
	}
	return v, nil
}

// ReadBounds returns the accepted range, from attributes where the entity
// advertises one, otherwise the domain default
func (a *Adapter) ReadBounds(ctx context.Context, entityID string) (Bounds, error) {
	dom, err := lookup(entityID)
	if err != nil {
		return Bounds{}, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}

	state, err := a.state(ctx, entityID)
	if err != nil {
		return Bounds{}, err
	}

	if dom.minAttr != "" {
		lo, okLo := toFloat(state.Attributes[dom.minAttr])
		hi, okHi := toFloat(state.Attributes[dom.maxAttr])
		if okLo && okHi {
			return Bounds{Min: lo, Max: hi}, nil
		}
	}
	if dom.fixed != nil {
		return *dom.fixed, nil
	}
	return Bounds{}, fmt.Errorf("%w: %s advertises no bounds", ErrUnavailable, entityID)
}

// ApplyValue pushes value through the domain's service
func (a *Adapter) ApplyValue(ctx context.Context, entityID string, value float64) error {
	dom, err := lookup(entityID)
	if err != nil {
		return err
	}

	data := map[string]interface{}{
		"entity_id": entityID,
		dom.dataKey: value,
	}
	if dom.dataKey == "brightness" {
		data[dom.dataKey] = math.Round(value)
	}

	domain := Domain(entityID)
	if a.readOnly {
		a.logger.Info("Read-only mode, skipping service call",
			zap.String("entity_id", entityID),
			zap.String("service", domain+"."+dom.service),
			zap.Float64("value", value))
		return nil
	}

	if err := a.client.CallService(ctx, domain, dom.service, data); err != nil {
		var reqErr *ha.RequestError
		if errors.As(err, &reqErr) {
			return fmt.Errorf("%w: %s.%s for %s: %v", ErrPermanent, domain, dom.service, entityID, err)
		}
		return fmt.Errorf("failed to call %s.%s for %s: %w", domain, dom.service, entityID, err)
	}

	a.logger.Debug("Applied value",
		zap.String("entity_id", entityID),
		zap.Float64("value", value))
	return nil
}

func toFloat(v interface{}) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, !math.IsNaN(n) && !math.IsInf(n, 0)
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	case string:
		f, err := strconv.ParseFloat(n, 64)
		if err != nil || math.IsNaN(f) || math.IsInf(f, 0) {
			return 0, false
		}
		return f, true
	default:
		return 0, false
	}
}
