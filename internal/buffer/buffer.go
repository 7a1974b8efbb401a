// Package buffer decides whether a due schedule application should be
// suppressed because the entity already holds the value or because a human
// changed it recently.
package buffer

import (
	"errors"
	"fmt"
	"math"
	"time"
)

// ErrInvalidConfig is returned by Validate for malformed buffer values
var ErrInvalidConfig = errors.New("invalid buffer config")

// Config is the tolerance/window pair governing suppression
type Config struct {
	Tolerance float64       `yaml:"tolerance" json:"tolerance"`
	Window    time.Duration `yaml:"window" json:"window"`
	Enabled   bool          `yaml:"enabled" json:"enabled"`
}

// DefaultConfig is used when a document carries no buffer section
func DefaultConfig() Config {
	return Config{
		Tolerance: 0.5,
		Window:    15 * time.Minute,
		Enabled:   true,
	}
}

// Validate rejects negative or non-finite values
func (c Config) Validate() error {
	if math.IsNaN(c.Tolerance) || math.IsInf(c.Tolerance, 0) || c.Tolerance < 0 {
		return fmt.Errorf("%w: tolerance must be a finite value >= 0, got %v", ErrInvalidConfig, c.Tolerance)
	}
	if c.Window < 0 {
		return fmt.Errorf("%w: window must be >= 0, got %s", ErrInvalidConfig, c.Window)
	}
	return nil
}

// Override narrows or replaces individual fields of a Config. Nil fields inherit.
type Override struct {
	Tolerance *float64       `yaml:"tolerance,omitempty" json:"tolerance,omitempty"`
	Window    *time.Duration `yaml:"window,omitempty" json:"window,omitempty"`
	Enabled   *bool          `yaml:"enabled,omitempty" json:"enabled,omitempty"`
}

// Apply returns c with the non-nil fields of o applied
func (c Config) Apply(o *Override) Config {
	if o == nil {
		return c
	}
	if o.Tolerance != nil {
		c.Tolerance = *o.Tolerance
	}
	if o.Window != nil {
		c.Window = *o.Window
	}
	if o.Enabled != nil {
		c.Enabled = *o.Enabled
	}
	return c
}

// Validate checks the fields that are set
func (o *Override) Validate() error {
	if o == nil {
		return nil
	}
	return Config{}.Apply(o).Validate()
}

// Settings is the document-level buffer section: a global default plus per-entity overrides
type Settings struct {
	Default   Config              `yaml:"default" json:"default"`
	Overrides map[string]Override `yaml:"overrides,omitempty" json:"overrides,omitempty"`
}

// Resolve returns the effective config for an entity. Precedence, lowest first:
// global default, entity override, then each extra override in order (slot, command).
func (s Settings) Resolve(entityID string, extra ...*Override) Config {
	cfg := s.Default
	if o, ok := s.Overrides[entityID]; ok {
		cfg = cfg.Apply(&o)
	}
	for _, o := range extra {
		cfg = cfg.Apply(o)
	}
	return cfg
}

// Validate checks the default and every override
func (s Settings) Validate() error {
	if err := s.Default.Validate(); err != nil {
		return fmt.Errorf("default: %w", err)
	}
	for entityID, o := range s.Overrides {
		o := o
		if err := o.Validate(); err != nil {
			return fmt.Errorf("override %s: %w", entityID, err)
		}
	}
	return nil
}
