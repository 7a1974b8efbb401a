// Package presence turns raw occupancy signals into a single home/away mode.
package presence

import (
	"errors"
	"fmt"
	"time"
)

// ErrSourceUnavailable is returned by sources that cannot read their signals
var ErrSourceUnavailable = errors.New("presence source unavailable")

// ErrInvalidConfig is returned by Config.Validate
var ErrInvalidConfig = errors.New("invalid presence config")

// Mode is the coarse occupancy state
type Mode string

const (
	ModeHome Mode = "home"
	ModeAway Mode = "away"
)

// Modes lists every mode in display order
var Modes = []Mode{ModeHome, ModeAway}

// ParseMode accepts "home" or "away"
func ParseMode(s string) (Mode, error) {
	switch Mode(s) {
	case ModeHome, ModeAway:
		return Mode(s), nil
	default:
		return "", fmt.Errorf("unknown mode %q", s)
	}
}

// Rule selects how signals combine
type Rule string

const (
	RuleAnyoneHome   Rule = "anyone_home"
	RuleEveryoneHome Rule = "everyone_home"
	RuleCustom       Rule = "custom"
)

// Config is the document-level presence section
type Config struct {
	Rule     Rule          `yaml:"rule" json:"rule"`
	Timeout  time.Duration `yaml:"timeout" json:"timeout"`
	Entities []string      `yaml:"entities,omitempty" json:"entities,omitempty"`

	// Switch entities that force a mode regardless of the rule
	ForceHome string `yaml:"force_home,omitempty" json:"force_home,omitempty"`
	ForceAway string `yaml:"force_away,omitempty" json:"force_away,omitempty"`

	// Predicate names an entry of the Predicates registry, used by RuleCustom
	Predicate string `yaml:"predicate,omitempty" json:"predicate,omitempty"`
}

// DefaultConfig is used when a document carries no presence section
func DefaultConfig() Config {
	return Config{
		Rule:    RuleAnyoneHome,
		Timeout: 30 * time.Minute,
	}
}

// Validate checks the rule and timeout
func (c Config) Validate() error {
	switch c.Rule {
	case RuleAnyoneHome, RuleEveryoneHome, RuleCustom:
	default:
		return fmt.Errorf("%w: unknown rule %q", ErrInvalidConfig, c.Rule)
	}
	if c.Timeout < 0 {
		return fmt.Errorf("%w: timeout must be >= 0, got %s", ErrInvalidConfig, c.Timeout)
	}
	if c.Rule == RuleCustom && c.Predicate == "" {
		return fmt.Errorf("%w: rule custom requires a predicate", ErrInvalidConfig)
	}
	return nil
}

// SignalState is the reading of one occupancy signal
type SignalState string

const (
	StatePresent SignalState = "present"
	StateAbsent  SignalState = "absent"
	StateUnknown SignalState = "unknown"
)

// Signal is one raw occupancy input
type Signal struct {
	ID          string      `json:"id"`
	State       SignalState `json:"state"`
	LastUpdated time.Time   `json:"last_updated"`
	Stale       bool        `json:"stale,omitempty"`
}

// Input is what a source hands to Evaluate
type Input struct {
	Signals   []Signal
	ForceHome bool
	ForceAway bool
}

// Snapshot is the result of one evaluation
type Snapshot struct {
	Mode         Mode      `json:"mode"`
	EvaluatedAt  time.Time `json:"evaluated_at"`
	Contributing []Signal  `json:"contributing_signals"`
	Reason       string    `json:"reason"`
	Overridden   bool      `json:"overridden,omitempty"`
}
