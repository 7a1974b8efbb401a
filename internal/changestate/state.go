// Package changestate is the per-entity record of manual and scheduled changes,
// guarded by a per-entity lock.
package changestate

import (
	"time"

	"homeschedule/internal/buffer"
)

// EntityChangeState is what the store keeps for one tracked entity
type EntityChangeState struct {
	ManualValue     float64            `yaml:"last_manual_value" json:"last_manual_value"`
	ManualAt        time.Time          `yaml:"last_manual_at,omitempty" json:"last_manual_at,omitempty"`
	ScheduledValue  float64            `yaml:"last_scheduled_value" json:"last_scheduled_value"`
	ScheduledAt     time.Time          `yaml:"last_scheduled_at,omitempty" json:"last_scheduled_at,omitempty"`
	ObservedValue   float64            `yaml:"last_observed_value" json:"last_observed_value"`
	ObservedAt      time.Time          `yaml:"last_observed_at,omitempty" json:"last_observed_at,omitempty"`
	Attribution     buffer.Attribution `yaml:"last_attribution,omitempty" json:"last_attribution,omitempty"`
	EffectiveBuffer buffer.Config      `yaml:"effective_buffer" json:"effective_buffer"`
}

// History returns the fields the buffer decision reads
func (s EntityChangeState) History() buffer.History {
	return buffer.History{
		ManualValue:    s.ManualValue,
		ManualAt:       s.ManualAt,
		ScheduledValue: s.ScheduledValue,
		ScheduledAt:    s.ScheduledAt,
	}
}
