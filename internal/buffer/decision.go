package buffer

import (
	"math"
	"time"
)

// equalEpsilon is the float slack for "exactly matches" comparisons
const equalEpsilon = 1e-6

// Reason explains a Decision
type Reason string

const (
	ReasonDue                Reason = "due"
	ReasonAlreadySatisfied   Reason = "already_satisfied"
	ReasonRecentManualChange Reason = "recent_manual_change"
	ReasonDisabled           Reason = "disabled"
	ReasonForced             Reason = "forced"
)

// History is the slice of an entity's change record the decision needs
type History struct {
	ManualValue    float64
	ManualAt       time.Time
	ScheduledValue float64
	ScheduledAt    time.Time
}

// HasManual reports whether a manual change was ever recorded
func (h History) HasManual() bool { return !h.ManualAt.IsZero() }

// HasScheduled reports whether the scheduler ever applied a value
func (h History) HasScheduled() bool { return !h.ScheduledAt.IsZero() }

// Input is everything Decide looks at for one candidate application
type Input struct {
	EntityID string
	Target   float64
	Current  float64
	Config   Config
	History  History
	Now      time.Time
	Force    bool
}

// Decision is the outcome of Decide
type Decision struct {
	Suppress bool
	Reason   Reason
}

// Decide evaluates the two suppression conditions. Either one suppresses;
// a disabled buffer or a forced application never suppresses.
func Decide(in Input) Decision {
	if in.Force {
		return Decision{Reason: ReasonForced}
	}
	if !in.Config.Enabled {
		return Decision{Reason: ReasonDisabled}
	}

	if math.Abs(in.Current-in.Target) <= in.Config.Tolerance {
		return Decision{Suppress: true, Reason: ReasonAlreadySatisfied}
	}

	if manualStillInForce(in) {
		return Decision{Suppress: true, Reason: ReasonRecentManualChange}
	}

	return Decision{Reason: ReasonDue}
}

// ShouldSuppress is the boolean form of Decide
func ShouldSuppress(entityID string, target float64, cfg Config, history History, current float64, now time.Time, force bool) bool {
	return Decide(Input{
		EntityID: entityID,
		Target:   target,
		Current:  current,
		Config:   cfg,
		History:  history,
		Now:      now,
		Force:    force,
	}).Suppress
}

// manualStillInForce: a manual change inside the window whose value the entity still holds
func manualStillInForce(in Input) bool {
	if !in.History.HasManual() {
		return false
	}
	age := in.Now.Sub(in.History.ManualAt)
	if age < 0 || age > in.Config.Window {
		return false
	}
	return math.Abs(in.Current-in.History.ManualValue) <= in.Config.Tolerance
}

// Attribution tags who is believed to have caused an observed value change
type Attribution string

const (
	AttributionManual    Attribution = "manual"
	AttributionScheduled Attribution = "scheduled"
	AttributionAmbiguous Attribution = "ambiguous"
)

// IsManual reports whether the change is treated as a human change.
// Ambiguous changes count as manual so the scheduler backs off.
func (a Attribution) IsManual() bool {
	return a == AttributionManual || a == AttributionAmbiguous
}

// Classify attributes an observed value by exclusion against the scheduler's last apply
func Classify(observed float64, history History, tolerance float64) Attribution {
	if !history.HasScheduled() {
		return AttributionManual
	}
	delta := math.Abs(observed - history.ScheduledValue)
	switch {
	case delta <= equalEpsilon:
		return AttributionScheduled
	case delta <= tolerance:
		return AttributionAmbiguous
	default:
		return AttributionManual
	}
}

// Changed reports whether two observations differ beyond float noise
func Changed(previous, current float64) bool {
	return math.Abs(previous-current) > equalEpsilon
}
