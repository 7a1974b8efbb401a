package buffer

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

var t0 = time.Date(2024, 3, 4, 8, 0, 0, 0, time.UTC)

func TestDecide_RecentManualChange(t *testing.T) {
	cfg := Config{Tolerance: 2.0, Window: 15 * time.Minute, Enabled: true}
	history := History{ManualValue: 19.0, ManualAt: t0}

	tests := []struct {
		name     string
		now      time.Time
		suppress bool
		reason   Reason
	}{
		{"inside window", t0.Add(10 * time.Minute), true, ReasonRecentManualChange},
		{"window edge", t0.Add(15 * time.Minute), true, ReasonRecentManualChange},
		{"outside window", t0.Add(20 * time.Minute), false, ReasonDue},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			d := Decide(Input{
				EntityID: "climate.living_room",
				Target:   21.0,
				Current:  19.0,
				Config:   cfg,
				History:  history,
				Now:      tt.now,
			})
			assert.Equal(t, tt.suppress, d.Suppress)
			assert.Equal(t, tt.reason, d.Reason)
		})
	}
}

func TestDecide_ManualChangeNoLongerHeld(t *testing.T) {
	cfg := Config{Tolerance: 0.5, Window: time.Hour, Enabled: true}
	d := Decide(Input{
		Target:  21.0,
		Current: 17.0,
		Config:  cfg,
		History: History{ManualValue: 19.0, ManualAt: t0},
		Now:     t0.Add(5 * time.Minute),
	})
	assert.False(t, d.Suppress, "value moved away from the manual change, nothing to protect")
	assert.Equal(t, ReasonDue, d.Reason)
}

func TestDecide_AlreadySatisfied(t *testing.T) {
	d := Decide(Input{
		Target:  20.0,
		Current: 20.1,
		Config:  Config{Tolerance: 0.5, Window: 15 * time.Minute, Enabled: true},
		Now:     t0,
	})
	assert.True(t, d.Suppress)
	assert.Equal(t, ReasonAlreadySatisfied, d.Reason)

	// Regardless of manual history
	d = Decide(Input{
		Target:  20.0,
		Current: 20.1,
		Config:  Config{Tolerance: 0.5, Window: 15 * time.Minute, Enabled: true},
		History: History{ManualValue: 25, ManualAt: t0.Add(-time.Hour)},
		Now:     t0,
	})
	assert.True(t, d.Suppress)
	assert.Equal(t, ReasonAlreadySatisfied, d.Reason)
}

func TestDecide_DisabledAndForced(t *testing.T) {
	in := Input{
		Target:  20.0,
		Current: 20.0,
		Config:  Config{Tolerance: 0.5, Window: 15 * time.Minute, Enabled: false},
		Now:     t0,
	}
	d := Decide(in)
	assert.False(t, d.Suppress)
	assert.Equal(t, ReasonDisabled, d.Reason)

	in.Config.Enabled = true
	in.Force = true
	d = Decide(in)
	assert.False(t, d.Suppress)
	assert.Equal(t, ReasonForced, d.Reason)

	assert.False(t, ShouldSuppress("x", 20, in.Config, History{}, 20, t0, true))
	assert.True(t, ShouldSuppress("x", 20, in.Config, History{}, 20, t0, false))
}

func TestDecide_ManualChangeInFuture(t *testing.T) {
	// A clock step backwards must not make a manual change look permanent
	d := Decide(Input{
		Target:  21.0,
		Current: 19.0,
		Config:  Config{Tolerance: 2.0, Window: 15 * time.Minute, Enabled: true},
		History: History{ManualValue: 19.0, ManualAt: t0.Add(time.Hour)},
		Now:     t0,
	})
	assert.False(t, d.Suppress)
}

func TestClassify(t *testing.T) {
	scheduled := History{ScheduledValue: 21.0, ScheduledAt: t0}

	assert.Equal(t, AttributionManual, Classify(19.0, History{}, 0.5), "no scheduled record")
	assert.Equal(t, AttributionScheduled, Classify(21.0, scheduled, 0.5))
	assert.Equal(t, AttributionAmbiguous, Classify(21.3, scheduled, 0.5))
	assert.Equal(t, AttributionManual, Classify(23.0, scheduled, 0.5))

	assert.True(t, AttributionAmbiguous.IsManual())
	assert.False(t, AttributionScheduled.IsManual())
}

func TestSettingsResolve(t *testing.T) {
	tol := 1.0
	win := 30 * time.Minute
	disabled := false
	s := Settings{
		Default: Config{Tolerance: 0.5, Window: 15 * time.Minute, Enabled: true},
		Overrides: map[string]Override{
			"climate.office": {Tolerance: &tol},
		},
	}

	assert.Equal(t, s.Default, s.Resolve("climate.bedroom"))

	office := s.Resolve("climate.office")
	assert.Equal(t, 1.0, office.Tolerance)
	assert.Equal(t, 15*time.Minute, office.Window)

	slot := &Override{Window: &win}
	command := &Override{Enabled: &disabled}
	got := s.Resolve("climate.office", slot, nil, command)
	assert.Equal(t, Config{Tolerance: 1.0, Window: 30 * time.Minute, Enabled: false}, got)
}

func TestValidate(t *testing.T) {
	require.NoError(t, DefaultConfig().Validate())

	err := Config{Tolerance: -1}.Validate()
	assert.ErrorIs(t, err, ErrInvalidConfig)

	neg := -time.Minute
	s := Settings{Default: DefaultConfig(), Overrides: map[string]Override{"a.b": {Window: &neg}}}
	assert.ErrorIs(t, s.Validate(), ErrInvalidConfig)
}

type memRecord struct {
	history     History
	observed    float64
	hasObserved bool
	attribution Attribution
}

func (m *memRecord) History() History                { return m.history }
func (m *memRecord) LastObserved() (float64, bool)   { return m.observed, m.hasObserved }
func (m *memRecord) RecordObserved(v float64, _ time.Time) { m.observed, m.hasObserved = v, true }
func (m *memRecord) RecordManual(v float64, at time.Time, a Attribution) {
	m.history.ManualValue = v
	m.history.ManualAt = at
	m.attribution = a
}

func TestEngineObserve(t *testing.T) {
	engine := NewEngine(zap.NewNop())
	rec := &memRecord{history: History{ScheduledValue: 21.0, ScheduledAt: t0}}

	_, changed := engine.Observe(rec, "climate.x", 21.0, 0.5, t0)
	assert.False(t, changed, "first reading only sets the baseline")

	_, changed = engine.Observe(rec, "climate.x", 21.0, 0.5, t0.Add(time.Minute))
	assert.False(t, changed)

	attr, changed := engine.Observe(rec, "climate.x", 19.0, 0.5, t0.Add(2*time.Minute))
	require.True(t, changed)
	assert.Equal(t, AttributionManual, attr)
	assert.Equal(t, 19.0, rec.history.ManualValue)
	assert.Equal(t, t0.Add(2*time.Minute), rec.history.ManualAt)

	attr, changed = engine.Observe(rec, "climate.x", 21.2, 0.5, t0.Add(3*time.Minute))
	require.True(t, changed)
	assert.Equal(t, AttributionAmbiguous, attr)
	assert.Equal(t, AttributionAmbiguous, rec.attribution)
	assert.Equal(t, 21.2, rec.history.ManualValue)

	manualAt := rec.history.ManualAt
	attr, changed = engine.Observe(rec, "climate.x", 21.0, 0.5, t0.Add(4*time.Minute))
	require.True(t, changed)
	assert.Equal(t, AttributionScheduled, attr)
	assert.Equal(t, manualAt, rec.history.ManualAt, "scheduled changes are not recorded as manual")
}
