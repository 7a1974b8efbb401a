// Package integration runs the evaluator against a mock Home Assistant
// websocket server.
package integration

import (
	"context"
	"testing"
	"time"

	"homeschedule/internal/buffer"
	"homeschedule/internal/presence"
	"homeschedule/internal/schedule"
	"homeschedule/internal/scheduler"
	"homeschedule/pkg/testutil"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const thermostat = "climate.living_room"

func allDay(target float64) schedule.Week {
	week := make(schedule.Week)
	for _, day := range schedule.Days {
		week[day] = []schedule.Slot{{Start: schedule.Clock(0, 0), End: schedule.Clock(24, 0), Target: target}}
	}
	return week
}

func scenarioDocument() *schedule.Document {
	doc := schedule.NewDocument()
	doc.Entities = []string{thermostat}
	doc.Presence.Entities = []string{"person.alex"}
	doc.Presence.Timeout = 0
	doc.Schedules[presence.ModeHome] = allDay(21)
	doc.Schedules[presence.ModeAway] = allDay(16)
	return doc
}

func temperature(s *testutil.MockHAServer) float64 {
	st := s.GetState(thermostat)
	if st == nil {
		return 0
	}
	v, _ := st.Attributes["temperature"].(float64)
	return v
}

func lastOutcome(env *testutil.TestEnv) string {
	st, ok := env.Evaluator.Shadow().GetState(thermostat)
	if !ok {
		return ""
	}
	return st.Outputs.LastOutcome + "/" + st.Outputs.LastReason
}

func TestScenario_ScheduleFollowsPresenceAndManualChanges(t *testing.T) {
	env, err := testutil.NewTestEnv(scenarioDocument(), time.Now(), func(s *testutil.MockHAServer) {
		s.SetState(thermostat, "heat", map[string]interface{}{"temperature": 19.0, "min_temp": 7.0, "max_temp": 30.0})
		s.SetState("person.alex", "home", map[string]interface{}{})
	})
	require.NoError(t, err)
	defer env.Cleanup()

	require.NoError(t, env.Runner.Start(context.Background()))

	// Startup pass applies the home setpoint
	require.Eventually(t, func() bool { return temperature(env.Server) == 21 }, 2*time.Second, 10*time.Millisecond)
	require.Eventually(t, func() bool {
		st, _ := env.Store.Get(thermostat)
		return st.ScheduledValue == 21
	}, 2*time.Second, 10*time.Millisecond)

	// Someone turns it up by hand; the re-evaluation keeps their value
	env.Server.SetAttribute(thermostat, "temperature", 23.0)
	require.Eventually(t, func() bool {
		return lastOutcome(env) == string(scheduler.OutcomeSuppressed)+"/"+string(buffer.ReasonRecentManualChange)
	}, 2*time.Second, 10*time.Millisecond)
	assert.Equal(t, 1, env.Server.CountServiceCalls("climate", "set_temperature"))

	// Once the window has passed, leaving home drops to the away setpoint
	env.Clock.Advance(20 * time.Minute)
	env.Server.SetState("person.alex", "not_home", map[string]interface{}{})
	require.Eventually(t, func() bool { return temperature(env.Server) == 16 }, 2*time.Second, 10*time.Millisecond)
	assert.Equal(t, presence.ModeAway, env.Evaluator.LastPresence().Mode)

	call := env.Server.FindServiceCall("climate", "set_temperature", thermostat)
	require.NotNil(t, call)
	assert.Equal(t, thermostat, call.EntityID())

	written := testutil.Setpoints(env.Server.GetServiceCalls(), "climate", "set_temperature", thermostat, "temperature")
	require.NotEmpty(t, written)
	assert.Equal(t, 21.0, written[0])
	assert.Equal(t, 16.0, written[len(written)-1])
	assert.NotContains(t, written, 23.0)
}

func TestScenario_RejectedServiceCallIsNotRetried(t *testing.T) {
	env, err := testutil.NewTestEnv(scenarioDocument(), time.Now(), func(s *testutil.MockHAServer) {
		s.SetState(thermostat, "heat", map[string]interface{}{"temperature": 19.0})
		s.SetState("person.alex", "home", map[string]interface{}{})
	})
	require.NoError(t, err)
	defer env.Cleanup()

	env.Server.FailNextCall("invalid_format", "temperature out of range")

	res := env.Evaluator.ForceApply(context.Background(), thermostat)

	assert.Equal(t, scheduler.OutcomeApplyFailed, res.Outcome)
	assert.Equal(t, 1, res.Attempts)
	assert.Contains(t, res.Reason, "invalid_format")
	calls := testutil.CallsForEntity(env.Server.GetServiceCalls(), "climate", "set_temperature", thermostat)
	require.Len(t, calls, 1)
	v, ok := calls[0].Number("temperature")
	require.True(t, ok)
	assert.Equal(t, 21.0, v)

	// The next pass goes through
	res = env.Evaluator.ForceApply(context.Background(), thermostat)
	assert.Equal(t, scheduler.OutcomeApplied, res.Outcome)
	assert.Eventually(t, func() bool { return temperature(env.Server) == 21 }, 2*time.Second, 10*time.Millisecond)
}
