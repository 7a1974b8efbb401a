package entity

import (
	"context"
	"errors"
	"testing"

	"homeschedule/internal/ha"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func TestReadCurrentValue(t *testing.T) {
	ctx := context.Background()
	mock := ha.NewMockClient()
	mock.SetState("climate.living_room", "heat", map[string]interface{}{"temperature": 20.5})
	mock.SetState("input_number.boiler", "55", nil)
	mock.SetState("cover.blinds", "open", map[string]interface{}{"current_position": 40})
	mock.SetState("climate.dead", "unavailable", nil)
	mock.SetState("light.hall", "off", map[string]interface{}{})
	mock.SetState("switch.pump", "on", nil)

	adapter := NewAdapter(mock, zap.NewNop(), false)

	tests := []struct {
		entityID string
		want     float64
		wantErr  error
	}{
		{"climate.living_room", 20.5, nil},
		{"input_number.boiler", 55, nil},
		{"cover.blinds", 40, nil},
		{"climate.dead", 0, ErrUnavailable},
		{"climate.missing", 0, ErrUnavailable},
		{"light.hall", 0, ErrUnavailable},
		{"switch.pump", 0, ErrUnavailable},
	}

	for _, tt := range tests {
		t.Run(tt.entityID, func(t *testing.T) {
			got, err := adapter.ReadCurrentValue(ctx, tt.entityID)
			if tt.wantErr != nil {
				assert.ErrorIs(t, err, tt.wantErr)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestReadBounds(t *testing.T) {
	ctx := context.Background()
	mock := ha.NewMockClient()
	mock.SetState("climate.office", "heat", map[string]interface{}{"min_temp": 5.0, "max_temp": 30.0})
	mock.SetState("climate.plain", "heat", map[string]interface{}{})
	mock.SetState("input_number.boiler", "55", map[string]interface{}{"min": 40.0, "max": 65.0})
	mock.SetState("number.bare", "3", nil)

	adapter := NewAdapter(mock, zap.NewNop(), false)

	b, err := adapter.ReadBounds(ctx, "climate.office")
	require.NoError(t, err)
	assert.Equal(t, Bounds{Min: 5, Max: 30}, b)

	b, err = adapter.ReadBounds(ctx, "climate.plain")
	require.NoError(t, err)
	assert.Equal(t, Bounds{Min: 7, Max: 35}, b)

	b, err = adapter.ReadBounds(ctx, "input_number.boiler")
	require.NoError(t, err)
	assert.True(t, b.Contains(65))
	assert.False(t, b.Contains(66))

	_, err = adapter.ReadBounds(ctx, "number.bare")
	assert.ErrorIs(t, err, ErrUnavailable)
}

func TestApplyValue(t *testing.T) {
	ctx := context.Background()
	mock := ha.NewMockClient()
	mock.SetState("climate.bedroom", "heat", map[string]interface{}{"temperature": 18.0})
	adapter := NewAdapter(mock, zap.NewNop(), false)

	require.NoError(t, adapter.ApplyValue(ctx, "climate.bedroom", 21.0))

	calls := mock.GetServiceCalls()
	require.Len(t, calls, 1)
	assert.Equal(t, "climate", calls[0].Domain)
	assert.Equal(t, "set_temperature", calls[0].Service)
	assert.Equal(t, 21.0, calls[0].Data["temperature"])

	v, err := adapter.ReadCurrentValue(ctx, "climate.bedroom")
	require.NoError(t, err)
	assert.Equal(t, 21.0, v)
}

func TestApplyValue_Errors(t *testing.T) {
	ctx := context.Background()
	mock := ha.NewMockClient()
	adapter := NewAdapter(mock, zap.NewNop(), false)

	err := adapter.ApplyValue(ctx, "switch.pump", 1)
	assert.ErrorIs(t, err, ErrPermanent)

	mock.FailNextCalls(&ha.RequestError{Code: "service_validation_error", Message: "out of range"})
	err = adapter.ApplyValue(ctx, "climate.bedroom", 99)
	assert.ErrorIs(t, err, ErrPermanent)

	transient := errors.New("connection reset")
	mock.FailNextCalls(transient)
	err = adapter.ApplyValue(ctx, "climate.bedroom", 20)
	assert.ErrorIs(t, err, transient)
	assert.NotErrorIs(t, err, ErrPermanent)
}

func TestApplyValue_ReadOnly(t *testing.T) {
	mock := ha.NewMockClient()
	adapter := NewAdapter(mock, zap.NewNop(), true)

	require.NoError(t, adapter.ApplyValue(context.Background(), "climate.bedroom", 21.0))
	assert.Empty(t, mock.GetServiceCalls())
}

func TestDomain(t *testing.T) {
	assert.Equal(t, "climate", Domain("climate.living_room"))
	assert.Equal(t, "", Domain("nodot"))
	assert.True(t, Supported("input_number"))
	assert.False(t, Supported("switch"))
}

func TestValueFromState(t *testing.T) {
	v, err := ValueFromState(&ha.State{
		EntityID:   "water_heater.tank",
		State:      "eco",
		Attributes: map[string]interface{}{"temperature": "52.5"},
	})
	require.NoError(t, err)
	assert.Equal(t, 52.5, v)

	_, err = ValueFromState(&ha.State{EntityID: "number.x", State: "unknown"})
	assert.ErrorIs(t, err, ErrUnavailable)

	_, err = ValueFromState(nil)
	assert.ErrorIs(t, err, ErrUnavailable)
}
