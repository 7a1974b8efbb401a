package ha

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

// mockHAServer creates a mock Home Assistant WebSocket server
func mockHAServer(t *testing.T, handler func(*websocket.Conn)) *httptest.Server {
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			t.Fatalf("Failed to upgrade connection: %v", err)
		}
		defer conn.Close()

		handler(conn)
	}))
}

// standardAuthFlow handles the standard authentication flow
func standardAuthFlow(t *testing.T, conn *websocket.Conn, token string) {
	// Send auth_required
	err := conn.WriteJSON(Message{Type: "auth_required"})
	require.NoError(t, err)

	// Receive auth message
	var authMsg AuthMessage
	err = conn.ReadJSON(&authMsg)
	require.NoError(t, err)
	assert.Equal(t, "auth", authMsg.Type)
	assert.Equal(t, token, authMsg.AccessToken)

	// Send auth_ok
	err = conn.WriteJSON(Message{Type: "auth_ok"})
	require.NoError(t, err)
}

func TestClient_Connect(t *testing.T) {
	logger, _ := zap.NewDevelopment()
	token := "test_token"

	t.Run("successful connection", func(t *testing.T) {
		server := mockHAServer(t, func(conn *websocket.Conn) {
			standardAuthFlow(t, conn, token)

			// Receive subscribe_events message
			var subMsg SubscribeEventsRequest
			conn.ReadJSON(&subMsg)

			// Send success response
			success := true
			conn.WriteJSON(Message{
				ID:      subMsg.ID,
				Type:    "result",
				Success: &success,
			})

			// Keep connection open
			time.Sleep(100 * time.Millisecond)
		})
		defer server.Close()

		url := "ws" + strings.TrimPrefix(server.URL, "http")
		client := NewClient(url, token, logger)

		err := client.Connect()
		assert.NoError(t, err)
		assert.True(t, client.IsConnected())

		client.Disconnect()
	})

	t.Run("invalid token", func(t *testing.T) {
		server := mockHAServer(t, func(conn *websocket.Conn) {
			// Send auth_required
			conn.WriteJSON(Message{Type: "auth_required"})

			// Receive auth message
			var authMsg AuthMessage
			conn.ReadJSON(&authMsg)

			// Send auth_invalid
			conn.WriteJSON(Message{Type: "auth_invalid"})
		})
		defer server.Close()

		url := "ws" + strings.TrimPrefix(server.URL, "http")
		client := NewClient(url, "wrong_token", logger)

		err := client.Connect()
		assert.Error(t, err)
		assert.Contains(t, err.Error(), "authentication failed")
		assert.False(t, client.IsConnected())
	})

	t.Run("already connected", func(t *testing.T) {
		server := mockHAServer(t, func(conn *websocket.Conn) {
			standardAuthFlow(t, conn, token)

			// Receive subscribe_events
			var subMsg SubscribeEventsRequest
			conn.ReadJSON(&subMsg)
			success := true
			conn.WriteJSON(Message{
				ID:      subMsg.ID,
				Type:    "result",
				Success: &success,
			})

			time.Sleep(100 * time.Millisecond)
		})
		defer server.Close()

		url := "ws" + strings.TrimPrefix(server.URL, "http")
		client := NewClient(url, token, logger)

		err := client.Connect()
		require.NoError(t, err)

		err = client.Connect()
		assert.Error(t, err)
		assert.Contains(t, err.Error(), "already connected")

		client.Disconnect()
	})
}

func TestClient_GetAllStates(t *testing.T) {
	logger, _ := zap.NewDevelopment()
	token := "test_token"

	server := mockHAServer(t, func(conn *websocket.Conn) {
		standardAuthFlow(t, conn, token)

		// Handle subscribe_events
		var subMsg SubscribeEventsRequest
		conn.ReadJSON(&subMsg)
		success := true
		conn.WriteJSON(Message{
			ID:      subMsg.ID,
			Type:    "result",
			Success: &success,
		})

		// Handle get_states request
		var statesReq GetStatesRequest
		conn.ReadJSON(&statesReq)

		states := []*State{
			{
				EntityID: "input_boolean.test",
				State:    "on",
				Attributes: map[string]interface{}{
					"friendly_name": "Test Boolean",
				},
			},
			{
				EntityID: "input_number.test",
				State:    "42.5",
				Attributes: map[string]interface{}{
					"friendly_name": "Test Number",
				},
			},
		}

		statesJSON, _ := json.Marshal(states)
		conn.WriteJSON(Message{
			ID:      statesReq.ID,
			Type:    "result",
			Success: &success,
			Result:  statesJSON,
		})

		time.Sleep(100 * time.Millisecond)
	})
	defer server.Close()

	url := "ws" + strings.TrimPrefix(server.URL, "http")
	client := NewClient(url, token, logger)

	err := client.Connect()
	require.NoError(t, err)
	defer client.Disconnect()

	states, err := client.GetAllStates(context.Background())
	assert.NoError(t, err)
	assert.Len(t, states, 2)
	assert.Equal(t, "input_boolean.test", states[0].EntityID)
	assert.Equal(t, "on", states[0].State)
}

func TestClient_GetState(t *testing.T) {
	logger, _ := zap.NewDevelopment()
	token := "test_token"

	server := mockHAServer(t, func(conn *websocket.Conn) {
		standardAuthFlow(t, conn, token)

		// Handle subscribe_events
		var subMsg SubscribeEventsRequest
		conn.ReadJSON(&subMsg)
		success := true
		conn.WriteJSON(Message{
			ID:      subMsg.ID,
			Type:    "result",
			Success: &success,
		})

		// Handle get_states request
		var statesReq GetStatesRequest
		conn.ReadJSON(&statesReq)

		states := []*State{
			{
				EntityID: "input_boolean.test",
				State:    "on",
			},
		}

		statesJSON, _ := json.Marshal(states)
		conn.WriteJSON(Message{
			ID:      statesReq.ID,
			Type:    "result",
			Success: &success,
			Result:  statesJSON,
		})

		time.Sleep(100 * time.Millisecond)
	})
	defer server.Close()

	url := "ws" + strings.TrimPrefix(server.URL, "http")
	client := NewClient(url, token, logger)

	err := client.Connect()
	require.NoError(t, err)
	defer client.Disconnect()

	state, err := client.GetState(context.Background(), "input_boolean.test")
	assert.NoError(t, err)
	assert.Equal(t, "input_boolean.test", state.EntityID)
	assert.Equal(t, "on", state.State)

	_, err = client.GetState(context.Background(), "nonexistent")
	assert.ErrorIs(t, err, ErrEntityNotFound)
}

func TestClient_CallService(t *testing.T) {
	logger, _ := zap.NewDevelopment()
	token := "test_token"

	server := mockHAServer(t, func(conn *websocket.Conn) {
		standardAuthFlow(t, conn, token)

		// Handle subscribe_events
		var subMsg SubscribeEventsRequest
		conn.ReadJSON(&subMsg)
		success := true
		conn.WriteJSON(Message{
			ID:      subMsg.ID,
			Type:    "result",
			Success: &success,
		})

		// Handle call_service request
		var serviceReq CallServiceRequest
		conn.ReadJSON(&serviceReq)

		assert.Equal(t, "climate", serviceReq.Domain)
		assert.Equal(t, "set_temperature", serviceReq.Service)
		assert.Equal(t, "climate.living_room", serviceReq.ServiceData["entity_id"])
		assert.Equal(t, 21.5, serviceReq.ServiceData["temperature"])

		conn.WriteJSON(Message{
			ID:      serviceReq.ID,
			Type:    "result",
			Success: &success,
		})

		time.Sleep(100 * time.Millisecond)
	})
	defer server.Close()

	url := "ws" + strings.TrimPrefix(server.URL, "http")
	client := NewClient(url, token, logger)

	err := client.Connect()
	require.NoError(t, err)
	defer client.Disconnect()

	err = client.CallService(context.Background(), "climate", "set_temperature", map[string]interface{}{
		"entity_id":   "climate.living_room",
		"temperature": 21.5,
	})
	assert.NoError(t, err)
}

func TestClient_CallServiceError(t *testing.T) {
	logger := zap.NewNop()
	token := "test_token"

	server := mockHAServer(t, func(conn *websocket.Conn) {
		standardAuthFlow(t, conn, token)

		var subMsg SubscribeEventsRequest
		conn.ReadJSON(&subMsg)
		success := true
		conn.WriteJSON(Message{ID: subMsg.ID, Type: "result", Success: &success})

		var serviceReq CallServiceRequest
		conn.ReadJSON(&serviceReq)
		failed := false
		conn.WriteJSON(Message{
			ID:      serviceReq.ID,
			Type:    "result",
			Success: &failed,
			Error:   &Error{Code: "not_found", Message: "Service not found"},
		})

		time.Sleep(100 * time.Millisecond)
	})
	defer server.Close()

	url := "ws" + strings.TrimPrefix(server.URL, "http")
	client := NewClient(url, token, logger)
	require.NoError(t, client.Connect())
	defer client.Disconnect()

	err := client.CallService(context.Background(), "climate", "bogus", nil)
	require.Error(t, err)

	var reqErr *RequestError
	require.True(t, errors.As(err, &reqErr))
	assert.Equal(t, "not_found", reqErr.Code)
}

func TestClient_RequestTimeout(t *testing.T) {
	logger := zap.NewNop()
	token := "test_token"

	server := mockHAServer(t, func(conn *websocket.Conn) {
		standardAuthFlow(t, conn, token)

		var subMsg SubscribeEventsRequest
		conn.ReadJSON(&subMsg)
		success := true
		conn.WriteJSON(Message{ID: subMsg.ID, Type: "result", Success: &success})

		// Swallow the request without answering
		var serviceReq CallServiceRequest
		conn.ReadJSON(&serviceReq)
		time.Sleep(200 * time.Millisecond)
	})
	defer server.Close()

	url := "ws" + strings.TrimPrefix(server.URL, "http")
	client := NewClient(url, token, logger)
	require.NoError(t, client.Connect())
	defer client.Disconnect()

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	err := client.CallService(ctx, "climate", "set_temperature", map[string]interface{}{"entity_id": "climate.x"})
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestClient_NotConnected(t *testing.T) {
	client := NewClient("ws://127.0.0.1:1", "token", zap.NewNop())

	_, err := client.GetAllStates(context.Background())
	assert.ErrorIs(t, err, ErrNotConnected)

	err = client.CallService(context.Background(), "climate", "set_temperature", nil)
	assert.ErrorIs(t, err, ErrNotConnected)
}

func TestClient_StateChangedEvent(t *testing.T) {
	logger := zap.NewNop()
	token := "test_token"

	server := mockHAServer(t, func(conn *websocket.Conn) {
		standardAuthFlow(t, conn, token)

		var subMsg SubscribeEventsRequest
		conn.ReadJSON(&subMsg)
		success := true
		conn.WriteJSON(Message{ID: subMsg.ID, Type: "result", Success: &success})

		time.Sleep(50 * time.Millisecond)

		data, _ := json.Marshal(StateChangedEvent{
			EntityID: "climate.office",
			OldState: &State{EntityID: "climate.office", State: "heat", Attributes: map[string]interface{}{"temperature": 20.0}},
			NewState: &State{EntityID: "climate.office", State: "heat", Attributes: map[string]interface{}{"temperature": 18.5}},
		})
		conn.WriteJSON(Message{
			ID:   subMsg.ID,
			Type: "event",
			Event: &Event{
				EventType: "state_changed",
				Data:      data,
			},
		})

		time.Sleep(200 * time.Millisecond)
	})
	defer server.Close()

	url := "ws" + strings.TrimPrefix(server.URL, "http")
	client := NewClient(url, token, logger)

	received := make(chan *State, 1)
	require.NoError(t, client.Connect())
	defer client.Disconnect()

	_, err := client.SubscribeStateChanges("climate.office", func(entityID string, oldState, newState *State) {
		received <- newState
	})
	require.NoError(t, err)

	select {
	case s := <-received:
		assert.Equal(t, 18.5, s.Attributes["temperature"])
	case <-time.After(time.Second):
		t.Fatal("state_changed event not delivered")
	}
}

func TestMockClient(t *testing.T) {
	mock := NewMockClient()
	ctx := context.Background()

	t.Run("connection", func(t *testing.T) {
		assert.False(t, mock.IsConnected())

		err := mock.Connect()
		assert.NoError(t, err)
		assert.True(t, mock.IsConnected())

		err = mock.Connect()
		assert.Error(t, err)

		err = mock.Disconnect()
		assert.NoError(t, err)
		assert.False(t, mock.IsConnected())
	})

	t.Run("state management", func(t *testing.T) {
		mock.SetState("climate.bedroom", "heat", map[string]interface{}{
			"temperature": 19.0,
		})

		state, err := mock.GetState(ctx, "climate.bedroom")
		require.NoError(t, err)
		assert.Equal(t, 19.0, state.Attributes["temperature"])

		// Returned states are copies
		state.Attributes["temperature"] = 30.0
		again, _ := mock.GetState(ctx, "climate.bedroom")
		assert.Equal(t, 19.0, again.Attributes["temperature"])

		_, err = mock.GetState(ctx, "nonexistent")
		assert.ErrorIs(t, err, ErrEntityNotFound)
	})

	t.Run("service calls mirror state", func(t *testing.T) {
		mock.ClearServiceCalls()

		err := mock.CallService(ctx, "climate", "set_temperature", map[string]interface{}{
			"entity_id":   "climate.bedroom",
			"temperature": 21.0,
		})
		require.NoError(t, err)

		err = mock.CallService(ctx, "input_number", "set_value", map[string]interface{}{
			"entity_id": "input_number.boiler",
			"value":     55.5,
		})
		require.NoError(t, err)

		calls := mock.GetServiceCalls()
		assert.Len(t, calls, 2)
		assert.Equal(t, "climate", calls[0].Domain)

		state, _ := mock.GetState(ctx, "climate.bedroom")
		assert.Equal(t, 21.0, state.Attributes["temperature"])
		assert.Equal(t, "heat", state.State)

		state, _ = mock.GetState(ctx, "input_number.boiler")
		assert.Equal(t, "55.5", state.State)
	})

	t.Run("failure injection", func(t *testing.T) {
		boom := errors.New("boom")
		mock.FailNextCalls(boom)

		err := mock.CallService(ctx, "climate", "set_temperature", map[string]interface{}{"entity_id": "climate.bedroom"})
		assert.ErrorIs(t, err, boom)
		assert.NoError(t, mock.CallService(ctx, "climate", "set_temperature", map[string]interface{}{"entity_id": "climate.bedroom", "temperature": 20.0}))

		mock.BlockCalls(true)
		tctx, cancel := context.WithTimeout(ctx, 10*time.Millisecond)
		defer cancel()
		err = mock.CallService(tctx, "climate", "set_temperature", nil)
		assert.ErrorIs(t, err, context.DeadlineExceeded)
		mock.BlockCalls(false)
	})

	t.Run("subscriptions", func(t *testing.T) {
		callCount := 0
		handler := func(entityID string, oldState, newState *State) {
			callCount++
			assert.Equal(t, "climate.bedroom", entityID)
			assert.Equal(t, "off", newState.State)
		}

		sub, err := mock.SubscribeStateChanges("climate.bedroom", handler)
		require.NoError(t, err)

		mock.SetState("climate.bedroom", "off", nil)
		assert.Equal(t, 1, callCount)

		require.NoError(t, sub.Unsubscribe())
		mock.SetState("climate.bedroom", "off", nil)
		assert.Equal(t, 1, callCount)
	})
}
