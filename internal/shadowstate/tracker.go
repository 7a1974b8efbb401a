package shadowstate

import (
	"sort"
	"sync"
)

// Tracker holds the shadow state of every evaluated entity
type Tracker struct {
	mu       sync.RWMutex
	entities map[string]*EntityShadowState
}

// NewTracker creates a new shadow state tracker
func NewTracker() *Tracker {
	return &Tracker{
		entities: make(map[string]*EntityShadowState),
	}
}

// Record stores the inputs and outcome of one evaluation. When applied is
// set the inputs are also kept as the at-last-action snapshot.
func (t *Tracker) Record(entityID string, inputs map[string]interface{}, action ActionRecord, applied *float64) {
	t.mu.Lock()
	defer t.mu.Unlock()

	state, ok := t.entities[entityID]
	if !ok {
		state = newEntityShadowState(entityID)
		t.entities[entityID] = state
	}

	state.Inputs.Current = copyMap(inputs)
	state.Outputs.LastOutcome = action.Outcome
	state.Outputs.LastReason = action.Reason

	if applied != nil {
		v := *applied
		state.Inputs.AtLastAction = copyMap(inputs)
		state.Outputs.LastApplied = &v
		state.Outputs.LastActionTime = action.Timestamp
	}

	state.Outputs.Recent = append(state.Outputs.Recent, action)
	if len(state.Outputs.Recent) > maxActions {
		state.Outputs.Recent = state.Outputs.Recent[len(state.Outputs.Recent)-maxActions:]
	}
	state.Metadata.LastUpdated = action.Timestamp
}

// Forget drops an entity's trace
func (t *Tracker) Forget(entityID string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.entities, entityID)
}

// GetState returns a deep copy of one entity's trace
func (t *Tracker) GetState(entityID string) (*EntityShadowState, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()

	state, ok := t.entities[entityID]
	if !ok {
		return nil, false
	}
	return state.clone(), true
}

// GetAllStates returns deep copies of every trace
func (t *Tracker) GetAllStates() map[string]*EntityShadowState {
	t.mu.RLock()
	defer t.mu.RUnlock()

	states := make(map[string]*EntityShadowState, len(t.entities))
	for id, state := range t.entities {
		states[id] = state.clone()
	}
	return states
}

// EntityIDs returns the traced entities in sorted order
func (t *Tracker) EntityIDs() []string {
	t.mu.RLock()
	defer t.mu.RUnlock()

	ids := make([]string, 0, len(t.entities))
	for id := range t.entities {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}
