// Package shadowstate keeps a per-entity trace of what the evaluator saw and
// did, so every tick's decision can be explained after the fact.
package shadowstate

import "time"

// maxActions bounds the per-entity action history
const maxActions = 20

// StateMetadata contains metadata about the shadow state
type StateMetadata struct {
	LastUpdated time.Time `json:"lastUpdated"`
	EntityID    string    `json:"entityId"`
}

// ActionRecord is one evaluation outcome
type ActionRecord struct {
	Timestamp time.Time              `json:"timestamp"`
	PassID    string                 `json:"passId,omitempty"`
	Outcome   string                 `json:"outcome"`
	Reason    string                 `json:"reason"`
	Details   map[string]interface{} `json:"details,omitempty"`
}

// EntityInputs tracks the inputs of the latest evaluation and of the latest
// one that changed the entity
type EntityInputs struct {
	Current      map[string]interface{} `json:"current"`
	AtLastAction map[string]interface{} `json:"atLastAction"`
}

// EntityOutputs tracks what the evaluator did
type EntityOutputs struct {
	LastOutcome    string         `json:"lastOutcome"`
	LastReason     string         `json:"lastReason"`
	LastApplied    *float64       `json:"lastApplied,omitempty"`
	LastActionTime time.Time      `json:"lastActionTime"`
	Recent         []ActionRecord `json:"recent"`
}

// EntityShadowState is the trace of one entity
type EntityShadowState struct {
	Inputs   EntityInputs  `json:"inputs"`
	Outputs  EntityOutputs `json:"outputs"`
	Metadata StateMetadata `json:"metadata"`
}

func newEntityShadowState(entityID string) *EntityShadowState {
	return &EntityShadowState{
		Inputs: EntityInputs{
			Current:      make(map[string]interface{}),
			AtLastAction: make(map[string]interface{}),
		},
		Outputs: EntityOutputs{
			Recent: make([]ActionRecord, 0, maxActions),
		},
		Metadata: StateMetadata{EntityID: entityID},
	}
}

func (s *EntityShadowState) clone() *EntityShadowState {
	c := &EntityShadowState{
		Inputs: EntityInputs{
			Current:      copyMap(s.Inputs.Current),
			AtLastAction: copyMap(s.Inputs.AtLastAction),
		},
		Outputs:  s.Outputs,
		Metadata: s.Metadata,
	}
	if s.Outputs.LastApplied != nil {
		v := *s.Outputs.LastApplied
		c.Outputs.LastApplied = &v
	}
	c.Outputs.Recent = make([]ActionRecord, len(s.Outputs.Recent))
	for i, r := range s.Outputs.Recent {
		r.Details = copyMap(r.Details)
		c.Outputs.Recent[i] = r
	}
	return c
}

func copyMap(m map[string]interface{}) map[string]interface{} {
	out := make(map[string]interface{}, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}
