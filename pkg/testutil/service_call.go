package testutil

import "time"

// ServiceCall records a service call for testing/verification
type ServiceCall struct {
	Timestamp   time.Time
	Domain      string
	Service     string
	ServiceData map[string]interface{}
}

// EntityID returns the entity_id the call targeted, or "" when absent
func (c ServiceCall) EntityID() string {
	id, _ := c.ServiceData["entity_id"].(string)
	return id
}

// Number returns a numeric service data field
func (c ServiceCall) Number(key string) (float64, bool) {
	switch v := c.ServiceData[key].(type) {
	case float64:
		return v, true
	case int:
		return float64(v), true
	}
	return 0, false
}

// CallsForEntity keeps the calls of one domain/service aimed at entityID, oldest first
func CallsForEntity(calls []ServiceCall, domain, service, entityID string) []ServiceCall {
	var filtered []ServiceCall
	for _, call := range calls {
		if call.Domain == domain && call.Service == service && call.EntityID() == entityID {
			filtered = append(filtered, call)
		}
	}
	return filtered
}

// Setpoints lists the values written to entityID under key, oldest first
func Setpoints(calls []ServiceCall, domain, service, entityID, key string) []float64 {
	var out []float64
	for _, call := range CallsForEntity(calls, domain, service, entityID) {
		if v, ok := call.Number(key); ok {
			out = append(out, v)
		}
	}
	return out
}
