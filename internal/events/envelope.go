package events

import (
	"encoding/json"
	"time"

	"github.com/kocoro-labs/igniter/internal/ignerr"
)

// ScopeRef is the innermost scope entry carried on an envelope, when the
// publisher was scoped.
type ScopeRef struct {
	Key        string `json:"key"`
	Identifier string `json:"identifier"`
}

// Envelope is the payload carried on every pub/sub channel.
type Envelope struct {
	Type      string   `json:"type"`
	Data      any      `json:"data"`
	Timestamp string   `json:"timestamp"`
	Scope     *ScopeRef `json:"scope,omitempty"`
}

// nowISO8601 renders the current instant as an ISO-8601 UTC timestamp.
func nowISO8601() string {
	return time.Now().UTC().Format(time.RFC3339Nano)
}

// BuildEnvelope constructs the envelope for a publish, running the
// registered validator (if any) for eventType unless disabled.
//
// Validation failures raise STORE_SCHEMA_VALIDATION_FAILED unless
// opts.ThrowOnValidationError is false, in which case the envelope is
// still returned (best-effort publish).
func (r *Registry) BuildEnvelope(eventType string, data any, scope *ScopeRef) (Envelope, error) {
	env := Envelope{
		Type:      eventType,
		Data:      data,
		Timestamp: nowISO8601(),
		Scope:     scope,
	}

	opts := r.optionsFor(eventType)
	if !opts.ValidatePublish {
		return env, nil
	}
	validator, ok := r.lookup(eventType)
	if !ok || validator == nil {
		return env, nil
	}
	if issues := validator.Validate(data); len(issues) > 0 {
		err := schemaError(eventType, issues)
		if opts.ThrowOnValidationError {
			return env, err
		}
	}
	return env, nil
}

func schemaError(eventType string, issues []Issue) error {
	details := make(map[string]any, len(issues))
	list := make([]map[string]string, 0, len(issues))
	for _, i := range issues {
		list = append(list, map[string]string{"path": i.Path, "message": i.Message})
	}
	details["issues"] = list
	return ignerr.Newf(ignerr.CodeSchemaValidationFailed, "validation failed for event %q", eventType).WithDetails(details)
}

// wireEnvelope probes whether raw decodes into a shape carrying a non-empty
// "type" field, the signal used to tell an already-wrapped envelope apart
// from a legacy unstructured payload.
type wireEnvelope struct {
	Type      string          `json:"type"`
	Data      json.RawMessage `json:"data"`
	Timestamp string          `json:"timestamp"`
	Scope     *ScopeRef       `json:"scope,omitempty"`
}

// DecodeForSubscriber turns a raw channel payload into an Envelope, wrapping
// legacy unstructured payloads under subscribedEventName, then validates it
// when opts.ValidateSubscribe is set.
func (r *Registry) DecodeForSubscriber(raw string, subscribedEventName string) (Envelope, error) {
	var wire wireEnvelope
	if err := json.Unmarshal([]byte(raw), &wire); err == nil && wire.Type != "" {
		var data any
		if len(wire.Data) > 0 {
			_ = json.Unmarshal(wire.Data, &data)
		}
		env := Envelope{Type: wire.Type, Data: data, Timestamp: wire.Timestamp, Scope: wire.Scope}
		return r.validateSubscribed(env)
	}

	// Not already an envelope: wrap the raw payload verbatim.
	var data any
	if err := json.Unmarshal([]byte(raw), &data); err != nil {
		data = raw
	}
	env := Envelope{Type: subscribedEventName, Data: data, Timestamp: nowISO8601()}
	return r.validateSubscribed(env)
}

func (r *Registry) validateSubscribed(env Envelope) (Envelope, error) {
	opts := r.optionsFor(env.Type)
	if !opts.ValidateSubscribe {
		return env, nil
	}
	validator, ok := r.lookup(env.Type)
	if !ok || validator == nil {
		return env, nil
	}
	if issues := validator.Validate(env.Data); len(issues) > 0 {
		return env, schemaError(env.Type, issues)
	}
	return env, nil
}
