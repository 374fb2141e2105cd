package store

import (
	"context"

	"github.com/kocoro-labs/igniter/internal/events"
)

const nsEvents = "events"

// Events is the Store's typed pub/sub surface (C4+C5 composed): publish
// wraps payloads in an envelope and validates against the registered schema;
// subscribe decodes and validates inbound payloads, transparently wrapping
// legacy unstructured publishes.
type Events struct{ m *Manager }

// AddEvents registers a namespace's event/group tree against this Manager's
// registry, so later publishes/subscribes under that namespace validate.
func (e Events) AddEvents(desc events.Descriptor, opts *events.ValidationOptions) error {
	return e.m.registry.AddEvents(desc, opts)
}

// Publish wraps data in an envelope (carrying this Manager's innermost scope,
// if any) and publishes it on eventType's channel.
func (e Events) Publish(ctx context.Context, eventType string, data any) error {
	env, err := e.m.registry.BuildEnvelope(eventType, data, e.m.lastScope())
	if err != nil {
		return err
	}
	raw, err := e.m.adapter.Serializer().Encode(env)
	if err != nil {
		return err
	}
	return e.m.adapter.Publish(ctx, e.m.keys.Build(nsEvents, eventType), raw)
}

// Handler receives a decoded, validated envelope for a subscribed event.
type Handler func(events.Envelope)

// Subscribe registers handler against eventPattern (a concrete event type,
// an "ns:*" wildcard, or the bare "*" wildcard). The returned function
// removes only this handler.
func (e Events) Subscribe(eventPattern string, handler Handler) (unsubscribe func(), err error) {
	channel := e.m.keys.Build(nsEvents, eventPattern)
	return e.m.mux.Subscribe(channel, func(_ string, payload string) {
		env, err := e.m.registry.DecodeForSubscriber(payload, eventPattern)
		if err != nil {
			e.m.logger.Sugar().Debugw("dropping event failing schema validation",
				"event", eventPattern, "error", err)
			return
		}
		handler(env)
	})
}
