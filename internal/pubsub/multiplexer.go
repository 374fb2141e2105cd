// Package pubsub implements the Pub/Sub Multiplexer (C4): many channel
// subscribers fanned out over one dedicated Redis subscription connection.
package pubsub

import (
	"context"
	"strings"
	"sync"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// Handler receives a raw (still-serialized) message payload for a channel.
type Handler func(channel, payload string)

// Subscriber is the minimal adapter surface the multiplexer needs: a
// dedicated-connection Subscribe. internal/keystore.Adapter satisfies this.
type Subscriber interface {
	SubscribeRaw(ctx context.Context, channels ...string) *redis.PubSub
	PSubscribeRaw(ctx context.Context, patterns ...string) *redis.PubSub
}

// handlerEntry pairs a handler with a monotonic registration sequence so
// delivery can preserve registration order.
type handlerEntry struct {
	seq     uint64
	handler Handler
}

// channelState tracks one channel's live Redis subscription and handlers.
type channelState struct {
	sub      *redis.PubSub
	cancel   context.CancelFunc
	handlers []handlerEntry
}

// Multiplexer maintains channel -> set<handler> and owns exactly one
// underlying subscription per channel, regardless of how many local
// handlers are registered against it.
type Multiplexer struct {
	adapter Subscriber
	logger  *zap.Logger

	mu       sync.Mutex
	channels map[string]*channelState
	nextSeq  uint64
}

// New constructs a Multiplexer bound to adapter.
func New(adapter Subscriber, logger *zap.Logger) *Multiplexer {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Multiplexer{
		adapter:  adapter,
		logger:   logger,
		channels: make(map[string]*channelState),
	}
}

// Subscribe registers handler for channel. The first handler for a channel
// triggers a real Redis SUBSCRIBE; subsequent handlers reuse the existing
// connection. Returns an unsubscribe function removing only this handler.
func (m *Multiplexer) Subscribe(channel string, handler Handler) (unsubscribe func(), err error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.nextSeq++
	entry := handlerEntry{seq: m.nextSeq, handler: handler}

	state, ok := m.channels[channel]
	if !ok {
		ctx, cancel := context.WithCancel(context.Background())
		var sub *redis.PubSub
		if strings.Contains(channel, "*") {
			sub = m.adapter.PSubscribeRaw(ctx, channel)
		} else {
			sub = m.adapter.SubscribeRaw(ctx, channel)
		}
		state = &channelState{sub: sub, cancel: cancel}
		m.channels[channel] = state
		go m.readLoop(ctx, channel, sub)
	}
	state.handlers = append(state.handlers, entry)

	return func() { m.unsubscribe(channel, entry.seq) }, nil
}

// unsubscribe removes the handler identified by seq from channel. When the
// last handler is removed the underlying Redis subscription is torn down.
func (m *Multiplexer) unsubscribe(channel string, seq uint64) {
	m.mu.Lock()
	defer m.mu.Unlock()

	state, ok := m.channels[channel]
	if !ok {
		return
	}
	for i, e := range state.handlers {
		if e.seq == seq {
			state.handlers = append(state.handlers[:i], state.handlers[i+1:]...)
			break
		}
	}
	if len(state.handlers) == 0 {
		state.cancel()
		_ = state.sub.Close()
		delete(m.channels, channel)
	}
}

// readLoop forwards raw Redis messages to every registered handler for
// channel, in registration order. A failing handler (panic) must not
// prevent later handlers on the same message from running.
func (m *Multiplexer) readLoop(ctx context.Context, channel string, sub *redis.PubSub) {
	ch := sub.Channel()
	for {
		select {
		case <-ctx.Done():
			return
		case msg, ok := <-ch:
			if !ok {
				return
			}
			m.dispatch(channel, msg.Payload)
		}
	}
}

func (m *Multiplexer) dispatch(channel, payload string) {
	m.mu.Lock()
	state, ok := m.channels[channel]
	if !ok {
		m.mu.Unlock()
		return
	}
	handlers := make([]handlerEntry, len(state.handlers))
	copy(handlers, state.handlers)
	m.mu.Unlock()

	for _, e := range handlers {
		m.invokeSafely(channel, e.handler, payload)
	}
}

func (m *Multiplexer) invokeSafely(channel string, handler Handler, payload string) {
	defer func() {
		if r := recover(); r != nil {
			m.logger.Error("pub/sub handler panicked",
				zap.String("channel", channel),
				zap.Any("recover", r),
			)
		}
	}()
	handler(channel, payload)
}

// Close tears down every live subscription.
func (m *Multiplexer) Close() {
	m.mu.Lock()
	defer m.mu.Unlock()
	for channel, state := range m.channels {
		state.cancel()
		_ = state.sub.Close()
		delete(m.channels, channel)
	}
}
