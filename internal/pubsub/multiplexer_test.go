package pubsub

import (
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/kocoro-labs/igniter/internal/keystore"
)

func newTestMultiplexer(t *testing.T) (*Multiplexer, *miniredis.Miniredis, *redis.Client) {
	t.Helper()
	mr, err := miniredis.Run()
	require.NoError(t, err)
	t.Cleanup(mr.Close)

	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })

	adapter, err := keystore.NewAdapter(keystore.AdapterConfig{
		Control: client,
		Logger:  zap.NewNop(),
	})
	require.NoError(t, err)

	return New(adapter, zap.NewNop()), mr, client
}

func waitFor(t *testing.T, ch <-chan string, want string) {
	t.Helper()
	select {
	case got := <-ch:
		require.Equal(t, want, got)
	case <-time.After(2 * time.Second):
		t.Fatalf("timed out waiting for payload %q", want)
	}
}

func TestMultiplexer_SingleHandlerReceivesMessage(t *testing.T) {
	mux, mr, _ := newTestMultiplexer(t)
	defer mux.Close()

	received := make(chan string, 1)
	_, err := mux.Subscribe("chan1", func(channel, payload string) {
		received <- payload
	})
	require.NoError(t, err)

	// Give the read loop a moment to establish its subscription before publishing.
	time.Sleep(50 * time.Millisecond)
	mr.Publish("chan1", "hello")

	waitFor(t, received, "hello")
}

func TestMultiplexer_MultipleHandlersShareOneSubscription(t *testing.T) {
	mux, mr, _ := newTestMultiplexer(t)
	defer mux.Close()

	var order []int
	done := make(chan struct{}, 2)

	_, err := mux.Subscribe("chan1", func(channel, payload string) {
		order = append(order, 1)
		done <- struct{}{}
	})
	require.NoError(t, err)
	_, err = mux.Subscribe("chan1", func(channel, payload string) {
		order = append(order, 2)
		done <- struct{}{}
	})
	require.NoError(t, err)

	time.Sleep(50 * time.Millisecond)
	mr.Publish("chan1", "hi")

	for i := 0; i < 2; i++ {
		select {
		case <-done:
		case <-time.After(2 * time.Second):
			t.Fatal("timed out waiting for handlers")
		}
	}
	require.Equal(t, []int{1, 2}, order)
}

func TestMultiplexer_UnsubscribeRemovesOnlyThatHandler(t *testing.T) {
	mux, mr, _ := newTestMultiplexer(t)
	defer mux.Close()

	firstCalled := make(chan struct{}, 1)
	secondCalled := make(chan struct{}, 1)

	unsubFirst, err := mux.Subscribe("chan1", func(channel, payload string) {
		firstCalled <- struct{}{}
	})
	require.NoError(t, err)
	_, err = mux.Subscribe("chan1", func(channel, payload string) {
		secondCalled <- struct{}{}
	})
	require.NoError(t, err)

	unsubFirst()
	time.Sleep(50 * time.Millisecond)
	mr.Publish("chan1", "hi")

	select {
	case <-secondCalled:
	case <-time.After(2 * time.Second):
		t.Fatal("surviving handler never received message")
	}
	select {
	case <-firstCalled:
		t.Fatal("unsubscribed handler must not be called")
	case <-time.After(100 * time.Millisecond):
	}
}

func TestMultiplexer_PanickingHandlerDoesNotBlockOthers(t *testing.T) {
	mux, mr, _ := newTestMultiplexer(t)
	defer mux.Close()

	secondCalled := make(chan struct{}, 1)
	_, err := mux.Subscribe("chan1", func(channel, payload string) {
		panic("boom")
	})
	require.NoError(t, err)
	_, err = mux.Subscribe("chan1", func(channel, payload string) {
		secondCalled <- struct{}{}
	})
	require.NoError(t, err)

	time.Sleep(50 * time.Millisecond)
	mr.Publish("chan1", "hi")

	select {
	case <-secondCalled:
	case <-time.After(2 * time.Second):
		t.Fatal("handler after panicking one never ran")
	}
}

func TestMultiplexer_PatternSubscription(t *testing.T) {
	mux, mr, _ := newTestMultiplexer(t)
	defer mux.Close()

	received := make(chan string, 1)
	_, err := mux.Subscribe("ns:*", func(channel, payload string) {
		received <- payload
	})
	require.NoError(t, err)

	time.Sleep(50 * time.Millisecond)
	mr.Publish("ns:orders", "evt")

	waitFor(t, received, "evt")
}

func TestMultiplexer_Close(t *testing.T) {
	mux, _, _ := newTestMultiplexer(t)
	_, err := mux.Subscribe("chan1", func(channel, payload string) {})
	require.NoError(t, err)
	mux.Close()
}
