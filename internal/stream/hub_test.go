package stream

import (
	"testing"

	"github.com/hydrax-labs/mt5-bridge/internal/wire"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHub_BroadcastToAllSubscribers(t *testing.T) {
	hub := NewHub[wire.Tick]()

	a := hub.Subscribe(4)
	b := hub.Subscribe(4)
	defer hub.Unsubscribe(a)
	defer hub.Unsubscribe(b)

	tick := wire.Tick{Symbol: "EURUSD", Bid: 1.0845, Ask: 1.0846, ExchangeTime: 100}
	hub.Broadcast(tick)

	assert.Equal(t, tick, <-a.C())
	assert.Equal(t, tick, <-b.C())
}

func TestHub_SlowSubscriberMissesValues(t *testing.T) {
	hub := NewHub[wire.Tick]()

	slow := hub.Subscribe(1)
	defer hub.Unsubscribe(slow)

	hub.Broadcast(wire.Tick{Symbol: "EURUSD", ExchangeTime: 1})
	// Buffer full: this one is dropped for the slow subscriber, and the
	// broadcast must not block.
	hub.Broadcast(wire.Tick{Symbol: "EURUSD", ExchangeTime: 2})

	got := <-slow.C()
	assert.EqualValues(t, 1, got.ExchangeTime)
	assert.Empty(t, slow.C())
}

func TestHub_UnsubscribeClosesChannel(t *testing.T) {
	hub := NewHub[wire.ExecutionResult]()

	sub := hub.Subscribe(1)
	hub.Unsubscribe(sub)

	_, open := <-sub.C()
	assert.False(t, open)

	// Double unsubscribe is a no-op
	hub.Unsubscribe(sub)

	// Broadcast after unsubscribe reaches nobody and does not panic
	hub.Broadcast(wire.ExecutionResult{CommandID: "x"})
}

func TestHub_SubscribeAfterBroadcast(t *testing.T) {
	hub := NewHub[wire.Tick]()
	hub.Broadcast(wire.Tick{Symbol: "EURUSD", ExchangeTime: 1})

	late := hub.Subscribe(1)
	defer hub.Unsubscribe(late)

	// No replay: subscribers only see values broadcast after they joined.
	require.Empty(t, late.C())

	hub.Broadcast(wire.Tick{Symbol: "EURUSD", ExchangeTime: 2})
	got := <-late.C()
	assert.EqualValues(t, 2, got.ExchangeTime)
}
