package terminal

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/hydrax-labs/mt5-bridge/internal/channel"
	"github.com/hydrax-labs/mt5-bridge/internal/wire"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type telemetrySink struct {
	mu     sync.Mutex
	frames [][]byte
	full   bool
}

func (s *telemetrySink) Write(ctx context.Context, payload []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.full {
		return channel.ErrChannelFull
	}
	s.frames = append(s.frames, payload)
	return nil
}

func (s *telemetrySink) Close() error { return nil }

// envelopes decodes every captured frame, keyed nothing, just in order
func (s *telemetrySink) envelopes(t *testing.T) []wire.Envelope {
	t.Helper()
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]wire.Envelope, 0, len(s.frames))
	for _, frame := range s.frames {
		env, err := wire.DecodeEnvelope(frame)
		require.NoError(t, err)
		out = append(out, env)
	}
	return out
}

func (s *telemetrySink) kinds(t *testing.T) map[string]int {
	t.Helper()
	counts := make(map[string]int)
	for _, env := range s.envelopes(t) {
		counts[env.Kind]++
	}
	return counts
}

func (s *telemetrySink) ticks(t *testing.T) []wire.Tick {
	t.Helper()
	var out []wire.Tick
	for _, env := range s.envelopes(t) {
		if env.Kind != wire.EnvTick {
			continue
		}
		var tick wire.Tick
		require.NoError(t, json.Unmarshal(env.Payload, &tick))
		out = append(out, tick)
	}
	return out
}

func fixedClock(at time.Time) func() time.Time {
	return func() time.Time { return at }
}

func TestPublisher_SampleRound(t *testing.T) {
	sim := newTestSim()
	sink := &telemetrySink{}
	now := time.Date(2026, 3, 14, 9, 30, 0, 0, time.UTC)
	sim.SetClock(fixedClock(now))
	sim.SetQuote("EURUSD", 1.08450, 1.08452, 10)

	pub := NewPublisher(sim, sim, sink, "sess-1", []string{"EURUSD"}, time.Second, 10*time.Second, zap.NewNop())
	pub.SetClock(fixedClock(now))

	pub.SampleRound(context.Background())

	counts := sink.kinds(t)
	assert.Equal(t, 1, counts[wire.EnvHeartbeat], "one heartbeat per round")
	assert.Equal(t, 1, counts[wire.EnvSnapshot], "snapshot rides on the first round")
	assert.Equal(t, 1, counts[wire.EnvTick])

	ticks := sink.ticks(t)
	require.Len(t, ticks, 1)
	assert.Equal(t, "EURUSD", ticks[0].Symbol)
	assert.Equal(t, 1.08450, ticks[0].Bid)
	assert.Equal(t, 1.08452, ticks[0].Ask)
	assert.Equal(t, now.UnixMilli(), ticks[0].ExchangeTime)
}

func TestPublisher_DisconnectedSuppressesTicks(t *testing.T) {
	sim := newTestSim()
	sink := &telemetrySink{}
	now := time.Date(2026, 3, 14, 9, 30, 0, 0, time.UTC)
	sim.SetClock(fixedClock(now))
	sim.SetQuote("EURUSD", 1.08450, 1.08452, 10)
	sim.SetConnected(false)

	pub := NewPublisher(sim, nil, sink, "sess-1", []string{"EURUSD"}, time.Second, 10*time.Second, zap.NewNop())
	pub.SetClock(fixedClock(now))

	pub.SampleRound(context.Background())
	pub.SampleRound(context.Background())

	counts := sink.kinds(t)
	assert.Equal(t, 2, counts[wire.EnvHeartbeat], "heartbeats continue while disconnected")
	assert.Zero(t, counts[wire.EnvTick], "no ticks while disconnected")

	// No backlog on reconnect: only the live quote goes out.
	sim.SetConnected(true)
	pub.SampleRound(context.Background())
	assert.Equal(t, 1, sink.kinds(t)[wire.EnvTick])
}

func TestPublisher_SkipsStaleQuote(t *testing.T) {
	sim := newTestSim()
	sink := &telemetrySink{}
	quotedAt := time.Date(2026, 3, 14, 9, 30, 0, 0, time.UTC)
	sim.SetClock(fixedClock(quotedAt))
	sim.SetQuote("EURUSD", 1.08450, 1.08452, 10)

	pub := NewPublisher(sim, nil, sink, "sess-1", []string{"EURUSD"}, time.Second, 10*time.Second, zap.NewNop())
	// Sampling a minute after the quote was taken
	pub.SetClock(fixedClock(quotedAt.Add(time.Minute)))

	pub.SampleRound(context.Background())

	counts := sink.kinds(t)
	assert.Equal(t, 1, counts[wire.EnvHeartbeat])
	assert.Zero(t, counts[wire.EnvTick], "stale quote must not produce a tick")
}

func TestPublisher_NeverEmitsRegression(t *testing.T) {
	sim := newTestSim()
	sink := &telemetrySink{}
	base := time.Date(2026, 3, 14, 9, 30, 0, 0, time.UTC)

	pub := NewPublisher(sim, nil, sink, "sess-1", []string{"EURUSD"}, time.Second, 10*time.Second, zap.NewNop())
	pub.SetClock(fixedClock(base))

	sim.SetClock(fixedClock(base))
	sim.SetQuote("EURUSD", 1.08450, 1.08452, 10)
	pub.SampleRound(context.Background())

	// A quote stamped earlier than the last emitted tick
	sim.SetClock(fixedClock(base.Add(-5 * time.Second)))
	sim.SetQuote("EURUSD", 1.08460, 1.08462, 10)
	pub.SampleRound(context.Background())

	ticks := sink.ticks(t)
	require.Len(t, ticks, 1, "regressed quote must be skipped, not reordered")
	assert.Equal(t, base.UnixMilli(), ticks[0].ExchangeTime)

	// Time moves forward again: ticks resume
	sim.SetClock(fixedClock(base.Add(2 * time.Second)))
	sim.SetQuote("EURUSD", 1.08470, 1.08472, 10)
	pub.SetClock(fixedClock(base.Add(2 * time.Second)))
	pub.SampleRound(context.Background())

	ticks = sink.ticks(t)
	require.Len(t, ticks, 2)
	assert.Equal(t, base.Add(2*time.Second).UnixMilli(), ticks[1].ExchangeTime)
}

func TestPublisher_DropsOnFullChannel(t *testing.T) {
	sim := newTestSim()
	sink := &telemetrySink{full: true}
	now := time.Date(2026, 3, 14, 9, 30, 0, 0, time.UTC)
	sim.SetClock(fixedClock(now))
	sim.SetQuote("EURUSD", 1.08450, 1.08452, 10)

	pub := NewPublisher(sim, nil, sink, "sess-1", []string{"EURUSD"}, time.Second, 10*time.Second, zap.NewNop())
	pub.SetClock(fixedClock(now))

	// A full channel must not wedge the sampling loop.
	pub.SampleRound(context.Background())
	assert.Empty(t, sink.envelopes(t))

	// Once the channel drains the same quote goes out again.
	sink.mu.Lock()
	sink.full = false
	sink.mu.Unlock()
	pub.SampleRound(context.Background())
	assert.Equal(t, 1, sink.kinds(t)[wire.EnvTick])
}
