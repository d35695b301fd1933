package chaos

import (
	"context"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type countingWriter struct {
	mu     sync.Mutex
	writes int
}

func (w *countingWriter) Write(ctx context.Context, payload []byte) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.writes++
	return nil
}

func (w *countingWriter) Close() error { return nil }

func (w *countingWriter) count() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.writes
}

func TestParseProfile(t *testing.T) {
	dropPct, dupPct, delayMin, delayMax, err := ParseProfile("drop-pct=30,dup-pct=10,delay=50-250")
	require.NoError(t, err)
	assert.Equal(t, 30, dropPct)
	assert.Equal(t, 10, dupPct)
	assert.Equal(t, 50, delayMin)
	assert.Equal(t, 250, delayMax)

	_, _, _, _, err = ParseProfile("drop-pct=abc")
	assert.Error(t, err)

	dropPct, dupPct, delayMin, delayMax, err = ParseProfile("")
	require.NoError(t, err)
	assert.Zero(t, dropPct)
	assert.Zero(t, dupPct)
	assert.Zero(t, delayMin)
	assert.Zero(t, delayMax)
}

func TestWriter_Disabled(t *testing.T) {
	inner := &countingWriter{}
	c := New(&Config{Enabled: false, DropPct: 100, Seed: 1}, zap.NewNop())
	w := WrapWriter(inner, c, "telemetry")

	for i := 0; i < 10; i++ {
		require.NoError(t, w.Write(context.Background(), []byte(`{"x":1}`)))
	}
	assert.Equal(t, 10, inner.count(), "disabled chaos must pass everything through")
}

func TestWriter_DropAll(t *testing.T) {
	inner := &countingWriter{}
	c := New(&Config{Enabled: true, DropPct: 100, Seed: 1}, zap.NewNop())
	w := WrapWriter(inner, c, "telemetry")

	for i := 0; i < 10; i++ {
		require.NoError(t, w.Write(context.Background(), []byte(`{"x":1}`)), "drops look like successful writes")
	}
	assert.Zero(t, inner.count())
}

func TestWriter_DuplicateAll(t *testing.T) {
	inner := &countingWriter{}
	c := New(&Config{Enabled: true, DupPct: 100, Seed: 1}, zap.NewNop())
	w := WrapWriter(inner, c, "telemetry")

	for i := 0; i < 10; i++ {
		require.NoError(t, w.Write(context.Background(), []byte(`{"x":1}`)))
	}
	assert.Equal(t, 20, inner.count(), "every frame written twice")
}

func TestWriter_DeterministicForSeed(t *testing.T) {
	run := func(seed int64) int {
		inner := &countingWriter{}
		c := New(&Config{Enabled: true, DropPct: 50, Seed: seed}, zap.NewNop())
		w := WrapWriter(inner, c, "telemetry")
		for i := 0; i < 100; i++ {
			require.NoError(t, w.Write(context.Background(), []byte(`{"x":1}`)))
		}
		return inner.count()
	}

	assert.Equal(t, run(42), run(42), "same seed, same fault sequence")
}
