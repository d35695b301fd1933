package journal

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/hydrax-labs/mt5-bridge/internal/wire"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()

	tmpDir, err := os.MkdirTemp("", "journal_test_*")
	require.NoError(t, err)
	t.Cleanup(func() { os.RemoveAll(tmpDir) })

	store, err := Open(filepath.Join(tmpDir, "test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	return store
}

func TestRecord_Idempotency(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()

	result := wire.ExecutionResult{
		CommandID:    "sess-abc-1",
		Status:       wire.StatusSuccess,
		BrokerTicket: 55001,
		Price:        1.08452,
		Message:      "filled",
	}

	dup, err := store.Record(ctx, result)
	require.NoError(t, err)
	assert.False(t, dup, "first record should not be duplicate")

	// Same command id recorded again (retransmission path)
	dup, err = store.Record(ctx, result)
	require.NoError(t, err)
	assert.True(t, dup, "second record with same command_id should be duplicate")

	// Exactly one outbox entry
	unpublished, err := store.ListUnpublished(ctx, 100)
	require.NoError(t, err)
	assert.Len(t, unpublished, 1, "should have exactly one unpublished entry")
	assert.Equal(t, "sess-abc-1", unpublished[0].CommandID)
}

func TestSeen(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()

	seen, err := store.Seen(ctx, "sess-abc-1")
	require.NoError(t, err)
	assert.False(t, seen)

	_, err = store.Record(ctx, wire.ExecutionResult{
		CommandID: "sess-abc-1",
		Status:    wire.StatusError,
		Message:   "symbol XAUUSD not allowed",
	})
	require.NoError(t, err)

	seen, err = store.Seen(ctx, "sess-abc-1")
	require.NoError(t, err)
	assert.True(t, seen)
}

func TestMarkPublished(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()

	_, err := store.Record(ctx, wire.ExecutionResult{
		CommandID: "sess-abc-1",
		Status:    wire.StatusSuccess,
		Message:   "filled",
	})
	require.NoError(t, err)

	unpublished, err := store.ListUnpublished(ctx, 100)
	require.NoError(t, err)
	require.Len(t, unpublished, 1)

	err = store.MarkPublished(ctx, "sess-abc-1", 2000)
	require.NoError(t, err)

	unpublished, err = store.ListUnpublished(ctx, 100)
	require.NoError(t, err)
	assert.Len(t, unpublished, 0, "should have no unpublished entries after marking as published")
}

func TestListUnpublished_Order(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()

	for _, id := range []string{"sess-abc-1", "sess-abc-2", "sess-abc-3"} {
		_, err := store.Record(ctx, wire.ExecutionResult{
			CommandID: id,
			Status:    wire.StatusSuccess,
			Message:   "filled",
		})
		require.NoError(t, err)
	}

	unpublished, err := store.ListUnpublished(ctx, 2)
	require.NoError(t, err)
	require.Len(t, unpublished, 2)
	assert.Equal(t, "sess-abc-1", unpublished[0].CommandID)
	assert.Equal(t, "sess-abc-2", unpublished[1].CommandID)
}
