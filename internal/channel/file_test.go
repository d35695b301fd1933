package channel

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/hydrax-labs/mt5-bridge/internal/wire"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func testFrame(t *testing.T) []byte {
	t.Helper()
	frame, err := json.Marshal(wire.Tick{Symbol: "EURUSD", Bid: 1.0845, Ask: 1.0846, ExchangeTime: 1000})
	require.NoError(t, err)
	return frame
}

func TestFileChannel_RoundTrip(t *testing.T) {
	tmpDir := t.TempDir()
	path := filepath.Join(tmpDir, "fire.json")
	ctx := context.Background()

	writer, err := NewFileWriter(path, zap.NewNop())
	require.NoError(t, err)

	frame := testFrame(t)
	require.NoError(t, writer.Write(ctx, frame))

	reader := NewFileReader(path, 10*time.Millisecond, zap.NewNop())

	var got []byte
	err = reader.poll(ctx, func(ctx context.Context, payload []byte) error {
		got = payload
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, frame, got)

	// File cleared after successful parse
	_, err = os.Stat(path)
	assert.True(t, os.IsNotExist(err))
}

func TestFileWriter_FullSlot(t *testing.T) {
	tmpDir := t.TempDir()
	path := filepath.Join(tmpDir, "fire.json")
	ctx := context.Background()

	writer, err := NewFileWriter(path, zap.NewNop())
	require.NoError(t, err)

	require.NoError(t, writer.Write(ctx, testFrame(t)))

	// Unconsumed message: the writer must not silently overwrite it
	err = writer.Write(ctx, testFrame(t))
	assert.ErrorIs(t, err, ErrChannelFull)
}

func TestFileReader_DiscardsTruncatedFrame(t *testing.T) {
	tmpDir := t.TempDir()
	path := filepath.Join(tmpDir, "fire.json")
	ctx := context.Background()

	frame := testFrame(t)
	require.NoError(t, os.WriteFile(path, frame[:len(frame)-5], 0644))

	reader := NewFileReader(path, 10*time.Millisecond, zap.NewNop())

	called := false
	err := reader.poll(ctx, func(ctx context.Context, payload []byte) error {
		called = true
		return nil
	})
	require.NoError(t, err)
	assert.False(t, called, "handler must not see a truncated frame")

	// Bad frame discarded so the slot is free again
	_, err = os.Stat(path)
	assert.True(t, os.IsNotExist(err))
}

func TestFileReader_EmptyFileIsNotAMessage(t *testing.T) {
	tmpDir := t.TempDir()
	path := filepath.Join(tmpDir, "fire.json")
	ctx := context.Background()

	require.NoError(t, os.WriteFile(path, nil, 0644))

	reader := NewFileReader(path, 10*time.Millisecond, zap.NewNop())
	called := false
	err := reader.poll(ctx, func(ctx context.Context, payload []byte) error {
		called = true
		return nil
	})
	require.NoError(t, err)
	assert.False(t, called)
}

func TestFileWriter_Closed(t *testing.T) {
	tmpDir := t.TempDir()
	writer, err := NewFileWriter(filepath.Join(tmpDir, "fire.json"), zap.NewNop())
	require.NoError(t, err)
	require.NoError(t, writer.Close())

	err = writer.Write(context.Background(), testFrame(t))
	assert.ErrorIs(t, err, ErrClosed)
}
