package channel

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"runtime"
	"sync"
	"testing"
	"time"

	"github.com/hydrax-labs/mt5-bridge/internal/wire"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type frameSink struct {
	mu     sync.Mutex
	frames [][]byte
}

func (s *frameSink) handle(ctx context.Context, payload []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.frames = append(s.frames, payload)
	return nil
}

func (s *frameSink) snapshot() [][]byte {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([][]byte, len(s.frames))
	copy(out, s.frames)
	return out
}

func tickFrame(t *testing.T, exchangeTime int64) []byte {
	t.Helper()
	frame, err := json.Marshal(wire.Tick{Symbol: "EURUSD", Bid: 1.0845, Ask: 1.0846, ExchangeTime: exchangeTime})
	require.NoError(t, err)
	return frame
}

func TestSocket_CommandDirection(t *testing.T) {
	// Controller listens and writes; terminal dials and reads.
	writer, err := NewListenWriter("tcp", "127.0.0.1:0", 16, zap.NewNop())
	require.NoError(t, err)
	defer writer.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sink := &frameSink{}
	reader := NewDialReader("tcp", writer.Addr(), zap.NewNop())
	go reader.Run(ctx, sink.handle)

	var sent [][]byte
	for i := int64(1); i <= 5; i++ {
		frame := tickFrame(t, i)
		sent = append(sent, frame)
		require.NoError(t, writer.Write(ctx, frame))
	}

	require.Eventually(t, func() bool {
		return len(sink.snapshot()) == 5
	}, 3*time.Second, 10*time.Millisecond)

	// FIFO per direction
	assert.Equal(t, sent, sink.snapshot())
}

func TestSocket_TelemetryDirection(t *testing.T) {
	// Controller listens and reads; terminal dials and writes.
	reader, err := NewListenReader("tcp", "127.0.0.1:0", zap.NewNop())
	require.NoError(t, err)
	defer reader.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sink := &frameSink{}
	go reader.Run(ctx, sink.handle)

	writer := NewDialWriter("tcp", reader.Addr(), 16, zap.NewNop())
	defer writer.Close()

	var sent [][]byte
	for i := int64(1); i <= 5; i++ {
		frame := tickFrame(t, i)
		sent = append(sent, frame)
		require.NoError(t, writer.Write(ctx, frame))
	}

	require.Eventually(t, func() bool {
		return len(sink.snapshot()) == 5
	}, 3*time.Second, 10*time.Millisecond)

	assert.Equal(t, sent, sink.snapshot())
}

func TestSocket_BadFrameDiscarded(t *testing.T) {
	reader, err := NewListenReader("tcp", "127.0.0.1:0", zap.NewNop())
	require.NoError(t, err)
	defer reader.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sink := &frameSink{}
	go reader.Run(ctx, sink.handle)

	writer := NewDialWriter("tcp", reader.Addr(), 16, zap.NewNop())
	defer writer.Close()

	// Garbage line, then a valid frame
	require.NoError(t, writer.Write(ctx, []byte("this is not json at all")))
	valid := tickFrame(t, 42)
	require.NoError(t, writer.Write(ctx, valid))

	require.Eventually(t, func() bool {
		return len(sink.snapshot()) == 1
	}, 3*time.Second, 10*time.Millisecond)

	assert.Equal(t, valid, sink.snapshot()[0])
}

func TestListenWriter_QueueFull(t *testing.T) {
	// No peer connected: the pump stalls and the bounded queue fills.
	writer, err := NewListenWriter("tcp", "127.0.0.1:0", 2, zap.NewNop())
	require.NoError(t, err)
	defer writer.Close()

	ctx := context.Background()

	sawFull := false
	for i := 0; i < 10; i++ {
		if err := writer.Write(ctx, tickFrame(t, int64(i))); err != nil {
			require.ErrorIs(t, err, ErrChannelFull)
			sawFull = true
			break
		}
	}
	assert.True(t, sawFull, "expected ErrChannelFull with no connected peer")
}

func TestListenWriter_Closed(t *testing.T) {
	writer, err := NewListenWriter("tcp", "127.0.0.1:0", 2, zap.NewNop())
	require.NoError(t, err)
	require.NoError(t, writer.Close())

	err = writer.Write(context.Background(), tickFrame(t, 1))
	assert.ErrorIs(t, err, ErrClosed)
}

func TestListenReader_ConnectionGoroutinesReleased(t *testing.T) {
	reader, err := NewListenReader("tcp", "127.0.0.1:0", zap.NewNop())
	require.NoError(t, err)
	defer reader.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sink := &frameSink{}
	go reader.Run(ctx, sink.handle)

	baseline := runtime.NumGoroutine()

	for i := 0; i < 20; i++ {
		conn, err := net.Dial("tcp", reader.Addr())
		require.NoError(t, err)
		_, err = conn.Write(append(tickFrame(t, int64(i+1)), '\n'))
		require.NoError(t, err)
		require.NoError(t, conn.Close())
	}

	require.Eventually(t, func() bool {
		return len(sink.snapshot()) == 20
	}, 3*time.Second, 10*time.Millisecond)

	// A closed connection must not leave its watcher goroutine parked on
	// the long-lived Run context.
	require.Eventually(t, func() bool {
		return runtime.NumGoroutine() <= baseline+4
	}, 3*time.Second, 10*time.Millisecond)
}

func TestUnixSocket_StaleFileRemoved(t *testing.T) {
	path := fmt.Sprintf("%s/bridge.sock", t.TempDir())

	w1, err := NewListenWriter("unix", path, 2, zap.NewNop())
	require.NoError(t, err)
	require.NoError(t, w1.Close())

	// Rebinding over the leftover socket file must succeed
	w2, err := NewListenWriter("unix", path, 2, zap.NewNop())
	require.NoError(t, err)
	w2.Close()
}
