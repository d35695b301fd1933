package channel

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync/atomic"
	"time"

	"github.com/hydrax-labs/mt5-bridge/internal/wire"
	"go.uber.org/zap"
)

// FileWriter is the legacy shared-file binding: each message is written
// to a temp file in the target directory and renamed into place, so a
// reader never observes a partial write. The slot holds one message; an
// unconsumed message makes Write fail with ErrChannelFull rather than
// silently overwriting it.
type FileWriter struct {
	path   string
	logger *zap.Logger
	closed int32
}

// NewFileWriter creates a writer for the given message file path
func NewFileWriter(path string, logger *zap.Logger) (*FileWriter, error) {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create channel directory: %w", err)
	}
	return &FileWriter{path: path, logger: logger}, nil
}

// Write atomically publishes one frame into the file slot
func (w *FileWriter) Write(ctx context.Context, payload []byte) error {
	if atomic.LoadInt32(&w.closed) == 1 {
		return ErrClosed
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	if info, err := os.Stat(w.path); err == nil && info.Size() > 0 {
		return ErrChannelFull
	}

	tmp, err := os.CreateTemp(filepath.Dir(w.path), "."+filepath.Base(w.path)+"-*")
	if err != nil {
		return fmt.Errorf("failed to create temp file: %w", err)
	}
	tmpName := tmp.Name()

	if _, err := tmp.Write(payload); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("failed to write frame: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("failed to close temp file: %w", err)
	}

	if err := os.Rename(tmpName, w.path); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("failed to publish frame: %w", err)
	}
	return nil
}

// Close marks the writer closed
func (w *FileWriter) Close() error {
	atomic.StoreInt32(&w.closed, 1)
	return nil
}

// FileReader polls a message file on an interval, validates the frame,
// and clears the file only after a successful parse
type FileReader struct {
	path     string
	interval time.Duration
	logger   *zap.Logger

	consumed int64
	dropped  int64
}

// NewFileReader creates a polling reader for the given message file path
func NewFileReader(path string, interval time.Duration, logger *zap.Logger) *FileReader {
	if interval <= 0 {
		interval = 250 * time.Millisecond
	}
	return &FileReader{path: path, interval: interval, logger: logger}
}

// Run polls until ctx is cancelled
func (r *FileReader) Run(ctx context.Context, handler Handler) error {
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if err := r.poll(ctx, handler); err != nil {
				r.logger.Error("file channel poll failed", zap.String("path", r.path), zap.Error(err))
			}
		}
	}
}

func (r *FileReader) poll(ctx context.Context, handler Handler) error {
	payload, err := os.ReadFile(r.path)
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("failed to read message file: %w", err)
	}
	if len(payload) == 0 {
		return nil
	}

	if err := wire.ValidateFrame(payload); err != nil {
		// Truncated or garbage frame. Discard it so the writer can
		// publish the next message.
		atomic.AddInt64(&r.dropped, 1)
		r.logger.Warn("discarding bad frame",
			zap.String("path", r.path),
			zap.Int("size", len(payload)),
			zap.Error(err),
		)
		return os.Remove(r.path)
	}

	if err := handleWithRetry(ctx, r.logger, payload, handler); err != nil {
		atomic.AddInt64(&r.dropped, 1)
		r.logger.Error("dropping frame after failed handling", zap.Error(err))
	} else {
		atomic.AddInt64(&r.consumed, 1)
	}

	// Clear the slot after a successful parse either way; the message
	// was delivered to the handler at least once.
	return os.Remove(r.path)
}

// Close is a no-op for the polling reader; Run exits with its context
func (r *FileReader) Close() error { return nil }
