// Package channel delivers byte-framed messages between the bridge
// controller and terminal-side processes with at-least-once delivery and
// FIFO ordering per direction. Three bindings exist: shared-file polling
// (legacy), sockets with the controller as the stable endpoint, and
// Kafka topics for brokered deployments.
package channel

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"
)

var (
	// ErrChannelFull signals that the bounded send queue is full. The
	// caller decides whether to re-submit or fail; nothing is silently
	// dropped.
	ErrChannelFull = errors.New("channel: send queue full")
	// ErrClosed is returned for operations on a closed channel endpoint.
	ErrClosed = errors.New("channel: closed")
)

// Handler processes one received frame. A non-nil error triggers bounded
// retries before the frame is dropped.
type Handler func(ctx context.Context, payload []byte) error

// Writer is the sending half of a channel binding
type Writer interface {
	Write(ctx context.Context, payload []byte) error
	Close() error
}

// Reader is the receiving half of a channel binding
type Reader interface {
	Run(ctx context.Context, handler Handler) error
	Close() error
}

// handleWithRetry calls handler with bounded retries and exponential
// backoff before giving up on a frame
func handleWithRetry(ctx context.Context, logger *zap.Logger, payload []byte, handler Handler) error {
	maxRetries := 3
	backoff := 100 * time.Millisecond

	for attempt := 0; attempt < maxRetries; attempt++ {
		err := handler(ctx, payload)
		if err == nil {
			return nil
		}

		if attempt < maxRetries-1 {
			logger.Warn("handler failed, retrying",
				zap.Int("attempt", attempt+1),
				zap.Error(err),
			)
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(backoff):
			}
			backoff *= 2
		}
	}

	return fmt.Errorf("handler failed after %d attempts", maxRetries)
}
