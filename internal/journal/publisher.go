package journal

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/hydrax-labs/mt5-bridge/internal/channel"
	"github.com/hydrax-labs/mt5-bridge/internal/wire"
	"go.uber.org/zap"
)

// Publisher drains the result outbox into the telemetry channel
type Publisher struct {
	store     *Store
	out       channel.Writer
	sessionID string
	logger    *zap.Logger
	interval  time.Duration
	batchSize int
}

// NewPublisher creates an outbox publisher for one terminal session
func NewPublisher(store *Store, out channel.Writer, sessionID string, logger *zap.Logger) *Publisher {
	return &Publisher{
		store:     store,
		out:       out,
		sessionID: sessionID,
		logger:    logger,
		interval:  250 * time.Millisecond,
		batchSize: 100,
	}
}

// Run starts the publisher loop
func (p *Publisher) Run(ctx context.Context) error {
	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if err := p.publishBatch(ctx); err != nil {
				p.logger.Error("failed to publish batch", zap.Error(err))
				// Continue - will retry on next tick
			}
		}
	}
}

func (p *Publisher) publishBatch(ctx context.Context) error {
	entries, err := p.store.ListUnpublished(ctx, p.batchSize)
	if err != nil {
		return fmt.Errorf("failed to list unpublished entries: %w", err)
	}

	if len(entries) == 0 {
		return nil
	}

	now := time.Now().UnixMilli()
	published := 0

	for _, entry := range entries {
		env, err := wire.NewEnvelope(p.sessionID, wire.EnvResult, now, json.RawMessage(entry.PayloadJSON))
		if err != nil {
			p.logger.Error("failed to build result envelope",
				zap.String("command_id", entry.CommandID),
				zap.Error(err),
			)
			continue
		}

		frame, err := json.Marshal(env)
		if err != nil {
			p.logger.Error("failed to marshal result envelope",
				zap.String("command_id", entry.CommandID),
				zap.Error(err),
			)
			continue
		}

		if err := p.out.Write(ctx, frame); err != nil {
			if errors.Is(err, channel.ErrChannelFull) {
				// Stop the batch; FIFO order matters for results and
				// the entries will be retried on the next tick.
				p.logger.Warn("telemetry channel full, deferring outbox batch",
					zap.Int("remaining", len(entries)-published),
				)
				return nil
			}
			p.logger.Error("failed to publish result",
				zap.String("command_id", entry.CommandID),
				zap.Error(err),
			)
			continue
		}

		if err := p.store.MarkPublished(ctx, entry.CommandID, now); err != nil {
			p.logger.Error("failed to mark entry as published",
				zap.String("command_id", entry.CommandID),
				zap.Error(err),
			)
			// Continue - worst case we republish and the controller
			// deduplicates by command_id
			continue
		}

		published++
		p.logger.Debug("published result",
			zap.String("command_id", entry.CommandID),
		)
	}

	if published > 0 {
		p.logger.Info("published outbox batch",
			zap.Int("published", published),
			zap.Int("total", len(entries)),
		)
	}

	return nil
}
