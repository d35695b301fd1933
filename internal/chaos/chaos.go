// Package chaos provides deterministic failure injection for channel
// writers, used to exercise the bridge's at-least-once handling under
// dropped, delayed and duplicated frames.
package chaos

import (
	"context"
	"math/rand"
	"sync"
	"time"

	"github.com/hydrax-labs/mt5-bridge/internal/channel"
	"go.uber.org/zap"
)

// Chaos provides deterministic failure injection
type Chaos struct {
	cfg    *Config
	logger *zap.Logger
	rng    *rand.Rand
	mu     sync.Mutex
	start  time.Time
}

// New creates a new Chaos instance
func New(cfg *Config, logger *zap.Logger) *Chaos {
	c := &Chaos{
		cfg:    cfg,
		logger: logger,
		rng:    rand.New(rand.NewSource(cfg.Seed)),
		start:  time.Now(),
	}

	// Apply profile if set
	if cfg.Profile != "" {
		dropPct, dupPct, delayMin, delayMax, err := ParseProfile(cfg.Profile)
		if err != nil {
			logger.Warn("failed to parse chaos profile", zap.Error(err))
		} else {
			if dropPct > 0 {
				cfg.DropPct = dropPct
			}
			if dupPct > 0 {
				cfg.DupPct = dupPct
			}
			if delayMin > 0 || delayMax > 0 {
				cfg.DelayMsMin = delayMin
				cfg.DelayMsMax = delayMax
			}
		}
	}

	return c
}

func (c *Chaos) enabled() bool {
	if !c.cfg.Enabled {
		return false
	}

	// Check if window expired
	if c.cfg.WindowMs > 0 {
		elapsed := time.Since(c.start).Milliseconds()
		if elapsed > int64(c.cfg.WindowMs) {
			return false
		}
	}

	return true
}

// MaybeDelay injects a random delay if chaos is enabled
func (c *Chaos) MaybeDelay(ctx context.Context, op string) error {
	if !c.enabled() {
		return nil
	}

	if c.cfg.DelayMsMin == 0 && c.cfg.DelayMsMax == 0 {
		return nil
	}

	c.mu.Lock()
	var delayMs int
	if c.cfg.DelayMsMin == c.cfg.DelayMsMax {
		delayMs = c.cfg.DelayMsMin
	} else {
		delayMs = c.cfg.DelayMsMin + c.rng.Intn(c.cfg.DelayMsMax-c.cfg.DelayMsMin+1)
	}
	c.mu.Unlock()

	if delayMs > 0 {
		c.logger.Info("chaos delay injected",
			zap.String("op", op),
			zap.Int("delay_ms", delayMs),
		)

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(time.Duration(delayMs) * time.Millisecond):
			return nil
		}
	}

	return nil
}

// MaybeDrop returns true if the frame should be dropped
func (c *Chaos) MaybeDrop(op string) bool {
	return c.roll(op, c.cfg.DropPct, "drop")
}

// MaybeDuplicate returns true if the frame should be sent twice
func (c *Chaos) MaybeDuplicate(op string) bool {
	return c.roll(op, c.cfg.DupPct, "duplicate")
}

func (c *Chaos) roll(op string, pct int, kind string) bool {
	if !c.enabled() || pct == 0 {
		return false
	}

	c.mu.Lock()
	hit := c.rng.Intn(100) < pct
	c.mu.Unlock()

	if hit {
		c.logger.Info("chaos "+kind+" injected", zap.String("op", op))
	}

	return hit
}

// Writer wraps a channel writer with fault injection. Drops swallow the
// frame, duplicates write it twice, delays stall the write.
type Writer struct {
	inner channel.Writer
	chaos *Chaos
	op    string
}

// WrapWriter decorates a channel writer with the given chaos instance
func WrapWriter(inner channel.Writer, chaos *Chaos, op string) *Writer {
	return &Writer{inner: inner, chaos: chaos, op: op}
}

// Write applies fault injection around the inner write
func (w *Writer) Write(ctx context.Context, payload []byte) error {
	if w.chaos.MaybeDrop(w.op) {
		return nil
	}
	if err := w.chaos.MaybeDelay(ctx, w.op); err != nil {
		return err
	}
	if err := w.inner.Write(ctx, payload); err != nil {
		return err
	}
	if w.chaos.MaybeDuplicate(w.op) {
		return w.inner.Write(ctx, payload)
	}
	return nil
}

// Close closes the inner writer
func (w *Writer) Close() error {
	return w.inner.Close()
}
