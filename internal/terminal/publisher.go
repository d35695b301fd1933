// Package terminal holds the terminal-side bridge components: the tick
// publisher sampling the live quote feed and the execution adapter
// draining the command channel into broker calls.
package terminal

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/hydrax-labs/mt5-bridge/internal/broker"
	"github.com/hydrax-labs/mt5-bridge/internal/channel"
	"github.com/hydrax-labs/mt5-bridge/internal/wire"
	"go.uber.org/zap"
)

// snapshotEveryRounds controls how often a standalone account snapshot
// rides along with the heartbeat cadence
const snapshotEveryRounds = 5

// Publisher samples live quotes for a fixed instrument set at a bounded
// interval and hands them to the telemetry channel. While the terminal
// is disconnected it emits heartbeats only, never ticks, and buffers no
// backlog.
type Publisher struct {
	feed      broker.QuoteFeed
	account   broker.Broker
	out       channel.Writer
	sessionID string
	symbols   []string
	interval  time.Duration
	staleness time.Duration
	logger    *zap.Logger

	lastEmitted map[string]int64
	rounds      int64
	now         func() time.Time
}

// NewPublisher creates a tick publisher for one terminal session
func NewPublisher(feed broker.QuoteFeed, account broker.Broker, out channel.Writer, sessionID string, symbols []string, interval, staleness time.Duration, logger *zap.Logger) *Publisher {
	if interval <= 0 {
		interval = time.Second
	}
	return &Publisher{
		feed:        feed,
		account:     account,
		out:         out,
		sessionID:   sessionID,
		symbols:     symbols,
		interval:    interval,
		staleness:   staleness,
		logger:      logger,
		lastEmitted: make(map[string]int64),
		now:         time.Now,
	}
}

// SetClock overrides the time source, for tests
func (p *Publisher) SetClock(now func() time.Time) {
	p.now = now
}

// Run samples until ctx is cancelled
func (p *Publisher) Run(ctx context.Context) error {
	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			p.SampleRound(ctx)
		}
	}
}

// SampleRound performs one sampling round: a heartbeat, a periodic
// account snapshot, and one tick per instrument with a fresh quote
func (p *Publisher) SampleRound(ctx context.Context) {
	now := p.now()
	p.rounds++

	p.emit(ctx, wire.EnvHeartbeat, now, nil)

	if p.account != nil && p.rounds%snapshotEveryRounds == 1 {
		if snap, err := p.account.Account(ctx); err != nil {
			p.logger.Warn("failed to read account snapshot", zap.Error(err))
		} else {
			p.emit(ctx, wire.EnvSnapshot, now, snap)
		}
	}

	if !p.feed.Connected() {
		// Suppress all tick output until the terminal reconnects.
		p.logger.Debug("terminal disconnected, suppressing ticks")
		return
	}

	for _, symbol := range p.symbols {
		quote, ok := p.feed.Quote(symbol)
		if !ok {
			continue
		}
		if p.staleness > 0 && now.Sub(quote.At) > p.staleness {
			// Stale quote: no tick for this instrument this round.
			continue
		}

		exchangeTime := quote.At.UnixMilli()
		if last, ok := p.lastEmitted[symbol]; ok && exchangeTime < last {
			// Never emit a regression; duplicates of the latest tick
			// are tolerated by consumers.
			continue
		}

		tick := wire.Tick{
			Symbol:       symbol,
			Bid:          quote.Bid,
			Ask:          quote.Ask,
			SpreadPoints: quote.SpreadPoints,
			Volume:       quote.Volume,
			ExchangeTime: exchangeTime,
		}
		if p.emit(ctx, wire.EnvTick, now, tick) {
			p.lastEmitted[symbol] = exchangeTime
		}
	}
}

func (p *Publisher) emit(ctx context.Context, kind string, now time.Time, payload any) bool {
	env, err := wire.NewEnvelope(p.sessionID, kind, now.UnixMilli(), payload)
	if err != nil {
		p.logger.Error("failed to build envelope", zap.String("kind", kind), zap.Error(err))
		return false
	}
	frame, err := json.Marshal(env)
	if err != nil {
		p.logger.Error("failed to marshal envelope", zap.String("kind", kind), zap.Error(err))
		return false
	}

	if err := p.out.Write(ctx, frame); err != nil {
		if errors.Is(err, channel.ErrChannelFull) {
			// Ticks and heartbeats are droppable; the next round
			// resends fresher data.
			p.logger.Warn("telemetry channel full, dropping message", zap.String("kind", kind))
			return false
		}
		p.logger.Error("failed to write telemetry", zap.String("kind", kind), zap.Error(err))
		return false
	}
	return true
}
