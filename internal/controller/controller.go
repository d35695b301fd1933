// Package controller implements the backend-side bridge controller: the
// single authoritative sender of commands and single consumer of
// telemetry. Callers submit commands and await their execution results;
// ticks are forwarded to the fan-out hubs.
package controller

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/hydrax-labs/mt5-bridge/internal/channel"
	"github.com/hydrax-labs/mt5-bridge/internal/stream"
	"github.com/hydrax-labs/mt5-bridge/internal/wire"
	"go.uber.org/zap"
)

var (
	// ErrBridgeUnavailable is returned by Submit while the target
	// terminal is unknown or has missed its heartbeat threshold.
	ErrBridgeUnavailable = errors.New("controller: bridge unavailable")
	// ErrInsufficientMargin is the advisory pre-trade rejection based on
	// the cached account view. The adapter remains the final authority.
	ErrInsufficientMargin = errors.New("controller: insufficient free margin")
)

// resolvedRetention bounds how long resolved pending entries are kept
// for late-result reconciliation
const resolvedRetention = 10 * time.Minute

// SubmitRequest describes one trade action to send to a terminal
type SubmitRequest struct {
	SessionID        string
	Kind             string
	Symbol           string
	Side             string
	Volume           float64
	StopLossPoints   float64
	TakeProfitPoints float64
}

// Outcome is the terminal-side outcome of a submitted command. Status is
// the result status, or UNKNOWN when the wait timed out; UNKNOWN means
// the command may still have executed and the caller must reconcile
// before retrying an OPEN.
type Outcome struct {
	Status string
	Result *wire.ExecutionResult
}

// TerminalStatus is the ops view of one terminal session
type TerminalStatus struct {
	SessionID string               `json:"session_id"`
	Connected bool                 `json:"connected"`
	LastSeen  int64                `json:"last_seen_unix_millis"`
	Account   wire.AccountSnapshot `json:"account"`
}

type pendingEntry struct {
	commandID string
	ch        chan wire.ExecutionResult
	resolved  bool
	createdAt time.Time
}

type terminalState struct {
	sessionID string
	connected bool
	lastSeen  time.Time
	account   wire.AccountSnapshot
	hasView   bool
	lastTick  map[string]int64
}

// Controller is safe for concurrent Submit/Wait from arbitrary callers;
// telemetry state is mutated only by the single consumer loop feeding
// HandleTelemetry, with the mutex guarding cross-goroutine reads.
type Controller struct {
	commands      channel.Writer
	broadcaster   *stream.Broadcaster
	logger        *zap.Logger
	sessionUUID   string
	heartbeatMiss time.Duration

	seq atomic.Uint64

	mu        sync.Mutex
	terminals map[string]*terminalState
	pendings  map[string]*pendingEntry

	now func() time.Time

	droppedTicks int64
	lateResults  int64
}

// New creates a bridge controller writing commands to the given channel
func New(commands channel.Writer, broadcaster *stream.Broadcaster, heartbeatMiss time.Duration, logger *zap.Logger) *Controller {
	return &Controller{
		commands:      commands,
		broadcaster:   broadcaster,
		logger:        logger,
		sessionUUID:   uuid.New().String(),
		heartbeatMiss: heartbeatMiss,
		terminals:     make(map[string]*terminalState),
		pendings:      make(map[string]*pendingEntry),
		now:           time.Now,
	}
}

// SetClock overrides the time source, for tests
func (c *Controller) SetClock(now func() time.Time) {
	c.now = now
}

// Submit validates terminal availability, assigns a command id and sends
// the command. It returns before the command is executed; use the
// returned Pending to await the result.
func (c *Controller) Submit(ctx context.Context, req SubmitRequest) (*Pending, error) {
	now := c.now()

	c.mu.Lock()
	t := c.terminals[req.SessionID]
	if t == nil || !t.connected {
		c.mu.Unlock()
		return nil, fmt.Errorf("%w: terminal %s", ErrBridgeUnavailable, req.SessionID)
	}
	if req.Kind == wire.KindOpen && t.hasView && t.account.FreeMargin <= 0 {
		c.mu.Unlock()
		return nil, fmt.Errorf("%w: terminal %s", ErrInsufficientMargin, req.SessionID)
	}

	commandID := wire.CommandID(c.sessionUUID, c.seq.Add(1))
	entry := &pendingEntry{
		commandID: commandID,
		ch:        make(chan wire.ExecutionResult, 1),
		createdAt: now,
	}
	c.pendings[commandID] = entry
	c.mu.Unlock()

	cmd := wire.Command{
		CommandID:        commandID,
		Kind:             req.Kind,
		Symbol:           req.Symbol,
		Side:             req.Side,
		Volume:           req.Volume,
		StopLossPoints:   req.StopLossPoints,
		TakeProfitPoints: req.TakeProfitPoints,
		IssuedAt:         now.UnixMilli(),
	}
	frame, err := json.Marshal(cmd)
	if err != nil {
		c.dropPending(commandID)
		return nil, fmt.Errorf("failed to marshal command: %w", err)
	}

	if err := c.commands.Write(ctx, frame); err != nil {
		c.dropPending(commandID)
		return nil, fmt.Errorf("failed to send command: %w", err)
	}

	c.logger.Info("command submitted",
		zap.String("command_id", commandID),
		zap.String("session_id", req.SessionID),
		zap.String("kind", req.Kind),
		zap.String("symbol", req.Symbol),
	)
	return &Pending{c: c, entry: entry}, nil
}

func (c *Controller) dropPending(commandID string) {
	c.mu.Lock()
	delete(c.pendings, commandID)
	c.mu.Unlock()
}

// Pending is the caller's handle on one in-flight command
type Pending struct {
	c     *Controller
	entry *pendingEntry
}

// CommandID returns the assigned command id
func (p *Pending) CommandID() string {
	return p.entry.commandID
}

// Wait suspends the caller until a matching result arrives or the
// timeout elapses. On timeout the outcome is UNKNOWN, never ERROR: the
// command may have executed, and a late result is reconciled in the log
// but not redelivered.
func (p *Pending) Wait(ctx context.Context, timeout time.Duration) Outcome {
	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case result := <-p.entry.ch:
		return Outcome{Status: result.Status, Result: &result}
	case <-timer.C:
		p.c.abandon(p.entry, "timeout")
		return Outcome{Status: wire.StatusUnknown}
	case <-ctx.Done():
		p.c.abandon(p.entry, "context cancelled")
		return Outcome{Status: wire.StatusUnknown}
	}
}

// abandon marks a pending entry resolved so a late result is logged
// instead of delivered
func (c *Controller) abandon(entry *pendingEntry, reason string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if entry.resolved {
		return
	}
	entry.resolved = true
	c.logger.Warn("command outcome unknown",
		zap.String("command_id", entry.commandID),
		zap.String("reason", reason),
	)
}

// HandleTelemetry is the telemetry-channel handler: the single consumer
// of everything arriving from terminals
func (c *Controller) HandleTelemetry(ctx context.Context, payload []byte) error {
	env, err := wire.DecodeEnvelope(payload)
	if err != nil {
		// Malformed telemetry is discarded, never fatal.
		c.logger.Warn("discarding malformed telemetry frame", zap.Error(err))
		return nil
	}

	now := c.now()

	c.mu.Lock()
	t := c.terminals[env.SessionID]
	if t == nil {
		t = &terminalState{sessionID: env.SessionID, lastTick: make(map[string]int64)}
		c.terminals[env.SessionID] = t
		c.logger.Info("terminal registered", zap.String("session_id", env.SessionID))
	}
	t.lastSeen = now
	if !t.connected {
		t.connected = true
		c.logger.Info("terminal connected", zap.String("session_id", env.SessionID))
	}
	c.mu.Unlock()

	switch env.Kind {
	case wire.EnvTick:
		return c.handleTick(env, t)
	case wire.EnvResult:
		return c.handleResult(env)
	case wire.EnvSnapshot:
		return c.handleSnapshot(env, t)
	case wire.EnvHeartbeat:
		return nil
	}
	return nil
}

func (c *Controller) handleTick(env wire.Envelope, t *terminalState) error {
	var tick wire.Tick
	if err := json.Unmarshal(env.Payload, &tick); err != nil {
		c.logger.Warn("discarding malformed tick", zap.Error(err))
		return nil
	}

	c.mu.Lock()
	last, seen := t.lastTick[tick.Symbol]
	if seen && tick.ExchangeTime < last {
		// Out-of-order tick from a publisher session: dropped, never
		// reordered.
		c.mu.Unlock()
		atomic.AddInt64(&c.droppedTicks, 1)
		c.logger.Debug("dropping out-of-order tick",
			zap.String("symbol", tick.Symbol),
			zap.Int64("exchange_time", tick.ExchangeTime),
			zap.Int64("last_seen", last),
		)
		return nil
	}
	t.lastTick[tick.Symbol] = tick.ExchangeTime
	c.mu.Unlock()

	c.broadcaster.Ticks.Broadcast(tick)
	return nil
}

func (c *Controller) handleResult(env wire.Envelope) error {
	var result wire.ExecutionResult
	if err := json.Unmarshal(env.Payload, &result); err != nil {
		c.logger.Warn("discarding malformed result", zap.Error(err))
		return nil
	}

	c.mu.Lock()
	entry, ok := c.pendings[result.CommandID]
	switch {
	case !ok:
		c.mu.Unlock()
		c.logger.Warn("result for unknown command",
			zap.String("command_id", result.CommandID),
			zap.String("status", result.Status),
		)
	case entry.resolved:
		c.mu.Unlock()
		atomic.AddInt64(&c.lateResults, 1)
		c.logger.Info("late result reconciled",
			zap.String("command_id", result.CommandID),
			zap.String("status", result.Status),
			zap.String("message", result.Message),
		)
	default:
		entry.resolved = true
		entry.ch <- result
		c.mu.Unlock()
		c.logger.Info("command resolved",
			zap.String("command_id", result.CommandID),
			zap.String("status", result.Status),
		)
	}

	c.broadcaster.Results.Broadcast(result)
	return nil
}

func (c *Controller) handleSnapshot(env wire.Envelope, t *terminalState) error {
	var snap wire.AccountSnapshot
	if err := json.Unmarshal(env.Payload, &snap); err != nil {
		c.logger.Warn("discarding malformed snapshot", zap.Error(err))
		return nil
	}

	c.mu.Lock()
	t.account = snap
	t.hasView = true
	c.mu.Unlock()
	return nil
}

// RunWatchdog periodically sweeps terminal liveness and prunes resolved
// pending entries
func (c *Controller) RunWatchdog(ctx context.Context, interval time.Duration) error {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			c.Sweep(c.now())
		}
	}
}

// Sweep marks terminals disconnected after the heartbeat-miss threshold
// and drops resolved pendings past the retention window
func (c *Controller) Sweep(now time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()

	for _, t := range c.terminals {
		if t.connected && now.Sub(t.lastSeen) > c.heartbeatMiss {
			t.connected = false
			c.logger.Warn("terminal disconnected",
				zap.String("session_id", t.sessionID),
				zap.Duration("silence", now.Sub(t.lastSeen)),
			)
		}
	}

	for id, entry := range c.pendings {
		if entry.resolved && now.Sub(entry.createdAt) > resolvedRetention {
			delete(c.pendings, id)
		}
	}
}

// Status returns the ops view of all known terminals
func (c *Controller) Status() []TerminalStatus {
	c.mu.Lock()
	defer c.mu.Unlock()

	out := make([]TerminalStatus, 0, len(c.terminals))
	for _, t := range c.terminals {
		out = append(out, TerminalStatus{
			SessionID: t.sessionID,
			Connected: t.connected,
			LastSeen:  t.lastSeen.UnixMilli(),
			Account:   t.account,
		})
	}
	return out
}

// PendingCount returns the number of unresolved commands
func (c *Controller) PendingCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()

	n := 0
	for _, entry := range c.pendings {
		if !entry.resolved {
			n++
		}
	}
	return n
}
