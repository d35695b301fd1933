package terminal

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sort"
	"time"

	"github.com/hydrax-labs/mt5-bridge/internal/broker"
	"github.com/hydrax-labs/mt5-bridge/internal/wire"
	"go.uber.org/zap"
)

// Per-command states
const (
	stateReceived  = "RECEIVED"
	stateValidated = "VALIDATED"
	stateSubmitted = "SUBMITTED"
	stateFilled    = "FILLED"
	stateRejected  = "REJECTED"
)

// Journal retries once the broker has acted. Journal contention is
// transient (the outbox publisher shares the store), so a few local
// attempts resolve it without ever re-executing the command.
const (
	recordAttempts = 3
	recordBackoff  = 100 * time.Millisecond
)

// Journal is the durable record the adapter needs: which command ids
// were processed and the outbox row for each result.
type Journal interface {
	Seen(ctx context.Context, commandID string) (bool, error)
	Record(ctx context.Context, result wire.ExecutionResult) (duplicate bool, err error)
}

// Adapter drains the command channel and executes trades against the
// broker. Exactly one broker order-send per command, exactly one
// execution result per accepted command, and duplicate command ids are
// discarded without re-execution.
type Adapter struct {
	broker    broker.Broker
	store     Journal
	sessionID string
	allow     map[string]struct{}
	deny      map[string]struct{}
	logger    *zap.Logger

	// lastCommandID is the fast-path duplicate guard for channel-level
	// retransmission; the journal covers everything older.
	lastCommandID string
}

// NewAdapter creates an execution adapter for one terminal session
func NewAdapter(b broker.Broker, store Journal, sessionID string, symbols, denylist []string, logger *zap.Logger) *Adapter {
	allow := make(map[string]struct{}, len(symbols))
	for _, s := range symbols {
		allow[s] = struct{}{}
	}
	deny := make(map[string]struct{}, len(denylist))
	for _, s := range denylist {
		deny[s] = struct{}{}
	}
	return &Adapter{
		broker:    b,
		store:     store,
		sessionID: sessionID,
		allow:     allow,
		deny:      deny,
		logger:    logger,
	}
}

// HandleCommand is the command-channel handler. It never returns an
// error for a bad command, and never after the broker has acted: only a
// journal failure on the pre-execution duplicate check propagates, so
// transport redelivery can re-run at most a command with no side effect
// yet.
func (a *Adapter) HandleCommand(ctx context.Context, payload []byte) error {
	cmd, err := wire.DecodeCommand(payload)
	if err != nil {
		// Unparseable frame: nothing to correlate a result to.
		a.logger.Warn("discarding malformed command frame", zap.Error(err))
		return nil
	}
	if cmd.CommandID == "" {
		a.logger.Warn("discarding command without command_id")
		return nil
	}

	if cmd.CommandID == a.lastCommandID {
		a.logger.Info("duplicate of preceding command, discarding",
			zap.String("command_id", cmd.CommandID),
		)
		return nil
	}

	seen, err := a.store.Seen(ctx, cmd.CommandID)
	if err != nil {
		return fmt.Errorf("failed to check journal: %w", err)
	}
	if seen {
		a.logger.Info("command already processed, discarding",
			zap.String("command_id", cmd.CommandID),
		)
		a.lastCommandID = cmd.CommandID
		return nil
	}

	result := a.execute(ctx, cmd)

	snap, err := a.broker.Account(ctx)
	if err != nil {
		a.logger.Error("failed to read account snapshot", zap.Error(err))
	} else {
		result.Account = snap
	}

	// The broker has acted; from here this frame must never run again.
	// A journal failure is retried locally and then swallowed, so the
	// transport's redelivery path cannot re-execute the command.
	duplicate, err := a.record(ctx, result)
	if err != nil {
		a.logger.Error("result not journaled, outcome stays unresolved",
			zap.String("command_id", cmd.CommandID),
			zap.Error(err),
		)
	}
	if duplicate {
		a.logger.Warn("result already journaled for command",
			zap.String("command_id", cmd.CommandID),
		)
	}

	a.lastCommandID = cmd.CommandID

	a.logger.Info("command processed",
		zap.String("command_id", cmd.CommandID),
		zap.String("kind", cmd.Kind),
		zap.String("symbol", cmd.Symbol),
		zap.String("status", result.Status),
		zap.String("message", result.Message),
	)
	return nil
}

// record journals the result with bounded retries. Transient contention
// with the outbox publisher must not bubble into a transport redelivery.
func (a *Adapter) record(ctx context.Context, result wire.ExecutionResult) (bool, error) {
	backoff := recordBackoff

	var duplicate bool
	var err error
	for attempt := 0; attempt < recordAttempts; attempt++ {
		duplicate, err = a.store.Record(ctx, result)
		if err == nil {
			return duplicate, nil
		}
		if attempt < recordAttempts-1 {
			a.logger.Warn("journal record failed, retrying",
				zap.String("command_id", result.CommandID),
				zap.Int("attempt", attempt+1),
				zap.Error(err),
			)
			select {
			case <-ctx.Done():
				return false, ctx.Err()
			case <-time.After(backoff):
			}
			backoff *= 2
		}
	}
	return false, err
}

// execute runs the per-command state machine:
// RECEIVED -> VALIDATED -> SUBMITTED -> {FILLED | REJECTED}
func (a *Adapter) execute(ctx context.Context, cmd wire.Command) wire.ExecutionResult {
	a.logState(cmd.CommandID, stateReceived)

	if err := cmd.Validate(); err != nil {
		a.logState(cmd.CommandID, stateRejected)
		return errorResult(cmd, "validation failed: "+err.Error())
	}
	if !a.symbolAllowed(cmd.Symbol) {
		a.logState(cmd.CommandID, stateRejected)
		return errorResult(cmd, fmt.Sprintf("symbol %s not allowed", cmd.Symbol))
	}
	a.logState(cmd.CommandID, stateValidated)

	switch cmd.Kind {
	case wire.KindOpen:
		return a.executeOpen(ctx, cmd)
	case wire.KindClose:
		return a.executeClose(ctx, cmd)
	default:
		a.logState(cmd.CommandID, stateRejected)
		return errorResult(cmd, fmt.Sprintf("invalid command kind %q", cmd.Kind))
	}
}

func (a *Adapter) executeOpen(ctx context.Context, cmd wire.Command) wire.ExecutionResult {
	volume := cmd.Volume
	if spec, ok := a.broker.SymbolSpec(cmd.Symbol); ok {
		volume = normalizeVolume(volume, spec)
	}

	a.logState(cmd.CommandID, stateSubmitted)
	fill, err := a.broker.OrderSend(ctx, broker.OrderRequest{
		Symbol:           cmd.Symbol,
		Side:             cmd.Side,
		Volume:           volume,
		StopLossPoints:   cmd.StopLossPoints,
		TakeProfitPoints: cmd.TakeProfitPoints,
	})
	if err != nil {
		a.logState(cmd.CommandID, stateRejected)
		var reject *broker.RejectError
		if errors.As(err, &reject) {
			return errorResult(cmd, reject.Reason)
		}
		return errorResult(cmd, "order send failed: "+err.Error())
	}

	a.logState(cmd.CommandID, stateFilled)
	return wire.ExecutionResult{
		CommandID:    cmd.CommandID,
		Status:       wire.StatusSuccess,
		BrokerTicket: fill.Ticket,
		Price:        fill.Price,
		Message:      "filled",
	}
}

func (a *Adapter) executeClose(ctx context.Context, cmd wire.Command) wire.ExecutionResult {
	positions, err := a.broker.OpenPositions(ctx, cmd.Symbol)
	if err != nil {
		a.logState(cmd.CommandID, stateRejected)
		return errorResult(cmd, "failed to list positions: "+err.Error())
	}
	if len(positions) == 0 {
		// Idempotent close: nothing to do is a success, not an error.
		a.logState(cmd.CommandID, stateFilled)
		return wire.ExecutionResult{
			CommandID: cmd.CommandID,
			Status:    wire.StatusSuccess,
			Message:   "no position",
		}
	}

	// Close the oldest matching position.
	sort.Slice(positions, func(i, j int) bool { return positions[i].Ticket < positions[j].Ticket })
	target := positions[0]

	a.logState(cmd.CommandID, stateSubmitted)
	fill, err := a.broker.ClosePosition(ctx, target.Ticket)
	if err != nil {
		a.logState(cmd.CommandID, stateRejected)
		var reject *broker.RejectError
		if errors.As(err, &reject) {
			return errorResult(cmd, reject.Reason)
		}
		return errorResult(cmd, "close failed: "+err.Error())
	}

	a.logState(cmd.CommandID, stateFilled)
	return wire.ExecutionResult{
		CommandID:    cmd.CommandID,
		Status:       wire.StatusClosed,
		BrokerTicket: fill.Ticket,
		Price:        fill.Price,
		Message:      "closed",
	}
}

func (a *Adapter) symbolAllowed(symbol string) bool {
	if _, denied := a.deny[symbol]; denied {
		return false
	}
	_, allowed := a.allow[symbol]
	return allowed
}

func (a *Adapter) logState(commandID, state string) {
	a.logger.Debug("command state",
		zap.String("command_id", commandID),
		zap.String("state", state),
	)
}

func errorResult(cmd wire.Command, message string) wire.ExecutionResult {
	return wire.ExecutionResult{
		CommandID: cmd.CommandID,
		Status:    wire.StatusError,
		Message:   message,
	}
}

// normalizeVolume clamps a requested volume to the broker's min/step/max
func normalizeVolume(volume float64, spec broker.SymbolSpec) float64 {
	if spec.VolumeStep > 0 {
		volume = math.Floor(volume/spec.VolumeStep+1e-9) * spec.VolumeStep
	}
	if spec.MinVolume > 0 && volume < spec.MinVolume {
		volume = spec.MinVolume
	}
	if spec.MaxVolume > 0 && volume > spec.MaxVolume {
		volume = spec.MaxVolume
	}
	return volume
}
