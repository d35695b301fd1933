package wire

import (
	"encoding/json"
	"fmt"
)

// Command kinds
const (
	KindOpen  = "OPEN"
	KindClose = "CLOSE"
)

// Order sides
const (
	SideBuy  = "BUY"
	SideSell = "SELL"
)

// Execution result statuses. StatusUnknown is controller-local only and
// never appears on the wire.
const (
	StatusSuccess = "SUCCESS"
	StatusError   = "ERROR"
	StatusClosed  = "CLOSED"
	StatusUnknown = "UNKNOWN"
)

// Telemetry envelope kinds
const (
	EnvTick      = "TICK"
	EnvResult    = "RESULT"
	EnvHeartbeat = "HEARTBEAT"
	EnvSnapshot  = "SNAPSHOT"
)

// Tick represents one instrument price observation
type Tick struct {
	Symbol       string  `json:"symbol"`
	Bid          float64 `json:"bid"`
	Ask          float64 `json:"ask"`
	SpreadPoints float64 `json:"spread_points"`
	Volume       int64   `json:"volume"`
	ExchangeTime int64   `json:"exchange_time"`
}

// Command represents one requested trade action. It is immutable after
// creation: a retry re-sends an identical copy with the same command_id.
type Command struct {
	CommandID        string  `json:"command_id"`
	Kind             string  `json:"kind"`
	Symbol           string  `json:"symbol"`
	Side             string  `json:"side,omitempty"`
	Volume           float64 `json:"volume,omitempty"`
	StopLossPoints   float64 `json:"stop_loss_points,omitempty"`
	TakeProfitPoints float64 `json:"take_profit_points,omitempty"`
	IssuedAt         int64   `json:"issued_at"`
}

// Validate checks structural invariants of a parsed Command
func (c Command) Validate() error {
	if c.CommandID == "" {
		return fmt.Errorf("command_id cannot be empty")
	}
	if c.Symbol == "" {
		return fmt.Errorf("symbol cannot be empty")
	}
	switch c.Kind {
	case KindOpen:
		if c.Side != SideBuy && c.Side != SideSell {
			return fmt.Errorf("invalid side %q for OPEN", c.Side)
		}
		if c.Volume <= 0 {
			return fmt.Errorf("volume must be greater than 0")
		}
	case KindClose:
		// side/volume optional for CLOSE
	default:
		return fmt.Errorf("invalid command kind %q", c.Kind)
	}
	return nil
}

// AccountSnapshot is a point-in-time read of account state, always
// embedded in telemetry and results
type AccountSnapshot struct {
	Balance           float64 `json:"balance"`
	Equity            float64 `json:"equity"`
	Margin            float64 `json:"margin"`
	FreeMargin        float64 `json:"free_margin"`
	FloatingProfit    float64 `json:"floating_profit"`
	OpenPositionCount int     `json:"open_position_count"`
}

// ExecutionResult is produced exactly once per accepted Command and
// correlated back by command_id
type ExecutionResult struct {
	CommandID    string          `json:"command_id"`
	Status       string          `json:"status"`
	BrokerTicket int64           `json:"broker_ticket,omitempty"`
	Price        float64         `json:"price,omitempty"`
	Message      string          `json:"message"`
	Account      AccountSnapshot `json:"account"`
}

// Envelope wraps every telemetry message with the emitting terminal's
// session id so one stream can multiplex ticks, results, heartbeats and
// account snapshots across terminals
type Envelope struct {
	SessionID string          `json:"session_id"`
	Kind      string          `json:"kind"`
	SentAt    int64           `json:"sent_at"`
	Payload   json.RawMessage `json:"payload,omitempty"`
}

// NewEnvelope marshals payload into an Envelope ready for the telemetry
// channel
func NewEnvelope(sessionID, kind string, sentAt int64, payload any) (Envelope, error) {
	env := Envelope{SessionID: sessionID, Kind: kind, SentAt: sentAt}
	if payload != nil {
		data, err := json.Marshal(payload)
		if err != nil {
			return Envelope{}, fmt.Errorf("failed to marshal %s payload: %w", kind, err)
		}
		env.Payload = data
	}
	return env, nil
}

// CommandID builds a globally unique command id from the controller's
// session uuid and a per-session monotonic counter
func CommandID(sessionUUID string, seq uint64) string {
	return fmt.Sprintf("%s-%d", sessionUUID, seq)
}
