// Package broker defines the thin boundary the execution adapter and
// tick publisher need from the hosting trading terminal. A real MT5 shim
// only has to satisfy these interfaces; the in-memory Sim serves the
// terminal agent binary and tests.
package broker

import (
	"context"
	"time"

	"github.com/hydrax-labs/mt5-bridge/internal/wire"
)

// Quote is one live price observation from the terminal's feed
type Quote struct {
	Symbol       string
	Bid          float64
	Ask          float64
	SpreadPoints float64
	Volume       int64
	At           time.Time
}

// Position is one open broker position
type Position struct {
	Ticket    int64
	Symbol    string
	Side      string
	Volume    float64
	OpenPrice float64
}

// OrderRequest is one order-send attempt
type OrderRequest struct {
	Symbol           string
	Side             string
	Volume           float64
	StopLossPoints   float64
	TakeProfitPoints float64
}

// OrderResult is the broker's fill confirmation
type OrderResult struct {
	Ticket int64
	Price  float64
}

// SymbolSpec carries the broker's volume constraints for one instrument
type SymbolSpec struct {
	MinVolume  float64
	VolumeStep float64
	MaxVolume  float64
	Point      float64
}

// RejectError is a broker-side order rejection. It is never retried by
// the adapter; the reason travels back in the execution result.
type RejectError struct {
	Reason string
}

func (e *RejectError) Error() string {
	return "broker rejected: " + e.Reason
}

// Broker executes orders and reports account state
type Broker interface {
	OrderSend(ctx context.Context, req OrderRequest) (OrderResult, error)
	ClosePosition(ctx context.Context, ticket int64) (OrderResult, error)
	OpenPositions(ctx context.Context, symbol string) ([]Position, error)
	Account(ctx context.Context) (wire.AccountSnapshot, error)
	SymbolSpec(symbol string) (SymbolSpec, bool)
}

// QuoteFeed exposes the terminal's live quote stream
type QuoteFeed interface {
	Quote(symbol string) (Quote, bool)
	Connected() bool
}
