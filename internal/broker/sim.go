package broker

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/hydrax-labs/mt5-bridge/internal/wire"
)

const (
	contractSize = 100_000.0
	marginPerLot = 1_000.0
	defaultPoint = 0.0001
	jpyPoint     = 0.01
)

// Sim is a deterministic in-memory broker and quote feed. It implements
// both Broker and QuoteFeed so the terminal agent can run end to end
// without a real terminal attached.
type Sim struct {
	mu         sync.Mutex
	balance    float64
	nextTicket int64
	positions  map[int64]Position
	quotes     map[string]Quote
	specs      map[string]SymbolSpec
	connected  bool
	now        func() time.Time
}

// NewSim creates a simulated broker with the given starting balance
func NewSim(balance float64) *Sim {
	return &Sim{
		balance:    balance,
		nextTicket: 55000,
		positions:  make(map[int64]Position),
		quotes:     make(map[string]Quote),
		specs:      make(map[string]SymbolSpec),
		connected:  true,
		now:        time.Now,
	}
}

// SetClock overrides the time source, for tests
func (s *Sim) SetClock(now func() time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.now = now
}

// SetConnected toggles the simulated terminal connectivity
func (s *Sim) SetConnected(connected bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.connected = connected
}

// Connected reports simulated terminal connectivity
func (s *Sim) Connected() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.connected
}

// SetQuote publishes a new quote for symbol
func (s *Sim) SetQuote(symbol string, bid, ask float64, volume int64) {
	s.mu.Lock()
	defer s.mu.Unlock()

	spec := s.specLocked(symbol)
	s.quotes[symbol] = Quote{
		Symbol:       symbol,
		Bid:          bid,
		Ask:          ask,
		SpreadPoints: (ask - bid) / spec.Point,
		Volume:       volume,
		At:           s.now(),
	}
}

// Quote returns the latest quote for symbol
func (s *Sim) Quote(symbol string) (Quote, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	q, ok := s.quotes[symbol]
	return q, ok
}

// SymbolSpec returns volume constraints for symbol
func (s *Sim) SymbolSpec(symbol string) (SymbolSpec, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.specLocked(symbol), true
}

func (s *Sim) specLocked(symbol string) SymbolSpec {
	if spec, ok := s.specs[symbol]; ok {
		return spec
	}
	point := defaultPoint
	if len(symbol) == 6 && symbol[3:] == "JPY" {
		point = jpyPoint
	}
	return SymbolSpec{MinVolume: 0.01, VolumeStep: 0.01, MaxVolume: 100, Point: point}
}

// SetSymbolSpec overrides the spec for one symbol, for tests
func (s *Sim) SetSymbolSpec(symbol string, spec SymbolSpec) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.specs[symbol] = spec
}

// OrderSend opens a position at the current market price
func (s *Sim) OrderSend(ctx context.Context, req OrderRequest) (OrderResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.connected {
		return OrderResult{}, &RejectError{Reason: "terminal disconnected"}
	}

	quote, ok := s.quotes[req.Symbol]
	if !ok {
		return OrderResult{}, &RejectError{Reason: fmt.Sprintf("no quote for %s", req.Symbol)}
	}

	required := req.Volume * marginPerLot
	if required > s.freeMarginLocked() {
		return OrderResult{}, &RejectError{Reason: "insufficient margin"}
	}

	var price float64
	switch req.Side {
	case wire.SideBuy:
		price = quote.Ask
	case wire.SideSell:
		price = quote.Bid
	default:
		return OrderResult{}, &RejectError{Reason: fmt.Sprintf("invalid side %q", req.Side)}
	}

	s.nextTicket++
	ticket := s.nextTicket
	s.positions[ticket] = Position{
		Ticket:    ticket,
		Symbol:    req.Symbol,
		Side:      req.Side,
		Volume:    req.Volume,
		OpenPrice: price,
	}

	return OrderResult{Ticket: ticket, Price: price}, nil
}

// ClosePosition closes a position at the current market price and
// realizes its profit into the balance
func (s *Sim) ClosePosition(ctx context.Context, ticket int64) (OrderResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.connected {
		return OrderResult{}, &RejectError{Reason: "terminal disconnected"}
	}

	pos, ok := s.positions[ticket]
	if !ok {
		return OrderResult{}, &RejectError{Reason: fmt.Sprintf("unknown ticket %d", ticket)}
	}

	quote, ok := s.quotes[pos.Symbol]
	if !ok {
		return OrderResult{}, &RejectError{Reason: fmt.Sprintf("no quote for %s", pos.Symbol)}
	}

	price := quote.Bid
	if pos.Side == wire.SideSell {
		price = quote.Ask
	}

	s.balance += s.profitLocked(pos)
	delete(s.positions, ticket)

	return OrderResult{Ticket: ticket, Price: price}, nil
}

// OpenPositions lists open positions, optionally filtered by symbol
func (s *Sim) OpenPositions(ctx context.Context, symbol string) ([]Position, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []Position
	for _, pos := range s.positions {
		if symbol == "" || pos.Symbol == symbol {
			out = append(out, pos)
		}
	}
	return out, nil
}

// Account returns a point-in-time account snapshot
func (s *Sim) Account(ctx context.Context) (wire.AccountSnapshot, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	floating := 0.0
	margin := 0.0
	for _, pos := range s.positions {
		floating += s.profitLocked(pos)
		margin += pos.Volume * marginPerLot
	}

	equity := s.balance + floating
	return wire.AccountSnapshot{
		Balance:           s.balance,
		Equity:            equity,
		Margin:            margin,
		FreeMargin:        equity - margin,
		FloatingProfit:    floating,
		OpenPositionCount: len(s.positions),
	}, nil
}

func (s *Sim) freeMarginLocked() float64 {
	floating := 0.0
	margin := 0.0
	for _, pos := range s.positions {
		floating += s.profitLocked(pos)
		margin += pos.Volume * marginPerLot
	}
	return s.balance + floating - margin
}

func (s *Sim) profitLocked(pos Position) float64 {
	quote, ok := s.quotes[pos.Symbol]
	if !ok {
		return 0
	}
	if pos.Side == wire.SideBuy {
		return (quote.Bid - pos.OpenPrice) * pos.Volume * contractSize
	}
	return (pos.OpenPrice - quote.Ask) * pos.Volume * contractSize
}
