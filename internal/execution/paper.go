package execution

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"quantdesk/internal/clock"
	"quantdesk/pkg/types"
)

// PaperBroker fills every order immediately and deterministically: at the
// limit price for limit orders, at the last mark for market orders, with
// configurable slippage against the order. It keeps its own net positions
// so reconciliation can be exercised end to end without a gateway.
type PaperBroker struct {
	clk         clock.Clock
	slippageBps float64

	mu        sync.Mutex
	marks     map[string]float64
	positions map[string]types.BrokerPosition
	onFill    func(types.FillEvent)
	seq       int64
}

func NewPaperBroker(clk clock.Clock, slippageBps float64) *PaperBroker {
	return &PaperBroker{
		clk:         clk,
		slippageBps: slippageBps,
		marks:       make(map[string]float64),
		positions:   make(map[string]types.BrokerPosition),
	}
}

// SetMark updates the reference price used to fill market orders. The
// runner feeds it the close of each processed bar.
func (b *PaperBroker) SetMark(symbol string, price float64) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.marks[symbol] = price
}

func (b *PaperBroker) SubscribeFills(fn func(types.FillEvent)) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.onFill = fn
}

// PlaceOrder fills the full quantity in one report. The fill callback runs
// synchronously before PlaceOrder returns, so callers observe a strict
// place-then-fill ordering.
func (b *PaperBroker) PlaceOrder(_ context.Context, order types.NormalizedOrder) (string, error) {
	b.mu.Lock()
	symbol := order.Instrument.Key()

	base := order.LimitPrice
	if order.Type == types.OrderTypeMarket || base <= 0 {
		mark, ok := b.marks[symbol]
		if !ok {
			b.mu.Unlock()
			return "", fmt.Errorf("paper broker: no mark price for %s", symbol)
		}
		base = mark
	}

	slip := base * b.slippageBps / 10000
	price := base + slip
	if order.Side == types.Sell {
		price = base - slip
	}

	b.seq++
	brokerID := fmt.Sprintf("PB-%06d", b.seq)

	pos := b.positions[symbol]
	pos.Symbol = symbol
	signed := order.Quantity * order.Side.Sign()
	old := pos.Quantity
	pos.Quantity = old + signed
	switch {
	case old == 0 || (old > 0) == (signed > 0):
		pos.AvgPrice = (pos.AvgPrice*float64(abs(old)) + price*float64(abs(signed))) /
			float64(abs(old)+abs(signed))
	case pos.Quantity != 0 && (pos.Quantity > 0) != (old > 0):
		// Flip: the residual opens at the fill price.
		pos.AvgPrice = price
	}
	if pos.Quantity == 0 {
		pos.AvgPrice = 0
	}
	b.positions[symbol] = pos

	fill := types.FillEvent{
		CorrelationID: order.CorrelationID,
		BrokerOrderID: brokerID,
		Quantity:      order.Quantity,
		Price:         price,
		Time:          b.clk.Now(),
		Fees:          Fees(order.Side, order.Quantity, price),
	}
	fn := b.onFill
	b.mu.Unlock()

	if fn != nil {
		fn(fill)
	}
	return brokerID, nil
}

// CancelOrder is a no-op: paper orders never rest.
func (b *PaperBroker) CancelOrder(context.Context, string) error { return nil }

// Positions returns the broker-side net positions, sorted by symbol.
func (b *PaperBroker) Positions(context.Context) ([]types.BrokerPosition, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]types.BrokerPosition, 0, len(b.positions))
	for _, p := range b.positions {
		if p.Quantity != 0 {
			out = append(out, p)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Symbol < out[j].Symbol })
	return out, nil
}

func abs(v int64) int64 {
	if v < 0 {
		return -v
	}
	return v
}
