// Package position holds the authoritative per-symbol net positions.
// Only fills mutate state; everything else gets read-only snapshots.
package position

import (
	"sync"
	"time"

	"quantdesk/pkg/types"
)

// Tracker nets fills into per-instrument positions. Thread-safe via RWMutex;
// the execution engine's single fill worker is the only mutator in practice.
type Tracker struct {
	mu        sync.RWMutex
	positions map[string]types.Position // symbol key -> position
}

func NewTracker() *Tracker {
	return &Tracker{positions: make(map[string]types.Position)}
}

// ApplyFill nets one fill into the instrument's position and returns the
// updated position. Same-direction fills extend at a blended average entry;
// opposite fills first realize PnL against the open quantity, and any
// residual flips the side with the fill price as the new entry.
func (t *Tracker) ApplyFill(inst types.Instrument, side types.OrderSide, qty int64, price float64, at time.Time) types.Position {
	t.mu.Lock()
	defer t.mu.Unlock()

	key := inst.Key()
	pos, ok := t.positions[key]
	if !ok {
		pos = types.Position{Instrument: inst, Side: types.Flat}
	}

	signedFill := qty * side.Sign()
	signedPos := pos.SignedQuantity()
	newSigned := signedPos + signedFill
	mult := float64(inst.EffectiveMultiplier())

	switch {
	case signedPos == 0 || sameSign(signedPos, signedFill):
		// Opening or extending: blend the average entry.
		abs := absInt64(signedPos)
		pos.AvgEntryPrice = (float64(abs)*pos.AvgEntryPrice + float64(qty)*price) / float64(abs+qty)
	case absInt64(signedFill) <= absInt64(signedPos):
		// Partial (or exact) close: realize against the open quantity.
		pos.RealizedPnL += (price - pos.AvgEntryPrice) * float64(sign(signedPos)) * float64(qty) * mult
	default:
		// Flip: close everything, open the residual at the fill price.
		closed := absInt64(signedPos)
		pos.RealizedPnL += (price - pos.AvgEntryPrice) * float64(sign(signedPos)) * float64(closed) * mult
		pos.AvgEntryPrice = price
	}

	pos.Quantity = absInt64(newSigned)
	switch {
	case newSigned > 0:
		pos.Side = types.Long
	case newSigned < 0:
		pos.Side = types.Short
	default:
		pos.Side = types.Flat
		pos.AvgEntryPrice = 0
	}
	pos.LastUpdate = at.UTC()

	t.positions[key] = pos
	return pos
}

// Restore seeds a position from persistence during state rebuild.
func (t *Tracker) Restore(pos types.Position) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.positions[pos.Instrument.Key()] = pos
}

// Get returns the position for a symbol key; ok is false when no fill has
// ever touched the symbol.
func (t *Tracker) Get(symbol string) (types.Position, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	pos, ok := t.positions[symbol]
	return pos, ok
}

// HasOpen reports whether the symbol has a non-flat position.
func (t *Tracker) HasOpen(symbol string) bool {
	t.mu.RLock()
	defer t.mu.RUnlock()
	pos, ok := t.positions[symbol]
	return ok && pos.Side != types.Flat
}

// NetQuantity returns the signed quantity for a symbol (0 when flat or
// unknown).
func (t *Tracker) NetQuantity(symbol string) int64 {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.positions[symbol].SignedQuantity()
}

// Snapshot returns copies of all tracked positions, including flat ones
// that carry realized PnL.
func (t *Tracker) Snapshot() []types.Position {
	t.mu.RLock()
	defer t.mu.RUnlock()
	out := make([]types.Position, 0, len(t.positions))
	for _, pos := range t.positions {
		out = append(out, pos)
	}
	return out
}

// OpenCount returns the number of non-flat positions.
func (t *Tracker) OpenCount() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	n := 0
	for _, pos := range t.positions {
		if pos.Side != types.Flat {
			n++
		}
	}
	return n
}

// TotalRealizedPnL sums realized PnL across all symbols.
func (t *Tracker) TotalRealizedPnL() float64 {
	t.mu.RLock()
	defer t.mu.RUnlock()
	var total float64
	for _, pos := range t.positions {
		total += pos.RealizedPnL
	}
	return total
}

func sameSign(a, b int64) bool { return (a > 0) == (b > 0) }

func absInt64(v int64) int64 {
	if v < 0 {
		return -v
	}
	return v
}

func sign(v int64) int64 {
	switch {
	case v > 0:
		return 1
	case v < 0:
		return -1
	}
	return 0
}
