// Package orders tracks order lifecycle and fill accumulation. The
// execution engine feeds it dispatched orders and incremental fills; it
// enforces the state machine and keeps running volume-weighted averages.
package orders

import (
	"fmt"
	"sort"
	"sync"

	"quantdesk/pkg/types"
)

// UnknownOrderError is returned for fills or transitions referencing a
// correlation id the tracker has never seen.
type UnknownOrderError struct {
	CorrelationID string
}

func (e *UnknownOrderError) Error() string {
	return fmt.Sprintf("orders: unknown order %s", e.CorrelationID)
}

// TerminalOrderError is returned when a fill or transition targets an order
// already in FILLED, CANCELLED or REJECTED.
type TerminalOrderError struct {
	CorrelationID string
	Status        types.OrderStatus
}

func (e *TerminalOrderError) Error() string {
	return fmt.Sprintf("orders: order %s is terminal (%s)", e.CorrelationID, e.Status)
}

// OverfillError is returned when a fill would push the cumulative filled
// quantity past the order quantity. The fill is not applied.
type OverfillError struct {
	CorrelationID string
	OrderQty      int64
	FilledQty     int64
	FillQty       int64
}

func (e *OverfillError) Error() string {
	return fmt.Sprintf("orders: fill of %d on %s exceeds order quantity (%d/%d filled)",
		e.FillQty, e.CorrelationID, e.FilledQty, e.OrderQty)
}

type orderState struct {
	order         types.NormalizedOrder
	status        types.OrderStatus
	brokerOrderID string
	filledQty     int64
	avgFillPrice  float64
	fills         []types.FillEvent
}

func (s *orderState) snapshot() types.OrderSnapshot {
	fills := make([]types.FillEvent, len(s.fills))
	copy(fills, s.fills)
	return types.OrderSnapshot{
		Order:        s.order,
		Status:       s.status,
		FilledQty:    s.filledQty,
		RemainingQty: s.order.Quantity - s.filledQty,
		AvgFillPrice: s.avgFillPrice,
		Fills:        fills,
	}
}

// Tracker is the in-memory order book of this process's own orders, keyed
// by correlation id. Thread-safe; the engine's fill worker is the sole
// mutator in practice.
type Tracker struct {
	mu     sync.RWMutex
	orders map[string]*orderState
	groups map[string][]string // group id -> correlation ids, insertion order
}

func NewTracker() *Tracker {
	return &Tracker{
		orders: make(map[string]*orderState),
		groups: make(map[string][]string),
	}
}

// Add registers a dispatched order in CREATED status. Duplicate correlation
// ids are rejected: the idempotency layer upstream should have caught them.
func (t *Tracker) Add(o types.NormalizedOrder) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, ok := t.orders[o.CorrelationID]; ok {
		return fmt.Errorf("orders: duplicate correlation id %s", o.CorrelationID)
	}
	t.orders[o.CorrelationID] = &orderState{order: o, status: types.OrderCreated}
	if o.GroupID != "" {
		t.groups[o.GroupID] = append(t.groups[o.GroupID], o.CorrelationID)
	}
	return nil
}

// SetBrokerOrderID records the broker's id once dispatch succeeds.
func (t *Tracker) SetBrokerOrderID(correlationID, brokerOrderID string) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	st, ok := t.orders[correlationID]
	if !ok {
		return &UnknownOrderError{CorrelationID: correlationID}
	}
	st.brokerOrderID = brokerOrderID
	return nil
}

// ApplyFill accumulates one fill into its order and returns the updated
// snapshot. Fills on terminal orders and fills that would exceed the order
// quantity are rejected with typed errors and leave state untouched.
func (t *Tracker) ApplyFill(f types.FillEvent) (types.OrderSnapshot, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	st, ok := t.orders[f.CorrelationID]
	if !ok {
		return types.OrderSnapshot{}, &UnknownOrderError{CorrelationID: f.CorrelationID}
	}
	if st.status.Terminal() {
		return types.OrderSnapshot{}, &TerminalOrderError{CorrelationID: f.CorrelationID, Status: st.status}
	}
	if f.Quantity <= 0 {
		return types.OrderSnapshot{}, fmt.Errorf("orders: non-positive fill quantity %d on %s", f.Quantity, f.CorrelationID)
	}
	if st.filledQty+f.Quantity > st.order.Quantity {
		return types.OrderSnapshot{}, &OverfillError{
			CorrelationID: f.CorrelationID,
			OrderQty:      st.order.Quantity,
			FilledQty:     st.filledQty,
			FillQty:       f.Quantity,
		}
	}

	st.avgFillPrice = (st.avgFillPrice*float64(st.filledQty) + f.Price*float64(f.Quantity)) /
		float64(st.filledQty+f.Quantity)
	st.filledQty += f.Quantity
	st.fills = append(st.fills, f)
	if st.filledQty == st.order.Quantity {
		st.status = types.OrderFilled
	} else {
		st.status = types.OrderPartial
	}
	return st.snapshot(), nil
}

// Cancel moves a non-terminal order to CANCELLED. Partially filled orders
// keep their fills.
func (t *Tracker) Cancel(correlationID string) error {
	return t.transition(correlationID, types.OrderCancelled)
}

// Reject moves an unfilled order to REJECTED.
func (t *Tracker) Reject(correlationID string) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	st, ok := t.orders[correlationID]
	if !ok {
		return &UnknownOrderError{CorrelationID: correlationID}
	}
	if st.status != types.OrderCreated {
		return &TerminalOrderError{CorrelationID: correlationID, Status: st.status}
	}
	st.status = types.OrderRejected
	return nil
}

func (t *Tracker) transition(correlationID string, to types.OrderStatus) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	st, ok := t.orders[correlationID]
	if !ok {
		return &UnknownOrderError{CorrelationID: correlationID}
	}
	if st.status.Terminal() {
		return &TerminalOrderError{CorrelationID: correlationID, Status: st.status}
	}
	st.status = to
	return nil
}

// Snapshot returns the current view of one order.
func (t *Tracker) Snapshot(correlationID string) (types.OrderSnapshot, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	st, ok := t.orders[correlationID]
	if !ok {
		return types.OrderSnapshot{}, false
	}
	return st.snapshot(), true
}

// Open returns snapshots of all non-terminal orders, sorted by creation
// time then correlation id.
func (t *Tracker) Open() []types.OrderSnapshot {
	t.mu.RLock()
	defer t.mu.RUnlock()
	var out []types.OrderSnapshot
	for _, st := range t.orders {
		if !st.status.Terminal() {
			out = append(out, st.snapshot())
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].Order.CreatedAt.Equal(out[j].Order.CreatedAt) {
			return out[i].Order.CreatedAt.Before(out[j].Order.CreatedAt)
		}
		return out[i].Order.CorrelationID < out[j].Order.CorrelationID
	})
	return out
}

// Group returns the snapshots of a multi-leg order group in leg order.
func (t *Tracker) Group(groupID string) []types.OrderSnapshot {
	t.mu.RLock()
	defer t.mu.RUnlock()
	ids := t.groups[groupID]
	out := make([]types.OrderSnapshot, 0, len(ids))
	for _, id := range ids {
		if st, ok := t.orders[id]; ok {
			out = append(out, st.snapshot())
		}
	}
	return out
}

// GroupStatus aggregates leg statuses: all legs FILLED means the group is
// FILLED; any PARTIAL leg makes it PARTIAL; otherwise CREATED.
func (t *Tracker) GroupStatus(groupID string) types.OrderStatus {
	t.mu.RLock()
	defer t.mu.RUnlock()
	ids := t.groups[groupID]
	if len(ids) == 0 {
		return types.OrderCreated
	}
	allFilled := true
	anyPartial := false
	for _, id := range ids {
		st, ok := t.orders[id]
		if !ok {
			continue
		}
		if st.status != types.OrderFilled {
			allFilled = false
		}
		if st.status == types.OrderPartial {
			anyPartial = true
		}
	}
	switch {
	case allFilled:
		return types.OrderFilled
	case anyPartial:
		return types.OrderPartial
	}
	return types.OrderCreated
}

// Restored is one persisted order ready for replay.
type Restored struct {
	Order         types.NormalizedOrder
	Status        types.OrderStatus
	BrokerOrderID string
}

// Rebuild reconstructs tracker state from persisted orders and fills. Fills
// are applied in (correlation id, fill time) order; fill accumulation alone
// decides PARTIAL/FILLED, while persisted CANCELLED/REJECTED statuses are
// reapplied afterwards since no fill encodes them.
func (t *Tracker) Rebuild(stored []Restored, fills []types.FillEvent) error {
	for _, r := range stored {
		if err := t.Add(r.Order); err != nil {
			return err
		}
		if r.BrokerOrderID != "" {
			if err := t.SetBrokerOrderID(r.Order.CorrelationID, r.BrokerOrderID); err != nil {
				return err
			}
		}
	}

	replay := make([]types.FillEvent, len(fills))
	copy(replay, fills)
	sort.SliceStable(replay, func(i, j int) bool {
		if replay[i].CorrelationID != replay[j].CorrelationID {
			return replay[i].CorrelationID < replay[j].CorrelationID
		}
		return replay[i].Time.Before(replay[j].Time)
	})
	for _, f := range replay {
		if _, err := t.ApplyFill(f); err != nil {
			return fmt.Errorf("orders: replaying fill for %s: %w", f.CorrelationID, err)
		}
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	for _, r := range stored {
		if r.Status != types.OrderCancelled && r.Status != types.OrderRejected {
			continue
		}
		st := t.orders[r.Order.CorrelationID]
		if st.status == types.OrderFilled {
			return fmt.Errorf("orders: order %s persisted as %s but fills complete it",
				r.Order.CorrelationID, r.Status)
		}
		st.status = r.Status
	}
	return nil
}
