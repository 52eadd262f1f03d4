package orders

import (
	"errors"
	"testing"
	"time"

	"quantdesk/pkg/types"
)

func testOrder(corr string, qty int64) types.NormalizedOrder {
	return types.NormalizedOrder{
		CorrelationID: corr,
		SignalID:      "sig-" + corr,
		StrategyID:    "orb",
		Instrument:    types.Equity("NSE", "EQ", "INE002A01018"),
		Side:          types.Buy,
		Quantity:      qty,
		Type:          types.OrderTypeMarket,
		CreatedAt:     time.Date(2026, 3, 2, 5, 0, 0, 0, time.UTC),
	}
}

func fill(corr string, qty int64, price float64, offset time.Duration) types.FillEvent {
	return types.FillEvent{
		CorrelationID: corr,
		Quantity:      qty,
		Price:         price,
		Time:          time.Date(2026, 3, 2, 5, 0, 0, 0, time.UTC).Add(offset),
	}
}

func TestLifecyclePartialThenFilled(t *testing.T) {
	t.Parallel()

	tr := NewTracker()
	if err := tr.Add(testOrder("o1", 100)); err != nil {
		t.Fatalf("Add: %v", err)
	}

	snap, err := tr.ApplyFill(fill("o1", 40, 100, time.Second))
	if err != nil {
		t.Fatalf("first fill: %v", err)
	}
	if snap.Status != types.OrderPartial {
		t.Errorf("status = %s, want PARTIAL", snap.Status)
	}
	if snap.FilledQty != 40 || snap.RemainingQty != 60 {
		t.Errorf("filled/remaining = %d/%d, want 40/60", snap.FilledQty, snap.RemainingQty)
	}
	if snap.AvgFillPrice != 100 {
		t.Errorf("avg = %v, want 100", snap.AvgFillPrice)
	}

	snap, err = tr.ApplyFill(fill("o1", 60, 102, 2*time.Second))
	if err != nil {
		t.Fatalf("second fill: %v", err)
	}
	if snap.Status != types.OrderFilled {
		t.Errorf("status = %s, want FILLED", snap.Status)
	}
	if snap.FilledQty != 100 || snap.RemainingQty != 0 {
		t.Errorf("filled/remaining = %d/%d, want 100/0", snap.FilledQty, snap.RemainingQty)
	}
	// VWAP: (40*100 + 60*102) / 100.
	if want := 101.2; snap.AvgFillPrice != want {
		t.Errorf("avg = %v, want %v", snap.AvgFillPrice, want)
	}
	if len(snap.Fills) != 2 {
		t.Errorf("fills = %d, want 2", len(snap.Fills))
	}
}

func TestFillOnTerminalOrderRejected(t *testing.T) {
	t.Parallel()

	tr := NewTracker()
	tr.Add(testOrder("o1", 10))
	if _, err := tr.ApplyFill(fill("o1", 10, 50, time.Second)); err != nil {
		t.Fatalf("fill to completion: %v", err)
	}

	_, err := tr.ApplyFill(fill("o1", 1, 50, 2*time.Second))
	var te *TerminalOrderError
	if !errors.As(err, &te) {
		t.Fatalf("err = %v, want TerminalOrderError", err)
	}
	if te.Status != types.OrderFilled {
		t.Errorf("terminal status = %s, want FILLED", te.Status)
	}
}

func TestOverfillRejectedAndStateUntouched(t *testing.T) {
	t.Parallel()

	tr := NewTracker()
	tr.Add(testOrder("o1", 100))
	tr.ApplyFill(fill("o1", 70, 100, time.Second))

	_, err := tr.ApplyFill(fill("o1", 31, 100, 2*time.Second))
	var oe *OverfillError
	if !errors.As(err, &oe) {
		t.Fatalf("err = %v, want OverfillError", err)
	}
	if oe.FilledQty != 70 || oe.FillQty != 31 || oe.OrderQty != 100 {
		t.Errorf("overfill detail = %+v", oe)
	}

	snap, _ := tr.Snapshot("o1")
	if snap.FilledQty != 70 || snap.Status != types.OrderPartial || len(snap.Fills) != 1 {
		t.Errorf("state changed by rejected fill: %+v", snap)
	}
}

func TestUnknownOrderFill(t *testing.T) {
	t.Parallel()

	tr := NewTracker()
	_, err := tr.ApplyFill(fill("ghost", 1, 1, 0))
	var ue *UnknownOrderError
	if !errors.As(err, &ue) {
		t.Fatalf("err = %v, want UnknownOrderError", err)
	}
}

func TestCancelAndReject(t *testing.T) {
	t.Parallel()

	tr := NewTracker()
	tr.Add(testOrder("a", 10))
	tr.Add(testOrder("b", 10))
	tr.ApplyFill(fill("b", 4, 100, time.Second))

	if err := tr.Reject("a"); err != nil {
		t.Fatalf("Reject(a): %v", err)
	}
	// Rejection only applies to unfilled orders.
	if err := tr.Reject("b"); err == nil {
		t.Error("Reject(b) on PARTIAL succeeded, want error")
	}
	if err := tr.Cancel("b"); err != nil {
		t.Fatalf("Cancel(b): %v", err)
	}

	snapA, _ := tr.Snapshot("a")
	snapB, _ := tr.Snapshot("b")
	if snapA.Status != types.OrderRejected {
		t.Errorf("a status = %s, want REJECTED", snapA.Status)
	}
	if snapB.Status != types.OrderCancelled || snapB.FilledQty != 4 {
		t.Errorf("b = %s filled %d, want CANCELLED keeping 4", snapB.Status, snapB.FilledQty)
	}
	if err := tr.Cancel("b"); err == nil {
		t.Error("double cancel succeeded, want terminal error")
	}
	if got := len(tr.Open()); got != 0 {
		t.Errorf("open orders = %d, want 0", got)
	}
}

func TestGroupStatusAggregation(t *testing.T) {
	t.Parallel()

	newGroup := func() *Tracker {
		tr := NewTracker()
		for _, corr := range []string{"leg1", "leg2"} {
			o := testOrder(corr, 10)
			o.GroupID = "g1"
			tr.Add(o)
		}
		return tr
	}

	tr := newGroup()
	if got := tr.GroupStatus("g1"); got != types.OrderCreated {
		t.Errorf("fresh group = %s, want CREATED", got)
	}

	tr.ApplyFill(fill("leg1", 4, 100, time.Second))
	if got := tr.GroupStatus("g1"); got != types.OrderPartial {
		t.Errorf("one partial leg = %s, want PARTIAL", got)
	}

	tr.ApplyFill(fill("leg1", 6, 100, 2*time.Second))
	// One leg FILLED, one untouched: still not a filled group.
	if got := tr.GroupStatus("g1"); got == types.OrderFilled {
		t.Error("group FILLED with an unfilled leg")
	}

	tr.ApplyFill(fill("leg2", 10, 100, 3*time.Second))
	if got := tr.GroupStatus("g1"); got != types.OrderFilled {
		t.Errorf("all legs filled = %s, want FILLED", got)
	}
	if got := len(tr.Group("g1")); got != 2 {
		t.Errorf("group legs = %d, want 2", got)
	}
}

func TestRebuildReplaysFillsInOrder(t *testing.T) {
	t.Parallel()

	stored := []Restored{
		{Order: testOrder("o1", 100), Status: types.OrderPartial, BrokerOrderID: "b1"},
		{Order: testOrder("o2", 50), Status: types.OrderCancelled},
		{Order: testOrder("o3", 20), Status: types.OrderRejected},
	}
	// Unsorted on purpose: Rebuild must order by (correlation, time).
	fills := []types.FillEvent{
		fill("o1", 30, 102, 2*time.Second),
		fill("o1", 20, 100, time.Second),
	}

	tr := NewTracker()
	if err := tr.Rebuild(stored, fills); err != nil {
		t.Fatalf("Rebuild: %v", err)
	}

	snap, ok := tr.Snapshot("o1")
	if !ok {
		t.Fatal("o1 missing after rebuild")
	}
	if snap.Status != types.OrderPartial || snap.FilledQty != 50 {
		t.Errorf("o1 = %s filled %d, want PARTIAL 50", snap.Status, snap.FilledQty)
	}
	// Earlier fill must be applied first.
	if snap.Fills[0].Price != 100 || snap.Fills[1].Price != 102 {
		t.Errorf("fill order = %v,%v, want 100,102", snap.Fills[0].Price, snap.Fills[1].Price)
	}
	if want := (20.0*100 + 30.0*102) / 50.0; snap.AvgFillPrice != want {
		t.Errorf("avg = %v, want %v", snap.AvgFillPrice, want)
	}

	if snap, _ := tr.Snapshot("o2"); snap.Status != types.OrderCancelled {
		t.Errorf("o2 = %s, want CANCELLED restored", snap.Status)
	}
	if snap, _ := tr.Snapshot("o3"); snap.Status != types.OrderRejected {
		t.Errorf("o3 = %s, want REJECTED restored", snap.Status)
	}
}
