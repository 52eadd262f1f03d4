package position

import (
	"testing"
	"time"

	"quantdesk/pkg/types"
)

var testInst = types.Equity("NSE", "EQ", "INE002A01018")

func TestApplyFillNettingSequence(t *testing.T) {
	t.Parallel()

	tr := NewTracker()
	at := time.Date(2026, 3, 2, 5, 0, 0, 0, time.UTC)

	// Buy 100 @ 100 opens LONG.
	pos := tr.ApplyFill(testInst, types.Buy, 100, 100, at)
	if pos.Side != types.Long || pos.Quantity != 100 || pos.AvgEntryPrice != 100 {
		t.Fatalf("after open: %+v, want LONG 100 @ 100", pos)
	}
	if pos.RealizedPnL != 0 {
		t.Errorf("realized after open = %v, want 0", pos.RealizedPnL)
	}

	// Sell 30 @ 110 partially closes at a 10-point gain.
	pos = tr.ApplyFill(testInst, types.Sell, 30, 110, at.Add(time.Minute))
	if pos.Side != types.Long || pos.Quantity != 70 {
		t.Fatalf("after partial close: %+v, want LONG 70", pos)
	}
	if pos.AvgEntryPrice != 100 {
		t.Errorf("avg entry after partial close = %v, want unchanged 100", pos.AvgEntryPrice)
	}
	if pos.RealizedPnL != 300 {
		t.Errorf("realized = %v, want 300", pos.RealizedPnL)
	}

	// Sell 100 @ 105 closes the remaining 70 and flips 30 short.
	pos = tr.ApplyFill(testInst, types.Sell, 100, 105, at.Add(2*time.Minute))
	if pos.Side != types.Short || pos.Quantity != 30 {
		t.Fatalf("after flip: %+v, want SHORT 30", pos)
	}
	if pos.AvgEntryPrice != 105 {
		t.Errorf("avg entry after flip = %v, want fill price 105", pos.AvgEntryPrice)
	}
	// 300 from the first close plus (105-100)*70 from the flipped leg.
	if pos.RealizedPnL != 650 {
		t.Errorf("realized = %v, want 650", pos.RealizedPnL)
	}
}

func TestApplyFillExactCloseGoesFlat(t *testing.T) {
	t.Parallel()

	tr := NewTracker()
	at := time.Date(2026, 3, 2, 5, 0, 0, 0, time.UTC)

	tr.ApplyFill(testInst, types.Sell, 50, 200, at)
	pos := tr.ApplyFill(testInst, types.Buy, 50, 190, at.Add(time.Minute))

	if pos.Side != types.Flat || pos.Quantity != 0 {
		t.Fatalf("after exact close: %+v, want FLAT 0", pos)
	}
	if pos.AvgEntryPrice != 0 {
		t.Errorf("avg entry after flat = %v, want 0", pos.AvgEntryPrice)
	}
	// Short 50 @ 200 covered @ 190.
	if pos.RealizedPnL != 500 {
		t.Errorf("realized = %v, want 500", pos.RealizedPnL)
	}
	if tr.HasOpen(testInst.Key()) {
		t.Error("HasOpen = true for flat position")
	}
	if got := tr.NetQuantity(testInst.Key()); got != 0 {
		t.Errorf("NetQuantity = %d, want 0", got)
	}
}

func TestApplyFillExtendBlendsAverage(t *testing.T) {
	t.Parallel()

	tr := NewTracker()
	at := time.Date(2026, 3, 2, 5, 0, 0, 0, time.UTC)

	tr.ApplyFill(testInst, types.Buy, 10, 100, at)
	pos := tr.ApplyFill(testInst, types.Buy, 30, 120, at.Add(time.Minute))

	if pos.Quantity != 40 {
		t.Fatalf("quantity = %d, want 40", pos.Quantity)
	}
	want := (10.0*100 + 30.0*120) / 40.0
	if pos.AvgEntryPrice != want {
		t.Errorf("avg entry = %v, want %v", pos.AvgEntryPrice, want)
	}
	if pos.RealizedPnL != 0 {
		t.Errorf("realized = %v, want 0 (no closing leg)", pos.RealizedPnL)
	}
}

func TestApplyFillDerivativeMultiplier(t *testing.T) {
	t.Parallel()

	fut := types.Instrument{
		Kind:       types.KindFuture,
		Exchange:   "NSE",
		Underlying: "NIFTY",
		Expiry:     time.Date(2026, 3, 26, 0, 0, 0, 0, time.UTC),
		LotSize:    1,
		Multiplier: 50,
	}

	tr := NewTracker()
	at := time.Date(2026, 3, 2, 5, 0, 0, 0, time.UTC)

	tr.ApplyFill(fut, types.Buy, 2, 22000, at)
	pos := tr.ApplyFill(fut, types.Sell, 2, 22010, at.Add(time.Minute))

	// 10 points * 2 lots * multiplier 50.
	if pos.RealizedPnL != 1000 {
		t.Errorf("realized = %v, want 1000", pos.RealizedPnL)
	}
}

func TestTrackerSnapshotAndTotals(t *testing.T) {
	t.Parallel()

	tr := NewTracker()
	at := time.Date(2026, 3, 2, 5, 0, 0, 0, time.UTC)
	other := types.Equity("NSE", "EQ", "INE009A01021")

	tr.ApplyFill(testInst, types.Buy, 10, 100, at)
	tr.ApplyFill(other, types.Buy, 5, 50, at)
	tr.ApplyFill(other, types.Sell, 5, 60, at.Add(time.Minute))

	if got := tr.OpenCount(); got != 1 {
		t.Errorf("OpenCount = %d, want 1", got)
	}
	if got := len(tr.Snapshot()); got != 2 {
		t.Errorf("Snapshot len = %d, want 2 (flat positions keep realized PnL)", got)
	}
	if got := tr.TotalRealizedPnL(); got != 50 {
		t.Errorf("TotalRealizedPnL = %v, want 50", got)
	}
}

func TestTrackerRestore(t *testing.T) {
	t.Parallel()

	tr := NewTracker()
	tr.Restore(types.Position{
		Instrument:    testInst,
		Side:          types.Short,
		Quantity:      20,
		AvgEntryPrice: 150,
		RealizedPnL:   -75,
	})

	pos, ok := tr.Get(testInst.Key())
	if !ok {
		t.Fatal("Get after Restore: not found")
	}
	if pos.Side != types.Short || pos.Quantity != 20 || pos.RealizedPnL != -75 {
		t.Errorf("restored = %+v", pos)
	}
	if got := tr.NetQuantity(testInst.Key()); got != -20 {
		t.Errorf("NetQuantity = %d, want -20", got)
	}
}
