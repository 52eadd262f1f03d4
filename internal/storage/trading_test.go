package storage

import (
	"context"
	"testing"
	"time"

	"quantdesk/pkg/types"
)

func newTestTradingStore(t *testing.T) *TradingStore {
	t.Helper()
	s, err := NewTradingStore(context.Background(), newTestManager(t), discardLogger())
	if err != nil {
		t.Fatalf("NewTradingStore: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func testNormalizedOrder(corrID string, createdAt time.Time) types.NormalizedOrder {
	inst, _ := types.ParseSymbolKey(testSymbol)
	return types.NormalizedOrder{
		CorrelationID: corrID,
		SignalID:      "sig-" + corrID,
		StrategyID:    "orb",
		Instrument:    inst,
		Side:          types.Buy,
		Quantity:      25,
		Type:          types.OrderTypeLimit,
		LimitPrice:    101.5,
		CreatedAt:     createdAt,
	}
}

func TestOrderLifecycleRoundTrip(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	s := newTestTradingStore(t)

	created := time.Date(2026, 3, 2, 4, 5, 0, 0, time.UTC)
	order := testNormalizedOrder("corr-1", created)
	if err := s.SaveOrder(ctx, order); err != nil {
		t.Fatalf("SaveOrder: %v", err)
	}
	if err := s.SetBrokerOrderID(ctx, "corr-1", "OB-9"); err != nil {
		t.Fatalf("SetBrokerOrderID: %v", err)
	}
	if err := s.UpdateOrderStatus(ctx, "corr-1", types.OrderFilled); err != nil {
		t.Fatalf("UpdateOrderStatus: %v", err)
	}

	got, err := s.LoadOrders(ctx)
	if err != nil {
		t.Fatalf("LoadOrders: %v", err)
	}
	if len(got) != 1 {
		t.Fatalf("orders = %d, want 1", len(got))
	}
	if got[0].Order != order {
		t.Errorf("order = %+v, want %+v", got[0].Order, order)
	}
	if got[0].BrokerOrderID != "OB-9" || got[0].Status != types.OrderFilled {
		t.Errorf("broker id/status = %q/%s, want OB-9/FILLED", got[0].BrokerOrderID, got[0].Status)
	}
}

func TestLoadOrdersCreationOrder(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	s := newTestTradingStore(t)

	base := time.Date(2026, 3, 2, 4, 0, 0, 0, time.UTC)
	// Inserted newest first; LoadOrders must return creation order.
	for i, corr := range []string{"corr-c", "corr-b", "corr-a"} {
		o := testNormalizedOrder(corr, base.Add(time.Duration(2-i)*time.Minute))
		if err := s.SaveOrder(ctx, o); err != nil {
			t.Fatalf("SaveOrder %s: %v", corr, err)
		}
	}

	got, err := s.LoadOrders(ctx)
	if err != nil {
		t.Fatalf("LoadOrders: %v", err)
	}
	want := []string{"corr-a", "corr-b", "corr-c"}
	for i, w := range want {
		if got[i].Order.CorrelationID != w {
			t.Errorf("order[%d] = %s, want %s", i, got[i].Order.CorrelationID, w)
		}
	}
}

func TestFillsReplayRoundTrip(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	s := newTestTradingStore(t)

	base := time.Date(2026, 3, 2, 4, 10, 0, 0, time.UTC)
	fills := []types.FillEvent{
		{CorrelationID: "corr-1", BrokerOrderID: "OB-1", Quantity: 10, Price: 100, Time: base, Fees: 1.5},
		{CorrelationID: "corr-1", BrokerOrderID: "OB-1", Quantity: 15, Price: 100.5, Time: base.Add(time.Second), Fees: 2.25},
	}
	for _, f := range fills {
		if err := s.AppendFill(ctx, f); err != nil {
			t.Fatalf("AppendFill: %v", err)
		}
	}

	got, err := s.LoadFills(ctx)
	if err != nil {
		t.Fatalf("LoadFills: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("fills = %d, want 2", len(got))
	}
	for i := range fills {
		if got[i] != fills[i] {
			t.Errorf("fill[%d] = %+v, want %+v", i, got[i], fills[i])
		}
	}
}

func TestPositionSnapshotUpsert(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	s := newTestTradingStore(t)

	inst, _ := types.ParseSymbolKey(testSymbol)
	first := types.Position{
		Instrument: inst, Side: types.Long, Quantity: 10,
		AvgEntryPrice: 100, RealizedPnL: 0,
		LastUpdate: time.Date(2026, 3, 2, 4, 0, 0, 0, time.UTC),
	}
	second := first
	second.Quantity = 25
	second.AvgEntryPrice = 100.6
	second.RealizedPnL = 42.5
	second.LastUpdate = first.LastUpdate.Add(time.Minute)

	if err := s.SavePositionSnapshot(ctx, first); err != nil {
		t.Fatalf("SavePositionSnapshot: %v", err)
	}
	if err := s.SavePositionSnapshot(ctx, second); err != nil {
		t.Fatalf("SavePositionSnapshot update: %v", err)
	}

	got, err := s.LoadPositions(ctx)
	if err != nil {
		t.Fatalf("LoadPositions: %v", err)
	}
	if len(got) != 1 {
		t.Fatalf("positions = %d, want 1 (upsert)", len(got))
	}
	if got[0] != second {
		t.Errorf("position = %+v, want %+v", got[0], second)
	}
}

func TestCountTradesSince(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	s := newTestTradingStore(t)

	base := time.Date(2026, 3, 2, 4, 0, 0, 0, time.UTC)
	for i, corr := range []string{"corr-1", "corr-2", "corr-3"} {
		if err := s.SaveOrder(ctx, testNormalizedOrder(corr, base.Add(time.Duration(i)*time.Hour))); err != nil {
			t.Fatalf("SaveOrder: %v", err)
		}
	}

	tests := []struct {
		name   string
		cutoff time.Time
		want   int
	}{
		{"before all", base.Add(-time.Minute), 3},
		{"at second", base.Add(time.Hour), 2},
		{"after all", base.Add(3 * time.Hour), 0},
	}
	for _, tc := range tests {
		n, err := s.CountTradesSince(ctx, tc.cutoff)
		if err != nil {
			t.Fatalf("CountTradesSince(%s): %v", tc.name, err)
		}
		if n != tc.want {
			t.Errorf("%s: count = %d, want %d", tc.name, n, tc.want)
		}
	}
}
