package marketdata

import (
	"context"
	"testing"
	"time"

	"quantdesk/internal/clock"
	"quantdesk/internal/storage"
	"quantdesk/internal/telemetry"
	"quantdesk/pkg/types"
)

func newTestLiveBuffer(t *testing.T) (*storage.Manager, *storage.LiveBufferWriter, *storage.LiveBufferReader) {
	t.Helper()
	m := storage.NewManager(t.TempDir(), discardLogger())
	w, err := storage.NewLiveBufferWriter(context.Background(), m, discardLogger())
	if err != nil {
		t.Fatalf("NewLiveBufferWriter: %v", err)
	}
	t.Cleanup(func() { w.Close() })
	return m, w, storage.NewLiveBufferReader(m, discardLogger())
}

func tickAt(symbol string, ts time.Time, price float64, vol int64) types.Tick {
	return types.Tick{
		Symbol:       symbol,
		ExchangeTSMs: ts.UnixMilli(),
		IngestTS:     ts,
		Price:        price,
		Volume:       vol,
	}
}

func TestAggregatorFinalizesOnLaterBucket(t *testing.T) {
	ctx := context.Background()
	_, w, r := newTestLiveBuffer(t)

	base := time.Date(2026, 3, 2, 4, 0, 0, 0, time.UTC)
	ticks := []types.Tick{
		tickAt("X", base.Add(5*time.Second), 100, 10),
		tickAt("X", base.Add(20*time.Second), 103, 5),
		tickAt("X", base.Add(40*time.Second), 99, 5),
		tickAt("X", base.Add(50*time.Second), 101, 10),
		// Next minute: closes the first bucket.
		tickAt("X", base.Add(65*time.Second), 102, 7),
	}
	if err := w.WriteTicks(ctx, ticks); err != nil {
		t.Fatalf("WriteTicks: %v", err)
	}

	agg := NewAggregator(r, w, time.Second, discardLogger(), telemetry.NewMetrics())
	if err := agg.Step(ctx); err != nil {
		t.Fatalf("Step: %v", err)
	}

	bars, err := r.ReadBars(ctx, "X", types.TF1Min, base, base.Add(2*time.Minute))
	if err != nil {
		t.Fatalf("ReadBars: %v", err)
	}
	if len(bars) != 1 {
		t.Fatalf("finalized bars = %d, want 1 (second minute still open)", len(bars))
	}
	b := bars[0]
	if !b.Timestamp.Equal(base) {
		t.Errorf("ts = %s, want %s", b.Timestamp, base)
	}
	if b.Open != 100 || b.High != 103 || b.Low != 99 || b.Close != 101 {
		t.Errorf("OHLC = %v/%v/%v/%v, want 100/103/99/101", b.Open, b.High, b.Low, b.Close)
	}
	if b.Volume != 30 {
		t.Errorf("volume = %d, want 30", b.Volume)
	}
}

func TestAggregatorFlushSessionForcesOpenBuckets(t *testing.T) {
	ctx := context.Background()
	_, w, r := newTestLiveBuffer(t)

	base := time.Date(2026, 3, 2, 4, 0, 0, 0, time.UTC)
	if err := w.WriteTicks(ctx, []types.Tick{
		tickAt("X", base.Add(time.Second), 50, 1),
		tickAt("Y", base.Add(2*time.Second), 70, 2),
	}); err != nil {
		t.Fatalf("WriteTicks: %v", err)
	}

	agg := NewAggregator(r, w, time.Second, discardLogger(), telemetry.NewMetrics())
	if err := agg.Step(ctx); err != nil {
		t.Fatalf("Step: %v", err)
	}

	// No later-bucket tick arrived for either symbol: nothing finalized yet.
	for _, symbol := range []string{"X", "Y"} {
		bars, err := r.ReadBars(ctx, symbol, types.TF1Min, base, base.Add(time.Minute))
		if err != nil {
			t.Fatalf("ReadBars(%s): %v", symbol, err)
		}
		if len(bars) != 0 {
			t.Fatalf("%s: bars before session flush = %d, want 0", symbol, len(bars))
		}
	}

	if err := agg.FlushSession(ctx); err != nil {
		t.Fatalf("FlushSession: %v", err)
	}
	for _, symbol := range []string{"X", "Y"} {
		bars, err := r.ReadBars(ctx, symbol, types.TF1Min, base, base.Add(time.Minute))
		if err != nil {
			t.Fatalf("ReadBars(%s): %v", symbol, err)
		}
		if len(bars) != 1 {
			t.Errorf("%s: bars after session flush = %d, want 1", symbol, len(bars))
		}
	}
}

func TestUnifiedQueryReadsLiveBuffer(t *testing.T) {
	ctx := context.Background()
	m, w, r := newTestLiveBuffer(t)

	day := time.Date(2026, 3, 2, 0, 0, 0, 0, time.UTC)
	open := types.SessionOpen(day)
	bars := minuteBars("X", day, 3)
	if err := w.WriteBars(ctx, bars); err != nil {
		t.Fatalf("WriteBars: %v", err)
	}

	clk := clock.NewReplay(open.Add(10 * time.Minute))
	q := NewUnifiedQuery(storage.NewHistoricalStore(m, discardLogger()), r, "NSE", clk)

	got, err := q.GetCandles(ctx, "X", types.TF1Min, open, open.Add(time.Hour))
	if err != nil {
		t.Fatalf("GetCandles: %v", err)
	}
	if len(got) != 3 {
		t.Fatalf("bars = %d, want 3", len(got))
	}
	for i := range got {
		if !got[i].Timestamp.Equal(bars[i].Timestamp) || got[i].Close != bars[i].Close {
			t.Errorf("bar %d = %+v, want %+v", i, got[i], bars[i])
		}
	}
}

func TestDedupeSortedEarlierSourceWins(t *testing.T) {
	t.Parallel()

	ts := time.Date(2026, 3, 2, 4, 0, 0, 0, time.UTC)
	bars := []types.OHLCVBar{
		{Symbol: "X", Timestamp: ts.Add(time.Minute), Close: 2},
		{Symbol: "X", Timestamp: ts, Close: 1},
		// Duplicate timestamp from a later source: must lose.
		{Symbol: "X", Timestamp: ts, Close: 99},
	}
	got := dedupeSorted(bars)
	if len(got) != 2 {
		t.Fatalf("len = %d, want 2", len(got))
	}
	if got[0].Close != 1 || got[1].Close != 2 {
		t.Errorf("closes = %v,%v, want 1,2 (earlier source wins, sorted)", got[0].Close, got[1].Close)
	}
}
