package storage

import (
	"context"
	"io"
	"log/slog"
	"testing"
	"time"

	"quantdesk/pkg/types"
)

const testSymbol = "NSE_EQ|INE002A01018"

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newTestManager(t *testing.T) *Manager {
	t.Helper()
	return NewManager(t.TempDir(), discardLogger())
}

func openLiveBuffer(t *testing.T, m *Manager) (*LiveBufferWriter, *LiveBufferReader) {
	t.Helper()
	w, err := NewLiveBufferWriter(context.Background(), m, discardLogger())
	if err != nil {
		t.Fatalf("NewLiveBufferWriter: %v", err)
	}
	t.Cleanup(func() { w.Close() })
	return w, NewLiveBufferReader(m, discardLogger())
}

func barAt(ts time.Time, close float64) types.OHLCVBar {
	return types.OHLCVBar{
		Symbol:    testSymbol,
		Timestamp: ts,
		Open:      close - 1,
		High:      close + 1,
		Low:       close - 2,
		Close:     close,
		Volume:    100,
		Timeframe: types.TF1Min,
	}
}

func TestWriteTicksRoundTrip(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	w, r := openLiveBuffer(t, newTestManager(t))

	base := time.Date(2026, 3, 2, 4, 0, 0, 0, time.UTC)
	ticks := []types.Tick{
		{Symbol: testSymbol, ExchangeTSMs: base.UnixMilli(), IngestTS: base, Price: 100, Volume: 10, Bid: 99.9, Ask: 100.1},
		{Symbol: testSymbol, ExchangeTSMs: base.Add(time.Second).UnixMilli(), IngestTS: base.Add(time.Second), Price: 100.5, Volume: 5},
		{Symbol: testSymbol, ExchangeTSMs: base.Add(2 * time.Second).UnixMilli(), IngestTS: base.Add(2 * time.Second), Price: 100.2, Volume: 7},
	}
	if err := w.WriteTicks(ctx, ticks); err != nil {
		t.Fatalf("WriteTicks: %v", err)
	}

	rows, err := r.TicksAfter(ctx, 0, 10)
	if err != nil {
		t.Fatalf("TicksAfter: %v", err)
	}
	if len(rows) != 3 {
		t.Fatalf("rows = %d, want 3", len(rows))
	}
	for i := 1; i < len(rows); i++ {
		if rows[i].RowID <= rows[i-1].RowID {
			t.Errorf("rowids not increasing: %d then %d", rows[i-1].RowID, rows[i].RowID)
		}
	}
	if rows[0].Tick != ticks[0] {
		t.Errorf("tick = %+v, want %+v", rows[0].Tick, ticks[0])
	}

	// Resuming from a watermark skips everything at or before it.
	tail, err := r.TicksAfter(ctx, rows[1].RowID, 10)
	if err != nil {
		t.Fatalf("TicksAfter from watermark: %v", err)
	}
	if len(tail) != 1 || tail[0].Tick.Price != 100.2 {
		t.Errorf("tail = %+v, want one tick at 100.2", tail)
	}
}

func TestTicksAfterMissingFileIsSilent(t *testing.T) {
	t.Parallel()
	r := NewLiveBufferReader(newTestManager(t), discardLogger())
	rows, err := r.TicksAfter(context.Background(), 0, 10)
	if err != nil {
		t.Fatalf("TicksAfter on missing file: %v", err)
	}
	if len(rows) != 0 {
		t.Errorf("rows = %d, want 0", len(rows))
	}
}

func TestWriteBarsFirstWriteWins(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	w, r := openLiveBuffer(t, newTestManager(t))

	ts := time.Date(2026, 3, 2, 4, 0, 0, 0, time.UTC)
	if err := w.WriteBars(ctx, []types.OHLCVBar{barAt(ts, 100)}); err != nil {
		t.Fatalf("WriteBars: %v", err)
	}
	// A rewrite of the same (symbol, timeframe, ts) key is ignored.
	if err := w.WriteBars(ctx, []types.OHLCVBar{barAt(ts, 200)}); err != nil {
		t.Fatalf("WriteBars duplicate: %v", err)
	}

	bars, err := r.ReadBars(ctx, testSymbol, types.TF1Min, ts, ts)
	if err != nil {
		t.Fatalf("ReadBars: %v", err)
	}
	if len(bars) != 1 {
		t.Fatalf("bars = %d, want 1", len(bars))
	}
	if bars[0].Close != 100 {
		t.Errorf("close = %v, want the first write (100)", bars[0].Close)
	}
}

func TestMaxBarTimestamp(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	w, _ := openLiveBuffer(t, newTestManager(t))

	if _, ok, err := w.MaxBarTimestamp(ctx, testSymbol, types.TF1Min); err != nil || ok {
		t.Fatalf("MaxBarTimestamp on empty = ok %v err %v, want no bars", ok, err)
	}

	ts := time.Date(2026, 3, 2, 4, 0, 0, 0, time.UTC)
	bars := []types.OHLCVBar{barAt(ts, 100), barAt(ts.Add(time.Minute), 101)}
	if err := w.WriteBars(ctx, bars); err != nil {
		t.Fatalf("WriteBars: %v", err)
	}
	got, ok, err := w.MaxBarTimestamp(ctx, testSymbol, types.TF1Min)
	if err != nil {
		t.Fatalf("MaxBarTimestamp: %v", err)
	}
	if !ok || !got.Equal(ts.Add(time.Minute)) {
		t.Errorf("max ts = %s ok %v, want %s", got, ok, ts.Add(time.Minute))
	}
}
