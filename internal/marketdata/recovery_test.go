package marketdata

import (
	"context"
	"errors"
	"testing"
	"time"

	"quantdesk/internal/clock"
	"quantdesk/pkg/types"
)

type fakeBackfill struct {
	calls []struct {
		symbol   string
		from, to time.Time
	}
	bars []types.OHLCVBar
	err  error
}

func (f *fakeBackfill) FetchCandles(_ context.Context, symbol string, from, to time.Time, _ types.Timeframe) ([]types.OHLCVBar, error) {
	f.calls = append(f.calls, struct {
		symbol   string
		from, to time.Time
	}{symbol, from, to})
	return f.bars, f.err
}

func TestRecoveryBackfillsGapAndMarksSynthetic(t *testing.T) {
	ctx := context.Background()
	_, w, r := newTestLiveBuffer(t)

	day := time.Date(2026, 3, 2, 0, 0, 0, 0, time.UTC)
	open := types.SessionOpen(day)

	// Live buffer holds the first 5 minutes; the feed then died for 10.
	if err := w.WriteBars(ctx, minuteBars("X", day, 5)); err != nil {
		t.Fatalf("WriteBars: %v", err)
	}

	missing := minuteBars("X", day, 15)[5:]
	bf := &fakeBackfill{bars: missing}
	clk := clock.NewReplay(open.Add(15 * time.Minute))

	rm := NewRecoveryManager(w, bf, clk, 2, discardLogger())
	if failures := rm.Run(ctx, []string{"X"}); len(failures) != 0 {
		t.Fatalf("failures = %v, want none", failures)
	}

	if len(bf.calls) != 1 {
		t.Fatalf("backfill calls = %d, want 1", len(bf.calls))
	}
	wantFrom := open.Add(5 * time.Minute)
	if !bf.calls[0].from.Equal(wantFrom) {
		t.Errorf("backfill from = %s, want %s", bf.calls[0].from, wantFrom)
	}

	bars, err := r.ReadBars(ctx, "X", types.TF1Min, open, open.Add(time.Hour))
	if err != nil {
		t.Fatalf("ReadBars: %v", err)
	}
	if len(bars) != 15 {
		t.Fatalf("bars after recovery = %d, want 15", len(bars))
	}
	for i, b := range bars {
		wantSynthetic := i >= 5
		if b.Synthetic != wantSynthetic {
			t.Errorf("bar %d synthetic = %v, want %v", i, b.Synthetic, wantSynthetic)
		}
	}
}

func TestRecoverySkipsSmallGap(t *testing.T) {
	ctx := context.Background()
	_, w, _ := newTestLiveBuffer(t)

	day := time.Date(2026, 3, 2, 0, 0, 0, 0, time.UTC)
	open := types.SessionOpen(day)
	if err := w.WriteBars(ctx, minuteBars("X", day, 10)); err != nil {
		t.Fatalf("WriteBars: %v", err)
	}

	bf := &fakeBackfill{}
	// Only one bar behind: below the 2-bar threshold.
	clk := clock.NewReplay(open.Add(11 * time.Minute))
	rm := NewRecoveryManager(w, bf, clk, 2, discardLogger())
	if failures := rm.Run(ctx, []string{"X"}); len(failures) != 0 {
		t.Fatalf("failures = %v, want none", failures)
	}
	if len(bf.calls) != 0 {
		t.Errorf("backfill calls = %d, want 0 for sub-threshold gap", len(bf.calls))
	}
}

func TestRecoveryFailureIsNonFatalPerSymbol(t *testing.T) {
	ctx := context.Background()
	_, w, _ := newTestLiveBuffer(t)

	day := time.Date(2026, 3, 2, 0, 0, 0, 0, time.UTC)
	open := types.SessionOpen(day)

	bf := &fakeBackfill{err: errors.New("gateway down")}
	clk := clock.NewReplay(open.Add(30 * time.Minute))
	rm := NewRecoveryManager(w, bf, clk, 2, discardLogger())

	failures := rm.Run(ctx, []string{"X", "Y"})
	if len(failures) != 2 {
		t.Fatalf("failures = %d, want 2 (one per symbol, startup continues)", len(failures))
	}
	var re *RecoveryError
	if !errors.As(failures[0], &re) || re.Symbol != "X" {
		t.Errorf("failure[0] = %v, want RecoveryError for X", failures[0])
	}
}
