package marketdata

import (
	"context"
	"log/slog"
	"time"

	"quantdesk/internal/clock"
	"quantdesk/internal/storage"
	"quantdesk/pkg/types"
)

// RecoveryManager backfills per-symbol 1-minute bar gaps at startup. It
// compares the newest live-buffer bar against the session window and pulls
// the missing range from the backfill port, marking the result synthetic so
// downstream tools can tell recovered bars from live ones.
//
// Recovery never aborts startup: a symbol that fails keeps whatever data it
// has and the failure is logged.
type RecoveryManager struct {
	writer   *storage.LiveBufferWriter
	backfill BackfillPort
	clk      clock.Clock
	gapBars  int // minimum missing bars before backfill kicks in
	logger   *slog.Logger
}

func NewRecoveryManager(writer *storage.LiveBufferWriter, backfill BackfillPort, clk clock.Clock, gapBars int, logger *slog.Logger) *RecoveryManager {
	if gapBars < 1 {
		gapBars = 1
	}
	return &RecoveryManager{
		writer:   writer,
		backfill: backfill,
		clk:      clk,
		gapBars:  gapBars,
		logger:   logger.With("component", "recovery"),
	}
}

// Run recovers every symbol independently and returns the per-symbol
// failures. An empty slice means all symbols are current.
func (r *RecoveryManager) Run(ctx context.Context, symbols []string) []*RecoveryError {
	var failures []*RecoveryError
	for _, symbol := range symbols {
		if err := r.recoverSymbol(ctx, symbol); err != nil {
			r.logger.Warn("symbol recovery failed, proceeding with available data",
				"symbol", symbol, "error", err)
			failures = append(failures, &RecoveryError{Symbol: symbol, Err: err})
		}
	}
	return failures
}

func (r *RecoveryManager) recoverSymbol(ctx context.Context, symbol string) error {
	now := r.clk.Now()
	open := types.SessionOpen(now)
	end := types.SessionClose(now)
	if now.Before(end) {
		end = now
	}

	last, ok, err := r.writer.MaxBarTimestamp(ctx, symbol, types.TF1Min)
	if err != nil {
		return err
	}

	from := open
	if ok {
		from = last.Add(time.Minute)
	}
	if !from.Before(end) {
		return nil
	}
	missing := int(end.Sub(from) / time.Minute)
	if missing < r.gapBars {
		return nil
	}

	r.logger.Info("backfilling gap", "symbol", symbol, "from", from, "to", end, "bars", missing)
	bars, err := r.backfill.FetchCandles(ctx, symbol, from, end, types.TF1Min)
	if err != nil {
		return err
	}
	for i := range bars {
		bars[i].Synthetic = true
	}
	return r.writer.WriteBars(ctx, bars)
}
