// Package marketdata turns raw ticks into ordered, session-aligned bars and
// serves them to the trading loop: tick buffering and 1-minute aggregation,
// the unified historical+live query, startup gap recovery, and N-minute
// resampling.
package marketdata

import (
	"context"
	"fmt"
	"time"

	"quantdesk/pkg/types"
)

// BackfillPort fetches candles from an external historical source. Recovery
// uses it to fill gaps the live feed missed; the gateway package ships the
// production REST implementation.
type BackfillPort interface {
	FetchCandles(ctx context.Context, symbol string, from, to time.Time, tf types.Timeframe) ([]types.OHLCVBar, error)
}

// TickSource delivers live ticks. Subscribe blocks until ctx is cancelled,
// invoking fn for every tick on the subscribed symbols.
type TickSource interface {
	Subscribe(ctx context.Context, symbols []string, fn func(types.Tick)) error
}

// BarProvider feeds the trading runner one bar at a time per symbol. NextBar
// returns nil when no bar is currently available; Streaming distinguishes
// "wait and poll again" from "the data is exhausted".
type BarProvider interface {
	NextBar(ctx context.Context, symbol string) (*types.OHLCVBar, error)
	Streaming() bool
}

// RecoveryError reports a per-symbol backfill failure. Non-fatal: the symbol
// proceeds with whatever bars it has.
type RecoveryError struct {
	Symbol string
	Err    error
}

func (e *RecoveryError) Error() string {
	return fmt.Sprintf("recovery failed for %s: %v", e.Symbol, e.Err)
}

func (e *RecoveryError) Unwrap() error { return e.Err }
