package marketdata

import (
	"context"
	"time"

	"quantdesk/pkg/types"
)

// Resampler wraps a 1-minute BarProvider and emits session-aligned N-minute
// bars. A bucket is emitted only once a base bar from a later bucket
// arrives, so incomplete buckets never escape.
type Resampler struct {
	base BarProvider
	tf   types.Timeframe

	state map[string]*resampleState
}

type resampleState struct {
	buffer []types.OHLCVBar // base bars of the in-progress bucket
	ready  []types.OHLCVBar // completed N-minute bars awaiting NextBar
}

func NewResampler(base BarProvider, tf types.Timeframe) *Resampler {
	return &Resampler{
		base:  base,
		tf:    tf,
		state: make(map[string]*resampleState),
	}
}

func (r *Resampler) Streaming() bool { return r.base.Streaming() }

// NextBar returns the next complete N-minute bar for symbol, pulling base
// bars as needed. Nil means no complete bucket is available yet.
func (r *Resampler) NextBar(ctx context.Context, symbol string) (*types.OHLCVBar, error) {
	st, ok := r.state[symbol]
	if !ok {
		st = &resampleState{}
		r.state[symbol] = st
	}

	for len(st.ready) == 0 {
		base, err := r.base.NextBar(ctx, symbol)
		if err != nil {
			return nil, err
		}
		if base == nil {
			// Exhausted non-streaming input still owes the final bucket.
			if !r.base.Streaming() && len(st.buffer) > 0 {
				st.ready = append(st.ready, aggregate(st.buffer, r.tf))
				st.buffer = nil
				break
			}
			return nil, nil
		}
		r.ingest(st, *base)
	}

	bar := st.ready[0]
	st.ready = st.ready[1:]
	return &bar, nil
}

func (r *Resampler) ingest(st *resampleState, b types.OHLCVBar) {
	if len(st.buffer) > 0 &&
		!types.BucketStart(b.Timestamp, r.tf).Equal(types.BucketStart(st.buffer[0].Timestamp, r.tf)) {
		st.ready = append(st.ready, aggregate(st.buffer, r.tf))
		st.buffer = st.buffer[:0]
	}
	st.buffer = append(st.buffer, b)
}

// aggregate folds ordered base bars of one bucket into a single bar stamped
// at the bucket start.
func aggregate(bars []types.OHLCVBar, tf types.Timeframe) types.OHLCVBar {
	out := types.OHLCVBar{
		Symbol:    bars[0].Symbol,
		Timestamp: types.BucketStart(bars[0].Timestamp, tf),
		Open:      bars[0].Open,
		High:      bars[0].High,
		Low:       bars[0].Low,
		Close:     bars[len(bars)-1].Close,
		Timeframe: tf,
	}
	for _, b := range bars {
		if b.High > out.High {
			out.High = b.High
		}
		if b.Low < out.Low {
			out.Low = b.Low
		}
		out.Volume += b.Volume
		out.Synthetic = out.Synthetic || b.Synthetic
	}
	return out
}

// Warmup reads the trailing n 1-minute bars for symbol through the unified
// query so callers can seed indicators. Warmup bars never enter the
// resampling buffer and produce no output bars.
func Warmup(ctx context.Context, q *UnifiedQuery, symbol string, n int, now time.Time) ([]types.OHLCVBar, error) {
	// A generous lookback window covers weekends and holidays.
	start := now.AddDate(0, 0, -7)
	bars, err := q.GetCandles(ctx, symbol, types.TF1Min, start, now)
	if err != nil {
		return nil, err
	}
	if len(bars) > n {
		bars = bars[len(bars)-n:]
	}
	return bars, nil
}
