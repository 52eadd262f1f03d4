package marketdata

import (
	"context"
	"sort"
	"time"

	"quantdesk/internal/clock"
	"quantdesk/internal/storage"
	"quantdesk/pkg/types"
)

// UnifiedQuery presents closed-day historical files and today's live buffer
// as one continuous bar series. Missing day files and an absent live buffer
// are silent; integrity errors are not.
type UnifiedQuery struct {
	hist     *storage.HistoricalStore
	live     *storage.LiveBufferReader
	exchange string
	clk      clock.Clock
}

func NewUnifiedQuery(hist *storage.HistoricalStore, live *storage.LiveBufferReader, exchange string, clk clock.Clock) *UnifiedQuery {
	return &UnifiedQuery{hist: hist, live: live, exchange: exchange, clk: clk}
}

// GetCandles returns bars for [start, end], deduplicated on (symbol, ts)
// with the earlier source winning, sorted by timestamp.
func (q *UnifiedQuery) GetCandles(ctx context.Context, symbol string, tf types.Timeframe, start, end time.Time) ([]types.OHLCVBar, error) {
	start, end = start.UTC(), end.UTC()
	today := types.TradingDate(q.clk.Now())

	var bars []types.OHLCVBar
	for d := types.TradingDate(start); !d.After(types.TradingDate(end)); d = d.AddDate(0, 0, 1) {
		if !d.Before(today) {
			break
		}
		day, err := q.hist.ReadCandlesDay(ctx, q.exchange, tf, d, symbol, start, end)
		if err != nil {
			return nil, err
		}
		bars = append(bars, day...)
	}

	if !types.TradingDate(end).Before(today) {
		live, err := q.live.ReadBars(ctx, symbol, tf, start, end)
		if err != nil {
			return nil, err
		}
		bars = append(bars, live...)
	}

	return dedupeSorted(bars), nil
}

// dedupeSorted keeps the first occurrence of each timestamp (earlier source
// wins: bars arrive historical-first) and sorts the result.
func dedupeSorted(bars []types.OHLCVBar) []types.OHLCVBar {
	seen := make(map[int64]bool, len(bars))
	out := bars[:0]
	for _, b := range bars {
		ms := b.Timestamp.UnixMilli()
		if seen[ms] {
			continue
		}
		seen[ms] = true
		out = append(out, b)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Timestamp.Before(out[j].Timestamp) })
	return out
}
