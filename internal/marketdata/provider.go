package marketdata

import (
	"context"
	"time"

	"quantdesk/internal/clock"
	"quantdesk/pkg/types"
)

// HistoryProvider replays a fixed range of 1-minute bars per symbol, loaded
// once through the unified query. Backtests run it to exhaustion; it is not
// streaming.
type HistoryProvider struct {
	bars    map[string][]types.OHLCVBar
	cursors map[string]int
}

// NewHistoryProvider loads [start, end] for every symbol up front so replay
// order is fixed before the run begins.
func NewHistoryProvider(ctx context.Context, q *UnifiedQuery, symbols []string, start, end time.Time) (*HistoryProvider, error) {
	p := &HistoryProvider{
		bars:    make(map[string][]types.OHLCVBar, len(symbols)),
		cursors: make(map[string]int, len(symbols)),
	}
	for _, symbol := range symbols {
		bars, err := q.GetCandles(ctx, symbol, types.TF1Min, start, end)
		if err != nil {
			return nil, err
		}
		p.bars[symbol] = bars
	}
	return p, nil
}

func (p *HistoryProvider) Streaming() bool { return false }

func (p *HistoryProvider) NextBar(_ context.Context, symbol string) (*types.OHLCVBar, error) {
	i := p.cursors[symbol]
	bars := p.bars[symbol]
	if i >= len(bars) {
		return nil, nil
	}
	p.cursors[symbol] = i + 1
	bar := bars[i]
	return &bar, nil
}

// LiveProvider polls the live buffer for 1-minute bars newer than the last
// one delivered per symbol. The runner's poll interval bounds the read rate;
// this provider just remembers where each symbol left off.
type LiveProvider struct {
	q       *UnifiedQuery
	clk     clock.Clock
	lastTS  map[string]time.Time
	pending map[string][]types.OHLCVBar
}

func NewLiveProvider(q *UnifiedQuery, clk clock.Clock) *LiveProvider {
	return &LiveProvider{
		q:       q,
		clk:     clk,
		lastTS:  make(map[string]time.Time),
		pending: make(map[string][]types.OHLCVBar),
	}
}

func (p *LiveProvider) Streaming() bool { return true }

func (p *LiveProvider) NextBar(ctx context.Context, symbol string) (*types.OHLCVBar, error) {
	if queued := p.pending[symbol]; len(queued) > 0 {
		bar := queued[0]
		p.pending[symbol] = queued[1:]
		p.lastTS[symbol] = bar.Timestamp
		return &bar, nil
	}

	now := p.clk.Now()
	from := types.SessionOpen(now)
	if last, ok := p.lastTS[symbol]; ok {
		from = last.Add(time.Minute)
	}
	bars, err := p.q.GetCandles(ctx, symbol, types.TF1Min, from, now)
	if err != nil {
		return nil, err
	}
	if len(bars) == 0 {
		return nil, nil
	}
	bar := bars[0]
	p.pending[symbol] = bars[1:]
	p.lastTS[symbol] = bar.Timestamp
	return &bar, nil
}
