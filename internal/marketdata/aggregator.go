package marketdata

import (
	"context"
	"log/slog"
	"sort"
	"time"

	"quantdesk/internal/storage"
	"quantdesk/internal/telemetry"
	"quantdesk/pkg/types"
)

const aggregatorReadBatch = 5000

// bucket accumulates one symbol's ticks for a single minute.
type bucket struct {
	start  time.Time
	open   float64
	high   float64
	low    float64
	close_ float64
	volume int64
	lastTS int64 // exchange_ts_ms of the tick that set close
}

func (b *bucket) apply(t types.Tick) {
	if b.volume == 0 {
		b.open, b.high, b.low, b.close_ = t.Price, t.Price, t.Price, t.Price
		b.lastTS = t.ExchangeTSMs
	} else {
		if t.Price > b.high {
			b.high = t.Price
		}
		if t.Price < b.low {
			b.low = t.Price
		}
		if t.ExchangeTSMs >= b.lastTS {
			b.close_ = t.Price
			b.lastTS = t.ExchangeTSMs
		}
	}
	b.volume += t.Volume
}

func (b *bucket) bar(symbol string) types.OHLCVBar {
	return types.OHLCVBar{
		Symbol:    symbol,
		Timestamp: b.start,
		Open:      b.open,
		High:      b.high,
		Low:       b.low,
		Close:     b.close_,
		Volume:    b.volume,
		Timeframe: types.TF1Min,
	}
}

// Aggregator rolls live-buffer ticks into 1-minute bars. It keeps a rowid
// watermark so each tick is read once, and finalizes a symbol's bucket only
// after observing a tick from a later bucket — or when FlushSession forces
// everything out at session close.
type Aggregator struct {
	reader   *storage.LiveBufferReader
	writer   *storage.LiveBufferWriter
	interval time.Duration
	logger   *slog.Logger
	metrics  *telemetry.Metrics

	watermark int64
	open      map[string]*bucket // symbol -> in-progress minute
}

func NewAggregator(reader *storage.LiveBufferReader, writer *storage.LiveBufferWriter, interval time.Duration, logger *slog.Logger, metrics *telemetry.Metrics) *Aggregator {
	return &Aggregator{
		reader:   reader,
		writer:   writer,
		interval: interval,
		logger:   logger.With("component", "aggregator"),
		metrics:  metrics,
		open:     make(map[string]*bucket),
	}
}

// Run aggregates on a ticker until ctx is cancelled, then forces the
// remaining buckets out so the session tail is not lost.
func (a *Aggregator) Run(ctx context.Context) {
	ticker := time.NewTicker(a.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			if err := a.FlushSession(context.Background()); err != nil {
				a.logger.Warn("final session flush failed", "error", err)
			}
			return
		case <-ticker.C:
			if err := a.Step(ctx); err != nil {
				a.logger.Warn("aggregation step failed", "error", err)
			}
		}
	}
}

// Step reads new ticks past the watermark, applies them to per-symbol
// buckets, and writes out every bucket that a later tick has closed.
func (a *Aggregator) Step(ctx context.Context) error {
	for {
		rows, err := a.reader.TicksAfter(ctx, a.watermark, aggregatorReadBatch)
		if err != nil {
			return err
		}
		if len(rows) == 0 {
			return nil
		}

		var done []types.OHLCVBar
		for _, row := range rows {
			a.watermark = row.RowID
			t := row.Tick
			minute := types.MinuteBucket(t.ExchangeTime())

			cur, ok := a.open[t.Symbol]
			if ok && minute.After(cur.start) {
				done = append(done, cur.bar(t.Symbol))
				ok = false
			}
			if !ok {
				cur = &bucket{start: minute}
				a.open[t.Symbol] = cur
			}
			// Late ticks from an already-emitted minute fold into the
			// current bucket rather than reopening a finalized bar.
			cur.apply(t)
		}

		if err := a.emit(ctx, done); err != nil {
			return err
		}
		if len(rows) < aggregatorReadBatch {
			return nil
		}
	}
}

// FlushSession finalizes every in-progress bucket regardless of whether a
// later tick arrived. Called at session close and on shutdown.
func (a *Aggregator) FlushSession(ctx context.Context) error {
	var bars []types.OHLCVBar
	for symbol, b := range a.open {
		bars = append(bars, b.bar(symbol))
		delete(a.open, symbol)
	}
	sort.Slice(bars, func(i, j int) bool { return bars[i].Symbol < bars[j].Symbol })
	return a.emit(ctx, bars)
}

func (a *Aggregator) emit(ctx context.Context, bars []types.OHLCVBar) error {
	if len(bars) == 0 {
		return nil
	}
	if err := a.writer.WriteBars(ctx, bars); err != nil {
		return err
	}
	a.metrics.BarsEmitted.Add(float64(len(bars)))
	return nil
}
