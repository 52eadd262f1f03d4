package storage

import (
	"context"
	"log/slog"
	"os"
	"sync"
	"time"

	"github.com/jmoiron/sqlx"

	"quantdesk/pkg/types"
)

// LiveBufferWriter is the sole writer of today's ticks and 1-minute candles.
// Construction acquires the live-buffer partition lock, which is held until
// Close; the tick ingestor owns this store for the whole session.
type LiveBufferWriter struct {
	m      *Manager
	lock   *WriterLock
	mu     *sync.Mutex
	logger *slog.Logger

	ticks   *sqlx.DB
	candles *sqlx.DB
}

// NewLiveBufferWriter locks the live-buffer partition and opens (creating if
// needed) both today files.
func NewLiveBufferWriter(ctx context.Context, m *Manager, logger *slog.Logger) (*LiveBufferWriter, error) {
	lock, err := acquireWriterLock(ctx, m.logger, PartitionLiveBuffer, m.PartitionDir(PartitionLiveBuffer))
	if err != nil {
		return nil, err
	}
	w := &LiveBufferWriter{
		m:      m,
		lock:   lock,
		mu:     m.partitionMutex(PartitionLiveBuffer),
		logger: logger.With("component", "live_buffer"),
	}
	if w.ticks, err = openWritable(m.LiveTicksPath(), false); err != nil {
		lock.Release()
		return nil, err
	}
	if err = ensureSchema(w.ticks, PartitionLiveBuffer, m.LiveTicksPath(), tickSchema, marketSchemaVersion); err != nil {
		w.ticks.Close()
		lock.Release()
		return nil, err
	}
	if w.candles, err = openWritable(m.LiveCandlesPath(), false); err != nil {
		w.ticks.Close()
		lock.Release()
		return nil, err
	}
	if err = ensureSchema(w.candles, PartitionLiveBuffer, m.LiveCandlesPath(), candleSchema, marketSchemaVersion); err != nil {
		w.Close()
		return nil, err
	}
	return w, nil
}

// WriteTicks appends a batch of ticks in one transaction, retrying on
// transient contention.
func (w *LiveBufferWriter) WriteTicks(ctx context.Context, ticks []types.Tick) error {
	if len(ticks) == 0 {
		return nil
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	return withRetry(ctx, w.logger, PartitionLiveBuffer, "write ticks", func() error {
		tx, err := w.ticks.Beginx()
		if err != nil {
			return classify(err, PartitionLiveBuffer, "write ticks", w.m.LiveTicksPath())
		}
		for _, t := range ticks {
			if _, err := tx.Exec(
				`INSERT INTO ticks (symbol, exchange_ts_ms, ingest_ts_ms, price, volume, bid, ask)
				 VALUES (?, ?, ?, ?, ?, ?, ?)`,
				t.Symbol, t.ExchangeTSMs, toMS(t.IngestTS), t.Price, t.Volume, t.Bid, t.Ask,
			); err != nil {
				tx.Rollback()
				return classify(err, PartitionLiveBuffer, "write ticks", w.m.LiveTicksPath())
			}
		}
		if err := tx.Commit(); err != nil {
			return classify(err, PartitionLiveBuffer, "write ticks", w.m.LiveTicksPath())
		}
		return nil
	})
}

// WriteBars appends finalized bars. Duplicate (symbol, timeframe, ts) rows
// are ignored so the earlier write wins, matching the unified query's
// dedupe policy and making aggregator restarts harmless.
func (w *LiveBufferWriter) WriteBars(ctx context.Context, bars []types.OHLCVBar) error {
	if len(bars) == 0 {
		return nil
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	return withRetry(ctx, w.logger, PartitionLiveBuffer, "write bars", func() error {
		tx, err := w.candles.Beginx()
		if err != nil {
			return classify(err, PartitionLiveBuffer, "write bars", w.m.LiveCandlesPath())
		}
		for _, b := range bars {
			if _, err := tx.Exec(
				`INSERT OR IGNORE INTO candles (symbol, ts_ms, timeframe, open, high, low, close, volume, synthetic)
				 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
				b.Symbol, toMS(b.Timestamp), string(b.Timeframe), b.Open, b.High, b.Low, b.Close, b.Volume, boolToInt(b.Synthetic),
			); err != nil {
				tx.Rollback()
				return classify(err, PartitionLiveBuffer, "write bars", w.m.LiveCandlesPath())
			}
		}
		if err := tx.Commit(); err != nil {
			return classify(err, PartitionLiveBuffer, "write bars", w.m.LiveCandlesPath())
		}
		return nil
	})
}

// MaxBarTimestamp returns the newest bar timestamp for a symbol and
// timeframe, used by gap recovery. ok is false when the symbol has no bars.
func (w *LiveBufferWriter) MaxBarTimestamp(ctx context.Context, symbol string, tf types.Timeframe) (time.Time, bool, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	var ms *int64
	err := withRetry(ctx, w.logger, PartitionLiveBuffer, "max bar ts", func() error {
		return classify(
			w.candles.Get(&ms, `SELECT MAX(ts_ms) FROM candles WHERE symbol = ? AND timeframe = ?`, symbol, string(tf)),
			PartitionLiveBuffer, "max bar ts", w.m.LiveCandlesPath(),
		)
	})
	if err != nil {
		return time.Time{}, false, err
	}
	if ms == nil {
		return time.Time{}, false, nil
	}
	return fromMS(*ms), true, nil
}

// Close releases both handles and the partition lock.
func (w *LiveBufferWriter) Close() error {
	if w.ticks != nil {
		w.ticks.Close()
	}
	if w.candles != nil {
		w.candles.Close()
	}
	return w.lock.Release()
}

// TickRow pairs a tick with its insertion rowid so readers can resume from
// a watermark.
type TickRow struct {
	RowID int64
	Tick  types.Tick
}

// LiveBufferReader reads today's files without taking the OS lock; it holds
// only the in-process mutex and opens read-only per call, so EOD rollover
// can swap the files underneath between reads.
type LiveBufferReader struct {
	m      *Manager
	mu     *sync.Mutex
	logger *slog.Logger
}

func NewLiveBufferReader(m *Manager, logger *slog.Logger) *LiveBufferReader {
	return &LiveBufferReader{
		m:      m,
		mu:     m.partitionMutex(PartitionLiveBuffer),
		logger: logger.With("component", "live_buffer"),
	}
}

type candleRow struct {
	Symbol    string  `db:"symbol"`
	TSMs      int64   `db:"ts_ms"`
	Timeframe string  `db:"timeframe"`
	Open      float64 `db:"open"`
	High      float64 `db:"high"`
	Low       float64 `db:"low"`
	Close     float64 `db:"close"`
	Volume    int64   `db:"volume"`
	Synthetic int     `db:"synthetic"`
}

func (r candleRow) bar() types.OHLCVBar {
	return types.OHLCVBar{
		Symbol:    r.Symbol,
		Timestamp: fromMS(r.TSMs),
		Open:      r.Open,
		High:      r.High,
		Low:       r.Low,
		Close:     r.Close,
		Volume:    r.Volume,
		Timeframe: types.Timeframe(r.Timeframe),
		Synthetic: r.Synthetic != 0,
	}
}

// ReadBars returns today's bars for [start, end] ordered by timestamp.
// A missing live file is silent: no data yet today.
func (r *LiveBufferReader) ReadBars(ctx context.Context, symbol string, tf types.Timeframe, start, end time.Time) ([]types.OHLCVBar, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var bars []types.OHLCVBar
	err := withRetry(ctx, r.logger, PartitionLiveBuffer, "read bars", func() error {
		db, err := openReadOnly(r.m.LiveCandlesPath())
		if err != nil {
			if os.IsNotExist(err) {
				return nil
			}
			return err
		}
		defer db.Close()
		var rows []candleRow
		if err := db.Select(&rows,
			`SELECT symbol, ts_ms, timeframe, open, high, low, close, volume, synthetic
			 FROM candles
			 WHERE symbol = ? AND timeframe = ? AND ts_ms BETWEEN ? AND ?
			 ORDER BY ts_ms`,
			symbol, string(tf), toMS(start), toMS(end),
		); err != nil {
			return classify(err, PartitionLiveBuffer, "read bars", r.m.LiveCandlesPath())
		}
		bars = bars[:0]
		for _, row := range rows {
			bars = append(bars, row.bar())
		}
		return nil
	})
	return bars, err
}

// TicksAfter returns up to limit ticks with rowid greater than afterRowID,
// in insertion order. The aggregator uses the rowid as its watermark.
func (r *LiveBufferReader) TicksAfter(ctx context.Context, afterRowID int64, limit int) ([]TickRow, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []TickRow
	err := withRetry(ctx, r.logger, PartitionLiveBuffer, "read ticks", func() error {
		db, err := openReadOnly(r.m.LiveTicksPath())
		if err != nil {
			if os.IsNotExist(err) {
				return nil
			}
			return err
		}
		defer db.Close()
		type tickRow struct {
			RowID        int64   `db:"rowid"`
			Symbol       string  `db:"symbol"`
			ExchangeTSMs int64   `db:"exchange_ts_ms"`
			IngestTSMs   int64   `db:"ingest_ts_ms"`
			Price        float64 `db:"price"`
			Volume       int64   `db:"volume"`
			Bid          float64 `db:"bid"`
			Ask          float64 `db:"ask"`
		}
		var rows []tickRow
		if err := db.Select(&rows,
			`SELECT rowid, symbol, exchange_ts_ms, ingest_ts_ms, price, volume, bid, ask
			 FROM ticks WHERE rowid > ? ORDER BY rowid LIMIT ?`,
			afterRowID, limit,
		); err != nil {
			return classify(err, PartitionLiveBuffer, "read ticks", r.m.LiveTicksPath())
		}
		out = out[:0]
		for _, row := range rows {
			out = append(out, TickRow{
				RowID: row.RowID,
				Tick: types.Tick{
					Symbol:       row.Symbol,
					ExchangeTSMs: row.ExchangeTSMs,
					IngestTS:     fromMS(row.IngestTSMs),
					Price:        row.Price,
					Volume:       row.Volume,
					Bid:          row.Bid,
					Ask:          row.Ask,
				},
			})
		}
		return nil
	})
	return out, err
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
