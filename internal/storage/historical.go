package storage

import (
	"context"
	"log/slog"
	"os"
	"sync"
	"time"

	"quantdesk/pkg/types"
)

// HistoricalStore reads the per-day immutable market files. Writing happens
// only inside EOD rollover, which owns the historical partition lock; reads
// here never lock across processes, matching the append-only-then-immutable
// contract.
type HistoricalStore struct {
	m      *Manager
	mu     *sync.Mutex
	logger *slog.Logger
}

func NewHistoricalStore(m *Manager, logger *slog.Logger) *HistoricalStore {
	return &HistoricalStore{
		m:      m,
		mu:     m.partitionMutex(PartitionHistorical),
		logger: logger.With("component", "historical_store"),
	}
}

// ReadCandlesDay returns one day's bars for a symbol within [start, end].
// A missing day file is silent: the day simply has no data.
func (s *HistoricalStore) ReadCandlesDay(ctx context.Context, exchange string, tf types.Timeframe, date time.Time, symbol string, start, end time.Time) ([]types.OHLCVBar, error) {
	path := s.m.HistoricalCandlesPath(exchange, string(tf), date)
	s.mu.Lock()
	defer s.mu.Unlock()
	var bars []types.OHLCVBar
	err := withRetry(ctx, s.logger, PartitionHistorical, "read candles day", func() error {
		db, err := openReadOnly(path)
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
			return classify(err, PartitionHistorical, "read candles day", path)
		}
		bars = bars[:0]
		for _, row := range rows {
			bars = append(bars, row.bar())
		}
		return nil
	})
	return bars, err
}

// writeCandlesDay creates a per-day candle file and fills it in one
// transaction. Callers must hold the historical partition writer lock;
// only EOD rollover does.
func (s *HistoricalStore) writeCandlesDay(ctx context.Context, exchange string, tf string, date time.Time, bars []types.OHLCVBar) error {
	path := s.m.HistoricalCandlesPath(exchange, tf, date)
	s.mu.Lock()
	defer s.mu.Unlock()
	return withRetry(ctx, s.logger, PartitionHistorical, "write candles day", func() error {
		db, err := openWritable(path, false)
		if err != nil {
			return err
		}
		defer db.Close()
		if err := ensureSchema(db, PartitionHistorical, path, candleSchema, marketSchemaVersion); err != nil {
			return err
		}
		tx, err := db.Beginx()
		if err != nil {
			return classify(err, PartitionHistorical, "write candles day", path)
		}
		for _, b := range bars {
			if _, err := tx.Exec(
				`INSERT OR IGNORE INTO candles (symbol, ts_ms, timeframe, open, high, low, close, volume, synthetic)
				 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
				b.Symbol, toMS(b.Timestamp), string(b.Timeframe), b.Open, b.High, b.Low, b.Close, b.Volume, boolToInt(b.Synthetic),
			); err != nil {
				tx.Rollback()
				return classify(err, PartitionHistorical, "write candles day", path)
			}
		}
		if err := tx.Commit(); err != nil {
			return classify(err, PartitionHistorical, "write candles day", path)
		}
		return nil
	})
}
