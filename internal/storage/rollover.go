package storage

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"quantdesk/pkg/types"
)

// Rollover promotes the live buffer into the historical partition at end of
// day. The protocol is atomic from the readers' point of view: ticks move by
// rename on the same filesystem, candles are split per timeframe into day
// files, and any failure restores the live buffer from the pre-rename
// backups taken in step one.
type Rollover struct {
	m        *Manager
	logger   *slog.Logger
	exchange string
}

func NewRollover(m *Manager, logger *slog.Logger, exchange string) *Rollover {
	return &Rollover{m: m, logger: logger.With("component", "rollover"), exchange: exchange}
}

// Run performs the EOD promotion for the given trading date. The live
// ingestor must be stopped first; its writer lock would otherwise block
// acquisition here for the full timeout.
func (r *Rollover) Run(ctx context.Context, date time.Time) error {
	liveLock, err := acquireWriterLock(ctx, r.logger, PartitionLiveBuffer, r.m.PartitionDir(PartitionLiveBuffer))
	if err != nil {
		return err
	}
	defer liveLock.Release()
	histLock, err := acquireWriterLock(ctx, r.logger, PartitionHistorical, r.m.PartitionDir(PartitionHistorical))
	if err != nil {
		return err
	}
	defer histLock.Release()

	ticksPath := r.m.LiveTicksPath()
	candlesPath := r.m.LiveCandlesPath()
	haveTicks := fileExists(ticksPath)
	haveCandles := fileExists(candlesPath)
	if !haveTicks && !haveCandles {
		r.logger.Info("nothing to roll over", "date", date.Format("2006-01-02"))
		return nil
	}

	if haveTicks {
		if err := integrityCheck(ticksPath, PartitionLiveBuffer); err != nil {
			return err
		}
	}
	if haveCandles {
		if err := integrityCheck(candlesPath, PartitionLiveBuffer); err != nil {
			return err
		}
	}

	backupDir := r.m.BackupDir(filepath.Join("market_data", date.Format("2006-01-02")))
	if haveTicks {
		if err := copyFile(ticksPath, filepath.Join(backupDir, "ticks_today"+marketDBExt)); err != nil {
			return fmt.Errorf("backup ticks: %w", err)
		}
	}
	if haveCandles {
		if err := copyFile(candlesPath, filepath.Join(backupDir, "candles_today"+marketDBExt)); err != nil {
			return fmt.Errorf("backup candles: %w", err)
		}
	}

	if err := r.promote(ctx, date, haveTicks, haveCandles); err != nil {
		r.logger.Error("rollover failed, restoring live buffer from backup", "error", err)
		if rerr := r.restore(backupDir, date, haveTicks, haveCandles); rerr != nil {
			r.logger.Error("restore after failed rollover also failed", "error", rerr)
		}
		return err
	}

	r.logger.Info("rollover complete",
		"date", date.Format("2006-01-02"),
		"ticks", haveTicks,
		"candles", haveCandles,
	)
	return nil
}

func (r *Rollover) promote(ctx context.Context, date time.Time, haveTicks, haveCandles bool) error {
	if haveTicks {
		dst := r.m.HistoricalTicksPath(r.exchange, date)
		if err := os.MkdirAll(filepath.Dir(dst), 0o755); err != nil {
			return fmt.Errorf("create ticks day dir: %w", err)
		}
		if err := os.Rename(r.m.LiveTicksPath(), dst); err != nil {
			return fmt.Errorf("rename ticks_today: %w", err)
		}
	}

	if haveCandles {
		byTF, err := r.readCandlesByTimeframe(r.m.LiveCandlesPath())
		if err != nil {
			return err
		}
		hist := NewHistoricalStore(r.m, r.logger)
		for tf, bars := range byTF {
			if err := hist.writeCandlesDay(ctx, r.exchange, tf, date, bars); err != nil {
				return fmt.Errorf("write candles day %s: %w", tf, err)
			}
		}
		if err := os.Remove(r.m.LiveCandlesPath()); err != nil {
			return fmt.Errorf("remove candles_today: %w", err)
		}
	}

	return r.recreateLiveFiles()
}

// readCandlesByTimeframe loads today's bars grouped per timeframe for the
// split step.
func (r *Rollover) readCandlesByTimeframe(path string) (map[string][]types.OHLCVBar, error) {
	db, err := openReadOnly(path)
	if err != nil {
		return nil, err
	}
	defer db.Close()
	var rows []candleRow
	if err := db.Select(&rows,
		`SELECT symbol, ts_ms, timeframe, open, high, low, close, volume, synthetic
		 FROM candles ORDER BY timeframe, symbol, ts_ms`,
	); err != nil {
		return nil, classify(err, PartitionLiveBuffer, "read candles for split", path)
	}
	byTF := make(map[string][]types.OHLCVBar)
	for _, row := range rows {
		byTF[row.Timeframe] = append(byTF[row.Timeframe], row.bar())
	}
	return byTF, nil
}

// recreateLiveFiles builds fresh, empty today files with current schemas.
func (r *Rollover) recreateLiveFiles() error {
	for _, f := range []struct {
		path   string
		schema string
	}{
		{r.m.LiveTicksPath(), tickSchema},
		{r.m.LiveCandlesPath(), candleSchema},
	} {
		db, err := openWritable(f.path, false)
		if err != nil {
			return err
		}
		err = ensureSchema(db, PartitionLiveBuffer, f.path, f.schema, marketSchemaVersion)
		db.Close()
		if err != nil {
			return err
		}
	}
	return nil
}

// restore puts the live buffer back as it was before promote, and removes
// any half-written historical day files from this attempt.
func (r *Rollover) restore(backupDir string, date time.Time, haveTicks, haveCandles bool) error {
	if haveTicks {
		os.Remove(r.m.HistoricalTicksPath(r.exchange, date))
		if err := copyFile(filepath.Join(backupDir, "ticks_today"+marketDBExt), r.m.LiveTicksPath()); err != nil {
			return fmt.Errorf("restore ticks_today: %w", err)
		}
	}
	if haveCandles {
		candlesDir := filepath.Join(r.m.PartitionDir(PartitionHistorical), r.exchange, "candles")
		tfs, _ := os.ReadDir(candlesDir)
		for _, tf := range tfs {
			if tf.IsDir() {
				os.Remove(filepath.Join(candlesDir, tf.Name(), date.Format("2006-01-02")+marketDBExt))
			}
		}
		if err := copyFile(filepath.Join(backupDir, "candles_today"+marketDBExt), r.m.LiveCandlesPath()); err != nil {
			return fmt.Errorf("restore candles_today: %w", err)
		}
	}
	return nil
}

func fileExists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}

// copyFile copies src to dst through a temp file and rename, so a partial
// copy is never observable at dst.
func copyFile(src, dst string) error {
	if err := os.MkdirAll(filepath.Dir(dst), 0o755); err != nil {
		return err
	}
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	tmp := dst + ".tmp"
	out, err := os.Create(tmp)
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		os.Remove(tmp)
		return err
	}
	if err := out.Sync(); err != nil {
		out.Close()
		os.Remove(tmp)
		return err
	}
	if err := out.Close(); err != nil {
		os.Remove(tmp)
		return err
	}
	return os.Rename(tmp, dst)
}
