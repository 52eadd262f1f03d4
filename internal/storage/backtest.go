package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/jmoiron/sqlx"

	"quantdesk/pkg/types"
)

// BacktestIndex is the run registry. Runs move RUNNING → COMPLETED/FAILED;
// the per-run file is immutable once the index marks it COMPLETED.
type BacktestIndex struct {
	m      *Manager
	lock   *WriterLock
	mu     *sync.Mutex
	logger *slog.Logger
	db     *sqlx.DB
}

func NewBacktestIndex(ctx context.Context, m *Manager, logger *slog.Logger) (*BacktestIndex, error) {
	lock, err := acquireWriterLock(ctx, m.logger, PartitionBacktest, m.PartitionDir(PartitionBacktest))
	if err != nil {
		return nil, err
	}
	db, err := openWritable(m.BacktestIndexPath(), true)
	if err != nil {
		lock.Release()
		return nil, err
	}
	if err := ensureSchema(db, PartitionBacktest, m.BacktestIndexPath(), backtestIndexSchema, backtestSchemaVersion); err != nil {
		db.Close()
		lock.Release()
		return nil, err
	}
	return &BacktestIndex{
		m:      m,
		lock:   lock,
		mu:     m.partitionMutex(PartitionBacktest),
		logger: logger.With("component", "backtest_index"),
		db:     db,
	}, nil
}

func (s *BacktestIndex) Close() error {
	s.db.Close()
	return s.lock.Release()
}

// Register inserts a run in RUNNING status.
func (s *BacktestIndex) Register(ctx context.Context, run types.BacktestRun) error {
	params, err := json.Marshal(run.Params)
	if err != nil {
		return fmt.Errorf("encode params: %w", err)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return withRetry(ctx, s.logger, PartitionBacktest, "register run", func() error {
		_, err := s.db.Exec(
			`INSERT INTO runs (run_id, strategy_id, symbol, start_ms, end_ms, timeframe, params, status, created_at_ms)
			 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			run.RunID, run.StrategyID, run.Symbol, toMS(run.Start), toMS(run.End),
			string(run.Timeframe), string(params), string(types.BacktestRunning), toMS(run.CreatedAt),
		)
		return classify(err, PartitionBacktest, "register run", s.m.BacktestIndexPath())
	})
}

// Complete marks a run COMPLETED and stores its metrics.
func (s *BacktestIndex) Complete(ctx context.Context, runID string, metrics types.BacktestMetrics, at time.Time) error {
	blob, err := json.Marshal(metrics)
	if err != nil {
		return fmt.Errorf("encode metrics: %w", err)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return withRetry(ctx, s.logger, PartitionBacktest, "complete run", func() error {
		_, err := s.db.Exec(
			`UPDATE runs SET status = ?, metrics = ?, completed_at_ms = ? WHERE run_id = ?`,
			string(types.BacktestCompleted), string(blob), toMS(at), runID,
		)
		return classify(err, PartitionBacktest, "complete run", s.m.BacktestIndexPath())
	})
}

// Fail marks a run FAILED with its error message.
func (s *BacktestIndex) Fail(ctx context.Context, runID, msg string, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return withRetry(ctx, s.logger, PartitionBacktest, "fail run", func() error {
		_, err := s.db.Exec(
			`UPDATE runs SET status = ?, error = ?, completed_at_ms = ? WHERE run_id = ?`,
			string(types.BacktestFailed), msg, toMS(at), runID,
		)
		return classify(err, PartitionBacktest, "fail run", s.m.BacktestIndexPath())
	})
}

type runRow struct {
	RunID         string `db:"run_id"`
	StrategyID    string `db:"strategy_id"`
	Symbol        string `db:"symbol"`
	StartMs       int64  `db:"start_ms"`
	EndMs         int64  `db:"end_ms"`
	Timeframe     string `db:"timeframe"`
	Params        string `db:"params"`
	Status        string `db:"status"`
	Metrics       string `db:"metrics"`
	Error         string `db:"error"`
	CreatedAtMs   int64  `db:"created_at_ms"`
	CompletedAtMs int64  `db:"completed_at_ms"`
}

func (r runRow) record() (types.BacktestRun, error) {
	run := types.BacktestRun{
		RunID:       r.RunID,
		StrategyID:  r.StrategyID,
		Symbol:      r.Symbol,
		Start:       fromMS(r.StartMs),
		End:         fromMS(r.EndMs),
		Timeframe:   types.Timeframe(r.Timeframe),
		Status:      types.BacktestStatus(r.Status),
		Error:       r.Error,
		CreatedAt:   fromMS(r.CreatedAtMs),
		CompletedAt: fromMS(r.CompletedAtMs),
	}
	if err := json.Unmarshal([]byte(r.Params), &run.Params); err != nil {
		return run, fmt.Errorf("decode params for %s: %w", r.RunID, err)
	}
	if err := json.Unmarshal([]byte(r.Metrics), &run.Metrics); err != nil {
		return run, fmt.Errorf("decode metrics for %s: %w", r.RunID, err)
	}
	return run, nil
}

// Get returns one run's index record; ok is false when the id is unknown.
func (s *BacktestIndex) Get(ctx context.Context, runID string) (types.BacktestRun, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var run types.BacktestRun
	found := false
	err := withRetry(ctx, s.logger, PartitionBacktest, "get run", func() error {
		var row runRow
		err := s.db.Get(&row,
			`SELECT run_id, strategy_id, symbol, start_ms, end_ms, timeframe, params, status,
				metrics, error, created_at_ms, completed_at_ms
			 FROM runs WHERE run_id = ?`, runID)
		if err != nil {
			if errors.Is(err, sql.ErrNoRows) {
				return nil
			}
			return classify(err, PartitionBacktest, "get run", s.m.BacktestIndexPath())
		}
		run, err = row.record()
		if err != nil {
			return err
		}
		found = true
		return nil
	})
	return run, found, err
}

// List returns all runs, newest first.
func (s *BacktestIndex) List(ctx context.Context) ([]types.BacktestRun, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []types.BacktestRun
	err := withRetry(ctx, s.logger, PartitionBacktest, "list runs", func() error {
		var rows []runRow
		if err := s.db.Select(&rows,
			`SELECT run_id, strategy_id, symbol, start_ms, end_ms, timeframe, params, status,
				metrics, error, created_at_ms, completed_at_ms
			 FROM runs ORDER BY created_at_ms DESC, run_id`,
		); err != nil {
			return classify(err, PartitionBacktest, "list runs", s.m.BacktestIndexPath())
		}
		out = out[:0]
		for _, row := range rows {
			run, err := row.record()
			if err != nil {
				return err
			}
			out = append(out, run)
		}
		return nil
	})
	return out, err
}

// RunFile is one backtest's isolated result file. Each run owns its file
// exclusively, so no partition lock is involved.
type RunFile struct {
	m      *Manager
	logger *slog.Logger
	runID  string
	db     *sqlx.DB
}

// NewRunFile creates (or opens) the per-run result file.
func NewRunFile(m *Manager, logger *slog.Logger, runID string) (*RunFile, error) {
	path := m.BacktestRunPath(runID)
	db, err := openWritable(path, false)
	if err != nil {
		return nil, err
	}
	if err := ensureSchema(db, PartitionBacktest, path, backtestRunSchema, backtestSchemaVersion); err != nil {
		db.Close()
		return nil, err
	}
	return &RunFile{m: m, logger: logger.With("component", "run_file", "run_id", runID), runID: runID, db: db}, nil
}

func (f *RunFile) Close() error { return f.db.Close() }

// WriteMeta stores the run parameters alongside the results for
// self-contained analysis.
func (f *RunFile) WriteMeta(ctx context.Context, run types.BacktestRun) error {
	blob, err := json.Marshal(run)
	if err != nil {
		return fmt.Errorf("encode run meta: %w", err)
	}
	path := f.m.BacktestRunPath(f.runID)
	return withRetry(ctx, f.logger, PartitionBacktest, "write meta", func() error {
		_, err := f.db.Exec(
			`INSERT INTO meta (key, value) VALUES ('run', ?)
			 ON CONFLICT(key) DO UPDATE SET value = excluded.value`,
			string(blob),
		)
		return classify(err, PartitionBacktest, "write meta", path)
	})
}

// AppendTrade records one executed order and its equity sample.
func (f *RunFile) AppendTrade(ctx context.Context, tr types.TradeRecord) error {
	path := f.m.BacktestRunPath(f.runID)
	return withRetry(ctx, f.logger, PartitionBacktest, "append trade", func() error {
		tx, err := f.db.Beginx()
		if err != nil {
			return classify(err, PartitionBacktest, "append trade", path)
		}
		if _, err := tx.Exec(
			`INSERT INTO trades (ts_ms, symbol, strategy_id, side, quantity, price, fees, realized_pnl, equity)
			 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			toMS(tr.Time), tr.Symbol, tr.StrategyID, string(tr.Side), tr.Quantity, tr.Price, tr.Fees, tr.RealizedPnL, tr.Equity,
		); err != nil {
			tx.Rollback()
			return classify(err, PartitionBacktest, "append trade", path)
		}
		if _, err := tx.Exec(`INSERT INTO equity (ts_ms, equity) VALUES (?, ?)`, toMS(tr.Time), tr.Equity); err != nil {
			tx.Rollback()
			return classify(err, PartitionBacktest, "append trade", path)
		}
		return classify(tx.Commit(), PartitionBacktest, "append trade", path)
	})
}

// Trades returns the run's trade stream in execution order.
func (f *RunFile) Trades(ctx context.Context) ([]types.TradeRecord, error) {
	path := f.m.BacktestRunPath(f.runID)
	var out []types.TradeRecord
	err := withRetry(ctx, f.logger, PartitionBacktest, "read trades", func() error {
		type row struct {
			TSMs        int64   `db:"ts_ms"`
			Symbol      string  `db:"symbol"`
			StrategyID  string  `db:"strategy_id"`
			Side        string  `db:"side"`
			Quantity    int64   `db:"quantity"`
			Price       float64 `db:"price"`
			Fees        float64 `db:"fees"`
			RealizedPnL float64 `db:"realized_pnl"`
			Equity      float64 `db:"equity"`
		}
		var rows []row
		if err := f.db.Select(&rows,
			`SELECT ts_ms, symbol, strategy_id, side, quantity, price, fees, realized_pnl, equity
			 FROM trades ORDER BY id`,
		); err != nil {
			return classify(err, PartitionBacktest, "read trades", path)
		}
		out = out[:0]
		for _, r := range rows {
			out = append(out, types.TradeRecord{
				Time:        fromMS(r.TSMs),
				Symbol:      r.Symbol,
				StrategyID:  r.StrategyID,
				Side:        types.OrderSide(r.Side),
				Quantity:    r.Quantity,
				Price:       r.Price,
				Fees:        r.Fees,
				RealizedPnL: r.RealizedPnL,
				Equity:      r.Equity,
			})
		}
		return nil
	})
	return out, err
}

// EquityCurve returns the run's equity samples in time order.
func (f *RunFile) EquityCurve(ctx context.Context) ([]types.EquityPoint, error) {
	path := f.m.BacktestRunPath(f.runID)
	var out []types.EquityPoint
	err := withRetry(ctx, f.logger, PartitionBacktest, "read equity", func() error {
		type row struct {
			TSMs   int64   `db:"ts_ms"`
			Equity float64 `db:"equity"`
		}
		var rows []row
		if err := f.db.Select(&rows, `SELECT ts_ms, equity FROM equity ORDER BY rowid`); err != nil {
			return classify(err, PartitionBacktest, "read equity", path)
		}
		out = out[:0]
		for _, r := range rows {
			out = append(out, types.EquityPoint{Time: fromMS(r.TSMs), Equity: r.Equity})
		}
		return nil
	})
	return out, err
}
