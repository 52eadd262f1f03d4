package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/jmoiron/sqlx"

	"quantdesk/pkg/types"
)

// ConfigStore holds users, watchlists and the runner_state table. The
// dashboard owns users and watchlists; the live runner owns runner_state
// rows while a session is active. Both go through this store, which holds
// the partition's writer lock for its lifetime.
type ConfigStore struct {
	m      *Manager
	lock   *WriterLock
	mu     *sync.Mutex
	logger *slog.Logger
	db     *sqlx.DB
}

func NewConfigStore(ctx context.Context, m *Manager, logger *slog.Logger) (*ConfigStore, error) {
	lock, err := acquireWriterLock(ctx, m.logger, PartitionConfig, m.PartitionDir(PartitionConfig))
	if err != nil {
		return nil, err
	}
	db, err := openWritable(m.ConfigPath(), true)
	if err != nil {
		lock.Release()
		return nil, err
	}
	if err := ensureSchema(db, PartitionConfig, m.ConfigPath(), configSchema, configSchemaVersion); err != nil {
		db.Close()
		lock.Release()
		return nil, err
	}
	return &ConfigStore{
		m:      m,
		lock:   lock,
		mu:     m.partitionMutex(PartitionConfig),
		logger: logger.With("component", "config_store"),
		db:     db,
	}, nil
}

func (s *ConfigStore) Close() error {
	s.db.Close()
	return s.lock.Release()
}

// UpsertRunnerState persists one (symbol, strategy) runner row.
func (s *ConfigStore) UpsertRunnerState(ctx context.Context, r types.RunnerStateRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return withRetry(ctx, s.logger, PartitionConfig, "upsert runner state", func() error {
		_, err := s.db.Exec(
			`INSERT INTO runner_state (symbol, strategy_id, timeframe, bias, signal_state, confidence,
				last_bar_ts_ms, status, updated_at_ms)
			 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
			 ON CONFLICT(symbol, strategy_id) DO UPDATE SET
				timeframe = excluded.timeframe,
				bias = excluded.bias,
				signal_state = excluded.signal_state,
				confidence = excluded.confidence,
				last_bar_ts_ms = excluded.last_bar_ts_ms,
				status = excluded.status,
				updated_at_ms = excluded.updated_at_ms`,
			r.Symbol, r.StrategyID, string(r.Timeframe), r.Bias, string(r.SignalState), r.Confidence,
			toMS(r.LastBarTS), string(r.Status), toMS(r.UpdatedAt),
		)
		return classify(err, PartitionConfig, "upsert runner state", s.m.ConfigPath())
	})
}

// ListRunnerStates returns all runner rows, ordered for stable snapshots.
func (s *ConfigStore) ListRunnerStates(ctx context.Context) ([]types.RunnerStateRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []types.RunnerStateRecord
	err := withRetry(ctx, s.logger, PartitionConfig, "list runner states", func() error {
		type row struct {
			Symbol      string  `db:"symbol"`
			StrategyID  string  `db:"strategy_id"`
			Timeframe   string  `db:"timeframe"`
			Bias        string  `db:"bias"`
			SignalState string  `db:"signal_state"`
			Confidence  float64 `db:"confidence"`
			LastBarTSMs int64   `db:"last_bar_ts_ms"`
			Status      string  `db:"status"`
			UpdatedAtMs int64   `db:"updated_at_ms"`
		}
		var rows []row
		if err := s.db.Select(&rows,
			`SELECT symbol, strategy_id, timeframe, bias, signal_state, confidence,
				last_bar_ts_ms, status, updated_at_ms
			 FROM runner_state ORDER BY symbol, strategy_id`,
		); err != nil {
			return classify(err, PartitionConfig, "list runner states", s.m.ConfigPath())
		}
		out = out[:0]
		for _, r := range rows {
			out = append(out, types.RunnerStateRecord{
				Symbol:      r.Symbol,
				StrategyID:  r.StrategyID,
				Timeframe:   types.Timeframe(r.Timeframe),
				Bias:        r.Bias,
				SignalState: types.SignalState(r.SignalState),
				Confidence:  r.Confidence,
				LastBarTS:   fromMS(r.LastBarTSMs),
				Status:      types.RunnerStatus(r.Status),
				UpdatedAt:   fromMS(r.UpdatedAtMs),
			})
		}
		return nil
	})
	return out, err
}

// SaveWatchlist stores a named list of symbol keys.
func (s *ConfigStore) SaveWatchlist(ctx context.Context, name string, symbols []string) error {
	payload, err := json.Marshal(symbols)
	if err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return withRetry(ctx, s.logger, PartitionConfig, "save watchlist", func() error {
		_, err := s.db.Exec(
			`INSERT INTO watchlists (name, symbols, updated_at_ms) VALUES (?, ?, ?)
			 ON CONFLICT(name) DO UPDATE SET symbols = excluded.symbols, updated_at_ms = excluded.updated_at_ms`,
			name, string(payload), toMS(time.Now()),
		)
		return classify(err, PartitionConfig, "save watchlist", s.m.ConfigPath())
	})
}

// Watchlist returns the symbols in a named watchlist; ok is false when the
// list does not exist.
func (s *ConfigStore) Watchlist(ctx context.Context, name string) ([]string, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var symbols []string
	found := false
	err := withRetry(ctx, s.logger, PartitionConfig, "read watchlist", func() error {
		var payload string
		err := s.db.Get(&payload, `SELECT symbols FROM watchlists WHERE name = ?`, name)
		if err != nil {
			if errors.Is(err, sql.ErrNoRows) {
				return nil
			}
			return classify(err, PartitionConfig, "read watchlist", s.m.ConfigPath())
		}
		found = true
		return json.Unmarshal([]byte(payload), &symbols)
	})
	return symbols, found, err
}

// EnsureUser inserts a user if absent.
func (s *ConfigStore) EnsureUser(ctx context.Context, name string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return withRetry(ctx, s.logger, PartitionConfig, "ensure user", func() error {
		_, err := s.db.Exec(
			`INSERT OR IGNORE INTO users (name, created_at_ms) VALUES (?, ?)`,
			name, toMS(time.Now()),
		)
		return classify(err, PartitionConfig, "ensure user", s.m.ConfigPath())
	})
}
