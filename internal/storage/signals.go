package storage

import (
	"context"
	"log/slog"
	"os"
	"sync"
	"time"

	"github.com/jmoiron/sqlx"
)

// Insight is one derived record in the signals partition: scanner output,
// regime labels, and similar analyst-facing artifacts. Payload is free-form
// JSON owned by the producer.
type Insight struct {
	ID        int64
	Symbol    string
	Source    string
	Kind      string
	Payload   string
	CreatedAt time.Time
}

// SignalStore is the signals partition writer, owned by the scanner service.
// The trading core only bootstraps and health-checks this partition.
type SignalStore struct {
	m      *Manager
	lock   *WriterLock
	mu     *sync.Mutex
	logger *slog.Logger
	db     *sqlx.DB
}

func NewSignalStore(ctx context.Context, m *Manager, logger *slog.Logger) (*SignalStore, error) {
	lock, err := acquireWriterLock(ctx, m.logger, PartitionSignals, m.PartitionDir(PartitionSignals))
	if err != nil {
		return nil, err
	}
	db, err := openWritable(m.SignalsPath(), true)
	if err != nil {
		lock.Release()
		return nil, err
	}
	if err := ensureSchema(db, PartitionSignals, m.SignalsPath(), signalsSchema, signalsSchemaVersion); err != nil {
		db.Close()
		lock.Release()
		return nil, err
	}
	return &SignalStore{
		m:      m,
		lock:   lock,
		mu:     m.partitionMutex(PartitionSignals),
		logger: logger.With("component", "signal_store"),
		db:     db,
	}, nil
}

func (s *SignalStore) Close() error {
	s.db.Close()
	return s.lock.Release()
}

// Insert appends one insight.
func (s *SignalStore) Insert(ctx context.Context, in Insight) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return withRetry(ctx, s.logger, PartitionSignals, "insert insight", func() error {
		_, err := s.db.Exec(
			`INSERT INTO insights (symbol, source, kind, payload, created_at_ms) VALUES (?, ?, ?, ?, ?)`,
			in.Symbol, in.Source, in.Kind, in.Payload, toMS(in.CreatedAt),
		)
		return classify(err, PartitionSignals, "insert insight", s.m.SignalsPath())
	})
}

// ListBySymbol returns a symbol's insights, newest first, up to limit.
func (s *SignalStore) ListBySymbol(ctx context.Context, symbol string, limit int) ([]Insight, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []Insight
	err := withRetry(ctx, s.logger, PartitionSignals, "list insights", func() error {
		type row struct {
			ID          int64  `db:"id"`
			Symbol      string `db:"symbol"`
			Source      string `db:"source"`
			Kind        string `db:"kind"`
			Payload     string `db:"payload"`
			CreatedAtMs int64  `db:"created_at_ms"`
		}
		var rows []row
		if err := s.db.Select(&rows,
			`SELECT id, symbol, source, kind, payload, created_at_ms
			 FROM insights WHERE symbol = ? ORDER BY created_at_ms DESC, id DESC LIMIT ?`,
			symbol, limit,
		); err != nil {
			return classify(err, PartitionSignals, "list insights", s.m.SignalsPath())
		}
		out = out[:0]
		for _, r := range rows {
			out = append(out, Insight{
				ID:        r.ID,
				Symbol:    r.Symbol,
				Source:    r.Source,
				Kind:      r.Kind,
				Payload:   r.Payload,
				CreatedAt: fromMS(r.CreatedAtMs),
			})
		}
		return nil
	})
	return out, err
}

// InsightReader reads the signals partition without the OS lock, opening
// read-only per call like the live buffer reader. The scanner may be
// writing concurrently.
type InsightReader struct {
	m      *Manager
	mu     *sync.Mutex
	logger *slog.Logger
}

func NewInsightReader(m *Manager, logger *slog.Logger) *InsightReader {
	return &InsightReader{
		m:      m,
		mu:     m.partitionMutex(PartitionSignals),
		logger: logger.With("component", "insight_reader"),
	}
}

// Latest returns the newest insight of the given kind for a symbol, or nil
// when there is none. A missing signals file is silent: no scanner output yet.
func (r *InsightReader) Latest(ctx context.Context, symbol, kind string) (*Insight, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out *Insight
	err := withRetry(ctx, r.logger, PartitionSignals, "latest insight", func() error {
		db, err := openReadOnly(r.m.SignalsPath())
		if err != nil {
			if os.IsNotExist(err) {
				return nil
			}
			return err
		}
		defer db.Close()
		type row struct {
			ID          int64  `db:"id"`
			Symbol      string `db:"symbol"`
			Source      string `db:"source"`
			Kind        string `db:"kind"`
			Payload     string `db:"payload"`
			CreatedAtMs int64  `db:"created_at_ms"`
		}
		var rows []row
		if err := db.Select(&rows,
			`SELECT id, symbol, source, kind, payload, created_at_ms
			 FROM insights WHERE symbol = ? AND kind = ?
			 ORDER BY created_at_ms DESC, id DESC LIMIT 1`,
			symbol, kind,
		); err != nil {
			return classify(err, PartitionSignals, "latest insight", r.m.SignalsPath())
		}
		if len(rows) == 0 {
			out = nil
			return nil
		}
		out = &Insight{
			ID:        rows[0].ID,
			Symbol:    rows[0].Symbol,
			Source:    rows[0].Source,
			Kind:      rows[0].Kind,
			Payload:   rows[0].Payload,
			CreatedAt: fromMS(rows[0].CreatedAtMs),
		}
		return nil
	})
	return out, err
}
