package storage

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/jmoiron/sqlx"
	_ "github.com/mattn/go-sqlite3"
)

// File extensions: per-day and live-buffer market files are plain sqlite
// rewritten wholesale at EOD; service databases run WAL for concurrent
// readers.
const (
	marketDBExt = ".sqlite"
	walDBExt    = ".db"
)

// Expected schema versions, enforced through PRAGMA user_version. A writer
// refuses to run against a partition whose version differs.
const (
	marketSchemaVersion   = 1
	tradingSchemaVersion  = 1
	signalsSchemaVersion  = 1
	configSchemaVersion   = 1
	backtestSchemaVersion = 1
)

// Manager is the per-process connection registry: it owns partition paths,
// per-partition in-process mutexes, and the sqlite connection factory.
// It is constructed once per process and injected everywhere storage is
// needed; there is no other process-wide state.
type Manager struct {
	root   string
	logger *slog.Logger

	mu    sync.Mutex
	muxes map[Partition]*sync.Mutex
}

// NewManager returns a Manager rooted at dir. No IO happens until a store
// is opened or InitAll is called.
func NewManager(dir string, logger *slog.Logger) *Manager {
	return &Manager{
		root:   dir,
		logger: logger.With("component", "storage"),
		muxes:  make(map[Partition]*sync.Mutex),
	}
}

// Root returns the data directory.
func (m *Manager) Root() string { return m.root }

// partitionMutex returns the in-process mutex for a partition. Readers and
// writers in one process serialize on it so cooperating goroutines do not
// compete for the OS lock.
func (m *Manager) partitionMutex(p Partition) *sync.Mutex {
	m.mu.Lock()
	defer m.mu.Unlock()
	mux, ok := m.muxes[p]
	if !ok {
		mux = &sync.Mutex{}
		m.muxes[p] = mux
	}
	return mux
}

// PartitionDir maps a partition to its directory.
func (m *Manager) PartitionDir(p Partition) string {
	switch p {
	case PartitionHistorical:
		return filepath.Join(m.root, "market_data")
	case PartitionLiveBuffer:
		return filepath.Join(m.root, "live_buffer")
	case PartitionTrading:
		return filepath.Join(m.root, "trading")
	case PartitionSignals:
		return filepath.Join(m.root, "signals")
	case PartitionConfig:
		return filepath.Join(m.root, "config")
	case PartitionBacktest:
		return filepath.Join(m.root, "backtest")
	}
	return filepath.Join(m.root, string(p))
}

func (m *Manager) LiveTicksPath() string {
	return filepath.Join(m.PartitionDir(PartitionLiveBuffer), "ticks_today"+marketDBExt)
}

func (m *Manager) LiveCandlesPath() string {
	return filepath.Join(m.PartitionDir(PartitionLiveBuffer), "candles_today"+marketDBExt)
}

func (m *Manager) TradingPath() string {
	return filepath.Join(m.PartitionDir(PartitionTrading), "trading"+walDBExt)
}

func (m *Manager) SignalsPath() string {
	return filepath.Join(m.PartitionDir(PartitionSignals), "signals"+walDBExt)
}

func (m *Manager) ConfigPath() string {
	return filepath.Join(m.PartitionDir(PartitionConfig), "config"+walDBExt)
}

func (m *Manager) BacktestIndexPath() string {
	return filepath.Join(m.PartitionDir(PartitionBacktest), "summaries", "backtest_index"+walDBExt)
}

func (m *Manager) BacktestRunPath(runID string) string {
	return filepath.Join(m.PartitionDir(PartitionBacktest), "runs", runID+marketDBExt)
}

// HistoricalTicksPath is the per-day tick file for a closed trading day.
func (m *Manager) HistoricalTicksPath(exchange string, date time.Time) string {
	return filepath.Join(m.PartitionDir(PartitionHistorical), exchange, "ticks", date.Format("2006-01-02")+marketDBExt)
}

// HistoricalCandlesPath is the per-day candle file for one timeframe.
func (m *Manager) HistoricalCandlesPath(exchange, timeframe string, date time.Time) string {
	return filepath.Join(m.PartitionDir(PartitionHistorical), exchange, "candles", timeframe, date.Format("2006-01-02")+marketDBExt)
}

// BackupDir is where rollover and operators park pre-mutation copies.
func (m *Manager) BackupDir(sub string) string {
	return filepath.Join(m.root, "backups", sub)
}

// openWritable opens (creating if needed) a database for the partition's
// writer. WAL is enabled for service databases; market files stay in the
// default journal mode because they are renamed wholesale at EOD.
func openWritable(path string, wal bool) (*sqlx.DB, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create dir for %s: %w", path, err)
	}
	dsn := "file:" + path + "?_busy_timeout=500"
	if wal {
		dsn += "&_journal_mode=WAL"
	}
	db, err := sqlx.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", path, err)
	}
	// A single connection keeps one writer per handle and makes
	// transaction scope obvious.
	db.SetMaxOpenConns(1)
	return db, nil
}

// openReadOnly opens an existing database in read-only mode. Missing files
// surface as os.ErrNotExist so callers can treat absence as empty.
func openReadOnly(path string) (*sqlx.DB, error) {
	if _, err := os.Stat(path); err != nil {
		return nil, err
	}
	db, err := sqlx.Open("sqlite3", "file:"+path+"?mode=ro&_busy_timeout=500")
	if err != nil {
		return nil, fmt.Errorf("open %s read-only: %w", path, err)
	}
	db.SetMaxOpenConns(1)
	return db, nil
}

// ensureSchema applies the schema to a fresh database or verifies the
// version of an existing one. A version mismatch is an IntegrityError.
func ensureSchema(db *sqlx.DB, partition Partition, path, schema string, version int) error {
	var current int
	if err := db.Get(&current, "PRAGMA user_version"); err != nil {
		return classify(err, partition, "read schema version", path)
	}
	switch current {
	case version:
		return nil
	case 0:
		if _, err := db.Exec(schema); err != nil {
			return classify(err, partition, "apply schema", path)
		}
		if _, err := db.Exec(fmt.Sprintf("PRAGMA user_version = %d", version)); err != nil {
			return classify(err, partition, "set schema version", path)
		}
		return nil
	default:
		return &IntegrityError{
			Partition: partition,
			Path:      path,
			Detail:    fmt.Sprintf("schema version %d, expected %d", current, version),
		}
	}
}

// integrityCheck runs PRAGMA integrity_check against a database file.
func integrityCheck(path string, partition Partition) error {
	db, err := openReadOnly(path)
	if err != nil {
		return err
	}
	defer db.Close()
	var result string
	if err := db.Get(&result, "PRAGMA integrity_check"); err != nil {
		return classify(err, partition, "integrity check", path)
	}
	if result != "ok" {
		return &IntegrityError{Partition: partition, Path: path, Detail: result}
	}
	return nil
}

func toMS(t time.Time) int64 { return t.UTC().UnixMilli() }

func fromMS(ms int64) time.Time { return time.UnixMilli(ms).UTC() }
