package storage

// DDL per partition. Timestamps are stored as milliseconds since epoch UTC
// (the *_ms suffix); session alignment happens above the storage layer.

const tickSchema = `
CREATE TABLE IF NOT EXISTS ticks (
	symbol         TEXT    NOT NULL,
	exchange_ts_ms INTEGER NOT NULL,
	ingest_ts_ms   INTEGER NOT NULL,
	price          REAL    NOT NULL,
	volume         INTEGER NOT NULL,
	bid            REAL    NOT NULL DEFAULT 0,
	ask            REAL    NOT NULL DEFAULT 0
);
CREATE INDEX IF NOT EXISTS idx_ticks_symbol_ts ON ticks(symbol, exchange_ts_ms);
`

const candleSchema = `
CREATE TABLE IF NOT EXISTS candles (
	symbol    TEXT    NOT NULL,
	ts_ms     INTEGER NOT NULL,
	timeframe TEXT    NOT NULL,
	open      REAL    NOT NULL,
	high      REAL    NOT NULL,
	low       REAL    NOT NULL,
	close     REAL    NOT NULL,
	volume    INTEGER NOT NULL,
	synthetic INTEGER NOT NULL DEFAULT 0,
	PRIMARY KEY (symbol, timeframe, ts_ms)
);
`

const tradingSchema = `
CREATE TABLE IF NOT EXISTS orders (
	correlation_id  TEXT PRIMARY KEY,
	signal_id       TEXT    NOT NULL,
	strategy_id     TEXT    NOT NULL,
	symbol          TEXT    NOT NULL,
	side            TEXT    NOT NULL,
	quantity        INTEGER NOT NULL,
	order_type      TEXT    NOT NULL,
	limit_price     REAL    NOT NULL DEFAULT 0,
	group_id        TEXT    NOT NULL DEFAULT '',
	broker_order_id TEXT    NOT NULL DEFAULT '',
	status          TEXT    NOT NULL,
	created_at_ms   INTEGER NOT NULL
);
CREATE TABLE IF NOT EXISTS fills (
	id              INTEGER PRIMARY KEY AUTOINCREMENT,
	correlation_id  TEXT    NOT NULL,
	broker_order_id TEXT    NOT NULL DEFAULT '',
	quantity        INTEGER NOT NULL,
	price           REAL    NOT NULL,
	fill_time_ms    INTEGER NOT NULL,
	fees            REAL    NOT NULL DEFAULT 0
);
CREATE INDEX IF NOT EXISTS idx_fills_order ON fills(correlation_id, fill_time_ms);
CREATE TABLE IF NOT EXISTS positions (
	symbol          TEXT PRIMARY KEY,
	side            TEXT    NOT NULL,
	quantity        INTEGER NOT NULL,
	avg_entry_price REAL    NOT NULL,
	realized_pnl    REAL    NOT NULL,
	last_update_ms  INTEGER NOT NULL
);
`

const signalsSchema = `
CREATE TABLE IF NOT EXISTS insights (
	id            INTEGER PRIMARY KEY AUTOINCREMENT,
	symbol        TEXT    NOT NULL,
	source        TEXT    NOT NULL,
	kind          TEXT    NOT NULL,
	payload       TEXT    NOT NULL,
	created_at_ms INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_insights_symbol ON insights(symbol, created_at_ms);
`

const configSchema = `
CREATE TABLE IF NOT EXISTS users (
	id            INTEGER PRIMARY KEY AUTOINCREMENT,
	name          TEXT    NOT NULL UNIQUE,
	created_at_ms INTEGER NOT NULL
);
CREATE TABLE IF NOT EXISTS watchlists (
	name          TEXT PRIMARY KEY,
	symbols       TEXT    NOT NULL,
	updated_at_ms INTEGER NOT NULL
);
CREATE TABLE IF NOT EXISTS runner_state (
	symbol         TEXT    NOT NULL,
	strategy_id    TEXT    NOT NULL,
	timeframe      TEXT    NOT NULL,
	bias           TEXT    NOT NULL DEFAULT '',
	signal_state   TEXT    NOT NULL,
	confidence     REAL    NOT NULL DEFAULT 0,
	last_bar_ts_ms INTEGER NOT NULL DEFAULT 0,
	status         TEXT    NOT NULL,
	updated_at_ms  INTEGER NOT NULL,
	PRIMARY KEY (symbol, strategy_id)
);
`

const backtestIndexSchema = `
CREATE TABLE IF NOT EXISTS runs (
	run_id          TEXT PRIMARY KEY,
	strategy_id     TEXT    NOT NULL,
	symbol          TEXT    NOT NULL,
	start_ms        INTEGER NOT NULL,
	end_ms          INTEGER NOT NULL,
	timeframe       TEXT    NOT NULL,
	params          TEXT    NOT NULL DEFAULT '{}',
	status          TEXT    NOT NULL,
	metrics         TEXT    NOT NULL DEFAULT '{}',
	error           TEXT    NOT NULL DEFAULT '',
	created_at_ms   INTEGER NOT NULL,
	completed_at_ms INTEGER NOT NULL DEFAULT 0
);
`

const backtestRunSchema = `
CREATE TABLE IF NOT EXISTS meta (
	key   TEXT PRIMARY KEY,
	value TEXT NOT NULL
);
CREATE TABLE IF NOT EXISTS trades (
	id           INTEGER PRIMARY KEY AUTOINCREMENT,
	ts_ms        INTEGER NOT NULL,
	symbol       TEXT    NOT NULL,
	strategy_id  TEXT    NOT NULL,
	side         TEXT    NOT NULL,
	quantity     INTEGER NOT NULL,
	price        REAL    NOT NULL,
	fees         REAL    NOT NULL,
	realized_pnl REAL    NOT NULL,
	equity       REAL    NOT NULL
);
CREATE TABLE IF NOT EXISTS equity (
	ts_ms  INTEGER NOT NULL,
	equity REAL    NOT NULL
);
`
