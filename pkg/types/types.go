// Package types defines shared data structures used across all packages.
//
// This package is the common vocabulary for the runtime — ticks, bars,
// instruments, signals, orders, fills, positions, and run records. It has no
// dependencies on internal packages, so it can be imported by any layer.
package types

import (
	"fmt"
	"time"
)

// OrderSide represents the direction of an order: BUY or SELL.
type OrderSide string

const (
	Buy  OrderSide = "BUY"
	Sell OrderSide = "SELL"
)

// Sign returns +1 for BUY and -1 for SELL.
func (s OrderSide) Sign() int64 {
	if s == Buy {
		return 1
	}
	return -1
}

// Opposite returns the other side.
func (s OrderSide) Opposite() OrderSide {
	if s == Buy {
		return Sell
	}
	return Buy
}

// OrderType enumerates the supported broker order types.
type OrderType string

const (
	OrderTypeMarket OrderType = "MARKET"
	OrderTypeLimit  OrderType = "LIMIT"
	OrderTypeSL     OrderType = "SL"   // stop-loss limit
	OrderTypeSLM    OrderType = "SL-M" // stop-loss market
)

// OrderStatus is the lifecycle state of an order.
// Transitions: CREATED → PARTIAL → FILLED; CREATED → CANCELLED/REJECTED;
// PARTIAL → FILLED/CANCELLED. FILLED, CANCELLED and REJECTED are terminal.
type OrderStatus string

const (
	OrderCreated   OrderStatus = "CREATED"
	OrderPartial   OrderStatus = "PARTIAL"
	OrderFilled    OrderStatus = "FILLED"
	OrderCancelled OrderStatus = "CANCELLED"
	OrderRejected  OrderStatus = "REJECTED"
)

// Terminal reports whether no further fills or transitions are accepted.
func (s OrderStatus) Terminal() bool {
	switch s {
	case OrderFilled, OrderCancelled, OrderRejected:
		return true
	}
	return false
}

// PositionSide is the direction of a net position.
type PositionSide string

const (
	Long  PositionSide = "LONG"
	Short PositionSide = "SHORT"
	Flat  PositionSide = "FLAT"
)

// Sign returns +1 for LONG, -1 for SHORT and 0 for FLAT.
func (s PositionSide) Sign() int64 {
	switch s {
	case Long:
		return 1
	case Short:
		return -1
	}
	return 0
}

// SignalType is the action a strategy requests.
type SignalType string

const (
	SignalBuy  SignalType = "BUY"
	SignalSell SignalType = "SELL"
	SignalExit SignalType = "EXIT" // close current position; direction resolved from position side
	SignalHold SignalType = "HOLD"
)

// ExecMode selects how the execution engine dispatches orders.
type ExecMode string

const (
	ModeDryRun ExecMode = "DRY_RUN" // log intent, never dispatch
	ModePaper  ExecMode = "PAPER"   // deterministic simulated fills
	ModeLive   ExecMode = "LIVE"    // real broker gateway
)

// ParseExecMode accepts the CLI spellings: dry_run, paper, live (any case).
func ParseExecMode(s string) (ExecMode, error) {
	switch ExecMode(normalizeUpper(s)) {
	case ModeDryRun:
		return ModeDryRun, nil
	case ModePaper:
		return ModePaper, nil
	case ModeLive:
		return ModeLive, nil
	}
	return "", fmt.Errorf("unknown execution mode %q (want dry_run, paper or live)", s)
}

func normalizeUpper(s string) string {
	b := []byte(s)
	for i := range b {
		if b[i] >= 'a' && b[i] <= 'z' {
			b[i] -= 'a' - 'A'
		}
	}
	return string(b)
}

// Tick is a single trade update from the exchange feed.
type Tick struct {
	Symbol       string    // canonical symbol key, see instrument.go
	ExchangeTSMs int64     // authoritative event time, milliseconds since epoch UTC
	IngestTS     time.Time // local receive time; telemetry only, never used for ordering
	Price        float64   // last traded price
	Volume       int64     // quantity traded at this tick
	Bid          float64   // best bid if the feed provides quotes, else 0
	Ask          float64   // best ask if the feed provides quotes, else 0
}

// ExchangeTime converts the millisecond event timestamp to a UTC instant.
func (t Tick) ExchangeTime() time.Time {
	return time.UnixMilli(t.ExchangeTSMs).UTC()
}

// OHLCVBar is a time-bucketed summary of trades for one symbol.
// Timestamp is the start of the interval, stored in UTC.
type OHLCVBar struct {
	Symbol    string
	Timestamp time.Time
	Open      float64
	High      float64
	Low       float64
	Close     float64
	Volume    int64
	Timeframe Timeframe
	Synthetic bool // true when produced by recovery backfill rather than the live feed
}

// Validate checks the OHLC ordering invariant and non-negative volume.
func (b OHLCVBar) Validate() error {
	lo, hi := b.Open, b.Open
	if b.Close < lo {
		lo = b.Close
	}
	if b.Close > hi {
		hi = b.Close
	}
	if b.Low > lo {
		return fmt.Errorf("bar %s@%s: low %.4f above min(open, close) %.4f", b.Symbol, b.Timestamp.Format(time.RFC3339), b.Low, lo)
	}
	if b.High < hi {
		return fmt.Errorf("bar %s@%s: high %.4f below max(open, close) %.4f", b.Symbol, b.Timestamp.Format(time.RFC3339), b.High, hi)
	}
	if b.Volume < 0 {
		return fmt.Errorf("bar %s@%s: negative volume %d", b.Symbol, b.Timestamp.Format(time.RFC3339), b.Volume)
	}
	return nil
}

// Well-known SignalEvent metadata keys. Exit parameters registered at entry
// drive the runner's TP/SL/time-stop engine; sizing keys are set by the
// batch backtest path.
const (
	MetaStopLoss = "sl"        // absolute stop-loss price
	MetaTarget   = "tp"        // absolute take-profit price
	MetaHoldBars = "h_bars"    // max bars to hold before time-stop
	MetaQty      = "qty"       // precomputed order quantity
	MetaCloseAll = "close_all" // 1 = close the full position, bypass sizing
	MetaPrice    = "px"        // execution price for EXIT signals (limit)
)

// SignalEvent is an immutable strategy output. EXIT signals carry no
// direction; the execution engine resolves it from the current position.
type SignalEvent struct {
	StrategyID string
	Symbol     string
	Timestamp  time.Time
	Type       SignalType
	Confidence float64            // [0, 1]
	Meta       map[string]float64 // see Meta* keys; nil means empty
}

// MetaValue returns the metadata value for key, or 0 if absent.
func (s SignalEvent) MetaValue(key string) float64 {
	if s.Meta == nil {
		return 0
	}
	return s.Meta[key]
}

// NormalizedOrder is the broker-agnostic order produced by the execution
// engine's factory. CorrelationID is generated per order and is the join key
// for fills; GroupID links the legs of a multi-leg order.
type NormalizedOrder struct {
	CorrelationID string
	SignalID      string
	StrategyID    string
	Instrument    Instrument
	Side          OrderSide
	Quantity      int64 // always > 0
	Type          OrderType
	LimitPrice    float64 // 0 for market orders
	CreatedAt     time.Time
	GroupID       string // empty for single-leg orders
}

// FillEvent is an incremental execution report. Several fills may arrive for
// one order; side and instrument are resolved through the order's
// CorrelationID.
type FillEvent struct {
	CorrelationID string
	BrokerOrderID string
	Quantity      int64
	Price         float64
	Time          time.Time
	Fees          float64
}

// OrderSnapshot is an immutable view of one tracked order.
// Invariant until terminal: FilledQty + RemainingQty == Order.Quantity.
type OrderSnapshot struct {
	Order        NormalizedOrder
	Status       OrderStatus
	FilledQty    int64
	RemainingQty int64
	AvgFillPrice float64 // volume-weighted over Fills
	Fills        []FillEvent
}

// Position is the net per-instrument position. Quantity is always >= 0;
// Side is FLAT exactly when Quantity is 0.
type Position struct {
	Instrument    Instrument
	Side          PositionSide
	Quantity      int64
	AvgEntryPrice float64
	RealizedPnL   float64
	LastUpdate    time.Time
}

// SignedQuantity returns quantity with LONG positive and SHORT negative.
func (p Position) SignedQuantity() int64 {
	return p.Quantity * p.Side.Sign()
}

// BrokerPosition is the broker's view of a net position, used by the
// reconciliation job. Quantity is signed: positive long, negative short.
type BrokerPosition struct {
	Symbol   string
	Quantity int64
	AvgPrice float64
}

// SignalState is the runner's per-(symbol, strategy) signal machine state.
type SignalState string

const (
	SignalPending   SignalState = "PENDING"
	SignalTriggered SignalState = "TRIGGERED"
	SignalCooldown  SignalState = "COOLDOWN"
)

// RunnerStatus reports whether a runner slot is actively processing bars.
type RunnerStatus string

const (
	RunnerRunning  RunnerStatus = "RUNNING"
	RunnerWaiting  RunnerStatus = "WAITING"
	RunnerDisabled RunnerStatus = "DISABLED"
)

// RunnerStateRecord is the persisted per-(symbol, strategy) runner row,
// consumed read-only by the dashboard.
type RunnerStateRecord struct {
	Symbol      string
	StrategyID  string
	Timeframe   Timeframe
	Bias        string // strategy-reported directional bias, free-form
	SignalState SignalState
	Confidence  float64
	LastBarTS   time.Time
	Status      RunnerStatus
	UpdatedAt   time.Time
}

// BacktestStatus is the lifecycle of a backtest run.
type BacktestStatus string

const (
	BacktestRunning   BacktestStatus = "RUNNING"
	BacktestCompleted BacktestStatus = "COMPLETED"
	BacktestFailed    BacktestStatus = "FAILED"
)

// BacktestMetrics summarizes a completed run.
type BacktestMetrics struct {
	Bars        int
	Signals     int
	Trades      int
	TotalFees   float64
	FinalEquity float64
	MaxDrawdown float64 // fraction of peak equity, [0, 1]
	WinRate     float64 // fraction of closing trades with positive PnL
	Sharpe      float64 // annualized, from per-trade returns
}

// BacktestRun is the index record for one run. Trades and equity samples are
// stored in the per-run file, not inline.
type BacktestRun struct {
	RunID       string
	StrategyID  string
	Symbol      string
	Start       time.Time
	End         time.Time
	Timeframe   Timeframe
	Params      map[string]string
	Status      BacktestStatus
	Metrics     BacktestMetrics
	CreatedAt   time.Time
	CompletedAt time.Time
	Error       string // set when Status == FAILED
}

// TradeRecord is one executed order in a backtest's trade stream.
type TradeRecord struct {
	Time        time.Time
	Symbol      string
	StrategyID  string
	Side        OrderSide
	Quantity    int64
	Price       float64
	Fees        float64
	RealizedPnL float64 // cumulative realized PnL after this trade
	Equity      float64 // equity sample at this trade event
}

// EquityPoint is one sample of the equity curve.
type EquityPoint struct {
	Time   time.Time
	Equity float64
}

// AnalyticsSnapshot is the read-only view an analytics producer exposes to
// strategies. Values carries indicator outputs keyed by name (e.g. "ema_20",
// "atr_14"); Regime is the producer's market-regime label.
type AnalyticsSnapshot struct {
	Symbol string
	AsOf   time.Time
	Values map[string]float64
	Regime string
}
