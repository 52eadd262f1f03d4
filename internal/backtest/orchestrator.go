// Package backtest builds isolated replay runtimes and records their
// results. Each run gets its own replay clock, paper broker, trackers and
// idempotency scope; trades and per-trade equity samples land in the run's
// own file and the summary metrics in the backtest index.
package backtest

import (
	"context"
	"log/slog"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"quantdesk/internal/clock"
	"quantdesk/internal/config"
	"quantdesk/internal/execution"
	"quantdesk/internal/marketdata"
	"quantdesk/internal/orders"
	"quantdesk/internal/position"
	"quantdesk/internal/risk"
	"quantdesk/internal/runner"
	"quantdesk/internal/storage"
	"quantdesk/pkg/types"
)

// batchPrefix routes a strategy through the precomputed-event path instead
// of the per-bar call path.
const batchPrefix = "vec:"

// RunRequest describes one backtest. Params are free-form strings so they
// can be stored verbatim in the index; numeric values also reach the
// strategy as float params.
type RunRequest struct {
	StrategyID string
	Symbol     string
	Start      time.Time
	End        time.Time
	Timeframe  types.Timeframe // empty = 1m
	Params     map[string]string
}

// Params wires an Orchestrator. Clock is the wall clock used for run
// bookkeeping only; the run itself always gets a fresh replay clock.
// Events and Filter are needed only when batch-path strategies are used.
type Params struct {
	Manager       *storage.Manager
	Risk          config.RiskConfig
	Execution     config.ExecutionConfig
	Exchange      string
	InitialEquity float64 // 0 falls back to Risk.InitialEquity
	Clock         clock.Clock
	Events        EventComputer   // optional
	Filter        MetaModelFilter // optional
	Logger        *slog.Logger
}

type Orchestrator struct {
	manager       *storage.Manager
	riskCfg       config.RiskConfig
	execCfg       config.ExecutionConfig
	exchange      string
	initialEquity float64
	clk           clock.Clock
	events        EventComputer
	filter        MetaModelFilter
	logger        *slog.Logger
}

func New(p Params) *Orchestrator {
	if p.InitialEquity <= 0 {
		p.InitialEquity = p.Risk.InitialEquity
	}
	return &Orchestrator{
		manager:       p.Manager,
		riskCfg:       p.Risk,
		execCfg:       p.Execution,
		exchange:      p.Exchange,
		initialEquity: p.InitialEquity,
		clk:           p.Clock,
		events:        p.Events,
		filter:        p.Filter,
		logger:        p.Logger.With("component", "backtest"),
	}
}

// Run executes one backtest to exhaustion and returns its run id. The run
// is registered RUNNING up front and always ends COMPLETED or FAILED; a
// failure after registration still returns the run id alongside the error.
func (o *Orchestrator) Run(ctx context.Context, req RunRequest) (string, error) {
	tf := req.Timeframe
	if tf == "" {
		tf = types.TF1Min
	}
	runID := uuid.NewString()

	index, err := storage.NewBacktestIndex(ctx, o.manager, o.logger)
	if err != nil {
		return "", err
	}
	defer index.Close()

	run := types.BacktestRun{
		RunID:      runID,
		StrategyID: req.StrategyID,
		Symbol:     req.Symbol,
		Start:      req.Start,
		End:        req.End,
		Timeframe:  tf,
		Params:     req.Params,
		Status:     types.BacktestRunning,
		CreatedAt:  o.clk.Now(),
	}
	if err := index.Register(ctx, run); err != nil {
		return "", err
	}

	metrics, err := o.execute(ctx, runID, req, tf, run)
	if err != nil {
		if ferr := index.Fail(ctx, runID, err.Error(), o.clk.Now()); ferr != nil {
			o.logger.Error("marking run failed", "run_id", runID, "error", ferr)
		}
		return runID, err
	}
	if err := index.Complete(ctx, runID, metrics, o.clk.Now()); err != nil {
		return runID, err
	}
	o.logger.Info("backtest completed",
		"run_id", runID,
		"strategy", req.StrategyID,
		"symbol", req.Symbol,
		"bars", metrics.Bars,
		"trades", metrics.Trades,
		"final_equity", metrics.FinalEquity,
	)
	return runID, nil
}

// execute assembles the isolated runtime and drives it to exhaustion.
func (o *Orchestrator) execute(ctx context.Context, runID string, req RunRequest, tf types.Timeframe, run types.BacktestRun) (types.BacktestMetrics, error) {
	var zero types.BacktestMetrics

	replay := clock.NewReplay(req.Start)
	hist := storage.NewHistoricalStore(o.manager, o.logger)
	live := storage.NewLiveBufferReader(o.manager, o.logger)
	query := marketdata.NewUnifiedQuery(hist, live, o.exchange, replay)

	positions := position.NewTracker()
	broker := execution.NewPaperBroker(replay, o.execCfg.SlippageBps)
	recorder := newTradeRecorder()
	gate := risk.NewGate(o.riskCfg, replay, positions, recorder, nil, o.logger)
	eng := execution.NewEngine(execution.Params{
		Mode:          types.ModePaper,
		Scope:         runID,
		Clock:         replay,
		Orders:        orders.NewTracker(),
		Positions:     positions,
		Gate:          gate,
		Broker:        broker,
		Logger:        o.logger,
		DefaultQty:    o.execCfg.DefaultQty,
		InitialEquity: o.initialEquity,
	})
	broker.SubscribeFills(eng.HandleFill)

	runFile, err := storage.NewRunFile(o.manager, o.logger, runID)
	if err != nil {
		return zero, err
	}
	defer runFile.Close()
	if err := runFile.WriteMeta(ctx, run); err != nil {
		return zero, err
	}

	eng.OnFillApplied(func(out execution.FillOutcome) {
		tr := types.TradeRecord{
			Time:        out.Fill.Time,
			Symbol:      out.Order.Order.Instrument.Key(),
			StrategyID:  out.Order.Order.StrategyID,
			Side:        out.Order.Order.Side,
			Quantity:    out.Fill.Quantity,
			Price:       out.Fill.Price,
			Fees:        out.Fill.Fees,
			RealizedPnL: positions.TotalRealizedPnL(),
			Equity:      eng.Equity(),
		}
		recorder.Record(tr)
		if err := runFile.AppendTrade(ctx, tr); err != nil {
			o.logger.Error("recording trade failed", "run_id", runID, "error", err)
		}
	})

	strat, provider, err := o.buildStrategy(ctx, req, tf, query)
	if err != nil {
		return zero, err
	}

	r := runner.New(runner.Params{
		Symbols:   []string{req.Symbol},
		Slots:     []runner.Slot{{Strategy: strat, Timeframe: tf, Params: floatParams(req.Params)}},
		Provider:  provider,
		Sink:      eng,
		Positions: positions,
		Clock:     replay,
		Logger:    o.logger,
		OnBar:     func(b types.OHLCVBar) { broker.SetMark(b.Symbol, b.Close) },
	})
	if err := r.Run(ctx); err != nil {
		return zero, err
	}

	return summarize(int(r.BarsProcessed()), int(r.SignalsEmitted()), o.initialEquity, recorder.Trades()), nil
}

// buildStrategy resolves the per-bar or batch path and the bar provider that
// feeds it.
func (o *Orchestrator) buildStrategy(ctx context.Context, req RunRequest, tf types.Timeframe, query *marketdata.UnifiedQuery) (runner.Strategy, marketdata.BarProvider, error) {
	if strings.HasPrefix(req.StrategyID, batchPrefix) {
		bars, err := loadBars(ctx, query, req.Symbol, tf, req.Start, req.End)
		if err != nil {
			return nil, nil, err
		}
		strat, err := o.precompute(ctx, req, bars)
		if err != nil {
			return nil, nil, err
		}
		return strat, &memoryProvider{symbol: req.Symbol, bars: bars}, nil
	}

	base, err := marketdata.NewHistoryProvider(ctx, query, []string{req.Symbol}, req.Start, req.End)
	if err != nil {
		return nil, nil, err
	}
	var provider marketdata.BarProvider = base
	if tf != types.TF1Min {
		provider = marketdata.NewResampler(base, tf)
	}
	strat, err := runner.NewStrategy(req.StrategyID, floatParams(req.Params))
	if err != nil {
		return nil, nil, err
	}
	return strat, provider, nil
}

// loadBars drains a history provider (resampled when needed) into a slice.
// The batch path needs the full series in hand before the run starts.
func loadBars(ctx context.Context, query *marketdata.UnifiedQuery, symbol string, tf types.Timeframe, start, end time.Time) ([]types.OHLCVBar, error) {
	base, err := marketdata.NewHistoryProvider(ctx, query, []string{symbol}, start, end)
	if err != nil {
		return nil, err
	}
	var p marketdata.BarProvider = base
	if tf != types.TF1Min {
		p = marketdata.NewResampler(base, tf)
	}
	var out []types.OHLCVBar
	for {
		bar, err := p.NextBar(ctx, symbol)
		if err != nil {
			return nil, err
		}
		if bar == nil {
			return out, nil
		}
		out = append(out, *bar)
	}
}

// memoryProvider replays preloaded bars. Used by the batch path, which has
// already consumed the storage-backed provider to compute events.
type memoryProvider struct {
	symbol string
	bars   []types.OHLCVBar
	cursor int
}

func (p *memoryProvider) Streaming() bool { return false }

func (p *memoryProvider) NextBar(_ context.Context, symbol string) (*types.OHLCVBar, error) {
	if symbol != p.symbol || p.cursor >= len(p.bars) {
		return nil, nil
	}
	bar := p.bars[p.cursor]
	p.cursor++
	return &bar, nil
}

// tradeRecorder keeps the run's trade stream in memory for metrics and
// doubles as the risk gate's trade counter.
type tradeRecorder struct {
	mu     sync.Mutex
	trades []types.TradeRecord
}

func newTradeRecorder() *tradeRecorder {
	return &tradeRecorder{}
}

func (r *tradeRecorder) Record(tr types.TradeRecord) {
	r.mu.Lock()
	r.trades = append(r.trades, tr)
	r.mu.Unlock()
}

func (r *tradeRecorder) Trades() []types.TradeRecord {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]types.TradeRecord, len(r.trades))
	copy(out, r.trades)
	return out
}

func (r *tradeRecorder) CountTradesSince(_ context.Context, cutoff time.Time) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, tr := range r.trades {
		if !tr.Time.Before(cutoff) {
			n++
		}
	}
	return n, nil
}

// floatParams extracts the numeric run parameters for the strategy context;
// non-numeric values stay index-only.
func floatParams(params map[string]string) map[string]float64 {
	out := make(map[string]float64, len(params))
	for k, s := range params {
		if v, err := strconv.ParseFloat(s, 64); err == nil {
			out[k] = v
		}
	}
	return out
}
