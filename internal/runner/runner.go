// Package runner is the deterministic per-bar trading loop: it pulls bars
// from a provider in a fixed symbol order, manages registered exits before
// any new entry, fans bars out to strategies and forwards their signals to
// the execution engine. The same loop drives live sessions and backtests;
// only the clock and the bar provider differ.
package runner

import (
	"context"
	"errors"
	"log/slog"
	"sort"
	"time"

	"quantdesk/internal/clock"
	"quantdesk/internal/execution"
	"quantdesk/internal/marketdata"
	"quantdesk/pkg/types"
)

// SignalSink is where emitted signals go; in production it is the
// execution engine.
type SignalSink interface {
	ProcessSignal(ctx context.Context, sig types.SignalEvent) (*types.NormalizedOrder, error)
}

// PositionReader exposes current positions for strategy context and exit
// management.
type PositionReader interface {
	Get(symbol string) (types.Position, bool)
}

// StateStore persists the per-(symbol, strategy) runner rows. nil disables
// persistence (backtests).
type StateStore interface {
	UpsertRunnerState(ctx context.Context, r types.RunnerStateRecord) error
}

// Slot pairs one strategy instance with its config.
type Slot struct {
	Strategy  Strategy
	Timeframe types.Timeframe
	Params    map[string]float64
}

// Params wires a Runner.
type Params struct {
	Symbols      []string
	Slots        []Slot
	Provider     marketdata.BarProvider
	Sink         SignalSink
	Positions    PositionReader
	Analytics    AnalyticsSnapshotReader // optional
	State        StateStore              // optional
	Clock        clock.Clock
	PollInterval time.Duration
	Logger       *slog.Logger
	OnBar        func(types.OHLCVBar) // optional; paper broker mark feed
}

// exitPlan is the stop/target/time-stop registered when an entry order
// succeeds.
type exitPlan struct {
	strategyID string
	side       types.PositionSide
	stopLoss   float64
	target     float64
	holdBars   int64
	entryIndex int64
}

type Runner struct {
	symbols      []string
	slots        []Slot
	provider     marketdata.BarProvider
	sink         SignalSink
	positions    PositionReader
	analytics    AnalyticsSnapshotReader
	state        StateStore
	clk          clock.Clock
	pollInterval time.Duration
	logger       *slog.Logger
	onBar        func(types.OHLCVBar)

	barIndex map[string]int64
	exits    map[string]*exitPlan

	barsProcessed  int64
	signalsEmitted int64
}

func New(p Params) *Runner {
	symbols := make([]string, len(p.Symbols))
	copy(symbols, p.Symbols)
	sort.Strings(symbols)
	if p.PollInterval <= 0 {
		p.PollInterval = 500 * time.Millisecond
	}
	return &Runner{
		symbols:      symbols,
		slots:        p.Slots,
		provider:     p.Provider,
		sink:         p.Sink,
		positions:    p.Positions,
		analytics:    p.Analytics,
		state:        p.State,
		clk:          p.Clock,
		pollInterval: p.PollInterval,
		logger:       p.Logger.With("component", "runner"),
		onBar:        p.OnBar,
		barIndex:     make(map[string]int64),
		exits:        make(map[string]*exitPlan),
	}
}

// BarsProcessed and SignalsEmitted feed backtest metrics.
func (r *Runner) BarsProcessed() int64  { return r.barsProcessed }
func (r *Runner) SignalsEmitted() int64 { return r.signalsEmitted }

// Run loops until the provider is exhausted (replay) or ctx is cancelled
// (live). Streaming providers that momentarily have no bar cause a poll
// sleep, never termination.
func (r *Runner) Run(ctx context.Context) error {
	exhausted := make(map[string]bool, len(r.symbols))
	for {
		if err := ctx.Err(); err != nil {
			if errors.Is(err, context.Canceled) {
				return nil
			}
			return err
		}

		progressed := false
		remaining := 0
		for _, symbol := range r.symbols {
			if exhausted[symbol] {
				continue
			}
			remaining++
			bar, err := r.provider.NextBar(ctx, symbol)
			if err != nil {
				return err
			}
			if bar == nil {
				if !r.provider.Streaming() {
					exhausted[symbol] = true
					remaining--
				}
				continue
			}
			progressed = true
			if err := r.processBar(ctx, *bar); err != nil {
				return err
			}
		}

		if remaining == 0 && !r.provider.Streaming() {
			r.logger.Info("replay exhausted", "bars", r.barsProcessed, "signals", r.signalsEmitted)
			return nil
		}
		if !progressed {
			select {
			case <-ctx.Done():
				return nil
			case <-time.After(r.pollInterval):
			}
		}
	}
}

func (r *Runner) processBar(ctx context.Context, bar types.OHLCVBar) error {
	if adv, ok := r.clk.(interface{ AdvanceTo(time.Time) }); ok {
		adv.AdvanceTo(bar.Timestamp)
	}
	index := r.barIndex[bar.Symbol]
	r.barIndex[bar.Symbol] = index + 1
	r.barsProcessed++

	if r.onBar != nil {
		r.onBar(bar)
	}

	exited := r.checkExit(ctx, bar, index)

	for _, slot := range r.slots {
		sctx := r.buildContext(ctx, bar.Symbol, slot.Params)
		sig, err := slot.Strategy.ProcessBar(bar, sctx)
		if err != nil {
			r.logger.Warn("strategy error",
				"strategy", slot.Strategy.ID(),
				"symbol", bar.Symbol,
				"error", err,
			)
			continue
		}
		emitted := false
		if sig != nil && sig.Type != types.SignalHold {
			switch {
			case exited && (sig.Type == types.SignalBuy || sig.Type == types.SignalSell):
				// No same-bar flip: the exit consumed this bar.
				r.logger.Debug("entry suppressed after same-bar exit",
					"strategy", slot.Strategy.ID(), "symbol", bar.Symbol)
			default:
				emitted = r.forwardSignal(ctx, *sig, index)
			}
		}
		r.persistState(ctx, bar, slot, sig, emitted)
	}
	return nil
}

// checkExit evaluates the registered exit plan against the bar, in strict
// priority: stop loss, target, time stop. Returns true when an EXIT was
// emitted, which suppresses entries for the rest of the bar.
func (r *Runner) checkExit(ctx context.Context, bar types.OHLCVBar, index int64) bool {
	plan, ok := r.exits[bar.Symbol]
	if !ok {
		return false
	}
	pos, held := r.positions.Get(bar.Symbol)
	if !held || pos.Side == types.Flat {
		delete(r.exits, bar.Symbol)
		return false
	}

	var exitPrice float64
	triggered := false
	switch plan.side {
	case types.Long:
		switch {
		case plan.stopLoss > 0 && bar.Low <= plan.stopLoss:
			exitPrice, triggered = plan.stopLoss, true
		case plan.target > 0 && bar.High >= plan.target:
			exitPrice, triggered = plan.target, true
		case plan.holdBars > 0 && index-plan.entryIndex >= plan.holdBars:
			exitPrice, triggered = bar.Close, true
		}
	case types.Short:
		switch {
		case plan.stopLoss > 0 && bar.High >= plan.stopLoss:
			exitPrice, triggered = plan.stopLoss, true
		case plan.target > 0 && bar.Low <= plan.target:
			exitPrice, triggered = plan.target, true
		case plan.holdBars > 0 && index-plan.entryIndex >= plan.holdBars:
			exitPrice, triggered = bar.Close, true
		}
	}
	if !triggered {
		return false
	}

	sig := types.SignalEvent{
		StrategyID: plan.strategyID,
		Symbol:     bar.Symbol,
		Timestamp:  bar.Timestamp,
		Type:       types.SignalExit,
		Confidence: 1,
		Meta: map[string]float64{
			types.MetaCloseAll: 1,
			types.MetaPrice:    exitPrice,
		},
	}
	order, err := r.sink.ProcessSignal(ctx, sig)
	if err != nil {
		var fe *execution.FactoryError
		if errors.As(err, &fe) {
			// Position vanished between check and dispatch; drop the plan.
			delete(r.exits, bar.Symbol)
			return false
		}
		r.logger.Warn("exit signal rejected", "symbol", bar.Symbol, "error", err)
		return false
	}
	r.signalsEmitted++
	if order != nil {
		delete(r.exits, bar.Symbol)
	}
	return true
}

// forwardSignal sends one strategy signal to the sink and registers exit
// params on a successful entry. Reports whether an order resulted.
func (r *Runner) forwardSignal(ctx context.Context, sig types.SignalEvent, index int64) bool {
	order, err := r.sink.ProcessSignal(ctx, sig)
	if err != nil {
		r.logger.Warn("signal rejected",
			"strategy", sig.StrategyID,
			"symbol", sig.Symbol,
			"type", sig.Type,
			"error", err,
		)
		return false
	}
	if order == nil {
		return false
	}
	r.signalsEmitted++

	if sig.Type == types.SignalBuy || sig.Type == types.SignalSell {
		sl := sig.MetaValue(types.MetaStopLoss)
		tp := sig.MetaValue(types.MetaTarget)
		hold := int64(sig.MetaValue(types.MetaHoldBars))
		if sl > 0 || tp > 0 || hold > 0 {
			side := types.Long
			if sig.Type == types.SignalSell {
				side = types.Short
			}
			r.exits[sig.Symbol] = &exitPlan{
				strategyID: sig.StrategyID,
				side:       side,
				stopLoss:   sl,
				target:     tp,
				holdBars:   hold,
				entryIndex: index,
			}
		}
	}
	return true
}

func (r *Runner) buildContext(ctx context.Context, symbol string, params map[string]float64) StrategyContext {
	sctx := StrategyContext{Symbol: symbol, Params: params}
	if pos, ok := r.positions.Get(symbol); ok {
		sctx.Position = pos
	}
	if r.analytics != nil {
		snap, err := r.analytics.GetLatest(ctx, symbol)
		if err != nil {
			r.logger.Debug("analytics unavailable", "symbol", symbol, "error", err)
		} else if snap != nil {
			sctx.Analytics = snap
			sctx.Regime = snap.Regime
		}
	}
	return sctx
}

func (r *Runner) persistState(ctx context.Context, bar types.OHLCVBar, slot Slot, sig *types.SignalEvent, emitted bool) {
	if r.state == nil {
		return
	}
	rec := types.RunnerStateRecord{
		Symbol:      bar.Symbol,
		StrategyID:  slot.Strategy.ID(),
		Timeframe:   slot.Timeframe,
		SignalState: types.SignalPending,
		LastBarTS:   bar.Timestamp,
		Status:      types.RunnerRunning,
		UpdatedAt:   r.clk.Now(),
	}
	if sig != nil {
		rec.Confidence = sig.Confidence
		if emitted {
			rec.SignalState = types.SignalTriggered
		}
	}
	if err := r.state.UpsertRunnerState(ctx, rec); err != nil {
		r.logger.Warn("runner state upsert failed",
			"symbol", bar.Symbol,
			"strategy", slot.Strategy.ID(),
			"error", err,
		)
	}
}
