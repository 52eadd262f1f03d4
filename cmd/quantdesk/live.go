package main

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"sync"

	"quantdesk/internal/clock"
	"quantdesk/internal/config"
	"quantdesk/internal/execution"
	"quantdesk/internal/gateway"
	"quantdesk/internal/marketdata"
	"quantdesk/internal/orders"
	"quantdesk/internal/position"
	"quantdesk/internal/risk"
	"quantdesk/internal/runner"
	"quantdesk/internal/storage"
	"quantdesk/internal/telemetry"
	"quantdesk/pkg/types"
)

// cmdLiveRunner runs the trading session: bars from the unified query feed
// the strategy loop, signals pass the risk gate, orders go to the broker
// selected by the execution mode. State is rebuilt from the trading
// partition on startup, so a mid-session restart does not redispatch.
func cmdLiveRunner(args []string) error {
	fs := newFlagSet("live_runner")
	modeFlag := fs.String("mode", "", "execution mode override: DRY_RUN, PAPER or LIVE")
	symbolsFlag := fs.String("symbols", "", "comma-separated symbol keys (default: config, then the default watchlist)")
	strategiesFlag := fs.String("strategies", "", "comma-separated strategy ids (default: runner.strategies)")
	fs.Parse(args)

	a, err := newApp()
	if err != nil {
		return err
	}
	if *modeFlag != "" {
		a.cfg.Mode = *modeFlag
		if err := a.cfg.Validate(); err != nil {
			a.logger.Error("invalid config after mode override", "error", err)
			return errUsage
		}
	}
	mode, _ := a.cfg.ExecMode()

	ctx, stop := signalContext()
	defer stop()

	clk := clock.NewReal()
	metrics := telemetry.NewMetrics()
	if addr := a.cfg.Telemetry.MetricsAddr; addr != "" {
		go metrics.Serve(ctx, addr, a.logger)
	}
	bus := a.connectBus()
	defer bus.Close()

	cs, err := storage.NewConfigStore(ctx, a.manager, a.logger)
	if err != nil {
		a.logger.Error("failed to open config partition", "error", err)
		return err
	}
	defer cs.Close()

	symbols, err := resolveSymbols(ctx, a, cs, *symbolsFlag)
	if err != nil {
		return err
	}
	slots, err := buildSlots(a.cfg, *strategiesFlag)
	if err != nil {
		a.logger.Error("strategy setup failed", "error", err)
		return err
	}
	tf, _ := types.ParseTimeframe(a.cfg.Runner.Timeframe)

	ts, err := storage.NewTradingStore(ctx, a.manager, a.logger)
	if err != nil {
		a.logger.Error("failed to open trading partition", "error", err)
		return err
	}
	defer ts.Close()

	hist := storage.NewHistoricalStore(a.manager, a.logger)
	liveReader := storage.NewLiveBufferReader(a.manager, a.logger)
	query := marketdata.NewUnifiedQuery(hist, liveReader, a.cfg.Market.Exchange, clk)
	var provider marketdata.BarProvider = marketdata.NewLiveProvider(query, clk)
	if tf != types.TF1Min {
		provider = marketdata.NewResampler(provider, tf)
	}

	positions := position.NewTracker()
	orderTracker := orders.NewTracker()
	gate := risk.NewGate(a.cfg.Risk, clk, positions, ts, nil, a.logger)

	var (
		broker execution.BrokerAdapter
		fills  execution.FillSource
		paper  *execution.PaperBroker
	)
	switch mode {
	case types.ModeLive:
		gwc := gateway.NewClient(a.cfg.Broker, a.logger)
		broker, fills = gwc, gwc
	case types.ModePaper:
		paper = execution.NewPaperBroker(clk, a.cfg.Execution.SlippageBps)
		broker, fills = paper, paper
	case types.ModeDryRun:
		// No broker: the engine logs intent and stops there.
	}

	eng := execution.NewEngine(execution.Params{
		Mode:          mode,
		Scope:         "session-" + types.TradingDate(clk.Now()).Format("2006-01-02"),
		Clock:         clk,
		Orders:        orderTracker,
		Positions:     positions,
		Gate:          gate,
		Broker:        broker,
		Store:         ts,
		Bus:           bus,
		Metrics:       metrics,
		Logger:        a.logger,
		BrokerTimeout: a.cfg.Execution.BrokerTimeout,
		DefaultQty:    a.cfg.Execution.DefaultQty,
		InitialEquity: a.cfg.Risk.InitialEquity,
	})
	if err := eng.Rebuild(ctx); err != nil {
		a.logger.Error("state rebuild failed", "error", err)
		return err
	}

	var wg sync.WaitGroup
	eng.StartFillWorker(ctx, &wg)
	if fills != nil {
		fills.SubscribeFills(eng.HandleFill)
	}
	if gwc, ok := broker.(*gateway.Client); ok {
		wg.Add(1)
		go func() {
			defer wg.Done()
			gwc.PollFills(ctx)
		}()
	}
	if broker != nil {
		rec := execution.NewReconciler(positions, broker, a.cfg.Execution.ReconcileInterval,
			a.cfg.Telemetry.Node, bus, metrics, a.logger)
		rec.Run(ctx, &wg)
	}
	go heartbeat(ctx, bus, a.cfg.Telemetry.Node, "live_runner")

	warmupStrategies(ctx, a, query, clk, symbols, slots, tf)

	var onBar func(types.OHLCVBar)
	if paper != nil {
		onBar = func(b types.OHLCVBar) { paper.SetMark(b.Symbol, b.Close) }
	}
	r := runner.New(runner.Params{
		Symbols:      symbols,
		Slots:        slots,
		Provider:     provider,
		Sink:         eng,
		Positions:    positions,
		Analytics:    &analyticsReader{inner: storage.NewInsightReader(a.manager, a.logger)},
		State:        cs,
		Clock:        clk,
		PollInterval: a.cfg.Runner.PollInterval,
		Logger:       a.logger,
		OnBar:        onBar,
	})

	if mode == types.ModeDryRun {
		a.logger.Warn("DRY-RUN MODE — orders will be logged, not dispatched")
	}
	a.logger.Info("live runner started",
		"mode", mode,
		"symbols", len(symbols),
		"strategies", len(slots),
		"timeframe", string(tf),
	)

	err = r.Run(ctx)
	stop()
	wg.Wait()
	if err != nil {
		a.logger.Error("runner stopped with error", "error", err)
		return err
	}
	a.logger.Info("live runner stopped")
	return nil
}

// resolveSymbols picks the traded universe: the --symbols flag wins, then
// market.symbols, then the "default" watchlist in the config partition.
func resolveSymbols(ctx context.Context, a *app, cs *storage.ConfigStore, flagVal string) ([]string, error) {
	symbols := a.cfg.Market.Symbols
	if flagVal != "" {
		symbols = splitList(flagVal)
	}
	if len(symbols) == 0 {
		wl, ok, err := cs.Watchlist(ctx, "default")
		if err != nil {
			a.logger.Error("watchlist lookup failed", "error", err)
			return nil, err
		}
		if !ok || len(wl) == 0 {
			a.logger.Error("no symbols: set --symbols, market.symbols, or the default watchlist")
			return nil, errors.New("no symbols configured")
		}
		symbols = wl
		a.logger.Info("using default watchlist", "symbols", len(wl))
	}
	for _, sym := range symbols {
		if _, err := types.ParseSymbolKey(sym); err != nil {
			a.logger.Error("bad symbol key", "symbol", sym, "error", err)
			return nil, err
		}
	}
	return symbols, nil
}

// buildSlots instantiates the configured strategies; a --strategies value
// replaces the config slots with bare (default-param) instances.
func buildSlots(cfg *config.Config, flagVal string) ([]runner.Slot, error) {
	slotCfgs := cfg.Runner.Strategies
	if flagVal != "" {
		slotCfgs = nil
		for _, id := range splitList(flagVal) {
			slotCfgs = append(slotCfgs, config.StrategySlot{ID: id})
		}
	}
	if len(slotCfgs) == 0 {
		return nil, errors.New("no strategies: set --strategies or runner.strategies")
	}

	defaultTF, err := types.ParseTimeframe(cfg.Runner.Timeframe)
	if err != nil {
		return nil, err
	}
	slots := make([]runner.Slot, 0, len(slotCfgs))
	for _, sc := range slotCfgs {
		tf := defaultTF
		if sc.Timeframe != "" {
			if tf, err = types.ParseTimeframe(sc.Timeframe); err != nil {
				return nil, err
			}
		}
		strat, err := runner.NewStrategy(sc.ID, sc.Params)
		if err != nil {
			return nil, err
		}
		slots = append(slots, runner.Slot{Strategy: strat, Timeframe: tf, Params: sc.Params})
	}
	return slots, nil
}

// warmupStrategies replays the most recent stored 1-minute bars through the
// strategies at the session timeframe, discarding any signals, so indicator
// state is primed before the first live bar.
func warmupStrategies(ctx context.Context, a *app, query *marketdata.UnifiedQuery, clk clock.Clock,
	symbols []string, slots []runner.Slot, tf types.Timeframe) {
	warmup := a.cfg.Runner.WarmupBars
	if warmup <= 0 {
		return
	}
	now := clk.Now()
	for _, sym := range symbols {
		bars, err := query.GetCandles(ctx, sym, types.TF1Min, now.AddDate(0, 0, -7), now)
		if err != nil {
			a.logger.Warn("warmup fetch failed", "symbol", sym, "error", err)
			continue
		}
		if len(bars) > warmup {
			bars = bars[len(bars)-warmup:]
		}
		if len(bars) == 0 {
			continue
		}
		var provider marketdata.BarProvider = &sliceProvider{symbol: sym, bars: bars}
		if tf != types.TF1Min {
			provider = marketdata.NewResampler(provider, tf)
		}
		fed := 0
		for {
			bar, err := provider.NextBar(ctx, sym)
			if err != nil || bar == nil {
				break
			}
			for _, slot := range slots {
				slot.Strategy.ProcessBar(*bar, runner.StrategyContext{Symbol: sym, Params: slot.Params})
			}
			fed++
		}
		a.logger.Info("strategies warmed", "symbol", sym, "bars", fed)
	}
}

// sliceProvider replays a fixed bar slice; used only for warmup.
type sliceProvider struct {
	symbol string
	bars   []types.OHLCVBar
	cursor int
}

func (p *sliceProvider) Streaming() bool { return false }

func (p *sliceProvider) NextBar(_ context.Context, symbol string) (*types.OHLCVBar, error) {
	if symbol != p.symbol || p.cursor >= len(p.bars) {
		return nil, nil
	}
	bar := p.bars[p.cursor]
	p.cursor++
	return &bar, nil
}

// analyticsReader adapts the signals partition's latest "analytics" insight
// into the snapshot the runner hands to strategies. The payload is the
// scanner's JSON: {"values": {...}, "regime": "..."}.
type analyticsReader struct {
	inner *storage.InsightReader
}

func (r *analyticsReader) GetLatest(ctx context.Context, symbol string) (*types.AnalyticsSnapshot, error) {
	in, err := r.inner.Latest(ctx, symbol, "analytics")
	if err != nil || in == nil {
		return nil, err
	}
	var payload struct {
		Values map[string]float64 `json:"values"`
		Regime string             `json:"regime"`
	}
	if err := json.Unmarshal([]byte(in.Payload), &payload); err != nil {
		return nil, err
	}
	return &types.AnalyticsSnapshot{
		Symbol: in.Symbol,
		AsOf:   in.CreatedAt,
		Values: payload.Values,
		Regime: payload.Regime,
	}, nil
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if p := strings.TrimSpace(part); p != "" {
			out = append(out, p)
		}
	}
	return out
}
