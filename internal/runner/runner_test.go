package runner

import (
	"context"
	"io"
	"log/slog"
	"testing"
	"time"

	"quantdesk/internal/clock"
	"quantdesk/internal/config"
	"quantdesk/internal/execution"
	"quantdesk/internal/orders"
	"quantdesk/internal/position"
	"quantdesk/internal/risk"
	"quantdesk/pkg/types"
)

const testSymbol = "NSE_EQ|INE002A01018"

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// sliceProvider replays fixed bars per symbol, non-streaming.
type sliceProvider struct {
	bars   map[string][]types.OHLCVBar
	cursor map[string]int
}

func newSliceProvider() *sliceProvider {
	return &sliceProvider{bars: make(map[string][]types.OHLCVBar), cursor: make(map[string]int)}
}

func (p *sliceProvider) add(symbol string, bars ...types.OHLCVBar) {
	p.bars[symbol] = append(p.bars[symbol], bars...)
}

func (p *sliceProvider) Streaming() bool { return false }

func (p *sliceProvider) NextBar(_ context.Context, symbol string) (*types.OHLCVBar, error) {
	i := p.cursor[symbol]
	if i >= len(p.bars[symbol]) {
		return nil, nil
	}
	p.cursor[symbol] = i + 1
	bar := p.bars[symbol][i]
	return &bar, nil
}

// scriptStrategy returns a canned signal per bar index.
type scriptStrategy struct {
	id      string
	signals map[int]*types.SignalEvent
	calls   int
}

func (s *scriptStrategy) ID() string { return s.id }

func (s *scriptStrategy) ProcessBar(types.OHLCVBar, StrategyContext) (*types.SignalEvent, error) {
	sig := s.signals[s.calls]
	s.calls++
	return sig, nil
}

type zeroCounter struct{}

func (zeroCounter) CountTradesSince(context.Context, time.Time) (int, error) { return 0, nil }

type runnerRig struct {
	runner    *Runner
	positions *position.Tracker
	broker    *execution.PaperBroker
	engine    *execution.Engine
	provider  *sliceProvider
}

func newRunnerRig(t *testing.T, strategy Strategy) *runnerRig {
	t.Helper()
	clk := clock.NewReplay(time.Date(2026, 3, 2, 0, 0, 0, 0, time.UTC))
	positions := position.NewTracker()
	broker := execution.NewPaperBroker(clk, 0)

	gate := risk.NewGate(config.RiskConfig{
		MaxDailyTrades: 1000,
		MaxOrderQty:    100000,
		InitialEquity:  1000000,
		MaxDrawdownPct: 0.9,
	}, clk, positions, zeroCounter{}, nil, discardLogger())

	eng := execution.NewEngine(execution.Params{
		Mode:          types.ModePaper,
		Scope:         "run-test",
		Clock:         clk,
		Orders:        orders.NewTracker(),
		Positions:     positions,
		Gate:          gate,
		Broker:        broker,
		Logger:        discardLogger(),
		DefaultQty:    100,
		InitialEquity: 1000000,
	})
	broker.SubscribeFills(eng.HandleFill)

	provider := newSliceProvider()
	r := New(Params{
		Symbols:   []string{testSymbol},
		Slots:     []Slot{{Strategy: strategy, Timeframe: types.TF15Min}},
		Provider:  provider,
		Sink:      eng,
		Positions: positions,
		Clock:     clk,
		Logger:    discardLogger(),
		OnBar:     func(b types.OHLCVBar) { broker.SetMark(b.Symbol, b.Close) },
	})
	return &runnerRig{runner: r, positions: positions, broker: broker, engine: eng, provider: provider}
}

func bar(i int, high, low, close float64) types.OHLCVBar {
	open := types.SessionOpen(time.Date(2026, 3, 2, 0, 0, 0, 0, time.UTC))
	return types.OHLCVBar{
		Symbol:    testSymbol,
		Timestamp: open.Add(time.Duration(i) * 15 * time.Minute),
		Open:      close,
		High:      high,
		Low:       low,
		Close:     close,
		Volume:    100,
		Timeframe: types.TF15Min,
	}
}

func entrySignal(ts time.Time, meta map[string]float64) *types.SignalEvent {
	return &types.SignalEvent{
		StrategyID: "scripted",
		Symbol:     testSymbol,
		Timestamp:  ts,
		Type:       types.SignalBuy,
		Confidence: 1,
		Meta:       meta,
	}
}

func TestStopLossWinsOverTargetAndSuppressesEntry(t *testing.T) {
	t.Parallel()

	bars := []types.OHLCVBar{
		bar(0, 100.5, 99.5, 100),
		bar(1, 101, 99, 100.5),
		bar(2, 102, 100, 101),
		// Both TP (104) and SL (98) trade inside this bar.
		bar(3, 104.5, 97.5, 103),
		bar(4, 103.5, 102.5, 103),
	}

	strat := &scriptStrategy{id: "scripted", signals: map[int]*types.SignalEvent{
		0: entrySignal(bars[0].Timestamp, map[string]float64{
			types.MetaStopLoss: 98,
			types.MetaTarget:   104,
			types.MetaHoldBars: 5,
		}),
		// The strategy tries to re-enter on the exit bar; must be suppressed.
		3: entrySignal(bars[3].Timestamp, nil),
	}}

	rig := newRunnerRig(t, strat)
	rig.provider.add(testSymbol, bars...)
	if err := rig.runner.Run(context.Background()); err != nil {
		t.Fatalf("Run: %v", err)
	}

	pos, _ := rig.positions.Get(testSymbol)
	if pos.Side != types.Flat {
		t.Fatalf("position = %+v, want FLAT after stop-loss exit", pos)
	}
	// Entered at 100 (bar-0 close), stopped at 98, qty 100.
	if pos.RealizedPnL != -200 {
		t.Errorf("realized = %v, want -200 (exit at SL, not TP)", pos.RealizedPnL)
	}
	// Entry + exit only: the bar-3 re-entry was suppressed.
	if got := rig.runner.SignalsEmitted(); got != 2 {
		t.Errorf("signals emitted = %d, want 2", got)
	}
}

func TestTimeStopUsesAtLeastComparison(t *testing.T) {
	t.Parallel()

	bars := []types.OHLCVBar{
		bar(0, 100.5, 99.5, 100),
		bar(1, 100.6, 99.6, 100.2),
		// Bars held = 2 - 0 = 2 >= h_bars 2: time stop fires here.
		bar(2, 100.7, 99.7, 100.4),
		bar(3, 100.8, 99.8, 100.6),
	}
	strat := &scriptStrategy{id: "scripted", signals: map[int]*types.SignalEvent{
		0: entrySignal(bars[0].Timestamp, map[string]float64{types.MetaHoldBars: 2}),
	}}

	rig := newRunnerRig(t, strat)
	rig.provider.add(testSymbol, bars...)
	if err := rig.runner.Run(context.Background()); err != nil {
		t.Fatalf("Run: %v", err)
	}

	pos, _ := rig.positions.Get(testSymbol)
	if pos.Side != types.Flat {
		t.Fatalf("position = %+v, want FLAT after time stop", pos)
	}
	// Exit at bar-2 close 100.4 against entry 100.
	if got := pos.RealizedPnL; got < 39.99 || got > 40.01 {
		t.Errorf("realized = %v, want 40 (time-stop exit at bar-2 close)", got)
	}
}

func TestShortExitMirrorsLongRules(t *testing.T) {
	t.Parallel()

	bars := []types.OHLCVBar{
		bar(0, 100.5, 99.5, 100),
		// High touches the short's stop at 102.
		bar(1, 102.5, 99.8, 101),
		bar(2, 101.5, 100.5, 101),
	}
	short := entrySignal(bars[0].Timestamp, map[string]float64{
		types.MetaStopLoss: 102,
		types.MetaTarget:   95,
	})
	short.Type = types.SignalSell
	strat := &scriptStrategy{id: "scripted", signals: map[int]*types.SignalEvent{0: short}}

	rig := newRunnerRig(t, strat)
	rig.provider.add(testSymbol, bars...)
	if err := rig.runner.Run(context.Background()); err != nil {
		t.Fatalf("Run: %v", err)
	}

	pos, _ := rig.positions.Get(testSymbol)
	if pos.Side != types.Flat {
		t.Fatalf("position = %+v, want FLAT after short stop", pos)
	}
	// Short 100 @ 100, bought back at 102.
	if pos.RealizedPnL != -200 {
		t.Errorf("realized = %v, want -200", pos.RealizedPnL)
	}
}

func TestRunTerminatesOnExhaustion(t *testing.T) {
	t.Parallel()

	strat := &scriptStrategy{id: "scripted"}
	rig := newRunnerRig(t, strat)
	rig.provider.add(testSymbol, bar(0, 100.5, 99.5, 100), bar(1, 101, 100, 100.5))

	done := make(chan error, 1)
	go func() { done <- rig.runner.Run(context.Background()) }()
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("Run: %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("Run did not terminate on an exhausted provider")
	}
	if got := rig.runner.BarsProcessed(); got != 2 {
		t.Errorf("bars processed = %d, want 2", got)
	}
}

type captureState struct {
	records []types.RunnerStateRecord
}

func (c *captureState) UpsertRunnerState(_ context.Context, r types.RunnerStateRecord) error {
	c.records = append(c.records, r)
	return nil
}

func TestRunnerStatePersistedPerBar(t *testing.T) {
	t.Parallel()

	bars := []types.OHLCVBar{
		bar(0, 100.5, 99.5, 100),
		bar(1, 101, 100, 100.5),
	}
	strat := &scriptStrategy{id: "scripted", signals: map[int]*types.SignalEvent{
		1: entrySignal(bars[1].Timestamp, nil),
	}}

	rig := newRunnerRig(t, strat)
	state := &captureState{}
	rig.runner.state = state
	rig.provider.add(testSymbol, bars...)
	if err := rig.runner.Run(context.Background()); err != nil {
		t.Fatalf("Run: %v", err)
	}

	if len(state.records) != 2 {
		t.Fatalf("state upserts = %d, want one per bar", len(state.records))
	}
	if state.records[0].SignalState != types.SignalPending {
		t.Errorf("bar 0 state = %s, want PENDING", state.records[0].SignalState)
	}
	if state.records[1].SignalState != types.SignalTriggered {
		t.Errorf("bar 1 state = %s, want TRIGGERED", state.records[1].SignalState)
	}
	if state.records[1].Status != types.RunnerRunning || !state.records[1].LastBarTS.Equal(bars[1].Timestamp) {
		t.Errorf("bar 1 record = %+v", state.records[1])
	}
}
