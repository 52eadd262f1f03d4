package backtest

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/markcheno/go-talib"

	"quantdesk/internal/runner"
	"quantdesk/pkg/types"
)

// VectorEvent is one candidate trade produced by a vectorized pass over the
// full bar history. Features carry whatever the event model computed; the
// orchestrator only reads timestamp, direction and confidence.
type VectorEvent struct {
	Timestamp  time.Time
	Direction  types.SignalType // BUY or SELL
	Confidence float64
	Features   map[string]float64
}

// EventComputer computes all of a run's candidate events in one pass.
// Implementations (ML event models) live outside this module.
type EventComputer interface {
	ComputeEvents(ctx context.Context, symbol string, bars []types.OHLCVBar) ([]VectorEvent, error)
}

// MetaModelFilter vets candidate events against a trained meta model.
// Enabled per run with the meta_model=on parameter.
type MetaModelFilter interface {
	Keep(ev VectorEvent) (bool, error)
}

// Batch-path sizing parameters, all overridable per run.
const (
	paramATRPeriod  = "atr_period"  // ATR lookback, default 14
	paramATRMult    = "atr_mult"    // stop distance in ATRs, default 2
	paramRewardRisk = "reward_risk" // target distance as a multiple of the stop, default 2
	paramRiskFrac   = "risk_frac"   // equity fraction risked per trade, default 0.01
	paramMetaModel  = "meta_model"  // "on" routes events through the meta model
)

// precompute turns the event stream into fully sized signals keyed by bar
// timestamp. Stop distance is atr_mult ATRs; quantity risks risk_frac of
// starting equity against that stop.
func (o *Orchestrator) precompute(ctx context.Context, req RunRequest, bars []types.OHLCVBar) (*PrecomputedSignalStrategy, error) {
	if o.events == nil {
		return nil, fmt.Errorf("strategy %s needs an event computer", req.StrategyID)
	}
	events, err := o.events.ComputeEvents(ctx, req.Symbol, bars)
	if err != nil {
		return nil, fmt.Errorf("computing events: %w", err)
	}
	useMeta := req.Params[paramMetaModel] == "on"
	if useMeta && o.filter == nil {
		return nil, fmt.Errorf("strategy %s sets meta_model=on but no filter is wired", req.StrategyID)
	}

	strat := &PrecomputedSignalStrategy{
		id:      req.StrategyID,
		signals: make(map[int64]*types.SignalEvent, len(events)),
	}
	if len(bars) == 0 || len(events) == 0 {
		return strat, nil
	}

	high := make([]float64, len(bars))
	low := make([]float64, len(bars))
	closes := make([]float64, len(bars))
	indexByTS := make(map[int64]int, len(bars))
	for i, b := range bars {
		high[i], low[i], closes[i] = b.High, b.Low, b.Close
		indexByTS[b.Timestamp.UnixMilli()] = i
	}
	atr := talib.Atr(high, low, closes, int(paramOr(req.Params, paramATRPeriod, 14)))

	atrMult := paramOr(req.Params, paramATRMult, 2)
	rewardRisk := paramOr(req.Params, paramRewardRisk, 2)
	riskBudget := o.initialEquity * paramOr(req.Params, paramRiskFrac, 0.01)
	holdBars := paramOr(req.Params, types.MetaHoldBars, 0)

	kept := 0
	for _, ev := range events {
		if ev.Direction != types.SignalBuy && ev.Direction != types.SignalSell {
			continue
		}
		if useMeta {
			keep, err := o.filter.Keep(ev)
			if err != nil {
				return nil, fmt.Errorf("meta model: %w", err)
			}
			if !keep {
				continue
			}
		}
		i, ok := indexByTS[ev.Timestamp.UnixMilli()]
		if !ok {
			o.logger.Warn("event timestamp matches no bar",
				"strategy", req.StrategyID, "ts", ev.Timestamp)
			continue
		}
		stop := atrMult * atr[i]
		if stop <= 0 {
			// ATR warmup region; not enough history to size the trade.
			continue
		}
		qty := int64(riskBudget / stop)
		if qty < 1 {
			qty = 1
		}
		px := closes[i]
		meta := map[string]float64{types.MetaQty: float64(qty)}
		if ev.Direction == types.SignalBuy {
			meta[types.MetaStopLoss] = px - stop
			meta[types.MetaTarget] = px + rewardRisk*stop
		} else {
			meta[types.MetaStopLoss] = px + stop
			meta[types.MetaTarget] = px - rewardRisk*stop
		}
		if holdBars > 0 {
			meta[types.MetaHoldBars] = holdBars
		}
		strat.signals[ev.Timestamp.UnixMilli()] = &types.SignalEvent{
			StrategyID: req.StrategyID,
			Symbol:     req.Symbol,
			Timestamp:  ev.Timestamp,
			Type:       ev.Direction,
			Confidence: ev.Confidence,
			Meta:       meta,
		}
		kept++
	}
	o.logger.Info("events precomputed",
		"strategy", req.StrategyID,
		"candidates", len(events),
		"kept", kept,
	)
	return strat, nil
}

// PrecomputedSignalStrategy replays batch-computed signals by bar timestamp.
// Bars without a signal produce nil, which the runner ignores.
type PrecomputedSignalStrategy struct {
	id      string
	signals map[int64]*types.SignalEvent
}

func (s *PrecomputedSignalStrategy) ID() string { return s.id }

func (s *PrecomputedSignalStrategy) ProcessBar(bar types.OHLCVBar, _ runner.StrategyContext) (*types.SignalEvent, error) {
	return s.signals[bar.Timestamp.UnixMilli()], nil
}

func paramOr(params map[string]string, key string, def float64) float64 {
	v, err := strconv.ParseFloat(params[key], 64)
	if err != nil {
		return def
	}
	return v
}
