// Package execution turns strategy signals into broker orders and folds the
// resulting fills back into order and position state. One engine instance
// owns one idempotency scope: the trading session in live modes, the run id
// in backtests.
package execution

import (
	"context"
	"fmt"
	"hash/fnv"
	"log/slog"
	"math"
	"sort"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"quantdesk/internal/clock"
	"quantdesk/internal/orders"
	"quantdesk/internal/position"
	"quantdesk/internal/risk"
	"quantdesk/internal/storage"
	"quantdesk/internal/telemetry"
	"quantdesk/pkg/types"
)

// TradeStore is the slice of the trading partition the engine persists to.
// nil disables persistence (backtests write through their own run files).
type TradeStore interface {
	SaveOrder(ctx context.Context, o types.NormalizedOrder) error
	SetBrokerOrderID(ctx context.Context, correlationID, brokerOrderID string) error
	UpdateOrderStatus(ctx context.Context, correlationID string, status types.OrderStatus) error
	AppendFill(ctx context.Context, f types.FillEvent) error
	SavePositionSnapshot(ctx context.Context, p types.Position) error
	LoadOrders(ctx context.Context) ([]storage.StoredOrder, error)
	LoadFills(ctx context.Context) ([]types.FillEvent, error)
}

// FillOutcome is handed to the fill hook after both trackers have absorbed
// one fill.
type FillOutcome struct {
	Order    types.OrderSnapshot
	Position types.Position
	Fill     types.FillEvent
}

// Params wires an engine. Orders, Positions, Gate, Clock and Logger are
// required; Broker may be nil only in DRY_RUN.
type Params struct {
	Mode          types.ExecMode
	Scope         string // session id (live) or run id (backtest)
	Clock         clock.Clock
	Orders        *orders.Tracker
	Positions     *position.Tracker
	Gate          *risk.Gate
	Broker        BrokerAdapter
	Store         TradeStore
	Bus           telemetry.Bus
	Metrics       *telemetry.Metrics
	Logger        *slog.Logger
	BrokerTimeout time.Duration
	DefaultQty    int64
	InitialEquity float64
}

type Engine struct {
	mode          types.ExecMode
	scope         string
	clk           clock.Clock
	orders        *orders.Tracker
	positions     *position.Tracker
	gate          *risk.Gate
	broker        BrokerAdapter
	store         TradeStore
	bus           telemetry.Bus
	metrics       *telemetry.Metrics
	logger        *slog.Logger
	brokerTimeout time.Duration
	defaultQty    int64
	initialEquity float64

	processing atomic.Bool

	seenMu sync.Mutex
	seen   map[string]struct{}

	hookMu sync.Mutex
	onFill func(FillOutcome)

	fillCh chan types.FillEvent
}

func NewEngine(p Params) *Engine {
	if p.Bus == nil {
		p.Bus = telemetry.NopBus{}
	}
	if p.Metrics == nil {
		p.Metrics = telemetry.NewMetrics()
	}
	if p.DefaultQty <= 0 {
		p.DefaultQty = 1
	}
	if p.BrokerTimeout <= 0 {
		p.BrokerTimeout = 30 * time.Second
	}
	return &Engine{
		mode:          p.Mode,
		scope:         p.Scope,
		clk:           p.Clock,
		orders:        p.Orders,
		positions:     p.Positions,
		gate:          p.Gate,
		broker:        p.Broker,
		store:         p.Store,
		bus:           p.Bus,
		metrics:       p.Metrics,
		logger:        p.Logger.With("component", "execution"),
		brokerTimeout: p.BrokerTimeout,
		defaultQty:    p.DefaultQty,
		initialEquity: p.InitialEquity,
		seen:          make(map[string]struct{}),
	}
}

// SignalID derives the deterministic signal identity used for idempotency
// and persistence.
func SignalID(scope, symbol, strategyID string, ts time.Time) string {
	h := fnv.New64a()
	fmt.Fprintf(h, "%s|%s|%s|%d", scope, symbol, strategyID, ts.UnixMilli())
	return strconv.FormatUint(h.Sum64(), 16)
}

// OnFillApplied registers a hook invoked after each fill updates the
// trackers. Backtests use it to record closed trades.
func (e *Engine) OnFillApplied(fn func(FillOutcome)) {
	e.hookMu.Lock()
	e.onFill = fn
	e.hookMu.Unlock()
}

// Equity is initial equity plus total realized PnL across all symbols.
func (e *Engine) Equity() float64 {
	return e.initialEquity + e.positions.TotalRealizedPnL()
}

// ProcessSignal runs the pipeline: idempotency, re-entry guard, order
// factory, risk gate, dispatch. Returns the dispatched order, or nil for
// duplicates and HOLD signals. Risk rejections come back as *risk.Rejection.
func (e *Engine) ProcessSignal(ctx context.Context, sig types.SignalEvent) (*types.NormalizedOrder, error) {
	if sig.Type == types.SignalHold {
		return nil, nil
	}

	id := SignalID(e.scope, sig.Symbol, sig.StrategyID, sig.Timestamp)
	e.seenMu.Lock()
	if _, dup := e.seen[id]; dup {
		e.seenMu.Unlock()
		e.logger.Debug("duplicate signal suppressed", "signal_id", id, "symbol", sig.Symbol)
		return nil, nil
	}
	e.seen[id] = struct{}{}
	e.seenMu.Unlock()

	if !e.processing.CompareAndSwap(false, true) {
		return nil, &RuleError{Detail: "nested ProcessSignal invocation"}
	}
	defer e.processing.Store(false)

	order, err := e.buildOrder(sig, id)
	if err != nil {
		return nil, err
	}

	if err := e.gate.Check(ctx, *order, e.Equity()); err != nil {
		if _, isRejection := err.(*risk.Rejection); isRejection {
			e.metrics.RiskRejections.Inc()
		}
		return nil, err
	}

	if e.mode == types.ModeDryRun {
		e.logger.Info("DRY RUN order intent",
			"symbol", order.Instrument.Key(),
			"side", order.Side,
			"qty", order.Quantity,
			"type", order.Type,
			"limit_price", order.LimitPrice,
			"signal_id", id,
		)
		return order, nil
	}

	if err := e.orders.Add(*order); err != nil {
		return nil, err
	}
	if e.store != nil {
		if err := e.store.SaveOrder(ctx, *order); err != nil {
			return nil, fmt.Errorf("persisting order %s: %w", order.CorrelationID, err)
		}
	}

	dispatchCtx, cancel := context.WithTimeout(ctx, e.brokerTimeout)
	brokerID, err := e.broker.PlaceOrder(dispatchCtx, *order)
	cancel()
	if err != nil {
		e.metrics.OrdersRejected.Inc()
		if rejErr := e.orders.Reject(order.CorrelationID); rejErr != nil {
			// A synchronous fill may already have moved the order past
			// CREATED; the dispatch error still wins for the caller.
			e.logger.Warn("could not mark order rejected", "error", rejErr)
		}
		if e.store != nil {
			if uerr := e.store.UpdateOrderStatus(ctx, order.CorrelationID, types.OrderRejected); uerr != nil {
				e.logger.Error("persisting rejection failed", "error", uerr)
			}
		}
		return nil, fmt.Errorf("broker dispatch for %s: %w", order.CorrelationID, err)
	}

	if err := e.orders.SetBrokerOrderID(order.CorrelationID, brokerID); err != nil {
		e.logger.Warn("recording broker id failed", "error", err)
	}
	if e.store != nil {
		if err := e.store.SetBrokerOrderID(ctx, order.CorrelationID, brokerID); err != nil {
			e.logger.Error("persisting broker id failed", "error", err)
		}
	}
	e.metrics.OrdersPlaced.Inc()
	e.logger.Info("order placed",
		"symbol", order.Instrument.Key(),
		"side", order.Side,
		"qty", order.Quantity,
		"broker_order_id", brokerID,
	)
	return order, nil
}

// buildOrder is the factory: signal in, broker-agnostic order out.
func (e *Engine) buildOrder(sig types.SignalEvent, signalID string) (*types.NormalizedOrder, error) {
	inst, err := types.ParseSymbolKey(sig.Symbol)
	if err != nil {
		return nil, &FactoryError{Signal: sig, Detail: err.Error()}
	}

	var side types.OrderSide
	var qty int64
	orderType := types.OrderTypeMarket
	var limitPrice float64
	switch sig.Type {
	case types.SignalBuy:
		side = types.Buy
		qty = e.sizeEntry(sig, inst)
	case types.SignalSell:
		side = types.Sell
		qty = e.sizeEntry(sig, inst)
	case types.SignalExit:
		pos, ok := e.positions.Get(sig.Symbol)
		if !ok || pos.Side == types.Flat {
			return nil, &FactoryError{Signal: sig, Detail: "EXIT with no open position"}
		}
		// LONG closes with a SELL, SHORT with a BUY.
		if pos.Side == types.Long {
			side = types.Sell
		} else {
			side = types.Buy
		}
		qty = pos.Quantity
		// Exits triggered at a stop or target carry their price; honoring
		// it as a limit keeps paper fills deterministic.
		if px := sig.MetaValue(types.MetaPrice); px > 0 {
			orderType = types.OrderTypeLimit
			limitPrice = px
		}
	default:
		return nil, &FactoryError{Signal: sig, Detail: "unsupported signal type"}
	}
	if qty <= 0 {
		return nil, &FactoryError{Signal: sig, Detail: "resolved quantity is zero"}
	}

	return &types.NormalizedOrder{
		CorrelationID: uuid.NewString(),
		SignalID:      signalID,
		StrategyID:    sig.StrategyID,
		Instrument:    inst,
		Side:          side,
		Quantity:      qty,
		Type:          orderType,
		LimitPrice:    limitPrice,
		CreatedAt:     e.clk.Now(),
	}, nil
}

// sizeEntry resolves the entry quantity: explicit metadata wins, otherwise
// the default size scaled by confidence. Derivatives round down to whole
// lots, never below one lot.
func (e *Engine) sizeEntry(sig types.SignalEvent, inst types.Instrument) int64 {
	qty := int64(sig.MetaValue(types.MetaQty))
	if qty <= 0 {
		qty = int64(math.Round(sig.Confidence * float64(e.defaultQty)))
		if qty < 1 {
			qty = 1
		}
	}
	if inst.Derivative() && inst.LotSize > 1 {
		qty -= qty % inst.LotSize
		if qty < inst.LotSize {
			qty = inst.LotSize
		}
	}
	return qty
}

// HandleFill is the broker's fill callback. With a running fill worker the
// event is queued; otherwise it is applied inline, which keeps backtests
// strictly deterministic.
func (e *Engine) HandleFill(f types.FillEvent) {
	if e.fillCh != nil {
		e.fillCh <- f
		return
	}
	e.applyFill(context.Background(), f)
}

// StartFillWorker serializes all fill handling through one goroutine, so
// concurrent broker callbacks can never interleave tracker updates. Live
// processes call this once at startup.
func (e *Engine) StartFillWorker(ctx context.Context, wg *sync.WaitGroup) {
	e.fillCh = make(chan types.FillEvent, 256)
	wg.Add(1)
	go func() {
		defer wg.Done()
		for {
			select {
			case <-ctx.Done():
				return
			case f := <-e.fillCh:
				e.applyFill(ctx, f)
			}
		}
	}()
}

func (e *Engine) applyFill(ctx context.Context, f types.FillEvent) {
	snap, err := e.orders.ApplyFill(f)
	if err != nil {
		e.logger.Error("fill not applied", "correlation_id", f.CorrelationID, "error", err)
		return
	}

	pos := e.positions.ApplyFill(snap.Order.Instrument, snap.Order.Side, f.Quantity, f.Price, f.Time)

	e.metrics.Fills.Inc()
	e.metrics.OpenPositions.Set(float64(e.positions.OpenCount()))
	e.metrics.Equity.Set(e.Equity())

	if e.store != nil {
		if err := e.store.AppendFill(ctx, f); err != nil {
			e.logger.Error("persisting fill failed", "error", err)
		}
		if err := e.store.UpdateOrderStatus(ctx, f.CorrelationID, snap.Status); err != nil {
			e.logger.Error("persisting order status failed", "error", err)
		}
		if err := e.store.SavePositionSnapshot(ctx, pos); err != nil {
			e.logger.Error("persisting position failed", "error", err)
		}
	}

	e.bus.Publish(telemetry.TopicPositions, e.positions.Snapshot())

	e.hookMu.Lock()
	hook := e.onFill
	e.hookMu.Unlock()
	if hook != nil {
		hook(FillOutcome{Order: snap, Position: pos, Fill: f})
	}
}

// Rebuild replays the trading partition into fresh trackers: orders first,
// then fills in fill-time order through both trackers. Replayed signal ids
// re-enter the idempotency set so a restart never re-executes them.
func (e *Engine) Rebuild(ctx context.Context) error {
	if e.store == nil {
		return nil
	}
	stored, err := e.store.LoadOrders(ctx)
	if err != nil {
		return fmt.Errorf("loading orders: %w", err)
	}
	fills, err := e.store.LoadFills(ctx)
	if err != nil {
		return fmt.Errorf("loading fills: %w", err)
	}

	restored := make([]orders.Restored, 0, len(stored))
	byCorrelation := make(map[string]types.NormalizedOrder, len(stored))
	for _, s := range stored {
		restored = append(restored, orders.Restored{
			Order:         s.Order,
			Status:        s.Status,
			BrokerOrderID: s.BrokerOrderID,
		})
		byCorrelation[s.Order.CorrelationID] = s.Order
		e.seenMu.Lock()
		e.seen[s.Order.SignalID] = struct{}{}
		e.seenMu.Unlock()
	}
	if err := e.orders.Rebuild(restored, fills); err != nil {
		return err
	}

	replay := make([]types.FillEvent, len(fills))
	copy(replay, fills)
	sort.SliceStable(replay, func(i, j int) bool { return replay[i].Time.Before(replay[j].Time) })
	for _, f := range replay {
		o, ok := byCorrelation[f.CorrelationID]
		if !ok {
			return fmt.Errorf("fill references unknown order %s", f.CorrelationID)
		}
		e.positions.ApplyFill(o.Instrument, o.Side, f.Quantity, f.Price, f.Time)
	}

	e.metrics.OpenPositions.Set(float64(e.positions.OpenCount()))
	e.metrics.Equity.Set(e.Equity())
	e.logger.Info("state rebuilt from trading partition",
		"orders", len(stored),
		"fills", len(fills),
		"open_positions", e.positions.OpenCount(),
	)
	return nil
}
