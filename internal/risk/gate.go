// Package risk is the pre-trade gate: every order passes an ordered list of
// checks and the first failure rejects it with a full audit trail. The gate
// never mutates orders or positions; its only side effect is arming the kill
// switch on a drawdown breach.
package risk

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"os"
	"strings"
	"sync"
	"time"

	"quantdesk/internal/clock"
	"quantdesk/internal/config"
	"quantdesk/pkg/types"
)

// CheckResult is one entry of a rejection's audit trail.
type CheckResult struct {
	Name   string
	Passed bool
	Detail string
}

// Rejection is returned when a check fails. Checks holds every check that
// ran, in order, ending with the failing one.
type Rejection struct {
	Reason string
	Checks []CheckResult
}

func (e *Rejection) Error() string {
	return "risk: order rejected: " + e.Reason
}

// PortfolioView exposes current positions for the drawdown and greek checks.
type PortfolioView interface {
	Snapshot() []types.Position
	TotalRealizedPnL() float64
}

// TradeCounter counts orders created since a cutoff, for the daily limit.
type TradeCounter interface {
	CountTradesSince(ctx context.Context, cutoff time.Time) (int, error)
}

// QuoteFn supplies the forward price and implied vol for a derivative
// symbol. ok=false means no quote is available.
type QuoteFn func(symbol string) (forward, vol float64, ok bool)

// Gate runs the ordered pre-trade checks.
type Gate struct {
	cfg       config.RiskConfig
	logger    *slog.Logger
	clk       clock.Clock
	portfolio PortfolioView
	trades    TradeCounter
	quotes    QuoteFn

	mu         sync.Mutex
	killActive bool
	killReason string
}

// NewGate wires a gate. quotes may be nil when no derivatives are traded;
// the greek check then skips silently.
func NewGate(cfg config.RiskConfig, clk clock.Clock, portfolio PortfolioView, trades TradeCounter, quotes QuoteFn, logger *slog.Logger) *Gate {
	return &Gate{
		cfg:       cfg,
		logger:    logger.With("component", "risk"),
		clk:       clk,
		portfolio: portfolio,
		trades:    trades,
		quotes:    quotes,
	}
}

// Activate arms the kill switch until Deactivate. Breaches and operators
// both land here.
func (g *Gate) Activate(reason string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if !g.killActive {
		g.logger.Error("kill switch activated", "reason", reason)
	}
	g.killActive = true
	g.killReason = reason
}

// Deactivate clears the in-process kill switch. A present stop file still
// blocks orders.
func (g *Gate) Deactivate() {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.killActive = false
	g.killReason = ""
}

// KillSwitchActive reports whether the in-process switch is armed or the
// stop file is present.
func (g *Gate) KillSwitchActive() bool {
	g.mu.Lock()
	armed := g.killActive
	g.mu.Unlock()
	if armed {
		return true
	}
	return g.stopFilePresent()
}

func (g *Gate) stopFilePresent() bool {
	if g.cfg.StopFile == "" {
		return false
	}
	_, err := os.Stat(g.cfg.StopFile)
	return err == nil
}

// Check runs every check in order and short-circuits on the first failure.
// nil means approved; a failure returns *Rejection. Infrastructure errors
// (e.g. the trade counter) fail closed as plain errors.
func (g *Gate) Check(ctx context.Context, order types.NormalizedOrder, equity float64) error {
	var trail []CheckResult
	pass := func(name, detail string) {
		trail = append(trail, CheckResult{Name: name, Passed: true, Detail: detail})
	}
	fail := func(name, detail string) *Rejection {
		trail = append(trail, CheckResult{Name: name, Passed: false, Detail: detail})
		g.logger.Warn("order rejected",
			"check", name,
			"detail", detail,
			"correlation_id", order.CorrelationID,
			"symbol", order.Instrument.Key(),
		)
		return &Rejection{Reason: name + ": " + detail, Checks: trail}
	}

	// 1. Kill switch.
	g.mu.Lock()
	armed, reason := g.killActive, g.killReason
	g.mu.Unlock()
	if armed {
		return fail("kill_switch", reason)
	}
	if g.stopFilePresent() {
		return fail("kill_switch", "stop file present: "+g.cfg.StopFile)
	}
	pass("kill_switch", "")

	// 2. Daily trade count.
	if g.cfg.MaxDailyTrades > 0 {
		cutoff := types.TradingDate(g.clk.Now())
		n, err := g.trades.CountTradesSince(ctx, cutoff)
		if err != nil {
			return fmt.Errorf("risk: counting daily trades: %w", err)
		}
		if n+1 > g.cfg.MaxDailyTrades {
			return fail("daily_trades", fmt.Sprintf("%d today, limit %d", n, g.cfg.MaxDailyTrades))
		}
		pass("daily_trades", fmt.Sprintf("%d/%d", n, g.cfg.MaxDailyTrades))
	}

	// 3. Per-order quantity.
	if g.cfg.MaxOrderQty > 0 && order.Quantity > g.cfg.MaxOrderQty {
		return fail("order_qty", fmt.Sprintf("%d exceeds cap %d", order.Quantity, g.cfg.MaxOrderQty))
	}
	pass("order_qty", "")

	// 4. Allow/deny lists.
	symbol := order.Instrument.Key()
	if containsSymbol(g.cfg.DenySymbols, symbol) {
		return fail("symbol_list", symbol+" is denied")
	}
	if len(g.cfg.AllowSymbols) > 0 && !containsSymbol(g.cfg.AllowSymbols, symbol) {
		return fail("symbol_list", symbol+" is outside the allow list")
	}
	pass("symbol_list", "")

	// 5. Drawdown floor. A breach also arms the kill switch so everything
	// after this order is blocked.
	floor := g.cfg.InitialEquity * (1 - g.cfg.MaxDrawdownPct)
	if g.cfg.MaxDrawdownPct > 0 && equity <= floor {
		g.Activate(fmt.Sprintf("drawdown breach: equity %.2f <= floor %.2f", equity, floor))
		return fail("drawdown", fmt.Sprintf("equity %.2f at or below floor %.2f", equity, floor))
	}
	pass("drawdown", "")

	// 6. Greek envelope, derivatives only.
	if order.Instrument.Derivative() && g.greeksConfigured() {
		if res, ok := g.checkGreeks(order); !ok {
			trail = append(trail, res.Checks...)
			res.Checks = trail
			g.logger.Warn("order rejected",
				"check", "greeks",
				"detail", res.Reason,
				"correlation_id", order.CorrelationID,
				"symbol", symbol,
			)
			return res
		}
		pass("greeks", "")
	}

	return nil
}

func (g *Gate) greeksConfigured() bool {
	return g.cfg.MaxDelta > 0 || g.cfg.MaxVega > 0 || g.cfg.MaxGamma > 0
}

// checkGreeks aggregates post-trade portfolio greeks over every derivative
// with a quote, including the candidate order, and tests the envelope.
// Instruments without quotes are skipped rather than blocking equity-only
// books with a stale option chain.
func (g *Gate) checkGreeks(order types.NormalizedOrder) (*Rejection, bool) {
	if g.quotes == nil {
		return nil, true
	}
	now := g.clk.Now()

	var delta, gamma, vega float64
	accumulate := func(inst types.Instrument, signedQty int64) {
		if !inst.Derivative() || signedQty == 0 {
			return
		}
		forward, vol, ok := g.quotes(inst.Key())
		if !ok {
			g.logger.Warn("no quote for greek aggregation, skipping", "symbol", inst.Key())
			return
		}
		per := ContractGreeks(inst, forward, vol, g.cfg.RiskFreeRate, now)
		scale := float64(signedQty) * float64(inst.EffectiveMultiplier())
		delta += per.Delta * scale
		gamma += per.Gamma * scale
		vega += per.Vega * scale
	}

	for _, pos := range g.portfolio.Snapshot() {
		accumulate(pos.Instrument, pos.SignedQuantity())
	}
	accumulate(order.Instrument, order.Quantity*order.Side.Sign())

	type limit struct {
		name string
		net  float64
		max  float64
	}
	for _, l := range []limit{
		{"delta", delta, g.cfg.MaxDelta},
		{"vega", vega, g.cfg.MaxVega},
		{"gamma", gamma, g.cfg.MaxGamma},
	} {
		if l.max > 0 && math.Abs(l.net) > l.max {
			return &Rejection{
				Reason: fmt.Sprintf("greeks: post-trade |%s| %.4f exceeds %.4f", l.name, math.Abs(l.net), l.max),
				Checks: []CheckResult{{
					Name:   "greeks",
					Passed: false,
					Detail: fmt.Sprintf("|%s| %.4f > %.4f", l.name, math.Abs(l.net), l.max),
				}},
			}, false
		}
	}
	return nil, true
}

func containsSymbol(list []string, symbol string) bool {
	for _, s := range list {
		if strings.EqualFold(strings.TrimSpace(s), symbol) {
			return true
		}
	}
	return false
}
