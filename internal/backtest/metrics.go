package backtest

import (
	"math"

	"gonum.org/v1/gonum/stat"

	"quantdesk/pkg/types"
)

// tradingDaysPerYear annualizes per-trade returns under the one-round-trip-
// per-day convention the original result sheets used.
const tradingDaysPerYear = 252

// summarize folds the trade stream into the run's index metrics. Win rate
// counts only closing trades (fills that realized PnL); the equity curve for
// drawdown and Sharpe starts at the initial equity.
func summarize(bars, signals int, initialEquity float64, trades []types.TradeRecord) types.BacktestMetrics {
	m := types.BacktestMetrics{
		Bars:        bars,
		Signals:     signals,
		Trades:      len(trades),
		FinalEquity: initialEquity,
	}

	equity := make([]float64, 0, len(trades)+1)
	equity = append(equity, initialEquity)
	prevRealized := 0.0
	wins, closes := 0, 0
	for _, tr := range trades {
		m.TotalFees += tr.Fees
		equity = append(equity, tr.Equity)
		if delta := tr.RealizedPnL - prevRealized; delta != 0 {
			closes++
			if delta > 0 {
				wins++
			}
		}
		prevRealized = tr.RealizedPnL
	}
	if len(trades) > 0 {
		m.FinalEquity = trades[len(trades)-1].Equity
	}
	if closes > 0 {
		m.WinRate = float64(wins) / float64(closes)
	}
	m.MaxDrawdown = maxDrawdown(equity)
	m.Sharpe = annualizedSharpe(equity)
	return m
}

// maxDrawdown is the largest peak-to-trough equity loss as a fraction of
// the peak.
func maxDrawdown(equity []float64) float64 {
	if len(equity) == 0 {
		return 0
	}
	peak, maxDD := equity[0], 0.0
	for _, eq := range equity {
		if eq > peak {
			peak = eq
		}
		if peak > 0 {
			if dd := (peak - eq) / peak; dd > maxDD {
				maxDD = dd
			}
		}
	}
	return maxDD
}

// annualizedSharpe is mean/stddev of per-sample equity returns scaled by
// sqrt(252). Fewer than two returns, or zero variance, yields 0.
func annualizedSharpe(equity []float64) float64 {
	returns := make([]float64, 0, len(equity))
	for i := 1; i < len(equity); i++ {
		if equity[i-1] != 0 {
			returns = append(returns, (equity[i]-equity[i-1])/equity[i-1])
		}
	}
	if len(returns) < 2 {
		return 0
	}
	mean, std := stat.MeanStdDev(returns, nil)
	if std == 0 {
		return 0
	}
	return mean / std * math.Sqrt(tradingDaysPerYear)
}
