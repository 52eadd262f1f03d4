package risk

import (
	"math"
	"time"

	"gonum.org/v1/gonum/stat/distuv"

	"quantdesk/pkg/types"
)

// Greeks are per-unit-of-underlying sensitivities. Position-level numbers
// scale by signed quantity and contract multiplier.
type Greeks struct {
	Delta float64
	Gamma float64
	Vega  float64
	Theta float64
}

var stdNormal = distuv.Normal{Mu: 0, Sigma: 1}

// Black76 prices option greeks on a forward. forward and strike in the same
// unit, vol annualized, r the continuously compounded risk-free rate, tYears
// the time to expiry in years.
func Black76(right types.OptionRight, forward, strike, vol, r, tYears float64) Greeks {
	if forward <= 0 || strike <= 0 || vol <= 0 || tYears <= 0 {
		return Greeks{}
	}

	sqrtT := math.Sqrt(tYears)
	d1 := (math.Log(forward/strike) + 0.5*vol*vol*tYears) / (vol * sqrtT)
	d2 := d1 - vol*sqrtT
	disc := math.Exp(-r * tYears)
	pdf1 := stdNormal.Prob(d1)

	g := Greeks{
		Gamma: disc * pdf1 / (forward * vol * sqrtT),
		Vega:  disc * forward * pdf1 * sqrtT,
	}

	switch right {
	case types.Call:
		nd1 := stdNormal.CDF(d1)
		nd2 := stdNormal.CDF(d2)
		g.Delta = disc * nd1
		price := disc * (forward*nd1 - strike*nd2)
		g.Theta = r*price - disc*forward*pdf1*vol/(2*sqrtT)
	case types.Put:
		nd1 := stdNormal.CDF(-d1)
		nd2 := stdNormal.CDF(-d2)
		g.Delta = -disc * nd1
		price := disc * (strike*nd2 - forward*nd1)
		g.Theta = r*price - disc*forward*pdf1*vol/(2*sqrtT)
	}
	return g
}

// ContractGreeks maps an instrument to its per-unit greeks. Futures carry
// pure delta; equities are treated the same way so mixed portfolios
// aggregate cleanly. Expired derivatives contribute nothing.
func ContractGreeks(inst types.Instrument, forward, vol, r float64, now time.Time) Greeks {
	switch inst.Kind {
	case types.KindOption:
		t := yearsUntil(now, inst.Expiry)
		return Black76(inst.Right, forward, inst.Strike, vol, r, t)
	case types.KindFuture:
		if yearsUntil(now, inst.Expiry) <= 0 {
			return Greeks{}
		}
		return Greeks{Delta: 1}
	}
	return Greeks{Delta: 1}
}

func yearsUntil(now, expiry time.Time) float64 {
	return expiry.Sub(now).Hours() / (365 * 24)
}
