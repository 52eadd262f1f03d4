package execution

import (
	"github.com/shopspring/decimal"

	"quantdesk/pkg/types"
)

// NSE intraday fee schedule. Rates are kept as decimals and the total is
// rounded to the paisa so simulated fills match contract notes exactly.
var (
	brokerageRate = decimal.RequireFromString("0.0003")   // 0.03%, capped at Rs 20 per order
	brokerageCap  = decimal.RequireFromString("20")
	sttRate       = decimal.RequireFromString("0.00025")  // 0.025%, sell side only
	exchTxnRate   = decimal.RequireFromString("0.0000297")
	gstRate       = decimal.RequireFromString("0.18")     // on brokerage + exchange txn
	sebiRate      = decimal.RequireFromString("0.000001") // Rs 10 per crore
	stampRate     = decimal.RequireFromString("0.00003")  // 0.003%, buy side only
)

// Fees computes the total charges for one fill, in rupees rounded to the
// paisa.
func Fees(side types.OrderSide, quantity int64, price float64) float64 {
	turnover := decimal.NewFromFloat(price).Mul(decimal.NewFromInt(quantity))

	brokerage := turnover.Mul(brokerageRate)
	if brokerage.GreaterThan(brokerageCap) {
		brokerage = brokerageCap
	}
	txn := turnover.Mul(exchTxnRate)
	gst := brokerage.Add(txn).Mul(gstRate)
	sebi := turnover.Mul(sebiRate)

	total := brokerage.Add(txn).Add(gst).Add(sebi)
	switch side {
	case types.Sell:
		total = total.Add(turnover.Mul(sttRate))
	case types.Buy:
		total = total.Add(turnover.Mul(stampRate))
	}
	return total.Round(2).InexactFloat64()
}
