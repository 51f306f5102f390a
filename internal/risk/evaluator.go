// Package risk is the pure Risk Evaluator: given a token's open position
// and the current book/volatility signals, it decides whether to trip
// risk-off. It holds no state and makes no exchange calls — the Reconciler
// is responsible for acting on the verdict (cancelling both sides,
// liquidating at best bid, and writing the risk-off record).
package risk

import (
	"github.com/shopspring/decimal"

	"predictionmm/internal/position"
	"predictionmm/internal/riskoff"
	"predictionmm/pkg/types"
)

// Verdict is the Risk Evaluator's decision for one token.
type Verdict struct {
	Trip   bool
	Reason riskoff.Reason
	PnLPct decimal.Decimal
}

// Evaluate implements spec.md §4.7. It only ever fires for a token with an
// open position — an empty position has nothing to stop out of.
func Evaluate(pos position.Position, bestBid, bestAsk, volatility decimal.Decimal, params types.StrategyParameters) Verdict {
	if !pos.HasPosition || !pos.AvgPrice.IsPositive() {
		return Verdict{}
	}

	if volatility.GreaterThan(params.VolatilityThreshold) {
		return Verdict{Trip: true, Reason: riskoff.ReasonVolatility}
	}

	mid := bestBid.Add(bestAsk).Div(decimal.NewFromInt(2))
	pnlPct := mid.Sub(pos.AvgPrice).Div(pos.AvgPrice).Mul(decimal.NewFromInt(100))
	spread := bestAsk.Sub(bestBid)

	if pnlPct.LessThan(params.StopLossThreshold) && spread.LessThanOrEqual(params.SpreadThreshold) {
		return Verdict{Trip: true, Reason: riskoff.ReasonStopLoss, PnLPct: pnlPct}
	}

	return Verdict{PnLPct: pnlPct}
}
