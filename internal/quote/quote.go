// Package quote is the pure Quote Engine: given a market's book, position,
// orders, and parameters, it computes the desired bid/ask and whether each
// side's existing order should be cancelled and replaced.
//
// Pure means no I/O, no locks, no channels — every input is a value handed
// in by the Reconciler, which owns the critical section and actually calls
// the exchange. This makes the pricing and gating rules exhaustively
// testable against literal scenarios without a live book or exchange.
package quote

import (
	"github.com/shopspring/decimal"

	"predictionmm/internal/position"
	"predictionmm/pkg/types"
)

// Input bundles everything the engine needs for one token.
type Input struct {
	Token        string
	ReverseToken string

	BestBid, BestAsk decimal.Decimal
	HasBook          bool

	Position        position.Position // position(token)
	ReversePosition position.Position // position(reverse(token))
	Orders          position.Orders

	Market     types.Market
	Params     types.StrategyParameters
	Trade      types.TradeConfig
	Engine     types.EngineParameters
	Volatility decimal.Decimal

	RiskOff bool // true if the market's RiskOffRecord is currently active
}

// Desired is the engine's output for one token: the bid/ask it wants live,
// or nil on a side that should have no resting order.
type Desired struct {
	Buy  *types.DesiredOrder
	Sell *types.DesiredOrder
}

// Compute implements spec.md §4.3's pricing, sizing, and gating rules.
func Compute(in Input) Desired {
	var out Desired

	if !in.HasBook || in.BestBid.IsZero() && in.BestAsk.IsZero() {
		return out
	}

	tick := in.Market.TickSize.Decimal()

	if buyAllowed(in) {
		buyPrice := roundDownToTick(in.BestBid, tick)
		if buyPrice.LessThan(in.Engine.LowPriceThreshold) {
			buyPrice = roundDownToTick(buyPrice.Mul(in.Engine.LowPriceMultiplier), tick)
		}
		if buyPrice.IsPositive() {
			size := buySize(in, buyPrice)
			if size.GreaterThanOrEqual(in.Market.MinSize) {
				out.Buy = &types.DesiredOrder{
					TokenID: in.Token,
					Price:   buyPrice,
					Size:    size,
					Side:    types.BUY,
				}
			}
		}
	}

	if in.Position.HasPosition && in.Position.Size.GreaterThanOrEqual(in.Market.MinSize) {
		sellPrice := takeProfitPrice(in.Position, in.Params, tick)
		out.Sell = &types.DesiredOrder{
			TokenID: in.Token,
			Price:   sellPrice,
			Size:    in.Position.Size,
			Side:    types.SELL,
		}
	}

	return out
}

// buyAllowed implements the gating conjunction for the buy side.
func buyAllowed(in Input) bool {
	if !in.Trade.Enabled || in.RiskOff {
		return false
	}
	positionNotional := in.Position.Size.Mul(in.Position.AvgPrice)
	if positionNotional.GreaterThanOrEqual(in.Trade.MaxSize) {
		return false
	}
	if in.Position.Size.GreaterThanOrEqual(in.Engine.HardShareCapShares) {
		return false
	}
	if in.ReversePosition.Size.GreaterThan(in.Market.MinSize) {
		return false // no self-hedging
	}
	spread := in.BestAsk.Sub(in.BestBid)
	if spread.GreaterThan(in.Market.MaxSpread) {
		return false
	}
	if in.Volatility.GreaterThan(in.Params.VolatilityThreshold) {
		return false
	}
	return true
}

// buySize converts the trade notional to shares, bounded above by the
// remaining headroom to max_size.
func buySize(in Input, buyPrice decimal.Decimal) decimal.Decimal {
	if !buyPrice.IsPositive() {
		return decimal.Zero
	}
	positionNotional := in.Position.Size.Mul(in.Position.AvgPrice)
	headroomNotional := in.Trade.MaxSize.Sub(positionNotional)
	if !headroomNotional.IsPositive() {
		return decimal.Zero
	}

	shares := in.Trade.TradeSize.Div(buyPrice)
	headroomShares := headroomNotional.Div(buyPrice)
	if shares.GreaterThan(headroomShares) {
		shares = headroomShares
	}
	return shares
}

// takeProfitPrice is the only sell price the engine ever quotes when a
// position is open — never the volatile best_ask.
func takeProfitPrice(pos position.Position, params types.StrategyParameters, tick decimal.Decimal) decimal.Decimal {
	hundred := decimal.NewFromInt(100)
	multiplier := decimal.NewFromInt(1).Add(params.TakeProfitThreshold.Div(hundred))
	return roundUpToTick(pos.AvgPrice.Mul(multiplier), tick)
}

func roundDownToTick(p, tick decimal.Decimal) decimal.Decimal {
	if tick.IsZero() {
		return p
	}
	return p.Div(tick).Floor().Mul(tick)
}

func roundUpToTick(p, tick decimal.Decimal) decimal.Decimal {
	if tick.IsZero() {
		return p
	}
	return p.Div(tick).Ceil().Mul(tick)
}

// ReplaceDecision reports whether an existing order on one side should be
// cancelled and replaced by the desired order, per spec.md §4.3's
// hysteresis thresholds, so changes below them leave the live order in
// place. The buy-side thresholds are tighter than the sell side's, so
// resting bids track the desired quote more closely than asks.
func ReplaceDecision(desired *types.DesiredOrder, existing *types.OpenOrder, side types.Side, engine types.EngineParameters) bool {
	if existing == nil {
		return false // nothing live to cancel; a place (if desired) happens regardless
	}
	if desired == nil {
		return true // nothing desired anymore; cancel what's live
	}

	priceThreshold := engine.BuyReplaceThresholdPrice
	sizePctThreshold := engine.BuyReplaceThresholdSizePct
	if side == types.SELL {
		priceThreshold = engine.SellReplaceThresholdPrice
		sizePctThreshold = engine.SellReplaceThresholdSizePct
	}

	deltaPrice := desired.Price.Sub(existing.Price).Abs()
	if deltaPrice.GreaterThan(priceThreshold) {
		return true
	}
	if existing.Size.IsZero() {
		return true
	}
	deltaSizePct := desired.Size.Sub(existing.Size).Abs().Div(existing.Size)
	return deltaSizePct.GreaterThan(sizePctThreshold)
}
