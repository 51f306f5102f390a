package quote

import (
	"testing"

	"github.com/shopspring/decimal"

	"predictionmm/internal/position"
	"predictionmm/pkg/types"
)

func dec(s string) decimal.Decimal {
	d, err := decimal.NewFromString(s)
	if err != nil {
		panic(err)
	}
	return d
}

func baseInput() Input {
	return Input{
		Token:        "tokA",
		ReverseToken: "tokB",
		BestBid:      dec("0.50"),
		BestAsk:      dec("0.52"),
		HasBook:      true,
		Market: types.Market{
			TickSize:  types.Tick001,
			MinSize:   dec("5"),
			MaxSpread: dec("0.10"),
		},
		Params: types.StrategyParameters{
			VolatilityThreshold: dec("20"),
			TakeProfitThreshold: dec("10"),
		},
		Trade: types.TradeConfig{
			TradeSize: dec("20"),
			MaxSize:   dec("60"),
			Enabled:   true,
		},
		Engine:     types.DefaultEngineParameters(),
		Volatility: dec("5"),
	}
}

func TestColdStartEmptyPosition(t *testing.T) {
	t.Parallel()
	in := baseInput()

	out := Compute(in)
	if out.Buy == nil {
		t.Fatalf("expected a buy order")
	}
	if !out.Buy.Price.Equal(dec("0.50")) {
		t.Errorf("buy price = %s, want 0.50", out.Buy.Price)
	}
	if !out.Buy.Size.Equal(dec("40")) {
		t.Errorf("buy size = %s, want 40", out.Buy.Size)
	}
	if out.Sell != nil {
		t.Errorf("expected no sell with empty position")
	}
}

func TestPartialPositionTakeProfitSell(t *testing.T) {
	t.Parallel()
	in := baseInput()
	in.BestAsk = dec("0.54")
	in.Position = position.Position{Size: dec("40"), AvgPrice: dec("0.50"), HasPosition: true}

	out := Compute(in)
	if out.Buy == nil {
		t.Fatalf("expected a buy order")
	}
	if !out.Buy.Price.Equal(dec("0.50")) || !out.Buy.Size.Equal(dec("40")) {
		t.Errorf("buy = %+v, want price 0.50 size 40", out.Buy)
	}
	if out.Sell == nil {
		t.Fatalf("expected a take-profit sell")
	}
	if !out.Sell.Price.Equal(dec("0.55")) {
		t.Errorf("sell price = %s, want 0.55 (ceil(0.55, 0.01))", out.Sell.Price)
	}
	if !out.Sell.Size.Equal(dec("40")) {
		t.Errorf("sell size = %s, want 40 (full position)", out.Sell.Size)
	}
}

func TestReplaceDecisionBuyHysteresis(t *testing.T) {
	t.Parallel()
	existing := &types.OpenOrder{Price: dec("0.50"), Size: dec("40")}
	desired := &types.DesiredOrder{Price: dec("0.505"), Size: dec("40")}

	if ReplaceDecision(desired, existing, types.BUY, types.DefaultEngineParameters()) {
		t.Fatalf("expected no replace: Δprice 0.005 <= 0.015 threshold")
	}
}

func TestReplaceDecisionBuyPriceBreach(t *testing.T) {
	t.Parallel()
	existing := &types.OpenOrder{Price: dec("0.50"), Size: dec("40")}
	desired := &types.DesiredOrder{Price: dec("0.52"), Size: dec("40")}

	if !ReplaceDecision(desired, existing, types.BUY, types.DefaultEngineParameters()) {
		t.Fatalf("expected replace: Δprice 0.02 > 0.015 threshold")
	}
}

func TestOpposingPositionGuardSuppressesBuy(t *testing.T) {
	t.Parallel()
	in := baseInput()
	in.Position = position.Position{Size: dec("40"), AvgPrice: dec("0.50"), HasPosition: true}
	in.ReversePosition = position.Position{Size: dec("30"), AvgPrice: dec("0.48"), HasPosition: true}

	out := Compute(in)
	if out.Buy != nil {
		t.Fatalf("expected no buy: reverse position %s exceeds min_size %s", in.ReversePosition.Size, in.Market.MinSize)
	}
	if out.Sell == nil {
		t.Fatalf("expected sell to still fire for the existing position")
	}
}

func TestVolatilityAboveThresholdSuppressesBuy(t *testing.T) {
	t.Parallel()
	in := baseInput()
	in.Volatility = dec("30")
	in.Params.VolatilityThreshold = dec("20")

	out := Compute(in)
	if out.Buy != nil {
		t.Fatalf("expected no buy when volatility exceeds threshold")
	}
}

func TestRiskOffSuppressesBuy(t *testing.T) {
	t.Parallel()
	in := baseInput()
	in.RiskOff = true

	out := Compute(in)
	if out.Buy != nil {
		t.Fatalf("expected no buy while risk-off is active")
	}
}

func TestSpreadAboveMaxSuppressesBuyButSellSurvives(t *testing.T) {
	t.Parallel()
	in := baseInput()
	in.BestAsk = dec("0.70")
	in.Market.MaxSpread = dec("0.10")
	in.Position = position.Position{Size: dec("40"), AvgPrice: dec("0.50"), HasPosition: true}

	out := Compute(in)
	if out.Buy != nil {
		t.Fatalf("expected no buy when spread exceeds max_spread")
	}
	if out.Sell == nil {
		t.Fatalf("expected existing sell to remain even when spread is too wide to buy")
	}
}

func TestPositionNotionalAtMaxSuppressesBuy(t *testing.T) {
	t.Parallel()
	in := baseInput()
	in.Position = position.Position{Size: dec("120"), AvgPrice: dec("0.50"), HasPosition: true} // notional 60 == max_size

	out := Compute(in)
	if out.Buy != nil {
		t.Fatalf("expected no buy once position_notional reaches max_size")
	}
}

func TestUndersizedOrderNotPlaced(t *testing.T) {
	t.Parallel()
	in := baseInput()
	in.Trade.TradeSize = dec("1") // 1/0.50 = 2 shares < min_size 5

	out := Compute(in)
	if out.Buy != nil {
		t.Fatalf("expected no buy when resulting size is below min_size, got %+v", out.Buy)
	}
}
