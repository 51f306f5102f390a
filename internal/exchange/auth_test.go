package exchange

import (
	"math/big"
	"testing"

	"github.com/shopspring/decimal"

	"predictionmm/pkg/types"
)

func dec(s string) decimal.Decimal {
	d, err := decimal.NewFromString(s)
	if err != nil {
		panic(err)
	}
	return d
}

func TestPriceToAmounts(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name     string
		price    string
		size     string
		side     types.Side
		tickSize types.TickSize
		wantMkr  int64 // expected makerAmount (6 decimal USDC)
		wantTkr  int64 // expected takerAmount (6 decimal USDC)
	}{
		{
			name:     "BUY at 0.50, size 100",
			price:    "0.50",
			size:     "100",
			side:     types.BUY,
			tickSize: types.Tick001,
			wantMkr:  50_000_000,
			wantTkr:  100_000_000,
		},
		{
			name:     "SELL at 0.50, size 100",
			price:    "0.50",
			size:     "100",
			side:     types.SELL,
			tickSize: types.Tick001,
			wantMkr:  100_000_000,
			wantTkr:  50_000_000,
		},
		{
			name:     "BUY at 0.75, size 10",
			price:    "0.75",
			size:     "10",
			side:     types.BUY,
			tickSize: types.Tick001,
			wantMkr:  7_500_000,
			wantTkr:  10_000_000,
		},
		{
			name:     "BUY small size truncated",
			price:    "0.55",
			size:     "1.999",
			side:     types.BUY,
			tickSize: types.Tick001,
			wantMkr:  1_094_500, // truncate(1.99 * 0.55, 4) = 1.0945
			wantTkr:  1_990_000,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			mkr, tkr := PriceToAmounts(dec(tt.price), dec(tt.size), tt.side, tt.tickSize)

			if mkr.Cmp(big.NewInt(tt.wantMkr)) != 0 {
				t.Errorf("makerAmount = %s, want %d", mkr.String(), tt.wantMkr)
			}
			if tkr.Cmp(big.NewInt(tt.wantTkr)) != 0 {
				t.Errorf("takerAmount = %s, want %d", tkr.String(), tt.wantTkr)
			}
		})
	}
}

func TestPriceToAmountsSellMirrorsBuy(t *testing.T) {
	t.Parallel()

	buyMkr, buyTkr := PriceToAmounts(dec("0.60"), dec("50"), types.BUY, types.Tick001)
	sellMkr, sellTkr := PriceToAmounts(dec("0.60"), dec("50"), types.SELL, types.Tick001)

	if buyMkr.Cmp(sellTkr) != 0 {
		t.Errorf("BUY maker (%s) != SELL taker (%s)", buyMkr, sellTkr)
	}
	if buyTkr.Cmp(sellMkr) != 0 {
		t.Errorf("BUY taker (%s) != SELL maker (%s)", buyTkr, sellMkr)
	}
}
