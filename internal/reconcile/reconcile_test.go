package reconcile

import (
	"context"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"predictionmm/internal/book"
	"predictionmm/internal/pending"
	"predictionmm/internal/position"
	"predictionmm/internal/riskoff"
	"predictionmm/pkg/types"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type exchangeCall struct {
	kind        string
	token       string
	side        types.Side
	price       decimal.Decimal
	size        decimal.Decimal
	postOnly    bool
	microshares int64
	negRisk     bool
}

type fakeExchange struct {
	mu          sync.Mutex
	calls       []exchangeCall
	notify      chan exchangeCall
	nextOrderID string
}

func newFakeExchange() *fakeExchange {
	return &fakeExchange{notify: make(chan exchangeCall, 32), nextOrderID: "order-1"}
}

func (f *fakeExchange) record(c exchangeCall) {
	f.mu.Lock()
	f.calls = append(f.calls, c)
	f.mu.Unlock()
	f.notify <- c
}

func (f *fakeExchange) CreateOrder(ctx context.Context, token string, side types.Side, price, size decimal.Decimal, postOnly bool) (string, error) {
	f.record(exchangeCall{kind: "create", token: token, side: side, price: price, size: size, postOnly: postOnly})
	return f.nextOrderID, nil
}

func (f *fakeExchange) CancelAllForToken(ctx context.Context, token string) error {
	f.record(exchangeCall{kind: "cancel", token: token})
	return nil
}

func (f *fakeExchange) MergeComplementary(ctx context.Context, conditionID string, amountMicroshares int64, negRisk bool) error {
	f.record(exchangeCall{kind: "merge", token: conditionID, microshares: amountMicroshares, negRisk: negRisk})
	return nil
}

func (f *fakeExchange) waitCall(t *testing.T) exchangeCall {
	t.Helper()
	select {
	case c := <-f.notify:
		return c
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for exchange call")
		return exchangeCall{}
	}
}

func (f *fakeExchange) expectNoCall(t *testing.T, d time.Duration) {
	t.Helper()
	select {
	case c := <-f.notify:
		t.Fatalf("unexpected exchange call: %+v", c)
	case <-time.After(d):
	}
}

func baseMarket() types.Market {
	return types.Market{
		ConditionID: "cond1",
		TokenA:      "token-a",
		TokenB:      "token-b",
		TickSize:    types.Tick001,
		MinSize:     decimal.NewFromInt(1),
		MaxSpread:   decimal.NewFromFloat(0.5),
	}
}

func baseParams() types.StrategyParameters {
	return types.StrategyParameters{
		StopLossThreshold:   decimal.NewFromInt(-1000),
		TakeProfitThreshold: decimal.NewFromInt(5),
		VolatilityThreshold: decimal.NewFromInt(100),
		SpreadThreshold:     decimal.NewFromFloat(1),
		SleepPeriodHours:    decimal.NewFromFloat(0.01),
	}
}

func baseTrade() types.TradeConfig {
	return types.TradeConfig{ConditionID: "cond1", TradeSize: decimal.NewFromInt(10), MaxSize: decimal.NewFromInt(100), Enabled: true}
}

func newTestMarketReconciler(t *testing.T, b *book.Book, exch Exchange, registryFn RegistryView, rateLimit time.Duration) *Market {
	t.Helper()
	riskoffReg, err := riskoff.Open(t.TempDir())
	if err != nil {
		t.Fatalf("riskoff.Open: %v", err)
	}
	return New(Config{
		ConditionID:       "cond1",
		Book:              b,
		Positions:         position.New(),
		Pending:           pending.New(),
		RiskOff:           riskoffReg,
		Exchange:          exch,
		Volatility:        ZeroVolatility{},
		Registry:          registryFn,
		EngineParams:      types.DefaultEngineParameters(),
		BookOnlyRateLimit: rateLimit,
		CallTimeout:       time.Second,
		Logger:            discardLogger(),
	})
}

func TestTriggerCoalescesRetriesIntoOneRerun(t *testing.T) {
	t.Parallel()

	var n int32
	started := make(chan struct{})
	proceed := make(chan struct{})
	done := make(chan struct{}, 10)

	registryFn := func(string) (types.Market, types.StrategyParameters, types.TradeConfig, bool) {
		if atomic.AddInt32(&n, 1) == 1 {
			close(started)
			<-proceed
		}
		done <- struct{}{}
		return types.Market{}, types.StrategyParameters{}, types.TradeConfig{}, false
	}

	riskoffReg, err := riskoff.Open(t.TempDir())
	if err != nil {
		t.Fatalf("riskoff.Open: %v", err)
	}
	m := New(Config{
		ConditionID: "cond1",
		Book:        book.New("cond1", "token-a", "token-b"),
		Positions:   position.New(),
		Pending:     pending.New(),
		RiskOff:     riskoffReg,
		Exchange:    newFakeExchange(),
		Registry:    registryFn,
		CallTimeout: time.Second,
		Logger:      discardLogger(),
	})

	ctx := context.Background()
	m.Trigger(ctx, "book")
	<-started
	m.Trigger(ctx, "book")
	m.Trigger(ctx, "book")
	close(proceed)

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("expected first reconcileOnce to finish")
	}
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("expected exactly one coalesced retry to run")
	}
	select {
	case <-done:
		t.Fatal("expected no third reconcileOnce run from redundant triggers")
	case <-time.After(200 * time.Millisecond):
	}

	if got := atomic.LoadInt32(&n); got != 2 {
		t.Fatalf("expected exactly 2 reconcileOnce invocations, got %d", got)
	}
}

func TestPlaceIfAbsentWhenNoExistingOrder(t *testing.T) {
	t.Parallel()

	b := book.New("cond1", "token-a", "token-b")
	b.ApplySnapshot("token-a", []types.PriceLevel{{Price: decimal.RequireFromString("0.40"), Size: decimal.NewFromInt(1000)}},
		[]types.PriceLevel{{Price: decimal.RequireFromString("0.42"), Size: decimal.NewFromInt(1000)}}, "h1")

	market, params, trade := baseMarket(), baseParams(), baseTrade()
	registryFn := func(string) (types.Market, types.StrategyParameters, types.TradeConfig, bool) {
		return market, params, trade, true
	}

	exch := newFakeExchange()
	m := newTestMarketReconciler(t, b, exch, registryFn, time.Hour)

	m.Trigger(context.Background(), "private")

	call := exch.waitCall(t)
	if call.kind != "create" || call.side != types.BUY || call.token != "token-a" {
		t.Fatalf("expected a buy create call for token-a, got %+v", call)
	}
	if !call.price.Equal(decimal.RequireFromString("0.40")) {
		t.Fatalf("expected buy price 0.40, got %s", call.price)
	}
	if !call.size.Equal(decimal.NewFromInt(25)) {
		t.Fatalf("expected buy size 25, got %s", call.size)
	}

	exch.expectNoCall(t, 200*time.Millisecond)
}

func TestNoReplaceWhenExistingOrderMatchesDesired(t *testing.T) {
	t.Parallel()

	b := book.New("cond1", "token-a", "token-b")
	b.ApplySnapshot("token-a", []types.PriceLevel{{Price: decimal.RequireFromString("0.40"), Size: decimal.NewFromInt(1000)}},
		[]types.PriceLevel{{Price: decimal.RequireFromString("0.42"), Size: decimal.NewFromInt(1000)}}, "h1")

	market, params, trade := baseMarket(), baseParams(), baseTrade()
	registryFn := func(string) (types.Market, types.StrategyParameters, types.TradeConfig, bool) {
		return market, params, trade, true
	}

	exch := newFakeExchange()
	m := newTestMarketReconciler(t, b, exch, registryFn, time.Hour)
	m.positions.ApplyOrderAck("token-a", types.BUY, "existing-1", decimal.RequireFromString("0.40"), decimal.NewFromInt(25))

	m.Trigger(context.Background(), "private")

	exch.expectNoCall(t, 300*time.Millisecond)
}

func TestReplaceCancelsBeforePlacing(t *testing.T) {
	t.Parallel()

	b := book.New("cond1", "token-a", "token-b")
	b.ApplySnapshot("token-a", []types.PriceLevel{{Price: decimal.RequireFromString("0.40"), Size: decimal.NewFromInt(1000)}},
		[]types.PriceLevel{{Price: decimal.RequireFromString("0.42"), Size: decimal.NewFromInt(1000)}}, "h1")

	market, params, trade := baseMarket(), baseParams(), baseTrade()
	registryFn := func(string) (types.Market, types.StrategyParameters, types.TradeConfig, bool) {
		return market, params, trade, true
	}

	exch := newFakeExchange()
	m := newTestMarketReconciler(t, b, exch, registryFn, time.Hour)
	// Existing order priced far from desired 0.40 -> delta 0.10 exceeds the
	// default buy replace threshold of 0.015.
	m.positions.ApplyOrderAck("token-a", types.BUY, "existing-1", decimal.RequireFromString("0.30"), decimal.NewFromInt(25))

	m.Trigger(context.Background(), "private")

	first := exch.waitCall(t)
	if first.kind != "cancel" || first.token != "token-a" {
		t.Fatalf("expected cancel-all-for-token first, got %+v", first)
	}
	second := exch.waitCall(t)
	if second.kind != "create" || second.side != types.BUY {
		t.Fatalf("expected buy create after cancel, got %+v", second)
	}
	exch.expectNoCall(t, 200*time.Millisecond)
}

func TestRiskOffTripCancelsLiquidatesPersistsAndShortCircuits(t *testing.T) {
	t.Parallel()

	b := book.New("cond1", "token-a", "token-b")
	levels := []types.PriceLevel{{Price: decimal.RequireFromString("0.40"), Size: decimal.NewFromInt(1000)}}
	asks := []types.PriceLevel{{Price: decimal.RequireFromString("0.42"), Size: decimal.NewFromInt(1000)}}
	b.ApplySnapshot("token-a", levels, asks, "h1")
	b.ApplySnapshot("token-b", levels, asks, "h1")

	market := baseMarket()
	params := baseParams()
	params.StopLossThreshold = decimal.NewFromInt(-10) // trips well above our -59% pnl
	trade := baseTrade()
	registryFn := func(string) (types.Market, types.StrategyParameters, types.TradeConfig, bool) {
		return market, params, trade, true
	}

	exch := newFakeExchange()
	riskoffReg, err := riskoff.Open(t.TempDir())
	if err != nil {
		t.Fatalf("riskoff.Open: %v", err)
	}
	m := New(Config{
		ConditionID:       "cond1",
		Book:              b,
		Positions:         position.New(),
		Pending:           pending.New(),
		RiskOff:           riskoffReg,
		Exchange:          exch,
		Volatility:        ZeroVolatility{},
		Registry:          registryFn,
		EngineParams:      types.DefaultEngineParameters(),
		BookOnlyRateLimit: time.Hour,
		CallTimeout:       time.Second,
		Logger:            discardLogger(),
	})
	m.positions.ApplyFill("token-a", types.BUY, decimal.NewFromInt(10), decimal.RequireFromString("1.0"))

	m.Trigger(context.Background(), "private")

	first := exch.waitCall(t)
	if first.kind != "cancel" || first.token != "token-a" {
		t.Fatalf("expected cancel-all-for-token on risk-off, got %+v", first)
	}
	second := exch.waitCall(t)
	if second.kind != "create" || second.side != types.SELL || second.token != "token-a" {
		t.Fatalf("expected liquidation sell on risk-off, got %+v", second)
	}
	if !second.price.Equal(decimal.RequireFromString("0.40")) {
		t.Fatalf("expected liquidation at best bid 0.40, got %s", second.price)
	}

	// token-b must not be touched this cycle: risk-off short-circuits the market.
	exch.expectNoCall(t, 200*time.Millisecond)

	rec, err := riskoffReg.Load("cond1")
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if rec == nil || rec.Reason != riskoff.ReasonStopLoss {
		t.Fatalf("expected persisted stop_loss risk-off record, got %+v", rec)
	}
	if !rec.Active(time.Now()) {
		t.Fatalf("expected risk-off record to still be active immediately after trip")
	}

	// A subsequent trigger while the record is active must not touch the
	// exchange at all.
	m.Trigger(context.Background(), "private")
	exch.expectNoCall(t, 200*time.Millisecond)
}

func TestMaybeMergeFiresOnceBothSidesClearThreshold(t *testing.T) {
	t.Parallel()

	b := book.New("cond1", "token-a", "token-b")
	levels := []types.PriceLevel{{Price: decimal.RequireFromString("0.40"), Size: decimal.NewFromInt(1000)}}
	asks := []types.PriceLevel{{Price: decimal.RequireFromString("0.42"), Size: decimal.NewFromInt(1000)}}
	b.ApplySnapshot("token-a", levels, asks, "h1")
	b.ApplySnapshot("token-b", levels, asks, "h1")

	market := baseMarket()
	market.NegRisk = true
	params := baseParams()
	trade := baseTrade()
	trade.Enabled = false // isolate the merge path from the buy-quote path
	registryFn := func(string) (types.Market, types.StrategyParameters, types.TradeConfig, bool) {
		return market, params, trade, true
	}

	exch := newFakeExchange()
	m := newTestMarketReconciler(t, b, exch, registryFn, time.Hour)
	m.positions.ApplyFill("token-a", types.BUY, decimal.NewFromInt(25), decimal.RequireFromString("0.40"))
	m.positions.ApplyFill("token-b", types.BUY, decimal.NewFromInt(25), decimal.RequireFromString("0.40"))

	m.Trigger(context.Background(), "private")

	var mergeCall *exchangeCall
	for i := 0; i < 3; i++ {
		c := exch.waitCall(t)
		if c.kind == "merge" {
			cc := c
			mergeCall = &cc
		}
	}
	if mergeCall == nil {
		t.Fatalf("expected a merge_complementary call among the reconciliation calls")
	}
	if mergeCall.microshares != 25_000_000 {
		t.Fatalf("expected 25_000_000 microshares, got %d", mergeCall.microshares)
	}
	if !mergeCall.negRisk {
		t.Fatalf("expected neg_risk to propagate from market config")
	}
}

// TestNoBookSkipsRiskEvaluationOnWarmCachedPosition reproduces a token
// primed with a position from a warm-cache restore (HasPosition, AvgPrice>0)
// before its book has received a first snapshot. With no book, best bid/ask
// are both zero; evaluating risk against that would read as a total loss and
// trip a phantom stop-loss. reconcileToken must skip straight past both risk
// evaluation and quoting for this token instead.
func TestNoBookSkipsRiskEvaluationOnWarmCachedPosition(t *testing.T) {
	t.Parallel()

	b := book.New("cond1", "token-a", "token-b") // token-a never gets a snapshot

	market, trade := baseMarket(), baseTrade()
	params := baseParams()
	params.StopLossThreshold = decimal.NewFromInt(-1) // trips on almost any loss

	registryFn := func(string) (types.Market, types.StrategyParameters, types.TradeConfig, bool) {
		return market, params, trade, true
	}

	exch := newFakeExchange()
	m := newTestMarketReconciler(t, b, exch, registryFn, time.Hour)
	m.positions.SetWarmCache("token-a", decimal.NewFromInt(25), decimal.RequireFromString("0.40"))

	m.Trigger(context.Background(), "private")

	exch.expectNoCall(t, 300*time.Millisecond)

	if rec, err := m.riskoff.Load("cond1"); err != nil {
		t.Fatalf("riskoff.Load: %v", err)
	} else if rec != nil && rec.Active(time.Now()) {
		t.Fatalf("expected no risk-off record for a token with no book, got %+v", rec)
	}
}
