package stream

import (
	"log/slog"
	"io"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"predictionmm/internal/book"
	"predictionmm/internal/pending"
	"predictionmm/internal/position"
	"predictionmm/internal/sinks"
	"predictionmm/pkg/types"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type fakeRouter struct {
	books     map[string]*book.Book
	markets   map[string]string
}

func newFakeRouter() *fakeRouter {
	return &fakeRouter{books: map[string]*book.Book{}, markets: map[string]string{}}
}

func (f *fakeRouter) track(token, conditionID string, b *book.Book) {
	f.books[token] = b
	f.markets[token] = conditionID
}

func (f *fakeRouter) BookFor(token string) (*book.Book, bool) {
	b, ok := f.books[token]
	return b, ok
}

func (f *fakeRouter) MarketFor(token string) (string, bool) {
	c, ok := f.markets[token]
	return c, ok
}

type recordedTrigger struct {
	calls []string
}

func (r *recordedTrigger) fire(conditionID, reason string) {
	r.calls = append(r.calls, conditionID+":"+reason)
}

func TestApplyBookUpdatesTrackedTokenAndTriggers(t *testing.T) {
	t.Parallel()

	b := book.New("cond1", "token-a", "token-b")
	router := newFakeRouter()
	router.track("token-a", "cond1", b)

	trig := &recordedTrigger{}
	h := NewMarketHandler(nil, router, trig.fire, discardLogger())

	evt := types.WireBookEvent{
		AssetID: "token-a",
		Hash:    "h1",
		Bids:    []types.WirePriceLevel{{Price: "0.40", Size: "100"}},
		Asks:    []types.WirePriceLevel{{Price: "0.42", Size: "100"}},
	}
	h.applyBook(evt)

	bid, _, ask, _, ok := b.Best("token-a")
	if !ok {
		t.Fatalf("expected book to have best bid/ask after snapshot")
	}
	if !bid.Equal(decimal.RequireFromString("0.40")) || !ask.Equal(decimal.RequireFromString("0.42")) {
		t.Fatalf("unexpected best bid/ask: %s/%s", bid, ask)
	}
	if len(trig.calls) != 1 || trig.calls[0] != "cond1:book" {
		t.Fatalf("expected one trigger for cond1:book, got %v", trig.calls)
	}
}

func TestApplyBookUntrackedTokenIsIgnored(t *testing.T) {
	t.Parallel()

	router := newFakeRouter()
	trig := &recordedTrigger{}
	h := NewMarketHandler(nil, router, trig.fire, discardLogger())

	h.applyBook(types.WireBookEvent{AssetID: "unknown-token"})

	if len(trig.calls) != 0 {
		t.Fatalf("expected no trigger for untracked token, got %v", trig.calls)
	}
}

func TestApplyBookMalformedLevelDropsWithoutPanic(t *testing.T) {
	t.Parallel()

	b := book.New("cond1", "token-a", "token-b")
	router := newFakeRouter()
	router.track("token-a", "cond1", b)

	trig := &recordedTrigger{}
	h := NewMarketHandler(nil, router, trig.fire, discardLogger())

	h.applyBook(types.WireBookEvent{
		AssetID: "token-a",
		Bids:    []types.WirePriceLevel{{Price: "not-a-number", Size: "100"}},
	})

	if _, _, _, _, ok := b.Best("token-a"); ok {
		t.Fatalf("expected malformed snapshot to be dropped, book unchanged")
	}
	if len(trig.calls) != 0 {
		t.Fatalf("expected no trigger on dropped event, got %v", trig.calls)
	}
}

func TestApplyPriceChangeDedupesTriggerPerCondition(t *testing.T) {
	t.Parallel()

	b := book.New("cond1", "token-a", "token-b")
	router := newFakeRouter()
	router.track("token-a", "cond1", b)
	router.track("token-b", "cond1", b)

	trig := &recordedTrigger{}
	h := NewMarketHandler(nil, router, trig.fire, discardLogger())

	h.applyPriceChange(types.WirePriceChangeEvent{
		PriceChanges: []types.WirePriceChange{
			{AssetID: "token-a", Price: "0.40", Size: "50", Side: "BUY"},
			{AssetID: "token-b", Price: "0.60", Size: "50", Side: "SELL"},
		},
	})

	if len(trig.calls) != 1 {
		t.Fatalf("expected exactly one trigger across both tokens in the same market, got %v", trig.calls)
	}
}

func TestApplyTradeUpdatesPositionAndPending(t *testing.T) {
	t.Parallel()

	router := newFakeRouter()
	router.track("token-a", "cond1", nil)
	positions := position.New()
	pendingSet := pending.New()
	trig := &recordedTrigger{}

	h := NewUserHandler(nil, router, positions, pendingSet, time.Minute, trig.fire, sinks.Sinks{}, discardLogger())

	h.applyTrade(types.WireTradeEvent{
		TradeID: "trade-1",
		AssetID: "token-a",
		Side:    "BUY",
		Price:   "0.40",
		Size:    "10",
	})

	pos := positions.GetPosition("token-a")
	if !pos.HasPosition || !pos.Size.Equal(decimal.NewFromInt(10)) {
		t.Fatalf("expected position size 10, got %+v", pos)
	}
	if !pendingSet.HasPendingForToken("token-a") {
		t.Fatalf("expected pending intent recorded for token-a")
	}
	if len(trig.calls) != 1 || trig.calls[0] != "cond1:private" {
		t.Fatalf("expected one trigger for cond1:private, got %v", trig.calls)
	}
}

func TestApplyTradeUntrackedTokenIsIgnored(t *testing.T) {
	t.Parallel()

	router := newFakeRouter()
	positions := position.New()
	pendingSet := pending.New()
	trig := &recordedTrigger{}

	h := NewUserHandler(nil, router, positions, pendingSet, time.Minute, trig.fire, sinks.Sinks{}, discardLogger())

	h.applyTrade(types.WireTradeEvent{AssetID: "unknown-token", TradeID: "t1", Side: "BUY", Price: "0.4", Size: "1"})

	if len(trig.calls) != 0 {
		t.Fatalf("expected no trigger for untracked token, got %v", trig.calls)
	}
}

func TestApplyOrderLiveTracksRemainingSize(t *testing.T) {
	t.Parallel()

	router := newFakeRouter()
	router.track("token-a", "cond1", nil)
	positions := position.New()
	pendingSet := pending.New()
	trig := &recordedTrigger{}

	h := NewUserHandler(nil, router, positions, pendingSet, time.Minute, trig.fire, sinks.Sinks{}, discardLogger())

	h.applyOrder(types.WireOrderEvent{
		OrderID:      "order-1",
		AssetID:      "token-a",
		Side:         "BUY",
		Price:        "0.40",
		OriginalSize: "100",
		SizeMatched:  "30",
		Status:       "live",
	})

	orders := positions.GetOrders("token-a")
	if orders.Buy == nil {
		t.Fatalf("expected live order tracked")
	}
	if !orders.Buy.Size.Equal(decimal.NewFromInt(70)) {
		t.Fatalf("expected remaining size 70, got %s", orders.Buy.Size)
	}
}

func TestApplyOrderFullyMatchedClearsOrder(t *testing.T) {
	t.Parallel()

	router := newFakeRouter()
	router.track("token-a", "cond1", nil)
	positions := position.New()
	pendingSet := pending.New()
	trig := &recordedTrigger{}

	h := NewUserHandler(nil, router, positions, pendingSet, time.Minute, trig.fire, sinks.Sinks{}, discardLogger())

	positions.ApplyOrderAck("token-a", types.BUY, "order-1", decimal.RequireFromString("0.40"), decimal.NewFromInt(100))

	h.applyOrder(types.WireOrderEvent{
		OrderID:      "order-1",
		AssetID:      "token-a",
		Side:         "BUY",
		Price:        "0.40",
		OriginalSize: "100",
		SizeMatched:  "100",
		Status:       "matched",
	})

	orders := positions.GetOrders("token-a")
	if orders.Buy != nil {
		t.Fatalf("expected matched order cleared, got %+v", orders.Buy)
	}
}

func TestApplyOrderMalformedDropsWithoutPanic(t *testing.T) {
	t.Parallel()

	router := newFakeRouter()
	router.track("token-a", "cond1", nil)
	positions := position.New()
	pendingSet := pending.New()
	trig := &recordedTrigger{}

	h := NewUserHandler(nil, router, positions, pendingSet, time.Minute, trig.fire, sinks.Sinks{}, discardLogger())

	h.applyOrder(types.WireOrderEvent{
		OrderID:      "order-1",
		AssetID:      "token-a",
		Side:         "BUY",
		Price:        "not-a-number",
		OriginalSize: "100",
		Status:       "live",
	})

	if orders := positions.GetOrders("token-a"); orders.Buy != nil {
		t.Fatalf("expected malformed order event to be dropped")
	}
	if len(trig.calls) != 0 {
		t.Fatalf("expected no trigger on dropped event, got %v", trig.calls)
	}
}
