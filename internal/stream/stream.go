// Package stream parses public book-stream and private user-stream wire
// events into Book Store / Position & Order Store mutations and enqueues
// the reconciliation trigger for the owning market.
//
// Grounded directly on internal/exchange/ws.go's WSFeed: this package is the
// layer above it that knows what a book/trade/order event MEANS to the
// core's stores, while WSFeed only knows how to keep a connection alive and
// hand back typed wire structs.
package stream

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/shopspring/decimal"
	"golang.org/x/sync/errgroup"

	"predictionmm/internal/book"
	"predictionmm/internal/exchange"
	"predictionmm/internal/pending"
	"predictionmm/internal/position"
	"predictionmm/internal/sinks"
	"predictionmm/pkg/types"
)

// Trigger enqueues a reconciliation attempt for one market. Reason is
// informational only (logging); the Reconciler treats every trigger alike
// except for the book-only rate limit.
type Trigger func(conditionID, reason string)

// Router maps a token ID to the market that owns it, and to that market's
// Book Store. Implemented by the Engine, which is the only component that
// knows the full token→market mapping.
type Router interface {
	BookFor(token string) (*book.Book, bool)
	MarketFor(token string) (conditionID string, ok bool)
}

// MarketHandler drives the public book stream: applies snapshots and
// deltas to the Book Store and triggers reconciliation on every event.
type MarketHandler struct {
	feed    *exchange.WSFeed
	router  Router
	trigger Trigger
	logger  *slog.Logger
}

// NewMarketHandler wires a public WSFeed to the Book Store via router.
func NewMarketHandler(feed *exchange.WSFeed, router Router, trigger Trigger, logger *slog.Logger) *MarketHandler {
	return &MarketHandler{feed: feed, router: router, trigger: trigger, logger: logger.With("component", "stream_market")}
}

// Run drives the feed's connection loop and its event dispatch loop
// together; either returning ends both.
func (h *MarketHandler) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error { return h.feed.Run(ctx) })
	g.Go(func() error { return h.dispatch(ctx) })
	return g.Wait()
}

func (h *MarketHandler) dispatch(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case evt := <-h.feed.BookEvents():
			h.applyBook(evt)
		case evt := <-h.feed.PriceChangeEvents():
			h.applyPriceChange(evt)
		}
	}
}

func (h *MarketHandler) applyBook(evt types.WireBookEvent) {
	b, ok := h.router.BookFor(evt.AssetID)
	if !ok {
		h.logger.Debug("book event for untracked token", "token", evt.AssetID)
		return
	}

	bids, err := parseLevels(evt.Bids)
	if err != nil {
		h.logger.Warn("dropping malformed book snapshot", "token", evt.AssetID, "error", err)
		return
	}
	asks, err := parseLevels(evt.Asks)
	if err != nil {
		h.logger.Warn("dropping malformed book snapshot", "token", evt.AssetID, "error", err)
		return
	}

	b.ApplySnapshot(evt.AssetID, bids, asks, evt.Hash)

	conditionID, ok := h.router.MarketFor(evt.AssetID)
	if ok {
		h.trigger(conditionID, "book")
	}
}

func (h *MarketHandler) applyPriceChange(evt types.WirePriceChangeEvent) {
	fired := make(map[string]bool)
	for _, d := range evt.PriceChanges {
		b, ok := h.router.BookFor(d.AssetID)
		if !ok {
			continue
		}
		price, err := decimal.NewFromString(d.Price)
		if err != nil {
			h.logger.Warn("dropping malformed price_change", "token", d.AssetID, "error", err)
			continue
		}
		size, err := decimal.NewFromString(d.Size)
		if err != nil {
			h.logger.Warn("dropping malformed price_change", "token", d.AssetID, "error", err)
			continue
		}
		side := types.Side(d.Side)
		b.ApplyDelta(d.AssetID, side, price, size, d.Hash)

		conditionID, ok := h.router.MarketFor(d.AssetID)
		if ok && !fired[conditionID] {
			fired[conditionID] = true
			h.trigger(conditionID, "book")
		}
	}
}

func parseLevels(wire []types.WirePriceLevel) ([]types.PriceLevel, error) {
	out := make([]types.PriceLevel, 0, len(wire))
	for _, w := range wire {
		price, err := decimal.NewFromString(w.Price)
		if err != nil {
			return nil, fmt.Errorf("price %q: %w", w.Price, err)
		}
		size, err := decimal.NewFromString(w.Size)
		if err != nil {
			return nil, fmt.Errorf("size %q: %w", w.Size, err)
		}
		out = append(out, types.PriceLevel{Price: price, Size: size})
	}
	return out, nil
}

// UserHandler drives the private user stream: eagerly applies fills and
// order-lifecycle updates to the Position & Order Store and the Pending
// Intents Set, and triggers reconciliation for the affected market.
type UserHandler struct {
	feed        *exchange.WSFeed
	router      Router
	positions   *position.Store
	pending     *pending.Set
	pendingTTL  time.Duration
	trigger     Trigger
	sinks       sinks.Sinks
	logger      *slog.Logger
}

// NewUserHandler wires a private WSFeed to the Position & Order Store and
// Pending Intents Set.
func NewUserHandler(feed *exchange.WSFeed, router Router, positions *position.Store, pendingSet *pending.Set, pendingTTL time.Duration, trigger Trigger, sinkBundle sinks.Sinks, logger *slog.Logger) *UserHandler {
	return &UserHandler{
		feed:       feed,
		router:     router,
		positions:  positions,
		pending:    pendingSet,
		pendingTTL: pendingTTL,
		trigger:    trigger,
		sinks:      sinkBundle,
		logger:     logger.With("component", "stream_user"),
	}
}

// Run drives the feed's connection loop and its event dispatch loop
// together; either returning ends both.
func (h *UserHandler) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error { return h.feed.Run(ctx) })
	g.Go(func() error { return h.dispatch(ctx) })
	return g.Wait()
}

func (h *UserHandler) dispatch(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case evt := <-h.feed.TradeEvents():
			h.applyTrade(evt)
		case evt := <-h.feed.OrderEvents():
			h.applyOrder(evt)
		}
	}
}

func (h *UserHandler) applyTrade(evt types.WireTradeEvent) {
	conditionID, ok := h.router.MarketFor(evt.AssetID)
	if !ok {
		h.logger.Debug("trade event for untracked token", "token", evt.AssetID)
		return
	}

	side := types.Side(evt.Side)
	price, err := decimal.NewFromString(evt.Price)
	if err != nil {
		h.logger.Warn("dropping malformed trade event", "trade_id", evt.TradeID, "error", err)
		return
	}
	size, err := decimal.NewFromString(evt.Size)
	if err != nil {
		h.logger.Warn("dropping malformed trade event", "trade_id", evt.TradeID, "error", err)
		return
	}

	h.positions.ApplyFill(evt.AssetID, side, size, price)
	h.pending.Add(evt.TradeID, evt.AssetID, h.pendingTTL)

	h.sinks.WriteTrade(sinks.TradeLogRecord{
		Timestamp:   time.Now(),
		ConditionID: conditionID,
		Token:       evt.AssetID,
		Side:        string(side),
		Price:       price,
		Size:        size,
		TradeID:     evt.TradeID,
	})

	h.logger.Info("fill applied", "condition", conditionID, "token", evt.AssetID, "side", side, "price", price, "size", size)
	h.trigger(conditionID, "private")
}

func (h *UserHandler) applyOrder(evt types.WireOrderEvent) {
	conditionID, ok := h.router.MarketFor(evt.AssetID)
	if !ok {
		h.logger.Debug("order event for untracked token", "token", evt.AssetID)
		return
	}

	side := types.Side(evt.Side)
	price, err := decimal.NewFromString(evt.Price)
	if err != nil {
		h.logger.Warn("dropping malformed order event", "order_id", evt.OrderID, "error", err)
		return
	}
	origSize, err := decimal.NewFromString(evt.OriginalSize)
	if err != nil {
		h.logger.Warn("dropping malformed order event", "order_id", evt.OrderID, "error", err)
		return
	}
	matched, err := decimal.NewFromString(evt.SizeMatched)
	if err != nil {
		matched = decimal.Zero
	}
	remaining := origSize.Sub(matched)

	switch evt.Status {
	case "live":
		if remaining.IsPositive() {
			h.positions.ApplyOrderAck(evt.AssetID, side, evt.OrderID, price, remaining)
		} else {
			h.positions.ApplyOrderGone(evt.OrderID)
		}
	case "matched", "cancelled":
		h.positions.ApplyOrderGone(evt.OrderID)
	default:
		h.logger.Debug("unhandled order status", "status", evt.Status, "order_id", evt.OrderID)
	}

	h.trigger(conditionID, "private")
}
